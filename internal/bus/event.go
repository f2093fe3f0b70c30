package bus

import "time"

// Event represents a domain event published on the bus. ID carries the
// conversation, message or transfer identifier the event relates to, when
// there is one.
type Event struct {
	Kind      string
	ID        string
	Timestamp time.Time
	Payload   any
}

// Event kind namespaces. Subscribers filter on these prefixes.
const (
	NSChat     = "chat."
	NSTransfer = "transfer."
	NSIms      = "ims."
	NSEngine   = "engine."
)

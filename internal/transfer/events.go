// Package transfer implements the one-to-one and group file transfer
// engines: invitation lifecycle, pause/resume, progress reporting and
// delivery aggregation for group recipients.
package transfer

import "github.com/rcsgo/rcsd/internal/store"

// Event kinds published on the transfer namespace.
const (
	EventStateChanged        = "transfer.state_changed"
	EventProgress            = "transfer.progress"
	EventInvitation          = "transfer.invitation"
	EventDeliveryInfoChanged = "transfer.delivery_info_changed"
)

// StateChange is the payload of EventStateChanged.
type StateChange struct {
	ChatID string
	State  store.TransferState
	Reason store.TransferReason
}

// ProgressChange is the payload of EventProgress.
type ProgressChange struct {
	ChatID      string
	Transferred int64
	Size        int64
}

// DeliveryChange is the payload of EventDeliveryInfoChanged. ID on the event
// carries the transfer id.
type DeliveryChange struct {
	ChatID  string
	Contact string
	Status  store.DeliveryStatus
	Reason  store.DeliveryReason
}

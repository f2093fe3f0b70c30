// Package chat implements the one-to-one and group conversation engines:
// outbound message state, delivery acknowledgements, group delivery
// aggregation and the rejoin/restart coordination of group conversations.
package chat

import "github.com/rcsgo/rcsd/internal/store"

// Event kinds published on the chat namespace.
const (
	EventConversationStateChanged = "chat.conversation_state_changed"
	EventMessageStateChanged      = "chat.message_state_changed"
	EventMessageReceived          = "chat.message_received"
	EventMessageRead              = "chat.message_read"
	EventDeliveryInfoChanged      = "chat.delivery_info_changed"
	EventComposingChanged         = "chat.composing_changed"
	EventParticipantChanged       = "chat.participant_changed"
	EventInvitation               = "chat.invitation"
	EventSessionLost              = "chat.session_lost"
	EventConversationDeleted      = "chat.conversation_deleted"
)

// Mime types accepted for outgoing chat messages.
const (
	MimeText   = "text/plain"
	MimeGeoloc = "application/vnd.gsma.rcspushlocation+xml"
)

// ConversationChange is the payload of EventConversationStateChanged.
type ConversationChange struct {
	State  store.ConvState
	Reason store.ConvReason
}

// MessageChange is the payload of EventMessageStateChanged.
type MessageChange struct {
	ChatID string
	Status store.MsgStatus
	Reason store.MsgReason
}

// DeliveryChange is the payload of EventDeliveryInfoChanged. ID on the event
// carries the message id.
type DeliveryChange struct {
	ChatID  string
	Contact string
	Status  store.DeliveryStatus
	Reason  store.DeliveryReason
}

// ComposingChange is the payload of EventComposingChanged.
type ComposingChange struct {
	Contact string
	Active  bool
}

// ParticipantChange is the payload of EventParticipantChanged.
type ParticipantChange struct {
	Contact string
	Status  store.ParticipantStatus
}

// ConversationDeleted is the payload of EventConversationDeleted.
type ConversationDeleted struct {
	MessageIDs []string
}

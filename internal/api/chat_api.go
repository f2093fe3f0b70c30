package api

import (
	"github.com/rcsgo/rcsd/internal/chat"
	"github.com/rcsgo/rcsd/internal/config"
	"github.com/rcsgo/rcsd/internal/dequeue"
	"github.com/rcsgo/rcsd/internal/store"
)

// ChatAPI exposes conversation commands.
type ChatAPI struct {
	oneToOne  *chat.OneToOne
	group     *chat.Group
	db        *store.DB
	cfg       *config.Config
	scheduler *dequeue.Scheduler
}

// NewChatAPI creates the chat command boundary.
func NewChatAPI(oneToOne *chat.OneToOne, group *chat.Group, db *store.DB,
	cfg *config.Config, scheduler *dequeue.Scheduler) *ChatAPI {
	return &ChatAPI{
		oneToOne:  oneToOne,
		group:     group,
		db:        db,
		cfg:       cfg,
		scheduler: scheduler,
	}
}

func (a *ChatAPI) validateBody(body string) error {
	if body == "" {
		return invalidf("empty message body")
	}
	if max := a.cfg.Messaging.MaxMessageLength; max > 0 && len(body) > max {
		return invalidf("message exceeds %d bytes", max)
	}
	return nil
}

// SendText sends a text message to a contact. Returns the message id.
func (a *ChatAPI) SendText(contact, body string) (string, error) {
	if contact == "" {
		return "", invalidf("empty contact")
	}
	if err := a.validateBody(body); err != nil {
		return "", err
	}
	return a.oneToOne.SendText(contact, body)
}

// SendGeoloc sends a geolocation push to a contact.
func (a *ChatAPI) SendGeoloc(contact, geoloc string) (string, error) {
	if contact == "" {
		return "", invalidf("empty contact")
	}
	if geoloc == "" {
		return "", invalidf("empty geoloc payload")
	}
	return a.oneToOne.SendGeoloc(contact, geoloc)
}

// SendGroupText sends a text message to a group conversation.
func (a *ChatAPI) SendGroupText(chatID, body string) (string, error) {
	if chatID == "" {
		return "", invalidf("empty chat id")
	}
	if err := a.validateBody(body); err != nil {
		return "", err
	}
	id, err := a.group.SendText(chatID, body)
	return id, mapStoreErr(err)
}

// InitiateGroup creates a group conversation. Returns the chat id.
func (a *ChatAPI) InitiateGroup(subject string, participants []string) (string, error) {
	if len(participants) == 0 {
		return "", invalidf("no participants")
	}
	for _, c := range participants {
		if c == "" {
			return "", invalidf("empty participant contact")
		}
	}
	return a.group.Initiate(subject, participants)
}

// Resend retries a failed message, on whichever engine owns it.
func (a *ChatAPI) Resend(msgID string) error {
	if msgID == "" {
		return invalidf("empty message id")
	}
	m, err := a.db.GetMessage(msgID)
	if err != nil {
		return mapStoreErr(err)
	}
	conv, err := a.db.GetConversation(m.ChatID)
	if err != nil {
		return mapStoreErr(err)
	}
	if conv.IsGroup {
		return mapStoreErr(a.group.Resend(msgID))
	}
	return mapStoreErr(a.oneToOne.Resend(msgID))
}

// MarkRead flags an inbound message as read and reports it displayed.
func (a *ChatAPI) MarkRead(msgID string) error {
	if msgID == "" {
		return invalidf("empty message id")
	}
	return mapStoreErr(a.oneToOne.MarkRead(msgID))
}

// SetComposing relays the local is-composing state for a contact.
func (a *ChatAPI) SetComposing(contact string, active bool) error {
	if contact == "" {
		return invalidf("empty contact")
	}
	a.oneToOne.SetComposing(contact, active)
	return nil
}

// RejoinGroup re-attaches to a group conversation's remote conference.
func (a *ChatAPI) RejoinGroup(chatID string) error {
	if chatID == "" {
		return invalidf("empty chat id")
	}
	return mapStoreErr(a.group.Rejoin(chatID))
}

// LeaveGroup departs a group conversation.
func (a *ChatAPI) LeaveGroup(chatID string) error {
	if chatID == "" {
		return invalidf("empty chat id")
	}
	return mapStoreErr(a.group.Leave(chatID))
}

// AcceptGroupInvitation accepts a pending group invitation.
func (a *ChatAPI) AcceptGroupInvitation(chatID string) error {
	if chatID == "" {
		return invalidf("empty chat id")
	}
	return mapStoreErr(a.group.AcceptInvitation(chatID))
}

// RejectGroupInvitation declines a pending group invitation.
func (a *ChatAPI) RejectGroupInvitation(chatID string) error {
	if chatID == "" {
		return invalidf("empty chat id")
	}
	return mapStoreErr(a.group.RejectInvitation(chatID))
}

// InviteParticipants adds contacts to a group conversation.
func (a *ChatAPI) InviteParticipants(chatID string, contacts []string) error {
	if chatID == "" {
		return invalidf("empty chat id")
	}
	if len(contacts) == 0 {
		return invalidf("no contacts")
	}
	return mapStoreErr(a.group.InviteParticipants(chatID, contacts))
}

// GroupState resolves the current state of a group conversation.
func (a *ChatAPI) GroupState(chatID string) (store.ConvState, store.ConvReason, error) {
	if chatID == "" {
		return "", "", invalidf("empty chat id")
	}
	state, reason, err := a.group.State(chatID)
	return state, reason, mapStoreErr(err)
}

// DeleteGroup removes a group conversation and its messages.
func (a *ChatAPI) DeleteGroup(chatID string) error {
	if chatID == "" {
		return invalidf("empty chat id")
	}
	return mapStoreErr(a.group.Delete(chatID))
}

// ListMessages pages through the messages of a conversation, newest first.
func (a *ChatAPI) ListMessages(chatID string, beforeTs int64, limit int) ([]store.Message, error) {
	if chatID == "" {
		return nil, invalidf("empty chat id")
	}
	if limit <= 0 {
		limit = 50
	}
	return a.db.ListMessages(chatID, beforeTs, limit)
}

// Activate marks a conversation active, sweeping its queued work.
func (a *ChatAPI) Activate(chatID string) error {
	if chatID == "" {
		return invalidf("empty chat id")
	}
	a.scheduler.Activate(chatID)
	return nil
}

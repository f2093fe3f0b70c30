package chat

import (
	"errors"
	"fmt"
	"time"

	"github.com/rcsgo/rcsd/internal/bus"
	"github.com/rcsgo/rcsd/internal/expiry"
	"github.com/rcsgo/rcsd/internal/imsengine"
	"github.com/rcsgo/rcsd/internal/store"
	"go.uber.org/zap"
)

// ErrConversationClosed is returned when a send targets a conversation in a
// terminal state.
var ErrConversationClosed = errors.New("chat: conversation is closed")

// deliveryDeadline converts a configured expiration period into an absolute
// unix-ms deadline; a zero period means no expiration policy.
func deliveryDeadline(period time.Duration) int64 {
	if period <= 0 {
		return 0
	}
	return time.Now().Add(period).UnixMilli()
}

// validateBody checks an outgoing message payload against the configured
// length cap.
func validateBody(body string, maxLen int) error {
	if body == "" {
		return fmt.Errorf("chat: empty message body")
	}
	if maxLen > 0 && len(body) > maxLen {
		return fmt.Errorf("chat: message exceeds %d bytes", maxLen)
	}
	return nil
}

// markSending moves a message to SENDING and publishes the change. The
// in-memory row is updated so a sweep never dispatches it twice.
func markSending(db *store.DB, b *bus.Bus, logger *zap.Logger, m *store.Message) {
	changed, err := db.SetMessageStatusAndReason(m.ID, store.MsgSending, store.MsgReasonUnspecified)
	if err != nil {
		logger.Error("failed to mark message sending", zap.Error(err), zap.String("msg_id", m.ID))
		return
	}
	m.Status = store.MsgSending
	if changed {
		publishMessage(b, m.ID, m.ChatID, store.MsgSending, store.MsgReasonUnspecified)
	}
}

// markSent records the sent acknowledgement for a message. Dispositions can
// outrun the sent ack, so an already delivered or displayed row is left
// alone.
func markSent(db *store.DB, b *bus.Bus, logger *zap.Logger, msgID string) {
	m, err := db.GetMessage(msgID)
	if err != nil {
		logger.Error("sent ack for unknown message", zap.Error(err), zap.String("msg_id", msgID))
		return
	}
	if m.Status != store.MsgQueued && m.Status != store.MsgSending {
		return
	}
	if err := db.SetMessageTimestamps(msgID, m.Timestamp, time.Now().UnixMilli()); err != nil {
		logger.Error("failed to record sent timestamp", zap.Error(err), zap.String("msg_id", msgID))
	}
	changed, err := db.SetMessageStatusAndReason(msgID, store.MsgSent, store.MsgReasonUnspecified)
	if err != nil {
		logger.Error("failed to mark message sent", zap.Error(err), zap.String("msg_id", msgID))
		return
	}
	if changed {
		publishMessage(b, msgID, m.ChatID, store.MsgSent, store.MsgReasonUnspecified)
	}
}

// markFailed records a permanent message failure and disarms its expiration
// timer.
func markFailed(db *store.DB, b *bus.Bus, exp *expiry.Manager, logger *zap.Logger, msgID string, reason store.MsgReason) {
	exp.Cancel(msgID)
	m, err := db.GetMessage(msgID)
	if err != nil {
		logger.Error("failure for unknown message", zap.Error(err), zap.String("msg_id", msgID))
		return
	}
	changed, err := db.SetMessageStatusAndReason(msgID, store.MsgFailed, reason)
	if err != nil {
		logger.Error("failed to mark message failed", zap.Error(err), zap.String("msg_id", msgID))
		return
	}
	if changed {
		publishMessage(b, msgID, m.ChatID, store.MsgFailed, reason)
	}
}

// failureReason maps an IMDN notification type to the message failure reason.
func failureReason(t imsengine.NotificationType) store.MsgReason {
	if t == imsengine.DisplayNotification {
		return store.MsgReasonFailedDisplay
	}
	return store.MsgReasonFailedDelivery
}

func deliveryFailureReason(t imsengine.NotificationType) store.DeliveryReason {
	if t == imsengine.DisplayNotification {
		return store.DeliveryReasonFailedDisplay
	}
	return store.DeliveryReasonFailedDelivery
}

func publishMessage(b *bus.Bus, msgID, chatID string, status store.MsgStatus, reason store.MsgReason) {
	b.Publish(bus.Event{
		Kind:    EventMessageStateChanged,
		ID:      msgID,
		Payload: MessageChange{ChatID: chatID, Status: status, Reason: reason},
	})
}

func publishConversation(b *bus.Bus, chatID string, state store.ConvState, reason store.ConvReason) {
	b.Publish(bus.Event{
		Kind:    EventConversationStateChanged,
		ID:      chatID,
		Payload: ConversationChange{State: state, Reason: reason},
	})
}

// storeInbound persists a received message before any event is published, so
// a subscriber reacting to the event always finds the row.
func storeInbound(db *store.DB, b *bus.Bus, logger *zap.Logger, chatID string, msg imsengine.InboundMessage) {
	err := db.AddMessage(&store.Message{
		ID:            msg.ID,
		ChatID:        chatID,
		Contact:       msg.Contact,
		MimeType:      msg.MimeType,
		Direction:     store.Incoming,
		Status:        store.MsgReceived,
		Reason:        store.MsgReasonUnspecified,
		Body:          msg.Body,
		Timestamp:     msg.Timestamp,
		TimestampSent: msg.TimestampSent,
	})
	if err != nil {
		logger.Error("failed to persist inbound message", zap.Error(err), zap.String("msg_id", msg.ID))
		return
	}
	b.Publish(bus.Event{
		Kind:    EventMessageReceived,
		ID:      msg.ID,
		Payload: MessageChange{ChatID: chatID, Status: store.MsgReceived, Reason: store.MsgReasonUnspecified},
	})
}

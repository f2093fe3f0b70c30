package chat

import (
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rcsgo/rcsd/internal/bus"
	"github.com/rcsgo/rcsd/internal/config"
	"github.com/rcsgo/rcsd/internal/expiry"
	"github.com/rcsgo/rcsd/internal/imsengine"
	"github.com/rcsgo/rcsd/internal/metrics"
	"github.com/rcsgo/rcsd/internal/registry"
	"github.com/rcsgo/rcsd/internal/store"
	"github.com/rcsgo/rcsd/internal/worker"
	"go.uber.org/zap"
)

// OneToOne drives one-to-one conversations. All read-modify-write sequences
// against persisted rows plus their publishes run under one service mutex;
// persisted state is updated before an event is published, and both before a
// live wrapper is removed from the registry.
type OneToOne struct {
	db        *store.DB
	engine    imsengine.Engine
	bus       *bus.Bus
	expiry    *expiry.Manager
	admission *registry.Admission
	pool      *worker.Pool
	cfg       *config.Config
	logger    *zap.Logger

	mu       sync.Mutex
	sessions *registry.Registry[*oneToOneSession]
}

// oneToOneSession is the live wrapper for a one-to-one exchange. release is
// nil for sessions initiated by the remote party.
type oneToOneSession struct {
	contact string
	session imsengine.ChatSession
	release func()
}

func (w *oneToOneSession) releaseSlot() {
	if w.release != nil {
		w.release()
	}
}

// NewOneToOne creates the one-to-one chat engine.
func NewOneToOne(db *store.DB, engine imsengine.Engine, b *bus.Bus, exp *expiry.Manager,
	adm *registry.Admission, pool *worker.Pool, cfg *config.Config, logger *zap.Logger) *OneToOne {
	return &OneToOne{
		db:        db,
		engine:    engine,
		bus:       b,
		expiry:    exp,
		admission: adm,
		pool:      pool,
		cfg:       cfg,
		logger:    logger.Named("chat"),
		sessions:  registry.New[*oneToOneSession]("chat"),
	}
}

// SendText queues a text message to contact and dispatches it when
// connectivity allows. Returns the message id.
func (s *OneToOne) SendText(contact, body string) (string, error) {
	if err := validateBody(body, s.cfg.Messaging.MaxMessageLength); err != nil {
		return "", err
	}
	return s.send(contact, MimeText, body)
}

// SendGeoloc queues a geolocation push to contact.
func (s *OneToOne) SendGeoloc(contact, geoloc string) (string, error) {
	if geoloc == "" {
		return "", fmt.Errorf("chat: empty geoloc payload")
	}
	return s.send(contact, MimeGeoloc, geoloc)
}

func (s *OneToOne) send(contact, mimeType, body string) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := s.ensureConversation(contact); err != nil {
		return "", err
	}

	now := time.Now().UnixMilli()
	deadline := deliveryDeadline(s.cfg.DeliveryTimeout())
	msg := &store.Message{
		ID:                 uuid.NewString(),
		ChatID:             contact,
		Contact:            contact,
		MimeType:           mimeType,
		Direction:          store.Outgoing,
		Status:             store.MsgQueued,
		Reason:             store.MsgReasonUnspecified,
		Body:               body,
		Timestamp:          now,
		DeliveryExpiration: deadline,
	}
	if err := s.db.AddMessage(msg); err != nil {
		return "", fmt.Errorf("persist message: %w", err)
	}
	metrics.QueuedEntities.WithLabelValues("message").Inc()
	s.expiry.ScheduleMessage(msg.ID, deadline)

	if s.engine.Connected() {
		s.dispatch(msg)
	} else {
		publishMessage(s.bus, msg.ID, contact, store.MsgQueued, store.MsgReasonUnspecified)
	}
	return msg.ID, nil
}

// Resend re-queues a failed message. A message already in flight or past
// SENT is left alone, making concurrent resends idempotent.
func (s *OneToOne) Resend(msgID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	m, err := s.db.GetMessage(msgID)
	if err != nil {
		return err
	}
	if m.Direction != store.Outgoing {
		return fmt.Errorf("chat: cannot resend inbound message %s", msgID)
	}
	if m.Status != store.MsgFailed && m.Status != store.MsgQueued {
		return nil
	}
	if m.Status == store.MsgFailed {
		changed, err := s.db.SetMessageStatusAndReason(msgID, store.MsgQueued, store.MsgReasonUnspecified)
		if err != nil {
			return err
		}
		m.Status = store.MsgQueued
		if changed {
			publishMessage(s.bus, msgID, m.ChatID, store.MsgQueued, store.MsgReasonUnspecified)
		}
	}
	if s.engine.Connected() {
		s.dispatch(m)
	}
	return nil
}

// MarkRead flags an inbound message as read and sends the displayed report
// when a media-established session is available.
func (s *OneToOne) MarkRead(msgID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	m, err := s.db.GetMessage(msgID)
	if err != nil {
		return err
	}
	changed, err := s.db.SetMessageRead(msgID)
	if err != nil {
		return err
	}
	if !changed {
		return nil
	}
	s.bus.Publish(bus.Event{Kind: EventMessageRead, ID: msgID})

	if w, ok := s.sessions.Get(m.ChatID); ok && w.session.MediaEstablished() {
		sess := w.session
		ts := time.Now().UnixMilli()
		contact := m.Contact
		s.pool.Submit(m.ChatID, "send_display_report", func() {
			sess.SendDisplayReport(msgID, contact, ts)
		})
	}
	return nil
}

// SetComposing relays the local is-composing state when a session is up.
func (s *OneToOne) SetComposing(contact string, active bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if w, ok := s.sessions.Get(contact); ok && w.session.MediaEstablished() {
		sess := w.session
		s.pool.Submit(contact, "send_composing", func() { sess.SendComposing(active) })
	}
}

// HandleIncomingSession registers a remote-initiated chat session.
// Store-and-forward sessions are accepted immediately so queued network
// traffic can drain.
func (s *OneToOne) HandleIncomingSession(sess imsengine.ChatSession) {
	s.mu.Lock()
	defer s.mu.Unlock()

	contact := sess.RemoteContact()
	if err := s.ensureConversation(contact); err != nil {
		s.logger.Error("failed to persist conversation for incoming session", zap.Error(err), zap.String("contact", contact))
		return
	}
	s.sessions.Put(contact, &oneToOneSession{contact: contact, session: sess})
	sess.AddListener(&oneToOneListener{svc: s, contact: contact})

	if sess.StoreAndForward() {
		s.pool.Submit(contact, "accept_session", sess.Accept)
		return
	}
	s.bus.Publish(bus.Event{Kind: EventInvitation, ID: contact})
}

// SweepChat re-runs the outbound decision for queued messages of one
// conversation.
func (s *OneToOne) SweepChat(chatID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.sweepLocked(chatID)
}

// SweepAll re-runs the outbound decision over every queued one-to-one
// message, in creation order.
func (s *OneToOne) SweepAll() {
	s.mu.Lock()
	defer s.mu.Unlock()

	queued, err := s.db.AllQueuedMessages()
	if err != nil {
		s.logger.Error("failed to read queued messages", zap.Error(err))
		return
	}
	for i := range queued {
		conv, err := s.db.GetConversation(queued[i].ChatID)
		if err != nil || conv.IsGroup {
			continue
		}
		s.dispatch(&queued[i])
	}
}

func (s *OneToOne) sweepLocked(chatID string) {
	queued, err := s.db.QueuedMessages(chatID)
	if err != nil {
		s.logger.Error("failed to read queued messages", zap.Error(err), zap.String("chat_id", chatID))
		return
	}
	for i := range queued {
		s.dispatch(&queued[i])
	}
}

// dispatch runs the outbound decision procedure for one queued message.
// Caller holds s.mu.
func (s *OneToOne) dispatch(m *store.Message) {
	if m.Status != store.MsgQueued {
		return
	}
	w, ok := s.sessions.Get(m.ChatID)
	switch {
	case ok && w.session.MediaEstablished():
		markSending(s.db, s.bus, s.logger, m)
		sess := w.session
		id, mimeType, body := m.ID, m.MimeType, m.Body
		s.pool.Submit(m.ChatID, "send_message", func() { sess.SendMessage(id, mimeType, body) })

	case ok && w.session.InitiatedByRemote() && !w.session.SessionAccepted():
		// Accept asynchronously; the message stays queued and the
		// established callback sweeps it.
		sess := w.session
		s.pool.Submit(m.ChatID, "accept_session", sess.Accept)

	case ok:
		// A locally initiated attempt is already in flight; never
		// double-send on the same conversation.

	default:
		s.initiate(m)
	}
}

// initiate creates a fresh session for a queued message if admission allows.
// Caller holds s.mu.
func (s *OneToOne) initiate(m *store.Message) {
	release, ok := s.admission.ReserveChat()
	if !ok {
		return
	}
	sess, err := s.engine.InitiateChat(m.ChatID)
	if err != nil {
		release()
		if imsengine.Transient(err) {
			s.logger.Debug("initiation deferred", zap.Error(err), zap.String("contact", m.ChatID))
			return
		}
		s.logger.Warn("chat initiation failed", zap.Error(err), zap.String("contact", m.ChatID))
		markFailed(s.db, s.bus, s.expiry, s.logger, m.ID, store.MsgReasonFailedSend)
		return
	}
	s.sessions.Put(m.ChatID, &oneToOneSession{contact: m.ChatID, session: sess, release: release})
	sess.AddListener(&oneToOneListener{svc: s, contact: m.ChatID})

	markSending(s.db, s.bus, s.logger, m)
	id, mimeType, body := m.ID, m.MimeType, m.Body
	s.pool.Submit(m.ChatID, "start_session", func() {
		sess.Start()
		sess.SendMessage(id, mimeType, body)
	})
}

func (s *OneToOne) ensureConversation(contact string) error {
	if contact == "" {
		return fmt.Errorf("chat: empty contact")
	}
	return s.db.AddConversation(&store.Conversation{
		ChatID:    contact,
		Contact:   contact,
		Direction: store.Outgoing,
		State:     store.ConvStarted,
		Reason:    store.ConvReasonUnspecified,
		Timestamp: time.Now().UnixMilli(),
	})
}

// sessionEnded tears down the live wrapper. Queued rows survive: once the
// wrapper is gone the persisted record is the sole source of truth.
func (s *OneToOne) sessionEnded(contact string, reason imsengine.TerminationReason) {
	s.mu.Lock()
	defer s.mu.Unlock()

	w, ok := s.sessions.Get(contact)
	if !ok {
		return
	}
	s.bus.Publish(bus.Event{Kind: EventSessionLost, ID: contact, Payload: reason})
	s.sessions.Remove(contact)
	w.releaseSlot()
}

func (s *OneToOne) handleDisposition(d imsengine.Disposition) {
	s.mu.Lock()
	defer s.mu.Unlock()

	switch d.Status {
	case imsengine.DispositionDelivered:
		s.expiry.Cancel(d.MsgID)
		changed, err := s.db.SetMessageDelivered(d.MsgID, d.Timestamp)
		if err != nil {
			s.logger.Error("failed to mark delivered", zap.Error(err), zap.String("msg_id", d.MsgID))
			return
		}
		if changed {
			publishMessage(s.bus, d.MsgID, d.Contact, store.MsgDelivered, store.MsgReasonUnspecified)
		}
	case imsengine.DispositionDisplayed:
		s.expiry.Cancel(d.MsgID)
		changed, err := s.db.SetMessageDisplayed(d.MsgID, d.Timestamp)
		if err != nil {
			s.logger.Error("failed to mark displayed", zap.Error(err), zap.String("msg_id", d.MsgID))
			return
		}
		if changed {
			publishMessage(s.bus, d.MsgID, d.Contact, store.MsgDisplayed, store.MsgReasonUnspecified)
		}
	case imsengine.DispositionFailed:
		markFailed(s.db, s.bus, s.expiry, s.logger, d.MsgID, failureReason(d.Type))
	}
}

// oneToOneListener adapts protocol callbacks for one conversation onto the
// service.
type oneToOneListener struct {
	svc     *OneToOne
	contact string
}

func (l *oneToOneListener) OnStarted(contact string) {
	l.svc.SweepChat(l.contact)
}

func (l *oneToOneListener) OnAccepting() {}

func (l *oneToOneListener) OnRejected(reason imsengine.RejectReason) {
	l.svc.sessionEnded(l.contact, imsengine.TerminatedByRemote)
}

func (l *oneToOneListener) OnAborted(reason imsengine.TerminationReason) {
	l.svc.sessionEnded(l.contact, reason)
}

func (l *oneToOneListener) OnError(code imsengine.ErrorCode) {
	l.svc.logger.Warn("chat session error", zap.String("contact", l.contact), zap.String("code", string(code)))
	l.svc.sessionEnded(l.contact, imsengine.TerminatedBySystem)
}

func (l *oneToOneListener) OnMessageSent(msgID string) {
	l.svc.mu.Lock()
	defer l.svc.mu.Unlock()
	markSent(l.svc.db, l.svc.bus, l.svc.logger, msgID)
}

func (l *oneToOneListener) OnMessageFailed(msgID string, code imsengine.ErrorCode) {
	l.svc.mu.Lock()
	defer l.svc.mu.Unlock()
	markFailed(l.svc.db, l.svc.bus, l.svc.expiry, l.svc.logger, msgID, store.MsgReasonFailedSend)
}

func (l *oneToOneListener) OnMessageReceived(msg imsengine.InboundMessage) {
	l.svc.mu.Lock()
	defer l.svc.mu.Unlock()
	storeInbound(l.svc.db, l.svc.bus, l.svc.logger, l.contact, msg)
}

func (l *oneToOneListener) OnDisposition(d imsengine.Disposition) {
	l.svc.handleDisposition(d)
}

func (l *oneToOneListener) OnComposing(contact string, active bool) {
	l.svc.bus.Publish(bus.Event{
		Kind:    EventComposingChanged,
		ID:      l.contact,
		Payload: ComposingChange{Contact: contact, Active: active},
	})
}

package chat

import (
	"errors"
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

// Group drives group conversations: invitation lifecycle, rejoin/restart
// after signaling loss, queued sends and per-recipient delivery aggregation.
type Group struct {
	db        *store.DB
	engine    imsengine.Engine
	bus       *bus.Bus
	expiry    *expiry.Manager
	admission *registry.Admission
	pool      *worker.Pool
	cfg       *config.Config
	logger    *zap.Logger

	mu       sync.Mutex
	sessions *registry.Registry[*groupSession]
	onClosed func(chatID string)
}

// groupSession is the live wrapper for one group exchange. sendRejoin marks
// a rejoin triggered by a send operation; restarted caps the restart
// fallback to one attempt per such operation.
type groupSession struct {
	chatID     string
	session    imsengine.GroupChatSession
	release    func()
	sendRejoin bool
	restarted  bool
}

func (w *groupSession) releaseSlot() {
	if w.release != nil {
		w.release()
	}
}

// NewGroup creates the group chat engine.
func NewGroup(db *store.DB, engine imsengine.Engine, b *bus.Bus, exp *expiry.Manager,
	adm *registry.Admission, pool *worker.Pool, cfg *config.Config, logger *zap.Logger) *Group {
	return &Group{
		db:        db,
		engine:    engine,
		bus:       b,
		expiry:    exp,
		admission: adm,
		pool:      pool,
		cfg:       cfg,
		logger:    logger.Named("groupchat"),
		sessions:  registry.New[*groupSession]("groupchat"),
	}
}

// OnConversationClosed installs a hook invoked whenever a conversation
// reaches a terminal state. The transfer engine uses it to fail queued
// transfers that can no longer be dispatched.
func (s *Group) OnConversationClosed(fn func(chatID string)) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.onClosed = fn
}

// notifyClosed fans a terminal conversation state out to the closed hook.
// Caller holds s.mu.
func (s *Group) notifyClosed(chatID string) {
	if s.onClosed != nil {
		s.onClosed(chatID)
	}
}

// Initiate creates a group conversation and starts inviting participants.
// Returns the chat id. When disconnected the conversation stays INITIATING
// until a connectivity sweep retries it.
func (s *Group) Initiate(subject string, participants []string) (string, error) {
	if len(participants) == 0 {
		return "", fmt.Errorf("chat: group needs at least one participant")
	}
	if len(participants) > s.cfg.Group.MaxParticipants {
		return "", fmt.Errorf("chat: participant count %d exceeds maximum %d", len(participants), s.cfg.Group.MaxParticipants)
	}
	if len(subject) > s.cfg.Group.SubjectMaxLength {
		return "", fmt.Errorf("chat: subject exceeds %d bytes", s.cfg.Group.SubjectMaxLength)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	chatID := uuid.NewString()
	err := s.db.AddConversation(&store.Conversation{
		ChatID:          chatID,
		IsGroup:         true,
		Subject:         subject,
		Direction:       store.Outgoing,
		State:           store.ConvInitiating,
		Reason:          store.ConvReasonUnspecified,
		MaxParticipants: s.cfg.Group.MaxParticipants,
		Timestamp:       time.Now().UnixMilli(),
	})
	if err != nil {
		return "", fmt.Errorf("persist conversation: %w", err)
	}
	statuses := make(map[string]store.ParticipantStatus, len(participants))
	for _, c := range participants {
		statuses[c] = store.ParticipantInviteQueued
	}
	if err := s.db.SetParticipants(chatID, statuses); err != nil {
		return "", fmt.Errorf("persist participants: %w", err)
	}
	publishConversation(s.bus, chatID, store.ConvInitiating, store.ConvReasonUnspecified)

	if s.engine.Connected() {
		s.initiateLocked(chatID, subject, participants)
	}
	return chatID, nil
}

// initiateLocked starts the initial invitation exchange. Caller holds s.mu.
func (s *Group) initiateLocked(chatID, subject string, participants []string) {
	release, ok := s.admission.ReserveChat()
	if !ok {
		return
	}
	sess, err := s.engine.InitiateGroupChat(subject, participants)
	if err != nil {
		release()
		if imsengine.Transient(err) {
			return
		}
		s.logger.Warn("group initiation failed", zap.Error(err), zap.String("chat_id", chatID))
		if changed, _ := s.db.SetConversationStateAndReason(chatID, store.ConvFailed, store.ConvReasonFailedInitiation); changed {
			publishConversation(s.bus, chatID, store.ConvFailed, store.ConvReasonFailedInitiation)
		}
		s.notifyClosed(chatID)
		return
	}
	for _, c := range participants {
		if _, err := s.db.SetParticipantStatus(chatID, c, store.ParticipantInviting); err != nil {
			s.logger.Error("failed to update participant", zap.Error(err), zap.String("chat_id", chatID))
		}
	}
	s.attachLocked(chatID, sess, release, false)
}

// attachLocked registers a live wrapper and starts the session. Caller holds
// s.mu.
func (s *Group) attachLocked(chatID string, sess imsengine.GroupChatSession, release func(), sendRejoin bool) {
	w := &groupSession{chatID: chatID, session: sess, release: release, sendRejoin: sendRejoin}
	s.sessions.Put(chatID, w)
	sess.AddListener(&groupListener{svc: s, chatID: chatID})
	s.pool.Submit(chatID, "start_session", sess.Start)
}

// SendText queues a text message to the group and triggers a
// rejoin-as-part-of-send when no live session exists.
func (s *Group) SendText(chatID, body string) (string, error) {
	if err := validateBody(body, s.cfg.Messaging.MaxMessageLength); err != nil {
		return "", err
	}
	return s.send(chatID, MimeText, body)
}

// SendGeoloc queues a geolocation push to the group.
func (s *Group) SendGeoloc(chatID, geoloc string) (string, error) {
	if geoloc == "" {
		return "", fmt.Errorf("chat: empty geoloc payload")
	}
	return s.send(chatID, MimeGeoloc, geoloc)
}

func (s *Group) send(chatID, mimeType, body string) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	conv, err := s.db.GetConversation(chatID)
	if err != nil {
		return "", err
	}
	switch conv.State {
	case store.ConvAborted, store.ConvRejected, store.ConvFailed:
		return "", ErrConversationClosed
	}

	now := time.Now().UnixMilli()
	deadline := deliveryDeadline(s.cfg.DeliveryTimeout())
	msg := &store.Message{
		ID:                 uuid.NewString(),
		ChatID:             chatID,
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

	w, ok := s.sessions.Get(chatID)
	switch {
	case ok && w.session.MediaEstablished():
		markSending(s.db, s.bus, s.logger, msg)
		sess := w.session
		id, mt, b := msg.ID, msg.MimeType, msg.Body
		s.pool.Submit(chatID, "send_message", func() { sess.SendMessage(id, mt, b) })
	case ok && w.session.InitiatedByRemote() && !w.session.SessionAccepted():
		// Pending remote invitation: accept it asynchronously. The message
		// stays queued; the started callback sweeps it.
		publishMessage(s.bus, msg.ID, chatID, store.MsgQueued, store.MsgReasonUnspecified)
		sess := w.session
		s.pool.Submit(chatID, "accept_session", sess.Accept)
	case ok:
		// Exchange already in flight; the started callback sweeps the
		// queue.
		publishMessage(s.bus, msg.ID, chatID, store.MsgQueued, store.MsgReasonUnspecified)
	default:
		publishMessage(s.bus, msg.ID, chatID, store.MsgQueued, store.MsgReasonUnspecified)
		if s.engine.Connected() {
			s.rejoinLocked(conv, true)
		}
	}
	return msg.ID, nil
}

// Rejoin re-attaches to the remote conference of a group conversation using
// its persisted rejoin identity.
func (s *Group) Rejoin(chatID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.sessions.Get(chatID); ok {
		return nil
	}
	conv, err := s.db.GetConversation(chatID)
	if err != nil {
		return err
	}
	if !s.engine.Connected() {
		return imsengine.ErrNotConnected
	}
	s.rejoinLocked(conv, false)
	return nil
}

// rejoinLocked attempts a rejoin. On SESSION NOT FOUND during a
// send-triggered rejoin it falls back to a restart, at most once per send
// operation. Caller holds s.mu.
func (s *Group) rejoinLocked(conv *store.Conversation, asPartOfSend bool) {
	release, ok := s.admission.ReserveChat()
	if !ok {
		return
	}
	sess, err := s.engine.RejoinGroupChat(conv.ChatID, conv.RejoinID)
	if err != nil {
		release()
		switch {
		case imsengine.Transient(err):
		case imsengine.CodeOf(err) == imsengine.CodeNotFound && asPartOfSend:
			// The conference no longer exists remotely; re-invite.
			s.restartLocked(conv)
		default:
			s.logger.Warn("group rejoin failed", zap.Error(err), zap.String("chat_id", conv.ChatID))
			s.failQueuedLocked(conv.ChatID)
		}
		return
	}
	s.attachLocked(conv.ChatID, sess, release, asPartOfSend)
}

// restartLocked performs the single restart fallback. A failed restart is
// not retried automatically: queued messages stay queued for a later manual
// or connectivity-triggered attempt. Caller holds s.mu.
func (s *Group) restartLocked(conv *store.Conversation) {
	participants, err := s.db.GetParticipants(conv.ChatID)
	if err != nil {
		s.logger.Error("failed to read participants", zap.Error(err), zap.String("chat_id", conv.ChatID))
		return
	}
	var contacts []string
	for c, st := range participants {
		switch st {
		case store.ParticipantDeparted, store.ParticipantDeclined, store.ParticipantFailed:
		default:
			contacts = append(contacts, c)
		}
	}

	release, ok := s.admission.ReserveChat()
	if !ok {
		return
	}
	sess, err := s.engine.RestartGroupChat(conv.ChatID, contacts)
	if err != nil {
		release()
		s.logger.Warn("group restart failed", zap.Error(err), zap.String("chat_id", conv.ChatID))
		return
	}
	w := &groupSession{chatID: conv.ChatID, session: sess, release: release, sendRejoin: true, restarted: true}
	s.sessions.Put(conv.ChatID, w)
	sess.AddListener(&groupListener{svc: s, chatID: conv.ChatID})
	s.pool.Submit(conv.ChatID, "start_session", sess.Start)
}

// Resend re-queues a failed group message and re-runs the outbound decision
// for its conversation.
func (s *Group) Resend(msgID string) error {
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
		if changed {
			publishMessage(s.bus, msgID, m.ChatID, store.MsgQueued, store.MsgReasonUnspecified)
		}
	}
	if s.engine.Connected() {
		s.sweepChatLocked(m.ChatID)
	}
	return nil
}

// Leave departs the conversation. With a live session the termination is
// cooperative; offline, the next incoming invitation is rejected instead.
func (s *Group) Leave(chatID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if w, ok := s.sessions.Get(chatID); ok {
		sess := w.session
		s.pool.Submit(chatID, "terminate_session", func() { sess.Terminate(imsengine.TerminatedByUser) })
		return nil
	}
	conv, err := s.db.GetConversation(chatID)
	if err != nil {
		return err
	}
	if !s.engine.Connected() {
		if err := s.db.SetRejectNextInvite(chatID, true); err != nil {
			return err
		}
	} else if conv.RejoinID != "" {
		// Best effort: tell the conference we are gone.
		if sess, err := s.engine.RejoinGroupChat(chatID, conv.RejoinID); err == nil {
			s.pool.Submit(chatID, "terminate_session", func() { sess.Terminate(imsengine.TerminatedByUser) })
		}
	}
	if changed, err := s.db.SetConversationStateAndReason(chatID, store.ConvAborted, store.ConvReasonAbortedByUser); err == nil && changed {
		publishConversation(s.bus, chatID, store.ConvAborted, store.ConvReasonAbortedByUser)
	}
	s.notifyClosed(chatID)
	return nil
}

// AcceptInvitation accepts a remote-initiated group invitation.
func (s *Group) AcceptInvitation(chatID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	w, ok := s.sessions.Get(chatID)
	if !ok || !w.session.InitiatedByRemote() {
		return fmt.Errorf("chat: no pending invitation for %s", chatID)
	}
	if changed, err := s.db.SetConversationStateAndReason(chatID, store.ConvAccepting, store.ConvReasonUnspecified); err == nil && changed {
		publishConversation(s.bus, chatID, store.ConvAccepting, store.ConvReasonUnspecified)
	}
	s.pool.Submit(chatID, "accept_session", w.session.Accept)
	return nil
}

// RejectInvitation declines a remote-initiated group invitation. The state
// transition happens when the rejected callback arrives.
func (s *Group) RejectInvitation(chatID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	w, ok := s.sessions.Get(chatID)
	if !ok || !w.session.InitiatedByRemote() {
		return fmt.Errorf("chat: no pending invitation for %s", chatID)
	}
	sess := w.session
	s.pool.Submit(chatID, "reject_session", func() { sess.Reject(imsengine.RejectedByUser) })
	return nil
}

// InviteParticipants adds contacts to the group, immediately when a session
// is established, otherwise queued until the next session start.
func (s *Group) InviteParticipants(chatID string, contacts []string) error {
	if len(contacts) == 0 {
		return fmt.Errorf("chat: no contacts to invite")
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	conv, err := s.db.GetConversation(chatID)
	if err != nil {
		return err
	}
	existing, err := s.db.GetParticipants(chatID)
	if err != nil {
		return err
	}
	if conv.MaxParticipants > 0 && len(existing)+len(contacts) > conv.MaxParticipants {
		return fmt.Errorf("chat: participant count would exceed maximum %d", conv.MaxParticipants)
	}

	w, ok := s.sessions.Get(chatID)
	status := store.ParticipantInviteQueued
	if ok && w.session.MediaEstablished() {
		status = store.ParticipantInviting
	}
	for _, c := range contacts {
		if changed, err := s.db.SetParticipantStatus(chatID, c, status); err == nil && changed {
			s.publishParticipant(chatID, c, status)
		}
	}
	if status == store.ParticipantInviting {
		sess := w.session
		invite := append([]string(nil), contacts...)
		s.pool.Submit(chatID, "invite_participants", func() { sess.InviteParticipants(invite) })
	}
	return nil
}

// HandleIncomingSession registers a remote-initiated group session. A
// conversation flagged reject-next-invitation declines it automatically.
func (s *Group) HandleIncomingSession(chatID string, sess imsengine.GroupChatSession) {
	s.mu.Lock()
	defer s.mu.Unlock()

	conv, err := s.db.GetConversation(chatID)
	switch {
	case err == nil && conv.RejectNextInvite:
		if err := s.db.SetRejectNextInvite(chatID, false); err != nil {
			s.logger.Error("failed to clear reject flag", zap.Error(err), zap.String("chat_id", chatID))
		}
		s.pool.Submit(chatID, "reject_session", func() { sess.Reject(imsengine.RejectedByUser) })
		return
	case errors.Is(err, store.ErrNotFound):
		addErr := s.db.AddConversation(&store.Conversation{
			ChatID:    chatID,
			IsGroup:   true,
			Subject:   sess.Subject(),
			Direction: store.Incoming,
			State:     store.ConvInvited,
			Reason:    store.ConvReasonUnspecified,
			RejoinID:  sess.ConferenceID(),
			Timestamp: time.Now().UnixMilli(),
		})
		if addErr != nil {
			s.logger.Error("failed to persist invited conversation", zap.Error(addErr), zap.String("chat_id", chatID))
			return
		}
	case err != nil:
		s.logger.Error("failed to read conversation", zap.Error(err), zap.String("chat_id", chatID))
		return
	default:
		if changed, _ := s.db.SetConversationStateAndReason(chatID, store.ConvInvited, store.ConvReasonUnspecified); changed {
			publishConversation(s.bus, chatID, store.ConvInvited, store.ConvReasonUnspecified)
		}
	}

	s.sessions.Put(chatID, &groupSession{chatID: chatID, session: sess})
	sess.AddListener(&groupListener{svc: s, chatID: chatID})
	s.bus.Publish(bus.Event{Kind: EventInvitation, ID: chatID})
}

// State resolves the conversation state: derived from the live session when
// one exists, read from the persisted row otherwise. The two sources are
// never merged.
func (s *Group) State(chatID string) (store.ConvState, store.ConvReason, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if w, ok := s.sessions.Get(chatID); ok {
		sess := w.session
		switch {
		case sess.MediaEstablished():
			return store.ConvStarted, store.ConvReasonUnspecified, nil
		case sess.SessionAccepted():
			return store.ConvAccepting, store.ConvReasonUnspecified, nil
		case sess.InitiatedByRemote():
			return store.ConvInvited, store.ConvReasonUnspecified, nil
		default:
			return store.ConvInitiating, store.ConvReasonUnspecified, nil
		}
	}
	conv, err := s.db.GetConversation(chatID)
	if err != nil {
		return "", "", err
	}
	return conv.State, conv.Reason, nil
}

// Delete removes the conversation and its rows. The live session, if any, is
// terminated cooperatively first.
func (s *Group) Delete(chatID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if w, ok := s.sessions.Get(chatID); ok {
		sess := w.session
		s.pool.Submit(chatID, "terminate_session", func() { sess.Terminate(imsengine.TerminatedByUser) })
	}
	msgIDs, err := s.db.DeleteConversation(chatID)
	if err != nil {
		return err
	}
	for _, id := range msgIDs {
		s.expiry.Cancel(id)
	}
	s.bus.Publish(bus.Event{
		Kind:    EventConversationDeleted,
		ID:      chatID,
		Payload: ConversationDeleted{MessageIDs: msgIDs},
	})
	return nil
}

// SweepChat re-runs the outbound decision for queued messages of one group.
func (s *Group) SweepChat(chatID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.sweepChatLocked(chatID)
}

// SweepAll retries every group conversation that has queued traffic.
func (s *Group) SweepAll() {
	s.mu.Lock()
	defer s.mu.Unlock()

	queued, err := s.db.AllQueuedMessages()
	if err != nil {
		s.logger.Error("failed to read queued messages", zap.Error(err))
		return
	}
	seen := make(map[string]bool)
	for i := range queued {
		chatID := queued[i].ChatID
		if seen[chatID] {
			continue
		}
		seen[chatID] = true
		conv, err := s.db.GetConversation(chatID)
		if err != nil || !conv.IsGroup {
			continue
		}
		s.sweepChatLocked(chatID)
	}
}

func (s *Group) sweepChatLocked(chatID string) {
	w, ok := s.sessions.Get(chatID)
	if ok && w.session.MediaEstablished() {
		queued, err := s.db.QueuedMessages(chatID)
		if err != nil {
			s.logger.Error("failed to read queued messages", zap.Error(err), zap.String("chat_id", chatID))
			return
		}
		sess := w.session
		for i := range queued {
			m := &queued[i]
			markSending(s.db, s.bus, s.logger, m)
			id, mt, b := m.ID, m.MimeType, m.Body
			s.pool.Submit(chatID, "send_message", func() { sess.SendMessage(id, mt, b) })
		}
		return
	}
	queued, err := s.db.QueuedMessages(chatID)
	if err != nil || len(queued) == 0 {
		return
	}
	if ok {
		// Queued traffic behind a pending remote invitation accepts it; a
		// local attempt already in flight needs no push.
		if w.session.InitiatedByRemote() && !w.session.SessionAccepted() {
			sess := w.session
			s.pool.Submit(chatID, "accept_session", sess.Accept)
		}
		return
	}
	if !s.engine.Connected() {
		return
	}
	conv, err := s.db.GetConversation(chatID)
	if err != nil {
		return
	}
	switch conv.State {
	case store.ConvInitiating:
		// Initial invitation never went out; retry it.
		participants, err := s.db.GetParticipants(chatID)
		if err != nil {
			return
		}
		var contacts []string
		for c := range participants {
			contacts = append(contacts, c)
		}
		s.initiateLocked(chatID, conv.Subject, contacts)
	case store.ConvStarted:
		s.rejoinLocked(conv, true)
	}
}

// sessionStarted refreshes the rejoin identity, promotes the conversation to
// STARTED and drains queued invites and messages.
func (s *Group) sessionStarted(chatID string) {
	s.mu.Lock()
	defer s.mu.Unlock()

	w, ok := s.sessions.Get(chatID)
	if !ok {
		return
	}
	if rid := w.session.ConferenceID(); rid != "" {
		if _, err := s.db.SetRejoinID(chatID, rid); err != nil {
			s.logger.Error("failed to persist rejoin id", zap.Error(err), zap.String("chat_id", chatID))
		}
	}
	changed, err := s.db.SetConversationStateAndReason(chatID, store.ConvStarted, store.ConvReasonUnspecified)
	if err != nil {
		s.logger.Error("failed to mark conversation started", zap.Error(err), zap.String("chat_id", chatID))
	}
	if changed {
		publishConversation(s.bus, chatID, store.ConvStarted, store.ConvReasonUnspecified)
	}
	// The send operation that triggered this exchange is complete; a new
	// send gets a fresh restart budget.
	w.sendRejoin = false
	w.restarted = false

	participants, err := s.db.GetParticipants(chatID)
	if err == nil {
		var pending []string
		for c, st := range participants {
			if st == store.ParticipantInviteQueued {
				pending = append(pending, c)
			}
		}
		if len(pending) > 0 {
			for _, c := range pending {
				if changed, err := s.db.SetParticipantStatus(chatID, c, store.ParticipantInviting); err == nil && changed {
					s.publishParticipant(chatID, c, store.ParticipantInviting)
				}
			}
			sess := w.session
			s.pool.Submit(chatID, "invite_participants", func() { sess.InviteParticipants(pending) })
		}
	}
	s.sweepChatLocked(chatID)
}

// sessionAborted classifies the termination. A network loss keeps the
// conversation STARTED pending rejoin; misclassifying it as an abort would
// orphan a conversation the user never left.
func (s *Group) sessionAborted(chatID string, reason imsengine.TerminationReason) {
	s.mu.Lock()
	defer s.mu.Unlock()

	w, ok := s.sessions.Get(chatID)
	if !ok {
		return
	}
	if reason.NetworkLoss() {
		s.bus.Publish(bus.Event{Kind: EventSessionLost, ID: chatID, Payload: reason})
		s.sessions.Remove(chatID)
		w.releaseSlot()
		return
	}

	var convReason store.ConvReason
	switch reason {
	case imsengine.TerminatedByUser:
		convReason = store.ConvReasonAbortedByUser
	case imsengine.TerminatedByTimeout, imsengine.TerminatedByInactivity:
		convReason = store.ConvReasonAbortedByInactivity
	case imsengine.TerminatedByRemote:
		convReason = store.ConvReasonAbortedByRemote
	default:
		convReason = store.ConvReasonUnspecified
	}
	changed, err := s.db.SetConversationStateAndReason(chatID, store.ConvAborted, convReason)
	if err != nil {
		s.logger.Error("failed to mark conversation aborted", zap.Error(err), zap.String("chat_id", chatID))
	}
	if changed {
		publishConversation(s.bus, chatID, store.ConvAborted, convReason)
	}
	s.notifyClosed(chatID)
	s.sessions.Remove(chatID)
	w.releaseSlot()
}

func (s *Group) sessionRejected(chatID string, reason imsengine.RejectReason) {
	s.mu.Lock()
	defer s.mu.Unlock()

	w, ok := s.sessions.Get(chatID)
	if !ok {
		return
	}
	var convReason store.ConvReason
	switch reason {
	case imsengine.RejectedByUser:
		convReason = store.ConvReasonRejectedByUser
	case imsengine.RejectedByTimeout:
		convReason = store.ConvReasonRejectedByTimeout
	case imsengine.RejectedByRemote:
		convReason = store.ConvReasonRejectedByRemote
	}
	changed, err := s.db.SetConversationStateAndReason(chatID, store.ConvRejected, convReason)
	if err != nil {
		s.logger.Error("failed to mark conversation rejected", zap.Error(err), zap.String("chat_id", chatID))
	}
	if changed {
		publishConversation(s.bus, chatID, store.ConvRejected, convReason)
	}
	s.failQueuedLocked(chatID)
	s.notifyClosed(chatID)
	s.sessions.Remove(chatID)
	w.releaseSlot()
}

// sessionError handles asynchronous protocol errors.
func (s *Group) sessionError(chatID string, code imsengine.ErrorCode) {
	s.mu.Lock()
	defer s.mu.Unlock()

	w, ok := s.sessions.Get(chatID)
	if !ok {
		return
	}
	switch code {
	case imsengine.CodeMediaFailed:
		// Media setup failure is not terminal for the conversation; the
		// wrapper goes away and queued traffic waits for the next sweep.
		s.bus.Publish(bus.Event{Kind: EventSessionLost, ID: chatID, Payload: code})
		s.sessions.Remove(chatID)
		w.releaseSlot()

	case imsengine.CodeNotFound:
		s.sessions.Remove(chatID)
		w.releaseSlot()
		if w.sendRejoin && !w.restarted {
			if conv, err := s.db.GetConversation(chatID); err == nil {
				s.restartLocked(conv)
			}
			return
		}
		s.bus.Publish(bus.Event{Kind: EventSessionLost, ID: chatID, Payload: code})

	default:
		s.logger.Warn("group session error", zap.String("chat_id", chatID), zap.String("code", string(code)))
		changed, err := s.db.SetConversationStateAndReason(chatID, store.ConvFailed, store.ConvReasonFailedInitiation)
		if err != nil {
			s.logger.Error("failed to mark conversation failed", zap.Error(err), zap.String("chat_id", chatID))
		}
		if changed {
			publishConversation(s.bus, chatID, store.ConvFailed, store.ConvReasonFailedInitiation)
		}
		s.failQueuedLocked(chatID)
		s.notifyClosed(chatID)
		s.sessions.Remove(chatID)
		w.releaseSlot()
	}
}

// failQueuedLocked marks every queued message of the conversation failed.
// Caller holds s.mu.
func (s *Group) failQueuedLocked(chatID string) {
	ids, err := s.db.MarkQueuedMessagesFailed(chatID)
	if err != nil {
		s.logger.Error("failed to fail queued messages", zap.Error(err), zap.String("chat_id", chatID))
		return
	}
	for _, id := range ids {
		s.expiry.Cancel(id)
		publishMessage(s.bus, id, chatID, store.MsgFailed, store.MsgReasonFailedSend)
	}
}

// recordDelivery is the group delivery aggregator: upsert the per-recipient
// row, publish the per-recipient change, then promote the aggregate when
// every connected recipient agrees. A recipient failure never fails the
// aggregate.
func (s *Group) recordDelivery(chatID string, d imsengine.Disposition) {
	s.mu.Lock()
	defer s.mu.Unlock()

	switch d.Status {
	case imsengine.DispositionDelivered:
		changed, err := s.db.SetDeliveryInfoDelivered(d.MsgID, chatID, d.Contact, d.Timestamp)
		if err != nil {
			s.logger.Error("failed to record delivery", zap.Error(err), zap.String("msg_id", d.MsgID))
			return
		}
		if changed {
			s.publishDelivery(chatID, d.MsgID, d.Contact, store.DeliveryDelivered, store.DeliveryReasonUnspecified)
		}
		all, err := s.db.IsDeliveredToAll(d.MsgID, chatID)
		if err != nil || !all {
			return
		}
		s.expiry.Cancel(d.MsgID)
		if changed, _ := s.db.SetMessageDelivered(d.MsgID, d.Timestamp); changed {
			publishMessage(s.bus, d.MsgID, chatID, store.MsgDelivered, store.MsgReasonUnspecified)
		}

	case imsengine.DispositionDisplayed:
		changed, err := s.db.SetDeliveryInfoDisplayed(d.MsgID, chatID, d.Contact, d.Timestamp)
		if err != nil {
			s.logger.Error("failed to record display", zap.Error(err), zap.String("msg_id", d.MsgID))
			return
		}
		if changed {
			s.publishDelivery(chatID, d.MsgID, d.Contact, store.DeliveryDisplayed, store.DeliveryReasonUnspecified)
		}
		// The displayed aggregate is only evaluated once delivered holds
		// for every connected recipient.
		delivered, err := s.db.IsDeliveredToAll(d.MsgID, chatID)
		if err != nil || !delivered {
			return
		}
		displayed, err := s.db.IsDisplayedByAll(d.MsgID, chatID)
		if err != nil || !displayed {
			return
		}
		s.expiry.Cancel(d.MsgID)
		if changed, _ := s.db.SetMessageDisplayed(d.MsgID, d.Timestamp); changed {
			publishMessage(s.bus, d.MsgID, chatID, store.MsgDisplayed, store.MsgReasonUnspecified)
		}

	case imsengine.DispositionFailed:
		reason := deliveryFailureReason(d.Type)
		changed, err := s.db.SetDeliveryInfoFailed(d.MsgID, chatID, d.Contact, reason)
		if err != nil {
			s.logger.Error("failed to record delivery failure", zap.Error(err), zap.String("msg_id", d.MsgID))
			return
		}
		if changed {
			s.publishDelivery(chatID, d.MsgID, d.Contact, store.DeliveryFailed, reason)
		}
	}
}

func (s *Group) publishDelivery(chatID, msgID, contact string, status store.DeliveryStatus, reason store.DeliveryReason) {
	s.bus.Publish(bus.Event{
		Kind:    EventDeliveryInfoChanged,
		ID:      msgID,
		Payload: DeliveryChange{ChatID: chatID, Contact: contact, Status: status, Reason: reason},
	})
}

func (s *Group) publishParticipant(chatID, contact string, status store.ParticipantStatus) {
	s.bus.Publish(bus.Event{
		Kind:    EventParticipantChanged,
		ID:      chatID,
		Payload: ParticipantChange{Contact: contact, Status: status},
	})
}

func (s *Group) participantChanged(chatID, contact string, status store.ParticipantStatus) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if changed, err := s.db.SetParticipantStatus(chatID, contact, status); err == nil && changed {
		s.publishParticipant(chatID, contact, status)
	}
}

// groupListener adapts protocol callbacks for one group onto the service.
type groupListener struct {
	svc    *Group
	chatID string
}

func (l *groupListener) OnStarted(contact string) {
	l.svc.sessionStarted(l.chatID)
}

func (l *groupListener) OnAccepting() {
	l.svc.mu.Lock()
	defer l.svc.mu.Unlock()
	if changed, _ := l.svc.db.SetConversationStateAndReason(l.chatID, store.ConvAccepting, store.ConvReasonUnspecified); changed {
		publishConversation(l.svc.bus, l.chatID, store.ConvAccepting, store.ConvReasonUnspecified)
	}
}

func (l *groupListener) OnRejected(reason imsengine.RejectReason) {
	l.svc.sessionRejected(l.chatID, reason)
}

func (l *groupListener) OnAborted(reason imsengine.TerminationReason) {
	l.svc.sessionAborted(l.chatID, reason)
}

func (l *groupListener) OnError(code imsengine.ErrorCode) {
	l.svc.sessionError(l.chatID, code)
}

func (l *groupListener) OnMessageSent(msgID string) {
	l.svc.mu.Lock()
	defer l.svc.mu.Unlock()
	markSent(l.svc.db, l.svc.bus, l.svc.logger, msgID)
}

func (l *groupListener) OnMessageFailed(msgID string, code imsengine.ErrorCode) {
	l.svc.mu.Lock()
	defer l.svc.mu.Unlock()
	markFailed(l.svc.db, l.svc.bus, l.svc.expiry, l.svc.logger, msgID, store.MsgReasonFailedSend)
}

func (l *groupListener) OnMessageReceived(msg imsengine.InboundMessage) {
	l.svc.mu.Lock()
	defer l.svc.mu.Unlock()
	storeInbound(l.svc.db, l.svc.bus, l.svc.logger, l.chatID, msg)
}

func (l *groupListener) OnDisposition(d imsengine.Disposition) {
	l.svc.recordDelivery(l.chatID, d)
}

func (l *groupListener) OnComposing(contact string, active bool) {
	l.svc.bus.Publish(bus.Event{
		Kind:    EventComposingChanged,
		ID:      l.chatID,
		Payload: ComposingChange{Contact: contact, Active: active},
	})
}

func (l *groupListener) OnParticipantStatus(contact string, connected bool) {
	status := store.ParticipantInvited
	if connected {
		status = store.ParticipantConnected
	}
	l.svc.participantChanged(l.chatID, contact, status)
}

func (l *groupListener) OnParticipantDeparted(contact string) {
	l.svc.participantChanged(l.chatID, contact, store.ParticipantDeparted)
}

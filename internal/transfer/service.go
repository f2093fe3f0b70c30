package transfer

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

// ErrFileExpired is returned when accepting an invitation whose content
// validity window has passed.
var ErrFileExpired = errors.New("transfer: file validity expired")

// ErrFileTooLarge is returned when a send exceeds the configured size cap.
var ErrFileTooLarge = errors.New("transfer: file exceeds configured maximum size")

// Service drives file transfers for one lock domain. Each transfer owns its
// own protocol session, registered by transfer id; admission caps the number
// of concurrently active outgoing exchanges.
type Service struct {
	group     bool
	db        *store.DB
	engine    imsengine.Engine
	bus       *bus.Bus
	expiry    *expiry.Manager
	admission *registry.Admission
	pool      *worker.Pool
	cfg       *config.Config
	logger    *zap.Logger

	mu       sync.Mutex
	sessions *registry.Registry[*fileSession]
}

// fileSession is the live wrapper of one transfer exchange. release is nil
// for incoming transfers.
type fileSession struct {
	id      string
	chatID  string
	session imsengine.FileSession
	release func()
}

func (w *fileSession) releaseSlot() {
	if w.release != nil {
		w.release()
	}
}

// NewOneToOne creates the one-to-one transfer engine.
func NewOneToOne(db *store.DB, engine imsengine.Engine, b *bus.Bus, exp *expiry.Manager,
	adm *registry.Admission, pool *worker.Pool, cfg *config.Config, logger *zap.Logger) *Service {
	return &Service{
		db:        db,
		engine:    engine,
		bus:       b,
		expiry:    exp,
		admission: adm,
		pool:      pool,
		cfg:       cfg,
		logger:    logger.Named("transfer"),
		sessions:  registry.New[*fileSession]("transfer"),
	}
}

// NewGroup creates the group transfer engine. It shares the admission
// counters with the one-to-one engine but holds its own lock domain.
func NewGroup(db *store.DB, engine imsengine.Engine, b *bus.Bus, exp *expiry.Manager,
	adm *registry.Admission, pool *worker.Pool, cfg *config.Config, logger *zap.Logger) *Service {
	return &Service{
		group:     true,
		db:        db,
		engine:    engine,
		bus:       b,
		expiry:    exp,
		admission: adm,
		pool:      pool,
		cfg:       cfg,
		logger:    logger.Named("grouptransfer"),
		sessions:  registry.New[*fileSession]("grouptransfer"),
	}
}

// Send queues an outgoing transfer to the given conversation and dispatches
// it when admission and connectivity allow. Returns the transfer id.
func (s *Service) Send(chatID string, file imsengine.FileDescriptor) (string, error) {
	if chatID == "" {
		return "", fmt.Errorf("transfer: empty chat id")
	}
	if file.URI == "" || file.Size <= 0 {
		return "", fmt.Errorf("transfer: invalid file descriptor")
	}
	if max := s.cfg.Transfer.MaxFileSize; max > 0 && file.Size > max {
		return "", ErrFileTooLarge
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	now := time.Now().UnixMilli()
	deadline := deliveryDeadline(s.cfg.TransferDeliveryTimeout())
	row := &store.Transfer{
		ID:                 uuid.NewString(),
		ChatID:             chatID,
		Contact:            chatID,
		FileName:           file.Name,
		FileSize:           file.Size,
		MimeType:           file.MimeType,
		FileURI:            file.URI,
		IconURI:            file.IconURI,
		IconExpiration:     file.IconExpiration,
		Direction:          store.Outgoing,
		State:              store.TransferQueued,
		Reason:             store.TransferReasonUnspecified,
		FileExpiration:     file.Expiration,
		Timestamp:          now,
		DeliveryExpiration: deadline,
	}
	if s.group {
		row.Contact = ""
	}
	if err := s.db.AddTransfer(row); err != nil {
		return "", fmt.Errorf("persist transfer: %w", err)
	}
	metrics.QueuedEntities.WithLabelValues("transfer").Inc()
	s.expiry.ScheduleTransfer(row.ID, deadline)

	if s.engine.Connected() {
		s.dispatch(row)
	} else {
		s.publishState(row.ID, chatID, store.TransferQueued, store.TransferReasonUnspecified)
	}
	return row.ID, nil
}

// dispatch runs the outbound decision for one queued transfer. Caller holds
// s.mu.
func (s *Service) dispatch(t *store.Transfer) {
	if t.State != store.TransferQueued || t.Direction != store.Outgoing {
		return
	}
	if _, ok := s.sessions.Get(t.ID); ok {
		// An attempt is already in flight; never double-send.
		return
	}
	release, ok := s.admission.ReserveTransfer()
	if !ok {
		s.publishState(t.ID, t.ChatID, store.TransferQueued, store.TransferReasonUnspecified)
		return
	}

	file := imsengine.FileDescriptor{
		Name:           t.FileName,
		Size:           t.FileSize,
		MimeType:       t.MimeType,
		URI:            t.FileURI,
		IconURI:        t.IconURI,
		IconExpiration: t.IconExpiration,
		Expiration:     t.FileExpiration,
	}
	var (
		sess imsengine.FileSession
		err  error
	)
	if s.group {
		var participants []string
		participants, err = s.db.ConnectedParticipants(t.ChatID)
		if err == nil {
			sess, err = s.engine.InitiateGroupTransfer(t.ChatID, participants, file)
		}
	} else {
		sess, err = s.engine.InitiateTransfer(t.ChatID, file)
	}
	if err != nil {
		release()
		if imsengine.Transient(err) {
			return
		}
		s.logger.Warn("transfer initiation failed", zap.Error(err), zap.String("transfer_id", t.ID))
		s.markTerminal(t.ID, t.ChatID, store.TransferFailed, store.TransferReasonFailedInitiation)
		return
	}

	s.sessions.Put(t.ID, &fileSession{id: t.ID, chatID: t.ChatID, session: sess, release: release})
	sess.AddTransferListener(&transferListener{svc: s, id: t.ID, chatID: t.ChatID})

	if changed, err := s.db.SetTransferStateAndReason(t.ID, store.TransferInitiating, store.TransferReasonUnspecified); err == nil && changed {
		s.publishState(t.ID, t.ChatID, store.TransferInitiating, store.TransferReasonUnspecified)
	}
	t.State = store.TransferInitiating
	s.pool.Submit(t.ID, "start_transfer", sess.Start)
}

// HandleIncomingTransfer registers a remote-initiated file session and
// persists the invitation.
func (s *Service) HandleIncomingTransfer(chatID string, sess imsengine.FileSession) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	file := sess.File()
	row := &store.Transfer{
		ID:             uuid.NewString(),
		ChatID:         chatID,
		Contact:        sess.RemoteContact(),
		FileName:       file.Name,
		FileSize:       file.Size,
		MimeType:       file.MimeType,
		FileURI:        file.URI,
		IconURI:        file.IconURI,
		IconExpiration: file.IconExpiration,
		Direction:      store.Incoming,
		State:          store.TransferInvited,
		Reason:         store.TransferReasonUnspecified,
		FileExpiration: file.Expiration,
		Timestamp:      time.Now().UnixMilli(),
	}
	if err := s.db.AddTransfer(row); err != nil {
		return "", fmt.Errorf("persist transfer: %w", err)
	}
	s.sessions.Put(row.ID, &fileSession{id: row.ID, chatID: chatID, session: sess})
	sess.AddTransferListener(&transferListener{svc: s, id: row.ID, chatID: chatID})
	s.bus.Publish(bus.Event{Kind: EventInvitation, ID: row.ID})
	return row.ID, nil
}

// Accept accepts an incoming transfer invitation, honoring the content
// validity window.
func (s *Service) Accept(id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	t, err := s.db.GetTransfer(id)
	if err != nil {
		return err
	}
	if t.FileExpiration != 0 && t.FileExpiration < time.Now().UnixMilli() {
		s.markTerminal(id, t.ChatID, store.TransferFailed, store.TransferReasonFileExpired)
		return ErrFileExpired
	}
	w, ok := s.sessions.Get(id)
	if !ok || !w.session.InitiatedByRemote() {
		return fmt.Errorf("transfer: no pending invitation for %s", id)
	}
	if changed, err := s.db.SetTransferStateAndReason(id, store.TransferAccepting, store.TransferReasonUnspecified); err == nil && changed {
		s.publishState(id, t.ChatID, store.TransferAccepting, store.TransferReasonUnspecified)
	}
	s.pool.Submit(id, "accept_transfer", w.session.Accept)
	return nil
}

// Reject declines an incoming transfer invitation. The state transition
// happens when the rejected callback arrives.
func (s *Service) Reject(id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	w, ok := s.sessions.Get(id)
	if !ok || !w.session.InitiatedByRemote() {
		return fmt.Errorf("transfer: no pending invitation for %s", id)
	}
	sess := w.session
	s.pool.Submit(id, "reject_transfer", func() { sess.Reject(imsengine.RejectedByUser) })
	return nil
}

// Pause suspends an active transfer on the user's behalf.
func (s *Service) Pause(id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	w, ok := s.sessions.Get(id)
	if !ok {
		return fmt.Errorf("transfer: no active session for %s", id)
	}
	s.pool.Submit(id, "pause_transfer", w.session.Pause)
	return nil
}

// Resume continues a paused transfer.
func (s *Service) Resume(id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	t, err := s.db.GetTransfer(id)
	if err != nil {
		return err
	}
	if t.State != store.TransferPaused {
		return fmt.Errorf("transfer: %s is not paused", id)
	}
	w, ok := s.sessions.Get(id)
	if !ok {
		return fmt.Errorf("transfer: no active session for %s", id)
	}
	s.pool.Submit(id, "resume_transfer", w.session.Resume)
	return nil
}

// Abort requests cooperative termination; the aborted callback performs the
// state transition.
func (s *Service) Abort(id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	w, ok := s.sessions.Get(id)
	if !ok {
		return fmt.Errorf("transfer: no active session for %s", id)
	}
	sess := w.session
	s.pool.Submit(id, "abort_transfer", func() { sess.Terminate(imsengine.TerminatedByUser) })
	return nil
}

// Resend re-queues a failed outgoing transfer.
func (s *Service) Resend(id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	t, err := s.db.GetTransfer(id)
	if err != nil {
		return err
	}
	if t.Direction != store.Outgoing {
		return fmt.Errorf("transfer: cannot resend inbound transfer %s", id)
	}
	if t.State != store.TransferFailed && t.State != store.TransferQueued {
		return nil
	}
	if t.State == store.TransferFailed {
		changed, err := s.db.SetTransferStateAndReason(id, store.TransferQueued, store.TransferReasonUnspecified)
		if err != nil {
			return err
		}
		t.State = store.TransferQueued
		// Fresh attempt, fresh local timestamp; the sent timestamp is
		// cleared until the new exchange reports one.
		now := time.Now().UnixMilli()
		if err := s.db.SetTransferTimestamps(id, now, 0); err == nil {
			t.Timestamp = now
			t.TimestampSent = 0
		}
		if changed {
			s.publishState(id, t.ChatID, store.TransferQueued, store.TransferReasonUnspecified)
		}
	}
	if s.engine.Connected() {
		s.dispatch(t)
	}
	return nil
}

// FailQueued fails every queued transfer of a conversation that reached a
// terminal state, so sweeps stop re-attempting initiation against it.
func (s *Service) FailQueued(chatID string) {
	s.mu.Lock()
	defer s.mu.Unlock()

	ids, err := s.db.MarkQueuedTransfersFailed(chatID)
	if err != nil {
		s.logger.Error("failed to fail queued transfers", zap.Error(err), zap.String("chat_id", chatID))
		return
	}
	for _, id := range ids {
		s.expiry.Cancel(id)
		s.publishState(id, chatID, store.TransferFailed, store.TransferReasonFailedInitiation)
	}
}

// SweepChat re-runs the outbound decision for queued transfers of one
// conversation.
func (s *Service) SweepChat(chatID string) {
	s.mu.Lock()
	defer s.mu.Unlock()

	queued, err := s.db.QueuedTransfers(chatID)
	if err != nil {
		s.logger.Error("failed to read queued transfers", zap.Error(err), zap.String("chat_id", chatID))
		return
	}
	for i := range queued {
		s.dispatch(&queued[i])
	}
}

// SweepAll re-runs the outbound decision over every queued transfer of this
// domain, in creation order.
func (s *Service) SweepAll() {
	s.mu.Lock()
	defer s.mu.Unlock()

	queued, err := s.db.AllQueuedTransfers()
	if err != nil {
		s.logger.Error("failed to read queued transfers", zap.Error(err))
		return
	}
	for i := range queued {
		conv, err := s.db.GetConversation(queued[i].ChatID)
		if err != nil || conv.IsGroup != s.group {
			continue
		}
		s.dispatch(&queued[i])
	}
}

// markTerminal records a terminal state, disarms the expiration timer and
// publishes the change. Caller holds s.mu.
func (s *Service) markTerminal(id, chatID string, state store.TransferState, reason store.TransferReason) {
	s.expiry.Cancel(id)
	changed, err := s.db.SetTransferStateAndReason(id, state, reason)
	if err != nil {
		s.logger.Error("failed to mark transfer terminal", zap.Error(err), zap.String("transfer_id", id))
		return
	}
	if changed {
		s.publishState(id, chatID, state, reason)
	}
}

// detach removes the live wrapper and frees its admission slot. Persisted
// state and publishes must precede this. Caller holds s.mu.
func (s *Service) detach(id string) {
	w, ok := s.sessions.Get(id)
	if !ok {
		return
	}
	s.sessions.Remove(id)
	w.releaseSlot()
}

func (s *Service) publishState(id, chatID string, state store.TransferState, reason store.TransferReason) {
	s.bus.Publish(bus.Event{
		Kind:    EventStateChanged,
		ID:      id,
		Payload: StateChange{ChatID: chatID, State: state, Reason: reason},
	})
}

func deliveryDeadline(period time.Duration) int64 {
	if period <= 0 {
		return 0
	}
	return time.Now().Add(period).UnixMilli()
}

func abortReason(reason imsengine.TerminationReason) store.TransferReason {
	switch reason {
	case imsengine.TerminatedByUser:
		return store.TransferReasonAbortedByUser
	case imsengine.TerminatedByRemote:
		return store.TransferReasonAbortedByRemote
	default:
		return store.TransferReasonAbortedBySystem
	}
}

func rejectReason(reason imsengine.RejectReason) store.TransferReason {
	switch reason {
	case imsengine.RejectedByUser:
		return store.TransferReasonRejectedByUser
	case imsengine.RejectedByTimeout:
		return store.TransferReasonRejectedTimeout
	default:
		return store.TransferReasonRejectedByRemote
	}
}

// Package expiry schedules delivery-expiration timers for outgoing messages
// and transfers. A timer is armed once at creation time and must be canceled
// when any terminal delivery acknowledgement or failure arrives.
package expiry

import (
	"sync"
	"time"

	"github.com/rcsgo/rcsd/internal/bus"
	"github.com/rcsgo/rcsd/internal/metrics"
	"github.com/rcsgo/rcsd/internal/store"
	"go.uber.org/zap"
)

// Event kinds published when an expiration fires.
const (
	EventMessageExpired  = "chat.message_delivery_expired"
	EventTransferExpired = "transfer.delivery_expired"
)

type kind int

const (
	kindMessage kind = iota
	kindTransfer
)

// Manager owns the pending delivery-expiration timers.
type Manager struct {
	db     *store.DB
	bus    *bus.Bus
	logger *zap.Logger

	mu      sync.Mutex
	pending map[string]*pendingTimer
}

type pendingTimer struct {
	timer *time.Timer
	kind  kind
}

// New creates an expiration manager.
func New(db *store.DB, b *bus.Bus, logger *zap.Logger) *Manager {
	return &Manager{
		db:      db,
		bus:     b,
		logger:  logger,
		pending: make(map[string]*pendingTimer),
	}
}

// ScheduleMessage arms a timer for a message. A zero deadline means the
// message never expires and is a no-op.
func (m *Manager) ScheduleMessage(id string, deadlineMs int64) {
	m.schedule(id, deadlineMs, kindMessage)
}

// ScheduleTransfer arms a timer for a transfer.
func (m *Manager) ScheduleTransfer(id string, deadlineMs int64) {
	m.schedule(id, deadlineMs, kindTransfer)
}

func (m *Manager) schedule(id string, deadlineMs int64, k kind) {
	if deadlineMs == 0 {
		return
	}
	delay := time.Until(time.UnixMilli(deadlineMs))
	if delay < 0 {
		delay = 0
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, exists := m.pending[id]; exists {
		// Scheduled exactly once at creation; a duplicate is a caller bug.
		m.logger.Warn("duplicate expiration schedule ignored", zap.String("id", id))
		return
	}
	m.pending[id] = &pendingTimer{
		kind:  k,
		timer: time.AfterFunc(delay, func() { m.fire(id) }),
	}
}

// Cancel disarms the timer for id. Canceling an unknown or already-fired id
// is a no-op.
func (m *Manager) Cancel(id string) {
	m.mu.Lock()
	p, ok := m.pending[id]
	if ok {
		delete(m.pending, id)
	}
	m.mu.Unlock()
	if ok {
		p.timer.Stop()
	}
}

// fire runs on the timer goroutine. Removing the id from the pending map is
// the single atomic claim that resolves the cancel/fire race: whichever of
// Cancel or fire deletes the entry wins, the loser does nothing.
func (m *Manager) fire(id string) {
	m.mu.Lock()
	p, ok := m.pending[id]
	if ok {
		delete(m.pending, id)
	}
	m.mu.Unlock()
	if !ok {
		return
	}

	metrics.ExpiryFired.Inc()
	switch p.kind {
	case kindMessage:
		changed, err := m.db.SetMessageExpiredDelivery(id)
		if err != nil {
			m.logger.Error("failed to mark message delivery expired", zap.Error(err), zap.String("id", id))
			return
		}
		if changed {
			m.bus.Publish(bus.Event{Kind: EventMessageExpired, ID: id})
		}
	case kindTransfer:
		changed, err := m.db.SetTransferExpiredDelivery(id)
		if err != nil {
			m.logger.Error("failed to mark transfer delivery expired", zap.Error(err), zap.String("id", id))
			return
		}
		if changed {
			m.bus.Publish(bus.Event{Kind: EventTransferExpired, ID: id})
		}
	}
}

// Stop disarms every pending timer.
func (m *Manager) Stop() {
	m.mu.Lock()
	pending := m.pending
	m.pending = make(map[string]*pendingTimer)
	m.mu.Unlock()
	for _, p := range pending {
		p.timer.Stop()
	}
}

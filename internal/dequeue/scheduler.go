// Package dequeue triggers re-evaluation of queued outbound work. Sweeps
// only re-run each engine's own outbound decision procedure; admission
// reservation inside the engines keeps concurrent sweeps within the caps.
package dequeue

import (
	"sync"

	"github.com/rcsgo/rcsd/internal/metrics"
	"go.uber.org/zap"
)

// Sweep triggers, used as the metrics label.
const (
	TriggerConnectivity = "connectivity"
	TriggerActivation   = "activation"
	TriggerCapacity     = "capacity"
)

// Sweeper is one engine's queued-work entry point.
type Sweeper interface {
	SweepChat(chatID string)
	SweepAll()
}

// Scheduler fans sweep triggers out to the registered engines. Global sweeps
// are serialized; a trigger arriving during a running global sweep schedules
// exactly one follow-up pass.
type Scheduler struct {
	sweepers []Sweeper
	logger   *zap.Logger

	mu      sync.Mutex
	running bool
	pending bool
}

// New creates a scheduler over the given engines.
func New(logger *zap.Logger, sweepers ...Sweeper) *Scheduler {
	return &Scheduler{
		sweepers: sweepers,
		logger:   logger.Named("dequeue"),
	}
}

// OnConnectivity is installed as the engine's connectivity handler; a regain
// sweeps every queued entity.
func (s *Scheduler) OnConnectivity(connected bool) {
	if !connected {
		return
	}
	s.SweepAll(TriggerConnectivity)
}

// Activate sweeps the queued entities of one conversation, e.g. when the
// user opens it.
func (s *Scheduler) Activate(chatID string) {
	metrics.DequeueSweeps.WithLabelValues(TriggerActivation).Inc()
	for _, sw := range s.sweepers {
		sw.SweepChat(chatID)
	}
}

// SweepAll runs a global sweep on a background goroutine.
func (s *Scheduler) SweepAll(trigger string) {
	s.mu.Lock()
	if s.running {
		s.pending = true
		s.mu.Unlock()
		return
	}
	s.running = true
	s.mu.Unlock()

	metrics.DequeueSweeps.WithLabelValues(trigger).Inc()
	go s.run(trigger)
}

func (s *Scheduler) run(trigger string) {
	for {
		s.logger.Debug("dequeue sweep", zap.String("trigger", trigger))
		for _, sw := range s.sweepers {
			sw.SweepAll()
		}
		s.mu.Lock()
		if !s.pending {
			s.running = false
			s.mu.Unlock()
			return
		}
		s.pending = false
		s.mu.Unlock()
	}
}

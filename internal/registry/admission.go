package registry

import (
	"sync"

	"github.com/rcsgo/rcsd/internal/metrics"
)

// Admission enforces the engine's backpressure caps: total concurrent chat
// sessions and concurrent outgoing transfers. Reservation is
// check-and-reserve under one lock so concurrent dequeue sweeps can never
// exceed a cap between checking and consuming it.
type Admission struct {
	mu           sync.Mutex
	chatSessions int
	transfers    int
	maxChats     int
	maxTransfers int
}

// NewAdmission creates admission counters with the given caps.
func NewAdmission(maxChatSessions, maxOutgoingTransfers int) *Admission {
	return &Admission{
		maxChats:     maxChatSessions,
		maxTransfers: maxOutgoingTransfers,
	}
}

// ReserveChat reserves a chat session slot. The returned release function is
// idempotent. ok is false when the cap is reached.
func (a *Admission) ReserveChat() (release func(), ok bool) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.chatSessions >= a.maxChats {
		metrics.AdmissionRejected.WithLabelValues("chat").Inc()
		return nil, false
	}
	a.chatSessions++
	metrics.AdmissionReserved.WithLabelValues("chat").Set(float64(a.chatSessions))
	return a.releaser(&a.chatSessions, "chat"), true
}

// ReserveTransfer reserves an outgoing transfer slot.
func (a *Admission) ReserveTransfer() (release func(), ok bool) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.transfers >= a.maxTransfers {
		metrics.AdmissionRejected.WithLabelValues("transfer").Inc()
		return nil, false
	}
	a.transfers++
	metrics.AdmissionReserved.WithLabelValues("transfer").Set(float64(a.transfers))
	return a.releaser(&a.transfers, "transfer"), true
}

func (a *Admission) releaser(counter *int, kind string) func() {
	var once sync.Once
	return func() {
		once.Do(func() {
			a.mu.Lock()
			*counter--
			metrics.AdmissionReserved.WithLabelValues(kind).Set(float64(*counter))
			a.mu.Unlock()
		})
	}
}

// ChatSessions returns the current reserved chat session count.
func (a *Admission) ChatSessions() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.chatSessions
}

// Transfers returns the current reserved outgoing transfer count.
func (a *Admission) Transfers() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.transfers
}

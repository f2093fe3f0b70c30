// Package worker runs blocking session commands (accept, reject, abort,
// rejoin) off the caller's goroutine. Tasks submitted with the same key run
// in order on the same queue, so commands for one session never interleave.
package worker

import (
	"hash/fnv"
	"sync"

	"github.com/rcsgo/rcsd/internal/bus"
	"github.com/rcsgo/rcsd/internal/metrics"
	"go.uber.org/zap"
)

// EventTaskFailed is published when a submitted task panics.
const EventTaskFailed = "engine.task_failed"

type task struct {
	name string
	key  string
	fn   func()
}

// Pool is a fixed set of worker goroutines with key-hashed dispatch.
type Pool struct {
	bus    *bus.Bus
	logger *zap.Logger
	queues []chan task

	mu      sync.Mutex
	stopped bool
	wg      sync.WaitGroup
}

// New creates a pool with size workers. Each worker owns one queue.
func New(size int, b *bus.Bus, logger *zap.Logger) *Pool {
	if size < 1 {
		size = 1
	}
	p := &Pool{
		bus:    b,
		logger: logger,
		queues: make([]chan task, size),
	}
	for i := range p.queues {
		p.queues[i] = make(chan task, 64)
		p.wg.Add(1)
		go p.run(p.queues[i])
	}
	return p
}

// Submit enqueues fn on the queue selected by key. Tasks with equal keys run
// sequentially in submission order. Submitting to a stopped pool is a no-op.
func (p *Pool) Submit(key, name string, fn func()) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.stopped {
		p.logger.Warn("task submitted to stopped pool", zap.String("task", name), zap.String("key", key))
		return
	}
	h := fnv.New32a()
	_, _ = h.Write([]byte(key))
	p.queues[int(h.Sum32())%len(p.queues)] <- task{name: name, key: key, fn: fn}
}

func (p *Pool) run(queue chan task) {
	defer p.wg.Done()
	for t := range queue {
		p.exec(t)
	}
}

// exec isolates the recover so a panicking task kills neither the worker nor
// its queue.
func (p *Pool) exec(t task) {
	defer func() {
		if r := recover(); r != nil {
			metrics.WorkerPanics.Inc()
			p.logger.Error("task panicked",
				zap.String("task", t.name),
				zap.String("key", t.key),
				zap.Any("panic", r),
				zap.Stack("stack"))
			p.bus.Publish(bus.Event{
				Kind:    EventTaskFailed,
				ID:      t.key,
				Payload: map[string]string{"task": t.name},
			})
		}
	}()
	t.fn()
}

// Stop drains the queues and waits for in-flight tasks to finish.
func (p *Pool) Stop() {
	p.mu.Lock()
	if p.stopped {
		p.mu.Unlock()
		return
	}
	p.stopped = true
	for _, q := range p.queues {
		close(q)
	}
	p.mu.Unlock()
	p.wg.Wait()
}

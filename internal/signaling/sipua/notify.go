package sipua

import (
	"context"
	"sync"

	"github.com/sebas/backtoback/internal/signaling/b2bua"
)

// Notifier receives session events. The b2bua Controller implements it.
type Notifier interface {
	PairCreated(ctx context.Context, caller b2bua.SessionHandle, route b2bua.Route) (string, error)
	StateChanged(h b2bua.SessionHandle, state b2bua.LegState) error
	MediaChanged(h b2bua.SessionHandle) error
}

// dispatcher runs notifications off the SIP goroutines. Events for one
// session are delivered in the order they were posted; different sessions
// proceed independently.
type dispatcher struct {
	mu     sync.Mutex
	queues map[b2bua.SessionHandle]*eventQueue
	wg     sync.WaitGroup
}

type eventQueue struct {
	pending []func()
}

func newDispatcher() *dispatcher {
	return &dispatcher{queues: make(map[b2bua.SessionHandle]*eventQueue)}
}

func (d *dispatcher) post(h b2bua.SessionHandle, fn func()) {
	d.mu.Lock()
	if q, running := d.queues[h]; running {
		q.pending = append(q.pending, fn)
		d.mu.Unlock()
		return
	}
	q := &eventQueue{pending: []func(){fn}}
	d.queues[h] = q
	d.wg.Add(1)
	d.mu.Unlock()

	go d.drain(h, q)
}

func (d *dispatcher) drain(h b2bua.SessionHandle, q *eventQueue) {
	defer d.wg.Done()
	for {
		d.mu.Lock()
		if len(q.pending) == 0 {
			delete(d.queues, h)
			d.mu.Unlock()
			return
		}
		fn := q.pending[0]
		q.pending = q.pending[1:]
		d.mu.Unlock()

		fn()
	}
}

// wait blocks until every posted event has been delivered.
func (d *dispatcher) wait() {
	d.wg.Wait()
}

package b2bua

import (
	"sync"
	"time"

	"github.com/google/uuid"
)

// Pair owns the two legs of a bridged call. All leg fields are guarded by mu.
type Pair struct {
	mu sync.Mutex

	id        string
	caller    *Leg
	callee    *Leg
	createdAt time.Time
	closed    bool
}

func newPair(caller, callee *Leg) *Pair {
	return &Pair{
		id:        "pair-" + uuid.New().String(),
		caller:    caller,
		callee:    callee,
		createdAt: time.Now(),
	}
}

// ID returns the pair identifier.
func (p *Pair) ID() string { return p.id }

// peerOf resolves a leg's peer through the pair. Caller holds p.mu.
func (p *Pair) peerOf(l *Leg) *Leg {
	if l.peerID == "" {
		return nil
	}
	switch l.peerID {
	case p.caller.id:
		return p.caller
	case p.callee.id:
		return p.callee
	}
	return nil
}

func (p *Pair) bothDisconnected() bool {
	return p.caller.State() == LegStateDisconnected && p.callee.State() == LegStateDisconnected
}

// PairInfo is a point-in-time view of a pair.
type PairInfo struct {
	ID        string    `json:"id"`
	Caller    LegInfo   `json:"caller"`
	Callee    LegInfo   `json:"callee"`
	CreatedAt time.Time `json:"created_at"`
}

// Info returns a snapshot of the pair.
func (p *Pair) Info() PairInfo {
	p.mu.Lock()
	defer p.mu.Unlock()
	return PairInfo{
		ID:        p.id,
		Caller:    p.caller.Info(),
		Callee:    p.callee.Info(),
		CreatedAt: p.createdAt,
	}
}

// registry maps session handles to the pair and leg that own them.
//
// Lock order is pair.mu then registry.mu. Notification dispatch releases the
// registry lock before taking a pair lock.
type registry struct {
	mu       sync.RWMutex
	pairs    map[string]*Pair
	sessions map[SessionHandle]*Pair
}

func newRegistry() *registry {
	return &registry{
		pairs:    make(map[string]*Pair),
		sessions: make(map[SessionHandle]*Pair),
	}
}

func (r *registry) add(p *Pair) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.sessions[p.caller.session]; ok {
		return ErrSessionExists
	}
	r.pairs[p.id] = p
	r.sessions[p.caller.session] = p
	return nil
}

// lookup returns the pair and leg that own session h.
// Leg sessions are only written under the registry write lock.
func (r *registry) lookup(h SessionHandle) (*Pair, *Leg, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	p, ok := r.sessions[h]
	if !ok {
		return nil, nil, ErrUnknownSession
	}
	switch h {
	case p.caller.session:
		return p, p.caller, nil
	case p.callee.session:
		return p, p.callee, nil
	}
	return nil, nil, ErrUnknownSession
}

// bindOutbound creates the callee's session with create and maps it to p
// while the write lock is held, so no notification for the new handle can be
// looked up before the mapping exists. Caller holds p.mu.
func (r *registry) bindOutbound(p *Pair, l *Leg, create func() (SessionHandle, error)) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	h, err := create()
	if err != nil {
		return err
	}
	l.session = h
	r.sessions[h] = p
	return nil
}

func (r *registry) remove(p *Pair) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.pairs, p.id)
	for _, l := range []*Leg{p.caller, p.callee} {
		if l.session != "" && r.sessions[l.session] == p {
			delete(r.sessions, l.session)
		}
	}
}

func (r *registry) list() []*Pair {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]*Pair, 0, len(r.pairs))
	for _, p := range r.pairs {
		out = append(out, p)
	}
	return out
}

func (r *registry) get(id string) (*Pair, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	p, ok := r.pairs[id]
	return p, ok
}

func (r *registry) count() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.pairs)
}

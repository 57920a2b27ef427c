package b2bua

import (
	"context"
	"time"

	"github.com/google/uuid"
	"github.com/looplab/fsm"
)

// Leg is one side of a pair.
//
// A Leg holds a non-owning handle to its signaling session; the session
// itself belongs to the Signaling collaborator. The peer relation is an id
// resolved through the owning Pair, never a pointer held by the Leg.
//
// Thread Safety: a Leg is only read or written under its Pair's mutex.
type Leg struct {
	id      string
	role    LegRole
	session SessionHandle
	peerID  string

	lifecycle *fsm.FSM

	mediaActive    bool
	audioIndex     int
	bridged        bool
	ringbackActive bool
	ringbackTone   EndpointHandle
	ringbackDst    EndpointHandle
	announcement   AnnouncementState
	dialAttempted  bool
	hangupIssued   bool
	pendingDial    *pendingDial

	// cancelTasks stops work scoped to the leg's lifetime (the announcement).
	ctx         context.Context
	cancelTasks context.CancelFunc

	createdAt      time.Time
	answeredAt     time.Time
	disconnectedAt time.Time
}

// pendingDial is a deferred dial-out recorded on the caller leg.
type pendingDial struct {
	calleeID    string
	account     Account
	destination string
}

// legEvent is the fsm event that moves a leg into state s.
func legEvent(s LegState) string {
	return "to_" + s.String()
}

// lowerThan returns every state with a strictly lower rank than s.
func lowerThan(s LegState) []string {
	var src []string
	for st := LegStateNull; st <= LegStateDisconnected; st++ {
		if st.rank() < s.rank() {
			src = append(src, st.String())
		}
	}
	return src
}

func newLegLifecycle(l *Leg) *fsm.FSM {
	events := fsm.Events{}
	for st := LegStateCalling; st <= LegStateDisconnected; st++ {
		events = append(events, fsm.EventDesc{Name: legEvent(st), Src: lowerThan(st), Dst: st.String()})
	}
	return fsm.NewFSM(
		LegStateNull.String(),
		events,
		fsm.Callbacks{
			"enter_" + LegStateConfirmed.String(): func(_ context.Context, _ *fsm.Event) {
				l.answeredAt = time.Now()
			},
			"enter_" + LegStateDisconnected.String(): func(_ context.Context, _ *fsm.Event) {
				l.disconnectedAt = time.Now()
			},
		},
	)
}

func newLeg(role LegRole, session SessionHandle) *Leg {
	ctx, cancel := context.WithCancel(context.Background())
	l := &Leg{
		id:          "leg-" + uuid.New().String(),
		role:        role,
		session:     session,
		ctx:         ctx,
		cancelTasks: cancel,
		createdAt:   time.Now(),
	}
	l.lifecycle = newLegLifecycle(l)
	return l
}

// ID returns the leg identifier.
func (l *Leg) ID() string { return l.id }

// Role returns whether the leg is the caller or the callee.
func (l *Leg) Role() LegRole { return l.role }

// Session returns the signaling handle, empty for an undialed callee.
func (l *Leg) Session() SessionHandle { return l.session }

// State returns the current lifecycle state.
func (l *Leg) State() LegState {
	return parseLegState(l.lifecycle.Current())
}

func parseLegState(s string) LegState {
	for st := LegStateNull; st <= LegStateDisconnected; st++ {
		if st.String() == s {
			return st
		}
	}
	return LegStateNull
}

// transitionResult classifies a state notification against the current state.
type transitionResult int

const (
	transitionApplied transitionResult = iota
	transitionDuplicate
	transitionStale
)

// transition moves the leg to target if that moves it forward.
func (l *Leg) transition(target LegState) (transitionResult, error) {
	current := l.State()
	if target == current {
		return transitionDuplicate, nil
	}
	if err := l.lifecycle.Event(context.Background(), legEvent(target)); err != nil {
		return transitionStale, &StateTransitionError{ID: l.id, From: current, To: target}
	}
	if target == LegStateDisconnected {
		l.cancelTasks()
	}
	return transitionApplied, nil
}

// setPeer binds the peer id. The peer is set once and never reassigned.
func (l *Leg) setPeer(id string) bool {
	if l.peerID != "" {
		return false
	}
	l.peerID = id
	return true
}

// LegInfo is a point-in-time view of a leg.
type LegInfo struct {
	ID             string    `json:"id"`
	Role           string    `json:"role"`
	Session        string    `json:"session,omitempty"`
	PeerID         string    `json:"peer_id,omitempty"`
	State          string    `json:"state"`
	MediaActive    bool      `json:"media_active"`
	Bridged        bool      `json:"bridged"`
	RingbackActive bool      `json:"ringback_active"`
	Announcement   string    `json:"announcement"`
	DialAttempted  bool      `json:"dial_attempted"`
	CreatedAt      time.Time `json:"created_at"`
	AnsweredAt     time.Time `json:"answered_at,omitempty"`
	DisconnectedAt time.Time `json:"disconnected_at,omitempty"`
}

// Info returns a snapshot of the leg.
func (l *Leg) Info() LegInfo {
	return LegInfo{
		ID:             l.id,
		Role:           l.role.String(),
		Session:        string(l.session),
		PeerID:         l.peerID,
		State:          l.State().String(),
		MediaActive:    l.mediaActive,
		Bridged:        l.bridged,
		RingbackActive: l.ringbackActive,
		Announcement:   l.announcement.String(),
		DialAttempted:  l.dialAttempted,
		CreatedAt:      l.createdAt,
		AnsweredAt:     l.answeredAt,
		DisconnectedAt: l.disconnectedAt,
	}
}

// TalkDuration returns how long the leg was confirmed.
// Returns 0 if never answered or still connected.
func (i LegInfo) TalkDuration() time.Duration {
	if i.AnsweredAt.IsZero() || i.DisconnectedAt.IsZero() {
		return 0
	}
	return i.DisconnectedAt.Sub(i.AnsweredAt)
}

package b2bua

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"
)

// Status codes the controller hands to the Signaling collaborator.
const (
	StatusSessionProgress = 183
	StatusOK              = 200
	StatusServerError     = 500
	StatusDecline         = 603
)

// Config holds controller tuning.
type Config struct {
	// AnnouncementPath is the clip played to the caller before dialing.
	AnnouncementPath string
	// AnnouncementDuration bounds how long the clip is transmitted.
	AnnouncementDuration time.Duration
	// Ringback is the cadence played to the caller while the callee rings.
	Ringback Cadence
	// ToneSampleRate is the sample rate requested for tone sources.
	ToneSampleRate int
}

// DefaultConfig returns the standard North American ringback and a 3s announcement.
func DefaultConfig() Config {
	return Config{
		AnnouncementDuration: 3 * time.Second,
		Ringback: Cadence{
			Freq1: 440,
			Freq2: 480,
			On:    2 * time.Second,
			Off:   4 * time.Second,
		},
		ToneSampleRate: 8000,
	}
}

// Option configures a Controller.
type Option func(*Controller)

// WithRecorder sets the metrics recorder.
func WithRecorder(r Recorder) Option {
	return func(c *Controller) {
		if r != nil {
			c.rec = r
		}
	}
}

// Controller pairs caller legs with callee legs and reacts to their
// notifications.
//
// Every notification is serialized on its pair's mutex; pairs never share
// locks, so calls for different pairs proceed in parallel. Collaborator calls
// are made with the pair lock held and must return without blocking on the
// network.
type Controller struct {
	sig   Signaling
	media MediaEngine
	cfg   Config
	rec   Recorder
	reg   *registry

	tasks sync.WaitGroup
}

// NewController creates a controller driving sig and media.
func NewController(sig Signaling, media MediaEngine, cfg Config, opts ...Option) *Controller {
	if cfg.ToneSampleRate == 0 {
		cfg.ToneSampleRate = 8000
	}
	c := &Controller{
		sig:   sig,
		media: media,
		cfg:   cfg,
		rec:   nopRecorder{},
		reg:   newRegistry(),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// PairCreated handles a new inbound session. It creates the callee leg,
// answers the caller with early media and defers the dial-out until the
// announcement completes. It returns the new pair id.
func (c *Controller) PairCreated(ctx context.Context, caller SessionHandle, route Route) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	if route.Destination == "" {
		slog.Warn("[Controller] No route configured, declining call", "session", caller)
		c.rec.PairRejected("no_route")
		if err := c.sig.Terminate(caller, StatusDecline); err != nil {
			slog.Error("[Controller] Failed to decline caller", "session", caller, "error", err)
		}
		return "", ErrNoRouteAvailable
	}

	callerLeg := newLeg(RoleCaller, caller)
	calleeLeg := newLeg(RoleCallee, "")
	callerLeg.setPeer(calleeLeg.id)
	calleeLeg.setPeer(callerLeg.id)
	p := newPair(callerLeg, calleeLeg)

	p.mu.Lock()
	defer p.mu.Unlock()

	if err := c.reg.add(p); err != nil {
		return "", fmt.Errorf("register pair: %w", err)
	}
	if st := c.sig.State(caller); st != LegStateNull {
		_, _ = callerLeg.transition(st)
	}
	callerLeg.pendingDial = &pendingDial{
		calleeID:    calleeLeg.id,
		account:     route.Account,
		destination: route.Destination,
	}

	if err := c.sig.Accept(caller, StatusSessionProgress); err != nil {
		slog.Error("[Controller] Failed to accept caller", "pair_id", p.id, "session", caller, "error", err)
		c.rec.PairRejected("accept_failed")
		if terr := c.sig.Terminate(caller, StatusServerError); terr != nil {
			slog.Error("[Controller] Failed to terminate caller", "pair_id", p.id, "error", terr)
		}
		callerLeg.hangupIssued = true
		calleeLeg.hangupIssued = true
		_, _ = callerLeg.transition(LegStateDisconnected)
		_, _ = calleeLeg.transition(LegStateDisconnected)
		// Never counted as created, so it must not be counted as closed.
		p.closed = true
		c.reg.remove(p)
		return "", fmt.Errorf("accept caller: %w", err)
	}

	c.rec.PairCreated()
	slog.Info("[Controller] Pair created",
		"pair_id", p.id,
		"caller_leg", callerLeg.id,
		"callee_leg", calleeLeg.id,
		"destination", route.Destination,
	)
	return p.id, nil
}

// StateChanged handles a signaling state notification for session h.
func (c *Controller) StateChanged(h SessionHandle, state LegState) error {
	p, leg, err := c.reg.lookup(h)
	if err != nil {
		slog.Debug("[Controller] State for unknown session", "session", h, "state", state)
		return err
	}

	p.mu.Lock()
	defer p.mu.Unlock()
	c.applyState(p, leg, state)
	return nil
}

// MediaChanged handles a media notification for session h. The controller
// reads the current media summary from the Signaling collaborator.
func (c *Controller) MediaChanged(h SessionHandle) error {
	p, leg, err := c.reg.lookup(h)
	if err != nil {
		slog.Debug("[Controller] Media for unknown session", "session", h)
		return err
	}

	p.mu.Lock()
	defer p.mu.Unlock()
	c.applyMedia(p, leg)
	return nil
}

// applyState runs the state rules. Caller holds p.mu.
func (c *Controller) applyState(p *Pair, leg *Leg, state LegState) {
	res, err := leg.transition(state)
	switch res {
	case transitionStale:
		slog.Debug("[Controller] Ignoring stale state", "pair_id", p.id, "leg_id", leg.id, "error", err)
		return
	case transitionDuplicate:
		if state == LegStateDisconnected {
			return
		}
	case transitionApplied:
		slog.Info("[Controller] Leg state changed",
			"pair_id", p.id,
			"leg_id", leg.id,
			"role", leg.role,
			"state", state,
		)
	}

	peer := p.peerOf(leg)
	switch state {
	case LegStateEarly:
		if leg.role == RoleCallee && peer != nil {
			c.startRingback(p, peer)
		}
	case LegStateConfirmed:
		if leg.role == RoleCallee && peer != nil {
			c.stopRingback(p, peer)
			c.answerPeer(p, peer)
		}
	case LegStateDisconnected:
		c.teardown(p, leg, peer)
	}
	c.closeIfDone(p)
}

// answerPeer accepts the caller once the callee has answered.
func (c *Controller) answerPeer(p *Pair, peer *Leg) {
	if !peer.State().isPreAnswer() {
		slog.Debug("[Controller] Peer already past answer, skipping",
			"pair_id", p.id,
			"leg_id", peer.id,
			"state", peer.State(),
		)
		return
	}
	if err := c.sig.Accept(peer.session, StatusOK); err != nil {
		slog.Error("[Controller] Failed to answer caller", "pair_id", p.id, "leg_id", peer.id, "error", err)
		return
	}
	slog.Info("[Controller] Caller answered", "pair_id", p.id, "leg_id", peer.id)
}

// teardown is the cascading hangup rule, run once per leg on its first
// Disconnected. Caller holds p.mu.
func (c *Controller) teardown(p *Pair, leg, peer *Leg) {
	c.stopRingback(p, leg)
	if peer == nil {
		return
	}
	c.stopRingback(p, peer)
	if peer.State() == LegStateDisconnected || peer.hangupIssued {
		return
	}
	peer.hangupIssued = true

	if peer.session == "" {
		slog.Info("[Controller] Peer was never dialed, closing locally", "pair_id", p.id, "leg_id", peer.id)
		_, _ = peer.transition(LegStateDisconnected)
		return
	}

	c.rec.CascadeHangup()
	slog.Info("[Controller] Cascading hangup",
		"pair_id", p.id,
		"from_leg", leg.id,
		"to_leg", peer.id,
	)
	if err := c.sig.Terminate(peer.session, StatusOK); err != nil {
		slog.Warn("[Controller] Terminate failed, marking peer disconnected", "pair_id", p.id, "leg_id", peer.id, "error", err)
		_, _ = peer.transition(LegStateDisconnected)
	}
}

// applyMedia runs the media rules. Caller holds p.mu.
func (c *Controller) applyMedia(p *Pair, leg *Leg) {
	if leg.State() == LegStateDisconnected || leg.session == "" {
		return
	}
	idx, active := audioUsable(c.sig.MediaSummary(leg.session))
	was := leg.mediaActive
	leg.mediaActive = active
	leg.audioIndex = idx
	if !active {
		if was {
			slog.Info("[Controller] Leg media inactive", "pair_id", p.id, "leg_id", leg.id)
		}
		return
	}
	if !was {
		slog.Info("[Controller] Leg media active", "pair_id", p.id, "leg_id", leg.id, "role", leg.role)
	}

	if leg.role == RoleCaller && leg.announcement == AnnouncementNotStarted {
		c.startAnnouncement(p, leg)
	}

	// Evaluated on every active notification so a failed bridge is retried.
	peer := p.peerOf(leg)
	if !leg.bridged && peer != nil && peer.mediaActive {
		c.establishBridge(p, leg, peer)
	}
}

// dial issues the deferred dial-out recorded on caller. Caller holds p.mu.
func (c *Controller) dial(p *Pair, caller *Leg) error {
	pd := caller.pendingDial
	callee := p.peerOf(caller)
	caller.dialAttempted = true
	if callee == nil || callee.id != pd.calleeID || callee.State() == LegStateDisconnected {
		return nil
	}

	c.rec.DialAttempted()
	slog.Info("[Controller] Dialing callee",
		"pair_id", p.id,
		"leg_id", callee.id,
		"destination", pd.destination,
	)

	err := c.reg.bindOutbound(p, callee, func() (SessionHandle, error) {
		return c.sig.CreateOutbound(callee.ctx, pd.account, pd.destination)
	})
	if err != nil {
		derr := &DialError{LegID: callee.id, Destination: pd.destination, Cause: err}
		slog.Error("[Controller] Dial failed", "pair_id", p.id, "error", derr)
		c.rec.DialFailed()
		callee.hangupIssued = true
		_, _ = callee.transition(LegStateDisconnected)
		caller.hangupIssued = true
		if terr := c.sig.Terminate(caller.session, StatusServerError); terr != nil {
			slog.Error("[Controller] Failed to terminate caller", "pair_id", p.id, "error", terr)
			_, _ = caller.transition(LegStateDisconnected)
		}
		return derr
	}

	_, _ = callee.transition(LegStateCalling)
	slog.Debug("[Controller] Callee session bound", "pair_id", p.id, "leg_id", callee.id, "session", callee.session)
	return nil
}

// closeIfDone drops the pair once both legs are disconnected. Caller holds p.mu.
func (c *Controller) closeIfDone(p *Pair) {
	if p.closed || !p.bothDisconnected() {
		return
	}
	p.closed = true
	c.reg.remove(p)
	c.rec.PairClosed()
	slog.Info("[Controller] Pair closed",
		"pair_id", p.id,
		"duration", time.Since(p.createdAt).Round(time.Millisecond),
		"talk_duration", p.caller.Info().TalkDuration().Round(time.Millisecond),
	)
}

// Pairs returns snapshots of every live pair.
func (c *Controller) Pairs() []PairInfo {
	pairs := c.reg.list()
	out := make([]PairInfo, 0, len(pairs))
	for _, p := range pairs {
		out = append(out, p.Info())
	}
	return out
}

// Pair returns the snapshot of one pair.
func (c *Controller) Pair(id string) (PairInfo, bool) {
	p, ok := c.reg.get(id)
	if !ok {
		return PairInfo{}, false
	}
	return p.Info(), true
}

// ActivePairs returns the number of live pairs.
func (c *Controller) ActivePairs() int {
	return c.reg.count()
}

// Wait blocks until all announcement tasks have finished.
func (c *Controller) Wait() {
	c.tasks.Wait()
}

// Close hangs up every live leg and waits for in-flight announcements.
func (c *Controller) Close() {
	for _, p := range c.reg.list() {
		p.mu.Lock()
		for _, l := range []*Leg{p.caller, p.callee} {
			l.cancelTasks()
			if l.session == "" || l.State() == LegStateDisconnected || l.hangupIssued {
				continue
			}
			l.hangupIssued = true
			if err := c.sig.Terminate(l.session, StatusOK); err != nil {
				slog.Warn("[Controller] Hangup on shutdown failed", "pair_id", p.id, "leg_id", l.id, "error", err)
			}
		}
		p.mu.Unlock()
	}
	c.tasks.Wait()
}

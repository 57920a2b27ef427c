package b2bua

import (
	"context"
	"log/slog"
	"time"
)

// startAnnouncement marks the announcement Started and plays it in the
// background. The task is bound to the leg's context, which is cancelled when
// the leg disconnects. Caller holds p.mu.
func (c *Controller) startAnnouncement(p *Pair, l *Leg) {
	if !l.mediaActive || l.announcement != AnnouncementNotStarted {
		return
	}
	l.announcement = AnnouncementStarted
	slog.Info("[Announcement] Started", "pair_id", p.id, "leg_id", l.id, "path", c.cfg.AnnouncementPath)

	session, idx := l.session, l.audioIndex
	c.tasks.Add(1)
	go func() {
		defer c.tasks.Done()
		c.runAnnouncement(l.ctx, p, l, session, idx)
	}()
}

func (c *Controller) runAnnouncement(ctx context.Context, p *Pair, l *Leg, session SessionHandle, idx int) {
	if err := c.playAnnouncement(ctx, l.id, session, idx); err != nil {
		c.rec.TreatmentFailed(TreatmentAnnouncement)
		slog.Warn("[Announcement] Playback failed, continuing to dial", "pair_id", p.id, "error", err)
	}

	p.mu.Lock()
	defer p.mu.Unlock()

	l.announcement = AnnouncementCompleted
	slog.Debug("[Announcement] Completed", "pair_id", p.id, "leg_id", l.id)

	if l.State() == LegStateDisconnected || l.hangupIssued {
		slog.Info("[Announcement] Caller gone, dial suppressed", "pair_id", p.id, "leg_id", l.id)
		return
	}
	if l.dialAttempted || l.pendingDial == nil {
		return
	}
	_ = c.dial(p, l)
	c.closeIfDone(p)
}

// playAnnouncement transmits the clip into the leg for the configured
// duration or until ctx is done. It runs without the pair lock.
func (c *Controller) playAnnouncement(ctx context.Context, legID string, session SessionHandle, idx int) error {
	dst, err := c.media.AudioEndpoint(session, idx)
	if err != nil {
		return &TreatmentError{Kind: TreatmentAnnouncement, LegID: legID, Op: "endpoint", Cause: err}
	}
	player, err := c.media.CreateFilePlayer(c.cfg.AnnouncementPath)
	if err != nil {
		return &TreatmentError{Kind: TreatmentAnnouncement, LegID: legID, Op: "open", Cause: err}
	}
	defer func() {
		if err := c.media.ReleaseEndpoint(player); err != nil {
			slog.Debug("[Announcement] Release player failed", "leg_id", legID, "error", err)
		}
	}()

	if err := c.media.StartTransmit(player, dst); err != nil {
		return &TreatmentError{Kind: TreatmentAnnouncement, LegID: legID, Op: "transmit", Cause: err}
	}

	timer := time.NewTimer(c.cfg.AnnouncementDuration)
	defer timer.Stop()
	select {
	case <-timer.C:
	case <-ctx.Done():
		slog.Debug("[Announcement] Cancelled", "leg_id", legID)
	}

	if err := c.media.StopTransmit(player, dst); err != nil {
		return &TreatmentError{Kind: TreatmentAnnouncement, LegID: legID, Op: "stop", Cause: err}
	}
	return nil
}

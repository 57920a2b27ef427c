package b2bua

import "log/slog"

// establishBridge opens audio in both directions between a and b.
//
// Both directions must succeed for the legs to be marked bridged. If the
// second direction fails the first is torn down, leaving the pair eligible
// for a retry on a later media notification. Caller holds p.mu.
func (c *Controller) establishBridge(p *Pair, a, b *Leg) {
	if a.bridged || !a.mediaActive || !b.mediaActive {
		return
	}

	c.stopRingback(p, a)
	c.stopRingback(p, b)

	fail := func(direction string, err error) {
		berr := &BridgeError{LegA: a.id, LegB: b.id, Direction: direction, Cause: err}
		c.rec.BridgeResult(false)
		slog.Error("[Bridge] Failed to establish", "pair_id", p.id, "error", berr)
	}

	epA, err := c.media.AudioEndpoint(a.session, a.audioIndex)
	if err != nil {
		fail("", err)
		return
	}
	epB, err := c.media.AudioEndpoint(b.session, b.audioIndex)
	if err != nil {
		fail("", err)
		return
	}

	if err := c.media.StartTransmit(epA, epB); err != nil {
		fail("a->b", err)
		return
	}
	if err := c.media.StartTransmit(epB, epA); err != nil {
		if rerr := c.media.StopTransmit(epA, epB); rerr != nil {
			slog.Warn("[Bridge] Rollback of a->b failed", "pair_id", p.id, "error", rerr)
		}
		fail("b->a", err)
		return
	}

	a.bridged = true
	b.bridged = true
	c.rec.BridgeResult(true)
	slog.Info("[Bridge] Started",
		"pair_id", p.id,
		"leg_a", a.id,
		"leg_b", b.id,
		"endpoint_a", epA,
		"endpoint_b", epB,
	)
}

package b2bua

import "log/slog"

// startRingback plays the ringback cadence into l. Caller holds p.mu.
//
// It is a no-op when ringback already runs, when l has no usable audio yet,
// when l is bridged, or when l's peer has already answered or hung up.
func (c *Controller) startRingback(p *Pair, l *Leg) {
	if l.ringbackActive || !l.mediaActive || l.bridged || l.State() == LegStateDisconnected {
		return
	}
	if peer := p.peerOf(l); peer != nil {
		if st := peer.State(); st == LegStateConfirmed || st == LegStateDisconnected {
			return
		}
	}

	fail := func(op string, err error) {
		terr := &TreatmentError{Kind: TreatmentRingback, LegID: l.id, Op: op, Cause: err}
		c.rec.TreatmentFailed(TreatmentRingback)
		slog.Warn("[Ringback] Failed to start", "pair_id", p.id, "error", terr)
	}

	dst, err := c.media.AudioEndpoint(l.session, l.audioIndex)
	if err != nil {
		fail("endpoint", err)
		return
	}
	tone, err := c.media.CreateToneSource(c.cfg.ToneSampleRate)
	if err != nil {
		fail("create tone", err)
		return
	}
	if err := c.media.PlayTone(tone, c.cfg.Ringback, true); err != nil {
		c.releaseEndpoint(p, tone)
		fail("play", err)
		return
	}
	if err := c.media.StartTransmit(tone, dst); err != nil {
		if serr := c.media.StopTone(tone); serr != nil {
			slog.Debug("[Ringback] Stop tone after failed transmit", "error", serr)
		}
		c.releaseEndpoint(p, tone)
		fail("transmit", err)
		return
	}

	l.ringbackActive = true
	l.ringbackTone = tone
	l.ringbackDst = dst
	slog.Info("[Ringback] Started", "pair_id", p.id, "leg_id", l.id, "tone", tone)
}

// stopRingback halts ringback on l. Errors are logged; the flag is always
// cleared. Caller holds p.mu.
func (c *Controller) stopRingback(p *Pair, l *Leg) {
	if !l.ringbackActive {
		return
	}
	tone, dst := l.ringbackTone, l.ringbackDst
	l.ringbackActive = false
	l.ringbackTone = ""
	l.ringbackDst = ""

	if err := c.media.StopTransmit(tone, dst); err != nil {
		slog.Warn("[Ringback] Stop transmit failed", "pair_id", p.id, "leg_id", l.id, "error", err)
	}
	if err := c.media.StopTone(tone); err != nil {
		slog.Warn("[Ringback] Stop tone failed", "pair_id", p.id, "leg_id", l.id, "error", err)
	}
	c.releaseEndpoint(p, tone)
	slog.Info("[Ringback] Stopped", "pair_id", p.id, "leg_id", l.id)
}

func (c *Controller) releaseEndpoint(p *Pair, h EndpointHandle) {
	if err := c.media.ReleaseEndpoint(h); err != nil {
		slog.Debug("[Controller] Release endpoint failed", "pair_id", p.id, "endpoint", h, "error", err)
	}
}

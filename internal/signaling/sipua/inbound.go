package sipua

import (
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/emiago/sipgo/sip"

	"github.com/sebas/backtoback/internal/signaling/b2bua"
)

func (a *Agent) handleInvite(req *sip.Request, tx sip.ServerTransaction) {
	callID := callIDOf(req)
	if s, ok := a.lookupCallID(callID); ok {
		if toTag(req) != "" {
			a.handleReinvite(s, req, tx)
		}
		return
	}

	if a.limiter != nil && !a.limiter.Allow() {
		slog.Warn("[SIP] Call rate exceeded, rejecting", "call_id", callID, "from", req.From())
		res := sip.NewResponseFromRequest(req, 503, reasonPhrase(503), nil)
		res.AppendHeader(sip.NewHeader("Retry-After", "1"))
		respond(tx, res)
		return
	}

	slog.Info("[SIP] Received INVITE", "call_id", callID, "from", req.From(), "to", req.To())
	respond(tx, sip.NewResponseFromRequest(req, sip.StatusTrying, "Trying", nil))

	rm, err := parseSDP(req.Body())
	if err != nil {
		slog.Warn("[SIP] Rejecting offer", "call_id", callID, "error", err)
		reply(tx, req, 488)
		return
	}

	h := newHandle("in")
	localAddr, localPort, err := a.media.OpenSession(h)
	if err != nil {
		slog.Error("[SIP] Media allocation failed", "call_id", callID, "error", err)
		reply(tx, req, 500)
		return
	}
	answer, err := buildSDP(localAddr, localPort, answerDirection(rm.Direction))
	if err != nil {
		a.media.CloseSession(h)
		slog.Error("[SIP] Building answer failed", "call_id", callID, "error", err)
		reply(tx, req, 500)
		return
	}

	s := &session{
		handle:   h,
		dir:      inbound,
		callID:   callID,
		state:    b2bua.LegStateIncoming,
		localSDP: answer,
		invite:   req,
		tx:       tx,
		acked:    make(chan struct{}),
	}
	a.add(s)
	if err := a.applyRemote(s, req.Body()); err != nil {
		slog.Warn("[SIP] Remote media not applied", "session", h, "error", err)
	}

	a.async(func() { a.watchInvite(s) })

	route := a.cfg.Route
	a.events.post(h, func() {
		pairID, err := a.notify().PairCreated(a.ctx, h, route)
		if err != nil {
			if !errors.Is(err, b2bua.ErrNoRouteAvailable) {
				slog.Warn("[SIP] Pair not created", "session", h, "error", err)
			}
			if a.State(h) != b2bua.LegStateDisconnected {
				_ = a.Terminate(h, 500)
			}
			return
		}
		slog.Debug("[SIP] Paired", "session", h, "pair_id", pairID)
	})
}

// watchInvite disconnects an inbound session whose INVITE transaction ends
// without an answer, and whose answer is never acknowledged.
func (a *Agent) watchInvite(s *session) {
	select {
	case <-s.tx.Done():
	case <-a.ctx.Done():
		return
	}

	s.mu.Lock()
	answered := s.answered()
	s.mu.Unlock()
	if !answered {
		a.setState(s, b2bua.LegStateDisconnected)
		return
	}

	select {
	case <-s.acked:
	case <-time.After(a.cfg.AckTimeout):
		slog.Warn("[SIP] No ACK for 200 OK, hanging up", "session", s.handle, "call_id", s.callID)
		_ = a.Terminate(s.handle, 200)
	case <-a.ctx.Done():
	}
}

// Accept implements b2bua.Signaling. 1xx codes send a provisional response
// (with our SDP for 183), 2xx answers the call.
func (a *Agent) Accept(h b2bua.SessionHandle, code int) error {
	s, err := a.mustLookup(h)
	if err != nil {
		return err
	}
	if s.dir != inbound {
		return fmt.Errorf("%w: accept %s", ErrWrongDirection, h)
	}

	s.mu.Lock()
	if s.state == b2bua.LegStateDisconnected {
		s.mu.Unlock()
		return fmt.Errorf("%w: %s is disconnected", b2bua.ErrInvalidState, h)
	}
	if s.answered() {
		s.mu.Unlock()
		return nil
	}

	var (
		next         b2bua.LegState
		mediaChanged bool
	)
	switch {
	case code == 180:
		err = s.tx.Respond(sip.NewResponseFromRequest(s.invite, sip.StatusRinging, reasonPhrase(180), nil))
		next = b2bua.LegStateEarly

	case code > 100 && code < 200:
		if s.progressSent {
			s.mu.Unlock()
			return nil
		}
		res := sip.NewResponseFromRequest(s.invite, code, reasonPhrase(code), s.localSDP)
		ct := sip.ContentTypeHeader("application/sdp")
		res.AppendHeader(&ct)
		contact := a.dialogUA.ContactHDR
		res.AppendHeader(&contact)
		if err = s.tx.Respond(res); err == nil {
			s.progressSent = true
			next = b2bua.LegStateEarly
			mediaChanged = true
		}

	case code >= 200 && code < 300:
		dlg, derr := a.dialogUA.ReadInvite(s.invite, s.tx)
		if derr != nil {
			err = fmt.Errorf("create dialog: %w", derr)
			break
		}
		if err = dlg.RespondSDP(s.localSDP); err != nil {
			_ = dlg.Close()
			break
		}
		s.dialog = dlg
		next = b2bua.LegStateConnecting
		mediaChanged = !s.progressSent

	default:
		s.mu.Unlock()
		return fmt.Errorf("%w: %d", ErrUnsupported, code)
	}
	s.mu.Unlock()

	if err != nil {
		return fmt.Errorf("accept %s with %d: %w", h, code, err)
	}
	slog.Info("[SIP] Accepted", "session", h, "call_id", s.callID, "code", code)
	a.setState(s, next)
	if mediaChanged {
		a.mediaChanged(s)
	}
	return nil
}

func (a *Agent) handleAck(req *sip.Request, tx sip.ServerTransaction) {
	s, ok := a.lookupCallID(callIDOf(req))
	if !ok || s.dir != inbound {
		return
	}

	s.mu.Lock()
	dlg := s.dialog
	first := dlg != nil && !s.ackSeen
	if first {
		s.ackSeen = true
	}
	s.mu.Unlock()
	if dlg == nil {
		return
	}
	if err := dlg.ReadAck(req, tx); err != nil {
		slog.Debug("[SIP] ACK not matched", "session", s.handle, "error", err)
	}
	if !first {
		return
	}
	close(s.acked)
	slog.Info("[SIP] Confirmed", "session", s.handle, "call_id", s.callID)
	a.setState(s, b2bua.LegStateConfirmed)
}

func (a *Agent) handleBye(req *sip.Request, tx sip.ServerTransaction) {
	s, ok := a.lookupCallID(callIDOf(req))
	if !ok {
		reply(tx, req, 481)
		return
	}

	s.mu.Lock()
	dlg := s.dialog
	s.mu.Unlock()
	if dlg != nil {
		if err := dlg.ReadBye(req, tx); err != nil {
			slog.Warn("[SIP] Failed to read BYE", "session", s.handle, "error", err)
		}
	} else {
		respond(tx, sip.NewResponseFromRequest(req, sip.StatusOK, "OK", nil))
	}

	slog.Info("[SIP] BYE received", "session", s.handle, "call_id", s.callID)
	a.setState(s, b2bua.LegStateDisconnected)
}

func (a *Agent) handleCancel(req *sip.Request, tx sip.ServerTransaction) {
	s, ok := a.lookupCallID(callIDOf(req))
	if !ok || s.dir != inbound {
		reply(tx, req, 481)
		return
	}

	s.mu.Lock()
	if s.answered() || s.state == b2bua.LegStateDisconnected {
		s.mu.Unlock()
		reply(tx, req, 481)
		return
	}
	respond(tx, sip.NewResponseFromRequest(req, sip.StatusOK, "OK", nil))
	reply(s.tx, s.invite, 487)
	s.mu.Unlock()

	slog.Info("[SIP] CANCEL received", "session", s.handle, "call_id", s.callID)
	a.setState(s, b2bua.LegStateDisconnected)
}

// handleReinvite answers an in-dialog offer (hold, resume, address change)
// and reports the new media state.
func (a *Agent) handleReinvite(s *session, req *sip.Request, tx sip.ServerTransaction) {
	rm, err := parseSDP(req.Body())
	if rm == nil {
		slog.Warn("[SIP] Rejecting re-INVITE", "session", s.handle, "error", err)
		reply(tx, req, 488)
		return
	}

	localAddr, localPort, err := a.media.OpenSession(s.handle)
	if err != nil {
		reply(tx, req, 500)
		return
	}
	answer, err := buildSDP(localAddr, localPort, answerDirection(rm.Direction))
	if err != nil {
		reply(tx, req, 500)
		return
	}
	if err := a.applyRemote(s, req.Body()); err != nil {
		slog.Debug("[SIP] Re-INVITE media", "session", s.handle, "error", err)
	}

	res := sip.NewResponseFromRequest(req, sip.StatusOK, "OK", answer)
	ct := sip.ContentTypeHeader("application/sdp")
	res.AppendHeader(&ct)
	contact := a.dialogUA.ContactHDR
	res.AppendHeader(&contact)
	respond(tx, res)

	slog.Info("[SIP] Re-INVITE answered", "session", s.handle, "direction", rm.Direction)
	a.mediaChanged(s)
}

func respond(tx sip.ServerTransaction, res *sip.Response) {
	if err := tx.Respond(res); err != nil {
		slog.Error("[SIP] Failed to send response", "status", res.StatusCode, "error", err)
	}
}

func reply(tx sip.ServerTransaction, req *sip.Request, code int) {
	respond(tx, sip.NewResponseFromRequest(req, code, reasonPhrase(code), nil))
}

func reasonPhrase(code int) string {
	switch code {
	case 100:
		return "Trying"
	case 180:
		return "Ringing"
	case 183:
		return "Session Progress"
	case 200:
		return "OK"
	case 401:
		return "Unauthorized"
	case 404:
		return "Not Found"
	case 408:
		return "Request Timeout"
	case 480:
		return "Temporarily Unavailable"
	case 481:
		return "Call/Transaction Does Not Exist"
	case 486:
		return "Busy Here"
	case 487:
		return "Request Terminated"
	case 488:
		return "Not Acceptable Here"
	case 500:
		return "Server Internal Error"
	case 503:
		return "Service Unavailable"
	case 603:
		return "Decline"
	}
	switch {
	case code < 200:
		return "Session Progress"
	case code < 300:
		return "OK"
	case code < 500:
		return "Request Failure"
	case code < 600:
		return "Server Failure"
	default:
		return "Global Failure"
	}
}

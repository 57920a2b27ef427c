// Package sipua adapts SIP dialogs (via sipgo) to the session surface the
// b2bua controller drives.
package sipua

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/emiago/sipgo"
	"github.com/emiago/sipgo/sip"
	"golang.org/x/time/rate"

	"github.com/sebas/backtoback/internal/signaling/b2bua"
)

var (
	ErrWrongDirection = errors.New("operation not valid for session direction")
	ErrUnsupported    = errors.New("unsupported response code")
)

// Config holds the agent settings.
type Config struct {
	AdvertiseAddr string
	Port          int

	// Route is handed to the controller with every inbound call.
	Route b2bua.Route

	// MaxCallsPerSecond limits new inbound INVITEs; 0 disables the limit.
	MaxCallsPerSecond float64

	DialTimeout time.Duration
	AckTimeout  time.Duration
}

// MediaSessions is the part of the media engine tied to SIP sessions.
type MediaSessions interface {
	OpenSession(h b2bua.SessionHandle) (string, int, error)
	SetRemote(h b2bua.SessionHandle, ip string, port int) error
	CloseSession(h b2bua.SessionHandle)
}

// Agent owns every SIP session and implements b2bua.Signaling.
type Agent struct {
	cfg      Config
	client   *sipgo.Client
	dialogUA *sipgo.DialogUA
	media    MediaSessions
	limiter  *rate.Limiter
	events   *dispatcher

	notifyMu sync.RWMutex
	notifier Notifier

	mu       sync.RWMutex
	sessions map[b2bua.SessionHandle]*session
	byCallID map[string]*session

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// NewAgent creates an agent sending requests through client.
func NewAgent(cfg Config, client *sipgo.Client, media MediaSessions) *Agent {
	if cfg.DialTimeout <= 0 {
		cfg.DialTimeout = 60 * time.Second
	}
	if cfg.AckTimeout <= 0 {
		cfg.AckTimeout = 32 * time.Second
	}
	ctx, cancel := context.WithCancel(context.Background())
	a := &Agent{
		cfg:    cfg,
		client: client,
		media:  media,
		events: newDispatcher(),
		dialogUA: &sipgo.DialogUA{
			Client:     client,
			ContactHDR: contactHeader(cfg.AdvertiseAddr, cfg.Port),
		},
		notifier: nopNotifier{},
		sessions: make(map[b2bua.SessionHandle]*session),
		byCallID: make(map[string]*session),
		ctx:      ctx,
		cancel:   cancel,
	}
	if cfg.MaxCallsPerSecond > 0 {
		burst := int(cfg.MaxCallsPerSecond)
		if burst < 1 {
			burst = 1
		}
		a.limiter = rate.NewLimiter(rate.Limit(cfg.MaxCallsPerSecond), burst)
	}
	return a
}

// SetNotifier sets the receiver of session events.
func (a *Agent) SetNotifier(n Notifier) {
	a.notifyMu.Lock()
	a.notifier = n
	a.notifyMu.Unlock()
}

func (a *Agent) notify() Notifier {
	a.notifyMu.RLock()
	defer a.notifyMu.RUnlock()
	return a.notifier
}

// Register installs the dialog handlers on srv.
func (a *Agent) Register(srv *sipgo.Server) {
	srv.OnRequest(sip.INVITE, a.handleInvite)
	srv.OnRequest(sip.ACK, a.handleAck)
	srv.OnRequest(sip.BYE, a.handleBye)
	srv.OnRequest(sip.CANCEL, a.handleCancel)
	slog.Info("[SIP] Handlers registered", "methods", "INVITE, ACK, BYE, CANCEL")
}

// Close aborts pending transactions and waits for queued events.
func (a *Agent) Close() {
	a.cancel()
	a.wg.Wait()
	a.events.wait()
}

// Sessions returns a snapshot of all live sessions.
func (a *Agent) Sessions() []Info {
	a.mu.RLock()
	defer a.mu.RUnlock()
	out := make([]Info, 0, len(a.sessions))
	for _, s := range a.sessions {
		out = append(out, s.info())
	}
	return out
}

// State implements b2bua.Signaling.
func (a *Agent) State(h b2bua.SessionHandle) b2bua.LegState {
	s, ok := a.lookup(h)
	if !ok {
		return b2bua.LegStateNull
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// MediaSummary implements b2bua.Signaling.
func (a *Agent) MediaSummary(h b2bua.SessionHandle) []b2bua.MediaInfo {
	s, ok := a.lookup(h)
	if !ok {
		return nil
	}
	return s.summary()
}

func (a *Agent) add(s *session) {
	a.mu.Lock()
	a.sessions[s.handle] = s
	a.byCallID[s.callID] = s
	a.mu.Unlock()
}

func (a *Agent) lookup(h b2bua.SessionHandle) (*session, bool) {
	a.mu.RLock()
	defer a.mu.RUnlock()
	s, ok := a.sessions[h]
	return s, ok
}

func (a *Agent) lookupCallID(callID string) (*session, bool) {
	a.mu.RLock()
	defer a.mu.RUnlock()
	s, ok := a.byCallID[callID]
	return s, ok
}

func (a *Agent) mustLookup(h b2bua.SessionHandle) (*session, error) {
	s, ok := a.lookup(h)
	if !ok {
		return nil, fmt.Errorf("%w: %s", b2bua.ErrUnknownSession, h)
	}
	return s, nil
}

// setState records a new state and queues the notification. Disconnected is
// final: the session is forgotten once the notification has been delivered.
func (a *Agent) setState(s *session, st b2bua.LegState) {
	s.mu.Lock()
	if s.state == st || s.state == b2bua.LegStateDisconnected {
		s.mu.Unlock()
		return
	}
	s.state = st
	s.mu.Unlock()

	a.events.post(s.handle, func() {
		if err := a.notify().StateChanged(s.handle, st); err != nil && !errors.Is(err, b2bua.ErrUnknownSession) {
			slog.Warn("[SIP] State notification failed", "session", s.handle, "state", st, "error", err)
		}
		if st == b2bua.LegStateDisconnected {
			a.release(s)
		}
	})
}

func (a *Agent) mediaChanged(s *session) {
	a.events.post(s.handle, func() {
		if err := a.notify().MediaChanged(s.handle); err != nil && !errors.Is(err, b2bua.ErrUnknownSession) {
			slog.Warn("[SIP] Media notification failed", "session", s.handle, "error", err)
		}
	})
}

func (a *Agent) release(s *session) {
	a.mu.Lock()
	delete(a.sessions, s.handle)
	if cur, ok := a.byCallID[s.callID]; ok && cur == s {
		delete(a.byCallID, s.callID)
	}
	a.mu.Unlock()
	a.media.CloseSession(s.handle)
	slog.Debug("[SIP] Session released", "session", s.handle, "call_id", s.callID)
}

// applyRemote records a peer's session description and points the media
// session at it.
func (a *Agent) applyRemote(s *session, body []byte) error {
	rm, err := parseSDP(body)
	if rm == nil {
		return err
	}
	s.mu.Lock()
	s.remote = rm
	s.mu.Unlock()
	if rm.Addr != "" && rm.Port > 0 {
		if serr := a.media.SetRemote(s.handle, rm.Addr, rm.Port); serr != nil {
			return serr
		}
	}
	return err
}

// async runs fn tracked by Close.
func (a *Agent) async(fn func()) {
	a.wg.Add(1)
	go func() {
		defer a.wg.Done()
		fn()
	}()
}

// Terminate implements b2bua.Signaling. Normal clearing (code < 300) on an
// unanswered inbound session is sent as 487.
func (a *Agent) Terminate(h b2bua.SessionHandle, code int) error {
	s, err := a.mustLookup(h)
	if err != nil {
		return err
	}

	s.mu.Lock()
	if s.state == b2bua.LegStateDisconnected {
		s.mu.Unlock()
		return nil
	}
	switch {
	case s.dir == inbound && !s.answered():
		final := code
		if final < 300 {
			final = 487
		}
		err = s.tx.Respond(sip.NewResponseFromRequest(s.invite, final, reasonPhrase(final), nil))
		if err != nil {
			err = fmt.Errorf("respond %d: %w", final, err)
		}
	case s.dir == inbound:
		dlg := s.dialog
		a.async(func() { a.sendDialogBye(s, dlg) })
	case s.answer == nil:
		if s.stopInvite != nil {
			s.stopInvite()
		}
	default:
		bye := buildBye(s.invite, s.answer, s.cseq)
		s.cseq++
		a.async(func() { a.sendRequest(s, bye) })
	}
	s.mu.Unlock()

	slog.Info("[SIP] Terminating session", "session", h, "call_id", s.callID, "code", code)
	a.setState(s, b2bua.LegStateDisconnected)
	return err
}

func (a *Agent) sendDialogBye(s *session, dlg *sipgo.DialogServerSession) {
	ctx, cancel := context.WithTimeout(a.ctx, 5*time.Second)
	defer cancel()
	if err := dlg.Bye(ctx); err != nil {
		slog.Warn("[SIP] BYE failed", "session", s.handle, "call_id", s.callID, "error", err)
		return
	}
	slog.Debug("[SIP] BYE sent", "session", s.handle, "call_id", s.callID)
}

// sendRequest sends an in-dialog request and waits briefly for its response.
func (a *Agent) sendRequest(s *session, req *sip.Request) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	tx, err := a.client.TransactionRequest(ctx, req)
	if err != nil {
		slog.Warn("[SIP] Request failed", "session", s.handle, "method", req.Method, "error", err)
		return
	}
	defer tx.Terminate()

	select {
	case resp := <-tx.Responses():
		if resp != nil {
			slog.Debug("[SIP] Response", "session", s.handle, "method", req.Method, "status", resp.StatusCode)
		}
	case <-tx.Done():
	case <-ctx.Done():
		slog.Warn("[SIP] Request timeout", "session", s.handle, "method", req.Method)
	}
}

type nopNotifier struct{}

func (nopNotifier) PairCreated(context.Context, b2bua.SessionHandle, b2bua.Route) (string, error) {
	return "", b2bua.ErrNoRouteAvailable
}
func (nopNotifier) StateChanged(b2bua.SessionHandle, b2bua.LegState) error { return nil }
func (nopNotifier) MediaChanged(b2bua.SessionHandle) error { return nil }

var _ b2bua.Signaling = (*Agent)(nil)

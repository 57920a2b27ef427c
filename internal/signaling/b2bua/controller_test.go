package b2bua

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const (
	callerSession SessionHandle = "caller-1"
	calleeSession SessionHandle = "callee-1"
)

var testRoute = Route{
	Account:     Account{User: "1000", Password: "secret", Host: "pbx.example.com"},
	Destination: "sip:2000@pbx.example.com",
}

type harness struct {
	ctrl  *Controller
	sig   *fakeSignaling
	media *fakeMedia
	rec   *countingRecorder
}

func newHarness(t *testing.T, announce time.Duration) *harness {
	t.Helper()
	h := &harness{
		sig:   newFakeSignaling(),
		media: newFakeMedia(),
		rec:   &countingRecorder{},
	}
	cfg := DefaultConfig()
	cfg.AnnouncementPath = "welcome.wav"
	cfg.AnnouncementDuration = announce
	h.ctrl = NewController(h.sig, h.media, cfg, WithRecorder(h.rec))
	t.Cleanup(h.ctrl.Wait)
	return h
}

// start delivers an inbound call and returns the pair id.
func (h *harness) start(t *testing.T) string {
	t.Helper()
	h.sig.mu.Lock()
	h.sig.states[callerSession] = LegStateIncoming
	h.sig.mu.Unlock()
	id, err := h.ctrl.PairCreated(context.Background(), callerSession, testRoute)
	require.NoError(t, err)
	return id
}

// dialed runs an inbound call through the announcement up to the dial-out.
func (h *harness) dialed(t *testing.T) string {
	t.Helper()
	id := h.start(t)
	h.setMedia(t, callerSession, MediaActive)
	h.ctrl.Wait()
	require.Equal(t, 1, h.sig.dialCount())
	return id
}

func (h *harness) setMedia(t *testing.T, s SessionHandle, activity MediaActivity) {
	t.Helper()
	h.sig.setMedia(s, activity)
	require.NoError(t, h.ctrl.MediaChanged(s))
}

func (h *harness) state(t *testing.T, s SessionHandle, st LegState) {
	t.Helper()
	require.NoError(t, h.ctrl.StateChanged(s, st))
}

func (h *harness) pair(t *testing.T, id string) PairInfo {
	t.Helper()
	info, ok := h.ctrl.Pair(id)
	require.True(t, ok, "pair %s not found", id)
	return info
}

func TestPairCreatedWithoutRouteDeclines(t *testing.T) {
	h := newHarness(t, 10*time.Millisecond)

	_, err := h.ctrl.PairCreated(context.Background(), callerSession, Route{})
	require.ErrorIs(t, err, ErrNoRouteAvailable)

	assert.Equal(t, []int{StatusDecline}, h.sig.terminatesFor(callerSession))
	assert.Empty(t, h.sig.acceptsFor(callerSession))
	assert.Equal(t, 0, h.ctrl.ActivePairs())
	assert.Equal(t, 0, h.sig.dialCount())
	assert.Equal(t, []string{"no_route"}, h.rec.rejected)
}

func TestPairCreatedAcceptsCallerAndDefersDial(t *testing.T) {
	h := newHarness(t, 10*time.Millisecond)
	id := h.start(t)

	assert.Equal(t, []int{StatusSessionProgress}, h.sig.acceptsFor(callerSession))
	assert.Equal(t, 0, h.sig.dialCount())

	info := h.pair(t, id)
	assert.Equal(t, "Incoming", info.Caller.State)
	assert.Equal(t, "Null", info.Callee.State)
	assert.Equal(t, info.Callee.ID, info.Caller.PeerID)
	assert.Equal(t, info.Caller.ID, info.Callee.PeerID)
	assert.False(t, info.Caller.DialAttempted)
	assert.Equal(t, "NotStarted", info.Caller.Announcement)
}

func TestPairCreatedAcceptFailureTerminatesCaller(t *testing.T) {
	h := newHarness(t, 10*time.Millisecond)
	h.sig.acceptErr = errors.New("transaction gone")

	_, err := h.ctrl.PairCreated(context.Background(), callerSession, testRoute)
	require.Error(t, err)
	assert.Equal(t, []int{StatusServerError}, h.sig.terminatesFor(callerSession))
	assert.Equal(t, 0, h.ctrl.ActivePairs())

	h.rec.mu.Lock()
	defer h.rec.mu.Unlock()
	assert.Equal(t, 0, h.rec.created)
	assert.Equal(t, h.rec.created, h.rec.closed, "active pair gauge must not go negative")
	assert.Equal(t, []string{"accept_failed"}, h.rec.rejected)
}

func TestAnnouncementPrecedesSingleDial(t *testing.T) {
	h := newHarness(t, 100*time.Millisecond)
	id := h.start(t)

	h.setMedia(t, callerSession, MediaActive)
	info := h.pair(t, id)
	assert.Equal(t, "Started", info.Caller.Announcement)
	assert.Equal(t, 0, h.sig.dialCount())

	h.ctrl.Wait()
	info = h.pair(t, id)
	assert.Equal(t, "Completed", info.Caller.Announcement)
	assert.True(t, info.Caller.DialAttempted)
	assert.Equal(t, "Calling", info.Callee.State)
	assert.Equal(t, string(calleeSession), info.Callee.Session)
	assert.Equal(t, 1, h.sig.dialCount())
	assert.Equal(t, 1, h.media.startCount("player-1", "ep:caller-1"))
	assert.False(t, h.media.linked("player-1", "ep:caller-1"))

	// Repeated media notifications neither replay the clip nor redial.
	h.setMedia(t, callerSession, MediaActive)
	h.setMedia(t, callerSession, MediaRemoteHold)
	h.ctrl.Wait()
	assert.Equal(t, 1, h.sig.dialCount())
	assert.Equal(t, "Completed", h.pair(t, id).Caller.Announcement)
}

func TestCallerHangupDuringAnnouncementSuppressesDial(t *testing.T) {
	h := newHarness(t, 5*time.Second)
	h.start(t)
	h.setMedia(t, callerSession, MediaActive)

	h.state(t, callerSession, LegStateDisconnected)
	h.ctrl.Wait()

	assert.Equal(t, 0, h.sig.dialCount())
	assert.Empty(t, h.sig.terminatesFor(callerSession))
	assert.Equal(t, 0, h.ctrl.ActivePairs())
}

func TestDialFailureTerminatesCaller(t *testing.T) {
	h := newHarness(t, 10*time.Millisecond)
	h.sig.outboundErr = errors.New("no transport")
	h.start(t)

	h.setMedia(t, callerSession, MediaActive)
	h.ctrl.Wait()

	assert.Equal(t, []int{StatusServerError}, h.sig.terminatesFor(callerSession))
	assert.Equal(t, 1, h.rec.dialErrs)

	h.state(t, callerSession, LegStateDisconnected)
	assert.Equal(t, []int{StatusServerError}, h.sig.terminatesFor(callerSession))
	assert.Equal(t, 0, h.ctrl.ActivePairs())
}

func TestPlaybackFailureStillDials(t *testing.T) {
	h := newHarness(t, 10*time.Millisecond)
	h.media.playerErr = errors.New("file not found")
	id := h.dialed(t)

	assert.Equal(t, "Completed", h.pair(t, id).Caller.Announcement)
	assert.Equal(t, []TreatmentKind{TreatmentAnnouncement}, h.rec.failures)
}

func TestCalleeEarlyRingsBackAndConfirmedAnswersCaller(t *testing.T) {
	h := newHarness(t, 10*time.Millisecond)
	id := h.dialed(t)

	h.state(t, calleeSession, LegStateEarly)
	info := h.pair(t, id)
	assert.True(t, info.Caller.RingbackActive)
	assert.Equal(t, 1, h.media.activeTones())

	// A second Early does not start a second tone.
	h.state(t, calleeSession, LegStateEarly)
	assert.Equal(t, 1, h.media.activeTones())

	h.state(t, calleeSession, LegStateConfirmed)
	info = h.pair(t, id)
	assert.False(t, info.Caller.RingbackActive)
	assert.Equal(t, 0, h.media.activeTones())
	assert.Equal(t, []int{StatusSessionProgress, StatusOK}, h.sig.acceptsFor(callerSession))
}

func TestCalleeConfirmedSkipsAnswerWhenCallerPastAnswer(t *testing.T) {
	h := newHarness(t, 10*time.Millisecond)
	h.dialed(t)

	h.state(t, callerSession, LegStateConfirmed)
	h.state(t, calleeSession, LegStateConfirmed)

	assert.Equal(t, []int{StatusSessionProgress}, h.sig.acceptsFor(callerSession))
}

func TestRingbackWaitsForCallerMedia(t *testing.T) {
	h := newHarness(t, 10*time.Millisecond)
	id := h.dialed(t)

	h.setMedia(t, callerSession, MediaLocalHold)
	h.state(t, calleeSession, LegStateEarly)
	assert.False(t, h.pair(t, id).Caller.RingbackActive)

	h.setMedia(t, callerSession, MediaActive)
	assert.False(t, h.pair(t, id).Caller.RingbackActive)

	h.state(t, calleeSession, LegStateEarly)
	assert.True(t, h.pair(t, id).Caller.RingbackActive)
}

func TestRingbackStopFailureStillClearsFlag(t *testing.T) {
	h := newHarness(t, 10*time.Millisecond)
	id := h.dialed(t)
	h.state(t, calleeSession, LegStateEarly)
	require.True(t, h.pair(t, id).Caller.RingbackActive)

	h.media.mu.Lock()
	h.media.stopErr = errors.New("port closed")
	h.media.mu.Unlock()

	h.state(t, calleeSession, LegStateConfirmed)
	assert.False(t, h.pair(t, id).Caller.RingbackActive)
}

func TestBridgeEstablishedOnce(t *testing.T) {
	h := newHarness(t, 10*time.Millisecond)
	id := h.dialed(t)
	h.state(t, calleeSession, LegStateEarly)

	h.setMedia(t, calleeSession, MediaActive)
	info := h.pair(t, id)
	assert.True(t, info.Caller.Bridged)
	assert.True(t, info.Callee.Bridged)
	assert.False(t, info.Caller.RingbackActive)
	assert.True(t, h.media.linked("ep:callee-1", "ep:caller-1"))
	assert.True(t, h.media.linked("ep:caller-1", "ep:callee-1"))

	h.setMedia(t, calleeSession, MediaActive)
	h.setMedia(t, callerSession, MediaActive)
	h.state(t, calleeSession, LegStateEarly)

	assert.Equal(t, 1, h.media.startCount("ep:callee-1", "ep:caller-1"))
	assert.Equal(t, 1, h.media.startCount("ep:caller-1", "ep:callee-1"))
	assert.False(t, h.pair(t, id).Caller.RingbackActive)
}

func TestBridgeRollsBackPartialFailureAndRetries(t *testing.T) {
	h := newHarness(t, 10*time.Millisecond)
	id := h.dialed(t)

	h.media.mu.Lock()
	h.media.startErr = func(src, _ EndpointHandle) error {
		if src == "ep:caller-1" {
			return errors.New("socket closed")
		}
		return nil
	}
	h.media.mu.Unlock()

	h.setMedia(t, calleeSession, MediaActive)
	info := h.pair(t, id)
	assert.False(t, info.Caller.Bridged)
	assert.False(t, info.Callee.Bridged)
	assert.False(t, h.media.linked("ep:callee-1", "ep:caller-1"))

	h.media.mu.Lock()
	h.media.startErr = nil
	h.media.mu.Unlock()

	h.setMedia(t, calleeSession, MediaActive)
	info = h.pair(t, id)
	assert.True(t, info.Caller.Bridged)
	assert.True(t, info.Callee.Bridged)
}

func TestCallerDisconnectCascadesOnce(t *testing.T) {
	h := newHarness(t, 10*time.Millisecond)
	h.dialed(t)
	h.state(t, calleeSession, LegStateEarly)

	h.state(t, callerSession, LegStateDisconnected)
	assert.Equal(t, []int{StatusOK}, h.sig.terminatesFor(calleeSession))
	assert.Equal(t, 1, h.rec.cascadeCount())
	assert.Equal(t, 0, h.media.activeTones())

	h.state(t, callerSession, LegStateDisconnected)
	assert.Equal(t, []int{StatusOK}, h.sig.terminatesFor(calleeSession))

	h.state(t, calleeSession, LegStateDisconnected)
	assert.Empty(t, h.sig.terminatesFor(callerSession))
	assert.Equal(t, 1, h.rec.cascadeCount())
	assert.Equal(t, 0, h.ctrl.ActivePairs())
}

func TestCalleeDisconnectTerminatesCaller(t *testing.T) {
	h := newHarness(t, 10*time.Millisecond)
	h.dialed(t)
	h.state(t, calleeSession, LegStateConfirmed)

	h.state(t, calleeSession, LegStateDisconnected)
	assert.Equal(t, []int{StatusOK}, h.sig.terminatesFor(callerSession))

	h.state(t, callerSession, LegStateDisconnected)
	assert.Empty(t, h.sig.terminatesFor(calleeSession))
	assert.Equal(t, 0, h.ctrl.ActivePairs())
}

func TestStaleStateIgnored(t *testing.T) {
	h := newHarness(t, 10*time.Millisecond)
	id := h.dialed(t)

	h.state(t, calleeSession, LegStateConfirmed)
	h.state(t, calleeSession, LegStateEarly)

	info := h.pair(t, id)
	assert.Equal(t, "Confirmed", info.Callee.State)
	assert.False(t, info.Caller.RingbackActive)
}

func TestUnknownSession(t *testing.T) {
	h := newHarness(t, 10*time.Millisecond)

	assert.ErrorIs(t, h.ctrl.StateChanged("nope", LegStateEarly), ErrUnknownSession)
	assert.ErrorIs(t, h.ctrl.MediaChanged("nope"), ErrUnknownSession)
}

func TestConcurrentNotificationsBridgeOnce(t *testing.T) {
	h := newHarness(t, 10*time.Millisecond)
	id := h.dialed(t)
	h.sig.setMedia(calleeSession, MediaActive)

	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(3)
		go func() {
			defer wg.Done()
			_ = h.ctrl.MediaChanged(calleeSession)
		}()
		go func() {
			defer wg.Done()
			_ = h.ctrl.MediaChanged(callerSession)
		}()
		go func() {
			defer wg.Done()
			_ = h.ctrl.StateChanged(calleeSession, LegStateEarly)
		}()
	}
	wg.Wait()

	info := h.pair(t, id)
	assert.True(t, info.Caller.Bridged)
	assert.Equal(t, 1, h.media.startCount("ep:callee-1", "ep:caller-1"))
	assert.Equal(t, 1, h.media.startCount("ep:caller-1", "ep:callee-1"))
	assert.Equal(t, 1, h.rec.bridges)
	assert.False(t, info.Caller.RingbackActive)
}

func TestCloseHangsUpLiveLegs(t *testing.T) {
	h := newHarness(t, 5*time.Second)
	h.start(t)
	h.setMedia(t, callerSession, MediaActive)

	h.ctrl.Close()

	assert.Equal(t, []int{StatusOK}, h.sig.terminatesFor(callerSession))
	assert.Equal(t, 0, h.sig.dialCount())
}

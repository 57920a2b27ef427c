package b2bua

import (
	"context"
	"fmt"
	"sync"
)

type sigCall struct {
	h    SessionHandle
	code int
}

type fakeSignaling struct {
	mu         sync.Mutex
	states     map[SessionHandle]LegState
	media      map[SessionHandle][]MediaInfo
	accepts    []sigCall
	terminates []sigCall
	dials      []string

	acceptErr   error
	outboundErr error
	nextID      int
}

func newFakeSignaling() *fakeSignaling {
	return &fakeSignaling{
		states: make(map[SessionHandle]LegState),
		media:  make(map[SessionHandle][]MediaInfo),
	}
}

func (f *fakeSignaling) CreateOutbound(_ context.Context, _ Account, destination string) (SessionHandle, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.dials = append(f.dials, destination)
	if f.outboundErr != nil {
		return "", f.outboundErr
	}
	f.nextID++
	h := SessionHandle(fmt.Sprintf("callee-%d", f.nextID))
	f.states[h] = LegStateCalling
	return h, nil
}

func (f *fakeSignaling) Accept(h SessionHandle, code int) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.accepts = append(f.accepts, sigCall{h, code})
	return f.acceptErr
}

func (f *fakeSignaling) Terminate(h SessionHandle, code int) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.terminates = append(f.terminates, sigCall{h, code})
	return nil
}

func (f *fakeSignaling) State(h SessionHandle) LegState {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.states[h]
}

func (f *fakeSignaling) MediaSummary(h SessionHandle) []MediaInfo {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]MediaInfo(nil), f.media[h]...)
}

func (f *fakeSignaling) setMedia(h SessionHandle, activity MediaActivity) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.media[h] = []MediaInfo{{Type: "audio", Activity: activity}}
}

func (f *fakeSignaling) terminatesFor(h SessionHandle) []int {
	f.mu.Lock()
	defer f.mu.Unlock()
	var codes []int
	for _, c := range f.terminates {
		if c.h == h {
			codes = append(codes, c.code)
		}
	}
	return codes
}

func (f *fakeSignaling) acceptsFor(h SessionHandle) []int {
	f.mu.Lock()
	defer f.mu.Unlock()
	var codes []int
	for _, c := range f.accepts {
		if c.h == h {
			codes = append(codes, c.code)
		}
	}
	return codes
}

func (f *fakeSignaling) dialCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.dials)
}

type link struct {
	src, dst EndpointHandle
}

type fakeMedia struct {
	mu       sync.Mutex
	links    map[link]bool
	starts   []link
	stops    []link
	tones    map[EndpointHandle]bool
	released []EndpointHandle
	nextID   int

	startErr  func(src, dst EndpointHandle) error
	stopErr   error
	playerErr error
}

func newFakeMedia() *fakeMedia {
	return &fakeMedia{
		links: make(map[link]bool),
		tones: make(map[EndpointHandle]bool),
	}
}

func (m *fakeMedia) AudioEndpoint(h SessionHandle, _ int) (EndpointHandle, error) {
	return EndpointHandle("ep:" + string(h)), nil
}

func (m *fakeMedia) StartTransmit(src, dst EndpointHandle) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.startErr != nil {
		if err := m.startErr(src, dst); err != nil {
			return err
		}
	}
	m.starts = append(m.starts, link{src, dst})
	m.links[link{src, dst}] = true
	return nil
}

func (m *fakeMedia) StopTransmit(src, dst EndpointHandle) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.stops = append(m.stops, link{src, dst})
	delete(m.links, link{src, dst})
	return m.stopErr
}

func (m *fakeMedia) CreateToneSource(int) (EndpointHandle, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.nextID++
	return EndpointHandle(fmt.Sprintf("tone-%d", m.nextID)), nil
}

func (m *fakeMedia) PlayTone(tone EndpointHandle, _ Cadence, _ bool) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.tones[tone] = true
	return nil
}

func (m *fakeMedia) StopTone(tone EndpointHandle) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.tones, tone)
	return m.stopErr
}

func (m *fakeMedia) CreateFilePlayer(string) (EndpointHandle, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.playerErr != nil {
		return "", m.playerErr
	}
	m.nextID++
	return EndpointHandle(fmt.Sprintf("player-%d", m.nextID)), nil
}

func (m *fakeMedia) ReleaseEndpoint(h EndpointHandle) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.released = append(m.released, h)
	return nil
}

func (m *fakeMedia) linked(src, dst EndpointHandle) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.links[link{src, dst}]
}

func (m *fakeMedia) startCount(src, dst EndpointHandle) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	n := 0
	for _, l := range m.starts {
		if l.src == src && l.dst == dst {
			n++
		}
	}
	return n
}

func (m *fakeMedia) activeTones() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.tones)
}

type countingRecorder struct {
	mu       sync.Mutex
	created  int
	rejected []string
	closed   int
	dials    int
	dialErrs int
	bridges  int
	cascades int
	failures []TreatmentKind
}

func (r *countingRecorder) PairCreated() { r.mu.Lock(); r.created++; r.mu.Unlock() }
func (r *countingRecorder) PairClosed() { r.mu.Lock(); r.closed++; r.mu.Unlock() }
func (r *countingRecorder) DialAttempted() { r.mu.Lock(); r.dials++; r.mu.Unlock() }
func (r *countingRecorder) DialFailed() { r.mu.Lock(); r.dialErrs++; r.mu.Unlock() }
func (r *countingRecorder) CascadeHangup() { r.mu.Lock(); r.cascades++; r.mu.Unlock() }

func (r *countingRecorder) PairRejected(reason string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.rejected = append(r.rejected, reason)
}

func (r *countingRecorder) BridgeResult(ok bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if ok {
		r.bridges++
	}
}

func (r *countingRecorder) TreatmentFailed(kind TreatmentKind) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.failures = append(r.failures, kind)
}

func (r *countingRecorder) cascadeCount() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.cascades
}

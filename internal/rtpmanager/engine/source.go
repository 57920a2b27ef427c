package engine

import (
	"fmt"
	"sync"

	"github.com/sebas/backtoback/internal/rtpmanager/media"
	"github.com/sebas/backtoback/internal/signaling/b2bua"
)

type sourceKind string

const (
	sourceTone   sourceKind = "tone"
	sourcePlayer sourceKind = "player"
)

// source is a generated audio endpoint. gen is nil while idle.
type source struct {
	handle b2bua.EndpointHandle
	kind   sourceKind

	mu     sync.Mutex
	gen    media.FrameSource
	marker bool
}

func (s *source) play(gen media.FrameSource) {
	s.mu.Lock()
	s.gen = gen
	s.marker = gen != nil
	s.mu.Unlock()
}

// next fills frame and reports whether audio was produced. An exhausted
// generator goes idle.
func (s *source) next(frame []byte) (ok, marker bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.gen == nil {
		return false, false
	}
	if !s.gen.ReadFrame(frame) {
		s.gen = nil
		return false, false
	}
	marker, s.marker = s.marker, false
	return true, marker
}

func (e *Engine) addSource(kind sourceKind, gen media.FrameSource) (b2bua.EndpointHandle, error) {
	h := b2bua.EndpointHandle(fmt.Sprintf("%s-%d", kind, e.nextID.Add(1)))
	src := &source{handle: h, kind: kind}
	src.play(gen)

	e.mu.Lock()
	defer e.mu.Unlock()
	if e.closed {
		return "", ErrClosed
	}
	e.sources[h] = src
	return h, nil
}

func (e *Engine) source(h b2bua.EndpointHandle, kind sourceKind) (*source, error) {
	e.mu.RLock()
	src, ok := e.sources[h]
	e.mu.RUnlock()
	if !ok || src.kind != kind {
		return nil, fmt.Errorf("%w: %s %s", ErrUnknownEndpoint, kind, h)
	}
	return src, nil
}

// tick advances every generator by one frame.
func (e *Engine) tick() {
	e.mu.RLock()
	sources := make([]*source, 0, len(e.sources))
	for _, s := range e.sources {
		sources = append(sources, s)
	}
	e.mu.RUnlock()

	frame := make([]byte, media.CodecPCMU.BytesPerFrame())
	for _, s := range sources {
		ok, marker := s.next(frame)
		if !ok {
			continue
		}
		e.forward(s.handle, frame, marker)
	}
}

// Package engine is the in-process media relay: one UDP socket per signaling
// session, tone and clip generators, and directed links that copy audio from
// a source endpoint to a session's remote party.
package engine

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"path/filepath"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/sebas/backtoback/internal/rtpmanager/media"
	"github.com/sebas/backtoback/internal/rtpmanager/portpool"
	"github.com/sebas/backtoback/internal/signaling/b2bua"
)

var (
	ErrUnknownEndpoint = errors.New("unknown media endpoint")
	ErrUnsupported     = errors.New("unsupported media request")
	ErrClosed          = errors.New("media engine closed")
)

const sessionPrefix = "rtp:"

// Config holds the engine's socket and file settings.
type Config struct {
	BindAddr      string // local address RTP sockets listen on
	AdvertiseAddr string // address written into SDP
	PortMin       int
	PortMax       int
	AudioBasePath string // relative clip paths are resolved against this
}

// Engine implements b2bua.MediaEngine over plain RTP/UDP.
type Engine struct {
	cfg  Config
	pool *portpool.PortPool

	mu       sync.RWMutex
	sessions map[b2bua.SessionHandle]*session
	sources  map[b2bua.EndpointHandle]*source
	links    map[b2bua.EndpointHandle]map[b2bua.EndpointHandle]struct{}
	closed   bool

	clipMu sync.Mutex
	clips  map[string][]byte

	nextID atomic.Uint64
	wg     sync.WaitGroup
}

// Stats is a point-in-time view of engine usage.
type Stats struct {
	Sessions       int `json:"sessions"`
	Sources        int `json:"sources"`
	Links          int `json:"links"`
	PortsAvailable int `json:"ports_available"`
}

// New creates an engine. Generators only advance while Run is active.
func New(cfg Config) (*Engine, error) {
	pool, err := portpool.NewPortPool(cfg.PortMin, cfg.PortMax)
	if err != nil {
		return nil, fmt.Errorf("rtp port pool: %w", err)
	}
	if cfg.BindAddr == "" {
		cfg.BindAddr = "0.0.0.0"
	}
	if cfg.AdvertiseAddr == "" {
		cfg.AdvertiseAddr = "127.0.0.1"
	}
	return &Engine{
		cfg:      cfg,
		pool:     pool,
		sessions: make(map[b2bua.SessionHandle]*session),
		sources:  make(map[b2bua.EndpointHandle]*source),
		links:    make(map[b2bua.EndpointHandle]map[b2bua.EndpointHandle]struct{}),
		clips:    make(map[string][]byte),
	}, nil
}

// Run drives tone and clip generators on the codec frame clock until ctx is
// done, then releases every socket.
func (e *Engine) Run(ctx context.Context) error {
	ticker := time.NewTicker(media.CodecPCMU.SampleDur)
	defer ticker.Stop()

	slog.Info("[Media] Engine started", "ports", fmt.Sprintf("%d-%d", e.cfg.PortMin, e.cfg.PortMax), "advertise", e.cfg.AdvertiseAddr)
	for {
		select {
		case <-ctx.Done():
			e.Close()
			slog.Info("[Media] Engine stopped")
			return nil
		case <-ticker.C:
			e.tick()
		}
	}
}

// Close tears down all sessions and generators and waits for socket readers.
func (e *Engine) Close() {
	e.mu.Lock()
	if e.closed {
		e.mu.Unlock()
		return
	}
	e.closed = true
	sessions := e.sessions
	e.sessions = make(map[b2bua.SessionHandle]*session)
	e.sources = make(map[b2bua.EndpointHandle]*source)
	e.links = make(map[b2bua.EndpointHandle]map[b2bua.EndpointHandle]struct{})
	e.mu.Unlock()

	for _, s := range sessions {
		s.close()
		e.pool.Release(s.port)
	}
	e.wg.Wait()
}

// Stats reports current usage.
func (e *Engine) Stats() Stats {
	e.mu.RLock()
	defer e.mu.RUnlock()
	links := 0
	for _, dsts := range e.links {
		links += len(dsts)
	}
	return Stats{
		Sessions:       len(e.sessions),
		Sources:        len(e.sources),
		Links:          links,
		PortsAvailable: e.pool.Available(),
	}
}

// AudioEndpoint returns the endpoint carrying a session's audio stream.
// Only a single audio stream per session is supported.
func (e *Engine) AudioEndpoint(h b2bua.SessionHandle, mediaIndex int) (b2bua.EndpointHandle, error) {
	if mediaIndex != 0 {
		return "", fmt.Errorf("%w: media index %d", ErrUnsupported, mediaIndex)
	}
	e.mu.RLock()
	_, ok := e.sessions[h]
	e.mu.RUnlock()
	if !ok {
		return "", fmt.Errorf("%w: session %s", ErrUnknownEndpoint, h)
	}
	return sessionEndpoint(h), nil
}

// StartTransmit links src to dst. dst must be a session endpoint.
func (e *Engine) StartTransmit(src, dst b2bua.EndpointHandle) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	if e.closed {
		return ErrClosed
	}
	if !e.existsLocked(src) {
		return fmt.Errorf("%w: %s", ErrUnknownEndpoint, src)
	}
	dstSession, ok := sessionOf(dst)
	if !ok {
		return fmt.Errorf("%w: %s is not a session endpoint", ErrUnsupported, dst)
	}
	if _, ok := e.sessions[dstSession]; !ok {
		return fmt.Errorf("%w: %s", ErrUnknownEndpoint, dst)
	}

	dsts := e.links[src]
	if dsts == nil {
		dsts = make(map[b2bua.EndpointHandle]struct{})
		e.links[src] = dsts
	}
	dsts[dst] = struct{}{}
	slog.Debug("[Media] Transmit started", "src", src, "dst", dst)
	return nil
}

// StopTransmit removes a link. Removing an absent link is not an error.
func (e *Engine) StopTransmit(src, dst b2bua.EndpointHandle) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.unlinkLocked(src, dst)
	slog.Debug("[Media] Transmit stopped", "src", src, "dst", dst)
	return nil
}

// CreateToneSource creates an idle tone generator.
func (e *Engine) CreateToneSource(sampleRate int) (b2bua.EndpointHandle, error) {
	if sampleRate != media.TargetSampleRate {
		return "", fmt.Errorf("%w: tone sample rate %d", ErrUnsupported, sampleRate)
	}
	return e.addSource(sourceTone, nil)
}

// PlayTone starts (or restarts) the cadence on a tone source.
func (e *Engine) PlayTone(tone b2bua.EndpointHandle, c b2bua.Cadence, loop bool) error {
	src, err := e.source(tone, sourceTone)
	if err != nil {
		return err
	}
	src.play(media.NewToneGenerator(media.Cadence(c), media.TargetSampleRate, loop))
	return nil
}

// StopTone silences a tone source without releasing it.
func (e *Engine) StopTone(tone b2bua.EndpointHandle) error {
	src, err := e.source(tone, sourceTone)
	if err != nil {
		return err
	}
	src.play(nil)
	return nil
}

// CreateFilePlayer loads a WAV clip and starts looping it immediately.
func (e *Engine) CreateFilePlayer(path string) (b2bua.EndpointHandle, error) {
	clip, err := e.loadClip(path)
	if err != nil {
		return "", err
	}
	return e.addSource(sourcePlayer, media.NewClipReader(clip, true))
}

// ReleaseEndpoint frees a tone source or file player and drops its links.
func (e *Engine) ReleaseEndpoint(h b2bua.EndpointHandle) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	if _, ok := e.sources[h]; !ok {
		return fmt.Errorf("%w: %s", ErrUnknownEndpoint, h)
	}
	delete(e.sources, h)
	e.dropLinksLocked(h)
	return nil
}

func (e *Engine) loadClip(path string) ([]byte, error) {
	if !filepath.IsAbs(path) && e.cfg.AudioBasePath != "" {
		path = filepath.Join(e.cfg.AudioBasePath, path)
	}

	e.clipMu.Lock()
	defer e.clipMu.Unlock()
	if clip, ok := e.clips[path]; ok {
		return clip, nil
	}
	clip, err := media.LoadClip(path)
	if err != nil {
		return nil, fmt.Errorf("load clip: %w", err)
	}
	e.clips[path] = clip
	return clip, nil
}

func (e *Engine) existsLocked(h b2bua.EndpointHandle) bool {
	if id, ok := sessionOf(h); ok {
		_, ok = e.sessions[id]
		return ok
	}
	_, ok := e.sources[h]
	return ok
}

func (e *Engine) unlinkLocked(src, dst b2bua.EndpointHandle) {
	if dsts, ok := e.links[src]; ok {
		delete(dsts, dst)
		if len(dsts) == 0 {
			delete(e.links, src)
		}
	}
}

// dropLinksLocked removes every link from or to h.
func (e *Engine) dropLinksLocked(h b2bua.EndpointHandle) {
	delete(e.links, h)
	for src := range e.links {
		e.unlinkLocked(src, h)
	}
}

// forward writes a frame to every session linked from src.
func (e *Engine) forward(src b2bua.EndpointHandle, payload []byte, marker bool) {
	e.eachSink(src, func(s *session) error { return s.sender.WriteFrame(payload, marker) })
}

// forwardEvent relays a telephone-event packet to every session linked from src.
func (e *Engine) forwardEvent(src b2bua.EndpointHandle, payload []byte, marker bool, ts uint32) {
	e.eachSink(src, func(s *session) error { return s.sender.WriteEvent(payload, marker, ts) })
}

func (e *Engine) eachSink(src b2bua.EndpointHandle, write func(*session) error) {
	e.mu.RLock()
	defer e.mu.RUnlock()
	for dst := range e.links[src] {
		id, _ := sessionOf(dst)
		s, ok := e.sessions[id]
		if !ok {
			continue
		}
		if err := write(s); err != nil {
			slog.Debug("[Media] Write failed", "src", src, "dst", dst, "error", err)
		}
	}
}

func sessionEndpoint(h b2bua.SessionHandle) b2bua.EndpointHandle {
	return b2bua.EndpointHandle(sessionPrefix + string(h))
}

func sessionOf(h b2bua.EndpointHandle) (b2bua.SessionHandle, bool) {
	id, ok := strings.CutPrefix(string(h), sessionPrefix)
	return b2bua.SessionHandle(id), ok
}

var _ b2bua.MediaEngine = (*Engine)(nil)

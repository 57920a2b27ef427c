package engine

import (
	"errors"
	"fmt"
	"log/slog"
	"net"
	"strconv"
	"sync"

	"github.com/pion/rtp"

	"github.com/sebas/backtoback/internal/rtpmanager/media"
	"github.com/sebas/backtoback/internal/signaling/b2bua"
)

// bindAttempts bounds how many pool ports are tried when a port is taken by
// another process.
const bindAttempts = 8

type session struct {
	handle b2bua.SessionHandle
	conn   *net.UDPConn
	port   int
	sender *media.RTPSender

	mu      sync.Mutex
	tracker *media.SequenceTracker

	// Owned by the read loop.
	dtmf *media.DTMFDetector
}

// SessionStats summarizes one session's inbound stream.
type SessionStats struct {
	LocalPort int     `json:"local_port"`
	Remote    string  `json:"remote,omitempty"`
	Received  uint64  `json:"received"`
	Lost      uint64  `json:"lost"`
	Sent      uint64  `json:"sent"`
	LossRate  float64 `json:"loss_rate"`
}

// OpenSession binds an RTP socket for a signaling session and returns the
// address and port to advertise in SDP.
func (e *Engine) OpenSession(h b2bua.SessionHandle) (string, int, error) {
	e.mu.RLock()
	closed := e.closed
	s, exists := e.sessions[h]
	e.mu.RUnlock()
	if closed {
		return "", 0, ErrClosed
	}
	if exists {
		return e.cfg.AdvertiseAddr, s.port, nil
	}

	conn, port, err := e.bind()
	if err != nil {
		return "", 0, err
	}
	s = &session{
		handle:  h,
		conn:    conn,
		port:    port,
		sender:  media.NewRTPSender(conn, media.CodecPCMU),
		tracker: media.NewSequenceTracker(),
		dtmf:    media.NewDTMFDetector(),
	}

	e.mu.Lock()
	if e.closed {
		e.mu.Unlock()
		_ = conn.Close()
		e.pool.Release(port)
		return "", 0, ErrClosed
	}
	if _, dup := e.sessions[h]; dup {
		e.mu.Unlock()
		_ = conn.Close()
		e.pool.Release(port)
		return "", 0, fmt.Errorf("session %s already open", h)
	}
	e.sessions[h] = s
	e.wg.Add(1)
	e.mu.Unlock()

	go e.readLoop(s)

	slog.Debug("[Media] Session opened", "session", h, "local_port", port)
	return e.cfg.AdvertiseAddr, port, nil
}

func (e *Engine) bind() (*net.UDPConn, int, error) {
	var lastErr error
	for i := 0; i < bindAttempts; i++ {
		port, err := e.pool.Allocate()
		if err != nil {
			return nil, 0, err
		}
		addr, err := net.ResolveUDPAddr("udp", net.JoinHostPort(e.cfg.BindAddr, strconv.Itoa(port)))
		if err != nil {
			e.pool.Release(port)
			return nil, 0, fmt.Errorf("resolve bind address: %w", err)
		}
		conn, err := net.ListenUDP("udp", addr)
		if err == nil {
			return conn, port, nil
		}
		e.pool.Release(port)
		lastErr = err
		slog.Debug("[Media] Port busy", "port", port, "error", err)
	}
	return nil, 0, fmt.Errorf("bind rtp socket: %w", lastErr)
}

// SetRemote sets where a session's outbound audio is sent.
func (e *Engine) SetRemote(h b2bua.SessionHandle, ip string, port int) error {
	e.mu.RLock()
	s, ok := e.sessions[h]
	e.mu.RUnlock()
	if !ok {
		return fmt.Errorf("%w: session %s", ErrUnknownEndpoint, h)
	}
	addr, err := net.ResolveUDPAddr("udp", net.JoinHostPort(ip, strconv.Itoa(port)))
	if err != nil {
		return fmt.Errorf("resolve remote: %w", err)
	}
	s.sender.SetRemote(addr)
	slog.Debug("[Media] Remote set", "session", h, "remote", addr.String())
	return nil
}

// CloseSession releases a session's socket and links. Unknown handles are
// ignored.
func (e *Engine) CloseSession(h b2bua.SessionHandle) {
	e.mu.Lock()
	s, ok := e.sessions[h]
	if ok {
		delete(e.sessions, h)
		e.dropLinksLocked(sessionEndpoint(h))
	}
	e.mu.Unlock()
	if !ok {
		return
	}

	s.close()
	e.pool.Release(s.port)
	st := s.stats()
	slog.Debug("[Media] Session closed", "session", h, "received", st.Received, "lost", st.Lost, "sent", st.Sent)
}

// SessionStats returns counters for an open session.
func (e *Engine) SessionStats(h b2bua.SessionHandle) (SessionStats, bool) {
	e.mu.RLock()
	s, ok := e.sessions[h]
	e.mu.RUnlock()
	if !ok {
		return SessionStats{}, false
	}
	return s.stats(), true
}

func (e *Engine) readLoop(s *session) {
	defer e.wg.Done()

	src := sessionEndpoint(s.handle)
	buf := make([]byte, 1500)
	var pkt rtp.Packet
	for {
		n, from, err := s.conn.ReadFromUDP(buf)
		if err != nil {
			if errors.Is(err, net.ErrClosed) {
				return
			}
			slog.Debug("[Media] Read error", "session", s.handle, "error", err)
			continue
		}
		if err := pkt.Unmarshal(buf[:n]); err != nil {
			continue
		}

		s.mu.Lock()
		seen, _ := s.tracker.Stats()
		s.tracker.Update(pkt.SequenceNumber)
		s.mu.Unlock()

		// Symmetric RTP: without an SDP address, answer to the source.
		if s.sender.Remote() == nil {
			s.sender.SetRemote(from)
			slog.Debug("[Media] Remote latched", "session", s.handle, "remote", from.String())
		}
		if seen == 0 {
			slog.Info("[Media] First packet", "session", s.handle, "from", from.String(), "size", n)
		}

		if pkt.PayloadType == media.DTMFPayloadType {
			if digit, ok := s.dtmf.Process(&pkt); ok {
				slog.Info("[Media] DTMF received", "session", s.handle, "digit", string(digit))
			}
			e.forwardEvent(src, pkt.Payload, pkt.Marker, pkt.Timestamp)
			continue
		}
		if pkt.PayloadType != media.CodecPCMU.PayloadType {
			continue
		}
		e.forward(src, pkt.Payload, pkt.Marker)
	}
}

func (s *session) stats() SessionStats {
	s.mu.Lock()
	received, lost := s.tracker.Stats()
	rate := s.tracker.LossRate()
	s.mu.Unlock()

	st := SessionStats{
		LocalPort: s.port,
		Received:  received,
		Lost:      lost,
		Sent:      s.sender.Sent(),
		LossRate:  rate,
	}
	if r := s.sender.Remote(); r != nil {
		st.Remote = r.String()
	}
	return st
}

func (s *session) close() {
	_ = s.sender.Close()
	_ = s.conn.Close()
}

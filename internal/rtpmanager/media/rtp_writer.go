package media

import (
	"crypto/rand"
	"encoding/binary"
	"net"
	"sync"

	"github.com/pion/rtp"
)

// RTPSender stamps payloads with a stable SSRC and a continuous
// sequence/timestamp and sends them to the current remote address.
// Pacing is left to the caller: relayed audio follows the inbound clock and
// generated audio follows the engine ticker.
type RTPSender struct {
	conn net.PacketConn

	mu        sync.Mutex
	remote    net.Addr
	ssrc      uint32
	codec     Codec
	seq       uint16
	timestamp uint32
	sent      uint64
	closed    bool

	// Telephone events keep one timestamp for all packets of an event.
	eventSrcTS uint32
	eventTS    uint32
	inEvent    bool
}

// NewRTPSender creates a sender writing through conn. Until SetRemote is
// called, frames are dropped.
func NewRTPSender(conn net.PacketConn, codec Codec) *RTPSender {
	ssrc, seq, ts := randomStart()
	return &RTPSender{
		conn:      conn,
		ssrc:      ssrc,
		codec:     codec,
		seq:       seq,
		timestamp: ts,
	}
}

// randomStart picks the SSRC and the initial sequence number and timestamp
// of a new stream (RFC 3550 section 5.1).
func randomStart() (ssrc uint32, seq uint16, ts uint32) {
	var b [10]byte
	if _, err := rand.Read(b[:]); err != nil {
		return 0x62326275, 0, 0
	}
	return binary.BigEndian.Uint32(b[0:4]), binary.BigEndian.Uint16(b[4:6]), binary.BigEndian.Uint32(b[6:10])
}

// SetRemote points the sender at a new destination.
func (w *RTPSender) SetRemote(addr net.Addr) {
	w.mu.Lock()
	w.remote = addr
	w.mu.Unlock()
}

// Remote returns the current destination, or nil.
func (w *RTPSender) Remote() net.Addr {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.remote
}

// WriteFrame sends one frame. marker flags the start of a talkspurt.
func (w *RTPSender) WriteFrame(payload []byte, marker bool) error {
	w.mu.Lock()
	defer w.mu.Unlock()

	if w.closed {
		return net.ErrClosed
	}
	if w.remote == nil {
		return nil
	}

	pkt := &rtp.Packet{
		Header: rtp.Header{
			Version:        2,
			Marker:         marker,
			PayloadType:    w.codec.PayloadType,
			SequenceNumber: w.seq,
			Timestamp:      w.timestamp,
			SSRC:           w.ssrc,
		},
		Payload: payload,
	}
	data, err := pkt.Marshal()
	if err != nil {
		return err
	}
	if _, err := w.conn.WriteTo(data, w.remote); err != nil {
		return err
	}

	w.seq++
	w.timestamp += uint32(len(payload)) // one G.711 byte per sample
	w.sent++
	w.inEvent = false
	return nil
}

// WriteEvent relays a telephone-event packet. srcTS is the timestamp the
// event arrived with; every packet sharing it is sent with one outgoing
// timestamp, and the audio clock skips past the event once it ends.
func (w *RTPSender) WriteEvent(payload []byte, marker bool, srcTS uint32) error {
	w.mu.Lock()
	defer w.mu.Unlock()

	if w.closed {
		return net.ErrClosed
	}
	if w.remote == nil {
		return nil
	}
	if !w.inEvent || srcTS != w.eventSrcTS {
		w.inEvent = true
		w.eventSrcTS = srcTS
		w.eventTS = w.timestamp
		marker = true
	}

	pkt := &rtp.Packet{
		Header: rtp.Header{
			Version:        2,
			Marker:         marker,
			PayloadType:    DTMFPayloadType,
			SequenceNumber: w.seq,
			Timestamp:      w.eventTS,
			SSRC:           w.ssrc,
		},
		Payload: payload,
	}
	data, err := pkt.Marshal()
	if err != nil {
		return err
	}
	if _, err := w.conn.WriteTo(data, w.remote); err != nil {
		return err
	}
	w.seq++
	w.sent++

	if evt, err := DecodeDTMFEvent(payload); err == nil && evt.EndOfEvent {
		if end := w.eventTS + uint32(evt.Duration); int32(end-w.timestamp) > 0 {
			w.timestamp = end
		}
	}
	return nil
}

// SSRC returns the synchronization source used for outgoing packets.
func (w *RTPSender) SSRC() uint32 {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.ssrc
}

// Sent returns the number of packets written.
func (w *RTPSender) Sent() uint64 {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.sent
}

// Close marks the sender closed. The connection is owned by the caller.
func (w *RTPSender) Close() error {
	w.mu.Lock()
	w.closed = true
	w.mu.Unlock()
	return nil
}

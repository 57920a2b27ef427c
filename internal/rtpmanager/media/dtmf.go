package media

import (
	"encoding/binary"
	"fmt"
	"strings"

	"github.com/pion/rtp"
)

// DTMFEvent is an RFC 4733 telephone-event payload:
//
//	 0                   1                   2                   3
//	 0 1 2 3 4 5 6 7 8 9 0 1 2 3 4 5 6 7 8 9 0 1 2 3 4 5 6 7 8 9 0 1
//	+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+
//	|     event     |E|R| volume    |          duration             |
//	+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+
type DTMFEvent struct {
	Event      uint8
	EndOfEvent bool
	Volume     uint8  // -dBm0, 6 bits
	Duration   uint16 // timestamp units
}

const (
	// DTMFPayloadType is the dynamic payload type offered for telephone-event.
	DTMFPayloadType uint8 = 101

	// MinDTMFDuration filters events shorter than 50ms at 8kHz.
	MinDTMFDuration uint16 = 400
)

const dtmfDigits = "0123456789*#ABCD"

// RuneToEvent maps a keypad character to its event code.
func RuneToEvent(r rune) (uint8, bool) {
	i := strings.IndexRune(dtmfDigits, r)
	if i < 0 && r >= 'a' && r <= 'd' {
		i = strings.IndexRune(dtmfDigits, r-'a'+'A')
	}
	if i < 0 {
		return 0, false
	}
	return uint8(i), true
}

// EventToRune maps an event code to its keypad character.
func EventToRune(event uint8) (rune, bool) {
	if int(event) >= len(dtmfDigits) {
		return 0, false
	}
	return rune(dtmfDigits[event]), true
}

// Encode returns the 4-byte wire form.
func (e DTMFEvent) Encode() []byte {
	b := make([]byte, 4)
	b[0] = e.Event
	b[1] = e.Volume & 0x3F
	if e.EndOfEvent {
		b[1] |= 0x80
	}
	binary.BigEndian.PutUint16(b[2:], e.Duration)
	return b
}

// DecodeDTMFEvent parses a telephone-event payload.
func DecodeDTMFEvent(payload []byte) (DTMFEvent, error) {
	if len(payload) < 4 {
		return DTMFEvent{}, fmt.Errorf("telephone-event payload too short: %d bytes", len(payload))
	}
	return DTMFEvent{
		Event:      payload[0],
		EndOfEvent: payload[1]&0x80 != 0,
		Volume:     payload[1] & 0x3F,
		Duration:   binary.BigEndian.Uint16(payload[2:]),
	}, nil
}

func (e DTMFEvent) String() string {
	r, ok := EventToRune(e.Event)
	if !ok {
		r = '?'
	}
	end := ""
	if e.EndOfEvent {
		end = " end"
	}
	return fmt.Sprintf("dtmf %c vol=%d dur=%d%s", r, e.Volume, e.Duration, end)
}

// DTMFDetector turns a stream of telephone-event packets into digits. Senders
// repeat the final packet of an event, so a digit is reported once per event
// timestamp.
type DTMFDetector struct {
	pending     bool
	event       uint8
	timestamp   uint32
	reported    bool
	minDuration uint16
}

// NewDTMFDetector creates a detector ignoring events shorter than
// MinDTMFDuration.
func NewDTMFDetector() *DTMFDetector {
	return &DTMFDetector{minDuration: MinDTMFDuration}
}

// Process consumes one packet and returns a digit when an event ends.
// Packets with another payload type are ignored.
func (d *DTMFDetector) Process(pkt *rtp.Packet) (rune, bool) {
	if pkt.PayloadType != DTMFPayloadType {
		return 0, false
	}
	evt, err := DecodeDTMFEvent(pkt.Payload)
	if err != nil {
		return 0, false
	}

	if !d.pending || evt.Event != d.event || pkt.Timestamp != d.timestamp {
		d.pending = true
		d.reported = false
		d.event = evt.Event
		d.timestamp = pkt.Timestamp
	}
	if !evt.EndOfEvent || d.reported {
		return 0, false
	}

	d.reported = true
	if evt.Duration < d.minDuration {
		return 0, false
	}
	return EventToRune(evt.Event)
}

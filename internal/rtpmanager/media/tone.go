package media

import (
	"encoding/binary"
	"math"
	"time"
)

// toneAmplitude keeps the summed tones well under full scale (about -10 dBFS).
const toneAmplitude = 0.3 * math.MaxInt16 / 2

// Cadence describes a dual-frequency tone switched on and off.
// Off == 0 means continuous.
type Cadence struct {
	Freq1 float64
	Freq2 float64
	On    time.Duration
	Off   time.Duration
}

// ToneGenerator synthesizes a cadenced dual tone as µ-law frames.
type ToneGenerator struct {
	cadence    Cadence
	sampleRate int
	loop       bool

	onSamples    int
	cycleSamples int
	pos          int // sample index within the current cycle
	n            int // phase counter, keeps the sine continuous across bursts
	done         bool
}

// NewToneGenerator creates a generator. With loop false it produces a single
// on/off cycle and then reports exhaustion.
func NewToneGenerator(c Cadence, sampleRate int, loop bool) *ToneGenerator {
	if sampleRate <= 0 {
		sampleRate = TargetSampleRate
	}
	on := int(c.On.Seconds() * float64(sampleRate))
	off := int(c.Off.Seconds() * float64(sampleRate))
	if on <= 0 && off <= 0 {
		on = sampleRate
	}
	return &ToneGenerator{
		cadence:      c,
		sampleRate:   sampleRate,
		loop:         loop,
		onSamples:    on,
		cycleSamples: on + off,
	}
}

// ReadFrame implements FrameSource.
func (g *ToneGenerator) ReadFrame(frame []byte) bool {
	if g.done {
		return false
	}

	pcm := make([]byte, 0, len(frame)*2)
	for range frame {
		var v float64
		if !g.done && g.pos < g.onSamples {
			t := float64(g.n) / float64(g.sampleRate)
			v = toneAmplitude * (math.Sin(2*math.Pi*g.cadence.Freq1*t) + math.Sin(2*math.Pi*g.cadence.Freq2*t))
			g.n++
		}
		pcm = binary.LittleEndian.AppendUint16(pcm, uint16(int16(v)))

		g.pos++
		if g.pos >= g.cycleSamples {
			g.pos = 0
			if !g.loop {
				g.done = true
			}
		}
	}
	copy(frame, PCMToPCMU(pcm))
	return true
}

// ClipReader plays back a µ-law clip frame by frame.
type ClipReader struct {
	data []byte
	pos  int
	loop bool
}

// NewClipReader wraps data. An empty clip is exhausted immediately.
func NewClipReader(data []byte, loop bool) *ClipReader {
	return &ClipReader{data: data, loop: loop}
}

// ReadFrame implements FrameSource. The final partial frame is padded with
// µ-law silence.
func (c *ClipReader) ReadFrame(frame []byte) bool {
	if len(c.data) == 0 {
		return false
	}
	if c.pos >= len(c.data) {
		if !c.loop {
			return false
		}
		c.pos = 0
	}
	n := copy(frame, c.data[c.pos:])
	c.pos += n
	for i := n; i < len(frame); i++ {
		frame[i] = ulawSilence
	}
	return true
}

// ulawSilence is the µ-law encoding of a zero sample.
const ulawSilence = 0xFF

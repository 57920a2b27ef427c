package engine

import (
	"bytes"
	"context"
	"encoding/binary"
	"net"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/pion/rtp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sebas/backtoback/internal/rtpmanager/media"
	"github.com/sebas/backtoback/internal/signaling/b2bua"
)

func newTestEngine(t *testing.T, portMin int) *Engine {
	t.Helper()
	e, err := New(Config{
		BindAddr:      "127.0.0.1",
		AdvertiseAddr: "127.0.0.1",
		PortMin:       portMin,
		PortMax:       portMin + 99,
		AudioBasePath: t.TempDir(),
	})
	require.NoError(t, err)
	t.Cleanup(e.Close)
	return e
}

// phone is the remote party of a session.
type phone struct {
	conn *net.UDPConn
}

func newPhone(t *testing.T) *phone {
	t.Helper()
	conn, err := net.ListenUDP("udp", &net.UDPAddr{IP: net.IPv4(127, 0, 0, 1)})
	require.NoError(t, err)
	t.Cleanup(func() { _ = conn.Close() })
	return &phone{conn: conn}
}

func (p *phone) port() int {
	return p.conn.LocalAddr().(*net.UDPAddr).Port
}

func (p *phone) send(t *testing.T, port int, seq uint16, payload []byte) {
	t.Helper()
	pkt := rtp.Packet{
		Header:  rtp.Header{Version: 2, PayloadType: 0, SequenceNumber: seq, Timestamp: uint32(seq) * 160, SSRC: 0xCAFE},
		Payload: payload,
	}
	data, err := pkt.Marshal()
	require.NoError(t, err)
	_, err = p.conn.WriteToUDP(data, &net.UDPAddr{IP: net.IPv4(127, 0, 0, 1), Port: port})
	require.NoError(t, err)
}

func (p *phone) recv(t *testing.T) *rtp.Packet {
	t.Helper()
	buf := make([]byte, 1500)
	require.NoError(t, p.conn.SetReadDeadline(time.Now().Add(2*time.Second)))
	n, _, err := p.conn.ReadFromUDP(buf)
	require.NoError(t, err)
	pkt := &rtp.Packet{}
	require.NoError(t, pkt.Unmarshal(buf[:n]))
	return pkt
}

func (p *phone) expectSilence(t *testing.T, d time.Duration) {
	t.Helper()
	buf := make([]byte, 1500)
	require.NoError(t, p.conn.SetReadDeadline(time.Now().Add(d)))
	_, _, err := p.conn.ReadFromUDP(buf)
	assert.Error(t, err, "unexpected packet")
}

func openWithPhone(t *testing.T, e *Engine, h b2bua.SessionHandle) (*phone, int) {
	t.Helper()
	ip, port, err := e.OpenSession(h)
	require.NoError(t, err)
	assert.Equal(t, "127.0.0.1", ip)
	ph := newPhone(t)
	require.NoError(t, e.SetRemote(h, "127.0.0.1", ph.port()))
	return ph, port
}

func TestEngineRelaysLinkedSessions(t *testing.T) {
	e := newTestEngine(t, 32000)
	alice, alicePort := openWithPhone(t, e, "a")
	bob, bobPort := openWithPhone(t, e, "b")

	epA, err := e.AudioEndpoint("a", 0)
	require.NoError(t, err)
	epB, err := e.AudioEndpoint("b", 0)
	require.NoError(t, err)

	// Unlinked audio goes nowhere.
	alice.send(t, alicePort, 1, []byte("hello"))
	bob.expectSilence(t, 100*time.Millisecond)

	require.NoError(t, e.StartTransmit(epA, epB))
	alice.send(t, alicePort, 2, []byte("hello"))
	got := bob.recv(t)
	assert.Equal(t, []byte("hello"), got.Payload)
	assert.NotEqual(t, uint32(0xCAFE), got.SSRC, "relay must use its own SSRC")

	// One direction only.
	bob.send(t, bobPort, 1, []byte("back"))
	alice.expectSilence(t, 100*time.Millisecond)

	require.NoError(t, e.StartTransmit(epB, epA))
	bob.send(t, bobPort, 2, []byte("back"))
	assert.Equal(t, []byte("back"), alice.recv(t).Payload)

	require.NoError(t, e.StopTransmit(epA, epB))
	alice.send(t, alicePort, 3, []byte("gone"))
	bob.expectSilence(t, 100*time.Millisecond)

	st, ok := e.SessionStats("a")
	require.True(t, ok)
	assert.Equal(t, uint64(3), st.Received)
	assert.Equal(t, 1, e.Stats().Links)
}

func TestEngineRelaysTelephoneEvents(t *testing.T) {
	e := newTestEngine(t, 32700)
	alice, alicePort := openWithPhone(t, e, "a")
	bob, _ := openWithPhone(t, e, "b")

	epA, err := e.AudioEndpoint("a", 0)
	require.NoError(t, err)
	epB, err := e.AudioEndpoint("b", 0)
	require.NoError(t, err)
	require.NoError(t, e.StartTransmit(epA, epB))

	evt := media.DTMFEvent{Event: 9, Volume: 10, Duration: 800, EndOfEvent: true}
	pkt := rtp.Packet{
		Header:  rtp.Header{Version: 2, PayloadType: media.DTMFPayloadType, SequenceNumber: 1, Timestamp: 4000, SSRC: 0xCAFE},
		Payload: evt.Encode(),
	}
	data, err := pkt.Marshal()
	require.NoError(t, err)
	_, err = alice.conn.WriteToUDP(data, &net.UDPAddr{IP: net.IPv4(127, 0, 0, 1), Port: alicePort})
	require.NoError(t, err)

	got := bob.recv(t)
	assert.Equal(t, media.DTMFPayloadType, got.PayloadType)
	assert.True(t, got.Marker)
	decoded, err := media.DecodeDTMFEvent(got.Payload)
	require.NoError(t, err)
	assert.Equal(t, evt, decoded)
}

func TestEngineLatchesRemoteWithoutSDPAddress(t *testing.T) {
	e := newTestEngine(t, 32100)
	_, portA, err := e.OpenSession("a")
	require.NoError(t, err)
	bob, _ := openWithPhone(t, e, "b")
	alice := newPhone(t)

	require.NoError(t, e.StartTransmit(sessionEndpoint("b"), sessionEndpoint("a")))
	alice.send(t, portA, 1, []byte("hi"))

	require.Eventually(t, func() bool {
		st, _ := e.SessionStats("a")
		return st.Remote != ""
	}, time.Second, 10*time.Millisecond)

	bob.send(t, sessionPort(t, e, "b"), 1, []byte("reply"))
	assert.Equal(t, []byte("reply"), alice.recv(t).Payload)
}

func sessionPort(t *testing.T, e *Engine, h b2bua.SessionHandle) int {
	t.Helper()
	st, ok := e.SessionStats(h)
	require.True(t, ok)
	return st.LocalPort
}

func TestEngineTonePlaysUntilStopped(t *testing.T) {
	e := newTestEngine(t, 32200)
	alice, _ := openWithPhone(t, e, "a")

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() { _ = e.Run(ctx) }()

	tone, err := e.CreateToneSource(8000)
	require.NoError(t, err)
	require.NoError(t, e.PlayTone(tone, b2bua.Cadence{Freq1: 440, Freq2: 480, On: time.Second, Off: time.Second}, true))
	require.NoError(t, e.StartTransmit(tone, sessionEndpoint("a")))

	first := alice.recv(t)
	assert.True(t, first.Marker)
	assert.Len(t, first.Payload, 160)
	second := alice.recv(t)
	assert.Equal(t, first.SequenceNumber+1, second.SequenceNumber)

	require.NoError(t, e.StopTone(tone))
	// Drain anything already in flight.
	time.Sleep(60 * time.Millisecond)
	_ = alice.conn.SetReadDeadline(time.Now().Add(10 * time.Millisecond))
	for {
		if _, _, err := alice.conn.ReadFromUDP(make([]byte, 1500)); err != nil {
			break
		}
	}
	alice.expectSilence(t, 100*time.Millisecond)

	require.NoError(t, e.ReleaseEndpoint(tone))
	assert.Equal(t, 0, e.Stats().Links)
	assert.ErrorIs(t, e.PlayTone(tone, b2bua.Cadence{}, true), ErrUnknownEndpoint)
}

func writeWAV(t *testing.T, path string, samples int) {
	t.Helper()
	var data bytes.Buffer
	for i := 0; i < samples; i++ {
		_ = binary.Write(&data, binary.LittleEndian, int16(i%200*50))
	}
	var b bytes.Buffer
	b.WriteString("RIFF")
	_ = binary.Write(&b, binary.LittleEndian, uint32(36+data.Len()))
	b.WriteString("WAVEfmt ")
	for _, v := range []any{uint32(16), uint16(1), uint16(1), uint32(8000), uint32(16000), uint16(2), uint16(16)} {
		_ = binary.Write(&b, binary.LittleEndian, v)
	}
	b.WriteString("data")
	_ = binary.Write(&b, binary.LittleEndian, uint32(data.Len()))
	b.Write(data.Bytes())
	require.NoError(t, os.WriteFile(path, b.Bytes(), 0o644))
}

func TestEngineFilePlayer(t *testing.T) {
	e := newTestEngine(t, 32300)
	alice, _ := openWithPhone(t, e, "a")

	writeWAV(t, filepath.Join(e.cfg.AudioBasePath, "welcome.wav"), 400)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() { _ = e.Run(ctx) }()

	player, err := e.CreateFilePlayer("welcome.wav")
	require.NoError(t, err)
	require.NoError(t, e.StartTransmit(player, sessionEndpoint("a")))

	// The clip is 2.5 frames long and loops.
	for i := 0; i < 4; i++ {
		assert.Len(t, alice.recv(t).Payload, 160)
	}
	require.NoError(t, e.ReleaseEndpoint(player))

	_, err = e.CreateFilePlayer("missing.wav")
	assert.Error(t, err)
}

func TestEngineRejectsBadRequests(t *testing.T) {
	e := newTestEngine(t, 32400)
	_, _, err := e.OpenSession("a")
	require.NoError(t, err)

	_, err = e.AudioEndpoint("nope", 0)
	assert.ErrorIs(t, err, ErrUnknownEndpoint)
	_, err = e.AudioEndpoint("a", 1)
	assert.ErrorIs(t, err, ErrUnsupported)
	_, err = e.CreateToneSource(16000)
	assert.ErrorIs(t, err, ErrUnsupported)

	tone, err := e.CreateToneSource(8000)
	require.NoError(t, err)
	assert.ErrorIs(t, e.StartTransmit(sessionEndpoint("a"), tone), ErrUnsupported)
	assert.ErrorIs(t, e.StartTransmit("tone-999", sessionEndpoint("a")), ErrUnknownEndpoint)
	assert.ErrorIs(t, e.ReleaseEndpoint(sessionEndpoint("a")), ErrUnknownEndpoint)
	assert.NoError(t, e.StopTransmit(tone, sessionEndpoint("a")))
}

func TestEngineCloseSessionReleasesPort(t *testing.T) {
	e := newTestEngine(t, 32500)
	before := e.Stats().PortsAvailable

	_, port, err := e.OpenSession("a")
	require.NoError(t, err)
	assert.Equal(t, before-1, e.Stats().PortsAvailable)

	tone, err := e.CreateToneSource(8000)
	require.NoError(t, err)
	require.NoError(t, e.StartTransmit(tone, sessionEndpoint("a")))

	e.CloseSession("a")
	e.CloseSession("a")
	assert.Equal(t, before, e.Stats().PortsAvailable)
	assert.Equal(t, 0, e.Stats().Links)

	// The socket is really gone.
	conn, err := net.ListenUDP("udp", &net.UDPAddr{IP: net.IPv4(127, 0, 0, 1), Port: port})
	require.NoError(t, err, "port %d still bound", port)
	_ = conn.Close()
}

func TestEngineClosedRejectsWork(t *testing.T) {
	e := newTestEngine(t, 32600)
	e.Close()
	_, _, err := e.OpenSession("a")
	assert.ErrorIs(t, err, ErrClosed)
	_, err = e.CreateToneSource(8000)
	assert.ErrorIs(t, err, ErrClosed)
}

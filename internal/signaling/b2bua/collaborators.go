package b2bua

import (
	"context"
	"time"
)

// SessionHandle identifies a signaling session owned by the Signaling collaborator.
type SessionHandle string

// EndpointHandle identifies a media port owned by the MediaEngine
// (session audio endpoint, tone source or file player).
type EndpointHandle string

// Account holds the credentials used for outbound calls.
type Account struct {
	User     string
	Password string
	Host     string
}

// Route is the routing decision delivered with an inbound call.
// An empty Destination means no route is configured.
type Route struct {
	Account     Account
	Destination string
}

// Cadence describes a dual-tone on/off pattern.
type Cadence struct {
	Freq1 float64
	Freq2 float64
	On    time.Duration
	Off   time.Duration
}

// Signaling is the session-level surface the controller drives.
//
// Implementations must deliver state and media notifications asynchronously,
// never from inside one of these calls, and must not block on the network.
type Signaling interface {
	// CreateOutbound starts a new outbound session toward destination.
	CreateOutbound(ctx context.Context, account Account, destination string) (SessionHandle, error)

	// Accept answers an inbound session with a provisional or final 2xx code.
	Accept(h SessionHandle, code int) error

	// Terminate ends a session. Codes below 300 mean normal clearing.
	Terminate(h SessionHandle, code int) error

	// State returns the current signaling state of the session.
	State(h SessionHandle) LegState

	// MediaSummary returns the negotiated media streams of the session.
	MediaSummary(h SessionHandle) []MediaInfo
}

// MediaEngine is the media-port surface used for treatments and bridging.
type MediaEngine interface {
	AudioEndpoint(h SessionHandle, mediaIndex int) (EndpointHandle, error)
	StartTransmit(src, dst EndpointHandle) error
	StopTransmit(src, dst EndpointHandle) error

	CreateToneSource(sampleRate int) (EndpointHandle, error)
	PlayTone(tone EndpointHandle, cadence Cadence, loop bool) error
	StopTone(tone EndpointHandle) error

	// CreateFilePlayer opens an audio clip for playback.
	CreateFilePlayer(path string) (EndpointHandle, error)

	// ReleaseEndpoint frees a tone source or file player.
	ReleaseEndpoint(h EndpointHandle) error
}

// Recorder receives controller outcomes for metrics. All methods must be cheap.
type Recorder interface {
	PairCreated()
	PairRejected(reason string)
	PairClosed()
	DialAttempted()
	DialFailed()
	BridgeResult(ok bool)
	CascadeHangup()
	TreatmentFailed(kind TreatmentKind)
}

type nopRecorder struct{}

func (nopRecorder) PairCreated() {}
func (nopRecorder) PairRejected(string) {}
func (nopRecorder) PairClosed() {}
func (nopRecorder) DialAttempted() {}
func (nopRecorder) DialFailed() {}
func (nopRecorder) BridgeResult(bool) {}
func (nopRecorder) CascadeHangup() {}
func (nopRecorder) TreatmentFailed(TreatmentKind) {}

// Package b2bua pairs an inbound call leg with an outbound leg and keeps
// their signaling state, local audio treatments and media bridge in sync.
package b2bua

import "fmt"

// LegState represents the signaling state of a call leg.
type LegState int

const (
	// LegStateNull indicates no signaling has happened yet.
	LegStateNull LegState = iota
	// LegStateCalling indicates an outbound INVITE was sent.
	LegStateCalling
	// LegStateIncoming indicates an inbound INVITE was received.
	LegStateIncoming
	// LegStateEarly indicates a provisional response (180/183) was exchanged.
	LegStateEarly
	// LegStateConnecting indicates a 2xx was sent or received, waiting for ACK.
	LegStateConnecting
	// LegStateConfirmed indicates the dialog is established.
	LegStateConfirmed
	// LegStateDisconnected indicates the session has ended. Terminal.
	LegStateDisconnected
)

// String returns the string representation of LegState.
func (s LegState) String() string {
	switch s {
	case LegStateNull:
		return "Null"
	case LegStateCalling:
		return "Calling"
	case LegStateIncoming:
		return "Incoming"
	case LegStateEarly:
		return "Early"
	case LegStateConnecting:
		return "Connecting"
	case LegStateConfirmed:
		return "Confirmed"
	case LegStateDisconnected:
		return "Disconnected"
	default:
		return fmt.Sprintf("Unknown(%d)", s)
	}
}

// IsTerminal returns true if the leg can no longer change state.
func (s LegState) IsTerminal() bool {
	return s == LegStateDisconnected
}

// rank orders states along the lifecycle. Calling and Incoming share a rank
// because a leg is only ever one of them.
func (s LegState) rank() int {
	switch s {
	case LegStateNull:
		return 0
	case LegStateCalling, LegStateIncoming:
		return 1
	case LegStateEarly:
		return 2
	case LegStateConnecting:
		return 3
	case LegStateConfirmed:
		return 4
	case LegStateDisconnected:
		return 5
	default:
		return -1
	}
}

// isPreAnswer reports whether the leg is still waiting for a final answer.
func (s LegState) isPreAnswer() bool {
	return s == LegStateIncoming || s == LegStateEarly || s == LegStateCalling
}

// LegRole identifies which side of the pair a leg is.
type LegRole int

const (
	// RoleCaller is the inbound leg that triggered the pair.
	RoleCaller LegRole = iota
	// RoleCallee is the outbound leg dialed toward the destination.
	RoleCallee
)

// String returns the string representation of LegRole.
func (r LegRole) String() string {
	switch r {
	case RoleCaller:
		return "Caller"
	case RoleCallee:
		return "Callee"
	default:
		return fmt.Sprintf("Unknown(%d)", r)
	}
}

// AnnouncementState tracks announcement progress on a caller leg.
type AnnouncementState int

const (
	AnnouncementNotStarted AnnouncementState = iota
	AnnouncementStarted
	AnnouncementCompleted
)

// String returns the string representation of AnnouncementState.
func (a AnnouncementState) String() string {
	switch a {
	case AnnouncementNotStarted:
		return "NotStarted"
	case AnnouncementStarted:
		return "Started"
	case AnnouncementCompleted:
		return "Completed"
	default:
		return fmt.Sprintf("Unknown(%d)", a)
	}
}

// MediaActivity describes the direction state of one media stream.
type MediaActivity int

const (
	MediaNone MediaActivity = iota
	MediaActive
	MediaLocalHold
	MediaRemoteHold
	MediaError
)

// String returns the string representation of MediaActivity.
func (m MediaActivity) String() string {
	switch m {
	case MediaNone:
		return "None"
	case MediaActive:
		return "Active"
	case MediaLocalHold:
		return "LocalHold"
	case MediaRemoteHold:
		return "RemoteHold"
	case MediaError:
		return "Error"
	default:
		return fmt.Sprintf("Unknown(%d)", m)
	}
}

// MediaInfo is one entry of a session's media summary.
type MediaInfo struct {
	Type     string // "audio", "video"
	Activity MediaActivity
}

// audioUsable reports whether any audio stream in the summary can carry audio
// toward us, and returns its index.
func audioUsable(summary []MediaInfo) (int, bool) {
	for i, m := range summary {
		if m.Type != "audio" {
			continue
		}
		if m.Activity == MediaActive || m.Activity == MediaRemoteHold {
			return i, true
		}
	}
	return 0, false
}

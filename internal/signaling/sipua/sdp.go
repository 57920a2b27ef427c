package sipua

import (
	"errors"
	"fmt"
	"strconv"
	"sync/atomic"
	"time"

	"github.com/pion/sdp/v3"

	"github.com/sebas/backtoback/internal/rtpmanager/media"
	"github.com/sebas/backtoback/internal/signaling/b2bua"
)

// Media direction attributes (RFC 4566 section 6).
const (
	dirSendRecv = "sendrecv"
	dirSendOnly = "sendonly"
	dirRecvOnly = "recvonly"
	dirInactive = "inactive"
)

var ErrNoAudio = errors.New("no usable audio stream")

// sdpVersion is bumped for every description we build so re-offers are
// distinguishable.
var sdpVersion atomic.Uint64

// remoteMedia is what we learn from a peer's session description.
type remoteMedia struct {
	Addr      string
	Port      int
	Direction string // of the first audio stream
	Summary   []b2bua.MediaInfo
}

// parseSDP extracts the audio endpoint and a per-stream media summary.
// Streams without PCMU are reported as MediaError.
func parseSDP(body []byte) (*remoteMedia, error) {
	desc := &sdp.SessionDescription{}
	if err := desc.Unmarshal(body); err != nil {
		return nil, fmt.Errorf("parse SDP: %w", err)
	}
	if len(desc.MediaDescriptions) == 0 {
		return nil, fmt.Errorf("%w: no media in SDP", ErrNoAudio)
	}

	sessionDir := directionOf(desc.Attributes, dirSendRecv)
	rm := &remoteMedia{}
	audioFound := false
	for _, md := range desc.MediaDescriptions {
		dir := directionOf(md.Attributes, sessionDir)
		info := b2bua.MediaInfo{Type: md.MediaName.Media}

		switch {
		case md.MediaName.Port.Value == 0:
			info.Activity = b2bua.MediaNone
		case md.MediaName.Media == "audio" && !offersPCMU(md):
			info.Activity = b2bua.MediaError
		default:
			info.Activity = activityFor(dir)
		}
		rm.Summary = append(rm.Summary, info)

		if audioFound || md.MediaName.Media != "audio" || info.Activity == b2bua.MediaError {
			continue
		}
		audioFound = true
		rm.Port = md.MediaName.Port.Value
		rm.Direction = dir
		switch {
		case md.ConnectionInformation != nil && md.ConnectionInformation.Address != nil:
			rm.Addr = md.ConnectionInformation.Address.Address
		case desc.ConnectionInformation != nil && desc.ConnectionInformation.Address != nil:
			rm.Addr = desc.ConnectionInformation.Address.Address
		}
	}
	if !audioFound {
		return rm, ErrNoAudio
	}
	return rm, nil
}

func directionOf(attrs []sdp.Attribute, fallback string) string {
	for _, a := range attrs {
		switch a.Key {
		case dirSendRecv, dirSendOnly, dirRecvOnly, dirInactive:
			return a.Key
		}
	}
	return fallback
}

func offersPCMU(md *sdp.MediaDescription) bool {
	pt := strconv.Itoa(int(media.CodecPCMU.PayloadType))
	for _, f := range md.MediaName.Formats {
		if f == pt {
			return true
		}
	}
	return false
}

// activityFor maps the remote party's direction to our view of the stream:
// a peer that only sends has put us on hold.
func activityFor(remoteDir string) b2bua.MediaActivity {
	switch remoteDir {
	case dirSendOnly:
		return b2bua.MediaRemoteHold
	case dirRecvOnly:
		return b2bua.MediaLocalHold
	case dirInactive:
		return b2bua.MediaNone
	default:
		return b2bua.MediaActive
	}
}

// answerDirection mirrors the offered direction.
func answerDirection(offerDir string) string {
	switch offerDir {
	case dirSendOnly:
		return dirRecvOnly
	case dirRecvOnly:
		return dirSendOnly
	case dirInactive:
		return dirInactive
	default:
		return dirSendRecv
	}
}

// buildSDP describes our single PCMU audio stream.
func buildSDP(addr string, port int, direction string) ([]byte, error) {
	if direction == "" {
		direction = dirSendRecv
	}
	codecs := []media.Codec{media.CodecPCMU, media.CodecTelephoneEvent}
	formats := make([]string, 0, len(codecs))
	attrs := make([]sdp.Attribute, 0, len(codecs)+3)
	for _, c := range codecs {
		formats = append(formats, strconv.Itoa(int(c.PayloadType)))
		attrs = append(attrs, sdp.Attribute{Key: "rtpmap", Value: c.RTPMap()})
	}
	attrs = append(attrs,
		sdp.Attribute{Key: "fmtp", Value: strconv.Itoa(int(media.CodecTelephoneEvent.PayloadType)) + " 0-15"},
		sdp.Attribute{Key: "ptime", Value: strconv.Itoa(int(media.CodecPCMU.SampleDur / time.Millisecond))},
		sdp.Attribute{Key: direction},
	)

	desc := &sdp.SessionDescription{
		Origin: sdp.Origin{
			Username:       "backtoback",
			SessionID:      uint64(time.Now().Unix()),
			SessionVersion: sdpVersion.Add(1),
			NetworkType:    "IN",
			AddressType:    "IP4",
			UnicastAddress: addr,
		},
		SessionName: "backtoback",
		ConnectionInformation: &sdp.ConnectionInformation{
			NetworkType: "IN",
			AddressType: "IP4",
			Address:     &sdp.Address{Address: addr},
		},
		TimeDescriptions: []sdp.TimeDescription{{Timing: sdp.Timing{}}},
		MediaDescriptions: []*sdp.MediaDescription{{
			MediaName: sdp.MediaName{
				Media:   "audio",
				Port:    sdp.RangedPort{Value: port},
				Protos:  []string{"RTP", "AVP"},
				Formats: formats,
			},
			Attributes: attrs,
		}},
	}
	body, err := desc.Marshal()
	if err != nil {
		return nil, fmt.Errorf("build SDP: %w", err)
	}
	return body, nil
}

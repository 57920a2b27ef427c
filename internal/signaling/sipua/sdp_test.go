package sipua

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sebas/backtoback/internal/signaling/b2bua"
)

const offerSendRecv = "v=0\r\n" +
	"o=alice 2890844526 2890844526 IN IP4 192.0.2.10\r\n" +
	"s=-\r\n" +
	"c=IN IP4 192.0.2.10\r\n" +
	"t=0 0\r\n" +
	"m=audio 49170 RTP/AVP 0 8 101\r\n" +
	"a=rtpmap:0 PCMU/8000\r\n" +
	"a=rtpmap:8 PCMA/8000\r\n" +
	"a=rtpmap:101 telephone-event/8000\r\n"

func TestParseSDPSessionLevelConnection(t *testing.T) {
	rm, err := parseSDP([]byte(offerSendRecv))
	require.NoError(t, err)
	assert.Equal(t, "192.0.2.10", rm.Addr)
	assert.Equal(t, 49170, rm.Port)
	assert.Equal(t, dirSendRecv, rm.Direction)
	assert.Equal(t, []b2bua.MediaInfo{{Type: "audio", Activity: b2bua.MediaActive}}, rm.Summary)
}

func TestParseSDPDirections(t *testing.T) {
	tests := []struct {
		attr string
		want b2bua.MediaActivity
	}{
		{"a=sendonly\r\n", b2bua.MediaRemoteHold},
		{"a=recvonly\r\n", b2bua.MediaLocalHold},
		{"a=inactive\r\n", b2bua.MediaNone},
		{"a=sendrecv\r\n", b2bua.MediaActive},
	}
	for _, tt := range tests {
		rm, err := parseSDP([]byte(offerSendRecv + tt.attr))
		require.NoError(t, err, tt.attr)
		require.Len(t, rm.Summary, 1)
		assert.Equal(t, tt.want, rm.Summary[0].Activity, tt.attr)
	}
}

func TestParseSDPVideoAndRejectedStreams(t *testing.T) {
	body := "v=0\r\n" +
		"o=- 1 1 IN IP4 192.0.2.20\r\n" +
		"s=-\r\n" +
		"t=0 0\r\n" +
		"m=video 0 RTP/AVP 96\r\n" +
		"m=audio 30000 RTP/AVP 8\r\n" +
		"c=IN IP4 192.0.2.21\r\n" +
		"m=audio 30002 RTP/AVP 0\r\n" +
		"c=IN IP4 192.0.2.22\r\n" +
		"a=sendonly\r\n"

	rm, err := parseSDP([]byte(body))
	require.NoError(t, err)
	assert.Equal(t, []b2bua.MediaInfo{
		{Type: "video", Activity: b2bua.MediaNone},
		{Type: "audio", Activity: b2bua.MediaError},
		{Type: "audio", Activity: b2bua.MediaRemoteHold},
	}, rm.Summary)
	assert.Equal(t, "192.0.2.22", rm.Addr)
	assert.Equal(t, 30002, rm.Port)
	assert.Equal(t, dirSendOnly, rm.Direction)
}

func TestParseSDPWithoutPCMU(t *testing.T) {
	body := "v=0\r\no=- 1 1 IN IP4 192.0.2.1\r\ns=-\r\nc=IN IP4 192.0.2.1\r\nt=0 0\r\nm=audio 4000 RTP/AVP 8\r\n"
	rm, err := parseSDP([]byte(body))
	assert.True(t, errors.Is(err, ErrNoAudio))
	require.NotNil(t, rm)
	assert.Equal(t, b2bua.MediaError, rm.Summary[0].Activity)

	_, err = parseSDP([]byte("not sdp"))
	assert.Error(t, err)
}

func TestBuildSDPAnswersOffer(t *testing.T) {
	rm, err := parseSDP([]byte(offerSendRecv + "a=sendonly\r\n"))
	require.NoError(t, err)

	body, err := buildSDP("198.51.100.7", 20000, answerDirection(rm.Direction))
	require.NoError(t, err)

	s := string(body)
	assert.Contains(t, s, "c=IN IP4 198.51.100.7")
	assert.Contains(t, s, "m=audio 20000 RTP/AVP 0 101")
	assert.Contains(t, s, "a=rtpmap:0 PCMU/8000")
	assert.Contains(t, s, "a=fmtp:101 0-15")
	assert.Contains(t, s, "a=ptime:20")
	assert.Contains(t, s, "a=recvonly")

	own, err := parseSDP(body)
	require.NoError(t, err)
	assert.Equal(t, b2bua.MediaLocalHold, own.Summary[0].Activity)
}

func TestAnswerDirection(t *testing.T) {
	assert.Equal(t, dirRecvOnly, answerDirection(dirSendOnly))
	assert.Equal(t, dirSendOnly, answerDirection(dirRecvOnly))
	assert.Equal(t, dirInactive, answerDirection(dirInactive))
	assert.Equal(t, dirSendRecv, answerDirection(""))
}

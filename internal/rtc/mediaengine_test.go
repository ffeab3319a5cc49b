package rtc

import (
	"testing"

	"github.com/pion/webrtc/v3"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testCodecs() []*RtpCodecCapability {
	return []*RtpCodecCapability{
		{Kind: AudioKind, MimeType: webrtc.MimeTypeOpus, ClockRate: 48000, Channels: 2},
		{Kind: VideoKind, MimeType: webrtc.MimeTypeVP8, ClockRate: 90000,
			Parameters: map[string]interface{}{"x-google-start-bitrate": 1000}},
		{Kind: VideoKind, MimeType: webrtc.MimeTypeH264, ClockRate: 90000,
			Parameters: map[string]interface{}{
				"packetization-mode":      1,
				"profile-level-id":        "4d0032",
				"level-asymmetry-allowed": 1,
			}},
	}
}

func TestResolveCapabilities(t *testing.T) {
	caps, err := resolveCapabilities(testCodecs())
	require.NoError(t, err)
	require.Len(t, caps.Codecs, 3)

	assert.Equal(t, uint8(111), caps.Codecs[0].PreferredPayloadType)
	assert.Equal(t, uint8(96), caps.Codecs[1].PreferredPayloadType)
	assert.Equal(t, uint8(125), caps.Codecs[2].PreferredPayloadType)

	assert.Empty(t, caps.Codecs[0].RtcpFeedback)
	assert.NotEmpty(t, caps.Codecs[1].RtcpFeedback)
	assert.NotEmpty(t, caps.HeaderExtensions)
}

func TestResolveCapabilitiesDynamicPayloadTypes(t *testing.T) {
	codecs := []*RtpCodecCapability{
		{Kind: VideoKind, MimeType: webrtc.MimeTypeH264, ClockRate: 90000},
		{Kind: VideoKind, MimeType: webrtc.MimeTypeH264, ClockRate: 90000,
			Parameters: map[string]interface{}{"packetization-mode": 0}},
		{Kind: VideoKind, MimeType: "video/H265", ClockRate: 90000, PreferredPayloadType: 100},
	}

	caps, err := resolveCapabilities(codecs)
	require.NoError(t, err)

	assert.Equal(t, uint8(125), caps.Codecs[0].PreferredPayloadType)
	assert.Equal(t, uint8(101), caps.Codecs[1].PreferredPayloadType)
	assert.Equal(t, uint8(100), caps.Codecs[2].PreferredPayloadType)
}

func TestResolveCapabilitiesRejectsUnknownKind(t *testing.T) {
	_, err := resolveCapabilities([]*RtpCodecCapability{{Kind: "data", MimeType: "x/y"}})
	assert.ErrorIs(t, err, ErrUnsupportedCodec)
}

func TestNewMediaEngine(t *testing.T) {
	me, registry, caps, err := newMediaEngine(testCodecs())
	require.NoError(t, err)
	assert.NotNil(t, me)
	assert.NotNil(t, registry)
	assert.Len(t, caps.Codecs, 3)
}

func TestCanConsume(t *testing.T) {
	caps, err := resolveCapabilities(testCodecs())
	require.NoError(t, err)

	params := RtpParameters{Codecs: []*RtpCodecParameters{{MimeType: "video/vp8", ClockRate: 90000}}}

	codec, ok := canConsume(params, caps, VideoKind)
	require.True(t, ok)
	assert.Equal(t, webrtc.MimeTypeVP8, codec.MimeType)

	_, ok = canConsume(params, caps, AudioKind)
	assert.False(t, ok)

	_, ok = canConsume(RtpParameters{}, caps, VideoKind)
	assert.False(t, ok)
}

func TestFmtpLine(t *testing.T) {
	codec := testCodecs()[2]
	assert.Equal(t, "level-asymmetry-allowed=1;packetization-mode=1;profile-level-id=4d0032", codec.FmtpLine())
	assert.Equal(t, "", testCodecs()[0].FmtpLine())
}

func TestScopeTag(t *testing.T) {
	assert.Equal(t, "ice", scopeTag("ice"))
	assert.Equal(t, "dtls", scopeTag("dtls"))
	assert.Equal(t, "srtp", scopeTag("srtp"))
	assert.Equal(t, "sctp", scopeTag("sctp"))
	assert.Equal(t, "rtcp", scopeTag("nack_generator"))
	assert.Equal(t, "rtp", scopeTag("ortc"))
}

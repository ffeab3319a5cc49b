package rtc

import (
	"fmt"
	"strings"

	"github.com/pion/interceptor"
	"github.com/pion/sdp/v3"
	"github.com/pion/webrtc/v3"
)

const firstDynamicPayloadType uint8 = 100

// Payload types browsers usually offer for these codecs; keeping them stable
// saves a remap on most connections.
var preferredPayloadTypes = map[string]uint8{
	strings.ToLower(webrtc.MimeTypeOpus): 111,
	strings.ToLower(webrtc.MimeTypeVP8):  96,
	strings.ToLower(webrtc.MimeTypeVP9):  98,
	strings.ToLower(webrtc.MimeTypeH264): 125,
	strings.ToLower(webrtc.MimeTypeAV1):  35,
}

var videoFeedback = []RtcpFeedback{
	{Type: webrtc.TypeRTCPFBGoogREMB},
	{Type: webrtc.TypeRTCPFBTransportCC},
	{Type: webrtc.TypeRTCPFBCCM, Parameter: "fir"},
	{Type: webrtc.TypeRTCPFBNACK},
	{Type: webrtc.TypeRTCPFBNACK, Parameter: "pli"},
}

var headerExtensions = []struct {
	kind MediaKind
	uri  string
}{
	{AudioKind, sdp.SDESMidURI},
	{AudioKind, sdp.AudioLevelURI},
	{VideoKind, sdp.SDESMidURI},
	{VideoKind, sdp.SDESRTPStreamIDURI},
	{VideoKind, sdp.ABSSendTimeURI},
	{VideoKind, sdp.TransportCCURI},
}

// newMediaEngine registers the router codec set with pion and returns the
// resolved capabilities, payload types filled in.
func newMediaEngine(codecs []*RtpCodecCapability) (*webrtc.MediaEngine, *interceptor.Registry, RtpCapabilities, error) {
	caps, err := resolveCapabilities(codecs)
	if err != nil {
		return nil, nil, RtpCapabilities{}, err
	}

	mediaEngine := &webrtc.MediaEngine{}
	for _, codec := range caps.Codecs {
		if err := mediaEngine.RegisterCodec(webrtc.RTPCodecParameters{
			RTPCodecCapability: codec.webrtcCapability(),
			PayloadType:        webrtc.PayloadType(codec.PreferredPayloadType),
		}, codec.Kind.codecType()); err != nil {
			return nil, nil, RtpCapabilities{}, fmt.Errorf("register %s: %w", codec.MimeType, err)
		}
	}

	for _, ext := range caps.HeaderExtensions {
		if err := mediaEngine.RegisterHeaderExtension(
			webrtc.RTPHeaderExtensionCapability{URI: ext.URI},
			ext.Kind.codecType(),
		); err != nil {
			return nil, nil, RtpCapabilities{}, err
		}
	}

	i := &interceptor.Registry{}
	if err := webrtc.RegisterDefaultInterceptors(mediaEngine, i); err != nil {
		return nil, nil, RtpCapabilities{}, err
	}

	return mediaEngine, i, caps, nil
}

func resolveCapabilities(codecs []*RtpCodecCapability) (RtpCapabilities, error) {
	used := make(map[uint8]bool)
	for _, codec := range codecs {
		if codec.PreferredPayloadType != 0 {
			used[codec.PreferredPayloadType] = true
		}
	}

	next := firstDynamicPayloadType
	caps := RtpCapabilities{}

	for _, codec := range codecs {
		if !codec.Kind.Valid() {
			return RtpCapabilities{}, fmt.Errorf("%w: %s has kind %q", ErrUnsupportedCodec, codec.MimeType, codec.Kind)
		}

		resolved := *codec
		if resolved.PreferredPayloadType == 0 {
			if pt, ok := preferredPayloadTypes[strings.ToLower(codec.MimeType)]; ok && !used[pt] {
				resolved.PreferredPayloadType = pt
			} else {
				for used[next] {
					next++
				}
				resolved.PreferredPayloadType = next
			}
			used[resolved.PreferredPayloadType] = true
		}
		if resolved.Kind == VideoKind && len(resolved.RtcpFeedback) == 0 {
			resolved.RtcpFeedback = videoFeedback
		}

		caps.Codecs = append(caps.Codecs, &resolved)
	}

	for i, ext := range headerExtensions {
		caps.HeaderExtensions = append(caps.HeaderExtensions, &RtpHeaderExtension{
			Kind:        ext.kind,
			URI:         ext.uri,
			PreferredID: i + 1,
		})
	}

	return caps, nil
}

// canConsume reports whether caps contain a codec able to carry params.
func canConsume(params RtpParameters, caps RtpCapabilities, kind MediaKind) (*RtpCodecCapability, bool) {
	codec, err := params.PrimaryCodec()
	if err != nil {
		return nil, false
	}

	match := caps.FindCodec(kind, codec.MimeType)
	if match == nil {
		return nil, false
	}
	return match, true
}

func (k MediaKind) codecType() webrtc.RTPCodecType {
	if k == AudioKind {
		return webrtc.RTPCodecTypeAudio
	}
	return webrtc.RTPCodecTypeVideo
}

func (c *RtpCodecCapability) webrtcCapability() webrtc.RTPCodecCapability {
	feedback := make([]webrtc.RTCPFeedback, 0, len(c.RtcpFeedback))
	for _, fb := range c.RtcpFeedback {
		feedback = append(feedback, webrtc.RTCPFeedback{Type: fb.Type, Parameter: fb.Parameter})
	}

	return webrtc.RTPCodecCapability{
		MimeType:     c.MimeType,
		ClockRate:    c.ClockRate,
		Channels:     c.Channels,
		SDPFmtpLine:  c.FmtpLine(),
		RTCPFeedback: feedback,
	}
}

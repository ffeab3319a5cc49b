package rtc

import (
	"fmt"
	"sort"
	"strings"
)

type MediaKind string

const (
	AudioKind MediaKind = "audio"
	VideoKind MediaKind = "video"
)

func (k MediaKind) Valid() bool {
	return k == AudioKind || k == VideoKind
}

type TransportType string

const (
	WebRtcTransportType TransportType = "webrtc"
	PlainTransportType  TransportType = "plain"
)

type RtcpFeedback struct {
	Type      string `json:"type" mapstructure:"type"`
	Parameter string `json:"parameter,omitempty" mapstructure:"parameter"`
}

type RtpCodecCapability struct {
	Kind                 MediaKind              `json:"kind" mapstructure:"kind"`
	MimeType             string                 `json:"mimeType" mapstructure:"mime_type"`
	PreferredPayloadType uint8                  `json:"preferredPayloadType,omitempty" mapstructure:"preferred_payload_type"`
	ClockRate            uint32                 `json:"clockRate" mapstructure:"clock_rate"`
	Channels             uint16                 `json:"channels,omitempty" mapstructure:"channels"`
	Parameters           map[string]interface{} `json:"parameters,omitempty" mapstructure:"parameters"`
	RtcpFeedback         []RtcpFeedback         `json:"rtcpFeedback,omitempty" mapstructure:"rtcp_feedback"`
}

// FmtpLine renders codec parameters the way they appear in an SDP a=fmtp line,
// keys sorted so the output is stable.
func (c *RtpCodecCapability) FmtpLine() string {
	return fmtpLine(c.Parameters)
}

type RtpHeaderExtension struct {
	Kind        MediaKind `json:"kind"`
	URI         string    `json:"uri"`
	PreferredID int       `json:"preferredId"`
}

type RtpCapabilities struct {
	Codecs           []*RtpCodecCapability `json:"codecs"`
	HeaderExtensions []*RtpHeaderExtension `json:"headerExtensions,omitempty"`
}

// FindCodec looks up a codec by mime type (case insensitive) and kind.
func (c RtpCapabilities) FindCodec(kind MediaKind, mimeType string) *RtpCodecCapability {
	for _, codec := range c.Codecs {
		if codec.Kind == kind && strings.EqualFold(codec.MimeType, mimeType) {
			return codec
		}
	}
	return nil
}

type RtpCodecParameters struct {
	MimeType     string                 `json:"mimeType"`
	PayloadType  uint8                  `json:"payloadType"`
	ClockRate    uint32                 `json:"clockRate"`
	Channels     uint16                 `json:"channels,omitempty"`
	Parameters   map[string]interface{} `json:"parameters,omitempty"`
	RtcpFeedback []RtcpFeedback         `json:"rtcpFeedback,omitempty"`
}

type RtpEncodingParameters struct {
	Ssrc       uint32 `json:"ssrc,omitempty"`
	Rid        string `json:"rid,omitempty"`
	MaxBitrate uint64 `json:"maxBitrate,omitempty"`
}

type RtcpParameters struct {
	Cname       string `json:"cname,omitempty"`
	ReducedSize bool   `json:"reducedSize,omitempty"`
}

type RtpParameters struct {
	Mid       string                  `json:"mid,omitempty"`
	Codecs    []*RtpCodecParameters   `json:"codecs"`
	Encodings []RtpEncodingParameters `json:"encodings,omitempty"`
	Rtcp      RtcpParameters          `json:"rtcp,omitempty"`
}

func (p RtpParameters) PrimaryCodec() (*RtpCodecParameters, error) {
	if len(p.Codecs) == 0 || p.Codecs[0] == nil {
		return nil, fmt.Errorf("%w: rtp parameters have no codecs", ErrUnsupportedCodec)
	}
	return p.Codecs[0], nil
}

func (p RtpParameters) PrimarySSRC() (uint32, error) {
	if len(p.Encodings) == 0 || p.Encodings[0].Ssrc == 0 {
		return 0, ErrMissingSSRC
	}
	return p.Encodings[0].Ssrc, nil
}

type IceParameters struct {
	UsernameFragment string `json:"usernameFragment"`
	Password         string `json:"password"`
	IceLite          bool   `json:"iceLite,omitempty"`
}

type IceCandidate struct {
	Foundation string `json:"foundation"`
	Priority   uint32 `json:"priority"`
	IP         string `json:"ip"`
	Protocol   string `json:"protocol"`
	Port       uint16 `json:"port"`
	Type       string `json:"type"`
	TCPType    string `json:"tcpType,omitempty"`
}

type DtlsFingerprint struct {
	Algorithm string `json:"algorithm"`
	Value     string `json:"value"`
}

type DtlsParameters struct {
	Role         string            `json:"role,omitempty"`
	Fingerprints []DtlsFingerprint `json:"fingerprints"`
}

type SctpParameters struct {
	Port           uint16 `json:"port"`
	OS             uint16 `json:"OS"`
	MIS            uint16 `json:"MIS"`
	MaxMessageSize uint32 `json:"maxMessageSize"`
}

type TransportTuple struct {
	LocalIP   string `json:"localIp"`
	LocalPort uint16 `json:"localPort"`
	RtcpPort  uint16 `json:"rtcpPort,omitempty"`
	Protocol  string `json:"protocol"`
}

// TransportInfo is what the remote side needs to reach a transport.
type TransportInfo struct {
	IceParameters  *IceParameters
	IceCandidates  []IceCandidate
	DtlsParameters *DtlsParameters
	SctpParameters *SctpParameters
	Tuple          *TransportTuple
}

func fmtpLine(params map[string]interface{}) string {
	if len(params) == 0 {
		return ""
	}

	keys := make([]string, 0, len(params))
	for k := range params {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	parts := make([]string, 0, len(keys))
	for _, k := range keys {
		parts = append(parts, fmt.Sprintf("%s=%v", k, params[k]))
	}
	return strings.Join(parts, ";")
}

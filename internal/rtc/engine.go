package rtc

import (
	"context"
	"errors"
)

var (
	ErrClosed             = errors.New("handle closed")
	ErrAlreadyConnected   = errors.New("transport already connected")
	ErrUnsupportedCodec   = errors.New("unsupported codec")
	ErrProducerNotFound   = errors.New("producer not found in router")
	ErrCannotConsume      = errors.New("rtp capabilities cannot consume producer")
	ErrMissingSSRC        = errors.New("rtp parameters have no encoding ssrc")
	ErrMissingRemoteICE   = errors.New("remote ice parameters required")
	ErrMissingRemoteDTLS  = errors.New("remote dtls parameters required")
	ErrMissingRemoteTuple = errors.New("remote ip and port required")
)

// Handle is anything the engine creates and the application must close.
type Handle interface {
	ID() string
	Close() error
}

// Worker is the process-wide media engine instance hosting routers.
type Worker interface {
	NewRouter(ctx context.Context, options RouterOptions) (Router, error)
	Close() error
}

type Router interface {
	Handle

	RtpCapabilities() RtpCapabilities
	NewWebRtcTransport(ctx context.Context, options WebRtcTransportOptions) (Transport, error)
	NewPlainTransport(ctx context.Context, options PlainTransportOptions) (Transport, error)
	CanConsume(producerID string, caps RtpCapabilities) bool
}

type Transport interface {
	Handle

	Type() TransportType
	Info() TransportInfo
	Connect(ctx context.Context, params ConnectParams) error
	Produce(ctx context.Context, options ProduceOptions) (Producer, error)
	Consume(ctx context.Context, options ConsumeOptions) (Consumer, error)
}

type Producer interface {
	Handle

	Kind() MediaKind
	RtpParameters() RtpParameters
	// AppData is the opaque application data given at produce time.
	AppData() map[string]interface{}
}

type Consumer interface {
	Handle

	ProducerID() string
	Kind() MediaKind
	RtpParameters() RtpParameters
	// OnProducerClose is fired once when the source producer goes away.
	OnProducerClose(func())
}

type RouterOptions struct {
	MediaCodecs []*RtpCodecCapability
}

type ListenIP struct {
	IP          string `json:"ip" mapstructure:"ip"`
	AnnouncedIP string `json:"announcedIp,omitempty" mapstructure:"announced_ip"`
}

type WebRtcTransportOptions struct {
	ListenIPs  []ListenIP
	EnableUDP  bool
	EnableTCP  bool
	EnableSctp bool
}

type PlainTransportOptions struct {
	ListenIP ListenIP
	RtcpMux  bool
	Comedia  bool
}

// ConnectParams carries the remote side of a transport. WebRTC transports
// use the DTLS/ICE fields, plain transports use IP/Port.
type ConnectParams struct {
	DtlsParameters *DtlsParameters
	IceParameters  *IceParameters
	IceCandidates  []IceCandidate
	IP             string
	Port           uint16
	RtcpPort       uint16
}

type ProduceOptions struct {
	Kind          MediaKind
	RtpParameters RtpParameters
	AppData       map[string]interface{}
}

type ConsumeOptions struct {
	ProducerID      string
	RtpCapabilities RtpCapabilities
}

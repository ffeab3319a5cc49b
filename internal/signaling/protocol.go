package signaling

import (
	"github.com/isqad/livelook-gateway/internal/rtc"
)

// Client requests.
const (
	CreateRoomMethod           = "create-room"
	JoinRoomMethod             = "join-room"
	LeaveRoomMethod            = "leave-room"
	DeleteRoomMethod           = "delete-room"
	CreateTransportMethod      = "create-transport"
	CreatePlainTransportMethod = "create-plain-transport"
	ConnectTransportMethod     = "connect-transport"
	ProduceMethod              = "produce"
	ConsumeMethod              = "consume"
	CloseProducerMethod        = "close-producer"
)

// Server notifications.
const (
	PeerJoinedNotification     = "peer-joined"
	PeerLeftNotification       = "peer-left"
	NewProducerNotification    = "new-producer"
	ProducerClosedNotification = "producer-closed"
	ConsumerClosedNotification = "consumer-closed"
	RoomClosedNotification     = "room-closed"
)

// roomParams accepts both a bare room id string and {"roomId": ...}.
type roomParams struct {
	RoomID string `json:"roomId"`
}

type createTransportParams struct {
	Direction string `json:"direction,omitempty"`
	Sctp      bool   `json:"sctp,omitempty"`
}

type createPlainTransportParams struct {
	Comedia bool  `json:"comedia,omitempty"`
	RtcpMux *bool `json:"rtcpMux,omitempty"`
}

type connectTransportParams struct {
	TransportID    string              `json:"transportId"`
	DtlsParameters *rtc.DtlsParameters `json:"dtlsParameters,omitempty"`
	IceParameters  *rtc.IceParameters  `json:"iceParameters,omitempty"`
	IceCandidates  []rtc.IceCandidate  `json:"iceCandidates,omitempty"`
	IP             string              `json:"ip,omitempty"`
	Port           uint16              `json:"port,omitempty"`
	RtcpPort       uint16              `json:"rtcpPort,omitempty"`
}

type produceParams struct {
	TransportID   string                 `json:"transportId"`
	Kind          rtc.MediaKind          `json:"kind"`
	RtpParameters rtc.RtpParameters      `json:"rtpParameters"`
	AppData       map[string]interface{} `json:"appData,omitempty"`
}

type consumeParams struct {
	ProducerID      string               `json:"producerId"`
	TransportID     string               `json:"transportId,omitempty"`
	RtpCapabilities *rtc.RtpCapabilities `json:"rtpCapabilities,omitempty"`
}

type closeProducerParams struct {
	ProducerID string `json:"producerId"`
}

type RoomResult struct {
	RouterRtpCapabilities rtc.RtpCapabilities `json:"routerRtpCapabilities"`
}

type ProducerInfo struct {
	ID            string                 `json:"id"`
	Kind          rtc.MediaKind          `json:"kind"`
	RtpParameters rtc.RtpParameters      `json:"rtpParameters"`
	AppData       map[string]interface{} `json:"appData,omitempty"`
}

type PeerInfo struct {
	ID        string         `json:"id"`
	Producers []ProducerInfo `json:"producers"`
}

type JoinRoomResult struct {
	RouterRtpCapabilities rtc.RtpCapabilities `json:"routerRtpCapabilities"`
	Peers                 []PeerInfo          `json:"peers"`
}

type TransportResult struct {
	ID             string              `json:"id"`
	IceParameters  *rtc.IceParameters  `json:"iceParameters,omitempty"`
	IceCandidates  []rtc.IceCandidate  `json:"iceCandidates,omitempty"`
	DtlsParameters *rtc.DtlsParameters `json:"dtlsParameters,omitempty"`
	SctpParameters *rtc.SctpParameters `json:"sctpParameters,omitempty"`
}

type PlainTransportResult struct {
	ID       string `json:"id"`
	IP       string `json:"ip"`
	Port     uint16 `json:"port"`
	RtcpPort uint16 `json:"rtcpPort,omitempty"`
}

type ProduceResult struct {
	ID string `json:"id"`
}

type ConsumeResult struct {
	ID            string            `json:"id"`
	ProducerID    string            `json:"producerId"`
	Kind          rtc.MediaKind     `json:"kind"`
	RtpParameters rtc.RtpParameters `json:"rtpParameters"`
}

type PeerEvent struct {
	PeerID string `json:"peerId"`
}

type NewProducerEvent struct {
	PeerID        string                 `json:"peerId"`
	ProducerID    string                 `json:"producerId"`
	Kind          rtc.MediaKind          `json:"kind"`
	RtpParameters rtc.RtpParameters      `json:"rtpParameters"`
	AppData       map[string]interface{} `json:"appData,omitempty"`
}

type ProducerClosedEvent struct {
	PeerID     string `json:"peerId"`
	ProducerID string `json:"producerId"`
}

type ConsumerClosedEvent struct {
	ConsumerID string `json:"consumerId"`
	ProducerID string `json:"producerId"`
}

type RoomClosedEvent struct {
	RoomID string `json:"roomId"`
}

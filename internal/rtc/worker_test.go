package rtc

import (
	"context"
	"net"
	"testing"
	"time"

	"github.com/pion/rtp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestRouter(t *testing.T) (*PionWorker, Router) {
	t.Helper()

	w, err := NewWorker(WorkerSettings{
		LogLevel:       "warn",
		PortRangeStart: 42000,
		PortRangeEnd:   42100,
	})
	require.NoError(t, err)
	t.Cleanup(func() { _ = w.Close() })

	r, err := w.NewRouter(context.Background(), RouterOptions{MediaCodecs: testCodecs()})
	require.NoError(t, err)

	return w, r
}

func TestNewWorkerRejectsTinyRange(t *testing.T) {
	_, err := NewWorker(WorkerSettings{PortRangeStart: 5000, PortRangeEnd: 5001})
	assert.Error(t, err)

	_, err = NewWorker(WorkerSettings{PortRangeStart: 65534, PortRangeEnd: 65535})
	assert.Error(t, err)

	_, err = NewWorker(WorkerSettings{PortRangeStart: 65535, PortRangeEnd: 65535})
	assert.Error(t, err)
}

func TestRouterCapabilities(t *testing.T) {
	_, r := newTestRouter(t)

	caps := r.RtpCapabilities()
	assert.NotNil(t, caps.FindCodec(AudioKind, "audio/opus"))
	assert.NotNil(t, caps.FindCodec(VideoKind, "video/h264"))
	assert.False(t, r.CanConsume("missing", caps))
}

func TestPlainTransportForwardsRTP(t *testing.T) {
	ctx := context.Background()
	w, r := newTestRouter(t)

	ingest, err := r.NewPlainTransport(ctx, PlainTransportOptions{
		ListenIP: ListenIP{IP: "127.0.0.1"},
		RtcpMux:  true,
		Comedia:  true,
	})
	require.NoError(t, err)
	assert.Equal(t, PlainTransportType, ingest.Type())

	producer, err := ingest.Produce(ctx, ProduceOptions{
		Kind: VideoKind,
		RtpParameters: RtpParameters{
			Codecs:    []*RtpCodecParameters{{MimeType: "video/VP8", PayloadType: 96, ClockRate: 90000}},
			Encodings: []RtpEncodingParameters{{Ssrc: 1111}},
		},
	})
	require.NoError(t, err)
	assert.True(t, r.CanConsume(producer.ID(), r.RtpCapabilities()))

	sink, err := net.ListenUDP("udp", &net.UDPAddr{IP: net.ParseIP("127.0.0.1")})
	require.NoError(t, err)
	defer sink.Close()

	egress, err := r.NewPlainTransport(ctx, PlainTransportOptions{
		ListenIP: ListenIP{IP: "127.0.0.1"},
		RtcpMux:  true,
	})
	require.NoError(t, err)
	require.NoError(t, egress.Connect(ctx, ConnectParams{
		IP:   "127.0.0.1",
		Port: uint16(sink.LocalAddr().(*net.UDPAddr).Port),
	}))
	assert.ErrorIs(t, egress.Connect(ctx, ConnectParams{IP: "127.0.0.1", Port: 1}), ErrAlreadyConnected)

	consumer, err := egress.Consume(ctx, ConsumeOptions{
		ProducerID:      producer.ID(),
		RtpCapabilities: r.RtpCapabilities(),
	})
	require.NoError(t, err)
	assert.Equal(t, producer.ID(), consumer.ProducerID())
	assert.Equal(t, VideoKind, consumer.Kind())

	source, err := net.DialUDP("udp", nil, &net.UDPAddr{
		IP:   net.ParseIP("127.0.0.1"),
		Port: int(ingest.Info().Tuple.LocalPort),
	})
	require.NoError(t, err)
	defer source.Close()

	raw, err := (&rtp.Packet{
		Header:  rtp.Header{Version: 2, PayloadType: 96, SequenceNumber: 7, SSRC: 1111},
		Payload: []byte{0x01, 0x02, 0x03},
	}).Marshal()
	require.NoError(t, err)

	received := &rtp.Packet{}
	require.Eventually(t, func() bool {
		_, _ = source.Write(raw)

		_ = sink.SetReadDeadline(time.Now().Add(50 * time.Millisecond))
		buf := make([]byte, 1500)
		n, _, err := sink.ReadFromUDP(buf)
		if err != nil {
			return false
		}
		return received.Unmarshal(buf[:n]) == nil
	}, 3*time.Second, 10*time.Millisecond)

	assert.Equal(t, consumer.RtpParameters().Encodings[0].Ssrc, received.SSRC)
	assert.Equal(t, uint16(7), received.SequenceNumber)
	assert.Equal(t, []byte{0x01, 0x02, 0x03}, received.Payload)

	closed := make(chan struct{})
	consumer.OnProducerClose(func() { close(closed) })
	require.NoError(t, producer.Close())
	require.NoError(t, producer.Close())

	select {
	case <-closed:
	case <-time.After(time.Second):
		t.Fatal("consumer was not notified about producer close")
	}
	late := false
	consumer.OnProducerClose(func() { late = true })
	assert.True(t, late)
	assert.False(t, r.CanConsume(producer.ID(), r.RtpCapabilities()))

	inUse := w.ports.InUse()
	require.NoError(t, ingest.Close())
	require.NoError(t, egress.Close())
	assert.Equal(t, inUse-2, w.ports.InUse())
}

func TestConsumeUnknownProducer(t *testing.T) {
	ctx := context.Background()
	_, r := newTestRouter(t)

	transport, err := r.NewPlainTransport(ctx, PlainTransportOptions{ListenIP: ListenIP{IP: "127.0.0.1"}, RtcpMux: true})
	require.NoError(t, err)
	defer transport.Close()

	_, err = transport.Consume(ctx, ConsumeOptions{ProducerID: "nope", RtpCapabilities: r.RtpCapabilities()})
	assert.ErrorIs(t, err, ErrProducerNotFound)

	_, err = transport.Produce(ctx, ProduceOptions{
		Kind:          AudioKind,
		RtpParameters: RtpParameters{Codecs: []*RtpCodecParameters{{MimeType: "audio/opus", PayloadType: 111, ClockRate: 48000}}},
	})
	assert.ErrorIs(t, err, ErrMissingSSRC)

	_, err = transport.Produce(ctx, ProduceOptions{
		Kind: AudioKind,
		RtpParameters: RtpParameters{
			Codecs:    []*RtpCodecParameters{{MimeType: "audio/G722", PayloadType: 9, ClockRate: 8000}},
			Encodings: []RtpEncodingParameters{{Ssrc: 2}},
		},
	})
	assert.ErrorIs(t, err, ErrUnsupportedCodec)
}

func TestRouterCloseCascades(t *testing.T) {
	ctx := context.Background()
	_, r := newTestRouter(t)

	transport, err := r.NewPlainTransport(ctx, PlainTransportOptions{ListenIP: ListenIP{IP: "127.0.0.1"}, RtcpMux: true})
	require.NoError(t, err)

	require.NoError(t, r.Close())
	require.NoError(t, r.Close())

	_, err = r.NewPlainTransport(ctx, PlainTransportOptions{ListenIP: ListenIP{IP: "127.0.0.1"}, RtcpMux: true})
	assert.ErrorIs(t, err, ErrClosed)

	_, err = transport.Produce(ctx, ProduceOptions{
		Kind: AudioKind,
		RtpParameters: RtpParameters{
			Codecs:    []*RtpCodecParameters{{MimeType: "audio/opus", PayloadType: 111, ClockRate: 48000}},
			Encodings: []RtpEncodingParameters{{Ssrc: 3}},
		},
	})
	assert.ErrorIs(t, err, ErrClosed)
}

func TestWebRtcTransportInfo(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	_, r := newTestRouter(t)

	transport, err := r.NewWebRtcTransport(ctx, WebRtcTransportOptions{
		ListenIPs: []ListenIP{{IP: "127.0.0.1"}},
		EnableUDP: true,
	})
	require.NoError(t, err)
	defer transport.Close()

	info := transport.Info()
	require.NotNil(t, info.IceParameters)
	assert.NotEmpty(t, info.IceParameters.UsernameFragment)
	assert.True(t, info.IceParameters.IceLite)
	require.NotNil(t, info.DtlsParameters)
	assert.NotEmpty(t, info.DtlsParameters.Fingerprints)

	assert.ErrorIs(t, transport.Connect(ctx, ConnectParams{}), ErrMissingRemoteDTLS)
	require.NoError(t, transport.Close())
	assert.ErrorIs(t, transport.Connect(ctx, ConnectParams{DtlsParameters: &DtlsParameters{}}), ErrClosed)
}

func TestListenFilter(t *testing.T) {
	assert.Nil(t, listenFilter(""))
	assert.Nil(t, listenFilter("0.0.0.0"))
	assert.Nil(t, listenFilter("::"))

	filter := listenFilter("10.1.2.3")
	require.NotNil(t, filter)
	assert.True(t, filter(net.ParseIP("10.1.2.3")))
	assert.False(t, filter(net.ParseIP("10.1.2.4")))
	assert.False(t, filter(net.ParseIP("fd00::2")))
}

func TestWebRtcTransportGathersOnListenIP(t *testing.T) {
	listen := hostIPv4(t)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	_, r := newTestRouter(t)

	transport, err := r.NewWebRtcTransport(ctx, WebRtcTransportOptions{
		ListenIPs: []ListenIP{{IP: listen}},
		EnableUDP: true,
	})
	require.NoError(t, err)
	defer transport.Close()

	candidates := transport.Info().IceCandidates
	require.NotEmpty(t, candidates)
	for _, c := range candidates {
		assert.Equal(t, listen, c.IP)
	}
}

// hostIPv4 returns the first non-loopback IPv4 address of an interface that is up.
func hostIPv4(t *testing.T) string {
	t.Helper()

	ifaces, err := net.Interfaces()
	require.NoError(t, err)
	for _, iface := range ifaces {
		if iface.Flags&net.FlagUp == 0 || iface.Flags&net.FlagLoopback != 0 {
			continue
		}
		addrs, err := iface.Addrs()
		if err != nil {
			continue
		}
		for _, addr := range addrs {
			ipNet, ok := addr.(*net.IPNet)
			if !ok || ipNet.IP.IsLoopback() {
				continue
			}
			if ip4 := ipNet.IP.To4(); ip4 != nil {
				return ip4.String()
			}
		}
	}
	t.Skip("no non-loopback IPv4 interface")
	return ""
}

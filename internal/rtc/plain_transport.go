package rtc

import (
	"context"
	"fmt"
	"net"
	"sync"

	"github.com/google/uuid"
	"github.com/pion/rtcp"
	"github.com/pion/rtp"
	"github.com/rs/zerolog/log"
)

// plainTransport carries unencrypted RTP over UDP, for ffmpeg/gstreamer style
// ingest and egress. Incoming packets are demultiplexed by SSRC.
type plainTransport struct {
	id      string
	router  *PionRouter
	options PlainTransportOptions

	conn     *net.UDPConn
	rtcpConn *net.UDPConn
	port     int
	rtcpPort int

	lock       sync.RWMutex
	remote     *net.UDPAddr
	remoteRtcp *net.UDPAddr
	producers  map[uint32]*producer
	consumers  map[string]*consumer
	closed     bool
}

func newPlainTransport(id string, router *PionRouter, options PlainTransportOptions) (*plainTransport, error) {
	ports := router.worker.ports

	t := &plainTransport{
		id:        id,
		router:    router,
		options:   options,
		producers: make(map[uint32]*producer),
		consumers: make(map[string]*consumer),
	}

	var err error
	if t.conn, t.port, err = listenUDP(ports, options.ListenIP.IP); err != nil {
		return nil, err
	}
	if !options.RtcpMux {
		if t.rtcpConn, t.rtcpPort, err = listenUDP(ports, options.ListenIP.IP); err != nil {
			_ = t.conn.Close()
			ports.Deallocate(t.port)
			return nil, err
		}
		go t.readLoop(t.rtcpConn, true)
	}
	go t.readLoop(t.conn, false)

	log.Debug().Str("service", "transport").Str("transportID", id).Int("port", t.port).Msg("plain transport listening")

	return t, nil
}

func listenUDP(ports *PortsAllocator, ip string) (*net.UDPConn, int, error) {
	port, err := ports.Allocate()
	if err != nil {
		return nil, 0, err
	}

	conn, err := net.ListenUDP("udp", &net.UDPAddr{IP: net.ParseIP(ip), Port: port})
	if err != nil {
		ports.Deallocate(port)
		return nil, 0, fmt.Errorf("listen udp %s:%d: %w", ip, port, err)
	}
	return conn, port, nil
}

func (t *plainTransport) ID() string {
	return t.id
}

func (t *plainTransport) Type() TransportType {
	return PlainTransportType
}

func (t *plainTransport) Info() TransportInfo {
	ip := t.options.ListenIP.IP
	if t.options.ListenIP.AnnouncedIP != "" {
		ip = t.options.ListenIP.AnnouncedIP
	}

	return TransportInfo{
		Tuple: &TransportTuple{
			LocalIP:   ip,
			LocalPort: uint16(t.port),
			RtcpPort:  uint16(t.rtcpPort),
			Protocol:  "udp",
		},
	}
}

func (t *plainTransport) Connect(ctx context.Context, params ConnectParams) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	t.lock.Lock()
	defer t.lock.Unlock()

	if t.closed {
		return ErrClosed
	}
	if params.IP == "" || params.Port == 0 {
		if t.options.Comedia {
			return nil
		}
		return ErrMissingRemoteTuple
	}
	if t.remote != nil && !t.options.Comedia {
		return ErrAlreadyConnected
	}

	ip := net.ParseIP(params.IP)
	if ip == nil {
		return fmt.Errorf("%w: bad ip %q", ErrMissingRemoteTuple, params.IP)
	}
	t.remote = &net.UDPAddr{IP: ip, Port: int(params.Port)}
	if params.RtcpPort != 0 {
		t.remoteRtcp = &net.UDPAddr{IP: ip, Port: int(params.RtcpPort)}
	}

	return nil
}

func (t *plainTransport) Produce(ctx context.Context, options ProduceOptions) (Producer, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if !options.Kind.Valid() {
		return nil, fmt.Errorf("%w: kind %q", ErrUnsupportedCodec, options.Kind)
	}

	codec, err := options.RtpParameters.PrimaryCodec()
	if err != nil {
		return nil, err
	}
	if t.router.caps.FindCodec(options.Kind, codec.MimeType) == nil {
		return nil, fmt.Errorf("%w: %s", ErrUnsupportedCodec, codec.MimeType)
	}
	ssrc, err := options.RtpParameters.PrimarySSRC()
	if err != nil {
		return nil, err
	}

	p := newProducer(uuid.NewString(), t.router, options)
	p.requestKeyframe = func() error {
		return t.writeRTCP([]rtcp.Packet{&rtcp.PictureLossIndication{MediaSSRC: ssrc}})
	}
	p.release = func() {
		t.lock.Lock()
		if t.producers[ssrc] == p {
			delete(t.producers, ssrc)
		}
		t.lock.Unlock()
	}

	t.lock.Lock()
	if t.closed {
		t.lock.Unlock()
		return nil, ErrClosed
	}
	if _, exists := t.producers[ssrc]; exists {
		t.lock.Unlock()
		return nil, fmt.Errorf("ssrc %d already produced on transport %s", ssrc, t.id)
	}
	t.producers[ssrc] = p
	t.lock.Unlock()

	if err := t.router.addProducer(p); err != nil {
		_ = p.Close()
		return nil, err
	}

	return p, nil
}

func (t *plainTransport) Consume(ctx context.Context, options ConsumeOptions) (Consumer, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	p, ok := t.router.producer(options.ProducerID)
	if !ok {
		return nil, ErrProducerNotFound
	}
	codec, ok := canConsume(p.params, options.RtpCapabilities, p.kind)
	if !ok {
		return nil, ErrCannotConsume
	}

	c := newConsumer(uuid.NewString(), p, codec)
	ssrc := c.ssrc()
	payloadType := codec.PreferredPayloadType

	c.write = func(pkt *rtp.Packet) error {
		out := *pkt
		out.Header.SSRC = ssrc
		out.Header.PayloadType = payloadType
		return t.writeRTP(&out)
	}
	c.stop = func() {
		t.lock.Lock()
		delete(t.consumers, c.id)
		t.lock.Unlock()
	}

	t.lock.Lock()
	if t.closed {
		t.lock.Unlock()
		return nil, ErrClosed
	}
	t.consumers[c.id] = c
	t.lock.Unlock()

	if err := p.addConsumer(c); err != nil {
		_ = c.Close()
		return nil, err
	}
	p.keyframe()

	return c, nil
}

func (t *plainTransport) Close() error {
	t.lock.Lock()
	if t.closed {
		t.lock.Unlock()
		return nil
	}
	t.closed = true

	producers := make([]*producer, 0, len(t.producers))
	for _, p := range t.producers {
		producers = append(producers, p)
	}
	consumers := make([]*consumer, 0, len(t.consumers))
	for _, c := range t.consumers {
		consumers = append(consumers, c)
	}
	t.lock.Unlock()

	for _, c := range consumers {
		_ = c.Close()
	}
	for _, p := range producers {
		_ = p.Close()
	}

	ports := t.router.worker.ports
	_ = t.conn.Close()
	ports.Deallocate(t.port)
	if t.rtcpConn != nil {
		_ = t.rtcpConn.Close()
		ports.Deallocate(t.rtcpPort)
	}

	t.router.removeTransport(t.id)
	return nil
}

func (t *plainTransport) readLoop(conn *net.UDPConn, rtcpOnly bool) {
	buf := make([]byte, mtu)
	for {
		n, addr, err := conn.ReadFromUDP(buf)
		if err != nil {
			return
		}

		t.learnRemote(addr, rtcpOnly)

		if rtcpOnly || isRTCP(buf[:n]) {
			t.handleRTCP(buf[:n])
			continue
		}

		pkt := &rtp.Packet{}
		if err := pkt.Unmarshal(append([]byte(nil), buf[:n]...)); err != nil {
			continue
		}

		t.lock.RLock()
		p := t.producers[pkt.SSRC]
		t.lock.RUnlock()

		if p != nil {
			p.forward(pkt)
		}
	}
}

// learnRemote implements comedia: the first packet fixes the remote address.
func (t *plainTransport) learnRemote(addr *net.UDPAddr, rtcpOnly bool) {
	if !t.options.Comedia {
		return
	}

	t.lock.Lock()
	defer t.lock.Unlock()

	if rtcpOnly {
		if t.remoteRtcp == nil {
			t.remoteRtcp = addr
		}
		return
	}
	if t.remote == nil {
		t.remote = addr
	}
}

func (t *plainTransport) handleRTCP(buf []byte) {
	packets, err := rtcp.Unmarshal(buf)
	if err != nil {
		return
	}

	t.lock.RLock()
	consumers := make([]*consumer, 0, len(t.consumers))
	for _, c := range t.consumers {
		consumers = append(consumers, c)
	}
	t.lock.RUnlock()

	for _, pkt := range packets {
		for _, ssrc := range pkt.DestinationSSRC() {
			for _, c := range consumers {
				if c.ssrc() == ssrc {
					c.handleRTCP([]rtcp.Packet{pkt})
				}
			}
		}
	}
}

func (t *plainTransport) writeRTP(pkt *rtp.Packet) error {
	t.lock.RLock()
	remote := t.remote
	t.lock.RUnlock()

	if remote == nil {
		return nil
	}

	raw, err := pkt.Marshal()
	if err != nil {
		return err
	}
	_, err = t.conn.WriteToUDP(raw, remote)
	return err
}

func (t *plainTransport) writeRTCP(packets []rtcp.Packet) error {
	t.lock.RLock()
	remote, conn := t.remote, t.conn
	if t.rtcpConn != nil {
		remote, conn = t.remoteRtcp, t.rtcpConn
	}
	t.lock.RUnlock()

	if remote == nil {
		return nil
	}

	raw, err := rtcp.Marshal(packets)
	if err != nil {
		return err
	}
	_, err = conn.WriteToUDP(raw, remote)
	return err
}

// isRTCP tells RTCP from RTP on a muxed socket (RFC 5761 section 4).
func isRTCP(buf []byte) bool {
	return len(buf) >= 2 && buf[1] >= 192 && buf[1] <= 223
}

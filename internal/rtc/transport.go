package rtc

import (
	"context"
	"fmt"
	"sync"

	"github.com/google/uuid"
	"github.com/pion/rtcp"
	"github.com/pion/webrtc/v3"
	"github.com/rs/zerolog/log"
)

const sctpPort = 5000

// webRtcTransport is an ICE-lite + DTLS-SRTP transport built from the pion
// ORTC objects. Media flows once the remote side connects; produce and
// consume calls made before that wait in the background.
type webRtcTransport struct {
	id     string
	router *PionRouter
	api    *webrtc.API

	gatherer *webrtc.ICEGatherer
	ice      *webrtc.ICETransport
	dtls     *webrtc.DTLSTransport
	sctp     *webrtc.SCTPTransport
	info     TransportInfo

	lock       sync.Mutex
	remoteICE  *IceParameters
	remoteDTLS *DtlsParameters
	remoteCand []IceCandidate
	started    bool
	closed     bool
	producers  map[string]*producer
	consumers  map[string]*consumer

	connected chan struct{}
	done      chan struct{}
}

func newWebRtcTransport(
	ctx context.Context,
	id string,
	router *PionRouter,
	api *webrtc.API,
	options WebRtcTransportOptions,
) (*webRtcTransport, error) {
	gatherer, err := api.NewICEGatherer(webrtc.ICEGatherOptions{})
	if err != nil {
		return nil, err
	}

	ice := api.NewICETransport(gatherer)
	dtls, err := api.NewDTLSTransport(ice, nil)
	if err != nil {
		_ = gatherer.Close()
		return nil, err
	}

	t := &webRtcTransport{
		id:        id,
		router:    router,
		api:       api,
		gatherer:  gatherer,
		ice:       ice,
		dtls:      dtls,
		producers: make(map[string]*producer),
		consumers: make(map[string]*consumer),
		connected: make(chan struct{}),
		done:      make(chan struct{}),
	}
	if options.EnableSctp {
		t.sctp = api.NewSCTPTransport(dtls)
	}

	if err := t.gather(ctx); err != nil {
		_ = t.Close()
		return nil, err
	}

	return t, nil
}

func (t *webRtcTransport) gather(ctx context.Context) error {
	finished := make(chan struct{})
	var once sync.Once
	t.gatherer.OnLocalCandidate(func(c *webrtc.ICECandidate) {
		if c == nil {
			once.Do(func() { close(finished) })
		}
	})

	if err := t.gatherer.Gather(); err != nil {
		return err
	}

	select {
	case <-finished:
	case <-ctx.Done():
		return ctx.Err()
	}

	candidates, err := t.gatherer.GetLocalCandidates()
	if err != nil {
		return err
	}
	iceParams, err := t.gatherer.GetLocalParameters()
	if err != nil {
		return err
	}
	dtlsParams, err := t.dtls.GetLocalParameters()
	if err != nil {
		return err
	}

	t.info = TransportInfo{
		IceParameters: &IceParameters{
			UsernameFragment: iceParams.UsernameFragment,
			Password:         iceParams.Password,
			IceLite:          true,
		},
		IceCandidates:  fromPionCandidates(candidates),
		DtlsParameters: fromPionDTLS(dtlsParams),
	}
	if t.sctp != nil {
		t.info.SctpParameters = &SctpParameters{
			Port:           sctpPort,
			OS:             1024,
			MIS:            1024,
			MaxMessageSize: t.sctp.GetCapabilities().MaxMessageSize,
		}
	}

	return nil
}

func (t *webRtcTransport) ID() string {
	return t.id
}

func (t *webRtcTransport) Type() TransportType {
	return WebRtcTransportType
}

func (t *webRtcTransport) Info() TransportInfo {
	return t.info
}

// Connect records the remote parameters. ICE and DTLS start as soon as both
// the DTLS fingerprints and the ICE credentials are known, which lets
// clients that send them in separate requests connect too.
func (t *webRtcTransport) Connect(ctx context.Context, params ConnectParams) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	t.lock.Lock()
	defer t.lock.Unlock()

	if t.closed {
		return ErrClosed
	}
	if t.started {
		return ErrAlreadyConnected
	}
	if params.DtlsParameters == nil && t.remoteDTLS == nil {
		return ErrMissingRemoteDTLS
	}

	if params.DtlsParameters != nil {
		t.remoteDTLS = params.DtlsParameters
	}
	if params.IceParameters != nil {
		t.remoteICE = params.IceParameters
	}
	t.remoteCand = append(t.remoteCand, params.IceCandidates...)

	if t.remoteICE == nil {
		log.Debug().Str("service", "transport").Str("transportID", t.id).Msg("waiting for remote ice parameters")
		return nil
	}

	t.started = true
	go t.start(*t.remoteICE, *t.remoteDTLS, t.remoteCand)

	return nil
}

func (t *webRtcTransport) start(iceParams IceParameters, dtlsParams DtlsParameters, candidates []IceCandidate) {
	remote, err := toPionCandidates(candidates)
	if err != nil {
		log.Warn().Err(err).Str("service", "transport").Str("transportID", t.id).Msg("skip remote candidates")
	} else if len(remote) > 0 {
		if err := t.ice.SetRemoteCandidates(remote); err != nil {
			log.Warn().Err(err).Str("service", "transport").Str("transportID", t.id).Msg("set remote candidates")
		}
	}

	role := webrtc.ICERoleControlled
	if err := t.ice.Start(nil, webrtc.ICEParameters{
		UsernameFragment: iceParams.UsernameFragment,
		Password:         iceParams.Password,
		ICELite:          iceParams.IceLite,
	}, &role); err != nil {
		log.Error().Err(err).Str("service", "transport").Str("transportID", t.id).Msg("ice start")
		return
	}

	if err := t.dtls.Start(toPionDTLS(dtlsParams)); err != nil {
		log.Error().Err(err).Str("service", "transport").Str("transportID", t.id).Msg("dtls start")
		return
	}

	if t.sctp != nil {
		if err := t.sctp.Start(webrtc.SCTPCapabilities{MaxMessageSize: t.info.SctpParameters.MaxMessageSize}); err != nil {
			log.Warn().Err(err).Str("service", "transport").Str("transportID", t.id).Msg("sctp start")
		}
	}

	close(t.connected)
	log.Debug().Str("service", "transport").Str("transportID", t.id).Msg("transport connected")
}

// waitConnected blocks until media can flow or the transport closes.
func (t *webRtcTransport) waitConnected() bool {
	select {
	case <-t.connected:
		return true
	case <-t.done:
		return false
	}
}

func (t *webRtcTransport) Produce(ctx context.Context, options ProduceOptions) (Producer, error) {
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

	receiver, err := t.api.NewRTPReceiver(options.Kind.codecType(), t.dtls)
	if err != nil {
		return nil, err
	}

	p := newProducer(uuid.NewString(), t.router, options)
	p.requestKeyframe = func() error {
		_, err := t.dtls.WriteRTCP([]rtcp.Packet{&rtcp.PictureLossIndication{MediaSSRC: ssrc}})
		return err
	}
	p.release = func() {
		_ = receiver.Stop()
		t.lock.Lock()
		delete(t.producers, p.id)
		t.lock.Unlock()
	}

	t.lock.Lock()
	if t.closed {
		t.lock.Unlock()
		_ = receiver.Stop()
		return nil, ErrClosed
	}
	t.producers[p.id] = p
	t.lock.Unlock()

	if err := t.router.addProducer(p); err != nil {
		_ = p.Close()
		return nil, err
	}

	go func() {
		if !t.waitConnected() {
			return
		}

		err := receiver.Receive(webrtc.RTPReceiveParameters{
			Encodings: []webrtc.RTPDecodingParameters{{
				RTPCodingParameters: webrtc.RTPCodingParameters{
					SSRC:        webrtc.SSRC(ssrc),
					PayloadType: webrtc.PayloadType(codec.PayloadType),
				},
			}},
		})
		if err != nil {
			log.Error().Err(err).Str("service", "producer").Str("producerID", p.id).Msg("start receiver")
			return
		}

		track := receiver.Track()
		for {
			pkt, _, err := track.ReadRTP()
			if err != nil {
				return
			}
			p.forward(pkt)
		}
	}()

	return p, nil
}

func (t *webRtcTransport) Consume(ctx context.Context, options ConsumeOptions) (Consumer, error) {
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

	track, err := webrtc.NewTrackLocalStaticRTP(codec.webrtcCapability(), c.id, p.id)
	if err != nil {
		return nil, err
	}
	sender, err := t.api.NewRTPSender(track, t.dtls)
	if err != nil {
		return nil, err
	}

	c.write = track.WriteRTP
	c.stop = func() {
		_ = sender.Stop()
		t.lock.Lock()
		delete(t.consumers, c.id)
		t.lock.Unlock()
	}

	t.lock.Lock()
	if t.closed {
		t.lock.Unlock()
		_ = sender.Stop()
		return nil, ErrClosed
	}
	t.consumers[c.id] = c
	t.lock.Unlock()

	if err := p.addConsumer(c); err != nil {
		_ = c.Close()
		return nil, err
	}

	go func() {
		if !t.waitConnected() {
			return
		}

		err := sender.Send(webrtc.RTPSendParameters{
			Encodings: []webrtc.RTPEncodingParameters{{
				RTPCodingParameters: webrtc.RTPCodingParameters{
					SSRC:        webrtc.SSRC(c.ssrc()),
					PayloadType: webrtc.PayloadType(codec.PreferredPayloadType),
				},
			}},
		})
		if err != nil {
			log.Error().Err(err).Str("service", "consumer").Str("consumerID", c.id).Msg("start sender")
			return
		}

		p.keyframe()

		for {
			packets, _, err := sender.ReadRTCP()
			if err != nil {
				return
			}
			c.handleRTCP(packets)
		}
	}()

	return c, nil
}

func (t *webRtcTransport) Close() error {
	t.lock.Lock()
	if t.closed {
		t.lock.Unlock()
		return nil
	}
	t.closed = true
	close(t.done)

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

	if t.sctp != nil {
		_ = t.sctp.Stop()
	}
	_ = t.dtls.Stop()
	_ = t.ice.Stop()
	_ = t.gatherer.Close()

	t.router.removeTransport(t.id)
	return nil
}

func fromPionCandidates(candidates []webrtc.ICECandidate) []IceCandidate {
	result := make([]IceCandidate, 0, len(candidates))
	for _, c := range candidates {
		result = append(result, IceCandidate{
			Foundation: c.Foundation,
			Priority:   c.Priority,
			IP:         c.Address,
			Protocol:   c.Protocol.String(),
			Port:       c.Port,
			Type:       c.Typ.String(),
			TCPType:    c.TCPType,
		})
	}
	return result
}

func toPionCandidates(candidates []IceCandidate) ([]webrtc.ICECandidate, error) {
	result := make([]webrtc.ICECandidate, 0, len(candidates))
	for _, c := range candidates {
		protocol, err := webrtc.NewICEProtocol(c.Protocol)
		if err != nil {
			return nil, err
		}
		typ, err := webrtc.NewICECandidateType(c.Type)
		if err != nil {
			return nil, err
		}
		result = append(result, webrtc.ICECandidate{
			Foundation: c.Foundation,
			Priority:   c.Priority,
			Address:    c.IP,
			Protocol:   protocol,
			Port:       c.Port,
			Typ:        typ,
			Component:  1,
			TCPType:    c.TCPType,
		})
	}
	return result, nil
}

func fromPionDTLS(params webrtc.DTLSParameters) *DtlsParameters {
	result := &DtlsParameters{Role: params.Role.String()}
	for _, fp := range params.Fingerprints {
		result.Fingerprints = append(result.Fingerprints, DtlsFingerprint{
			Algorithm: fp.Algorithm,
			Value:     fp.Value,
		})
	}
	return result
}

func toPionDTLS(params DtlsParameters) webrtc.DTLSParameters {
	result := webrtc.DTLSParameters{Role: webrtc.DTLSRoleAuto}
	switch params.Role {
	case "client":
		result.Role = webrtc.DTLSRoleClient
	case "server":
		result.Role = webrtc.DTLSRoleServer
	}
	for _, fp := range params.Fingerprints {
		result.Fingerprints = append(result.Fingerprints, webrtc.DTLSFingerprint{
			Algorithm: fp.Algorithm,
			Value:     fp.Value,
		})
	}
	return result
}

// Package rtctest provides an in-memory media engine for tests.
package rtctest

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/isqad/livelook-gateway/internal/rtc"
)

// Worker records every handle it creates so tests can assert on
// engine-side state after the fact.
type Worker struct {
	lock sync.Mutex

	routers    map[string]*Router
	transports []*Transport

	newRouterErr    error
	newTransportErr error
	afterConsume    func(*Consumer)
	delay           time.Duration
	gate            chan struct{}
	entered         chan struct{}
	closed          bool
}

func NewWorker() *Worker {
	return &Worker{
		routers: make(map[string]*Router),
	}
}

// FailNewRouter makes every following NewRouter call return err.
func (w *Worker) FailNewRouter(err error) {
	w.lock.Lock()
	w.newRouterErr = err
	w.lock.Unlock()
}

// FailNewTransport makes every following transport creation return err.
func (w *Worker) FailNewTransport(err error) {
	w.lock.Lock()
	w.newTransportErr = err
	w.lock.Unlock()
}

// AfterConsume runs f with every consumer right before Consume returns it.
func (w *Worker) AfterConsume(f func(*Consumer)) {
	w.lock.Lock()
	w.afterConsume = f
	w.lock.Unlock()
}

// SetDelay slows down blocking engine calls. The delay honours the context.
func (w *Worker) SetDelay(d time.Duration) {
	w.lock.Lock()
	w.delay = d
	w.lock.Unlock()
}

// Block holds every following blocking engine call until release is called.
// entered receives a value for each call that reached the gate.
func (w *Worker) Block() (entered <-chan struct{}, release func()) {
	w.lock.Lock()
	defer w.lock.Unlock()

	gate := make(chan struct{})
	w.gate = gate
	w.entered = make(chan struct{}, 16)

	var once sync.Once
	return w.entered, func() {
		once.Do(func() {
			w.lock.Lock()
			w.gate = nil
			w.lock.Unlock()
			close(gate)
		})
	}
}

func (w *Worker) wait(ctx context.Context) error {
	w.lock.Lock()
	d, gate, entered := w.delay, w.gate, w.entered
	w.lock.Unlock()

	if gate != nil {
		select {
		case entered <- struct{}{}:
		default:
		}
		select {
		case <-gate:
		case <-ctx.Done():
			return ctx.Err()
		}
	}

	if d == 0 {
		return ctx.Err()
	}

	select {
	case <-time.After(d):
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (w *Worker) NewRouter(ctx context.Context, options rtc.RouterOptions) (rtc.Router, error) {
	if err := w.wait(ctx); err != nil {
		return nil, err
	}

	w.lock.Lock()
	defer w.lock.Unlock()

	if w.closed {
		return nil, rtc.ErrClosed
	}
	if w.newRouterErr != nil {
		return nil, w.newRouterErr
	}

	caps := rtc.RtpCapabilities{}
	for i, codec := range options.MediaCodecs {
		c := *codec
		if c.PreferredPayloadType == 0 {
			c.PreferredPayloadType = uint8(100 + i)
		}
		caps.Codecs = append(caps.Codecs, &c)
	}

	r := &Router{
		id:         uuid.NewString(),
		worker:     w,
		caps:       caps,
		transports: make(map[string]*Transport),
		producers:  make(map[string]*Producer),
	}
	w.routers[r.id] = r
	return r, nil
}

func (w *Worker) Close() error {
	w.lock.Lock()
	w.closed = true
	routers := make([]*Router, 0, len(w.routers))
	for _, r := range w.routers {
		routers = append(routers, r)
	}
	w.lock.Unlock()

	for _, r := range routers {
		_ = r.Close()
	}
	return nil
}

// OpenRouters counts routers not closed yet.
func (w *Worker) OpenRouters() int {
	w.lock.Lock()
	defer w.lock.Unlock()

	n := 0
	for _, r := range w.routers {
		if !r.Closed() {
			n++
		}
	}
	return n
}

// Transports returns every transport ever created, closed ones included.
func (w *Worker) Transports() []*Transport {
	w.lock.Lock()
	defer w.lock.Unlock()
	return append([]*Transport(nil), w.transports...)
}

type Router struct {
	id     string
	worker *Worker
	caps   rtc.RtpCapabilities

	lock       sync.Mutex
	transports map[string]*Transport
	producers  map[string]*Producer
	closed     bool
}

func (r *Router) ID() string {
	return r.id
}

func (r *Router) RtpCapabilities() rtc.RtpCapabilities {
	return r.caps
}

func (r *Router) Closed() bool {
	r.lock.Lock()
	defer r.lock.Unlock()
	return r.closed
}

func (r *Router) NewWebRtcTransport(ctx context.Context, options rtc.WebRtcTransportOptions) (rtc.Transport, error) {
	t, err := r.newTransport(ctx, rtc.WebRtcTransportType)
	if err != nil {
		return nil, err
	}

	t.info = rtc.TransportInfo{
		IceParameters: &rtc.IceParameters{UsernameFragment: t.id[:8], Password: t.id, IceLite: true},
		IceCandidates: []rtc.IceCandidate{{
			Foundation: "udpcandidate",
			Priority:   1076302079,
			IP:         announced(options.ListenIPs),
			Protocol:   "udp",
			Port:       40000,
			Type:       "host",
		}},
		DtlsParameters: &rtc.DtlsParameters{
			Role:         "auto",
			Fingerprints: []rtc.DtlsFingerprint{{Algorithm: "sha-256", Value: "AB:CD"}},
		},
	}
	if options.EnableSctp {
		t.info.SctpParameters = &rtc.SctpParameters{Port: 5000, OS: 1024, MIS: 1024, MaxMessageSize: 262144}
	}
	return t, nil
}

func (r *Router) NewPlainTransport(ctx context.Context, options rtc.PlainTransportOptions) (rtc.Transport, error) {
	t, err := r.newTransport(ctx, rtc.PlainTransportType)
	if err != nil {
		return nil, err
	}

	t.info = rtc.TransportInfo{
		Tuple: &rtc.TransportTuple{
			LocalIP:   announced([]rtc.ListenIP{options.ListenIP}),
			LocalPort: 50000,
			Protocol:  "udp",
		},
	}
	if !options.RtcpMux {
		t.info.Tuple.RtcpPort = 50001
	}
	return t, nil
}

func (r *Router) newTransport(ctx context.Context, typ rtc.TransportType) (*Transport, error) {
	w := r.worker
	if err := w.wait(ctx); err != nil {
		return nil, err
	}

	w.lock.Lock()
	failure := w.newTransportErr
	w.lock.Unlock()
	if failure != nil {
		return nil, failure
	}

	r.lock.Lock()
	if r.closed {
		r.lock.Unlock()
		return nil, rtc.ErrClosed
	}
	t := &Transport{
		id:        uuid.NewString(),
		typ:       typ,
		router:    r,
		producers: make(map[string]*Producer),
		consumers: make(map[string]*Consumer),
	}
	r.transports[t.id] = t
	r.lock.Unlock()

	w.lock.Lock()
	w.transports = append(w.transports, t)
	w.lock.Unlock()

	return t, nil
}

func (r *Router) CanConsume(producerID string, caps rtc.RtpCapabilities) bool {
	r.lock.Lock()
	p, ok := r.producers[producerID]
	r.lock.Unlock()
	if !ok {
		return false
	}
	_, ok = matchCodec(p, caps)
	return ok
}

func (r *Router) Close() error {
	r.lock.Lock()
	if r.closed {
		r.lock.Unlock()
		return nil
	}
	r.closed = true
	transports := make([]*Transport, 0, len(r.transports))
	for _, t := range r.transports {
		transports = append(transports, t)
	}
	r.lock.Unlock()

	for _, t := range transports {
		_ = t.Close()
	}
	return nil
}

type Transport struct {
	id     string
	typ    rtc.TransportType
	router *Router
	info   rtc.TransportInfo

	lock      sync.Mutex
	connected *rtc.ConnectParams
	producers map[string]*Producer
	consumers map[string]*Consumer
	closed    bool
}

func (t *Transport) ID() string {
	return t.id
}

func (t *Transport) Type() rtc.TransportType {
	return t.typ
}

func (t *Transport) Info() rtc.TransportInfo {
	return t.info
}

func (t *Transport) Closed() bool {
	t.lock.Lock()
	defer t.lock.Unlock()
	return t.closed
}

// Connected returns the parameters the transport was connected with.
func (t *Transport) Connected() *rtc.ConnectParams {
	t.lock.Lock()
	defer t.lock.Unlock()
	return t.connected
}

func (t *Transport) Connect(ctx context.Context, params rtc.ConnectParams) error {
	if err := t.router.worker.wait(ctx); err != nil {
		return err
	}

	t.lock.Lock()
	defer t.lock.Unlock()

	if t.closed {
		return rtc.ErrClosed
	}
	if t.connected != nil {
		return rtc.ErrAlreadyConnected
	}
	if t.typ == rtc.WebRtcTransportType && params.DtlsParameters == nil {
		return rtc.ErrMissingRemoteDTLS
	}
	t.connected = &params
	return nil
}

func (t *Transport) Produce(ctx context.Context, options rtc.ProduceOptions) (rtc.Producer, error) {
	if err := t.router.worker.wait(ctx); err != nil {
		return nil, err
	}
	if !options.Kind.Valid() {
		return nil, fmt.Errorf("%w: kind %q", rtc.ErrUnsupportedCodec, options.Kind)
	}

	p := &Producer{
		id:        uuid.NewString(),
		kind:      options.Kind,
		params:    options.RtpParameters,
		appData:   options.AppData,
		transport: t,
		consumers: make(map[string]*Consumer),
	}

	t.lock.Lock()
	if t.closed {
		t.lock.Unlock()
		return nil, rtc.ErrClosed
	}
	t.producers[p.id] = p
	t.lock.Unlock()

	t.router.lock.Lock()
	t.router.producers[p.id] = p
	t.router.lock.Unlock()

	return p, nil
}

func (t *Transport) Consume(ctx context.Context, options rtc.ConsumeOptions) (rtc.Consumer, error) {
	if err := t.router.worker.wait(ctx); err != nil {
		return nil, err
	}

	t.router.lock.Lock()
	p, ok := t.router.producers[options.ProducerID]
	t.router.lock.Unlock()
	if !ok {
		return nil, rtc.ErrProducerNotFound
	}

	codec, ok := matchCodec(p, options.RtpCapabilities)
	if !ok {
		return nil, rtc.ErrCannotConsume
	}

	c := &Consumer{
		id:        uuid.NewString(),
		producer:  p,
		transport: t,
		params: rtc.RtpParameters{
			Codecs: []*rtc.RtpCodecParameters{{
				MimeType:    codec.MimeType,
				PayloadType: codec.PreferredPayloadType,
				ClockRate:   codec.ClockRate,
				Channels:    codec.Channels,
				Parameters:  codec.Parameters,
			}},
			Encodings: []rtc.RtpEncodingParameters{{Ssrc: 4242}},
		},
	}

	t.lock.Lock()
	if t.closed {
		t.lock.Unlock()
		return nil, rtc.ErrClosed
	}
	t.consumers[c.id] = c
	t.lock.Unlock()

	p.lock.Lock()
	if p.closed {
		p.lock.Unlock()
		_ = c.Close()
		return nil, rtc.ErrProducerNotFound
	}
	p.consumers[c.id] = c
	p.lock.Unlock()

	t.router.worker.lock.Lock()
	after := t.router.worker.afterConsume
	t.router.worker.lock.Unlock()
	if after != nil {
		after(c)
	}

	return c, nil
}

// Producer is the source producer of the consumer.
func (c *Consumer) Producer() *Producer {
	return c.producer
}

func (t *Transport) Close() error {
	t.lock.Lock()
	if t.closed {
		t.lock.Unlock()
		return nil
	}
	t.closed = true
	producers := make([]*Producer, 0, len(t.producers))
	for _, p := range t.producers {
		producers = append(producers, p)
	}
	consumers := make([]*Consumer, 0, len(t.consumers))
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

	t.router.lock.Lock()
	delete(t.router.transports, t.id)
	t.router.lock.Unlock()

	return nil
}

type Producer struct {
	id        string
	kind      rtc.MediaKind
	params    rtc.RtpParameters
	appData   map[string]interface{}
	transport *Transport

	lock      sync.Mutex
	consumers map[string]*Consumer
	closed    bool
}

func (p *Producer) ID() string {
	return p.id
}

func (p *Producer) Kind() rtc.MediaKind {
	return p.kind
}

func (p *Producer) RtpParameters() rtc.RtpParameters {
	return p.params
}

func (p *Producer) AppData() map[string]interface{} {
	return p.appData
}

func (p *Producer) Closed() bool {
	p.lock.Lock()
	defer p.lock.Unlock()
	return p.closed
}

func (p *Producer) Close() error {
	p.lock.Lock()
	if p.closed {
		p.lock.Unlock()
		return nil
	}
	p.closed = true
	consumers := make([]*Consumer, 0, len(p.consumers))
	for _, c := range p.consumers {
		consumers = append(consumers, c)
	}
	p.consumers = make(map[string]*Consumer)
	p.lock.Unlock()

	router := p.transport.router
	router.lock.Lock()
	delete(router.producers, p.id)
	router.lock.Unlock()

	for _, c := range consumers {
		c.producerClosed()
	}
	return nil
}

type Consumer struct {
	id        string
	producer  *Producer
	transport *Transport
	params    rtc.RtpParameters

	lock         sync.Mutex
	handlers     []func()
	closed       bool
	producerGone bool
}

func (c *Consumer) ID() string {
	return c.id
}

func (c *Consumer) ProducerID() string {
	return c.producer.id
}

func (c *Consumer) Kind() rtc.MediaKind {
	return c.producer.kind
}

func (c *Consumer) RtpParameters() rtc.RtpParameters {
	return c.params
}

// TransportID is the id of the transport the consumer was created on.
func (c *Consumer) TransportID() string {
	return c.transport.id
}

func (c *Consumer) Closed() bool {
	c.lock.Lock()
	defer c.lock.Unlock()
	return c.closed
}

func (c *Consumer) OnProducerClose(f func()) {
	c.lock.Lock()
	if c.producerGone {
		c.lock.Unlock()
		f()
		return
	}
	c.handlers = append(c.handlers, f)
	c.lock.Unlock()
}

func (c *Consumer) Close() error {
	c.lock.Lock()
	if c.closed {
		c.lock.Unlock()
		return nil
	}
	c.closed = true
	c.lock.Unlock()

	c.producer.lock.Lock()
	delete(c.producer.consumers, c.id)
	c.producer.lock.Unlock()

	c.transport.lock.Lock()
	delete(c.transport.consumers, c.id)
	c.transport.lock.Unlock()

	return nil
}

func (c *Consumer) producerClosed() {
	c.lock.Lock()
	c.producerGone = true
	handlers := c.handlers
	c.handlers = nil
	c.lock.Unlock()

	_ = c.Close()
	for _, f := range handlers {
		f()
	}
}

func matchCodec(p *Producer, caps rtc.RtpCapabilities) (*rtc.RtpCodecCapability, bool) {
	codec, err := p.params.PrimaryCodec()
	if err != nil {
		return nil, false
	}
	match := caps.FindCodec(p.kind, codec.MimeType)
	return match, match != nil
}

func announced(ips []rtc.ListenIP) string {
	if len(ips) == 0 {
		return "127.0.0.1"
	}
	if ips[0].AnnouncedIP != "" {
		return ips[0].AnnouncedIP
	}
	return ips[0].IP
}

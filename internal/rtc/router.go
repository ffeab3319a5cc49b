package rtc

import (
	"context"
	"sync"

	"github.com/google/uuid"
	"github.com/pion/interceptor"
	"github.com/pion/webrtc/v3"
	"github.com/rs/zerolog/log"
)

// PionRouter owns the codec set of one room and indexes its producers so any
// transport of the room can consume them.
type PionRouter struct {
	id           string
	worker       *PionWorker
	mediaEngine  *webrtc.MediaEngine
	interceptors *interceptor.Registry
	caps         RtpCapabilities

	lock       sync.RWMutex
	transports map[string]Transport
	producers  map[string]*producer
	closed     bool
}

func (r *PionRouter) ID() string {
	return r.id
}

func (r *PionRouter) RtpCapabilities() RtpCapabilities {
	return r.caps
}

func (r *PionRouter) NewWebRtcTransport(ctx context.Context, options WebRtcTransportOptions) (Transport, error) {
	listen := ListenIP{}
	if len(options.ListenIPs) > 0 {
		listen = options.ListenIPs[0]
	}

	se, err := r.worker.settingEngine(listen)
	if err != nil {
		return nil, err
	}
	se.SetNetworkTypes(networkTypes(options))

	api := webrtc.NewAPI(
		webrtc.WithMediaEngine(r.mediaEngine),
		webrtc.WithSettingEngine(se),
		webrtc.WithInterceptorRegistry(r.interceptors),
	)

	t, err := newWebRtcTransport(ctx, uuid.NewString(), r, api, options)
	if err != nil {
		return nil, err
	}

	if err := r.addTransport(t); err != nil {
		_ = t.Close()
		return nil, err
	}
	return t, nil
}

func (r *PionRouter) NewPlainTransport(ctx context.Context, options PlainTransportOptions) (Transport, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	t, err := newPlainTransport(uuid.NewString(), r, options)
	if err != nil {
		return nil, err
	}

	if err := r.addTransport(t); err != nil {
		_ = t.Close()
		return nil, err
	}
	return t, nil
}

func (r *PionRouter) CanConsume(producerID string, caps RtpCapabilities) bool {
	p, ok := r.producer(producerID)
	if !ok {
		return false
	}
	_, ok = canConsume(p.params, caps, p.kind)
	return ok
}

func (r *PionRouter) Close() error {
	r.lock.Lock()
	if r.closed {
		r.lock.Unlock()
		return nil
	}
	r.closed = true
	transports := make([]Transport, 0, len(r.transports))
	for _, t := range r.transports {
		transports = append(transports, t)
	}
	r.transports = make(map[string]Transport)
	r.lock.Unlock()

	for _, t := range transports {
		if err := t.Close(); err != nil {
			log.Warn().Err(err).Str("service", "router").Str("transportID", t.ID()).Msg("close transport")
		}
	}

	r.worker.removeRouter(r.id)
	log.Debug().Str("service", "router").Str("routerID", r.id).Msg("router closed")

	return nil
}

func (r *PionRouter) addTransport(t Transport) error {
	r.lock.Lock()
	defer r.lock.Unlock()

	if r.closed {
		return ErrClosed
	}
	r.transports[t.ID()] = t
	return nil
}

func (r *PionRouter) removeTransport(id string) {
	r.lock.Lock()
	delete(r.transports, id)
	r.lock.Unlock()
}

func (r *PionRouter) addProducer(p *producer) error {
	r.lock.Lock()
	defer r.lock.Unlock()

	if r.closed {
		return ErrClosed
	}
	r.producers[p.id] = p
	return nil
}

func (r *PionRouter) removeProducer(id string) {
	r.lock.Lock()
	delete(r.producers, id)
	r.lock.Unlock()
}

func (r *PionRouter) producer(id string) (*producer, bool) {
	r.lock.RLock()
	defer r.lock.RUnlock()

	p, ok := r.producers[id]
	return p, ok
}

func networkTypes(options WebRtcTransportOptions) []webrtc.NetworkType {
	types := make([]webrtc.NetworkType, 0, 4)
	if options.EnableUDP || !options.EnableTCP {
		types = append(types, webrtc.NetworkTypeUDP4, webrtc.NetworkTypeUDP6)
	}
	if options.EnableTCP {
		types = append(types, webrtc.NetworkTypeTCP4, webrtc.NetworkTypeTCP6)
	}
	return types
}

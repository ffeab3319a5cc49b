package sfu

import (
	"context"
	"sync"

	"github.com/rs/zerolog/log"

	"github.com/isqad/livelook-gateway/internal/rtc"
)

type RouterRegistryOptions struct {
	Worker      rtc.Worker
	MediaCodecs []*rtc.RtpCodecCapability
	ListenIP    rtc.ListenIP
	EnableTCP   bool
}

// RouterRegistry keeps one router per room id.
type RouterRegistry struct {
	opts RouterRegistryOptions

	lock    sync.RWMutex
	routers map[string]rtc.Router
}

func NewRouterRegistry(opts RouterRegistryOptions) *RouterRegistry {
	return &RouterRegistry{
		opts:    opts,
		routers: make(map[string]rtc.Router),
	}
}

// CreateRouter asks the worker for a router with the fixed codec set. The
// engine is called without holding the registry lock; a concurrent winner
// for the same id makes this call fail and close its own router.
func (r *RouterRegistry) CreateRouter(ctx context.Context, roomID string) (rtc.Router, error) {
	r.lock.RLock()
	_, exists := r.routers[roomID]
	r.lock.RUnlock()
	if exists {
		return nil, ErrRoomAlreadyExists
	}

	router, err := r.opts.Worker.NewRouter(ctx, rtc.RouterOptions{MediaCodecs: r.opts.MediaCodecs})
	if err != nil {
		return nil, engineError("createRouter", err)
	}

	r.lock.Lock()
	if _, exists := r.routers[roomID]; exists {
		r.lock.Unlock()
		_ = router.Close()
		return nil, ErrRoomAlreadyExists
	}
	r.routers[roomID] = router
	r.lock.Unlock()

	log.Debug().Str("service", "routers").Str("roomID", roomID).Str("routerID", router.ID()).Msg("router created")

	return router, nil
}

func (r *RouterRegistry) GetRouter(roomID string) (rtc.Router, bool) {
	r.lock.RLock()
	defer r.lock.RUnlock()

	router, ok := r.routers[roomID]
	return router, ok
}

// DeleteRouter is idempotent.
func (r *RouterRegistry) DeleteRouter(roomID string) error {
	r.lock.Lock()
	router, ok := r.routers[roomID]
	delete(r.routers, roomID)
	r.lock.Unlock()

	if !ok {
		return nil
	}

	log.Debug().Str("service", "routers").Str("roomID", roomID).Msg("router deleted")

	return engineError("closeRouter", router.Close())
}

func (r *RouterRegistry) Len() int {
	r.lock.RLock()
	defer r.lock.RUnlock()
	return len(r.routers)
}

func (r *RouterRegistry) CreateWebRtcTransport(ctx context.Context, router rtc.Router, spec TransportSpec) (rtc.Transport, error) {
	t, err := router.NewWebRtcTransport(ctx, rtc.WebRtcTransportOptions{
		ListenIPs:  []rtc.ListenIP{r.opts.ListenIP},
		EnableUDP:  true,
		EnableTCP:  r.opts.EnableTCP,
		EnableSctp: spec.Sctp,
	})
	if err != nil {
		return nil, engineError("createWebRtcTransport", err)
	}
	return t, nil
}

func (r *RouterRegistry) CreatePlainTransport(ctx context.Context, router rtc.Router, spec TransportSpec) (rtc.Transport, error) {
	t, err := router.NewPlainTransport(ctx, rtc.PlainTransportOptions{
		ListenIP: r.opts.ListenIP,
		RtcpMux:  spec.RtcpMux,
		Comedia:  spec.Comedia,
	})
	if err != nil {
		return nil, engineError("createPlainTransport", err)
	}
	return t, nil
}

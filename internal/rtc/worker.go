package rtc

import (
	"context"
	"fmt"
	"net"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/pion/webrtc/v3"
	"github.com/rs/zerolog/log"
)

const (
	dtlsRetransmissionInterval = 100 * time.Millisecond
	mtu                        = 1400
	iceDisconnectedTimeout     = 10 * time.Second // compatible for ice-lite with firefox client
	iceFailedTimeout           = 25 * time.Second // pion's default
	iceKeepaliveInterval       = 2 * time.Second  // pion's default
)

type WorkerSettings struct {
	LogLevel       string
	LogTags        []string
	PortRangeStart uint16
	PortRangeEnd   uint16
}

// PionWorker implements Worker on top of the pion ORTC API.
type PionWorker struct {
	settings WorkerSettings
	iceEnd   uint16
	logs     *loggerFactory
	ports    *PortsAllocator

	lock    sync.Mutex
	routers map[string]*PionRouter
	closed  bool
}

func NewWorker(settings WorkerSettings) (*PionWorker, error) {
	if int(settings.PortRangeEnd) < int(settings.PortRangeStart)+2 {
		return nil, fmt.Errorf("rtc port range %d-%d is too small", settings.PortRangeStart, settings.PortRangeEnd)
	}

	// Plain transports take the upper half of the range, ICE the lower.
	middle := settings.PortRangeStart + (settings.PortRangeEnd-settings.PortRangeStart)/2

	w := &PionWorker{
		settings: settings,
		iceEnd:   middle - 1,
		logs:     newLoggerFactory(settings.LogLevel, settings.LogTags),
		ports:    NewPortsAllocator(int(middle), int(settings.PortRangeEnd)+1),
		routers:  make(map[string]*PionRouter),
	}

	// Validate the port range once so transports never fail on it later.
	if _, err := w.settingEngine(ListenIP{}); err != nil {
		return nil, err
	}

	log.Info().
		Str("service", "worker").
		Uint16("rtcMinPort", settings.PortRangeStart).
		Uint16("rtcMaxPort", settings.PortRangeEnd).
		Msg("media worker started")

	return w, nil
}

func (w *PionWorker) NewRouter(ctx context.Context, options RouterOptions) (Router, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	me, registry, caps, err := newMediaEngine(options.MediaCodecs)
	if err != nil {
		return nil, err
	}

	w.lock.Lock()
	defer w.lock.Unlock()

	if w.closed {
		return nil, ErrClosed
	}

	r := &PionRouter{
		id:           uuid.NewString(),
		worker:       w,
		mediaEngine:  me,
		interceptors: registry,
		caps:         caps,
		transports:   make(map[string]Transport),
		producers:    make(map[string]*producer),
	}
	w.routers[r.id] = r

	return r, nil
}

func (w *PionWorker) Close() error {
	w.lock.Lock()
	if w.closed {
		w.lock.Unlock()
		return nil
	}
	w.closed = true
	routers := make([]*PionRouter, 0, len(w.routers))
	for _, r := range w.routers {
		routers = append(routers, r)
	}
	w.lock.Unlock()

	for _, r := range routers {
		_ = r.Close()
	}

	log.Info().Str("service", "worker").Msg("media worker closed")
	return nil
}

func (w *PionWorker) removeRouter(id string) {
	w.lock.Lock()
	delete(w.routers, id)
	w.lock.Unlock()
}

// settingEngine builds the pion settings for one transport. The announced IP
// differs per listen address so it cannot live on a shared API.
func (w *PionWorker) settingEngine(listen ListenIP) (webrtc.SettingEngine, error) {
	s := webrtc.SettingEngine{
		LoggerFactory: w.logs,
	}

	if err := s.SetEphemeralUDPPortRange(w.settings.PortRangeStart, w.iceEnd); err != nil {
		return s, err
	}

	if filter := listenFilter(listen.IP); filter != nil {
		s.SetIPFilter(filter)
	}
	if listen.AnnouncedIP != "" {
		s.SetNAT1To1IPs([]string{listen.AnnouncedIP}, webrtc.ICECandidateTypeHost)
	}

	s.SetLite(true)
	s.DisableSRTPReplayProtection(true)
	s.DisableSRTCPReplayProtection(true)
	s.SetDTLSRetransmissionInterval(dtlsRetransmissionInterval)
	s.SetReceiveMTU(mtu)
	s.SetICETimeouts(iceDisconnectedTimeout, iceFailedTimeout, iceKeepaliveInterval)

	return s, nil
}

// listenFilter restricts ICE gathering to the listen address. Unspecified
// addresses gather on every interface. pion never gathers on loopback.
func listenFilter(ip string) func(net.IP) bool {
	listen := net.ParseIP(ip)
	if listen == nil || listen.IsUnspecified() {
		return nil
	}
	return func(candidate net.IP) bool {
		return candidate.Equal(listen)
	}
}

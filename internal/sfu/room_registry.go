package sfu

import (
	"context"
	"sort"
	"sync"

	"github.com/rs/zerolog/log"
	"go.uber.org/multierr"
	"golang.org/x/sync/errgroup"

	"github.com/isqad/livelook-gateway/internal/rtc"
)

// Registered is a handle that is already recorded on its owning peer.
// Only registered handles are handed back to signaling.
type Registered[T rtc.Handle] struct {
	Handle T
	Peer   *Peer
}

type ConsumeRequest struct {
	ProducerID      string
	TransportID     string
	RtpCapabilities *rtc.RtpCapabilities
	// OnProducerClose runs after the consumer was dropped because its
	// producer went away.
	OnProducerClose func(peer *Peer, consumer rtc.Consumer)
}

type RoomRegistry struct {
	routers *RouterRegistry

	lock    sync.RWMutex
	rooms   map[string]*Room
	pending map[string]struct{}
}

func NewRoomRegistry(routers *RouterRegistry) *RoomRegistry {
	return &RoomRegistry{
		routers: routers,
		rooms:   make(map[string]*Room),
		pending: make(map[string]struct{}),
	}
}

func (r *RoomRegistry) Routers() *RouterRegistry {
	return r.routers
}

// CreateRoom reserves the id, creates the router outside the lock and then
// publishes the room.
func (r *RoomRegistry) CreateRoom(ctx context.Context, roomID string) (*Room, error) {
	r.lock.Lock()
	if _, exists := r.rooms[roomID]; exists {
		r.lock.Unlock()
		return nil, ErrRoomAlreadyExists
	}
	if _, creating := r.pending[roomID]; creating {
		r.lock.Unlock()
		return nil, ErrRoomAlreadyExists
	}
	r.pending[roomID] = struct{}{}
	r.lock.Unlock()

	router, err := r.routers.CreateRouter(ctx, roomID)

	r.lock.Lock()
	delete(r.pending, roomID)
	if err != nil {
		r.lock.Unlock()
		return nil, err
	}
	room := newRoom(roomID, router)
	r.rooms[roomID] = room
	r.lock.Unlock()

	log.Info().Str("service", "rooms").Str("roomID", roomID).Msg("room created")

	return room, nil
}

func (r *RoomRegistry) GetRoom(roomID string) (*Room, bool) {
	r.lock.RLock()
	defer r.lock.RUnlock()

	room, ok := r.rooms[roomID]
	return room, ok
}

func (r *RoomRegistry) GetPeer(roomID, peerID string) (*Peer, bool) {
	room, ok := r.GetRoom(roomID)
	if !ok {
		return nil, false
	}
	return room.Peer(peerID)
}

func (r *RoomRegistry) ListPeers(roomID string) ([]*Peer, error) {
	room, ok := r.GetRoom(roomID)
	if !ok {
		return nil, ErrRoomNotFound
	}
	return room.Peers(), nil
}

// Rooms returns a snapshot ordered by id.
func (r *RoomRegistry) Rooms() []*Room {
	r.lock.RLock()
	rooms := make([]*Room, 0, len(r.rooms))
	for _, room := range r.rooms {
		rooms = append(rooms, room)
	}
	r.lock.RUnlock()

	sort.Slice(rooms, func(i, j int) bool { return rooms[i].ID < rooms[j].ID })
	return rooms
}

// AddPeer inserts a peer. A previous record with the same id is closed first
// so none of its handles leak.
func (r *RoomRegistry) AddPeer(roomID, peerID string, conn Connection, userID string) (*Peer, error) {
	room, ok := r.GetRoom(roomID)
	if !ok {
		return nil, ErrRoomNotFound
	}

	peer := NewPeer(peerID, conn, userID)
	previous, err := room.addPeer(peer)
	if err != nil {
		return nil, err
	}

	if previous != nil {
		if err := previous.close(); err != nil {
			log.Warn().Err(err).Str("service", "rooms").Str("roomID", roomID).Str("peerID", peerID).Msg("close replaced peer")
		}
	}

	log.Debug().Str("service", "rooms").Str("roomID", roomID).Str("peerID", peerID).Msg("peer joined")

	return peer, nil
}

// RemovePeer is a no-op for an absent room or peer. Close failures of
// individual handles are aggregated into the returned error; the peer is
// removed regardless.
func (r *RoomRegistry) RemovePeer(roomID, peerID string) (*Peer, error) {
	room, ok := r.GetRoom(roomID)
	if !ok {
		return nil, nil
	}

	peer, ok := room.removePeer(peerID)
	if !ok {
		return nil, nil
	}

	log.Debug().Str("service", "rooms").Str("roomID", roomID).Str("peerID", peerID).Msg("peer left")

	return peer, peer.close()
}

func (r *RoomRegistry) peer(roomID, peerID string) (*Room, *Peer, error) {
	room, ok := r.GetRoom(roomID)
	if !ok {
		return nil, nil, ErrPeerNotFound
	}
	peer, ok := room.Peer(peerID)
	if !ok {
		return nil, nil, ErrPeerNotFound
	}
	return room, peer, nil
}

func (r *RoomRegistry) RegisterTransport(roomID, peerID string, t rtc.Transport, direction Direction) error {
	_, peer, err := r.peer(roomID, peerID)
	if err != nil {
		return err
	}
	return peer.addTransport(t, direction)
}

func (r *RoomRegistry) RegisterProducer(roomID, peerID string, producer rtc.Producer) error {
	_, peer, err := r.peer(roomID, peerID)
	if err != nil {
		return err
	}
	return peer.addProducer(producer)
}

func (r *RoomRegistry) RegisterConsumer(roomID, peerID string, consumer rtc.Consumer) error {
	_, peer, err := r.peer(roomID, peerID)
	if err != nil {
		return err
	}
	return peer.addConsumer(consumer)
}

// CreateTransport creates an engine transport and registers it on the peer
// before returning. A handle that cannot be registered is closed.
func (r *RoomRegistry) CreateTransport(ctx context.Context, roomID, peerID string, spec TransportSpec) (Registered[rtc.Transport], error) {
	room, ok := r.GetRoom(roomID)
	if !ok {
		return Registered[rtc.Transport]{}, ErrRoomNotFound
	}
	peer, ok := room.Peer(peerID)
	if !ok {
		return Registered[rtc.Transport]{}, ErrPeerNotFound
	}

	var (
		t   rtc.Transport
		err error
	)
	if spec.Type == rtc.PlainTransportType {
		t, err = r.routers.CreatePlainTransport(ctx, room.Router, spec)
	} else {
		t, err = r.routers.CreateWebRtcTransport(ctx, room.Router, spec)
	}
	if err != nil {
		return Registered[rtc.Transport]{}, err
	}

	return register(peer, t, func(p *Peer) error {
		return p.addTransport(t, spec.Direction)
	})
}

func (r *RoomRegistry) ConnectTransport(ctx context.Context, roomID, peerID, transportID string, params rtc.ConnectParams) error {
	_, peer, err := r.peer(roomID, peerID)
	if err != nil {
		return err
	}
	t, ok := peer.Transport(transportID)
	if !ok {
		return ErrTransportNotFound
	}
	return engineError("connectTransport", t.Connect(ctx, params))
}

func (r *RoomRegistry) Produce(ctx context.Context, roomID, peerID, transportID string, options rtc.ProduceOptions) (Registered[rtc.Producer], error) {
	_, peer, err := r.peer(roomID, peerID)
	if err != nil {
		return Registered[rtc.Producer]{}, err
	}
	t, ok := peer.Transport(transportID)
	if !ok {
		return Registered[rtc.Producer]{}, ErrTransportNotFound
	}

	producer, err := t.Produce(ctx, options)
	if err != nil {
		return Registered[rtc.Producer]{}, engineError("produce", err)
	}

	return register(peer, producer, func(p *Peer) error {
		return p.addProducer(producer)
	})
}

// Consume creates a consumer of producerID on the transport chosen by
// Peer.ConsumeTransport. Capabilities default to the router's own.
func (r *RoomRegistry) Consume(ctx context.Context, roomID, peerID string, req ConsumeRequest) (Registered[rtc.Consumer], error) {
	room, peer, err := r.peer(roomID, peerID)
	if err != nil {
		return Registered[rtc.Consumer]{}, err
	}
	t, err := peer.ConsumeTransport(req.TransportID)
	if err != nil {
		return Registered[rtc.Consumer]{}, err
	}
	if _, _, err := r.FindProducer(roomID, req.ProducerID); err != nil {
		return Registered[rtc.Consumer]{}, err
	}

	caps := room.Router.RtpCapabilities()
	if req.RtpCapabilities != nil {
		caps = *req.RtpCapabilities
	}
	if !room.Router.CanConsume(req.ProducerID, caps) {
		return Registered[rtc.Consumer]{}, engineError("consume", rtc.ErrCannotConsume)
	}

	consumer, err := t.Consume(ctx, rtc.ConsumeOptions{
		ProducerID:      req.ProducerID,
		RtpCapabilities: caps,
	})
	if err != nil {
		return Registered[rtc.Consumer]{}, engineError("consume", err)
	}

	registered, err := register(peer, consumer, func(p *Peer) error {
		return p.addConsumer(consumer)
	})
	if err != nil {
		return registered, err
	}

	// A producer closed before the hook below fires it at once; the consume
	// then fails without notifying.
	var (
		lock        sync.Mutex
		hooked      bool
		closedEarly bool
	)
	consumer.OnProducerClose(func() {
		peer.removeConsumer(consumer.ID())

		lock.Lock()
		early := !hooked
		if early {
			closedEarly = true
		}
		lock.Unlock()

		if !early && req.OnProducerClose != nil {
			req.OnProducerClose(peer, consumer)
		}
	})

	lock.Lock()
	hooked = true
	early := closedEarly
	lock.Unlock()
	if early {
		return Registered[rtc.Consumer]{}, ErrProducerNotFound
	}

	return registered, nil
}

// FindProducer looks a producer up across all peers of the room.
func (r *RoomRegistry) FindProducer(roomID, producerID string) (*Peer, rtc.Producer, error) {
	room, ok := r.GetRoom(roomID)
	if !ok {
		return nil, nil, ErrRoomNotFound
	}
	for _, peer := range room.Peers() {
		if producer, ok := peer.Producer(producerID); ok {
			return peer, producer, nil
		}
	}
	return nil, nil, ErrProducerNotFound
}

// UnregisterProducer removes a producer from its peer and closes it. The
// engine closes its consumers in turn.
func (r *RoomRegistry) UnregisterProducer(roomID, peerID, producerID string) error {
	_, peer, err := r.peer(roomID, peerID)
	if err != nil {
		return err
	}
	producer, ok := peer.removeProducer(producerID)
	if !ok {
		return ErrProducerNotFound
	}
	return engineError("closeProducer", producer.Close())
}

// DeleteRoom evicts every peer concurrently, deletes the router and removes
// the room. It is idempotent and returns the evicted peers.
func (r *RoomRegistry) DeleteRoom(roomID string) ([]*Peer, error) {
	room, ok := r.GetRoom(roomID)
	if !ok {
		return nil, nil
	}

	peers, first := room.close()
	if !first {
		return nil, nil
	}

	var (
		mu     sync.Mutex
		errs   error
		evicts errgroup.Group
	)
	for _, peer := range peers {
		peer := peer
		evicts.Go(func() error {
			if err := peer.close(); err != nil {
				mu.Lock()
				errs = multierr.Append(errs, err)
				mu.Unlock()
			}
			return nil
		})
	}
	_ = evicts.Wait()

	errs = multierr.Append(errs, r.routers.DeleteRouter(roomID))

	r.lock.Lock()
	if r.rooms[roomID] == room {
		delete(r.rooms, roomID)
	}
	r.lock.Unlock()

	log.Info().Str("service", "rooms").Str("roomID", roomID).Int("evicted", len(peers)).Msg("room deleted")

	return peers, errs
}

// Close deletes every room.
func (r *RoomRegistry) Close() error {
	var err error
	for _, room := range r.Rooms() {
		_, closeErr := r.DeleteRoom(room.ID)
		err = multierr.Append(err, closeErr)
	}
	return err
}

// register records h on peer or closes it. Registration fails with
// ErrPeerNotFound when the peer left while the engine call was running.
func register[T rtc.Handle](peer *Peer, h T, add func(*Peer) error) (Registered[T], error) {
	if err := add(peer); err != nil {
		if closeErr := h.Close(); closeErr != nil {
			log.Warn().Err(closeErr).Str("service", "rooms").Str("handleID", h.ID()).Msg("close unregistered handle")
		}
		return Registered[T]{}, err
	}

	return Registered[T]{Handle: h, Peer: peer}, nil
}

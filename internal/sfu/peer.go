package sfu

import (
	"sort"
	"sync"
	"time"

	"go.uber.org/multierr"

	"github.com/isqad/livelook-gateway/internal/rtc"
)

// Connection is the signaling channel of a peer. The peer does not own it.
type Connection interface {
	ID() string
	Notify(method string, data interface{}) error
}

type Direction string

const (
	DirectionSend Direction = "send"
	DirectionRecv Direction = "recv"
)

type TransportSpec struct {
	Type      rtc.TransportType
	Direction Direction
	Sctp      bool
	RtcpMux   bool
	Comedia   bool
}

type peerTransport struct {
	transport rtc.Transport
	direction Direction
}

type Peer struct {
	ID         string
	Connection Connection
	UserID     string
	JoinedAt   time.Time

	lock       sync.RWMutex
	transports map[string]peerTransport
	order      []string
	producers  map[string]rtc.Producer
	consumers  map[string]rtc.Consumer
	closed     bool
}

func NewPeer(id string, conn Connection, userID string) *Peer {
	return &Peer{
		ID:         id,
		Connection: conn,
		UserID:     userID,
		JoinedAt:   time.Now(),
		transports: make(map[string]peerTransport),
		producers:  make(map[string]rtc.Producer),
		consumers:  make(map[string]rtc.Consumer),
	}
}

func (p *Peer) Transport(id string) (rtc.Transport, bool) {
	p.lock.RLock()
	defer p.lock.RUnlock()

	entry, ok := p.transports[id]
	return entry.transport, ok
}

// Transports returns the peer's transports in creation order.
func (p *Peer) Transports() []rtc.Transport {
	p.lock.RLock()
	defer p.lock.RUnlock()

	result := make([]rtc.Transport, 0, len(p.order))
	for _, id := range p.order {
		result = append(result, p.transports[id].transport)
	}
	return result
}

// ConsumeTransport picks where a new consumer goes: the explicit id if given,
// else the first recv transport, else the first transport created.
func (p *Peer) ConsumeTransport(transportID string) (rtc.Transport, error) {
	p.lock.RLock()
	defer p.lock.RUnlock()

	if transportID != "" {
		entry, ok := p.transports[transportID]
		if !ok {
			return nil, ErrTransportNotFound
		}
		return entry.transport, nil
	}

	for _, id := range p.order {
		if entry := p.transports[id]; entry.direction == DirectionRecv {
			return entry.transport, nil
		}
	}
	if len(p.order) > 0 {
		return p.transports[p.order[0]].transport, nil
	}

	return nil, ErrTransportNotFound
}

func (p *Peer) Producer(id string) (rtc.Producer, bool) {
	p.lock.RLock()
	defer p.lock.RUnlock()

	producer, ok := p.producers[id]
	return producer, ok
}

func (p *Peer) Producers() []rtc.Producer {
	p.lock.RLock()
	defer p.lock.RUnlock()

	result := make([]rtc.Producer, 0, len(p.producers))
	for _, producer := range p.producers {
		result = append(result, producer)
	}
	sort.Slice(result, func(i, j int) bool { return result[i].ID() < result[j].ID() })
	return result
}

func (p *Peer) Consumers() []rtc.Consumer {
	p.lock.RLock()
	defer p.lock.RUnlock()

	result := make([]rtc.Consumer, 0, len(p.consumers))
	for _, consumer := range p.consumers {
		result = append(result, consumer)
	}
	sort.Slice(result, func(i, j int) bool { return result[i].ID() < result[j].ID() })
	return result
}

func (p *Peer) Closed() bool {
	p.lock.RLock()
	defer p.lock.RUnlock()
	return p.closed
}

func (p *Peer) addTransport(t rtc.Transport, direction Direction) error {
	p.lock.Lock()
	defer p.lock.Unlock()

	if p.closed {
		return ErrPeerNotFound
	}
	if _, exists := p.transports[t.ID()]; !exists {
		p.order = append(p.order, t.ID())
	}
	p.transports[t.ID()] = peerTransport{transport: t, direction: direction}
	return nil
}

func (p *Peer) addProducer(producer rtc.Producer) error {
	p.lock.Lock()
	defer p.lock.Unlock()

	if p.closed {
		return ErrPeerNotFound
	}
	p.producers[producer.ID()] = producer
	return nil
}

func (p *Peer) addConsumer(consumer rtc.Consumer) error {
	p.lock.Lock()
	defer p.lock.Unlock()

	if p.closed {
		return ErrPeerNotFound
	}
	p.consumers[consumer.ID()] = consumer
	return nil
}

func (p *Peer) removeProducer(id string) (rtc.Producer, bool) {
	p.lock.Lock()
	defer p.lock.Unlock()

	producer, ok := p.producers[id]
	delete(p.producers, id)
	return producer, ok
}

func (p *Peer) removeConsumer(id string) {
	p.lock.Lock()
	delete(p.consumers, id)
	p.lock.Unlock()
}

// close empties all three mappings, then closes the handles: transports,
// producers, consumers. Later registrations fail with ErrPeerNotFound.
func (p *Peer) close() error {
	p.lock.Lock()
	if p.closed {
		p.lock.Unlock()
		return nil
	}
	p.closed = true

	transports := make([]rtc.Transport, 0, len(p.order))
	for _, id := range p.order {
		transports = append(transports, p.transports[id].transport)
	}
	producers := make([]rtc.Producer, 0, len(p.producers))
	for _, producer := range p.producers {
		producers = append(producers, producer)
	}
	consumers := make([]rtc.Consumer, 0, len(p.consumers))
	for _, consumer := range p.consumers {
		consumers = append(consumers, consumer)
	}

	p.transports = make(map[string]peerTransport)
	p.order = nil
	p.producers = make(map[string]rtc.Producer)
	p.consumers = make(map[string]rtc.Consumer)
	p.lock.Unlock()

	var err error
	for _, t := range transports {
		err = multierr.Append(err, t.Close())
	}
	for _, producer := range producers {
		err = multierr.Append(err, producer.Close())
	}
	for _, consumer := range consumers {
		err = multierr.Append(err, consumer.Close())
	}
	return err
}

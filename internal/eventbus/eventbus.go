package eventbus

import (
	"context"
	"encoding/json"
	"time"

	"go.uber.org/multierr"
)

type EventType string

const (
	RoomCreated      EventType = "room.created"
	RoomDeleted      EventType = "room.deleted"
	PeerJoined       EventType = "peer.joined"
	PeerLeft         EventType = "peer.left"
	TransportCreated EventType = "transport.created"
	ProducerCreated  EventType = "producer.created"
	ProducerClosed   EventType = "producer.closed"
	ConsumerCreated  EventType = "consumer.created"
)

// Event is a room lifecycle record. It is history only; nothing rebuilds
// state from it.
type Event struct {
	Type       EventType `json:"type" db:"type"`
	RoomID     string    `json:"roomId" db:"room_id"`
	PeerID     string    `json:"peerId,omitempty" db:"peer_id"`
	ResourceID string    `json:"resourceId,omitempty" db:"resource_id"`
	CreatedAt  time.Time `json:"createdAt" db:"created_at"`
}

func NewEvent(t EventType, roomID, peerID, resourceID string) Event {
	return Event{
		Type:       t,
		RoomID:     roomID,
		PeerID:     peerID,
		ResourceID: resourceID,
		CreatedAt:  time.Now().UTC(),
	}
}

func (e Event) ToJSON() ([]byte, error) {
	return json.Marshal(e)
}

type Publisher interface {
	Publish(ctx context.Context, e Event) error
	Close() error
}

type nopPublisher struct{}

func (nopPublisher) Publish(context.Context, Event) error { return nil }
func (nopPublisher) Close() error                         { return nil }

// Nop discards every event.
var Nop Publisher = nopPublisher{}

// Fanout publishes each event to all of its publishers.
type Fanout struct {
	publishers []Publisher
}

func NewFanout(publishers ...Publisher) *Fanout {
	return &Fanout{publishers: publishers}
}

func (f *Fanout) Len() int {
	return len(f.publishers)
}

func (f *Fanout) Publish(ctx context.Context, e Event) error {
	var err error
	for _, p := range f.publishers {
		err = multierr.Append(err, p.Publish(ctx, e))
	}
	return err
}

func (f *Fanout) Close() error {
	var err error
	for _, p := range f.publishers {
		err = multierr.Append(err, p.Close())
	}
	return err
}

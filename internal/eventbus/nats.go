package eventbus

import (
	"context"
	"strings"

	"github.com/nats-io/nats.go"
)

var subjectTokenReplacer = strings.NewReplacer(".", "_", " ", "_", "*", "_", ">", "_")

// NatsBus publishes events on "<subject>.<roomID>".
type NatsBus struct {
	nc      *nats.Conn
	subject string
}

func NatsConnect(url, subject string) (*NatsBus, error) {
	nc, err := nats.Connect(url, nats.NoEcho(), nats.Name("livelook-gateway"))
	if err != nil {
		return nil, err
	}
	return NewNatsBus(nc, subject), nil
}

func NewNatsBus(nc *nats.Conn, subject string) *NatsBus {
	return &NatsBus{nc: nc, subject: subject}
}

// Subject returns the subject a room's events go to. Room ids are
// sanitized into a single subject token.
func (b *NatsBus) Subject(roomID string) string {
	return b.subject + "." + subjectTokenReplacer.Replace(roomID)
}

func (b *NatsBus) Publish(_ context.Context, e Event) error {
	data, err := e.ToJSON()
	if err != nil {
		return err
	}
	return b.nc.Publish(b.Subject(e.RoomID), data)
}

func (b *NatsBus) Close() error {
	return b.nc.Drain()
}

package eventbus

import (
	"context"
	"sync"
	"time"

	"github.com/rs/zerolog/log"
)

const asyncPublishTimeout = 5 * time.Second

// Async moves publishing off the caller's path. Events keep their order; when
// the queue is full new events are dropped and logged.
type Async struct {
	next   Publisher
	queue  chan Event
	done   chan struct{}
	lock   sync.RWMutex
	closed bool
}

func NewAsync(next Publisher, size int) *Async {
	a := &Async{
		next:  next,
		queue: make(chan Event, size),
		done:  make(chan struct{}),
	}
	go a.run()
	return a
}

func (a *Async) run() {
	defer close(a.done)

	for e := range a.queue {
		ctx, cancel := context.WithTimeout(context.Background(), asyncPublishTimeout)
		if err := a.next.Publish(ctx, e); err != nil {
			log.Error().Err(err).Str("service", "eventbus").Str("type", string(e.Type)).Str("roomID", e.RoomID).Msg("publish event")
		}
		cancel()
	}
}

func (a *Async) Publish(_ context.Context, e Event) error {
	a.lock.RLock()
	defer a.lock.RUnlock()

	if a.closed {
		return nil
	}
	select {
	case a.queue <- e:
	default:
		log.Warn().Str("service", "eventbus").Str("type", string(e.Type)).Str("roomID", e.RoomID).Msg("event queue is full, dropped")
	}
	return nil
}

// Close flushes queued events and closes the wrapped publisher.
func (a *Async) Close() error {
	a.lock.Lock()
	if a.closed {
		a.lock.Unlock()
		return nil
	}
	a.closed = true
	close(a.queue)
	a.lock.Unlock()

	<-a.done
	return a.next.Close()
}

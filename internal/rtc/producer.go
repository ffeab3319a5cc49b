package rtc

import (
	"sync"
	"time"

	"github.com/pion/rtp"
	"github.com/rs/zerolog/log"
)

const keyframeRequestInterval = 500 * time.Millisecond

// producer fans incoming RTP of one track out to its consumers.
type producer struct {
	id      string
	kind    MediaKind
	params  RtpParameters
	appData map[string]interface{}
	router  *PionRouter

	// requestKeyframe asks the sending endpoint for an intra frame.
	requestKeyframe func() error
	// release undoes transport-side state: stops receivers, drops indexes.
	release func()

	lock         sync.RWMutex
	consumers    map[string]*consumer
	lastKeyframe time.Time
	closed       bool
}

func newProducer(id string, router *PionRouter, options ProduceOptions) *producer {
	return &producer{
		id:        id,
		kind:      options.Kind,
		params:    options.RtpParameters,
		appData:   options.AppData,
		router:    router,
		consumers: make(map[string]*consumer),
	}
}

func (p *producer) ID() string {
	return p.id
}

func (p *producer) Kind() MediaKind {
	return p.kind
}

func (p *producer) RtpParameters() RtpParameters {
	return p.params
}

func (p *producer) AppData() map[string]interface{} {
	return p.appData
}

func (p *producer) Close() error {
	p.lock.Lock()
	if p.closed {
		p.lock.Unlock()
		return nil
	}
	p.closed = true
	consumers := make([]*consumer, 0, len(p.consumers))
	for _, c := range p.consumers {
		consumers = append(consumers, c)
	}
	p.consumers = make(map[string]*consumer)
	p.lock.Unlock()

	p.router.removeProducer(p.id)
	if p.release != nil {
		p.release()
	}

	for _, c := range consumers {
		c.producerClosed()
	}

	log.Debug().Str("service", "producer").Str("producerID", p.id).Int("consumers", len(consumers)).Msg("producer closed")
	return nil
}

func (p *producer) addConsumer(c *consumer) error {
	p.lock.Lock()
	defer p.lock.Unlock()

	if p.closed {
		return ErrProducerNotFound
	}
	p.consumers[c.id] = c
	return nil
}

func (p *producer) removeConsumer(id string) {
	p.lock.Lock()
	delete(p.consumers, id)
	p.lock.Unlock()
}

func (p *producer) forward(pkt *rtp.Packet) {
	p.lock.RLock()
	defer p.lock.RUnlock()

	for _, c := range p.consumers {
		if err := c.write(pkt); err != nil {
			log.Trace().Err(err).Str("service", "producer").Str("consumerID", c.id).Msg("write rtp")
		}
	}
}

// keyframe throttles consumer PLI/FIR so a burst of new subscribers triggers
// a single request upstream.
func (p *producer) keyframe() {
	if p.kind != VideoKind || p.requestKeyframe == nil {
		return
	}

	p.lock.Lock()
	if p.closed || time.Since(p.lastKeyframe) < keyframeRequestInterval {
		p.lock.Unlock()
		return
	}
	p.lastKeyframe = time.Now()
	p.lock.Unlock()

	if err := p.requestKeyframe(); err != nil {
		log.Debug().Err(err).Str("service", "producer").Str("producerID", p.id).Msg("request keyframe")
	}
}

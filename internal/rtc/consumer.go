package rtc

import (
	"math/rand"
	"sync"

	"github.com/pion/rtcp"
	"github.com/pion/rtp"
)

type consumer struct {
	id       string
	producer *producer
	params   RtpParameters

	write func(pkt *rtp.Packet) error
	// stop tears down the transport-side sender.
	stop func()

	lock             sync.Mutex
	closed           bool
	producerGone     bool
	producerHandlers []func()
}

func newConsumer(id string, p *producer, codec *RtpCodecCapability) *consumer {
	return &consumer{
		id:       id,
		producer: p,
		params: RtpParameters{
			Codecs: []*RtpCodecParameters{{
				MimeType:     codec.MimeType,
				PayloadType:  codec.PreferredPayloadType,
				ClockRate:    codec.ClockRate,
				Channels:     codec.Channels,
				Parameters:   codec.Parameters,
				RtcpFeedback: codec.RtcpFeedback,
			}},
			Encodings: []RtpEncodingParameters{{Ssrc: newSSRC()}},
			Rtcp: RtcpParameters{
				Cname:       p.params.Rtcp.Cname,
				ReducedSize: true,
			},
		},
	}
}

func (c *consumer) ID() string {
	return c.id
}

func (c *consumer) ProducerID() string {
	return c.producer.id
}

func (c *consumer) Kind() MediaKind {
	return c.producer.kind
}

func (c *consumer) RtpParameters() RtpParameters {
	return c.params
}

// OnProducerClose runs f at once when the producer is already gone.
func (c *consumer) OnProducerClose(f func()) {
	c.lock.Lock()
	if c.producerGone {
		c.lock.Unlock()
		f()
		return
	}
	c.producerHandlers = append(c.producerHandlers, f)
	c.lock.Unlock()
}

func (c *consumer) Close() error {
	c.lock.Lock()
	if c.closed {
		c.lock.Unlock()
		return nil
	}
	c.closed = true
	c.lock.Unlock()

	c.producer.removeConsumer(c.id)
	if c.stop != nil {
		c.stop()
	}
	return nil
}

func (c *consumer) producerClosed() {
	c.lock.Lock()
	c.producerGone = true
	handlers := c.producerHandlers
	c.producerHandlers = nil
	c.lock.Unlock()

	_ = c.Close()

	for _, f := range handlers {
		f()
	}
}

func (c *consumer) ssrc() uint32 {
	return c.params.Encodings[0].Ssrc
}

// handleRTCP relays keyframe requests of the receiving endpoint upstream.
func (c *consumer) handleRTCP(packets []rtcp.Packet) {
	for _, pkt := range packets {
		switch pkt.(type) {
		case *rtcp.PictureLossIndication, *rtcp.FullIntraRequest:
			c.producer.keyframe()
		}
	}
}

func newSSRC() uint32 {
	for {
		if ssrc := rand.Uint32(); ssrc != 0 {
			return ssrc
		}
	}
}

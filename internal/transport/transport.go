// Package transport adapts NSQ to the stream abstraction used by the
// orchestrator: a logical stream is a topic, a consumer group is a channel,
// acknowledgment is Finish/Requeue with auto-response disabled.
package transport

import (
	"encoding/json"
	"fmt"

	"github.com/nsqio/go-nsq"

	"github.com/kbellamy/taskpilot/internal/event"
)

// Publisher appends events to named streams. Implemented by NSQPublisher;
// tests substitute a recording fake.
type Publisher interface {
	Publish(stream string, env event.Envelope) error
}

// NSQPublisher publishes envelopes to nsqd.
type NSQPublisher struct {
	prod *nsq.Producer
}

var _ Publisher = (*NSQPublisher)(nil)

// NewNSQPublisher connects a producer to the given nsqd TCP address.
func NewNSQPublisher(nsqdTCPAddr string) (*NSQPublisher, error) {
	prod, err := nsq.NewProducer(nsqdTCPAddr, nsq.NewConfig())
	if err != nil {
		return nil, fmt.Errorf("create producer: %w", err)
	}
	return &NSQPublisher{prod: prod}, nil
}

func (p *NSQPublisher) Publish(stream string, env event.Envelope) error {
	b, err := json.Marshal(env)
	if err != nil {
		return fmt.Errorf("marshal envelope: %w", err)
	}
	if err := p.prod.Publish(stream, b); err != nil {
		return fmt.Errorf("publish to %s: %w", stream, err)
	}
	return nil
}

// PublishRaw appends pre-encoded bytes; used for dead-letter envelopes.
func (p *NSQPublisher) PublishRaw(stream string, body []byte) error {
	if err := p.prod.Publish(stream, body); err != nil {
		return fmt.Errorf("publish to %s: %w", stream, err)
	}
	return nil
}

// Stop flushes and shuts down the producer.
func (p *NSQPublisher) Stop() {
	p.prod.Stop()
}

// GroupConsumer is one consumer-group member on a stream.
type GroupConsumer struct {
	consumer *nsq.Consumer
}

// ConsumerOpts configures a consumer-group member.
type ConsumerOpts struct {
	Stream      string
	Group       string // NSQ channel: each message goes to one live member
	MaxInFlight int
	Concurrency int
}

// NewGroupConsumer registers h on the stream under the group name. The
// handler is responsible for explicit Finish/Requeue; auto-response stays
// on for handlers that just return errors.
func NewGroupConsumer(opts ConsumerOpts, h nsq.Handler) (*GroupConsumer, error) {
	c, err := nsq.NewConsumer(opts.Stream, opts.Group, consumerConfig(opts))
	if err != nil {
		return nil, fmt.Errorf("create consumer for %s/%s: %w", opts.Stream, opts.Group, err)
	}
	concurrency := opts.Concurrency
	if concurrency <= 0 {
		concurrency = 1
	}
	c.AddConcurrentHandlers(h, concurrency)
	return &GroupConsumer{consumer: c}, nil
}

// consumerConfig builds the nsq config for a group member. Attempt limits
// belong to the handler's retry governor; go-nsq's own cap would discard
// messages before the handler ever sees them, so it is disabled.
func consumerConfig(opts ConsumerOpts) *nsq.Config {
	conf := nsq.NewConfig()
	conf.MaxAttempts = 0
	if opts.MaxInFlight > 0 {
		conf.MaxInFlight = opts.MaxInFlight
	}
	return conf
}

// Connect joins the broker. Connecting directly to nsqd forces channel
// creation instead of the channel being lazily created on first publish;
// lookupd keeps the member discovering new producers.
func (g *GroupConsumer) Connect(nsqdTCPAddr, lookupHTTPAddr string) error {
	if err := g.consumer.ConnectToNSQD(nsqdTCPAddr); err != nil {
		return fmt.Errorf("connect to nsqd: %w", err)
	}
	if lookupHTTPAddr != "" {
		if err := g.consumer.ConnectToNSQLookupd(lookupHTTPAddr); err != nil {
			return fmt.Errorf("connect to lookupd: %w", err)
		}
	}
	return nil
}

// Stop leaves the group and waits for in-flight handlers to drain.
func (g *GroupConsumer) Stop() {
	g.consumer.Stop()
	<-g.consumer.StopChan
}

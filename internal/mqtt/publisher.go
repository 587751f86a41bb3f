package mqtt

import (
	"context"
	"encoding/json"

	"github.com/lock-code-manager/backend/internal/events"
	"github.com/lock-code-manager/backend/internal/logging"
)

// publisher is the part of Client the event publisher needs.
type publisher interface {
	Publish(topic string, payload []byte, qos byte, retained bool) error
}

type outbound struct {
	topic    string
	payload  any
	retained bool
}

const publishQueueSize = 256

// Publisher forwards lock events to MQTT so external automation can react to
// keypad activity and sync failures. It implements events.Sink.
type Publisher struct {
	pub    publisher
	topics Topics
	qos    byte
	queue  chan outbound
	logger *logging.Logger
}

// NewPublisher creates a publisher on client. Call Run to start delivery.
func NewPublisher(client *Client, logger *logging.Logger) *Publisher {
	return newPublisher(client, client.Topics(), client.QoS(), logger)
}

func newPublisher(pub publisher, topics Topics, qos byte, logger *logging.Logger) *Publisher {
	return &Publisher{
		pub:    pub,
		topics: topics,
		qos:    qos,
		queue:  make(chan outbound, publishQueueSize),
		logger: logger.With("component", "mqtt_publisher"),
	}
}

// Run delivers queued events until ctx is cancelled.
func (p *Publisher) Run(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case msg := <-p.queue:
			p.deliver(msg)
		}
	}
}

func (p *Publisher) deliver(msg outbound) {
	payload, err := json.Marshal(msg.payload)
	if err != nil {
		p.logger.Error("encoding event", "topic", msg.topic, "error", err)
		return
	}
	if err := p.pub.Publish(msg.topic, payload, p.qos, msg.retained); err != nil {
		p.logger.Warn("publishing event", "topic", msg.topic, "error", err)
	}
}

func (p *Publisher) enqueue(msg outbound) {
	select {
	case p.queue <- msg:
	default:
		p.logger.Warn("publish queue full, dropping event", "topic", msg.topic)
	}
}

func (p *Publisher) Notify(n events.Notification) {
	p.enqueue(outbound{topic: p.topics.Notification(n.LockID), payload: n})
}

func (p *Publisher) Diagnose(d events.Diagnostic) {
	p.enqueue(outbound{topic: p.topics.Diagnostic(d.LockID), payload: d})
}

func (p *Publisher) SlotChanged(s events.SlotChanged) {
	p.enqueue(outbound{topic: p.topics.SlotStatus(s.LockID, s.Number), payload: s, retained: true})
}

func (p *Publisher) LockChanged(l events.LockChanged) {
	p.enqueue(outbound{topic: p.topics.LockStatus(l.LockID), payload: l, retained: true})
}

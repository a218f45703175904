// Package events publishes delivery lifecycle events to downstream
// consumers (reporting, analytics). Publishing is best effort: callers log
// failures and carry on.
package events

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/segmentio/kafka-go"

	"blastengine/internal/types"
)

// Type names an event.
type Type string

const (
	// AttemptStatusChanged fires when an attempt is sent, fails, or a
	// provider callback moves it forward.
	AttemptStatusChanged Type = "attempt.status_changed"
	// RecipientFinished fires when a recipient reaches a terminal state.
	RecipientFinished Type = "recipient.finished"
	// CampaignStatusChanged fires on campaign lifecycle transitions.
	CampaignStatusChanged Type = "campaign.status_changed"
)

// Event is the wire payload. Fields irrelevant to a type are omitted.
type Event struct {
	Type        Type          `json:"type"`
	CampaignID  string        `json:"campaign_id"`
	RecipientID string        `json:"recipient_id,omitempty"`
	AttemptID   string        `json:"attempt_id,omitempty"`
	Channel     types.Channel `json:"channel,omitempty"`
	Provider    string        `json:"provider,omitempty"`
	Status      string        `json:"status"`
	Cost        *types.Money  `json:"cost,omitempty"`
	OccurredAt  time.Time     `json:"occurred_at"`
}

// key partitions events so one recipient's events stay ordered.
func (e Event) key() string {
	if e.RecipientID != "" {
		return e.RecipientID
	}
	return e.CampaignID
}

// Publisher emits events.
type Publisher interface {
	Publish(ctx context.Context, e Event) error
}

// Noop drops events. Used when no brokers are configured.
type Noop struct{}

func (Noop) Publish(context.Context, Event) error { return nil }

// messageWriter is the subset of *kafka.Writer used here.
type messageWriter interface {
	WriteMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

// KafkaPublisher writes JSON events to one topic.
type KafkaPublisher struct {
	writer messageWriter
	topic  string
}

// NewKafkaPublisher creates a publisher with a kafka-go Writer balancing by
// key hash. Writes are synchronous and require the leader's ack.
func NewKafkaPublisher(brokers []string, topic string) *KafkaPublisher {
	w := &kafka.Writer{
		Addr:         kafka.TCP(brokers...),
		Topic:        topic,
		Balancer:     &kafka.Hash{},
		RequiredAcks: kafka.RequireOne,
		BatchTimeout: 10 * time.Millisecond,
	}
	return &KafkaPublisher{writer: w, topic: topic}
}

func newKafkaPublisherWithWriter(w messageWriter, topic string) *KafkaPublisher {
	return &KafkaPublisher{writer: w, topic: topic}
}

// Publish encodes e and writes it keyed by recipient (or campaign).
func (p *KafkaPublisher) Publish(ctx context.Context, e Event) error {
	if e.OccurredAt.IsZero() {
		e.OccurredAt = time.Now().UTC()
	}
	value, err := json.Marshal(e)
	if err != nil {
		return fmt.Errorf("marshal event: %w", err)
	}
	msg := kafka.Message{
		Key:   []byte(e.key()),
		Value: value,
		Time:  e.OccurredAt,
		Headers: []kafka.Header{
			{Key: "event_type", Value: []byte(e.Type)},
		},
	}
	if rid := types.GetRequestID(ctx); rid != "" {
		msg.Headers = append(msg.Headers, kafka.Header{Key: "request_id", Value: []byte(rid)})
	}
	if cid := types.GetCampaignID(ctx); cid != "" {
		msg.Headers = append(msg.Headers, kafka.Header{Key: "campaign_id", Value: []byte(cid)})
	}
	if err := p.writer.WriteMessages(ctx, msg); err != nil {
		return fmt.Errorf("publish %s to %s: %w", e.Type, p.topic, err)
	}
	return nil
}

// Close flushes pending writes.
func (p *KafkaPublisher) Close() error {
	return p.writer.Close()
}

var (
	_ Publisher = Noop{}
	_ Publisher = (*KafkaPublisher)(nil)
)

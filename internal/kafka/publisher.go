package kafka

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/segmentio/kafka-go"

	"github.com/jmehdipour/treesync/internal/model"
)

// Event types on the outcomes topic.
const (
	EventEntry = "entry_outcome"
	EventCycle = "drain_cycle"
)

// OutcomeEvent is the JSON value written to the outcomes topic.
type OutcomeEvent struct {
	Type  string              `json:"type"`
	Entry *model.EntryOutcome `json:"entry,omitempty"`
	Cycle *model.CycleResult  `json:"cycle,omitempty"`
}

type messageWriter interface {
	WriteMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

// Publisher emits sync outcomes for UI collaborators that read Kafka.
// Entry events are keyed by collection/documentId so a document's outcomes stay in one partition.
type Publisher struct {
	w messageWriter
}

func NewPublisher(brokers []string, topic string) *Publisher {
	return &Publisher{w: &kafka.Writer{
		Addr:                   kafka.TCP(brokers...),
		Topic:                  topic,
		Balancer:               &kafka.Hash{},
		RequiredAcks:           kafka.RequireOne,
		BatchTimeout:           50 * time.Millisecond,
		AllowAutoTopicCreation: true,
	}}
}

func (p *Publisher) NotifyEntry(ctx context.Context, o model.EntryOutcome) error {
	return p.write(ctx, o.Collection+"/"+o.DocumentID, OutcomeEvent{Type: EventEntry, Entry: &o})
}

func (p *Publisher) NotifyCycle(ctx context.Context, r model.CycleResult) error {
	if r.Idle() {
		return nil
	}
	return p.write(ctx, "cycle", OutcomeEvent{Type: EventCycle, Cycle: &r})
}

func (p *Publisher) write(ctx context.Context, key string, ev OutcomeEvent) error {
	b, err := json.Marshal(ev)
	if err != nil {
		return err
	}
	if err := p.w.WriteMessages(ctx, kafka.Message{Key: []byte(key), Value: b}); err != nil {
		return fmt.Errorf("publish %s: %w", ev.Type, err)
	}
	return nil
}

func (p *Publisher) Close() error { return p.w.Close() }

package ledger

import (
    "context"
    "encoding/json"
    "fmt"
    "time"

    "github.com/segmentio/kafka-go"

    "supplier-sync/internal/types"
)

type messageWriter interface {
    WriteMessages(ctx context.Context, msgs ...kafka.Message) error
    Close() error
}

// KafkaPublisher mirrors audit entries to a topic for the operational dashboards.
type KafkaPublisher struct {
    writer messageWriter
}

func NewKafkaPublisher(brokers []string, topic string) *KafkaPublisher {
    return &KafkaPublisher{writer: &kafka.Writer{
        Addr:         kafka.TCP(brokers...),
        Topic:        topic,
        Balancer:     &kafka.Hash{},
        BatchTimeout: 50 * time.Millisecond,
        RequiredAcks: kafka.RequireOne,
        Async:        false,
    }}
}

func (p *KafkaPublisher) Audit(ctx context.Context, e types.AuditEntry) error {
    prepareEntry(&e)
    payload, err := json.Marshal(e)
    if err != nil {
        return fmt.Errorf("marshal audit entry: %w", err)
    }
    // keyed by supplier id
    msg := kafka.Message{Key: []byte(e.SupplierID), Value: payload, Time: e.CreatedAt}
    if err := p.writer.WriteMessages(ctx, msg); err != nil {
        return fmt.Errorf("publish audit %s: %w", e.Action, err)
    }
    return nil
}

func (p *KafkaPublisher) Close() error {
    return p.writer.Close()
}

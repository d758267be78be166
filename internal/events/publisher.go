// internal/events/publisher.go
package events

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/Mileskamau/mpesa-backend/internal/domain"

	"github.com/segmentio/kafka-go"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"
)

const DefaultStatusTopic = "payments.status_changed"

// StatusChanged is emitted for every persisted status transition, including
// registration of a new record (PreviousStatus empty).
type StatusChanged struct {
	TransactionID  string          `json:"transaction_id"`
	CorrelationID  string          `json:"correlation_id"`
	Provider       domain.Provider `json:"provider"`
	SecondaryID    string          `json:"secondary_id,omitempty"`
	Amount         decimal.Decimal `json:"amount"`
	Currency       string          `json:"currency"`
	SubjectID      string          `json:"subject_id"`
	ReferenceID    string          `json:"reference_id"`
	PreviousStatus domain.Status   `json:"previous_status,omitempty"`
	Status         domain.Status   `json:"status"`
	StatusDetail   string          `json:"status_detail,omitempty"`
	ReceiptRef     string          `json:"receipt_ref,omitempty"`
	Source         string          `json:"source"`
	CreatedAt      time.Time       `json:"created_at"`
	UpdatedAt      time.Time       `json:"updated_at"`
	TerminalAt     *time.Time      `json:"terminal_at,omitempty"`
	SettledAt      *time.Time      `json:"settled_at,omitempty"`
}

func NewStatusChanged(previous domain.Status, rec domain.Transaction, source string) StatusChanged {
	return StatusChanged{
		TransactionID:  rec.TransactionID,
		CorrelationID:  rec.CorrelationID,
		Provider:       rec.Provider,
		SecondaryID:    rec.SecondaryID,
		Amount:         rec.Amount,
		Currency:       rec.Currency,
		SubjectID:      rec.SubjectID,
		ReferenceID:    rec.ReferenceID,
		PreviousStatus: previous,
		Status:         rec.Status,
		StatusDetail:   rec.StatusDetail,
		ReceiptRef:     rec.ReceiptRef,
		Source:         source,
		CreatedAt:      rec.CreatedAt,
		UpdatedAt:      rec.UpdatedAt,
		TerminalAt:     rec.TerminalAt,
		SettledAt:      rec.SettledAt,
	}
}

type Publisher interface {
	Publish(ctx context.Context, ev StatusChanged) error
	Close() error
}

type messageWriter interface {
	WriteMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

// KafkaPublisher writes StatusChanged events keyed by transaction alias, so
// all events for one payment land on the same partition in order.
type KafkaPublisher struct {
	writer messageWriter
	logger *zap.Logger
}

func NewKafkaPublisher(brokers []string, topic string, logger *zap.Logger) *KafkaPublisher {
	if topic == "" {
		topic = DefaultStatusTopic
	}
	w := &kafka.Writer{
		Addr:         kafka.TCP(brokers...),
		Topic:        topic,
		Balancer:     &kafka.Hash{},
		BatchTimeout: 10 * time.Millisecond,
		Async:        true,
		RequiredAcks: kafka.RequireOne,
		Completion: func(messages []kafka.Message, err error) {
			if err != nil {
				logger.Error("failed to deliver status events",
					zap.Int("count", len(messages)),
					zap.Error(err))
			}
		},
	}
	logger.Info("kafka status publisher configured",
		zap.String("brokers", strings.Join(brokers, ",")),
		zap.String("topic", topic))
	return &KafkaPublisher{writer: w, logger: logger}
}

func (p *KafkaPublisher) Publish(ctx context.Context, ev StatusChanged) error {
	value, err := json.Marshal(ev)
	if err != nil {
		return fmt.Errorf("failed to marshal status event: %w", err)
	}
	err = p.writer.WriteMessages(ctx, kafka.Message{
		Key:   []byte(ev.TransactionID),
		Value: value,
		Headers: []kafka.Header{
			{Key: "provider", Value: []byte(ev.Provider)},
			{Key: "status", Value: []byte(ev.Status)},
		},
	})
	if err != nil {
		return fmt.Errorf("failed to publish status event: %w", err)
	}
	return nil
}

func (p *KafkaPublisher) Close() error {
	return p.writer.Close()
}

// NopPublisher is used when no broker is configured.
type NopPublisher struct{}

func (NopPublisher) Publish(context.Context, StatusChanged) error { return nil }
func (NopPublisher) Close() error                                { return nil }

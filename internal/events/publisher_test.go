package events

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/Mileskamau/mpesa-backend/internal/domain"

	"github.com/segmentio/kafka-go"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"
)

type fakeWriter struct {
	msgs []kafka.Message
	err  error
}

func (f *fakeWriter) WriteMessages(ctx context.Context, msgs ...kafka.Message) error {
	if f.err != nil {
		return f.err
	}
	f.msgs = append(f.msgs, msgs...)
	return nil
}

func (f *fakeWriter) Close() error { return nil }

func TestKafkaPublisherPublish(t *testing.T) {
	w := &fakeWriter{}
	p := &KafkaPublisher{writer: w, logger: zap.NewNop()}

	now := time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)
	rec := domain.Transaction{
		TransactionID: "txn_01HQ",
		CorrelationID: "ws_CO_1",
		Provider:      domain.ProviderMobileMoney,
		Amount:        decimal.NewFromInt(500),
		Currency:      "KES",
		Status:        domain.StatusSucceeded,
		ReceiptRef:    "R123",
		CreatedAt:     now,
		UpdatedAt:     now,
		TerminalAt:    &now,
	}
	rec.RawProviderPayload = json.RawMessage(`{"secret":"payload"}`)

	if err := p.Publish(context.Background(), NewStatusChanged(domain.StatusCreated, rec, "callback")); err != nil {
		t.Fatalf("publish: %v", err)
	}
	if len(w.msgs) != 1 {
		t.Fatalf("expected one message, got %d", len(w.msgs))
	}
	msg := w.msgs[0]
	if string(msg.Key) != "txn_01HQ" {
		t.Fatalf("unexpected key %q", msg.Key)
	}

	var got map[string]any
	if err := json.Unmarshal(msg.Value, &got); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if got["previous_status"] != "CREATED" || got["status"] != "SUCCEEDED" || got["amount"] != "500" {
		t.Fatalf("unexpected payload: %v", got)
	}
	if _, leaked := got["raw_provider_payload"]; leaked {
		t.Fatal("raw provider payload must not be published")
	}
}

func TestKafkaPublisherWrapsWriteError(t *testing.T) {
	boom := errors.New("broker down")
	p := &KafkaPublisher{writer: &fakeWriter{err: boom}, logger: zap.NewNop()}
	if err := p.Publish(context.Background(), StatusChanged{TransactionID: "txn_1"}); !errors.Is(err, boom) {
		t.Fatalf("expected wrapped broker error, got %v", err)
	}
}

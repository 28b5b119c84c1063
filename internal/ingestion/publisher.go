package ingestion

import (
	"SettlementLedger/internal/core"
	"SettlementLedger/internal/observability"
	"context"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"log"
	"time"

	"github.com/google/uuid"
	"github.com/nats-io/nats.go/jetstream"
)

const (
	LedgerStream        = "SETTLE_LEDGER_EVENTS"
	LedgerSubjectPrefix = "settle.ledger.recorded"
)

// LedgerEvent announces a committed settlement to downstream consumers.
type LedgerEvent struct {
	EventID       string           `json:"event_id"`
	BatchID       string           `json:"batch_id"`
	Address       string           `json:"address"`
	Bump          uint8            `json:"bump"`
	TradeCount    int              `json:"trade_count"`
	TotalVolumeE6 int64            `json:"total_volume_e6"`
	TotalFeesE6   int64            `json:"total_fees_e6"`
	DataHash      string           `json:"data_hash"`
	RecordedAtMs  int64            `json:"recorded_at_ms"`
	Aggregates    []AggregateEvent `json:"aggregates,omitempty"`
}

type AggregateEvent struct {
	Wallet      string `json:"wallet"`
	Address     string `json:"address"`
	Created     bool   `json:"created"`
	TotalTrades uint64 `json:"total_trades"`
}

// NewLedgerEvent builds the outbound event for a receipt.
func NewLedgerEvent(r *core.Receipt) LedgerEvent {
	evt := LedgerEvent{
		EventID:       uuid.NewString(),
		BatchID:       r.Batch.BatchID,
		Address:       r.Address.String(),
		Bump:          r.Bump,
		TradeCount:    len(r.Batch.Trades),
		TotalVolumeE6: r.Batch.TotalVolumeE6,
		TotalFeesE6:   r.Batch.TotalFeesE6,
		DataHash:      hex.EncodeToString(r.Batch.DataHash[:]),
		RecordedAtMs:  r.RecordedAtMs,
	}
	for _, a := range r.Aggregates {
		evt.Aggregates = append(evt.Aggregates, AggregateEvent{
			Wallet:      a.Wallet.String(),
			Address:     a.Address.String(),
			Created:     a.Created,
			TotalTrades: a.Aggregate.TotalTrades,
		})
	}
	return evt
}

// Subject is settle.ledger.recorded.<batch_id>.
func (e LedgerEvent) Subject() string {
	return fmt.Sprintf("%s.%s", LedgerSubjectPrefix, e.BatchID)
}

// Offer queues evt without blocking. A full or nil channel drops the event;
// downstream consumers can still read the record through the query API.
func Offer(events chan<- LedgerEvent, evt LedgerEvent, metrics *observability.Metrics) {
	if events == nil {
		return
	}
	select {
	case events <- evt:
	default:
		if metrics != nil {
			metrics.PublishFailures.Inc()
		}
		log.Printf("WARN: ledger event channel full, dropped batch=%s", evt.BatchID)
	}
}

// OutboundPublisher publishes ledger events to NATS after commit.
type OutboundPublisher struct {
	js        jetstream.JetStream
	inputChan <-chan LedgerEvent
	metrics   *observability.Metrics
}

func NewOutboundPublisher(js jetstream.JetStream, inputChan <-chan LedgerEvent, metrics *observability.Metrics) *OutboundPublisher {
	return &OutboundPublisher{
		js:        js,
		inputChan: inputChan,
		metrics:   metrics,
	}
}

// Run starts the outbound publisher loop.
func (op *OutboundPublisher) Run(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()

		case evt, ok := <-op.inputChan:
			if !ok {
				return nil
			}

			if err := op.publish(ctx, evt); err != nil {
				if op.metrics != nil {
					op.metrics.PublishFailures.Inc()
				}
				log.Printf("WARN: outbound publish failed batch=%s: %v", evt.BatchID, err)
			}
		}
	}
}

func (op *OutboundPublisher) publish(ctx context.Context, evt LedgerEvent) error {
	data, err := json.Marshal(evt)
	if err != nil {
		return fmt.Errorf("marshal event: %w", err)
	}

	// Msg id lets JetStream drop a republished event for the same batch.
	_, err = op.js.Publish(ctx, evt.Subject(), data, jetstream.WithMsgID(evt.BatchID))
	return err
}

// EnsureOutboundStream creates the outbound events stream.
func EnsureOutboundStream(ctx context.Context, js jetstream.JetStream) error {
	_, err := js.CreateOrUpdateStream(ctx, jetstream.StreamConfig{
		Name:       LedgerStream,
		Subjects:   []string{LedgerSubjectPrefix + ".>"},
		Storage:    jetstream.FileStorage,
		Retention:  jetstream.LimitsPolicy,
		MaxAge:     72 * time.Hour,
		Duplicates: 10 * time.Minute,
		Replicas:   1,
	})
	if err != nil {
		return fmt.Errorf("create outbound stream: %w", err)
	}
	log.Printf("INFO: ensured outbound stream %s", LedgerStream)
	return nil
}

package ingestion

import (
	"SettlementLedger/internal/core"
	"SettlementLedger/internal/observability"
	"SettlementLedger/internal/settlement"
	"context"
	"errors"
	"fmt"
	"log"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/nats-io/nats.go/jetstream"
	"github.com/rs/zerolog"
)

const (
	BatchStream   = "SETTLE_BATCHES"
	BatchSubject  = "settle.batches.>"
	BatchConsumer = "ledger-settlement"
)

// Recorder is the part of the settlement core the intake drives.
type Recorder interface {
	RecordSettlementBatch(ctx context.Context, caller core.Caller, batch *settlement.Batch) (*core.Receipt, error)
	RecordSettlementTrades(ctx context.Context, caller core.Caller, batchID string, trades []settlement.Trade) (*core.Receipt, error)
}

// Disposition is what to do with a bus message after handling it.
type Disposition int

const (
	// Ack: recorded, or a duplicate of something already recorded.
	Ack Disposition = iota
	// Nak: transient failure, redeliver.
	Nak
	// Term: the message can never succeed as sent.
	Term
)

func (d Disposition) String() string {
	switch d {
	case Ack:
		return "ack"
	case Nak:
		return "nak"
	default:
		return "term"
	}
}

// BatchHandler turns bus messages into settlement commits.
type BatchHandler struct {
	recorder Recorder
	events   chan<- LedgerEvent
	logger   zerolog.Logger
	metrics  *observability.Metrics
}

// NewBatchHandler creates a handler. events may be nil to skip publishing.
func NewBatchHandler(recorder Recorder, events chan<- LedgerEvent, logger zerolog.Logger, metrics *observability.Metrics) *BatchHandler {
	return &BatchHandler{
		recorder: recorder,
		events:   events,
		logger:   logger,
		metrics:  metrics,
	}
}

// Handle processes one message body and decides its disposition.
func (h *BatchHandler) Handle(ctx context.Context, subject string, data []byte) Disposition {
	d, err := h.handle(ctx, data)
	if err != nil {
		h.logger.Warn().
			Err(err).
			Str("subject", subject).
			Str("disposition", d.String()).
			Msg("settlement message not recorded")
	}
	if h.metrics != nil {
		h.metrics.NATSMessages.WithLabelValues(d.String()).Inc()
	}
	return d
}

func (h *BatchHandler) handle(ctx context.Context, data []byte) (Disposition, error) {
	kind, caller, err := ParseEnvelope(data)
	if err != nil {
		return Term, err
	}

	var receipt *core.Receipt
	switch kind {
	case KindBatch:
		batch, perr := ParseBatch(caller.Payload)
		if perr != nil {
			return Term, perr
		}
		receipt, err = h.recorder.RecordSettlementBatch(ctx, caller, batch)
	case KindTrades:
		batchID, trades, perr := ParseTradesRequest(caller.Payload)
		if perr != nil {
			return Term, perr
		}
		receipt, err = h.recorder.RecordSettlementTrades(ctx, caller, batchID, trades)
	}

	if err != nil {
		return dispositionFor(err), err
	}

	Offer(h.events, NewLedgerEvent(receipt), h.metrics)
	return Ack, nil
}

// dispositionFor maps a commit error to a bus disposition. Taxonomy errors
// and auth failures are final for the message; a redelivered duplicate is
// acknowledged since its batch is already recorded. An underfunded payer is
// retried because the same message commits once the payer is topped up.
func dispositionFor(err error) Disposition {
	switch {
	case errors.Is(err, settlement.ErrAccountAlreadyExists):
		return Ack
	case errors.Is(err, settlement.ErrInsufficientLamports):
		return Nak
	case errors.Is(err, settlement.ErrMissingSignature), errors.Is(err, settlement.ErrIllegalOwner):
		return Term
	}
	if _, ok := settlement.CodeOf(err); ok {
		return Term
	}
	return Nak
}

// NATSSubscriber consumes signed settlement requests from JetStream.
type NATSSubscriber struct {
	js       jetstream.JetStream
	handler  *BatchHandler
	consumer jetstream.ConsumeContext
}

func NewNATSSubscriber(js jetstream.JetStream, handler *BatchHandler) *NATSSubscriber {
	return &NATSSubscriber{
		js:      js,
		handler: handler,
	}
}

// Subscribe creates the durable consumer and starts consuming.
// Explicit ack, max_deliver=5, ack_wait=30s.
func (ns *NATSSubscriber) Subscribe(ctx context.Context) error {
	consumer, err := ns.js.CreateOrUpdateConsumer(ctx, BatchStream, jetstream.ConsumerConfig{
		Durable:       BatchConsumer,
		FilterSubject: BatchSubject,
		AckPolicy:     jetstream.AckExplicitPolicy,
		AckWait:       30 * time.Second,
		MaxDeliver:    5,
		DeliverPolicy: jetstream.DeliverAllPolicy,
	})
	if err != nil {
		return fmt.Errorf("create consumer %s: %w", BatchConsumer, err)
	}

	consumeContext, err := consumer.Consume(func(msg jetstream.Msg) {
		switch ns.handler.Handle(ctx, msg.Subject(), msg.Data()) {
		case Ack:
			msg.Ack()
		case Nak:
			msg.NakWithDelay(time.Second)
		case Term:
			msg.Term()
		}
	})
	if err != nil {
		return fmt.Errorf("consume %s: %w", BatchConsumer, err)
	}

	ns.consumer = consumeContext
	log.Printf("INFO: subscribed to %s (consumer=%s)", BatchSubject, BatchConsumer)
	return nil
}

// EnsureStreams creates the intake stream if it doesn't exist.
func EnsureStreams(ctx context.Context, js jetstream.JetStream) error {
	_, err := js.CreateOrUpdateStream(ctx, jetstream.StreamConfig{
		Name:       BatchStream,
		Subjects:   []string{BatchSubject},
		Storage:    jetstream.FileStorage,
		Retention:  jetstream.LimitsPolicy,
		MaxAge:     72 * time.Hour,
		Duplicates: 10 * time.Minute,
		Replicas:   1,
	})
	if err != nil {
		return fmt.Errorf("create stream %s: %w", BatchStream, err)
	}
	log.Printf("INFO: ensured stream %s", BatchStream)
	return nil
}

// Stop gracefully stops the consumer.
func (ns *NATSSubscriber) Stop() {
	if ns.consumer != nil {
		ns.consumer.Stop()
	}
	log.Println("INFO: NATS subscriber stopped")
}

// ConnectNATS establishes a NATS connection and returns a JetStream context.
func ConnectNATS(url string) (*nats.Conn, jetstream.JetStream, error) {
	nc, err := nats.Connect(url,
		nats.Name("settlementd"),
		nats.MaxReconnects(-1),
		nats.ReconnectWait(2*time.Second),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			log.Printf("WARN: NATS disconnected: %v", err)
		}),
		nats.ReconnectHandler(func(_ *nats.Conn) {
			log.Println("INFO: NATS reconnected")
		}),
	)
	if err != nil {
		return nil, nil, fmt.Errorf("nats connect: %w", err)
	}

	js, err := jetstream.New(nc)
	if err != nil {
		nc.Close()
		return nil, nil, fmt.Errorf("jetstream: %w", err)
	}

	return nc, js, nil
}

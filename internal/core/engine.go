package core

import (
	"SettlementLedger/internal/address"
	"SettlementLedger/internal/ledger"
	fpmath "SettlementLedger/internal/math"
	"SettlementLedger/internal/observability"
	"SettlementLedger/internal/record"
	"SettlementLedger/internal/settlement"
	"SettlementLedger/internal/storage"
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/rs/zerolog"
)

// Entry points, used as the metrics label.
const (
	EntrypointBatch    = "batch"
	EntrypointTrades   = "trades"
	EntrypointInitUser = "init_user"
	EntrypointStatus   = "status"
)

// Clock returns the current time. Injected so commits are reproducible in tests.
type Clock func() time.Time

// Config is the process-wide configuration of the settlement core.
type Config struct {
	// ProgramID owns every record the core creates and salts every derived address.
	ProgramID settlement.Pubkey

	// AuthorizedRelayer is the only identity allowed to invoke operations.
	AuthorizedRelayer settlement.Pubkey

	// MaintainUserAggregates selects the batch+aggregate configuration. When
	// false only the settlement record is written.
	MaintainUserAggregates bool

	// RecordedCacheCapacity bounds the idempotency LRU.
	RecordedCacheCapacity int

	Clock Clock
}

// DefaultConfig returns a config with aggregates enabled and the wall clock.
// ProgramID and AuthorizedRelayer must still be set.
func DefaultConfig() Config {
	return Config{
		MaintainUserAggregates: true,
		RecordedCacheCapacity:  100_000,
		Clock:                  time.Now,
	}
}

// AggregateChange describes one user aggregate touched by a commit.
type AggregateChange struct {
	Wallet    settlement.Pubkey
	Address   settlement.Pubkey
	Created   bool
	Aggregate record.UserAggregate
}

// Receipt is the result of a successful settlement commit.
type Receipt struct {
	Batch           *settlement.Batch
	Address         settlement.Pubkey
	Bump            uint8
	RecordSize      int
	LamportsCharged int64
	RecordedAtMs    int64
	Aggregates      []AggregateChange
	Audit           []AuditEntry
}

// SettlementCore runs settlement commits against a storage backend. It is
// safe for concurrent use; the backend serializes conflicting transactions.
type SettlementCore struct {
	cfg      Config
	store    storage.Backend
	recorded *RecordedSet
	logger   zerolog.Logger
	metrics  *observability.Metrics
}

func NewSettlementCore(cfg Config, store storage.Backend, logger zerolog.Logger, metrics *observability.Metrics) (*SettlementCore, error) {
	if cfg.ProgramID.IsZero() {
		return nil, errors.New("settlement core: program id is required")
	}
	if cfg.AuthorizedRelayer.IsZero() {
		return nil, errors.New("settlement core: authorized relayer is required")
	}
	if store == nil {
		return nil, errors.New("settlement core: storage backend is required")
	}
	if cfg.Clock == nil {
		cfg.Clock = time.Now
	}

	return &SettlementCore{
		cfg:      cfg,
		store:    store,
		recorded: NewRecordedSet(cfg.RecordedCacheCapacity, metrics),
		logger:   logger,
		metrics:  metrics,
	}, nil
}

// ProgramID returns the configured owning program.
func (c *SettlementCore) ProgramID() settlement.Pubkey {
	return c.cfg.ProgramID
}

// RecordSettlementBatch commits a pre-assembled batch whose totals and digest
// were computed by the relayer.
func (c *SettlementCore) RecordSettlementBatch(ctx context.Context, caller Caller, batch *settlement.Batch) (*Receipt, error) {
	if batch == nil {
		return nil, c.reject(EntrypointBatch, "", "decode", fmt.Errorf("nil batch: %w", settlement.ErrInvalidTradeData))
	}
	return c.commit(ctx, EntrypointBatch, caller, batch.BatchID, func(trail *auditTrail) (*settlement.Batch, error) {
		if err := ValidateBatch(batch); err != nil {
			return nil, err
		}
		trail.add(PhaseValidated, "VALIDATED|mode:digest|trades:%d", len(batch.Trades))
		return batch, nil
	})
}

// RecordSettlementTrades validates each trade on its own and commits them as
// a batch stamped with the commit time and the caller as relayer.
func (c *SettlementCore) RecordSettlementTrades(ctx context.Context, caller Caller, batchID string, trades []settlement.Trade) (*Receipt, error) {
	return c.commit(ctx, EntrypointTrades, caller, batchID, func(trail *auditTrail) (*settlement.Batch, error) {
		if err := ValidateTrades(trades); err != nil {
			return nil, err
		}
		b, err := AssembleBatch(batchID, c.cfg.Clock().UnixMilli(), caller.Identity, trades, nil)
		if err != nil {
			return nil, err
		}
		trail.add(PhaseValidated, "VALIDATED|mode:per_trade|trades:%d", len(trades))
		return b, nil
	})
}

// pendingAggregate is a user aggregate staged within one commit. Keyed by
// address so that a wallet on both sides of a trade accumulates both roles.
type pendingAggregate struct {
	wallet  settlement.Pubkey
	addr    settlement.Pubkey
	created bool
	agg     *record.UserAggregate
}

func (c *SettlementCore) commit(
	ctx context.Context,
	entry string,
	caller Caller,
	batchID string,
	prepare func(trail *auditTrail) (*settlement.Batch, error),
) (*Receipt, error) {
	started := c.cfg.Clock()
	trail := newAuditTrail(entry, batchID)

	// Step 1: AuthCheck
	if err := authorize(caller, c.cfg.AuthorizedRelayer, entry, batchID); err != nil {
		return nil, c.reject(entry, batchID, "auth", err)
	}
	trail.add(PhaseAuthorized, "AUTHORIZED|relayer:%s", caller.Identity)

	// Step 2: BatchIdFormatCheck
	if err := ValidateBatchID(batchID); err != nil {
		return nil, c.reject(entry, batchID, "batch_id", err)
	}
	trail.add(PhaseBatchIDChecked, "BATCH_ID_OK|batch_id:%s", batchID)

	// Step 3: BatchValidate
	batch, err := prepare(trail)
	if err != nil {
		return nil, c.reject(entry, batchID, "validate", err)
	}

	// Step 4: AddressDerive(batch)
	batchAddr, bump, err := address.SettlementAddress(c.cfg.ProgramID, batchID)
	if err != nil {
		return nil, c.reject(entry, batchID, "derive", err)
	}
	trail.add(PhaseAddressDerived, "ADDRESS_DERIVED|settlement:%s|bump:%d", batchAddr, bump)

	tx, err := c.store.Begin(ctx)
	if err != nil {
		return nil, c.reject(entry, batchID, "begin", err)
	}
	defer tx.Rollback()

	// Step 5: ExistenceCheck(batch)
	recorded, err := c.recorded.IsRecorded(ctx, tx, batchAddr)
	if err != nil {
		return nil, c.reject(entry, batchID, "exists", err)
	}
	if recorded {
		return nil, c.reject(entry, batchID, "exists",
			fmt.Errorf("batch %s at %s: %w", batchID, batchAddr, settlement.ErrAccountAlreadyExists))
	}
	trail.add(PhaseExistenceChecked, "EXISTENCE_CHECKED|settlement:%s|recorded:false", batchAddr)

	nowMs := c.cfg.Clock().UnixMilli()

	// Steps 6-8: derive user addresses, load or create, apply
	var pending []*pendingAggregate
	if c.cfg.MaintainUserAggregates {
		pending, err = c.stageAggregates(ctx, tx, batch, nowMs, trail)
		if err != nil {
			return nil, c.reject(entry, batchID, "aggregate", err)
		}
	}

	// Step 9: Persist. The full storage cost is checked before the first write.
	rec := record.NewSettlementRecord(*batch, bump)
	encoded, err := record.EncodeSettlementRecord(rec)
	if err != nil {
		return nil, c.reject(entry, batchID, "encode", err)
	}

	rent := c.store.Rent()
	cost := rent.MinimumBalance(len(encoded))
	allocated := len(encoded)
	for _, p := range pending {
		if p.created {
			cost += rent.MinimumBalance(record.UserAggregateSize)
			allocated += record.UserAggregateSize
		}
	}
	balance, err := tx.Balance(ctx, caller.Identity)
	if err != nil {
		return nil, c.reject(entry, batchID, "persist", err)
	}
	if balance < cost {
		return nil, c.reject(entry, batchID, "persist",
			fmt.Errorf("batch %s needs %d lamports, payer has %d: %w", batchID, cost, balance, settlement.ErrInsufficientLamports))
	}

	if err := tx.Allocate(ctx, batchAddr, len(encoded), c.cfg.ProgramID, caller.Identity); err != nil {
		return nil, c.reject(entry, batchID, "persist", err)
	}
	if err := tx.Write(ctx, batchAddr, encoded); err != nil {
		return nil, c.reject(entry, batchID, "persist", err)
	}

	changes := make([]AggregateChange, 0, len(pending))
	for _, p := range pending {
		if p.created {
			if err := tx.Allocate(ctx, p.addr, record.UserAggregateSize, c.cfg.ProgramID, caller.Identity); err != nil {
				return nil, c.reject(entry, batchID, "persist", err)
			}
		}
		data, err := record.EncodeUserAggregate(p.agg)
		if err != nil {
			return nil, c.reject(entry, batchID, "encode", err)
		}
		if err := tx.Write(ctx, p.addr, data); err != nil {
			return nil, c.reject(entry, batchID, "persist", err)
		}
		changes = append(changes, AggregateChange{
			Wallet:    p.wallet,
			Address:   p.addr,
			Created:   p.created,
			Aggregate: *p.agg,
		})
	}

	if err := tx.Commit(); err != nil {
		return nil, c.reject(entry, batchID, "commit", err)
	}
	c.recorded.MarkRecorded(batchAddr)
	trail.add(PhasePersisted, "PERSISTED|address:%s|bytes:%d|lamports:%d|aggregates:%d", batchAddr, allocated, cost, len(changes))

	// Step 10: EmitAuditTrail
	trail.finish(batch)
	trail.emit(c.logger)

	c.observeCommit(entry, started, batch, changes, allocated, cost)

	return &Receipt{
		Batch:           batch,
		Address:         batchAddr,
		Bump:            bump,
		RecordSize:      len(encoded),
		LamportsCharged: cost,
		RecordedAtMs:    nowMs,
		Aggregates:      changes,
		Audit:           trail.entries,
	}, nil
}

// stageAggregates loads or creates the aggregate of every wallet in the
// batch and applies each trade to its taker then its maker, in batch order.
func (c *SettlementCore) stageAggregates(
	ctx context.Context,
	tx storage.Tx,
	batch *settlement.Batch,
	nowMs int64,
	trail *auditTrail,
) ([]*pendingAggregate, error) {
	byAddr := make(map[settlement.Pubkey]*pendingAggregate)
	var order []*pendingAggregate

	lookup := func(wallet settlement.Pubkey) (*pendingAggregate, error) {
		addr, bump, err := address.UserAggregateAddress(c.cfg.ProgramID, wallet)
		if err != nil {
			return nil, fmt.Errorf("derive aggregate for %s: %w", wallet, err)
		}
		if p, ok := byAddr[addr]; ok {
			return p, nil
		}

		p := &pendingAggregate{wallet: wallet, addr: addr}
		agg, err := c.loadAggregate(ctx, tx, addr, wallet)
		switch {
		case errors.Is(err, settlement.ErrAccountNotFound):
			p.agg = record.NewUserAggregate(wallet, bump, nowMs)
			p.created = true
		case err != nil:
			return nil, err
		default:
			p.agg = agg
		}

		trail.add(PhaseAggregateLoaded, "USER_AGGREGATE|wallet:%s|address:%s|created:%t", wallet, addr, p.created)
		byAddr[addr] = p
		order = append(order, p)
		return p, nil
	}

	for i := range batch.Trades {
		t := &batch.Trades[i]

		taker, err := lookup(t.TakerWallet)
		if err != nil {
			return nil, err
		}
		ledger.ApplyAsTaker(taker.agg, t)

		maker, err := lookup(t.MakerWallet)
		if err != nil {
			return nil, err
		}
		ledger.ApplyAsMaker(maker.agg, t)
	}

	return order, nil
}

// loadAggregate reads and checks an existing aggregate. It returns an error
// wrapping ErrAccountNotFound when none exists yet.
func (c *SettlementCore) loadAggregate(ctx context.Context, tx storage.Tx, addr, wallet settlement.Pubkey) (*record.UserAggregate, error) {
	exists, err := tx.Exists(ctx, addr)
	if err != nil {
		return nil, err
	}
	if !exists {
		return nil, fmt.Errorf("aggregate %s: %w", addr, settlement.ErrAccountNotFound)
	}

	owner, err := tx.OwnerOf(ctx, addr)
	if err != nil {
		return nil, err
	}
	if owner != c.cfg.ProgramID {
		return nil, fmt.Errorf("aggregate %s owned by %s: %w", addr, owner, settlement.ErrIllegalOwner)
	}

	data, err := tx.Read(ctx, addr)
	if err != nil {
		return nil, err
	}
	agg, err := record.DecodeUserAggregate(data)
	if err != nil {
		return nil, fmt.Errorf("aggregate %s: %w", addr, err)
	}
	if agg.Wallet != wallet {
		return nil, fmt.Errorf("aggregate %s holds wallet %s, expected %s: %w",
			addr, agg.Wallet, wallet, settlement.ErrInvalidSettlementAccount)
	}
	return agg, nil
}

// InitializeUserAggregate creates a zeroed aggregate at the wallet's derived
// address and returns that address.
func (c *SettlementCore) InitializeUserAggregate(ctx context.Context, caller Caller, wallet settlement.Pubkey) (settlement.Pubkey, error) {
	started := c.cfg.Clock()
	walletLabel := wallet.String()

	if err := authorize(caller, c.cfg.AuthorizedRelayer, EntrypointInitUser, walletLabel); err != nil {
		return settlement.Pubkey{}, c.reject(EntrypointInitUser, walletLabel, "auth", err)
	}

	addr, bump, err := address.UserAggregateAddress(c.cfg.ProgramID, wallet)
	if err != nil {
		return settlement.Pubkey{}, c.reject(EntrypointInitUser, walletLabel, "derive", err)
	}

	agg := record.NewUserAggregate(wallet, bump, c.cfg.Clock().UnixMilli())
	err = storage.Update(ctx, c.store, func(tx storage.Tx) error {
		exists, err := tx.Exists(ctx, addr)
		if err != nil {
			return err
		}
		if exists {
			return fmt.Errorf("aggregate for %s at %s: %w", wallet, addr, settlement.ErrAccountAlreadyExists)
		}
		if err := tx.Allocate(ctx, addr, record.UserAggregateSize, c.cfg.ProgramID, caller.Identity); err != nil {
			return err
		}
		data, err := record.EncodeUserAggregate(agg)
		if err != nil {
			return err
		}
		return tx.Write(ctx, addr, data)
	})
	if err != nil {
		return settlement.Pubkey{}, c.reject(EntrypointInitUser, walletLabel, "persist", err)
	}

	c.logger.Info().
		Str("audit", "USER_INIT").
		Str("wallet", walletLabel).
		Str("address", addr.String()).
		Uint8("bump", bump).
		Msg("user aggregate initialized")

	if c.metrics != nil {
		c.metrics.CommitsTotal.WithLabelValues(EntrypointInitUser, "ok").Inc()
		c.metrics.CommitDuration.WithLabelValues(EntrypointInitUser).Observe(c.cfg.Clock().Sub(started).Seconds())
		c.metrics.AggregatesCreated.Inc()
		c.metrics.StorageBytesAllocated.Add(float64(record.UserAggregateSize))
		c.metrics.LamportsCharged.Add(float64(c.store.Rent().MinimumBalance(record.UserAggregateSize)))
	}
	return addr, nil
}

// UpdateSettlementStatus authorizes the caller and otherwise does nothing;
// status is not part of the persisted record.
func (c *SettlementCore) UpdateSettlementStatus(ctx context.Context, caller Caller, batchID string, status settlement.Status) error {
	if err := authorize(caller, c.cfg.AuthorizedRelayer, EntrypointStatus, StatusTarget(batchID, status)); err != nil {
		return c.reject(EntrypointStatus, batchID, "auth", err)
	}

	c.logger.Info().
		Str("audit", "STATUS").
		Str("batch_id", batchID).
		Str("status", status.String()).
		Msg("settlement status update accepted")

	if c.metrics != nil {
		c.metrics.CommitsTotal.WithLabelValues(EntrypointStatus, "ok").Inc()
	}
	return nil
}

// reject logs and counts a failed operation and returns err unchanged.
func (c *SettlementCore) reject(entry, key, step string, err error) error {
	kind := ErrorKind(err)
	c.logger.Warn().
		Err(err).
		Str("entrypoint", entry).
		Str("key", key).
		Str("step", step).
		Str("error_kind", kind).
		Msg("settlement operation rejected")

	if c.metrics != nil {
		c.metrics.CommitsTotal.WithLabelValues(entry, "rejected").Inc()
		c.metrics.Rejections.WithLabelValues(entry, kind).Inc()
	}
	return err
}

func (c *SettlementCore) observeCommit(entry string, started time.Time, b *settlement.Batch, changes []AggregateChange, bytes int, lamports int64) {
	if c.metrics == nil {
		return
	}
	c.metrics.CommitsTotal.WithLabelValues(entry, "ok").Inc()
	c.metrics.CommitDuration.WithLabelValues(entry).Observe(c.cfg.Clock().Sub(started).Seconds())
	for i := range b.Trades {
		t := &b.Trades[i]
		c.metrics.TradesRecorded.WithLabelValues(t.Market).Inc()
		c.metrics.NotionalE6.WithLabelValues(t.Market).Add(float64(fpmath.Notional(t.PriceE6, t.QtyE6)))
	}
	for _, ch := range changes {
		if ch.Created {
			c.metrics.AggregatesCreated.Inc()
		}
		c.metrics.AggregatesUpdated.Inc()
	}
	c.metrics.StorageBytesAllocated.Add(float64(bytes))
	c.metrics.LamportsCharged.Add(float64(lamports))
}

// ErrorKind names an error for logs and metric labels: the taxonomy name
// when there is one, otherwise a coarse host-level kind.
func ErrorKind(err error) string {
	if se, ok := settlement.CodeOf(err); ok {
		return se.Name
	}
	switch {
	case errors.Is(err, settlement.ErrMissingSignature):
		return "MissingSignature"
	case errors.Is(err, settlement.ErrIllegalOwner):
		return "IllegalOwner"
	case errors.Is(err, storage.ErrConflict):
		return "StorageConflict"
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		return "Cancelled"
	default:
		return "Internal"
	}
}

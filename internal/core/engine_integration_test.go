package core_test

import (
	"SettlementLedger/internal/address"
	"SettlementLedger/internal/core"
	"SettlementLedger/internal/observability"
	"SettlementLedger/internal/record"
	"SettlementLedger/internal/settlement"
	"SettlementLedger/internal/storage"
	"SettlementLedger/internal/testutil"
	"bytes"
	"context"
	"crypto/ed25519"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/rs/zerolog"
)

var fixedNow = time.UnixMilli(1_700_000_500_000)

type fixture struct {
	core    *core.SettlementCore
	store   *storage.MemoryBackend
	priv    ed25519.PrivateKey
	relayer settlement.Pubkey
	logs    *bytes.Buffer
	metrics *observability.Metrics
}

func newFixture(t *testing.T, lamports int64, mutate func(cfg *core.Config)) *fixture {
	t.Helper()

	priv, relayer := testutil.RelayerKeys()
	store := storage.NewMemoryBackend(storage.DefaultRent())
	if lamports > 0 {
		if err := store.Fund(context.Background(), relayer, lamports); err != nil {
			t.Fatalf("fund relayer: %v", err)
		}
	}

	cfg := core.DefaultConfig()
	cfg.ProgramID = testutil.ProgramID
	cfg.AuthorizedRelayer = relayer
	cfg.Clock = func() time.Time { return fixedNow }
	if mutate != nil {
		mutate(&cfg)
	}

	logs := &bytes.Buffer{}
	metrics := observability.NewMetrics(prometheus.NewRegistry())
	c, err := core.NewSettlementCore(cfg, store, observability.NewLoggerTo(logs, "core", zerolog.InfoLevel), metrics)
	if err != nil {
		t.Fatalf("new core: %v", err)
	}

	return &fixture{core: c, store: store, priv: priv, relayer: relayer, logs: logs, metrics: metrics}
}

// forBatch signs as the fixture relayer for a record_batch of batchID.
func (f *fixture) forBatch(batchID string) core.Caller {
	return core.SignCaller(f.priv, core.EntrypointBatch, batchID, nil)
}

func (f *fixture) forTrades(batchID string) core.Caller {
	return core.SignCaller(f.priv, core.EntrypointTrades, batchID, nil)
}

func (f *fixture) forInit(wallet settlement.Pubkey) core.Caller {
	return core.SignCaller(f.priv, core.EntrypointInitUser, wallet.String(), nil)
}

func (f *fixture) balance(t *testing.T) int64 {
	t.Helper()
	var bal int64
	err := storage.View(context.Background(), f.store, func(tx storage.Tx) error {
		var err error
		bal, err = tx.Balance(context.Background(), f.relayer)
		return err
	})
	if err != nil {
		t.Fatalf("balance: %v", err)
	}
	return bal
}

func (f *fixture) readAggregate(t *testing.T, wallet settlement.Pubkey) *record.UserAggregate {
	t.Helper()
	addr, _, err := address.UserAggregateAddress(testutil.ProgramID, wallet)
	if err != nil {
		t.Fatalf("derive: %v", err)
	}
	var agg *record.UserAggregate
	err = storage.View(context.Background(), f.store, func(tx storage.Tx) error {
		data, err := tx.Read(context.Background(), addr)
		if err != nil {
			return err
		}
		agg, err = record.DecodeUserAggregate(data)
		return err
	})
	if err != nil {
		t.Fatalf("read aggregate for %s: %v", wallet, err)
	}
	return agg
}

func mustBatch(t *testing.T, n int, trades ...settlement.Trade) *settlement.Batch {
	t.Helper()
	_, relayer := testutil.RelayerKeys()
	b, err := core.AssembleBatch(testutil.BatchID(n), 1_700_000_400_000, relayer, trades, []settlement.Summary{
		{AccountID: "acct-taker", Wallet: testutil.TakerWallet, MarginChangeE6: -10_531_500, FeeE6: 52_657},
	})
	if err != nil {
		t.Fatalf("assemble: %v", err)
	}
	return b
}

// =============================================================================
// Batch entry point
// =============================================================================

func TestRecordSettlementBatch_Success(t *testing.T) {
	f := newFixture(t, 1_000_000_000, nil)
	ctx := context.Background()
	b := mustBatch(t, 1, testutil.BTCTrade("t-1", 1))

	receipt, err := f.core.RecordSettlementBatch(ctx, f.forBatch(b.BatchID), b)
	if err != nil {
		t.Fatalf("record: %v", err)
	}

	wantAddr, wantBump, _ := address.SettlementAddress(testutil.ProgramID, b.BatchID)
	if receipt.Address != wantAddr || receipt.Bump != wantBump {
		t.Errorf("receipt address %s/%d, want %s/%d", receipt.Address, receipt.Bump, wantAddr, wantBump)
	}
	if len(receipt.Aggregates) != 2 {
		t.Fatalf("aggregates touched = %d, want 2", len(receipt.Aggregates))
	}
	if f.store.AccountCount() != 3 {
		t.Errorf("account count = %d, want 3", f.store.AccountCount())
	}

	// Stored record round-trips to the submitted batch.
	err = storage.View(ctx, f.store, func(tx storage.Tx) error {
		data, err := tx.Read(ctx, wantAddr)
		if err != nil {
			return err
		}
		rec, err := record.DecodeSettlementRecord(data)
		if err != nil {
			return err
		}
		if rec.Batch.DataHash != b.DataHash || rec.Batch.TotalVolumeE6 != 105_315_000 {
			t.Errorf("stored batch differs: hash %x volume %d", rec.Batch.DataHash, rec.Batch.TotalVolumeE6)
		}
		if rec.Bump != wantBump {
			t.Errorf("stored bump %d, want %d", rec.Bump, wantBump)
		}
		return nil
	})
	if err != nil {
		t.Fatalf("view: %v", err)
	}

	taker := f.readAggregate(t, testutil.TakerWallet)
	if taker.TotalTrades != 1 || taker.TakerTrades != 1 || taker.MakerTrades != 0 {
		t.Errorf("taker counters total=%d taker=%d maker=%d", taker.TotalTrades, taker.TakerTrades, taker.MakerTrades)
	}
	if taker.TakerVolumeE6 != 105_315_000 || taker.TakerFeesE6 != 52_657 {
		t.Errorf("taker volume=%d fees=%d", taker.TakerVolumeE6, taker.TakerFeesE6)
	}
	if taker.FirstTradeTs != fixedNow.UnixMilli() {
		t.Errorf("first trade ts = %d, want commit time %d", taker.FirstTradeTs, fixedNow.UnixMilli())
	}
	if taker.LastTradeTs != 1_700_000_000_001 {
		t.Errorf("last trade ts = %d, want trade ts", taker.LastTradeTs)
	}

	maker := f.readAggregate(t, testutil.MakerWallet)
	if maker.TotalTrades != 1 || maker.MakerTrades != 1 || maker.MakerVolumeE6 != 105_315_000 || maker.MakerFeesE6 != -21_063 {
		t.Errorf("maker aggregate %+v", maker)
	}
	if maker.MarketTradeCount("BTC-PERP") != 1 {
		t.Errorf("maker BTC-PERP count = %d, want 1", maker.MarketTradeCount("BTC-PERP"))
	}

	spent := int64(1_000_000_000) - f.balance(t)
	if spent != receipt.LamportsCharged {
		t.Errorf("payer spent %d, receipt says %d", spent, receipt.LamportsCharged)
	}

	if got := testutil.CounterValue(f.metrics.CommitsTotal.WithLabelValues(core.EntrypointBatch, "ok")); got != 1 {
		t.Errorf("commits ok = %v, want 1", got)
	}
	if got := testutil.CounterValue(f.metrics.AggregatesCreated); got != 2 {
		t.Errorf("aggregates created = %v, want 2", got)
	}
}

func TestRecordSettlementBatch_DuplicateRejected(t *testing.T) {
	f := newFixture(t, 1_000_000_000, nil)
	ctx := context.Background()
	b := mustBatch(t, 1, testutil.BTCTrade("t-1", 1))

	if _, err := f.core.RecordSettlementBatch(ctx, f.forBatch(b.BatchID), b); err != nil {
		t.Fatalf("first record: %v", err)
	}
	accounts := f.store.AccountCount()
	balance := f.balance(t)

	_, err := f.core.RecordSettlementBatch(ctx, f.forBatch(b.BatchID), b)
	if !errors.Is(err, settlement.ErrAccountAlreadyExists) {
		t.Fatalf("expected ErrAccountAlreadyExists, got %v", err)
	}
	if settlement.Retryable(err) {
		t.Error("duplicate must not be retryable")
	}
	if f.store.AccountCount() != accounts || f.balance(t) != balance {
		t.Error("duplicate submission changed state")
	}

	taker := f.readAggregate(t, testutil.TakerWallet)
	if taker.TotalTrades != 1 {
		t.Errorf("taker total trades = %d after duplicate, want 1", taker.TotalTrades)
	}
	if got := testutil.CounterValue(f.metrics.IdempotencyHits.WithLabelValues("lru")); got != 1 {
		t.Errorf("lru hits = %v, want 1", got)
	}
}

// A fresh process has an empty LRU and must fall through to storage.
func TestRecordSettlementBatch_DuplicateAfterRestart(t *testing.T) {
	f := newFixture(t, 1_000_000_000, nil)
	ctx := context.Background()
	b := mustBatch(t, 1, testutil.BTCTrade("t-1", 1))

	if _, err := f.core.RecordSettlementBatch(ctx, f.forBatch(b.BatchID), b); err != nil {
		t.Fatalf("first record: %v", err)
	}

	cfg := core.DefaultConfig()
	cfg.ProgramID = testutil.ProgramID
	cfg.AuthorizedRelayer = f.relayer
	metrics := observability.NewMetrics(prometheus.NewRegistry())
	restarted, err := core.NewSettlementCore(cfg, f.store, zerolog.Nop(), metrics)
	if err != nil {
		t.Fatalf("new core: %v", err)
	}

	_, err = restarted.RecordSettlementBatch(ctx, f.forBatch(b.BatchID), b)
	if !errors.Is(err, settlement.ErrAccountAlreadyExists) {
		t.Fatalf("expected ErrAccountAlreadyExists, got %v", err)
	}
	if got := testutil.CounterValue(metrics.IdempotencyHits.WithLabelValues("storage")); got != 1 {
		t.Errorf("storage hits = %v, want 1", got)
	}
}

func TestRecordSettlementBatch_ValidationFailureLeavesNoState(t *testing.T) {
	f := newFixture(t, 1_000_000_000, nil)
	b := mustBatch(t, 1, testutil.BTCTrade("t-1", 1))
	b.TotalVolumeE6 = 999_999

	_, err := f.core.RecordSettlementBatch(context.Background(), f.forBatch(b.BatchID), b)
	if !errors.Is(err, settlement.ErrInvalidTotalVolume) {
		t.Fatalf("expected ErrInvalidTotalVolume, got %v", err)
	}
	if !settlement.Retryable(err) {
		t.Error("validation failures are retryable after correction")
	}
	if f.store.AccountCount() != 0 {
		t.Errorf("account count = %d, want 0", f.store.AccountCount())
	}
	if got := testutil.CounterValue(f.metrics.Rejections.WithLabelValues(core.EntrypointBatch, "InvalidTotalVolume")); got != 1 {
		t.Errorf("rejections = %v, want 1", got)
	}
}

func TestRecordSettlementBatch_InvalidBatchID(t *testing.T) {
	f := newFixture(t, 1_000_000_000, nil)
	b := mustBatch(t, 1, testutil.BTCTrade("t-1", 1))
	b.BatchID = "invalid-id"

	_, err := f.core.RecordSettlementBatch(context.Background(), f.forBatch(b.BatchID), b)
	if !errors.Is(err, settlement.ErrInvalidBatchID) {
		t.Fatalf("expected ErrInvalidBatchID, got %v", err)
	}
}

func TestRecordSettlementBatch_EmptyTrades(t *testing.T) {
	f := newFixture(t, 1_000_000_000, nil)
	b := &settlement.Batch{BatchID: testutil.BatchID(1), Relayer: f.relayer}

	_, err := f.core.RecordSettlementBatch(context.Background(), f.forBatch(b.BatchID), b)
	if !errors.Is(err, settlement.ErrEmptyTrades) {
		t.Fatalf("expected ErrEmptyTrades, got %v", err)
	}
}

// =============================================================================
// Authorization
// =============================================================================

func TestRecordSettlementBatch_Authorization(t *testing.T) {
	f := newFixture(t, 1_000_000_000, nil)
	b := mustBatch(t, 1, testutil.BTCTrade("t-1", 1))

	stranger, _ := testutil.KeysFromSeed(0x99)
	tampered := f.forBatch(b.BatchID)
	tampered.Payload = []byte("other")

	tests := []struct {
		name   string
		caller core.Caller
		want   error
	}{
		{"missing signature", core.Caller{Identity: f.relayer}, settlement.ErrMissingSignature},
		{"unauthorized signer", core.SignCaller(stranger, core.EntrypointBatch, b.BatchID, nil), settlement.ErrInvalidAuthority},
		{"signature over other bytes", tampered, settlement.ErrInvalidAuthority},
		{"signed for another batch", f.forBatch(testutil.BatchID(2)), settlement.ErrInvalidAuthority},
		{"signed for per-trade entrypoint", f.forTrades(b.BatchID), settlement.ErrInvalidAuthority},
		{"signed for user init", core.SignCaller(f.priv, core.EntrypointInitUser, b.BatchID, nil), settlement.ErrInvalidAuthority},
		{"truncated signature", core.Caller{Identity: f.relayer, Signature: []byte{1, 2, 3}}, settlement.ErrInvalidAuthority},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			_, err := f.core.RecordSettlementBatch(context.Background(), tc.caller, b)
			if !errors.Is(err, tc.want) {
				t.Fatalf("expected %v, got %v", tc.want, err)
			}
		})
	}

	if f.store.AccountCount() != 0 {
		t.Errorf("account count = %d, want 0", f.store.AccountCount())
	}
}

// Authorization is checked before anything else, so a bad batch from a
// stranger reports the authority failure.
func TestRecordSettlementBatch_AuthBeforeValidation(t *testing.T) {
	f := newFixture(t, 1_000_000_000, nil)
	stranger, _ := testutil.KeysFromSeed(0x99)

	_, err := f.core.RecordSettlementBatch(context.Background(), core.SignCaller(stranger, core.EntrypointBatch, "bad", nil), &settlement.Batch{BatchID: "bad"})
	if !errors.Is(err, settlement.ErrInvalidAuthority) {
		t.Fatalf("expected ErrInvalidAuthority, got %v", err)
	}
}

// =============================================================================
// Storage cost
// =============================================================================

func TestRecordSettlementBatch_InsufficientLamports(t *testing.T) {
	rent := storage.DefaultRent()
	b := mustBatch(t, 1, testutil.BTCTrade("t-1", 1))
	need := rent.MinimumBalance(record.SettlementRecordSize(b)) + 2*rent.MinimumBalance(record.UserAggregateSize)

	f := newFixture(t, need-1, nil)
	_, err := f.core.RecordSettlementBatch(context.Background(), f.forBatch(b.BatchID), b)
	if !errors.Is(err, settlement.ErrInsufficientLamports) {
		t.Fatalf("expected ErrInsufficientLamports, got %v", err)
	}
	if f.store.AccountCount() != 0 {
		t.Errorf("account count = %d, want 0", f.store.AccountCount())
	}
	if f.balance(t) != need-1 {
		t.Errorf("balance = %d, want untouched %d", f.balance(t), need-1)
	}

	// Retrying with exactly enough funds succeeds and drains the payer.
	if err := f.store.Fund(context.Background(), f.relayer, 1); err != nil {
		t.Fatalf("fund: %v", err)
	}
	receipt, err := f.core.RecordSettlementBatch(context.Background(), f.forBatch(b.BatchID), b)
	if err != nil {
		t.Fatalf("retry: %v", err)
	}
	if receipt.LamportsCharged != need || f.balance(t) != 0 {
		t.Errorf("charged %d (balance %d), want %d and 0", receipt.LamportsCharged, f.balance(t), need)
	}
}

// =============================================================================
// Trades entry point
// =============================================================================

func TestRecordSettlementTrades_Success(t *testing.T) {
	f := newFixture(t, 1_000_000_000, nil)
	ctx := context.Background()
	trades := []settlement.Trade{testutil.BTCTrade("t-1", 1), testutil.BTCTrade("t-2", 2)}

	receipt, err := f.core.RecordSettlementTrades(ctx, f.forTrades(testutil.BatchID(7)), testutil.BatchID(7), trades)
	if err != nil {
		t.Fatalf("record trades: %v", err)
	}
	if receipt.Batch.TimestampMs != fixedNow.UnixMilli() {
		t.Errorf("batch timestamp = %d, want commit time", receipt.Batch.TimestampMs)
	}
	if receipt.Batch.Relayer != f.relayer {
		t.Errorf("batch relayer = %s, want caller", receipt.Batch.Relayer)
	}
	if receipt.Batch.TotalVolumeE6 != 2*105_315_000 {
		t.Errorf("total volume = %d", receipt.Batch.TotalVolumeE6)
	}
	if err := core.ValidateBatch(receipt.Batch); err != nil {
		t.Errorf("assembled batch does not validate: %v", err)
	}

	taker := f.readAggregate(t, testutil.TakerWallet)
	if taker.TakerTrades != 2 || taker.LastTradeTs != trades[1].TsMs {
		t.Errorf("taker trades=%d last ts=%d", taker.TakerTrades, taker.LastTradeTs)
	}

	_, err = f.core.RecordSettlementTrades(ctx, f.forTrades(testutil.BatchID(7)), testutil.BatchID(7), trades)
	if !errors.Is(err, settlement.ErrAccountAlreadyExists) {
		t.Fatalf("expected ErrAccountAlreadyExists on resubmission, got %v", err)
	}
}

func TestRecordSettlementTrades_InvalidTrade(t *testing.T) {
	f := newFixture(t, 1_000_000_000, nil)
	bad := testutil.BTCTrade("t-1", 1)
	bad.NotionalE6 = 999_999

	_, err := f.core.RecordSettlementTrades(context.Background(), f.forTrades(testutil.BatchID(1)), testutil.BatchID(1), []settlement.Trade{bad})
	if !errors.Is(err, settlement.ErrInvalidTrade) {
		t.Fatalf("expected ErrInvalidTrade, got %v", err)
	}
	if f.store.AccountCount() != 0 {
		t.Errorf("account count = %d, want 0", f.store.AccountCount())
	}
}

// =============================================================================
// Aggregates
// =============================================================================

func TestRecordSettlementBatch_BatchOnlyConfiguration(t *testing.T) {
	f := newFixture(t, 1_000_000_000, func(cfg *core.Config) { cfg.MaintainUserAggregates = false })

	receipt, err := f.core.RecordSettlementBatch(context.Background(), f.forBatch(testutil.BatchID(1)), mustBatch(t, 1, testutil.BTCTrade("t-1", 1)))
	if err != nil {
		t.Fatalf("record: %v", err)
	}
	if len(receipt.Aggregates) != 0 || f.store.AccountCount() != 1 {
		t.Errorf("aggregates=%d accounts=%d, want 0 and 1", len(receipt.Aggregates), f.store.AccountCount())
	}
}

func TestRecordSettlementBatch_SelfTradeAccumulatesBothRoles(t *testing.T) {
	f := newFixture(t, 1_000_000_000, nil)
	tr := testutil.BTCTrade("t-1", 1)
	tr.MakerWallet = tr.TakerWallet

	receipt, err := f.core.RecordSettlementBatch(context.Background(), f.forBatch(testutil.BatchID(1)), mustBatch(t, 1, tr))
	if err != nil {
		t.Fatalf("record: %v", err)
	}
	if len(receipt.Aggregates) != 1 {
		t.Fatalf("aggregates touched = %d, want 1", len(receipt.Aggregates))
	}

	agg := f.readAggregate(t, testutil.TakerWallet)
	if agg.TotalTrades != 2 || agg.TakerTrades != 1 || agg.MakerTrades != 1 {
		t.Errorf("self-trade counters total=%d taker=%d maker=%d", agg.TotalTrades, agg.TakerTrades, agg.MakerTrades)
	}
	if agg.TotalFeesE6 != 52_657-21_063 {
		t.Errorf("total fees = %d", agg.TotalFeesE6)
	}
}

func TestRecordSettlementBatch_UpdatesExistingAggregates(t *testing.T) {
	f := newFixture(t, 1_000_000_000, nil)
	ctx := context.Background()

	if _, err := f.core.RecordSettlementBatch(ctx, f.forBatch(testutil.BatchID(1)), mustBatch(t, 1, testutil.BTCTrade("t-1", 1))); err != nil {
		t.Fatalf("first: %v", err)
	}
	eth := testutil.BTCTrade("t-2", 2)
	eth.Market = "ETH-PERP"
	eth.TsMs = 1_600_000_000_000 // older than the first trade

	receipt, err := f.core.RecordSettlementBatch(ctx, f.forBatch(testutil.BatchID(2)), mustBatch(t, 2, eth))
	if err != nil {
		t.Fatalf("second: %v", err)
	}
	for _, ch := range receipt.Aggregates {
		if ch.Created {
			t.Errorf("aggregate for %s recreated", ch.Wallet)
		}
	}

	taker := f.readAggregate(t, testutil.TakerWallet)
	if taker.TotalTrades != 2 {
		t.Errorf("total trades = %d, want 2", taker.TotalTrades)
	}
	if taker.MarketTradeCount("BTC-PERP") != 1 || taker.MarketTradeCount("ETH-PERP") != 1 {
		t.Errorf("market counters %v", taker.MarketTrades)
	}
	// Last applied wins even when it is older.
	if taker.LastTradeTs != eth.TsMs {
		t.Errorf("last trade ts = %d, want %d", taker.LastTradeTs, eth.TsMs)
	}
}

func TestRecordSettlementBatch_ForeignOwnedAggregate(t *testing.T) {
	f := newFixture(t, 1_000_000_000, nil)
	ctx := context.Background()

	addr, _, _ := address.UserAggregateAddress(testutil.ProgramID, testutil.MakerWallet)
	if err := storage.Update(ctx, f.store, func(tx storage.Tx) error {
		return tx.Allocate(ctx, addr, record.UserAggregateSize, testutil.Key(0x77), f.relayer)
	}); err != nil {
		t.Fatalf("squat: %v", err)
	}
	before := f.store.AccountCount()

	_, err := f.core.RecordSettlementBatch(ctx, f.forBatch(testutil.BatchID(1)), mustBatch(t, 1, testutil.BTCTrade("t-1", 1)))
	if !errors.Is(err, settlement.ErrIllegalOwner) {
		t.Fatalf("expected ErrIllegalOwner, got %v", err)
	}
	if f.store.AccountCount() != before {
		t.Error("failed commit left accounts behind")
	}
}

// =============================================================================
// InitializeUserAggregate / UpdateSettlementStatus
// =============================================================================

func TestInitializeUserAggregate(t *testing.T) {
	f := newFixture(t, 1_000_000_000, nil)
	ctx := context.Background()
	wallet := testutil.Key(0x55)

	addr, err := f.core.InitializeUserAggregate(ctx, f.forInit(wallet), wallet)
	if err != nil {
		t.Fatalf("init: %v", err)
	}
	if _, err := address.VerifyUserAggregateAddress(testutil.ProgramID, addr, wallet); err != nil {
		t.Errorf("returned address is not canonical: %v", err)
	}

	agg := f.readAggregate(t, wallet)
	if agg.TotalTrades != 0 || agg.FirstTradeTs != fixedNow.UnixMilli() || agg.LastTradeTs != fixedNow.UnixMilli() {
		t.Errorf("fresh aggregate %+v", agg)
	}

	if _, err := f.core.InitializeUserAggregate(ctx, f.forInit(wallet), wallet); !errors.Is(err, settlement.ErrAccountAlreadyExists) {
		t.Fatalf("expected ErrAccountAlreadyExists, got %v", err)
	}

	stranger, _ := testutil.KeysFromSeed(0x99)
	if _, err := f.core.InitializeUserAggregate(ctx, core.SignCaller(stranger, core.EntrypointInitUser, testutil.Key(0x56).String(), nil), testutil.Key(0x56)); !errors.Is(err, settlement.ErrInvalidAuthority) {
		t.Fatalf("expected ErrInvalidAuthority, got %v", err)
	}
}

func TestInitializeUserAggregate_SignatureBoundToWallet(t *testing.T) {
	f := newFixture(t, 1_000_000_000, nil)
	ctx := context.Background()
	signed, other := testutil.Key(0x57), testutil.Key(0x58)
	caller := f.forInit(signed)

	if _, err := f.core.InitializeUserAggregate(ctx, caller, other); !errors.Is(err, settlement.ErrInvalidAuthority) {
		t.Fatalf("expected ErrInvalidAuthority, got %v", err)
	}
	if f.store.AccountCount() != 0 {
		t.Fatalf("account count = %d after rejected init", f.store.AccountCount())
	}
	if _, err := f.core.InitializeUserAggregate(ctx, caller, signed); err != nil {
		t.Fatalf("init of signed wallet: %v", err)
	}
}

func TestInitializeUserAggregate_InsufficientLamports(t *testing.T) {
	f := newFixture(t, 10, nil)
	_, err := f.core.InitializeUserAggregate(context.Background(), f.forInit(testutil.Key(0x55)), testutil.Key(0x55))
	if !errors.Is(err, settlement.ErrInsufficientLamports) {
		t.Fatalf("expected ErrInsufficientLamports, got %v", err)
	}
}

func TestUpdateSettlementStatus_IsNoOp(t *testing.T) {
	f := newFixture(t, 1_000_000_000, nil)
	ctx := context.Background()
	if _, err := f.core.RecordSettlementBatch(ctx, f.forBatch(testutil.BatchID(1)), mustBatch(t, 1, testutil.BTCTrade("t-1", 1))); err != nil {
		t.Fatalf("record: %v", err)
	}
	accounts, balance := f.store.AccountCount(), f.balance(t)

	if err := f.core.UpdateSettlementStatus(ctx, core.SignCaller(f.priv, core.EntrypointStatus,
		core.StatusTarget(testutil.BatchID(1), settlement.StatusFinalized), nil), testutil.BatchID(1), settlement.StatusFinalized); err != nil {
		t.Fatalf("status: %v", err)
	}
	if f.store.AccountCount() != accounts || f.balance(t) != balance {
		t.Error("status update changed state")
	}

	if err := f.core.UpdateSettlementStatus(ctx, core.Caller{}, testutil.BatchID(1), settlement.StatusDisputed); !errors.Is(err, settlement.ErrMissingSignature) {
		t.Fatalf("expected ErrMissingSignature, got %v", err)
	}
}

func TestUpdateSettlementStatus_SignatureBoundToBatchAndStatus(t *testing.T) {
	f := newFixture(t, 1_000_000_000, nil)
	ctx := context.Background()
	finalized := core.SignCaller(f.priv, core.EntrypointStatus,
		core.StatusTarget(testutil.BatchID(1), settlement.StatusFinalized), nil)

	tests := []struct {
		name    string
		batchID string
		status  settlement.Status
	}{
		{"other batch", testutil.BatchID(2), settlement.StatusFinalized},
		{"other status", testutil.BatchID(1), settlement.StatusDisputed},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			err := f.core.UpdateSettlementStatus(ctx, finalized, tc.batchID, tc.status)
			if !errors.Is(err, settlement.ErrInvalidAuthority) {
				t.Fatalf("expected ErrInvalidAuthority, got %v", err)
			}
		})
	}
}

// =============================================================================
// Audit trail
// =============================================================================

func TestRecordSettlementBatch_AuditTrail(t *testing.T) {
	f := newFixture(t, 1_000_000_000, nil)
	b := mustBatch(t, 1, testutil.BTCTrade("t-1", 1), testutil.BTCTrade("t-2", 2))

	receipt, err := f.core.RecordSettlementBatch(context.Background(), f.forBatch(b.BatchID), b)
	if err != nil {
		t.Fatalf("record: %v", err)
	}

	var phases []string
	trades := 0
	for _, e := range receipt.Audit {
		if e.Phase == core.PhaseTrade {
			trades++
			continue
		}
		phases = append(phases, e.Phase)
	}
	want := []string{
		core.PhaseStart, core.PhaseAuthorized, core.PhaseBatchIDChecked, core.PhaseValidated,
		core.PhaseAddressDerived, core.PhaseExistenceChecked, core.PhaseAggregateLoaded,
		core.PhaseAggregateLoaded, core.PhasePersisted, core.PhaseEnd,
	}
	if strings.Join(phases, ",") != strings.Join(want, ",") {
		t.Errorf("phases %v, want %v", phases, want)
	}
	if trades != 2 {
		t.Errorf("trade lines = %d, want 2", trades)
	}
	if first, last := receipt.Audit[0], receipt.Audit[len(receipt.Audit)-1]; first.Phase != core.PhaseStart || last.Phase != core.PhaseEnd {
		t.Errorf("trail opens with %s and closes with %s", first.Phase, last.Phase)
	}

	logs := f.logs.String()
	for _, want := range []string{
		"SETTLEMENT_START|batch_id:" + b.BatchID + "|entrypoint:batch",
		"EXISTENCE_CHECKED|settlement:" + receipt.Address.String() + "|recorded:false",
		"TRADE|id:t-1|market:BTC-PERP|price_e6:105315000000|qty_e6:1000|notional_e6:105315000|side:buy",
		"|taker_leverage:10x|maker_leverage:5x|taker_fee:52657|maker_fee:-21063|taker_rate:5bp|maker_rate:2bp",
		"SETTLEMENT_END|batch_id:" + b.BatchID + "|trades:2|",
		"|total_volume:210630000",
	} {
		if !strings.Contains(logs, want) {
			t.Errorf("audit log missing %q", want)
		}
	}
}

func TestRecordSettlementBatch_NoAuditForRejected(t *testing.T) {
	f := newFixture(t, 1_000_000_000, nil)
	b := mustBatch(t, 1, testutil.BTCTrade("t-1", 1))
	b.TotalFeesE6++

	if _, err := f.core.RecordSettlementBatch(context.Background(), f.forBatch(b.BatchID), b); err == nil {
		t.Fatal("expected rejection")
	}
	if strings.Contains(f.logs.String(), "SETTLEMENT_START") {
		t.Error("rejected batch appeared in the audit trail")
	}
}

func TestNewSettlementCore_RequiresIdentities(t *testing.T) {
	store := storage.NewMemoryBackend(storage.DefaultRent())
	if _, err := core.NewSettlementCore(core.DefaultConfig(), store, zerolog.Nop(), nil); err == nil {
		t.Fatal("expected error without program id and relayer")
	}
}

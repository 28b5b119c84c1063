package core_test

import (
	"SettlementLedger/internal/core"
	"SettlementLedger/internal/settlement"
	"SettlementLedger/internal/testutil"
	"encoding/hex"
	"testing"
)

func digestFixture() *settlement.Batch {
	return &settlement.Batch{
		BatchID:     testutil.BatchID(1),
		TimestampMs: 1_700_000_000_000,
		Relayer:     testutil.Key(0x42),
		Trades:      []settlement.Trade{testutil.BTCTrade("t-1", 1)},
		Accounts: []settlement.Summary{
			{AccountID: "acct-taker", MarginChangeE6: -1_000, FeeE6: 52_657},
		},
	}
}

func TestComputeDigest_KnownValue(t *testing.T) {
	got := core.ComputeDigest(digestFixture())
	want := "ba7e0af7b0442f6f019ac7c28f5e7f826bf4da557a05336823cb7fcd88c12438"
	if hex.EncodeToString(got[:]) != want {
		t.Errorf("digest = %x, want %s", got, want)
	}
}

func TestComputeDigest_Deterministic(t *testing.T) {
	a := core.ComputeDigest(digestFixture())
	b := core.ComputeDigest(digestFixture())
	if a != b {
		t.Fatal("digest not deterministic")
	}
}

func TestComputeDigest_CoversCommittedFields(t *testing.T) {
	base := core.ComputeDigest(digestFixture())

	mutations := map[string]func(b *settlement.Batch){
		"batch id":      func(b *settlement.Batch) { b.BatchID = testutil.BatchID(2) },
		"timestamp":     func(b *settlement.Batch) { b.TimestampMs++ },
		"relayer":       func(b *settlement.Batch) { b.Relayer[0] ^= 1 },
		"trade id":      func(b *settlement.Batch) { b.Trades[0].ID = "t-2" },
		"price":         func(b *settlement.Batch) { b.Trades[0].PriceE6++ },
		"qty":           func(b *settlement.Batch) { b.Trades[0].QtyE6++ },
		"trade ts":      func(b *settlement.Batch) { b.Trades[0].TsMs++ },
		"engine seq":    func(b *settlement.Batch) { b.Trades[0].EngineSeq++ },
		"account id":    func(b *settlement.Batch) { b.Accounts[0].AccountID = "other" },
		"margin change": func(b *settlement.Batch) { b.Accounts[0].MarginChangeE6++ },
		"summary fee":   func(b *settlement.Batch) { b.Accounts[0].FeeE6++ },
	}

	for name, mutate := range mutations {
		t.Run(name, func(t *testing.T) {
			b := digestFixture()
			mutate(b)
			if core.ComputeDigest(b) == base {
				t.Errorf("changing %s did not change the digest", name)
			}
		})
	}
}

// Fields outside the digest may change without invalidating it.
func TestComputeDigest_IgnoresUncommittedFields(t *testing.T) {
	base := core.ComputeDigest(digestFixture())

	b := digestFixture()
	b.Trades[0].Market = "ETH-PERP"
	b.Trades[0].TakerFeeE6 = 0
	b.Trades[0].TakerLeverage = 50
	b.Accounts[0].FundingE6 = 99
	b.TotalVolumeE6 = 1
	b.BlockHeight = 7

	if core.ComputeDigest(b) != base {
		t.Error("digest changed for fields it does not cover")
	}
}

func TestComputeDigest_OrderSensitive(t *testing.T) {
	b := digestFixture()
	b.Trades = []settlement.Trade{testutil.BTCTrade("t-1", 1), testutil.BTCTrade("t-2", 2)}
	forward := core.ComputeDigest(b)

	b.Trades[0], b.Trades[1] = b.Trades[1], b.Trades[0]
	if core.ComputeDigest(b) == forward {
		t.Error("swapping trades did not change the digest")
	}
}

package record_test

import (
	"SettlementLedger/internal/record"
	"SettlementLedger/internal/settlement"
	"bytes"
	"encoding/binary"
	"errors"
	"reflect"
	"testing"
)

func sampleBatch() settlement.Batch {
	return settlement.Batch{
		BatchID:     "79307220-9abf-4f14-a22d-e8b5eebbc40b",
		TimestampMs: 1762897603000,
		Relayer:     settlement.Pubkey{9, 9, 9},
		Trades: []settlement.Trade{
			{
				ID:             "9811e894-5368-4c1a-8fe3-d149d92279f9",
				Market:         "BTC-PERP",
				PriceE6:        105_315_000_000,
				QtyE6:          1_000,
				NotionalE6:     105_315_000,
				TakerSide:      settlement.SideSell,
				TsMs:           1762897603000,
				EngineSeq:      7,
				TakerOrderID:   "ord_taker",
				MakerOrderID:   "ord_maker",
				TakerAccountID: "acc_taker",
				MakerAccountID: "acc_maker",
				TakerWallet:    settlement.Pubkey{1},
				MakerWallet:    settlement.Pubkey{2},
				TakerLeverage:  20,
				MakerLeverage:  10,
				TakerFeeE6:     47_391,
				MakerFeeE6:     -15_797,
				FeeRateTakerBp: 45,
				FeeRateMakerBp: 15,
			},
		},
		Accounts: []settlement.Summary{
			{AccountID: "acc_taker", Wallet: settlement.Pubkey{1}, MarginChangeE6: -47_391, FeeE6: 47_391, FundingE6: 3, PositionChangeE6: -1_000},
		},
		BlockHeight:   42,
		TotalVolumeE6: 105_315_000,
		TotalFeesE6:   31_594,
		DataHash:      [32]byte{0xAA},
	}
}

func encodeRecord(t *testing.T, r *record.SettlementRecord) []byte {
	t.Helper()
	data, err := record.EncodeSettlementRecord(r)
	if err != nil {
		t.Fatalf("encode record: %v", err)
	}
	return data
}

func encodeAggregate(t *testing.T, u *record.UserAggregate) []byte {
	t.Helper()
	data, err := record.EncodeUserAggregate(u)
	if err != nil {
		t.Fatalf("encode aggregate: %v", err)
	}
	return data
}

// ============================================================================
// Test: SettlementRecord
// ============================================================================

func TestSettlementRecord_SizeMatchesEncoding(t *testing.T) {
	batch := sampleBatch()
	rec := record.NewSettlementRecord(batch, 254)
	data := encodeRecord(t, rec)
	if len(data) != record.SettlementRecordSize(&batch) {
		t.Errorf("encoded %d bytes, SettlementRecordSize says %d", len(data), record.SettlementRecordSize(&batch))
	}
}

func TestSettlementRecord_Lossless(t *testing.T) {
	rec := record.NewSettlementRecord(sampleBatch(), 254)
	rec.Batch.TxSignature[63] = 0x7F

	got, err := record.DecodeSettlementRecord(encodeRecord(t, rec))
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	if !reflect.DeepEqual(got, rec) {
		t.Errorf("decoded record differs:\n got %+v\nwant %+v", got, rec)
	}
}

func TestSettlementRecord_HeaderLayout(t *testing.T) {
	data := encodeRecord(t, record.NewSettlementRecord(sampleBatch(), 200))
	// "SETTLMNT" as a little-endian u64 of 0x534554544c454d54
	wantHead := []byte{0x54, 0x4d, 0x45, 0x4c, 0x54, 0x54, 0x45, 0x53, 1, 200, 0, 0, 0, 0, 0, 0}
	if !bytes.Equal(data[:record.HeaderSize], wantHead) {
		t.Errorf("header: got % x, want % x", data[:record.HeaderSize], wantHead)
	}
}

// An empty batch spelled out byte by byte: u32-prefixed strings and vectors,
// little-endian integers, fixed arrays inline.
func TestSettlementRecord_BorshLayout(t *testing.T) {
	batch := settlement.Batch{
		BatchID:       "ab",
		TimestampMs:   -2,
		Relayer:       settlement.Pubkey{7},
		BlockHeight:   3,
		TotalVolumeE6: 4,
		TotalFeesE6:   5,
		DataHash:      [32]byte{0xDD},
	}
	data := encodeRecord(t, record.NewSettlementRecord(batch, 9))

	var want []byte
	want = binary.LittleEndian.AppendUint64(want, record.SettlementDiscriminator)
	want = append(want, record.SettlementVersion, 9, 0, 0, 0, 0, 0, 0)
	want = append(want, 2, 0, 0, 0, 'a', 'b')
	want = binary.LittleEndian.AppendUint64(want, uint64(0xFFFFFFFFFFFFFFFE))
	want = append(want, batch.Relayer[:]...)
	want = append(want, 0, 0, 0, 0) // trades
	want = append(want, 0, 0, 0, 0) // accounts
	want = binary.LittleEndian.AppendUint64(want, 3)
	want = append(want, make([]byte, 64)...)
	want = binary.LittleEndian.AppendUint64(want, 4)
	want = binary.LittleEndian.AppendUint64(want, 5)
	want = append(want, batch.DataHash[:]...)

	if !bytes.Equal(data, want) {
		t.Errorf("layout:\n got % x\nwant % x", data, want)
	}
}

func TestSettlementRecord_RejectsUnknownSide(t *testing.T) {
	batch := sampleBatch()
	data := encodeRecord(t, record.NewSettlementRecord(batch, 1))

	tr := batch.Trades[0]
	off := record.HeaderSize + 4 + len(batch.BatchID) + 8 + settlement.PubkeySize + 4 +
		4 + len(tr.ID) + 4 + len(tr.Market) + 3*8
	if data[off] != byte(settlement.SideSell) {
		t.Fatalf("side byte at %d is %d", off, data[off])
	}
	data[off] = 2

	if _, err := record.DecodeSettlementRecord(data); !errors.Is(err, settlement.ErrSerialization) {
		t.Errorf("expected ErrSerialization, got %v", err)
	}
}

func TestSettlementRecord_RejectsWrongDiscriminator(t *testing.T) {
	data := encodeRecord(t, record.NewSettlementRecord(sampleBatch(), 1))
	data[0] ^= 0xFF
	_, err := record.DecodeSettlementRecord(data)
	if !errors.Is(err, settlement.ErrSerialization) {
		t.Errorf("expected ErrSerialization, got %v", err)
	}
}

func TestSettlementRecord_RejectsWrongVersion(t *testing.T) {
	data := encodeRecord(t, record.NewSettlementRecord(sampleBatch(), 1))
	data[8] = 2
	_, err := record.DecodeSettlementRecord(data)
	if !errors.Is(err, settlement.ErrSerialization) {
		t.Errorf("expected ErrSerialization, got %v", err)
	}
}

func TestSettlementRecord_RejectsTruncatedAndTrailing(t *testing.T) {
	data := encodeRecord(t, record.NewSettlementRecord(sampleBatch(), 1))

	for _, n := range []int{0, 5, record.HeaderSize, len(data) / 2, len(data) - 1} {
		if _, err := record.DecodeSettlementRecord(data[:n]); !errors.Is(err, settlement.ErrSerialization) {
			t.Errorf("truncated to %d: expected ErrSerialization, got %v", n, err)
		}
	}

	if _, err := record.DecodeSettlementRecord(append(data, 0)); !errors.Is(err, settlement.ErrSerialization) {
		t.Errorf("trailing byte: expected ErrSerialization, got %v", err)
	}
}

func TestSettlementRecord_RejectsHugeVectorLength(t *testing.T) {
	batch := sampleBatch()
	batch.Trades = nil
	batch.Accounts = nil
	data := encodeRecord(t, record.NewSettlementRecord(batch, 1))

	// trade count sits after header, batch id and timestamp and relayer
	off := record.HeaderSize + 4 + len(batch.BatchID) + 8 + settlement.PubkeySize
	data[off], data[off+1], data[off+2], data[off+3] = 0xFF, 0xFF, 0xFF, 0x7F

	if _, err := record.DecodeSettlementRecord(data); !errors.Is(err, settlement.ErrSerialization) {
		t.Errorf("expected ErrSerialization, got %v", err)
	}
}

// ============================================================================
// Test: UserAggregate
// ============================================================================

func TestUserAggregate_FixedSize(t *testing.T) {
	if record.UserAggregateSize != 224 {
		t.Errorf("UserAggregateSize: got %d, want 224", record.UserAggregateSize)
	}

	u := record.NewUserAggregate(settlement.Pubkey{1}, 255, 1000)
	if n := len(encodeAggregate(t, u)); n != record.UserAggregateSize {
		t.Errorf("encoded %d bytes, want %d", n, record.UserAggregateSize)
	}
}

func TestUserAggregate_Lossless(t *testing.T) {
	u := record.NewUserAggregate(settlement.Pubkey{1, 2, 3}, 251, 1762897603000)
	u.TotalTrades, u.MakerTrades, u.TakerTrades = 3, 1, 2
	u.TotalVolumeE6, u.MakerVolumeE6, u.TakerVolumeE6 = 300, 100, 200
	u.TotalFeesE6, u.MakerFeesE6, u.TakerFeesE6 = 5, -10, 15
	u.LastTradeTs = 1762897609999
	u.MarketTrades = [record.NumKnownMarkets]uint64{1, 2, 0}

	got, err := record.DecodeUserAggregate(encodeAggregate(t, u))
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	if !reflect.DeepEqual(got, u) {
		t.Errorf("decoded aggregate differs:\n got %+v\nwant %+v", got, u)
	}
}

func TestUserAggregate_RejectsSettlementRecordBytes(t *testing.T) {
	data := encodeRecord(t, record.NewSettlementRecord(sampleBatch(), 1))
	if len(data) < record.UserAggregateSize {
		t.Fatalf("fixture too small")
	}
	_, err := record.DecodeUserAggregate(data[:record.UserAggregateSize])
	if !errors.Is(err, settlement.ErrSerialization) {
		t.Errorf("expected ErrSerialization, got %v", err)
	}
}

func TestUserAggregate_RejectsWrongSize(t *testing.T) {
	data := encodeAggregate(t, record.NewUserAggregate(settlement.Pubkey{}, 1, 0))
	if _, err := record.DecodeUserAggregate(data[:len(data)-1]); !errors.Is(err, settlement.ErrSerialization) {
		t.Errorf("expected ErrSerialization, got %v", err)
	}
}

func TestMarketIndex(t *testing.T) {
	if i, ok := record.MarketIndex("ETH-PERP"); !ok || i != 1 {
		t.Errorf("ETH-PERP: got (%d, %v)", i, ok)
	}
	if _, ok := record.MarketIndex("eth-perp"); ok {
		t.Error("market match must be exact")
	}
	if _, ok := record.MarketIndex("DOGE-PERP"); ok {
		t.Error("DOGE-PERP should be unknown")
	}
}

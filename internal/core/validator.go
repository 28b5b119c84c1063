package core

import (
	fpmath "SettlementLedger/internal/math"
	"SettlementLedger/internal/settlement"
	"fmt"
)

// ValidateBatch checks a pre-assembled batch. Order matters: the first
// failing check decides the error.
//  1. at least one trade
//  2. total_volume_e6 == sum(price*qty/1e6)
//  3. total_fees_e6 == sum(taker_fee + maker_fee)
//  4. data_hash == ComputeDigest(batch)
func ValidateBatch(b *settlement.Batch) error {
	if len(b.Trades) == 0 {
		return settlement.ErrEmptyTrades
	}

	var volume fpmath.Accumulator
	for i := range b.Trades {
		volume.AddNotional(b.Trades[i].PriceE6, b.Trades[i].QtyE6)
	}
	if !volume.Equals(b.TotalVolumeE6) {
		return fmt.Errorf("batch %s: provided %d: %w", b.BatchID, b.TotalVolumeE6, settlement.ErrInvalidTotalVolume)
	}

	var fees fpmath.Accumulator
	for i := range b.Trades {
		fees.Add(b.Trades[i].TakerFeeE6)
		fees.Add(b.Trades[i].MakerFeeE6)
	}
	if !fees.Equals(b.TotalFeesE6) {
		return fmt.Errorf("batch %s: provided %d: %w", b.BatchID, b.TotalFeesE6, settlement.ErrInvalidTotalFees)
	}

	if ComputeDigest(b) != b.DataHash {
		return fmt.Errorf("batch %s: %w", b.BatchID, settlement.ErrInvalidDataHash)
	}

	return nil
}

// ValidateTrades checks every trade on its own: positive price and qty, an
// exact notional and a non-negative taker fee. The maker fee sign is not
// checked; rebates arrive as negative maker fees.
func ValidateTrades(trades []settlement.Trade) error {
	if len(trades) == 0 {
		return settlement.ErrEmptyTrades
	}

	for i := range trades {
		t := &trades[i]
		if t.PriceE6 <= 0 || t.QtyE6 <= 0 {
			return fmt.Errorf("trade %d (%s): price=%d qty=%d: %w", i, t.ID, t.PriceE6, t.QtyE6, settlement.ErrInvalidTrade)
		}
		if want := fpmath.Notional(t.PriceE6, t.QtyE6); t.NotionalE6 != want {
			return fmt.Errorf("trade %d (%s): notional %d, expected %d: %w", i, t.ID, t.NotionalE6, want, settlement.ErrInvalidTrade)
		}
		if t.TakerFeeE6 < 0 {
			return fmt.Errorf("trade %d (%s): taker fee %d: %w", i, t.ID, t.TakerFeeE6, settlement.ErrInvalidTrade)
		}
	}

	return nil
}

// ValidateBatchID accepts exactly the canonical 36-character UUID shape:
// hyphens at 8, 13, 18 and 23, hex digits of either case elsewhere.
func ValidateBatchID(id string) error {
	if len(id) != 36 {
		return fmt.Errorf("batch id %q: length %d: %w", id, len(id), settlement.ErrInvalidBatchID)
	}

	for i := 0; i < len(id); i++ {
		c := id[i]
		switch i {
		case 8, 13, 18, 23:
			if c != '-' {
				return fmt.Errorf("batch id %q: expected '-' at %d: %w", id, i, settlement.ErrInvalidBatchID)
			}
		default:
			if !isHex(c) {
				return fmt.Errorf("batch id %q: non-hex at %d: %w", id, i, settlement.ErrInvalidBatchID)
			}
		}
	}

	return nil
}

func isHex(c byte) bool {
	return ('0' <= c && c <= '9') || ('a' <= c && c <= 'f') || ('A' <= c && c <= 'F')
}

// AssembleBatch builds a batch from raw trades with totals and digest
// computed, ready for ValidateBatch.
func AssembleBatch(batchID string, timestampMs int64, relayer settlement.Pubkey, trades []settlement.Trade, summaries []settlement.Summary) (*settlement.Batch, error) {
	var volume, fees fpmath.Accumulator
	for i := range trades {
		volume.AddNotional(trades[i].PriceE6, trades[i].QtyE6)
		fees.Add(trades[i].TakerFeeE6)
		fees.Add(trades[i].MakerFeeE6)
	}

	totalVolume, ok := volume.Int64()
	if !ok {
		return nil, fmt.Errorf("batch %s: total volume overflows int64: %w", batchID, settlement.ErrInvalidTotalVolume)
	}
	totalFees, ok := fees.Int64()
	if !ok {
		return nil, fmt.Errorf("batch %s: total fees overflow int64: %w", batchID, settlement.ErrInvalidTotalFees)
	}

	b := &settlement.Batch{
		BatchID:       batchID,
		TimestampMs:   timestampMs,
		Relayer:       relayer,
		Trades:        trades,
		Accounts:      summaries,
		TotalVolumeE6: totalVolume,
		TotalFeesE6:   totalFees,
	}
	b.DataHash = ComputeDigest(b)
	return b, nil
}

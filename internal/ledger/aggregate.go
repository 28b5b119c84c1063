package ledger

import (
	fpmath "SettlementLedger/internal/math"
	"SettlementLedger/internal/record"
	"SettlementLedger/internal/settlement"
)

// Role is the part a wallet played in a trade.
type Role uint8

const (
	RoleTaker Role = iota
	RoleMaker
)

func (r Role) String() string {
	if r == RoleTaker {
		return "taker"
	}
	return "maker"
}

// ApplyAsTaker folds one trade into the taker's running statistics.
func ApplyAsTaker(agg *record.UserAggregate, t *settlement.Trade) {
	volume := fpmath.Notional(t.PriceE6, t.QtyE6)

	agg.TotalTrades++
	agg.TakerTrades++

	agg.TotalVolumeE6 += volume
	agg.TakerVolumeE6 += volume

	agg.TotalFeesE6 += t.TakerFeeE6
	agg.TakerFeesE6 += t.TakerFeeE6

	touch(agg, t)
}

// ApplyAsMaker folds one trade into the maker's running statistics. A
// negative maker fee is a rebate and is accumulated as-is.
func ApplyAsMaker(agg *record.UserAggregate, t *settlement.Trade) {
	volume := fpmath.Notional(t.PriceE6, t.QtyE6)

	agg.TotalTrades++
	agg.MakerTrades++

	agg.TotalVolumeE6 += volume
	agg.MakerVolumeE6 += volume

	agg.TotalFeesE6 += t.MakerFeeE6
	agg.MakerFeesE6 += t.MakerFeeE6

	touch(agg, t)
}

// Apply dispatches on role.
func Apply(agg *record.UserAggregate, t *settlement.Trade, role Role) {
	if role == RoleTaker {
		ApplyAsTaker(agg, t)
		return
	}
	ApplyAsMaker(agg, t)
}

// touch records the last applied trade time and the per-market counter.
// LastTradeTs follows application order, not trade time.
func touch(agg *record.UserAggregate, t *settlement.Trade) {
	agg.LastTradeTs = t.TsMs
	if i, ok := record.MarketIndex(t.Market); ok {
		agg.MarketTrades[i]++
	}
}

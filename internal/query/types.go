package query

import (
	fpmath "SettlementLedger/internal/math"

	"github.com/shopspring/decimal"
)

// FromE6 renders a fixed-point e6 integer as an exact decimal.
func FromE6(v int64) decimal.Decimal {
	return decimal.New(v, -int32(fpmath.E6.DecimalPrecision))
}

// TradeView is a recorded trade with decimal amounts for API consumers.
type TradeView struct {
	ID          string          `json:"id"`
	Market      string          `json:"market"`
	TakerSide   string          `json:"taker_side"`
	Price       decimal.Decimal `json:"price"`
	Qty         decimal.Decimal `json:"qty"`
	Notional    decimal.Decimal `json:"notional"`
	TakerFee    decimal.Decimal `json:"taker_fee"`
	MakerFee    decimal.Decimal `json:"maker_fee"`
	TsMs        int64           `json:"ts_ms"`
	EngineSeq   uint64          `json:"engine_seq"`
	TakerWallet string          `json:"taker_wallet"`
	MakerWallet string          `json:"maker_wallet"`
}

// SettlementResponse is a recorded settlement batch.
type SettlementResponse struct {
	BatchID       string          `json:"batch_id"`
	Address       string          `json:"address"`
	Bump          uint8           `json:"bump"`
	Version       uint8           `json:"version"`
	TimestampMs   int64           `json:"timestamp_ms"`
	Relayer       string          `json:"relayer"`
	TradeCount    int             `json:"trade_count"`
	TotalVolumeE6 int64           `json:"total_volume_e6"`
	TotalFeesE6   int64           `json:"total_fees_e6"`
	TotalVolume   decimal.Decimal `json:"total_volume"`
	TotalFees     decimal.Decimal `json:"total_fees"`
	DataHash      string          `json:"data_hash"`
	DigestValid   bool            `json:"digest_valid"`
	Trades        []TradeView     `json:"trades"`
}

// UserAggregateResponse is one wallet's lifetime statistics.
type UserAggregateResponse struct {
	Wallet        string            `json:"wallet"`
	Address       string            `json:"address"`
	TotalTrades   uint64            `json:"total_trades"`
	MakerTrades   uint64            `json:"maker_trades"`
	TakerTrades   uint64            `json:"taker_trades"`
	TotalVolume   decimal.Decimal   `json:"total_volume"`
	MakerVolume   decimal.Decimal   `json:"maker_volume"`
	TakerVolume   decimal.Decimal   `json:"taker_volume"`
	TotalFees     decimal.Decimal   `json:"total_fees"`
	MakerFees     decimal.Decimal   `json:"maker_fees"`
	TakerFees     decimal.Decimal   `json:"taker_fees"`
	AvgTradeSize  decimal.Decimal   `json:"avg_trade_size"`
	FirstTradeTs  int64             `json:"first_trade_ts"`
	LastTradeTs   int64             `json:"last_trade_ts"`
	MarketTrades  map[string]uint64 `json:"market_trades"`
	TotalVolumeE6 int64             `json:"total_volume_e6"`
	TotalFeesE6   int64             `json:"total_fees_e6"`
}

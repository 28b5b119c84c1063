// Package record defines the versioned binary layouts persisted at derived
// addresses. All integers are little-endian; strings and vectors carry a u32
// length prefix; fixed arrays are written inline; enums are one byte.
package record

import (
	"SettlementLedger/internal/settlement"
)

const (
	// SettlementDiscriminator is "SETTLMNT" read as a big-endian u64.
	SettlementDiscriminator uint64 = 0x534554544c454d54
	SettlementVersion       uint8  = 1

	// UserAggregateDiscriminator is "USERSTAT" read as a big-endian u64.
	UserAggregateDiscriminator uint64 = 0x5553455253544154
	UserAggregateVersion       uint8  = 1

	// HeaderSize covers discriminator, version, bump and padding.
	HeaderSize = 16

	ReservedSlots = 8
)

// KnownMarkets lists the markets with a dedicated per-market trade counter,
// in counter order. Changing it changes the aggregate layout.
var KnownMarkets = [...]string{"BTC-PERP", "ETH-PERP", "SOL-PERP"}

// NumKnownMarkets is the number of per-market counters in an aggregate.
const NumKnownMarkets = len(KnownMarkets)

// MarketIndex returns the counter slot for an exact market symbol.
func MarketIndex(market string) (int, bool) {
	for i, m := range KnownMarkets {
		if m == market {
			return i, true
		}
	}
	return 0, false
}

// SettlementRecord is the persisted form of one settlement batch.
type SettlementRecord struct {
	Discriminator uint64
	Version       uint8
	Bump          uint8
	Reserved      [6]byte
	Batch         settlement.Batch
}

// NewSettlementRecord wraps a batch with the current header.
func NewSettlementRecord(batch settlement.Batch, bump uint8) *SettlementRecord {
	return &SettlementRecord{
		Discriminator: SettlementDiscriminator,
		Version:       SettlementVersion,
		Bump:          bump,
		Batch:         batch,
	}
}

// UserAggregate holds one wallet's lifetime settlement statistics.
type UserAggregate struct {
	Discriminator uint64
	Version       uint8
	Bump          uint8
	Reserved      [6]byte

	Wallet settlement.Pubkey

	TotalTrades uint64
	MakerTrades uint64
	TakerTrades uint64

	TotalVolumeE6 int64
	MakerVolumeE6 int64
	TakerVolumeE6 int64

	TotalFeesE6 int64
	MakerFeesE6 int64 // may go negative through rebates
	TakerFeesE6 int64

	FirstTradeTs int64
	LastTradeTs  int64

	MarketTrades [NumKnownMarkets]uint64

	ReservedSlots [ReservedSlots]uint64
}

// UserAggregateSize is the fixed encoded size of a UserAggregate.
const UserAggregateSize = HeaderSize +
	settlement.PubkeySize +
	3*8 + // trade counters
	3*8 + // volumes
	3*8 + // fees
	2*8 + // timestamps
	NumKnownMarkets*8 +
	ReservedSlots*8

// NewUserAggregate returns a zeroed aggregate whose first and last trade
// timestamps are set to nowMs.
func NewUserAggregate(wallet settlement.Pubkey, bump uint8, nowMs int64) *UserAggregate {
	return &UserAggregate{
		Discriminator: UserAggregateDiscriminator,
		Version:       UserAggregateVersion,
		Bump:          bump,
		Wallet:        wallet,
		FirstTradeTs:  nowMs,
		LastTradeTs:   nowMs,
	}
}

// MarketTradeCount returns the counter for a known market, or 0 for unknown ones.
func (u *UserAggregate) MarketTradeCount(market string) uint64 {
	if i, ok := MarketIndex(market); ok {
		return u.MarketTrades[i]
	}
	return 0
}

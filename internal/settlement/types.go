package settlement

import "fmt"

// Side is the taker's direction. Encoded as a single byte (Buy=0, Sell=1).
type Side uint8

const (
	SideBuy Side = iota
	SideSell
)

func (s Side) String() string {
	switch s {
	case SideBuy:
		return "buy"
	case SideSell:
		return "sell"
	default:
		return fmt.Sprintf("side(%d)", uint8(s))
	}
}

// ParseSide accepts "buy"/"sell" in any case.
func ParseSide(s string) (Side, error) {
	switch s {
	case "buy", "Buy", "BUY":
		return SideBuy, nil
	case "sell", "Sell", "SELL":
		return SideSell, nil
	default:
		return 0, fmt.Errorf("unknown side %q", s)
	}
}

// Trade is a completed trade as computed upstream by the matching engine.
// All amounts are fixed-point e6 integers.
type Trade struct {
	ID     string
	Market string

	PriceE6    int64
	QtyE6      int64
	NotionalE6 int64 // PriceE6 * QtyE6 / 1_000_000, truncating

	TakerSide Side
	TsMs      int64
	EngineSeq uint64

	TakerOrderID string
	MakerOrderID string

	TakerAccountID string
	MakerAccountID string
	TakerWallet    Pubkey
	MakerWallet    Pubkey

	TakerLeverage uint32
	MakerLeverage uint32

	TakerFeeE6     int64
	MakerFeeE6     int64 // negative when the maker earns a rebate
	FeeRateTakerBp uint32
	FeeRateMakerBp uint32
}

// Summary is a per-account roll-up attached to a batch by the relayer.
type Summary struct {
	AccountID        string
	Wallet           Pubkey
	MarginChangeE6   int64
	FeeE6            int64
	FundingE6        int64
	PositionChangeE6 int64
}

// Batch is a bundle of trades submitted together for recording.
type Batch struct {
	BatchID     string
	TimestampMs int64
	Relayer     Pubkey

	Trades   []Trade
	Accounts []Summary

	// Written by the host after the fact, never by the core.
	BlockHeight uint64
	TxSignature [64]byte

	TotalVolumeE6 int64
	TotalFeesE6   int64
	DataHash      [32]byte
}

// Status of a recorded settlement. Accepted by UpdateSettlementStatus but not persisted.
type Status uint8

const (
	StatusPending Status = iota
	StatusConfirmed
	StatusFinalized
	StatusDisputed
)

func (s Status) String() string {
	switch s {
	case StatusPending:
		return "pending"
	case StatusConfirmed:
		return "confirmed"
	case StatusFinalized:
		return "finalized"
	case StatusDisputed:
		return "disputed"
	default:
		return fmt.Sprintf("status(%d)", uint8(s))
	}
}

func ParseStatus(s string) (Status, error) {
	switch s {
	case "pending":
		return StatusPending, nil
	case "confirmed":
		return StatusConfirmed, nil
	case "finalized":
		return StatusFinalized, nil
	case "disputed":
		return StatusDisputed, nil
	default:
		return 0, fmt.Errorf("unknown settlement status %q", s)
	}
}

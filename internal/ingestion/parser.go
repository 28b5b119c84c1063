package ingestion

import (
	"SettlementLedger/internal/core"
	"SettlementLedger/internal/settlement"
	"encoding/base64"
	"encoding/hex"
	"encoding/json"
	"fmt"
)

// --- JSON wire formats ---
// Shared by the NATS intake and the HTTP API. Field names use snake_case to
// match upstream producers; pubkeys are base58, digests hex.

type TradeJSON struct {
	ID             string `json:"id"`
	Market         string `json:"market"`
	PriceE6        int64  `json:"price_e6"`
	QtyE6          int64  `json:"qty_e6"`
	NotionalE6     int64  `json:"notional_e6"`
	TakerSide      string `json:"taker_side"` // "buy" or "sell"
	TsMs           int64  `json:"ts_ms"`
	EngineSeq      uint64 `json:"engine_seq"`
	TakerOrderID   string `json:"taker_order_id"`
	MakerOrderID   string `json:"maker_order_id"`
	TakerAccountID string `json:"taker_account_id"`
	MakerAccountID string `json:"maker_account_id"`
	TakerWallet    string `json:"taker_wallet"`
	MakerWallet    string `json:"maker_wallet"`
	TakerLeverage  uint32 `json:"taker_leverage"`
	MakerLeverage  uint32 `json:"maker_leverage"`
	TakerFeeE6     int64  `json:"taker_fee_e6"`
	MakerFeeE6     int64  `json:"maker_fee_e6"`
	FeeRateTakerBp uint32 `json:"fee_rate_taker_bp"`
	FeeRateMakerBp uint32 `json:"fee_rate_maker_bp"`
}

type SummaryJSON struct {
	AccountID        string `json:"account_id"`
	Wallet           string `json:"wallet"`
	MarginChangeE6   int64  `json:"margin_change_e6"`
	FeeE6            int64  `json:"fee_e6"`
	FundingE6        int64  `json:"funding_e6"`
	PositionChangeE6 int64  `json:"position_change_e6"`
}

type BatchJSON struct {
	BatchID       string        `json:"batch_id"`
	TimestampMs   int64         `json:"timestamp_ms"`
	Relayer       string        `json:"relayer"`
	Trades        []TradeJSON   `json:"trades"`
	Accounts      []SummaryJSON `json:"accounts"`
	BlockHeight   uint64        `json:"block_height,omitempty"`
	TotalVolumeE6 int64         `json:"total_volume_e6"`
	TotalFeesE6   int64         `json:"total_fees_e6"`
	DataHash      string        `json:"data_hash"`
}

// TradesRequestJSON is the body of the per-trade entry point.
type TradesRequestJSON struct {
	BatchID string      `json:"batch_id"`
	Trades  []TradeJSON `json:"trades"`
}

// Envelope wraps a signed request on the message bus. Signature is base64 of
// the ed25519 signature over core.SigningMessage(Kind, batch id, Data), where
// Data is taken byte for byte.
type Envelope struct {
	Kind      string          `json:"kind"` // "batch" or "trades"
	Relayer   string          `json:"relayer"`
	Signature string          `json:"signature"`
	Data      json.RawMessage `json:"data"`
}

const (
	KindBatch  = core.EntrypointBatch
	KindTrades = core.EntrypointTrades
)

func invalid(format string, args ...interface{}) error {
	return fmt.Errorf("%s: %w", fmt.Sprintf(format, args...), settlement.ErrInvalidTradeData)
}

func parsePubkey(field, s string) (settlement.Pubkey, error) {
	pk, err := settlement.ParsePubkey(s)
	if err != nil {
		return pk, invalid("%s: %v", field, err)
	}
	return pk, nil
}

// ToTrade converts the wire form into a domain trade.
func (j *TradeJSON) ToTrade() (settlement.Trade, error) {
	side, err := settlement.ParseSide(j.TakerSide)
	if err != nil {
		return settlement.Trade{}, invalid("trade %s: %v", j.ID, err)
	}
	taker, err := parsePubkey("taker_wallet", j.TakerWallet)
	if err != nil {
		return settlement.Trade{}, err
	}
	maker, err := parsePubkey("maker_wallet", j.MakerWallet)
	if err != nil {
		return settlement.Trade{}, err
	}

	return settlement.Trade{
		ID:             j.ID,
		Market:         j.Market,
		PriceE6:        j.PriceE6,
		QtyE6:          j.QtyE6,
		NotionalE6:     j.NotionalE6,
		TakerSide:      side,
		TsMs:           j.TsMs,
		EngineSeq:      j.EngineSeq,
		TakerOrderID:   j.TakerOrderID,
		MakerOrderID:   j.MakerOrderID,
		TakerAccountID: j.TakerAccountID,
		MakerAccountID: j.MakerAccountID,
		TakerWallet:    taker,
		MakerWallet:    maker,
		TakerLeverage:  j.TakerLeverage,
		MakerLeverage:  j.MakerLeverage,
		TakerFeeE6:     j.TakerFeeE6,
		MakerFeeE6:     j.MakerFeeE6,
		FeeRateTakerBp: j.FeeRateTakerBp,
		FeeRateMakerBp: j.FeeRateMakerBp,
	}, nil
}

func TradeToJSON(t *settlement.Trade) TradeJSON {
	return TradeJSON{
		ID:             t.ID,
		Market:         t.Market,
		PriceE6:        t.PriceE6,
		QtyE6:          t.QtyE6,
		NotionalE6:     t.NotionalE6,
		TakerSide:      t.TakerSide.String(),
		TsMs:           t.TsMs,
		EngineSeq:      t.EngineSeq,
		TakerOrderID:   t.TakerOrderID,
		MakerOrderID:   t.MakerOrderID,
		TakerAccountID: t.TakerAccountID,
		MakerAccountID: t.MakerAccountID,
		TakerWallet:    t.TakerWallet.String(),
		MakerWallet:    t.MakerWallet.String(),
		TakerLeverage:  t.TakerLeverage,
		MakerLeverage:  t.MakerLeverage,
		TakerFeeE6:     t.TakerFeeE6,
		MakerFeeE6:     t.MakerFeeE6,
		FeeRateTakerBp: t.FeeRateTakerBp,
		FeeRateMakerBp: t.FeeRateMakerBp,
	}
}

func parseTrades(in []TradeJSON) ([]settlement.Trade, error) {
	trades := make([]settlement.Trade, 0, len(in))
	for i := range in {
		t, err := in[i].ToTrade()
		if err != nil {
			return nil, fmt.Errorf("trade %d: %w", i, err)
		}
		trades = append(trades, t)
	}
	return trades, nil
}

// ToBatch converts the wire form into a domain batch. Only the encoding is
// checked here; the settlement core validates content.
func (j *BatchJSON) ToBatch() (*settlement.Batch, error) {
	relayer, err := parsePubkey("relayer", j.Relayer)
	if err != nil {
		return nil, err
	}
	trades, err := parseTrades(j.Trades)
	if err != nil {
		return nil, err
	}

	summaries := make([]settlement.Summary, 0, len(j.Accounts))
	for i := range j.Accounts {
		a := &j.Accounts[i]
		var wallet settlement.Pubkey
		if a.Wallet != "" {
			if wallet, err = parsePubkey("accounts.wallet", a.Wallet); err != nil {
				return nil, fmt.Errorf("account %d: %w", i, err)
			}
		}
		summaries = append(summaries, settlement.Summary{
			AccountID:        a.AccountID,
			Wallet:           wallet,
			MarginChangeE6:   a.MarginChangeE6,
			FeeE6:            a.FeeE6,
			FundingE6:        a.FundingE6,
			PositionChangeE6: a.PositionChangeE6,
		})
	}

	b := &settlement.Batch{
		BatchID:       j.BatchID,
		TimestampMs:   j.TimestampMs,
		Relayer:       relayer,
		Trades:        trades,
		Accounts:      summaries,
		BlockHeight:   j.BlockHeight,
		TotalVolumeE6: j.TotalVolumeE6,
		TotalFeesE6:   j.TotalFeesE6,
	}

	hash, err := hex.DecodeString(j.DataHash)
	if err != nil || len(hash) != len(b.DataHash) {
		return nil, invalid("data_hash %q: want %d hex bytes", j.DataHash, len(b.DataHash))
	}
	copy(b.DataHash[:], hash)
	return b, nil
}

func BatchToJSON(b *settlement.Batch) BatchJSON {
	out := BatchJSON{
		BatchID:       b.BatchID,
		TimestampMs:   b.TimestampMs,
		Relayer:       b.Relayer.String(),
		Trades:        make([]TradeJSON, 0, len(b.Trades)),
		Accounts:      make([]SummaryJSON, 0, len(b.Accounts)),
		BlockHeight:   b.BlockHeight,
		TotalVolumeE6: b.TotalVolumeE6,
		TotalFeesE6:   b.TotalFeesE6,
		DataHash:      hex.EncodeToString(b.DataHash[:]),
	}
	for i := range b.Trades {
		out.Trades = append(out.Trades, TradeToJSON(&b.Trades[i]))
	}
	for i := range b.Accounts {
		a := &b.Accounts[i]
		s := SummaryJSON{
			AccountID:        a.AccountID,
			MarginChangeE6:   a.MarginChangeE6,
			FeeE6:            a.FeeE6,
			FundingE6:        a.FundingE6,
			PositionChangeE6: a.PositionChangeE6,
		}
		if !a.Wallet.IsZero() {
			s.Wallet = a.Wallet.String()
		}
		out.Accounts = append(out.Accounts, s)
	}
	return out
}

// ParseBatch decodes a JSON batch body.
func ParseBatch(data []byte) (*settlement.Batch, error) {
	var j BatchJSON
	if err := json.Unmarshal(data, &j); err != nil {
		return nil, invalid("parse batch: %v", err)
	}
	return j.ToBatch()
}

// ParseTradesRequest decodes a JSON per-trade request body.
func ParseTradesRequest(data []byte) (string, []settlement.Trade, error) {
	var j TradesRequestJSON
	if err := json.Unmarshal(data, &j); err != nil {
		return "", nil, invalid("parse trades request: %v", err)
	}
	trades, err := parseTrades(j.Trades)
	if err != nil {
		return "", nil, err
	}
	return j.BatchID, trades, nil
}

// ParseEnvelope decodes a bus message into its kind, the signed caller and
// the inner payload.
func ParseEnvelope(data []byte) (string, core.Caller, error) {
	var env Envelope
	if err := json.Unmarshal(data, &env); err != nil {
		return "", core.Caller{}, invalid("parse envelope: %v", err)
	}
	if env.Kind != KindBatch && env.Kind != KindTrades {
		return "", core.Caller{}, invalid("unknown envelope kind %q", env.Kind)
	}

	caller := core.Caller{Payload: []byte(env.Data)}
	if env.Relayer != "" {
		id, err := parsePubkey("relayer", env.Relayer)
		if err != nil {
			return "", core.Caller{}, err
		}
		caller.Identity = id
	}
	if env.Signature != "" {
		sig, err := base64.StdEncoding.DecodeString(env.Signature)
		if err != nil {
			return "", core.Caller{}, invalid("signature: %v", err)
		}
		caller.Signature = sig
	}
	return env.Kind, caller, nil
}

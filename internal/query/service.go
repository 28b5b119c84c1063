package query

import (
	"SettlementLedger/internal/address"
	"SettlementLedger/internal/core"
	"SettlementLedger/internal/record"
	"SettlementLedger/internal/settlement"
	"SettlementLedger/internal/storage"
	"context"
	"encoding/hex"
	"fmt"

	"github.com/shopspring/decimal"
)

// QueryService provides read-only access to recorded settlements and user
// aggregates. Addresses are derived from the key on every call; nothing is
// indexed.
type QueryService struct {
	store     storage.Backend
	programID settlement.Pubkey
}

func NewQueryService(store storage.Backend, programID settlement.Pubkey) *QueryService {
	return &QueryService{store: store, programID: programID}
}

// readOwned reads addr and checks it belongs to the ledger program.
func (qs *QueryService) readOwned(ctx context.Context, addr settlement.Pubkey) ([]byte, error) {
	var data []byte
	err := storage.View(ctx, qs.store, func(tx storage.Tx) error {
		owner, err := tx.OwnerOf(ctx, addr)
		if err != nil {
			return err
		}
		if owner != qs.programID {
			return fmt.Errorf("account %s owned by %s: %w", addr, owner, settlement.ErrIllegalOwner)
		}
		data, err = tx.Read(ctx, addr)
		return err
	})
	return data, err
}

// GetSettlement returns the record for batchID, re-verifying its digest.
func (qs *QueryService) GetSettlement(ctx context.Context, batchID string) (*SettlementResponse, error) {
	if err := core.ValidateBatchID(batchID); err != nil {
		return nil, err
	}
	addr, _, err := address.SettlementAddress(qs.programID, batchID)
	if err != nil {
		return nil, err
	}

	data, err := qs.readOwned(ctx, addr)
	if err != nil {
		return nil, fmt.Errorf("settlement %s: %w", batchID, err)
	}
	rec, err := record.DecodeSettlementRecord(data)
	if err != nil {
		return nil, fmt.Errorf("settlement %s: %w", batchID, err)
	}
	// The record must name the batch its address was derived from.
	bump, err := address.VerifySettlementAddress(qs.programID, addr, rec.Batch.BatchID)
	if err != nil {
		return nil, fmt.Errorf("settlement %s holds batch %q: %w", batchID, rec.Batch.BatchID, err)
	}
	if bump != rec.Bump {
		return nil, fmt.Errorf("settlement %s stores bump %d, derived %d: %w", batchID, rec.Bump, bump, settlement.ErrInvalidSettlementAccount)
	}

	b := &rec.Batch
	resp := &SettlementResponse{
		BatchID:       b.BatchID,
		Address:       addr.String(),
		Bump:          rec.Bump,
		Version:       rec.Version,
		TimestampMs:   b.TimestampMs,
		Relayer:       b.Relayer.String(),
		TradeCount:    len(b.Trades),
		TotalVolumeE6: b.TotalVolumeE6,
		TotalFeesE6:   b.TotalFeesE6,
		TotalVolume:   FromE6(b.TotalVolumeE6),
		TotalFees:     FromE6(b.TotalFeesE6),
		DataHash:      hex.EncodeToString(b.DataHash[:]),
		DigestValid:   core.ComputeDigest(b) == b.DataHash,
		Trades:        make([]TradeView, 0, len(b.Trades)),
	}
	for i := range b.Trades {
		t := &b.Trades[i]
		resp.Trades = append(resp.Trades, TradeView{
			ID:          t.ID,
			Market:      t.Market,
			TakerSide:   t.TakerSide.String(),
			Price:       FromE6(t.PriceE6),
			Qty:         FromE6(t.QtyE6),
			Notional:    FromE6(t.NotionalE6),
			TakerFee:    FromE6(t.TakerFeeE6),
			MakerFee:    FromE6(t.MakerFeeE6),
			TsMs:        t.TsMs,
			EngineSeq:   t.EngineSeq,
			TakerWallet: t.TakerWallet.String(),
			MakerWallet: t.MakerWallet.String(),
		})
	}
	return resp, nil
}

// GetUserAggregate returns the statistics of wallet.
func (qs *QueryService) GetUserAggregate(ctx context.Context, wallet settlement.Pubkey) (*UserAggregateResponse, error) {
	addr, _, err := address.UserAggregateAddress(qs.programID, wallet)
	if err != nil {
		return nil, err
	}

	data, err := qs.readOwned(ctx, addr)
	if err != nil {
		return nil, fmt.Errorf("user aggregate %s: %w", wallet, err)
	}
	agg, err := record.DecodeUserAggregate(data)
	if err != nil {
		return nil, fmt.Errorf("user aggregate %s: %w", wallet, err)
	}

	resp := &UserAggregateResponse{
		Wallet:        agg.Wallet.String(),
		Address:       addr.String(),
		TotalTrades:   agg.TotalTrades,
		MakerTrades:   agg.MakerTrades,
		TakerTrades:   agg.TakerTrades,
		TotalVolume:   FromE6(agg.TotalVolumeE6),
		MakerVolume:   FromE6(agg.MakerVolumeE6),
		TakerVolume:   FromE6(agg.TakerVolumeE6),
		TotalFees:     FromE6(agg.TotalFeesE6),
		MakerFees:     FromE6(agg.MakerFeesE6),
		TakerFees:     FromE6(agg.TakerFeesE6),
		AvgTradeSize:  decimal.Zero,
		FirstTradeTs:  agg.FirstTradeTs,
		LastTradeTs:   agg.LastTradeTs,
		MarketTrades:  make(map[string]uint64, record.NumKnownMarkets),
		TotalVolumeE6: agg.TotalVolumeE6,
		TotalFeesE6:   agg.TotalFeesE6,
	}
	if agg.TotalTrades > 0 {
		resp.AvgTradeSize = resp.TotalVolume.DivRound(decimal.NewFromInt(int64(agg.TotalTrades)), 6)
	}
	for i, market := range record.KnownMarkets {
		resp.MarketTrades[market] = agg.MarketTrades[i]
	}
	return resp, nil
}

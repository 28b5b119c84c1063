package core

import (
	"SettlementLedger/internal/settlement"
	"fmt"

	"github.com/rs/zerolog"
)

// Audit phases in the order a successful commit records them. START opens the
// trail and END closes it; everything between is one step that completed.
const (
	PhaseStart            = "SETTLEMENT_START"
	PhaseAuthorized       = "AUTHORIZED"
	PhaseBatchIDChecked   = "BATCH_ID_OK"
	PhaseValidated        = "VALIDATED"
	PhaseAddressDerived   = "ADDRESS_DERIVED"
	PhaseExistenceChecked = "EXISTENCE_CHECKED"
	PhaseAggregateLoaded  = "USER_AGGREGATE"
	PhasePersisted        = "PERSISTED"
	PhaseTrade            = "TRADE"
	PhaseEnd              = "SETTLEMENT_END"
)

// AuditEntry is one line of the audit trail.
type AuditEntry struct {
	Phase string
	Line  string
}

// auditTrail collects lines during a commit. They are written to the log
// only after the storage transaction committed, so the trail never shows a
// batch that was rolled back.
type auditTrail struct {
	batchID string
	entries []AuditEntry
}

// newAuditTrail opens a trail with its start line.
func newAuditTrail(entry, batchID string) *auditTrail {
	a := &auditTrail{batchID: batchID}
	a.add(PhaseStart, "SETTLEMENT_START|batch_id:%s|entrypoint:%s", batchID, entry)
	return a
}

func (a *auditTrail) add(phase, format string, args ...interface{}) {
	a.entries = append(a.entries, AuditEntry{Phase: phase, Line: fmt.Sprintf(format, args...)})
}

// finish appends one line per committed trade and closes the trail.
func (a *auditTrail) finish(b *settlement.Batch) {
	for i := range b.Trades {
		a.entries = append(a.entries, AuditEntry{Phase: PhaseTrade, Line: TradeAuditLine(&b.Trades[i])})
	}
	a.add(PhaseEnd, "SETTLEMENT_END|batch_id:%s|trades:%d|timestamp:%d|total_volume:%d|total_fees:%d",
		b.BatchID, len(b.Trades), b.TimestampMs, b.TotalVolumeE6, b.TotalFeesE6)
}

func (a *auditTrail) emit(logger zerolog.Logger) {
	for _, e := range a.entries {
		logger.Info().
			Str("audit", e.Phase).
			Str("batch_id", a.batchID).
			Msg(e.Line)
	}
}

// TradeAuditLine renders every attribute of a trade on one line, enough to
// rebuild the trade offline.
func TradeAuditLine(t *settlement.Trade) string {
	return fmt.Sprintf("TRADE|id:%s|market:%s|price_e6:%d|qty_e6:%d|notional_e6:%d|side:%s|ts:%d|seq:%d"+
		"|taker_order:%s|maker_order:%s|taker_id:%s|maker_id:%s|taker_wallet:%s|maker_wallet:%s"+
		"|taker_leverage:%dx|maker_leverage:%dx|taker_fee:%d|maker_fee:%d|taker_rate:%dbp|maker_rate:%dbp",
		t.ID, t.Market, t.PriceE6, t.QtyE6, t.NotionalE6, t.TakerSide, t.TsMs, t.EngineSeq,
		t.TakerOrderID, t.MakerOrderID, t.TakerAccountID, t.MakerAccountID, t.TakerWallet, t.MakerWallet,
		t.TakerLeverage, t.MakerLeverage, t.TakerFeeE6, t.MakerFeeE6, t.FeeRateTakerBp, t.FeeRateMakerBp,
	)
}

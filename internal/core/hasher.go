package core

import (
	"SettlementLedger/internal/settlement"
	"crypto/sha256"
	"encoding/binary"
)

// ComputeDigest calculates the integrity digest of a batch:
//
//	SHA-256(batch_id || ts || relayer
//	        || for each trade: id || price || qty || ts || engine_seq
//	        || for each summary: account_id || margin_change || fee)
//
// Integers are 8 bytes little-endian. Trade and summary order is part of the
// committed fact, so reordering changes the digest.
func ComputeDigest(b *settlement.Batch) [32]byte {
	hasher := sha256.New()
	var buf [8]byte

	writeI64 := func(v int64) {
		binary.LittleEndian.PutUint64(buf[:], uint64(v))
		hasher.Write(buf[:])
	}

	hasher.Write([]byte(b.BatchID))
	writeI64(b.TimestampMs)
	hasher.Write(b.Relayer[:])

	for i := range b.Trades {
		t := &b.Trades[i]
		hasher.Write([]byte(t.ID))
		writeI64(t.PriceE6)
		writeI64(t.QtyE6)
		writeI64(t.TsMs)
		binary.LittleEndian.PutUint64(buf[:], t.EngineSeq)
		hasher.Write(buf[:])
	}

	for i := range b.Accounts {
		a := &b.Accounts[i]
		hasher.Write([]byte(a.AccountID))
		writeI64(a.MarginChangeE6)
		writeI64(a.FeeE6)
	}

	var digest [32]byte
	copy(digest[:], hasher.Sum(nil))
	return digest
}

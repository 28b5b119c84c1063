package address

import (
	"SettlementLedger/internal/settlement"
	"crypto/sha256"
)

// BatchKey compresses a batch id to a fixed 32-byte seed. Batch ids are 36
// characters, over the per-seed budget, so both the writer and any later
// verifier must go through this function.
func BatchKey(batchID string) []byte {
	sum := sha256.Sum256([]byte(batchID))
	return sum[:]
}

// SettlementSeeds returns the seeds for a batch record.
func SettlementSeeds(batchID string) [][]byte {
	return [][]byte{[]byte(NamespaceSettlement), BatchKey(batchID)}
}

// UserAggregateSeeds returns the seeds for a wallet's aggregate record.
func UserAggregateSeeds(wallet settlement.Pubkey) [][]byte {
	return [][]byte{[]byte(NamespaceUserSettlement), wallet[:]}
}

// SettlementAddress derives the record address of a batch.
func SettlementAddress(programID settlement.Pubkey, batchID string) (settlement.Pubkey, uint8, error) {
	return Find(programID, SettlementSeeds(batchID)...)
}

// UserAggregateAddress derives the aggregate address of a wallet.
func UserAggregateAddress(programID, wallet settlement.Pubkey) (settlement.Pubkey, uint8, error) {
	return Find(programID, UserAggregateSeeds(wallet)...)
}

// VerifySettlementAddress checks that addr is the canonical record address of batchID.
func VerifySettlementAddress(programID, addr settlement.Pubkey, batchID string) (uint8, error) {
	return Verify(programID, addr, SettlementSeeds(batchID)...)
}

// VerifyUserAggregateAddress checks that addr is the canonical aggregate address of wallet.
func VerifyUserAggregateAddress(programID, addr, wallet settlement.Pubkey) (uint8, error) {
	return Verify(programID, addr, UserAggregateSeeds(wallet)...)
}

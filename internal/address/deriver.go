// Package address derives the storage location of every record from a stable
// key, so no address registry is needed. Derivation is public: anyone holding
// the program id can recompute and verify an address.
package address

import (
	"SettlementLedger/internal/settlement"
	"crypto/sha256"
	"errors"
	"fmt"

	"filippo.io/edwards25519"
)

const (
	// MaxSeedLen bounds a single seed. Longer keys must be compressed first.
	MaxSeedLen = 32
	MaxSeeds   = 16

	derivationMarker = "ProgramDerivedAddress"
)

// Namespace tags keep batch records and user aggregates in disjoint address spaces.
const (
	NamespaceSettlement     = "settlement"
	NamespaceUserSettlement = "user_settlement"
)

var (
	ErrSeedTooLong  = errors.New("address: seed exceeds 32 bytes")
	ErrTooManySeeds = errors.New("address: too many seeds")
	ErrOnCurve      = errors.New("address: candidate lies on the ed25519 curve")
	ErrNoViableBump = errors.New("address: no viable bump found")
)

// Create computes the address for seeds plus an explicit bump. It fails with
// ErrOnCurve when the candidate is a valid ed25519 point, i.e. one that a
// private key could control.
func Create(programID settlement.Pubkey, seeds [][]byte, bump uint8) (settlement.Pubkey, error) {
	var out settlement.Pubkey
	if len(seeds) >= MaxSeeds {
		return out, ErrTooManySeeds
	}

	h := sha256.New()
	for _, s := range seeds {
		if len(s) > MaxSeedLen {
			return out, ErrSeedTooLong
		}
		h.Write(s)
	}
	h.Write([]byte{bump})
	h.Write(programID[:])
	h.Write([]byte(derivationMarker))
	copy(out[:], h.Sum(nil))

	if IsOnCurve(out) {
		return settlement.Pubkey{}, ErrOnCurve
	}
	return out, nil
}

// Find searches bumps from 255 down to 0 and returns the first off-curve address.
func Find(programID settlement.Pubkey, seeds ...[]byte) (settlement.Pubkey, uint8, error) {
	for bump := 255; bump >= 0; bump-- {
		addr, err := Create(programID, seeds, uint8(bump))
		if err == nil {
			return addr, uint8(bump), nil
		}
		if !errors.Is(err, ErrOnCurve) {
			return settlement.Pubkey{}, 0, err
		}
	}
	return settlement.Pubkey{}, 0, ErrNoViableBump
}

// Verify checks that addr is the canonical location for seeds. The bump found
// by Find is the only accepted one.
func Verify(programID, addr settlement.Pubkey, seeds ...[]byte) (uint8, error) {
	want, bump, err := Find(programID, seeds...)
	if err != nil {
		return 0, err
	}
	if want != addr {
		return 0, fmt.Errorf("expected %s, got %s: %w", want, addr, settlement.ErrInvalidSettlementAccount)
	}
	return bump, nil
}

// IsOnCurve reports whether b decodes to a point on the ed25519 curve.
func IsOnCurve(b settlement.Pubkey) bool {
	_, err := new(edwards25519.Point).SetBytes(b[:])
	return err == nil
}

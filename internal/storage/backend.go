// Package storage is the ledger storage collaborator: it allocates, reads and
// writes raw account data at derived addresses and charges the storage cost
// to a payer. Every mutation happens inside a Tx; nothing is visible to other
// transactions until Commit.
package storage

import (
	"SettlementLedger/internal/settlement"
	"context"
	"errors"
)

// ErrTxDone is returned when a finished transaction is used again.
var ErrTxDone = errors.New("storage: transaction already committed or rolled back")

// Backend opens transactions. Implementations serialize transactions that
// touch the same address; the settlement core does no locking of its own.
type Backend interface {
	Begin(ctx context.Context) (Tx, error)

	// Rent is the schedule Allocate charges by.
	Rent() Rent
}

// Tx is one all-or-nothing unit of work.
type Tx interface {
	// Exists reports whether storage is allocated at addr.
	Exists(ctx context.Context, addr settlement.Pubkey) (bool, error)

	// OwnerOf returns the owning program of addr, or ErrAccountNotFound.
	OwnerOf(ctx context.Context, addr settlement.Pubkey) (settlement.Pubkey, error)

	// Read returns the data at addr, or ErrAccountNotFound.
	Read(ctx context.Context, addr settlement.Pubkey) ([]byte, error)

	// Allocate reserves size zeroed bytes at addr owned by owner and charges
	// the rent-exempt minimum to payer. Fails with ErrAccountAlreadyExists if
	// addr is taken and ErrInsufficientLamports if payer cannot cover it.
	Allocate(ctx context.Context, addr settlement.Pubkey, size int, owner, payer settlement.Pubkey) error

	// Write replaces the data at addr. len(data) must equal the allocated size.
	Write(ctx context.Context, addr settlement.Pubkey, data []byte) error

	// Balance returns the lamports available to payer.
	Balance(ctx context.Context, payer settlement.Pubkey) (int64, error)

	Commit() error

	// Rollback discards the transaction. Calling it after Commit is a no-op,
	// so it is safe to defer.
	Rollback() error
}

// Funder credits lamports to a payer. Used by admin tooling and tests.
type Funder interface {
	Fund(ctx context.Context, payer settlement.Pubkey, lamports int64) error
}

// View runs fn in a transaction that is always rolled back.
func View(ctx context.Context, b Backend, fn func(Tx) error) error {
	tx, err := b.Begin(ctx)
	if err != nil {
		return err
	}
	defer tx.Rollback()
	return fn(tx)
}

// Update runs fn in a transaction and commits if fn succeeds.
func Update(ctx context.Context, b Backend, fn func(Tx) error) error {
	tx, err := b.Begin(ctx)
	if err != nil {
		return err
	}
	defer tx.Rollback()
	if err := fn(tx); err != nil {
		return err
	}
	return tx.Commit()
}

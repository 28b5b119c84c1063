package storage

import (
	"SettlementLedger/internal/settlement"
	"context"
	"fmt"
	"sync"

	"golang.org/x/sync/semaphore"
)

type account struct {
	owner    settlement.Pubkey
	lamports int64
	data     []byte
}

func (a *account) clone() *account {
	data := make([]byte, len(a.data))
	copy(data, a.data)
	return &account{owner: a.owner, lamports: a.lamports, data: data}
}

// MemoryBackend keeps accounts in process memory. One transaction runs at a
// time; Begin waits for the previous one to finish or for ctx to end.
type MemoryBackend struct {
	writer *semaphore.Weighted // one unit, held for the lifetime of a Tx

	mu       sync.RWMutex
	accounts map[settlement.Pubkey]*account
	balances map[settlement.Pubkey]int64
	rent     Rent
}

func NewMemoryBackend(rent Rent) *MemoryBackend {
	return &MemoryBackend{
		writer:   semaphore.NewWeighted(1),
		accounts: make(map[settlement.Pubkey]*account),
		balances: make(map[settlement.Pubkey]int64),
		rent:     rent,
	}
}

// Fund credits lamports to payer outside any transaction.
func (m *MemoryBackend) Fund(ctx context.Context, payer settlement.Pubkey, lamports int64) error {
	if lamports < 0 {
		return fmt.Errorf("fund %s: negative amount %d", payer, lamports)
	}
	if err := m.writer.Acquire(ctx, 1); err != nil {
		return fmt.Errorf("fund %s: %w", payer, err)
	}
	defer m.writer.Release(1)
	m.mu.Lock()
	defer m.mu.Unlock()
	m.balances[payer] += lamports
	return nil
}

// AccountCount returns the number of committed accounts.
func (m *MemoryBackend) AccountCount() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.accounts)
}

func (m *MemoryBackend) Rent() Rent { return m.rent }

func (m *MemoryBackend) Begin(ctx context.Context) (Tx, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if err := m.writer.Acquire(ctx, 1); err != nil {
		return nil, fmt.Errorf("begin: %w", err)
	}
	return &memoryTx{
		backend:  m,
		accounts: make(map[settlement.Pubkey]*account),
		balances: make(map[settlement.Pubkey]int64),
	}, nil
}

// memoryTx stages changes in overlays and applies them on Commit.
type memoryTx struct {
	backend  *MemoryBackend
	accounts map[settlement.Pubkey]*account
	balances map[settlement.Pubkey]int64
	done     bool
}

func (tx *memoryTx) lookup(addr settlement.Pubkey) (*account, bool) {
	if a, ok := tx.accounts[addr]; ok {
		return a, true
	}
	tx.backend.mu.RLock()
	defer tx.backend.mu.RUnlock()
	a, ok := tx.backend.accounts[addr]
	return a, ok
}

func (tx *memoryTx) balance(payer settlement.Pubkey) int64 {
	if b, ok := tx.balances[payer]; ok {
		return b
	}
	tx.backend.mu.RLock()
	defer tx.backend.mu.RUnlock()
	return tx.backend.balances[payer]
}

func (tx *memoryTx) Exists(_ context.Context, addr settlement.Pubkey) (bool, error) {
	if tx.done {
		return false, ErrTxDone
	}
	_, ok := tx.lookup(addr)
	return ok, nil
}

func (tx *memoryTx) OwnerOf(_ context.Context, addr settlement.Pubkey) (settlement.Pubkey, error) {
	if tx.done {
		return settlement.Pubkey{}, ErrTxDone
	}
	a, ok := tx.lookup(addr)
	if !ok {
		return settlement.Pubkey{}, fmt.Errorf("owner of %s: %w", addr, settlement.ErrAccountNotFound)
	}
	return a.owner, nil
}

func (tx *memoryTx) Read(_ context.Context, addr settlement.Pubkey) ([]byte, error) {
	if tx.done {
		return nil, ErrTxDone
	}
	a, ok := tx.lookup(addr)
	if !ok {
		return nil, fmt.Errorf("read %s: %w", addr, settlement.ErrAccountNotFound)
	}
	data := make([]byte, len(a.data))
	copy(data, a.data)
	return data, nil
}

func (tx *memoryTx) Allocate(_ context.Context, addr settlement.Pubkey, size int, owner, payer settlement.Pubkey) error {
	if tx.done {
		return ErrTxDone
	}
	if size < 0 {
		return fmt.Errorf("allocate %s: negative size %d", addr, size)
	}
	if _, ok := tx.lookup(addr); ok {
		return fmt.Errorf("allocate %s: %w", addr, settlement.ErrAccountAlreadyExists)
	}

	cost := tx.backend.rent.MinimumBalance(size)
	available := tx.balance(payer)
	if available < cost {
		return fmt.Errorf("allocate %s: need %d lamports, payer %s has %d: %w",
			addr, cost, payer, available, settlement.ErrInsufficientLamports)
	}

	tx.balances[payer] = available - cost
	tx.accounts[addr] = &account{owner: owner, lamports: cost, data: make([]byte, size)}
	return nil
}

func (tx *memoryTx) Write(_ context.Context, addr settlement.Pubkey, data []byte) error {
	if tx.done {
		return ErrTxDone
	}
	a, ok := tx.lookup(addr)
	if !ok {
		return fmt.Errorf("write %s: %w", addr, settlement.ErrAccountNotFound)
	}
	if len(data) != len(a.data) {
		return fmt.Errorf("write %s: %d bytes into %d-byte account", addr, len(data), len(a.data))
	}
	staged, mine := tx.accounts[addr]
	if !mine {
		staged = a.clone()
		tx.accounts[addr] = staged
	}
	copy(staged.data, data)
	return nil
}

func (tx *memoryTx) Balance(_ context.Context, payer settlement.Pubkey) (int64, error) {
	if tx.done {
		return 0, ErrTxDone
	}
	return tx.balance(payer), nil
}

func (tx *memoryTx) Commit() error {
	if tx.done {
		return ErrTxDone
	}
	tx.done = true
	defer tx.backend.writer.Release(1)

	tx.backend.mu.Lock()
	defer tx.backend.mu.Unlock()
	for addr, a := range tx.accounts {
		tx.backend.accounts[addr] = a
	}
	for payer, b := range tx.balances {
		tx.backend.balances[payer] = b
	}
	return nil
}

func (tx *memoryTx) Rollback() error {
	if tx.done {
		return nil
	}
	tx.done = true
	tx.backend.writer.Release(1)
	return nil
}

package storage

import (
	"SettlementLedger/internal/settlement"
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/lib/pq"
)

const (
	pqUniqueViolation      = "23505"
	pqSerializationFailure = "40001"
)

// ErrConflict is returned when Postgres aborts a transaction because a
// concurrent transaction touched the same rows. The caller may retry.
var ErrConflict = errors.New("storage: serialization conflict")

// PostgresBackend stores accounts in ledger.accounts and payer balances in
// ledger.payers. Transactions run at SERIALIZABLE isolation.
type PostgresBackend struct {
	db   *sql.DB
	rent Rent
}

func NewPostgresBackend(db *sql.DB, rent Rent) *PostgresBackend {
	return &PostgresBackend{db: db, rent: rent}
}

// Ping checks connectivity. Used by the readiness probe.
func (p *PostgresBackend) Ping(ctx context.Context) error {
	return p.db.PingContext(ctx)
}

func (p *PostgresBackend) Fund(ctx context.Context, payer settlement.Pubkey, lamports int64) error {
	if lamports < 0 {
		return fmt.Errorf("fund %s: negative amount %d", payer, lamports)
	}
	_, err := p.db.ExecContext(ctx, `
		INSERT INTO ledger.payers (identity, lamports) VALUES ($1, $2)
		ON CONFLICT (identity) DO UPDATE
		SET lamports = ledger.payers.lamports + EXCLUDED.lamports, updated_at = NOW()`,
		payer.Bytes(), lamports,
	)
	if err != nil {
		return fmt.Errorf("fund %s: %w", payer, err)
	}
	return nil
}

func (p *PostgresBackend) Rent() Rent { return p.rent }

func (p *PostgresBackend) Begin(ctx context.Context) (Tx, error) {
	sqlTx, err := p.db.BeginTx(ctx, &sql.TxOptions{Isolation: sql.LevelSerializable})
	if err != nil {
		return nil, fmt.Errorf("begin tx: %w", err)
	}
	return &postgresTx{tx: sqlTx, rent: p.rent}, nil
}

type postgresTx struct {
	tx   *sql.Tx
	rent Rent
	done bool
}

func classify(op string, addr settlement.Pubkey, err error) error {
	var pqErr *pq.Error
	if errors.As(err, &pqErr) {
		switch string(pqErr.Code) {
		case pqUniqueViolation:
			return fmt.Errorf("%s %s: %w", op, addr, settlement.ErrAccountAlreadyExists)
		case pqSerializationFailure:
			return fmt.Errorf("%s %s: %w", op, addr, ErrConflict)
		}
	}
	return fmt.Errorf("%s %s: %w", op, addr, err)
}

func (t *postgresTx) Exists(ctx context.Context, addr settlement.Pubkey) (bool, error) {
	if t.done {
		return false, ErrTxDone
	}
	var one int
	err := t.tx.QueryRowContext(ctx,
		`SELECT 1 FROM ledger.accounts WHERE address = $1`, addr.Bytes(),
	).Scan(&one)
	if err == sql.ErrNoRows {
		return false, nil
	}
	if err != nil {
		return false, classify("exists", addr, err)
	}
	return true, nil
}

func (t *postgresTx) OwnerOf(ctx context.Context, addr settlement.Pubkey) (settlement.Pubkey, error) {
	if t.done {
		return settlement.Pubkey{}, ErrTxDone
	}
	var raw []byte
	err := t.tx.QueryRowContext(ctx,
		`SELECT owner FROM ledger.accounts WHERE address = $1`, addr.Bytes(),
	).Scan(&raw)
	if err == sql.ErrNoRows {
		return settlement.Pubkey{}, fmt.Errorf("owner of %s: %w", addr, settlement.ErrAccountNotFound)
	}
	if err != nil {
		return settlement.Pubkey{}, classify("owner of", addr, err)
	}
	var owner settlement.Pubkey
	if len(raw) != settlement.PubkeySize {
		return owner, fmt.Errorf("owner of %s: stored owner has %d bytes", addr, len(raw))
	}
	copy(owner[:], raw)
	return owner, nil
}

func (t *postgresTx) Read(ctx context.Context, addr settlement.Pubkey) ([]byte, error) {
	if t.done {
		return nil, ErrTxDone
	}
	var data []byte
	err := t.tx.QueryRowContext(ctx,
		`SELECT data FROM ledger.accounts WHERE address = $1 FOR UPDATE`, addr.Bytes(),
	).Scan(&data)
	if err == sql.ErrNoRows {
		return nil, fmt.Errorf("read %s: %w", addr, settlement.ErrAccountNotFound)
	}
	if err != nil {
		return nil, classify("read", addr, err)
	}
	return data, nil
}

func (t *postgresTx) Allocate(ctx context.Context, addr settlement.Pubkey, size int, owner, payer settlement.Pubkey) error {
	if t.done {
		return ErrTxDone
	}
	if size < 0 {
		return fmt.Errorf("allocate %s: negative size %d", addr, size)
	}

	exists, err := t.Exists(ctx, addr)
	if err != nil {
		return err
	}
	if exists {
		return fmt.Errorf("allocate %s: %w", addr, settlement.ErrAccountAlreadyExists)
	}

	cost := t.rent.MinimumBalance(size)
	var available int64
	err = t.tx.QueryRowContext(ctx,
		`SELECT lamports FROM ledger.payers WHERE identity = $1 FOR UPDATE`, payer.Bytes(),
	).Scan(&available)
	if err != nil && err != sql.ErrNoRows {
		return classify("allocate", addr, err)
	}
	if available < cost {
		return fmt.Errorf("allocate %s: need %d lamports, payer %s has %d: %w",
			addr, cost, payer, available, settlement.ErrInsufficientLamports)
	}

	if _, err := t.tx.ExecContext(ctx,
		`UPDATE ledger.payers SET lamports = lamports - $2, updated_at = NOW() WHERE identity = $1`,
		payer.Bytes(), cost,
	); err != nil {
		return classify("allocate", addr, err)
	}

	if _, err := t.tx.ExecContext(ctx, `
		INSERT INTO ledger.accounts (address, owner, lamports, size, data)
		VALUES ($1, $2, $3, $4, $5)`,
		addr.Bytes(), owner.Bytes(), cost, size, make([]byte, size),
	); err != nil {
		return classify("allocate", addr, err)
	}
	return nil
}

func (t *postgresTx) Write(ctx context.Context, addr settlement.Pubkey, data []byte) error {
	if t.done {
		return ErrTxDone
	}
	res, err := t.tx.ExecContext(ctx,
		`UPDATE ledger.accounts SET data = $2, updated_at = NOW() WHERE address = $1 AND size = $3`,
		addr.Bytes(), data, len(data),
	)
	if err != nil {
		return classify("write", addr, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return classify("write", addr, err)
	}
	if n == 0 {
		exists, err := t.Exists(ctx, addr)
		if err != nil {
			return err
		}
		if !exists {
			return fmt.Errorf("write %s: %w", addr, settlement.ErrAccountNotFound)
		}
		return fmt.Errorf("write %s: %d bytes does not match allocated size", addr, len(data))
	}
	return nil
}

func (t *postgresTx) Balance(ctx context.Context, payer settlement.Pubkey) (int64, error) {
	if t.done {
		return 0, ErrTxDone
	}
	var lamports int64
	err := t.tx.QueryRowContext(ctx,
		`SELECT lamports FROM ledger.payers WHERE identity = $1`, payer.Bytes(),
	).Scan(&lamports)
	if err == sql.ErrNoRows {
		return 0, nil
	}
	if err != nil {
		return 0, fmt.Errorf("balance %s: %w", payer, err)
	}
	return lamports, nil
}

func (t *postgresTx) Commit() error {
	if t.done {
		return ErrTxDone
	}
	t.done = true
	if err := t.tx.Commit(); err != nil {
		var pqErr *pq.Error
		if errors.As(err, &pqErr) && string(pqErr.Code) == pqSerializationFailure {
			return fmt.Errorf("commit: %w", ErrConflict)
		}
		return fmt.Errorf("commit: %w", err)
	}
	return nil
}

func (t *postgresTx) Rollback() error {
	if t.done {
		return nil
	}
	t.done = true
	return t.tx.Rollback()
}

package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/shopspring/decimal"

	"github.com/vitwit/aawallet/types"
)

// PostgresStore is the pgx-backed Store. Addresses are stored as lowercase
// hex text, amounts as numeric, event payloads as jsonb.
type PostgresStore struct {
	db       *pgxpool.Pool
	defaults types.SpendLimits
}

var _ Store = (*PostgresStore)(nil)

func NewPostgresStore(db *pgxpool.Pool) *PostgresStore {
	return &PostgresStore{db: db, defaults: types.DefaultSpendLimits("")}
}

// SetDefaultLimits replaces the policy applied to accounts without explicit
// limits. Call before serving traffic.
func (s *PostgresStore) SetDefaultLimits(l types.SpendLimits) {
	l.AccountID = ""
	s.defaults = l
}

// Schema is the DDL the store expects. Applied by the operator or by tests;
// the store itself never migrates.
const Schema = `
CREATE TABLE IF NOT EXISTS accounts (
	id                    TEXT PRIMARY KEY,
	owner_address         TEXT NOT NULL,
	smart_account_address TEXT NOT NULL UNIQUE,
	signer_wallet_id      TEXT NOT NULL,
	deployed              BOOLEAN NOT NULL DEFAULT FALSE,
	created_at            TIMESTAMPTZ NOT NULL
);

CREATE TABLE IF NOT EXISTS spend_limits (
	account_id             TEXT PRIMARY KEY REFERENCES accounts(id),
	per_transaction        NUMERIC NOT NULL,
	daily                  NUMERIC NOT NULL,
	confirmation_threshold NUMERIC NOT NULL
);

CREATE TABLE IF NOT EXISTS pending_payments (
	id         TEXT PRIMARY KEY,
	account_id TEXT NOT NULL REFERENCES accounts(id),
	to_address TEXT NOT NULL,
	amount     NUMERIC NOT NULL,
	memo       TEXT NOT NULL DEFAULT '',
	status     TEXT NOT NULL,
	created_at TIMESTAMPTZ NOT NULL,
	expires_at TIMESTAMPTZ NOT NULL
);

CREATE TABLE IF NOT EXISTS transactions (
	id           TEXT PRIMARY KEY,
	account_id   TEXT NOT NULL REFERENCES accounts(id),
	type         TEXT NOT NULL,
	amount       NUMERIC NOT NULL,
	from_address TEXT NOT NULL,
	to_address   TEXT NOT NULL,
	memo         TEXT NOT NULL DEFAULT '',
	chain_tx_id  TEXT NOT NULL UNIQUE,
	operation_id TEXT NOT NULL DEFAULT '',
	status       TEXT NOT NULL,
	created_at   TIMESTAMPTZ NOT NULL
);

CREATE TABLE IF NOT EXISTS events (
	id         TEXT PRIMARY KEY,
	account_id TEXT NOT NULL,
	type       TEXT NOT NULL,
	data       JSONB NOT NULL DEFAULT '{}',
	created_at TIMESTAMPTZ NOT NULL
);

CREATE TABLE IF NOT EXISTS scanner_cursor (
	id         BOOLEAN PRIMARY KEY DEFAULT TRUE CHECK (id),
	next_block BIGINT NOT NULL
);
`

func (s *PostgresStore) CreateAccount(ctx context.Context, a *types.Account) error {
	_, err := s.db.Exec(ctx, `
		INSERT INTO accounts (id, owner_address, smart_account_address, signer_wallet_id, deployed, created_at)
		VALUES ($1, $2, $3, $4, $5, $6)`,
		a.ID, hexAddr(a.OwnerAddress), hexAddr(a.SmartAccountAddress), a.SignerWalletID, a.Deployed, a.CreatedAt)
	if err != nil {
		return fmt.Errorf("inserting account: %w", err)
	}
	return nil
}

func (s *PostgresStore) Account(ctx context.Context, id string) (*types.Account, error) {
	return s.scanAccount(s.db.QueryRow(ctx, `
		SELECT id, owner_address, smart_account_address, signer_wallet_id, deployed, created_at
		FROM accounts WHERE id = $1`, id))
}

func (s *PostgresStore) AccountByAddress(ctx context.Context, addr common.Address) (*types.Account, error) {
	return s.scanAccount(s.db.QueryRow(ctx, `
		SELECT id, owner_address, smart_account_address, signer_wallet_id, deployed, created_at
		FROM accounts WHERE smart_account_address = $1`, hexAddr(addr)))
}

func (s *PostgresStore) scanAccount(row pgx.Row) (*types.Account, error) {
	var a types.Account
	var owner, smart string
	err := row.Scan(&a.ID, &owner, &smart, &a.SignerWalletID, &a.Deployed, &a.CreatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, err
	}
	a.OwnerAddress = common.HexToAddress(owner)
	a.SmartAccountAddress = common.HexToAddress(smart)
	return &a, nil
}

func (s *PostgresStore) MarkDeployed(ctx context.Context, id string) error {
	tag, err := s.db.Exec(ctx, `UPDATE accounts SET deployed = TRUE WHERE id = $1`, id)
	if err != nil {
		return fmt.Errorf("marking account deployed: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

func (s *PostgresStore) AccountAddresses(ctx context.Context) (map[common.Address]string, error) {
	rows, err := s.db.Query(ctx, `SELECT smart_account_address, id FROM accounts`)
	if err != nil {
		return nil, fmt.Errorf("listing account addresses: %w", err)
	}
	defer rows.Close()

	out := make(map[common.Address]string)
	for rows.Next() {
		var addr, id string
		if err := rows.Scan(&addr, &id); err != nil {
			return nil, err
		}
		out[common.HexToAddress(addr)] = id
	}
	return out, rows.Err()
}

func (s *PostgresStore) SpendLimits(ctx context.Context, accountID string) (types.SpendLimits, error) {
	var l types.SpendLimits
	l.AccountID = accountID
	err := s.db.QueryRow(ctx, `
		SELECT per_transaction, daily, confirmation_threshold
		FROM spend_limits WHERE account_id = $1`, accountID).
		Scan(&l.PerTransaction, &l.Daily, &l.ConfirmationThreshold)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			d := s.defaults
			d.AccountID = accountID
			return d, nil
		}
		return types.SpendLimits{}, err
	}
	return l, nil
}

func (s *PostgresStore) PutSpendLimits(ctx context.Context, l types.SpendLimits) error {
	_, err := s.db.Exec(ctx, `
		INSERT INTO spend_limits (account_id, per_transaction, daily, confirmation_threshold)
		VALUES ($1, $2, $3, $4)
		ON CONFLICT (account_id) DO UPDATE SET
			per_transaction = EXCLUDED.per_transaction,
			daily = EXCLUDED.daily,
			confirmation_threshold = EXCLUDED.confirmation_threshold`,
		l.AccountID, l.PerTransaction, l.Daily, l.ConfirmationThreshold)
	if err != nil {
		return fmt.Errorf("upserting spend limits: %w", err)
	}
	return nil
}

func (s *PostgresStore) CreatePendingPayment(ctx context.Context, p *types.PendingPayment) error {
	_, err := s.db.Exec(ctx, `
		INSERT INTO pending_payments (id, account_id, to_address, amount, memo, status, created_at, expires_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)`,
		p.ID, p.AccountID, hexAddr(p.To), p.Amount, p.Memo, p.Status, p.CreatedAt, p.ExpiresAt)
	if err != nil {
		return fmt.Errorf("inserting pending payment: %w", err)
	}
	return nil
}

func (s *PostgresStore) PendingPayment(ctx context.Context, id string) (*types.PendingPayment, error) {
	var p types.PendingPayment
	var to string
	err := s.db.QueryRow(ctx, `
		SELECT id, account_id, to_address, amount, memo, status, created_at, expires_at
		FROM pending_payments WHERE id = $1`, id).
		Scan(&p.ID, &p.AccountID, &to, &p.Amount, &p.Memo, &p.Status, &p.CreatedAt, &p.ExpiresAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, err
	}
	p.To = common.HexToAddress(to)
	return &p, nil
}

func (s *PostgresStore) TransitionPendingPayment(ctx context.Context, id string, from, to types.PendingStatus) error {
	// Conditional update is the CAS: only one caller sees RowsAffected == 1.
	tag, err := s.db.Exec(ctx, `
		UPDATE pending_payments SET status = $1 WHERE id = $2 AND status = $3`,
		to, id, from)
	if err != nil {
		return fmt.Errorf("transitioning pending payment: %w", err)
	}
	if tag.RowsAffected() == 0 {
		var exists bool
		if err := s.db.QueryRow(ctx,
			`SELECT EXISTS (SELECT 1 FROM pending_payments WHERE id = $1)`, id).Scan(&exists); err != nil {
			return err
		}
		if !exists {
			return ErrNotFound
		}
		return ErrStatusConflict
	}
	return nil
}

func (s *PostgresStore) ExpirePendingBefore(ctx context.Context, cutoff time.Time) (int, error) {
	tag, err := s.db.Exec(ctx, `
		UPDATE pending_payments SET status = $1
		WHERE status = $2 AND expires_at < $3`,
		types.PendingStatusExpired, types.PendingStatusPending, cutoff)
	if err != nil {
		return 0, fmt.Errorf("expiring pending payments: %w", err)
	}
	return int(tag.RowsAffected()), nil
}

func (s *PostgresStore) InsertTransaction(ctx context.Context, tx *types.Transaction) error {
	tag, err := s.db.Exec(ctx, `
		INSERT INTO transactions (id, account_id, type, amount, from_address, to_address, memo, chain_tx_id, operation_id, status, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)
		ON CONFLICT (chain_tx_id) DO NOTHING`,
		tx.ID, tx.AccountID, tx.Type, tx.Amount, hexAddr(tx.From), hexAddr(tx.To),
		tx.Memo, tx.ChainTxID, tx.OperationID, tx.Status, tx.CreatedAt)
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == "23505" {
			return ErrDuplicateTransaction
		}
		return fmt.Errorf("inserting transaction: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrDuplicateTransaction
	}
	return nil
}

func (s *PostgresStore) SpentToday(ctx context.Context, accountID string, now time.Time) (decimal.Decimal, error) {
	var total decimal.Decimal
	err := s.db.QueryRow(ctx, `
		SELECT COALESCE(SUM(amount), 0) FROM transactions
		WHERE account_id = $1
		  AND type IN ($2, $3)
		  AND created_at >= date_trunc('day', $4::timestamptz AT TIME ZONE 'UTC') AT TIME ZONE 'UTC'
		  AND created_at <  (date_trunc('day', $4::timestamptz AT TIME ZONE 'UTC') + interval '1 day') AT TIME ZONE 'UTC'`,
		accountID, types.TransactionTypePayment, types.TransactionTypeWithdrawal, now.UTC()).
		Scan(&total)
	if err != nil {
		return decimal.Zero, fmt.Errorf("summing daily spend: %w", err)
	}
	return total, nil
}

func (s *PostgresStore) Transactions(ctx context.Context, accountID string, limit int) ([]types.Transaction, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := s.db.Query(ctx, `
		SELECT id, account_id, type, amount, from_address, to_address, memo, chain_tx_id, operation_id, status, created_at
		FROM transactions WHERE account_id = $1
		ORDER BY created_at DESC LIMIT $2`, accountID, limit)
	if err != nil {
		return nil, fmt.Errorf("listing transactions: %w", err)
	}
	defer rows.Close()

	var out []types.Transaction
	for rows.Next() {
		var tx types.Transaction
		var from, to string
		if err := rows.Scan(&tx.ID, &tx.AccountID, &tx.Type, &tx.Amount, &from, &to,
			&tx.Memo, &tx.ChainTxID, &tx.OperationID, &tx.Status, &tx.CreatedAt); err != nil {
			return nil, err
		}
		tx.From = common.HexToAddress(from)
		tx.To = common.HexToAddress(to)
		out = append(out, tx)
	}
	return out, rows.Err()
}

func (s *PostgresStore) AppendEvent(ctx context.Context, e *types.Event) error {
	data, err := json.Marshal(e.Data)
	if err != nil {
		return fmt.Errorf("encoding event data: %w", err)
	}
	if _, err := s.db.Exec(ctx, `
		INSERT INTO events (id, account_id, type, data, created_at)
		VALUES ($1, $2, $3, $4, $5)`,
		e.ID, e.AccountID, e.Type, data, e.CreatedAt); err != nil {
		return fmt.Errorf("inserting event: %w", err)
	}
	return nil
}

func (s *PostgresStore) EventsSince(ctx context.Context, accountID string, since time.Time, limit int) ([]types.Event, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := s.db.Query(ctx, `
		SELECT id, account_id, type, data, created_at
		FROM events WHERE account_id = $1 AND created_at > $2
		ORDER BY created_at ASC LIMIT $3`, accountID, since, limit)
	if err != nil {
		return nil, fmt.Errorf("listing events: %w", err)
	}
	defer rows.Close()

	var out []types.Event
	for rows.Next() {
		var e types.Event
		var data []byte
		if err := rows.Scan(&e.ID, &e.AccountID, &e.Type, &data, &e.CreatedAt); err != nil {
			return nil, err
		}
		if len(data) > 0 {
			if err := json.Unmarshal(data, &e.Data); err != nil {
				return nil, fmt.Errorf("decoding event data: %w", err)
			}
		}
		out = append(out, e)
	}
	return out, rows.Err()
}

func (s *PostgresStore) ScannerCursor(ctx context.Context) (uint64, bool, error) {
	var block int64
	err := s.db.QueryRow(ctx, `SELECT next_block FROM scanner_cursor WHERE id`).Scan(&block)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return 0, false, nil
		}
		return 0, false, err
	}
	return uint64(block), true, nil
}

func (s *PostgresStore) SetScannerCursor(ctx context.Context, block uint64) error {
	_, err := s.db.Exec(ctx, `
		INSERT INTO scanner_cursor (id, next_block) VALUES (TRUE, $1)
		ON CONFLICT (id) DO UPDATE SET next_block = EXCLUDED.next_block`, int64(block))
	if err != nil {
		return fmt.Errorf("saving scanner cursor: %w", err)
	}
	return nil
}

func hexAddr(a common.Address) string {
	return a.Hex()
}

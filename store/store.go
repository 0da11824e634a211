// Package store persists accounts, spend limits, pending payments, the
// transaction ledger, the event log and the deposit scanner cursor. Two
// implementations share the interface: an in-memory store for tests and
// development, and a Postgres store for production.
package store

import (
	"context"
	"errors"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/shopspring/decimal"

	"github.com/vitwit/aawallet/types"
)

var (
	// ErrNotFound is returned when the requested row does not exist.
	ErrNotFound = errors.New("store: not found")

	// ErrDuplicateTransaction is returned when a transaction with the same
	// chain tx id was already recorded. Callers treat it as "already done".
	ErrDuplicateTransaction = errors.New("store: duplicate transaction")

	// ErrStatusConflict is returned when a pending payment is no longer in
	// the expected state; exactly one caller wins a terminal transition.
	ErrStatusConflict = errors.New("store: status conflict")
)

type Store interface {
	// Accounts.
	CreateAccount(ctx context.Context, a *types.Account) error
	Account(ctx context.Context, id string) (*types.Account, error)
	AccountByAddress(ctx context.Context, addr common.Address) (*types.Account, error)
	MarkDeployed(ctx context.Context, id string) error
	// AccountAddresses maps smart-account address to account id, for the
	// deposit scanner's inbound-transfer matching.
	AccountAddresses(ctx context.Context) (map[common.Address]string, error)

	// Spend limits. SpendLimits falls back to the defaults when the account
	// has no explicit row.
	SpendLimits(ctx context.Context, accountID string) (types.SpendLimits, error)
	PutSpendLimits(ctx context.Context, l types.SpendLimits) error

	// Pending payments. TransitionPendingPayment is a compare-and-set on
	// status: ErrStatusConflict when the payment already left `from`.
	CreatePendingPayment(ctx context.Context, p *types.PendingPayment) error
	PendingPayment(ctx context.Context, id string) (*types.PendingPayment, error)
	TransitionPendingPayment(ctx context.Context, id string, from, to types.PendingStatus) error
	// ExpirePendingBefore flips every still-pending payment whose expiry is
	// past cutoff to expired and returns how many it flipped.
	ExpirePendingBefore(ctx context.Context, cutoff time.Time) (int, error)

	// Transaction ledger. Insert is idempotent on ChainTxID.
	InsertTransaction(ctx context.Context, tx *types.Transaction) error
	// SpentToday sums the account's payments and withdrawals recorded on
	// the same UTC day as now. Deposits and escrow/contract entries do not
	// count against the daily limit.
	SpentToday(ctx context.Context, accountID string, now time.Time) (decimal.Decimal, error)
	Transactions(ctx context.Context, accountID string, limit int) ([]types.Transaction, error)

	// Event log.
	AppendEvent(ctx context.Context, e *types.Event) error
	EventsSince(ctx context.Context, accountID string, since time.Time, limit int) ([]types.Event, error)

	// Deposit scanner cursor: next block to scan. ok is false before the
	// first Set, letting the scanner anchor at the live chain height.
	ScannerCursor(ctx context.Context) (block uint64, ok bool, err error)
	SetScannerCursor(ctx context.Context, block uint64) error
}

// countsAgainstDailyLimit reports whether a ledger entry type consumes the
// account's daily spend allowance.
func countsAgainstDailyLimit(t types.TransactionType) bool {
	return t == types.TransactionTypePayment || t == types.TransactionTypeWithdrawal
}

// sameUTCDay reports whether both instants fall on one UTC calendar day.
func sameUTCDay(a, b time.Time) bool {
	ay, am, ad := a.UTC().Date()
	by, bm, bd := b.UTC().Date()
	return ay == by && am == bm && ad == bd
}

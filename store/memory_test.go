package store

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/vitwit/aawallet/types"
)

func TestAccountLifecycle(t *testing.T) {
	s := NewMemoryStore()
	ctx := context.Background()

	addr := common.HexToAddress("0x1111111111111111111111111111111111111111")
	require.NoError(t, s.CreateAccount(ctx, &types.Account{
		ID:                  "acct-1",
		SmartAccountAddress: addr,
		CreatedAt:           time.Now().UTC(),
	}))

	a, err := s.Account(ctx, "acct-1")
	require.NoError(t, err)
	assert.False(t, a.Deployed)

	byAddr, err := s.AccountByAddress(ctx, addr)
	require.NoError(t, err)
	assert.Equal(t, "acct-1", byAddr.ID)

	require.NoError(t, s.MarkDeployed(ctx, "acct-1"))
	a, err = s.Account(ctx, "acct-1")
	require.NoError(t, err)
	assert.True(t, a.Deployed)

	_, err = s.Account(ctx, "missing")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestSpendLimitsDefaultWhenUnset(t *testing.T) {
	s := NewMemoryStore()
	ctx := context.Background()

	l, err := s.SpendLimits(ctx, "acct-1")
	require.NoError(t, err)
	assert.True(t, l.PerTransaction.Equal(decimal.NewFromInt(10)))
	assert.True(t, l.Daily.Equal(decimal.NewFromInt(50)))
	assert.True(t, l.ConfirmationThreshold.Equal(decimal.NewFromInt(5)))

	l.Daily = decimal.NewFromInt(200)
	require.NoError(t, s.PutSpendLimits(ctx, l))
	got, err := s.SpendLimits(ctx, "acct-1")
	require.NoError(t, err)
	assert.True(t, got.Daily.Equal(decimal.NewFromInt(200)))
}

func TestSetDefaultLimitsChangesFallback(t *testing.T) {
	s := NewMemoryStore()
	ctx := context.Background()

	s.SetDefaultLimits(types.SpendLimits{
		PerTransaction:        decimal.NewFromInt(25),
		Daily:                 decimal.NewFromInt(120),
		ConfirmationThreshold: decimal.NewFromInt(15),
	})

	l, err := s.SpendLimits(ctx, "acct-1")
	require.NoError(t, err)
	assert.Equal(t, "acct-1", l.AccountID)
	assert.True(t, l.PerTransaction.Equal(decimal.NewFromInt(25)))
	assert.True(t, l.Daily.Equal(decimal.NewFromInt(120)))
	assert.True(t, l.ConfirmationThreshold.Equal(decimal.NewFromInt(15)))

	// Explicit limits still win over the fallback.
	require.NoError(t, s.PutSpendLimits(ctx, types.SpendLimits{
		AccountID:             "acct-2",
		PerTransaction:        decimal.NewFromInt(1),
		Daily:                 decimal.NewFromInt(2),
		ConfirmationThreshold: decimal.NewFromInt(1),
	}))
	got, err := s.SpendLimits(ctx, "acct-2")
	require.NoError(t, err)
	assert.True(t, got.Daily.Equal(decimal.NewFromInt(2)))
}

func TestPendingPaymentTransitionSingleWinner(t *testing.T) {
	s := NewMemoryStore()
	ctx := context.Background()

	require.NoError(t, s.CreatePendingPayment(ctx, &types.PendingPayment{
		ID:     "pp-1",
		Status: types.PendingStatusPending,
	}))

	// Racing confirm and cancel: exactly one transition wins.
	var wg sync.WaitGroup
	results := make([]error, 2)
	targets := []types.PendingStatus{types.PendingStatusConfirmed, types.PendingStatusCancelled}
	for i, target := range targets {
		wg.Add(1)
		go func(i int, target types.PendingStatus) {
			defer wg.Done()
			results[i] = s.TransitionPendingPayment(ctx, "pp-1", types.PendingStatusPending, target)
		}(i, target)
	}
	wg.Wait()

	winners := 0
	for _, err := range results {
		if err == nil {
			winners++
		} else {
			assert.ErrorIs(t, err, ErrStatusConflict)
		}
	}
	assert.Equal(t, 1, winners)

	err := s.TransitionPendingPayment(ctx, "missing", types.PendingStatusPending, types.PendingStatusConfirmed)
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestExpirePendingBefore(t *testing.T) {
	s := NewMemoryStore()
	ctx := context.Background()
	now := time.Now().UTC()

	require.NoError(t, s.CreatePendingPayment(ctx, &types.PendingPayment{
		ID: "old", Status: types.PendingStatusPending, ExpiresAt: now.Add(-time.Minute)}))
	require.NoError(t, s.CreatePendingPayment(ctx, &types.PendingPayment{
		ID: "fresh", Status: types.PendingStatusPending, ExpiresAt: now.Add(time.Minute)}))
	require.NoError(t, s.CreatePendingPayment(ctx, &types.PendingPayment{
		ID: "done", Status: types.PendingStatusConfirmed, ExpiresAt: now.Add(-time.Minute)}))

	n, err := s.ExpirePendingBefore(ctx, now)
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	old, err := s.PendingPayment(ctx, "old")
	require.NoError(t, err)
	assert.Equal(t, types.PendingStatusExpired, old.Status)

	done, err := s.PendingPayment(ctx, "done")
	require.NoError(t, err)
	assert.Equal(t, types.PendingStatusConfirmed, done.Status,
		"terminal states stay untouched")
}

func TestInsertTransactionIdempotentOnChainTxID(t *testing.T) {
	s := NewMemoryStore()
	ctx := context.Background()

	tx := &types.Transaction{ID: "t1", AccountID: "acct-1", ChainTxID: "0xabc",
		Type: types.TransactionTypeDeposit, Amount: decimal.NewFromInt(1), CreatedAt: time.Now().UTC()}
	require.NoError(t, s.InsertTransaction(ctx, tx))

	dup := *tx
	dup.ID = "t2"
	assert.ErrorIs(t, s.InsertTransaction(ctx, &dup), ErrDuplicateTransaction)
}

func TestSpentTodayCountsOnlyPaymentsAndWithdrawals(t *testing.T) {
	s := NewMemoryStore()
	ctx := context.Background()
	now := time.Now().UTC()

	insert := func(id string, typ types.TransactionType, amount int64, at time.Time) {
		require.NoError(t, s.InsertTransaction(ctx, &types.Transaction{
			ID: id, AccountID: "acct-1", Type: typ,
			Amount: decimal.NewFromInt(amount), ChainTxID: "0x" + id, CreatedAt: at,
		}))
	}

	insert("p1", types.TransactionTypePayment, 3, now)
	insert("w1", types.TransactionTypeWithdrawal, 2, now)
	insert("d1", types.TransactionTypeDeposit, 100, now)
	insert("e1", types.TransactionTypeEscrowDeposit, 7, now)
	insert("p0", types.TransactionTypePayment, 9, now.Add(-48*time.Hour))

	total, err := s.SpentToday(ctx, "acct-1", now)
	require.NoError(t, err)
	assert.True(t, total.Equal(decimal.NewFromInt(5)), "got %s", total)
}

func TestEventsSince(t *testing.T) {
	s := NewMemoryStore()
	ctx := context.Background()
	base := time.Now().UTC()

	for i, at := range []time.Time{base.Add(-time.Hour), base.Add(time.Minute)} {
		require.NoError(t, s.AppendEvent(ctx, &types.Event{
			ID: string(rune('a' + i)), AccountID: "acct-1",
			Type: types.EventPaymentSent, CreatedAt: at,
		}))
	}

	events, err := s.EventsSince(ctx, "acct-1", base, 10)
	require.NoError(t, err)
	require.Len(t, events, 1)
	assert.Equal(t, "b", events[0].ID)
}

func TestScannerCursor(t *testing.T) {
	s := NewMemoryStore()
	ctx := context.Background()

	_, ok, err := s.ScannerCursor(ctx)
	require.NoError(t, err)
	assert.False(t, ok, "cursor unset before first save")

	require.NoError(t, s.SetScannerCursor(ctx, 1234))
	block, ok, err := s.ScannerCursor(ctx)
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, uint64(1234), block)
}

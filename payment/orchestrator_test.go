package payment

import (
	"context"
	"fmt"
	"math/big"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/vitwit/aawallet/bundler"
	"github.com/vitwit/aawallet/events"
	"github.com/vitwit/aawallet/store"
	"github.com/vitwit/aawallet/types"
	"github.com/vitwit/aawallet/userop"
)

var (
	testEntryPoint = common.HexToAddress("0x0000000071727De22E5E9d8BAf0edAc6f37da032")
	testToken      = common.HexToAddress("0x036CbD53842c5426634e7929541eC2318f3dCF7e")
	testEscrow     = common.HexToAddress("0x9999999999999999999999999999999999999999")
	testRecipient  = common.HexToAddress("0x2222222222222222222222222222222222222222")
	testSender     = common.HexToAddress("0x4444444444444444444444444444444444444444")
)

type fakeChain struct {
	balance decimal.Decimal
}

func (f *fakeChain) Token() common.Address { return testToken }

func (f *fakeChain) BalanceOf(_ context.Context, _ common.Address) (decimal.Decimal, error) {
	return f.balance, nil
}

func (f *fakeChain) TransferCalldata(_ common.Address, _ decimal.Decimal) ([]byte, error) {
	return []byte{0xa9}, nil
}

func (f *fakeChain) ApproveCalldata(_ common.Address, _ decimal.Decimal) ([]byte, error) {
	return []byte{0x09}, nil
}

func (f *fakeChain) DepositCalldata(_ [32]byte, _ common.Address, _ decimal.Decimal) ([]byte, error) {
	return []byte{0xd9}, nil
}

type buildCall struct {
	sender   common.Address
	deployed bool
}

type fakeBuilder struct {
	builds  []buildCall
	batches [][]userop.Call
}

func (f *fakeBuilder) Build(_ context.Context, sender common.Address, callData []byte, deployed bool, _ common.Address) (*userop.UserOperation, error) {
	f.builds = append(f.builds, buildCall{sender: sender, deployed: deployed})
	return &userop.UserOperation{Sender: sender, CallData: callData, Signature: userop.DummySignature}, nil
}

func (f *fakeBuilder) ExecuteCalldata(_ common.Address, _ *big.Int, data []byte) ([]byte, error) {
	return append([]byte{0xb6}, data...), nil
}

func (f *fakeBuilder) ExecuteBatchCalldata(calls []userop.Call) ([]byte, error) {
	f.batches = append(f.batches, calls)
	return []byte{0x47, byte(len(calls))}, nil
}

type fakeRelay struct {
	submissions int
	sponsorErr  error
	receiptErr  error
}

func (f *fakeRelay) Sponsor(_ context.Context, op *userop.UserOperation) error {
	if f.sponsorErr != nil {
		return f.sponsorErr
	}
	pm := common.HexToAddress("0x3333333333333333333333333333333333333333")
	op.Paymaster = &pm
	return nil
}

func (f *fakeRelay) Submit(_ context.Context, _ *userop.UserOperation) (string, error) {
	f.submissions++
	return fmt.Sprintf("0xop%d", f.submissions), nil
}

func (f *fakeRelay) AwaitReceipt(_ context.Context, opID string) (*bundler.Receipt, error) {
	if f.receiptErr != nil {
		return nil, f.receiptErr
	}
	return &bundler.Receipt{
		Success: true,
		Receipt: bundler.TxReceipt{
			TransactionHash: common.BytesToHash([]byte("tx-" + opID)),
		},
	}, nil
}

type fakeOracle struct {
	signed int
}

func (f *fakeOracle) Sign(_ context.Context, _ common.Hash) ([]byte, error) {
	f.signed++
	return make([]byte, 65), nil
}

type fixture struct {
	orch    *Orchestrator
	store   *store.MemoryStore
	chain   *fakeChain
	builder *fakeBuilder
	relay   *fakeRelay
	oracle  *fakeOracle
	now     time.Time
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	f := &fixture{
		store:   store.NewMemoryStore(),
		chain:   &fakeChain{balance: decimal.NewFromInt(100)},
		builder: &fakeBuilder{},
		relay:   &fakeRelay{},
		oracle:  &fakeOracle{},
		now:     time.Date(2026, 8, 23, 12, 0, 0, 0, time.UTC),
	}
	f.orch = NewOrchestrator(Deps{
		Store:      f.store,
		Chain:      f.chain,
		Builder:    f.builder,
		Relay:      f.relay,
		Oracle:     f.oracle,
		Emitter:    events.NewStoreEmitter(f.store),
		EntryPoint: testEntryPoint,
		ChainID:    big.NewInt(84532),
		Escrow:     testEscrow,
		PendingTTL: 10 * time.Minute,
	})
	f.orch.now = func() time.Time { return f.now }

	require.NoError(t, f.store.CreateAccount(context.Background(), &types.Account{
		ID:                  "acct-1",
		OwnerAddress:        common.HexToAddress("0x5555555555555555555555555555555555555555"),
		SmartAccountAddress: testSender,
		Deployed:            true,
		CreatedAt:           f.now,
	}))
	return f
}

func (f *fixture) eventTypes(t *testing.T) []string {
	t.Helper()
	evs, err := f.store.EventsSince(context.Background(), "acct-1", time.Time{}, 0)
	require.NoError(t, err)
	out := make([]string, len(evs))
	for i, e := range evs {
		out[i] = e.Type
	}
	return out
}

func TestPayBelowThresholdSettlesImmediately(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	res, err := f.orch.Pay(ctx, "acct-1", testRecipient, decimal.NewFromInt(3), "coffee")
	require.NoError(t, err)
	require.NotNil(t, res.Settlement)
	assert.Nil(t, res.Pending)
	assert.Equal(t, "0xop1", res.Settlement.OperationID)
	assert.Equal(t, 1, f.oracle.signed)

	txs, err := f.store.Transactions(ctx, "acct-1", 0)
	require.NoError(t, err)
	require.Len(t, txs, 1)
	assert.Equal(t, types.TransactionTypePayment, txs[0].Type)
	assert.True(t, txs[0].Amount.Equal(decimal.NewFromInt(3)))
	assert.Equal(t, res.Settlement.TxHash, txs[0].ChainTxID)

	assert.Equal(t, []string{types.EventPaymentSent}, f.eventTypes(t))
}

func TestPayValidationOrder(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	_, err := f.orch.Pay(ctx, "acct-1", testRecipient, decimal.Zero, "")
	require.Error(t, err)
	assert.True(t, types.IsValidation(err))
	assert.Contains(t, err.Error(), "positive")

	_, err = f.orch.Pay(ctx, "acct-1", testRecipient, decimal.NewFromInt(11), "")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "per-transaction limit")

	// Amount within limits but over the live balance.
	f.chain.balance = decimal.NewFromInt(1)
	_, err = f.orch.Pay(ctx, "acct-1", testRecipient, decimal.NewFromInt(4), "")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "insufficient balance")

	assert.Zero(t, f.relay.submissions, "validation failures never reach the relay")
}

func TestPayDailyLimitIncludesRunningTotal(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	require.NoError(t, f.store.PutSpendLimits(ctx, types.SpendLimits{
		AccountID:             "acct-1",
		PerTransaction:        decimal.NewFromInt(10),
		Daily:                 decimal.NewFromInt(15),
		ConfirmationThreshold: decimal.NewFromInt(10),
	}))

	_, err := f.orch.Pay(ctx, "acct-1", testRecipient, decimal.NewFromInt(8), "")
	require.NoError(t, err)

	_, err = f.orch.Pay(ctx, "acct-1", testRecipient, decimal.NewFromInt(8), "")
	require.Error(t, err)
	assert.True(t, types.IsValidation(err))
	assert.Contains(t, err.Error(), "daily limit 15")
	assert.Contains(t, err.Error(), "already spent today: 8")

	// A fresh UTC day resets the allowance.
	f.now = f.now.Add(24 * time.Hour)
	_, err = f.orch.Pay(ctx, "acct-1", testRecipient, decimal.NewFromInt(8), "")
	require.NoError(t, err)
}

func TestPayAboveThresholdParksPending(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	res, err := f.orch.Pay(ctx, "acct-1", testRecipient, decimal.NewFromInt(7), "big one")
	require.NoError(t, err)
	require.NotNil(t, res.Pending)
	assert.Nil(t, res.Settlement)
	assert.Equal(t, types.PendingStatusPending, res.Pending.Status)
	assert.Equal(t, f.now.Add(10*time.Minute), res.Pending.ExpiresAt)
	assert.Zero(t, f.relay.submissions, "parked payments must not touch the chain")
	assert.Equal(t, []string{types.EventPaymentRequiresConfirmation}, f.eventTypes(t))
}

func TestConfirmSettlesPendingPayment(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	res, err := f.orch.Pay(ctx, "acct-1", testRecipient, decimal.NewFromInt(7), "")
	require.NoError(t, err)

	settled, err := f.orch.Confirm(ctx, "acct-1", res.Pending.ID)
	require.NoError(t, err)
	assert.True(t, settled.Amount.Equal(decimal.NewFromInt(7)))

	p, err := f.store.PendingPayment(ctx, res.Pending.ID)
	require.NoError(t, err)
	assert.Equal(t, types.PendingStatusConfirmed, p.Status)

	// Terminal: a second confirm is rejected.
	_, err = f.orch.Confirm(ctx, "acct-1", res.Pending.ID)
	require.Error(t, err)
	assert.True(t, types.IsValidation(err))
	assert.Equal(t, 1, f.relay.submissions)
}

func TestConfirmFailureBeforeSubmitReopensPayment(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	res, err := f.orch.Pay(ctx, "acct-1", testRecipient, decimal.NewFromInt(7), "")
	require.NoError(t, err)

	f.relay.sponsorErr = types.NewProtocolError("paymaster unavailable")
	_, err = f.orch.Confirm(ctx, "acct-1", res.Pending.ID)
	require.Error(t, err)
	assert.Zero(t, f.relay.submissions)

	// Nothing reached the chain, so the payment is handed back for another
	// confirm attempt.
	p, err := f.store.PendingPayment(ctx, res.Pending.ID)
	require.NoError(t, err)
	assert.Equal(t, types.PendingStatusPending, p.Status)

	f.relay.sponsorErr = nil
	settled, err := f.orch.Confirm(ctx, "acct-1", res.Pending.ID)
	require.NoError(t, err)
	assert.True(t, settled.Amount.Equal(decimal.NewFromInt(7)))
	assert.Equal(t, 1, f.relay.submissions)
}

func TestConfirmTimeoutKeepsPaymentConfirmed(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	res, err := f.orch.Pay(ctx, "acct-1", testRecipient, decimal.NewFromInt(7), "")
	require.NoError(t, err)

	f.relay.receiptErr = types.NewSettlementTimeoutError("outcome unknown")
	_, err = f.orch.Confirm(ctx, "acct-1", res.Pending.ID)
	require.Error(t, err)
	assert.True(t, types.IsSettlementTimeout(err))

	// The operation may still land, so the payment stays confirmed and a
	// second confirm must not resubmit it.
	p, err := f.store.PendingPayment(ctx, res.Pending.ID)
	require.NoError(t, err)
	assert.Equal(t, types.PendingStatusConfirmed, p.Status)

	_, err = f.orch.Confirm(ctx, "acct-1", res.Pending.ID)
	require.Error(t, err)
	assert.True(t, types.IsValidation(err))
	assert.Equal(t, 1, f.relay.submissions)
}

func TestConfirmExpiredFlipsToExpired(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	res, err := f.orch.Pay(ctx, "acct-1", testRecipient, decimal.NewFromInt(7), "")
	require.NoError(t, err)

	f.now = f.now.Add(11 * time.Minute)
	_, err = f.orch.Confirm(ctx, "acct-1", res.Pending.ID)
	require.Error(t, err)
	assert.True(t, types.IsValidation(err))
	assert.Contains(t, err.Error(), "expired")

	p, err := f.store.PendingPayment(ctx, res.Pending.ID)
	require.NoError(t, err)
	assert.Equal(t, types.PendingStatusExpired, p.Status)
	assert.Zero(t, f.relay.submissions)
}

func TestCancelIsTerminal(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	res, err := f.orch.Pay(ctx, "acct-1", testRecipient, decimal.NewFromInt(7), "")
	require.NoError(t, err)

	require.NoError(t, f.orch.Cancel(ctx, "acct-1", res.Pending.ID))

	err = f.orch.Cancel(ctx, "acct-1", res.Pending.ID)
	require.Error(t, err)
	assert.True(t, types.IsValidation(err))

	_, err = f.orch.Confirm(ctx, "acct-1", res.Pending.ID)
	require.Error(t, err)
	assert.True(t, types.IsValidation(err))
	assert.Zero(t, f.relay.submissions)
}

func TestConfirmRejectsForeignAccount(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	require.NoError(t, f.store.CreateAccount(ctx, &types.Account{
		ID:                  "acct-2",
		SmartAccountAddress: common.HexToAddress("0x01"),
	}))

	res, err := f.orch.Pay(ctx, "acct-1", testRecipient, decimal.NewFromInt(7), "")
	require.NoError(t, err)

	_, err = f.orch.Confirm(ctx, "acct-2", res.Pending.ID)
	require.Error(t, err)
	assert.True(t, types.IsValidation(err))
}

func TestWithdrawIgnoresConfirmationThreshold(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	res, err := f.orch.Withdraw(ctx, "acct-1", testRecipient, decimal.NewFromInt(9), "")
	require.NoError(t, err)
	require.NotNil(t, res)
	assert.Equal(t, 1, f.relay.submissions)

	txs, err := f.store.Transactions(ctx, "acct-1", 0)
	require.NoError(t, err)
	require.Len(t, txs, 1)
	assert.Equal(t, types.TransactionTypeWithdrawal, txs[0].Type)
	assert.Equal(t, []string{types.EventWithdrawalSent}, f.eventTypes(t))
}

func TestWithdrawCountsAgainstDailyLimit(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	require.NoError(t, f.store.PutSpendLimits(ctx, types.SpendLimits{
		AccountID:             "acct-1",
		PerTransaction:        decimal.NewFromInt(10),
		Daily:                 decimal.NewFromInt(12),
		ConfirmationThreshold: decimal.NewFromInt(10),
	}))

	_, err := f.orch.Withdraw(ctx, "acct-1", testRecipient, decimal.NewFromInt(9), "")
	require.NoError(t, err)

	_, err = f.orch.Pay(ctx, "acct-1", testRecipient, decimal.NewFromInt(4), "")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "already spent today: 9")
}

func TestFirstSettlementMarksDeployed(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	require.NoError(t, f.store.CreateAccount(ctx, &types.Account{
		ID:                  "acct-new",
		SmartAccountAddress: common.HexToAddress("0x6666666666666666666666666666666666666666"),
	}))

	_, err := f.orch.Pay(ctx, "acct-new", testRecipient, decimal.NewFromInt(1), "")
	require.NoError(t, err)
	require.Len(t, f.builder.builds, 1)
	assert.False(t, f.builder.builds[0].deployed)

	a, err := f.store.Account(ctx, "acct-new")
	require.NoError(t, err)
	assert.True(t, a.Deployed, "deployed flips once after the first success")

	_, err = f.orch.Pay(ctx, "acct-new", testRecipient, decimal.NewFromInt(1), "")
	require.NoError(t, err)
	require.Len(t, f.builder.builds, 2)
	assert.True(t, f.builder.builds[1].deployed)
}

func TestOnChainRevertLeavesNoLedgerEntry(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.relay.receiptErr = types.NewOnChainRevertError("operation reverted: AA24")

	_, err := f.orch.Pay(ctx, "acct-1", testRecipient, decimal.NewFromInt(1), "")
	require.Error(t, err)
	assert.True(t, types.IsOnChainRevert(err))

	txs, err := f.store.Transactions(ctx, "acct-1", 0)
	require.NoError(t, err)
	assert.Empty(t, txs)
	assert.Empty(t, f.eventTypes(t))
}

func TestSettlementTimeoutSurfacesUnknownOutcome(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.relay.receiptErr = types.NewSettlementTimeoutError("outcome unknown")

	_, err := f.orch.Pay(ctx, "acct-1", testRecipient, decimal.NewFromInt(1), "")
	require.Error(t, err)
	assert.True(t, types.IsSettlementTimeout(err))
	assert.Equal(t, 1, f.relay.submissions, "timeout must not trigger resubmission")
}

func TestEscrowDepositSkipsDailyLimit(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	require.NoError(t, f.store.PutSpendLimits(ctx, types.SpendLimits{
		AccountID:             "acct-1",
		PerTransaction:        decimal.NewFromInt(1),
		Daily:                 decimal.NewFromInt(1),
		ConfirmationThreshold: decimal.NewFromInt(1),
	}))

	seller := common.HexToAddress("0x8888888888888888888888888888888888888888")
	res, err := f.orch.EscrowDeposit(ctx, "acct-1", [32]byte{0x01}, seller, decimal.NewFromInt(20))
	require.NoError(t, err)
	require.NotNil(t, res)

	txs, err := f.store.Transactions(ctx, "acct-1", 0)
	require.NoError(t, err)
	require.Len(t, txs, 1)
	assert.Equal(t, types.TransactionTypeEscrowDeposit, txs[0].Type)
	assert.Equal(t, seller, txs[0].To)
	assert.Equal(t, []string{types.EventEscrowDeposit}, f.eventTypes(t))
}

func TestEscrowDepositBatchesApproveAndDeposit(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	seller := common.HexToAddress("0x8888888888888888888888888888888888888888")
	_, err := f.orch.EscrowDeposit(ctx, "acct-1", [32]byte{0x01}, seller, decimal.NewFromInt(5))
	require.NoError(t, err)

	// One operation carrying both calls: approve on the token, then deposit
	// on the escrow.
	assert.Equal(t, 1, f.relay.submissions)
	require.Len(t, f.builder.batches, 1)
	calls := f.builder.batches[0]
	require.Len(t, calls, 2)
	assert.Equal(t, testToken, calls[0].Dest)
	assert.Equal(t, []byte{0x09}, calls[0].Data)
	assert.Equal(t, testEscrow, calls[1].Dest)
	assert.Equal(t, []byte{0xd9}, calls[1].Data)
}

func TestContractCall(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	target := common.HexToAddress("0x7777777777777777777777777777777777777777")
	res, err := f.orch.ContractCall(ctx, "acct-1", target, big.NewInt(0), []byte{0x01, 0x02})
	require.NoError(t, err)
	require.NotNil(t, res)

	txs, err := f.store.Transactions(ctx, "acct-1", 0)
	require.NoError(t, err)
	require.Len(t, txs, 1)
	assert.Equal(t, types.TransactionTypeContractCall, txs[0].Type)
	assert.True(t, txs[0].Amount.IsZero())
}

// Package payment turns payment intents into settled ERC-4337 operations:
// policy validation, pending-confirmation flow, and the build, sponsor, sign,
// submit, await settlement pipeline.
package payment

import (
	"context"
	"errors"
	"math/big"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/vitwit/aawallet/bundler"
	"github.com/vitwit/aawallet/events"
	"github.com/vitwit/aawallet/logger"
	"github.com/vitwit/aawallet/metrics"
	"github.com/vitwit/aawallet/signer"
	"github.com/vitwit/aawallet/store"
	"github.com/vitwit/aawallet/types"
	"github.com/vitwit/aawallet/userop"
)

// ChainReader is the slice of chain.Reader the orchestrator needs.
type ChainReader interface {
	Token() common.Address
	BalanceOf(ctx context.Context, addr common.Address) (decimal.Decimal, error)
	TransferCalldata(to common.Address, amount decimal.Decimal) ([]byte, error)
	ApproveCalldata(spender common.Address, amount decimal.Decimal) ([]byte, error)
	DepositCalldata(orderID [32]byte, seller common.Address, amount decimal.Decimal) ([]byte, error)
}

// OperationBuilder is the slice of userop.Builder the orchestrator needs.
type OperationBuilder interface {
	Build(ctx context.Context, sender common.Address, callData []byte, deployed bool, owner common.Address) (*userop.UserOperation, error)
	ExecuteCalldata(dest common.Address, value *big.Int, data []byte) ([]byte, error)
	ExecuteBatchCalldata(calls []userop.Call) ([]byte, error)
}

// Relay is the slice of bundler.Client the orchestrator needs.
type Relay interface {
	Sponsor(ctx context.Context, op *userop.UserOperation) error
	Submit(ctx context.Context, op *userop.UserOperation) (string, error)
	AwaitReceipt(ctx context.Context, opID string) (*bundler.Receipt, error)
}

// PayResult is the outcome of Pay: exactly one of the two fields is set.
type PayResult struct {
	Settlement *types.SettlementResult
	Pending    *types.PendingPayment
}

// Orchestrator serializes settlement per account with a keyed mutex;
// distinct accounts settle in parallel.
type Orchestrator struct {
	store   store.Store
	chain   ChainReader
	builder OperationBuilder
	relay   Relay
	oracle  signer.Oracle
	emitter events.Emitter

	entryPoint common.Address
	chainID    *big.Int
	escrow     common.Address
	pendingTTL time.Duration

	log     logger.Logger
	metrics metrics.Recorder
	now     func() time.Time

	mu    sync.Mutex
	locks map[string]*sync.Mutex
}

type Deps struct {
	Store   store.Store
	Chain   ChainReader
	Builder OperationBuilder
	Relay   Relay
	Oracle  signer.Oracle
	Emitter events.Emitter

	EntryPoint common.Address
	ChainID    *big.Int
	Escrow     common.Address
	PendingTTL time.Duration

	Logger  logger.Logger
	Metrics metrics.Recorder
}

func NewOrchestrator(d Deps) *Orchestrator {
	if d.Logger == nil {
		d.Logger = logger.NoopLogger{}
	}
	if d.Metrics == nil {
		d.Metrics = metrics.NoopRecorder{}
	}
	if d.PendingTTL <= 0 {
		d.PendingTTL = 10 * time.Minute
	}
	return &Orchestrator{
		store:      d.Store,
		chain:      d.Chain,
		builder:    d.Builder,
		relay:      d.Relay,
		oracle:     d.Oracle,
		emitter:    d.Emitter,
		entryPoint: d.EntryPoint,
		chainID:    d.ChainID,
		escrow:     d.Escrow,
		pendingTTL: d.PendingTTL,
		log:        d.Logger,
		metrics:    d.Metrics,
		now:        func() time.Time { return time.Now().UTC() },
		locks:      make(map[string]*sync.Mutex),
	}
}

func (o *Orchestrator) accountLock(accountID string) *sync.Mutex {
	o.mu.Lock()
	defer o.mu.Unlock()
	l, ok := o.locks[accountID]
	if !ok {
		l = &sync.Mutex{}
		o.locks[accountID] = l
	}
	return l
}

// Pay sends amount tokens from the account to `to`. Amounts above the
// confirmation threshold are parked as a PendingPayment instead of settling;
// everything else settles synchronously.
func (o *Orchestrator) Pay(ctx context.Context, accountID string, to common.Address, amount decimal.Decimal, memo string) (*PayResult, error) {
	lock := o.accountLock(accountID)
	lock.Lock()
	defer lock.Unlock()

	account, err := o.loadAccount(ctx, accountID)
	if err != nil {
		return nil, err
	}
	limits, err := o.validateSpend(ctx, account, amount)
	if err != nil {
		return nil, err
	}

	if amount.GreaterThan(limits.ConfirmationThreshold) {
		now := o.now()
		pending := &types.PendingPayment{
			ID:        uuid.NewString(),
			AccountID: accountID,
			To:        to,
			Amount:    amount,
			Memo:      memo,
			Status:    types.PendingStatusPending,
			CreatedAt: now,
			ExpiresAt: now.Add(o.pendingTTL),
		}
		if err := o.store.CreatePendingPayment(ctx, pending); err != nil {
			return nil, err
		}
		o.emit(ctx, accountID, types.EventPaymentRequiresConfirmation, map[string]any{
			"pendingId": pending.ID,
			"to":        to.Hex(),
			"amount":    amount.String(),
			"expiresAt": pending.ExpiresAt,
		})
		return &PayResult{Pending: pending}, nil
	}

	result, err := o.settleTransfer(ctx, account, to, amount, memo, types.TransactionTypePayment)
	if err != nil {
		return nil, err
	}
	o.emit(ctx, accountID, types.EventPaymentSent, settlementData(result))
	return &PayResult{Settlement: result}, nil
}

// Confirm settles a parked payment. Expired payments flip to expired here
// even before the reaper sees them; policy is re-checked at confirmation
// time, not creation time.
func (o *Orchestrator) Confirm(ctx context.Context, accountID, pendingID string) (*types.SettlementResult, error) {
	lock := o.accountLock(accountID)
	lock.Lock()
	defer lock.Unlock()

	pending, err := o.loadPending(ctx, accountID, pendingID)
	if err != nil {
		return nil, err
	}
	if pending.Status != types.PendingStatusPending {
		return nil, types.NewValidationError("payment %s is already %s", pendingID, pending.Status)
	}
	if pending.Expired(o.now()) {
		if err := o.store.TransitionPendingPayment(ctx, pendingID,
			types.PendingStatusPending, types.PendingStatusExpired); err != nil &&
			!errors.Is(err, store.ErrStatusConflict) {
			return nil, err
		}
		return nil, types.NewValidationError("payment %s expired at %s", pendingID, pending.ExpiresAt)
	}

	account, err := o.loadAccount(ctx, accountID)
	if err != nil {
		return nil, err
	}
	if _, err := o.validateSpend(ctx, account, pending.Amount); err != nil {
		return nil, err
	}

	// CAS before settling: exactly one of racing confirm/cancel wins.
	if err := o.store.TransitionPendingPayment(ctx, pendingID,
		types.PendingStatusPending, types.PendingStatusConfirmed); err != nil {
		if errors.Is(err, store.ErrStatusConflict) {
			return nil, types.NewValidationError("payment %s is no longer pending", pendingID)
		}
		return nil, err
	}

	result, err := o.settleTransfer(ctx, account, pending.To, pending.Amount, pending.Memo, types.TransactionTypePayment)
	if err != nil {
		// When the failure proves nothing settled, hand the payment back so
		// the caller can confirm again. A timeout means the fate is unknown:
		// the payment stays confirmed and must not be re-run.
		if !types.IsSettlementTimeout(err) {
			if rerr := o.store.TransitionPendingPayment(ctx, pendingID,
				types.PendingStatusConfirmed, types.PendingStatusPending); rerr != nil {
				o.log.Error("reverting failed confirmation", map[string]any{
					"pendingId": pendingID, "error": rerr.Error(),
				})
			}
		}
		return nil, err
	}
	o.emit(ctx, accountID, types.EventPaymentConfirmed, settlementData(result))
	return result, nil
}

// Cancel voids a parked payment. Nothing touches the chain.
func (o *Orchestrator) Cancel(ctx context.Context, accountID, pendingID string) error {
	pending, err := o.loadPending(ctx, accountID, pendingID)
	if err != nil {
		return err
	}
	if pending.Status != types.PendingStatusPending {
		return types.NewValidationError("payment %s is already %s", pendingID, pending.Status)
	}
	if err := o.store.TransitionPendingPayment(ctx, pendingID,
		types.PendingStatusPending, types.PendingStatusCancelled); err != nil {
		if errors.Is(err, store.ErrStatusConflict) {
			return types.NewValidationError("payment %s is no longer pending", pendingID)
		}
		return err
	}
	o.emit(ctx, accountID, types.EventPaymentCancelled, map[string]any{
		"pendingId": pendingID,
		"amount":    pending.Amount.String(),
	})
	return nil
}

// Withdraw moves tokens out to an owner-controlled address. Same policy as
// Pay but always immediate: the confirmation threshold does not apply.
func (o *Orchestrator) Withdraw(ctx context.Context, accountID string, to common.Address, amount decimal.Decimal, memo string) (*types.SettlementResult, error) {
	lock := o.accountLock(accountID)
	lock.Lock()
	defer lock.Unlock()

	account, err := o.loadAccount(ctx, accountID)
	if err != nil {
		return nil, err
	}
	if _, err := o.validateSpend(ctx, account, amount); err != nil {
		return nil, err
	}

	result, err := o.settleTransfer(ctx, account, to, amount, memo, types.TransactionTypeWithdrawal)
	if err != nil {
		return nil, err
	}
	o.emit(ctx, accountID, types.EventWithdrawalSent, settlementData(result))
	return result, nil
}

// EscrowDeposit locks amount in the escrow contract under orderID for the
// seller, with one atomic approve+deposit batch. Escrow deposits do not
// consume the daily spend allowance; only a positive amount and live balance
// are checked.
func (o *Orchestrator) EscrowDeposit(ctx context.Context, accountID string, orderID [32]byte, seller common.Address, amount decimal.Decimal) (*types.SettlementResult, error) {
	if o.escrow == (common.Address{}) {
		return nil, types.NewValidationError("no escrow contract configured")
	}

	lock := o.accountLock(accountID)
	lock.Lock()
	defer lock.Unlock()

	account, err := o.loadAccount(ctx, accountID)
	if err != nil {
		return nil, err
	}
	if amount.Sign() <= 0 {
		return nil, types.NewValidationError("amount must be positive, got %s", amount)
	}
	if err := o.checkBalance(ctx, account, amount); err != nil {
		return nil, err
	}

	approve, err := o.chain.ApproveCalldata(o.escrow, amount)
	if err != nil {
		return nil, err
	}
	deposit, err := o.chain.DepositCalldata(orderID, seller, amount)
	if err != nil {
		return nil, err
	}
	callData, err := o.builder.ExecuteBatchCalldata([]userop.Call{
		{Dest: o.chain.Token(), Data: approve},
		{Dest: o.escrow, Data: deposit},
	})
	if err != nil {
		return nil, err
	}

	result, err := o.settle(ctx, account, callData, seller, amount, "", types.TransactionTypeEscrowDeposit)
	if err != nil {
		return nil, err
	}
	o.emit(ctx, accountID, types.EventEscrowDeposit, settlementData(result))
	return result, nil
}

// ContractCall executes an arbitrary call from the smart account. No token
// amount is validated; the caller owns the calldata.
func (o *Orchestrator) ContractCall(ctx context.Context, accountID string, target common.Address, value *big.Int, data []byte) (*types.SettlementResult, error) {
	lock := o.accountLock(accountID)
	lock.Lock()
	defer lock.Unlock()

	account, err := o.loadAccount(ctx, accountID)
	if err != nil {
		return nil, err
	}
	callData, err := o.builder.ExecuteCalldata(target, value, data)
	if err != nil {
		return nil, err
	}
	result, err := o.settle(ctx, account, callData, target, decimal.Zero, "", types.TransactionTypeContractCall)
	if err != nil {
		return nil, err
	}
	o.emit(ctx, accountID, types.EventContractCall, map[string]any{
		"target": target.Hex(),
		"txHash": result.TxHash,
	})
	return result, nil
}

func (o *Orchestrator) loadAccount(ctx context.Context, accountID string) (*types.Account, error) {
	account, err := o.store.Account(ctx, accountID)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return nil, types.NewValidationError("unknown account %s", accountID)
		}
		return nil, err
	}
	return account, nil
}

func (o *Orchestrator) loadPending(ctx context.Context, accountID, pendingID string) (*types.PendingPayment, error) {
	pending, err := o.store.PendingPayment(ctx, pendingID)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return nil, types.NewValidationError("unknown pending payment %s", pendingID)
		}
		return nil, err
	}
	if pending.AccountID != accountID {
		return nil, types.NewValidationError("pending payment %s does not belong to account %s", pendingID, accountID)
	}
	return pending, nil
}

// validateSpend enforces the policy in order: positive amount, per-tx limit,
// daily limit, then live balance. The daily-limit error carries the running
// total so callers can show how much room is left.
func (o *Orchestrator) validateSpend(ctx context.Context, account *types.Account, amount decimal.Decimal) (types.SpendLimits, error) {
	if amount.Sign() <= 0 {
		return types.SpendLimits{}, types.NewValidationError("amount must be positive, got %s", amount)
	}
	limits, err := o.store.SpendLimits(ctx, account.ID)
	if err != nil {
		return types.SpendLimits{}, err
	}
	if amount.GreaterThan(limits.PerTransaction) {
		return types.SpendLimits{}, types.NewValidationError(
			"amount %s exceeds per-transaction limit %s", amount, limits.PerTransaction)
	}
	spent, err := o.store.SpentToday(ctx, account.ID, o.now())
	if err != nil {
		return types.SpendLimits{}, err
	}
	if spent.Add(amount).GreaterThan(limits.Daily) {
		return types.SpendLimits{}, types.NewValidationError(
			"amount %s exceeds daily limit %s (already spent today: %s)", amount, limits.Daily, spent)
	}
	if err := o.checkBalance(ctx, account, amount); err != nil {
		return types.SpendLimits{}, err
	}
	return limits, nil
}

func (o *Orchestrator) checkBalance(ctx context.Context, account *types.Account, amount decimal.Decimal) error {
	balance, err := o.chain.BalanceOf(ctx, account.SmartAccountAddress)
	if err != nil {
		return err
	}
	if amount.GreaterThan(balance) {
		return types.NewValidationError("insufficient balance: have %s, need %s", balance, amount)
	}
	return nil
}

func (o *Orchestrator) settleTransfer(ctx context.Context, account *types.Account, to common.Address, amount decimal.Decimal, memo string, txType types.TransactionType) (*types.SettlementResult, error) {
	transfer, err := o.chain.TransferCalldata(to, amount)
	if err != nil {
		return nil, err
	}
	callData, err := o.builder.ExecuteCalldata(o.chain.Token(), nil, transfer)
	if err != nil {
		return nil, err
	}
	return o.settle(ctx, account, callData, to, amount, memo, txType)
}

// settle runs the full pipeline for one operation: build, sponsor, hash,
// sign, submit, await. The caller holds the account lock.
func (o *Orchestrator) settle(ctx context.Context, account *types.Account, callData []byte, to common.Address, amount decimal.Decimal, memo string, txType types.TransactionType) (*types.SettlementResult, error) {
	started := o.now()
	kind := map[string]string{"kind": string(txType)}

	op, err := o.builder.Build(ctx, account.SmartAccountAddress, callData, account.Deployed, account.OwnerAddress)
	if err != nil {
		o.metrics.IncCounter("settlement_failed", kind)
		return nil, err
	}
	if err := o.relay.Sponsor(ctx, op); err != nil {
		o.metrics.IncCounter("settlement_failed", kind)
		return nil, err
	}

	opHash, err := userop.Hash(op, o.entryPoint, o.chainID)
	if err != nil {
		o.metrics.IncCounter("settlement_failed", kind)
		return nil, err
	}
	sig, err := o.oracle.Sign(ctx, signer.EthSignedDigest(opHash))
	if err != nil {
		o.metrics.IncCounter("settlement_failed", kind)
		return nil, types.NewProtocolError("signing operation: %v", err)
	}
	op.Signature = sig

	opID, err := o.relay.Submit(ctx, op)
	if err != nil {
		o.metrics.IncCounter("settlement_failed", kind)
		return nil, err
	}
	o.log.Info("operation submitted", map[string]any{
		"account": account.ID,
		"opId":    opID,
		"type":    string(txType),
	})

	rcpt, err := o.relay.AwaitReceipt(ctx, opID)
	if err != nil {
		o.metrics.IncCounter("settlement_failed", kind)
		return nil, err
	}

	if !account.Deployed {
		// The first settled operation carried the init code.
		if err := o.store.MarkDeployed(ctx, account.ID); err != nil {
			o.log.Error("marking account deployed failed", map[string]any{
				"account": account.ID, "error": err.Error(),
			})
		}
	}

	txHash := rcpt.Receipt.TransactionHash.Hex()
	tx := &types.Transaction{
		ID:          uuid.NewString(),
		AccountID:   account.ID,
		Type:        txType,
		Amount:      amount,
		From:        account.SmartAccountAddress,
		To:          to,
		Memo:        memo,
		ChainTxID:   txHash,
		OperationID: opID,
		Status:      "settled",
		CreatedAt:   o.now(),
	}
	if err := o.store.InsertTransaction(ctx, tx); err != nil {
		if !errors.Is(err, store.ErrDuplicateTransaction) {
			return nil, err
		}
		o.log.Warn("transaction already recorded", map[string]any{"chainTxId": txHash})
	}

	o.metrics.IncCounter("settlement_success", kind)
	o.metrics.ObserveLatency("settle", o.now().Sub(started), kind)

	return &types.SettlementResult{
		OperationID: opID,
		TxHash:      txHash,
		From:        account.SmartAccountAddress,
		To:          to,
		Amount:      amount,
	}, nil
}

func (o *Orchestrator) emit(ctx context.Context, accountID, eventType string, data map[string]any) {
	if o.emitter == nil {
		return
	}
	if err := o.emitter.Emit(ctx, events.New(accountID, eventType, data)); err != nil {
		o.log.Warn("event emit failed", map[string]any{"type": eventType, "error": err.Error()})
	}
}

func settlementData(r *types.SettlementResult) map[string]any {
	return map[string]any{
		"opId":   r.OperationID,
		"txHash": r.TxHash,
		"to":     r.To.Hex(),
		"amount": r.Amount.String(),
	}
}

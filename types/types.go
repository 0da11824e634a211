// Package types holds the shared domain model of the wallet core: accounts,
// pending payments, transactions, spend limits and the event log entries the
// notification layer consumes.
package types

import (
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/shopspring/decimal"
)

// PendingStatus is the lifecycle state of a large payment awaiting confirmation.
type PendingStatus string

const (
	PendingStatusPending   PendingStatus = "pending"
	PendingStatusConfirmed PendingStatus = "confirmed"
	PendingStatusCancelled PendingStatus = "cancelled"
	PendingStatusExpired   PendingStatus = "expired"
)

// TransactionType classifies a ledger entry.
type TransactionType string

const (
	TransactionTypePayment       TransactionType = "payment"
	TransactionTypeWithdrawal    TransactionType = "withdrawal"
	TransactionTypeEscrowDeposit TransactionType = "escrow_deposit"
	TransactionTypeContractCall  TransactionType = "contract_call"
	TransactionTypeDeposit       TransactionType = "deposit"
)

// Event types emitted into the per-account log.
const (
	EventPaymentSent                 = "payment_sent"
	EventPaymentRequiresConfirmation = "payment_requires_confirmation"
	EventPaymentConfirmed            = "payment_confirmed"
	EventPaymentCancelled            = "payment_cancelled"
	EventWithdrawalSent              = "withdrawal_sent"
	EventEscrowDeposit               = "escrow_deposit"
	EventContractCall                = "contract_call"
	EventDepositReceived             = "deposit_received"
)

// Account is a custodial smart-account record. SmartAccountAddress is
// counterfactual until the first settled operation deploys the account;
// Deployed flips exactly once and never resets.
type Account struct {
	ID                  string         `json:"id"`
	OwnerAddress        common.Address `json:"ownerAddress"`
	SmartAccountAddress common.Address `json:"smartAccountAddress"`
	SignerWalletID      string         `json:"signerWalletId"`
	Deployed            bool           `json:"deployed"`
	CreatedAt           time.Time      `json:"createdAt"`
}

// PendingPayment is a payment above the confirmation threshold, parked until
// the caller confirms, cancels, or it expires. Exactly one terminal transition
// away from pending is permitted.
type PendingPayment struct {
	ID        string          `json:"id"`
	AccountID string          `json:"accountId"`
	To        common.Address  `json:"to"`
	Amount    decimal.Decimal `json:"amount"`
	Memo      string          `json:"memo,omitempty"`
	Status    PendingStatus   `json:"status"`
	CreatedAt time.Time       `json:"createdAt"`
	ExpiresAt time.Time       `json:"expiresAt"`
}

// Expired reports whether the payment's confirmation window has passed.
func (p *PendingPayment) Expired(now time.Time) bool {
	return now.After(p.ExpiresAt)
}

// Transaction is an append-only ledger entry for a settled or ingested
// transfer. ChainTxID is unique across the store and is the sole idempotency
// key against double-recording.
type Transaction struct {
	ID          string          `json:"id"`
	AccountID   string          `json:"accountId"`
	Type        TransactionType `json:"type"`
	Amount      decimal.Decimal `json:"amount"`
	From        common.Address  `json:"from"`
	To          common.Address  `json:"to"`
	Memo        string          `json:"memo,omitempty"`
	ChainTxID   string          `json:"chainTxId"`
	OperationID string          `json:"operationId,omitempty"`
	Status      string          `json:"status"`
	CreatedAt   time.Time       `json:"createdAt"`
}

// SpendLimits is the per-account payment policy, read on every payment and
// withdrawal attempt.
type SpendLimits struct {
	AccountID             string          `json:"accountId"`
	PerTransaction        decimal.Decimal `json:"perTransactionLimit"`
	Daily                 decimal.Decimal `json:"dailyLimit"`
	ConfirmationThreshold decimal.Decimal `json:"confirmationThreshold"`
}

// DefaultSpendLimits returns the policy applied to accounts without explicit
// limits.
func DefaultSpendLimits(accountID string) SpendLimits {
	return SpendLimits{
		AccountID:             accountID,
		PerTransaction:        decimal.NewFromInt(10),
		Daily:                 decimal.NewFromInt(50),
		ConfirmationThreshold: decimal.NewFromInt(5),
	}
}

// Event is a fire-and-forget entry in the append-only per-account log.
type Event struct {
	ID        string         `json:"id"`
	AccountID string         `json:"accountId"`
	Type      string         `json:"type"`
	Data      map[string]any `json:"data,omitempty"`
	CreatedAt time.Time      `json:"createdAt"`
}

// TransferEvent is a decoded token Transfer log, as produced by the chain
// reader and consumed by the deposit scanner. Value is in human units.
type TransferEvent struct {
	From        common.Address  `json:"from"`
	To          common.Address  `json:"to"`
	Value       decimal.Decimal `json:"value"`
	TxHash      string          `json:"txHash"`
	BlockNumber uint64          `json:"blockNumber"`
}

// SettlementResult is what a successful settlement pipeline run returns.
type SettlementResult struct {
	OperationID string          `json:"operationId"`
	TxHash      string          `json:"txHash"`
	From        common.Address  `json:"from"`
	To          common.Address  `json:"to"`
	Amount      decimal.Decimal `json:"amount"`
}

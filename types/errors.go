package types

import (
	"errors"
	"fmt"
)

// WalletError carries a machine-readable code alongside the message so callers
// can route on failure class without string matching.
type WalletError struct {
	Code    string      `json:"code"`
	Message string      `json:"message"`
	Data    interface{} `json:"data,omitempty"`
}

func (e *WalletError) Error() string {
	return e.Message
}

// Error codes.
const (
	// ErrValidation covers bad amounts, limit and balance violations and
	// missing configuration. Never retried.
	ErrValidation = "ERR_VALIDATION"

	// ErrProtocol covers relay/chain call failures before submission. The
	// attempt aborts; retrying is safe only if nothing was submitted.
	ErrProtocol = "ERR_PROTOCOL"

	// ErrSettlementTimeout means the operation was submitted but its fate is
	// unknown. Recover by re-querying status, never by resubmission.
	ErrSettlementTimeout = "ERR_SETTLEMENT_TIMEOUT"

	// ErrOnChainRevert is a terminal on-chain failure.
	ErrOnChainRevert = "ERR_ONCHAIN_REVERT"
)

func NewValidationError(format string, args ...any) *WalletError {
	return &WalletError{Code: ErrValidation, Message: fmt.Sprintf(format, args...)}
}

func NewProtocolError(format string, args ...any) *WalletError {
	return &WalletError{Code: ErrProtocol, Message: fmt.Sprintf(format, args...)}
}

func NewSettlementTimeoutError(format string, args ...any) *WalletError {
	return &WalletError{Code: ErrSettlementTimeout, Message: fmt.Sprintf(format, args...)}
}

func NewOnChainRevertError(format string, args ...any) *WalletError {
	return &WalletError{Code: ErrOnChainRevert, Message: fmt.Sprintf(format, args...)}
}

func codeOf(err error) string {
	var we *WalletError
	if errors.As(err, &we) {
		return we.Code
	}
	return ""
}

func IsValidation(err error) bool        { return codeOf(err) == ErrValidation }
func IsProtocol(err error) bool          { return codeOf(err) == ErrProtocol }
func IsSettlementTimeout(err error) bool { return codeOf(err) == ErrSettlementTimeout }
func IsOnChainRevert(err error) bool     { return codeOf(err) == ErrOnChainRevert }

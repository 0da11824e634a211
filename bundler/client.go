// Package bundler speaks the ERC-4337 relay protocol: paymaster sponsorship
// (ERC-7677), gas estimation, submission and receipt polling, all as
// positional-parameter JSON-RPC.
package bundler

import (
	"context"
	"math/big"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"

	"github.com/vitwit/aawallet/logger"
	"github.com/vitwit/aawallet/types"
	"github.com/vitwit/aawallet/userop"
)

// Caller is the slice of rpc.Client both the relay and node endpoints are
// used through.
type Caller interface {
	CallContext(ctx context.Context, result interface{}, method string, args ...interface{}) error
}

// Receipt is the relay's settlement receipt for one user operation.
type Receipt struct {
	UserOpHash common.Hash `json:"userOpHash"`
	Success    bool        `json:"success"`
	Reason     string      `json:"reason,omitempty"`
	Receipt    TxReceipt   `json:"receipt"`
}

// TxReceipt is the inner transaction receipt of the bundle that carried the
// operation.
type TxReceipt struct {
	TransactionHash common.Hash  `json:"transactionHash"`
	BlockNumber     *hexutil.Big `json:"blockNumber"`
}

// paymasterFields is the ERC-7677 response shape shared by the stub-data and
// final-data calls.
type paymasterFields struct {
	Paymaster                     *common.Address `json:"paymaster"`
	PaymasterData                 hexutil.Bytes   `json:"paymasterData"`
	PaymasterVerificationGasLimit *hexutil.Big    `json:"paymasterVerificationGasLimit"`
	PaymasterPostOpGasLimit       *hexutil.Big    `json:"paymasterPostOpGasLimit"`
}

// gasEstimate is the eth_estimateUserOperationGas response shape.
type gasEstimate struct {
	PreVerificationGas            *hexutil.Big `json:"preVerificationGas"`
	VerificationGasLimit          *hexutil.Big `json:"verificationGasLimit"`
	CallGasLimit                  *hexutil.Big `json:"callGasLimit"`
	PaymasterVerificationGasLimit *hexutil.Big `json:"paymasterVerificationGasLimit"`
	PaymasterPostOpGasLimit       *hexutil.Big `json:"paymasterPostOpGasLimit"`
}

// Client drives one relay endpoint plus the node it reads gas prices from.
type Client struct {
	relay      Caller
	node       Caller
	entryPoint common.Address
	chainID    *big.Int

	pollEvery time.Duration
	timeout   time.Duration

	log logger.Logger
}

func NewClient(relay, node Caller, entryPoint common.Address, chainID *big.Int,
	pollEvery, timeout time.Duration, log logger.Logger) *Client {
	if log == nil {
		log = logger.NoopLogger{}
	}
	return &Client{
		relay:      relay,
		node:       node,
		entryPoint: entryPoint,
		chainID:    chainID,
		pollEvery:  pollEvery,
		timeout:    timeout,
		log:        log,
	}
}

func (c *Client) chainIDHex() string {
	return hexutil.EncodeBig(c.chainID)
}

// Sponsor runs the full sponsorship pipeline against op in place: paymaster
// stub, gas estimation, flat gas price from the node, then the final
// paymaster data over the completed operation. Any step failing aborts the
// attempt; the operation must then be discarded, not retried piecemeal.
func (c *Client) Sponsor(ctx context.Context, op *userop.UserOperation) error {
	var stub paymasterFields
	if err := c.relay.CallContext(ctx, &stub, "pm_getPaymasterStubData",
		op, c.entryPoint, c.chainIDHex()); err != nil {
		return types.NewProtocolError("paymaster stub data: %v", err)
	}
	mergePaymaster(op, stub)

	var est gasEstimate
	if err := c.relay.CallContext(ctx, &est, "eth_estimateUserOperationGas",
		op, c.entryPoint); err != nil {
		return types.NewProtocolError("gas estimation: %v", err)
	}
	mergeGas(op, est)

	var gasPrice hexutil.Big
	if err := c.node.CallContext(ctx, &gasPrice, "eth_gasPrice"); err != nil {
		return types.NewProtocolError("gas price: %v", err)
	}
	// Flat fee model: priority fee pinned to the full gas price. Overpays
	// tips on busy chains; acceptable while the paymaster carries the cost.
	op.MaxFeePerGas = &gasPrice
	op.MaxPriorityFeePerGas = &gasPrice

	var final paymasterFields
	if err := c.relay.CallContext(ctx, &final, "pm_getPaymasterData",
		op, c.entryPoint, c.chainIDHex()); err != nil {
		return types.NewProtocolError("paymaster data: %v", err)
	}
	mergePaymaster(op, final)
	return nil
}

// Submit sends the signed operation to the relay and returns the operation
// hash the relay tracks it under.
func (c *Client) Submit(ctx context.Context, op *userop.UserOperation) (string, error) {
	var opID common.Hash
	if err := c.relay.CallContext(ctx, &opID, "eth_sendUserOperation",
		op, c.entryPoint); err != nil {
		return "", types.NewProtocolError("submitting operation: %v", err)
	}
	return opID.Hex(), nil
}

// AwaitReceipt polls the relay for the operation's receipt. A missing
// receipt keeps the poll alive; an unsuccessful receipt is a terminal
// on-chain revert; hitting the timeout means the operation's fate is
// unknown, and the caller must never resubmit in response.
func (c *Client) AwaitReceipt(ctx context.Context, opID string) (*Receipt, error) {
	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	ticker := time.NewTicker(c.pollEvery)
	defer ticker.Stop()

	for {
		var rcpt *Receipt
		if err := c.relay.CallContext(ctx, &rcpt, "eth_getUserOperationReceipt", opID); err != nil {
			if ctx.Err() != nil {
				return nil, types.NewSettlementTimeoutError(
					"operation %s not settled within %s; outcome unknown", opID, c.timeout)
			}
			c.log.Warn("receipt poll failed", map[string]any{"opId": opID, "error": err.Error()})
		} else if rcpt != nil {
			if !rcpt.Success {
				reason := rcpt.Reason
				if reason == "" {
					reason = "execution reverted"
				}
				return nil, types.NewOnChainRevertError("operation %s reverted: %s", opID, reason)
			}
			return rcpt, nil
		}

		select {
		case <-ctx.Done():
			return nil, types.NewSettlementTimeoutError(
				"operation %s not settled within %s; outcome unknown", opID, c.timeout)
		case <-ticker.C:
		}
	}
}

func mergePaymaster(op *userop.UserOperation, f paymasterFields) {
	if f.Paymaster != nil {
		op.Paymaster = f.Paymaster
	}
	if len(f.PaymasterData) > 0 {
		op.PaymasterData = f.PaymasterData
	}
	if f.PaymasterVerificationGasLimit != nil {
		op.PaymasterVerificationGasLimit = f.PaymasterVerificationGasLimit
	}
	if f.PaymasterPostOpGasLimit != nil {
		op.PaymasterPostOpGasLimit = f.PaymasterPostOpGasLimit
	}
}

func mergeGas(op *userop.UserOperation, e gasEstimate) {
	if e.PreVerificationGas != nil {
		op.PreVerificationGas = e.PreVerificationGas
	}
	if e.VerificationGasLimit != nil {
		op.VerificationGasLimit = e.VerificationGasLimit
	}
	if e.CallGasLimit != nil {
		op.CallGasLimit = e.CallGasLimit
	}
	if e.PaymasterVerificationGasLimit != nil {
		op.PaymasterVerificationGasLimit = e.PaymasterVerificationGasLimit
	}
	if e.PaymasterPostOpGasLimit != nil {
		op.PaymasterPostOpGasLimit = e.PaymasterPostOpGasLimit
	}
}

// Package chain is the read and calldata boundary to the token contract:
// balances, transfer logs, and the pure calldata builders the payment layer
// wraps into user operations.
package chain

import (
	"context"
	"fmt"
	"math/big"
	"strings"

	ethereum "github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/shopspring/decimal"

	wtypes "github.com/vitwit/aawallet/types"
)

const erc20JSON = `[
	{"name":"transfer","type":"function","stateMutability":"nonpayable",
	 "inputs":[{"name":"to","type":"address"},{"name":"value","type":"uint256"}],
	 "outputs":[{"name":"ok","type":"bool"}]},
	{"name":"approve","type":"function","stateMutability":"nonpayable",
	 "inputs":[{"name":"spender","type":"address"},{"name":"value","type":"uint256"}],
	 "outputs":[{"name":"ok","type":"bool"}]},
	{"name":"balanceOf","type":"function","stateMutability":"view",
	 "inputs":[{"name":"owner","type":"address"}],
	 "outputs":[{"name":"balance","type":"uint256"}]}
]`

const escrowJSON = `[
	{"name":"deposit","type":"function","stateMutability":"nonpayable",
	 "inputs":[{"name":"orderId","type":"bytes32"},{"name":"seller","type":"address"},{"name":"amount","type":"uint256"}],
	 "outputs":[]}
]`

// TransferTopic is keccak("Transfer(address,address,uint256)").
var TransferTopic = crypto.Keccak256Hash([]byte("Transfer(address,address,uint256)"))

// NodeClient is the slice of ethclient.Client the reader needs.
type NodeClient interface {
	CallContract(ctx context.Context, msg ethereum.CallMsg, blockNumber *big.Int) ([]byte, error)
	BlockNumber(ctx context.Context) (uint64, error)
	FilterLogs(ctx context.Context, q ethereum.FilterQuery) ([]types.Log, error)
}

// Reader exposes one token contract in human units; ledger-unit conversion
// happens only here, at the chain boundary.
type Reader struct {
	client   NodeClient
	token    common.Address
	decimals int32

	erc20  abi.ABI
	escrow abi.ABI
}

func NewReader(client NodeClient, token common.Address, decimals int32) (*Reader, error) {
	tokenABI, err := abi.JSON(strings.NewReader(erc20JSON))
	if err != nil {
		return nil, fmt.Errorf("parsing token ABI: %w", err)
	}
	escABI, err := abi.JSON(strings.NewReader(escrowJSON))
	if err != nil {
		return nil, fmt.Errorf("parsing escrow ABI: %w", err)
	}
	return &Reader{
		client:   client,
		token:    token,
		decimals: decimals,
		erc20:    tokenABI,
		escrow:   escABI,
	}, nil
}

// Token returns the token contract address the reader is bound to.
func (r *Reader) Token() common.Address { return r.token }

// BalanceOf returns the live token balance of addr in human units.
func (r *Reader) BalanceOf(ctx context.Context, addr common.Address) (decimal.Decimal, error) {
	data, err := r.erc20.Pack("balanceOf", addr)
	if err != nil {
		return decimal.Zero, fmt.Errorf("packing balanceOf: %w", err)
	}
	out, err := r.client.CallContract(ctx, ethereum.CallMsg{To: &r.token, Data: data}, nil)
	if err != nil {
		return decimal.Zero, wtypes.NewProtocolError("reading balance of %s: %v", addr.Hex(), err)
	}
	res, err := r.erc20.Unpack("balanceOf", out)
	if err != nil {
		return decimal.Zero, wtypes.NewProtocolError("decoding balance: %v", err)
	}
	return r.FromBaseUnits(res[0].(*big.Int)), nil
}

// LatestBlock returns the current chain height.
func (r *Reader) LatestBlock(ctx context.Context) (uint64, error) {
	n, err := r.client.BlockNumber(ctx)
	if err != nil {
		return 0, wtypes.NewProtocolError("reading block number: %v", err)
	}
	return n, nil
}

// TransferEvents returns the token's decoded Transfer logs in the inclusive
// block range.
func (r *Reader) TransferEvents(ctx context.Context, fromBlock, toBlock uint64) ([]wtypes.TransferEvent, error) {
	logs, err := r.client.FilterLogs(ctx, ethereum.FilterQuery{
		FromBlock: new(big.Int).SetUint64(fromBlock),
		ToBlock:   new(big.Int).SetUint64(toBlock),
		Addresses: []common.Address{r.token},
		Topics:    [][]common.Hash{{TransferTopic}},
	})
	if err != nil {
		return nil, wtypes.NewProtocolError("filtering transfer logs: %v", err)
	}

	events := make([]wtypes.TransferEvent, 0, len(logs))
	for _, lg := range logs {
		if len(lg.Topics) < 3 {
			continue
		}
		events = append(events, wtypes.TransferEvent{
			From:        common.BytesToAddress(lg.Topics[1].Bytes()),
			To:          common.BytesToAddress(lg.Topics[2].Bytes()),
			Value:       r.FromBaseUnits(new(big.Int).SetBytes(lg.Data)),
			TxHash:      lg.TxHash.Hex(),
			BlockNumber: lg.BlockNumber,
		})
	}
	return events, nil
}

// TransferCalldata packs transfer(to, amount) with amount in human units.
func (r *Reader) TransferCalldata(to common.Address, amount decimal.Decimal) ([]byte, error) {
	base, err := r.ToBaseUnits(amount)
	if err != nil {
		return nil, err
	}
	out, err := r.erc20.Pack("transfer", to, base)
	if err != nil {
		return nil, fmt.Errorf("packing transfer: %w", err)
	}
	return out, nil
}

// ApproveCalldata packs approve(spender, amount) with amount in human units.
func (r *Reader) ApproveCalldata(spender common.Address, amount decimal.Decimal) ([]byte, error) {
	base, err := r.ToBaseUnits(amount)
	if err != nil {
		return nil, err
	}
	out, err := r.erc20.Pack("approve", spender, base)
	if err != nil {
		return nil, fmt.Errorf("packing approve: %w", err)
	}
	return out, nil
}

// DepositCalldata packs the escrow deposit(orderId, seller, amount) call.
func (r *Reader) DepositCalldata(orderID [32]byte, seller common.Address, amount decimal.Decimal) ([]byte, error) {
	base, err := r.ToBaseUnits(amount)
	if err != nil {
		return nil, err
	}
	out, err := r.escrow.Pack("deposit", orderID, seller, base)
	if err != nil {
		return nil, fmt.Errorf("packing deposit: %w", err)
	}
	return out, nil
}

// ToBaseUnits converts a human-unit amount to the token's ledger units.
// Sub-unit precision is rejected rather than silently truncated.
func (r *Reader) ToBaseUnits(amount decimal.Decimal) (*big.Int, error) {
	shifted := amount.Shift(r.decimals)
	if !shifted.IsInteger() {
		return nil, wtypes.NewValidationError(
			"amount %s has more than %d decimal places", amount, r.decimals)
	}
	return shifted.BigInt(), nil
}

// FromBaseUnits converts ledger units to a human-unit decimal.
func (r *Reader) FromBaseUnits(v *big.Int) decimal.Decimal {
	return decimal.NewFromBigInt(v, -r.decimals)
}

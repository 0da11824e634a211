package userop

import (
	"context"
	"fmt"
	"math/big"
	"strings"

	ethereum "github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"

	"github.com/vitwit/aawallet/types"
)

const entryPointJSON = `[
	{"name":"getNonce","type":"function","stateMutability":"view",
	 "inputs":[{"name":"sender","type":"address"},{"name":"key","type":"uint192"}],
	 "outputs":[{"name":"nonce","type":"uint256"}]}
]`

const factoryJSON = `[
	{"name":"createAccount","type":"function","stateMutability":"nonpayable",
	 "inputs":[{"name":"owner","type":"address"},{"name":"salt","type":"uint256"}],
	 "outputs":[{"name":"ret","type":"address"}]},
	{"name":"getAddress","type":"function","stateMutability":"view",
	 "inputs":[{"name":"owner","type":"address"},{"name":"salt","type":"uint256"}],
	 "outputs":[{"name":"ret","type":"address"}]}
]`

const accountJSON = `[
	{"name":"execute","type":"function","stateMutability":"nonpayable",
	 "inputs":[{"name":"dest","type":"address"},{"name":"value","type":"uint256"},{"name":"func","type":"bytes"}],
	 "outputs":[]},
	{"name":"executeBatch","type":"function","stateMutability":"nonpayable",
	 "inputs":[{"name":"dest","type":"address[]"},{"name":"value","type":"uint256[]"},{"name":"func","type":"bytes[]"}],
	 "outputs":[]}
]`

// ContractCaller is the slice of ethclient.Client the builder needs.
type ContractCaller interface {
	CallContract(ctx context.Context, msg ethereum.CallMsg, blockNumber *big.Int) ([]byte, error)
}

// Call is one entry of an executeBatch calldata.
type Call struct {
	Dest  common.Address
	Value *big.Int
	Data  []byte
}

// Builder assembles unsigned, unsponsored v0.7 operations for one entry
// point / factory pair.
type Builder struct {
	caller     ContractCaller
	entryPoint common.Address
	factory    common.Address

	entryPointABI abi.ABI
	factoryABI    abi.ABI
	accountABI    abi.ABI
}

func NewBuilder(caller ContractCaller, entryPoint, factory common.Address) (*Builder, error) {
	epABI, err := abi.JSON(strings.NewReader(entryPointJSON))
	if err != nil {
		return nil, fmt.Errorf("parsing entry point ABI: %w", err)
	}
	fABI, err := abi.JSON(strings.NewReader(factoryJSON))
	if err != nil {
		return nil, fmt.Errorf("parsing factory ABI: %w", err)
	}
	aABI, err := abi.JSON(strings.NewReader(accountJSON))
	if err != nil {
		return nil, fmt.Errorf("parsing account ABI: %w", err)
	}
	return &Builder{
		caller:        caller,
		entryPoint:    entryPoint,
		factory:       factory,
		entryPointABI: epABI,
		factoryABI:    fABI,
		accountABI:    aABI,
	}, nil
}

// Build assembles a fresh operation for sender: live nonce from the entry
// point, init code when the account is not yet deployed, the dummy signature
// for estimation, and zeroed gas and fee fields for the sponsorship pipeline
// to fill in.
func (b *Builder) Build(ctx context.Context, sender common.Address, callData []byte, deployed bool, owner common.Address) (*UserOperation, error) {
	nonce, err := b.Nonce(ctx, sender)
	if err != nil {
		return nil, err
	}

	op := &UserOperation{
		Sender:               sender,
		Nonce:                (*hexutil.Big)(nonce),
		CallData:             callData,
		CallGasLimit:         new(hexutil.Big),
		VerificationGasLimit: new(hexutil.Big),
		PreVerificationGas:   new(hexutil.Big),
		MaxFeePerGas:         new(hexutil.Big),
		MaxPriorityFeePerGas: new(hexutil.Big),
		Signature:            DummySignature,
	}

	if !deployed {
		data, err := b.factoryABI.Pack("createAccount", owner, new(big.Int))
		if err != nil {
			return nil, fmt.Errorf("packing createAccount: %w", err)
		}
		factory := b.factory
		op.Factory = &factory
		op.FactoryData = data
	}
	return op, nil
}

// Nonce reads the sender's next nonce from the entry point (key 0).
func (b *Builder) Nonce(ctx context.Context, sender common.Address) (*big.Int, error) {
	data, err := b.entryPointABI.Pack("getNonce", sender, new(big.Int))
	if err != nil {
		return nil, fmt.Errorf("packing getNonce: %w", err)
	}
	out, err := b.caller.CallContract(ctx, ethereum.CallMsg{To: &b.entryPoint, Data: data}, nil)
	if err != nil {
		return nil, types.NewProtocolError("reading nonce for %s: %v", sender.Hex(), err)
	}
	res, err := b.entryPointABI.Unpack("getNonce", out)
	if err != nil {
		return nil, types.NewProtocolError("decoding nonce: %v", err)
	}
	return res[0].(*big.Int), nil
}

// CounterfactualAddress asks the factory where the account for owner will
// deploy (salt 0). Stable before and after deployment.
func (b *Builder) CounterfactualAddress(ctx context.Context, owner common.Address) (common.Address, error) {
	data, err := b.factoryABI.Pack("getAddress", owner, new(big.Int))
	if err != nil {
		return common.Address{}, fmt.Errorf("packing getAddress: %w", err)
	}
	out, err := b.caller.CallContract(ctx, ethereum.CallMsg{To: &b.factory, Data: data}, nil)
	if err != nil {
		return common.Address{}, types.NewProtocolError("computing account address for %s: %v", owner.Hex(), err)
	}
	res, err := b.factoryABI.Unpack("getAddress", out)
	if err != nil {
		return common.Address{}, types.NewProtocolError("decoding account address: %v", err)
	}
	return res[0].(common.Address), nil
}

// ExecuteCalldata wraps one inner call in the account's execute entry point.
func (b *Builder) ExecuteCalldata(dest common.Address, value *big.Int, data []byte) ([]byte, error) {
	if value == nil {
		value = new(big.Int)
	}
	out, err := b.accountABI.Pack("execute", dest, value, data)
	if err != nil {
		return nil, fmt.Errorf("packing execute: %w", err)
	}
	return out, nil
}

// ExecuteBatchCalldata wraps several inner calls in one atomic executeBatch.
func (b *Builder) ExecuteBatchCalldata(calls []Call) ([]byte, error) {
	dests := make([]common.Address, len(calls))
	values := make([]*big.Int, len(calls))
	datas := make([][]byte, len(calls))
	for i, c := range calls {
		dests[i] = c.Dest
		values[i] = c.Value
		if values[i] == nil {
			values[i] = new(big.Int)
		}
		datas[i] = c.Data
	}
	out, err := b.accountABI.Pack("executeBatch", dests, values, datas)
	if err != nil {
		return nil, fmt.Errorf("packing executeBatch: %w", err)
	}
	return out, nil
}

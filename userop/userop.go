// Package userop builds, packs and hashes ERC-4337 v0.7 user operations in
// the unpacked wire form relays expect.
package userop

import (
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
)

// UserOperation is the unpacked v0.7 wire struct. Optional fields are
// pointers so that absent fields are omitted from the JSON-RPC payload
// entirely rather than sent as zero values, which some relays reject.
type UserOperation struct {
	Sender               common.Address  `json:"sender"`
	Nonce                *hexutil.Big    `json:"nonce"`
	Factory              *common.Address `json:"factory,omitempty"`
	FactoryData          hexutil.Bytes   `json:"factoryData,omitempty"`
	CallData             hexutil.Bytes   `json:"callData"`
	CallGasLimit         *hexutil.Big    `json:"callGasLimit"`
	VerificationGasLimit *hexutil.Big    `json:"verificationGasLimit"`
	PreVerificationGas   *hexutil.Big    `json:"preVerificationGas"`
	MaxFeePerGas         *hexutil.Big    `json:"maxFeePerGas"`
	MaxPriorityFeePerGas *hexutil.Big    `json:"maxPriorityFeePerGas"`

	Paymaster                     *common.Address `json:"paymaster,omitempty"`
	PaymasterVerificationGasLimit *hexutil.Big    `json:"paymasterVerificationGasLimit,omitempty"`
	PaymasterPostOpGasLimit       *hexutil.Big    `json:"paymasterPostOpGasLimit,omitempty"`
	PaymasterData                 hexutil.Bytes   `json:"paymasterData,omitempty"`

	Signature hexutil.Bytes `json:"signature"`
}

// DummySignature is a well-formed placeholder (r=1, s=1, v=27) used during
// gas estimation. It passes ECDSA shape checks without being valid for any
// key, so estimated verification gas matches a real signature's cost.
var DummySignature = hexutil.Bytes(append(append(
	common.LeftPadBytes([]byte{1}, 32),
	common.LeftPadBytes([]byte{1}, 32)...),
	27,
))

// InitCode returns factory address concatenated with factory calldata, or
// nil when the account is already deployed. This is the v0.6-style blob the
// packed hash covers.
func (op *UserOperation) InitCode() []byte {
	if op.Factory == nil {
		return nil
	}
	return append(op.Factory.Bytes(), op.FactoryData...)
}

// PaymasterAndData returns the packed paymaster blob: paymaster address,
// both 16-byte gas limits, then paymaster data. Nil when unsponsored.
func (op *UserOperation) PaymasterAndData() []byte {
	if op.Paymaster == nil {
		return nil
	}
	blob := make([]byte, 0, 20+16+16+len(op.PaymasterData))
	blob = append(blob, op.Paymaster.Bytes()...)
	blob = append(blob, common.LeftPadBytes(bigOrZero(op.PaymasterVerificationGasLimit).Bytes(), 16)...)
	blob = append(blob, common.LeftPadBytes(bigOrZero(op.PaymasterPostOpGasLimit).Bytes(), 16)...)
	blob = append(blob, op.PaymasterData...)
	return blob
}

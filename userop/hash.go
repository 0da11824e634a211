package userop

import (
	"math/big"

	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/ethereum/go-ethereum/crypto"
)

var (
	typeAddress, _ = abi.NewType("address", "", nil)
	typeUint256, _ = abi.NewType("uint256", "", nil)
	typeBytes32, _ = abi.NewType("bytes32", "", nil)

	// The static tuple the entry point hashes: dynamic fields collapse to
	// their keccak, the four packed gas limits ride in two bytes32 words.
	packedOpArgs = abi.Arguments{
		{Type: typeAddress}, // sender
		{Type: typeUint256}, // nonce
		{Type: typeBytes32}, // keccak(initCode)
		{Type: typeBytes32}, // keccak(callData)
		{Type: typeBytes32}, // accountGasLimits
		{Type: typeUint256}, // preVerificationGas
		{Type: typeBytes32}, // gasFees
		{Type: typeBytes32}, // keccak(paymasterAndData)
	}

	envelopeArgs = abi.Arguments{
		{Type: typeBytes32}, // keccak(packedOp)
		{Type: typeAddress}, // entry point
		{Type: typeUint256}, // chain id
	}
)

// Hash computes the canonical v0.7 user operation hash: keccak over the
// ABI-encoded static tuple of the packed operation, then keccak over that
// hash bound to the entry point address and chain id. Deterministic in the
// operation's fields; the signature is not covered.
func Hash(op *UserOperation, entryPoint common.Address, chainID *big.Int) (common.Hash, error) {
	packed, err := packedOpArgs.Pack(
		op.Sender,
		bigOrZero(op.Nonce),
		keccakWord(op.InitCode()),
		keccakWord(op.CallData),
		packUint128Pair(op.VerificationGasLimit, op.CallGasLimit),
		bigOrZero(op.PreVerificationGas),
		packUint128Pair(op.MaxPriorityFeePerGas, op.MaxFeePerGas),
		keccakWord(op.PaymasterAndData()),
	)
	if err != nil {
		return common.Hash{}, err
	}

	envelope, err := envelopeArgs.Pack(
		common.Hash(crypto.Keccak256Hash(packed)),
		entryPoint,
		chainID,
	)
	if err != nil {
		return common.Hash{}, err
	}
	return crypto.Keccak256Hash(envelope), nil
}

func keccakWord(b []byte) [32]byte {
	return crypto.Keccak256Hash(b)
}

// packUint128Pair packs two quantities into one bytes32 word, high half
// first, each left-padded to 16 bytes.
func packUint128Pair(hi, lo *hexutil.Big) [32]byte {
	var word [32]byte
	copy(word[:16], common.LeftPadBytes(bigOrZero(hi).Bytes(), 16))
	copy(word[16:], common.LeftPadBytes(bigOrZero(lo).Bytes(), 16))
	return word
}

func bigOrZero(x *hexutil.Big) *big.Int {
	if x == nil {
		return new(big.Int)
	}
	return (*big.Int)(x)
}

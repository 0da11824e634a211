// Package signer defines the signing oracle boundary. Key custody lives
// behind the Oracle interface; the wallet core only ever sees digests in and
// 65-byte signatures out.
package signer

import (
	"context"
	"crypto/ecdsa"
	"fmt"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"
)

// Oracle signs a 32-byte digest and returns a 65-byte r||s||v signature with
// v in {27, 28}. Implementations may call out to external custody services;
// they must honor ctx.
type Oracle interface {
	Sign(ctx context.Context, digest common.Hash) ([]byte, error)
}

// EthSignedDigest wraps a hash with the EIP-191 personal-message prefix.
// Smart accounts validate toEthSignedMessageHash(userOpHash), so this is the
// digest the oracle must sign, not the raw operation hash.
func EthSignedDigest(hash common.Hash) common.Hash {
	return crypto.Keccak256Hash(
		[]byte("\x19Ethereum Signed Message:\n32"),
		hash.Bytes(),
	)
}

// LocalSigner signs with an in-process secp256k1 key. Meant for tests and
// development; production deployments wire an external Oracle instead.
type LocalSigner struct {
	key *ecdsa.PrivateKey
}

var _ Oracle = (*LocalSigner)(nil)

func NewLocalSigner(key *ecdsa.PrivateKey) *LocalSigner {
	return &LocalSigner{key: key}
}

// Address returns the key's EOA address, the smart account owner.
func (s *LocalSigner) Address() common.Address {
	return crypto.PubkeyToAddress(s.key.PublicKey)
}

func (s *LocalSigner) Sign(_ context.Context, digest common.Hash) ([]byte, error) {
	sig, err := crypto.Sign(digest.Bytes(), s.key)
	if err != nil {
		return nil, fmt.Errorf("signing digest: %w", err)
	}
	// go-ethereum yields recovery id 0/1; contracts expect 27/28.
	sig[64] += 27
	return sig, nil
}

package signer

import (
	"context"
	"testing"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestEthSignedDigest(t *testing.T) {
	opHash := common.HexToHash("0xdfbb7bdf9eb18678c49ad575acb403899244dfeca59f13fa130199a31fd356d5")
	assert.Equal(t,
		"0xb232471dfdef17e872ece9d8df8700a9ed7416b5771a01fa01c7f673907937da",
		EthSignedDigest(opHash).Hex())
}

func TestLocalSignerRoundTrip(t *testing.T) {
	key, err := crypto.GenerateKey()
	require.NoError(t, err)
	s := NewLocalSigner(key)

	digest := EthSignedDigest(common.HexToHash("0x01"))
	sig, err := s.Sign(context.Background(), digest)
	require.NoError(t, err)
	require.Len(t, sig, 65)
	assert.Contains(t, []byte{27, 28}, sig[64])

	recovery := make([]byte, 65)
	copy(recovery, sig)
	recovery[64] -= 27
	pub, err := crypto.SigToPub(digest.Bytes(), recovery)
	require.NoError(t, err)
	assert.Equal(t, s.Address(), crypto.PubkeyToAddress(*pub))
}

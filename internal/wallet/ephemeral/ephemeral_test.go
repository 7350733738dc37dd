package ephemeral

import (
	"testing"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestGenerateDerivesAddress(t *testing.T) {
	k := Generate()
	defer k.Destroy()

	assert.NotEqual(t, common.Address{}, k.Address())
}

func TestSignDigestRecoversToAddress(t *testing.T) {
	k := Generate()
	defer k.Destroy()

	digest := crypto.Keccak256([]byte("authorization digest"))
	sig, err := k.SignDigest(digest)
	require.NoError(t, err)
	require.Len(t, sig, 65)

	pub, err := crypto.SigToPub(digest, sig)
	require.NoError(t, err)
	assert.Equal(t, k.Address(), crypto.PubkeyToAddress(*pub))
}

func TestSignDigestRepeatable(t *testing.T) {
	k := Generate()
	defer k.Destroy()

	// Signing wipes its per-call scalar copy; the key itself must keep
	// working for the second digest of an upgrade.
	for _, msg := range []string{"auth digest", "exec digest"} {
		digest := crypto.Keccak256([]byte(msg))
		sig, err := k.SignDigest(digest)
		require.NoError(t, err)

		pub, err := crypto.SigToPub(digest, sig)
		require.NoError(t, err)
		assert.Equal(t, k.Address(), crypto.PubkeyToAddress(*pub))
	}
}

func TestSignDigestRejectsBadLength(t *testing.T) {
	k := Generate()
	defer k.Destroy()

	_, err := k.SignDigest([]byte("short"))
	assert.Error(t, err)
}

func TestDestroyZeroesScalarAndBlocksSigning(t *testing.T) {
	k := Generate()
	k.Destroy()

	for _, b := range k.scalar {
		require.Zero(t, b)
	}

	digest := make([]byte, 32)
	_, err := k.SignDigest(digest)
	assert.Error(t, err)
}

// Package ephemeral generates single-use signing keys for smart-account
// provisioning. A Key lives only on the call stack of the provisioning
// routine: it is never serialized, never logged, never stored, and the
// caller destroys it before returning.
package ephemeral

import (
	"crypto/rand"
	"fmt"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"

	"github.com/avataraad/blirp-core/internal/wallet/wtypes"
)

// Key is a one-time secp256k1 authorizer. Callers must defer Destroy at the
// provisioning call site; signing after Destroy fails.
type Key struct {
	scalar    [32]byte
	address   common.Address
	destroyed bool
}

// Generate draws a fresh 32-byte scalar and derives its address. Entropy
// source failure is process-fatal, matching the contract that generation
// has no recoverable error path.
func Generate() *Key {
	var k Key
	for {
		if _, err := rand.Read(k.scalar[:]); err != nil {
			panic(fmt.Sprintf("ephemeral: entropy source failed: %v", err))
		}
		priv, err := crypto.ToECDSA(k.scalar[:])
		if err != nil {
			// Out-of-range scalar; redraw. Overwhelmingly rare.
			continue
		}
		k.address = crypto.PubkeyToAddress(priv.PublicKey)
		priv.D.SetInt64(0)
		return &k
	}
}

// Address returns the address derived from the key. For an upgraded smart
// account this is also the account's on-chain address.
func (k *Key) Address() common.Address { return k.address }

// SignDigest signs a raw 32-byte digest with no message-prefix transform.
// The upgrade protocol requires raw-digest signatures; prefixed "personal"
// signing produces signatures the relay rejects.
func (k *Key) SignDigest(digest32 []byte) ([]byte, error) {
	if k.destroyed {
		return nil, fmt.Errorf("ephemeral: key already destroyed")
	}
	if err := wtypes.EnsureDigest32(digest32); err != nil {
		return nil, err
	}

	// The scalar is briefly re-materialized for the curve math; zero the
	// copy in the same scope instead of leaving it to the collector.
	priv, err := crypto.ToECDSA(k.scalar[:])
	if err != nil {
		return nil, fmt.Errorf("ephemeral: to ecdsa: %w", err)
	}
	defer priv.D.SetInt64(0)

	sig, err := crypto.Sign(digest32, priv)
	if err != nil {
		return nil, fmt.Errorf("ephemeral: sign: %w", err)
	}
	return sig, nil
}

// Destroy zeroes the scalar. Idempotent.
func (k *Key) Destroy() {
	for i := range k.scalar {
		k.scalar[i] = 0
	}
	k.destroyed = true
}

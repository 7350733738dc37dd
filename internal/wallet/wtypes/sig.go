package wtypes

import "fmt"

// EnsureDigest32 rejects anything that is not a 32-byte digest before it
// reaches a signer.
func EnsureDigest32(d []byte) error {
	if len(d) != 32 {
		return fmt.Errorf("digest must be 32 bytes, got %d", len(d))
	}
	return nil
}

// SigToV27 converts a 65-byte secp256k1 signature with V 0/1 (as produced by
// go-ethereum's crypto.Sign) into the V 27/28 form the relay expects.
// A signature already in 27/28 form passes through unchanged.
func SigToV27(sig65 []byte) ([]byte, error) {
	if len(sig65) != 65 {
		return nil, fmt.Errorf("signature must be 65 bytes, got %d", len(sig65))
	}
	out := make([]byte, 65)
	copy(out, sig65)

	switch out[64] {
	case 0, 1:
		out[64] += 27
	case 27, 28:
		// already normalized
	default:
		return nil, fmt.Errorf("unexpected v value %d", out[64])
	}
	return out, nil
}

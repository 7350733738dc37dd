package passkey

import (
	"bytes"
	"encoding/binary"

	"github.com/cockroachdb/errors"
	"github.com/fxamacker/cbor/v2"

	"github.com/avataraad/blirp-core/internal/wallet/wtypes"
)

// Authenticator-data layout constants (WebAuthn §6.1).
const (
	rpIDHashLen    = 32
	flagsLen       = 1
	counterLen     = 4
	aaguidLen      = 16
	credIDLenBytes = 2

	// attestedDataOffset is where the attested-credential section starts.
	attestedDataOffset = rpIDHashLen + flagsLen + counterLen

	flagAttestedCredData = 0x40
)

// attestationObject is the outer CBOR map returned by credential creation.
type attestationObject struct {
	Fmt      string          `cbor:"fmt"`
	AttStmt  cbor.RawMessage `cbor:"attStmt"`
	AuthData []byte          `cbor:"authData"`
}

// coseEC2Key is the COSE_Key map embedded at the tail of the attested
// credential data. Curve coordinates sit at map keys -2 and -3.
type coseEC2Key struct {
	Kty int    `cbor:"1,keyasint"`
	Alg int    `cbor:"3,keyasint,omitempty"`
	Crv int    `cbor:"-1,keyasint,omitempty"`
	X   []byte `cbor:"-2,keyasint,omitempty"`
	Y   []byte `cbor:"-3,keyasint,omitempty"`
}

const (
	coseKtyEC2  = 2
	coseCrvP256 = 1
)

func malformed(format string, args ...interface{}) error {
	return errors.Mark(errors.Newf("attestation: "+format, args...), wtypes.ErrMalformedAttestation)
}

// ExtractPublicKey decodes an attestation object down to the P-256 public
// key of the newly created credential, returned as two 32-byte coordinates.
// Every structural violation fails with ErrMalformedAttestation; this never
// silently returns zero-filled coordinates.
func ExtractPublicKey(attestation []byte) (x, y [32]byte, err error) {
	var obj attestationObject
	if uerr := cbor.Unmarshal(attestation, &obj); uerr != nil {
		return x, y, malformed("outer decode: %v", uerr)
	}
	if len(obj.AuthData) < attestedDataOffset+aaguidLen+credIDLenBytes {
		return x, y, malformed("authData too short: %d bytes", len(obj.AuthData))
	}

	flags := obj.AuthData[rpIDHashLen]
	if flags&flagAttestedCredData == 0 {
		return x, y, malformed("attested-credential-data flag not set")
	}

	credIDLen := int(binary.BigEndian.Uint16(
		obj.AuthData[attestedDataOffset+aaguidLen : attestedDataOffset+aaguidLen+credIDLenBytes]))
	keyOffset := attestedDataOffset + aaguidLen + credIDLenBytes + credIDLen
	if keyOffset >= len(obj.AuthData) {
		return x, y, malformed("credential id length %d overruns authData", credIDLen)
	}

	var key coseEC2Key
	dec := cbor.NewDecoder(bytes.NewReader(obj.AuthData[keyOffset:]))
	if derr := dec.Decode(&key); derr != nil {
		return x, y, malformed("cose key decode: %v", derr)
	}

	if key.Kty != coseKtyEC2 {
		return x, y, malformed("unexpected cose key type %d", key.Kty)
	}
	if key.Crv != 0 && key.Crv != coseCrvP256 {
		return x, y, malformed("unexpected curve %d", key.Crv)
	}
	if len(key.X) != 32 || len(key.Y) != 32 {
		return x, y, malformed("coordinate lengths %d/%d, want 32/32", len(key.X), len(key.Y))
	}
	if allZero(key.X) && allZero(key.Y) {
		return x, y, malformed("zero-filled coordinates")
	}

	copy(x[:], key.X)
	copy(y[:], key.Y)
	return x, y, nil
}

// CredentialIDFromAttestation pulls the credential id out of the
// authenticator data. Same structural checks as ExtractPublicKey.
func CredentialIDFromAttestation(attestation []byte) ([]byte, error) {
	var obj attestationObject
	if err := cbor.Unmarshal(attestation, &obj); err != nil {
		return nil, malformed("outer decode: %v", err)
	}
	if len(obj.AuthData) < attestedDataOffset+aaguidLen+credIDLenBytes {
		return nil, malformed("authData too short: %d bytes", len(obj.AuthData))
	}
	credIDLen := int(binary.BigEndian.Uint16(
		obj.AuthData[attestedDataOffset+aaguidLen : attestedDataOffset+aaguidLen+credIDLenBytes]))
	start := attestedDataOffset + aaguidLen + credIDLenBytes
	if start+credIDLen > len(obj.AuthData) {
		return nil, malformed("credential id length %d overruns authData", credIDLen)
	}
	id := make([]byte, credIDLen)
	copy(id, obj.AuthData[start:start+credIDLen])
	return id, nil
}

func allZero(b []byte) bool {
	for _, v := range b {
		if v != 0 {
			return false
		}
	}
	return true
}

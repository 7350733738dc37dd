package passkey

import (
	"context"
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/sha256"
	"encoding/binary"
	"fmt"
	"sync"

	"github.com/cockroachdb/errors"
	"github.com/fxamacker/cbor/v2"
	"github.com/google/uuid"

	"github.com/avataraad/blirp-core/internal/wallet/wtypes"
)

// MemoryAgent is a deterministic software authenticator: real P-256 keys,
// genuine CBOR attestation objects, an in-memory large-blob store. It backs
// the daemon's dev mode and the package tests; it performs no user
// verification of its own.
type MemoryAgent struct {
	mu    sync.Mutex
	creds map[string]*memoryCredential
}

type memoryCredential struct {
	id        []byte
	key       *ecdsa.PrivateKey
	blob      []byte
	signCount uint32
}

// NewMemoryAgent returns an empty software authenticator.
func NewMemoryAgent() *MemoryAgent {
	return &MemoryAgent{creds: make(map[string]*memoryCredential)}
}

func (a *MemoryAgent) CreateCredential(_ context.Context, userLabel string) (*CreateResult, error) {
	if userLabel == "" {
		return nil, fmt.Errorf("passkey: user label is required")
	}

	key, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	if err != nil {
		return nil, fmt.Errorf("passkey: generate key: %w", err)
	}

	id := uuid.New()
	credID := id[:]

	att, err := buildAttestationObject(credID, key)
	if err != nil {
		return nil, err
	}

	a.mu.Lock()
	a.creds[string(credID)] = &memoryCredential{id: credID, key: key}
	a.mu.Unlock()

	return &CreateResult{CredentialID: credID, AttestationObject: att}, nil
}

func (a *MemoryAgent) Sign(_ context.Context, credentialID, challenge []byte) ([]byte, error) {
	if err := wtypes.EnsureDigest32(challenge); err != nil {
		return nil, err
	}

	a.mu.Lock()
	cred, ok := a.creds[string(credentialID)]
	if ok {
		cred.signCount++
	}
	a.mu.Unlock()
	if !ok {
		return nil, errors.Mark(fmt.Errorf("passkey: credential %x", credentialID), wtypes.ErrUnknownCredential)
	}

	sig, err := ecdsa.SignASN1(rand.Reader, cred.key, challenge)
	if err != nil {
		return nil, fmt.Errorf("passkey: sign: %w", err)
	}
	return sig, nil
}

func (a *MemoryAgent) WriteBlob(_ context.Context, credentialID, blob []byte) error {
	a.mu.Lock()
	defer a.mu.Unlock()

	cred, ok := a.creds[string(credentialID)]
	if !ok {
		return errors.Mark(fmt.Errorf("passkey: credential %x", credentialID), wtypes.ErrUnknownCredential)
	}
	cred.blob = append([]byte(nil), blob...)
	return nil
}

func (a *MemoryAgent) ReadBlob(_ context.Context, credentialID []byte) ([]byte, error) {
	a.mu.Lock()
	defer a.mu.Unlock()

	if credentialID != nil {
		cred, ok := a.creds[string(credentialID)]
		if !ok {
			return nil, errors.Mark(fmt.Errorf("passkey: credential %x", credentialID), wtypes.ErrUnknownCredential)
		}
		if cred.blob == nil {
			return nil, errors.Mark(fmt.Errorf("passkey: credential %x has no blob", credentialID), wtypes.ErrNoBlobFound)
		}
		return append([]byte(nil), cred.blob...), nil
	}

	// Picker mode: the platform would show a chooser; here the first
	// credential carrying a blob wins.
	for _, cred := range a.creds {
		if cred.blob != nil {
			return append([]byte(nil), cred.blob...), nil
		}
	}
	return nil, errors.Mark(errors.New("passkey: no credential carries a blob"), wtypes.ErrNoBlobFound)
}

// buildAttestationObject assembles a packed-format attestation object the
// way a platform authenticator does: outer CBOR map wrapping authenticator
// data with the attested-credential section and a COSE EC2 key at the tail.
func buildAttestationObject(credID []byte, key *ecdsa.PrivateKey) ([]byte, error) {
	coseKey := coseEC2Key{
		Kty: coseKtyEC2,
		Alg: -7, // ES256
		Crv: coseCrvP256,
		X:   key.PublicKey.X.FillBytes(make([]byte, 32)),
		Y:   key.PublicKey.Y.FillBytes(make([]byte, 32)),
	}
	coseBytes, err := cbor.Marshal(coseKey)
	if err != nil {
		return nil, fmt.Errorf("passkey: cose encode: %w", err)
	}

	rpIDHash := sha256.Sum256([]byte(RelyingPartyID))

	authData := make([]byte, 0, attestedDataOffset+aaguidLen+credIDLenBytes+len(credID)+len(coseBytes))
	authData = append(authData, rpIDHash[:]...)
	authData = append(authData, flagAttestedCredData|0x01|0x04) // AT | UP | UV
	authData = append(authData, 0, 0, 0, 1)                     // counter

	var aaguid [aaguidLen]byte
	authData = append(authData, aaguid[:]...)

	var credLen [credIDLenBytes]byte
	binary.BigEndian.PutUint16(credLen[:], uint16(len(credID)))
	authData = append(authData, credLen[:]...)
	authData = append(authData, credID...)
	authData = append(authData, coseBytes...)

	attStmt, err := cbor.Marshal(map[string]interface{}{})
	if err != nil {
		return nil, err
	}

	return cbor.Marshal(attestationObject{
		Fmt:      "packed",
		AttStmt:  attStmt,
		AuthData: authData,
	})
}

// Package passkey brokers the platform passkey (WebAuthn) credential used
// for wallet backup and, for smart accounts, as the durable admin signing
// key. The Agent interface is the seam between the custody core and the
// platform authenticator; the daemon wires a ceremony relay in front of the
// UI, tests and dev mode use the in-memory software authenticator.
package passkey

import (
	"context"
	"encoding/json"
	"fmt"
)

// RelyingPartyID is the WebAuthn RP id all blirp credentials are scoped to.
const RelyingPartyID = "blirp.me"

// CreateResult is what platform passkey creation returns: the credential id
// and the raw attestation object to be parsed for the public key.
type CreateResult struct {
	CredentialID      []byte
	AttestationObject []byte
}

// Agent is the platform passkey surface. All prompts are modal from the
// caller's point of view; the caller blocks until completion or
// cancellation.
type Agent interface {
	// CreateCredential triggers passkey creation with a fresh random
	// challenge, requiring a resident credential and user verification.
	CreateCredential(ctx context.Context, userLabel string) (*CreateResult, error)

	// Sign triggers user verification and returns an assertion signature
	// over the 32-byte challenge. Errors are marked ErrAuthCancelled or
	// ErrUnknownCredential.
	Sign(ctx context.Context, credentialID, challenge []byte) ([]byte, error)

	// WriteBlob attaches an opaque payload to the credential via the
	// large-blob extension.
	WriteBlob(ctx context.Context, credentialID, blob []byte) error

	// ReadBlob retrieves the payload. A nil credentialID presents the
	// platform credential picker; ErrNoBlobFound if the selected
	// credential carries none.
	ReadBlob(ctx context.Context, credentialID []byte) ([]byte, error)
}

// BackupBlob is the payload a Simple wallet attaches to its passkey.
// SmartAccount wallets store no blob; the passkey itself is the key.
type BackupBlob struct {
	Tag           string `json:"tag"`
	PrivateKeyHex string `json:"privateKeyHex"`
}

// Encode renders the blob for the large-blob extension.
func (b *BackupBlob) Encode() ([]byte, error) {
	return json.Marshal(b)
}

// DecodeBackupBlob parses bytes read back from a credential.
func DecodeBackupBlob(data []byte) (*BackupBlob, error) {
	var b BackupBlob
	if err := json.Unmarshal(data, &b); err != nil {
		return nil, fmt.Errorf("backup blob: %w", err)
	}
	if b.Tag == "" || b.PrivateKeyHex == "" {
		return nil, fmt.Errorf("backup blob: missing fields")
	}
	return &b, nil
}

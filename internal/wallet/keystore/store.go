// Package keystore is the platform credential store: one biometric-gated,
// hardware-sealed signing key per wallet address. Raw key bytes exist in
// process memory only transiently during Retrieve; callers zero them as soon
// as the signature is produced.
package keystore

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/rs/zerolog/log"
	"golang.org/x/crypto/chacha20poly1305"

	"github.com/avataraad/blirp-core/internal/securefile"
	"github.com/avataraad/blirp-core/internal/wallet/wtypes"
)

const (
	// Scope the sealed DEK so it can't be mixed with other sealed blobs.
	sealerLabel = "blirp:vault:dek:v1"

	// AAD for payload encryption (must match on decrypt).
	payloadAAD = "blirp:vault:payload:v1"
)

// Policy controls when the sealed record becomes unreadable.
type Policy string

// PolicyBiometricCurrentSet invalidates the record when the enrolled
// biometric set changes.
const PolicyBiometricCurrentSet Policy = "biometric_current_set"

// Authenticator gates key retrieval behind a user-presence check. Errors are
// marked wtypes.ErrAuthCancelled or wtypes.ErrAuthFailed.
type Authenticator interface {
	Authenticate(ctx context.Context, prompt string) error
}

// Store holds one sealed record per address under its vault directory.
type Store struct {
	dir    string
	sealer Sealer
	auth   Authenticator
}

// NewStore opens the vault at dir/vault.
func NewStore(dir string, sealer Sealer, auth Authenticator) (*Store, error) {
	if sealer == nil {
		return nil, errors.New("keystore: sealer is required")
	}
	if auth == nil {
		return nil, errors.New("keystore: authenticator is required")
	}
	vault := filepath.Join(dir, "vault")
	if err := os.MkdirAll(vault, 0o700); err != nil {
		return nil, fmt.Errorf("mkdir vault: %w", err)
	}
	return &Store{dir: vault, sealer: sealer, auth: auth}, nil
}

type vaultRecord struct {
	Version   int    `json:"version"`
	Address   string `json:"address"`
	Policy    string `json:"policy"`
	CreatedAt string `json:"created_at,omitempty"`

	NonceB64     string `json:"nonce_b64"`
	CTB64        string `json:"ct_b64"`
	SealedDEKB64 string `json:"sealed_dek_b64"`
}

func (s *Store) recordPath(addr common.Address) string {
	return filepath.Join(s.dir, strings.ToLower(addr.Hex())+".json")
}

// Store writes or replaces the record for addr. Exactly one record per
// address; a re-sync after recovery overwrites rather than duplicates.
// Failures are marked ErrSecureStorageUnavailable so callers can degrade to
// passkey-only signing instead of aborting wallet creation.
func (s *Store) Store(ctx context.Context, addr common.Address, priv32 []byte, policy Policy) error {
	if len(priv32) != 32 {
		return errors.Mark(fmt.Errorf("private key must be 32 bytes, got %d", len(priv32)), wtypes.ErrSecureStorageUnavailable)
	}
	if derived, err := crypto.ToECDSA(priv32); err != nil {
		return errors.Mark(fmt.Errorf("invalid private key: %w", err), wtypes.ErrSecureStorageUnavailable)
	} else if crypto.PubkeyToAddress(derived.PublicKey) != addr {
		return errors.Mark(errors.New("private key does not match address"), wtypes.ErrSecureStorageUnavailable)
	}

	dek := make([]byte, 32)
	if _, err := cryptoRead(dek); err != nil {
		return errors.Mark(fmt.Errorf("rand dek: %w", err), wtypes.ErrSecureStorageUnavailable)
	}
	defer zeroBytes(dek)

	sealed, err := s.sealer.Seal(ctx, sealerLabel, dek)
	if err != nil {
		return errors.Mark(fmt.Errorf("seal dek: %w", err), wtypes.ErrSecureStorageUnavailable)
	}

	plain, err := json.Marshal(struct {
		PrivKeyHex string `json:"priv_key_hex"`
	}{PrivKeyHex: fmt.Sprintf("%x", priv32)})
	if err != nil {
		return errors.Mark(err, wtypes.ErrSecureStorageUnavailable)
	}
	defer zeroBytes(plain)

	aead, err := chacha20poly1305.NewX(dek)
	if err != nil {
		return errors.Mark(err, wtypes.ErrSecureStorageUnavailable)
	}
	nonce := make([]byte, chacha20poly1305.NonceSizeX)
	if _, err := cryptoRead(nonce); err != nil {
		return errors.Mark(err, wtypes.ErrSecureStorageUnavailable)
	}
	ct := aead.Seal(nil, nonce, plain, []byte(payloadAAD))

	rec := vaultRecord{
		Version:      1,
		Address:      addr.Hex(),
		Policy:       string(policy),
		CreatedAt:    time.Now().UTC().Format(time.RFC3339),
		NonceB64:     base64.StdEncoding.EncodeToString(nonce),
		CTB64:        base64.StdEncoding.EncodeToString(ct),
		SealedDEKB64: base64.StdEncoding.EncodeToString(sealed),
	}
	if err := securefile.WriteJSON(s.recordPath(addr), rec, 0o600); err != nil {
		return errors.Mark(err, wtypes.ErrSecureStorageUnavailable)
	}

	log.Debug().Str("address", addr.Hex()).Msg("vault record stored")
	return nil
}

// Retrieve blocks on the authenticator, then unseals and returns the 32-byte
// private key. The caller owns the returned slice and zeroes it immediately
// after use.
func (s *Store) Retrieve(ctx context.Context, addr common.Address, prompt string) ([]byte, error) {
	if err := s.auth.Authenticate(ctx, prompt); err != nil {
		return nil, err
	}

	rec, err := securefile.ReadJSON[vaultRecord](s.recordPath(addr))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, errors.Mark(fmt.Errorf("vault: %s", addr.Hex()), wtypes.ErrNoCredential)
		}
		return nil, errors.Mark(err, wtypes.ErrAuthFailed)
	}
	if rec.Version != 1 {
		return nil, errors.Mark(fmt.Errorf("unsupported vault record version: %d", rec.Version), wtypes.ErrAuthFailed)
	}

	nonce, err := base64.StdEncoding.DecodeString(rec.NonceB64)
	if err != nil {
		return nil, errors.Mark(fmt.Errorf("decode nonce: %w", err), wtypes.ErrAuthFailed)
	}
	ct, err := base64.StdEncoding.DecodeString(rec.CTB64)
	if err != nil {
		return nil, errors.Mark(fmt.Errorf("decode ciphertext: %w", err), wtypes.ErrAuthFailed)
	}
	sealed, err := base64.StdEncoding.DecodeString(rec.SealedDEKB64)
	if err != nil {
		return nil, errors.Mark(fmt.Errorf("decode sealed dek: %w", err), wtypes.ErrAuthFailed)
	}

	dek, err := s.sealer.Unseal(ctx, sealerLabel, sealed)
	if err != nil {
		return nil, errors.Mark(fmt.Errorf("unseal dek: %w", err), wtypes.ErrAuthFailed)
	}
	defer zeroBytes(dek)
	if len(dek) != 32 {
		return nil, errors.Mark(fmt.Errorf("unexpected dek length: %d", len(dek)), wtypes.ErrAuthFailed)
	}

	aead, err := chacha20poly1305.NewX(dek)
	if err != nil {
		return nil, errors.Mark(err, wtypes.ErrAuthFailed)
	}
	plainJSON, err := aead.Open(nil, nonce, ct, []byte(payloadAAD))
	if err != nil {
		return nil, errors.Mark(errors.New("vault record decrypt failed (policy changed or record corrupted)"), wtypes.ErrAuthFailed)
	}
	defer zeroBytes(plainJSON)

	var plain struct {
		PrivKeyHex string `json:"priv_key_hex"`
	}
	if err := json.Unmarshal(plainJSON, &plain); err != nil {
		return nil, errors.Mark(err, wtypes.ErrAuthFailed)
	}

	priv, err := hexToBytes32(plain.PrivKeyHex)
	if err != nil {
		return nil, errors.Mark(fmt.Errorf("privkey hex: %w", err), wtypes.ErrAuthFailed)
	}
	return priv, nil
}

// Exists reports whether a record is present for addr without touching the
// authenticator. Used to decide whether a sync write is needed after
// recovery.
func (s *Store) Exists(addr common.Address) bool {
	_, err := os.Stat(s.recordPath(addr))
	return err == nil
}

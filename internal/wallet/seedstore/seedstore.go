// Package seedstore persists the durable local backup of a Simple wallet's
// key: one encrypted record per tag, encrypted under a tag-derived key.
// Records are written at provisioning or recovery, read at unlock, and never
// transmitted.
package seedstore

import (
	"encoding/hex"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/cockroachdb/errors"
	"github.com/ethereum/go-ethereum/crypto"

	"github.com/avataraad/blirp-core/internal/securefile"
	"github.com/avataraad/blirp-core/internal/wallet/wtypes"
)

const aadPrefix = "blirp:seedstore:v1:"

// Store keeps one encrypted seed record per tag under dir/seeds.
type Store struct {
	dir string
}

// NewStore opens (and creates if needed) the seed directory.
func NewStore(dir string) (*Store, error) {
	seeds := filepath.Join(dir, "seeds")
	if err := os.MkdirAll(seeds, 0o700); err != nil {
		return nil, fmt.Errorf("mkdir seeds: %w", err)
	}
	return &Store{dir: seeds}, nil
}

type seedRecord struct {
	Tag        string `json:"tag"`
	PrivKeyHex string `json:"priv_key_hex"`
}

func (s *Store) path(tag string) string {
	return filepath.Join(s.dir, strings.ToLower(tag)+".json")
}

// The KDF input is derived from the tag alone; the Argon2id salt in the
// envelope is random per record.
func tagSecret(tag string) []byte {
	return []byte("blirp:seed-key:" + strings.ToLower(tag))
}

func tagAAD(tag string) []byte {
	return []byte(aadPrefix + strings.ToLower(tag))
}

// Save writes or replaces the record for tag.
func (s *Store) Save(tag string, priv32 []byte) error {
	if len(priv32) != 32 {
		return fmt.Errorf("seedstore: private key must be 32 bytes, got %d", len(priv32))
	}
	if _, err := crypto.ToECDSA(priv32); err != nil {
		return fmt.Errorf("seedstore: invalid private key: %w", err)
	}
	rec := seedRecord{Tag: tag, PrivKeyHex: fmt.Sprintf("%x", priv32)}
	return securefile.WriteEncryptedJSON(s.path(tag), rec, tagSecret(tag), tagAAD(tag))
}

// Load decrypts the record for tag and returns the 32-byte private key.
// The caller zeroes the returned slice after use.
func (s *Store) Load(tag string) ([]byte, error) {
	rec, err := securefile.ReadEncryptedJSON[seedRecord](s.path(tag), tagSecret(tag), tagAAD(tag))
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, errors.Mark(fmt.Errorf("seedstore: no record for tag %q", tag), wtypes.ErrNoCredential)
		}
		return nil, err
	}

	priv, err := hex.DecodeString(rec.PrivKeyHex)
	if err != nil || len(priv) != 32 {
		return nil, fmt.Errorf("seedstore: corrupt key hex for tag %q", tag)
	}
	return priv, nil
}

// Exists reports whether a record is present for tag.
func (s *Store) Exists(tag string) bool {
	_, err := os.Stat(s.path(tag))
	return err == nil
}

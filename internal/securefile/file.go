// Package securefile provides encrypted JSON file read/write with atomic
// writes. Uses Argon2id for KDF and XChaCha20-Poly1305 for AEAD.
package securefile

import (
	"crypto/rand"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"

	"github.com/cockroachdb/errors"
	"golang.org/x/crypto/argon2"
	"golang.org/x/crypto/chacha20poly1305"
)

// ErrInvalidKeyOrCorrupt is returned when decryption fails. Kept generic to
// avoid leaking which part of the envelope was wrong.
var ErrInvalidKeyOrCorrupt = errors.New("invalid key or corrupted file")

// Envelope describes the on-disk encryption envelope and KDF settings.
// This is what gets marshaled to disk (as JSON).
type Envelope struct {
	Version int `json:"version"`

	// Argon2id params
	ArgonTime    uint32 `json:"argon_time"`
	ArgonMemory  uint32 `json:"argon_memory_kib"`
	ArgonThreads uint8  `json:"argon_threads"`
	ArgonKeyLen  uint32 `json:"argon_key_len"`

	SaltB64  string `json:"salt_b64"`
	NonceB64 string `json:"nonce_b64"`
	CTB64    string `json:"ct_b64"`
}

// DefaultKDF are the parameters used for new envelopes. Tuned for a mobile
// device unlock, not a server.
var DefaultKDF = Envelope{
	Version:      1,
	ArgonTime:    2,
	ArgonMemory:  64 * 1024, // 64 MiB in KiB
	ArgonThreads: 1,
	ArgonKeyLen:  32,
}

// WriteEncryptedJSON marshals v as JSON, encrypts it under a key derived
// from secret, and writes it atomically to path. aad must be identical on
// read and write; use a stable record-type label.
func WriteEncryptedJSON[T any](path string, v T, secret, aad []byte) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
		return fmt.Errorf("mkdir %s: %w", filepath.Dir(path), err)
	}

	plain, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("marshal json: %w", err)
	}

	salt := make([]byte, 16)
	if _, err := rand.Read(salt); err != nil {
		return fmt.Errorf("rand salt: %w", err)
	}

	kdf := DefaultKDF
	key := argon2.IDKey(secret, salt, kdf.ArgonTime, kdf.ArgonMemory, kdf.ArgonThreads, kdf.ArgonKeyLen)
	defer zero(key)

	aead, err := chacha20poly1305.NewX(key)
	if err != nil {
		return fmt.Errorf("aead: %w", err)
	}

	nonce := make([]byte, chacha20poly1305.NonceSizeX)
	if _, err := rand.Read(nonce); err != nil {
		return fmt.Errorf("rand nonce: %w", err)
	}

	ct := aead.Seal(nil, nonce, plain, aad)

	out := kdf
	out.SaltB64 = base64.StdEncoding.EncodeToString(salt)
	out.NonceB64 = base64.StdEncoding.EncodeToString(nonce)
	out.CTB64 = base64.StdEncoding.EncodeToString(ct)

	b, err := json.MarshalIndent(out, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal envelope: %w", err)
	}
	return AtomicWriteFile(path, b, 0o600)
}

// ReadEncryptedJSON reads path, decrypts it using secret, and unmarshals the
// JSON payload into T.
func ReadEncryptedJSON[T any](path string, secret, aad []byte) (T, error) {
	var zeroT T

	b, err := os.ReadFile(path)
	if err != nil {
		return zeroT, fmt.Errorf("read file: %w", err)
	}

	var env Envelope
	if err := json.Unmarshal(b, &env); err != nil {
		return zeroT, fmt.Errorf("unmarshal envelope: %w", err)
	}
	if env.Version != 1 {
		return zeroT, fmt.Errorf("unsupported envelope version: %d", env.Version)
	}

	salt, err := base64.StdEncoding.DecodeString(env.SaltB64)
	if err != nil {
		return zeroT, fmt.Errorf("decode salt: %w", err)
	}
	nonce, err := base64.StdEncoding.DecodeString(env.NonceB64)
	if err != nil {
		return zeroT, fmt.Errorf("decode nonce: %w", err)
	}
	ct, err := base64.StdEncoding.DecodeString(env.CTB64)
	if err != nil {
		return zeroT, fmt.Errorf("decode ciphertext: %w", err)
	}

	key := argon2.IDKey(secret, salt, env.ArgonTime, env.ArgonMemory, env.ArgonThreads, env.ArgonKeyLen)
	defer zero(key)

	aead, err := chacha20poly1305.NewX(key)
	if err != nil {
		return zeroT, fmt.Errorf("aead: %w", err)
	}

	plain, err := aead.Open(nil, nonce, ct, aad)
	if err != nil {
		return zeroT, ErrInvalidKeyOrCorrupt
	}
	defer zero(plain)

	var out T
	if err := json.Unmarshal(plain, &out); err != nil {
		return zeroT, fmt.Errorf("unmarshal json: %w", err)
	}
	return out, nil
}

// WriteJSON writes plain (unencrypted) JSON atomically. Used for metadata
// that carries no secrets, like hardware key-handle references.
func WriteJSON[T any](path string, v T, perm os.FileMode) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
		return fmt.Errorf("mkdir %s: %w", filepath.Dir(path), err)
	}
	b, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal json: %w", err)
	}
	return AtomicWriteFile(path, b, perm)
}

// ReadJSON reads plain JSON from path into T.
func ReadJSON[T any](path string) (T, error) {
	var zeroT T
	b, err := os.ReadFile(path)
	if err != nil {
		return zeroT, err
	}
	var out T
	if err := json.Unmarshal(b, &out); err != nil {
		return zeroT, fmt.Errorf("unmarshal %s: %w", path, err)
	}
	return out, nil
}

// AtomicWriteFile writes data to a temp file and renames it into place so a
// crash never leaves a half-written record.
func AtomicWriteFile(path string, data []byte, perm os.FileMode) error {
	tmp := path + ".tmp"

	_ = os.Remove(tmp)

	if err := os.WriteFile(tmp, data, perm); err != nil {
		return fmt.Errorf("write tmp: %w", err)
	}
	if err := os.Rename(tmp, path); err != nil {
		_ = os.Remove(tmp)
		return fmt.Errorf("rename: %w", err)
	}
	return nil
}

// DataDir returns the directory blirp-core keeps its durable records in:
// <user config dir>/blirp. Override with BLIRP_DATA_DIR, mainly for tests.
func DataDir() (string, error) {
	if dir := os.Getenv("BLIRP_DATA_DIR"); dir != "" {
		return dir, nil
	}
	base, err := os.UserConfigDir()
	if err != nil {
		return "", fmt.Errorf("user config dir: %w", err)
	}
	return filepath.Join(base, "blirp"), nil
}

func zero(b []byte) {
	for i := range b {
		b[i] = 0
	}
}

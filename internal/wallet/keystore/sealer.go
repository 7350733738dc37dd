package keystore

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/google/go-tpm/tpmutil"
	"golang.org/x/crypto/chacha20poly1305"

	"github.com/avataraad/blirp-core/internal/securefile"
)

// Sealer wraps the device's hardware key-protection primitive. Seal binds
// data to the device under a scoping label; Unseal reverses it on the same
// device only.
type Sealer interface {
	Seal(ctx context.Context, label string, data []byte) ([]byte, error)
	Unseal(ctx context.Context, label string, sealed []byte) ([]byte, error)
}

// KeyRef records which hardware key handle the vault is bound to, persisted
// next to the vault so reinstalls reattach to the same handle.
type KeyRef struct {
	HandleHex string `json:"handle_hex"`
}

// DefaultHandle is the first handle in the range reserved for blirp vaults.
const DefaultHandle = tpmutil.Handle(0x8100B001)

const keyRefFile = "vault_keyref.json"

// ParseHandle parses a persisted handle reference like "0x8100b001".
func ParseHandle(s string) (tpmutil.Handle, error) {
	s = strings.TrimSpace(strings.ToLower(s))
	if s == "" {
		return 0, fmt.Errorf("empty handle")
	}
	s = strings.TrimPrefix(s, "0x")
	if len(s) > 8 {
		return 0, fmt.Errorf("handle too long")
	}
	if len(s)%2 == 1 {
		s = "0" + s
	}
	b, err := hex.DecodeString(s)
	if err != nil {
		return 0, fmt.Errorf("invalid hex: %w", err)
	}
	var v uint32
	for _, by := range b {
		v = (v << 8) | uint32(by)
	}
	return tpmutil.Handle(v), nil
}

// FormatHandle renders a handle the way it is persisted.
func FormatHandle(h tpmutil.Handle) string {
	return fmt.Sprintf("0x%x", uint32(h))
}

// loadOrBindHandle reattaches to a persisted handle reference, or claims the
// default handle and persists it for the next run.
func loadOrBindHandle(dir string) (tpmutil.Handle, error) {
	path := filepath.Join(dir, keyRefFile)

	if ref, err := securefile.ReadJSON[KeyRef](path); err == nil {
		if h, perr := ParseHandle(ref.HandleHex); perr == nil && h != 0 {
			return h, nil
		}
	} else if !os.IsNotExist(err) {
		return 0, fmt.Errorf("vault keyref: %w", err)
	}

	h := DefaultHandle
	if err := securefile.WriteJSON(path, KeyRef{HandleHex: FormatHandle(h)}, 0o600); err != nil {
		return 0, fmt.Errorf("persist vault keyref: %w", err)
	}
	return h, nil
}

// SoftSealer is the software stand-in for the platform secure enclave: a
// device-local wrapping key on disk, scoped per label via AEAD associated
// data and bound to the vault's hardware handle reference. Hardware-backed
// installs swap in a Sealer that performs the same operation inside the
// secure element.
type SoftSealer struct {
	handle tpmutil.Handle
	key    []byte
}

// NewSoftSealer loads or creates the wrapping key under dir.
func NewSoftSealer(dir string) (*SoftSealer, error) {
	handle, err := loadOrBindHandle(dir)
	if err != nil {
		return nil, err
	}

	keyPath := filepath.Join(dir, "sealer.key")
	key, err := os.ReadFile(keyPath)
	if os.IsNotExist(err) {
		key = make([]byte, 32)
		if _, rerr := rand.Read(key); rerr != nil {
			return nil, fmt.Errorf("rand sealer key: %w", rerr)
		}
		if werr := securefile.AtomicWriteFile(keyPath, key, 0o600); werr != nil {
			return nil, werr
		}
	} else if err != nil {
		return nil, fmt.Errorf("read sealer key: %w", err)
	}
	if len(key) != 32 {
		return nil, fmt.Errorf("sealer key must be 32 bytes, got %d", len(key))
	}

	return &SoftSealer{handle: handle, key: key}, nil
}

// Handle returns the hardware handle reference this sealer is bound to.
func (s *SoftSealer) Handle() tpmutil.Handle { return s.handle }

func (s *SoftSealer) aad(label string) []byte {
	return []byte(label + "|" + FormatHandle(s.handle))
}

func (s *SoftSealer) Seal(_ context.Context, label string, data []byte) ([]byte, error) {
	aead, err := chacha20poly1305.NewX(s.key)
	if err != nil {
		return nil, fmt.Errorf("aead: %w", err)
	}
	nonce := make([]byte, chacha20poly1305.NonceSizeX)
	if _, err := rand.Read(nonce); err != nil {
		return nil, fmt.Errorf("rand nonce: %w", err)
	}
	return append(nonce, aead.Seal(nil, nonce, data, s.aad(label))...), nil
}

func (s *SoftSealer) Unseal(_ context.Context, label string, sealed []byte) ([]byte, error) {
	if len(sealed) < chacha20poly1305.NonceSizeX {
		return nil, fmt.Errorf("sealed blob too short")
	}
	aead, err := chacha20poly1305.NewX(s.key)
	if err != nil {
		return nil, fmt.Errorf("aead: %w", err)
	}
	nonce, ct := sealed[:chacha20poly1305.NonceSizeX], sealed[chacha20poly1305.NonceSizeX:]
	out, err := aead.Open(nil, nonce, ct, s.aad(label))
	if err != nil {
		return nil, fmt.Errorf("unseal failed (sealer policy changed or blob corrupted)")
	}
	return out, nil
}

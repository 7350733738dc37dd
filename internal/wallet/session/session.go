// Package session owns the single active wallet identity and fans user
// operations out to the custody components: creation, unlock, recovery,
// and transaction authorization. All state is in memory; durable records
// live in the seed store, the vault, and the passkey blob.
package session

import (
	"context"
	"encoding/hex"
	"strings"
	"sync"
	"sync/atomic"

	"github.com/cockroachdb/errors"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/rs/zerolog/log"

	"github.com/avataraad/blirp-core/internal/passkey"
	"github.com/avataraad/blirp-core/internal/wallet/keystore"
	"github.com/avataraad/blirp-core/internal/wallet/upgrade"
	"github.com/avataraad/blirp-core/internal/wallet/wtypes"
)

// Vault is the platform credential store slice the session uses.
type Vault interface {
	Store(ctx context.Context, addr common.Address, priv32 []byte, policy keystore.Policy) error
	Retrieve(ctx context.Context, addr common.Address, prompt string) ([]byte, error)
	Exists(addr common.Address) bool
}

// SeedStore is the encrypted local seed-record store.
type SeedStore interface {
	Save(tag string, priv32 []byte) error
	Load(tag string) ([]byte, error)
	Exists(tag string) bool
}

// Directory is the remote tag directory.
type Directory interface {
	IsTagAvailable(ctx context.Context, tag string) (bool, error)
	RegisterTag(ctx context.Context, tag string, addr common.Address) error
	ResolveTag(ctx context.Context, tag string) (common.Address, bool, error)
}

// Provisioner runs smart-account provisioning. Satisfied by
// upgrade.Coordinator.
type Provisioner interface {
	Provision(ctx context.Context, tag string, chainID uint64) (*upgrade.Result, error)
}

// Authorizer is the transaction-authorization surface. Satisfied by
// txauth.Service.
type Authorizer interface {
	Simulate(ctx context.Context, intent *wtypes.TransactionIntent) (*wtypes.SimulationResult, error)
	SignAndBroadcast(ctx context.Context, intent *wtypes.TransactionIntent, sim *wtypes.SimulationResult, prompt string) (common.Hash, error)
	PrepareIntent(ctx context.Context, intent *wtypes.TransactionIntent) (*wtypes.PreparedCallContext, error)
	SignAndSendPrepared(ctx context.Context, credentialID []byte, intent *wtypes.TransactionIntent, prepared *wtypes.PreparedCallContext) (string, error)
	PollStatus(ctx context.Context, bundleID string) (*wtypes.BundleStatus, error)
}

// Session holds at most one active wallet identity. It is safe for
// concurrent use; at most one AuthorizeAndSend runs at a time, a second
// concurrent call is rejected, never queued.
type Session struct {
	vault       Vault
	seeds       SeedStore
	directory   Directory
	passkeys    passkey.Agent
	provisioner Provisioner
	authorizer  Authorizer
	chainID     uint64

	mu       sync.Mutex
	identity *wtypes.WalletIdentity

	signing atomic.Bool
}

// New wires a session. chainID is the default chain for intents that do
// not carry one.
func New(vault Vault, seeds SeedStore, dir Directory, agent passkey.Agent, prov Provisioner, auth Authorizer, chainID uint64) (*Session, error) {
	if vault == nil {
		return nil, errors.New("session: vault is required")
	}
	if seeds == nil {
		return nil, errors.New("session: seed store is required")
	}
	if dir == nil {
		return nil, errors.New("session: directory is required")
	}
	if agent == nil {
		return nil, errors.New("session: passkey agent is required")
	}
	if auth == nil {
		return nil, errors.New("session: authorizer is required")
	}
	if chainID == 0 {
		return nil, errors.New("session: chain id is required")
	}
	return &Session{
		vault:       vault,
		seeds:       seeds,
		directory:   dir,
		passkeys:    agent,
		provisioner: prov,
		authorizer:  auth,
		chainID:     chainID,
	}, nil
}

// Identity returns a copy of the active identity, or nil when logged out.
func (s *Session) Identity() *wtypes.WalletIdentity {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.identity == nil {
		return nil
	}
	cp := *s.identity
	return &cp
}

func (s *Session) setIdentity(id *wtypes.WalletIdentity) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.identity != nil && id != nil {
		return errors.New("session: a wallet is already active, log out first")
	}
	s.identity = id
	return nil
}

func normalizeTag(tag string) (string, error) {
	tag = strings.ToLower(strings.TrimSpace(tag))
	if tag == "" {
		return "", errors.New("session: tag must not be empty")
	}
	return tag, nil
}

// CreateResult reports a freshly created wallet plus the non-fatal
// degradations that occurred along the way.
type CreateResult struct {
	Identity wtypes.WalletIdentity

	// VaultStored is false when the platform vault rejected the key; the
	// wallet still works via the seed record and passkey backup.
	VaultStored bool

	// BackupCreated is false when passkey backup creation was declined or
	// failed; the user can retry later.
	BackupCreated bool

	// TagRegistered is false when the directory refused the tag after the
	// wallet already existed.
	TagRegistered bool
}

// CreateSimpleWallet generates a fresh key and provisions a Simple wallet
// under tag: seed record first, then vault and passkey backup (both
// non-fatal), then directory registration. The tag is checked before any
// key material is generated.
func (s *Session) CreateSimpleWallet(ctx context.Context, tag string) (*CreateResult, error) {
	tag, err := normalizeTag(tag)
	if err != nil {
		return nil, err
	}
	if s.Identity() != nil {
		return nil, errors.New("session: a wallet is already active, log out first")
	}

	available, err := s.directory.IsTagAvailable(ctx, tag)
	if err != nil {
		return nil, err
	}
	if !available {
		return nil, errors.Mark(errors.Newf("session: tag %q is taken", tag), wtypes.ErrTagConflict)
	}

	key, err := crypto.GenerateKey()
	if err != nil {
		return nil, errors.Wrap(err, "session: generate key")
	}
	priv := crypto.FromECDSA(key)
	defer zeroBytes(priv)
	addr := crypto.PubkeyToAddress(key.PublicKey)

	// The seed record is the wallet's durable root; its failure is fatal.
	if err := s.seeds.Save(tag, priv); err != nil {
		return nil, err
	}

	res := &CreateResult{
		Identity: wtypes.WalletIdentity{
			Address: addr,
			Tag:     tag,
			Kind:    wtypes.KindSimple,
		},
	}

	if err := s.vault.Store(ctx, addr, priv, keystore.PolicyBiometricCurrentSet); err != nil {
		log.Warn().Err(err).Str("tag", tag).Msg("vault write failed, wallet continues without it")
	} else {
		res.VaultStored = true
	}

	if credID, err := s.writeBackup(ctx, tag, priv); err != nil {
		log.Warn().Err(err).Str("tag", tag).Msg("passkey backup not created")
	} else {
		res.Identity.PasskeyCredentialID = credID
		res.BackupCreated = true
	}

	if err := s.directory.RegisterTag(ctx, tag, addr); err != nil {
		log.Warn().Err(err).Str("tag", tag).Msg("tag registration failed after wallet creation")
	} else {
		res.TagRegistered = true
	}

	if err := s.setIdentity(&res.Identity); err != nil {
		return nil, err
	}
	log.Info().Str("tag", tag).Str("address", addr.Hex()).Msg("simple wallet created")
	return res, nil
}

func (s *Session) writeBackup(ctx context.Context, tag string, priv []byte) ([]byte, error) {
	created, err := s.passkeys.CreateCredential(ctx, tag)
	if err != nil {
		return nil, err
	}
	blob, err := (&passkey.BackupBlob{Tag: tag, PrivateKeyHex: hex.EncodeToString(priv)}).Encode()
	if err != nil {
		return nil, err
	}
	if err := s.passkeys.WriteBlob(ctx, created.CredentialID, blob); err != nil {
		return nil, err
	}
	return created.CredentialID, nil
}

// CreateSmartWallet provisions a delegated smart account under tag via the
// upgrade coordinator. No seed record and no vault entry exist afterwards;
// the passkey is the key.
func (s *Session) CreateSmartWallet(ctx context.Context, tag string) (*CreateResult, error) {
	if s.provisioner == nil {
		return nil, errors.New("session: smart-account provisioning not configured")
	}
	tag, err := normalizeTag(tag)
	if err != nil {
		return nil, err
	}
	if s.Identity() != nil {
		return nil, errors.New("session: a wallet is already active, log out first")
	}

	out, err := s.provisioner.Provision(ctx, tag, s.chainID)
	if err != nil {
		return nil, err
	}
	if err := s.setIdentity(&out.Identity); err != nil {
		return nil, err
	}
	return &CreateResult{
		Identity:      out.Identity,
		BackupCreated: true, // the passkey itself is the durable credential
		TagRegistered: out.Registered,
	}, nil
}

// Unlock loads the Simple wallet stored under tag and makes it the active
// identity. When the vault has no record for the address the key is
// opportunistically synced back in; that failure is logged, not fatal.
func (s *Session) Unlock(ctx context.Context, tag string) (*wtypes.WalletIdentity, error) {
	tag, err := normalizeTag(tag)
	if err != nil {
		return nil, err
	}
	if s.Identity() != nil {
		return nil, errors.New("session: a wallet is already active, log out first")
	}

	priv, err := s.seeds.Load(tag)
	if err != nil {
		if errors.Is(err, wtypes.ErrNoCredential) {
			return nil, errors.Mark(errors.Newf("session: no wallet stored for tag %q", tag), wtypes.ErrNoWallet)
		}
		return nil, err
	}
	defer zeroBytes(priv)

	id, err := s.activateSimple(ctx, tag, priv)
	if err != nil {
		return nil, err
	}
	log.Info().Str("tag", tag).Str("address", id.Address.Hex()).Msg("wallet unlocked")
	return id, nil
}

// RecoverFromBackup restores a Simple wallet from its passkey blob. A nil
// credentialID presents the platform credential picker. The recovered key
// is written to the seed store and synced into the vault.
func (s *Session) RecoverFromBackup(ctx context.Context, credentialID []byte) (*wtypes.WalletIdentity, error) {
	if s.Identity() != nil {
		return nil, errors.New("session: a wallet is already active, log out first")
	}

	raw, err := s.passkeys.ReadBlob(ctx, credentialID)
	if err != nil {
		return nil, err
	}
	blob, err := passkey.DecodeBackupBlob(raw)
	if err != nil {
		return nil, errors.Mark(err, wtypes.ErrNoBlobFound)
	}

	priv, err := hex.DecodeString(blob.PrivateKeyHex)
	if err != nil || len(priv) != 32 {
		return nil, errors.Mark(errors.New("session: backup blob carries no valid key"), wtypes.ErrNoBlobFound)
	}
	defer zeroBytes(priv)

	tag, err := normalizeTag(blob.Tag)
	if err != nil {
		return nil, err
	}
	if err := s.seeds.Save(tag, priv); err != nil {
		return nil, err
	}

	id, err := s.activateSimple(ctx, tag, priv)
	if err != nil {
		return nil, err
	}
	id.PasskeyCredentialID = append([]byte(nil), credentialID...)
	log.Info().Str("tag", tag).Str("address", id.Address.Hex()).Msg("wallet recovered from passkey backup")
	return id, nil
}

// RecoverWithKey restores a Simple wallet from a user-supplied private key,
// the path for users whose passkey is gone along with the device. priv must
// be the 32-byte secp256k1 scalar; no passkey is consulted or created, so
// the restored identity carries no credential id until a new backup is
// written.
func (s *Session) RecoverWithKey(ctx context.Context, tag string, priv []byte) (*wtypes.WalletIdentity, error) {
	if s.Identity() != nil {
		return nil, errors.New("session: a wallet is already active, log out first")
	}

	tag, err := normalizeTag(tag)
	if err != nil {
		return nil, err
	}
	if len(priv) != 32 {
		return nil, errors.New("session: recovery key must be 32 bytes")
	}
	key, err := crypto.ToECDSA(priv)
	if err != nil {
		return nil, errors.Wrap(err, "session: recovery key is not a valid secp256k1 scalar")
	}
	key.D.SetInt64(0)

	if err := s.seeds.Save(tag, priv); err != nil {
		return nil, err
	}
	id, err := s.activateSimple(ctx, tag, priv)
	if err != nil {
		return nil, err
	}
	log.Info().Str("tag", tag).Str("address", id.Address.Hex()).Msg("wallet recovered from supplied key")
	return id, nil
}

// activateSimple derives the address from priv, re-syncs the vault when
// the record is missing, and installs the identity.
func (s *Session) activateSimple(ctx context.Context, tag string, priv []byte) (*wtypes.WalletIdentity, error) {
	key, err := crypto.ToECDSA(priv)
	if err != nil {
		return nil, errors.Wrap(err, "session: stored key is invalid")
	}
	addr := crypto.PubkeyToAddress(key.PublicKey)
	key.D.SetInt64(0)

	if !s.vault.Exists(addr) {
		if err := s.vault.Store(ctx, addr, priv, keystore.PolicyBiometricCurrentSet); err != nil {
			log.Warn().Err(err).Str("address", addr.Hex()).Msg("vault re-sync failed")
		}
	}

	id := &wtypes.WalletIdentity{Address: addr, Tag: tag, Kind: wtypes.KindSimple}
	if err := s.setIdentity(id); err != nil {
		return nil, err
	}
	cp := *id
	return &cp, nil
}

// Logout clears the in-memory identity. Durable records are untouched; the
// wallet unlocks again from the seed store or recovers from backup.
func (s *Session) Logout() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.identity != nil {
		log.Info().Str("tag", s.identity.Tag).Msg("logged out")
	}
	s.identity = nil
}

// ResolveTag looks up the address registered for tag in the directory. The
// second return is false when the tag is unregistered.
func (s *Session) ResolveTag(ctx context.Context, tag string) (common.Address, bool, error) {
	tag, err := normalizeTag(tag)
	if err != nil {
		return common.Address{}, false, err
	}
	return s.directory.ResolveTag(ctx, tag)
}

// Simulate runs a read-only simulation for the active wallet.
func (s *Session) Simulate(ctx context.Context, intent *wtypes.TransactionIntent) (*wtypes.SimulationResult, error) {
	if _, err := s.requireIdentity(intent); err != nil {
		return nil, err
	}
	return s.authorizer.Simulate(ctx, intent)
}

// SendResult is the outcome of AuthorizeAndSend. Simple wallets yield a
// transaction hash directly; SmartAccount wallets yield a bundle id whose
// hash arrives once the bundle confirms.
type SendResult struct {
	TxHash   common.Hash `json:"txHash,omitempty"`
	BundleID string      `json:"bundleId,omitempty"`
}

// AuthorizeAndSend signs and submits intent for the active wallet,
// dispatching on the wallet kind. At most one call runs at a time; a
// concurrent second call fails with ErrSigningInProgress immediately.
func (s *Session) AuthorizeAndSend(ctx context.Context, intent *wtypes.TransactionIntent, sim *wtypes.SimulationResult, prompt string) (*SendResult, error) {
	id, err := s.requireIdentity(intent)
	if err != nil {
		return nil, err
	}

	if !s.signing.CompareAndSwap(false, true) {
		return nil, errors.Mark(errors.New("session: a signing flow is already running"), wtypes.ErrSigningInProgress)
	}
	defer s.signing.Store(false)

	switch id.Kind {
	case wtypes.KindSimple:
		hash, err := s.authorizer.SignAndBroadcast(ctx, intent, sim, prompt)
		if err != nil {
			return nil, err
		}
		return &SendResult{TxHash: hash}, nil

	case wtypes.KindSmartAccount:
		prepared, err := s.authorizer.PrepareIntent(ctx, intent)
		if err != nil {
			return nil, err
		}
		bundleID, err := s.authorizer.SignAndSendPrepared(ctx, id.PasskeyCredentialID, intent, prepared)
		if err != nil {
			return nil, err
		}
		return &SendResult{BundleID: bundleID}, nil

	default:
		return nil, errors.Newf("session: unknown wallet kind %d", id.Kind)
	}
}

// BundleStatus polls a smart-account bundle.
func (s *Session) BundleStatus(ctx context.Context, bundleID string) (*wtypes.BundleStatus, error) {
	return s.authorizer.PollStatus(ctx, bundleID)
}

// requireIdentity checks a wallet is active and the intent spends from it.
func (s *Session) requireIdentity(intent *wtypes.TransactionIntent) (*wtypes.WalletIdentity, error) {
	id := s.Identity()
	if id == nil {
		return nil, errors.Mark(errors.New("session: no active wallet"), wtypes.ErrNoWallet)
	}
	if intent.From == (common.Address{}) {
		intent.From = id.Address
	}
	if intent.From != id.Address {
		return nil, errors.Newf("session: intent spends from %s, active wallet is %s", intent.From.Hex(), id.Address.Hex())
	}
	if intent.ChainID == 0 {
		intent.ChainID = s.chainID
	}
	return id, nil
}

func zeroBytes(b []byte) {
	for i := range b {
		b[i] = 0
	}
}

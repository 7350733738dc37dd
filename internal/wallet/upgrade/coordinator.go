// Package upgrade runs the two-phase protocol that converts a plain address
// into a smart-contract account under passkey control, using an ephemeral
// key as a one-time authorizer.
package upgrade

import (
	"context"
	"encoding/json"

	"github.com/cockroachdb/errors"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/rs/zerolog/log"

	"github.com/avataraad/blirp-core/internal/passkey"
	"github.com/avataraad/blirp-core/internal/relay"
	"github.com/avataraad/blirp-core/internal/wallet/ephemeral"
	"github.com/avataraad/blirp-core/internal/wallet/wtypes"
)

// State tracks provisioning progress. Terminal on StateUpgraded or
// StateFailed; there is no resume: a failed provisioning leaves no durable
// artifact and starts over.
type State uint8

const (
	StateInit State = iota
	StateEphemeralGenerated
	StatePasskeyCreated
	StateUpgradePrepared
	StateEphemeralSigned
	StateUpgraded
	StateFailed
)

func (s State) String() string {
	switch s {
	case StateInit:
		return "init"
	case StateEphemeralGenerated:
		return "ephemeral_generated"
	case StatePasskeyCreated:
		return "passkey_created"
	case StateUpgradePrepared:
		return "upgrade_prepared"
	case StateEphemeralSigned:
		return "ephemeral_signed"
	case StateUpgraded:
		return "upgraded"
	case StateFailed:
		return "failed"
	default:
		return "unknown"
	}
}

// RelayClient is the slice of the relay surface provisioning needs.
type RelayClient interface {
	GetCapabilities(ctx context.Context, chainIDs []uint64) (json.RawMessage, error)
	PrepareUpgradeAccount(ctx context.Context, p relay.PrepareUpgradeParams) (*relay.PrepareUpgradeResult, error)
	UpgradeAccount(ctx context.Context, p relay.UpgradeParams) error
}

// Directory is the slice of the tag directory provisioning needs.
type Directory interface {
	IsTagAvailable(ctx context.Context, tag string) (bool, error)
	RegisterTag(ctx context.Context, tag string, addr common.Address) error
}

// Coordinator drives one smart-account provisioning run.
type Coordinator struct {
	relay       RelayClient
	passkeys    passkey.Agent
	directory   Directory
	delegations map[uint64]common.Address

	state State
}

// NewCoordinator wires a coordinator. delegations maps chain id to the
// delegation contract address designated for that chain.
func NewCoordinator(relayClient RelayClient, agent passkey.Agent, dir Directory, delegations map[uint64]common.Address) (*Coordinator, error) {
	if relayClient == nil {
		return nil, errors.New("upgrade: relay client is required")
	}
	if agent == nil {
		return nil, errors.New("upgrade: passkey agent is required")
	}
	if dir == nil {
		return nil, errors.New("upgrade: directory is required")
	}
	if len(delegations) == 0 {
		return nil, errors.New("upgrade: no delegation contracts configured")
	}
	return &Coordinator{
		relay:       relayClient,
		passkeys:    agent,
		directory:   dir,
		delegations: delegations,
		state:       StateInit,
	}, nil
}

// State returns the current provisioning state.
func (c *Coordinator) State() State { return c.state }

func (c *Coordinator) setState(s State) {
	c.state = s
	log.Debug().Str("state", s.String()).Msg("smart-account provisioning")
}

func (c *Coordinator) fail(err error) error {
	c.state = StateFailed
	return err
}

// Result is a successful provisioning outcome. Registered is false when the
// on-chain upgrade succeeded but the directory refused the tag afterwards
// (the accepted check-then-register race); the account is usable either way.
type Result struct {
	Identity   wtypes.WalletIdentity
	Registered bool
}

// Provision runs the whole flow for tag on chainID. The tag is checked
// against the directory before any key material is generated; any failure
// after that point aborts with no durable artifact, and the directory
// registration happens only after on-chain upgrade success so a tag is
// never claimed for a non-existent account.
func (c *Coordinator) Provision(ctx context.Context, tag string, chainID uint64) (*Result, error) {
	delegation, ok := c.delegations[chainID]
	if !ok {
		return nil, c.fail(errors.Newf("upgrade: no delegation contract for chain %d", chainID))
	}

	// The relay advertises which chains it can upgrade on; bail out here
	// rather than discover mid-flow that the prepare call has no backend.
	caps, err := c.relay.GetCapabilities(ctx, []uint64{chainID})
	if err != nil {
		return nil, c.fail(err)
	}
	var byChain map[string]json.RawMessage
	if err := json.Unmarshal(caps, &byChain); err != nil {
		return nil, c.fail(errors.Wrap(err, "upgrade: malformed capabilities response"))
	}
	if _, ok := byChain[hexutil.EncodeUint64(chainID)]; !ok {
		return nil, c.fail(errors.Newf("upgrade: relay has no capabilities for chain %d", chainID))
	}

	available, err := c.directory.IsTagAvailable(ctx, tag)
	if err != nil {
		return nil, c.fail(err)
	}
	if !available {
		return nil, c.fail(errors.Mark(errors.Newf("upgrade: tag %q taken", tag), wtypes.ErrTagConflict))
	}

	// One-time authorizer. The smart account ends up at this key's own
	// address; the key itself is dropped at end of scope.
	eph := ephemeral.Generate()
	defer eph.Destroy()
	c.setState(StateEphemeralGenerated)

	created, err := c.passkeys.CreateCredential(ctx, tag)
	if err != nil {
		return nil, c.fail(err)
	}
	x, y, err := passkey.ExtractPublicKey(created.AttestationObject)
	if err != nil {
		return nil, c.fail(err)
	}
	c.setState(StatePasskeyCreated)

	adminKey := make([]byte, 0, 65)
	adminKey = append(adminKey, 0x04)
	adminKey = append(adminKey, x[:]...)
	adminKey = append(adminKey, y[:]...)

	prepared, err := c.relay.PrepareUpgradeAccount(ctx, relay.PrepareUpgradeParams{
		Address:    eph.Address(),
		ChainID:    hexutil.Uint64(chainID),
		Delegation: delegation,
		Capabilities: relay.UpgradeCapabilities{
			AuthorizeKeys: []relay.AuthorizeKey{{
				Type:      relay.KeyTypeWebAuthnP256,
				Role:      relay.RoleAdmin,
				PublicKey: adminKey,
			}},
		},
	})
	if err != nil {
		return nil, c.fail(err)
	}
	c.setState(StateUpgradePrepared)

	// Raw-digest signatures: the relay verifies against the digests as
	// given, so a personal-message prefix here produces signatures it
	// rejects.
	authSig, err := c.signDigest(eph, prepared.Digests.Auth)
	if err != nil {
		return nil, c.fail(err)
	}
	execSig, err := c.signDigest(eph, prepared.Digests.Exec)
	if err != nil {
		return nil, c.fail(err)
	}
	c.setState(StateEphemeralSigned)

	// A null/empty success response is expected; the smart account now
	// exists at the ephemeral key's address.
	if err := c.relay.UpgradeAccount(ctx, relay.UpgradeParams{
		Context: prepared.Context,
		Signatures: relay.UpgradeSignatures{
			Auth: authSig,
			Exec: execSig,
		},
	}); err != nil {
		return nil, c.fail(err)
	}

	address := eph.Address()
	eph.Destroy()
	c.setState(StateUpgraded)

	res := &Result{
		Identity: wtypes.WalletIdentity{
			Address:             address,
			Tag:                 tag,
			Kind:                wtypes.KindSmartAccount,
			PasskeyCredentialID: created.CredentialID,
		},
		Registered: true,
	}

	if err := c.directory.RegisterTag(ctx, tag, address); err != nil {
		// Late conflict or transport failure: the account exists
		// on-chain, so surface an unregistered-but-upgraded result
		// rather than pretending the whole flow failed.
		log.Warn().Err(err).Str("tag", tag).Str("address", address.Hex()).
			Msg("smart account upgraded but tag registration failed")
		res.Registered = false
	}
	return res, nil
}

func (c *Coordinator) signDigest(eph *ephemeral.Key, digest common.Hash) ([]byte, error) {
	sig, err := eph.SignDigest(digest.Bytes())
	if err != nil {
		return nil, err
	}
	return wtypes.SigToV27(sig)
}

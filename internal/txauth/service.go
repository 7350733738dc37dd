// Package txauth turns a user-approved payment intent into a signed,
// broadcast transaction: simulate, check the simulation still matches the
// intent, sign under the biometric gate, broadcast. Simulation and signing
// are not atomic, since the UI may re-simulate on every keystroke, so
// Authorize insists the intent being signed is byte-identical to the one
// simulated.
package txauth

import (
	"context"
	"math/big"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"
	gethtypes "github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/rs/zerolog/log"

	"github.com/avataraad/blirp-core/internal/passkey"
	"github.com/avataraad/blirp-core/internal/relay"
	"github.com/avataraad/blirp-core/internal/wallet/wtypes"
)

// ChainClient is the chain RPC surface the service consumes.
type ChainClient interface {
	EstimateGas(ctx context.Context, msg ethereum.CallMsg) (uint64, error)
	CodeAt(ctx context.Context, addr common.Address) ([]byte, error)
	PendingNonceAt(ctx context.Context, addr common.Address) (uint64, error)
	SuggestFees(ctx context.Context) (maxFee, maxPrio *big.Int, err error)
	SendRawTransaction(ctx context.Context, rawTx []byte) (common.Hash, error)
}

// Keystore is the vault slice used for Simple-wallet signing.
type Keystore interface {
	Retrieve(ctx context.Context, addr common.Address, prompt string) ([]byte, error)
}

// RelayClient is the relay slice used for SmartAccount bundles.
type RelayClient interface {
	PrepareCalls(ctx context.Context, p relay.PrepareCallsParams) (*relay.PrepareCallsResult, error)
	SendPreparedCalls(ctx context.Context, p relay.SendPreparedParams) (string, error)
	GetCallsStatus(ctx context.Context, bundleID string) (*relay.CallsStatus, error)
}

// Options tune freshness and polling behavior.
type Options struct {
	// SimulationMaxAge bounds how old a SimulationResult may be and
	// still authorize a signature.
	SimulationMaxAge time.Duration

	// PollInterval is the bundle-status polling cadence.
	PollInterval time.Duration

	// FeeToken optionally denominates smart-account fees in a
	// stablecoin instead of the native gas token.
	FeeToken string
}

func (o *Options) withDefaults() Options {
	out := Options{SimulationMaxAge: 90 * time.Second, PollInterval: time.Second}
	if o == nil {
		return out
	}
	if o.SimulationMaxAge > 0 {
		out.SimulationMaxAge = o.SimulationMaxAge
	}
	if o.PollInterval > 0 {
		out.PollInterval = o.PollInterval
	}
	out.FeeToken = o.FeeToken
	return out
}

// Service authorizes transactions for both wallet kinds.
type Service struct {
	chain    ChainClient
	vault    Keystore
	relay    RelayClient
	passkeys passkey.Agent
	opts     Options

	now func() time.Time
}

// NewService wires the service. vault may be nil in a daemon that only
// hosts SmartAccount wallets; relay and passkeys may be nil for
// Simple-only setups.
func NewService(chain ChainClient, vault Keystore, relayClient RelayClient, agent passkey.Agent, opts *Options) (*Service, error) {
	if chain == nil {
		return nil, errors.New("txauth: chain client is required")
	}
	return &Service{
		chain:    chain,
		vault:    vault,
		relay:    relayClient,
		passkeys: agent,
		opts:     opts.withDefaults(),
		now:      time.Now,
	}, nil
}

// Simulate estimates gas and fees for intent and surfaces warnings. Read
// only and idempotent; callers may debounce or cancel freely.
func (s *Service) Simulate(ctx context.Context, intent *wtypes.TransactionIntent) (*wtypes.SimulationResult, error) {
	msg := ethereum.CallMsg{
		From:  intent.From,
		To:    &intent.To,
		Value: intent.Value,
		Data:  intent.Data,
	}

	est, err := s.chain.EstimateGas(ctx, msg)
	if err != nil {
		return nil, errors.Mark(errors.Wrap(err, "txauth: estimate gas"), wtypes.ErrSimulationFailed)
	}
	gasLimit := est + est/10
	if gasLimit < 21_000 {
		gasLimit = 21_000
	}

	maxFee, maxPrio, err := s.chain.SuggestFees(ctx)
	if err != nil {
		return nil, errors.Mark(errors.Wrap(err, "txauth: suggest fees"), wtypes.ErrSimulationFailed)
	}

	res := &wtypes.SimulationResult{
		IntentHash:           intent.Hash(),
		GasLimit:             gasLimit,
		MaxFeePerGas:         maxFee,
		MaxPriorityFeePerGas: maxPrio,
		IssuedAt:             s.now(),
	}
	res.Warnings = s.collectWarnings(ctx, intent, res)
	return res, nil
}

func (s *Service) collectWarnings(ctx context.Context, intent *wtypes.TransactionIntent, res *wtypes.SimulationResult) []wtypes.Warning {
	var warnings []wtypes.Warning

	code, err := s.chain.CodeAt(ctx, intent.To)
	if err != nil {
		log.Debug().Err(err).Msg("recipient code lookup failed, skipping warning")
	} else if len(code) > 0 {
		warnings = append(warnings, wtypes.Warning{
			Severity: wtypes.SeverityWarning,
			Message:  "recipient is a smart contract",
		})
	}

	if intent.Value != nil && intent.Value.Sign() > 0 && res.MaxFeePerGas != nil {
		fee := new(big.Int).Mul(res.MaxFeePerGas, new(big.Int).SetUint64(res.GasLimit))
		// Warn when the worst-case fee exceeds 10% of the amount sent.
		if new(big.Int).Mul(fee, big.NewInt(10)).Cmp(intent.Value) > 0 {
			warnings = append(warnings, wtypes.Warning{
				Severity: wtypes.SeverityWarning,
				Message:  "network fee is high relative to the amount",
			})
		}
	}
	return warnings
}

// Authorize checks that sim was produced from exactly this intent and is
// still fresh. A mismatch is a hard ErrStaleSimulation, never a silent
// re-sign with old gas numbers.
func (s *Service) Authorize(intent *wtypes.TransactionIntent, sim *wtypes.SimulationResult) error {
	if sim == nil {
		return errors.Mark(errors.New("txauth: no simulation for intent"), wtypes.ErrSimulationFailed)
	}
	if sim.IntentHash != intent.Hash() {
		return errors.Mark(errors.New("txauth: intent changed since simulation"), wtypes.ErrStaleSimulation)
	}
	if !sim.FreshFor(s.opts.SimulationMaxAge, s.now()) {
		return errors.Mark(errors.New("txauth: simulation expired"), wtypes.ErrStaleSimulation)
	}
	return nil
}

// SignAndBroadcast authorizes, retrieves the key from the vault under the
// biometric gate, signs, and broadcasts. The key bytes are zeroed the
// moment the signature exists; broadcast runs to a terminal outcome and is
// not cancellable mid-flight.
func (s *Service) SignAndBroadcast(ctx context.Context, intent *wtypes.TransactionIntent, sim *wtypes.SimulationResult, prompt string) (common.Hash, error) {
	if s.vault == nil {
		return common.Hash{}, errors.Mark(errors.New("txauth: no vault configured"), wtypes.ErrSecureStorageUnavailable)
	}
	if err := s.Authorize(intent, sim); err != nil {
		return common.Hash{}, err
	}

	nonce, err := s.chain.PendingNonceAt(ctx, intent.From)
	if err != nil {
		return common.Hash{}, err
	}

	value := intent.Value
	if value == nil {
		value = big.NewInt(0)
	}
	to := intent.To
	tx := gethtypes.NewTx(&gethtypes.DynamicFeeTx{
		ChainID:   new(big.Int).SetUint64(intent.ChainID),
		Nonce:     nonce,
		GasTipCap: sim.MaxPriorityFeePerGas,
		GasFeeCap: sim.MaxFeePerGas,
		Gas:       sim.GasLimit,
		To:        &to,
		Value:     value,
		Data:      intent.Data,
	})

	signer := gethtypes.LatestSignerForChainID(new(big.Int).SetUint64(intent.ChainID))
	digest := signer.Hash(tx).Bytes()

	sig, err := s.signDigestWithVaultKey(ctx, intent.From, digest, prompt)
	if err != nil {
		return common.Hash{}, err
	}

	signedTx, err := tx.WithSignature(signer, sig)
	if err != nil {
		return common.Hash{}, errors.Wrap(err, "txauth: with signature")
	}
	raw, err := signedTx.MarshalBinary()
	if err != nil {
		return common.Hash{}, errors.Wrap(err, "txauth: marshal tx")
	}

	hash, err := s.chain.SendRawTransaction(ctx, raw)
	if err != nil {
		return common.Hash{}, err
	}

	log.Info().Str("tx_hash", hash.Hex()).Str("from", intent.From.Hex()).Msg("transaction broadcast")
	return hash, nil
}

// signDigestWithVaultKey keeps the raw key inside the smallest possible
// scope: retrieved, used once, zeroed.
func (s *Service) signDigestWithVaultKey(ctx context.Context, from common.Address, digest []byte, prompt string) ([]byte, error) {
	priv, err := s.vault.Retrieve(ctx, from, prompt)
	if err != nil {
		return nil, err
	}
	defer zeroBytes(priv)

	key, err := crypto.ToECDSA(priv)
	if err != nil {
		return nil, errors.Wrap(err, "txauth: to ecdsa")
	}
	defer key.D.SetInt64(0)

	sig, err := crypto.Sign(digest, key)
	if err != nil {
		return nil, errors.Wrap(err, "txauth: sign")
	}
	return sig, nil
}

func zeroBytes(b []byte) {
	for i := range b {
		b[i] = 0
	}
}

// Package wtypes holds the shared wallet types: the identity union, the
// transaction intent and its simulation artifacts, and the error kinds the
// rest of the module branches on.
package wtypes

import (
	"encoding/binary"
	"math/big"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"
)

// Kind is the closed wallet-kind union. Decided once at provisioning; all
// kind-specific behavior dispatches through the session, never re-checked
// ad hoc at call sites.
type Kind uint8

const (
	// KindSimple is a plain externally-owned account signed with a key
	// held in the platform vault (or recovered via passkey blob).
	KindSimple Kind = iota

	// KindSmartAccount is a delegated smart-contract account whose admin
	// key is the passkey itself.
	KindSmartAccount
)

func (k Kind) String() string {
	switch k {
	case KindSimple:
		return "simple"
	case KindSmartAccount:
		return "smart_account"
	default:
		return "unknown"
	}
}

// WalletIdentity is the single active identity held by a session.
// Immutable except Tag. In-memory only; durable records live in the seed
// store, the vault, and the passkey blob.
type WalletIdentity struct {
	Address common.Address
	Tag     string
	Kind    Kind

	// PasskeyCredentialID is set for SmartAccount wallets and for Simple
	// wallets that carry a passkey backup.
	PasskeyCredentialID []byte
}

// TransactionIntent is a user-approved payment intent. It is consumed once
// by simulation and once by signing and must not be mutated in between;
// Hash is the canonical fingerprint used to detect exactly that.
type TransactionIntent struct {
	From    common.Address `json:"from"`
	To      common.Address `json:"to"`
	Value   *big.Int       `json:"value"`
	Data    []byte         `json:"data,omitempty"`
	ChainID uint64         `json:"chainId"`
}

// Hash returns the canonical intent fingerprint:
// keccak256(chainID || from || to || value(32) || data).
func (i *TransactionIntent) Hash() common.Hash {
	var chainID [8]byte
	binary.BigEndian.PutUint64(chainID[:], i.ChainID)

	var value [32]byte
	if i.Value != nil {
		i.Value.FillBytes(value[:])
	}

	return crypto.Keccak256Hash(
		chainID[:],
		i.From.Bytes(),
		i.To.Bytes(),
		value[:],
		i.Data,
	)
}

// WarningSeverity grades simulation warnings.
type WarningSeverity string

const (
	SeverityInfo    WarningSeverity = "info"
	SeverityWarning WarningSeverity = "warning"
)

// Warning is a human-readable finding surfaced by simulation.
type Warning struct {
	Severity WarningSeverity `json:"severity"`
	Message  string          `json:"message"`
}

// SimulationResult is derived from exactly one TransactionIntent,
// identified by IntentHash. A missing, failed, or stale result blocks
// signing.
type SimulationResult struct {
	IntentHash common.Hash `json:"intentHash"`

	GasLimit             uint64   `json:"gasLimit"`
	MaxFeePerGas         *big.Int `json:"maxFeePerGas"`
	MaxPriorityFeePerGas *big.Int `json:"maxPriorityFeePerGas"`

	Warnings []Warning `json:"warnings,omitempty"`

	IssuedAt time.Time `json:"issuedAt"`
}

// FreshFor reports whether the result is still within the freshness window.
func (r *SimulationResult) FreshFor(maxAge time.Duration, now time.Time) bool {
	return now.Sub(r.IssuedAt) <= maxAge
}

// PreparedCallContext is the relay-issued context for a smart-account call
// bundle. Single-use, bound to the intent that produced it. Context is
// opaque to us and echoed back verbatim on send.
type PreparedCallContext struct {
	IntentHash common.Hash `json:"intentHash"`
	Digest     common.Hash `json:"digest"`
	Context    []byte      `json:"context"` // raw JSON, relay-owned
	IssuedAt   time.Time   `json:"issuedAt"`
}

// FreshFor reports whether the prepared context is still within the
// freshness window.
func (p *PreparedCallContext) FreshFor(maxAge time.Duration, now time.Time) bool {
	return now.Sub(p.IssuedAt) <= maxAge
}

// BundleStatus is the terminal-or-pending state of a submitted call bundle.
type BundleStatus struct {
	Pending bool
	TxHash  common.Hash
	Failure string
}

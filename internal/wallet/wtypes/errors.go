package wtypes

import "github.com/cockroachdb/errors"

// Error kinds every caller is expected to branch on. Operations return errors
// marked with exactly one of these; use errors.Is to distinguish a dismissed
// prompt from a missing credential from a protocol failure.
var (
	// ErrAuthCancelled means the user dismissed a biometric or passkey
	// prompt. Recoverable; offer retry.
	ErrAuthCancelled = errors.New("authentication cancelled by user")

	// ErrAuthFailed means the platform authenticator itself failed
	// (hardware error, policy invalidated by a biometric re-enrollment).
	ErrAuthFailed = errors.New("authentication failed")

	// ErrNoCredential means the secure store has no entry for the address.
	// Distinct from cancellation; drives the "create new wallet" path.
	ErrNoCredential = errors.New("no credential stored for address")

	// ErrNoBlobFound means the selected passkey carries no backup blob.
	ErrNoBlobFound = errors.New("no backup blob on credential")

	// ErrUnknownCredential means the passkey credential id is not known
	// to this device.
	ErrUnknownCredential = errors.New("unknown passkey credential")

	// ErrMalformedAttestation means the attestation object violated a
	// structural expectation. Fatal to the provisioning attempt; never
	// coerced into zero-filled coordinates.
	ErrMalformedAttestation = errors.New("malformed attestation object")

	// ErrTagConflict means the remote directory already holds the tag.
	ErrTagConflict = errors.New("tag already registered")

	// ErrSimulationFailed blocks signing until a successful re-simulation.
	ErrSimulationFailed = errors.New("transaction simulation failed")

	// ErrStaleSimulation means the intent about to be signed differs from
	// the intent that produced the simulation shown to the user.
	ErrStaleSimulation = errors.New("simulation is stale for this intent")

	// ErrRPC is a network or protocol failure talking to a remote
	// endpoint. Once a transaction has been submitted, ErrRPC never means
	// the transaction failed; status must be polled.
	ErrRPC = errors.New("rpc failure")

	// ErrSecureStorageUnavailable means the platform vault rejected a
	// write. Non-fatal: Simple wallets degrade to passkey-only signing,
	// SmartAccount wallets are unaffected.
	ErrSecureStorageUnavailable = errors.New("secure storage unavailable")

	// ErrSigningInProgress rejects a second authorize-and-send while one
	// is already in flight. Rejected, never queued.
	ErrSigningInProgress = errors.New("signing already in progress")

	// ErrNoWallet means the session holds no active identity.
	ErrNoWallet = errors.New("no active wallet")
)

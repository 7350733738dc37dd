package relay

import (
	"encoding/json"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
)

// Key types and roles accepted by wallet_prepareUpgradeAccount.
const (
	KeyTypeWebAuthnP256 = "webauthnp256"
	RoleAdmin           = "admin"
)

// AuthorizeKey is one entry of the authorization list attached to an
// account upgrade. PublicKey is the uncompressed point 0x04||x||y.
type AuthorizeKey struct {
	Type      string        `json:"type"`
	Role      string        `json:"role"`
	PublicKey hexutil.Bytes `json:"publicKey"`
}

// UpgradeCapabilities scopes what the upgraded account authorizes.
type UpgradeCapabilities struct {
	AuthorizeKeys []AuthorizeKey `json:"authorizeKeys"`
	FeeToken      string         `json:"feeToken,omitempty"`
}

// PrepareUpgradeParams is the wallet_prepareUpgradeAccount request object.
type PrepareUpgradeParams struct {
	Address      common.Address      `json:"address"`
	ChainID      hexutil.Uint64      `json:"chainId"`
	Delegation   common.Address      `json:"delegation"`
	Capabilities UpgradeCapabilities `json:"capabilities"`
}

// UpgradeDigests are the two digests the ephemeral key must sign raw.
type UpgradeDigests struct {
	Auth common.Hash `json:"auth"`
	Exec common.Hash `json:"exec"`
}

// PrepareUpgradeResult carries the digests plus an opaque context echoed
// back verbatim on wallet_upgradeAccount.
type PrepareUpgradeResult struct {
	Context json.RawMessage `json:"context"`
	Digests UpgradeDigests  `json:"digests"`
}

// UpgradeSignatures pairs the raw-digest signatures with their digests.
type UpgradeSignatures struct {
	Auth hexutil.Bytes `json:"auth"`
	Exec hexutil.Bytes `json:"exec"`
}

// UpgradeParams is the wallet_upgradeAccount request object.
type UpgradeParams struct {
	Context    json.RawMessage   `json:"context"`
	Signatures UpgradeSignatures `json:"signatures"`
}

// Call is a single call of a smart-account bundle.
type Call struct {
	To    common.Address `json:"to"`
	Value *hexutil.Big   `json:"value,omitempty"`
	Data  hexutil.Bytes  `json:"data,omitempty"`
}

// CallCapabilities tunes fee payment and routing for a prepared bundle.
type CallCapabilities struct {
	// FeeToken optionally denominates the fee in a stablecoin instead of
	// the native gas token.
	FeeToken       string `json:"feeToken,omitempty"`
	MerchantRPCURL string `json:"merchantRpcUrl,omitempty"`
}

// PrepareCallsParams is the wallet_prepareCalls request object. The
// account field carries the sending smart account's address.
type PrepareCallsParams struct {
	From         common.Address   `json:"account"`
	Calls        []Call           `json:"calls"`
	ChainID      hexutil.Uint64   `json:"chainId"`
	Capabilities CallCapabilities `json:"capabilities"`
}

// PrepareCallsResult carries the digest the admin passkey signs and the
// opaque context for wallet_sendPreparedCalls.
type PrepareCallsResult struct {
	Context json.RawMessage `json:"context"`
	Digest  common.Hash     `json:"digest"`
}

// SendPreparedParams is the wallet_sendPreparedCalls request object.
type SendPreparedParams struct {
	Context   json.RawMessage `json:"context"`
	Signature hexutil.Bytes   `json:"signature"`
}

// SendPreparedResult identifies the submitted bundle.
type SendPreparedResult struct {
	ID string `json:"id"`
}

// Bundle status codes returned by wallet_getCallsStatus.
const (
	StatusPending   = 100
	StatusConfirmed = 200
)

// CallsStatus is the wallet_getCallsStatus response.
type CallsStatus struct {
	Status   int `json:"status"`
	Receipts []struct {
		TransactionHash common.Hash `json:"transactionHash"`
	} `json:"receipts,omitempty"`
}

// Package relay is the JSON-RPC 2.0 client for the account-abstraction
// relay: account upgrades and prepared-call bundles. All failures are
// marked wtypes.ErrRPC; once a bundle has been submitted an RPC error never
// means the bundle failed, and callers poll status instead of inferring.
package relay

import (
	"context"
	"encoding/json"

	"github.com/cockroachdb/errors"
	"github.com/ethereum/go-ethereum/rpc"

	"github.com/avataraad/blirp-core/internal/wallet/wtypes"
)

// Client talks to one relay endpoint.
type Client struct {
	rpc *rpc.Client
}

// Dial connects to the relay over HTTPS.
func Dial(ctx context.Context, url string) (*Client, error) {
	c, err := rpc.DialContext(ctx, url)
	if err != nil {
		return nil, errors.Mark(errors.Wrapf(err, "relay: dial %s", url), wtypes.ErrRPC)
	}
	return &Client{rpc: c}, nil
}

// NewClient wraps an existing RPC client; used by tests.
func NewClient(c *rpc.Client) *Client { return &Client{rpc: c} }

func (c *Client) Close() { c.rpc.Close() }

// GetCapabilities reports per-chain relay capabilities.
func (c *Client) GetCapabilities(ctx context.Context, chainIDs []uint64) (json.RawMessage, error) {
	var out json.RawMessage
	if err := c.rpc.CallContext(ctx, &out, "wallet_getCapabilities", chainIDs); err != nil {
		return nil, errors.Mark(errors.Wrap(err, "relay: wallet_getCapabilities"), wtypes.ErrRPC)
	}
	return out, nil
}

// PrepareUpgradeAccount asks the relay to stage the delegation of a plain
// address to a smart account under the given authorization list.
func (c *Client) PrepareUpgradeAccount(ctx context.Context, p PrepareUpgradeParams) (*PrepareUpgradeResult, error) {
	var out PrepareUpgradeResult
	if err := c.rpc.CallContext(ctx, &out, "wallet_prepareUpgradeAccount", p); err != nil {
		return nil, errors.Mark(errors.Wrap(err, "relay: wallet_prepareUpgradeAccount"), wtypes.ErrRPC)
	}
	if len(out.Context) == 0 {
		return nil, errors.Mark(errors.New("relay: prepareUpgradeAccount returned no context"), wtypes.ErrRPC)
	}
	return &out, nil
}

// UpgradeAccount submits the signed upgrade. A null/empty success response
// is the expected outcome: the smart account now exists at the authorizing
// key's own address, and no distinct address is returned.
func (c *Client) UpgradeAccount(ctx context.Context, p UpgradeParams) error {
	var out json.RawMessage
	if err := c.rpc.CallContext(ctx, &out, "wallet_upgradeAccount", p); err != nil {
		return errors.Mark(errors.Wrap(err, "relay: wallet_upgradeAccount"), wtypes.ErrRPC)
	}
	return nil
}

// PrepareCalls simulates a bundle server-side and returns the digest the
// admin key signs plus the opaque send context.
func (c *Client) PrepareCalls(ctx context.Context, p PrepareCallsParams) (*PrepareCallsResult, error) {
	var out PrepareCallsResult
	if err := c.rpc.CallContext(ctx, &out, "wallet_prepareCalls", p); err != nil {
		return nil, errors.Mark(errors.Wrap(err, "relay: wallet_prepareCalls"), wtypes.ErrRPC)
	}
	if len(out.Context) == 0 {
		return nil, errors.Mark(errors.New("relay: prepareCalls returned no context"), wtypes.ErrRPC)
	}
	return &out, nil
}

// SendPreparedCalls submits a signed bundle and returns its id.
func (c *Client) SendPreparedCalls(ctx context.Context, p SendPreparedParams) (string, error) {
	var out SendPreparedResult
	if err := c.rpc.CallContext(ctx, &out, "wallet_sendPreparedCalls", p); err != nil {
		return "", errors.Mark(errors.Wrap(err, "relay: wallet_sendPreparedCalls"), wtypes.ErrRPC)
	}
	if out.ID == "" {
		return "", errors.Mark(errors.New("relay: sendPreparedCalls returned no bundle id"), wtypes.ErrRPC)
	}
	return out.ID, nil
}

// GetCallsStatus fetches the current status of a submitted bundle.
func (c *Client) GetCallsStatus(ctx context.Context, bundleID string) (*CallsStatus, error) {
	var out CallsStatus
	if err := c.rpc.CallContext(ctx, &out, "wallet_getCallsStatus", bundleID); err != nil {
		return nil, errors.Mark(errors.Wrap(err, "relay: wallet_getCallsStatus"), wtypes.ErrRPC)
	}
	return &out, nil
}

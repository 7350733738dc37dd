// Package ethrpc wraps the chain JSON-RPC endpoint with the few read and
// broadcast calls the custody core needs. Simulation calls are read-only
// and idempotent; broadcast runs to a terminal outcome once started.
package ethrpc

import (
	"context"
	"encoding/hex"
	"math/big"

	"github.com/cockroachdb/errors"
	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/ethclient"
	"github.com/ethereum/go-ethereum/rpc"

	"github.com/avataraad/blirp-core/internal/wallet/wtypes"
)

// Client bundles the typed ethclient with the raw RPC connection it rides
// on.
type Client struct {
	eth *ethclient.Client
	rpc *rpc.Client
}

// Dial connects to the chain RPC endpoint.
func Dial(ctx context.Context, url string) (*Client, error) {
	raw, err := rpc.DialContext(ctx, url)
	if err != nil {
		return nil, errors.Mark(errors.Wrapf(err, "ethrpc: dial %s", url), wtypes.ErrRPC)
	}
	return &Client{eth: ethclient.NewClient(raw), rpc: raw}, nil
}

func (c *Client) Close() { c.rpc.Close() }

// ChainID asks the node for its chain id.
func (c *Client) ChainID(ctx context.Context) (*big.Int, error) {
	id, err := c.eth.ChainID(ctx)
	if err != nil {
		return nil, errors.Mark(errors.Wrap(err, "ethrpc: chain id"), wtypes.ErrRPC)
	}
	return id, nil
}

// EstimateGas estimates the gas limit for msg.
func (c *Client) EstimateGas(ctx context.Context, msg ethereum.CallMsg) (uint64, error) {
	gas, err := c.eth.EstimateGas(ctx, msg)
	if err != nil {
		return 0, errors.Mark(errors.Wrap(err, "ethrpc: estimate gas"), wtypes.ErrRPC)
	}
	return gas, nil
}

// CodeAt reports the deployed code at addr, used to warn when a payment
// targets a contract.
func (c *Client) CodeAt(ctx context.Context, addr common.Address) ([]byte, error) {
	code, err := c.eth.CodeAt(ctx, addr, nil)
	if err != nil {
		return nil, errors.Mark(errors.Wrap(err, "ethrpc: code at"), wtypes.ErrRPC)
	}
	return code, nil
}

// PendingNonceAt returns the account's next nonce including pending txs.
func (c *Client) PendingNonceAt(ctx context.Context, addr common.Address) (uint64, error) {
	nonce, err := c.eth.PendingNonceAt(ctx, addr)
	if err != nil {
		return 0, errors.Mark(errors.Wrap(err, "ethrpc: pending nonce"), wtypes.ErrRPC)
	}
	return nonce, nil
}

// SuggestFees derives an EIP-1559 fee pair: fee history first, tip-cap
// fallback when the node does not serve it.
func (c *Client) SuggestFees(ctx context.Context) (maxFee, maxPrio *big.Int, err error) {
	h, err := c.eth.FeeHistory(ctx, 5, nil, []float64{10})
	if err == nil && len(h.BaseFee) > 0 {
		baseNext := h.BaseFee[len(h.BaseFee)-1]
		prio := big.NewInt(0)
		if len(h.Reward) > 0 && len(h.Reward[len(h.Reward)-1]) > 0 {
			prio = h.Reward[len(h.Reward)-1][0]
		}
		maxFee = new(big.Int).Mul(baseNext, big.NewInt(2))
		maxFee.Add(maxFee, prio)
		return maxFee, prio, nil
	}

	prio, err := c.eth.SuggestGasTipCap(ctx)
	if err != nil {
		return nil, nil, errors.Mark(errors.Wrap(err, "ethrpc: suggest tip cap"), wtypes.ErrRPC)
	}
	price, err := c.eth.SuggestGasPrice(ctx)
	if err != nil {
		return nil, nil, errors.Mark(errors.Wrap(err, "ethrpc: suggest gas price"), wtypes.ErrRPC)
	}
	return price, prio, nil
}

// SendRawTransaction broadcasts a signed, binary-marshaled transaction and
// returns its hash.
func (c *Client) SendRawTransaction(ctx context.Context, rawTx []byte) (common.Hash, error) {
	var hash common.Hash
	err := c.rpc.CallContext(ctx, &hash, "eth_sendRawTransaction", "0x"+hex.EncodeToString(rawTx))
	if err != nil {
		return common.Hash{}, errors.Mark(errors.Wrap(err, "ethrpc: send raw tx"), wtypes.ErrRPC)
	}
	return hash, nil
}

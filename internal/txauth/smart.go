package txauth

import (
	"context"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/ethereum/go-ethereum/common/hexutil"

	"github.com/avataraad/blirp-core/internal/relay"
	"github.com/avataraad/blirp-core/internal/wallet/wtypes"
)

// PrepareIntent asks the relay to quote gas for intent and returns the
// signing context. The relay, not the client, simulates smart-account
// bundles; the returned digest is what the passkey ultimately signs.
func (s *Service) PrepareIntent(ctx context.Context, intent *wtypes.TransactionIntent) (*wtypes.PreparedCallContext, error) {
	if s.relay == nil {
		return nil, errors.Mark(errors.New("txauth: no relay configured"), wtypes.ErrRPC)
	}

	params := relay.PrepareCallsParams{
		From:    intent.From,
		ChainID: hexutil.Uint64(intent.ChainID),
		Calls: []relay.Call{{
			To:    intent.To,
			Value: (*hexutil.Big)(intent.Value),
			Data:  intent.Data,
		}},
	}
	if s.opts.FeeToken != "" {
		params.Capabilities.FeeToken = s.opts.FeeToken
	}

	res, err := s.relay.PrepareCalls(ctx, params)
	if err != nil {
		return nil, err
	}
	return &wtypes.PreparedCallContext{
		IntentHash: intent.Hash(),
		Digest:     res.Digest,
		Context:    res.Context,
		IssuedAt:   s.now(),
	}, nil
}

// SignAndSendPrepared binds a prepared context back to the intent the user
// approved, collects the passkey signature over the relay digest, and
// submits the bundle. The prepared context is single use; a second submit
// of the same context is rejected by the relay.
func (s *Service) SignAndSendPrepared(ctx context.Context, credentialID []byte, intent *wtypes.TransactionIntent, prepared *wtypes.PreparedCallContext) (string, error) {
	if s.relay == nil || s.passkeys == nil {
		return "", errors.Mark(errors.New("txauth: smart account path not configured"), wtypes.ErrRPC)
	}
	if prepared == nil {
		return "", errors.Mark(errors.New("txauth: no prepared context"), wtypes.ErrStaleSimulation)
	}
	if prepared.IntentHash != intent.Hash() {
		return "", errors.Mark(errors.New("txauth: intent changed since preparation"), wtypes.ErrStaleSimulation)
	}
	if !prepared.FreshFor(s.opts.SimulationMaxAge, s.now()) {
		return "", errors.Mark(errors.New("txauth: prepared context expired"), wtypes.ErrStaleSimulation)
	}

	sig, err := s.passkeys.Sign(ctx, credentialID, prepared.Digest.Bytes())
	if err != nil {
		return "", err
	}

	return s.relay.SendPreparedCalls(ctx, relay.SendPreparedParams{
		Context:   prepared.Context,
		Signature: sig,
	})
}

// PollStatus watches a submitted bundle until it reaches a terminal state
// or ctx expires. On expiry the last observed status is returned with a
// nil error; the bundle may still land.
func (s *Service) PollStatus(ctx context.Context, bundleID string) (*wtypes.BundleStatus, error) {
	ticker := time.NewTicker(s.opts.PollInterval)
	defer ticker.Stop()

	last := &wtypes.BundleStatus{Pending: true}
	for {
		cs, err := s.relay.GetCallsStatus(ctx, bundleID)
		if err != nil {
			// Transient poll failures are not terminal for the bundle.
			if ctx.Err() != nil {
				return last, nil
			}
			return nil, err
		}
		last = bundleStatusFrom(cs)
		if !last.Pending {
			return last, nil
		}

		select {
		case <-ctx.Done():
			return last, nil
		case <-ticker.C:
		}
	}
}

func bundleStatusFrom(cs *relay.CallsStatus) *wtypes.BundleStatus {
	out := &wtypes.BundleStatus{}
	switch {
	case cs.Status < relay.StatusConfirmed:
		out.Pending = true
	case cs.Status == relay.StatusConfirmed:
		if len(cs.Receipts) > 0 {
			out.TxHash = cs.Receipts[0].TransactionHash
		}
	default:
		out.Failure = "bundle failed on chain"
	}
	return out
}

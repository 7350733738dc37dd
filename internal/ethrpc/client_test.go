package ethrpc

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"

	"github.com/cockroachdb/errors"
	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/avataraad/blirp-core/internal/wallet/wtypes"
)

// fakeNode answers chain JSON-RPC from a method table.
type fakeNode struct {
	mu      sync.Mutex
	results map[string]json.RawMessage
	fail    map[string]bool
	calls   []string
}

func newFakeNode() *fakeNode {
	return &fakeNode{
		results: map[string]json.RawMessage{},
		fail:    map[string]bool{},
	}
}

func (n *fakeNode) handler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req struct {
			ID     json.RawMessage `json:"id"`
			Method string          `json:"method"`
		}
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}

		n.mu.Lock()
		n.calls = append(n.calls, req.Method)
		result, ok := n.results[req.Method]
		failed := n.fail[req.Method]
		n.mu.Unlock()

		w.Header().Set("Content-Type", "application/json")
		if failed || !ok {
			json.NewEncoder(w).Encode(map[string]any{
				"jsonrpc": "2.0", "id": req.ID,
				"error": map[string]any{"code": -32000, "message": "nope"},
			})
			return
		}
		json.NewEncoder(w).Encode(map[string]any{
			"jsonrpc": "2.0", "id": req.ID, "result": result,
		})
	}
}

func dialFake(t *testing.T, n *fakeNode) *Client {
	t.Helper()
	srv := httptest.NewServer(n.handler())
	t.Cleanup(srv.Close)

	c, err := Dial(context.Background(), srv.URL)
	require.NoError(t, err)
	t.Cleanup(c.Close)
	return c
}

func TestEstimateGasAndNonce(t *testing.T) {
	n := newFakeNode()
	n.results["eth_estimateGas"] = json.RawMessage(`"0x5208"`)
	n.results["eth_getTransactionCount"] = json.RawMessage(`"0x7"`)
	c := dialFake(t, n)

	to := common.HexToAddress("0x02")
	gas, err := c.EstimateGas(context.Background(), ethereum.CallMsg{To: &to})
	require.NoError(t, err)
	assert.Equal(t, uint64(21_000), gas)

	nonce, err := c.PendingNonceAt(context.Background(), to)
	require.NoError(t, err)
	assert.Equal(t, uint64(7), nonce)
}

func TestCodeAt(t *testing.T) {
	n := newFakeNode()
	n.results["eth_getCode"] = json.RawMessage(`"0x6080"`)
	c := dialFake(t, n)

	code, err := c.CodeAt(context.Background(), common.HexToAddress("0x02"))
	require.NoError(t, err)
	assert.Equal(t, []byte{0x60, 0x80}, code)
}

func TestSuggestFeesFromHistory(t *testing.T) {
	n := newFakeNode()
	n.results["eth_feeHistory"] = json.RawMessage(`{
		"oldestBlock": "0x1",
		"baseFeePerGas": ["0x64", "0xc8"],
		"gasUsedRatio": [0.5],
		"reward": [["0xa"]]
	}`)
	c := dialFake(t, n)

	maxFee, prio, err := c.SuggestFees(context.Background())
	require.NoError(t, err)
	// 2 * last base fee (0xc8 = 200) + reward (0xa = 10).
	assert.Equal(t, int64(410), maxFee.Int64())
	assert.Equal(t, int64(10), prio.Int64())
}

func TestSuggestFeesFallback(t *testing.T) {
	n := newFakeNode()
	n.fail["eth_feeHistory"] = true
	n.results["eth_maxPriorityFeePerGas"] = json.RawMessage(`"0x5"`)
	n.results["eth_gasPrice"] = json.RawMessage(`"0x64"`)
	c := dialFake(t, n)

	maxFee, prio, err := c.SuggestFees(context.Background())
	require.NoError(t, err)
	assert.Equal(t, int64(100), maxFee.Int64())
	assert.Equal(t, int64(5), prio.Int64())
}

func TestSendRawTransaction(t *testing.T) {
	hash := common.HexToHash("0xabc123")
	n := newFakeNode()
	n.results["eth_sendRawTransaction"] = json.RawMessage(`"` + hash.Hex() + `"`)
	c := dialFake(t, n)

	got, err := c.SendRawTransaction(context.Background(), []byte{0x02, 0xf8})
	require.NoError(t, err)
	assert.Equal(t, hash, got)
}

func TestErrorsAreMarked(t *testing.T) {
	n := newFakeNode() // empty table: every call errors
	c := dialFake(t, n)

	_, err := c.ChainID(context.Background())
	require.Error(t, err)
	assert.True(t, errors.Is(err, wtypes.ErrRPC))

	_, err = c.SendRawTransaction(context.Background(), []byte{0x01})
	require.Error(t, err)
	assert.True(t, errors.Is(err, wtypes.ErrRPC))
}

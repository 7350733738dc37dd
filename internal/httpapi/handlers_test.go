package httpapi

import (
	"bytes"
	"context"
	"encoding/hex"
	"encoding/json"
	"math/big"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"

	"github.com/cockroachdb/errors"
	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/avataraad/blirp-core/internal/passkey"
	"github.com/avataraad/blirp-core/internal/txauth"
	"github.com/avataraad/blirp-core/internal/wallet/keystore"
	"github.com/avataraad/blirp-core/internal/wallet/seedstore"
	"github.com/avataraad/blirp-core/internal/wallet/session"
	"github.com/avataraad/blirp-core/internal/wallet/wtypes"
)

func init() {
	gin.SetMode(gin.TestMode)
}

type fakeDirectory struct {
	mu   sync.Mutex
	tags map[string]common.Address
}

func (d *fakeDirectory) IsTagAvailable(ctx context.Context, tag string) (bool, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	_, taken := d.tags[tag]
	return !taken, nil
}

func (d *fakeDirectory) RegisterTag(ctx context.Context, tag string, addr common.Address) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if _, taken := d.tags[tag]; taken {
		return errors.Mark(errors.New("taken"), wtypes.ErrTagConflict)
	}
	d.tags[tag] = addr
	return nil
}

func (d *fakeDirectory) ResolveTag(ctx context.Context, tag string) (common.Address, bool, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	addr, ok := d.tags[tag]
	return addr, ok, nil
}

type fakeChain struct {
	sendHash common.Hash
}

func (f *fakeChain) EstimateGas(ctx context.Context, msg ethereum.CallMsg) (uint64, error) {
	return 21_000, nil
}

func (f *fakeChain) CodeAt(ctx context.Context, addr common.Address) ([]byte, error) {
	return nil, nil
}

func (f *fakeChain) PendingNonceAt(ctx context.Context, addr common.Address) (uint64, error) {
	return 0, nil
}

func (f *fakeChain) SuggestFees(ctx context.Context) (*big.Int, *big.Int, error) {
	return big.NewInt(2_000_000_000), big.NewInt(100_000_000), nil
}

func (f *fakeChain) SendRawTransaction(ctx context.Context, rawTx []byte) (common.Hash, error) {
	return f.sendHash, nil
}

func newTestRouter(t *testing.T) (*gin.Engine, *fakeDirectory) {
	t.Helper()
	root := t.TempDir()

	sealer, err := keystore.NewSoftSealer(root)
	require.NoError(t, err)
	vault, err := keystore.NewStore(root, sealer, keystore.TrustedAuthenticator())
	require.NoError(t, err)
	seeds, err := seedstore.NewStore(root)
	require.NoError(t, err)

	dir := &fakeDirectory{tags: map[string]common.Address{}}
	agent := passkey.NewMemoryAgent()
	chain := &fakeChain{sendHash: common.HexToHash("0xfeed")}

	svc, err := txauth.NewService(chain, vault, nil, agent, nil)
	require.NoError(t, err)
	sess, err := session.New(vault, seeds, dir, agent, nil, svc, 8453)
	require.NoError(t, err)

	return NewRouter(NewHandler(sess, nil), "http://localhost:3000"), dir
}

func doJSON(t *testing.T, r *gin.Engine, method, path string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&buf).Encode(body))
	}
	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("Content-Type", "application/json")
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)
	return w
}

func TestHealth(t *testing.T) {
	r, _ := newTestRouter(t)
	w := doJSON(t, r, http.MethodGet, "/api/health", nil)
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "ok", w.Body.String())
}

func TestWalletLifecycle(t *testing.T) {
	r, dir := newTestRouter(t)

	w := doJSON(t, r, http.MethodPost, "/api/wallets/simple", gin.H{"tag": "Alice"})
	require.Equal(t, http.StatusCreated, w.Code, w.Body.String())

	var created createWalletRes
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &created))
	assert.Equal(t, "alice", created.Identity.Tag)
	assert.Equal(t, "simple", created.Identity.Kind)
	assert.True(t, created.VaultStored)
	assert.True(t, created.BackupCreated)
	assert.True(t, created.TagRegistered)
	require.True(t, common.IsHexAddress(created.Identity.Address))
	assert.Contains(t, dir.tags, "alice")

	w = doJSON(t, r, http.MethodGet, "/api/wallet", nil)
	require.Equal(t, http.StatusOK, w.Code)
	var id identityRes
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &id))
	assert.Equal(t, created.Identity.Address, id.Address)

	w = doJSON(t, r, http.MethodGet, "/api/wallet/qr", nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "image/png", w.Header().Get("Content-Type"))
	assert.NotEmpty(t, w.Body.Bytes())

	w = doJSON(t, r, http.MethodPost, "/api/session/logout", nil)
	assert.Equal(t, http.StatusNoContent, w.Code)

	w = doJSON(t, r, http.MethodGet, "/api/wallet", nil)
	assert.Equal(t, http.StatusNotFound, w.Code)

	w = doJSON(t, r, http.MethodPost, "/api/session/unlock", gin.H{"tag": "alice"})
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
}

func TestCreateWalletTagConflict(t *testing.T) {
	r, dir := newTestRouter(t)
	dir.tags["bob"] = common.HexToAddress("0x01")

	w := doJSON(t, r, http.MethodPost, "/api/wallets/simple", gin.H{"tag": "bob"})
	assert.Equal(t, http.StatusConflict, w.Code)
}

func TestCreateWalletBadRequest(t *testing.T) {
	r, _ := newTestRouter(t)
	w := doJSON(t, r, http.MethodPost, "/api/wallets/simple", gin.H{})
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestSimulateAndSend(t *testing.T) {
	r, _ := newTestRouter(t)

	w := doJSON(t, r, http.MethodPost, "/api/wallets/simple", gin.H{"tag": "carol"})
	require.Equal(t, http.StatusCreated, w.Code)

	intent := gin.H{"to": "0x2222222222222222222222222222222222222222", "value": "1000"}
	w = doJSON(t, r, http.MethodPost, "/api/tx/simulate", intent)
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())

	var sim wtypes.SimulationResult
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &sim))
	assert.NotZero(t, sim.GasLimit)

	w = doJSON(t, r, http.MethodPost, "/api/tx/send", gin.H{
		"intent":     intent,
		"simulation": sim,
		"prompt":     "Send",
	})
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())

	var out session.SendResult
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &out))
	assert.Equal(t, common.HexToHash("0xfeed"), out.TxHash)
}

func TestSendStaleSimulation(t *testing.T) {
	r, _ := newTestRouter(t)

	w := doJSON(t, r, http.MethodPost, "/api/wallets/simple", gin.H{"tag": "dave"})
	require.Equal(t, http.StatusCreated, w.Code)

	intent := gin.H{"to": "0x2222222222222222222222222222222222222222", "value": "1000"}
	w = doJSON(t, r, http.MethodPost, "/api/tx/simulate", intent)
	require.Equal(t, http.StatusOK, w.Code)
	var sim wtypes.SimulationResult
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &sim))

	// Value changed after simulation.
	changed := gin.H{"to": "0x2222222222222222222222222222222222222222", "value": "9999"}
	w = doJSON(t, r, http.MethodPost, "/api/tx/send", gin.H{"intent": changed, "simulation": sim})
	assert.Equal(t, http.StatusConflict, w.Code)
}

func TestSendBadIntent(t *testing.T) {
	r, _ := newTestRouter(t)
	w := doJSON(t, r, http.MethodPost, "/api/tx/simulate", gin.H{"to": "not-an-address", "value": "1"})
	assert.Equal(t, http.StatusBadRequest, w.Code)

	w = doJSON(t, r, http.MethodPost, "/api/tx/simulate", gin.H{
		"to": "0x2222222222222222222222222222222222222222", "value": "-5",
	})
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestRecoverWithSuppliedKeyEndpoint(t *testing.T) {
	r, _ := newTestRouter(t)

	key, err := crypto.GenerateKey()
	require.NoError(t, err)
	want := crypto.PubkeyToAddress(key.PublicKey)
	privHex := hex.EncodeToString(crypto.FromECDSA(key))

	w := doJSON(t, r, http.MethodPost, "/api/session/recover", gin.H{
		"tag":           "erin",
		"privateKeyHex": "0x" + privHex,
	})
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())

	var id struct {
		Address string `json:"address"`
		Tag     string `json:"tag"`
		Kind    string `json:"kind"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &id))
	assert.Equal(t, want.Hex(), id.Address)
	assert.Equal(t, "erin", id.Tag)
	assert.Equal(t, "simple", id.Kind)
}

func TestRecoverWithSuppliedKeyEndpointRejectsBadInput(t *testing.T) {
	r, _ := newTestRouter(t)

	// Key without a tag.
	w := doJSON(t, r, http.MethodPost, "/api/session/recover", gin.H{
		"privateKeyHex": "0xabcd",
	})
	assert.Equal(t, http.StatusBadRequest, w.Code)

	// Non-hex key.
	w = doJSON(t, r, http.MethodPost, "/api/session/recover", gin.H{
		"tag": "erin", "privateKeyHex": "zzzz",
	})
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestResolveTagEndpoint(t *testing.T) {
	r, _ := newTestRouter(t)

	w := doJSON(t, r, http.MethodGet, "/api/tags/frank", nil)
	assert.Equal(t, http.StatusNotFound, w.Code)

	w = doJSON(t, r, http.MethodPost, "/api/wallets/simple", gin.H{"tag": "frank"})
	require.Equal(t, http.StatusCreated, w.Code)
	var created struct {
		Identity struct {
			Address string `json:"address"`
		} `json:"identity"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &created))

	w = doJSON(t, r, http.MethodGet, "/api/tags/frank", nil)
	require.Equal(t, http.StatusOK, w.Code)
	var res struct {
		Address string `json:"address"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &res))
	assert.Equal(t, created.Identity.Address, res.Address)
}

package session

import (
	"bytes"
	"context"
	"math/big"
	"os"
	"path/filepath"
	"sync"
	"testing"

	"github.com/cockroachdb/errors"
	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/avataraad/blirp-core/internal/passkey"
	"github.com/avataraad/blirp-core/internal/txauth"
	"github.com/avataraad/blirp-core/internal/wallet/keystore"
	"github.com/avataraad/blirp-core/internal/wallet/seedstore"
	"github.com/avataraad/blirp-core/internal/wallet/upgrade"
	"github.com/avataraad/blirp-core/internal/wallet/wtypes"
)

const testChainID = 8453

type fakeDirectory struct {
	mu   sync.Mutex
	tags map[string]common.Address
}

func newFakeDirectory() *fakeDirectory {
	return &fakeDirectory{tags: map[string]common.Address{}}
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
	sentRaw  []byte
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
	f.sentRaw = append([]byte(nil), rawTx...)
	return f.sendHash, nil
}

// funcAuthorizer satisfies Authorizer from optional function fields.
type funcAuthorizer struct {
	simulate     func(context.Context, *wtypes.TransactionIntent) (*wtypes.SimulationResult, error)
	broadcast    func(context.Context, *wtypes.TransactionIntent, *wtypes.SimulationResult, string) (common.Hash, error)
	prepare      func(context.Context, *wtypes.TransactionIntent) (*wtypes.PreparedCallContext, error)
	sendPrepared func(context.Context, []byte, *wtypes.TransactionIntent, *wtypes.PreparedCallContext) (string, error)
}

func (a *funcAuthorizer) Simulate(ctx context.Context, intent *wtypes.TransactionIntent) (*wtypes.SimulationResult, error) {
	return a.simulate(ctx, intent)
}

func (a *funcAuthorizer) SignAndBroadcast(ctx context.Context, intent *wtypes.TransactionIntent, sim *wtypes.SimulationResult, prompt string) (common.Hash, error) {
	return a.broadcast(ctx, intent, sim, prompt)
}

func (a *funcAuthorizer) PrepareIntent(ctx context.Context, intent *wtypes.TransactionIntent) (*wtypes.PreparedCallContext, error) {
	return a.prepare(ctx, intent)
}

func (a *funcAuthorizer) SignAndSendPrepared(ctx context.Context, credentialID []byte, intent *wtypes.TransactionIntent, prepared *wtypes.PreparedCallContext) (string, error) {
	return a.sendPrepared(ctx, credentialID, intent, prepared)
}

func (a *funcAuthorizer) PollStatus(ctx context.Context, bundleID string) (*wtypes.BundleStatus, error) {
	return &wtypes.BundleStatus{Pending: true}, nil
}

type testRig struct {
	session *Session
	vault   *keystore.Store
	seeds   *seedstore.Store
	dir     *fakeDirectory
	agent   *passkey.MemoryAgent
	chain   *fakeChain
	root    string
}

func newTestRig(t *testing.T) *testRig {
	t.Helper()
	root := t.TempDir()

	sealer, err := keystore.NewSoftSealer(root)
	require.NoError(t, err)
	vault, err := keystore.NewStore(root, sealer, keystore.TrustedAuthenticator())
	require.NoError(t, err)
	seeds, err := seedstore.NewStore(root)
	require.NoError(t, err)

	dir := newFakeDirectory()
	agent := passkey.NewMemoryAgent()
	chain := &fakeChain{sendHash: common.HexToHash("0xfeed")}

	svc, err := txauth.NewService(chain, vault, nil, agent, nil)
	require.NoError(t, err)

	sess, err := New(vault, seeds, dir, agent, nil, svc, testChainID)
	require.NoError(t, err)

	return &testRig{session: sess, vault: vault, seeds: seeds, dir: dir, agent: agent, chain: chain, root: root}
}

func TestCreateSimpleWalletEndToEnd(t *testing.T) {
	rig := newTestRig(t)
	ctx := context.Background()

	res, err := rig.session.CreateSimpleWallet(ctx, "Alice")
	require.NoError(t, err)
	assert.True(t, res.VaultStored)
	assert.True(t, res.BackupCreated)
	assert.True(t, res.TagRegistered)
	assert.Equal(t, wtypes.KindSimple, res.Identity.Kind)
	assert.Equal(t, "alice", res.Identity.Tag)
	assert.NotEmpty(t, res.Identity.PasskeyCredentialID)

	addr := res.Identity.Address
	assert.True(t, rig.seeds.Exists("alice"))
	assert.True(t, rig.vault.Exists(addr))
	got, ok, err := rig.dir.ResolveTag(ctx, "alice")
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, addr, got)

	rig.session.Logout()
	assert.Nil(t, rig.session.Identity())

	id, err := rig.session.Unlock(ctx, "alice")
	require.NoError(t, err)
	assert.Equal(t, addr, id.Address)

	intent := &wtypes.TransactionIntent{
		To:    common.HexToAddress("0x2222222222222222222222222222222222222222"),
		Value: big.NewInt(1_000),
	}
	sim, err := rig.session.Simulate(ctx, intent)
	require.NoError(t, err)

	out, err := rig.session.AuthorizeAndSend(ctx, intent, sim, "Send")
	require.NoError(t, err)
	assert.Equal(t, rig.chain.sendHash, out.TxHash)
	assert.NotEmpty(t, rig.chain.sentRaw)
	assert.Equal(t, addr, intent.From)
	assert.Equal(t, uint64(testChainID), intent.ChainID)
}

func TestCreateSimpleWalletTagTaken(t *testing.T) {
	rig := newTestRig(t)
	ctx := context.Background()
	rig.dir.tags["bob"] = common.HexToAddress("0x01")

	_, err := rig.session.CreateSimpleWallet(ctx, "bob")
	require.Error(t, err)
	assert.True(t, errors.Is(err, wtypes.ErrTagConflict))
	assert.False(t, rig.seeds.Exists("bob"))
	assert.Nil(t, rig.session.Identity())
}

func TestCreateWhileActive(t *testing.T) {
	rig := newTestRig(t)
	ctx := context.Background()

	_, err := rig.session.CreateSimpleWallet(ctx, "carol")
	require.NoError(t, err)

	_, err = rig.session.CreateSimpleWallet(ctx, "carol2")
	require.Error(t, err)
}

func TestRecoverFromBackupYieldsSameAddress(t *testing.T) {
	rig := newTestRig(t)
	ctx := context.Background()

	res, err := rig.session.CreateSimpleWallet(ctx, "dave")
	require.NoError(t, err)

	// New device: fresh stores, same synced passkey.
	root := t.TempDir()
	sealer, err := keystore.NewSoftSealer(root)
	require.NoError(t, err)
	vault, err := keystore.NewStore(root, sealer, keystore.TrustedAuthenticator())
	require.NoError(t, err)
	seeds, err := seedstore.NewStore(root)
	require.NoError(t, err)
	svc, err := txauth.NewService(rig.chain, vault, nil, rig.agent, nil)
	require.NoError(t, err)
	fresh, err := New(vault, seeds, rig.dir, rig.agent, nil, svc, testChainID)
	require.NoError(t, err)

	// Nil credential id exercises the platform picker path.
	id, err := fresh.RecoverFromBackup(ctx, nil)
	require.NoError(t, err)
	assert.Equal(t, res.Identity.Address, id.Address)
	assert.Equal(t, "dave", id.Tag)
	assert.True(t, seeds.Exists("dave"))
	assert.True(t, vault.Exists(id.Address))
}

func TestRecoverWithSuppliedKey(t *testing.T) {
	rig := newTestRig(t)
	ctx := context.Background()

	key, err := crypto.GenerateKey()
	require.NoError(t, err)
	priv := crypto.FromECDSA(key)
	want := crypto.PubkeyToAddress(key.PublicKey)

	id, err := rig.session.RecoverWithKey(ctx, "Erin", priv)
	require.NoError(t, err)
	assert.Equal(t, want, id.Address)
	assert.Equal(t, "erin", id.Tag)
	assert.Equal(t, wtypes.KindSimple, id.Kind)
	assert.Empty(t, id.PasskeyCredentialID)
	assert.True(t, rig.seeds.Exists("erin"))
	assert.True(t, rig.vault.Exists(want))

	// The restored wallet unlocks again from the seed store alone.
	rig.session.Logout()
	again, err := rig.session.Unlock(ctx, "erin")
	require.NoError(t, err)
	assert.Equal(t, want, again.Address)
}

func TestRecoverWithSuppliedKeyRejectsGarbage(t *testing.T) {
	rig := newTestRig(t)
	ctx := context.Background()

	_, err := rig.session.RecoverWithKey(ctx, "erin", []byte("short"))
	assert.Error(t, err)

	// A 32-byte value at or above the curve order is not a usable scalar.
	over := bytes.Repeat([]byte{0xff}, 32)
	_, err = rig.session.RecoverWithKey(ctx, "erin", over)
	assert.Error(t, err)

	assert.False(t, rig.seeds.Exists("erin"))
	assert.Nil(t, rig.session.Identity())
}

func TestResolveTag(t *testing.T) {
	rig := newTestRig(t)
	ctx := context.Background()

	_, found, err := rig.session.ResolveTag(ctx, "frank")
	require.NoError(t, err)
	assert.False(t, found)

	res, err := rig.session.CreateSimpleWallet(ctx, "frank")
	require.NoError(t, err)

	got, found, err := rig.session.ResolveTag(ctx, " Frank ")
	require.NoError(t, err)
	assert.True(t, found)
	assert.Equal(t, res.Identity.Address, got)
}

type failingVault struct{ Vault }

func (f *failingVault) Store(ctx context.Context, addr common.Address, priv32 []byte, policy keystore.Policy) error {
	return errors.Mark(errors.New("enclave offline"), wtypes.ErrSecureStorageUnavailable)
}

func TestVaultFailureIsNonFatal(t *testing.T) {
	rig := newTestRig(t)
	ctx := context.Background()

	sess, err := New(&failingVault{rig.vault}, rig.seeds, rig.dir, rig.agent, nil, &funcAuthorizer{}, testChainID)
	require.NoError(t, err)

	res, err := sess.CreateSimpleWallet(ctx, "erin")
	require.NoError(t, err)
	assert.False(t, res.VaultStored)
	assert.True(t, res.BackupCreated)
	assert.True(t, rig.seeds.Exists("erin"))
}

func TestUnlockUnknownTag(t *testing.T) {
	rig := newTestRig(t)
	_, err := rig.session.Unlock(context.Background(), "nobody")
	require.Error(t, err)
	assert.True(t, errors.Is(err, wtypes.ErrNoWallet))
}

func TestAuthorizeAndSendNoWallet(t *testing.T) {
	rig := newTestRig(t)
	intent := &wtypes.TransactionIntent{To: common.HexToAddress("0x02"), Value: big.NewInt(1)}
	_, err := rig.session.AuthorizeAndSend(context.Background(), intent, nil, "")
	assert.True(t, errors.Is(err, wtypes.ErrNoWallet))
}

func TestAuthorizeAndSendSingleFlight(t *testing.T) {
	rig := newTestRig(t)
	ctx := context.Background()

	release := make(chan struct{})
	started := make(chan struct{})
	var broadcasts int
	auth := &funcAuthorizer{
		broadcast: func(context.Context, *wtypes.TransactionIntent, *wtypes.SimulationResult, string) (common.Hash, error) {
			broadcasts++
			if broadcasts == 1 {
				close(started)
				<-release
			}
			return common.HexToHash("0x0a"), nil
		},
	}
	sess, err := New(rig.vault, rig.seeds, rig.dir, rig.agent, nil, auth, testChainID)
	require.NoError(t, err)
	_, err = sess.CreateSimpleWallet(ctx, "frank")
	require.NoError(t, err)

	intent := &wtypes.TransactionIntent{To: common.HexToAddress("0x02"), Value: big.NewInt(1)}

	errCh := make(chan error, 1)
	go func() {
		_, err := sess.AuthorizeAndSend(ctx, intent, nil, "")
		errCh <- err
	}()
	<-started

	// Second call while the first is mid-flight: rejected, not queued.
	_, err = sess.AuthorizeAndSend(ctx, intent, nil, "")
	assert.True(t, errors.Is(err, wtypes.ErrSigningInProgress))

	close(release)
	require.NoError(t, <-errCh)
	assert.Equal(t, 1, broadcasts)

	// The guard resets once the flow completes.
	_, err = sess.AuthorizeAndSend(ctx, intent, nil, "")
	require.NoError(t, err)
	assert.Equal(t, 2, broadcasts)
}

type fakeProvisioner struct {
	result *upgrade.Result
}

func (p *fakeProvisioner) Provision(ctx context.Context, tag string, chainID uint64) (*upgrade.Result, error) {
	p.result.Identity.Tag = tag
	return p.result, nil
}

func TestSmartWalletDispatch(t *testing.T) {
	rig := newTestRig(t)
	ctx := context.Background()

	credID := []byte("cred-77")
	prov := &fakeProvisioner{result: &upgrade.Result{
		Identity: wtypes.WalletIdentity{
			Address:             common.HexToAddress("0x3333333333333333333333333333333333333333"),
			Kind:                wtypes.KindSmartAccount,
			PasskeyCredentialID: credID,
		},
		Registered: true,
	}}

	var gotCred []byte
	prepared := &wtypes.PreparedCallContext{Digest: common.HexToHash("0x0d")}
	auth := &funcAuthorizer{
		prepare: func(ctx context.Context, intent *wtypes.TransactionIntent) (*wtypes.PreparedCallContext, error) {
			prepared.IntentHash = intent.Hash()
			return prepared, nil
		},
		sendPrepared: func(ctx context.Context, cred []byte, intent *wtypes.TransactionIntent, p *wtypes.PreparedCallContext) (string, error) {
			gotCred = cred
			return "0xbundle42", nil
		},
	}

	sess, err := New(rig.vault, rig.seeds, rig.dir, rig.agent, prov, auth, testChainID)
	require.NoError(t, err)

	res, err := sess.CreateSmartWallet(ctx, "Grace")
	require.NoError(t, err)
	assert.Equal(t, wtypes.KindSmartAccount, res.Identity.Kind)
	assert.Equal(t, "grace", res.Identity.Tag)
	assert.True(t, res.TagRegistered)

	// Smart provisioning writes neither seed records nor vault records.
	entries, err := os.ReadDir(filepath.Join(rig.root, "seeds"))
	if err == nil {
		assert.Empty(t, entries)
	}

	intent := &wtypes.TransactionIntent{To: common.HexToAddress("0x02"), Value: big.NewInt(5)}
	out, err := sess.AuthorizeAndSend(ctx, intent, nil, "")
	require.NoError(t, err)
	assert.Equal(t, "0xbundle42", out.BundleID)
	assert.Empty(t, out.TxHash)
	assert.Equal(t, credID, gotCred)
}

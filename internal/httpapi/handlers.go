package httpapi

import (
	"encoding/base64"
	"encoding/hex"
	"math/big"
	"net/http"
	"strings"

	"github.com/cockroachdb/errors"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/gin-gonic/gin"
	qrcode "github.com/skip2/go-qrcode"

	"github.com/avataraad/blirp-core/internal/wallet/session"
	"github.com/avataraad/blirp-core/internal/wallet/wtypes"
)

type Handler struct {
	session    *session.Session
	ceremonies *CeremonyBroker
}

// NewHandler wires the handler. broker may be nil when the daemon runs
// with the software authenticator (dev mode).
func NewHandler(sess *session.Session, broker *CeremonyBroker) *Handler {
	return &Handler{session: sess, ceremonies: broker}
}

// -------- DTOs for the local UI API --------

type createWalletReq struct {
	Tag string `json:"tag" binding:"required"`
}

type unlockReq struct {
	Tag string `json:"tag" binding:"required"`
}

type recoverReq struct {
	// CredentialID is base64; empty means the platform credential picker.
	CredentialID string `json:"credentialId"`

	// Tag and PrivateKeyHex select supplied-key recovery instead of the
	// passkey blob. No passkey is consulted on that path.
	Tag           string `json:"tag"`
	PrivateKeyHex string `json:"privateKeyHex"`
}

type identityRes struct {
	Address      string `json:"address"`
	Tag          string `json:"tag"`
	Kind         string `json:"kind"`
	CredentialID string `json:"credentialId,omitempty"`
}

func identityFrom(id *wtypes.WalletIdentity) identityRes {
	out := identityRes{
		Address: id.Address.Hex(),
		Tag:     id.Tag,
		Kind:    id.Kind.String(),
	}
	if len(id.PasskeyCredentialID) > 0 {
		out.CredentialID = base64.StdEncoding.EncodeToString(id.PasskeyCredentialID)
	}
	return out
}

type createWalletRes struct {
	Identity      identityRes `json:"identity"`
	VaultStored   bool        `json:"vaultStored"`
	BackupCreated bool        `json:"backupCreated"`
	TagRegistered bool        `json:"tagRegistered"`
}

type intentReq struct {
	To      string `json:"to" binding:"required"`
	Value   string `json:"value" binding:"required"`
	Data    string `json:"data"`
	ChainID uint64 `json:"chainId"`
}

func (r *intentReq) toIntent() (*wtypes.TransactionIntent, error) {
	if !common.IsHexAddress(r.To) {
		return nil, errors.Newf("%q is not an address", r.To)
	}
	value, ok := new(big.Int).SetString(r.Value, 10)
	if !ok || value.Sign() < 0 {
		return nil, errors.Newf("%q is not a non-negative decimal amount", r.Value)
	}
	var data []byte
	if r.Data != "" {
		var err error
		if data, err = hexutil.Decode(r.Data); err != nil {
			return nil, errors.Wrap(err, "data")
		}
	}
	return &wtypes.TransactionIntent{
		To:      common.HexToAddress(r.To),
		Value:   value,
		Data:    data,
		ChainID: r.ChainID,
	}, nil
}

type sendReq struct {
	Intent     intentReq                `json:"intent" binding:"required"`
	Simulation *wtypes.SimulationResult `json:"simulation"`
	Prompt     string                   `json:"prompt"`
}

func (h *Handler) Health(c *gin.Context) {
	c.String(http.StatusOK, "ok")
}

// POST /api/wallets/simple
func (h *Handler) CreateSimpleWallet(c *gin.Context) {
	var req createWalletReq
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	res, err := h.session.CreateSimpleWallet(c.Request.Context(), req.Tag)
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusCreated, createWalletRes{
		Identity:      identityFrom(&res.Identity),
		VaultStored:   res.VaultStored,
		BackupCreated: res.BackupCreated,
		TagRegistered: res.TagRegistered,
	})
}

// POST /api/wallets/smart
func (h *Handler) CreateSmartWallet(c *gin.Context) {
	var req createWalletReq
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	res, err := h.session.CreateSmartWallet(c.Request.Context(), req.Tag)
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusCreated, createWalletRes{
		Identity:      identityFrom(&res.Identity),
		BackupCreated: res.BackupCreated,
		TagRegistered: res.TagRegistered,
	})
}

// POST /api/session/unlock
func (h *Handler) Unlock(c *gin.Context) {
	var req unlockReq
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	id, err := h.session.Unlock(c.Request.Context(), req.Tag)
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, identityFrom(id))
}

// POST /api/session/recover
func (h *Handler) Recover(c *gin.Context) {
	var req recoverReq
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	if req.PrivateKeyHex != "" {
		if req.Tag == "" {
			c.JSON(http.StatusBadRequest, gin.H{"error": "tag is required with privateKeyHex"})
			return
		}
		priv, err := hex.DecodeString(strings.TrimPrefix(req.PrivateKeyHex, "0x"))
		if err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "privateKeyHex is not hex"})
			return
		}
		defer zeroBytes(priv)

		id, err := h.session.RecoverWithKey(c.Request.Context(), req.Tag, priv)
		if err != nil {
			writeError(c, err)
			return
		}
		c.JSON(http.StatusOK, identityFrom(id))
		return
	}

	var credID []byte
	if req.CredentialID != "" {
		var err error
		if credID, err = base64.StdEncoding.DecodeString(req.CredentialID); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "credentialId is not base64"})
			return
		}
	}

	id, err := h.session.RecoverFromBackup(c.Request.Context(), credID)
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, identityFrom(id))
}

// GET /api/tags/:tag
func (h *Handler) ResolveTag(c *gin.Context) {
	addr, found, err := h.session.ResolveTag(c.Request.Context(), c.Param("tag"))
	if err != nil {
		writeError(c, err)
		return
	}
	if !found {
		c.JSON(http.StatusNotFound, gin.H{"error": "tag not registered"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"address": addr.Hex()})
}

// POST /api/session/logout
func (h *Handler) Logout(c *gin.Context) {
	h.session.Logout()
	c.Status(http.StatusNoContent)
}

// GET /api/wallet
func (h *Handler) Wallet(c *gin.Context) {
	id := h.session.Identity()
	if id == nil {
		c.JSON(http.StatusNotFound, gin.H{"error": "no active wallet"})
		return
	}
	c.JSON(http.StatusOK, identityFrom(id))
}

// GET /api/wallet/qr
func (h *Handler) WalletQR(c *gin.Context) {
	id := h.session.Identity()
	if id == nil {
		c.JSON(http.StatusNotFound, gin.H{"error": "no active wallet"})
		return
	}

	// EIP-681 payment-request URI.
	png, err := qrcode.Encode("ethereum:"+id.Address.Hex(), qrcode.Medium, 256)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.Data(http.StatusOK, "image/png", png)
}

// POST /api/tx/simulate
func (h *Handler) Simulate(c *gin.Context) {
	var req intentReq
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	intent, err := req.toIntent()
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	sim, err := h.session.Simulate(c.Request.Context(), intent)
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, sim)
}

// POST /api/tx/send
func (h *Handler) Send(c *gin.Context) {
	var req sendReq
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	intent, err := req.Intent.toIntent()
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	out, err := h.session.AuthorizeAndSend(c.Request.Context(), intent, req.Simulation, req.Prompt)
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, out)
}

// GET /api/tx/status/:bundle
func (h *Handler) BundleStatus(c *gin.Context) {
	status, err := h.session.BundleStatus(c.Request.Context(), c.Param("bundle"))
	if err != nil {
		writeError(c, err)
		return
	}

	res := gin.H{"pending": status.Pending}
	if status.TxHash != (common.Hash{}) {
		res["txHash"] = status.TxHash.Hex()
	}
	if status.Failure != "" {
		res["failure"] = status.Failure
	}
	c.JSON(http.StatusOK, res)
}

func zeroBytes(b []byte) {
	for i := range b {
		b[i] = 0
	}
}

// writeError maps error kinds onto HTTP statuses.
func writeError(c *gin.Context, err error) {
	status := http.StatusInternalServerError
	switch {
	case errors.Is(err, wtypes.ErrTagConflict),
		errors.Is(err, wtypes.ErrSigningInProgress),
		errors.Is(err, wtypes.ErrStaleSimulation),
		errors.Is(err, wtypes.ErrAuthCancelled):
		status = http.StatusConflict
	case errors.Is(err, wtypes.ErrNoWallet),
		errors.Is(err, wtypes.ErrNoCredential),
		errors.Is(err, wtypes.ErrNoBlobFound),
		errors.Is(err, wtypes.ErrUnknownCredential):
		status = http.StatusNotFound
	case errors.Is(err, wtypes.ErrSimulationFailed),
		errors.Is(err, wtypes.ErrMalformedAttestation):
		status = http.StatusUnprocessableEntity
	case errors.Is(err, wtypes.ErrAuthFailed):
		status = http.StatusForbidden
	case errors.Is(err, wtypes.ErrRPC):
		status = http.StatusBadGateway
	case errors.Is(err, wtypes.ErrSecureStorageUnavailable):
		status = http.StatusServiceUnavailable
	}
	c.JSON(status, gin.H{"error": err.Error()})
}

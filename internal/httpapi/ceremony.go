package httpapi

import (
	"context"
	"encoding/base64"
	"net/http"
	"sync"

	"github.com/cockroachdb/errors"
	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/rs/zerolog/log"

	"github.com/avataraad/blirp-core/internal/passkey"
	"github.com/avataraad/blirp-core/internal/wallet/wtypes"
)

// Ceremony kinds the UI must handle.
const (
	CeremonyCreate    = "create"
	CeremonySign      = "sign"
	CeremonyWriteBlob = "write_blob"
	CeremonyReadBlob  = "read_blob"
)

// Ceremony is one pending WebAuthn prompt. The UI picks it up via
// GET /api/passkey/pending, runs the platform ceremony, and posts the
// outcome to POST /api/passkey/complete/:id. All byte fields are base64.
type Ceremony struct {
	ID           string `json:"id"`
	Kind         string `json:"kind"`
	RelyingParty string `json:"relyingParty"`
	UserLabel    string `json:"userLabel,omitempty"`
	CredentialID string `json:"credentialId,omitempty"`
	Challenge    string `json:"challenge,omitempty"`
	Blob         string `json:"blob,omitempty"`
}

type ceremonyResult struct {
	Cancelled         bool   `json:"cancelled"`
	Error             string `json:"error"`
	CredentialID      string `json:"credentialId"`
	AttestationObject string `json:"attestationObject"`
	Signature         string `json:"signature"`
	Blob              string `json:"blob"`
}

type pendingCeremony struct {
	ceremony Ceremony
	done     chan ceremonyResult
}

// CeremonyBroker implements passkey.Agent by parking each call until the
// platform UI completes the corresponding ceremony. One UI, one user: the
// pending queue is tiny and ordered.
type CeremonyBroker struct {
	mu      sync.Mutex
	pending map[string]*pendingCeremony
	order   []string
}

func NewCeremonyBroker() *CeremonyBroker {
	return &CeremonyBroker{pending: map[string]*pendingCeremony{}}
}

var _ passkey.Agent = (*CeremonyBroker)(nil)

func (b *CeremonyBroker) run(ctx context.Context, c Ceremony) (ceremonyResult, error) {
	c.ID = uuid.NewString()
	c.RelyingParty = passkey.RelyingPartyID
	p := &pendingCeremony{ceremony: c, done: make(chan ceremonyResult, 1)}

	b.mu.Lock()
	b.pending[c.ID] = p
	b.order = append(b.order, c.ID)
	b.mu.Unlock()
	defer b.remove(c.ID)

	log.Debug().Str("ceremony", c.ID).Str("kind", c.Kind).Msg("passkey ceremony pending")

	select {
	case <-ctx.Done():
		return ceremonyResult{}, errors.Mark(errors.New("passkey ceremony abandoned"), wtypes.ErrAuthCancelled)
	case res := <-p.done:
		if res.Cancelled {
			return ceremonyResult{}, errors.Mark(errors.New("passkey ceremony cancelled by user"), wtypes.ErrAuthCancelled)
		}
		if res.Error == "unknown_credential" {
			return ceremonyResult{}, errors.Mark(errors.New("credential unknown to the platform"), wtypes.ErrUnknownCredential)
		}
		if res.Error != "" {
			return ceremonyResult{}, errors.Mark(errors.Newf("passkey ceremony failed: %s", res.Error), wtypes.ErrAuthFailed)
		}
		return res, nil
	}
}

func (b *CeremonyBroker) remove(id string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	delete(b.pending, id)
	for i, v := range b.order {
		if v == id {
			b.order = append(b.order[:i], b.order[i+1:]...)
			break
		}
	}
}

// next returns the oldest pending ceremony.
func (b *CeremonyBroker) next() (Ceremony, bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	for _, id := range b.order {
		if p, ok := b.pending[id]; ok {
			return p.ceremony, true
		}
	}
	return Ceremony{}, false
}

// complete delivers the UI's outcome for ceremony id.
func (b *CeremonyBroker) complete(id string, res ceremonyResult) bool {
	b.mu.Lock()
	p, ok := b.pending[id]
	delete(b.pending, id)
	b.mu.Unlock()
	if !ok {
		return false
	}
	p.done <- res
	return true
}

func (b *CeremonyBroker) CreateCredential(ctx context.Context, userLabel string) (*passkey.CreateResult, error) {
	challenge := uuid.New() // fresh 16-byte random challenge
	res, err := b.run(ctx, Ceremony{
		Kind:      CeremonyCreate,
		UserLabel: userLabel,
		Challenge: base64.StdEncoding.EncodeToString(challenge[:]),
	})
	if err != nil {
		return nil, err
	}

	credID, err := base64.StdEncoding.DecodeString(res.CredentialID)
	if err != nil || len(credID) == 0 {
		return nil, errors.Mark(errors.New("ceremony returned no credential id"), wtypes.ErrMalformedAttestation)
	}
	att, err := base64.StdEncoding.DecodeString(res.AttestationObject)
	if err != nil || len(att) == 0 {
		return nil, errors.Mark(errors.New("ceremony returned no attestation object"), wtypes.ErrMalformedAttestation)
	}
	return &passkey.CreateResult{CredentialID: credID, AttestationObject: att}, nil
}

func (b *CeremonyBroker) Sign(ctx context.Context, credentialID, challenge []byte) ([]byte, error) {
	res, err := b.run(ctx, Ceremony{
		Kind:         CeremonySign,
		CredentialID: base64.StdEncoding.EncodeToString(credentialID),
		Challenge:    base64.StdEncoding.EncodeToString(challenge),
	})
	if err != nil {
		return nil, err
	}

	sig, err := base64.StdEncoding.DecodeString(res.Signature)
	if err != nil || len(sig) == 0 {
		return nil, errors.Mark(errors.New("ceremony returned no signature"), wtypes.ErrAuthFailed)
	}
	return sig, nil
}

func (b *CeremonyBroker) WriteBlob(ctx context.Context, credentialID, blob []byte) error {
	_, err := b.run(ctx, Ceremony{
		Kind:         CeremonyWriteBlob,
		CredentialID: base64.StdEncoding.EncodeToString(credentialID),
		Blob:         base64.StdEncoding.EncodeToString(blob),
	})
	return err
}

func (b *CeremonyBroker) ReadBlob(ctx context.Context, credentialID []byte) ([]byte, error) {
	c := Ceremony{Kind: CeremonyReadBlob}
	if len(credentialID) > 0 {
		c.CredentialID = base64.StdEncoding.EncodeToString(credentialID)
	}
	res, err := b.run(ctx, c)
	if err != nil {
		return nil, err
	}

	blob, err := base64.StdEncoding.DecodeString(res.Blob)
	if err != nil || len(blob) == 0 {
		return nil, errors.Mark(errors.New("selected credential carries no backup"), wtypes.ErrNoBlobFound)
	}
	return blob, nil
}

// GET /api/passkey/pending
func (h *Handler) PendingCeremony(c *gin.Context) {
	ceremony, ok := h.ceremonies.next()
	if !ok {
		c.Status(http.StatusNoContent)
		return
	}
	c.JSON(http.StatusOK, ceremony)
}

// POST /api/passkey/complete/:id
func (h *Handler) CompleteCeremony(c *gin.Context) {
	var res ceremonyResult
	if err := c.ShouldBindJSON(&res); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	if !h.ceremonies.complete(c.Param("id"), res) {
		c.JSON(http.StatusNotFound, gin.H{"error": "no such ceremony"})
		return
	}
	c.Status(http.StatusAccepted)
}

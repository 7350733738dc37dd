// Package directory is the client for the remote tag directory, the
// human-readable name registry mapping tags to wallet addresses. Tag
// uniqueness is always checked here before any key material is generated.
package directory

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/ethereum/go-ethereum/common"

	"github.com/avataraad/blirp-core/internal/wallet/wtypes"
)

// Client talks to one directory endpoint.
type Client struct {
	httpClient *http.Client
	baseURL    string
}

// NewClient builds a directory client for baseURL.
func NewClient(baseURL string) (*Client, error) {
	baseURL = strings.TrimRight(baseURL, "/")
	if baseURL == "" {
		return nil, errors.New("directory: base url is required")
	}
	return &Client{
		httpClient: &http.Client{Timeout: 10 * time.Second},
		baseURL:    baseURL,
	}, nil
}

func (c *Client) tagURL(tag string, suffix string) string {
	return c.baseURL + "/v1/tags/" + url.PathEscape(strings.ToLower(tag)) + suffix
}

// IsTagAvailable reports whether tag is unclaimed. The check-then-register
// sequence is not protected by a distributed lock; a race between two
// devices surfaces as a late registration conflict, not here.
func (c *Client) IsTagAvailable(ctx context.Context, tag string) (bool, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.tagURL(tag, "/availability"), nil)
	if err != nil {
		return false, errors.Mark(err, wtypes.ErrRPC)
	}
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return false, errors.Mark(errors.Wrap(err, "directory: availability"), wtypes.ErrRPC)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return false, errors.Mark(errors.Newf("directory: availability status %d", resp.StatusCode), wtypes.ErrRPC)
	}

	var body struct {
		Available bool `json:"available"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		return false, errors.Mark(errors.Wrap(err, "directory: availability decode"), wtypes.ErrRPC)
	}
	return body.Available, nil
}

// RegisterTag claims tag for addr. A conflict (already claimed) is marked
// ErrTagConflict so provisioning can distinguish it from transport failure.
func (c *Client) RegisterTag(ctx context.Context, tag string, addr common.Address) error {
	payload, err := json.Marshal(struct {
		Tag     string `json:"tag"`
		Address string `json:"address"`
	}{Tag: strings.ToLower(tag), Address: addr.Hex()})
	if err != nil {
		return err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/v1/tags", bytes.NewReader(payload))
	if err != nil {
		return errors.Mark(err, wtypes.ErrRPC)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return errors.Mark(errors.Wrap(err, "directory: register"), wtypes.ErrRPC)
	}
	defer resp.Body.Close()

	switch resp.StatusCode {
	case http.StatusOK, http.StatusCreated:
		return nil
	case http.StatusConflict:
		return errors.Mark(fmt.Errorf("directory: tag %q taken", tag), wtypes.ErrTagConflict)
	default:
		snippet, _ := io.ReadAll(io.LimitReader(resp.Body, 256))
		return errors.Mark(errors.Newf("directory: register status %d: %s", resp.StatusCode, snippet), wtypes.ErrRPC)
	}
}

// ResolveTag looks up the address registered for tag. The second return is
// false when the tag is unregistered.
func (c *Client) ResolveTag(ctx context.Context, tag string) (common.Address, bool, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.tagURL(tag, ""), nil)
	if err != nil {
		return common.Address{}, false, errors.Mark(err, wtypes.ErrRPC)
	}
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return common.Address{}, false, errors.Mark(errors.Wrap(err, "directory: resolve"), wtypes.ErrRPC)
	}
	defer resp.Body.Close()

	switch resp.StatusCode {
	case http.StatusNotFound:
		return common.Address{}, false, nil
	case http.StatusOK:
	default:
		return common.Address{}, false, errors.Mark(errors.Newf("directory: resolve status %d", resp.StatusCode), wtypes.ErrRPC)
	}

	var body struct {
		Address string `json:"address"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		return common.Address{}, false, errors.Mark(errors.Wrap(err, "directory: resolve decode"), wtypes.ErrRPC)
	}
	if !common.IsHexAddress(body.Address) {
		return common.Address{}, false, errors.Mark(errors.Newf("directory: invalid address %q", body.Address), wtypes.ErrRPC)
	}
	return common.HexToAddress(body.Address), true, nil
}

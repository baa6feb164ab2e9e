// Package anchor resolves external identifiers to canonical house ids through
// the anchor registry.
package anchor

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	apperrors "github.com/elizatown/town/internal/platform/errors"
	"github.com/elizatown/town/internal/platform/timeouts"
)

const maxExternalIDLen = 256

// Registry maps an external identifier to a house id.
type Registry interface {
	Resolve(ctx context.Context, externalID string) (string, error)
}

type resolveResponse struct {
	HouseID string `json:"houseId"`
}

// HTTPRegistry calls GET {baseURL}/resolve?erc8004Id=... on a remote registry.
type HTTPRegistry struct {
	baseURL string
	client  *http.Client
	timeout time.Duration
}

// NewHTTPRegistry builds a client for the registry at baseURL.
func NewHTTPRegistry(baseURL string, client *http.Client) *HTTPRegistry {
	if client == nil {
		client = http.DefaultClient
	}
	return &HTTPRegistry{
		baseURL: strings.TrimRight(strings.TrimSpace(baseURL), "/"),
		client:  client,
		timeout: timeouts.AnchorResolve,
	}
}

// Resolve implements Registry. Unknown ids fail with ANCHOR_NOT_FOUND; every
// transport or registry failure is ANCHOR_REGISTRY_UNAVAILABLE.
func (h *HTTPRegistry) Resolve(ctx context.Context, externalID string) (string, error) {
	externalID = strings.TrimSpace(externalID)
	if err := validateExternalID(externalID); err != nil {
		return "", err
	}
	if h == nil || h.baseURL == "" {
		return "", unavailable(fmt.Errorf("anchor registry is not configured"))
	}
	ctx, cancel := context.WithTimeout(ctx, h.timeout)
	defer cancel()

	endpoint := h.baseURL + "/resolve?" + url.Values{"erc8004Id": {externalID}}.Encode()
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return "", unavailable(fmt.Errorf("build resolve request: %w", err))
	}
	req.Header.Set("Accept", "application/json")

	resp, err := h.client.Do(req)
	if err != nil {
		return "", unavailable(fmt.Errorf("resolve request: %w", err))
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode == http.StatusNotFound:
		return "", notFound(externalID)
	case resp.StatusCode != http.StatusOK:
		return "", unavailable(fmt.Errorf("resolve returned %s", resp.Status))
	}

	var result resolveResponse
	if err := json.NewDecoder(io.LimitReader(resp.Body, 64<<10)).Decode(&result); err != nil {
		return "", unavailable(fmt.Errorf("decode resolve response: %w", err))
	}
	houseID := strings.TrimSpace(result.HouseID)
	if houseID == "" {
		return "", notFound(externalID)
	}
	return houseID, nil
}

// Unconfigured is the registry used when no registry URL is set.
type Unconfigured struct{}

// Resolve implements Registry.
func (Unconfigured) Resolve(_ context.Context, externalID string) (string, error) {
	if err := validateExternalID(strings.TrimSpace(externalID)); err != nil {
		return "", err
	}
	return "", unavailable(fmt.Errorf("anchor registry is not configured"))
}

func validateExternalID(externalID string) error {
	if externalID == "" {
		return apperrors.New(apperrors.CodeDestinationRequired, "erc8004Id is required")
	}
	if len(externalID) > maxExternalIDLen {
		return apperrors.New(apperrors.CodeInvalidRequest, "erc8004Id is too long")
	}
	return nil
}

func notFound(externalID string) error {
	return apperrors.WithMetadata(apperrors.CodeAnchorNotFound, "no house anchored to identifier", map[string]any{
		"erc8004Id": externalID,
	})
}

func unavailable(cause error) error {
	return apperrors.Wrap(apperrors.CodeAnchorUnavailable, "anchor registry unavailable", cause)
}

// Package crm provides the HTTP adapters for the external CRM: the direct
// API client and the access-token provider.
package crm

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/givehub/crm-relay/internal/domain"
)

// Client calls the CRM over HTTP and satisfies domain.CRMClient.
type Client struct {
	baseURL    string
	httpClient *http.Client
}

// New constructs a Client. A non-positive timeout falls back to 30s.
func New(baseURL string, timeout time.Duration) *Client {
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	return &Client{
		baseURL:    strings.TrimRight(baseURL, "/"),
		httpClient: &http.Client{Timeout: timeout},
	}
}

// DirectAPI posts payload to url and returns the raw response as an
// envelope. Relative urls are resolved against the base URL. Any non-2xx
// status sets ErrorFlag; transport failures return an error instead.
func (c *Client) DirectAPI(ctx context.Context, url string, payload json.RawMessage, headers map[string]string, isJSON bool) (domain.CRMEnvelope, error) {
	if !strings.HasPrefix(url, "http://") && !strings.HasPrefix(url, "https://") {
		url = c.baseURL + "/" + strings.TrimLeft(url, "/")
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(payload))
	if err != nil {
		return domain.CRMEnvelope{}, fmt.Errorf("op=crm.DirectAPI: %w", err)
	}
	if isJSON {
		req.Header.Set("Content-Type", "application/json")
	} else {
		req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	}
	for k, v := range headers {
		req.Header.Set(k, v)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return domain.CRMEnvelope{}, fmt.Errorf("op=crm.DirectAPI: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()

	body, err := io.ReadAll(io.LimitReader(resp.Body, 4<<20))
	if err != nil {
		return domain.CRMEnvelope{}, fmt.Errorf("op=crm.DirectAPI: read body: %w", err)
	}

	env := domain.CRMEnvelope{
		HTTPCode:  resp.StatusCode,
		Data:      body,
		ErrorFlag: resp.StatusCode < 200 || resp.StatusCode >= 300,
		Headers:   make(map[string]string, len(resp.Header)),
	}
	for k := range resp.Header {
		env.Headers[k] = resp.Header.Get(k)
	}
	return env, nil
}

// TokenClient fetches CRM access tokens and satisfies domain.TokenProvider.
type TokenClient struct {
	baseURL    string
	clientID   string
	httpClient *http.Client
}

// NewTokenClient constructs a TokenClient against the CRM auth endpoint.
func NewTokenClient(baseURL, clientID string, timeout time.Duration) *TokenClient {
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	return &TokenClient{
		baseURL:    strings.TrimRight(baseURL, "/"),
		clientID:   clientID,
		httpClient: &http.Client{Timeout: timeout},
	}
}

// GetToken exchanges the client id for an access token. Transport failures
// return an error so the caller's retry loop can run again; an unsuccessful
// grant comes back as Success=false with the CRM's message.
func (t *TokenClient) GetToken(ctx context.Context) (domain.TokenResult, error) {
	body, _ := json.Marshal(map[string]string{"client_id": t.clientID})
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, t.baseURL+"/auth/token", bytes.NewReader(body))
	if err != nil {
		return domain.TokenResult{}, fmt.Errorf("op=crm.GetToken: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := t.httpClient.Do(req)
	if err != nil {
		return domain.TokenResult{}, fmt.Errorf("op=crm.GetToken: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode >= 500 {
		// Server-side trouble is worth another try.
		return domain.TokenResult{}, fmt.Errorf("op=crm.GetToken: status %d", resp.StatusCode)
	}

	var res domain.TokenResult
	if err := json.NewDecoder(resp.Body).Decode(&res); err != nil {
		return domain.TokenResult{}, fmt.Errorf("op=crm.GetToken: decode: %w", err)
	}
	if resp.StatusCode != http.StatusOK && res.Error == "" {
		res.Error = fmt.Sprintf("token endpoint status %d", resp.StatusCode)
	}
	return res, nil
}

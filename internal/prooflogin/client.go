package prooflogin

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"time"
)

// Client is the HTTP implementation of Verifier against the verifier's REST
// surface.
type Client struct {
	base string
	http *http.Client
}

var _ Verifier = (*Client)(nil)

// ClientOption configures Client.
type ClientOption func(*Client)

// WithHTTPClient overrides the underlying HTTP client.
func WithHTTPClient(c *http.Client) ClientOption {
	return func(cl *Client) {
		if c != nil {
			cl.http = c
		}
	}
}

// NewClient creates a verifier client for the given base URL.
func NewClient(baseURL string, opts ...ClientOption) (*Client, error) {
	baseURL = strings.TrimRight(strings.TrimSpace(baseURL), "/")
	if baseURL == "" {
		return nil, fmt.Errorf("%w: verifier url is not configured", ErrUpstream)
	}
	c := &Client{
		base: baseURL,
		http: &http.Client{Timeout: 15 * time.Second},
	}
	for _, opt := range opts {
		opt(c)
	}
	return c, nil
}

func (c *Client) StartPresentation(ctx context.Context, identityNumber string) (string, error) {
	var out struct {
		ExchangeID string `json:"exchange_id"`
	}
	err := c.do(ctx, http.MethodPost, "/exchanges", map[string]string{
		"identity_number": identityNumber,
	}, &out)
	if err != nil {
		return "", err
	}
	if strings.TrimSpace(out.ExchangeID) == "" {
		return "", fmt.Errorf("%w: verifier returned no exchange id", ErrUpstream)
	}
	return out.ExchangeID, nil
}

func (c *Client) ExchangeStatus(ctx context.Context, exchangeID string) (Exchange, error) {
	var out struct {
		ExchangeID string `json:"exchange_id"`
		State      string `json:"state"`
		Verified   bool   `json:"verified"`
	}
	if err := c.do(ctx, http.MethodGet, "/exchanges/"+url.PathEscape(exchangeID), nil, &out); err != nil {
		return Exchange{}, err
	}
	return Exchange{
		ID:       out.ExchangeID,
		Done:     out.State == "done",
		Verified: out.Verified,
	}, nil
}

func (c *Client) VerifiedAttributes(ctx context.Context, exchangeID string) (Attributes, error) {
	var out struct {
		IdentityType   string `json:"identity_type"`
		IdentityNumber string `json:"identity_number"`
		DisplayName    string `json:"display_name"`
	}
	if err := c.do(ctx, http.MethodGet, "/exchanges/"+url.PathEscape(exchangeID)+"/attributes", nil, &out); err != nil {
		return Attributes{}, err
	}
	return Attributes{
		IdentityType:   out.IdentityType,
		IdentityNumber: out.IdentityNumber,
		DisplayName:    out.DisplayName,
	}, nil
}

func (c *Client) do(ctx context.Context, method, path string, in, out any) error {
	var body *bytes.Reader
	if in != nil {
		raw, err := json.Marshal(in)
		if err != nil {
			return fmt.Errorf("%w: %v", ErrUpstream, err)
		}
		body = bytes.NewReader(raw)
	} else {
		body = bytes.NewReader(nil)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.base+path, body)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrUpstream, err)
	}
	if in != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	req.Header.Set("Accept", "application/json")

	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrUpstream, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return fmt.Errorf("%w: verifier returned status %d", ErrUpstream, resp.StatusCode)
	}
	if out == nil {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("%w: malformed verifier response: %v", ErrUpstream, err)
	}
	return nil
}

// Package client talks to the marginalia HTTP API. Client satisfies
// comments.Backend so a remote view can load and report threads.
package client

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

	"github.com/cenkalti/backoff"

	"marginalia/internal/comments"
)

// APIError is a non-2xx answer from the API.
type APIError struct {
	Status  int
	Code    string `json:"code"`
	Message string `json:"error"`
}

func (e *APIError) Error() string {
	return fmt.Sprintf("api %d %s: %s", e.Status, e.Code, e.Message)
}

type Token struct {
	Token      string    `json:"token"`
	DocumentID string    `json:"documentId"`
	Agent      string    `json:"agent"`
	ExpiresAt  time.Time `json:"expiresAt"`
}

type Client struct {
	baseURL string
	http    *http.Client
	token   string
	retries uint64
}

// New returns a client for baseURL. httpClient may be nil.
func New(baseURL string, httpClient *http.Client) *Client {
	if httpClient == nil {
		httpClient = &http.Client{Timeout: 15 * time.Second}
	}
	return &Client{baseURL: strings.TrimRight(baseURL, "/"), http: httpClient, retries: 3}
}

// WithToken returns a copy that authenticates with token.
func (c *Client) WithToken(token string) *Client {
	cp := *c
	cp.token = token
	return &cp
}

// IssueToken asks for a collaboration token on documentID. The client's
// token must be the server's issuer key.
func (c *Client) IssueToken(ctx context.Context, documentID, name string) (Token, error) {
	var out Token
	err := c.do(ctx, http.MethodPost, documentPath(documentID, "collaboration-token"), map[string]string{"name": name}, &out, true)
	return out, err
}

func (c *Client) ListThreads(ctx context.Context, documentID string) ([]comments.Thread, error) {
	var out struct {
		Threads []comments.Thread `json:"threads"`
	}
	if err := c.do(ctx, http.MethodGet, documentPath(documentID, "threads"), nil, &out, true); err != nil {
		return nil, err
	}
	return out.Threads, nil
}

func (c *Client) CreateThread(ctx context.Context, documentID, body, quotedText string, selection *comments.Selection) (comments.Thread, error) {
	input := map[string]any{"body": body, "quotedText": quotedText, "selection": selection}
	var out struct {
		Thread comments.Thread `json:"thread"`
	}
	err := c.do(ctx, http.MethodPost, documentPath(documentID, "threads"), input, &out, false)
	return out.Thread, err
}

func (c *Client) MarkThreadOutdated(ctx context.Context, documentID, threadID string) (comments.Thread, error) {
	var out struct {
		Thread comments.Thread `json:"thread"`
	}
	err := c.do(ctx, http.MethodPost, documentPath(documentID, "threads", threadID, "outdated"), nil, &out, true)
	return out.Thread, err
}

// WebsocketURL returns the relay endpoint of documentID.
func (c *Client) WebsocketURL(documentID string) string {
	base := c.baseURL
	switch {
	case strings.HasPrefix(base, "https://"):
		base = "wss://" + strings.TrimPrefix(base, "https://")
	case strings.HasPrefix(base, "http://"):
		base = "ws://" + strings.TrimPrefix(base, "http://")
	}
	return base + "/ws/" + url.PathEscape(documentID)
}

func documentPath(documentID string, parts ...string) string {
	escaped := make([]string, 0, len(parts))
	for _, part := range parts {
		escaped = append(escaped, url.PathEscape(part))
	}
	return "/api/documents/" + url.PathEscape(documentID) + "/" + strings.Join(escaped, "/")
}

// do sends one request. When retry is set, transport failures and 5xx
// answers are retried; only pass it for requests safe to repeat.
func (c *Client) do(ctx context.Context, method, path string, in, out any, retry bool) error {
	var payload []byte
	if in != nil {
		encoded, err := json.Marshal(in)
		if err != nil {
			return fmt.Errorf("encode request: %w", err)
		}
		payload = encoded
	}

	operation := func() error {
		var body io.Reader
		if payload != nil {
			body = bytes.NewReader(payload)
		}
		req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, body)
		if err != nil {
			return backoff.Permanent(err)
		}
		if payload != nil {
			req.Header.Set("Content-Type", "application/json")
		}
		if c.token != "" {
			req.Header.Set("Authorization", "Bearer "+c.token)
		}
		resp, err := c.http.Do(req)
		if err != nil {
			if ctx.Err() != nil {
				return backoff.Permanent(ctx.Err())
			}
			return err
		}
		defer resp.Body.Close()

		if resp.StatusCode >= 300 {
			apiErr := &APIError{Status: resp.StatusCode}
			_ = json.NewDecoder(resp.Body).Decode(apiErr)
			if resp.StatusCode >= 500 {
				return apiErr
			}
			return backoff.Permanent(apiErr)
		}
		if out == nil {
			return nil
		}
		if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
			return backoff.Permanent(fmt.Errorf("decode response: %w", err))
		}
		return nil
	}

	if !retry {
		return unwrapPermanent(operation())
	}
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = 100 * time.Millisecond
	return backoff.Retry(operation, backoff.WithContext(backoff.WithMaxRetries(b, c.retries), ctx))
}

func unwrapPermanent(err error) error {
	if permanent, ok := err.(*backoff.PermanentError); ok {
		return permanent.Err
	}
	return err
}

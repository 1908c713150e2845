// Package llamacpp reaches a llama.cpp server for tokenization and per-token
// hidden states. The server must run with --embeddings --pooling none so that
// /embedding returns one vector per input token.
package llamacpp

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/xiy/lmembed/internal/errs"
)

// Name identifies the provider in config and the run journal.
const Name = "llamacpp"

const maxResponseBytes = 256 << 20

// Option configures the client.
type Option func(*client)

// WithAPIKey sends key as a bearer token.
func WithAPIKey(key string) Option {
	return func(c *client) { c.apiKey = key }
}

// WithHTTPClient replaces the default HTTP client.
func WithHTTPClient(hc *http.Client) Option {
	return func(c *client) { c.http = hc }
}

// WithAddSpecial controls whether the server adds BOS/EOS tokens.
func WithAddSpecial(v bool) Option {
	return func(c *client) { c.addSpecial = v }
}

type client struct {
	baseURL    string
	apiKey     string
	addSpecial bool
	http       *http.Client
}

func newClient(baseURL string, opts ...Option) *client {
	c := &client{
		baseURL:    strings.TrimRight(baseURL, "/"),
		addSpecial: true,
		http:       &http.Client{Timeout: 120 * time.Second},
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

type serverError struct {
	Error struct {
		Code    int    `json:"code"`
		Message string `json:"message"`
		Type    string `json:"type"`
	} `json:"error"`
}

// call sends one JSON request and decodes the JSON response into out. A nil
// in sends no body.
func (c *client) call(ctx context.Context, op, method, path string, in, out any) error {
	var body io.Reader
	if in != nil {
		payload, err := json.Marshal(in)
		if err != nil {
			return errs.Wrap(errs.KindComputation, op, fmt.Errorf("marshal request: %w", err))
		}
		body = bytes.NewReader(payload)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, body)
	if err != nil {
		return errs.Wrap(errs.KindDevice, op, fmt.Errorf("create request: %w", err))
	}
	if in != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if c.apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+c.apiKey)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return errs.Wrap(errs.KindDevice, op, fmt.Errorf("llama.cpp server unreachable: %w", err))
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBytes))
	if err != nil {
		return errs.Wrap(errs.KindDevice, op, fmt.Errorf("read response: %w", err))
	}
	if resp.StatusCode != http.StatusOK {
		return classify(op, resp.StatusCode, raw)
	}
	if err := json.Unmarshal(raw, out); err != nil {
		return errs.Wrap(errs.KindComputation, op, fmt.Errorf("decode response: %w", err))
	}
	return nil
}

// classify maps a non-200 response to an error kind. The server reports a
// model that is still loading as 503 and allocation failures in the message.
func classify(op string, status int, raw []byte) error {
	msg := strings.TrimSpace(string(raw))
	var se serverError
	if json.Unmarshal(raw, &se) == nil && se.Error.Message != "" {
		msg = se.Error.Message
	}
	lower := strings.ToLower(msg)
	switch {
	case strings.Contains(lower, "out of memory"),
		strings.Contains(lower, "failed to allocate"),
		strings.Contains(lower, "memory allocation"),
		strings.Contains(lower, "kv cache"):
		return errs.New(errs.KindOutOfMemory, op, "server status %d: %s", status, msg)
	case status == http.StatusServiceUnavailable:
		return errs.New(errs.KindDevice, op, "server status %d: %s", status, msg)
	default:
		return errs.New(errs.KindComputation, op, "server status %d: %s", status, msg)
	}
}

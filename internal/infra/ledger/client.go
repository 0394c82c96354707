// Package ledger is a client for the UnbelievaBoat-compatible economy API
// that holds authoritative cash and bank balances.
package ledger

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"github.com/nacionmx/nacion/internal/domain"
	"github.com/nacionmx/nacion/internal/infra/observability"
)

// DefaultBaseURL is the public UnbelievaBoat API.
const DefaultBaseURL = "https://unbelievaboat.com/api/v1"

const maxErrorBody = 1024

// Config configures the client. An empty Token disables the ledger.
type Config struct {
	BaseURL string        `toml:"base_url" envconfig:"URL"`
	Token   string        `toml:"token" envconfig:"TOKEN"`
	Timeout time.Duration `toml:"timeout" envconfig:"TIMEOUT"`
}

// DefaultConfig returns a disabled client pointing at the public API.
func DefaultConfig() Config {
	return Config{
		BaseURL: DefaultBaseURL,
		Timeout: 10 * time.Second,
	}
}

// Client talks to the economy API.
type Client struct {
	baseURL    string
	token      string
	httpClient *http.Client
}

// ClientOption customizes a Client.
type ClientOption func(*Client)

// WithHTTPClient replaces the underlying *http.Client.
func WithHTTPClient(hc *http.Client) ClientOption {
	return func(c *Client) {
		if hc != nil {
			c.httpClient = hc
		}
	}
}

// New creates a client from cfg.
func New(cfg Config, opts ...ClientOption) *Client {
	if cfg.BaseURL == "" {
		cfg.BaseURL = DefaultBaseURL
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = DefaultConfig().Timeout
	}
	c := &Client{
		baseURL:    cfg.BaseURL,
		token:      cfg.Token,
		httpClient: &http.Client{Timeout: cfg.Timeout},
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Enabled reports whether a token is configured.
func (c *Client) Enabled() bool { return c.token != "" }

// StatusError is a non-2xx response from the API.
type StatusError struct {
	Method     string
	StatusCode int
	Body       string
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("ledger %s: unexpected status %d: %s", e.Method, e.StatusCode, e.Body)
}

// balanceResponse is the user payload returned by every endpoint.
type balanceResponse struct {
	UserID string      `json:"user_id"`
	Cash   json.Number `json:"cash"`
	Bank   json.Number `json:"bank"`
	Total  json.Number `json:"total"`
}

// GetBalance reads the user's current cash and bank.
func (c *Client) GetBalance(ctx context.Context, guildID, userID string) (domain.Balance, error) {
	var resp balanceResponse
	if err := c.do(ctx, http.MethodGet, guildID, userID, nil, &resp); err != nil {
		return domain.Balance{}, err
	}
	cash, err := parseAmount(resp.Cash)
	if err != nil {
		return domain.Balance{}, fmt.Errorf("ledger cash: %w", err)
	}
	bank, err := parseAmount(resp.Bank)
	if err != nil {
		return domain.Balance{}, fmt.Errorf("ledger bank: %w", err)
	}
	return domain.Balance{Cash: cash, Bank: bank, Source: domain.SourceLedger}, nil
}

// SetBalance overwrites cash and bank with absolute values.
func (c *Client) SetBalance(ctx context.Context, guildID, userID string, b domain.Balance, reason string) error {
	body := map[string]any{"cash": b.Cash, "bank": b.Bank, "reason": reason}
	return c.do(ctx, http.MethodPut, guildID, userID, body, nil)
}

func (c *Client) do(ctx context.Context, method, guildID, userID string, body, out any) error {
	if !c.Enabled() {
		return domain.ErrLedgerUnavailable
	}

	reqURL := fmt.Sprintf("%s/guilds/%s/users/%s", c.baseURL, url.PathEscape(guildID), url.PathEscape(userID))
	var payload io.Reader
	if body != nil {
		buf, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("encoding request: %w", err)
		}
		payload = bytes.NewReader(buf)
	}

	req, err := http.NewRequestWithContext(ctx, method, reqURL, payload)
	if err != nil {
		return fmt.Errorf("creating request: %w", err)
	}
	req.Header.Set("Authorization", c.token)
	req.Header.Set("Accept", "application/json")
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	start := time.Now()
	resp, err := c.httpClient.Do(req)
	if err != nil {
		observability.LedgerLatency.WithLabelValues(method, "error").Observe(time.Since(start).Seconds())
		return fmt.Errorf("ledger %s: %w", method, err)
	}
	defer resp.Body.Close()
	observability.LedgerLatency.WithLabelValues(method, strconv.Itoa(resp.StatusCode/100)+"xx").
		Observe(time.Since(start).Seconds())

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		b, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBody))
		return &StatusError{Method: method, StatusCode: resp.StatusCode, Body: string(b)}
	}
	if out == nil {
		io.Copy(io.Discard, resp.Body)
		return nil
	}
	dec := json.NewDecoder(resp.Body)
	dec.UseNumber()
	if err := dec.Decode(out); err != nil {
		return fmt.Errorf("decoding response: %w", err)
	}
	return nil
}

// parseAmount accepts integer and float encodings; fractions are truncated.
func parseAmount(n json.Number) (int64, error) {
	if n == "" {
		return 0, nil
	}
	if v, err := n.Int64(); err == nil {
		return v, nil
	}
	f, err := n.Float64()
	if err != nil {
		return 0, err
	}
	return int64(f), nil
}

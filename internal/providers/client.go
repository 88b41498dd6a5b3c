package providers

import (
	"context"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/tidwall/gjson"

	"voicebridge/internal/normalize"
	"voicebridge/internal/records"
)

const maxListingBytes = 32 << 20

// Options configures one provider client.
type Options struct {
	BaseURL string
	APIKey  string
	Timeout time.Duration

	// HTTPClient overrides the default client built from Timeout.
	HTTPClient *http.Client
}

// Client is the HTTP Directory shared by all providers; they differ only in
// listing path and envelope keys.
type Client struct {
	provider   records.Provider
	baseURL    string
	listPath   string
	apiKey     string
	httpClient *http.Client
	normalizer *normalize.Normalizer

	// Retries inside one ListAssistants call, for 429/5xx/network errors.
	maxRetries int
	baseDelay  time.Duration
	maxDelay   time.Duration
}

// NewVapi lists assistants from GET /assistant.
func NewVapi(opts Options, n *normalize.Normalizer) *Client {
	return newClient(records.ProviderVapi, "/assistant?limit=1000", "https://api.vapi.ai", opts, n)
}

// NewRetell lists agents from GET /list-agents.
func NewRetell(opts Options, n *normalize.Normalizer) *Client {
	return newClient(records.ProviderRetell, "/list-agents", "https://api.retellai.com", opts, n)
}

func newClient(p records.Provider, listPath, defaultBase string, opts Options, n *normalize.Normalizer) *Client {
	baseURL := strings.TrimRight(strings.TrimSpace(opts.BaseURL), "/")
	if baseURL == "" {
		baseURL = defaultBase
	}
	httpClient := opts.HTTPClient
	if httpClient == nil {
		timeout := opts.Timeout
		if timeout <= 0 {
			timeout = 30 * time.Second
		}
		httpClient = &http.Client{Timeout: timeout}
	}
	if n == nil {
		n = normalize.New(normalize.Tables{})
	}
	return &Client{
		provider:   p,
		baseURL:    baseURL,
		listPath:   listPath,
		apiKey:     strings.TrimSpace(opts.APIKey),
		httpClient: httpClient,
		normalizer: n,
		maxRetries: 1,
		baseDelay:  250 * time.Millisecond,
		maxDelay:   2 * time.Second,
	}
}

func (c *Client) Provider() records.Provider { return c.provider }

func (c *Client) ListAssistants(ctx context.Context) ([]records.AssistantPatch, error) {
	body, err := c.get(ctx, c.listPath)
	if err != nil {
		return nil, err
	}
	items, err := listingItems(body)
	if err != nil {
		return nil, err
	}
	out := make([]records.AssistantPatch, 0, len(items))
	for _, item := range items {
		out = append(out, c.normalizer.AssistantPatch(item))
	}
	return out, nil
}

// envelopeKeys are the object keys a listing array may be wrapped in.
var envelopeKeys = []string{"data", "items", "results", "assistants", "agents"}

// listingItems accepts a bare array, an object wrapping one, or an empty
// body / null (no items).
func listingItems(body []byte) ([]gjson.Result, error) {
	if len(strings.TrimSpace(string(body))) == 0 {
		return nil, nil
	}
	if !gjson.ValidBytes(body) {
		return nil, ErrDecode
	}
	doc := gjson.ParseBytes(body)
	switch {
	case doc.Type == gjson.Null:
		return nil, nil
	case doc.IsArray():
		return doc.Array(), nil
	case doc.IsObject():
		for _, k := range envelopeKeys {
			v := doc.Get(k)
			if v.IsArray() {
				return v.Array(), nil
			}
			if v.Exists() && v.Type == gjson.Null {
				return nil, nil
			}
		}
	}
	return nil, ErrDecode
}

func (c *Client) get(ctx context.Context, path string) ([]byte, error) {
	for attempt := 0; ; attempt++ {
		req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+path, nil)
		if err != nil {
			return nil, err
		}
		req.Header.Set("Authorization", "Bearer "+c.apiKey)
		req.Header.Set("Accept", "application/json")
		req.Header.Set("X-Request-Id", uuid.NewString())

		resp, err := c.httpClient.Do(req)
		if err != nil {
			if attempt < c.maxRetries && ctx.Err() == nil {
				if waitErr := waitWithContext(ctx, c.retryDelay(attempt+1, "")); waitErr != nil {
					return nil, waitErr
				}
				continue
			}
			return nil, err
		}
		payload, readErr := io.ReadAll(io.LimitReader(resp.Body, maxListingBytes))
		_ = resp.Body.Close()
		if readErr != nil {
			return nil, readErr
		}

		if resp.StatusCode >= 200 && resp.StatusCode <= 299 {
			return payload, nil
		}

		httpErr := &HTTPError{Provider: c.provider, StatusCode: resp.StatusCode, Message: errorMessage(payload)}
		if httpErr.Transient() && attempt < c.maxRetries {
			if waitErr := waitWithContext(ctx, c.retryDelay(attempt+1, resp.Header.Get("Retry-After"))); waitErr != nil {
				return nil, waitErr
			}
			continue
		}
		return nil, httpErr
	}
}

// errorMessage pulls a human message out of a provider error body.
func errorMessage(body []byte) string {
	if !gjson.ValidBytes(body) {
		s := strings.TrimSpace(string(body))
		if len(s) > 200 {
			s = s[:200]
		}
		return s
	}
	doc := gjson.ParseBytes(body)
	for _, p := range []string{"message", "error.message", "error", "detail"} {
		if v := doc.Get(p); v.Type == gjson.String && v.Str != "" {
			return v.Str
		}
	}
	return ""
}

func (c *Client) retryDelay(attempt int, retryAfterHeader string) time.Duration {
	maxDelay := c.maxDelay
	if maxDelay <= 0 {
		maxDelay = 2 * time.Second
	}
	if retryAfter := parseRetryAfter(retryAfterHeader); retryAfter > 0 {
		if retryAfter > maxDelay {
			return maxDelay
		}
		return retryAfter
	}
	delay := c.baseDelay
	if delay <= 0 {
		delay = 250 * time.Millisecond
	}
	for i := 1; i < attempt; i++ {
		delay *= 2
		if delay >= maxDelay {
			return maxDelay
		}
	}
	return delay
}

func parseRetryAfter(header string) time.Duration {
	header = strings.TrimSpace(header)
	if header == "" {
		return 0
	}
	if seconds, err := strconv.Atoi(header); err == nil && seconds >= 0 {
		return time.Duration(seconds) * time.Second
	}
	if ts, err := http.ParseTime(header); err == nil {
		if delta := time.Until(ts); delta > 0 {
			return delta
		}
	}
	return 0
}

func waitWithContext(ctx context.Context, delay time.Duration) error {
	if delay <= 0 {
		return nil
	}
	timer := time.NewTimer(delay)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}

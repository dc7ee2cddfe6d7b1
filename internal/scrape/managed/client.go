// Package managed talks to a hosted crawling service that runs
// platform-specific actors and returns their dataset items as JSON.
package managed

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/JakeFAU/techevents-crawler/internal/discovery"
	"github.com/JakeFAU/techevents-crawler/internal/scrape"
)

// BackendName is reported as backendUsed for managed crawls.
const BackendName = "managed"

const defaultBaseURL = "https://api.apify.com"

// Config holds service credentials and actor ids per platform.
type Config struct {
	BaseURL string
	Token   string
	Actors  map[string]string
	Timeout time.Duration
}

// Client runs actors synchronously and streams their dataset items.
type Client struct {
	cfg    Config
	http   *http.Client
	logger *zap.Logger
}

// NewClient builds a Client. httpClient and logger may be nil.
func NewClient(cfg Config, httpClient *http.Client, logger *zap.Logger) (*Client, error) {
	if strings.TrimSpace(cfg.Token) == "" {
		return nil, errors.New("managed crawler token is required")
	}
	if cfg.BaseURL == "" {
		cfg.BaseURL = defaultBaseURL
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 90 * time.Second
	}
	if httpClient == nil {
		httpClient = &http.Client{Timeout: cfg.Timeout}
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Client{cfg: cfg, http: httpClient, logger: logger.Named("managed")}, nil
}

// actorInput is the run input shared by the event actors.
type actorInput struct {
	Query    string `json:"query"`
	Location string `json:"location,omitempty"`
	MaxItems int    `json:"maxItems,omitempty"`
}

// run starts actor and calls each for every dataset item in order.
func (c *Client) run(ctx context.Context, actor string, req scrape.Request, each func(json.RawMessage) bool) error {
	payload, err := json.Marshal(actorInput{Query: req.Query, Location: req.City, MaxItems: req.MaxItems})
	if err != nil {
		return fmt.Errorf("encode actor input: %w", err)
	}
	endpoint := fmt.Sprintf("%s/v2/acts/%s/run-sync-get-dataset-items",
		strings.TrimRight(c.cfg.BaseURL, "/"), url.PathEscape(actor))
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(payload))
	if err != nil {
		return fmt.Errorf("build actor request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("Authorization", "Bearer "+c.cfg.Token)

	resp, err := c.http.Do(httpReq)
	if err != nil {
		return fmt.Errorf("run actor %s: %w", actor, err)
	}
	defer func() { _ = resp.Body.Close() }()
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		snippet, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return fmt.Errorf("run actor %s: status %d: %s", actor, resp.StatusCode, strings.TrimSpace(string(snippet)))
	}

	dec := json.NewDecoder(resp.Body)
	tok, err := dec.Token()
	if err != nil {
		return fmt.Errorf("read dataset items: %w", err)
	}
	if delim, ok := tok.(json.Delim); !ok || delim != '[' {
		return fmt.Errorf("read dataset items: expected array, got %v", tok)
	}
	for dec.More() {
		var item json.RawMessage
		if err := dec.Decode(&item); err != nil {
			return fmt.Errorf("decode dataset item: %w", err)
		}
		if !each(item) {
			return nil
		}
	}
	return nil
}

// Backend adapts the Client to one platform.
type Backend struct {
	client   *Client
	platform string
	actor    string
	decode   func(json.RawMessage) (discovery.RawRecord, error)
}

// NewBackend returns the managed backend for platform.
func NewBackend(client *Client, platform string) (*Backend, error) {
	actor := client.cfg.Actors[platform]
	if actor == "" {
		return nil, fmt.Errorf("no managed actor configured for %q", platform)
	}
	var decode func(json.RawMessage) (discovery.RawRecord, error)
	switch platform {
	case discovery.PlatformLuma:
		decode = decodeLuma
	case discovery.PlatformEventbrite:
		decode = decodeEventbrite
	default:
		return nil, fmt.Errorf("managed backend does not support %q", platform)
	}
	return &Backend{client: client, platform: platform, actor: actor, decode: decode}, nil
}

// Name implements scrape.Backend.
func (b *Backend) Name() string { return BackendName }

// Fetch implements scrape.Backend.
func (b *Backend) Fetch(ctx context.Context, req scrape.Request) ([]discovery.RawRecord, error) {
	var out []discovery.RawRecord
	if _, err := b.Stream(ctx, req, func(rec discovery.RawRecord) bool {
		out = append(out, rec)
		return true
	}); err != nil {
		return out, err
	}
	return out, nil
}

// Stream implements scrape.StreamingBackend. Items that fail to decode are
// logged and skipped.
func (b *Backend) Stream(ctx context.Context, req scrape.Request, yield func(discovery.RawRecord) bool) (int, error) {
	count, index := 0, -1
	err := b.client.run(ctx, b.actor, req, func(item json.RawMessage) bool {
		index++
		rec, err := b.decode(item)
		if err != nil {
			b.client.logger.Warn("skipping undecodable dataset item",
				zap.String("platform", b.platform),
				zap.String("actor", b.actor),
				zap.Int("index", index),
				zap.Error(err),
			)
			return true
		}
		count++
		return yield(rec)
	})
	return count, err
}

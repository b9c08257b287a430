package tools

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/cloudwego/eino/components/tool"
	"github.com/cloudwego/eino/schema"
	"golang.org/x/time/rate"

	"github.com/mindbook/mindbook-go/internal/ingestion"
)

// defaultScrapeEndpoint is the scraping proxy used when an API key is
// configured. Without a key the tool fetches pages directly.
const defaultScrapeEndpoint = "http://api.scrape.do"

// webFetchMaxChars caps how much page text is handed back to the model.
const webFetchMaxChars = 8000

// WebFetchTool fetches a web page and returns its readable text. Requests
// optionally go through a scraping proxy (for JS-heavy or bot-protected
// pages) and are rate limited so a chatty model cannot hammer the upstream.
type WebFetchTool struct {
	// apiKey authenticates against the scraping proxy. Empty means direct fetch.
	apiKey string
	// endpoint is the scraping proxy base URL.
	endpoint string
	// client is the shared HTTP client.
	client *http.Client
	// limiter throttles outbound fetches.
	limiter *rate.Limiter
}

// WebFetchConfig holds the settings for constructing a WebFetchTool.
type WebFetchConfig struct {
	// APIKey is the scraping proxy token. Empty disables the proxy.
	APIKey string
	// Endpoint overrides the scraping proxy base URL.
	Endpoint string
}

// webFetchInput is the JSON-serialisable input schema for WebFetchTool.
type webFetchInput struct {
	// URL is the page to fetch.
	URL string `json:"url"`
}

// NewWebFetchTool constructs a WebFetchTool from the given config.
func NewWebFetchTool(cfg *WebFetchConfig) *WebFetchTool {
	if cfg == nil {
		cfg = &WebFetchConfig{}
	}
	endpoint := cfg.Endpoint
	if endpoint == "" {
		endpoint = defaultScrapeEndpoint
	}
	return &WebFetchTool{
		apiKey:   cfg.APIKey,
		endpoint: endpoint,
		client:   &http.Client{Timeout: 20 * time.Second},
		// One fetch per second with a small burst is plenty for a single turn.
		limiter: rate.NewLimiter(rate.Every(time.Second), 2),
	}
}

// Name returns the tool name registered with the agent.
func (t *WebFetchTool) Name() string { return "fetch_web_page" }

// Description returns the LLM-facing description of this tool.
func (t *WebFetchTool) Description() string {
	return "Fetches a web page by URL and returns its readable text content. " +
		"Use this only when the workspace documents cannot answer the question."
}

// Info returns the Eino tool metadata including the JSON input schema.
func (t *WebFetchTool) Info(ctx context.Context) (*schema.ToolInfo, error) {
	return &schema.ToolInfo{
		Name: t.Name(),
		Desc: t.Description(),
		ParamsOneOf: schema.NewParamsOneOfByParams(map[string]*schema.ParameterInfo{
			"url": {
				Type:     schema.String,
				Desc:     "Absolute http(s) URL of the page to fetch.",
				Required: true,
			},
		}),
	}, nil
}

// InvokableRun fetches the page and returns its text, capped to a size the
// context budget can absorb.
func (t *WebFetchTool) InvokableRun(ctx context.Context, argumentsInJSON string, opts ...tool.Option) (string, error) {
	var input webFetchInput
	if err := json.Unmarshal([]byte(argumentsInJSON), &input); err != nil {
		return "", &Error{Kind: KindInvalidArgs, Tool: t.Name(), Message: "invalid JSON input", Err: err}
	}
	parsed, err := url.Parse(input.URL)
	if err != nil || (parsed.Scheme != "http" && parsed.Scheme != "https") || parsed.Host == "" {
		return "", &Error{Kind: KindInvalidArgs, Tool: t.Name(), Message: fmt.Sprintf("not an absolute http(s) URL: %q", input.URL)}
	}

	if err := t.limiter.Wait(ctx); err != nil {
		return "", &Error{Kind: KindTimeout, Tool: t.Name(), Message: "cancelled while rate limited", Err: err}
	}

	target := input.URL
	if t.apiKey != "" {
		target = fmt.Sprintf("%s/?token=%s&url=%s", t.endpoint, url.QueryEscape(t.apiKey), url.QueryEscape(input.URL))
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, target, nil)
	if err != nil {
		return "", fmt.Errorf("%s: create request: %w", t.Name(), err)
	}
	req.Header.Set("Accept", "text/html, text/plain")

	resp, err := t.client.Do(req)
	if err != nil {
		if errors.Is(err, context.DeadlineExceeded) || ctx.Err() != nil {
			return "", &Error{Kind: KindTimeout, Tool: t.Name(), Message: "fetch timed out", Err: err}
		}
		return "", fmt.Errorf("%s: fetch failed: %w", t.Name(), err)
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode == http.StatusNotFound:
		return "", &Error{Kind: KindNotFound, Tool: t.Name(), Message: fmt.Sprintf("page not found: %s", input.URL)}
	case resp.StatusCode == http.StatusTooManyRequests:
		return "", &Error{Kind: KindRateLimited, Tool: t.Name(), Message: "upstream rate limit hit"}
	case resp.StatusCode < 200 || resp.StatusCode >= 300:
		return "", fmt.Errorf("%s: unexpected status %d for %s", t.Name(), resp.StatusCode, input.URL)
	}

	body, err := io.ReadAll(io.LimitReader(resp.Body, 4<<20))
	if err != nil {
		return "", fmt.Errorf("%s: read body: %w", t.Name(), err)
	}

	text := pageText(resp.Header.Get("Content-Type"), body)
	if len(text) > webFetchMaxChars {
		text = text[:webFetchMaxChars] + "\n[truncated]"
	}
	if strings.TrimSpace(text) == "" {
		return "", &Error{Kind: KindNotFound, Tool: t.Name(), Message: fmt.Sprintf("no readable text at %s", input.URL)}
	}
	return text, nil
}

// pageText extracts readable text from a fetched page, falling back to the
// raw body when HTML extraction finds nothing.
func pageText(contentType string, body []byte) string {
	mediaType := "text/html"
	if strings.Contains(contentType, "text/plain") {
		mediaType = "text/plain"
	}
	elements, err := ingestion.Extract(mediaType, body)
	if err != nil {
		return strings.TrimSpace(string(body))
	}
	return ingestion.ContentText(elements)
}

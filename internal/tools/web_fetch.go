package tools

import (
	"context"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"golang.org/x/time/rate"
)

const (
	fetchMaxChars   = 50000
	fetchTimeout    = 30 * time.Second
	fetchUserAgent  = "Mozilla/5.0 (Macintosh; Intel Mac OS X 14_7_2) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/120.0.0.0 Safari/537.36"
	hostRatePerSec  = 2
	hostRateBurst   = 4
)

// WebFetchTool fetches a URL with SSRF protection, a per-host rate
// limit and a bounded timeout.
type WebFetchTool struct {
	client *http.Client

	mu       sync.Mutex
	limiters map[string]*rate.Limiter
}

func NewWebFetchTool() *WebFetchTool {
	return &WebFetchTool{
		client: &http.Client{
			Timeout: fetchTimeout,
			CheckRedirect: func(req *http.Request, via []*http.Request) error {
				if len(via) >= 3 {
					return fmt.Errorf("too many redirects")
				}
				return checkSSRF(req.URL)
			},
		},
		limiters: make(map[string]*rate.Limiter),
	}
}

func (t *WebFetchTool) Name() string               { return "web_fetch" }
func (t *WebFetchTool) RequiresConfirmation() bool { return false }
func (t *WebFetchTool) Description() string {
	return "Fetch an HTTP or HTTPS URL and return its content as text"
}

func (t *WebFetchTool) Parameters() map[string]interface{} {
	return map[string]interface{}{
		"type": "object",
		"properties": map[string]interface{}{
			"url": map[string]interface{}{
				"type":        "string",
				"description": "HTTP or HTTPS URL to fetch.",
			},
			"max_chars": map[string]interface{}{
				"type":        "number",
				"description": "Maximum characters to return (truncates when exceeded).",
				"minimum":     100.0,
			},
		},
		"required": []string{"url"},
	}
}

func (t *WebFetchTool) limiter(host string) *rate.Limiter {
	t.mu.Lock()
	defer t.mu.Unlock()
	l, ok := t.limiters[host]
	if !ok {
		l = rate.NewLimiter(hostRatePerSec, hostRateBurst)
		t.limiters[host] = l
	}
	return l
}

func (t *WebFetchTool) Execute(ctx context.Context, args map[string]interface{}) (*Result, error) {
	rawURL, _ := args["url"].(string)
	maxChars := fetchMaxChars
	if v, ok := args["max_chars"].(float64); ok && v >= 100 {
		maxChars = int(v)
	}

	parsed, err := url.Parse(rawURL)
	if err != nil {
		return nil, fmt.Errorf("%w: invalid URL: %v", ErrBadRequest, err)
	}
	if parsed.Scheme != "http" && parsed.Scheme != "https" {
		return nil, fmt.Errorf("%w: only http and https URLs are supported", ErrBadRequest)
	}
	if err := checkSSRF(parsed); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrBadRequest, err)
	}

	if err := t.limiter(parsed.Host).Wait(ctx); err != nil {
		return nil, err
	}

	ctx, cancel := context.WithTimeout(ctx, fetchTimeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, "GET", rawURL, nil)
	if err != nil {
		return nil, fmt.Errorf("web_fetch: %w", err)
	}
	req.Header.Set("User-Agent", fetchUserAgent)

	resp, err := t.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("web_fetch: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, int64(maxChars)+1))
	if err != nil {
		return nil, fmt.Errorf("web_fetch: read body: %w", err)
	}

	content := string(body)
	truncated := false
	if len(content) > maxChars {
		content = content[:maxChars]
		truncated = true
	}

	return NewResult(map[string]interface{}{
		"status":       resp.StatusCode,
		"content_type": resp.Header.Get("Content-Type"),
		"content":      content,
		"truncated":    truncated,
	}), nil
}

// checkSSRF rejects URLs resolving to loopback, private or link-local
// addresses.
func checkSSRF(u *url.URL) error {
	host := u.Hostname()
	if strings.EqualFold(host, "localhost") {
		return fmt.Errorf("fetch of internal address blocked")
	}
	ips, err := net.LookupIP(host)
	if err != nil {
		return fmt.Errorf("resolve %s: %w", host, err)
	}
	for _, ip := range ips {
		if ip.IsLoopback() || ip.IsPrivate() || ip.IsLinkLocalUnicast() || ip.IsUnspecified() {
			return fmt.Errorf("fetch of internal address blocked")
		}
	}
	return nil
}

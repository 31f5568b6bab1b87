package sora

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"mime/multipart"
	"net"
	"net/http"
	"net/textproto"
	"net/url"
	"strings"
	"sync"
	"time"

	"log/slog"

	"github.com/sora2api/sora-proxy/internal/config"
	"github.com/sora2api/sora-proxy/internal/logger"
	"github.com/sora2api/sora-proxy/internal/metrics"
	"github.com/sora2api/sora-proxy/internal/sentinel"
)

// appUserAgent is the Sora Android build identifier the upstream expects.
const appUserAgent = "Sora/1.2026.007 (Android 15; 24122RKC7C; build 2600700)"

// creationPrefixes are the only endpoint groups allowed to traverse a proxy.
// Uploads, polling, listing, publish and delete calls bypass it on purpose:
// only task creation is geo-sensitive upstream.
var creationPrefixes = []string{"/nf/create", "/video_gen"}

// Auth identifies one upstream account for a single call.
type Auth struct {
	// Token is the account access token sent as a Bearer credential.
	Token string
	// ProxyURL is the credential's dedicated proxy. When set it overrides
	// the global proxy from runtime settings.
	ProxyURL string
}

// Client talks to the upstream generation backend. All methods are safe for
// concurrent use.
type Client struct {
	log      *logger.Logger
	baseURL  string
	runtime  *config.Runtime
	sentinel *sentinel.Service

	direct *http.Client

	mu      sync.Mutex
	proxied map[string]*http.Client
}

// NewClient creates an upstream client. The sentinel service may be nil in
// tests that never exercise creation calls.
func NewClient(log *logger.Logger, cfg *config.Config, runtime *config.Runtime, sentinelSvc *sentinel.Service) *Client {
	timeout := time.Duration(cfg.UpstreamTimeoutSeconds) * time.Second
	return &Client{
		log:      log.WithComponent("sora_client"),
		baseURL:  cfg.SoraBaseURL,
		runtime:  runtime,
		sentinel: sentinelSvc,
		direct: &http.Client{
			Timeout:   timeout,
			Transport: newTransport(cfg, nil),
		},
		proxied: make(map[string]*http.Client),
	}
}

func newTransport(cfg *config.Config, proxy *url.URL) *http.Transport {
	t := &http.Transport{
		MaxIdleConns:        cfg.UpstreamMaxIdleConns,
		MaxIdleConnsPerHost: cfg.UpstreamMaxIdleConnsPerHost,
		MaxConnsPerHost:     cfg.UpstreamMaxConnsPerHost,
		IdleConnTimeout:     time.Duration(cfg.UpstreamIdleConnTimeout) * time.Second,
		ForceAttemptHTTP2:   true,
		DialContext: (&net.Dialer{
			Timeout:   30 * time.Second,
			KeepAlive: 30 * time.Second,
		}).DialContext,
		TLSHandshakeTimeout:   30 * time.Second,
		ExpectContinueTimeout: 1 * time.Second,
	}
	if proxy != nil {
		t.Proxy = http.ProxyURL(proxy)
	}
	return t
}

// resolveProxy applies the proxy selection rule: per-credential proxy wins
// over the global one, and the result is used only for creation endpoints.
func (c *Client) resolveProxy(endpoint string, auth Auth) string {
	proxy := auth.ProxyURL
	if proxy == "" {
		settings := c.runtime.Snapshot()
		if settings.ProxyEnabled && settings.ProxyURL != "" {
			proxy = settings.ProxyURL
		}
	}
	if proxy == "" {
		return ""
	}
	for _, prefix := range creationPrefixes {
		if strings.HasPrefix(endpoint, prefix) {
			return proxy
		}
	}
	return ""
}

// httpClientFor returns the shared direct client or a cached per-proxy one.
func (c *Client) httpClientFor(proxyURL string) *http.Client {
	if proxyURL == "" {
		return c.direct
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if client, ok := c.proxied[proxyURL]; ok {
		return client
	}

	parsed, err := url.Parse(proxyURL)
	if err != nil {
		c.log.Warn("invalid proxy url, sending request directly", slog.String("proxy_url", proxyURL))
		return c.direct
	}

	client := &http.Client{
		Timeout:   c.direct.Timeout,
		Transport: &http.Transport{Proxy: http.ProxyURL(parsed)},
	}
	c.proxied[proxyURL] = client
	return client
}

// do issues one request against the backend and returns the raw body of a
// 200/201 reply. Non-2xx replies come back as tagged errors.
func (c *Client) do(ctx context.Context, method, endpoint string, auth Auth, body []byte, contentType string, withSentinel bool) ([]byte, error) {
	proxyURL := c.resolveProxy(endpoint, auth)

	var reader io.Reader
	if body != nil {
		reader = bytes.NewReader(body)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+endpoint, reader)
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+auth.Token)
	req.Header.Set("User-Agent", appUserAgent)
	if contentType != "" {
		req.Header.Set("Content-Type", contentType)
	}
	if withSentinel {
		token, err := c.sentinel.CreateToken(ctx, sentinel.TokenRequest{
			AccessToken: auth.Token,
			ProxyURL:    proxyURL,
		})
		if err != nil {
			return nil, fmt.Errorf("failed to build sentinel token: %w", err)
		}
		req.Header.Set("openai-sentinel-token", token)
	}

	start := time.Now()
	resp, err := c.httpClientFor(proxyURL).Do(req)
	if err != nil {
		return nil, fmt.Errorf("failed to call upstream: %w", err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("failed to read upstream response: %w", err)
	}

	c.log.Debug("upstream call",
		slog.String("method", method),
		slog.String("endpoint", endpoint),
		slog.Int("status_code", resp.StatusCode),
		slog.Duration("duration", time.Since(start)),
		slog.Bool("proxied", proxyURL != ""))

	if resp.StatusCode != http.StatusOK && resp.StatusCode != http.StatusCreated {
		return nil, c.upstreamError(endpoint, resp.StatusCode, data)
	}
	return data, nil
}

func (c *Client) upstreamError(endpoint string, status int, body []byte) error {
	code := errorCode(body)
	text := string(body)
	metrics.UpstreamErrors.WithLabelValues(errorKind(status, code)).Inc()

	c.log.Error("upstream request failed",
		slog.String("endpoint", endpoint),
		slog.Int("status_code", status),
		slog.String("error_code", code))

	if code == codeUnsupportedCountry {
		return &UnsupportedCountryError{Payload: strings.TrimSpace(text)}
	}
	return &UpstreamError{StatusCode: status, Code: code, Body: text}
}

func (c *Client) getJSON(ctx context.Context, endpoint string, auth Auth, out interface{}) error {
	data, err := c.do(ctx, http.MethodGet, endpoint, auth, nil, "", false)
	if err != nil {
		return err
	}
	if out == nil {
		return nil
	}
	if err := json.Unmarshal(data, out); err != nil {
		return fmt.Errorf("failed to decode upstream response: %w", err)
	}
	return nil
}

func (c *Client) postJSON(ctx context.Context, endpoint string, auth Auth, body, out interface{}, withSentinel bool) error {
	payload, err := json.Marshal(body)
	if err != nil {
		return fmt.Errorf("failed to encode request body: %w", err)
	}
	data, err := c.do(ctx, http.MethodPost, endpoint, auth, payload, "application/json", withSentinel)
	if err != nil {
		return err
	}
	if out == nil {
		return nil
	}
	if err := json.Unmarshal(data, out); err != nil {
		return fmt.Errorf("failed to decode upstream response: %w", err)
	}
	return nil
}

func (c *Client) postMultipart(ctx context.Context, endpoint string, auth Auth, build func(w *multipart.Writer) error, out interface{}) error {
	var buf bytes.Buffer
	w := multipart.NewWriter(&buf)
	if err := build(w); err != nil {
		return fmt.Errorf("failed to build multipart form: %w", err)
	}
	if err := w.Close(); err != nil {
		return fmt.Errorf("failed to finish multipart form: %w", err)
	}

	data, err := c.do(ctx, http.MethodPost, endpoint, auth, buf.Bytes(), w.FormDataContentType(), false)
	if err != nil {
		return err
	}
	if out == nil {
		return nil
	}
	if err := json.Unmarshal(data, out); err != nil {
		return fmt.Errorf("failed to decode upstream response: %w", err)
	}
	return nil
}

// deleteStatus issues a DELETE and reports the reply without classifying it.
// Deletes accept 204 replies, so callers own the status check.
func (c *Client) deleteStatus(ctx context.Context, endpoint string, auth Auth) (int, string, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodDelete, c.baseURL+endpoint, nil)
	if err != nil {
		return 0, "", fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+auth.Token)
	req.Header.Set("User-Agent", appUserAgent)

	resp, err := c.direct.Do(req)
	if err != nil {
		return 0, "", fmt.Errorf("failed to call upstream: %w", err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return resp.StatusCode, "", fmt.Errorf("failed to read upstream response: %w", err)
	}
	return resp.StatusCode, string(data), nil
}

// Download fetches an absolute URL without credential headers. Generated
// assets and character profile images are served from public CDNs. proxyURL
// routes the fetch through the credential's or the global egress proxy; empty
// means a direct connection.
func (c *Client) Download(ctx context.Context, rawURL, proxyURL string) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, rawURL, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}

	resp, err := c.httpClientFor(proxyURL).Do(req)
	if err != nil {
		return nil, fmt.Errorf("failed to download file: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("failed to download file: %d", resp.StatusCode)
	}
	return io.ReadAll(resp.Body)
}

func addFilePart(w *multipart.Writer, field, filename, contentType string, data []byte) error {
	h := make(textproto.MIMEHeader)
	h.Set("Content-Disposition", fmt.Sprintf(`form-data; name=%q; filename=%q`, field, filename))
	h.Set("Content-Type", contentType)
	part, err := w.CreatePart(h)
	if err != nil {
		return err
	}
	_, err = part.Write(data)
	return err
}

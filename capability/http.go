package capability

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"
)

const (
	DefaultMaxURLLength   = 8192
	DefaultMaxBodySize    = 10 << 20 // 10MB
	DefaultRequestTimeout = 30 * time.Second
)

// AllowAnyHost in HTTPConfig.AllowedHosts disables the host check.
const AllowAnyHost = "*"

type HTTPConfig struct {
	AllowedHosts   []string
	MaxBodySize    int64
	MaxURLLength   int
	RequestTimeout time.Duration
	UserAgent      string
	// Cache, when set, serves repeated GETs without headers from memory.
	Cache *Cache
}

type HTTP struct {
	cfg    HTTPConfig
	client *http.Client
}

func NewHTTP(cfg HTTPConfig) *HTTP {
	if cfg.MaxBodySize == 0 {
		cfg.MaxBodySize = DefaultMaxBodySize
	}
	if cfg.MaxURLLength == 0 {
		cfg.MaxURLLength = DefaultMaxURLLength
	}
	if cfg.RequestTimeout == 0 {
		cfg.RequestTimeout = DefaultRequestTimeout
	}

	return &HTTP{
		cfg: cfg,
		client: &http.Client{
			Timeout: cfg.RequestTimeout,
		},
	}
}

func (h *HTTP) Download(ctx context.Context, req Request) (*Response, error) {
	if req.URL == "" {
		return nil, fmt.Errorf("url required")
	}

	if len(req.URL) > h.cfg.MaxURLLength {
		return nil, fmt.Errorf("url exceeds max length")
	}

	parsed, err := url.Parse(req.URL)
	if err != nil {
		return nil, fmt.Errorf("invalid url")
	}

	if parsed.Scheme != "http" && parsed.Scheme != "https" {
		return nil, fmt.Errorf("scheme must be http or https")
	}

	if len(h.cfg.AllowedHosts) == 0 {
		return nil, fmt.Errorf("http not enabled")
	}

	host := parsed.Hostname()
	if !h.isHostAllowed(host) {
		return nil, fmt.Errorf("host not allowed: %s", host)
	}

	cacheable := h.cfg.Cache != nil && len(req.Headers) == 0
	if cacheable {
		if body, ok := h.cfg.Cache.Get(req.URL); ok {
			return &Response{Status: http.StatusOK, Body: body}, nil
		}
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodGet, req.URL, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	if h.cfg.UserAgent != "" {
		httpReq.Header.Set("User-Agent", h.cfg.UserAgent)
	}
	for k, v := range req.Headers {
		httpReq.Header.Set(k, v)
	}

	resp, err := h.client.Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, h.cfg.MaxBodySize+1))
	if err != nil {
		return nil, fmt.Errorf("failed to read response: %w", err)
	}
	if int64(len(body)) > h.cfg.MaxBodySize {
		return nil, fmt.Errorf("response body exceeds max size")
	}

	headers := make(map[string]string)
	for k, v := range resp.Header {
		if len(v) > 0 {
			headers[k] = v[0]
		}
	}

	if cacheable && resp.StatusCode == http.StatusOK {
		// Oversized bodies are simply not cached.
		_ = h.cfg.Cache.Set(req.URL, body)
	}

	return &Response{
		Status:  resp.StatusCode,
		Body:    body,
		Headers: headers,
	}, nil
}

func (h *HTTP) isHostAllowed(host string) bool {
	for _, allowed := range h.cfg.AllowedHosts {
		if allowed == AllowAnyHost || host == allowed || strings.HasSuffix(host, "."+allowed) {
			return true
		}
	}
	return false
}

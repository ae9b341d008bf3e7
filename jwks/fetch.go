// Package jwks retrieves JSON Web Key Sets and keeps an immutable snapshot of
// the current keys for concurrent readers.
package jwks

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/puxu-msft/caddy-jwt-auth/jwk"
)

// ErrUnavailable is returned when no usable key set could be obtained.
var ErrUnavailable = errors.New("jwks unavailable")

// maxDocumentSize bounds the size of a JWKS response body.
const maxDocumentSize = 10 << 20

// DefaultTimeout is applied to HTTP clients created by NewHTTPSource.
const DefaultTimeout = 5 * time.Second

// Source produces key sets.
type Source interface {
	// Load returns the current key set. Errors wrap ErrUnavailable.
	Load(ctx context.Context) (*jwk.Store, error)
	// Kind names the source type for logs and metrics ("http", "file").
	Kind() string
}

// Fetch retrieves and parses the JWKS document at rawURL with a single GET.
// It does not retry.
func Fetch(ctx context.Context, client *http.Client, rawURL string, logger *zap.Logger) (*jwk.Store, error) {
	if client == nil {
		client = &http.Client{Timeout: DefaultTimeout}
	}
	resp, err := get(ctx, client, rawURL, "", "")
	if err != nil {
		return nil, err
	}
	if resp.notModified {
		return nil, fmt.Errorf("%w: unexpected 304 from %s", ErrUnavailable, rawURL)
	}
	store, err := jwk.Parse(resp.body, logger)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	return store, nil
}

type response struct {
	body         []byte
	etag         string
	lastModified string
	notModified  bool
}

func get(ctx context.Context, client *http.Client, rawURL, etag, lastModified string) (*response, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, rawURL, nil)
	if err != nil {
		return nil, fmt.Errorf("%w: creating request: %v", ErrUnavailable, err)
	}
	req.Header.Set("Accept", "application/json")
	if etag != "" {
		req.Header.Set("If-None-Match", etag)
	}
	if lastModified != "" {
		req.Header.Set("If-Modified-Since", lastModified)
	}

	resp, err := client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("%w: fetching jwks: %v", ErrUnavailable, err)
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode == http.StatusNotModified {
		return &response{notModified: true}, nil
	}
	if resp.StatusCode != http.StatusOK {
		_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 4<<10))
		return nil, fmt.Errorf("%w: jwks fetch returned %s", ErrUnavailable, resp.Status)
	}

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxDocumentSize+1))
	if err != nil {
		return nil, fmt.Errorf("%w: reading jwks: %v", ErrUnavailable, err)
	}
	if len(body) > maxDocumentSize {
		return nil, fmt.Errorf("%w: jwks document exceeds %d bytes", ErrUnavailable, maxDocumentSize)
	}
	return &response{
		body:         body,
		etag:         resp.Header.Get("ETag"),
		lastModified: resp.Header.Get("Last-Modified"),
	}, nil
}

// HTTPOptions configures an HTTPSource.
type HTTPOptions struct {
	// Client overrides the HTTP client. Timeout is ignored when set.
	Client *http.Client
	// Timeout bounds each fetch. Zero means DefaultTimeout.
	Timeout time.Duration
	// AllowInsecure permits http:// URLs.
	AllowInsecure bool
	Logger        *zap.Logger
}

// HTTPSource loads key sets from a URL using conditional requests. A 304
// response returns the previously loaded store.
type HTTPSource struct {
	url    string
	client *http.Client
	logger *zap.Logger

	mu           sync.Mutex
	etag         string
	lastModified string
	last         *jwk.Store
}

// NewHTTPSource validates rawURL and prepares a source for it.
func NewHTTPSource(rawURL string, opts HTTPOptions) (*HTTPSource, error) {
	if err := ValidateURL(rawURL, opts.AllowInsecure); err != nil {
		return nil, err
	}
	client := opts.Client
	if client == nil {
		timeout := opts.Timeout
		if timeout <= 0 {
			timeout = DefaultTimeout
		}
		client = &http.Client{
			Transport: &http.Transport{
				Proxy:               http.ProxyFromEnvironment,
				MaxIdleConns:        10,
				IdleConnTimeout:     90 * time.Second,
				TLSHandshakeTimeout: timeout,
			},
			Timeout: timeout,
		}
	}
	logger := opts.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	return &HTTPSource{url: rawURL, client: client, logger: logger}, nil
}

// ValidateURL checks that rawURL is an absolute https URL, or http when
// allowInsecure is set.
func ValidateURL(rawURL string, allowInsecure bool) error {
	if rawURL == "" {
		return fmt.Errorf("jwks url is required")
	}
	u, err := url.Parse(rawURL)
	if err != nil {
		return fmt.Errorf("invalid jwks url: %v", err)
	}
	if u.Host == "" {
		return fmt.Errorf("invalid jwks url %q: missing host", rawURL)
	}
	switch strings.ToLower(u.Scheme) {
	case "https":
		return nil
	case "http":
		if allowInsecure {
			return nil
		}
		return fmt.Errorf("jwks url must use https (set allow_insecure_jwks to permit http)")
	default:
		return fmt.Errorf("invalid jwks url scheme %q", u.Scheme)
	}
}

// Kind implements Source.
func (*HTTPSource) Kind() string { return "http" }

// URL returns the configured document URL.
func (h *HTTPSource) URL() string { return h.url }

// Load implements Source.
func (h *HTTPSource) Load(ctx context.Context) (*jwk.Store, error) {
	h.mu.Lock()
	etag, lastModified, last := h.etag, h.lastModified, h.last
	h.mu.Unlock()

	// Conditional headers are only useful when a previous body is available.
	if last == nil {
		etag, lastModified = "", ""
	}

	resp, err := get(ctx, h.client, h.url, etag, lastModified)
	if err != nil {
		return nil, err
	}
	if resp.notModified {
		if last == nil {
			return nil, fmt.Errorf("%w: 304 without a cached key set", ErrUnavailable)
		}
		h.logger.Debug("jwks not modified", zap.String("url", h.url))
		return last, nil
	}

	store, err := jwk.Parse(resp.body, h.logger)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrUnavailable, err)
	}

	h.mu.Lock()
	h.etag = resp.etag
	h.lastModified = resp.lastModified
	h.last = store
	h.mu.Unlock()
	return store, nil
}

// CloseIdleConnections releases pooled connections.
func (h *HTTPSource) CloseIdleConnections() {
	h.client.CloseIdleConnections()
}

// Interface guard
var _ Source = (*HTTPSource)(nil)

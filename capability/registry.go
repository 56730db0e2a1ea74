package capability

import (
	"context"
	"fmt"
	"net/url"
	"sort"
	"strings"
	"sync"
)

// Registry routes downloads to backends by URL scheme.
type Registry struct {
	mu       sync.RWMutex
	backends map[string]Downloader
}

func NewRegistry() *Registry {
	return &Registry{backends: make(map[string]Downloader)}
}

// Register sets the backend for scheme, replacing any previous one.
func (r *Registry) Register(scheme string, d Downloader) {
	r.mu.Lock()
	r.backends[strings.ToLower(scheme)] = d
	r.mu.Unlock()
}

func (r *Registry) Get(scheme string) (Downloader, bool) {
	r.mu.RLock()
	d, ok := r.backends[strings.ToLower(scheme)]
	r.mu.RUnlock()
	return d, ok
}

// List returns the registered schemes in order.
func (r *Registry) List() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	schemes := make([]string, 0, len(r.backends))
	for scheme := range r.backends {
		schemes = append(schemes, scheme)
	}
	sort.Strings(schemes)
	return schemes
}

// Download dispatches req to the backend registered for its scheme.
func (r *Registry) Download(ctx context.Context, req Request) (*Response, error) {
	parsed, err := url.Parse(req.URL)
	if err != nil || parsed.Scheme == "" {
		return nil, fmt.Errorf("invalid url")
	}

	d, ok := r.Get(parsed.Scheme)
	if !ok {
		return nil, fmt.Errorf("unsupported scheme: %s", parsed.Scheme)
	}
	return d.Download(ctx, req)
}

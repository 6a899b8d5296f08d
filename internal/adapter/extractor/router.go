package extractor

import (
	"context"

	"github.com/cwygoda/harvester/internal/domain"
)

// Router dispatches extraction calls to the first matching adapter.
type Router struct {
	adapters []Adapter
}

// NewRouter creates a router over adapters, tried in order.
func NewRouter(adapters ...Adapter) *Router {
	return &Router{adapters: adapters}
}

// Register adds an adapter after the existing ones.
func (r *Router) Register(a Adapter) {
	r.adapters = append(r.adapters, a)
}

// Match returns the first adapter that matches the URL, or nil.
func (r *Router) Match(url string) Adapter {
	for _, a := range r.adapters {
		if a.Match(url) {
			return a
		}
	}
	return nil
}

// Adapters returns all registered adapters.
func (r *Router) Adapters() []Adapter {
	return r.adapters
}

// Resolve looks up metadata through the matching adapter.
func (r *Router) Resolve(ctx context.Context, url string) (*domain.Metadata, error) {
	a := r.Match(url)
	if a == nil {
		return nil, domain.Unavailable("no extractor supports this URL", nil)
	}

	meta, err := a.Resolve(ctx, url)
	if err != nil {
		return nil, err
	}
	if meta.URL == "" {
		meta.URL = url
	}
	if meta.Source == "" {
		meta.Source = domain.DetectSource(url)
	}
	if meta.VideoID == "" {
		meta.VideoID = domain.ExtractVideoID(url, meta.Source)
	}
	return meta, nil
}

// Fetch retrieves a variant through the matching adapter.
func (r *Router) Fetch(ctx context.Context, req domain.FetchRequest) (*domain.Artifact, error) {
	a := r.Match(req.URL)
	if a == nil {
		return nil, domain.Unavailable("no extractor supports this URL", nil)
	}
	return a.Fetch(ctx, req)
}

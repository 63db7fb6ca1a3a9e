// ABOUTME: Gateway URL resolution with a process-wide cache.
// ABOUTME: The URL is fetched once; failures are not cached.

package gateway

import (
	"context"
	"errors"
	"sync"
)

// ErrNoGatewayURL is returned by a resolver that has nothing to offer.
var ErrNoGatewayURL = errors.New("no gateway url")

// Info describes where and how to connect.
type Info struct {
	URL string
	// Shards is the recommended shard count, zero if unknown.
	Shards int
}

// Resolver looks up the gateway URL.
type Resolver interface {
	Resolve(ctx context.Context) (Info, error)
}

// StaticResolver always returns the same Info.
type StaticResolver Info

// Resolve returns r, or ErrNoGatewayURL when the URL is empty.
func (r StaticResolver) Resolve(ctx context.Context) (Info, error) {
	if r.URL == "" {
		return Info{}, ErrNoGatewayURL
	}
	return Info(r), nil
}

// CachedResolver remembers the first successful resolution.
type CachedResolver struct {
	next Resolver

	mu     sync.Mutex
	cached *Info
}

// NewCachedResolver wraps next.
func NewCachedResolver(next Resolver) *CachedResolver {
	return &CachedResolver{next: next}
}

// Resolve returns the cached Info or asks the wrapped resolver.
func (r *CachedResolver) Resolve(ctx context.Context) (Info, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.cached != nil {
		return *r.cached, nil
	}
	info, err := r.next.Resolve(ctx)
	if err != nil {
		return Info{}, err
	}
	if info.URL == "" {
		return Info{}, ErrNoGatewayURL
	}
	r.cached = &info
	return info, nil
}

// Invalidate drops the cached value so the next Resolve asks again.
func (r *CachedResolver) Invalidate() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.cached = nil
}

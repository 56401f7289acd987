package onvif

import (
	"context"
	"sync"
	"time"
)

// serviceResolver is what the cache needs from a Resolver
type serviceResolver interface {
	Resolve(ctx context.Context, c Capability, services ServiceMap) Service
}

type cachedService struct {
	handle    Service
	createdAt time.Time
}

// ServiceCache keeps resolved handles per capability for a fixed TTL. Two
// concurrent misses may both resolve; the later insert wins.
type ServiceCache struct {
	resolver serviceResolver
	ttl      time.Duration
	now      func() time.Time

	mu      sync.RWMutex
	entries map[Capability]cachedService
}

// NewServiceCache creates a cache; a non-positive ttl selects DefaultServiceTTL
func NewServiceCache(resolver serviceResolver, ttl time.Duration) *ServiceCache {
	if ttl <= 0 {
		ttl = DefaultServiceTTL
	}
	return &ServiceCache{
		resolver: resolver,
		ttl:      ttl,
		now:      time.Now,
		entries:  make(map[Capability]cachedService),
	}
}

func (c *ServiceCache) lookup(capability Capability) Service {
	c.mu.RLock()
	defer c.mu.RUnlock()

	entry, ok := c.entries[capability]
	if !ok || c.now().Sub(entry.createdAt) >= c.ttl {
		return nil
	}
	return entry.handle
}

// GetOrResolve returns a live cached handle, or resolves and caches a new one.
// A nil result is not cached.
func (c *ServiceCache) GetOrResolve(ctx context.Context, capability Capability, services ServiceMap) Service {
	if svc := c.lookup(capability); svc != nil {
		return svc
	}

	svc := c.resolver.Resolve(ctx, capability, services)
	if svc == nil {
		return nil
	}

	c.mu.Lock()
	c.entries[capability] = cachedService{handle: svc, createdAt: c.now()}
	c.mu.Unlock()
	return svc
}

// Invalidate drops the entry for capability
func (c *ServiceCache) Invalidate(capability Capability) {
	c.mu.Lock()
	delete(c.entries, capability)
	c.mu.Unlock()
}

// Clear drops every entry
func (c *ServiceCache) Clear() {
	c.mu.Lock()
	c.entries = make(map[Capability]cachedService)
	c.mu.Unlock()
}

// handles returns every cached handle, expired ones included
func (c *ServiceCache) handles() []Service {
	c.mu.RLock()
	defer c.mu.RUnlock()

	out := make([]Service, 0, len(c.entries))
	for _, e := range c.entries {
		out = append(out, e.handle)
	}
	return out
}

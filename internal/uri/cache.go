// ABOUTME: Memoized (remote, revision) to full commit hash mapping
// ABOUTME: Collapses concurrent lookups of the same key into one remote call

package uri

import (
	"context"
	"errors"
	"sync"

	"golang.org/x/sync/singleflight"
)

// RevisionResolver turns a symbolic revision into a full commit hash.
type RevisionResolver interface {
	ResolveRevision(ctx context.Context, remote, revision string) (string, error)
}

// RevisionResolverFunc adapts a function to RevisionResolver.
type RevisionResolverFunc func(ctx context.Context, remote, revision string) (string, error)

func (f RevisionResolverFunc) ResolveRevision(ctx context.Context, remote, revision string) (string, error) {
	return f(ctx, remote, revision)
}

// Cache lookup outcomes reported to the observer.
const (
	LookupHit      = "hit"
	LookupMiss     = "miss"
	LookupFullHash = "full_hash"
	LookupError    = "error"
)

// IsFullHash reports whether rev is a 40 character hex commit id.
func IsFullHash(rev string) bool {
	if len(rev) != 40 {
		return false
	}
	for i := 0; i < len(rev); i++ {
		c := rev[i]
		if !('0' <= c && c <= '9' || 'a' <= c && c <= 'f' || 'A' <= c && c <= 'F') {
			return false
		}
	}
	return true
}

type cacheKey struct {
	remote   string
	revision string
}

// CommitCache memoizes revision resolution for the life of the process.
// Entries are never invalidated, so a branch that moves upstream keeps
// resolving to the commit seen first. Failed lookups are not stored.
type CommitCache struct {
	resolver RevisionResolver

	mu      sync.Mutex
	entries map[cacheKey]string

	group singleflight.Group

	// OnLookup, when set, is called with one of the Lookup* outcomes.
	OnLookup func(outcome string)
}

// NewCommitCache wraps resolver with memoization.
func NewCommitCache(resolver RevisionResolver) *CommitCache {
	return &CommitCache{
		resolver: resolver,
		entries:  make(map[cacheKey]string),
	}
}

// Lookup returns a cached hash without calling the resolver.
func (c *CommitCache) Lookup(remote, revision string) (string, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	h, ok := c.entries[cacheKey{remote, revision}]
	return h, ok
}

// Len returns the number of cached entries.
func (c *CommitCache) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.entries)
}

// ResolveRevision returns the full hash for (remote, revision), calling the
// underlying resolver at most once per key among concurrent callers. Full
// hashes are returned as-is without touching the cache.
func (c *CommitCache) ResolveRevision(ctx context.Context, remote, revision string) (string, error) {
	if IsFullHash(revision) {
		c.observe(LookupFullHash)
		return revision, nil
	}
	if h, ok := c.Lookup(remote, revision); ok {
		c.observe(LookupHit)
		return h, nil
	}
	c.observe(LookupMiss)

	key := cacheKey{remote, revision}
	// The shared call must not die with whichever caller started it.
	flightCtx := context.WithoutCancel(ctx)
	ch := c.group.DoChan(remote+"\x00"+revision, func() (any, error) {
		if h, ok := c.Lookup(remote, revision); ok {
			return h, nil
		}
		h, err := c.resolver.ResolveRevision(flightCtx, remote, revision)
		if err != nil {
			return "", err
		}
		if h == "" {
			return "", errors.New("resolver returned an empty hash")
		}
		c.mu.Lock()
		c.entries[key] = h
		c.mu.Unlock()
		return h, nil
	})

	select {
	case <-ctx.Done():
		return "", ctx.Err()
	case res := <-ch:
		if res.Err != nil {
			c.observe(LookupError)
			return "", res.Err
		}
		return res.Val.(string), nil
	}
}

func (c *CommitCache) observe(outcome string) {
	if c.OnLookup != nil {
		c.OnLookup(outcome)
	}
}

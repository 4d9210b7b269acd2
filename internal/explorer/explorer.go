// Package explorer resolves the path-record a ConnectionManager rendezvous
// needs, given a local port and a remote gid (spec.md §4.5).
package explorer

import (
	"context"
	"fmt"
	"time"

	lru "github.com/hashicorp/golang-lru"
	"golang.org/x/sync/singleflight"

	"github.com/yuuki/rdmacore/internal/verbs/backend"
)

// maxRetries and retryInterval match spec.md §4.5 exactly: "Misses fail
// with QueryError::Unreachable after 15 retries at 1-second intervals."
const (
	maxRetries    = 15
	retryInterval = 1 * time.Second
)

// PathRecord is the subnet-administration result a CM rendezvous consumes
// to build its AddressHandle.
type PathRecord struct {
	LID uint16
	MTU int
}

// cacheKey is (gid, service-id), the pair Explorer's cache is keyed by.
type cacheKey struct {
	gid       backend.GID
	serviceID uint64
}

// Query issues the subnet-administration lookup for a (port, gid) pair.
// Implementations talk to whatever SA/SM transport the backend exposes;
// the in-process fabric satisfies this with a direct lookup.
type Query func(ctx context.Context, portNum uint8, gid backend.GID) (PathRecord, error)

// Explorer resolves and caches path records keyed by (gid, service-id).
// Concurrent resolutions for the same key are deduplicated via
// singleflight so a cache-miss storm issues one subnet-administration
// query, not N.
type Explorer struct {
	query Query
	cache *lru.Cache
	group singleflight.Group
}

// New returns an Explorer backed by query, caching up to cacheSize
// distinct (gid, service-id) path records.
func New(query Query, cacheSize int) (*Explorer, error) {
	cache, err := lru.New(cacheSize)
	if err != nil {
		return nil, fmt.Errorf("explorer: %w", err)
	}
	return &Explorer{query: query, cache: cache}, nil
}

// Resolve returns the cached path record for (portNum, gid, serviceID), or
// issues a subnet-administration query and caches the result. A miss
// retries maxRetries times at retryInterval before failing with
// ErrUnreachable.
func (e *Explorer) Resolve(ctx context.Context, portNum uint8, gid backend.GID, serviceID uint64) (PathRecord, error) {
	key := cacheKey{gid: gid, serviceID: serviceID}
	if v, ok := e.cache.Get(key); ok {
		return v.(PathRecord), nil
	}

	v, err, _ := e.group.Do(fmt.Sprintf("%x:%d", gid, serviceID), func() (interface{}, error) {
		var lastErr error
		for attempt := 0; attempt < maxRetries; attempt++ {
			if attempt > 0 {
				select {
				case <-time.After(retryInterval):
				case <-ctx.Done():
					return nil, ctx.Err()
				}
			}
			pr, err := e.query(ctx, portNum, gid)
			if err == nil {
				e.cache.Add(key, pr)
				return pr, nil
			}
			lastErr = err
		}
		return nil, fmt.Errorf("explorer: %w: %v", ErrUnreachable, lastErr)
	})
	if err != nil {
		return PathRecord{}, err
	}
	return v.(PathRecord), nil
}

// ErrUnreachable is returned once a resolution exhausts its retries.
var ErrUnreachable = fmt.Errorf("path record unreachable")

// Package dedup is the shared index of transaction identifiers already
// accepted by any producer.
package dedup

import (
	"context"
	"fmt"
	"time"

	"github.com/opensource-finance/kestrel/internal/domain"
)

// Namespaces, one per processor plus the direct API and streaming sources.
const (
	NamespaceStripe = "stripe"
	NamespacePayPal = "paypal"
	NamespaceAPI    = "api"
	NamespaceKafka  = "kafka"
	NamespaceBus    = "bus"
)

// DefaultTTL is how long a claim is remembered by the cache.
const DefaultTTL = 72 * time.Hour

// Index combines the cache claim with the repository so an identifier
// stays seen after its cache entry expires.
type Index struct {
	cache domain.Cache
	repo  domain.Repository
	ttl   time.Duration
}

// NewIndex creates a dedup index. repo may be nil.
func NewIndex(cache domain.Cache, repo domain.Repository, ttl time.Duration) *Index {
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	return &Index{cache: cache, repo: repo, ttl: ttl}
}

// Claim reports true when the caller is the first to see id in namespace.
// A true result obliges the caller to enqueue the transaction or Release.
func (i *Index) Claim(ctx context.Context, namespace, id string) (bool, error) {
	if id == "" {
		return false, fmt.Errorf("%w: empty identifier", domain.ErrValidation)
	}

	claimed, err := i.cache.Claim(ctx, namespace, id, i.ttl)
	if err != nil {
		return false, fmt.Errorf("dedup claim %s/%s: %w", namespace, id, err)
	}
	if !claimed {
		return false, nil
	}

	if i.repo != nil {
		exists, err := i.repo.TransactionExists(ctx, id)
		if err != nil {
			_ = i.cache.Release(ctx, namespace, id)
			return false, fmt.Errorf("dedup lookup %s: %w", id, err)
		}
		if exists {
			// Keep the claim so later lookups stay in the cache.
			return false, nil
		}
	}

	return true, nil
}

// Release forgets a claim, e.g. after the queue rejected the transaction.
func (i *Index) Release(ctx context.Context, namespace, id string) error {
	return i.cache.Release(ctx, namespace, id)
}

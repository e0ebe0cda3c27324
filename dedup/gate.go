package dedup

import (
	"context"
	"errors"

	"github.com/researchaccelerator-hub/vocalist-crawler/model"
	"github.com/researchaccelerator-hub/vocalist-crawler/state"
	"github.com/rs/zerolog/log"
)

// ChannelLookup is the part of the graph store the gate consults.
type ChannelLookup interface {
	FindChannelByHandle(ctx context.Context, handle string) (model.ChannelRecord, error)
}

// Gate combines the cache with a store lookup.
type Gate struct {
	cache        *Cache
	store        ChannelLookup
	revisitKnown bool
}

// NewGate builds a gate. With revisitKnown set, a handle already in the store
// is admitted again once its cache entry has expired.
func NewGate(cache *Cache, store ChannelLookup, revisitKnown bool) *Gate {
	return &Gate{cache: cache, store: store, revisitKnown: revisitKnown}
}

// Admit reports whether handle should be enqueued now. A true result has
// already reserved the handle in the cache, so concurrent callers for the
// same handle get false.
func (g *Gate) Admit(ctx context.Context, handle string) bool {
	if !g.cache.TryReserve(handle) {
		return false
	}
	if g.revisitKnown || g.store == nil {
		return true
	}

	_, err := g.store.FindChannelByHandle(ctx, handle)
	switch {
	case errors.Is(err, state.ErrNotFound):
		return true
	case err != nil:
		log.Warn().Err(err).Str("handle", handle).Msg("Store lookup failed, admitting handle")
		return true
	default:
		log.Debug().Str("handle", handle).Msg("Handle already stored, skipping")
		return false
	}
}

// Cache returns the underlying cache.
func (g *Gate) Cache() *Cache {
	return g.cache
}

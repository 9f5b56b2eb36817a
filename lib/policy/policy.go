// Package policy implements the per-database eviction policies. A policy
// only selects keys, it never deletes anything itself; the request handlers
// perform the actual deletions so expiration bookkeeping stays consistent.
package policy

import (
	"math/rand"
	"sort"

	"github.com/ValentinKolb/swarmKV/lib/proto"
	"github.com/ValentinKolb/swarmKV/lib/storage"
)

// Policy names as they appear in permission records.
const (
	PolicyNone        = "none"
	PolicyRandom      = "random"
	PolicyVolatileTTL = "volatile_ttl"
)

// --------------------------------------------------------------------------
// Interface Definition
// --------------------------------------------------------------------------

// IEvictionPolicy selects keys to evict so a pending create/update fits
// into the database's byte budget. Implementations are read-only on
// storage. An empty result means the pending operation cannot be made to
// fit by eviction.
type IEvictionPolicy interface {
	KeysToEvict(request *proto.DatabaseMsg, maxSize uint64) []string
}

// TTLLookup returns the absolute expiry (unix seconds) of every key in the
// given database that currently has an expiration entry.
type TTLLookup func(dbUuid string) map[string]uint64

// Get returns the policy registered under the given name, or nil for
// PolicyNone and unknown names (no eviction, the operation fails db_full).
func Get(name string, store storage.IStorage, lookup TTLLookup, rng *rand.Rand) IEvictionPolicy {
	switch name {
	case PolicyRandom:
		return NewRandom(store, rng)
	case PolicyVolatileTTL:
		return NewVolatileTTL(store, lookup)
	default:
		return nil
	}
}

// --------------------------------------------------------------------------
// Shared Helpers
// --------------------------------------------------------------------------

// bytesToFree computes how many bytes eviction must free for the request
// to fit into maxSize, and the key the request itself writes (excluded
// from eviction candidates).
func bytesToFree(store storage.IStorage, request *proto.DatabaseMsg, maxSize uint64) (need int64, self string) {
	db := request.Header.DBUuid
	self = request.Key

	_, current := store.GetSize(db)
	pending := int64(len(request.Key) + len(request.Value))

	// an update replaces its previous pair, that space comes back for free
	if request.MsgCase == proto.MsgCUpdate {
		if prev, res := store.GetKeySize(db, request.Key); res.OK() {
			pending -= prev
		}
	}

	return current + pending - int64(maxSize), self
}

// --------------------------------------------------------------------------
// Random Policy
// --------------------------------------------------------------------------

// randomPolicy evicts uniformly chosen keys until the pending operation
// fits.
type randomPolicy struct {
	store storage.IStorage
	rng   *rand.Rand
}

// NewRandom creates the random eviction policy. The rng parameter allows
// deterministic selection in tests; nil uses the shared global source.
func NewRandom(store storage.IStorage, rng *rand.Rand) IEvictionPolicy {
	return &randomPolicy{store: store, rng: rng}
}

func (p *randomPolicy) KeysToEvict(request *proto.DatabaseMsg, maxSize uint64) []string {
	need, self := bytesToFree(p.store, request, maxSize)
	if need <= 0 {
		return nil
	}

	db := request.Header.DBUuid
	candidates := p.store.GetKeys(db)

	// stable order first so the shuffle alone decides the outcome
	sort.Strings(candidates)
	shuffle := rand.Shuffle
	if p.rng != nil {
		shuffle = p.rng.Shuffle
	}
	shuffle(len(candidates), func(i, j int) {
		candidates[i], candidates[j] = candidates[j], candidates[i]
	})

	var (
		evict []string
		freed int64
	)
	for _, key := range candidates {
		if key == self {
			continue
		}
		size, res := p.store.GetKeySize(db, key)
		if !res.OK() {
			continue
		}
		evict = append(evict, key)
		freed += size
		if freed >= need {
			return evict
		}
	}

	// even evicting everything would not make the operation fit
	return nil
}

// --------------------------------------------------------------------------
// Volatile TTL Policy
// --------------------------------------------------------------------------

// volatileTTLPolicy evicts keys closest to expiring anyway. Keys without
// an expiration entry are never chosen.
type volatileTTLPolicy struct {
	store  storage.IStorage
	lookup TTLLookup
}

// NewVolatileTTL creates the volatile_ttl eviction policy.
func NewVolatileTTL(store storage.IStorage, lookup TTLLookup) IEvictionPolicy {
	return &volatileTTLPolicy{store: store, lookup: lookup}
}

func (p *volatileTTLPolicy) KeysToEvict(request *proto.DatabaseMsg, maxSize uint64) []string {
	need, self := bytesToFree(p.store, request, maxSize)
	if need <= 0 {
		return nil
	}

	db := request.Header.DBUuid
	expiries := p.lookup(db)

	type candidate struct {
		key    string
		expiry uint64
	}
	candidates := make([]candidate, 0, len(expiries))
	for key, expiry := range expiries {
		if key == self {
			continue
		}
		candidates = append(candidates, candidate{key: key, expiry: expiry})
	}

	// earliest expiry first, equal expiries in lexicographic key order
	sort.Slice(candidates, func(i, j int) bool {
		if candidates[i].expiry != candidates[j].expiry {
			return candidates[i].expiry < candidates[j].expiry
		}
		return candidates[i].key < candidates[j].key
	})

	var (
		evict []string
		freed int64
	)
	for _, c := range candidates {
		size, res := p.store.GetKeySize(db, c.key)
		if !res.OK() {
			continue
		}
		evict = append(evict, c.key)
		freed += size
		if freed >= need {
			return evict
		}
	}
	return nil
}

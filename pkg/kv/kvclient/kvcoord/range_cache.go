// Copyright 2014 The Cockroach Authors.
//
// Use of this software is governed by the Business Source License
// included in the file licenses/BSL.txt.
//
// As of the Change Date specified in that file, in accordance with
// the Business Source License, use of this software will be governed
// by the Apache License, Version 2.0, included in the file
// licenses/APL.txt.

// Package kvcoord sits above the storage layer and routes client requests
// to the region currently responsible for a key, retrying and re-resolving
// as regions split, merge, or change leaseholders.
package kvcoord

import (
	"bytes"
	"context"
	"fmt"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/biogo/store/llrb"
	"github.com/cockroachdb/errors"
	"github.com/cockroachdb/logtags"
	"github.com/opentracing/opentracing-go"
	"golang.org/x/sync/singleflight"

	"github.com/zhangjinpeng1987/tikv/pkg/kv/kvserver"
	"github.com/zhangjinpeng1987/tikv/pkg/util/log"
)

// regionCacheKey indexes the cache's ordered tree by a region's EndKey, so
// that a lookup for any key within the region can be satisfied by finding
// the first entry whose key is >= the lookup key (a Ceil query).
type regionCacheKey []byte

func (a regionCacheKey) String() string { return fmt.Sprintf("%x", []byte(a)) }

// Compare implements llrb.Comparable. A nil key sorts last, representing
// the +inf EndKey of the final region in the keyspace.
func (a regionCacheKey) Compare(b llrb.Comparable) int {
	other := b.(regionCacheKey)
	if a == nil && other == nil {
		return 0
	}
	if a == nil {
		return 1
	}
	if other == nil {
		return -1
	}
	return bytes.Compare(a, other)
}

// RegionDB is queried by RegionCache on a cache miss. It is implemented by
// whatever component holds the authoritative region topology (a local
// store for a single-node deployment, or a placement-driver client in a
// multi-node one).
type RegionDB interface {
	// RegionLookup returns the region containing key (possibly stale, if
	// served from an intent) and any adjacent regions worth prefetching.
	RegionLookup(ctx context.Context, key []byte, useReverseScan bool) (found []kvserver.Region, prefetched []kvserver.Region, err error)

	// FirstRegion returns the region covering the start of the keyspace.
	FirstRegion() (*kvserver.Region, error)
}

// RegionCache caches Region descriptors keyed by their EndKey, populating
// itself from a RegionDB on miss and coalescing concurrent misses for the
// same region onto a single RegionDB call.
type RegionCache struct {
	db      RegionDB
	sizeFn  func() int64
	mu      struct {
		sync.RWMutex
		tree *llrb.Tree
		n    int
	}
	lookupRequests singleflight.Group

	// coalesced, if not nil, is sent on every time a lookup request is
	// coalesced onto another in-flight one. Used by tests to block until a
	// lookup is waiting on the single-flight call to the db.
	coalesced chan struct{}
}

type cacheEntry struct {
	key    regionCacheKey
	region *kvserver.Region
}

func (e *cacheEntry) Compare(b llrb.Comparable) int { return e.key.Compare(b.(*cacheEntry).key) }

// NewRegionCache returns a cache backed by db. Once the entry count exceeds
// sizeFn(), entries are evicted in ascending EndKey order (smallest EndKey
// first); neither insertion age nor recency of use is tracked.
func NewRegionCache(db RegionDB, sizeFn func() int64) *RegionCache {
	rc := &RegionCache{db: db, sizeFn: sizeFn}
	rc.mu.tree = &llrb.Tree{}
	return rc
}

func (rc *RegionCache) String() string {
	rc.mu.RLock()
	defer rc.mu.RUnlock()
	var buf strings.Builder
	rc.mu.tree.Do(func(c llrb.Comparable) (done bool) {
		e := c.(*cacheEntry)
		fmt.Fprintf(&buf, "key=%x region=%s\n", []byte(e.key), e.region)
		return false
	})
	return buf.String()
}

// EvictionToken holds eviction state between calls to LookupRegion.
type EvictionToken struct {
	prevRegion *kvserver.Region

	doOnce    sync.Once
	doLocker  sync.Locker
	do        func(context.Context) error
	doReplace func(context.Context, ...kvserver.Region) error
}

func (rc *RegionCache) makeEvictionToken(
	prevRegion *kvserver.Region, evict func(ctx context.Context) error,
) *EvictionToken {
	return &EvictionToken{
		prevRegion: prevRegion,
		do:         evict,
		doReplace:  rc.insertRegionsLocked,
		doLocker:   &rc.mu,
	}
}

// Evict evicts the Region this token was created with from the cache.
func (et *EvictionToken) Evict(ctx context.Context) error {
	return et.EvictAndReplace(ctx)
}

// EvictAndReplace evicts the Region this token was created with and
// inserts newRegions in its place, atomically with respect to other
// cache readers. With no arguments it behaves like Evict.
func (et *EvictionToken) EvictAndReplace(ctx context.Context, newRegions ...kvserver.Region) error {
	var err error
	et.doOnce.Do(func() {
		et.doLocker.Lock()
		defer et.doLocker.Unlock()
		err = et.do(ctx)
		if err == nil {
			if len(newRegions) > 0 {
				err = et.doReplace(ctx, newRegions...)
				log.Event(ctx, fmt.Sprintf("evicting cached region with %d replacements", len(newRegions)))
			} else {
				log.Event(ctx, "evicting cached region")
			}
		}
	})
	return err
}

// lookupRequestKey constructs a key for the lookupRequest group so that
// concurrent misses that are inferred to be looking for the same region
// coalesce onto the same RegionDB call.
//
// If key falls within a region we previously had cached (but whose entry
// is now known stale), prevRegion lets us coalesce all requests for keys
// within that old region's span onto a single lookup, the same way a
// split or a rebalance is resolved by one lookup rather than one per
// waiting caller.
func lookupRequestKey(key []byte, prevRegion *kvserver.Region, useReverseScan bool) string {
	var ret strings.Builder
	if prevRegion != nil {
		if useReverseScan {
			key = prevRegion.EndKey
		} else {
			key = prevRegion.StartKey
		}
	}
	ret.Write(key)
	ret.WriteString(":")
	ret.WriteString(strconv.FormatBool(useReverseScan))
	// The previous region's epoch disambiguates a double-split: [a,e)
	// splits into [a,c),[c,e); a request on [c,e) fails and retries while
	// [a,c) splits again into [a,b),[b,c). Without the epoch, the retried
	// [c,e) request could coalesce with the new [a,b) request even though
	// they resolve to different regions.
	if prevRegion != nil {
		ret.WriteString(":")
		ret.WriteString(strconv.FormatUint(prevRegion.Epoch.Version, 10))
		ret.WriteString(":")
		ret.WriteString(strconv.FormatUint(prevRegion.Epoch.ConfVer, 10))
	}
	return ret.String()
}

// LookupRegionWithEvictionToken locates the Region containing key, first
// consulting the cache and falling back to the RegionDB on miss. Pass the
// EvictionToken from a previous call if the caller is retrying after
// finding a cached Region stale; pass nil on a first attempt.
func (rc *RegionCache) LookupRegionWithEvictionToken(
	ctx context.Context, key []byte, evictToken *EvictionToken, useReverseScan bool,
) (*kvserver.Region, *EvictionToken, error) {
	return rc.lookupRegionInternal(ctx, key, evictToken, useReverseScan)
}

// LookupRegion is LookupRegionWithEvictionToken without eviction-token or
// scan-direction control, for callers that only need a forward lookup.
func (rc *RegionCache) LookupRegion(ctx context.Context, key []byte) (*kvserver.Region, error) {
	r, _, err := rc.lookupRegionInternal(ctx, key, nil, false)
	return r, err
}

func (rc *RegionCache) lookupRegionInternal(
	ctx context.Context, key []byte, evictToken *EvictionToken, useReverseScan bool,
) (*kvserver.Region, *EvictionToken, error) {
	for {
		region, newToken, err := rc.tryLookupRegion(ctx, key, evictToken, useReverseScan)
		if errors.HasType(err, (lookupCoalescingError{})) {
			log.VEventf(ctx, 2, "bad lookup coalescing; retrying: %s", err)
			continue
		}
		if err != nil {
			return nil, nil, err
		}
		return region, newToken, nil
	}
}

// lookupCoalescingError is returned when a region lookup was coalesced
// with another key's lookup and the result doesn't actually cover this
// key; the caller should retry, by which point the real answer is often
// already cached from the other request's prefetch.
type lookupCoalescingError struct {
	key         []byte
	wrongRegion *kvserver.Region
}

func (e lookupCoalescingError) Error() string {
	return fmt.Sprintf("key %x not contained in region lookup's resulting region %s", e.key, e.wrongRegion)
}

func newLookupCoalescingError(key []byte, wrongRegion *kvserver.Region) error {
	return lookupCoalescingError{key: key, wrongRegion: wrongRegion}
}

func (rc *RegionCache) tryLookupRegion(
	ctx context.Context, key []byte, evictToken *EvictionToken, useReverseScan bool,
) (*kvserver.Region, *EvictionToken, error) {
	rc.mu.RLock()
	if region, _, err := rc.getCachedRegionLocked(key, useReverseScan); err != nil {
		rc.mu.RUnlock()
		return nil, nil, err
	} else if region != nil {
		rc.mu.RUnlock()
		token := rc.makeEvictionToken(region, func(ctx context.Context) error {
			return rc.evictCachedRegionLocked(ctx, key, region, useReverseScan)
		})
		return region, token, nil
	}

	log.VEventf(ctx, 2, "lookup region: key=%x (reverse: %t)", key, useReverseScan)

	var prevRegion *kvserver.Region
	if evictToken != nil {
		prevRegion = evictToken.prevRegion
	}
	requestKey := lookupRequestKey(key, prevRegion, useReverseScan)
	resC := rc.lookupRequests.DoChan(requestKey, func() (interface{}, error) {
		res, err := rc.runLookup(ctx, key, useReverseScan)
		return res, err
	})

	rc.mu.RUnlock()

	// Wait for the inflight request (ours or one we coalesced onto).
	var res singleflight.Result
	select {
	case res = <-resC:
	case <-ctx.Done():
		return nil, nil, errors.Wrap(ctx.Err(), "aborted during region lookup")
	}
	if !res.Shared {
		log.VEventf(ctx, 2, "looked up region directly")
	} else {
		log.VEventf(ctx, 2, "looked up region with shared request")
		if rc.coalesced != nil {
			rc.coalesced <- struct{}{}
		}
	}
	if res.Err != nil {
		return nil, nil, res.Err
	}

	// A coalesced request's answer might not actually cover our key: say
	// [a,z) was cached as evictToken and is now stale because it split
	// into [a,m),[m,z). A request for "a" coalesces with one for "m", and
	// whichever region comes back, the other request's key falls outside
	// it. Surface that as a retryable error rather than returning the
	// wrong region.
	lookupRes := res.Val.(lookupResult)
	if region := lookupRes.region; region != nil {
		contains := region.ContainsKey
		if useReverseScan {
			contains = region.ContainsKeyInverted
		}
		if !contains(key) {
			return nil, nil, newLookupCoalescingError(key, region)
		}
	}
	return lookupRes.region, lookupRes.evictToken, nil
}

type lookupResult struct {
	region     *kvserver.Region
	evictToken *EvictionToken
}

// runLookup performs one RegionDB round trip plus the cache insert of its
// result, run from inside the singleflight group so concurrent misses for
// the same region share it.
func (rc *RegionCache) runLookup(
	ctx context.Context, key []byte, useReverseScan bool,
) (lookupResult, error) {
	span, spanCtx := opentracing.StartSpanFromContext(ctx, "region lookup")
	defer span.Finish()

	// Clear the caller's cancelation: this request services potentially
	// many coalesced callers, and tying it to whichever caller happened to
	// be the singleflight leader doesn't make sense. The span and log tags
	// still carry over so the lookup remains traceable.
	detached := logtags.WithTags(context.Background(), logtags.FromContext(spanCtx))
	detached = opentracing.ContextWithSpan(detached, span)
	lookupCtx, cancel := context.WithTimeout(detached, 10*time.Second)
	defer cancel()

	rs, preRs, err := rc.performRegionLookup(lookupCtx, key, useReverseScan)
	if err != nil {
		return lookupResult{}, err
	}

	var res lookupResult
	switch len(rs) {
	case 0:
		return lookupResult{}, errors.Newf("no regions returned for key %x", key)
	case 1:
		region := &rs[0]
		res = lookupResult{
			region: region,
			evictToken: rc.makeEvictionToken(region, func(ctx context.Context) error {
				return rc.evictCachedRegionLocked(ctx, key, region, useReverseScan)
			}),
		}
	case 2:
		region := &rs[0]
		next := rs[1]
		res = lookupResult{
			region: region,
			evictToken: rc.makeEvictionToken(region, func(ctx context.Context) error {
				return rc.insertRegionsLocked(ctx, next)
			}),
		}
	default:
		return lookupResult{}, errors.AssertionFailedf("more than 2 matching regions returned for key %x: %v", key, rs)
	}

	rc.mu.Lock()
	defer rc.mu.Unlock()
	if err := rc.insertRegionsLocked(ctx, preRs...); err != nil {
		log.Warningf(ctx, "region cache: inserting prefetched regions failed: %v", err)
	}
	if err := rc.insertRegionsLocked(ctx, rs[:1]...); err != nil {
		return lookupResult{}, err
	}
	return res, nil
}

func (rc *RegionCache) performRegionLookup(
	ctx context.Context, key []byte, useReverseScan bool,
) ([]kvserver.Region, []kvserver.Region, error) {
	ctx = logtags.AddTag(ctx, "region-lookup", fmt.Sprintf("%x", key))
	if key == nil {
		region, err := rc.db.FirstRegion()
		if err != nil {
			return nil, nil, err
		}
		return []kvserver.Region{*region}, nil, nil
	}
	return rc.db.RegionLookup(ctx, key, useReverseScan)
}

// Clear removes every cached Region.
func (rc *RegionCache) Clear() {
	rc.mu.Lock()
	defer rc.mu.Unlock()
	rc.mu.tree = &llrb.Tree{}
	rc.mu.n = 0
}

// EvictCachedRegion evicts the cached Region covering descKey, if any.
// seenRegion, when supplied, makes the eviction conditional: only a cache
// entry still matching seenRegion's epoch is evicted, since the cache may
// already have been updated past it by another caller.
func (rc *RegionCache) EvictCachedRegion(
	ctx context.Context, descKey []byte, seenRegion *kvserver.Region, inverted bool,
) error {
	rc.mu.Lock()
	defer rc.mu.Unlock()
	return rc.evictCachedRegionLocked(ctx, descKey, seenRegion, inverted)
}

func (rc *RegionCache) evictCachedRegionLocked(
	ctx context.Context, descKey []byte, seenRegion *kvserver.Region, inverted bool,
) error {
	cached, entry, err := rc.getCachedRegionLocked(descKey, inverted)
	if err != nil || cached == nil {
		return err
	}
	if seenRegion != nil && !seenRegion.Epoch.Equal(cached.Epoch) {
		// Already evicted and replaced by someone else; avoid a redundant,
		// expensive lookup.
		return nil
	}
	log.VEventf(ctx, 2, "evict cached region: key=%x region=%s", descKey, cached)
	rc.delEntryLocked(entry)
	return nil
}

// GetCachedRegion retrieves the Region containing key from the cache, or
// nil if absent. inverted selects the boundary convention used at a split
// point: see Region.ContainsKeyInverted.
func (rc *RegionCache) GetCachedRegion(key []byte, inverted bool) (*kvserver.Region, error) {
	rc.mu.RLock()
	defer rc.mu.RUnlock()
	region, _, err := rc.getCachedRegionLocked(key, inverted)
	return region, err
}

func (rc *RegionCache) getCachedRegionLocked(
	key []byte, inverted bool,
) (*kvserver.Region, *cacheEntry, error) {
	// The tree is indexed by EndKey (non-inverted); an inverted lookup's
	// boundary convention instead requires a Ceil on the raw key.
	var seek regionCacheKey
	if !inverted {
		seek = regionCacheKey(nextKey(key))
	} else {
		seek = regionCacheKey(key)
	}

	found := rc.ceil(seek)
	if found == nil {
		return nil, nil, nil
	}

	contains := found.region.ContainsKey
	if inverted {
		contains = found.region.ContainsKeyInverted
	}
	if !contains(key) {
		return nil, nil, nil
	}
	return found.region, found, nil
}

// nextKey returns the lexicographically smallest key strictly greater
// than key, used to turn a non-inverted "does this region contain key"
// query into a Ceil lookup on the EndKey-indexed tree.
func nextKey(key []byte) []byte {
	out := make([]byte, len(key)+1)
	copy(out, key)
	return out
}

// InsertRegions inserts rs into the cache, replacing any stale entry they
// overlap.
func (rc *RegionCache) InsertRegions(ctx context.Context, rs ...kvserver.Region) error {
	rc.mu.Lock()
	defer rc.mu.Unlock()
	return rc.insertRegionsLocked(ctx, rs...)
}

func (rc *RegionCache) insertRegionsLocked(ctx context.Context, rs ...kvserver.Region) error {
	for i := range rs {
		ok, err := rc.clearOverlappingLocked(ctx, &rs[i])
		if err != nil || !ok {
			return err
		}
		entry := &cacheEntry{key: regionCacheKey(rs[i].EndKey), region: &rs[i]}
		log.VEventf(ctx, 2, "adding region: key=%x region=%s", entry.key, entry.region)
		rc.addLocked(entry)
	}
	return nil
}

// clearOverlappingLocked evicts any cached entries that overlap desc,
// unless an overlapping entry is already known newer (by epoch), in which
// case it refuses the insert: even so, clearly stale entries are still
// dropped along the way.
func (rc *RegionCache) clearOverlappingLocked(ctx context.Context, desc *kvserver.Region) (bool, error) {
	endSeek := regionCacheKey(desc.EndKey)

	var toEvict []*cacheEntry
	proceed := true

	// The region whose EndKey is the Ceil of desc.EndKey might overlap
	// desc if its StartKey is within [desc.StartKey, desc.EndKey).
	if e := rc.ceil(endSeek); e != nil {
		if keyLess(e.region.StartKey, desc.EndKey) && !keyLess(e.region.EndKey, desc.EndKey) {
			if desc.Epoch.Less(e.region.Epoch) {
				proceed = false
			} else if proceed {
				toEvict = append(toEvict, e)
			}
		}
	}

	// Every entry whose EndKey falls in (desc.StartKey, desc.EndKey) is
	// fully covered by desc (e.g. both halves of a just-merged region); an
	// entry whose EndKey equals desc.EndKey was handled by the Ceil check.
	rc.doRange(regionCacheKey(startKeySucc(desc.StartKey)), endSeek, func(e *cacheEntry) bool {
		if desc.Epoch.Less(e.region.Epoch) {
			proceed = false
		} else {
			toEvict = append(toEvict, e)
		}
		return false
	})

	for _, e := range toEvict {
		log.VEventf(ctx, 2, "clearing overlapping region: key=%x region=%s", e.key, e.region)
		rc.delEntryLocked(e)
	}
	return proceed, nil
}

func keyLess(a, b []byte) bool { return bytes.Compare(a, b) < 0 }

func startKeySucc(start []byte) []byte { return nextKey(start) }

// --- minimal llrb-backed ordered cache, sized by entry count ---

func (rc *RegionCache) addLocked(e *cacheEntry) {
	rc.mu.tree.Insert(e)
	rc.mu.n++
	for int64(rc.mu.n) > rc.sizeFn() {
		min := rc.mu.tree.Min()
		if min == nil {
			break
		}
		rc.mu.tree.DeleteMin()
		rc.mu.n--
	}
}

func (rc *RegionCache) delEntryLocked(e *cacheEntry) {
	if rc.mu.tree.Delete(e) != nil {
		rc.mu.n--
	}
}

// ceil returns the entry with the smallest key >= seek, or nil.
func (rc *RegionCache) ceil(seek regionCacheKey) *cacheEntry {
	c := rc.mu.tree.Ceil(&cacheEntry{key: seek})
	if c == nil {
		return nil
	}
	return c.(*cacheEntry)
}

// doRange calls f for every entry with from <= key < to, in ascending
// order, stopping early if f returns true.
func (rc *RegionCache) doRange(from, to regionCacheKey, f func(*cacheEntry) bool) {
	rc.mu.tree.DoRange(func(c llrb.Comparable) bool {
		return f(c.(*cacheEntry))
	}, &cacheEntry{key: from}, &cacheEntry{key: to})
}

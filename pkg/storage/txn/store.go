// Copyright 2022 The Cockroach Authors.
//
// Use of this software is governed by the Business Source License
// included in the file licenses/BSL.txt.
//
// As of the Change Date specified in that file, in accordance with
// the Business Source License, use of this software will be governed
// by the Apache License, Version 2.0, included in the file
// licenses/APL.txt.

// Package txn is the transaction store facade over mvcc: it provides
// external atomicity for multi-key operations on one node by acquiring a
// fixed set of sharded key locks in ascending order before running an
// mvcc.MvccTxn operation, then applying the resulting write batch
// atomically. The shard count and locking discipline are
// carried over from the original TxnStore's shard_mutex (256 stripes,
// always locked low-to-high to avoid deadlock across multi-key ops).
package txn

import (
	"context"
	"hash/fnv"
	"sort"
	"sync"

	"github.com/zhangjinpeng1987/tikv/pkg/errorkinds"
	"github.com/zhangjinpeng1987/tikv/pkg/storage/engine"
	"github.com/zhangjinpeng1987/tikv/pkg/storage/keys"
	"github.com/zhangjinpeng1987/tikv/pkg/storage/mvcc"
	"github.com/zhangjinpeng1987/tikv/pkg/util/log"
)

// shardCount is the number of fixed lock stripes keys are hashed into.
const shardCount = 256

// Applier commits a validated batch of engine ops. The default Applier
// writes straight through to the engine; a replicated region instead
// plugs in an Applier that proposes the batch through Raft and blocks
// until it is durably committed and applied, per step 4.
type Applier interface {
	Apply(ctx context.Context, ops []engine.Op) error
}

// directApplier writes straight to the engine, for a non-replicated
// store or for tests.
type directApplier struct{ eng engine.Engine }

func (d directApplier) Apply(_ context.Context, ops []engine.Op) error {
	if len(ops) == 0 {
		return nil
	}
	return d.eng.WriteBatch(ops)
}

// KvPair is one key/value result from Scan.
type KvPair struct {
	Key   []byte
	Value []byte
}

// Store is the per-node transaction store facade.
type Store struct {
	eng     engine.Engine
	applier Applier
	shards  []sync.Mutex
}

// NewStore builds a Store that applies committed batches directly to eng.
func NewStore(eng engine.Engine) *Store {
	return NewStoreWithApplier(eng, directApplier{eng: eng})
}

// NewStoreWithApplier builds a Store that reads from eng but applies
// committed batches through applier (e.g. a Raft-backed region).
func NewStoreWithApplier(eng engine.Engine, applier Applier) *Store {
	return &Store{eng: eng, applier: applier, shards: make([]sync.Mutex, shardCount)}
}

func shardOf(key []byte) int {
	h := fnv.New32a()
	_, _ = h.Write(key)
	return int(h.Sum32() % shardCount)
}

// acquire locks the stripes touched by keys in ascending order and
// returns a function that releases them all. Locking low-to-high
// regardless of request order is what makes concurrent multi-key
// operations deadlock-free.
func (s *Store) acquire(keys [][]byte) func() {
	seen := make(map[int]struct{}, len(keys))
	for _, k := range keys {
		seen[shardOf(k)] = struct{}{}
	}
	idx := make([]int, 0, len(seen))
	for i := range seen {
		idx = append(idx, i)
	}
	sort.Ints(idx)
	for _, i := range idx {
		s.shards[i].Lock()
	}
	return func() {
		for _, i := range idx {
			s.shards[i].Unlock()
		}
	}
}

// Get fetches one key's value as of startTS.
func (s *Store) Get(ctx context.Context, key []byte, startTS uint64) ([]byte, error) {
	release := s.acquire([][]byte{key})
	defer release()

	snap, err := s.eng.Snapshot()
	if err != nil {
		return nil, errorkinds.EngineFailure(err, "opening snapshot")
	}
	defer snap.Close()

	return mvcc.NewMvccTxn(snap, startTS).Get(key)
}

// GetResult pairs a key with its Get outcome for BatchGet, since
// individual keys in a batch may fail independently (e.g. one locked,
// others not).
type GetResult struct {
	Key   []byte
	Value []byte
	Err   error
}

// BatchGet fetches multiple keys as of startTS under one combined set of
// shard locks and one snapshot, so the batch is read at a single
// consistent point in time.
func (s *Store) BatchGet(ctx context.Context, keys [][]byte, startTS uint64) []GetResult {
	release := s.acquire(keys)
	defer release()

	results := make([]GetResult, len(keys))
	snap, err := s.eng.Snapshot()
	if err != nil {
		wrapped := errorkinds.EngineFailure(err, "opening snapshot")
		for i, k := range keys {
			results[i] = GetResult{Key: k, Err: wrapped}
		}
		return results
	}
	defer snap.Close()

	txn := mvcc.NewMvccTxn(snap, startTS)
	for i, k := range keys {
		v, err := txn.Get(k)
		results[i] = GetResult{Key: k, Value: v, Err: err}
	}
	return results
}

// Scan walks keys in order from start, applying Get-semantics visibility
// to each encountered user key, and returns up to limit results.
func (s *Store) Scan(ctx context.Context, start []byte, limit int, startTS uint64) ([]KvPair, error) {
	snap, err := s.eng.Snapshot()
	if err != nil {
		return nil, errorkinds.EngineFailure(err, "opening snapshot")
	}
	defer snap.Close()

	var (
		results []KvPair
		cursor  = prefixLockKey(start) // encoded data-key domain, inclusive lower bound
	)
	for len(results) < limit {
		nextKey, encPrefix, ok, err := nextUserKey(snap, cursor)
		if err != nil {
			return nil, err
		}
		if !ok {
			break
		}

		release := s.acquire([][]byte{nextKey})
		v, err := mvcc.NewMvccTxn(snap, startTS).Get(nextKey)
		release()
		if err != nil {
			if _, locked := errorkinds.IsKeyIsLocked(err); !locked {
				return nil, err
			}
			// A locked key does not stop the scan; it records a
			// per-key error while continuing, same as a plain Get.
			log.Warningf(ctx, "scan skipping locked key %x", nextKey)
		} else if v != nil {
			results = append(results, KvPair{Key: append([]byte(nil), nextKey...), Value: v})
		}

		next := keys.PrefixEnd(encPrefix)
		if next == nil {
			break // encPrefix was all 0xff bytes: no key can sort after it
		}
		cursor = next
	}
	return results, nil
}

// nextUserKey finds the next distinct user key whose encoded form is at
// or after cursor, by scanning the write CF, which carries one entry per
// committed version of every key that has ever been written. It returns
// both the decoded user key and its encoded prefix, the latter so the
// caller can compute the next cursor with keys.PrefixEnd without
// re-encoding.
func nextUserKey(snap engine.Snapshot, cursor []byte) (userKey, encPrefix []byte, ok bool, err error) {
	scanErr := snap.Scan(engine.CFWrite, cursor, nil, func(k, _ []byte) (bool, error) {
		prefix, _, splitErr := keys.SplitTS(k)
		if splitErr != nil {
			return false, splitErr
		}
		encPrefix = append([]byte(nil), prefix...)
		userKey = keys.DecodeDataKey(prefix)
		ok = true
		return false, nil
	})
	if scanErr != nil {
		return nil, nil, false, scanErr
	}
	return userKey, encPrefix, ok, nil
}

// Prewrite validates and stages every mutation's lock (and, for Put,
// default-CF value), then applies the resulting batch atomically.
func (s *Store) Prewrite(
	ctx context.Context, mutations []mvcc.Mutation, primary []byte, startTS, ttl uint64,
) error {
	keys := make([][]byte, len(mutations))
	for i, m := range mutations {
		keys[i] = m.Key
	}
	release := s.acquire(keys)
	defer release()

	snap, err := s.eng.Snapshot()
	if err != nil {
		return errorkinds.EngineFailure(err, "opening snapshot")
	}
	defer snap.Close()

	txn := mvcc.NewMvccTxn(snap, startTS)
	for _, m := range mutations {
		if err := txn.Prewrite(m, primary, ttl); err != nil {
			return err
		}
	}
	return s.applier.Apply(ctx, txn.WriteBatch())
}

// Commit commits every key of the transaction identified by startTS at
// commitTS.
func (s *Store) Commit(ctx context.Context, keys [][]byte, startTS, commitTS uint64) error {
	release := s.acquire(keys)
	defer release()

	snap, err := s.eng.Snapshot()
	if err != nil {
		return errorkinds.EngineFailure(err, "opening snapshot")
	}
	defer snap.Close()

	txn := mvcc.NewMvccTxn(snap, startTS)
	for _, k := range keys {
		if err := txn.Commit(k, commitTS); err != nil {
			return err
		}
	}
	return s.applier.Apply(ctx, txn.WriteBatch())
}

// Rollback rolls back every key of the transaction identified by startTS.
func (s *Store) Rollback(ctx context.Context, keys [][]byte, startTS uint64) error {
	release := s.acquire(keys)
	defer release()

	snap, err := s.eng.Snapshot()
	if err != nil {
		return errorkinds.EngineFailure(err, "opening snapshot")
	}
	defer snap.Close()

	txn := mvcc.NewMvccTxn(snap, startTS)
	for _, k := range keys {
		if err := txn.Rollback(k); err != nil {
			return err
		}
	}
	return s.applier.Apply(ctx, txn.WriteBatch())
}

// prefixLockKey encodes a raw user key into the data-key domain shared by
// the lock and write CFs, so Scan's cursor can be compared directly
// against write-CF entries without mvcc needing to export its codec.
func prefixLockKey(userKey []byte) []byte {
	return mvcc.LockKeyForScan(userKey)
}

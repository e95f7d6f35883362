// Copyright 2022 The Cockroach Authors.
//
// Use of this software is governed by the Business Source License
// included in the file licenses/BSL.txt.
//
// As of the Change Date specified in that file, in accordance with
// the Business Source License, use of this software will be governed
// by the Apache License, Version 2.0, included in the file
// licenses/APL.txt.

package txn

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/zhangjinpeng1987/tikv/pkg/errorkinds"
	"github.com/zhangjinpeng1987/tikv/pkg/storage/engine"
	"github.com/zhangjinpeng1987/tikv/pkg/storage/mvcc"
)

func put(ctx context.Context, t *testing.T, s *Store, key, value []byte, startTS, commitTS uint64) {
	t.Helper()
	require.NoError(t, s.Prewrite(ctx, []mvcc.Mutation{{Op: mvcc.MutationPut, Key: key, Value: value}}, key, startTS, 1000))
	require.NoError(t, s.Commit(ctx, [][]byte{key}, startTS, commitTS))
}

func del(ctx context.Context, t *testing.T, s *Store, key []byte, startTS, commitTS uint64) {
	t.Helper()
	require.NoError(t, s.Prewrite(ctx, []mvcc.Mutation{{Op: mvcc.MutationDelete, Key: key}}, key, startTS, 1000))
	require.NoError(t, s.Commit(ctx, [][]byte{key}, startTS, commitTS))
}

// TestSingleRegionPutGet checks that a committed put is visible only at
// or after its commit timestamp.
func TestSingleRegionPutGet(t *testing.T) {
	ctx := context.Background()
	s := NewStore(engine.NewMemEngine())

	put(ctx, t, s, []byte("x"), []byte("v"), 5, 10)

	v, err := s.Get(ctx, []byte("x"), 9)
	require.NoError(t, err)
	require.Nil(t, v)

	v, err = s.Get(ctx, []byte("x"), 10)
	require.NoError(t, err)
	require.Equal(t, []byte("v"), v)

	v, err = s.Get(ctx, []byte("x"), 11)
	require.NoError(t, err)
	require.Equal(t, []byte("v"), v)
}

// TestDeleteVisibility checks that a committed delete hides the key from
// reads at or after its commit timestamp.
func TestDeleteVisibility(t *testing.T) {
	ctx := context.Background()
	s := NewStore(engine.NewMemEngine())

	put(ctx, t, s, []byte("x"), []byte("v5"), 5, 10)
	del(ctx, t, s, []byte("x"), 15, 20)

	v, err := s.Get(ctx, []byte("x"), 19)
	require.NoError(t, err)
	require.Equal(t, []byte("v5"), v)

	v, err = s.Get(ctx, []byte("x"), 20)
	require.NoError(t, err)
	require.Nil(t, v)
}

// TestPrewriteConflict checks that a prewrite conflicting with an
// existing lock fails with KeyIsLocked instead of silently overwriting it.
func TestPrewriteConflict(t *testing.T) {
	ctx := context.Background()
	s := NewStore(engine.NewMemEngine())

	require.NoError(t, s.Prewrite(ctx, []mvcc.Mutation{{Op: mvcc.MutationPut, Key: []byte("a"), Value: []byte("1")}}, []byte("a"), 5, 1000))

	err := s.Prewrite(ctx, []mvcc.Mutation{{Op: mvcc.MutationPut, Key: []byte("a"), Value: []byte("2")}}, []byte("a"), 7, 1000)
	require.Error(t, err)
	lockInfo, ok := errorkinds.IsKeyIsLocked(err)
	require.True(t, ok, "expected KeyIsLocked, got %v", err)
	require.Equal(t, []byte("a"), lockInfo.Primary)
	require.Equal(t, uint64(5), lockInfo.StartTS)
}

func TestPrewriteWriteConflict(t *testing.T) {
	ctx := context.Background()
	s := NewStore(engine.NewMemEngine())

	put(ctx, t, s, []byte("a"), []byte("1"), 5, 10)

	err := s.Prewrite(ctx, []mvcc.Mutation{{Op: mvcc.MutationPut, Key: []byte("a"), Value: []byte("2")}}, []byte("a"), 8, 1000)
	require.Error(t, err)
	var conflict *errorkinds.WriteConflict
	require.ErrorAs(t, err, &conflict)
}

func TestRollbackThenGetSeesNothing(t *testing.T) {
	ctx := context.Background()
	s := NewStore(engine.NewMemEngine())

	require.NoError(t, s.Prewrite(ctx, []mvcc.Mutation{{Op: mvcc.MutationPut, Key: []byte("a"), Value: []byte("1")}}, []byte("a"), 5, 1000))
	require.NoError(t, s.Rollback(ctx, [][]byte{[]byte("a")}, 5))

	v, err := s.Get(ctx, []byte("a"), 100)
	require.NoError(t, err)
	require.Nil(t, v)

	// A stale retry of the same prewrite must not resurrect the txn.
	err = s.Prewrite(ctx, []mvcc.Mutation{{Op: mvcc.MutationPut, Key: []byte("a"), Value: []byte("1")}}, []byte("a"), 5, 1000)
	require.Error(t, err)
}

func TestCommitIsIdempotent(t *testing.T) {
	ctx := context.Background()
	s := NewStore(engine.NewMemEngine())

	require.NoError(t, s.Prewrite(ctx, []mvcc.Mutation{{Op: mvcc.MutationPut, Key: []byte("a"), Value: []byte("1")}}, []byte("a"), 5, 1000))
	require.NoError(t, s.Commit(ctx, [][]byte{[]byte("a")}, 5, 10))
	// Retried commit RPC: lock is already gone, but the write record
	// matches, so this must succeed rather than return TxnLockNotFound.
	require.NoError(t, s.Commit(ctx, [][]byte{[]byte("a")}, 5, 10))
}

func TestScanReturnsCommittedKeysInOrder(t *testing.T) {
	ctx := context.Background()
	s := NewStore(engine.NewMemEngine())

	put(ctx, t, s, []byte("a"), []byte("1"), 1, 2)
	put(ctx, t, s, []byte("b"), []byte("2"), 3, 4)
	put(ctx, t, s, []byte("c"), []byte("3"), 5, 6)

	results, err := s.Scan(ctx, []byte("a"), 10, 100)
	require.NoError(t, err)
	require.Len(t, results, 3)
	require.Equal(t, []byte("a"), results[0].Key)
	require.Equal(t, []byte("b"), results[1].Key)
	require.Equal(t, []byte("c"), results[2].Key)
}

// TestPrewriteIgnoresSiblingPrefixedKey checks that a write committed
// against a longer key sharing a byte-prefix with a shorter key (e.g.
// "a1" vs. "a") cannot leak into the shorter key's write-conflict check,
// since the encoded data-key form has no length delimiter between keys.
func TestPrewriteIgnoresSiblingPrefixedKey(t *testing.T) {
	ctx := context.Background()
	s := NewStore(engine.NewMemEngine())

	put(ctx, t, s, []byte("a1"), []byte("sibling"), 1, 100)

	// "a" was never written; this prewrite must succeed, not fail with a
	// spurious WriteConflict against "a1"'s commit at ts=100.
	require.NoError(t, s.Prewrite(ctx, []mvcc.Mutation{{Op: mvcc.MutationPut, Key: []byte("a"), Value: []byte("own")}}, []byte("a"), 50, 1000))
	require.NoError(t, s.Commit(ctx, [][]byte{[]byte("a")}, 50, 60))

	v, err := s.Get(ctx, []byte("a"), 70)
	require.NoError(t, err)
	require.Equal(t, []byte("own"), v)

	// The sibling key's own value must be unaffected.
	v, err = s.Get(ctx, []byte("a1"), 200)
	require.NoError(t, err)
	require.Equal(t, []byte("sibling"), v)
}

func TestScanRespectsLimitAndReadTS(t *testing.T) {
	ctx := context.Background()
	s := NewStore(engine.NewMemEngine())

	put(ctx, t, s, []byte("a"), []byte("1"), 1, 2)
	put(ctx, t, s, []byte("b"), []byte("2"), 3, 4)
	put(ctx, t, s, []byte("c"), []byte("3"), 100, 101)

	// At read_ts 50, "c" hasn't committed yet.
	results, err := s.Scan(ctx, []byte("a"), 10, 50)
	require.NoError(t, err)
	require.Len(t, results, 2)

	results, err = s.Scan(ctx, []byte("a"), 1, 200)
	require.NoError(t, err)
	require.Len(t, results, 1)
	require.Equal(t, []byte("a"), results[0].Key)
}

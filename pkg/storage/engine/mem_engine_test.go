// Copyright 2022 The Cockroach Authors.
//
// Use of this software is governed by the Business Source License
// included in the file licenses/BSL.txt.
//
// As of the Change Date specified in that file, in accordance with
// the Business Source License, use of this software will be governed
// by the Apache License, Version 2.0, included in the file
// licenses/APL.txt.

package engine

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestMemEngineGetScan(t *testing.T) {
	e := NewMemEngine()
	require.NoError(t, e.WriteBatch([]Op{
		Put(CFDefault, []byte("a"), []byte("1")),
		Put(CFDefault, []byte("b"), []byte("2")),
		Put(CFDefault, []byte("c"), []byte("3")),
	}))

	v, err := e.Get(CFDefault, []byte("b"))
	require.NoError(t, err)
	require.Equal(t, []byte("2"), v)

	v, err = e.Get(CFDefault, []byte("missing"))
	require.NoError(t, err)
	require.Nil(t, v)

	var keys []string
	require.NoError(t, e.Scan(CFDefault, []byte("a"), nil, func(k, _ []byte) (bool, error) {
		keys = append(keys, string(k))
		return true, nil
	}))
	require.Equal(t, []string{"a", "b", "c"}, keys)
}

func TestMemEngineReverseScan(t *testing.T) {
	e := NewMemEngine()
	require.NoError(t, e.WriteBatch([]Op{
		Put(CFWrite, []byte("a"), []byte("1")),
		Put(CFWrite, []byte("b"), []byte("2")),
		Put(CFWrite, []byte("c"), []byte("3")),
	}))

	var keys []string
	require.NoError(t, e.ReverseScan(CFWrite, []byte("a"), nil, func(k, _ []byte) (bool, error) {
		keys = append(keys, string(k))
		return true, nil
	}))
	require.Equal(t, []string{"c", "b", "a"}, keys)
}

func TestMemEngineSnapshotIsolation(t *testing.T) {
	e := NewMemEngine()
	require.NoError(t, e.WriteBatch([]Op{Put(CFDefault, []byte("x"), []byte("old"))}))

	snap, err := e.Snapshot()
	require.NoError(t, err)
	defer snap.Close()

	require.NoError(t, e.WriteBatch([]Op{Put(CFDefault, []byte("x"), []byte("new"))}))

	v, err := snap.Get(CFDefault, []byte("x"))
	require.NoError(t, err)
	require.Equal(t, []byte("old"), v, "snapshot must not observe writes made after it was taken")

	v, err = e.Get(CFDefault, []byte("x"))
	require.NoError(t, err)
	require.Equal(t, []byte("new"), v)
}

func TestMemEngineDeleteRange(t *testing.T) {
	e := NewMemEngine()
	require.NoError(t, e.WriteBatch([]Op{
		Put(CFDefault, []byte("a"), []byte("1")),
		Put(CFDefault, []byte("b"), []byte("2")),
		Put(CFDefault, []byte("c"), []byte("3")),
	}))
	require.NoError(t, e.WriteBatch([]Op{DeleteRange(CFDefault, []byte("a"), []byte("c"))}))

	var keys []string
	require.NoError(t, e.Scan(CFDefault, nil, nil, func(k, _ []byte) (bool, error) {
		keys = append(keys, string(k))
		return true, nil
	}))
	require.Equal(t, []string{"c"}, keys)
}

func TestMemEngineApproximateStats(t *testing.T) {
	e := NewMemEngine()
	for i := 0; i < 100; i++ {
		k := []byte{byte(i)}
		v := make([]byte, 128)
		require.NoError(t, e.WriteBatch([]Op{Put(CFDefault, k, v)}))
	}
	size, err := e.ApproximateRangeSize(CFDefault, nil, nil)
	require.NoError(t, err)
	require.Greater(t, size, uint64(100*128))

	offsets, err := e.ApproximateRangeOffsets(CFDefault, nil, nil)
	require.NoError(t, err)
	require.NotEmpty(t, offsets)
	for i := 1; i < len(offsets); i++ {
		require.Less(t, offsets[i-1].CumulativeSize, offsets[i].CumulativeSize)
	}
}

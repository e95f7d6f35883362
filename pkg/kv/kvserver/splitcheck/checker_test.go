// Copyright 2022 The Cockroach Authors.
//
// Use of this software is governed by the Business Source License
// included in the file licenses/BSL.txt.
//
// As of the Change Date specified in that file, in accordance with
// the Business Source License, use of this software will be governed
// by the Apache License, Version 2.0, included in the file
// licenses/APL.txt.

package splitcheck

import (
	"fmt"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/zhangjinpeng1987/tikv/pkg/storage/engine"
	"github.com/zhangjinpeng1987/tikv/pkg/storage/keys"
)

// TestSizeCheckerSplitsAtSixthKey inserts 10 uniformly sized keys into a
// region configured with max_size=100, split_size=60, batch_split_limit=5
// and checks that the Scan policy produces exactly one split, at the 6th
// key.
func TestSizeCheckerSplitsAtSixthKey(t *testing.T) {
	c := NewSizeChecker(100, 60, 5, PolicyScan)

	var stop bool
	var sixthKey []byte
	for i := 0; i < 10; i++ {
		key := keys.EncodeDataKey([]byte(fmt.Sprintf("%04d", i)))
		// A 5-byte data key ("z"+4 digits) plus a 7-byte value gives each
		// entry a uniform 12-byte footprint, so size crosses split_size
		// right after the 6th key (6*12=72 > 60, 5*12=60 not > 60).
		entry := KeyEntry{Key: key, CF: engine.CFDefault, ValueSize: 7}
		if i == 5 {
			sixthKey = keys.DecodeDataKey(key)
		}
		if c.OnKV(entry) {
			stop = true
			break
		}
	}
	require.False(t, stop, "batch_split_limit should never be hit with only one split key")

	got := c.SplitKeys()
	require.Equal(t, [][]byte{sixthKey}, got)
}

// TestSizeCheckerDropsTrailingSliver checks that a split point whose tail
// is smaller than max_size-split_size is dropped rather than producing a
// sliver region.
func TestSizeCheckerDropsTrailingSliver(t *testing.T) {
	c := NewSizeChecker(100, 60, 5, PolicyScan)

	// The first entry (2-byte encoded key plus 64-byte value, 66 bytes)
	// crosses split_size and records a split key; the second entry adds
	// only 3 bytes, so the tail after that split key is far below
	// max_size - split_size (40) and the split key is dropped.
	key1 := keys.EncodeDataKey([]byte("a"))
	key2 := keys.EncodeDataKey([]byte("b"))
	c.OnKV(KeyEntry{Key: key1, CF: engine.CFDefault, ValueSize: 64})
	c.OnKV(KeyEntry{Key: key2, CF: engine.CFDefault, ValueSize: 1})

	got := c.SplitKeys()
	require.Empty(t, got, "a trailing sliver smaller than max_size-split_size must be dropped")
}

// TestSizeCheckerBatchSplitLimit checks that no more than batch_split_limit
// split keys are ever produced, matching the size checker's own early-stop
// signal from OnKV.
func TestSizeCheckerBatchSplitLimit(t *testing.T) {
	c := NewSizeChecker(100, 10, 3, PolicyScan)

	for i := 0; i < 50; i++ {
		key := keys.EncodeDataKey([]byte(fmt.Sprintf("%04d", i)))
		if c.OnKV(KeyEntry{Key: key, CF: engine.CFDefault, ValueSize: 9}) {
			break
		}
	}

	got := c.SplitKeys()
	require.LessOrEqual(t, len(got), 3)
	require.NotEmpty(t, got)
}

// TestHalfCheckerMiddleOfEleven checks that inserting 11 keys, each
// forming its own bucket, yields a middle split key at the 6th key
// (0-indexed 5).
func TestHalfCheckerMiddleOfEleven(t *testing.T) {
	c := NewHalfChecker(1, PolicyScan)

	var keysIn [][]byte
	for i := 0; i < 11; i++ {
		key := keys.EncodeDataKey([]byte(fmt.Sprintf("%04d", i)))
		keysIn = append(keysIn, key)
		c.OnKV(KeyEntry{Key: key, CF: engine.CFDefault, ValueSize: 4})
	}

	got := c.SplitKeys()
	require.Equal(t, [][]byte{keys.DecodeDataKey(keysIn[5])}, got)
}

// TestHalfCheckerEmptyRegion checks that a region with no entries
// produces no split key rather than an out-of-range bucket access.
func TestHalfCheckerEmptyRegion(t *testing.T) {
	c := NewHalfChecker(4096, PolicyScan)
	require.Empty(t, c.SplitKeys())
}

// TestHostRunsObserversInOrder checks that Host evaluates observers in
// registration order and stops at the first checker to produce split
// keys, matching a fixed registration-list dispatch rather than an
// unordered set.
func TestHostRunsObserversInOrder(t *testing.T) {
	eng := engine.NewMemEngine()
	defer eng.Close()

	// Each entry is a 5-byte data key ("z"+4 digits) plus a 7-byte value,
	// a uniform 12-byte footprint: split_size=60 is first crossed at the
	// 6th key (5*12=60 not over, 6*12=72 over).
	for i := 0; i < 10; i++ {
		key := keys.EncodeDataKey([]byte(fmt.Sprintf("%04d", i)))
		require.NoError(t, eng.WriteBatch([]engine.Op{engine.Put(engine.CFDefault, key, make([]byte, 7))}))
	}

	sizeObserver := NewSizeCheckObserver(100, 60, 5)
	halfObserver := NewHalfCheckObserver(4096)
	host := NewHost(sizeObserver, halfObserver)

	out, err := host.Run(eng, nil, nil)
	require.NoError(t, err)
	require.Equal(t, [][]byte{[]byte(fmt.Sprintf("%04d", 5))}, out)
}

// TestHalfCheckObserverSkipsWhenAutoSplitPending checks that a region
// already over its size threshold is not also handed a half-split
// checker in the same run.
func TestHalfCheckObserverSkipsWhenAutoSplitPending(t *testing.T) {
	host := NewHost()
	host.AddChecker(NewSizeChecker(100, 60, 5, PolicyScan))
	require.True(t, host.AutoSplit())

	obs := NewHalfCheckObserver(4096)
	obs.AddChecker(host, nil, nil, nil, PolicyScan)
	require.Len(t, host.checkers, 1, "half checker must not be added once a size checker is already registered")
}

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
	"github.com/zhangjinpeng1987/tikv/pkg/storage/engine"
	"github.com/zhangjinpeng1987/tikv/pkg/storage/keys"
)

// bucketNumberLimit bounds how finely a half split divides a region into
// buckets, so a HalfChecker's memory use doesn't grow unbounded on a
// region with many small keys.
const bucketNumberLimit = 1024

// bucketSizeLimitMB caps each bucket's target size.
const bucketSizeLimitMB = 512

// HalfChecker finds the single approximate middle key of a region, for
// operator-triggered rebalancing rather than a size threshold. It groups
// scanned entries into fixed-size buckets and returns the key starting
// the middle bucket.
type HalfChecker struct {
	eachBucketSize uint64
	policy         CheckPolicy

	buckets       [][]byte
	curBucketSize uint64
}

// NewHalfChecker returns a HalfChecker that starts a new bucket every
// eachBucketSize bytes.
func NewHalfChecker(eachBucketSize uint64, policy CheckPolicy) *HalfChecker {
	return &HalfChecker{eachBucketSize: eachBucketSize, policy: policy}
}

// HalfSplitBucketSize derives a bucket size from a region size limit,
// clamped to [1, bucketSizeLimitMB MiB] so neither extreme (a tiny
// region, a region with no size limit configured) produces a degenerate
// bucket count.
func HalfSplitBucketSize(regionSizeLimit uint64) uint64 {
	size := regionSizeLimit / bucketNumberLimit
	limit := uint64(bucketSizeLimitMB) * 1024 * 1024
	switch {
	case size == 0:
		return 1
	case size > limit:
		return limit
	default:
		return size
	}
}

// OnKV implements Checker.
func (c *HalfChecker) OnKV(entry KeyEntry) bool {
	if len(c.buckets) == 0 || c.curBucketSize >= c.eachBucketSize {
		c.buckets = append(c.buckets, append([]byte(nil), entry.Key...))
		c.curBucketSize = 0
	}
	c.curBucketSize += uint64(entry.Size())
	return false
}

// SplitKeys implements Checker.
func (c *HalfChecker) SplitKeys() [][]byte {
	mid := len(c.buckets) / 2
	defer func() { c.buckets = nil; c.curBucketSize = 0 }()
	if mid == 0 {
		return nil
	}
	return [][]byte{keys.DecodeDataKey(c.buckets[mid])}
}

// Policy implements Checker.
func (c *HalfChecker) Policy() CheckPolicy { return c.policy }

// ApproximateSplitKeys implements Checker.
func (c *HalfChecker) ApproximateSplitKeys(eng engine.Engine, startKey, endKey []byte) ([][]byte, error) {
	key, err := approximateMiddle(eng, startKey, endKey)
	if err != nil || key == nil {
		return nil, err
	}
	return [][]byte{key}, nil
}

// approximateMiddle picks whichever of the default/write CFs holds more
// data and returns the middle key of its approximate-offset samples.
func approximateMiddle(eng engine.Engine, startKey, endKey []byte) ([]byte, error) {
	dataStart, dataEnd := encodeRegionBounds(startKey, endKey)
	defaultSize, err := eng.ApproximateRangeSize(engine.CFDefault, dataStart, dataEnd)
	if err != nil {
		return nil, err
	}
	writeSize, err := eng.ApproximateRangeSize(engine.CFWrite, dataStart, dataEnd)
	if err != nil {
		return nil, err
	}
	cf := engine.CFWrite
	if defaultSize >= writeSize {
		cf = engine.CFDefault
	}
	return approximateMiddleCF(eng, cf, startKey, endKey)
}

func approximateMiddleCF(eng engine.Engine, cf engine.CF, startKey, endKey []byte) ([]byte, error) {
	dataStart, dataEnd := encodeRegionBounds(startKey, endKey)
	offsets, err := eng.ApproximateRangeOffsets(cf, dataStart, dataEnd)
	if err != nil {
		return nil, err
	}
	if len(offsets) == 0 {
		return nil, nil
	}
	// (len-1)/2 picks the left of the two middle positions when the
	// sample count is even.
	mid := (len(offsets) - 1) / 2
	return keys.DecodeDataKey(offsets[mid].Key), nil
}

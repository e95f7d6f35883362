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
	"math"

	"github.com/cockroachdb/errors"

	"github.com/zhangjinpeng1987/tikv/pkg/storage/engine"
	"github.com/zhangjinpeng1987/tikv/pkg/storage/keys"
)

// SizeChecker records split keys roughly split_size bytes apart while
// scanning a region, stopping once batch_split_limit points have been
// found and the remaining tail is at least max_size - split_size (so the
// last produced region isn't a sliver).
type SizeChecker struct {
	maxSize, splitSize uint64
	batchSplitLimit    uint64
	policy             CheckPolicy

	currentSize uint64
	splitKeys   [][]byte
}

// NewSizeChecker returns a SizeChecker ready to scan a single region.
func NewSizeChecker(maxSize, splitSize, batchSplitLimit uint64, policy CheckPolicy) *SizeChecker {
	return &SizeChecker{maxSize: maxSize, splitSize: splitSize, batchSplitLimit: batchSplitLimit, policy: policy}
}

// OnKV implements Checker.
func (c *SizeChecker) OnKV(entry KeyEntry) bool {
	size := uint64(entry.Size())
	c.currentSize += size

	overLimit := uint64(len(c.splitKeys)) >= c.batchSplitLimit
	if c.currentSize > c.splitSize && !overLimit {
		c.splitKeys = append(c.splitKeys, keys.DecodeDataKey(entry.Key))
		// If the previous entry landed exactly on split_size, this
		// entry's size must still count toward the next bucket rather
		// than being dropped.
		if c.currentSize-size == c.splitSize {
			c.currentSize = size
		} else {
			c.currentSize = 0
		}
		overLimit = uint64(len(c.splitKeys)) >= c.batchSplitLimit
	}

	// A large region can be expensive to scan in full; stop early once
	// the batch limit is hit and the remaining tail is already big
	// enough to warrant another split later.
	return overLimit && c.currentSize+c.splitSize >= c.maxSize
}

// SplitKeys implements Checker.
func (c *SizeChecker) SplitKeys() [][]byte {
	if c.currentSize+c.splitSize < c.maxSize && len(c.splitKeys) > 0 {
		c.splitKeys = c.splitKeys[:len(c.splitKeys)-1]
	}
	out := c.splitKeys
	c.splitKeys = nil
	c.currentSize = 0
	return out
}

// Policy implements Checker.
func (c *SizeChecker) Policy() CheckPolicy { return c.policy }

// ApproximateSplitKeys implements Checker.
func (c *SizeChecker) ApproximateSplitKeys(eng engine.Engine, startKey, endKey []byte) ([][]byte, error) {
	return approximateSplitKeys(eng, startKey, endKey, c.splitSize, c.maxSize, c.batchSplitLimit)
}

// approximateSplitKeys picks whichever of the default/write CFs holds
// more data, proportions splitSize to that CF's share, and samples its
// approximate offsets for split points.
func approximateSplitKeys(
	eng engine.Engine, startKey, endKey []byte, splitSize, maxSize, batchSplitLimit uint64,
) ([][]byte, error) {
	dataStart, dataEnd := encodeRegionBounds(startKey, endKey)
	defaultSize, err := eng.ApproximateRangeSize(engine.CFDefault, dataStart, dataEnd)
	if err != nil {
		return nil, err
	}
	writeSize, err := eng.ApproximateRangeSize(engine.CFWrite, dataStart, dataEnd)
	if err != nil {
		return nil, err
	}
	if defaultSize+writeSize == 0 {
		return nil, errors.New("default cf and write cf are both empty")
	}

	// Assume keys are uniformly distributed across both CFs.
	cf, cfSplitSize := engine.CFDefault, splitSize
	if defaultSize >= writeSize {
		cfSplitSize = splitSize * defaultSize / (defaultSize + writeSize)
	} else {
		cf = engine.CFWrite
		cfSplitSize = splitSize * writeSize / (defaultSize + writeSize)
	}
	return approximateSplitKeysCF(eng, cf, startKey, endKey, cfSplitSize, maxSize, batchSplitLimit)
}

func approximateSplitKeysCF(
	eng engine.Engine,
	cf engine.CF,
	startKey, endKey []byte,
	splitSize, maxSize, batchSplitLimit uint64,
) ([][]byte, error) {
	dataStart, dataEnd := encodeRegionBounds(startKey, endKey)
	offsets, err := eng.ApproximateRangeOffsets(cf, dataStart, dataEnd)
	if err != nil {
		return nil, err
	}
	if len(offsets) == 1 {
		return nil, nil
	}
	if len(offsets) == 0 {
		return nil, errors.Newf("no approximate offset samples for cf %s in [%x, %x)", cf, startKey, endKey)
	}
	totalSize := offsets[len(offsets)-1].CumulativeSize
	if totalSize == 0 || splitSize == 0 {
		return nil, errors.Newf("unexpected total size %d or split size %d for cf %s", totalSize, splitSize, cf)
	}

	// Use the total size and key count to derive the average distance
	// between sampled keys, then emit one split key every
	// ceil(splitSize/distance) samples.
	distance0 := float64(totalSize) / float64(len(offsets))
	n := int(math.Ceil(float64(splitSize) / distance0))
	if n == 0 {
		return nil, errors.Newf("unexpected split stride 0 for cf %s", cf)
	}

	var out [][]byte
	for i := n - 1; i < len(offsets); i += n {
		out = append(out, keys.DecodeDataKey(offsets[i].Key))
	}

	if uint64(len(out)) > batchSplitLimit {
		out = out[:batchSplitLimit]
	} else if len(out) > 0 {
		distance := float64(totalSize) / float64(len(offsets))
		rest := uint64(len(offsets)%n) * uint64(distance)
		if rest+splitSize < maxSize {
			out = out[:len(out)-1]
		}
	}
	return out, nil
}

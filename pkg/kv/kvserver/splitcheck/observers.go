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

import "github.com/zhangjinpeng1987/tikv/pkg/storage/engine"

// SizeCheckObserver adds a SizeChecker once a region's approximate size
// crosses regionMaxSize, escalating to PolicyApproximate when the region
// is so far over threshold that even a full scan is wasteful.
type SizeCheckObserver struct {
	regionMaxSize   uint64
	splitSize       uint64
	batchSplitLimit uint64
}

// NewSizeCheckObserver returns a SizeCheckObserver with the given
// region-size threshold, target split spacing, and max split points per
// run.
func NewSizeCheckObserver(regionMaxSize, splitSize, batchSplitLimit uint64) *SizeCheckObserver {
	return &SizeCheckObserver{regionMaxSize: regionMaxSize, splitSize: splitSize, batchSplitLimit: batchSplitLimit}
}

// AddChecker implements Observer.
func (o *SizeCheckObserver) AddChecker(
	host *Host, eng engine.Engine, startKey, endKey []byte, policy CheckPolicy,
) CheckPolicy {
	regionSize, err := ApproximateRegionSize(eng, startKey, endKey)
	if err != nil {
		// No approximate stat available; fall back to scanning rather
		// than skip the check entirely.
		host.AddChecker(NewSizeChecker(o.regionMaxSize, o.splitSize, o.batchSplitLimit, policy))
		return policy
	}
	if regionSize < o.regionMaxSize {
		return policy
	}
	if regionSize >= o.regionMaxSize*o.batchSplitLimit*2 {
		policy = PolicyApproximate
	}
	host.AddChecker(NewSizeChecker(o.regionMaxSize, o.splitSize, o.batchSplitLimit, policy))
	return policy
}

// HalfCheckObserver adds a HalfChecker for an operator-triggered half
// split, unless a SizeChecker has already been registered for the same
// run (a region already over its size threshold should split by size,
// not by a rough midpoint).
type HalfCheckObserver struct {
	halfSplitBucketSize uint64
}

// NewHalfCheckObserver derives its bucket size from regionSizeLimit via
// HalfSplitBucketSize.
func NewHalfCheckObserver(regionSizeLimit uint64) *HalfCheckObserver {
	return &HalfCheckObserver{halfSplitBucketSize: HalfSplitBucketSize(regionSizeLimit)}
}

// AddChecker implements Observer.
func (o *HalfCheckObserver) AddChecker(
	host *Host, eng engine.Engine, startKey, endKey []byte, policy CheckPolicy,
) CheckPolicy {
	if host.AutoSplit() {
		return policy
	}
	host.AddChecker(NewHalfChecker(o.halfSplitBucketSize, policy))
	return policy
}

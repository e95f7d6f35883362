// Copyright 2022 The Cockroach Authors.
//
// Use of this software is governed by the Business Source License
// included in the file licenses/BSL.txt.
//
// As of the Change Date specified in that file, in accordance with
// the Business Source License, use of this software will be governed
// by the Apache License, Version 2.0, included in the file
// licenses/APL.txt.

// Package splitcheck produces split keys for a region from either a full
// scan of its key range or the engine's approximate size/offset
// statistics, per registered Observer. A region whose approximate size
// crosses region_max_size is scanned (or sampled) for split points
// spaced roughly split_size apart; an operator-triggered half split
// instead looks for the single approximate middle key.
package splitcheck

import (
	"github.com/cockroachdb/errors"

	"github.com/zhangjinpeng1987/tikv/pkg/storage/engine"
	"github.com/zhangjinpeng1987/tikv/pkg/storage/keys"
)

// CheckPolicy selects which region-wide statistics a Checker consumes.
type CheckPolicy int

const (
	// PolicyScan walks the region in key order, accumulating per-entry
	// sizes as it goes. Exact, but costs a full scan.
	PolicyScan CheckPolicy = iota
	// PolicyApproximate consults the engine's approximate-size and
	// approximate-offset statistics instead of scanning. Cheaper, used
	// once a region is large enough that even a scan is expensive.
	PolicyApproximate
)

func (p CheckPolicy) String() string {
	if p == PolicyApproximate {
		return "approximate"
	}
	return "scan"
}

// LargeCFs are the column families a split checker considers when
// estimating region size; the lock CF is excluded since locks are
// transient and do not reflect the region's steady-state footprint.
var LargeCFs = []engine.CF{engine.CFDefault, engine.CFWrite}

// KeyEntry is one key/value pair observed while walking a region in key
// order under PolicyScan. Key carries the engine's internal data-key
// prefix; checkers strip it before returning a split key to the caller.
type KeyEntry struct {
	Key       []byte
	CF        engine.CF
	ValueSize int
}

// Size is the entry's contribution to the running total a Scan-policy
// checker accumulates: key bytes plus value bytes.
func (e KeyEntry) Size() int { return len(e.Key) + e.ValueSize }

// Checker accumulates state as a region is scanned key-by-key (PolicyScan)
// or computes split points directly from engine statistics
// (PolicyApproximate). One Checker instance is used for exactly one
// split-check run and then discarded.
type Checker interface {
	// OnKV feeds one entry to a PolicyScan checker. It returns true once
	// the checker has accumulated enough state that the caller may stop
	// scanning early (e.g. a batch split limit was reached and the tail
	// is already large enough to split again).
	OnKV(entry KeyEntry) bool
	// SplitKeys returns the split points found so far and resets the
	// checker's internal accumulator.
	SplitKeys() [][]byte
	// Policy reports which statistics this checker needs.
	Policy() CheckPolicy
	// ApproximateSplitKeys computes split points directly from eng's
	// approximate-size and approximate-offset calls over [startKey,
	// endKey). Only called when Policy() == PolicyApproximate.
	ApproximateSplitKeys(eng engine.Engine, startKey, endKey []byte) ([][]byte, error)
}

// ApproximateRegionSize sums ApproximateRangeSize over LargeCFs, the same
// estimate an Observer uses to decide whether a region needs checking at
// all before adding a Checker.
func ApproximateRegionSize(eng engine.Engine, startKey, endKey []byte) (uint64, error) {
	dataStart, dataEnd := encodeRegionBounds(startKey, endKey)
	var total uint64
	for _, cf := range LargeCFs {
		size, err := eng.ApproximateRangeSize(cf, dataStart, dataEnd)
		if err != nil {
			return 0, errors.Wrapf(err, "approximate size for cf %s", cf)
		}
		total += size
	}
	return total, nil
}

// encodeRegionBounds translates a region's user-key boundaries into the
// engine's internal data-key form, so approximate-statistics calls see
// the same keyspace a Scan-policy checker walks. A nil endKey stays nil
// (unbounded above) rather than becoming the encoded form of nil.
func encodeRegionBounds(startKey, endKey []byte) (dataStart, dataEnd []byte) {
	dataStart = keys.EncodeDataKey(startKey)
	if endKey != nil {
		dataEnd = keys.EncodeDataKey(endKey)
	}
	return dataStart, dataEnd
}

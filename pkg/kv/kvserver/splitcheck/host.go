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
)

// Observer decides whether a region needs a split Checker at all,
// typically by consulting an engine-wide size estimate first so the
// common case (a small, healthy region) never allocates one. It may
// escalate the policy passed to observers registered after it, e.g. once
// a region is large enough that even ApproximateSplitKeys should be
// preferred over a full scan.
type Observer interface {
	AddChecker(host *Host, eng engine.Engine, startKey, endKey []byte, policy CheckPolicy) CheckPolicy
}

// Host runs a region's registered Observers in order and then executes
// whichever Checkers they added. It is the closed-set dispatch point
// mentioned in the design notes: a fixed, ordered list of observers
// rather than open-ended dynamic dispatch, with ties between the first
// non-empty split-key result broken by registration order.
type Host struct {
	observers []Observer
	checkers  []Checker
}

// NewHost returns a Host that will run observers in the given order.
func NewHost(observers ...Observer) *Host {
	return &Host{observers: observers}
}

// AddChecker registers a Checker produced by the Observer currently
// running. Called from within an Observer's AddChecker method.
func (h *Host) AddChecker(c Checker) { h.checkers = append(h.checkers, c) }

// AutoSplit reports whether a SizeChecker was registered for this run,
// used by HalfCheckObserver to skip adding a half-split checker when a
// size-based split is already in progress for the same region.
func (h *Host) AutoSplit() bool {
	for _, c := range h.checkers {
		if _, ok := c.(*SizeChecker); ok {
			return true
		}
	}
	return false
}

// Run evaluates every registered Observer (each may register a Checker
// and escalate the policy passed to the next), then executes the
// resulting Checkers: PolicyApproximate checkers consult engine
// statistics directly, PolicyScan checkers walk [startKey, endKey) across
// the large column families. PolicyApproximate checkers run first, in
// registration order, and the first of them to produce a non-empty
// split-key set returns immediately. Otherwise all PolicyScan checkers
// share one scan, and the first of them (in registration order) with a
// non-empty result wins.
func (h *Host) Run(eng engine.Engine, startKey, endKey []byte) ([][]byte, error) {
	policy := PolicyScan
	for _, obs := range h.observers {
		policy = obs.AddChecker(h, eng, startKey, endKey, policy)
	}
	if len(h.checkers) == 0 {
		return nil, nil
	}

	var scanners []Checker
	for _, c := range h.checkers {
		if c.Policy() == PolicyApproximate {
			out, err := c.ApproximateSplitKeys(eng, startKey, endKey)
			if err != nil {
				return nil, err
			}
			if len(out) > 0 {
				return out, nil
			}
			continue
		}
		scanners = append(scanners, c)
	}
	if len(scanners) == 0 {
		return nil, nil
	}

	if err := scanRegion(eng, startKey, endKey, scanners); err != nil {
		return nil, err
	}
	for _, c := range scanners {
		if out := c.SplitKeys(); len(out) > 0 {
			return out, nil
		}
	}
	return nil, nil
}

// scanRegion walks [startKey, endKey) in each large column family,
// feeding every entry to every Scan-policy checker, stopping once all of
// them report they've seen enough.
func scanRegion(eng engine.Engine, startKey, endKey []byte, checkers []Checker) error {
	dataStart, dataEnd := encodeRegionBounds(startKey, endKey)
	for _, cf := range LargeCFs {
		done := false
		err := eng.Scan(cf, dataStart, dataEnd, func(key, value []byte) (bool, error) {
			entry := KeyEntry{Key: key, CF: cf, ValueSize: len(value)}
			allDone := true
			for _, c := range checkers {
				if !c.OnKV(entry) {
					allDone = false
				}
			}
			done = allDone
			return !done, nil
		})
		if err != nil {
			return err
		}
		if done {
			break
		}
	}
	return nil
}

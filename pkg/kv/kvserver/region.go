// Copyright 2022 The Cockroach Authors.
//
// Use of this software is governed by the Business Source License
// included in the file licenses/BSL.txt.
//
// As of the Change Date specified in that file, in accordance with
// the Business Source License, use of this software will be governed
// by the Apache License, Version 2.0, included in the file
// licenses/APL.txt.

// Package kvserver hosts the region/replica data model and the Raft-backed
// state machine that applies committed commands to the storage layer.
package kvserver

import (
	"bytes"
	"fmt"

	"github.com/zhangjinpeng1987/tikv/pkg/storage/keys"
)

// RegionEpoch is incremented by split/merge (Version) and membership
// change (ConfVer). A client's cached Region is stale once either counter
// on the authoritative copy has moved past what the client last saw.
type RegionEpoch struct {
	Version uint64
	ConfVer uint64
}

// Less reports whether e is older than other: either counter may have
// advanced independently, so a region is stale if either one is behind.
func (e RegionEpoch) Less(other RegionEpoch) bool {
	return e.Version < other.Version || e.ConfVer < other.ConfVer
}

func (e RegionEpoch) Equal(other RegionEpoch) bool {
	return e.Version == other.Version && e.ConfVer == other.ConfVer
}

func (e RegionEpoch) String() string {
	return fmt.Sprintf("v%d:c%d", e.Version, e.ConfVer)
}

// Peer is a Raft member of a Region, hosted on a specific store.
type Peer struct {
	ID      uint64
	StoreID uint64
}

func (p Peer) String() string { return fmt.Sprintf("(id=%d,store=%d)", p.ID, p.StoreID) }

// Region is a contiguous, non-overlapping span of the keyspace replicated
// by a Raft group. StartKey/EndKey are raw user keys, not engine-internal
// data keys; a nil StartKey means -inf and a nil EndKey means +inf.
type Region struct {
	ID       uint64
	StartKey []byte
	EndKey   []byte
	Epoch    RegionEpoch
	Peers    []Peer
}

// ContainsKey reports whether key falls within [StartKey, EndKey).
func (r *Region) ContainsKey(key []byte) bool {
	return keys.WithinRegion(key, r.StartKey, r.EndKey)
}

// ContainsKeyInverted reports whether key falls within (StartKey, EndKey],
// the boundary convention used for reverse scans: a key equal to EndKey
// belongs to this region rather than the one starting there, and a key
// equal to StartKey belongs to the preceding region instead.
func (r *Region) ContainsKeyInverted(key []byte) bool {
	if r.StartKey != nil && bytes.Compare(key, r.StartKey) <= 0 {
		return false
	}
	if r.EndKey != nil && bytes.Compare(key, r.EndKey) > 0 {
		return false
	}
	return true
}

// Equal reports whether r and other describe the same region generation:
// same boundaries, same epoch, same peer set. It does not compare ID,
// since a merge can carry a region's identity across a boundary change.
func (r *Region) Equal(other *Region) bool {
	if other == nil {
		return false
	}
	if !bytes.Equal(r.StartKey, other.StartKey) || !bytes.Equal(r.EndKey, other.EndKey) {
		return false
	}
	if !r.Epoch.Equal(other.Epoch) {
		return false
	}
	if len(r.Peers) != len(other.Peers) {
		return false
	}
	for i := range r.Peers {
		if r.Peers[i] != other.Peers[i] {
			return false
		}
	}
	return true
}

// Find returns the Peer hosted on storeID, and whether one was found.
func (r *Region) Find(storeID uint64) (Peer, bool) {
	for _, p := range r.Peers {
		if p.StoreID == storeID {
			return p, true
		}
	}
	return Peer{}, false
}

func (r *Region) String() string {
	return fmt.Sprintf("region{id=%d, [%x, %x), epoch=%s, peers=%v}", r.ID, r.StartKey, r.EndKey, r.Epoch, r.Peers)
}

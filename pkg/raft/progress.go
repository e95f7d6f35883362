// Copyright 2015 The etcd Authors
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package raft

import "fmt"

// ProgressState is the replication state machine for one peer, tracked
// from the leader's point of view:
//
//	Probe ──append acked──→ Replicate
//	Replicate ──reject/unreachable──→ Probe
//	Probe ──term/ents missing──→ Snapshot
//	Snapshot ──acked / snapshot_abort──→ Probe
type ProgressState int

const (
	// ProgressStateProbe: the leader sends at most one append per
	// heartbeat round-trip, waiting to learn the follower's true match
	// index before committing to a higher throughput mode.
	ProgressStateProbe ProgressState = iota
	// ProgressStateReplicate: the leader knows the follower's last
	// matched index and streams entries after it, bounded by an inflight
	// window.
	ProgressStateReplicate
	// ProgressStateSnapshot: the follower is too far behind for log
	// entries alone; the leader is sending (or waiting on an ack for) a
	// full state snapshot.
	ProgressStateSnapshot
)

func (s ProgressState) String() string {
	switch s {
	case ProgressStateProbe:
		return "StateProbe"
	case ProgressStateReplicate:
		return "StateReplicate"
	case ProgressStateSnapshot:
		return "StateSnapshot"
	default:
		panic("unexpected state")
	}
}

// Progress tracks a follower's log replication progress from the
// leader's perspective: the index it believes matches (Match) and the
// next index it will try to send (Next).
type Progress struct {
	Match, Next uint64

	State ProgressState

	// PendingSnapshot is the index of the snapshot being sent, set while
	// State == ProgressStateSnapshot.
	PendingSnapshot uint64

	// RecentActive is true if the peer has sent us any message within the
	// last check_quorum interval; reset by the leader each interval.
	RecentActive bool

	// ProbeSent limits the leader to one append per heartbeat round-trip
	// in Probe state, until resume() clears it.
	ProbeSent bool

	Inflights *inflights

	// IsLearner marks a peer that may not campaign (see promotable).
	// quorum() and maybeCommit count every peer in prs whether or not
	// this flag is set, and nothing in this package sets it.
	IsLearner bool
}

func (pr *Progress) String() string {
	return fmt.Sprintf("next = %d, match = %d, state = %s, waiting = %v, pendingSnapshot = %d",
		pr.Next, pr.Match, pr.State, pr.ProbeSent, pr.PendingSnapshot)
}

func (pr *Progress) resetState(state ProgressState) {
	pr.ProbeSent = false
	pr.PendingSnapshot = 0
	pr.State = state
	if pr.Inflights != nil {
		pr.Inflights.reset()
	}
}

// becomeProbe reverts pr to Probe state, e.g. after a reject or after a
// snapshot send fails, picking up replication again from just past the
// last point the leader knows the peer reached.
func (pr *Progress) becomeProbe() {
	if pr.State == ProgressStateSnapshot {
		pendingSnapshot := pr.PendingSnapshot
		pr.resetState(ProgressStateProbe)
		pr.Next = max(pr.Match+1, pendingSnapshot+1)
	} else {
		pr.resetState(ProgressStateProbe)
		pr.Next = pr.Match + 1
	}
}

func (pr *Progress) becomeReplicate() {
	pr.resetState(ProgressStateReplicate)
	pr.Next = pr.Match + 1
}

func (pr *Progress) becomeSnapshot(snapshoti uint64) {
	pr.resetState(ProgressStateSnapshot)
	pr.PendingSnapshot = snapshoti
}

// maybeUpdate reports whether an append up to index n was acked, and if
// so advances Match and Next.
func (pr *Progress) maybeUpdate(n uint64) bool {
	var updated bool
	if pr.Match < n {
		pr.Match = n
		updated = true
		pr.resume()
	}
	if pr.Next < n+1 {
		pr.Next = n + 1
	}
	return updated
}

func (pr *Progress) optimisticUpdate(n uint64) { pr.Next = n + 1 }

// maybeDecrTo handles a rejected append: rejected is the index the
// follower rejected at, last is the follower's own last log index
// (the "hint"). Returns false if the rejection is stale and should be
// ignored.
func (pr *Progress) maybeDecrTo(rejected, last uint64) bool {
	if pr.State == ProgressStateReplicate {
		if rejected <= pr.Match {
			return false
		}
		pr.Next = pr.Match + 1
		return true
	}

	if pr.Next-1 != rejected {
		return false
	}

	if pr.Next = min(rejected, last+1); pr.Next < 1 {
		pr.Next = 1
	}
	pr.ProbeSent = false
	return true
}

func (pr *Progress) isPaused() bool {
	switch pr.State {
	case ProgressStateProbe:
		return pr.ProbeSent
	case ProgressStateReplicate:
		return pr.Inflights.full()
	default:
		return true
	}
}

func (pr *Progress) pause() { pr.ProbeSent = true }

func (pr *Progress) resume() { pr.ProbeSent = false }

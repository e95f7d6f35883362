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

import (
	"testing"

	"github.com/stretchr/testify/require"
)

// network is a tiny in-memory router for exercising a group of Raft
// instances without any transport: messages queued by one peer's Msgs()
// are delivered synchronously to another peer's Step, unless the pair is
// listed in partitioned.
type network struct {
	peers        map[uint64]*Raft
	partitioned  map[[2]uint64]bool
}

func newNetwork(ids []uint64) *network {
	n := &network{peers: make(map[uint64]*Raft), partitioned: make(map[[2]uint64]bool)}
	for _, id := range ids {
		storage := NewMemoryStorage()
		cfg := &Config{
			ID: id, peers: ids,
			ElectionTick: 10, HeartbeatTick: 1,
			Storage: storage, CheckQuorum: true,
		}
		n.peers[id] = NewRaft(cfg)
	}
	return n
}

func (n *network) partition(a, b uint64) {
	n.partitioned[[2]uint64{a, b}] = true
	n.partitioned[[2]uint64{b, a}] = true
}

func (n *network) heal(a, b uint64) {
	delete(n.partitioned, [2]uint64{a, b})
	delete(n.partitioned, [2]uint64{b, a})
}

// deliver drains every peer's outbound queue and hands each message to
// its destination, repeating until the network is quiescent or maxRounds
// is hit (bounds runaway loops in a buggy test rather than the raft
// implementation itself).
func (n *network) deliver(maxRounds int) {
	for round := 0; round < maxRounds; round++ {
		var any bool
		for id, p := range n.peers {
			for _, m := range p.Msgs() {
				any = true
				if n.partitioned[[2]uint64{id, m.To}] {
					continue
				}
				if dst, ok := n.peers[m.To]; ok {
					_ = dst.Step(m)
				}
			}
		}
		if !any {
			return
		}
	}
}

func (n *network) tickAll() {
	for _, p := range n.peers {
		p.Tick()
	}
}

func (n *network) leader() *Raft {
	for _, p := range n.peers {
		if p.State == StateLeader {
			return p
		}
	}
	return nil
}

// TestLeaderElectionThreePeers elects an initial leader, then stops it
// and confirms the remaining two elect a new leader (one of the two)
// with a strictly greater term within a bounded number of
// election-timeout cycles.
func TestLeaderElectionThreePeers(t *testing.T) {
	ids := []uint64{1, 2, 3}
	n := newNetwork(ids)

	// Drive peer 1 to campaign; with 3 brand-new logs all at index 0,
	// any up-to-date vote request wins.
	require.NoError(t, n.peers[1].Step(Message{From: 1, MsgType: MsgHup}))
	n.deliver(10)
	require.Equal(t, StateLeader, n.peers[1].State)
	firstTerm := n.peers[1].Term

	// "Stop" the leader: remove it from the network's peer map so it
	// receives nothing further, simulating a crash.
	delete(n.peers, 1)

	var elected *Raft
	for round := 0; round < 2*10+5 && elected == nil; round++ {
		n.tickAll()
		n.deliver(10)
		if l := n.leader(); l != nil {
			elected = l
		}
	}
	require.NotNil(t, elected, "remaining two peers must elect a new leader")
	require.Contains(t, []uint64{2, 3}, elected.ID())
	require.Greater(t, elected.Term, firstTerm)
}

// TestLogReplicationUnderPartition proposes a write while one follower
// is partitioned off; it still commits on the remaining quorum, and the
// partitioned follower catches up via MsgAppend once the partition
// heals.
func TestLogReplicationUnderPartition(t *testing.T) {
	ids := []uint64{1, 2, 3}
	n := newNetwork(ids)

	require.NoError(t, n.peers[1].Step(Message{From: 1, MsgType: MsgHup}))
	n.deliver(10)
	require.Equal(t, StateLeader, n.peers[1].State)

	n.partition(1, 3)
	n.partition(2, 3)

	require.NoError(t, n.peers[1].Propose([]byte("put a=1")))
	n.deliver(10)

	// Quorum is {1, 2}; the entry must commit without peer 3.
	require.True(t, n.peers[1].raftLog.committed >= 2, "leader's no-op plus the proposed entry must both commit")
	require.Equal(t, n.peers[1].raftLog.committed, n.peers[2].raftLog.committed)
	require.Less(t, n.peers[3].raftLog.committed, n.peers[1].raftLog.committed)

	n.heal(1, 3)
	n.heal(2, 3)
	// The leader's next heartbeat/append round brings 3 up to date.
	n.peers[1].bcastAppend()
	n.deliver(10)

	require.Equal(t, n.peers[1].raftLog.committed, n.peers[3].raftLog.committed,
		"rejoining follower must catch up to the leader's committed index")
}

func TestCampaignSingleNodeBecomesLeaderImmediately(t *testing.T) {
	n := newNetwork([]uint64{1})
	require.NoError(t, n.peers[1].Step(Message{From: 1, MsgType: MsgHup}))
	require.Equal(t, StateLeader, n.peers[1].State)
}

func TestIsUpToDateGatesVoteGrant(t *testing.T) {
	n := newNetwork([]uint64{1, 2, 3})
	require.NoError(t, n.peers[1].Step(Message{From: 1, MsgType: MsgHup}))
	n.deliver(10)
	require.NoError(t, n.peers[1].Propose([]byte("x")))
	n.deliver(10)

	// A stale candidate campaigning from an empty log must be rejected by
	// peers that have already replicated entries.
	stale := n.peers[2]
	require.False(t, stale.raftLog.isUpToDate(0, 0))
}

// TestCommitRequiresCurrentTermEntry checks the "commit only current
// term" rule: an entry carried over from a prior leader's term, even if
// present on a quorum, is only committed indirectly once the new leader
// commits an entry of its own term.
func TestCommitRequiresCurrentTermEntry(t *testing.T) {
	storage := NewMemoryStorage()
	require.NoError(t, storage.Append([]Entry{{Index: 1, Term: 1}}))
	require.NoError(t, storage.SetHardState(HardState{Term: 1, Commit: 0}))

	cfg := &Config{ID: 1, peers: []uint64{1, 2, 3}, ElectionTick: 10, HeartbeatTick: 1, Storage: storage}
	r := NewRaft(cfg)
	// becomeFollower/campaign flow would normally drive this; directly
	// force candidate->leader to inspect maybeCommit behavior in
	// isolation from the network harness.
	r.becomeCandidate()
	r.becomeLeader()

	// becomeLeader appended a current-term (2) no-op at index 2; no peer
	// besides self has acked anything yet, so committed has not advanced.
	require.Equal(t, uint64(2), r.Term)
	require.Equal(t, uint64(0), r.raftLog.committed, "leader has not yet heard any ack for its own term-2 entry")

	// Peer 2 holds index 1 (term 1), so a quorum {1, 2} has it, but it is
	// not from the current term and must not be committed.
	r.prs[2].Match = 1
	require.False(t, r.maybeCommit())
	require.Equal(t, uint64(0), r.raftLog.committed, "a prior-term entry is never committed by counting replicas")

	// Once peer 2 also holds the term-2 no-op, committing it commits
	// index 1 along with it.
	r.prs[2].Match = 2
	require.True(t, r.maybeCommit())
	require.Equal(t, uint64(2), r.raftLog.committed)
}

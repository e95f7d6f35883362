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

// MessageType distinguishes the kinds of messages exchanged between raft
// peers and delivered locally within one peer.
type MessageType int

const (
	// MsgHup is a local message asking this peer to begin a new election.
	MsgHup MessageType = iota
	// MsgBeat is a local message telling a leader to send heartbeats.
	MsgBeat
	// MsgPropose carries client-proposed entries to be appended to the log.
	MsgPropose
	MsgAppend
	MsgAppendResponse
	MsgRequestVote
	MsgRequestVoteResponse
	MsgSnapshot
	MsgHeartbeat
	MsgHeartbeatResponse
	MsgTransferLeader
	MsgTimeoutNow
	MsgSnapStatus
	// msgCheckQuorumType is a local message a leader steps to itself every
	// ElectionTick ticks when CheckQuorum is enabled, to verify a majority
	// of peers have sent any traffic since the last check.
	msgCheckQuorumType
)

func (t MessageType) String() string {
	switch t {
	case MsgHup:
		return "MsgHup"
	case MsgBeat:
		return "MsgBeat"
	case MsgPropose:
		return "MsgPropose"
	case MsgAppend:
		return "MsgAppend"
	case MsgAppendResponse:
		return "MsgAppendResponse"
	case MsgRequestVote:
		return "MsgRequestVote"
	case MsgRequestVoteResponse:
		return "MsgRequestVoteResponse"
	case MsgSnapshot:
		return "MsgSnapshot"
	case MsgHeartbeat:
		return "MsgHeartbeat"
	case MsgHeartbeatResponse:
		return "MsgHeartbeatResponse"
	case MsgTransferLeader:
		return "MsgTransferLeader"
	case MsgTimeoutNow:
		return "MsgTimeoutNow"
	case MsgSnapStatus:
		return "MsgSnapStatus"
	default:
		return "MsgUnknown"
	}
}

// EntryType distinguishes a normal data entry from a membership change.
type EntryType int

const (
	EntryNormal EntryType = iota
	EntryConfChange
)

// Entry is one record in a region's raft log.
type Entry struct {
	EntryType EntryType
	Term      uint64
	Index     uint64
	Data      []byte
}

// ConfChangeType distinguishes the kinds of membership changes carried by
// an EntryConfChange entry's Data.
type ConfChangeType int

const (
	ConfChangeAddNode ConfChangeType = iota
	ConfChangeRemoveNode
)

// ConfChange describes a single membership mutation, proposed as the Data
// of an EntryConfChange entry.
type ConfChange struct {
	ChangeType ConfChangeType
	NodeID     uint64
}

// ConfState is the set of voting members recorded in a snapshot.
type ConfState struct {
	Nodes []uint64
}

// SnapshotMetadata describes the state a Snapshot captures.
type SnapshotMetadata struct {
	ConfState ConfState
	Index     uint64
	Term      uint64
}

// Snapshot is an application-opaque state transfer, used when a follower
// has fallen far enough behind that the leader can no longer serve it log
// entries from first_index.
type Snapshot struct {
	Data     []byte
	Metadata SnapshotMetadata
}

// IsEmptySnap reports whether s carries no state at all.
func IsEmptySnap(s *Snapshot) bool {
	return s == nil || s.Metadata.Index == 0
}

// HardState is the durable portion of a peer's state: term, vote and
// commit index. It must be persisted before the
// messages produced alongside it are sent.
type HardState struct {
	Term   uint64
	Vote   uint64
	Commit uint64
}

// IsEmptyHardState reports whether hs carries no persisted state.
func IsEmptyHardState(hs HardState) bool {
	return hs.Term == 0 && hs.Vote == 0 && hs.Commit == 0
}

// SoftState is the volatile portion of a peer's state: the current leader
// and role, used by a Replica to decide when to notify clients of a
// leadership change.
type SoftState struct {
	Lead      uint64
	RaftState StateType
}

// Message is the unit of communication between raft peers. Regardless of
// MsgType, delivery is fire-and-forget, best-effort, and both duplication
// and reordering within a term are tolerated by the receiver (// Raft transport).
type Message struct {
	MsgType   MessageType
	To        uint64
	From      uint64
	Term      uint64
	LogTerm   uint64
	Index     uint64
	Entries   []Entry
	Commit    uint64
	Snapshot  *Snapshot
	Reject    bool
	RejectHint uint64
	Context   []byte
}

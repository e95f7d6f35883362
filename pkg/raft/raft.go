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

// Package raft implements the per-region replication state machine:
// log and progress tracking and the role/election/commit
// state machine. One Raft value drives one region's group;
// the kvserver package is responsible for persisting the HardState,
// newly appended entries and snapshots a Ready batch reports before
// acting on it, and hands outbound Messages to its caller, which routes
// them between peers hosted on different stores.
package raft

import (
	"math"
	"math/rand"
	"sort"
	"sync"
	"time"

	"github.com/cockroachdb/errors"
)

// None is a placeholder node ID meaning "no leader" or "no vote cast".
const None uint64 = 0

const noLimit = math.MaxUint64

// StateType is the role of a peer within its region's raft group.
type StateType int

const (
	StateFollower StateType = iota
	StateCandidate
	StateLeader
)

func (t StateType) String() string {
	switch t {
	case StateFollower:
		return "StateFollower"
	case StateCandidate:
		return "StateCandidate"
	case StateLeader:
		return "StateLeader"
	default:
		return "StateUnknown"
	}
}

// ErrProposalDropped is returned when a proposal could not be appended
// (e.g. this peer is not the leader, or a leadership transfer is in
// progress), so the proposer can fail fast rather than wait forever.
var ErrProposalDropped = errors.New("raft proposal dropped")

type lockedRand struct {
	mu   sync.Mutex
	rand *rand.Rand
}

func (r *lockedRand) Intn(n int) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.rand.Intn(n)
}

var globalRand = &lockedRand{rand: rand.New(rand.NewSource(time.Now().UnixNano()))}

// Config carries the parameters needed to start a region's raft group
// (Roles & timers: election_timeout/heartbeat_timeout with the
// invariant heartbeat_timeout < election_timeout).
type Config struct {
	// ID is this peer's raft identity within the group. Cannot be None.
	ID uint64

	// peers seeds the initial membership of a brand new group. Restarting
	// from existing Storage must leave this empty; membership is instead
	// recovered from the last snapshot's ConfState.
	peers []uint64

	// ElectionTick is the number of Tick calls between elections: a
	// follower that hears nothing from a leader within a randomized
	// value in [ElectionTick, 2*ElectionTick) starts a campaign.
	ElectionTick int
	// HeartbeatTick is the number of Tick calls between a leader's
	// heartbeat broadcasts. Must be less than ElectionTick.
	HeartbeatTick int

	// Storage persists this group's log and HardState.
	Storage Storage
	// Applied is the last applied index, set only when restarting so
	// raft does not hand back entries the application already processed.
	Applied uint64

	// MaxInflightMsgs bounds the sliding window of un-acked MsgAppend
	// requests per peer in Replicate state.
	MaxInflightMsgs int

	// MaxSizePerMsg limits the aggregate byte size of entries bundled
	// into one MsgAppend.
	MaxSizePerMsg uint64

	// CheckQuorum enables the leader periodically verifying it has heard
	// from a majority of peers since the last check, stepping down if
	// not.
	CheckQuorum bool

	Logger Logger
}

func (c *Config) validate() error {
	if c.ID == None {
		return errors.New("cannot use none as id")
	}
	if c.HeartbeatTick <= 0 {
		return errors.New("heartbeat tick must be greater than 0")
	}
	if c.ElectionTick <= c.HeartbeatTick {
		return errors.New("election tick must be greater than heartbeat tick")
	}
	if c.Storage == nil {
		return errors.New("storage cannot be nil")
	}
	if c.MaxInflightMsgs <= 0 {
		c.MaxInflightMsgs = 256
	}
	if c.MaxSizePerMsg == 0 {
		c.MaxSizePerMsg = noLimit
	}
	if c.Logger == nil {
		c.Logger = defaultLogger
	}
	return nil
}

// Raft is the replication state machine for one region's group: the
// role/election/commit automaton. All of its methods are meant to be
// driven from a single goroutine per group; a separate single-threaded
// loop per Raft group drives replication.
type Raft struct {
	id uint64

	Term uint64
	Vote uint64

	raftLog *raftLog

	maxInflight int
	maxMsgSize  uint64
	prs         map[uint64]*Progress

	State StateType

	votes map[uint64]bool

	msgs []Message

	// Lead is the peer this follower/candidate believes is the current
	// leader, or None.
	Lead uint64

	leadTransferee uint64

	// PendingConfIndex enforces "at most one uncommitted conf
	// change at a time": a new conf-change proposal is rewritten to a
	// no-op while PendingConfIndex > applied.
	PendingConfIndex uint64

	checkQuorum bool

	heartbeatTick int
	electionTick  int

	electionElapsed  int
	heartbeatElapsed int

	randomizedElectionTimeout int

	tick func()
	step stepFunc

	logger Logger
}

// NewRaft constructs a Raft from Config, restoring HardState and
// membership from Storage when restarting.
func NewRaft(c *Config) *Raft {
	if err := c.validate(); err != nil {
		panic(err)
	}
	rl := newLogWithSize(c.Storage, c.MaxSizePerMsg)
	hs, cs, err := c.Storage.InitialState()
	if err != nil {
		panic(err)
	}
	peers := c.peers
	if len(cs.Nodes) > 0 {
		if len(peers) > 0 {
			panic("cannot specify both Config.peers and a ConfState from Storage")
		}
		peers = cs.Nodes
	}
	r := &Raft{
		id:          c.ID,
		Lead:        None,
		raftLog:     rl,
		maxInflight: c.MaxInflightMsgs,
		maxMsgSize:  c.MaxSizePerMsg,
		prs:         make(map[uint64]*Progress),
		electionTick: c.ElectionTick,
		heartbeatTick: c.HeartbeatTick,
		checkQuorum:  c.CheckQuorum,
		logger:       c.Logger,
	}
	for _, p := range peers {
		r.prs[p] = &Progress{Next: 1, Inflights: newInflights(r.maxInflight)}
	}
	if !IsEmptyHardState(hs) {
		r.loadState(hs)
	}
	if c.Applied > 0 {
		rl.appliedTo(c.Applied)
	}
	r.becomeFollower(r.Term, None)
	return r
}

func (r *Raft) hasLeader() bool { return r.Lead != None }

// SoftState reports the volatile leader/role pair the apply loop uses to
// notice a leadership change.
func (r *Raft) SoftState() *SoftState { return &SoftState{Lead: r.Lead, RaftState: r.State} }

// HardState reports the durable term/vote/commit triple that must be
// persisted before any messages produced alongside it are sent.
func (r *Raft) HardState() HardState {
	return HardState{Term: r.Term, Vote: r.Vote, Commit: r.raftLog.committed}
}

func (r *Raft) quorum() int { return len(r.prs)/2 + 1 }

func (r *Raft) nodes() []uint64 {
	nodes := make([]uint64, 0, len(r.prs))
	for id := range r.prs {
		nodes = append(nodes, id)
	}
	sort.Slice(nodes, func(i, j int) bool { return nodes[i] < nodes[j] })
	return nodes
}

// Msgs returns and clears the outbound messages accumulated since the
// last call, for the caller to deliver over the raft transport.
func (r *Raft) Msgs() []Message {
	msgs := r.msgs
	r.msgs = nil
	return msgs
}

func (r *Raft) send(m Message) {
	m.From = r.id
	if m.MsgType == MsgRequestVote || m.MsgType == MsgRequestVoteResponse {
		if m.Term == 0 {
			panic("term should be set when sending vote messages")
		}
	} else {
		if m.Term != 0 {
			panic("term should not be set when sending non-vote messages")
		}
		if m.MsgType != MsgPropose {
			m.Term = r.Term
		}
	}
	r.msgs = append(r.msgs, m)
}

func (r *Raft) getProgress(id uint64) *Progress { return r.prs[id] }

func (r *Raft) sendAppend(to uint64) { r.maybeSendAppend(to, true) }

// maybeSendAppend sends a MsgAppend (or a MsgSnapshot if the requested
// entries have already been compacted away) to peer to. sendIfEmpty
// controls whether to send a message carrying no entries, useful to
// convey an updated commit index but undesirable when batching several
// sends at once.
func (r *Raft) maybeSendAppend(to uint64, sendIfEmpty bool) bool {
	pr := r.getProgress(to)
	if pr == nil {
		return false
	}
	m := Message{To: to}

	term, errt := r.raftLog.term(pr.Next - 1)
	ents, erre := r.raftLog.entries(pr.Next)
	if len(ents) == 0 && !sendIfEmpty {
		return false
	}

	if errt != nil || erre != nil {
		m.MsgType = MsgSnapshot
		snapshot, err := r.raftLog.snapshot()
		if err != nil {
			if errors.Is(err, ErrSnapshotTemporarilyUnavailable) {
				return false
			}
			panic(err)
		}
		if IsEmptySnap(&snapshot) {
			panic("need non-empty snapshot")
		}
		m.Snapshot = &snapshot
		pr.becomeSnapshot(snapshot.Metadata.Index)
	} else {
		m.MsgType = MsgAppend
		m.Index = pr.Next - 1
		m.LogTerm = term
		m.Entries = ents
		m.Commit = r.raftLog.committed
		if n := len(ents); n != 0 {
			switch pr.State {
			case ProgressStateReplicate:
				last := ents[n-1].Index
				pr.optimisticUpdate(last)
				pr.Inflights.add(last)
			case ProgressStateProbe:
				pr.pause()
			default:
				r.logger.Panicf("%x is sending append in unhandled state %s", r.id, pr.State)
			}
		}
	}
	r.send(m)
	return true
}

func (r *Raft) sendHeartbeat(to uint64, ctx []byte) {
	commit := min(r.getProgress(to).Match, r.raftLog.committed)
	r.send(Message{To: to, MsgType: MsgHeartbeat, Commit: commit, Context: ctx})
}

func (r *Raft) forEachProgress(f func(id uint64, pr *Progress)) {
	for id, pr := range r.prs {
		f(id, pr)
	}
}

// bcastAppend sends a MsgAppend to every peer not already paused, i.e.
// every follower in Replicate state with room in its inflight window and
// every follower in Probe state that hasn't already been sent one append
// this round.
func (r *Raft) bcastAppend() {
	r.forEachProgress(func(id uint64, pr *Progress) {
		if id == r.id || pr.isPaused() {
			return
		}
		r.sendAppend(id)
	})
}

func (r *Raft) bcastHeartbeat() {
	r.forEachProgress(func(id uint64, _ *Progress) {
		if id == r.id {
			return
		}
		r.sendHeartbeat(id, nil)
	})
}

// maybeCommit recomputes the quorum's median match index and tries to
// advance the raft log's committed index to it.
func (r *Raft) maybeCommit() bool {
	match := make([]uint64, 0, len(r.prs))
	for _, p := range r.prs {
		match = append(match, p.Match)
	}
	sort.Slice(match, func(i, j int) bool { return match[i] < match[j] })
	mci := match[len(match)-r.quorum()]
	return r.raftLog.maybeCommit(mci, r.Term)
}

func (r *Raft) reset(term uint64) {
	if r.Term != term {
		r.Term = term
		r.Vote = None
	}
	r.Lead = None
	r.electionElapsed = 0
	r.heartbeatElapsed = 0
	r.resetRandomizedElectionTimeout()
	r.abortLeaderTransfer()
	r.votes = make(map[uint64]bool)
	r.forEachProgress(func(id uint64, pr *Progress) {
		isLearner := pr.IsLearner
		*pr = Progress{Next: r.raftLog.lastIndex() + 1, Inflights: newInflights(r.maxInflight), IsLearner: isLearner}
		if id == r.id {
			pr.Match = r.raftLog.lastIndex()
		}
	})
	r.PendingConfIndex = 0
}

func (r *Raft) appendEntry(es ...Entry) {
	li := r.raftLog.lastIndex()
	for i := range es {
		es[i].Term = r.Term
		es[i].Index = li + 1 + uint64(i)
	}
	li = r.raftLog.append(es...)
	r.getProgress(r.id).maybeUpdate(li)
	r.maybeCommit()
}

func (r *Raft) tickElection() {
	r.electionElapsed++
	if r.promotable() && r.pastElectionTimeout() {
		r.electionElapsed = 0
		_ = r.Step(Message{From: r.id, MsgType: MsgHup})
	}
}

func (r *Raft) tickHeartbeat() {
	r.heartbeatElapsed++
	r.electionElapsed++

	if r.electionElapsed >= r.electionTick {
		r.electionElapsed = 0
		if r.checkQuorum {
			_ = r.Step(Message{From: r.id, MsgType: msgCheckQuorumType})
		}
		if r.State == StateLeader && r.leadTransferee != None {
			r.abortLeaderTransfer()
		}
	}

	if r.State != StateLeader {
		return
	}
	if r.heartbeatElapsed >= r.heartbeatTick {
		r.heartbeatElapsed = 0
		_ = r.Step(Message{From: r.id, MsgType: MsgBeat})
	}
}

func (r *Raft) becomeFollower(term uint64, lead uint64) {
	r.step = stepFollower
	r.reset(term)
	r.tick = r.tickElection
	r.Lead = lead
	r.State = StateFollower
	r.logger.Infof("%x became follower at term %d", r.id, r.Term)
}

func (r *Raft) becomeCandidate() {
	if r.State == StateLeader {
		panic("invalid transition [leader -> candidate]")
	}
	r.step = stepCandidate
	r.reset(r.Term + 1)
	r.tick = r.tickElection
	r.Vote = r.id
	r.State = StateCandidate
	r.logger.Infof("%x became candidate at term %d", r.id, r.Term)
}

func (r *Raft) becomeLeader() {
	if r.State == StateFollower {
		panic("invalid transition [follower -> leader]")
	}
	r.step = stepLeader
	r.reset(r.Term)
	r.tick = r.tickHeartbeat
	r.Lead = r.id
	r.State = StateLeader

	// Conservatively block new conf-change proposals until every entry
	// in the log up to this point has been applied: it's safe, and
	// cheaper than scanning the log tail for a real pending one.
	r.PendingConfIndex = r.raftLog.lastIndex()

	// Per "commit only current term": append a no-op so that
	// this leader has at least one current-term entry to commit,
	// without which it could never advance committed past a prior
	// leader's uncommitted tail.
	r.appendEntry(Entry{Data: nil})
	r.logger.Infof("%x became leader at term %d", r.id, r.Term)
}

func (r *Raft) campaign() {
	r.becomeCandidate()
	if r.quorum() == r.poll(r.id, MsgRequestVoteResponse, true) {
		r.becomeLeader()
		return
	}
	for id := range r.prs {
		if id == r.id {
			continue
		}
		r.logger.Infof("%x [logterm: %d, index: %d] sent MsgRequestVote to %x at term %d",
			r.id, r.raftLog.lastTerm(), r.raftLog.lastIndex(), id, r.Term)
		r.send(Message{Term: r.Term, To: id, MsgType: MsgRequestVote, Index: r.raftLog.lastIndex(), LogTerm: r.raftLog.lastTerm()})
	}
}

func (r *Raft) poll(id uint64, t MessageType, v bool) (granted int) {
	if _, ok := r.votes[id]; !ok {
		r.votes[id] = v
	}
	for _, vv := range r.votes {
		if vv {
			granted++
		}
	}
	return granted
}

// Step routes a message to the role-specific handler. Messages with a
// higher term demote this peer to
// follower; messages with a lower term are dropped.
func (r *Raft) Step(m Message) error {
	switch {
	case m.Term == 0:
		// local message
	case m.Term > r.Term:
		if m.MsgType == MsgAppend || m.MsgType == MsgHeartbeat || m.MsgType == MsgSnapshot {
			r.becomeFollower(m.Term, m.From)
		} else {
			r.becomeFollower(m.Term, None)
		}
	case m.Term < r.Term:
		r.logger.Infof("%x [term: %d] ignored a %s message with lower term from %x [term: %d]",
			r.id, r.Term, m.MsgType, m.From, m.Term)
		return nil
	}

	switch m.MsgType {
	case MsgHup:
		if r.State != StateLeader {
			if n := r.numPendingConf(); n != 0 && r.raftLog.committed > r.raftLog.applied {
				r.logger.Warningf("%x cannot campaign at term %d since there are still %d pending configuration changes to apply",
					r.id, r.Term, n)
				return nil
			}
			r.logger.Infof("%x is starting a new election at term %d", r.id, r.Term)
			r.campaign()
		}
	case MsgRequestVote:
		canVote := r.Vote == m.From || (r.Vote == None && r.Lead == None)
		if canVote && r.raftLog.isUpToDate(m.Index, m.LogTerm) {
			r.send(Message{To: m.From, Term: m.Term, MsgType: MsgRequestVoteResponse})
			r.electionElapsed = 0
			r.Vote = m.From
		} else {
			r.send(Message{To: m.From, Term: r.Term, MsgType: MsgRequestVoteResponse, Reject: true})
		}
	default:
		return r.step(r, m)
	}
	return nil
}

type stepFunc func(r *Raft, m Message) error

func stepLeader(r *Raft, m Message) error {
	switch m.MsgType {
	case MsgBeat:
		r.bcastHeartbeat()
		return nil
	case MsgPropose:
		if len(m.Entries) == 0 {
			r.logger.Panicf("%x stepped empty MsgPropose", r.id)
		}
		if _, ok := r.prs[r.id]; !ok {
			return ErrProposalDropped
		}
		if r.leadTransferee != None {
			return ErrProposalDropped
		}
		for i := range m.Entries {
			if m.Entries[i].EntryType == EntryConfChange {
				if r.PendingConfIndex > r.raftLog.applied {
					m.Entries[i] = Entry{EntryType: EntryNormal}
				} else {
					r.PendingConfIndex = r.raftLog.lastIndex() + uint64(i) + 1
				}
			}
		}
		r.appendEntry(m.Entries...)
		r.bcastAppend()
		return nil
	}

	pr := r.getProgress(m.From)
	if pr == nil {
		return nil
	}
	switch m.MsgType {
	case MsgAppendResponse:
		if m.Reject {
			if pr.maybeDecrTo(m.Index, m.RejectHint) {
				if pr.State == ProgressStateReplicate {
					pr.becomeProbe()
				}
				r.sendAppend(m.From)
			}
			return nil
		}
		pr.RecentActive = true
		if pr.maybeUpdate(m.Index) {
			switch {
			case pr.State == ProgressStateProbe:
				pr.becomeReplicate()
			case pr.State == ProgressStateSnapshot && pr.Match >= pr.PendingSnapshot:
				pr.becomeProbe()
				r.sendAppend(m.From)
			case pr.State == ProgressStateReplicate:
				pr.Inflights.freeTo(m.Index)
			}
			if r.maybeCommit() {
				r.bcastAppend()
			}
			if m.From == r.leadTransferee && pr.Match == r.raftLog.lastIndex() {
				r.sendTimeoutNow(m.From)
			}
		} else if pr.State == ProgressStateProbe {
			pr.pause()
		}
	case MsgHeartbeatResponse:
		pr.RecentActive = true
		pr.resume()
		if pr.State == ProgressStateReplicate && pr.Inflights.full() {
			pr.Inflights.freeFirstOne()
		}
		if pr.Match < r.raftLog.lastIndex() {
			r.sendAppend(m.From)
		}
	case MsgSnapStatus:
		if pr.State != ProgressStateSnapshot {
			return nil
		}
		if !m.Reject {
			pr.becomeProbe()
		} else {
			pr.becomeProbe()
			pr.pause()
		}
	case msgCheckQuorumType:
		if !r.checkQuorumActive() {
			r.logger.Warningf("%x stepped down to follower since quorum is not active", r.id)
			r.becomeFollower(r.Term, None)
		}
		r.forEachProgress(func(_ uint64, pr *Progress) { pr.RecentActive = false })
	case MsgTransferLeader:
		r.handleTransferLeader(m, pr)
	}
	return nil
}

func (r *Raft) handleTransferLeader(m Message, pr *Progress) {
	leadTransferee := m.From
	lastLeadTransferee := r.leadTransferee
	if lastLeadTransferee != None {
		if lastLeadTransferee == leadTransferee {
			return
		}
		r.abortLeaderTransfer()
	}
	if leadTransferee == r.id {
		return
	}
	r.electionElapsed = 0
	r.leadTransferee = leadTransferee
	if pr.Match == r.raftLog.lastIndex() {
		r.sendTimeoutNow(leadTransferee)
	} else {
		r.sendAppend(leadTransferee)
	}
}

// checkQuorumActive reports whether a quorum of peers (including this
// leader) have been RecentActive since the last check: every
// ElectionTick ticks, the leader verifies a majority of peers have sent
// any traffic.
func (r *Raft) checkQuorumActive() bool {
	active := 0
	r.forEachProgress(func(id uint64, pr *Progress) {
		if id == r.id || pr.RecentActive {
			active++
		}
	})
	return active >= r.quorum()
}

func stepCandidate(r *Raft, m Message) error {
	switch m.MsgType {
	case MsgPropose:
		return ErrProposalDropped
	case MsgAppend:
		r.becomeFollower(m.Term, m.From)
		r.handleAppendEntries(m)
	case MsgHeartbeat:
		r.becomeFollower(m.Term, m.From)
		r.handleHeartbeat(m)
	case MsgSnapshot:
		r.becomeFollower(m.Term, m.From)
		r.handleSnapshot(m)
	case MsgRequestVoteResponse:
		gr := r.poll(m.From, m.MsgType, !m.Reject)
		switch r.quorum() {
		case gr:
			r.becomeLeader()
			r.bcastAppend()
		case len(r.votes) - gr:
			r.becomeFollower(r.Term, None)
		}
	case MsgTimeoutNow:
	}
	return nil
}

func stepFollower(r *Raft, m Message) error {
	switch m.MsgType {
	case MsgPropose:
		if r.Lead == None {
			return ErrProposalDropped
		}
		m.To = r.Lead
		r.send(m)
	case MsgAppend:
		r.electionElapsed = 0
		r.Lead = m.From
		r.handleAppendEntries(m)
	case MsgHeartbeat:
		r.electionElapsed = 0
		r.Lead = m.From
		r.handleHeartbeat(m)
	case MsgSnapshot:
		r.electionElapsed = 0
		r.Lead = m.From
		r.handleSnapshot(m)
	case MsgTransferLeader:
		if r.Lead == None {
			return nil
		}
		m.To = r.Lead
		r.send(m)
	case MsgTimeoutNow:
		if r.promotable() {
			r.campaign()
		}
	}
	return nil
}

func (r *Raft) handleAppendEntries(m Message) {
	if m.Index < r.raftLog.committed {
		r.send(Message{To: m.From, MsgType: MsgAppendResponse, Index: r.raftLog.committed})
		return
	}
	if mlast, ok := r.raftLog.maybeAppend(m.Index, m.LogTerm, m.Commit, m.Entries...); ok {
		r.send(Message{To: m.From, MsgType: MsgAppendResponse, Index: mlast})
	} else {
		r.send(Message{To: m.From, MsgType: MsgAppendResponse, Index: m.Index, Reject: true, RejectHint: r.raftLog.lastIndex()})
	}
}

func (r *Raft) handleHeartbeat(m Message) {
	r.raftLog.commitTo(m.Commit)
	r.send(Message{To: m.From, MsgType: MsgHeartbeatResponse, Context: m.Context})
}

func (r *Raft) handleSnapshot(m Message) {
	sindex, sterm := m.Snapshot.Metadata.Index, m.Snapshot.Metadata.Term
	if r.restore(*m.Snapshot) {
		r.logger.Infof("%x [commit: %d] restored snapshot [index: %d, term: %d]",
			r.id, r.raftLog.committed, sindex, sterm)
		r.send(Message{To: m.From, MsgType: MsgAppendResponse, Index: r.raftLog.lastIndex()})
	} else {
		r.send(Message{To: m.From, MsgType: MsgAppendResponse, Index: r.raftLog.committed})
	}
}

// restore implements Snapshot: the follower accepts iff
// snapshot.index > committed, then replaces its configuration with
// conf_state and fast-forwards committed to the snapshot index.
func (r *Raft) restore(s Snapshot) bool {
	if s.Metadata.Index <= r.raftLog.committed {
		return false
	}
	if r.raftLog.matchTerm(s.Metadata.Index, s.Metadata.Term) {
		r.raftLog.commitTo(s.Metadata.Index)
		return false
	}
	r.raftLog.restore(s)
	r.prs = make(map[uint64]*Progress)
	r.restoreNode(s.Metadata.ConfState.Nodes)
	return true
}

func (r *Raft) restoreNode(nodes []uint64) {
	for _, n := range nodes {
		match, next := uint64(0), r.raftLog.lastIndex()+1
		if n == r.id {
			match = next - 1
		}
		r.setProgress(n, match, next)
	}
}

func (r *Raft) hasPendingConf() bool { return r.PendingConfIndex > r.raftLog.applied }

func (r *Raft) numPendingConf() int {
	ents, err := r.raftLog.slice(r.raftLog.applied+1, r.raftLog.committed+1, noLimit)
	if err != nil {
		r.logger.Panicf("unexpected error getting unapplied entries (%v)", err)
	}
	n := 0
	for i := range ents {
		if ents[i].EntryType == EntryConfChange {
			n++
		}
	}
	return n
}

// promotable reports whether this peer can be promoted to leader, i.e.
// it is a voting member of its own progress map.
func (r *Raft) promotable() bool {
	pr, ok := r.prs[r.id]
	return ok && !pr.IsLearner
}

// AddNode implements conf change add_node.
func (r *Raft) AddNode(id uint64) {
	if r.getProgress(id) == nil {
		r.setProgress(id, 0, r.raftLog.lastIndex()+1)
	}
}

// RemoveNode implements conf change remove_node. Removing this peer
// itself leaves it functional as a non-voter: it keeps applying
// replicated entries but r.prs no longer contains it, so promotable and
// quorum math exclude it.
func (r *Raft) RemoveNode(id uint64) {
	r.delProgress(id)
	if len(r.prs) == 0 {
		return
	}
	if r.maybeCommit() {
		r.bcastAppend()
	}
	if r.State == StateLeader && r.leadTransferee == id {
		r.abortLeaderTransfer()
	}
}

func (r *Raft) setProgress(id, match, next uint64) {
	r.prs[id] = &Progress{Next: next, Match: match, Inflights: newInflights(r.maxInflight)}
}

func (r *Raft) delProgress(id uint64) { delete(r.prs, id) }

func (r *Raft) loadState(state HardState) {
	if state.Commit < r.raftLog.committed || state.Commit > r.raftLog.lastIndex() {
		r.logger.Panicf("%x state.commit %d is out of range [%d, %d]", r.id, state.Commit, r.raftLog.committed, r.raftLog.lastIndex())
	}
	r.raftLog.committed = state.Commit
	r.Term = state.Term
	r.Vote = state.Vote
}

func (r *Raft) pastElectionTimeout() bool {
	return r.electionElapsed >= r.randomizedElectionTimeout
}

func (r *Raft) resetRandomizedElectionTimeout() {
	r.randomizedElectionTimeout = r.electionTick + globalRand.Intn(r.electionTick)
}

func (r *Raft) sendTimeoutNow(to uint64) { r.send(Message{To: to, MsgType: MsgTimeoutNow}) }

func (r *Raft) abortLeaderTransfer() { r.leadTransferee = None }

// Tick advances the internal logical clock by one tick, driving whichever
// of tickElection/tickHeartbeat applies to the current role.
func (r *Raft) Tick() { r.tick() }

// Propose hands client entries to MsgPropose, the uniform entry point for
// both leaders (append directly) and followers (forward to the leader).
func (r *Raft) Propose(data []byte) error {
	return r.Step(Message{MsgType: MsgPropose, From: r.id, Entries: []Entry{{Data: data}}})
}

// ProposeConfChange proposes a single membership mutation, enforcing
// "at most one uncommitted conf change at a time" via
// PendingConfIndex.
func (r *Raft) ProposeConfChange(cc ConfChange) error {
	data := encodeConfChange(cc)
	return r.Step(Message{MsgType: MsgPropose, From: r.id, Entries: []Entry{{EntryType: EntryConfChange, Data: data}}})
}

// HasReady reports whether there is unpersisted state or unsent messages
// for the caller to act on, mirroring the Ready-batch pattern the
// teacher's replica_app_batch.go consumes from its own proposal buffer.
func (r *Raft) HasReady() bool {
	return len(r.msgs) > 0 || len(r.raftLog.unstableEntries()) > 0 || r.raftLog.hasNextEnts()
}

// CommittedEntries returns the committed-but-not-yet-applied entries
// ready for the replica apply loop to apply to the engine.
func (r *Raft) CommittedEntries() []Entry { return r.raftLog.nextEnts() }

// UnstableEntries returns the entries the caller must persist to Storage
// before they can be considered durable.
func (r *Raft) UnstableEntries() []Entry { return r.raftLog.unstableEntries() }

// Advance tells Raft that the caller has persisted entries up through
// lastUnstableIndex (0 if none were pending) and applied entries up
// through appliedIndex (0 if none were ready), so the corresponding
// internal bookkeeping can be released.
func (r *Raft) Advance(lastUnstableIndex, appliedIndex uint64) {
	if lastUnstableIndex > 0 {
		r.raftLog.stableTo(lastUnstableIndex)
	}
	if appliedIndex > 0 {
		r.raftLog.appliedTo(appliedIndex)
	}
}

// ID returns this peer's raft identity.
func (r *Raft) ID() uint64 { return r.id }

// Status is a read-only snapshot of the Raft's state, for diagnostics.
type Status struct {
	ID        uint64
	Term      uint64
	Vote      uint64
	Lead      uint64
	RaftState StateType
	Applied   uint64
	Commit    uint64
}

func (r *Raft) GetStatus() Status {
	return Status{
		ID: r.id, Term: r.Term, Vote: r.Vote, Lead: r.Lead, RaftState: r.State,
		Applied: r.raftLog.applied, Commit: r.raftLog.committed,
	}
}

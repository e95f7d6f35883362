// Copyright 2022 The Cockroach Authors.
//
// Use of this software is governed by the Business Source License
// included in the file licenses/BSL.txt.
//
// As of the Change Date specified in that file, in accordance with
// the Business Source License, use of this software will be governed
// by the Apache License, Version 2.0, included in the file
// licenses/APL.txt.

package kvserver

import (
	"bytes"
	"context"
	"encoding/binary"
	"sync"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/opentracing/opentracing-go"
	"golang.org/x/time/rate"

	"github.com/zhangjinpeng1987/tikv/pkg/errorkinds"
	"github.com/zhangjinpeng1987/tikv/pkg/kv/kvserver/splitcheck"
	"github.com/zhangjinpeng1987/tikv/pkg/raft"
	"github.com/zhangjinpeng1987/tikv/pkg/storage/engine"
	"github.com/zhangjinpeng1987/tikv/pkg/util/log"
)

// ReplicaConfig bounds the raft timers and the size thresholds MaybeSplit
// checks the region against.
type ReplicaConfig struct {
	RegionMaxBytes  uint64
	SplitSize       uint64
	BatchSplitLimit uint64
	ElectionTick    int
	HeartbeatTick   int
}

func (c ReplicaConfig) withDefaults() ReplicaConfig {
	if c.ElectionTick == 0 {
		c.ElectionTick = 10
	}
	if c.HeartbeatTick == 0 {
		c.HeartbeatTick = 2
	}
	if c.RegionMaxBytes == 0 {
		c.RegionMaxBytes = 96 << 20
	}
	if c.SplitSize == 0 {
		c.SplitSize = c.RegionMaxBytes / 2
	}
	if c.BatchSplitLimit == 0 {
		c.BatchSplitLimit = 10
	}
	return c
}

// ReplicaStats counts apply-loop throughput, mirroring the batch counters
// replicaAppBatch.recordStatsOnCommit used to accumulate per commit.
type ReplicaStats struct {
	EntriesProcessed      int
	EntriesProcessedBytes int64
	BatchesProcessed      int
}

// pendingProposal is a locally proposed command awaiting the outcome of
// its own round trip through the raft log.
type pendingProposal struct {
	done chan error
}

// Replica ties one region's raft group to the storage engine. It is the
// apply loop: committed entries are staged into engine writes (and region
// metadata updates for splits, merges, GC threshold advances and log
// truncations) exactly once per entry, in log order, on every peer. It
// also implements txn.Applier, so a transaction store can be handed a
// Replica in place of a direct-to-engine applier and have every batch
// proposed and durably replicated before Apply returns.
type Replica struct {
	id      uint64
	storeID uint64
	eng     engine.Engine
	cfg     ReplicaConfig

	raftGroup *raft.Raft
	storage   *raft.MemoryStorage

	// raftMu serializes every access to raftGroup and storage: Tick,
	// Step, Propose, ProposeConfChange and HandleReady's drain of
	// HasReady/HardState/UnstableEntries/CommittedEntries/Msgs/Advance
	// can all be called concurrently (a proposer goroutine racing the
	// goroutine driving the apply loop), and raft.Raft guards none of
	// that itself.
	raftMu sync.Mutex

	splitThrottle *rate.Limiter

	mu struct {
		sync.Mutex
		region         *Region
		appliedIndex   uint64
		truncatedIndex uint64
		gcThreshold    uint64
		destroyed      bool
		stats          ReplicaStats
	}

	propMu          sync.Mutex
	props           map[uint64]*pendingProposal
	nextPropID      uint64
	pendingChangeID uint64 // 0 when no conf change is in flight

	// OnSplit and OnMerge let a Store coordinate the cross-replica side of
	// a region lifecycle change (creating the new sibling Replica,
	// retiring an absorbed one) without this package depending on Store.
	OnSplit func(ctx context.Context, lhs *Replica, rhs *Region)
	OnMerge func(ctx context.Context, lhs *Replica, absorbedRegionID uint64)
}

// NewReplica constructs a Replica for region, bootstrapping its raft
// group's membership from region.Peers. Config.peers is intentionally
// unexported in the raft package (restarting must recover membership from
// Storage's ConfState, never from caller-supplied peers), so a brand new
// group is bootstrapped by applying a synthetic snapshot at index 1
// carrying the initial ConfState before constructing Raft.
func NewReplica(id, storeID uint64, region *Region, eng engine.Engine, cfg ReplicaConfig) (*Replica, error) {
	cfg = cfg.withDefaults()

	storage := raft.NewMemoryStorage()
	nodes := make([]uint64, 0, len(region.Peers))
	for _, p := range region.Peers {
		nodes = append(nodes, p.ID)
	}
	if err := storage.ApplySnapshot(raft.Snapshot{
		Metadata: raft.SnapshotMetadata{Index: 1, ConfState: raft.ConfState{Nodes: nodes}},
	}); err != nil {
		return nil, errors.Wrap(err, "bootstrapping replica membership")
	}

	raftGroup := raft.NewRaft(&raft.Config{
		ID:              id,
		ElectionTick:    cfg.ElectionTick,
		HeartbeatTick:   cfg.HeartbeatTick,
		Storage:         storage,
		MaxInflightMsgs: 256,
		CheckQuorum:     true,
	})

	r := &Replica{
		id:      id,
		storeID: storeID,
		eng:     eng,
		cfg:     cfg,

		raftGroup: raftGroup,
		storage:   storage,

		// One split check per region every 10s at most, mirroring the
		// teacher's splitQueueThrottle gate on re-enqueuing the same
		// range.
		splitThrottle: rate.NewLimiter(rate.Every(10*time.Second), 1),

		props: make(map[uint64]*pendingProposal),
	}
	r.mu.region = region
	return r, nil
}

// RegionID returns the id of the region this replica serves. It is
// carried on Region rather than Replica, so this is a convenience
// accessor under the lock.
func (r *Replica) RegionID() uint64 {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.mu.region.ID
}

// Region returns a copy of the replica's current region descriptor.
func (r *Replica) Region() *Region {
	r.mu.Lock()
	defer r.mu.Unlock()
	cp := *r.mu.region
	cp.Peers = append([]Peer(nil), r.mu.region.Peers...)
	return &cp
}

// AppliedIndex returns the highest raft log index applied to the engine.
func (r *Replica) AppliedIndex() uint64 {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.mu.appliedIndex
}

// GCThreshold returns the watermark below which write-CF history may be
// garbage collected.
func (r *Replica) GCThreshold() uint64 {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.mu.gcThreshold
}

// Stats returns a snapshot of the apply loop's throughput counters.
func (r *Replica) Stats() ReplicaStats {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.mu.stats
}

// IsLeader reports whether this peer currently believes itself to be the
// region's raft leader.
func (r *Replica) IsLeader() bool {
	r.raftMu.Lock()
	defer r.raftMu.Unlock()
	return r.raftGroup.SoftState().Lead == r.id
}

// IsDestroyed reports whether this peer has been removed from its
// region's membership. A destroyed replica still answers reads against
// whatever it last applied but rejects new proposals.
func (r *Replica) IsDestroyed() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.mu.destroyed
}

func (r *Replica) notLeaderErr() error {
	r.raftMu.Lock()
	soft := r.raftGroup.SoftState()
	r.raftMu.Unlock()
	var hint *errorkinds.LeaderHint
	if soft.Lead != raft.None {
		hint = &errorkinds.LeaderHint{PeerID: soft.Lead}
	}
	return &errorkinds.NotLeader{RegionID: r.RegionID(), Leader: hint}
}

// Apply implements txn.Applier: it proposes ops as a command, blocks
// until the command's own entry has been applied on this peer, and
// returns the apply-time error, if any. A transaction store configured
// with a Replica as its Applier therefore gets linearizable, replicated
// writes for free.
func (r *Replica) Apply(ctx context.Context, ops []engine.Op) error {
	if len(ops) == 0 {
		return nil
	}
	cmd := command{Ops: ops}
	return r.proposeAndWait(ctx, cmd)
}

// ProposeSplit proposes splitting this region at splitKey: the RHS
// becomes a brand new region with id newRegionID, starting at splitKey
// and inheriting this region's current end key and peer set (renumbered
// to newPeers, one per existing store). On apply, this replica's own
// EndKey is trimmed to splitKey and its epoch's Version is bumped; the
// Store-level OnSplit hook (if set) is responsible for instantiating the
// sibling Replica.
func (r *Replica) ProposeSplit(ctx context.Context, splitKey []byte, newRegionID uint64, newPeers []Peer) error {
	cmd := command{Split: &splitTrigger{SplitKey: append([]byte(nil), splitKey...), NewRegionID: newRegionID, NewPeers: newPeers}}
	return r.proposeAndWait(ctx, cmd)
}

// ProposeMerge proposes absorbing the region described by rhs, which must
// be this region's immediate right neighbor, into this one. On apply,
// this replica's EndKey is extended to rhs.EndKey and its epoch's Version
// is bumped; the Store-level OnMerge hook is responsible for retiring the
// absorbed Replica.
func (r *Replica) ProposeMerge(ctx context.Context, rhs *Region) error {
	cmd := command{Merge: &mergeTrigger{RightRegionID: rhs.ID, RightEndKey: append([]byte(nil), rhs.EndKey...)}}
	return r.proposeAndWait(ctx, cmd)
}

// ProposeSetGCThreshold advances the watermark below which write-CF
// history may be garbage collected. Threshold only ever moves forward;
// an apply-time no-op silently drops a regression rather than erroring,
// since a stale GC request arriving after a newer one is a benign race.
func (r *Replica) ProposeSetGCThreshold(ctx context.Context, threshold uint64) error {
	cmd := command{GCThreshold: threshold}
	return r.proposeAndWait(ctx, cmd)
}

// ProposeCompactLog proposes truncating the raft log's durable prefix up
// to and including compactIndex, once every peer is known to have
// applied past it.
func (r *Replica) ProposeCompactLog(ctx context.Context, compactIndex uint64) error {
	cmd := command{CompactIndex: compactIndex}
	return r.proposeAndWait(ctx, cmd)
}

// ProposeChangeReplicas proposes a single membership mutation. At most
// one may be in flight at a time; a second call while one is pending
// fails fast rather than queuing, matching the raft layer's own
// PendingConfIndex rule that a second uncommitted conf change is
// rewritten to a no-op rather than accepted.
func (r *Replica) ProposeChangeReplicas(ctx context.Context, changeType raft.ConfChangeType, peer Peer) error {
	r.propMu.Lock()
	if r.pendingChangeID != 0 {
		r.propMu.Unlock()
		return errors.New("a configuration change is already pending for this region")
	}
	r.pendingChangeID = 1
	r.propMu.Unlock()
	defer func() {
		r.propMu.Lock()
		r.pendingChangeID = 0
		r.propMu.Unlock()
	}()

	// The region.Peers/epoch bookkeeping travels as an ordinary command,
	// applied the same way a write batch is. Raft's own voting membership
	// is a separate, lower-level concern that the raft package tracks in
	// its own log via EntryConfChange; it is driven by a second proposal
	// once the bookkeeping one has landed, so the two never race for the
	// single in-flight conf change slot raft enforces internally.
	cmd := command{ChangeReplicas: &changeReplicasTrigger{ChangeType: changeType, Peer: peer}}
	if err := r.proposeAndWait(ctx, cmd); err != nil {
		return err
	}
	r.raftMu.Lock()
	defer r.raftMu.Unlock()
	return r.raftGroup.ProposeConfChange(raft.ConfChange{ChangeType: changeType, NodeID: peer.ID})
}

func (r *Replica) registerProposalLocked() uint64 {
	r.nextPropID++
	id := r.nextPropID
	r.props[id] = &pendingProposal{done: make(chan error, 1)}
	return id
}

// proposeAndWait encodes cmd, proposes it, and blocks for its own entry
// to be applied (or for ctx to be cancelled first, in which case the
// proposal is left registered and will still be resolved, harmlessly
// unread, if it later commits).
func (r *Replica) proposeAndWait(ctx context.Context, cmd command) error {
	if r.IsDestroyed() {
		return errors.Newf("replica %d for region %d has been removed", r.id, r.RegionID())
	}

	r.propMu.Lock()
	id := r.registerProposalLocked()
	cmd.ID = id
	done := r.props[id].done
	r.propMu.Unlock()

	data, err := encodeCommand(cmd)
	if err != nil {
		r.propMu.Lock()
		delete(r.props, id)
		r.propMu.Unlock()
		return err
	}
	r.raftMu.Lock()
	err = r.raftGroup.Propose(data)
	r.raftMu.Unlock()
	if err != nil {
		r.propMu.Lock()
		delete(r.props, id)
		r.propMu.Unlock()
		return err
	}
	select {
	case err := <-done:
		return err
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (r *Replica) resolveProposal(id uint64, err error) {
	r.propMu.Lock()
	p, ok := r.props[id]
	if ok {
		delete(r.props, id)
	}
	r.propMu.Unlock()
	if ok {
		p.done <- err
	}
}

// Tick advances the raft group's logical clock by one tick.
func (r *Replica) Tick() {
	r.raftMu.Lock()
	defer r.raftMu.Unlock()
	r.raftGroup.Tick()
}

// Step delivers an inbound raft message to this replica's group. Routing
// To-addressed messages between replicas is the caller's responsibility
// (a Store, or a test harness); a Replica never does its own networking.
func (r *Replica) Step(m raft.Message) error {
	r.raftMu.Lock()
	defer r.raftMu.Unlock()
	return r.raftGroup.Step(m)
}

// HandleReady drives one cycle of the apply loop: persists the HardState
// and any newly appended (but not yet durable) entries, applies every
// committed-but-unapplied entry to the engine and this replica's region
// metadata, and returns the outbound messages the caller must now route.
// It is a no-op, returning (nil, nil), when the raft group has nothing
// to do.
func (r *Replica) HandleReady(ctx context.Context) ([]raft.Message, error) {
	r.raftMu.Lock()
	defer r.raftMu.Unlock()

	if !r.raftGroup.HasReady() {
		return nil, nil
	}

	if hs := r.raftGroup.HardState(); !raft.IsEmptyHardState(hs) {
		if err := r.storage.SetHardState(hs); err != nil {
			return nil, errors.Wrap(err, "persisting hard state")
		}
	}

	var lastUnstable uint64
	if unstable := r.raftGroup.UnstableEntries(); len(unstable) > 0 {
		if err := r.storage.Append(unstable); err != nil {
			return nil, errors.Wrap(err, "persisting unstable entries")
		}
		lastUnstable = unstable[len(unstable)-1].Index
	}

	committed := r.raftGroup.CommittedEntries()
	applied := r.applyCommittedEntries(ctx, committed)

	msgs := r.raftGroup.Msgs()
	r.raftGroup.Advance(lastUnstable, applied)
	return msgs, nil
}

// applyCommittedEntries stages every entry's effect into the engine (or
// this replica's in-memory region state) in order, and returns the index
// of the last one applied so the caller can advance raft's bookkeeping
// past it. It is the direct descendant of replicaAppBatch.Stage plus
// ApplyToStateMachine, collapsed into one pass since this kernel has no
// proposer-side lease or closed-timestamp checks gating whether a command
// applies: once committed by raft, a command always applies.
func (r *Replica) applyCommittedEntries(ctx context.Context, entries []raft.Entry) uint64 {
	if len(entries) == 0 {
		r.mu.Lock()
		applied := r.mu.appliedIndex
		r.mu.Unlock()
		return applied
	}

	span, ctx := opentracing.StartSpanFromContext(ctx, "replica.applyCommittedEntries")
	defer span.Finish()

	var batch engine.Batch
	processedBytes := int64(0)
	type resolution struct {
		id  uint64
		err error
	}
	var resolutions []resolution

	for _, ent := range entries {
		switch ent.EntryType {
		case raft.EntryConfChange:
			cc, err := raft.DecodeConfChange(ent.Data)
			if err != nil {
				log.Errorf(ctx, "discarding corrupt conf change entry at index %d: %v", ent.Index, err)
				break
			}
			r.applyConfChange(ctx, cc)
		default:
			if len(ent.Data) == 0 {
				break // empty entry appended by a newly elected leader
			}
			cmd, err := decodeCommand(ent.Data)
			if err != nil {
				log.Errorf(ctx, "discarding corrupt command entry at index %d: %v", ent.Index, err)
				break
			}
			applyErr := r.applyCommand(ctx, cmd, &batch)
			if cmd.ID != 0 {
				resolutions = append(resolutions, resolution{id: cmd.ID, err: applyErr})
			}
		}
		processedBytes += int64(len(ent.Data))
	}

	var writeErr error
	if batch.Len() > 0 {
		if err := r.eng.WriteBatch(batch.Ops); err != nil {
			log.Errorf(ctx, "apply batch failed: %v", err)
			writeErr = errorkinds.EngineFailure(err, "applying committed entries")
		}
	}
	for _, res := range resolutions {
		if res.err == nil {
			res.err = writeErr
		}
		r.resolveProposal(res.id, res.err)
	}

	last := entries[len(entries)-1].Index
	r.mu.Lock()
	r.mu.appliedIndex = last
	r.mu.stats.EntriesProcessed += len(entries)
	r.mu.stats.EntriesProcessedBytes += processedBytes
	r.mu.stats.BatchesProcessed++
	r.mu.Unlock()
	return last
}

// applyCommand stages cmd's engine writes into batch and applies its
// region-metadata trigger, if any. The returned error is delivered to
// whichever local proposer is waiting on cmd.ID; it never aborts
// application of the entries around it; a malformed or conflicting
// command simply has no effect on the engine beyond what it already
// staged.
func (r *Replica) applyCommand(ctx context.Context, cmd command, batch *engine.Batch) error {
	batch.Ops = append(batch.Ops, cmd.Ops...)

	if cmd.Split != nil {
		r.applySplit(ctx, cmd.Split)
	}
	if cmd.Merge != nil {
		r.applyMerge(ctx, cmd.Merge)
	}
	if cmd.GCThreshold != 0 {
		r.mu.Lock()
		if cmd.GCThreshold > r.mu.gcThreshold {
			r.mu.gcThreshold = cmd.GCThreshold
		}
		r.mu.Unlock()
	}
	if cmd.CompactIndex != 0 {
		if err := r.storage.Compact(cmd.CompactIndex); err != nil && !errors.Is(err, raft.ErrCompacted) {
			log.Warningf(ctx, "compacting raft log to %d: %v", cmd.CompactIndex, err)
		} else {
			r.mu.Lock()
			r.mu.truncatedIndex = cmd.CompactIndex
			r.mu.Unlock()
		}
	}
	if cmd.ChangeReplicas != nil {
		r.applyChangeReplicasTrigger(cmd.ChangeReplicas)
	}
	return nil
}

func (r *Replica) applySplit(ctx context.Context, t *splitTrigger) {
	r.mu.Lock()
	rhs := &Region{
		ID:       t.NewRegionID,
		StartKey: t.SplitKey,
		EndKey:   append([]byte(nil), r.mu.region.EndKey...),
		Epoch:    RegionEpoch{Version: r.mu.region.Epoch.Version + 1, ConfVer: r.mu.region.Epoch.ConfVer},
		Peers:    append([]Peer(nil), t.NewPeers...),
	}
	r.mu.region.EndKey = t.SplitKey
	r.mu.region.Epoch.Version++
	r.mu.Unlock()

	log.Infof(ctx, "region %d split at %x, new region %d", r.RegionID(), t.SplitKey, t.NewRegionID)
	if r.OnSplit != nil {
		r.OnSplit(ctx, r, rhs)
	}
}

func (r *Replica) applyMerge(ctx context.Context, t *mergeTrigger) {
	r.mu.Lock()
	r.mu.region.EndKey = t.RightEndKey
	r.mu.region.Epoch.Version++
	r.mu.Unlock()

	log.Infof(ctx, "region %d absorbed region %d", r.RegionID(), t.RightRegionID)
	if r.OnMerge != nil {
		r.OnMerge(ctx, r, t.RightRegionID)
	}
}

// applyChangeReplicasTrigger updates region.Peers and bumps the epoch's
// ConfVer. The raft group's own voting membership is not touched here; it
// changes when the matching EntryConfChange is applied (applyConfChange).
func (r *Replica) applyChangeReplicasTrigger(t *changeReplicasTrigger) {
	r.mu.Lock()
	switch t.ChangeType {
	case raft.ConfChangeAddNode:
		r.mu.region.Peers = append(r.mu.region.Peers, t.Peer)
	case raft.ConfChangeRemoveNode:
		peers := r.mu.region.Peers[:0]
		for _, p := range r.mu.region.Peers {
			if p.ID != t.Peer.ID {
				peers = append(peers, p)
			}
		}
		r.mu.region.Peers = peers
	}
	r.mu.region.Epoch.ConfVer++
	r.mu.Unlock()
}

func (r *Replica) applyConfChange(ctx context.Context, cc raft.ConfChange) {
	switch cc.ChangeType {
	case raft.ConfChangeAddNode:
		r.raftGroup.AddNode(cc.NodeID)
	case raft.ConfChangeRemoveNode:
		r.raftGroup.RemoveNode(cc.NodeID)
		if cc.NodeID == r.id {
			r.mu.Lock()
			r.mu.destroyed = true
			r.mu.Unlock()
		}
	}
}

// MaybeSplit runs the size-based split checker against this replica's
// current region bounds, returning candidate split keys for the caller
// to drive through ProposeSplit one at a time. It is throttled by
// splitThrottle to at most once per 10 seconds, mirroring the teacher's
// splitQueueThrottle gate on re-enqueuing a region that was just checked.
func (r *Replica) MaybeSplit(ctx context.Context) ([][]byte, error) {
	if !r.splitThrottle.Allow() {
		return nil, nil
	}
	region := r.Region()
	size, err := splitcheck.ApproximateRegionSize(r.eng, region.StartKey, region.EndKey)
	if err != nil {
		return nil, err
	}
	if size < r.cfg.RegionMaxBytes {
		return nil, nil
	}
	host := splitcheck.NewHost(splitcheck.NewSizeCheckObserver(r.cfg.RegionMaxBytes, r.cfg.SplitSize, r.cfg.BatchSplitLimit))
	return host.Run(r.eng, region.StartKey, region.EndKey)
}

// command is the payload carried by a normal (non-conf-change) raft
// entry: a batch of engine ops to apply, plus at most one of the region
// lifecycle triggers. ID identifies the local proposal awaiting this
// entry's outcome, 0 if the entry carries no such waiter (e.g. on a peer
// that didn't originate it).
type command struct {
	ID             uint64
	Ops            []engine.Op
	Split          *splitTrigger
	Merge          *mergeTrigger
	GCThreshold    uint64
	CompactIndex   uint64
	ChangeReplicas *changeReplicasTrigger
}

type splitTrigger struct {
	SplitKey    []byte
	NewRegionID uint64
	NewPeers    []Peer
}

type mergeTrigger struct {
	RightRegionID uint64
	RightEndKey   []byte
}

type changeReplicasTrigger struct {
	ChangeType raft.ConfChangeType
	Peer       Peer
}

// Command wire format: a fixed-width header of optional-field presence
// flags and scalars, followed by length-prefixed variable fields. This
// follows the same hand-rolled big-endian, length-prefixed style as
// pkg/storage/keys and pkg/storage/mvcc use for their own on-disk
// encodings, rather than introducing a general-purpose serialization
// library for what is, here, purely an in-process raft log payload (see
// DESIGN.md).
const (
	flagSplit uint8 = 1 << iota
	flagMerge
	flagChangeReplicas
)

func encodeCommand(cmd command) ([]byte, error) {
	var buf bytes.Buffer
	var u64 [8]byte

	binary.BigEndian.PutUint64(u64[:], cmd.ID)
	buf.Write(u64[:])

	var flags uint8
	if cmd.Split != nil {
		flags |= flagSplit
	}
	if cmd.Merge != nil {
		flags |= flagMerge
	}
	if cmd.ChangeReplicas != nil {
		flags |= flagChangeReplicas
	}
	buf.WriteByte(flags)

	binary.BigEndian.PutUint64(u64[:], cmd.GCThreshold)
	buf.Write(u64[:])
	binary.BigEndian.PutUint64(u64[:], cmd.CompactIndex)
	buf.Write(u64[:])

	if err := encodeOps(&buf, cmd.Ops); err != nil {
		return nil, err
	}
	if cmd.Split != nil {
		writeBytes(&buf, cmd.Split.SplitKey)
		binary.BigEndian.PutUint64(u64[:], cmd.Split.NewRegionID)
		buf.Write(u64[:])
		encodePeers(&buf, cmd.Split.NewPeers)
	}
	if cmd.Merge != nil {
		binary.BigEndian.PutUint64(u64[:], cmd.Merge.RightRegionID)
		buf.Write(u64[:])
		writeBytes(&buf, cmd.Merge.RightEndKey)
	}
	if cmd.ChangeReplicas != nil {
		buf.WriteByte(byte(cmd.ChangeReplicas.ChangeType))
		encodePeers(&buf, []Peer{cmd.ChangeReplicas.Peer})
	}
	return buf.Bytes(), nil
}

func decodeCommand(data []byte) (command, error) {
	r := bytes.NewReader(data)
	var cmd command

	id, err := readUint64(r)
	if err != nil {
		return command{}, err
	}
	cmd.ID = id

	flags, err := r.ReadByte()
	if err != nil {
		return command{}, err
	}

	if cmd.GCThreshold, err = readUint64(r); err != nil {
		return command{}, err
	}
	if cmd.CompactIndex, err = readUint64(r); err != nil {
		return command{}, err
	}
	if cmd.Ops, err = decodeOps(r); err != nil {
		return command{}, err
	}

	if flags&flagSplit != 0 {
		t := &splitTrigger{}
		if t.SplitKey, err = readBytes(r); err != nil {
			return command{}, err
		}
		if t.NewRegionID, err = readUint64(r); err != nil {
			return command{}, err
		}
		if t.NewPeers, err = decodePeers(r); err != nil {
			return command{}, err
		}
		cmd.Split = t
	}
	if flags&flagMerge != 0 {
		t := &mergeTrigger{}
		if t.RightRegionID, err = readUint64(r); err != nil {
			return command{}, err
		}
		if t.RightEndKey, err = readBytes(r); err != nil {
			return command{}, err
		}
		cmd.Merge = t
	}
	if flags&flagChangeReplicas != 0 {
		kindByte, err := r.ReadByte()
		if err != nil {
			return command{}, err
		}
		peers, err := decodePeers(r)
		if err != nil {
			return command{}, err
		}
		if len(peers) != 1 {
			return command{}, errors.Newf("change-replicas trigger must carry exactly one peer, got %d", len(peers))
		}
		cmd.ChangeReplicas = &changeReplicasTrigger{ChangeType: raft.ConfChangeType(kindByte), Peer: peers[0]}
	}
	return cmd, nil
}

func encodeOps(buf *bytes.Buffer, ops []engine.Op) error {
	var u32 [4]byte
	binary.BigEndian.PutUint32(u32[:], uint32(len(ops)))
	buf.Write(u32[:])
	for _, op := range ops {
		buf.WriteByte(byte(op.Kind))
		writeBytes(buf, []byte(op.CF))
		writeBytes(buf, op.Key)
		writeBytes(buf, op.EndKey)
		writeBytes(buf, op.Value)
	}
	return nil
}

func decodeOps(r *bytes.Reader) ([]engine.Op, error) {
	n, err := readUint32(r)
	if err != nil {
		return nil, err
	}
	if n == 0 {
		return nil, nil
	}
	ops := make([]engine.Op, n)
	for i := range ops {
		kind, err := r.ReadByte()
		if err != nil {
			return nil, err
		}
		cf, err := readBytes(r)
		if err != nil {
			return nil, err
		}
		key, err := readBytes(r)
		if err != nil {
			return nil, err
		}
		endKey, err := readBytes(r)
		if err != nil {
			return nil, err
		}
		value, err := readBytes(r)
		if err != nil {
			return nil, err
		}
		ops[i] = engine.Op{Kind: engine.OpKind(kind), CF: engine.CF(cf), Key: key, EndKey: endKey, Value: value}
	}
	return ops, nil
}

func encodePeers(buf *bytes.Buffer, peers []Peer) {
	var u32, u64 [8]byte
	binary.BigEndian.PutUint32(u32[:4], uint32(len(peers)))
	buf.Write(u32[:4])
	for _, p := range peers {
		binary.BigEndian.PutUint64(u64[:], p.ID)
		buf.Write(u64[:])
		binary.BigEndian.PutUint64(u64[:], p.StoreID)
		buf.Write(u64[:])
	}
}

func decodePeers(r *bytes.Reader) ([]Peer, error) {
	n, err := readUint32(r)
	if err != nil {
		return nil, err
	}
	if n == 0 {
		return nil, nil
	}
	peers := make([]Peer, n)
	for i := range peers {
		id, err := readUint64(r)
		if err != nil {
			return nil, err
		}
		storeID, err := readUint64(r)
		if err != nil {
			return nil, err
		}
		peers[i] = Peer{ID: id, StoreID: storeID}
	}
	return peers, nil
}

func writeBytes(buf *bytes.Buffer, b []byte) {
	var u32 [4]byte
	binary.BigEndian.PutUint32(u32[:], uint32(len(b)))
	buf.Write(u32[:])
	buf.Write(b)
}

func readBytes(r *bytes.Reader) ([]byte, error) {
	n, err := readUint32(r)
	if err != nil {
		return nil, err
	}
	if n == 0 {
		return nil, nil
	}
	out := make([]byte, n)
	if _, err := r.Read(out); err != nil {
		return nil, err
	}
	return out, nil
}

func readUint32(r *bytes.Reader) (uint32, error) {
	var b [4]byte
	if _, err := r.Read(b[:]); err != nil {
		return 0, err
	}
	return binary.BigEndian.Uint32(b[:]), nil
}

func readUint64(r *bytes.Reader) (uint64, error) {
	var b [8]byte
	if _, err := r.Read(b[:]); err != nil {
		return 0, err
	}
	return binary.BigEndian.Uint64(b[:]), nil
}

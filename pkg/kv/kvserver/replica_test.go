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
	"context"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/zhangjinpeng1987/tikv/pkg/raft"
	"github.com/zhangjinpeng1987/tikv/pkg/storage/engine"
)

// singleVoterReplica builds a Replica whose region has exactly one
// voter, itself, so it becomes its own leader after enough ticks without
// needing a second peer or any message routing.
func singleVoterReplica(t *testing.T) *Replica {
	t.Helper()
	region := &Region{
		ID:       1,
		StartKey: nil,
		EndKey:   nil,
		Peers:    []Peer{{ID: 1, StoreID: 1}},
	}
	r, err := NewReplica(1, 1, region, engine.NewMemEngine(), ReplicaConfig{})
	require.NoError(t, err)
	return r
}

// driveToLeader ticks r and drains HandleReady until it reports itself
// leader, bounded so a bug that never elects fails the test instead of
// hanging.
func driveToLeader(t *testing.T, ctx context.Context, r *Replica) {
	t.Helper()
	for i := 0; i < 50 && !r.IsLeader(); i++ {
		r.Tick()
		_, err := r.HandleReady(ctx)
		require.NoError(t, err)
	}
	require.True(t, r.IsLeader(), "replica never became leader")
}

func TestReplicaApplyWritesThroughRaft(t *testing.T) {
	ctx := context.Background()
	r := singleVoterReplica(t)
	driveToLeader(t, ctx, r)

	done := make(chan error, 1)
	go func() {
		done <- r.Apply(ctx, []engine.Op{engine.Put(engine.CFDefault, []byte("zkey"), []byte("value"))})
	}()

	// Apply() blocks on its own committed entry; pump HandleReady until it
	// unblocks.
	var applyErr error
	for i := 0; i < 50; i++ {
		r.Tick()
		if _, err := r.HandleReady(ctx); err != nil {
			t.Fatalf("HandleReady: %v", err)
		}
		select {
		case applyErr = <-done:
			require.NoError(t, applyErr)
			got, err := r.eng.Get(engine.CFDefault, []byte("zkey"))
			require.NoError(t, err)
			require.Equal(t, []byte("value"), got)
			return
		default:
		}
	}
	t.Fatal("Apply never completed")
}

func TestReplicaProposeSplitUpdatesBounds(t *testing.T) {
	ctx := context.Background()
	r := singleVoterReplica(t)
	driveToLeader(t, ctx, r)

	done := make(chan error, 1)
	go func() {
		done <- r.ProposeSplit(ctx, []byte("m"), 2, []Peer{{ID: 2, StoreID: 1}})
	}()

	var rhs *Region
	r.OnSplit = func(_ context.Context, _ *Replica, newRHS *Region) { rhs = newRHS }

	for i := 0; i < 50; i++ {
		r.Tick()
		_, err := r.HandleReady(ctx)
		require.NoError(t, err)
		select {
		case err := <-done:
			require.NoError(t, err)
			require.Equal(t, []byte("m"), r.Region().EndKey)
			require.Equal(t, uint64(1), r.Region().Epoch.Version)
			require.NotNil(t, rhs)
			require.Equal(t, uint64(2), rhs.ID)
			require.Equal(t, []byte("m"), rhs.StartKey)
			return
		default:
		}
	}
	t.Fatal("ProposeSplit never completed")
}

func TestReplicaProposeSetGCThresholdIsMonotonic(t *testing.T) {
	ctx := context.Background()
	r := singleVoterReplica(t)
	driveToLeader(t, ctx, r)

	advance := func(ts uint64) {
		done := make(chan error, 1)
		go func() { done <- r.ProposeSetGCThreshold(ctx, ts) }()
		for i := 0; i < 50; i++ {
			r.Tick()
			_, err := r.HandleReady(ctx)
			require.NoError(t, err)
			select {
			case err := <-done:
				require.NoError(t, err)
				return
			default:
			}
		}
		t.Fatal("ProposeSetGCThreshold never completed")
	}

	advance(10)
	require.Equal(t, uint64(10), r.GCThreshold())
	advance(5) // a stale/regressed threshold must not move the watermark backwards
	require.Equal(t, uint64(10), r.GCThreshold())
	advance(20)
	require.Equal(t, uint64(20), r.GCThreshold())
}

func TestReplicaProposeChangeReplicasUpdatesPeers(t *testing.T) {
	ctx := context.Background()
	r := singleVoterReplica(t)
	driveToLeader(t, ctx, r)

	done := make(chan error, 1)
	go func() {
		done <- r.ProposeChangeReplicas(ctx, raft.ConfChangeAddNode, Peer{ID: 2, StoreID: 2})
	}()

	for i := 0; i < 50; i++ {
		r.Tick()
		_, err := r.HandleReady(ctx)
		require.NoError(t, err)
		select {
		case err := <-done:
			require.NoError(t, err)
			peer, ok := r.Region().Find(2)
			require.True(t, ok)
			require.Equal(t, uint64(2), peer.ID)
			require.Equal(t, uint64(1), r.Region().Epoch.ConfVer)
			return
		default:
		}
	}
	t.Fatal("ProposeChangeReplicas never completed")
}

func TestReplicaRejectsProposalsOnceDestroyed(t *testing.T) {
	ctx := context.Background()
	r := singleVoterReplica(t)
	driveToLeader(t, ctx, r)
	r.mu.Lock()
	r.mu.destroyed = true
	r.mu.Unlock()

	err := r.Apply(ctx, []engine.Op{engine.Put(engine.CFDefault, []byte("zkey"), []byte("value"))})
	require.Error(t, err)
}

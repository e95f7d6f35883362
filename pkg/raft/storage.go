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
	"sync"

	"github.com/cockroachdb/errors"
)

// ErrCompacted is returned by Storage.Entries/Term when the requested
// index precedes the first index retained after the last snapshot.
var ErrCompacted = errors.New("requested index is unavailable due to compaction")

// ErrSnapOutOfDate is returned when a requested snapshot is older than
// the existing snapshot.
var ErrSnapOutOfDate = errors.New("requested index is older than the existing snapshot")

// ErrUnavailable is returned when the requested log entries are not
// available locally.
var ErrUnavailable = errors.New("requested entry at index is unavailable")

// ErrSnapshotTemporarilyUnavailable is returned when the snapshot is
// being generated asynchronously and is not yet ready.
var ErrSnapshotTemporarilyUnavailable = errors.New("snapshot is temporarily unavailable")

// Storage is the durable log and state backing one region's raft group.
// Raft reads entries and state out of Storage on demand and relies on the
// caller to persist newly appended entries, the HardState and incoming
// snapshots before acknowledging them to peers (log &
// progress). MemoryStorage is the reference implementation used in tests
// and by a region that has not yet wired a durable raft-CF-backed one.
type Storage interface {
	// InitialState returns the HardState and ConfState this Storage was
	// initialized with, used by Raft on restart.
	InitialState() (HardState, ConfState, error)
	// Entries returns the log entries in [lo, hi), trimmed if the total
	// byte size would exceed maxSize (0 means unbounded).
	Entries(lo, hi, maxSize uint64) ([]Entry, error)
	// Term returns the term of the entry at index i.
	Term(i uint64) (uint64, error)
	// LastIndex returns the index of the last entry in the log.
	LastIndex() (uint64, error)
	// FirstIndex returns the index of the first entry possibly available,
	// i.e. one greater than the index covered by the last snapshot.
	FirstIndex() (uint64, error)
	// Snapshot returns the most recent snapshot, or
	// ErrSnapshotTemporarilyUnavailable if one is still being generated.
	Snapshot() (Snapshot, error)
}

// MemoryStorage implements Storage purely in memory, entries[i] stores
// the entry with Index = entries[0].Index + i, so entries[0] is always a
// dummy entry marking the index/term of the last compaction or snapshot.
type MemoryStorage struct {
	mu sync.RWMutex

	hardState HardState
	snapshot  Snapshot
	entries   []Entry
}

// NewMemoryStorage returns an empty MemoryStorage with a single dummy
// entry at index 0.
func NewMemoryStorage() *MemoryStorage {
	return &MemoryStorage{entries: []Entry{{}}}
}

func (ms *MemoryStorage) InitialState() (HardState, ConfState, error) {
	ms.mu.RLock()
	defer ms.mu.RUnlock()
	return ms.hardState, ms.snapshot.Metadata.ConfState, nil
}

// SetHardState persists hs, used by the replica apply loop after every
// Ready batch.
func (ms *MemoryStorage) SetHardState(hs HardState) error {
	ms.mu.Lock()
	defer ms.mu.Unlock()
	ms.hardState = hs
	return nil
}

func (ms *MemoryStorage) firstIndex() uint64 {
	return ms.entries[0].Index + 1
}

func (ms *MemoryStorage) lastIndex() uint64 {
	return ms.entries[0].Index + uint64(len(ms.entries)) - 1
}

func (ms *MemoryStorage) FirstIndex() (uint64, error) {
	ms.mu.RLock()
	defer ms.mu.RUnlock()
	return ms.firstIndex(), nil
}

func (ms *MemoryStorage) LastIndex() (uint64, error) {
	ms.mu.RLock()
	defer ms.mu.RUnlock()
	return ms.lastIndex(), nil
}

func (ms *MemoryStorage) Entries(lo, hi, maxSize uint64) ([]Entry, error) {
	ms.mu.RLock()
	defer ms.mu.RUnlock()
	offset := ms.entries[0].Index
	if lo <= offset {
		return nil, ErrCompacted
	}
	if hi > ms.lastIndex()+1 {
		return nil, errors.Newf("entries' hi(%d) is out of bound lastindex(%d)", hi, ms.lastIndex())
	}
	if len(ms.entries) == 1 {
		return nil, ErrUnavailable
	}
	ents := ms.entries[lo-offset : hi-offset]
	return limitEntriesSize(ents, maxSize), nil
}

func (ms *MemoryStorage) Term(i uint64) (uint64, error) {
	ms.mu.RLock()
	defer ms.mu.RUnlock()
	offset := ms.entries[0].Index
	if i < offset {
		return 0, ErrCompacted
	}
	if int(i-offset) >= len(ms.entries) {
		return 0, ErrUnavailable
	}
	return ms.entries[i-offset].Term, nil
}

func (ms *MemoryStorage) Snapshot() (Snapshot, error) {
	ms.mu.RLock()
	defer ms.mu.RUnlock()
	return ms.snapshot, nil
}

// ApplySnapshot overwrites the log with the state captured by snap,
// called when a follower accepts an incoming MsgSnapshot.
func (ms *MemoryStorage) ApplySnapshot(snap Snapshot) error {
	ms.mu.Lock()
	defer ms.mu.Unlock()
	msIndex := ms.snapshot.Metadata.Index
	snapIndex := snap.Metadata.Index
	if msIndex >= snapIndex {
		return ErrSnapOutOfDate
	}
	ms.snapshot = snap
	ms.entries = []Entry{{Term: snap.Metadata.Term, Index: snap.Metadata.Index}}
	return nil
}

// Compact discards all log entries up to and including compactIndex,
// called once a region's apply loop has durably applied past that point
// and no longer needs them for follower catch-up.
func (ms *MemoryStorage) Compact(compactIndex uint64) error {
	ms.mu.Lock()
	defer ms.mu.Unlock()
	offset := ms.entries[0].Index
	if compactIndex <= offset {
		return ErrCompacted
	}
	if compactIndex > ms.lastIndex() {
		return errors.Newf("compact %d is out of bound lastindex(%d)", compactIndex, ms.lastIndex())
	}
	i := compactIndex - offset
	ents := make([]Entry, 1, 1+uint64(len(ms.entries))-i)
	ents[0].Index = ms.entries[i].Index
	ents[0].Term = ms.entries[i].Term
	ents = append(ents, ms.entries[i+1:]...)
	ms.entries = ents
	return nil
}

// Append appends the new entries to storage, truncating any existing
// entries that conflict.
func (ms *MemoryStorage) Append(entries []Entry) error {
	if len(entries) == 0 {
		return nil
	}
	ms.mu.Lock()
	defer ms.mu.Unlock()

	first := ms.firstIndex()
	last := entries[0].Index + uint64(len(entries)) - 1
	if last < first {
		return nil
	}
	if first > entries[0].Index {
		entries = entries[first-entries[0].Index:]
	}

	offset := entries[0].Index - ms.entries[0].Index
	switch {
	case uint64(len(ms.entries)) > offset:
		ms.entries = append([]Entry{}, ms.entries[:offset]...)
		ms.entries = append(ms.entries, entries...)
	case uint64(len(ms.entries)) == offset:
		ms.entries = append(ms.entries, entries...)
	default:
		return errors.Newf("missing log entry [last: %d, append at: %d]", ms.lastIndex(), entries[0].Index)
	}
	return nil
}

func limitEntriesSize(ents []Entry, maxSize uint64) []Entry {
	if maxSize == 0 || len(ents) == 0 {
		return ents
	}
	size := uint64(len(ents[0].Data))
	limit := 1
	for ; limit < len(ents); limit++ {
		size += uint64(len(ents[limit].Data))
		if size > maxSize {
			break
		}
	}
	return ents[:limit]
}

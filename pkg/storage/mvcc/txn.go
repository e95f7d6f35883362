// Copyright 2022 The Cockroach Authors.
//
// Use of this software is governed by the Business Source License
// included in the file licenses/BSL.txt.
//
// As of the Change Date specified in that file, in accordance with
// the Business Source License, use of this software will be governed
// by the Apache License, Version 2.0, included in the file
// licenses/APL.txt.

package mvcc

import (
	"bytes"

	"github.com/cockroachdb/errors"

	"github.com/zhangjinpeng1987/tikv/pkg/errorkinds"
	"github.com/zhangjinpeng1987/tikv/pkg/storage/engine"
	"github.com/zhangjinpeng1987/tikv/pkg/storage/keys"
)

// MutationOp identifies what a Mutation does to a key.
type MutationOp int

const (
	MutationPut MutationOp = iota
	MutationDelete
	MutationLock
)

// Mutation is one key's half of a prewrite request.
type Mutation struct {
	Op    MutationOp
	Key   []byte
	Value []byte
}

func (m Mutation) lockKind() LockKind {
	switch m.Op {
	case MutationPut:
		return LockKindPut
	case MutationDelete:
		return LockKindDelete
	default:
		return LockKindLock
	}
}

// MvccTxn is a transient object bound to one engine snapshot and one
// start_ts. It accumulates staged engine.Ops in a Batch rather than
// writing through immediately, so that a caller (the transaction store)
// can apply the whole batch atomically, or propose it through Raft,
// after every key in a multi-key operation has been validated. MvccTxn
// holds no state beyond the snapshot and the batch: two MvccTxns never
// share memory.
type MvccTxn struct {
	reader  engine.Reader
	startTS uint64
	batch   engine.Batch
}

// NewMvccTxn binds a new transaction to reader at startTS.
func NewMvccTxn(reader engine.Reader, startTS uint64) *MvccTxn {
	return &MvccTxn{reader: reader, startTS: startTS}
}

// WriteBatch returns the ops staged so far, for the caller to apply
// atomically via the engine or a Raft proposal.
func (t *MvccTxn) WriteBatch() []engine.Op { return t.batch.Ops }

func lockKeyFor(userKey []byte) []byte {
	return keys.EncodeDataKey(userKey)
}

// LockKeyForScan exposes the user-key-to-data-key encoding to the txn
// store package, which needs it to bound its write-CF walk when finding
// the next user key during Scan.
func LockKeyForScan(userKey []byte) []byte { return lockKeyFor(userKey) }

func versionKeyFor(userKey []byte, ts uint64) []byte {
	return keys.AppendTS(keys.EncodeDataKey(userKey), ts)
}

// getLock reads the lock CF entry for key, if any.
func (t *MvccTxn) getLock(key []byte) (*Lock, error) {
	raw, err := t.reader.Get(engine.CFLock, lockKeyFor(key))
	if err != nil {
		return nil, errorkinds.EngineFailure(err, "reading lock CF")
	}
	if raw == nil {
		return nil, nil
	}
	lock, err := DecodeLock(raw)
	if err != nil {
		return nil, err
	}
	return &lock, nil
}

// scanNewestWrite reverse-scans the write CF entries in [start, end) and
// returns the newest one that actually belongs to key's own data key.
// EncodeDataKey carries no length delimiter, so [start, end) is not
// guaranteed to hold only key's versions: a longer user key that shares
// key's encoded form as a byte-prefix (e.g. "a" and "a1") can sort inside
// the same range. Every hit is therefore decoded and its user-key portion
// compared against key's exact data key before it is accepted; a
// mismatched hit is skipped rather than treated as the answer.
func (t *MvccTxn) scanNewestWrite(key []byte, start, end []byte) (*WriteRecord, uint64, error) {
	want := lockKeyFor(key)
	var (
		found   *WriteRecord
		foundTS uint64
		scanErr error
	)
	err := t.reader.ReverseScan(engine.CFWrite, start, end, func(k, v []byte) (bool, error) {
		dataKey, commitTS, err := keys.SplitTS(k)
		if err != nil {
			scanErr = err
			return false, err
		}
		if !bytes.Equal(dataKey, want) {
			return true, nil // belongs to a different (sibling-prefixed) key; keep scanning
		}
		rec, err := DecodeWrite(v)
		if err != nil {
			scanErr = err
			return false, err
		}
		found = &rec
		foundTS = commitTS
		return false, nil // first matching hit in descending order is the newest
	})
	if err != nil {
		return nil, 0, err
	}
	if scanErr != nil {
		return nil, 0, scanErr
	}
	return found, foundTS, nil
}

// mostRecentWrite returns the newest write CF entry for key with
// commit_ts <= atTS, or nil if there is none.
func (t *MvccTxn) mostRecentWrite(key []byte, atTS uint64) (*WriteRecord, uint64, error) {
	prefix := lockKeyFor(key)
	return t.scanNewestWrite(key, prefix, keys.AppendTS(prefix, atTS+1))
}

// latestWrite returns the newest write CF entry for key regardless of
// timestamp, used for the write-write conflict check in Prewrite and the
// idempotent-retry check in Commit, both of which need "has anything ever
// been written here" rather than a read-time visibility bound.
func (t *MvccTxn) latestWrite(key []byte) (*WriteRecord, uint64, error) {
	prefix := lockKeyFor(key)
	end := keys.PrefixEnd(prefix)
	return t.scanNewestWrite(key, prefix, end)
}

// Get implements get: check for a blocking lock, then resolve
// visibility from the write CF.
func (t *MvccTxn) Get(key []byte) ([]byte, error) {
	lock, err := t.getLock(key)
	if err != nil {
		return nil, err
	}
	if lock != nil && lock.StartTS <= t.startTS {
		return nil, &errorkinds.KeyIsLocked{Lock: errorkinds.LockInfo{
			Primary: lock.Primary, StartTS: lock.StartTS, Key: key, TTL: lock.TTL,
		}}
	}

	write, commitTS, err := t.mostRecentWrite(key, t.startTS)
	if err != nil {
		return nil, err
	}
	for write != nil && write.Kind == WriteKindLock {
		// A Lock-kind write (from a Lock mutation, not a data mutation)
		// carries no value; keep walking further into the past. The next
		// bound is this record's commit_ts-1, not its start_ts-1: since
		// start_ts < commit_ts always, bounding by start_ts would skip any
		// write whose commit_ts falls in [start_ts, commit_ts-1].
		if commitTS == 0 {
			write = nil
			break
		}
		write, commitTS, err = t.mostRecentWrite(key, commitTS-1)
		if err != nil {
			return nil, err
		}
	}
	if write == nil || write.Kind == WriteKindDelete || write.Kind == WriteKindRollback {
		return nil, nil
	}
	val, err := t.reader.Get(engine.CFDefault, versionKeyFor(key, write.StartTS))
	if err != nil {
		return nil, errorkinds.EngineFailure(err, "reading default CF")
	}
	return val, nil
}

// Prewrite stages a lock and, for Put mutations, a default-CF value for
// one key of a transaction whose primary is primary. ttl bounds how long
// the lock may be held before another transaction may ask the
// coordinator to resolve it.
func (t *MvccTxn) Prewrite(mutation Mutation, primary []byte, ttl uint64) error {
	key := mutation.Key

	// Write-write conflict: any committed write at or after our start_ts
	// means a newer transaction already touched this key. This also
	// catches a stale retry of this very transaction after it was rolled
	// back: the Rollback marker is staged at a write-CF position equal to
	// our own start_ts, so it surfaces here as a "conflict" at our own ts.
	write, commitTS, err := t.latestWrite(key)
	if err != nil {
		return err
	}
	if write != nil && commitTS >= t.startTS {
		return &errorkinds.WriteConflict{
			StartTS: t.startTS, ConflictTS: commitTS, Key: key, Primary: primary,
		}
	}

	lock, err := t.getLock(key)
	if err != nil {
		return err
	}
	if lock != nil {
		if lock.StartTS == t.startTS {
			// Re-prewriting our own lock (retried RPC) is a no-op.
			return nil
		}
		return &errorkinds.KeyIsLocked{Lock: errorkinds.LockInfo{
			Primary: lock.Primary, StartTS: lock.StartTS, Key: key, TTL: lock.TTL,
		}}
	}

	t.batch.Put(engine.CFLock, lockKeyFor(key), EncodeLock(Lock{
		Primary: primary, StartTS: t.startTS, TTL: ttl, Kind: mutation.lockKind(),
	}))
	if mutation.Op == MutationPut {
		t.batch.Put(engine.CFDefault, versionKeyFor(key, t.startTS), mutation.Value)
	}
	return nil
}

// Commit stages a write-CF record at commitTS and removes the lock for
// key, provided the lock we hold matches our start_ts. If no lock is
// found but a write record for our start_ts already exists, the commit
// is treated as a harmless retry, matching the
// original store's idempotent-commit behavior.
func (t *MvccTxn) Commit(key []byte, commitTS uint64) error {
	lock, err := t.getLock(key)
	if err != nil {
		return err
	}
	if lock == nil || lock.StartTS != t.startTS {
		existing, _, err := t.latestWrite(key)
		if err != nil {
			return err
		}
		if existing != nil && existing.StartTS == t.startTS {
			return nil // already committed by a previous attempt
		}
		return &errorkinds.TxnLockNotFound{StartTS: t.startTS, CommitTS: commitTS, Key: key}
	}
	if commitTS <= t.startTS {
		return errors.AssertionFailedf("commit_ts %d must exceed start_ts %d", commitTS, t.startTS)
	}

	t.batch.Put(engine.CFWrite, versionKeyFor(key, commitTS), EncodeWrite(WriteRecord{
		StartTS: t.startTS, Kind: writeKindForLock(lock.Kind),
	}))
	t.batch.Delete(engine.CFLock, lockKeyFor(key))
	return nil
}

// Rollback removes the lock for key (if it is ours), stages a Rollback
// write marker at start_ts to block a stale prewrite from resurrecting
// the transaction later, and removes any default-CF value staged by a
// prior prewrite.
func (t *MvccTxn) Rollback(key []byte) error {
	lock, err := t.getLock(key)
	if err != nil {
		return err
	}
	if lock != nil && lock.StartTS == t.startTS {
		t.batch.Delete(engine.CFLock, lockKeyFor(key))
		if lock.Kind == LockKindPut {
			t.batch.Delete(engine.CFDefault, versionKeyFor(key, t.startTS))
		}
	}
	t.batch.Put(engine.CFWrite, versionKeyFor(key, t.startTS), EncodeWrite(WriteRecord{
		StartTS: t.startTS, Kind: WriteKindRollback,
	}))
	return nil
}

// Copyright 2022 The Cockroach Authors.
//
// Use of this software is governed by the Business Source License
// included in the file licenses/BSL.txt.
//
// As of the Change Date specified in that file, in accordance with
// the Business Source License, use of this software will be governed
// by the Apache License, Version 2.0, included in the file
// licenses/APL.txt.

// Package errorkinds defines the structured error kinds that cross the
// store/transaction-store/MVCC boundary. Infrastructure failures
// (engine I/O, transport) are represented with plain wrapped errors via
// github.com/cockroachdb/errors; the kinds here are the ones callers are
// expected to type-switch on with errors.As.
package errorkinds

import (
	"fmt"

	"github.com/cockroachdb/errors"
	"github.com/cockroachdb/redact"
)

// RegionNotFound is returned when a request targets a region id the store
// has never heard of.
type RegionNotFound struct {
	RegionID uint64
}

func (e *RegionNotFound) Error() string {
	return fmt.Sprintf("region %d not found", e.RegionID)
}

func (e *RegionNotFound) SafeFormatError(p redact.SafePrinter) (next error) {
	p.Printf("region %d not found", e.RegionID)
	return nil
}

// LeaderHint optionally identifies the peer a client should retry against.
type LeaderHint struct {
	StoreID uint64
	PeerID  uint64
}

// NotLeader is returned by a non-leader peer asked to serve a proposal.
// Leader, if non-nil, lets the client retry directly against the right peer
// instead of bouncing through the placement driver.
type NotLeader struct {
	RegionID uint64
	Leader   *LeaderHint
}

func (e *NotLeader) Error() string {
	if e.Leader == nil {
		return fmt.Sprintf("region %d: not leader, leader unknown", e.RegionID)
	}
	return fmt.Sprintf("region %d: not leader, try store %d peer %d",
		e.RegionID, e.Leader.StoreID, e.Leader.PeerID)
}

// KeyNotInRegion is returned when a key falls outside [start_key, end_key)
// of the region that was asked to serve it; usually stale routing.
type KeyNotInRegion struct {
	Key      []byte
	RegionID uint64
	Start    []byte
	End      []byte
}

func (e *KeyNotInRegion) Error() string {
	return fmt.Sprintf("key %x not in region %d [%x, %x)", e.Key, e.RegionID, e.Start, e.End)
}

// StaleCommand is returned when a proposal was accepted under a term/lease
// that has since moved on and the command's effect must be discarded.
type StaleCommand struct {
	RegionID uint64
}

func (e *StaleCommand) Error() string {
	return fmt.Sprintf("region %d: stale command", e.RegionID)
}

// EpochMismatch is returned when a request's region epoch does not match
// the store's current epoch for that region (split/merge/conf change
// raced the request). NewVer lets the client update its cache directly.
type EpochMismatch struct {
	RegionID uint64
	OldVer   uint64
	NewVer   uint64
}

func (e *EpochMismatch) Error() string {
	return fmt.Sprintf("region %d: epoch mismatch, have version %d, want %d",
		e.RegionID, e.OldVer, e.NewVer)
}

// LockInfo describes the lock a KeyIsLocked error is blocked on.
type LockInfo struct {
	Primary []byte
	StartTS uint64
	Key     []byte
	TTL     uint64
}

// KeyIsLocked is returned by a read or a conflicting prewrite that
// encountered a live lock. The store never retries this itself; the client
// decides whether to wait and retry or to drive lock resolution via the
// coordinator. The store always reports the lock rather than
// speculatively resolving it.
type KeyIsLocked struct {
	Lock LockInfo
}

func (e *KeyIsLocked) Error() string {
	return fmt.Sprintf("key %x is locked by start_ts=%d primary=%x",
		e.Lock.Key, e.Lock.StartTS, e.Lock.Primary)
}

// WriteConflict is returned by prewrite when a committed write already
// exists for the key at or after the transaction's start_ts.
type WriteConflict struct {
	StartTS    uint64
	ConflictTS uint64
	Key        []byte
	Primary    []byte
}

func (e *WriteConflict) Error() string {
	return fmt.Sprintf("write conflict on key %x: start_ts=%d conflicting commit_ts=%d",
		e.Key, e.StartTS, e.ConflictTS)
}

// TxnLockNotFound is returned by commit when no lock is held for the key
// under the transaction's start_ts, and no matching write already exists
// (so the commit cannot be treated as a harmless retry).
type TxnLockNotFound struct {
	StartTS  uint64
	CommitTS uint64
	Key      []byte
}

func (e *TxnLockNotFound) Error() string {
	return fmt.Sprintf("lock not found for key %x at start_ts=%d", e.Key, e.StartTS)
}

// ServerIsBusy is returned when a store sheds load rather than queue a
// request indefinitely.
type ServerIsBusy struct {
	Reason string
}

func (e *ServerIsBusy) Error() string {
	return "server is busy: " + e.Reason
}

// EngineFailure wraps an underlying storage engine error. It is always
// constructed with errors.Wrap so the original cause survives for
// errors.Is/As and log redaction.
func EngineFailure(cause error, context string) error {
	return errors.Wrapf(cause, "engine failure: %s", context)
}

// IsKeyIsLocked reports whether err (or a cause in its chain) is a
// KeyIsLocked error, returning the lock info for convenience.
func IsKeyIsLocked(err error) (*LockInfo, bool) {
	var kil *KeyIsLocked
	if errors.As(err, &kil) {
		return &kil.Lock, true
	}
	return nil, false
}

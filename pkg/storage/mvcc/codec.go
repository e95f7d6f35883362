// Copyright 2022 The Cockroach Authors.
//
// Use of this software is governed by the Business Source License
// included in the file licenses/BSL.txt.
//
// As of the Change Date specified in that file, in accordance with
// the Business Source License, use of this software will be governed
// by the Apache License, Version 2.0, included in the file
// licenses/APL.txt.

// Package mvcc implements the transactional storage layer: prewrite,
// commit, rollback and visibility over an engine.Reader partitioned into
// default/lock/write column families. It holds no mutable
// state beyond the engine snapshot it reads from and the write batch it
// accumulates; two concurrent MvccTxns never share memory.
package mvcc

import (
	"encoding/binary"

	"github.com/cockroachdb/errors"
)

// LockKind is the mutation kind recorded in a lock and, on commit, mapped
// into a WriteKind.
type LockKind uint8

const (
	LockKindPut LockKind = iota
	LockKindDelete
	LockKindLock
)

// WriteKind is the mutation kind recorded in the write CF.
type WriteKind uint8

const (
	WriteKindPut WriteKind = iota
	WriteKindDelete
	WriteKindLock
	WriteKindRollback
)

func writeKindForLock(k LockKind) WriteKind {
	switch k {
	case LockKindPut:
		return WriteKindPut
	case LockKindDelete:
		return WriteKindDelete
	default:
		return WriteKindLock
	}
}

// Lock is the lock CF entry held for a key from prewrite to commit or
// rollback. At most one exists per user key at any time (// invariant).
type Lock struct {
	Primary []byte
	StartTS uint64
	TTL     uint64
	Kind    LockKind
}

// EncodeLock serializes a Lock for storage in the lock CF.
func EncodeLock(l Lock) []byte {
	out := make([]byte, 0, 1+8+8+4+len(l.Primary))
	out = append(out, byte(l.Kind))
	var tmp [8]byte
	binary.BigEndian.PutUint64(tmp[:], l.TTL)
	out = append(out, tmp[:]...)
	binary.BigEndian.PutUint64(tmp[:], l.StartTS)
	out = append(out, tmp[:]...)
	var lenBuf [4]byte
	binary.BigEndian.PutUint32(lenBuf[:], uint32(len(l.Primary)))
	out = append(out, lenBuf[:]...)
	out = append(out, l.Primary...)
	return out
}

// DecodeLock deserializes a lock CF entry.
func DecodeLock(b []byte) (Lock, error) {
	if len(b) < 1+8+8+4 {
		return Lock{}, errors.Newf("lock entry too short: %d bytes", len(b))
	}
	var l Lock
	l.Kind = LockKind(b[0])
	b = b[1:]
	l.TTL = binary.BigEndian.Uint64(b[:8])
	b = b[8:]
	l.StartTS = binary.BigEndian.Uint64(b[:8])
	b = b[8:]
	n := binary.BigEndian.Uint32(b[:4])
	b = b[4:]
	if uint32(len(b)) < n {
		return Lock{}, errors.Newf("lock primary truncated: want %d have %d", n, len(b))
	}
	l.Primary = append([]byte(nil), b[:n]...)
	return l, nil
}

// WriteRecord is the write CF entry recorded at commit_ts.
type WriteRecord struct {
	StartTS uint64
	Kind    WriteKind
}

// EncodeWrite serializes a WriteRecord for storage in the write CF.
func EncodeWrite(w WriteRecord) []byte {
	out := make([]byte, 9)
	out[0] = byte(w.Kind)
	binary.BigEndian.PutUint64(out[1:], w.StartTS)
	return out
}

// DecodeWrite deserializes a write CF entry.
func DecodeWrite(b []byte) (WriteRecord, error) {
	if len(b) != 9 {
		return WriteRecord{}, errors.Newf("write record must be 9 bytes, got %d", len(b))
	}
	return WriteRecord{Kind: WriteKind(b[0]), StartTS: binary.BigEndian.Uint64(b[1:])}, nil
}

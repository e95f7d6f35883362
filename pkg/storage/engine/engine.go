// Copyright 2022 The Cockroach Authors.
//
// Use of this software is governed by the Business Source License
// included in the file licenses/BSL.txt.
//
// As of the Change Date specified in that file, in accordance with
// the Business Source License, use of this software will be governed
// by the Apache License, Version 2.0, included in the file
// licenses/APL.txt.

// Package engine defines the ordered key-value abstraction every other
// package in this module reads and writes through. It is
// intentionally narrow: point get, range scan in both directions, a
// point-in-time snapshot, an atomic write batch over a handful of column
// families, and the two approximate-statistics calls the split checker
// needs. The on-disk format and compaction policy of whatever sits behind
// this interface are explicitly out of scope; two implementations are
// provided (MemEngine for tests, PebbleEngine for a real backing store).
package engine

// CF names a column family: an independently ordered keyspace within one
// engine instance.
type CF string

const (
	CFDefault CF = "default"
	CFLock    CF = "lock"
	CFWrite   CF = "write"
	CFRaft    CF = "raft"
)

// AllCFs lists every column family this kernel opens at startup.
var AllCFs = []CF{CFDefault, CFLock, CFWrite, CFRaft}

// Visitor is called once per entry encountered by a scan. Returning
// ok=false stops the scan early without an error (e.g. a limit was
// reached); returning a non-nil error aborts the scan and propagates.
type Visitor func(key, value []byte) (ok bool, err error)

// OpKind identifies one mutation within a WriteBatch.
type OpKind int

const (
	OpPut OpKind = iota
	OpDelete
	OpDeleteRange
)

// Op is a single mutation. For OpDeleteRange, Key and EndKey bound a
// half-open range [Key, EndKey); EndKey is ignored otherwise.
type Op struct {
	Kind  OpKind
	CF    CF
	Key   []byte
	EndKey []byte
	Value []byte
}

// Put returns a Put op.
func Put(cf CF, key, value []byte) Op { return Op{Kind: OpPut, CF: cf, Key: key, Value: value} }

// Delete returns a Delete op.
func Delete(cf CF, key []byte) Op { return Op{Kind: OpDelete, CF: cf, Key: key} }

// DeleteRange returns a DeleteRange op over [start, end).
func DeleteRange(cf CF, start, end []byte) Op {
	return Op{Kind: OpDeleteRange, CF: cf, Key: start, EndKey: end}
}

// Batch accumulates Ops for atomic application; it is a thin builder
// wrapped by the MVCC layer so that callers don't hand-assemble []Op.
type Batch struct {
	Ops []Op
}

func (b *Batch) Put(cf CF, key, value []byte) { b.Ops = append(b.Ops, Put(cf, key, value)) }
func (b *Batch) Delete(cf CF, key []byte)      { b.Ops = append(b.Ops, Delete(cf, key)) }
func (b *Batch) DeleteRange(cf CF, start, end []byte) {
	b.Ops = append(b.Ops, DeleteRange(cf, start, end))
}
func (b *Batch) Len() int { return len(b.Ops) }

// KeyOffset is one sample in an approximate-range-offsets reply: the key
// at which the cumulative byte size first reaches CumulativeSize.
type KeyOffset struct {
	Key            []byte
	CumulativeSize uint64
}

// Reader is the read-only subset of Engine that a Snapshot also
// implements, so MVCC code can be written against either.
type Reader interface {
	// Get returns (nil, nil) if the key is absent.
	Get(cf CF, key []byte) ([]byte, error)
	// Scan visits [start, end) in ascending key order.
	Scan(cf CF, start, end []byte, visit Visitor) error
	// ReverseScan visits [start, end) in descending key order, i.e.
	// starting just below end and walking down to start.
	ReverseScan(cf CF, start, end []byte, visit Visitor) error
}

// Snapshot is a point-in-time consistent read view. It must not observe
// writes committed after it was taken, and must remain valid for
// concurrent writers until Close.
type Snapshot interface {
	Reader
	Close()
}

// Engine is the ordered KV abstraction consumed by the rest of this
// module.
type Engine interface {
	Reader

	// Snapshot opens a new point-in-time read view.
	Snapshot() (Snapshot, error)

	// WriteBatch applies ops atomically: either all succeed and become
	// visible together, or none do.
	WriteBatch(ops []Op) error

	// ApproximateRangeSize estimates the byte size of [start, end) in cf
	// without a full scan.
	ApproximateRangeSize(cf CF, start, end []byte) (uint64, error)

	// ApproximateRangeOffsets returns a sorted sample of
	// (key, cumulative size) pairs across [start, end) in cf, used by the
	// split checker's Approximate policy to avoid a full scan.
	ApproximateRangeOffsets(cf CF, start, end []byte) ([]KeyOffset, error)

	// Close releases resources held by the engine.
	Close() error
}

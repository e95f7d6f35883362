// Copyright 2022 The Cockroach Authors.
//
// Use of this software is governed by the Business Source License
// included in the file licenses/BSL.txt.
//
// As of the Change Date specified in that file, in accordance with
// the Business Source License, use of this software will be governed
// by the Apache License, Version 2.0, included in the file
// licenses/APL.txt.

package engine

import (
	"bytes"

	"github.com/cockroachdb/errors"
	"github.com/cockroachdb/pebble"
)

// cfPrefix returns the single byte used to namespace cf's keys within the
// one pebble instance backing PebbleEngine. Pebble has no native column
// family concept; prefixing is the same trick cockroach itself uses for
// its local/lock-table/MVCC keyspaces within one store.
func cfPrefix(cf CF) (byte, error) {
	switch cf {
	case CFDefault:
		return 'd', nil
	case CFLock:
		return 'l', nil
	case CFWrite:
		return 'w', nil
	case CFRaft:
		return 'r', nil
	default:
		return 0, errors.Newf("unknown column family %q", cf)
	}
}

func prefixKey(cf CF, key []byte) ([]byte, error) {
	p, err := cfPrefix(cf)
	if err != nil {
		return nil, err
	}
	out := make([]byte, 0, len(key)+1)
	out = append(out, p)
	out = append(out, key...)
	return out, nil
}

// prefixRangeEnd mirrors keys.PrefixEnd for the single CF prefix byte, so
// an unbounded scan over a CF stops at the next CF's keyspace rather than
// running past it.
func prefixRangeEnd(p byte) []byte {
	return []byte{p + 1}
}

// PebbleEngine implements Engine on top of a single pebble.DB, the
// storage engine cockroach itself uses.
type PebbleEngine struct {
	db *pebble.DB
}

// OpenPebbleEngine opens (creating if necessary) a pebble store rooted at
// dir.
func OpenPebbleEngine(dir string) (*PebbleEngine, error) {
	db, err := pebble.Open(dir, &pebble.Options{})
	if err != nil {
		return nil, errors.Wrapf(err, "opening pebble engine at %s", dir)
	}
	return &PebbleEngine{db: db}, nil
}

func (e *PebbleEngine) Get(cf CF, key []byte) ([]byte, error) {
	pk, err := prefixKey(cf, key)
	if err != nil {
		return nil, err
	}
	v, closer, err := e.db.Get(pk)
	if err == pebble.ErrNotFound {
		return nil, nil
	}
	if err != nil {
		return nil, errors.Wrap(err, "pebble get")
	}
	out := append([]byte(nil), v...)
	_ = closer.Close()
	return out, nil
}

func (e *PebbleEngine) scanReader(
	r pebbleReader, cf CF, start, end []byte, visit Visitor,
) error {
	p, err := cfPrefix(cf)
	if err != nil {
		return err
	}
	lower, err := prefixKey(cf, start)
	if err != nil {
		return err
	}
	var upper []byte
	if end == nil {
		upper = prefixRangeEnd(p)
	} else {
		upper, err = prefixKey(cf, end)
		if err != nil {
			return err
		}
	}
	iter, err := r.NewIter(&pebble.IterOptions{LowerBound: lower, UpperBound: upper})
	if err != nil {
		return errors.Wrap(err, "pebble new iterator")
	}
	defer iter.Close()
	for valid := iter.First(); valid; valid = iter.Next() {
		ok, err := visit(iter.Key()[1:], iter.Value())
		if err != nil {
			return err
		}
		if !ok {
			break
		}
	}
	return iter.Error()
}

func (e *PebbleEngine) reverseScanReader(
	r pebbleReader, cf CF, start, end []byte, visit Visitor,
) error {
	p, err := cfPrefix(cf)
	if err != nil {
		return err
	}
	lower, err := prefixKey(cf, start)
	if err != nil {
		return err
	}
	var upper []byte
	if end == nil {
		upper = prefixRangeEnd(p)
	} else {
		upper, err = prefixKey(cf, end)
		if err != nil {
			return err
		}
	}
	iter, err := r.NewIter(&pebble.IterOptions{LowerBound: lower, UpperBound: upper})
	if err != nil {
		return errors.Wrap(err, "pebble new iterator")
	}
	defer iter.Close()
	for valid := iter.Last(); valid; valid = iter.Prev() {
		ok, err := visit(iter.Key()[1:], iter.Value())
		if err != nil {
			return err
		}
		if !ok {
			break
		}
	}
	return iter.Error()
}

// pebbleReader is satisfied by *pebble.DB and *pebble.Snapshot.
type pebbleReader interface {
	NewIter(opts *pebble.IterOptions) (*pebble.Iterator, error)
}

func (e *PebbleEngine) Scan(cf CF, start, end []byte, visit Visitor) error {
	return e.scanReader(e.db, cf, start, end, visit)
}

func (e *PebbleEngine) ReverseScan(cf CF, start, end []byte, visit Visitor) error {
	return e.reverseScanReader(e.db, cf, start, end, visit)
}

func (e *PebbleEngine) Snapshot() (Snapshot, error) {
	return &pebbleSnapshot{eng: e, snap: e.db.NewSnapshot()}, nil
}

func (e *PebbleEngine) WriteBatch(ops []Op) error {
	b := e.db.NewBatch()
	defer b.Close()
	for _, op := range ops {
		switch op.Kind {
		case OpPut:
			pk, err := prefixKey(op.CF, op.Key)
			if err != nil {
				return err
			}
			if err := b.Set(pk, op.Value, nil); err != nil {
				return errors.Wrap(err, "pebble batch set")
			}
		case OpDelete:
			pk, err := prefixKey(op.CF, op.Key)
			if err != nil {
				return err
			}
			if err := b.Delete(pk, nil); err != nil {
				return errors.Wrap(err, "pebble batch delete")
			}
		case OpDeleteRange:
			startK, err := prefixKey(op.CF, op.Key)
			if err != nil {
				return err
			}
			p, err := cfPrefix(op.CF)
			if err != nil {
				return err
			}
			endK := prefixRangeEnd(p)
			if op.EndKey != nil {
				endK, err = prefixKey(op.CF, op.EndKey)
				if err != nil {
					return err
				}
			}
			if err := b.DeleteRange(startK, endK, nil); err != nil {
				return errors.Wrap(err, "pebble batch delete range")
			}
		default:
			return errors.Newf("unknown op kind %d", op.Kind)
		}
	}
	return errors.Wrap(e.db.Apply(b, pebble.Sync), "pebble apply batch")
}

func (e *PebbleEngine) ApproximateRangeSize(cf CF, start, end []byte) (uint64, error) {
	p, err := cfPrefix(cf)
	if err != nil {
		return 0, err
	}
	lower, err := prefixKey(cf, start)
	if err != nil {
		return 0, err
	}
	upper := prefixRangeEnd(p)
	if end != nil {
		upper, err = prefixKey(cf, end)
		if err != nil {
			return 0, err
		}
	}
	size, err := e.db.EstimateDiskUsage(lower, upper)
	if err != nil {
		return 0, errors.Wrap(err, "pebble estimate disk usage")
	}
	return size, nil
}

// ApproximateRangeOffsets samples cumulative size at geometrically spaced
// midpoints using EstimateDiskUsage, the same statistic cockroach exposes
// for range size estimation; pebble has no built-in offset-sample API, so
// this recursively bisects the range until each partition is within a
// target sample width.
func (e *PebbleEngine) ApproximateRangeOffsets(cf CF, start, end []byte) ([]KeyOffset, error) {
	const sampleWidth = 1 << 20 // 1MiB per sample, a reasonable SST block-group size
	var offsets []KeyOffset
	var running uint64

	var walk func(lo, hi []byte) error
	walk = func(lo, hi []byte) error {
		size, err := e.ApproximateRangeSize(cf, lo, hi)
		if err != nil {
			return err
		}
		if size <= sampleWidth {
			running += size
			if size > 0 {
				offsets = append(offsets, KeyOffset{Key: append([]byte(nil), hi...), CumulativeSize: running})
			}
			return nil
		}
		mid, ok := midpoint(lo, hi)
		if !ok {
			running += size
			offsets = append(offsets, KeyOffset{Key: append([]byte(nil), hi...), CumulativeSize: running})
			return nil
		}
		if err := walk(lo, mid); err != nil {
			return err
		}
		return walk(mid, hi)
	}
	if end == nil {
		// Unbounded scans are not sampled this way; callers needing
		// offsets for split estimation always pass the region's bounds.
		return nil, errors.New("ApproximateRangeOffsets requires a bounded range")
	}
	if err := walk(start, end); err != nil {
		return nil, err
	}
	return offsets, nil
}

// midpoint returns a byte-wise midpoint between lo and hi, used only to
// bisect a range for sampling; it need not decode to a meaningful key, it
// only needs lo <= mid < hi.
func midpoint(lo, hi []byte) ([]byte, bool) {
	n := len(lo)
	if len(hi) > n {
		n = len(hi)
	}
	a := make([]byte, n)
	b := make([]byte, n)
	copy(a, lo)
	copy(b, hi)
	mid := make([]byte, n)
	carry := 0
	for i := n - 1; i >= 0; i-- {
		sum := int(a[i]) + int(b[i]) + carry*256
		mid[i] = byte(sum / 2 % 256)
		carry = sum % 2
	}
	if bytes.Compare(mid, lo) <= 0 || bytes.Compare(mid, hi) >= 0 {
		return nil, false
	}
	return mid, true
}

func (e *PebbleEngine) Close() error {
	return errors.Wrap(e.db.Close(), "closing pebble engine")
}

type pebbleSnapshot struct {
	eng  *PebbleEngine
	snap *pebble.Snapshot
}

func (s *pebbleSnapshot) Get(cf CF, key []byte) ([]byte, error) {
	pk, err := prefixKey(cf, key)
	if err != nil {
		return nil, err
	}
	v, closer, err := s.snap.Get(pk)
	if err == pebble.ErrNotFound {
		return nil, nil
	}
	if err != nil {
		return nil, errors.Wrap(err, "pebble snapshot get")
	}
	out := append([]byte(nil), v...)
	_ = closer.Close()
	return out, nil
}

func (s *pebbleSnapshot) Scan(cf CF, start, end []byte, visit Visitor) error {
	return s.eng.scanReader(s.snap, cf, start, end, visit)
}

func (s *pebbleSnapshot) ReverseScan(cf CF, start, end []byte, visit Visitor) error {
	return s.eng.reverseScanReader(s.snap, cf, start, end, visit)
}

func (s *pebbleSnapshot) Close() {
	_ = s.snap.Close()
}

// Copyright 2022 The Cockroach Authors.
//
// Use of this software is governed by the Business Source License
// included in the file licenses/BSL.txt.
//
// As of the Change Date specified in that file, in accordance with
// the Business Source License, use of this software will be governed
// by the Apache License, Version 2.0, included in the file
// licenses/APL.txt.

// Package keys encodes user keys into the forms stored in the engine:
// region boundary keys, MVCC-timestamped keys, and the one-byte-prefixed
// "data key" form used internally so that data keys can share a keyspace
// with other internal key classes without colliding. It holds no state;
// every function is a pure transform on byte slices.
package keys

import (
	"bytes"
	"encoding/binary"

	"github.com/cockroachdb/errors"
)

// DataPrefix distinguishes user data keys from any other internal key
// class that might share the same engine (meta keys, local keys). Only
// data keys are modeled by this kernel, but the prefix is carried so that
// on-disk keys round-trip through the same encode/decode pair the split
// checker uses when it reads back approximate-offset samples.
const DataPrefix = byte('z')

// TimestampLen is the width of the big-endian timestamp suffix appended
// to default/write CF keys.
const TimestampLen = 8

// EncodeDataKey prepends DataPrefix to a raw user key, producing the form
// actually stored in the engine.
func EncodeDataKey(userKey []byte) []byte {
	out := make([]byte, 0, len(userKey)+1)
	out = append(out, DataPrefix)
	out = append(out, userKey...)
	return out
}

// DecodeDataKey strips DataPrefix, recovering the user-visible key. It
// panics on a key that does not carry the prefix, since that indicates a
// caller handed this package an already-decoded key or a foreign key
// class, both programmer errors.
func DecodeDataKey(dataKey []byte) []byte {
	if len(dataKey) == 0 || dataKey[0] != DataPrefix {
		panic(errors.AssertionFailedf("key %x is not a data key", dataKey))
	}
	out := make([]byte, len(dataKey)-1)
	copy(out, dataKey[1:])
	return out
}

// AppendTS appends an 8-byte big-endian timestamp to a key, producing the
// versioned form stored in the default CF (keyed by start_ts) and the
// write CF (keyed by commit_ts). Ascending byte order of the result for a
// fixed key prefix is therefore ascending in ts; a reverse scan over a
// single key's versions yields the newest version first.
func AppendTS(key []byte, ts uint64) []byte {
	out := make([]byte, len(key)+TimestampLen)
	copy(out, key)
	binary.BigEndian.PutUint64(out[len(key):], ts)
	return out
}

// SplitTS separates a versioned key into its user-key prefix and decoded
// timestamp. It returns an error rather than panicking because it is
// called while iterating arbitrary engine content, where a malformed
// entry should surface as EngineFailure rather than crash the process.
func SplitTS(versioned []byte) (userKey []byte, ts uint64, err error) {
	if len(versioned) < TimestampLen {
		return nil, 0, errors.Newf("versioned key %x shorter than timestamp suffix", versioned)
	}
	split := len(versioned) - TimestampLen
	return versioned[:split], binary.BigEndian.Uint64(versioned[split:]), nil
}

// PrefixEnd returns the smallest key that is strictly greater than every
// key with the given prefix, i.e. the exclusive end key of the range
// covered by prefix. Used to bound scans to a single user key's versions.
func PrefixEnd(prefix []byte) []byte {
	end := make([]byte, len(prefix))
	copy(end, prefix)
	for i := len(end) - 1; i >= 0; i-- {
		end[i]++
		if end[i] != 0 {
			return end[:i+1]
		}
	}
	// prefix was all 0xff bytes; there is no finite successor, so the
	// range is unbounded above.
	return nil
}

// Less reports whether a sorts strictly before b under the region
// boundary ordering, treating nil as the +inf sentinel of an unbounded
// end_key in either position: every non-nil a sorts before a nil b, and
// a nil a sorts before nothing. A nil start_key (-inf) is not told apart
// from +inf here.
func Less(a, b []byte) bool {
	if b == nil {
		return a != nil
	}
	if a == nil {
		return false
	}
	return bytes.Compare(a, b) < 0
}

// WithinRegion reports whether key falls in [start, end) where a nil end
// means the region has no upper bound.
func WithinRegion(key, start, end []byte) bool {
	if bytes.Compare(key, start) < 0 {
		return false
	}
	if end == nil {
		return true
	}
	return bytes.Compare(key, end) < 0
}

// RegionsOverlap reports whether [aStart, aEnd) and [bStart, bEnd)
// intersect; nil end keys are treated as +inf.
func RegionsOverlap(aStart, aEnd, bStart, bEnd []byte) bool {
	if aEnd != nil && bytes.Compare(bStart, aEnd) >= 0 {
		return false
	}
	if bEnd != nil && bytes.Compare(aStart, bEnd) >= 0 {
		return false
	}
	return true
}

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

// inflights is a sliding window of outstanding MsgAppend requests for one
// peer in Replicate state, bounding how many are in flight at once. It is
// implemented as a ring buffer over the last index of each in-flight
// append, oldest first.
type inflights struct {
	start int
	count int

	size int

	buffer []uint64
}

func newInflights(size int) *inflights {
	return &inflights{size: size, buffer: make([]uint64, 0, size)}
}

// add registers a new in-flight append ending at the given last index.
func (in *inflights) add(inflight uint64) {
	if in.full() {
		panic("cannot add into a Full inflights")
	}
	next := in.start + in.count
	size := in.size
	if next >= size {
		next -= size
	}
	if next >= len(in.buffer) {
		in.buffer = append(in.buffer, 0)
	}
	in.buffer[next] = inflight
	in.count++
}

// freeTo frees the inflights smaller than or equal to the given `to`
// index.
func (in *inflights) freeTo(to uint64) {
	if in.count == 0 || to < in.buffer[in.start] {
		return
	}

	idx := in.start
	var i int
	for i = 0; i < in.count; i++ {
		if to < in.buffer[idx] {
			break
		}
		size := in.size
		idx++
		if idx >= size {
			idx -= size
		}
	}
	in.count -= i
	in.start = idx
	if in.count == 0 {
		in.start = 0
	}
}

func (in *inflights) freeFirstOne() { in.freeTo(in.buffer[in.start]) }

func (in *inflights) full() bool { return in.count == in.size }

func (in *inflights) reset() {
	in.count = 0
	in.start = 0
}

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
	"encoding/binary"

	"github.com/cockroachdb/errors"
)

// encodeConfChange serializes cc as an EntryConfChange entry's Data, so
// it can travel through the log like any other entry and be decoded by
// every peer that applies it.
func encodeConfChange(cc ConfChange) []byte {
	out := make([]byte, 9)
	out[0] = byte(cc.ChangeType)
	binary.BigEndian.PutUint64(out[1:], cc.NodeID)
	return out
}

// DecodeConfChange deserializes the Data of an EntryConfChange entry,
// used by a replica's apply loop to learn which membership mutation to
// perform once the entry commits.
func DecodeConfChange(data []byte) (ConfChange, error) {
	if len(data) != 9 {
		return ConfChange{}, errors.Newf("conf change entry must be 9 bytes, got %d", len(data))
	}
	return ConfChange{ChangeType: ConfChangeType(data[0]), NodeID: binary.BigEndian.Uint64(data[1:])}, nil
}

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
	"testing"

	"github.com/stretchr/testify/require"
)

func newTestLog() *raftLog {
	return newLog(NewMemoryStorage())
}

func TestLogAppendAndTerm(t *testing.T) {
	l := newTestLog()
	l.append(Entry{Index: 1, Term: 1}, Entry{Index: 2, Term: 1})
	require.Equal(t, uint64(2), l.lastIndex())

	term, err := l.term(1)
	require.NoError(t, err)
	require.Equal(t, uint64(1), term)
}

// TestLogAppendTruncatesOnDivergence checks that appending entries that
// overlap the existing suffix truncates at the first divergence.
func TestLogAppendTruncatesOnDivergence(t *testing.T) {
	l := newTestLog()
	l.append(Entry{Index: 1, Term: 1}, Entry{Index: 2, Term: 1}, Entry{Index: 3, Term: 1})

	// A new leader at term 2 overwrites from index 2 onward.
	last, ok := l.maybeAppend(1, 1, 2, Entry{Index: 2, Term: 2})
	require.True(t, ok)
	require.Equal(t, uint64(2), last)
	require.Equal(t, uint64(2), l.lastIndex())

	term, err := l.term(2)
	require.NoError(t, err)
	require.Equal(t, uint64(2), term)
}

func TestMaybeAppendRejectsOnTermMismatch(t *testing.T) {
	l := newTestLog()
	l.append(Entry{Index: 1, Term: 1})

	_, ok := l.maybeAppend(1, 2 /* wrong prevTerm */, 1, Entry{Index: 2, Term: 2})
	require.False(t, ok)
}

func TestIsUpToDate(t *testing.T) {
	l := newTestLog()
	l.append(Entry{Index: 1, Term: 1}, Entry{Index: 2, Term: 2})

	require.True(t, l.isUpToDate(2, 2), "same index and term is up to date")
	require.True(t, l.isUpToDate(1, 3), "higher term wins regardless of index")
	require.False(t, l.isUpToDate(1, 2), "lower index at the same term is not up to date")
	require.False(t, l.isUpToDate(2, 1), "lower term loses regardless of index")
}

func TestCommitToRequiresKnownIndex(t *testing.T) {
	l := newTestLog()
	l.append(Entry{Index: 1, Term: 1})
	require.Panics(t, func() { l.commitTo(5) })
}

func TestAppliedToRejectsOutOfRange(t *testing.T) {
	l := newTestLog()
	l.append(Entry{Index: 1, Term: 1})
	l.commitTo(1)
	require.Panics(t, func() { l.appliedTo(2) })
}

func TestStableToTrimsUnstablePrefix(t *testing.T) {
	l := newTestLog()
	l.append(Entry{Index: 1, Term: 1}, Entry{Index: 2, Term: 1})
	require.Len(t, l.unstableEntries(), 2)

	l.stableTo(1)
	require.Len(t, l.unstableEntries(), 1)
	require.Equal(t, uint64(2), l.unstableEntries()[0].Index)
}

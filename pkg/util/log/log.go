// Copyright 2022 The Cockroach Authors.
//
// Use of this software is governed by the Business Source License
// included in the file licenses/BSL.txt.
//
// As of the Change Date specified in that file, in accordance with
// the Business Source License, use of this software will be governed
// by the Apache License, Version 2.0, included in the file
// licenses/APL.txt.

// Package log is a minimal structured logger in the style of
// cockroach's pkg/util/log: every call takes a context.Context first so
// that logtags attached to it (region id, peer id, store id) are rendered
// automatically, and messages are passed through redact so secrets never
// leak into a shared log sink by accident.
package log

import (
	"context"
	"fmt"
	"os"
	"sync/atomic"
	"time"

	"github.com/cockroachdb/logtags"
	"github.com/cockroachdb/redact"
)

// Severity orders log messages the way syslog does.
type Severity int32

const (
	SeverityInfo Severity = iota
	SeverityWarning
	SeverityError
	SeverityFatal
)

func (s Severity) String() string {
	switch s {
	case SeverityInfo:
		return "I"
	case SeverityWarning:
		return "W"
	case SeverityError:
		return "E"
	case SeverityFatal:
		return "F"
	default:
		return "?"
	}
}

// verbosity is the global V() threshold; raised with SetVerbosity for
// debugging a single test or process.
var verbosity int32

// SetVerbosity adjusts the level at which VEventf/V(n) calls are emitted.
// Process lifetime only, like the rest of this package's state; there is
// no teardown hook.
func SetVerbosity(level int32) {
	atomic.StoreInt32(&verbosity, level)
}

// V reports whether logging at the given verbosity level is enabled.
func V(level int32) bool {
	return atomic.LoadInt32(&verbosity) >= level
}

func output(ctx context.Context, sev Severity, format string, args ...interface{}) {
	tags := logtags.FromContext(ctx)
	msg := redact.Sprintf(format, args...)
	ts := time.Now().Format("2006/01/02 15:04:05.000000")
	if tags != nil && tags.Len() > 0 {
		fmt.Fprintf(os.Stderr, "%s%s [%s] %s\n", sev, ts, tags, msg)
	} else {
		fmt.Fprintf(os.Stderr, "%s%s %s\n", sev, ts, msg)
	}
}

// Infof logs at severity Info.
func Infof(ctx context.Context, format string, args ...interface{}) {
	output(ctx, SeverityInfo, format, args...)
}

// Warningf logs at severity Warning.
func Warningf(ctx context.Context, format string, args ...interface{}) {
	output(ctx, SeverityWarning, format, args...)
}

// Errorf logs at severity Error.
func Errorf(ctx context.Context, format string, args ...interface{}) {
	output(ctx, SeverityError, format, args...)
}

// Fatalf logs at severity Fatal and terminates the process, mirroring the
// teacher's log.Fatalf used for assertion failures reached in the apply
// loop (state machine corruption, not a recoverable request error).
func Fatalf(ctx context.Context, format string, args ...interface{}) {
	output(ctx, SeverityFatal, format, args...)
	os.Exit(2)
}

// VEventf logs at Info severity if V(level) is enabled. Used for
// high-frequency per-entry tracing that would otherwise flood normal runs.
func VEventf(ctx context.Context, level int32, format string, args ...interface{}) {
	if V(level) {
		output(ctx, SeverityInfo, format, args...)
	}
}

// Event is a zero-argument convenience wrapper over VEventf(ctx, 1, ...).
func Event(ctx context.Context, msg string) {
	VEventf(ctx, 1, "%s", msg)
}

// WithLogTag returns a context carrying an additional log tag, e.g.
// log.WithLogTag(ctx, "r", regionID) to have every subsequent log line
// from that context prefixed with the region id.
func WithLogTag(ctx context.Context, name string, value interface{}) context.Context {
	return logtags.AddTag(ctx, name, value)
}

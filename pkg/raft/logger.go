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
	"context"
	"fmt"
	"os"

	"github.com/zhangjinpeng1987/tikv/pkg/util/log"
)

// Logger decouples the raft state machine, which runs synchronously off
// the calling goroutine with no context to thread through, from the
// ambient pkg/util/log package. Callers that want raft's internal
// logging to land in the usual context-tagged log stream supply a
// contextLogger bound to a region/peer tag.
type Logger interface {
	Debugf(format string, args ...interface{})
	Infof(format string, args ...interface{})
	Warningf(format string, args ...interface{})
	Errorf(format string, args ...interface{})
	Panicf(format string, args ...interface{})
}

// contextLogger adapts pkg/util/log to Logger, bound to a fixed context
// (typically carrying a region/peer log tag via log.WithLogTag).
type contextLogger struct {
	ctx context.Context
}

// NewContextLogger builds a Logger that forwards to pkg/util/log using
// ctx, so that raft's internal log lines carry the same region/peer tags
// as the rest of a replica's logging.
func NewContextLogger(ctx context.Context) Logger {
	return contextLogger{ctx: ctx}
}

func (l contextLogger) Debugf(format string, args ...interface{}) {
	if log.V(2) {
		log.Infof(l.ctx, format, args...)
	}
}
func (l contextLogger) Infof(format string, args ...interface{})    { log.Infof(l.ctx, format, args...) }
func (l contextLogger) Warningf(format string, args ...interface{}) { log.Warningf(l.ctx, format, args...) }
func (l contextLogger) Errorf(format string, args ...interface{})   { log.Errorf(l.ctx, format, args...) }
func (l contextLogger) Panicf(format string, args ...interface{}) {
	msg := fmt.Sprintf(format, args...)
	log.Errorf(l.ctx, "%s", msg)
	panic(msg)
}

// discardLogger is the fallback used when a Config omits a Logger, kept
// quiet on Debugf/Infof so unit tests that build many raft instances
// don't flood stdout.
type discardLogger struct{}

func (discardLogger) Debugf(string, ...interface{})   {}
func (discardLogger) Infof(string, ...interface{})    {}
func (discardLogger) Warningf(format string, args ...interface{}) {
	fmt.Fprintf(os.Stderr, "W raft: "+format+"\n", args...)
}
func (discardLogger) Errorf(format string, args ...interface{}) {
	fmt.Fprintf(os.Stderr, "E raft: "+format+"\n", args...)
}
func (discardLogger) Panicf(format string, args ...interface{}) {
	panic(fmt.Sprintf(format, args...))
}

var defaultLogger Logger = discardLogger{}

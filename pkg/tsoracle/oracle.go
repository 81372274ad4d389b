// Copyright 2026 The Freshet Authors.
//
// Use of this software is governed by the Freshet Software License
// included in the /LICENSE file.

// Package tsoracle provides timestamp oracles. An oracle is the authority on
// the read and write timestamps of a single timeline: reads at the read
// timestamp observe all writes applied so far, and each write timestamp is
// strictly greater than every previously granted one.
package tsoracle

import (
	"context"

	"github.com/freshetdb/freshet/pkg/repr"
	"github.com/freshetdb/freshet/pkg/util/syncutil"
	"github.com/freshetdb/freshet/pkg/util/timeutil"
)

// Timeline identifies a totally ordered family of timestamps. Collections in
// different timelines are not comparable.
type Timeline string

// EpochMilliseconds is the default timeline: milliseconds since the Unix
// epoch.
const EpochMilliseconds Timeline = "epoch-ms"

// NowFn supplies the current wall clock reading as a timestamp.
type NowFn func() repr.Timestamp

// WallNow is the production NowFn.
func WallNow() repr.Timestamp {
	return repr.TimestampFromTime(timeutil.Now())
}

// Oracle is the timestamp authority for one timeline. Implementations must be
// safe for concurrent use. A remote implementation may block, hence the
// contexts.
type Oracle interface {
	// ReadTs returns the timestamp at which reads are currently linearized:
	// all writes applied through ApplyWrite are visible at this timestamp.
	ReadTs(context.Context) repr.Timestamp

	// WriteTs grants a new write timestamp, strictly greater than any
	// timestamp previously granted and at least the current wall clock.
	WriteTs(context.Context) repr.Timestamp

	// PeekWriteTs returns the most recently granted write timestamp without
	// granting a new one.
	PeekWriteTs(context.Context) repr.Timestamp

	// ApplyWrite marks a write at the given timestamp as completed, advancing
	// the read timestamp to at least that point.
	ApplyWrite(context.Context, repr.Timestamp)
}

// MemoryOracle is an Oracle backed by process memory. It is the right choice
// whenever a single process is the sole writer of its timeline.
type MemoryOracle struct {
	now NowFn
	mu  struct {
		syncutil.Mutex
		readTs  repr.Timestamp
		writeTs repr.Timestamp
	}
}

var _ Oracle = (*MemoryOracle)(nil)

// NewMemoryOracle returns a MemoryOracle whose read and write timestamps
// start at initially.
func NewMemoryOracle(now NowFn, initially repr.Timestamp) *MemoryOracle {
	o := &MemoryOracle{now: now}
	o.mu.readTs = initially
	o.mu.writeTs = initially
	return o
}

// ReadTs implements Oracle.
func (o *MemoryOracle) ReadTs(context.Context) repr.Timestamp {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.mu.readTs
}

// WriteTs implements Oracle.
func (o *MemoryOracle) WriteTs(context.Context) repr.Timestamp {
	o.mu.Lock()
	defer o.mu.Unlock()
	ts := o.now()
	if ts <= o.mu.writeTs {
		ts = o.mu.writeTs + 1
	}
	o.mu.writeTs = ts
	return ts
}

// PeekWriteTs implements Oracle.
func (o *MemoryOracle) PeekWriteTs(context.Context) repr.Timestamp {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.mu.writeTs
}

// ApplyWrite implements Oracle.
func (o *MemoryOracle) ApplyWrite(_ context.Context, writeTs repr.Timestamp) {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.mu.writeTs < writeTs {
		o.mu.writeTs = writeTs
	}
	if o.mu.readTs < writeTs {
		o.mu.readTs = writeTs
	}
}

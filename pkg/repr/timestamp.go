// Copyright 2026 The Freshet Authors.
//
// Use of this software is governed by the Freshet Software License
// included in the /LICENSE file.

// Package repr holds the basic value types shared by the coordinator and its
// collaborators: logical timestamps, object identifiers, and data rows.
package repr

import (
	"strconv"
	"time"
)

// Timestamp is a logical timestamp: milliseconds since the Unix epoch in the
// epoch timeline, an opaque version number elsewhere. Timestamps are totally
// ordered by their numeric value.
type Timestamp uint64

// MinTimestamp is the smallest valid timestamp.
const MinTimestamp Timestamp = 0

// MaxTimestamp is the largest valid timestamp.
const MaxTimestamp Timestamp = ^Timestamp(0)

// TimestampFromTime converts a wall clock reading into a Timestamp.
func TimestampFromTime(t time.Time) Timestamp {
	return Timestamp(t.UnixMilli())
}

// GoTime converts the timestamp back into a wall clock reading.
func (t Timestamp) GoTime() time.Time {
	return time.UnixMilli(int64(t)).UTC()
}

// Less returns true if t orders strictly before o.
func (t Timestamp) Less(o Timestamp) bool { return t < o }

// LessEq returns true if t orders at or before o.
func (t Timestamp) LessEq(o Timestamp) bool { return t <= o }

// Add returns the timestamp offset forward by d, saturating at the maximum.
func (t Timestamp) Add(d uint64) Timestamp {
	if t > MaxTimestamp-Timestamp(d) {
		return MaxTimestamp
	}
	return t + Timestamp(d)
}

// Sub returns the timestamp offset backward by d, saturating at zero.
func (t Timestamp) Sub(d uint64) Timestamp {
	if Timestamp(d) > t {
		return MinTimestamp
	}
	return t - Timestamp(d)
}

func (t Timestamp) String() string {
	return strconv.FormatUint(uint64(t), 10)
}

// Copyright 2026 The Freshet Authors.
//
// Use of this software is governed by the Freshet Software License
// included in the /LICENSE file.

package timeutil

import "time"

// FullTimeFormat is the time format used to display any timestamp
// with date, time and time zone data.
const FullTimeFormat = "2006-01-02 15:04:05.999999-07:00:00"

// Now returns the current UTC time.
//
// UTC is returned unconditionally so that timestamps print uniformly across
// the nodes of a deployment, and so that the monotonic clock reading is
// stripped; comparisons of wall clock readings across processes are fragile
// and the stripped form keeps that fragility front and center.
func Now() time.Time {
	return time.Now().UTC()
}

// Since returns the time elapsed since t.
// It is shorthand for Now().Sub(t).
func Since(t time.Time) time.Duration {
	return Now().Sub(t)
}

// Until returns the duration until t.
// It is shorthand for t.Sub(Now()).
func Until(t time.Time) time.Duration {
	return t.Sub(Now())
}

// UnixMillis returns t as milliseconds since the Unix epoch.
func UnixMillis(t time.Time) int64 {
	return t.UnixNano() / int64(time.Millisecond)
}

// FromUnixMillis converts milliseconds since the Unix epoch to a UTC
// time.Time.
func FromUnixMillis(ms int64) time.Time {
	return time.Unix(ms/1000, (ms%1000)*int64(time.Millisecond)).UTC()
}

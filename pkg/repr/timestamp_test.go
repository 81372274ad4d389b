// Copyright 2026 The Freshet Authors.
//
// Use of this software is governed by the Freshet Software License
// included in the /LICENSE file.

package repr

import (
	"testing"
	"time"

	"github.com/freshetdb/freshet/pkg/util/leaktest"
	"github.com/stretchr/testify/require"
)

func TestTimestampArithmetic(t *testing.T) {
	defer leaktest.AfterTest(t)()

	require.Equal(t, Timestamp(1010), Timestamp(1000).Add(10))
	require.Equal(t, Timestamp(990), Timestamp(1000).Sub(10))

	// Offsets saturate instead of wrapping.
	require.Equal(t, MaxTimestamp, MaxTimestamp.Add(1))
	require.Equal(t, MaxTimestamp, (MaxTimestamp - 5).Add(10))
	require.Equal(t, MinTimestamp, Timestamp(5).Sub(10))
	require.Equal(t, MinTimestamp, MinTimestamp.Sub(1))

	require.True(t, Timestamp(1).Less(2))
	require.False(t, Timestamp(2).Less(2))
	require.True(t, Timestamp(2).LessEq(2))
	require.False(t, Timestamp(3).LessEq(2))
}

func TestTimestampTimeRoundTrip(t *testing.T) {
	defer leaktest.AfterTest(t)()

	wall := time.Date(2026, 8, 25, 12, 30, 45, 250_000_000, time.UTC)
	ts := TimestampFromTime(wall)
	require.Equal(t, Timestamp(wall.UnixMilli()), ts)
	require.Equal(t, wall, ts.GoTime())
	require.Equal(t, time.UTC, ts.GoTime().Location())

	// Sub-millisecond precision is shed on the way in.
	require.Equal(t, ts, TimestampFromTime(wall.Add(100*time.Microsecond)))
}

func TestTimestampString(t *testing.T) {
	defer leaktest.AfterTest(t)()

	require.Equal(t, "1000", Timestamp(1000).String())
	require.Equal(t, "18446744073709551615", MaxTimestamp.String())
}

// Copyright 2026 The Freshet Authors.
//
// Use of this software is governed by the Freshet Software License
// included in the /LICENSE file.

package timeutil

import (
	"testing"
	"time"

	"github.com/freshetdb/freshet/pkg/util/leaktest"
	"github.com/stretchr/testify/require"
)

func TestTimerFires(t *testing.T) {
	defer leaktest.AfterTest(t)()

	var timer Timer
	require.False(t, timer.Stop())

	timer.Reset(time.Millisecond)
	select {
	case <-timer.C:
		timer.Read = true
	case <-time.After(15 * time.Second):
		t.Fatal("timer never fired")
	}
	// The fire already consumed the timer.
	require.False(t, timer.Stop())
}

func TestTimerRearm(t *testing.T) {
	defer leaktest.AfterTest(t)()

	var timer Timer
	defer timer.Stop()
	for i := 0; i < 3; i++ {
		timer.Reset(time.Millisecond)
		select {
		case <-timer.C:
			timer.Read = true
		case <-time.After(15 * time.Second):
			t.Fatalf("timer never fired on iteration %d", i)
		}
	}
}

func TestTimerResetDrainsUnreadFire(t *testing.T) {
	defer leaktest.AfterTest(t)()

	var timer Timer
	timer.Reset(time.Millisecond)
	require.Eventually(t, func() bool { return len(timer.C) == 1 }, 15*time.Second, time.Millisecond)

	// Resetting with an unread fire pending must not leave the stale tick in
	// the channel.
	timer.Reset(time.Millisecond)
	select {
	case <-timer.C:
		timer.Read = true
	case <-time.After(15 * time.Second):
		t.Fatal("timer never fired after rearm")
	}
	require.False(t, timer.Stop())
}

func TestTimerStopBeforeFire(t *testing.T) {
	defer leaktest.AfterTest(t)()

	var timer Timer
	timer.Reset(time.Hour)
	require.True(t, timer.Stop())
	// A stopped timer is back to its zero value and can be reused.
	timer.Reset(time.Millisecond)
	select {
	case <-timer.C:
		timer.Read = true
	case <-time.After(15 * time.Second):
		t.Fatal("timer never fired after reuse")
	}
	timer.Stop()
}

func TestNowIsUTC(t *testing.T) {
	defer leaktest.AfterTest(t)()

	require.Equal(t, time.UTC, Now().Location())
	earlier := Now()
	require.GreaterOrEqual(t, Since(earlier), time.Duration(0))
	require.Greater(t, Until(earlier.Add(time.Hour)), time.Duration(0))
}

func TestUnixMillis(t *testing.T) {
	defer leaktest.AfterTest(t)()

	const ms = int64(1700000000123)
	wall := FromUnixMillis(ms)
	require.Equal(t, time.UTC, wall.Location())
	require.Equal(t, ms, UnixMillis(wall))
}

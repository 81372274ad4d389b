// Copyright 2026 The Freshet Authors.
//
// Use of this software is governed by the Freshet Software License
// included in the /LICENSE file.

package repr

import (
	"testing"
	"time"

	"github.com/freshetdb/freshet/pkg/util/leaktest"
	"github.com/google/uuid"
	"github.com/stretchr/testify/require"
)

func TestDatumStrings(t *testing.T) {
	defer leaktest.AfterTest(t)()

	require.Equal(t, "NULL", DNull{}.String())
	require.Equal(t, "true", DBool(true).String())
	require.Equal(t, "false", DBool(false).String())
	require.Equal(t, "-3", DInt(-3).String())
	require.Equal(t, "x", DString("x").String())

	u := uuid.MustParse("6ba7b810-9dad-11d1-80b4-00c04fd430c8")
	require.Equal(t, "6ba7b810-9dad-11d1-80b4-00c04fd430c8", DUUID(u).String())

	wall := time.Date(2026, 1, 2, 3, 4, 5, 123456000, time.UTC)
	require.Equal(t, "2026-01-02 03:04:05.123456+00", DTimestampTZ(wall).String())
}

func TestNumericFromTimestamp(t *testing.T) {
	defer leaktest.AfterTest(t)()

	require.Equal(t, "1000", NumericFromTimestamp(1000).String())
	require.Equal(t, "0", NumericFromTimestamp(0).String())
	// The full uint64 range survives the conversion; DInt cannot hold this.
	require.Equal(t, "18446744073709551615", NumericFromTimestamp(MaxTimestamp).String())
}

func TestRowString(t *testing.T) {
	defer leaktest.AfterTest(t)()

	require.Equal(t, "()", Row{}.String())
	require.Equal(t, "(a)", Row{DString("a")}.String())
	require.Equal(t, "(a, 7, NULL)", Row{DString("a"), DInt(7), DNull{}}.String())
}

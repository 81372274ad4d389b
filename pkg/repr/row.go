// Copyright 2026 The Freshet Authors.
//
// Use of this software is governed by the Freshet Software License
// included in the /LICENSE file.

package repr

import (
	"fmt"
	"strings"
	"time"

	"github.com/cockroachdb/apd/v3"
	"github.com/google/uuid"
)

// Datum is a single value inside a Row.
type Datum interface {
	fmt.Stringer
	datum()
}

// DNull is the null value.
type DNull struct{}

// DBool is a boolean.
type DBool bool

// DInt is a 64-bit integer.
type DInt int64

// DString is a string.
type DString string

// DUUID is a universally unique identifier.
type DUUID uuid.UUID

// DTimestampTZ is a point in wall clock time, always UTC.
type DTimestampTZ time.Time

// DNumeric is an arbitrary-precision decimal. Logical timestamps surfaced to
// clients (for example the progress column of a subscription) use this type
// because they exceed the range of a 64-bit signed integer.
type DNumeric struct {
	apd.Decimal
}

func (DNull) datum()        {}
func (DBool) datum()        {}
func (DInt) datum()         {}
func (DString) datum()      {}
func (DUUID) datum()        {}
func (DTimestampTZ) datum() {}
func (*DNumeric) datum()    {}

func (DNull) String() string     { return "NULL" }
func (d DBool) String() string   { return fmt.Sprintf("%t", bool(d)) }
func (d DInt) String() string    { return fmt.Sprintf("%d", int64(d)) }
func (d DString) String() string { return string(d) }
func (d DUUID) String() string   { return uuid.UUID(d).String() }
func (d DTimestampTZ) String() string {
	return time.Time(d).UTC().Format("2006-01-02 15:04:05.000000+00")
}
func (d *DNumeric) String() string { return d.Decimal.String() }

// NumericFromTimestamp converts a logical timestamp into a decimal datum
// without loss.
func NumericFromTimestamp(ts Timestamp) *DNumeric {
	var d DNumeric
	d.Decimal.Coeff.SetUint64(uint64(ts))
	return &d
}

// Row is a sequence of datums.
type Row []Datum

func (r Row) String() string {
	var sb strings.Builder
	sb.WriteByte('(')
	for i, d := range r {
		if i > 0 {
			sb.WriteString(", ")
		}
		sb.WriteString(d.String())
	}
	sb.WriteByte(')')
	return sb.String()
}

// Diff is the multiplicity attached to a row in an update: +1 inserts the
// row, -1 retracts it.
type Diff int64

// RowUpdate pairs a row with its multiplicity.
type RowUpdate struct {
	Row  Row
	Diff Diff
}

package md

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strconv"
)

type optionalKind uint8

const (
	optAbsent optionalKind = iota
	optNumber
	optLiteral
)

// OptionalFloat is a numeric field that an upstream feed may report as a
// number, as the sentinel string "-", or not at all. All three forms are
// distinct on the wire and must survive a round-trip: a number marshals as a
// raw JSON number, a sentinel as its string, and an absent value as null.
type OptionalFloat struct {
	kind    optionalKind
	number  float64
	literal string
}

// Value returns an OptionalFloat holding a number.
func Value(v float64) OptionalFloat {
	return OptionalFloat{kind: optNumber, number: v}
}

// Dash returns the "-" sentinel most feeds use for not-applicable fields.
func Dash() OptionalFloat {
	return Literal("-")
}

// Literal returns an OptionalFloat holding a string sentinel.
func Literal(s string) OptionalFloat {
	return OptionalFloat{kind: optLiteral, literal: s}
}

// Absent returns the zero OptionalFloat, marshalled as null.
func Absent() OptionalFloat {
	return OptionalFloat{}
}

// Float64 returns the numeric value and whether one is present.
func (o OptionalFloat) Float64() (float64, bool) {
	return o.number, o.kind == optNumber
}

// Float64Or returns the numeric value, or def when the field holds a
// sentinel or is absent.
func (o OptionalFloat) Float64Or(def float64) float64 {
	if o.kind == optNumber {
		return o.number
	}
	return def
}

// IsAbsent reports whether the field carried no value at all.
func (o OptionalFloat) IsAbsent() bool {
	return o.kind == optAbsent
}

// IsNumber reports whether the field carries a numeric value.
func (o OptionalFloat) IsNumber() bool {
	return o.kind == optNumber
}

func (o OptionalFloat) String() string {
	switch o.kind {
	case optNumber:
		return strconv.FormatFloat(o.number, 'f', -1, 64)
	case optLiteral:
		return o.literal
	default:
		return "null"
	}
}

func (o OptionalFloat) MarshalJSON() ([]byte, error) {
	switch o.kind {
	case optNumber:
		return json.Marshal(o.number)
	case optLiteral:
		return json.Marshal(o.literal)
	default:
		return []byte("null"), nil
	}
}

func (o *OptionalFloat) UnmarshalJSON(data []byte) error {
	data = bytes.TrimSpace(data)
	if len(data) == 0 || bytes.Equal(data, []byte("null")) {
		*o = OptionalFloat{}
		return nil
	}
	if data[0] == '"' {
		var s string
		if err := json.Unmarshal(data, &s); err != nil {
			return fmt.Errorf("optional float: %w", err)
		}
		*o = Literal(s)
		return nil
	}
	var v float64
	if err := json.Unmarshal(data, &v); err != nil {
		return fmt.Errorf("optional float: %w", err)
	}
	*o = Value(v)
	return nil
}

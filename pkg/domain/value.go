package domain

import "strconv"

// Value is a tagged signal value: either a boolean or an unsigned integer.
// The zero Value is a false boolean.
type Value struct {
	kind Kind
	bits uint64
}

// Bool returns a boolean Value.
func Bool(b bool) Value {
	if b {
		return Value{kind: KindBool, bits: 1}
	}
	return Value{kind: KindBool}
}

// Uint returns an unsigned Value.
func Uint(u uint64) Value {
	return Value{kind: KindUint, bits: u}
}

// Kind returns the type tag.
func (v Value) Kind() Kind { return v.kind }

// Bool returns the boolean view of v (non-zero is true for uint values).
func (v Value) Bool() bool { return v.bits != 0 }

// Uint returns the unsigned view of v (true is 1 for bool values).
func (v Value) Uint() uint64 { return v.bits }

func (v Value) String() string {
	if v.kind == KindBool {
		return strconv.FormatBool(v.Bool())
	}
	return strconv.FormatUint(v.bits, 10)
}

package vm

import (
	"fmt"
	"math"
)

// ---------------------------------------------------------------------------
// Value: Tagged stack slot
// ---------------------------------------------------------------------------

// Kind tags the contents of a stack slot. The numbering is part of the
// patch format and must not be reordered.
type Kind int32

const (
	KindInteger Kind = iota
	KindLong
	KindFloat
	KindDouble
	KindStackReference
	KindStaticFieldReference
	KindFieldReference
	KindChainFieldReference
	KindObject
	KindValueType
	KindArrayReference
)

var kindNames = [...]string{
	KindInteger:              "Integer",
	KindLong:                 "Long",
	KindFloat:                "Float",
	KindDouble:               "Double",
	KindStackReference:       "StackReference",
	KindStaticFieldReference: "StaticFieldReference",
	KindFieldReference:       "FieldReference",
	KindChainFieldReference:  "ChainFieldReference",
	KindObject:               "Object",
	KindValueType:            "ValueType",
	KindArrayReference:       "ArrayReference",
}

func (k Kind) String() string {
	if k >= 0 && int(k) < len(kindNames) {
		return kindNames[k]
	}
	return fmt.Sprintf("Kind(%d)", int32(k))
}

// Managed reports whether slots of this kind carry a side entry in the
// managed array at their own offset.
func (k Kind) Managed() bool {
	return k == KindFieldReference || k == KindChainFieldReference || k >= KindObject
}

// Value is one evaluation stack slot. 64-bit payloads keep their low word
// in Word1 and their high word in Word2.
type Value struct {
	Kind  Kind
	Word1 int32
	Word2 int32
}

// IntValue returns an Integer slot.
func IntValue(v int32) Value {
	return Value{Kind: KindInteger, Word1: v}
}

// LongValue returns a Long slot.
func LongValue(v int64) Value {
	return Value{Kind: KindLong, Word1: int32(uint32(v)), Word2: int32(uint32(uint64(v) >> 32))}
}

// FloatValue returns a Float slot.
func FloatValue(v float32) Value {
	return Value{Kind: KindFloat, Word1: int32(math.Float32bits(v))}
}

// DoubleValue returns a Double slot.
func DoubleValue(v float64) Value {
	b := math.Float64bits(v)
	return Value{Kind: KindDouble, Word1: int32(uint32(b)), Word2: int32(uint32(b >> 32))}
}

// Int returns the 32-bit payload.
func (v Value) Int() int32 { return v.Word1 }

// Long returns the 64-bit payload.
func (v Value) Long() int64 {
	return int64(uint64(uint32(v.Word1)) | uint64(uint32(v.Word2))<<32)
}

// Float returns the float32 payload.
func (v Value) Float() float32 { return math.Float32frombits(uint32(v.Word1)) }

// Double returns the float64 payload.
func (v Value) Double() float64 { return math.Float64frombits(uint64(v.Long())) }

func (v Value) String() string {
	switch v.Kind {
	case KindInteger:
		return fmt.Sprintf("int32(%d)", v.Word1)
	case KindLong:
		return fmt.Sprintf("int64(%d)", v.Long())
	case KindFloat:
		return fmt.Sprintf("float32(%g)", v.Float())
	case KindDouble:
		return fmt.Sprintf("float64(%g)", v.Double())
	case KindStackReference:
		return fmt.Sprintf("&stack[%d]", v.Word1)
	case KindStaticFieldReference:
		return fmt.Sprintf("&static[%d]", v.Word1)
	default:
		return fmt.Sprintf("%s@%d/%d", v.Kind, v.Word1, v.Word2)
	}
}

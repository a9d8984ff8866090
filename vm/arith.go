package vm

import (
	"math"
	"math/bits"
	"reflect"
)

// ---------------------------------------------------------------------------
// Binary arithmetic
// ---------------------------------------------------------------------------

func overflow(op Code) {
	panic(&OverflowError{Op: op.String()})
}

// binary applies an arithmetic or bitwise opcode to a and b. Shift counts
// and the second operand of mixed-width integer operations are widened to
// the first operand's kind.
func binary(op Code, a, b Value) Value {
	switch a.Kind {
	case KindInteger:
		if b.Kind != KindInteger {
			if b.Kind == KindLong && op != OpShl && op != OpShr && op != OpShrUn {
				return binaryLong(op, int64(a.Int()), b.Long())
			}
			if b.Kind != KindLong {
				invalidProgram("%s on %s and %s", op, a.Kind, b.Kind)
			}
		}
		return binaryInt(op, a.Int(), b.Word1)
	case KindLong:
		switch b.Kind {
		case KindLong:
			return binaryLong(op, a.Long(), b.Long())
		case KindInteger:
			return binaryLong(op, a.Long(), int64(b.Int()))
		}
	case KindFloat:
		if b.Kind == KindFloat {
			return FloatValue(float32(binaryFloat(op, float64(a.Float()), float64(b.Float()))))
		}
		if b.Kind == KindDouble {
			return DoubleValue(binaryFloat(op, float64(a.Float()), b.Double()))
		}
	case KindDouble:
		if b.Kind == KindDouble || b.Kind == KindFloat {
			return DoubleValue(binaryFloat(op, a.Double(), slotFloat64(b)))
		}
	}
	invalidProgram("%s on %s and %s", op, a.Kind, b.Kind)
	return Value{}
}

func binaryInt(op Code, x, y int32) Value {
	switch op {
	case OpAdd:
		return IntValue(x + y)
	case OpSub:
		return IntValue(x - y)
	case OpMul:
		return IntValue(x * y)
	case OpDiv:
		if y == 0 {
			panic(&DivideByZeroError{})
		}
		return IntValue(x / y)
	case OpDivUn:
		if y == 0 {
			panic(&DivideByZeroError{})
		}
		return IntValue(int32(uint32(x) / uint32(y)))
	case OpRem:
		if y == 0 {
			panic(&DivideByZeroError{})
		}
		return IntValue(x % y)
	case OpRemUn:
		if y == 0 {
			panic(&DivideByZeroError{})
		}
		return IntValue(int32(uint32(x) % uint32(y)))
	case OpAnd:
		return IntValue(x & y)
	case OpOr:
		return IntValue(x | y)
	case OpXor:
		return IntValue(x ^ y)
	case OpShl:
		return IntValue(x << uint(uint32(y)))
	case OpShr:
		return IntValue(x >> uint(uint32(y)))
	case OpShrUn:
		return IntValue(int32(uint32(x) >> uint(uint32(y))))
	case OpAddOvf:
		r := int64(x) + int64(y)
		if r != int64(int32(r)) {
			overflow(op)
		}
		return IntValue(int32(r))
	case OpAddOvfUn:
		r := uint64(uint32(x)) + uint64(uint32(y))
		if r > math.MaxUint32 {
			overflow(op)
		}
		return IntValue(int32(uint32(r)))
	case OpSubOvf:
		r := int64(x) - int64(y)
		if r != int64(int32(r)) {
			overflow(op)
		}
		return IntValue(int32(r))
	case OpSubOvfUn:
		if uint32(x) < uint32(y) {
			overflow(op)
		}
		return IntValue(int32(uint32(x) - uint32(y)))
	case OpMulOvf:
		r := int64(x) * int64(y)
		if r != int64(int32(r)) {
			overflow(op)
		}
		return IntValue(int32(r))
	case OpMulOvfUn:
		r := uint64(uint32(x)) * uint64(uint32(y))
		if r > math.MaxUint32 {
			overflow(op)
		}
		return IntValue(int32(uint32(r)))
	}
	invalidProgram("%s on int32", op)
	return Value{}
}

func binaryLong(op Code, x, y int64) Value {
	switch op {
	case OpAdd:
		return LongValue(x + y)
	case OpSub:
		return LongValue(x - y)
	case OpMul:
		return LongValue(x * y)
	case OpDiv:
		if y == 0 {
			panic(&DivideByZeroError{})
		}
		return LongValue(x / y)
	case OpDivUn:
		if y == 0 {
			panic(&DivideByZeroError{})
		}
		return LongValue(int64(uint64(x) / uint64(y)))
	case OpRem:
		if y == 0 {
			panic(&DivideByZeroError{})
		}
		return LongValue(x % y)
	case OpRemUn:
		if y == 0 {
			panic(&DivideByZeroError{})
		}
		return LongValue(int64(uint64(x) % uint64(y)))
	case OpAnd:
		return LongValue(x & y)
	case OpOr:
		return LongValue(x | y)
	case OpXor:
		return LongValue(x ^ y)
	case OpShl:
		return LongValue(x << uint(uint32(y)))
	case OpShr:
		return LongValue(x >> uint(uint32(y)))
	case OpShrUn:
		return LongValue(int64(uint64(x) >> uint(uint32(y))))
	case OpAddOvf:
		r := x + y
		if (x^r)&(y^r) < 0 {
			overflow(op)
		}
		return LongValue(r)
	case OpAddOvfUn:
		r, carry := bits.Add64(uint64(x), uint64(y), 0)
		if carry != 0 {
			overflow(op)
		}
		return LongValue(int64(r))
	case OpSubOvf:
		r := x - y
		if (x^y)&(x^r) < 0 {
			overflow(op)
		}
		return LongValue(r)
	case OpSubOvfUn:
		r, borrow := bits.Sub64(uint64(x), uint64(y), 0)
		if borrow != 0 {
			overflow(op)
		}
		return LongValue(int64(r))
	case OpMulOvf:
		if x != 0 && y != 0 {
			r := x * y
			if r/y != x || (x == -1 && y == math.MinInt64) || (y == -1 && x == math.MinInt64) {
				overflow(op)
			}
			return LongValue(r)
		}
		return LongValue(0)
	case OpMulOvfUn:
		hi, lo := bits.Mul64(uint64(x), uint64(y))
		if hi != 0 {
			overflow(op)
		}
		return LongValue(int64(lo))
	}
	invalidProgram("%s on int64", op)
	return Value{}
}

func binaryFloat(op Code, x, y float64) float64 {
	switch op {
	case OpAdd, OpAddOvf, OpAddOvfUn:
		return x + y
	case OpSub, OpSubOvf, OpSubOvfUn:
		return x - y
	case OpMul, OpMulOvf, OpMulOvfUn:
		return x * y
	case OpDiv:
		return x / y
	case OpRem:
		return math.Mod(x, y)
	}
	invalidProgram("%s on float", op)
	return 0
}

// ---------------------------------------------------------------------------
// Unary arithmetic
// ---------------------------------------------------------------------------

func unary(op Code, a Value) Value {
	switch a.Kind {
	case KindInteger:
		if op == OpNeg {
			return IntValue(-a.Int())
		}
		return IntValue(^a.Int())
	case KindLong:
		if op == OpNeg {
			return LongValue(-a.Long())
		}
		return LongValue(^a.Long())
	case KindFloat:
		if op == OpNeg {
			return FloatValue(-a.Float())
		}
	case KindDouble:
		if op == OpNeg {
			return DoubleValue(-a.Double())
		}
	}
	invalidProgram("%s on %s", op, a.Kind)
	return Value{}
}

// ---------------------------------------------------------------------------
// Comparison
// ---------------------------------------------------------------------------

type relation int

const (
	relEq relation = iota
	relNeUn
	relLt
	relLtUn
	relLe
	relLeUn
	relGt
	relGtUn
	relGe
	relGeUn
)

// relations maps comparison and conditional branch opcodes to the test
// they perform.
var relations = map[Code]relation{
	OpCeq:   relEq,
	OpBeq:   relEq,
	OpBneUn: relNeUn,
	OpClt:   relLt,
	OpBlt:   relLt,
	OpCltUn: relLtUn,
	OpBltUn: relLtUn,
	OpBle:   relLe,
	OpBleUn: relLeUn,
	OpCgt:   relGt,
	OpBgt:   relGt,
	OpCgtUn: relGtUn,
	OpBgtUn: relGtUn,
	OpBge:   relGe,
	OpBgeUn: relGeUn,
}

func isFloat(k Kind) bool { return k == KindFloat || k == KindDouble }

// compare evaluates rel on two slots. Integers compare signed, or unsigned
// for the _Un relations. Floats follow IEEE ordering; the _Un relations
// are the negation of the opposite ordered test and hold for NaN.
func (s *Stack) compare(rel relation, a, b int) bool {
	x, y := s.values[a], s.values[b]
	switch {
	case isFloat(x.Kind) && isFloat(y.Kind):
		return compareFloat(rel, slotFloat64(x), slotFloat64(y))
	case x.Kind == KindInteger && y.Kind == KindInteger:
		if isUnsignedRel(rel) {
			return compareUnsigned(rel, uint64(uint32(x.Word1)), uint64(uint32(y.Word1)))
		}
		return compareSigned(rel, int64(x.Word1), int64(y.Word1))
	case (x.Kind == KindInteger || x.Kind == KindLong) && (y.Kind == KindInteger || y.Kind == KindLong):
		xi, yi := slotInt64(x), slotInt64(y)
		if isUnsignedRel(rel) {
			return compareUnsigned(rel, uint64(xi), uint64(yi))
		}
		return compareSigned(rel, xi, yi)
	}
	if x.Kind.Managed() || y.Kind.Managed() {
		same := s.sameObject(a, b)
		switch rel {
		case relEq:
			return same
		case relNeUn:
			return !same
		case relGtUn:
			// "x > null" is the translated form of x != null
			return s.managed[a] != nil && s.managed[b] == nil
		}
	}
	invalidProgram("compare %s with %s", x.Kind, y.Kind)
	return false
}

func isUnsignedRel(rel relation) bool {
	switch rel {
	case relLtUn, relLeUn, relGtUn, relGeUn:
		return true
	}
	return false
}

func compareSigned(rel relation, x, y int64) bool {
	switch rel {
	case relEq:
		return x == y
	case relNeUn:
		return x != y
	case relLt:
		return x < y
	case relLe:
		return x <= y
	case relGt:
		return x > y
	}
	return x >= y
}

func compareUnsigned(rel relation, x, y uint64) bool {
	switch rel {
	case relLtUn:
		return x < y
	case relLeUn:
		return x <= y
	case relGtUn:
		return x > y
	}
	return x >= y
}

func compareFloat(rel relation, x, y float64) bool {
	switch rel {
	case relEq:
		return x == y
	case relNeUn:
		return !(x == y)
	case relLt:
		return x < y
	case relLtUn:
		return !(x >= y)
	case relLe:
		return x <= y
	case relLeUn:
		return !(x > y)
	case relGt:
		return x > y
	case relGtUn:
		return !(x <= y)
	case relGe:
		return x >= y
	}
	return !(x < y)
}

// sameObject compares two managed slots: identity for references, value
// equality for comparable payloads.
func (s *Stack) sameObject(a, b int) bool {
	x, y := s.values[a], s.values[b]
	if x.Kind != y.Kind {
		return false
	}
	if x.Kind == KindArrayReference && x.Word2 != y.Word2 {
		return false
	}
	l, r := s.managed[a], s.managed[b]
	if bl, ok := l.(*Box); ok {
		br, ok := r.(*Box)
		if !ok {
			return false
		}
		l, r = bl.Interface(), br.Interface()
	}
	return identical(l, r)
}

func identical(l, r any) bool {
	if l == nil || r == nil {
		return l == nil && r == nil
	}
	lv, rv := reflect.ValueOf(l), reflect.ValueOf(r)
	if lv.Type() != rv.Type() {
		return false
	}
	if lv.Comparable() {
		return lv.Equal(rv)
	}
	switch lv.Kind() {
	case reflect.Slice:
		return lv.Pointer() == rv.Pointer() && lv.Len() == rv.Len()
	case reflect.Map, reflect.Func:
		return lv.Pointer() == rv.Pointer()
	}
	return false
}

// truth reports whether a slot tests true for brtrue and brfalse.
func (s *Stack) truth(pos int) bool {
	v := s.values[pos]
	switch v.Kind {
	case KindInteger, KindFloat:
		return v.Word1 != 0
	case KindLong, KindDouble:
		return v.Word1 != 0 || v.Word2 != 0
	case KindStackReference, KindStaticFieldReference:
		return true
	}
	return s.managed[pos] != nil
}

// ---------------------------------------------------------------------------
// Conversion
// ---------------------------------------------------------------------------

type convTarget int

const (
	toI1 convTarget = iota
	toU1
	toI2
	toU2
	toI4
	toU4
	toI8
	toU8
	toR4
	toR8
	toRUn
)

type conversion struct {
	target convTarget
	// checked raises OverflowError when the value does not fit
	checked bool
	// unsigned reads an integer source as unsigned
	unsigned bool
}

// Native ints are 64 bits wide.
var conversions = map[Code]conversion{
	OpConvI1:  {target: toI1},
	OpConvU1:  {target: toU1},
	OpConvI2:  {target: toI2},
	OpConvU2:  {target: toU2},
	OpConvI4:  {target: toI4},
	OpConvU4:  {target: toU4},
	OpConvI8:  {target: toI8},
	OpConvI:   {target: toI8},
	OpConvU8:  {target: toU8},
	OpConvU:   {target: toU8},
	OpConvR4:  {target: toR4},
	OpConvR8:  {target: toR8},
	OpConvRUn: {target: toRUn, unsigned: true},

	OpConvOvfI1: {target: toI1, checked: true},
	OpConvOvfU1: {target: toU1, checked: true},
	OpConvOvfI2: {target: toI2, checked: true},
	OpConvOvfU2: {target: toU2, checked: true},
	OpConvOvfI4: {target: toI4, checked: true},
	OpConvOvfU4: {target: toU4, checked: true},
	OpConvOvfI8: {target: toI8, checked: true},
	OpConvOvfI:  {target: toI8, checked: true},
	OpConvOvfU8: {target: toU8, checked: true},
	OpConvOvfU:  {target: toU8, checked: true},

	OpConvOvfI1Un: {target: toI1, checked: true, unsigned: true},
	OpConvOvfU1Un: {target: toU1, checked: true, unsigned: true},
	OpConvOvfI2Un: {target: toI2, checked: true, unsigned: true},
	OpConvOvfU2Un: {target: toU2, checked: true, unsigned: true},
	OpConvOvfI4Un: {target: toI4, checked: true, unsigned: true},
	OpConvOvfU4Un: {target: toU4, checked: true, unsigned: true},
	OpConvOvfI8Un: {target: toI8, checked: true, unsigned: true},
	OpConvOvfIUn:  {target: toI8, checked: true, unsigned: true},
	OpConvOvfU8Un: {target: toU8, checked: true, unsigned: true},
	OpConvOvfUUn:  {target: toU8, checked: true, unsigned: true},
}

var convRanges = [...]struct {
	lo int64
	hi uint64
}{
	toI1: {math.MinInt8, math.MaxInt8},
	toU1: {0, math.MaxUint8},
	toI2: {math.MinInt16, math.MaxInt16},
	toU2: {0, math.MaxUint16},
	toI4: {math.MinInt32, math.MaxInt32},
	toU4: {0, math.MaxUint32},
	toI8: {math.MinInt64, math.MaxInt64},
	toU8: {0, math.MaxUint64},
}

// convert applies conversion opcode op to v.
func convert(op Code, c conversion, v Value) Value {
	var (
		i       int64
		f       float64
		fromInt bool
	)
	switch v.Kind {
	case KindInteger:
		fromInt = true
		i = int64(v.Int())
		if c.unsigned {
			i = int64(uint32(v.Word1))
		}
	case KindLong:
		fromInt = true
		i = v.Long()
	case KindFloat, KindDouble:
		f = slotFloat64(v)
	default:
		invalidProgram("%s on %s", op, v.Kind)
	}

	switch c.target {
	case toR4:
		if fromInt {
			return FloatValue(float32(i))
		}
		return FloatValue(float32(f))
	case toR8:
		if fromInt {
			return DoubleValue(float64(i))
		}
		return DoubleValue(f)
	case toRUn:
		if fromInt {
			return DoubleValue(float64(uint64(i)))
		}
		return DoubleValue(f)
	}

	// an unsigned 64-bit source above MaxInt64 only fits a U8 target
	bigUnsigned := fromInt && c.unsigned && v.Kind == KindLong && i < 0
	if c.checked {
		r := convRanges[c.target]
		var fits bool
		switch {
		case !fromInt:
			t := math.Trunc(f)
			fits = t >= float64(r.lo) && t < float64(r.hi)+1
		case bigUnsigned:
			fits = c.target == toU8
		case i < 0:
			fits = i >= r.lo
		default:
			fits = uint64(i) <= r.hi
		}
		if !fits {
			overflow(op)
		}
	}
	if !fromInt {
		if c.target == toU8 && f >= math.MaxInt64 {
			i = int64(uint64(f))
		} else {
			i = int64(f)
		}
	} else if v.Kind == KindInteger && c.target == toU8 {
		// conv.u8 zero-extends a 32-bit source
		i = int64(uint32(v.Word1))
	}

	switch c.target {
	case toI1:
		return IntValue(int32(int8(i)))
	case toU1:
		return IntValue(int32(uint8(i)))
	case toI2:
		return IntValue(int32(int16(i)))
	case toU2:
		return IntValue(int32(uint16(i)))
	case toI4:
		return IntValue(int32(i))
	case toU4:
		return IntValue(int32(uint32(i)))
	}
	return LongValue(i)
}

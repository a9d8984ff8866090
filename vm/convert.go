package vm

import (
	"math"
	"reflect"
)

// ---------------------------------------------------------------------------
// Host value conversion
// ---------------------------------------------------------------------------

var (
	typeInt32   = reflect.TypeFor[int32]()
	typeInt64   = reflect.TypeFor[int64]()
	typeFloat32 = reflect.TypeFor[float32]()
	typeFloat64 = reflect.TypeFor[float64]()
	typeError   = reflect.TypeFor[error]()
	typeAny     = reflect.TypeFor[any]()
)

// isValueType reports whether values of t travel as ValueType slots.
func isValueType(t reflect.Type) bool {
	switch t.Kind() {
	case reflect.Struct, reflect.Array, reflect.Complex64, reflect.Complex128:
		return true
	}
	return false
}

// isPrimitive reports whether values of t travel as numeric slots.
func isPrimitive(t reflect.Type) bool {
	switch t.Kind() {
	case reflect.Bool, reflect.Int, reflect.Int8, reflect.Int16, reflect.Int32, reflect.Int64,
		reflect.Uint, reflect.Uint8, reflect.Uint16, reflect.Uint32, reflect.Uint64, reflect.Uintptr,
		reflect.Float32, reflect.Float64:
		return true
	}
	return false
}

// primitiveValue encodes a numeric host value as a slot.
func primitiveValue(v reflect.Value) (Value, bool) {
	switch v.Kind() {
	case reflect.Bool:
		if v.Bool() {
			return IntValue(1), true
		}
		return IntValue(0), true
	case reflect.Int8, reflect.Int16, reflect.Int32:
		return IntValue(int32(v.Int())), true
	case reflect.Uint8, reflect.Uint16, reflect.Uint32:
		return IntValue(int32(uint32(v.Uint()))), true
	case reflect.Int, reflect.Int64:
		return LongValue(v.Int()), true
	case reflect.Uint, reflect.Uint64, reflect.Uintptr:
		return LongValue(int64(v.Uint())), true
	case reflect.Float32:
		return FloatValue(float32(v.Float())), true
	case reflect.Float64:
		return DoubleValue(v.Float()), true
	}
	return Value{}, false
}

// pushHost writes a host value into the slot at pos.
func (s *Stack) pushHost(pos int, v reflect.Value) {
	if !v.IsValid() {
		s.setObject(pos, nil)
		return
	}
	if p, ok := primitiveValue(v); ok {
		s.setPrimitive(pos, p)
		return
	}
	switch v.Kind() {
	case reflect.Struct, reflect.Array, reflect.Complex64, reflect.Complex128:
		s.setBox(pos, s.boxes.BoxOf(v))
	case reflect.Interface:
		if v.IsNil() {
			s.setObject(pos, nil)
		} else {
			s.setObject(pos, v.Elem().Interface())
		}
	default:
		s.setObject(pos, v.Interface())
	}
}

// numericHost converts a numeric slot to t. A nil or interface t yields the
// slot's natural Go type.
func numericHost(v Value, t reflect.Type) reflect.Value {
	var natural reflect.Value
	switch v.Kind {
	case KindInteger:
		natural = reflect.ValueOf(v.Int())
	case KindLong:
		natural = reflect.ValueOf(v.Long())
	case KindFloat:
		natural = reflect.ValueOf(v.Float())
	case KindDouble:
		natural = reflect.ValueOf(v.Double())
	default:
		invalidProgram("%s is not numeric", v.Kind)
	}
	if t == nil {
		return natural
	}
	if t.Kind() == reflect.Interface {
		if !natural.Type().Implements(t) {
			panic(&InvalidCastError{From: natural.Type(), To: t})
		}
		out := reflect.New(t).Elem()
		out.Set(natural)
		return out
	}
	out := reflect.New(t).Elem()
	switch t.Kind() {
	case reflect.Bool:
		out.SetBool(v.Word1 != 0 || v.Kind == KindLong && v.Word2 != 0)
	case reflect.Int, reflect.Int8, reflect.Int16, reflect.Int32, reflect.Int64:
		out.SetInt(slotInt64(v))
	case reflect.Uint, reflect.Uint8, reflect.Uint16, reflect.Uint32, reflect.Uint64, reflect.Uintptr:
		if v.Kind == KindInteger && t.Size() > 4 {
			out.SetUint(uint64(uint32(v.Word1)))
		} else {
			out.SetUint(uint64(slotInt64(v)))
		}
	case reflect.Float32, reflect.Float64:
		out.SetFloat(slotFloat64(v))
	default:
		if natural.Type().ConvertibleTo(t) {
			return natural.Convert(t)
		}
		panic(&InvalidCastError{From: natural.Type(), To: t})
	}
	return out
}

func slotInt64(v Value) int64 {
	switch v.Kind {
	case KindInteger:
		return int64(v.Int())
	case KindLong:
		return v.Long()
	case KindFloat:
		return int64(v.Float())
	case KindDouble:
		return int64(v.Double())
	}
	invalidProgram("%s is not numeric", v.Kind)
	return 0
}

func slotFloat64(v Value) float64 {
	switch v.Kind {
	case KindInteger:
		return float64(v.Int())
	case KindLong:
		return float64(v.Long())
	case KindFloat:
		return float64(v.Float())
	case KindDouble:
		return v.Double()
	}
	invalidProgram("%s is not numeric", v.Kind)
	return math.NaN()
}

// adapt converts a host value to t, following assignability then
// conversion. A nil t returns v unchanged.
func adapt(v reflect.Value, t reflect.Type) reflect.Value {
	if t == nil {
		return v
	}
	if !v.IsValid() {
		return reflect.Zero(t)
	}
	vt := v.Type()
	if vt == t {
		return v
	}
	if vt.AssignableTo(t) {
		out := reflect.New(t).Elem()
		out.Set(v)
		return out
	}
	if vt.Kind() == reflect.Interface {
		if v.IsNil() {
			return reflect.Zero(t)
		}
		return adapt(v.Elem(), t)
	}
	// a value receiver reached through its address
	if vt.Kind() == reflect.Pointer && vt.Elem() == t {
		if v.IsNil() {
			panic(&NullReferenceError{Op: "dereference " + vt.String()})
		}
		return v.Elem()
	}
	if isPrimitive(vt) && isPrimitive(t) || vt.ConvertibleTo(t) && vt.Kind() == t.Kind() {
		return v.Convert(t)
	}
	panic(&InvalidCastError{From: vt, To: t})
}

// objectHost converts an object reference to t.
func objectHost(o any, t reflect.Type) reflect.Value {
	if o == nil {
		if t == nil {
			return reflect.Value{}
		}
		return reflect.Zero(t)
	}
	return adapt(reflect.ValueOf(o), t)
}

// toHost converts the slot at pos to a host value of type t. Value types
// are copied; references are read through.
func (vm *VirtualMachine) toHost(s *Stack, pos int, t reflect.Type) reflect.Value {
	v := s.values[pos]
	switch v.Kind {
	case KindInteger, KindLong, KindFloat, KindDouble:
		return numericHost(v, t)
	case KindObject:
		return objectHost(s.managed[pos], t)
	case KindValueType:
		b := s.box(pos)
		cp := reflect.New(b.typ).Elem()
		cp.Set(b.val)
		return adapt(cp, t)
	case KindStackReference:
		if p, ok := vm.addressOf(s, pos, t); ok {
			return p
		}
		return vm.toHost(s, int(v.Word1), t)
	default:
		if p, ok := vm.addressOf(s, pos, t); ok {
			return p
		}
		return adapt(vm.readReference(s, pos), t)
	}
}

// addressOf returns a pointer to the storage behind the reference at pos
// when t is a pointer to that storage's type. Pointer receivers of value
// types reached by reference see the original value this way.
func (vm *VirtualMachine) addressOf(s *Stack, pos int, t reflect.Type) (reflect.Value, bool) {
	if t == nil || t.Kind() != reflect.Pointer {
		return reflect.Value{}, false
	}
	var loc reflect.Value
	switch v := s.values[pos]; v.Kind {
	case KindStackReference:
		target := int(v.Word1)
		if s.values[target].Kind != KindValueType {
			return reflect.Value{}, false
		}
		loc = s.box(target).val
	case KindFieldReference, KindChainFieldReference, KindArrayReference, KindStaticFieldReference:
		if a, i, ok := s.storeyField(pos); ok && a.fields[i].Kind != KindValueType {
			return reflect.Value{}, false
		}
		loc = vm.location(s, pos, "address")
	default:
		return reflect.Value{}, false
	}
	if !loc.CanAddr() || loc.Type() != t.Elem() {
		return reflect.Value{}, false
	}
	return loc.Addr(), true
}

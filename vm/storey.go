package vm

import (
	"fmt"
	"reflect"
	"runtime"
)

// ---------------------------------------------------------------------------
// AnonymousStorey: closure and interface-bridge objects
// ---------------------------------------------------------------------------

// Storey field type markers.
const (
	StoreyFieldObject = -2
)

// StoreyInfo describes one closure class of the patch.
type StoreyInfo struct {
	// FieldTypes holds one marker per field: >0 is a value type (extern
	// type id + 1), StoreyFieldObject an object, anything else a number.
	FieldTypes []int
	CtorID     int
	CtorParams int
	// Slots maps bridge slot ids to method ids; nil for plain closures.
	Slots []int
	// VTable holds Equals, Finalize, HashCode and String method ids in
	// entries 0..3 (-1 keeps the default) followed by virtual methods.
	VTable []int
}

// AnonymousStorey is an instance of a closure class. Fields are kept as
// tagged slots with a parallel object array, the same model as the stack.
type AnonymousStorey struct {
	fields  []Value
	objects []any
	typeID  int
	vm      *VirtualMachine

	equalsID   int
	finalizeID int
	hashID     int
	stringID   int
}

// Bridge is implemented by host objects wrapping a storey to satisfy host
// interfaces.
type Bridge interface {
	Storey() *AnonymousStorey
}

func vtableEntry(vt []int, i int) int {
	if i < len(vt) {
		return vt[i]
	}
	return -1
}

// NewAnonymousStorey creates an instance of closure class typeID.
func (vm *VirtualMachine) NewAnonymousStorey(typeID int) *AnonymousStorey {
	info := vm.storeyInfo(typeID)
	a := &AnonymousStorey{
		fields:     make([]Value, len(info.FieldTypes)),
		objects:    make([]any, len(info.FieldTypes)),
		typeID:     typeID,
		vm:         vm,
		equalsID:   vtableEntry(info.VTable, 0),
		finalizeID: vtableEntry(info.VTable, 1),
		hashID:     vtableEntry(info.VTable, 2),
		stringID:   vtableEntry(info.VTable, 3),
	}
	for i, ft := range info.FieldTypes {
		switch {
		case ft > 0:
			t := vm.externType(ft - 1)
			a.fields[i] = Value{Kind: KindValueType, Word1: int32(i)}
			a.objects[i] = &Box{typ: t, val: reflect.New(t).Elem()}
		case ft == StoreyFieldObject:
			a.fields[i] = Value{Kind: KindObject, Word1: int32(i)}
		}
	}
	if a.finalizeID >= 0 {
		runtime.SetFinalizer(a, func(a *AnonymousStorey) {
			if _, err := a.vm.invoke(a.finalizeID, []reflect.Value{reflect.ValueOf(a)}, nil); err != nil {
				log.Warningf("storey %d finalizer: %s", a.typeID, err)
			}
		})
	}
	return a
}

func (vm *VirtualMachine) storeyInfo(id int) *StoreyInfo {
	if id < 0 || id >= len(vm.storeys) {
		invalidProgram("storey type %d out of range", id)
	}
	return vm.storeys[id]
}

// TypeID returns the closure class id.
func (a *AnonymousStorey) TypeID() int { return a.typeID }

// NumFields returns the field count.
func (a *AnonymousStorey) NumFields() int { return len(a.fields) }

// Storey lets a plain storey stand in for a Bridge.
func (a *AnonymousStorey) Storey() *AnonymousStorey { return a }

func (a *AnonymousStorey) check(i int) {
	if i < 0 || i >= len(a.fields) {
		invalidProgram("storey field %d out of range", i)
	}
}

// load copies field i into stack slot dst.
func (a *AnonymousStorey) load(i int, s *Stack, dst int) {
	a.check(i)
	v := a.fields[i]
	switch v.Kind {
	case KindValueType:
		s.setBox(dst, s.boxes.Clone(a.objects[i].(*Box)))
	case KindObject:
		s.setObject(dst, a.objects[i])
	default:
		s.setPrimitive(dst, v)
	}
}

// store copies stack slot src into field i.
func (a *AnonymousStorey) store(i int, s *Stack, src int) {
	a.check(i)
	v := s.values[src]
	switch v.Kind {
	case KindValueType:
		b := s.box(src)
		a.fields[i] = Value{Kind: KindValueType, Word1: int32(i)}
		a.objects[i] = &Box{typ: b.typ, val: copyValue(b.val)}
	case KindObject:
		a.fields[i] = Value{Kind: KindObject, Word1: int32(i)}
		a.objects[i] = s.managed[src]
	case KindInteger, KindLong, KindFloat, KindDouble:
		a.fields[i] = v
		a.objects[i] = nil
	default:
		invalidProgram("cannot store %s in a storey field", v.Kind)
	}
}

// location returns addressable storage of a value-type field.
func (a *AnonymousStorey) location(i int) reflect.Value {
	a.check(i)
	b, ok := a.objects[i].(*Box)
	if !ok {
		invalidProgram("storey field %d is not a value type", i)
	}
	return b.val
}

// Get returns field i as a host value.
func (a *AnonymousStorey) Get(i int) any {
	a.check(i)
	v := a.fields[i]
	switch v.Kind {
	case KindValueType:
		return a.objects[i].(*Box).Interface()
	case KindObject:
		return a.objects[i]
	}
	return numericHost(v, nil).Interface()
}

// Set assigns a host value to field i.
func (a *AnonymousStorey) Set(i int, x any) {
	a.check(i)
	a.setHost(i, reflect.ValueOf(x))
}

func (a *AnonymousStorey) setHost(i int, rv reflect.Value) {
	if !rv.IsValid() {
		a.fields[i] = Value{Kind: KindObject, Word1: int32(i)}
		a.objects[i] = nil
		return
	}
	if p, ok := primitiveValue(rv); ok {
		a.fields[i] = p
		a.objects[i] = nil
		return
	}
	if isValueType(rv.Type()) {
		a.fields[i] = Value{Kind: KindValueType, Word1: int32(i)}
		a.objects[i] = &Box{typ: rv.Type(), val: copyValue(rv)}
		return
	}
	a.fields[i] = Value{Kind: KindObject, Word1: int32(i)}
	if rv.Kind() == reflect.Interface {
		if rv.IsNil() {
			a.objects[i] = nil
			return
		}
		rv = rv.Elem()
	}
	a.objects[i] = rv.Interface()
}

// Equal compares storeys through the Equals vtable entry, or by identity.
func (a *AnonymousStorey) Equal(other any) bool {
	if a.equalsID < 0 {
		if b, ok := other.(Bridge); ok {
			return b.Storey() == a
		}
		return false
	}
	out, err := a.vm.invoke(a.equalsID, []reflect.Value{reflect.ValueOf(a), reflect.ValueOf(other)}, reflect.TypeFor[bool]())
	if err != nil {
		panic(err)
	}
	return out.Bool()
}

// HashCode returns the HashCode vtable result, or a value derived from
// the storey's identity.
func (a *AnonymousStorey) HashCode() int32 {
	if a.hashID < 0 {
		return int32(reflect.ValueOf(a).Pointer() >> 3)
	}
	out, err := a.vm.invoke(a.hashID, []reflect.Value{reflect.ValueOf(a)}, typeInt32)
	if err != nil {
		panic(err)
	}
	return int32(out.Int())
}

// String returns the String vtable result, or a description of the storey.
func (a *AnonymousStorey) String() string {
	if a.stringID < 0 {
		return fmt.Sprintf("storey#%d", a.typeID)
	}
	out, err := a.vm.invoke(a.stringID, []reflect.Value{reflect.ValueOf(a)}, reflect.TypeFor[string]())
	if err != nil {
		panic(err)
	}
	return out.String()
}

func copyValue(v reflect.Value) reflect.Value {
	cp := reflect.New(v.Type()).Elem()
	cp.Set(v)
	return cp
}

// storeyOf unwraps the storey behind an object slot.
func storeyOf(o any, op string) *AnonymousStorey {
	switch x := o.(type) {
	case *AnonymousStorey:
		return x
	case Bridge:
		return x.Storey()
	case nil:
		panic(&NullReferenceError{Op: op})
	}
	invalidProgram("%s on %T", op, o)
	return nil
}

// ---------------------------------------------------------------------------
// Bridge slot calls
// ---------------------------------------------------------------------------

// CallSlot runs the method bound to bridge slot id. Bridge types use it to
// implement host interface methods; faults propagate as panics.
func CallSlot[R any](b Bridge, slot int, args ...any) R {
	var r R
	a := b.Storey()
	out := a.vm.callSlot(b, a, slot, args, reflect.TypeFor[R]())
	if out.IsValid() {
		r, _ = out.Interface().(R)
	}
	return r
}

// CallSlotVoid is CallSlot for methods without a result.
func CallSlotVoid(b Bridge, slot int, args ...any) {
	a := b.Storey()
	a.vm.callSlot(b, a, slot, args, nil)
}

func (vm *VirtualMachine) callSlot(self Bridge, a *AnonymousStorey, slot int, args []any, result reflect.Type) reflect.Value {
	info := vm.storeyInfo(a.typeID)
	if slot < 0 || slot >= len(info.Slots) || info.Slots[slot] < 0 {
		panic(&IntegrityError{Err: ErrInvalidProgram, Detail: fmt.Sprintf("storey %d has no slot %d", a.typeID, slot)})
	}
	in := make([]reflect.Value, 0, len(args)+1)
	in = append(in, reflect.ValueOf(self))
	for _, x := range args {
		in = append(in, reflect.ValueOf(x))
	}
	return vm.call(info.Slots[slot], in, result)
}

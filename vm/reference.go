package vm

import "reflect"

// ---------------------------------------------------------------------------
// References: reading and writing through reference slots
// ---------------------------------------------------------------------------

// storeyField reports whether the FieldReference at pos addresses a
// closure field, and returns the storey and field index if so.
func (s *Stack) storeyField(pos int) (*AnonymousStorey, int, bool) {
	v := s.values[pos]
	if v.Kind != KindFieldReference || v.Word2 >= 0 {
		return nil, 0, false
	}
	a, i := storeyOf(s.managed[pos], "field reference"), int(-(v.Word2 + 1))
	a.check(i)
	return a, i, true
}

// location returns the host storage behind the slot at pos: the target
// of a reference, the payload of a value type or the object itself.
// Storage reached through a reference or a box is addressable.
func (vm *VirtualMachine) location(s *Stack, pos int, op string) reflect.Value {
	v := s.values[pos]
	switch v.Kind {
	case KindObject:
		o := s.managed[pos]
		if o == nil {
			panic(&NullReferenceError{Op: op})
		}
		return reflect.ValueOf(o)
	case KindValueType:
		return s.box(pos).val
	case KindStackReference:
		target := int(v.Word1)
		if target < 0 || target >= pos {
			invalidProgram("%s through stack reference %d", op, target)
		}
		return vm.location(s, target, op)
	case KindStaticFieldReference:
		if v.Word1 >= 0 {
			return vm.hostStatic(int(v.Word1), vm.field(int(v.Word1)))
		}
		idx := int(-(v.Word1 + 1))
		if idx >= len(vm.statics) {
			invalidProgram("static %d out of range", idx)
		}
		return vm.statics[idx]
	case KindFieldReference:
		if a, i, ok := s.storeyField(pos); ok {
			return a.location(i)
		}
		owner := s.managed[pos]
		if owner == nil {
			panic(&NullReferenceError{Op: op})
		}
		return vm.fieldLocation(reflect.ValueOf(owner), int(v.Word2))
	case KindChainFieldReference:
		fa, ok := s.managed[pos].(*FieldAddr)
		if !ok {
			invalidProgram("chain reference without address")
		}
		return fa.loc
	case KindArrayReference:
		return elementAt(s.managed[pos], int(v.Word2), op)
	}
	invalidProgram("%s on %s", op, v.Kind)
	return reflect.Value{}
}

// arrayValue returns the slice or array held by arr.
func arrayValue(arr any, op string) reflect.Value {
	if arr == nil {
		panic(&NullReferenceError{Op: op})
	}
	rv := reflect.ValueOf(arr)
	switch rv.Kind() {
	case reflect.Slice, reflect.Array, reflect.String:
		return rv
	case reflect.Pointer:
		if rv.Type().Elem().Kind() == reflect.Array {
			if rv.IsNil() {
				panic(&NullReferenceError{Op: op})
			}
			return rv.Elem()
		}
	}
	invalidProgram("%s on %s", op, rv.Type())
	return reflect.Value{}
}

// elementAt returns element idx of the slice or array held by arr.
func elementAt(arr any, idx int, op string) reflect.Value {
	rv := arrayValue(arr, op)
	if idx < 0 || idx >= rv.Len() {
		panic(&IndexOutOfRangeError{Index: idx, Length: rv.Len()})
	}
	return rv.Index(idx)
}

// readReference returns a copy of the value a reference slot points at.
func (vm *VirtualMachine) readReference(s *Stack, pos int) reflect.Value {
	if a, i, ok := s.storeyField(pos); ok {
		return reflect.ValueOf(a.Get(i))
	}
	return copyValue(vm.location(s, pos, "ldind"))
}

// loadIndirect replaces the reference at pos with the value it points at.
func (vm *VirtualMachine) loadIndirect(s *Stack, pos int) {
	v := s.values[pos]
	switch v.Kind {
	case KindStackReference:
		s.copy(pos, int(v.Word1))
		return
	case KindFieldReference:
		if a, i, ok := s.storeyField(pos); ok {
			a.load(i, s, pos)
			return
		}
	}
	s.pushHost(pos, vm.location(s, pos, "ldind"))
}

// storeIndirect writes the slot src through the reference at ref.
func (vm *VirtualMachine) storeIndirect(s *Stack, ref, src int) {
	v := s.values[ref]
	switch v.Kind {
	case KindStackReference:
		s.store(int(v.Word1), src)
		return
	case KindFieldReference:
		if a, i, ok := s.storeyField(ref); ok {
			a.store(i, s, src)
			return
		}
	}
	loc := vm.location(s, ref, "stind")
	if !loc.CanSet() {
		invalidProgram("store through read-only %s reference", v.Kind)
	}
	loc.Set(vm.toHost(s, src, loc.Type()))
}

// updateReference writes a host value through the reference at pos to the
// value's true owner. A value type replaced in a stack slot returns its
// box to the pool.
func (vm *VirtualMachine) updateReference(s *Stack, pos int, x reflect.Value) {
	v := s.values[pos]
	switch v.Kind {
	case KindStackReference:
		target := int(v.Word1)
		if s.values[target].Kind == KindValueType {
			if b, ok := s.managed[target].(*Box); ok && x.IsValid() && b.typ == x.Type() {
				b.val.Set(x)
				return
			}
			s.pop(target)
		}
		s.pushHost(target, x)
		return
	case KindFieldReference:
		if a, i, ok := s.storeyField(pos); ok {
			a.setHost(i, x)
			return
		}
	case KindStaticFieldReference, KindChainFieldReference, KindArrayReference:
	default:
		invalidProgram("update through %s", v.Kind)
	}
	loc := vm.location(s, pos, "update reference")
	if !loc.CanSet() {
		invalidProgram("update through read-only %s reference", v.Kind)
	}
	loc.Set(adapt(x, loc.Type()))
}

// objectAt returns the object in the slot at pos, following a stack
// reference to it.
func (vm *VirtualMachine) objectAt(s *Stack, pos int, op string) any {
	v := s.values[pos]
	switch v.Kind {
	case KindObject:
		return s.managed[pos]
	case KindStackReference:
		return vm.objectAt(s, int(v.Word1), op)
	}
	invalidProgram("%s expects an object, got %s", op, v.Kind)
	return nil
}

// fieldAddress builds the reference ldflda pushes for field id of the
// owner at pos.
func (vm *VirtualMachine) fieldAddress(s *Stack, pos, id int) {
	v := s.values[pos]
	if id < 0 {
		a := storeyOf(vm.objectAt(s, pos, "ldflda"), "ldflda")
		s.setManaged(pos, KindFieldReference, int32(id), a)
		return
	}
	if v.Kind == KindObject {
		o := s.managed[pos]
		if o == nil {
			panic(&NullReferenceError{Op: "ldflda"})
		}
		s.setManaged(pos, KindFieldReference, int32(id), o)
		return
	}

	// a field inside a value reached through another reference
	var path []int32
	origin := int32(-1)
	switch v.Kind {
	case KindChainFieldReference:
		if fa, ok := s.managed[pos].(*FieldAddr); ok {
			path = append(path, fa.Path...)
		}
	case KindFieldReference:
		if v.Word2 >= 0 {
			path = append(path, v.Word2)
		}
	case KindArrayReference:
		origin = -2
	}
	loc := vm.fieldLocation(vm.location(s, pos, "ldflda"), id)
	s.setManaged(pos, KindChainFieldReference, origin, &FieldAddr{Path: append(path, int32(id)), loc: loc})
}

package vm

import (
	"fmt"
	"math"
	"reflect"
)

// ---------------------------------------------------------------------------
// ExternMethod: host functions callable from bytecode
// ---------------------------------------------------------------------------

// ExternMethod is a resolved host callable. Func takes the receiver as its
// first argument when HasThis is set (a method expression).
type ExternMethod struct {
	Name          string
	DeclaringType reflect.Type
	Func          reflect.Value
	HasThis       bool
	Constructor   bool
	// RefParams and OutParams flag pointer parameters that bytecode passes
	// by reference. Out parameters are not read before the call.
	RefParams []bool
	OutParams []bool
	// Invoker replaces the reflection adapter when set.
	Invoker ExternInvoker
}

func (m *ExternMethod) String() string {
	if m.DeclaringType == nil {
		return m.Name
	}
	return m.DeclaringType.String() + "." + m.Name
}

func flag(flags []bool, i int) bool { return i < len(flags) && flags[i] }

// IsDelegateConstructor reports whether newobj on m builds a func value.
func (m *ExternMethod) IsDelegateConstructor() bool {
	return m.Constructor && m.DeclaringType != nil && m.DeclaringType.Kind() == reflect.Func
}

// ExternInvoker runs an extern method against a call descriptor. Arguments
// are at call.Get*(0..n-1); the invoker leaves the result, if any, pushed
// at the argument base.
type ExternInvoker func(vm *VirtualMachine, call *Call, isNewObj bool)

func (vm *VirtualMachine) externMethod(id int) *ExternMethod {
	if id < 0 || id >= len(vm.externMethods) || vm.externMethods[id] == nil {
		invalidProgram("extern method %d out of range", id)
	}
	return vm.externMethods[id]
}

// invoker returns the cached adapter for extern method id.
func (vm *VirtualMachine) invoker(id int) ExternInvoker {
	if p := vm.invokers[id].Load(); p != nil {
		return *p
	}
	m := vm.externMethod(id)
	inv := m.Invoker
	if inv == nil {
		inv = newReflectionInvoker(m)
		log.Debugf("reflection adapter for %s", m)
	}
	vm.invokers[id].Store(&inv)
	return inv
}

// newReflectionInvoker builds the default adapter from the method's Go
// signature.
func newReflectionInvoker(m *ExternMethod) ExternInvoker {
	ft := m.Func.Type()
	nin := ft.NumIn()
	nout := ft.NumOut()
	returnsError := nout > 0 && ft.Out(nout-1) == typeError
	results := nout
	if returnsError {
		results--
	}
	return func(vm *VirtualMachine, call *Call, isNewObj bool) {
		s := call.stack
		base := call.argBase
		args := make([]reflect.Value, nin)
		first := 0
		// a constructor called on an existing value writes its result back
		// through the receiver reference
		initInPlace := m.Constructor && !isNewObj
		if initInPlace {
			first = 1
		}
		for i := 0; i < nin; i++ {
			pos := base + first + i
			pt := ft.In(i)
			if flag(m.RefParams, i) {
				tmp := reflect.New(pt.Elem())
				if !flag(m.OutParams, i) {
					tmp.Elem().Set(vm.toHost(s, pos, pt.Elem()))
				}
				args[i] = tmp
				continue
			}
			args[i] = vm.toHost(s, pos, pt)
		}
		if m.HasThis && nin > 0 && isNil(args[0]) {
			raiseIntegrity(ErrNullTarget, m.String())
		}

		var out []reflect.Value
		if ft.IsVariadic() {
			out = m.Func.CallSlice(args)
		} else {
			out = m.Func.Call(args)
		}

		for i := 0; i < nin; i++ {
			if flag(m.RefParams, i) {
				vm.updateReference(s, base+first+i, args[i].Elem())
			}
		}
		end := base + first + nin
		for pos := base; pos < end; pos++ {
			s.pop(pos)
		}
		call.top = base

		if returnsError {
			if err := out[nout-1]; !err.IsNil() {
				panic(err.Interface())
			}
		}
		if results == 0 {
			return
		}
		if initInPlace {
			vm.updateReference(s, base, out[0])
			return
		}
		s.ensure(call.top)
		s.pushHost(call.top, out[0])
		call.top++
	}
}

func isNil(v reflect.Value) bool {
	if !v.IsValid() {
		return true
	}
	switch v.Kind() {
	case reflect.Pointer, reflect.Interface, reflect.Map, reflect.Slice, reflect.Func, reflect.Chan:
		return v.IsNil()
	}
	return false
}

// callExtern runs extern method id with argc arguments ending at sp and
// returns the new evaluation top. The context top is raised to sp for the
// duration so host code re-entering the machine stays above this frame.
func (vm *VirtualMachine) callExtern(s *Stack, id, argc, sp int, isNewObj bool) int {
	inv := vm.invoker(id)
	call := Call{vm: vm, stack: s, argBase: sp - argc, top: sp - argc}
	saved := s.top
	s.top = sp
	defer func() { s.top = saved }()
	inv(vm, &call, isNewObj)
	return call.top
}

// ---------------------------------------------------------------------------
// Call: argument window shared by the machine and host adapters
// ---------------------------------------------------------------------------

// Call is an argument window on an execution context. Host code begins a
// call with BeginCall, pushes arguments, runs a method, reads the result
// and ends the call. Precompiled extern adapters receive one from the
// machine instead.
type Call struct {
	vm      *VirtualMachine
	stack   *Stack
	argBase int
	top     int
	entry   bool
}

// BeginCall opens a call window at the current goroutine's stack top.
// The goroutine keeps its context until the matching End.
func BeginCall() Call {
	s := enterStack()
	return Call{stack: s, argBase: s.top, top: s.top, entry: true}
}

// End releases every slot used by the call.
func (c *Call) End() {
	c.stack.clearRange(c.argBase, c.top)
	c.top = c.argBase
	if c.entry {
		c.entry = false
		c.stack.top = c.argBase
		c.stack.leave()
	}
}

// Stack returns the execution context.
func (c *Call) Stack() *Stack { return c.stack }

func (c *Call) next() int {
	c.stack.ensure(c.top)
	pos := c.top
	c.top++
	return pos
}

func (c *Call) slot(offset int) Value { return c.stack.values[c.argBase+offset] }

// PushBoolean pushes a bool.
func (c *Call) PushBoolean(b bool) {
	var v int32
	if b {
		v = 1
	}
	c.PushInt32(v)
}

// GetBoolean reads a bool argument.
func (c *Call) GetBoolean(offset int) bool { return c.slot(offset).Word1 != 0 }

// PushInt32 pushes an int32; narrower integers widen through it.
func (c *Call) PushInt32(v int32) { c.stack.setPrimitive(c.next(), IntValue(v)) }

// GetInt32 reads an int32 argument.
func (c *Call) GetInt32(offset int) int32 { return c.slot(offset).Word1 }

// PushUInt32 pushes a uint32.
func (c *Call) PushUInt32(v uint32) { c.PushInt32(int32(v)) }

// GetUInt32 reads a uint32 argument.
func (c *Call) GetUInt32(offset int) uint32 { return uint32(c.GetInt32(offset)) }

// PushInt8 pushes an int8.
func (c *Call) PushInt8(v int8) { c.PushInt32(int32(v)) }

// GetInt8 reads an int8 argument.
func (c *Call) GetInt8(offset int) int8 { return int8(c.GetInt32(offset)) }

// PushUInt8 pushes a byte.
func (c *Call) PushUInt8(v uint8) { c.PushInt32(int32(v)) }

// GetUInt8 reads a byte argument.
func (c *Call) GetUInt8(offset int) uint8 { return uint8(c.GetInt32(offset)) }

// PushInt16 pushes an int16.
func (c *Call) PushInt16(v int16) { c.PushInt32(int32(v)) }

// GetInt16 reads an int16 argument.
func (c *Call) GetInt16(offset int) int16 { return int16(c.GetInt32(offset)) }

// PushUInt16 pushes a uint16.
func (c *Call) PushUInt16(v uint16) { c.PushInt32(int32(v)) }

// GetUInt16 reads a uint16 argument.
func (c *Call) GetUInt16(offset int) uint16 { return uint16(c.GetInt32(offset)) }

// PushInt64 pushes an int64.
func (c *Call) PushInt64(v int64) { c.stack.setPrimitive(c.next(), LongValue(v)) }

// GetInt64 reads an int64 argument.
func (c *Call) GetInt64(offset int) int64 { return c.slot(offset).Long() }

// PushUInt64 pushes a uint64.
func (c *Call) PushUInt64(v uint64) { c.PushInt64(int64(v)) }

// GetUInt64 reads a uint64 argument.
func (c *Call) GetUInt64(offset int) uint64 { return uint64(c.GetInt64(offset)) }

// PushFloat32 pushes a float32.
func (c *Call) PushFloat32(v float32) { c.stack.setPrimitive(c.next(), FloatValue(v)) }

// GetFloat32 reads a float32 argument.
func (c *Call) GetFloat32(offset int) float32 {
	return math.Float32frombits(uint32(c.slot(offset).Word1))
}

// PushFloat64 pushes a float64.
func (c *Call) PushFloat64(v float64) { c.stack.setPrimitive(c.next(), DoubleValue(v)) }

// GetFloat64 reads a float64 argument.
func (c *Call) GetFloat64(offset int) float64 { return c.slot(offset).Double() }

// PushObject pushes an object reference.
func (c *Call) PushObject(o any) { c.stack.setObject(c.next(), o) }

// GetObject reads an object argument.
func (c *Call) GetObject(offset int) any {
	pos := c.argBase + offset
	v := c.stack.values[pos]
	if v.Kind == KindObject {
		return c.stack.managed[pos]
	}
	return c.vm.toHost(c.stack, pos, nil).Interface()
}

// PushValue pushes any host value with its natural slot kind.
func (c *Call) PushValue(v reflect.Value) { c.stack.pushHost(c.next(), v) }

// GetValue reads an argument converted to t.
func (c *Call) GetValue(offset int, t reflect.Type) reflect.Value {
	return c.vm.toHost(c.stack, c.argBase+offset, t)
}

// PushReference pushes a reference to an earlier slot of this call, used
// for by-reference arguments. slot is relative to the argument base.
func (c *Call) PushReference(slot int) {
	c.stack.setPrimitive(c.next(), Value{Kind: KindStackReference, Word1: int32(c.argBase + slot)})
}

// PushObjectAsResult replaces the arguments with an object result.
func (c *Call) PushObjectAsResult(o any) {
	c.stack.clearRange(c.argBase, c.top)
	c.top = c.argBase
	c.PushObject(o)
}

// PushValueAsResult replaces the arguments with a host value result.
func (c *Call) PushValueAsResult(v reflect.Value) {
	c.stack.clearRange(c.argBase, c.top)
	c.top = c.argBase
	c.PushValue(v)
}

// UpdateReference writes v through the by-reference argument at offset.
func (c *Call) UpdateReference(offset int, v reflect.Value) {
	c.vm.updateReference(c.stack, c.argBase+offset, v)
}

// Result reads the value a method left at offset after ExecuteCall.
func (c *Call) Result(offset int, t reflect.Type) (reflect.Value, error) {
	pos := c.argBase + offset
	if pos >= c.top {
		return reflect.Value{}, fmt.Errorf("no result at offset %d", offset)
	}
	return c.vm.toHost(c.stack, pos, t), nil
}

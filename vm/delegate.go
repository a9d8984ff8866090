package vm

import (
	"reflect"
	"sync"
)

// ---------------------------------------------------------------------------
// Delegates: Go func values backed by bytecode
// ---------------------------------------------------------------------------

// Wrappers supplies precompiled host objects for a patch: bridge objects
// implementing host interfaces on top of a storey, and func values for
// closures. A nil result falls back to the reflection path.
type Wrappers interface {
	CreateBridge(a *AnonymousStorey) Bridge
	CreateDelegate(t reflect.Type, methodID int, target any) any
}

// MakeFunc returns a func value of type t that runs method methodID. A
// non-nil target is passed as the method's first argument.
func (vm *VirtualMachine) MakeFunc(t reflect.Type, methodID int, target any) reflect.Value {
	var this reflect.Value
	bound := target != nil
	if bound {
		this = reflect.ValueOf(target)
	}
	nout := t.NumOut()
	returnsError := nout > 0 && t.Out(nout-1) == typeError
	var result reflect.Type
	if nout > 0 && !(nout == 1 && returnsError) {
		result = t.Out(0)
	}
	return reflect.MakeFunc(t, func(in []reflect.Value) []reflect.Value {
		args := in
		if bound {
			args = make([]reflect.Value, 0, len(in)+1)
			args = append(args, this)
			args = append(args, in...)
		}
		out := make([]reflect.Value, nout)
		if returnsError {
			v, err := vm.callCatchingError(methodID, args, result)
			for i := range out {
				out[i] = reflect.Zero(t.Out(i))
			}
			if err != nil {
				out[nout-1] = reflect.ValueOf(&err).Elem()
				return out
			}
			if result != nil {
				out[0] = v
			}
			return out
		}
		v := vm.call(methodID, args, result)
		if result != nil {
			out[0] = v
		}
		return out
	})
}

// Delegate is MakeFunc preferring the func values the patch's wrappers
// precompiled.
func (vm *VirtualMachine) Delegate(t reflect.Type, methodID int, target any) reflect.Value {
	if vm.wrappers != nil {
		if fn := vm.wrappers.CreateDelegate(t, methodID, target); fn != nil {
			return reflect.ValueOf(fn)
		}
	}
	return vm.MakeFunc(t, methodID, target)
}

// callCatchingError is call for funcs returning error: faults carrying an
// error are returned, any other fault keeps propagating.
func (vm *VirtualMachine) callCatchingError(methodID int, args []reflect.Value, result reflect.Type) (v reflect.Value, err error) {
	defer func() {
		if r := recover(); r != nil {
			e, ok := r.(error)
			if !ok {
				panic(r)
			}
			err = e
		}
	}()
	return vm.call(methodID, args, result), nil
}

// createDelegate builds a func value for newobj on a func type. target is
// the bound receiver; method is either an interpreted method id (Integer
// slot) or an *ExternMethod pushed by ldftn.
func (vm *VirtualMachine) createDelegate(t reflect.Type, target any, method Value, methodObj any) any {
	if method.Kind == KindInteger {
		return vm.Delegate(t, int(method.Word1), target).Interface()
	}
	m, ok := methodObj.(*ExternMethod)
	if !ok {
		invalidProgram("delegate over %T", methodObj)
	}
	return bindExtern(t, m, target).Interface()
}

// bindExtern adapts a host callable to func type t, binding target as the
// receiver when the method has one.
func bindExtern(t reflect.Type, m *ExternMethod, target any) reflect.Value {
	fn := m.Func
	if m.HasThis {
		if target == nil {
			panic(&NullReferenceError{Op: "delegate " + m.Name})
		}
		this := reflect.ValueOf(target)
		return reflect.MakeFunc(t, func(in []reflect.Value) []reflect.Value {
			args := make([]reflect.Value, 0, len(in)+1)
			args = append(args, adapt(this, fn.Type().In(0)))
			args = append(args, in...)
			return fn.Call(args)
		})
	}
	if fn.Type() == t {
		return fn
	}
	return reflect.MakeFunc(t, func(in []reflect.Value) []reflect.Value {
		return fn.Call(in)
	})
}

// ---------------------------------------------------------------------------
// Virtual method resolution for ldvirtftn
// ---------------------------------------------------------------------------

type overrideKey struct {
	typ  reflect.Type
	name string
}

type overrideCache struct {
	m sync.Map // overrideKey -> *ExternMethod
}

// resolve returns the method m dispatches to on receiver obj. Types
// that define a method of the same name override the declared one.
func (c *overrideCache) resolve(m *ExternMethod, obj any) *ExternMethod {
	t := reflect.TypeOf(obj)
	if t == nil || !m.HasThis || t == m.DeclaringType {
		return m
	}
	key := overrideKey{typ: t, name: m.Name}
	if found, ok := c.m.Load(key); ok {
		return found.(*ExternMethod)
	}
	found := m
	if meth, ok := t.MethodByName(m.Name); ok && meth.Type.NumIn() == m.Func.Type().NumIn() {
		found = &ExternMethod{
			Name:          m.Name,
			DeclaringType: t,
			Func:          meth.Func,
			HasThis:       true,
			RefParams:     m.RefParams,
			OutParams:     m.OutParams,
		}
	}
	c.m.Store(key, found)
	return found
}

func (c *overrideCache) len() int {
	n := 0
	c.m.Range(func(_, _ any) bool {
		n++
		return true
	})
	return n
}

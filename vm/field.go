package vm

import (
	"fmt"
	"reflect"
	"runtime"
	"strings"
	"unsafe"
	"weak"

	"github.com/sasha-s/go-deadlock"
)

// ---------------------------------------------------------------------------
// Fields
// ---------------------------------------------------------------------------

// Field is a resolved field operand. Exactly one of Index, Static,
// ReadOnly or New describes where the value lives.
type Field struct {
	Name          string
	DeclaringType reflect.Type
	Type          reflect.Type

	// Index is the struct field path of an instance field.
	Index []int
	// Static is addressable storage of a host package variable.
	Static reflect.Value
	// ReadOnly computes a host constant; it is called once per machine.
	ReadOnly func() any
	// New describes a field added by the patch.
	New *NewField
}

// NewField is a field the host type does not declare. Its storage lives
// in a side table keyed by object identity.
type NewField struct {
	Type reflect.Type
	// Init is the method producing the initial value, or -1 for the zero
	// value. It is called with the owning object as its only argument.
	Init int
}

// IsStatic reports whether the field is not stored in an object.
func (f *Field) IsStatic() bool {
	return f.Static.IsValid() || f.ReadOnly != nil
}

func (f *Field) String() string {
	if f.DeclaringType == nil {
		return f.Name
	}
	return f.DeclaringType.String() + "." + f.Name
}

// FieldAddr is the payload of a ChainFieldReference: a resolved location
// inside a value type reached through a chain of field addresses.
type FieldAddr struct {
	Path []int32
	loc  reflect.Value
}

func (a *FieldAddr) String() string {
	parts := make([]string, len(a.Path))
	for i, id := range a.Path {
		parts[i] = fmt.Sprint(id)
	}
	return "chain(" + strings.Join(parts, ".") + ")"
}

// settable returns an assignable view of an addressable value, reaching
// unexported struct fields.
func settable(v reflect.Value) reflect.Value {
	if v.CanSet() || !v.CanAddr() {
		return v
	}
	return reflect.NewAt(v.Type(), unsafe.Pointer(v.UnsafeAddr())).Elem()
}

// deref follows pointers and interfaces to the underlying value.
func deref(v reflect.Value, op string) reflect.Value {
	for v.Kind() == reflect.Pointer || v.Kind() == reflect.Interface {
		if v.IsNil() {
			panic(&NullReferenceError{Op: op})
		}
		v = v.Elem()
	}
	return v
}

func (vm *VirtualMachine) field(id int) *Field {
	if id < 0 || id >= len(vm.fields) || vm.fields[id] == nil {
		invalidProgram("field %d out of range", id)
	}
	return vm.fields[id]
}

// fieldLocation returns the storage of field id inside owner.
func (vm *VirtualMachine) fieldLocation(owner reflect.Value, id int) reflect.Value {
	f := vm.field(id)
	switch {
	case f.New != nil:
		return vm.newFields.location(vm, owner, id, f.New)
	case f.IsStatic():
		return vm.hostStatic(id, f)
	}
	v := deref(owner, "ldfld "+f.Name)
	if v.Kind() != reflect.Struct {
		invalidProgram("field %s on %s", f, v.Type())
	}
	fv, err := v.FieldByIndexErr(f.Index)
	if err != nil {
		panic(&NullReferenceError{Op: "ldfld " + f.Name})
	}
	return settable(fv)
}

// ---------------------------------------------------------------------------
// New fields side table
// ---------------------------------------------------------------------------

// newFieldKey names one added field of one object. The object is held
// weakly; its entries are dropped by a cleanup once it is collected.
type newFieldKey struct {
	obj weak.Pointer[byte]
	typ reflect.Type
	id  int
}

type newFieldTable struct {
	mu     deadlock.Mutex
	values map[newFieldKey]reflect.Value
}

// identity returns the reference an object is known by: the pointer, map
// or channel itself, or the address of an addressable value.
func identity(owner reflect.Value) reflect.Value {
	for owner.Kind() == reflect.Interface && !owner.IsNil() {
		owner = owner.Elem()
	}
	switch owner.Kind() {
	case reflect.Pointer, reflect.Map, reflect.Chan:
		if owner.IsNil() {
			panic(&NullReferenceError{Op: "new field"})
		}
		return owner
	}
	if owner.CanAddr() {
		return owner.Addr()
	}
	invalidProgram("new field on value of %s without identity", owner.Type())
	return reflect.Value{}
}

// location returns the storage of added field id of owner, creating and
// initializing it on first use. A value that refers back to its owner
// keeps the owner alive.
func (t *newFieldTable) location(vm *VirtualMachine, owner reflect.Value, id int, nf *NewField) reflect.Value {
	ref := identity(owner)
	p := (*byte)(ref.UnsafePointer())
	key := newFieldKey{obj: weak.Make(p), typ: ref.Type(), id: id}
	t.mu.Lock()
	v, ok := t.values[key]
	t.mu.Unlock()
	if ok {
		return v
	}
	v = reflect.New(nf.Type).Elem()
	if nf.Init >= 0 {
		v.Set(vm.call(nf.Init, []reflect.Value{ref}, nf.Type))
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	if prev, ok := t.values[key]; ok {
		return prev
	}
	if t.values == nil {
		t.values = make(map[newFieldKey]reflect.Value)
	}
	t.values[key] = v
	runtime.AddCleanup(p, t.drop, key)
	return v
}

func (t *newFieldTable) drop(key newFieldKey) {
	t.mu.Lock()
	delete(t.values, key)
	t.mu.Unlock()
}

func (t *newFieldTable) len() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.values)
}

// ---------------------------------------------------------------------------
// Statics
// ---------------------------------------------------------------------------

// Static describes one static field owned by the patch.
type Static struct {
	Type reflect.Type
	// Cctor is the class initializer guarding the field, or -1.
	Cctor int
}

// hostStatic returns the storage of a host static. Read-only statics are
// computed once and cached.
func (vm *VirtualMachine) hostStatic(id int, f *Field) reflect.Value {
	if f.Static.IsValid() {
		return f.Static
	}
	vm.readOnlyMu.Lock()
	defer vm.readOnlyMu.Unlock()
	if v, ok := vm.readOnly[id]; ok {
		return v
	}
	v := reflect.New(f.Type).Elem()
	v.Set(adapt(reflect.ValueOf(f.ReadOnly()), f.Type))
	vm.readOnly[id] = v
	return v
}

// vmStatic returns the storage of patch static idx, running its class
// initializer first when needed. sp is where the initializer's frame
// starts.
func (vm *VirtualMachine) vmStatic(s *Stack, idx, sp int) reflect.Value {
	if idx < 0 || idx >= len(vm.statics) {
		invalidProgram("static %d out of range", idx)
	}
	vm.checkCctor(s, idx, sp)
	return vm.statics[idx]
}

// checkCctor runs the class initializer guarding static idx once. All
// statics sharing the initializer are marked before it runs, so statics
// touched by the initializer itself do not re-enter it.
func (vm *VirtualMachine) checkCctor(s *Stack, idx, sp int) {
	vm.cctorMu.Lock()
	cctor := vm.cctors[idx]
	if cctor < 0 {
		vm.cctorMu.Unlock()
		return
	}
	for i, c := range vm.cctors {
		if c == cctor {
			vm.cctors[i] = -1
		}
	}
	vm.cctorMu.Unlock()
	vm.execute(s, cctor, sp, 0, 0, false)
}

// staticLocation resolves a static field operand.
func (vm *VirtualMachine) staticLocation(s *Stack, operand, sp int) reflect.Value {
	if operand >= 0 {
		return vm.hostStatic(operand, vm.field(operand))
	}
	return vm.vmStatic(s, -(operand + 1), sp)
}

type readOnlyCache struct {
	readOnlyMu deadlock.Mutex
	readOnly   map[int]reflect.Value
}

package patch

import (
	"errors"
	"fmt"
	"reflect"
	"strings"

	"github.com/chazu/hotfix/vm"
)

// ---------------------------------------------------------------------------
// Link errors
// ---------------------------------------------------------------------------

var (
	ErrUnknownType   = errors.New("unknown type")
	ErrUnknownMethod = errors.New("unknown method")
	ErrUnknownField  = errors.New("unknown field")
	ErrUnknownPoint  = errors.New("unknown patch point")
	ErrSignature     = errors.New("signature mismatch")
	ErrFieldExists   = errors.New("new field already exists")
	ErrNewClass      = errors.New("new classes are not supported")
	ErrNoWrappers    = errors.New("wrappers not registered")
	ErrBadIndex      = errors.New("index out of range")
)

// LinkError reports a payload reference the host could not satisfy.
type LinkError struct {
	Table string
	Index int
	Name  string
	Err   error
}

func (e *LinkError) Error() string {
	if e.Name == "" {
		return fmt.Sprintf("link %s %d: %v", e.Table, e.Index, e.Err)
	}
	return fmt.Sprintf("link %s %d (%s): %v", e.Table, e.Index, e.Name, e.Err)
}

func (e *LinkError) Unwrap() error { return e.Err }

// ---------------------------------------------------------------------------
// Linker
// ---------------------------------------------------------------------------

type boundRedirect struct {
	point    redirectable
	name     string
	methodID int
}

// linked is a payload resolved against a host.
type linked struct {
	program   *vm.Program
	wrappers  WrappersFactory
	redirects []boundRedirect
}

type linker struct {
	h     *Host
	p     *Payload
	types []reflect.Type
}

// Link resolves every reference in p against h and returns the program
// the machine runs. Nothing is installed.
func (h *Host) Link(p *Payload) (*vm.Program, error) {
	l, err := h.link(p)
	if err != nil {
		return nil, err
	}
	return l.program, nil
}

func (h *Host) link(p *Payload) (*linked, error) {
	h.mu.RLock()
	defer h.mu.RUnlock()

	if len(p.NewClasses) > 0 {
		return nil, &LinkError{Table: "class", Name: p.NewClasses[0], Err: ErrNewClass}
	}

	l := &linker{h: h, p: p}
	out := &linked{program: &vm.Program{Methods: p.Methods, Strings: p.Strings}}
	prog := out.program

	l.types = make([]reflect.Type, len(p.ExternTypes))
	for i, name := range p.ExternTypes {
		t, ok := h.typeLocked(name)
		if !ok && !h.namespaces[name] {
			return nil, &LinkError{Table: "type", Index: i, Name: name, Err: ErrUnknownType}
		}
		l.types[i] = t
	}
	prog.ExternTypes = l.types

	prog.ExternMethods = make([]*vm.ExternMethod, len(p.ExternMethods))
	for i, ref := range p.ExternMethods {
		m, err := l.method(ref)
		if err != nil {
			return nil, &LinkError{Table: "method", Index: i, Name: l.symbol(ref.DeclaringType, ref.Name), Err: err}
		}
		prog.ExternMethods[i] = m
	}

	prog.Fields = make([]*vm.Field, len(p.Fields))
	for i, ref := range p.Fields {
		f, err := l.field(ref)
		if err != nil {
			return nil, &LinkError{Table: "field", Index: i, Name: l.symbol(ref.DeclaringType, ref.Name), Err: err}
		}
		prog.Fields[i] = f
	}

	prog.Statics = make([]vm.Static, len(p.Statics))
	for i, s := range p.Statics {
		t, err := l.typ(s.Type)
		if err == nil {
			err = l.methodID(s.Cctor)
		}
		if err != nil {
			return nil, &LinkError{Table: "static", Index: i, Err: err}
		}
		prog.Statics[i] = vm.Static{Type: t, Cctor: int(s.Cctor)}
	}

	needWrappers := false
	prog.Storeys = make([]*vm.StoreyInfo, len(p.Storeys))
	for i, s := range p.Storeys {
		info, err := l.storey(s)
		if err != nil {
			return nil, &LinkError{Table: "storey", Index: i, Err: err}
		}
		needWrappers = needWrappers || info.Slots != nil
		prog.Storeys[i] = info
	}

	if p.Bridge != "" {
		out.wrappers = h.wrappers[p.Bridge]
	}
	if needWrappers && out.wrappers == nil {
		return nil, &LinkError{Table: "wrappers", Name: p.Bridge, Err: ErrNoWrappers}
	}

	for i, r := range p.Redirects {
		pt, ok := h.points[r.Point]
		if !ok {
			return nil, &LinkError{Table: "redirect", Index: i, Name: r.Point, Err: ErrUnknownPoint}
		}
		if err := l.methodID(r.MethodID); err != nil || r.MethodID < 0 {
			return nil, &LinkError{Table: "redirect", Index: i, Name: r.Point, Err: ErrBadIndex}
		}
		out.redirects = append(out.redirects, boundRedirect{point: pt, name: r.Point, methodID: int(r.MethodID)})
	}
	return out, nil
}

// owner returns the name of extern type id, or "" for -1.
func (l *linker) owner(id int32) (string, reflect.Type, error) {
	if id < 0 {
		return "", nil, nil
	}
	if int(id) >= len(l.types) {
		return "", nil, fmt.Errorf("type %d: %w", id, ErrBadIndex)
	}
	return l.p.ExternTypes[id], l.types[id], nil
}

func (l *linker) symbol(id int32, name string) string {
	owner, _, _ := l.owner(id)
	return symbol(owner, name)
}

func (l *linker) typ(id int32) (reflect.Type, error) {
	if id < 0 || int(id) >= len(l.types) {
		return nil, fmt.Errorf("type %d: %w", id, ErrBadIndex)
	}
	if l.types[id] == nil {
		return nil, fmt.Errorf("%s is a namespace: %w", l.p.ExternTypes[id], ErrUnknownType)
	}
	return l.types[id], nil
}

// methodID checks a method id; -1 stands for none.
func (l *linker) methodID(id int32) error {
	if id < -1 || int(id) >= len(l.p.Methods) {
		return fmt.Errorf("method %d: %w", id, ErrBadIndex)
	}
	return nil
}

// ---------------------------------------------------------------------------
// Methods
// ---------------------------------------------------------------------------

func (l *linker) method(ref MethodRef) (*vm.ExternMethod, error) {
	owner, decl, err := l.owner(ref.DeclaringType)
	if err != nil {
		return nil, err
	}
	name := ref.Name
	if ref.IsGeneric {
		args := make([]string, len(ref.GenericArgs))
		for i, id := range ref.GenericArgs {
			if id < 0 || int(id) >= len(l.types) {
				return nil, fmt.Errorf("generic argument %d: %w", id, ErrBadIndex)
			}
			args[i] = l.p.ExternTypes[id]
		}
		name += "[" + strings.Join(args, ",") + "]"
	}

	if name == Constructor && decl != nil && decl.Kind() == reflect.Func {
		return &vm.ExternMethod{Name: name, DeclaringType: decl, Constructor: true}, nil
	}

	if f, ok := l.h.funcs[symbol(owner, name)]; ok {
		m := *f
		if m.DeclaringType == nil {
			m.DeclaringType = decl
		}
		if err := l.params(&m, 0, ref); err != nil {
			return nil, err
		}
		return &m, nil
	}

	if decl == nil {
		return nil, ErrUnknownMethod
	}
	fn, ok := methodExpr(decl, name)
	if !ok {
		return nil, ErrUnknownMethod
	}
	m := &vm.ExternMethod{Name: name, DeclaringType: decl, Func: fn, HasThis: true}
	if err := l.params(m, 1, ref); err != nil {
		return nil, err
	}
	return m, nil
}

// methodExpr returns method name of t as a func taking the receiver
// first. Methods with pointer receivers are found on *t.
func methodExpr(t reflect.Type, name string) (reflect.Value, bool) {
	if t.Kind() == reflect.Interface {
		m, ok := t.MethodByName(name)
		if !ok {
			return reflect.Value{}, false
		}
		return interfaceMethod(t, m), true
	}
	if m, ok := t.MethodByName(name); ok {
		return m.Func, true
	}
	if t.Kind() != reflect.Pointer {
		if m, ok := reflect.PointerTo(t).MethodByName(name); ok {
			return m.Func, true
		}
	}
	return reflect.Value{}, false
}

// interfaceMethod builds the method expression t.m, which reflect only
// provides for concrete types.
func interfaceMethod(t reflect.Type, m reflect.Method) reflect.Value {
	mt := m.Type
	in := make([]reflect.Type, 0, mt.NumIn()+1)
	in = append(in, t)
	for i := 0; i < mt.NumIn(); i++ {
		in = append(in, mt.In(i))
	}
	out := make([]reflect.Type, mt.NumOut())
	for i := range out {
		out[i] = mt.Out(i)
	}
	ft := reflect.FuncOf(in, out, mt.IsVariadic())
	return reflect.MakeFunc(ft, func(args []reflect.Value) []reflect.Value {
		fn := args[0].Method(m.Index)
		if mt.IsVariadic() {
			return fn.CallSlice(args[1:])
		}
		return fn.Call(args[1:])
	})
}

// params checks ref's parameter list against the Go signature of m,
// starting after skip receiver parameters, and records by-reference
// parameters.
func (l *linker) params(m *vm.ExternMethod, skip int, ref MethodRef) error {
	if m.Invoker != nil && !m.Func.IsValid() {
		return nil
	}
	ft := m.Func.Type()
	if ft.NumIn()-skip != len(ref.Params) {
		return fmt.Errorf("%w: %s takes %d parameters, reference has %d", ErrSignature, ft, ft.NumIn()-skip, len(ref.Params))
	}
	for i, p := range ref.Params {
		gi := skip + i
		if p.Mode != ParamValue {
			if m.RefParams == nil {
				m.RefParams = make([]bool, ft.NumIn())
				m.OutParams = make([]bool, ft.NumIn())
			}
			m.RefParams[gi] = true
			m.OutParams[gi] = p.Mode == ParamOut
		}
		if p.Generic != "" {
			continue
		}
		want, err := l.typ(p.Type)
		if err != nil {
			return err
		}
		if p.Mode != ParamValue {
			want = reflect.PointerTo(want)
		}
		if got := ft.In(gi); got != want {
			return fmt.Errorf("%w: parameter %d is %s, reference has %s", ErrSignature, i, got, want)
		}
	}
	return nil
}

// ---------------------------------------------------------------------------
// Fields
// ---------------------------------------------------------------------------

func (l *linker) field(ref FieldRef) (*vm.Field, error) {
	owner, decl, err := l.owner(ref.DeclaringType)
	if err != nil {
		return nil, err
	}
	existing, err := l.existingField(owner, decl, ref.Name)
	if !ref.IsNew {
		return existing, err
	}
	if existing != nil {
		return nil, ErrFieldExists
	}
	if decl == nil {
		return nil, fmt.Errorf("new field on namespace %q: %w", owner, ErrUnknownType)
	}
	t, err := l.typ(ref.Type)
	if err != nil {
		return nil, err
	}
	if err := l.methodID(ref.Init); err != nil {
		return nil, err
	}
	return &vm.Field{
		Name:          ref.Name,
		DeclaringType: decl,
		Type:          t,
		New:           &vm.NewField{Type: t, Init: int(ref.Init)},
	}, nil
}

func (l *linker) existingField(owner string, decl reflect.Type, name string) (*vm.Field, error) {
	if f, ok := l.h.statics[symbol(owner, name)]; ok {
		c := *f
		return &c, nil
	}
	st := decl
	if st != nil && st.Kind() == reflect.Pointer {
		st = st.Elem()
	}
	if st == nil || st.Kind() != reflect.Struct {
		return nil, ErrUnknownField
	}
	sf, ok := st.FieldByName(name)
	if !ok {
		return nil, ErrUnknownField
	}
	return &vm.Field{Name: name, DeclaringType: decl, Type: sf.Type, Index: sf.Index}, nil
}

// ---------------------------------------------------------------------------
// Storeys
// ---------------------------------------------------------------------------

func (l *linker) storey(s StoreyRef) (*vm.StoreyInfo, error) {
	info := &vm.StoreyInfo{
		FieldTypes: make([]int, len(s.FieldTypes)),
		CtorID:     int(s.CtorID),
		CtorParams: int(s.CtorParams),
		VTable:     make([]int, len(s.VTable)),
	}
	if err := l.methodID(s.CtorID); err != nil {
		return nil, err
	}
	if s.CtorParams < 0 {
		return nil, fmt.Errorf("constructor parameters %d: %w", s.CtorParams, ErrBadIndex)
	}
	for i, id := range s.FieldTypes {
		if id < 0 {
			info.FieldTypes[i] = vm.StoreyFieldObject
			continue
		}
		t, err := l.typ(id)
		if err != nil {
			return nil, fmt.Errorf("field %d: %w", i, err)
		}
		info.FieldTypes[i] = fieldMarker(t, int(id))
	}
	for i, id := range s.VTable {
		if err := l.methodID(id); err != nil {
			return nil, fmt.Errorf("vtable %d: %w", i, err)
		}
		info.VTable[i] = int(id)
	}

	for _, itf := range s.Interfaces {
		t, err := l.typ(itf.Interface)
		if err != nil {
			return nil, err
		}
		base, ok := l.h.interfaces[t]
		if !ok {
			return nil, fmt.Errorf("%s is not a registered interface: %w", t, ErrUnknownType)
		}
		if len(itf.Methods) != t.NumMethod() {
			return nil, fmt.Errorf("%w: %s has %d methods, storey binds %d", ErrSignature, t, t.NumMethod(), len(itf.Methods))
		}
		for j, id := range itf.Methods {
			if err := l.methodID(id); err != nil {
				return nil, err
			}
			slot := base + j
			for len(info.Slots) <= slot {
				info.Slots = append(info.Slots, -1)
			}
			info.Slots[slot] = int(id)
		}
	}
	return info, nil
}

// fieldMarker classifies a storey field of type t, extern type id.
func fieldMarker(t reflect.Type, id int) int {
	switch t.Kind() {
	case reflect.Bool, reflect.Int, reflect.Int8, reflect.Int16, reflect.Int32, reflect.Int64,
		reflect.Uint, reflect.Uint8, reflect.Uint16, reflect.Uint32, reflect.Uint64, reflect.Uintptr,
		reflect.Float32, reflect.Float64:
		return 0
	case reflect.Struct, reflect.Array:
		return id + 1
	}
	return vm.StoreyFieldObject
}

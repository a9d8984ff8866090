package patch

import (
	"errors"
	"fmt"
	"reflect"
	"strconv"
	"strings"
	"sync/atomic"

	"github.com/chazu/hotfix/vm"
	"github.com/sasha-s/go-deadlock"
)

// Constructor is the method name payloads use for constructors.
const Constructor = ".ctor"

// ---------------------------------------------------------------------------
// Host: the symbols a patch may bind to
// ---------------------------------------------------------------------------

// Host is the registry of host program symbols visible to patches. Types,
// functions, variables, interfaces and patch points are registered by
// name; the linker resolves payload references against it.
type Host struct {
	mu deadlock.RWMutex

	types      map[string]reflect.Type
	namespaces map[string]bool
	funcs      map[string]*vm.ExternMethod
	statics    map[string]*vm.Field
	interfaces map[reflect.Type]int
	nextSlot   int
	wrappers   map[string]WrappersFactory
	points     map[string]redirectable
}

// WrappersFactory builds the precompiled wrappers of a patch once its
// machine exists.
type WrappersFactory func(machine *vm.VirtualMachine) vm.Wrappers

var builtinTypes = map[string]reflect.Type{
	"bool":    reflect.TypeFor[bool](),
	"int":     reflect.TypeFor[int](),
	"int8":    reflect.TypeFor[int8](),
	"int16":   reflect.TypeFor[int16](),
	"int32":   reflect.TypeFor[int32](),
	"int64":   reflect.TypeFor[int64](),
	"uint":    reflect.TypeFor[uint](),
	"uint8":   reflect.TypeFor[uint8](),
	"uint16":  reflect.TypeFor[uint16](),
	"uint32":  reflect.TypeFor[uint32](),
	"uint64":  reflect.TypeFor[uint64](),
	"uintptr": reflect.TypeFor[uintptr](),
	"float32": reflect.TypeFor[float32](),
	"float64": reflect.TypeFor[float64](),
	"string":  reflect.TypeFor[string](),
	"error":   reflect.TypeFor[error](),
	"any":     reflect.TypeFor[any](),
	"byte":    reflect.TypeFor[byte](),
	"rune":    reflect.TypeFor[rune](),
}

// NewHost returns a registry holding only the builtin types.
func NewHost() *Host {
	h := &Host{
		types:      make(map[string]reflect.Type, len(builtinTypes)),
		namespaces: make(map[string]bool),
		funcs:      make(map[string]*vm.ExternMethod),
		statics:    make(map[string]*vm.Field),
		interfaces: make(map[reflect.Type]int),
		wrappers:   make(map[string]WrappersFactory),
		points:     make(map[string]redirectable),
	}
	for name, t := range builtinTypes {
		h.types[name] = t
	}
	return h
}

// Registration errors.
var (
	ErrDuplicate  = errors.New("already registered")
	ErrNotFunc    = errors.New("not a function")
	ErrNotPointer = errors.New("not a pointer")
)

func symbol(owner, name string) string {
	if owner == "" {
		return name
	}
	return owner + "." + name
}

// RegisterType makes t visible to patches as name.
func (h *Host) RegisterType(name string, t reflect.Type) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	if _, ok := h.types[name]; ok {
		return fmt.Errorf("type %s: %w", name, ErrDuplicate)
	}
	h.types[name] = t
	return nil
}

// Register makes T visible to patches as name.
func Register[T any](h *Host, name string) error {
	return h.RegisterType(name, reflect.TypeFor[T]())
}

// RegisterInterface registers an interface type and reserves one bridge
// slot per method, in the interface's sorted method order.
func (h *Host) RegisterInterface(name string, t reflect.Type) error {
	if t.Kind() != reflect.Interface {
		return fmt.Errorf("interface %s: %s is a %s", name, t, t.Kind())
	}
	if err := h.RegisterType(name, t); err != nil {
		return err
	}
	h.mu.Lock()
	defer h.mu.Unlock()
	h.interfaces[t] = h.nextSlot
	h.nextSlot += t.NumMethod()
	return nil
}

// Slot returns the bridge slot id of method name of interface t.
// Wrappers pass it to vm.CallSlot.
func (h *Host) Slot(t reflect.Type, name string) (int, bool) {
	h.mu.RLock()
	base, ok := h.interfaces[t]
	h.mu.RUnlock()
	if !ok {
		return 0, false
	}
	m, ok := t.MethodByName(name)
	if !ok {
		return 0, false
	}
	return base + m.Index, true
}

// RegisterFunc registers fn as function name of owner. Owner is a type
// name or a namespace such as a package name; an empty owner registers a
// top-level function. Generic instantiations are registered with their
// type arguments in the name, as in "Max[int32]".
func (h *Host) RegisterFunc(owner, name string, fn any) error {
	v := reflect.ValueOf(fn)
	if v.Kind() != reflect.Func {
		return fmt.Errorf("%s: %w", symbol(owner, name), ErrNotFunc)
	}
	return h.addFunc(owner, name, &vm.ExternMethod{Name: name, Func: v})
}

// RegisterConstructor registers fn as the constructor of type name. Fn
// returns the new value as its first result.
func (h *Host) RegisterConstructor(typeName string, fn any) error {
	v := reflect.ValueOf(fn)
	if v.Kind() != reflect.Func || v.Type().NumOut() == 0 {
		return fmt.Errorf("%s: %w", symbol(typeName, Constructor), ErrNotFunc)
	}
	h.mu.RLock()
	t := h.types[typeName]
	h.mu.RUnlock()
	return h.addFunc(typeName, Constructor, &vm.ExternMethod{
		Name:          Constructor,
		DeclaringType: t,
		Func:          v,
		Constructor:   true,
	})
}

// RegisterInvoker registers a precompiled adapter for function name of
// owner. Fn still describes the signature; the adapter replaces the
// reflection call.
func (h *Host) RegisterInvoker(owner, name string, fn any, inv vm.ExternInvoker) error {
	v := reflect.ValueOf(fn)
	if v.Kind() != reflect.Func {
		return fmt.Errorf("%s: %w", symbol(owner, name), ErrNotFunc)
	}
	return h.addFunc(owner, name, &vm.ExternMethod{Name: name, Func: v, Invoker: inv})
}

func (h *Host) addFunc(owner, name string, m *vm.ExternMethod) error {
	key := symbol(owner, name)
	h.mu.Lock()
	defer h.mu.Unlock()
	if _, ok := h.funcs[key]; ok {
		return fmt.Errorf("%s: %w", key, ErrDuplicate)
	}
	if owner != "" {
		if _, ok := h.types[owner]; !ok {
			h.namespaces[owner] = true
		}
	}
	h.funcs[key] = m
	return nil
}

// RegisterVar exposes the variable ptr points to as static field name of
// owner.
func (h *Host) RegisterVar(owner, name string, ptr any) error {
	v := reflect.ValueOf(ptr)
	if v.Kind() != reflect.Pointer || v.IsNil() {
		return fmt.Errorf("%s: %w", symbol(owner, name), ErrNotPointer)
	}
	return h.addStatic(owner, name, &vm.Field{Name: name, Type: v.Type().Elem(), Static: v.Elem()})
}

// RegisterConst exposes a read-only static whose value is computed by
// value on first use.
func (h *Host) RegisterConst(owner, name string, t reflect.Type, value func() any) error {
	return h.addStatic(owner, name, &vm.Field{Name: name, Type: t, ReadOnly: value})
}

func (h *Host) addStatic(owner, name string, f *vm.Field) error {
	key := symbol(owner, name)
	h.mu.Lock()
	defer h.mu.Unlock()
	if _, ok := h.statics[key]; ok {
		return fmt.Errorf("static %s: %w", key, ErrDuplicate)
	}
	if t, ok := h.types[owner]; ok {
		f.DeclaringType = t
	} else if owner != "" {
		h.namespaces[owner] = true
	}
	h.statics[key] = f
	return nil
}

// RegisterWrappers makes a wrappers factory available under name.
// Payloads name the factory they were built against.
func (h *Host) RegisterWrappers(name string, f WrappersFactory) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	if _, ok := h.wrappers[name]; ok {
		return fmt.Errorf("wrappers %s: %w", name, ErrDuplicate)
	}
	h.wrappers[name] = f
	return nil
}

// ---------------------------------------------------------------------------
// Type names
// ---------------------------------------------------------------------------

// Type resolves a type name. Pointer, slice, array and map types are
// composed from registered names: "*T", "[]T", "[4]T", "map[K]V".
func (h *Host) Type(name string) (reflect.Type, bool) {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return h.typeLocked(name)
}

func (h *Host) typeLocked(name string) (reflect.Type, bool) {
	if t, ok := h.types[name]; ok {
		return t, true
	}
	switch {
	case strings.HasPrefix(name, "*"):
		if t, ok := h.typeLocked(name[1:]); ok {
			return reflect.PointerTo(t), true
		}
	case strings.HasPrefix(name, "[]"):
		if t, ok := h.typeLocked(name[2:]); ok {
			return reflect.SliceOf(t), true
		}
	case strings.HasPrefix(name, "["):
		end := strings.IndexByte(name, ']')
		if end < 0 {
			return nil, false
		}
		n, err := strconv.Atoi(name[1:end])
		if err != nil || n < 0 {
			return nil, false
		}
		if t, ok := h.typeLocked(name[end+1:]); ok {
			return reflect.ArrayOf(n, t), true
		}
	case strings.HasPrefix(name, "map["):
		end := closingBracket(name, 3)
		if end < 0 {
			return nil, false
		}
		k, ok := h.typeLocked(name[4:end])
		if !ok || !k.Comparable() {
			return nil, false
		}
		if v, ok := h.typeLocked(name[end+1:]); ok {
			return reflect.MapOf(k, v), true
		}
	}
	return nil, false
}

// closingBracket returns the index of the bracket matching the one at
// open, or -1.
func closingBracket(s string, open int) int {
	depth := 0
	for i := open; i < len(s); i++ {
		switch s[i] {
		case '[':
			depth++
		case ']':
			depth--
			if depth == 0 {
				return i
			}
		}
	}
	return -1
}

// ---------------------------------------------------------------------------
// Patch points
// ---------------------------------------------------------------------------

type redirectable interface {
	funcType() reflect.Type
	install(fn reflect.Value) func()
}

// Point is a host function that a patch can redirect. The host consults
// Get at the top of the function and calls the replacement when present.
type Point[F any] struct {
	name string
	fn   atomic.Pointer[F]
}

// NewPoint registers a patch point of func type F.
func NewPoint[F any](h *Host, name string) (*Point[F], error) {
	if reflect.TypeFor[F]().Kind() != reflect.Func {
		return nil, fmt.Errorf("patch point %s: %w", name, ErrNotFunc)
	}
	p := &Point[F]{name: name}
	h.mu.Lock()
	defer h.mu.Unlock()
	if _, ok := h.points[name]; ok {
		return nil, fmt.Errorf("patch point %s: %w", name, ErrDuplicate)
	}
	h.points[name] = p
	return p, nil
}

// Name returns the name patches use for p.
func (p *Point[F]) Name() string { return p.name }

// Get returns the installed replacement, if any.
func (p *Point[F]) Get() (F, bool) {
	if f := p.fn.Load(); f != nil {
		return *f, true
	}
	var zero F
	return zero, false
}

func (p *Point[F]) funcType() reflect.Type { return reflect.TypeFor[F]() }

// install switches p to fn. The returned func restores p unless another
// patch has replaced fn in the meantime.
func (p *Point[F]) install(fn reflect.Value) func() {
	f := fn.Interface().(F)
	ptr := &f
	p.fn.Store(ptr)
	return func() { p.fn.CompareAndSwap(ptr, nil) }
}

func (h *Host) point(name string) (redirectable, bool) {
	h.mu.RLock()
	defer h.mu.RUnlock()
	p, ok := h.points[name]
	return p, ok
}

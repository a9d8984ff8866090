package vm

import (
	"fmt"
	"reflect"
	"slices"
	"strings"
	"sync/atomic"

	"github.com/sasha-s/go-deadlock"
	"github.com/tliron/commonlog"
)

var log = commonlog.GetLogger("hotfix.vm")

// ---------------------------------------------------------------------------
// Program: the resolved tables of one patch
// ---------------------------------------------------------------------------

// Program holds everything a machine executes. Operands in the bytecode
// index into these tables.
type Program struct {
	Methods       []*Method
	ExternTypes   []reflect.Type
	ExternMethods []*ExternMethod
	Strings       []string
	Fields        []*Field
	Statics       []Static
	Storeys       []*StoreyInfo
	Wrappers      Wrappers
}

// ---------------------------------------------------------------------------
// VirtualMachine
// ---------------------------------------------------------------------------

// VirtualMachine executes the methods of one loaded patch. A machine is
// immutable after New apart from its caches and patch statics, and may be
// used from any number of goroutines; each goroutine runs on its own
// execution context.
type VirtualMachine struct {
	methods       []*Method
	externTypes   []reflect.Type
	externMethods []*ExternMethod
	invokers      []atomic.Pointer[ExternInvoker]
	strings       []string
	fields        []*Field
	storeys       []*StoreyInfo
	wrappers      Wrappers

	// patch statics and the class initializer guarding each one
	statics []reflect.Value
	cctors  []int
	cctorMu deadlock.Mutex

	newFields newFieldTable
	overrides overrideCache
	readOnlyCache
}

// New validates p and builds a machine for it. Methods are copied, so p
// is left as it was.
func New(p *Program) (*VirtualMachine, error) {
	methods := make([]*Method, len(p.Methods))
	for i, m := range p.Methods {
		if m == nil {
			continue
		}
		if _, _, err := m.Frame(); err != nil {
			return nil, fmt.Errorf("method %d: %w", i, err)
		}
		c := &Method{Code: m.Code, Handlers: slices.Clone(m.Handlers)}
		for j := range c.Handlers {
			h := &c.Handlers[j]
			switch h.Kind {
			case HandlerCatch:
			case HandlerFinally, HandlerFault:
				continue
			default:
				return nil, fmt.Errorf("method %d handler %d: %s handlers are not supported: %w", i, j, h.Kind, ErrInvalidProgram)
			}
			if h.CatchType != nil || h.CatchTypeID == CatchAll {
				continue
			}
			if int(h.CatchTypeID) < 0 || int(h.CatchTypeID) >= len(p.ExternTypes) {
				return nil, fmt.Errorf("method %d handler %d: catch type %d: %w", i, j, h.CatchTypeID, ErrInvalidProgram)
			}
			h.CatchType = p.ExternTypes[h.CatchTypeID]
		}
		methods[i] = c
	}

	vm := &VirtualMachine{
		methods:       methods,
		externTypes:   p.ExternTypes,
		externMethods: p.ExternMethods,
		invokers:      make([]atomic.Pointer[ExternInvoker], len(p.ExternMethods)),
		strings:       p.Strings,
		fields:        p.Fields,
		storeys:       p.Storeys,
		wrappers:      p.Wrappers,
		statics:       make([]reflect.Value, len(p.Statics)),
		cctors:        make([]int, len(p.Statics)),
	}
	vm.readOnly = make(map[int]reflect.Value)
	for i, st := range p.Statics {
		if st.Type == nil {
			return nil, fmt.Errorf("static %d has no type: %w", i, ErrInvalidProgram)
		}
		vm.statics[i] = reflect.New(st.Type).Elem()
		vm.cctors[i] = st.Cctor
	}
	return vm, nil
}

func (vm *VirtualMachine) method(id int) *Method {
	if id < 0 || id >= len(vm.methods) || vm.methods[id] == nil {
		invalidProgram("method %d out of range", id)
	}
	return vm.methods[id]
}

func (vm *VirtualMachine) externType(id int) reflect.Type {
	if id < 0 || id >= len(vm.externTypes) || vm.externTypes[id] == nil {
		invalidProgram("extern type %d out of range", id)
	}
	return vm.externTypes[id]
}

func (vm *VirtualMachine) internString(id int) string {
	if id < 0 || id >= len(vm.strings) {
		invalidProgram("string %d out of range", id)
	}
	return vm.strings[id]
}

// NumMethods returns the size of the method table.
func (vm *VirtualMachine) NumMethods() int { return len(vm.methods) }

// Static returns the current value of patch static idx without running
// its class initializer.
func (vm *VirtualMachine) Static(idx int) any {
	return vm.statics[idx].Interface()
}

// ---------------------------------------------------------------------------
// Host entry points
// ---------------------------------------------------------------------------

// rethrowForHost converts the internal integrity marker into the
// *IntegrityError host code observes. It must be deferred directly.
func rethrowForHost() {
	if r := recover(); r != nil {
		if f, ok := r.(*integrityFault); ok {
			panic(f.real)
		}
		panic(r)
	}
}

// Execute runs method methodID on the calling goroutine's context with
// argc arguments already stored at argBase and returns the new top. The
// result, if any, is left at argBase. Faults propagate as panics.
func (vm *VirtualMachine) Execute(methodID, argBase, argc int) int {
	defer rethrowForHost()
	return vm.execute(CurrentStack(), methodID, argBase, argc, 0, true)
}

// ExecuteCall runs method methodID on the arguments pushed to call. The
// first refCount slots of the call hold values referenced by by-reference
// arguments; the method's argc arguments follow them and its result is
// read with call.Result(refCount, t).
func (vm *VirtualMachine) ExecuteCall(call *Call, methodID, argc, refCount int) {
	defer rethrowForHost()
	call.vm = vm
	call.top = vm.execute(call.stack, methodID, call.argBase+refCount, argc, refCount, true)
}

// call runs methodID with host arguments and converts the result to
// result. A nil result type discards the return value. Faults propagate.
func (vm *VirtualMachine) call(methodID int, args []reflect.Value, result reflect.Type) reflect.Value {
	defer rethrowForHost()
	c := BeginCall()
	c.vm = vm
	defer c.End()
	for _, a := range args {
		c.PushValue(a)
	}
	c.top = vm.execute(c.stack, methodID, c.argBase, len(args), 0, true)
	if result == nil {
		return reflect.Value{}
	}
	if c.top == c.argBase {
		return reflect.Zero(result)
	}
	return vm.toHost(c.stack, c.argBase, result)
}

// invoke is call with faults returned as errors.
func (vm *VirtualMachine) invoke(methodID int, args []reflect.Value, result reflect.Type) (v reflect.Value, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = faultError(r)
		}
	}()
	return vm.call(methodID, args, result), nil
}

func hostArgs(args []any) []reflect.Value {
	in := make([]reflect.Value, len(args))
	for i, a := range args {
		in[i] = reflect.ValueOf(a)
	}
	return in
}

// Invoke runs methodID with the given arguments and returns its result in
// its natural Go type (nil for methods without a result). Faults are
// returned as errors.
func (vm *VirtualMachine) Invoke(methodID int, args ...any) (any, error) {
	out, err := vm.invoke(methodID, hostArgs(args), typeAny)
	if err != nil {
		return nil, err
	}
	return out.Interface(), nil
}

// InvokeAsClosure runs methodID with anon, the closure object, as its
// first argument.
func (vm *VirtualMachine) InvokeAsClosure(methodID int, anon any, args ...any) (any, error) {
	all := make([]any, 0, len(args)+1)
	all = append(all, anon)
	all = append(all, args...)
	return vm.Invoke(methodID, all...)
}

// Statistics reports the size of the machine's tables and caches.
func (vm *VirtualMachine) Statistics() string {
	invokers := 0
	for i := range vm.invokers {
		if vm.invokers[i].Load() != nil {
			invokers++
		}
	}
	vm.readOnlyMu.Lock()
	readOnly := len(vm.readOnly)
	vm.readOnlyMu.Unlock()

	var sb strings.Builder
	row := func(name string, n int) {
		fmt.Fprintf(&sb, "%-16s %d\n", name+":", n)
	}
	row("methods", len(vm.methods))
	row("externTypes", len(vm.externTypes))
	row("externMethods", len(vm.externMethods))
	row("externInvokers", invokers)
	row("strings", len(vm.strings))
	row("fields", len(vm.fields))
	row("newFields", vm.newFields.len())
	row("readOnlyStatics", readOnly)
	row("statics", len(vm.statics))
	row("storeys", len(vm.storeys))
	row("overrideCache", vm.overrides.len())
	row("stacks", int(stackCount.Load()))
	row("stacksCreated", int(stacksMade.Load()))
	return sb.String()
}

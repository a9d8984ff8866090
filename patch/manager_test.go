package patch

import (
	"bytes"
	"errors"
	"fmt"
	"reflect"
	"testing"

	"github.com/chazu/hotfix/vm"
)

type greetFunc = func(string) string

// greeterHost registers a Greet patch point and returns the host function
// consulting it.
func greeterHost(t *testing.T) (*Host, greetFunc) {
	t.Helper()
	h := testHost(t)
	pt, err := NewPoint[greetFunc](h, "Greet")
	if err != nil {
		t.Fatal(err)
	}
	greet := func(name string) string {
		if f, ok := pt.Get(); ok {
			return f(name)
		}
		return "hello " + name
	}
	return h, greet
}

// upperPayload redirects Greet to strings.ToUpper(arg0).
func upperPayload() *Payload {
	m := vm.NewBuilder(0, 1).
		Emit(vm.OpLdarg, 0).
		Call(vm.OpCallExtern, 1, 0).
		Emit(vm.OpRet, 1).
		MustBuild()
	return &Payload{
		ExternTypes:   []string{"strings", "string"},
		Methods:       []*vm.Method{m},
		ExternMethods: []MethodRef{{DeclaringType: 0, Name: "ToUpper", Params: []Param{{Type: 1}}}},
		Target:        "greeter",
		Redirects:     []Redirect{{Point: "Greet", MethodID: 0}},
	}
}

// constPayload redirects Greet to a method returning s.
func constPayload(s string) *Payload {
	m := vm.NewBuilder(0, 1).
		Emit(vm.OpLdstr, 0).
		Emit(vm.OpRet, 1).
		MustBuild()
	return &Payload{
		Methods:   []*vm.Method{m},
		Strings:   []string{s},
		Target:    "greeter",
		Redirects: []Redirect{{Point: "Greet", MethodID: 0}},
	}
}

func TestLoadAndUnload(t *testing.T) {
	h, greet := greeterHost(t)
	m := NewManager(h)

	p, err := m.Load(bytes.NewReader(upperPayload().Bytes()))
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if got := greet("bob"); got != "BOB" {
		t.Errorf("patched greet = %q, want BOB", got)
	}
	if got, ok := m.Get("greeter"); !ok || got != p {
		t.Error("Get does not return the loaded patch")
	}

	if !m.Unload("greeter") {
		t.Fatal("Unload reported nothing loaded")
	}
	if got := greet("bob"); got != "hello bob" {
		t.Errorf("restored greet = %q", got)
	}
	if m.Unload("greeter") {
		t.Error("second Unload reported a patch")
	}
	if len(m.Loaded()) != 0 {
		t.Errorf("Loaded = %v", m.Loaded())
	}
}

func TestLoadReplacesTarget(t *testing.T) {
	h, greet := greeterHost(t)
	m := NewManager(h)
	first, err := m.LoadPayload(constPayload("first"))
	if err != nil {
		t.Fatal(err)
	}
	second, err := m.LoadPayload(constPayload("second"))
	if err != nil {
		t.Fatal(err)
	}
	if first.ID == second.ID {
		t.Error("patches share an id")
	}
	if got := greet("x"); got != "second" {
		t.Errorf("greet = %q, want second", got)
	}
	if n := len(m.Loaded()); n != 1 {
		t.Errorf("%d patches loaded, want 1", n)
	}
	m.Unload("greeter")
	if got := greet("x"); got != "hello x" {
		t.Errorf("greet after unload = %q", got)
	}
}

func TestUnloadKeepsNewerRedirect(t *testing.T) {
	h, greet := greeterHost(t)
	m := NewManager(h)
	a := constPayload("a")
	a.Target = "a"
	b := constPayload("b")
	b.Target = "b"
	for _, p := range []*Payload{a, b} {
		if _, err := m.LoadPayload(p); err != nil {
			t.Fatal(err)
		}
	}
	m.Unload("a")
	if got := greet("x"); got != "b" {
		t.Errorf("greet = %q, want b", got)
	}
	m.UnloadAll()
	if got := greet("x"); got != "hello x" {
		t.Errorf("greet after UnloadAll = %q", got)
	}
}

func TestFailedLoadInstallsNothing(t *testing.T) {
	h, greet := greeterHost(t)
	m := NewManager(h)
	if _, err := m.LoadPayload(constPayload("kept")); err != nil {
		t.Fatal(err)
	}
	bad := upperPayload()
	bad.ExternMethods[0].Name = "ToTitle"
	if _, err := m.LoadPayload(bad); !errors.Is(err, ErrUnknownMethod) {
		t.Fatalf("err = %v, want ErrUnknownMethod", err)
	}
	if got := greet("x"); got != "kept" {
		t.Errorf("greet = %q, want kept", got)
	}

	if _, err := m.Load(bytes.NewReader([]byte("garbage!"))); !errors.Is(err, ErrBadMagic) {
		t.Errorf("garbage: err = %v, want ErrBadMagic", err)
	}
}

func TestFaultReachesHost(t *testing.T) {
	h, greet := greeterHost(t)
	m := NewManager(h)
	throws := vm.NewBuilder(0, 1).
		Emit(vm.OpLdarg, 0).
		Op(vm.OpThrow).
		MustBuild()
	_, err := m.LoadPayload(&Payload{
		Methods:   []*vm.Method{throws},
		Target:    "greeter",
		Redirects: []Redirect{{Point: "Greet", MethodID: 0}},
	})
	if err != nil {
		t.Fatal(err)
	}
	defer func() {
		if r := recover(); r != "boom" {
			t.Errorf("recovered %v, want boom", r)
		}
	}()
	greet("boom")
	t.Error("greet returned")
}

// ---------------------------------------------------------------------------
// Wrappers
// ---------------------------------------------------------------------------

type stringerBridge struct {
	a    *vm.AnonymousStorey
	slot int
}

func (b *stringerBridge) Storey() *vm.AnonymousStorey { return b.a }

func (b *stringerBridge) String() string { return vm.CallSlot[string](b, b.slot) }

type testWrappers struct {
	slot      int
	delegates int
}

func (w *testWrappers) CreateBridge(a *vm.AnonymousStorey) vm.Bridge {
	return &stringerBridge{a: a, slot: w.slot}
}

func (w *testWrappers) CreateDelegate(t reflect.Type, methodID int, target any) any {
	if t != reflect.TypeFor[greetFunc]() {
		return nil
	}
	w.delegates++
	return greetFunc(func(name string) string { return "wrapped " + name })
}

func TestBridgeThroughWrappers(t *testing.T) {
	h, greet := greeterHost(t)
	slot, ok := h.Slot(reflect.TypeFor[fmt.Stringer](), "String")
	if !ok {
		t.Fatal("Stringer has no String slot")
	}
	w := &testWrappers{slot: slot}
	var built *vm.VirtualMachine
	err := h.RegisterWrappers("test", func(machine *vm.VirtualMachine) vm.Wrappers {
		built = machine
		return w
	})
	if err != nil {
		t.Fatal(err)
	}

	p := &Payload{
		Bridge:      "test",
		ExternTypes: []string{"Stringer"},
		Methods: []*vm.Method{
			vm.NewBuilder(0, 1).Emit(vm.OpRet, 0).MustBuild(),
			vm.NewBuilder(0, 1).Emit(vm.OpLdstr, 0).Emit(vm.OpRet, 1).MustBuild(),
			vm.NewBuilder(0, 1).Emit(vm.OpNewanon, 0).Emit(vm.OpRet, 1).MustBuild(),
		},
		Strings: []string{"bridged"},
		Storeys: []StoreyRef{{
			CtorID:     0,
			Interfaces: []InterfaceSlots{{Interface: 0, Methods: []int32{1}}},
		}},
		Target:    "bridge",
		Redirects: []Redirect{{Point: "Greet", MethodID: 1}},
	}
	patch, err := NewManager(h).LoadPayload(p)
	if err != nil {
		t.Fatal(err)
	}
	if built != patch.Machine {
		t.Error("wrappers factory saw another machine")
	}

	obj, err := patch.Machine.Invoke(2)
	if err != nil {
		t.Fatal(err)
	}
	s, ok := obj.(fmt.Stringer)
	if !ok {
		t.Fatalf("closure is %T, not a fmt.Stringer", obj)
	}
	if got := s.String(); got != "bridged" {
		t.Errorf("String() = %q", got)
	}

	if got := greet("ann"); got != "wrapped ann" || w.delegates != 1 {
		t.Errorf("greet = %q after %d delegates, want precompiled func", got, w.delegates)
	}
}

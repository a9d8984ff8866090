package vm

import (
	"errors"
	"reflect"
	"strings"
	"sync"
	"testing"
)

// ---------------------------------------------------------------------------
// Helpers
// ---------------------------------------------------------------------------

func newVM(t *testing.T, p *Program) *VirtualMachine {
	t.Helper()
	vm, err := New(p)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	return vm
}

func invoke(t *testing.T, vm *VirtualMachine, id int, args ...any) any {
	t.Helper()
	got, err := vm.Invoke(id, args...)
	if err != nil {
		t.Fatalf("Invoke(%d): %v", id, err)
	}
	return got
}

// checkClean verifies the calling goroutine's context holds nothing after
// a host call returned.
func checkClean(t *testing.T) {
	t.Helper()
	s := CurrentStack()
	defer ReleaseStack()
	if s.Top() != 0 {
		t.Errorf("stack top = %d after return, want 0", s.Top())
	}
	if n := s.LiveManaged(0, s.Size()); n != 0 {
		t.Errorf("%d live managed slots after return", n)
	}
}

func addMethod() *Method {
	return NewBuilder(0, 2).
		Emit(OpLdarg, 0).
		Emit(OpLdarg, 1).
		Op(OpAdd).
		Emit(OpRet, 1).
		MustBuild()
}

// ---------------------------------------------------------------------------
// Basic execution
// ---------------------------------------------------------------------------

func TestAdd(t *testing.T) {
	vm := newVM(t, &Program{Methods: []*Method{addMethod()}})
	if got := invoke(t, vm, 0, int32(4), int32(6)); got != int32(10) {
		t.Errorf("add(4, 6) = %v, want 10", got)
	}
	checkClean(t)
}

func TestExecuteLowLevel(t *testing.T) {
	vm := newVM(t, &Program{Methods: []*Method{addMethod()}})
	s := CurrentStack()
	defer ReleaseStack()
	base := s.Top()
	s.setPrimitive(base, IntValue(40))
	s.setPrimitive(base+1, IntValue(2))

	top := vm.Execute(0, base, 2)
	if top != base+1 {
		t.Fatalf("Execute returned top %d, want %d", top, base+1)
	}
	if got := s.Slot(base); got != IntValue(42) {
		t.Errorf("result slot = %v, want 42", got)
	}
}

func TestExecuteCall(t *testing.T) {
	vm := newVM(t, &Program{Methods: []*Method{addMethod()}})
	c := BeginCall()
	c.PushInt32(40)
	c.PushInt32(2)
	vm.ExecuteCall(&c, 0, 2, 0)
	got, err := c.Result(0, reflect.TypeFor[int32]())
	c.End()
	if err != nil {
		t.Fatal(err)
	}
	if got.Int() != 42 {
		t.Errorf("result = %d, want 42", got.Int())
	}
	checkClean(t)
}

func TestExecuteCallByReference(t *testing.T) {
	// inc(ref int x) { x = x + 1 }
	inc := NewBuilder(0, 3).
		Emit(OpLdarg, 0).
		Emit(OpLdarg, 0).
		Op(OpLdindI4).
		Emit(OpLdcI4, 1).
		Op(OpAdd).
		Op(OpStindI4).
		Emit(OpRet, 0).
		MustBuild()
	vm := newVM(t, &Program{Methods: []*Method{inc}})

	c := BeginCall()
	c.PushInt32(5)
	c.PushReference(0)
	vm.ExecuteCall(&c, 0, 1, 1)
	got := c.GetInt32(0)
	c.End()
	if got != 6 {
		t.Errorf("referenced value = %d, want 6", got)
	}
	checkClean(t)
}

func TestLoopSum(t *testing.T) {
	// sum(n): s = 0; for i = 0; i < n; i++ { s += 1 + 2 }; return s
	m := NewBuilder(2, 3).
		Branch(OpBr, "cond").
		Label("body").
		Emit(OpLdloc, 1).
		Emit(OpLdcI4, 1).
		Emit(OpLdcI4, 2).
		Op(OpAdd).
		Op(OpAdd).
		Emit(OpStloc, 1).
		Emit(OpLdloc, 0).
		Emit(OpLdcI4, 1).
		Op(OpAdd).
		Emit(OpStloc, 0).
		Label("cond").
		Emit(OpLdloc, 0).
		Emit(OpLdarg, 0).
		Branch(OpBlt, "body").
		Emit(OpLdloc, 1).
		Emit(OpRet, 1).
		MustBuild()
	vm := newVM(t, &Program{Methods: []*Method{m}})

	for _, tt := range []struct{ n, want int32 }{{0, 0}, {1, 3}, {5, 15}, {100, 300}} {
		if got := invoke(t, vm, 0, tt.n); got != tt.want {
			t.Errorf("sum(%d) = %v, want %d", tt.n, got, tt.want)
		}
	}
	checkClean(t)
}

func TestConstants(t *testing.T) {
	tests := []struct {
		name string
		emit func(b *Builder)
		want any
	}{
		{"i4", func(b *Builder) { b.Emit(OpLdcI4, -5) }, int32(-5)},
		{"i8", func(b *Builder) { b.LdcI8(1 << 40) }, int64(1 << 40)},
		{"r4", func(b *Builder) { b.LdcR4(1.5) }, float32(1.5)},
		{"r8", func(b *Builder) { b.LdcR8(-0.25) }, -0.25},
		{"str", func(b *Builder) { b.Emit(OpLdstr, 1) }, "world"},
		{"null", func(b *Builder) { b.Op(OpLdnull) }, nil},
		{"type", func(b *Builder) { b.Emit(OpLdtype, 0) }, reflect.TypeFor[int32]()},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			b := NewBuilder(0, 1)
			tt.emit(b)
			m := b.Emit(OpRet, 1).MustBuild()
			vm := newVM(t, &Program{
				Methods:     []*Method{m},
				Strings:     []string{"hello", "world"},
				ExternTypes: []reflect.Type{reflect.TypeFor[int32]()},
			})
			if got := invoke(t, vm, 0); got != tt.want {
				t.Errorf("got %v (%T), want %v", got, got, tt.want)
			}
		})
	}
}

func TestCompareOpcodes(t *testing.T) {
	tests := []struct {
		op   Code
		a, b int32
		want int32
	}{
		{OpCeq, 3, 3, 1},
		{OpCeq, 3, 4, 0},
		{OpClt, -1, 0, 1},
		{OpCltUn, -1, 0, 0},
		{OpCgt, 5, 2, 1},
		{OpCgtUn, -1, 0, 1},
	}
	for _, tt := range tests {
		m := NewBuilder(0, 2).
			Emit(OpLdarg, 0).
			Emit(OpLdarg, 1).
			Op(tt.op).
			Emit(OpRet, 1).
			MustBuild()
		vm := newVM(t, &Program{Methods: []*Method{m}})
		if got := invoke(t, vm, 0, tt.a, tt.b); got != tt.want {
			t.Errorf("%s(%d, %d) = %v, want %d", tt.op, tt.a, tt.b, got, tt.want)
		}
	}
}

func TestSwitch(t *testing.T) {
	m := NewBuilder(0, 1).
		Emit(OpLdarg, 0).
		Switch("zero", "one", "two").
		Emit(OpLdcI4, 99).
		Emit(OpRet, 1).
		Label("zero").
		Emit(OpLdcI4, 10).
		Emit(OpRet, 1).
		Label("one").
		Emit(OpLdcI4, 20).
		Emit(OpRet, 1).
		Label("two").
		Emit(OpLdcI4, 30).
		Emit(OpRet, 1).
		MustBuild()
	vm := newVM(t, &Program{Methods: []*Method{m}})
	for in, want := range map[int32]int32{0: 10, 1: 20, 2: 30, 3: 99, -1: 99} {
		if got := invoke(t, vm, 0, in); got != want {
			t.Errorf("switch(%d) = %v, want %d", in, got, want)
		}
	}
}

func TestBrtrueOnObjects(t *testing.T) {
	// isSet(o) returns 1 when o is not nil
	m := NewBuilder(0, 1).
		Emit(OpLdarg, 0).
		Branch(OpBrtrue, "set").
		Emit(OpLdcI4, 0).
		Emit(OpRet, 1).
		Label("set").
		Emit(OpLdcI4, 1).
		Emit(OpRet, 1).
		MustBuild()
	vm := newVM(t, &Program{Methods: []*Method{m}})
	if got := invoke(t, vm, 0, &point{}); got != int32(1) {
		t.Errorf("isSet(&point{}) = %v", got)
	}
	if got := invoke(t, vm, 0, nil); got != int32(0) {
		t.Errorf("isSet(nil) = %v", got)
	}
}

func TestCallAndRecursion(t *testing.T) {
	// fib(n) = n < 2 ? n : fib(n-1) + fib(n-2)
	fib := NewBuilder(0, 3).
		Emit(OpLdarg, 0).
		Emit(OpLdcI4, 2).
		Branch(OpBge, "rec").
		Emit(OpLdarg, 0).
		Emit(OpRet, 1).
		Label("rec").
		Emit(OpLdarg, 0).
		Emit(OpLdcI4, 1).
		Op(OpSub).
		Call(OpCall, 1, 0).
		Emit(OpLdarg, 0).
		Emit(OpLdcI4, 2).
		Op(OpSub).
		Call(OpCall, 1, 0).
		Op(OpAdd).
		Emit(OpRet, 1).
		MustBuild()
	vm := newVM(t, &Program{Methods: []*Method{fib}})
	if got := invoke(t, vm, 0, int32(15)); got != int32(610) {
		t.Errorf("fib(15) = %v, want 610", got)
	}
	checkClean(t)
}

func TestStargStloc(t *testing.T) {
	// x = x * 2; y = x; y++; return y
	m := NewBuilder(1, 3).
		Emit(OpLdarg, 0).
		Emit(OpLdcI4, 2).
		Op(OpMul).
		Emit(OpStarg, 0).
		Emit(OpLdarga, 0).
		Op(OpLdindI4).
		Emit(OpStloc, 0).
		Emit(OpLdloca, 0).
		Op(OpDup).
		Op(OpLdindI4).
		Emit(OpLdcI4, 1).
		Op(OpAdd).
		Op(OpStindI4).
		Emit(OpLdloc, 0).
		Emit(OpRet, 1).
		MustBuild()
	vm := newVM(t, &Program{Methods: []*Method{m}})
	if got := invoke(t, vm, 0, int32(21)); got != int32(43) {
		t.Errorf("got %v, want 43", got)
	}
}

func TestLocalsAreZeroed(t *testing.T) {
	dirty := NewBuilder(1, 1).
		Emit(OpLdcI4, 77).
		Emit(OpStloc, 0).
		Emit(OpRet, 0).
		MustBuild()
	read := NewBuilder(1, 1).
		Emit(OpLdloc, 0).
		Emit(OpRet, 1).
		MustBuild()
	vm := newVM(t, &Program{Methods: []*Method{dirty, read}})
	invoke(t, vm, 0)
	if got := invoke(t, vm, 1); got != int32(0) {
		t.Errorf("fresh local = %v, want 0", got)
	}
}

// ---------------------------------------------------------------------------
// Arrays and boxing
// ---------------------------------------------------------------------------

func TestArrays(t *testing.T) {
	// a := make([]int32, 3); a[1] = 42; return a[1] + len(a)
	m := NewBuilder(1, 3).
		Emit(OpLdcI4, 3).
		Emit(OpNewarr, 0).
		Emit(OpStloc, 0).
		Emit(OpLdloc, 0).
		Emit(OpLdcI4, 1).
		Emit(OpLdcI4, 42).
		Op(OpStelemI4).
		Emit(OpLdloc, 0).
		Emit(OpLdcI4, 1).
		Op(OpLdelemI4).
		Emit(OpLdloc, 0).
		Op(OpLdlen).
		Op(OpAdd).
		Emit(OpRet, 1).
		MustBuild()
	outOfRange := NewBuilder(0, 2).
		Emit(OpLdarg, 0).
		Emit(OpLdcI4, 5).
		Op(OpLdelemI4).
		Emit(OpRet, 1).
		MustBuild()
	elemRef := NewBuilder(0, 3).
		Emit(OpLdarg, 0).
		Emit(OpLdcI4, 2).
		Emit(OpLdelema, 0).
		Emit(OpLdcI4, 9).
		Op(OpStindI4).
		Emit(OpRet, 0).
		MustBuild()
	vm := newVM(t, &Program{
		Methods:     []*Method{m, outOfRange, elemRef},
		ExternTypes: []reflect.Type{reflect.TypeFor[int32]()},
	})

	if got := invoke(t, vm, 0); got != int32(45) {
		t.Errorf("got %v, want 45", got)
	}

	_, err := vm.Invoke(1, []int32{1, 2})
	var ie *IndexOutOfRangeError
	if !errors.As(err, &ie) || ie.Index != 5 || ie.Length != 2 {
		t.Errorf("out of range access returned %v", err)
	}

	arr := []int32{0, 0, 0}
	invoke(t, vm, 2, arr)
	if arr[2] != 9 {
		t.Errorf("store through element reference: %v", arr)
	}
	checkClean(t)
}

func TestBoxUnbox(t *testing.T) {
	types := []reflect.Type{reflect.TypeFor[int32](), reflect.TypeFor[point](), reflect.TypeFor[string]()}
	roundTrip := NewBuilder(0, 1).
		Emit(OpLdarg, 0).
		Emit(OpBox, 0).
		Emit(OpUnboxAny, 0).
		Emit(OpRet, 1).
		MustBuild()
	badUnbox := NewBuilder(0, 1).
		Emit(OpLdarg, 0).
		Emit(OpUnboxAny, 0).
		Emit(OpRet, 1).
		MustBuild()
	structBox := NewBuilder(0, 1).
		Emit(OpLdarg, 0).
		Emit(OpBox, 1).
		Emit(OpIsinst, 1).
		Emit(OpUnboxAny, 1).
		Emit(OpRet, 1).
		MustBuild()
	isString := NewBuilder(0, 1).
		Emit(OpLdarg, 0).
		Emit(OpIsinst, 2).
		Emit(OpRet, 1).
		MustBuild()
	castString := NewBuilder(0, 1).
		Emit(OpLdarg, 0).
		Emit(OpCastclass, 2).
		Emit(OpRet, 1).
		MustBuild()
	vm := newVM(t, &Program{
		Methods:     []*Method{roundTrip, badUnbox, structBox, isString, castString},
		ExternTypes: types,
	})

	if got := invoke(t, vm, 0, int32(7)); got != int32(7) {
		t.Errorf("box/unbox = %v", got)
	}

	_, err := vm.Invoke(1, "seven")
	var ce *InvalidCastError
	if !errors.As(err, &ce) {
		t.Errorf("unbox of a string returned %v", err)
	}
	_, err = vm.Invoke(1, nil)
	var ne *NullReferenceError
	if !errors.As(err, &ne) {
		t.Errorf("unbox of nil returned %v", err)
	}

	if got := invoke(t, vm, 2, point{1, 2}); got != (point{1, 2}) {
		t.Errorf("struct box round trip = %v", got)
	}

	if got := invoke(t, vm, 3, "s"); got != "s" {
		t.Errorf("isinst string on string = %v", got)
	}
	if got := invoke(t, vm, 3, &point{}); got != nil {
		t.Errorf("isinst string on *point = %v", got)
	}

	if got := invoke(t, vm, 4, nil); got != nil {
		t.Errorf("castclass nil = %v", got)
	}
	_, err = vm.Invoke(4, &point{})
	if !errors.As(err, &ce) {
		t.Errorf("castclass *point to string returned %v", err)
	}
}

// ---------------------------------------------------------------------------
// Concurrency
// ---------------------------------------------------------------------------

func TestConcurrentInvoke(t *testing.T) {
	vm := newVM(t, &Program{Methods: []*Method{addMethod()}})
	var wg sync.WaitGroup
	errs := make(chan error, 8)
	for g := 0; g < 8; g++ {
		wg.Add(1)
		go func(g int32) {
			defer wg.Done()
			defer ReleaseStack()
			for i := int32(0); i < 500; i++ {
				got, err := vm.Invoke(0, g, i)
				if err != nil {
					errs <- err
					return
				}
				if got != g+i {
					errs <- errors.New("wrong sum")
					return
				}
			}
		}(int32(g))
	}
	wg.Wait()
	close(errs)
	for err := range errs {
		t.Error(err)
	}
}

func TestContextsReturnedWhenGoroutinesExit(t *testing.T) {
	vm := newVM(t, &Program{Methods: []*Method{addMethod()}})
	before := BoundStacks()
	var wg sync.WaitGroup
	for g := 0; g < 100; g++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if got, err := vm.Invoke(0, int32(1), int32(2)); err != nil || got != int32(3) {
				t.Errorf("Invoke = %v, %v", got, err)
			}
		}()
	}
	wg.Wait()
	if got := BoundStacks(); got > before {
		t.Errorf("%d execution contexts still bound after their goroutines exited", got-before)
	}
}

func TestNestedEntriesShareContext(t *testing.T) {
	outer := BeginCall()
	inner := BeginCall()
	if outer.Stack() != inner.Stack() {
		t.Fatal("nested entry got a different context")
	}
	bound := BoundStacks()
	inner.End()
	if BoundStacks() != bound {
		t.Error("context unbound while the outer entry is active")
	}
	outer.End()
	if BoundStacks() != bound-1 {
		t.Error("context still bound after the outer entry ended")
	}
}

func TestStatistics(t *testing.T) {
	vm := newVM(t, &Program{Methods: []*Method{addMethod()}})
	stats := vm.Statistics()
	for _, row := range []string{"methods:", "externInvokers:", "overrideCache:", "stacks:"} {
		if !strings.Contains(stats, row) {
			t.Errorf("Statistics missing %q:\n%s", row, stats)
		}
	}
}

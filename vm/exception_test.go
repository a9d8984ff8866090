package vm

import (
	"errors"
	"fmt"
	"reflect"
	"slices"
	"testing"

	"github.com/google/go-cmp/cmp"
)

var errBoom = errors.New("boom")

var errorTypes = []reflect.Type{reflect.TypeFor[error](), reflect.TypeFor[*NullReferenceError]()}

// ---------------------------------------------------------------------------
// Catch
// ---------------------------------------------------------------------------

func TestCatchByType(t *testing.T) {
	// try { throw arg0 } catch (*NullReferenceError) { return 1 } catch (error) { return 2 }
	m := NewBuilder(0, 1).
		Label("try").
		Emit(OpLdarg, 0).
		Op(OpThrow).
		Label("tryEnd").
		Label("nre").
		Op(OpPop).
		Emit(OpLdcI4, 1).
		Emit(OpRet, 1).
		Label("nreEnd").
		Label("err").
		Op(OpPop).
		Emit(OpLdcI4, 2).
		Emit(OpRet, 1).
		Label("errEnd").
		Handler(HandlerCatch, 1, "try", "tryEnd", "nre", "nreEnd").
		Handler(HandlerCatch, 0, "try", "tryEnd", "err", "errEnd").
		MustBuild()
	vm := newVM(t, &Program{Methods: []*Method{m}, ExternTypes: errorTypes})

	if got := invoke(t, vm, 0, &NullReferenceError{Op: "x"}); got != int32(1) {
		t.Errorf("NullReferenceError caught by %v", got)
	}
	if got := invoke(t, vm, 0, errBoom); got != int32(2) {
		t.Errorf("errBoom caught by %v", got)
	}
	checkClean(t)

	// a non-error fault is not caught by either handler
	_, err := vm.Invoke(0, "not an error")
	var ue *UncaughtError
	if !errors.As(err, &ue) || ue.Value != "not an error" {
		t.Errorf("string fault returned %v", err)
	}
	checkClean(t)
}

func TestThrowNull(t *testing.T) {
	m := NewBuilder(0, 1).
		Op(OpLdnull).
		Op(OpThrow).
		MustBuild()
	vm := newVM(t, &Program{Methods: []*Method{m}})
	_, err := vm.Invoke(0)
	var ne *NullReferenceError
	if !errors.As(err, &ne) {
		t.Errorf("throw null returned %v", err)
	}
}

func TestInterpreterFaultsAreCatchable(t *testing.T) {
	// try { return arg0 / arg1 } catch (error) { return -1 }
	m := NewBuilder(0, 2).
		Label("try").
		Emit(OpLdarg, 0).
		Emit(OpLdarg, 1).
		Op(OpDiv).
		Emit(OpRet, 1).
		Label("tryEnd").
		Label("catch").
		Op(OpPop).
		Emit(OpLdcI4, -1).
		Emit(OpRet, 1).
		Label("catchEnd").
		Handler(HandlerCatch, 0, "try", "tryEnd", "catch", "catchEnd").
		MustBuild()
	vm := newVM(t, &Program{Methods: []*Method{m}, ExternTypes: errorTypes})
	if got := invoke(t, vm, 0, int32(9), int32(3)); got != int32(3) {
		t.Errorf("9/3 = %v", got)
	}
	if got := invoke(t, vm, 0, int32(9), int32(0)); got != int32(-1) {
		t.Errorf("9/0 = %v, want -1", got)
	}
	checkClean(t)
}

func TestFaultCrossesFrames(t *testing.T) {
	thrower := NewBuilder(0, 1).
		Emit(OpLdarg, 0).
		Op(OpThrow).
		MustBuild()
	// try { thrower(arg0) } catch (*) { return 7 }
	catcher := NewBuilder(0, 1).
		Label("try").
		Emit(OpLdarg, 0).
		Call(OpCall, 1, 0).
		Emit(OpLdcI4, 0).
		Emit(OpRet, 1).
		Label("tryEnd").
		Label("catch").
		Op(OpPop).
		Emit(OpLdcI4, 7).
		Emit(OpRet, 1).
		Label("catchEnd").
		Handler(HandlerCatch, CatchAll, "try", "tryEnd", "catch", "catchEnd").
		MustBuild()
	vm := newVM(t, &Program{Methods: []*Method{thrower, catcher}})
	if got := invoke(t, vm, 1, errBoom); got != int32(7) {
		t.Errorf("got %v, want 7", got)
	}
	checkClean(t)
}

func TestRethrow(t *testing.T) {
	// try { try { throw arg0 } catch (*) { rethrow } } catch (error e) { return e }
	m := NewBuilder(0, 1).
		Label("outer").
		Label("inner").
		Emit(OpLdarg, 0).
		Op(OpThrow).
		Label("innerEnd").
		Label("innerCatch").
		Op(OpPop).
		Op(OpRethrow).
		Label("innerCatchEnd").
		Label("outerEnd").
		Label("outerCatch").
		Emit(OpRet, 1).
		Label("outerCatchEnd").
		Handler(HandlerCatch, CatchAll, "inner", "innerEnd", "innerCatch", "innerCatchEnd").
		Handler(HandlerCatch, 0, "outer", "outerEnd", "outerCatch", "outerCatchEnd").
		MustBuild()
	vm := newVM(t, &Program{Methods: []*Method{m}, ExternTypes: errorTypes})
	if got := invoke(t, vm, 0, errBoom); got != errBoom {
		t.Errorf("rethrown fault = %v, want errBoom", got)
	}

	// try {
	//   try { throw arg0 } catch (*) { try { throw arg1 } catch (*) {} rethrow }
	// } catch (error e) { return e }
	nested := NewBuilder(0, 2).
		Label("outer").
		Label("mid").
		Emit(OpLdarg, 0).
		Op(OpThrow).
		Label("midEnd").
		Label("midCatch").
		Op(OpPop).
		Label("inner").
		Emit(OpLdarg, 1).
		Op(OpThrow).
		Label("innerEnd").
		Label("innerCatch").
		Op(OpPop).
		Leave("after", "").
		Label("innerCatchEnd").
		Label("after").
		Op(OpRethrow).
		Label("midCatchEnd").
		Label("outerEnd").
		Label("outerCatch").
		Emit(OpRet, 1).
		Label("outerCatchEnd").
		Handler(HandlerCatch, CatchAll, "inner", "innerEnd", "innerCatch", "innerCatchEnd").
		Handler(HandlerCatch, CatchAll, "mid", "midEnd", "midCatch", "midCatchEnd").
		Handler(HandlerCatch, 0, "outer", "outerEnd", "outerCatch", "outerCatchEnd").
		MustBuild()
	errOther := errors.New("other")
	vm = newVM(t, &Program{Methods: []*Method{nested}, ExternTypes: errorTypes})
	if got := invoke(t, vm, 0, errBoom, errOther); got != errBoom {
		t.Errorf("rethrow after a nested catch = %v, want errBoom", got)
	}
	checkClean(t)
}

// ---------------------------------------------------------------------------
// Finally
// ---------------------------------------------------------------------------

// nestedFinally builds a method with n nested try/finally blocks around a
// leave. Finally block i (innermost is 0) runs x = x*10 + i + 1.
func nestedFinally(n int) *Method {
	b := NewBuilder(1, 2)
	for i := 0; i < n; i++ {
		b.Label(fmt.Sprintf("try%d", i))
	}
	b.Leave("out", "fin0")
	for i := 0; i < n; i++ {
		next := int32(i + 1)
		if i == n-1 {
			next = -1
		}
		b.Label(fmt.Sprintf("tryEnd%d", i)).
			Label(fmt.Sprintf("fin%d", i)).
			Emit(OpLdloc, 0).
			Emit(OpLdcI4, 10).
			Op(OpMul).
			Emit(OpLdcI4, int32(i+1)).
			Op(OpAdd).
			Emit(OpStloc, 0).
			Emit(OpEndfinally, next).
			Label(fmt.Sprintf("finEnd%d", i))
	}
	b.Label("out").
		Emit(OpLdloc, 0).
		Emit(OpRet, 1)
	for i := 0; i < n; i++ {
		b.Handler(HandlerFinally, 0,
			fmt.Sprintf("try%d", i), fmt.Sprintf("tryEnd%d", i),
			fmt.Sprintf("fin%d", i), fmt.Sprintf("finEnd%d", i))
	}
	return b.MustBuild()
}

func TestNestedFinallyOnLeave(t *testing.T) {
	tests := []struct {
		n    int
		want int32
	}{
		{1, 1},
		{2, 12},
		{3, 123},
		{5, 12345},
	}
	for _, tt := range tests {
		t.Run(fmt.Sprint(tt.n), func(t *testing.T) {
			vm := newVM(t, &Program{Methods: []*Method{nestedFinally(tt.n)}})
			if got := invoke(t, vm, 0); got != tt.want {
				t.Errorf("got %v, want %d", got, tt.want)
			}
			checkClean(t)
		})
	}
}

func TestFinallyRunsOnFault(t *testing.T) {
	// try { try { throw arg0 } finally { x = 5 } } catch (*) { x = x + 1 }; return x
	m := NewBuilder(1, 2).
		Label("outer").
		Label("inner").
		Emit(OpLdarg, 0).
		Op(OpThrow).
		Label("innerEnd").
		Label("fin").
		Emit(OpLdcI4, 5).
		Emit(OpStloc, 0).
		Emit(OpEndfinally, -1).
		Label("finEnd").
		Label("outerEnd").
		Label("catch").
		Op(OpPop).
		Emit(OpLdloc, 0).
		Emit(OpLdcI4, 1).
		Op(OpAdd).
		Emit(OpStloc, 0).
		Leave("done", "").
		Label("catchEnd").
		Label("done").
		Emit(OpLdloc, 0).
		Emit(OpRet, 1).
		Handler(HandlerFinally, 0, "inner", "innerEnd", "fin", "finEnd").
		Handler(HandlerCatch, CatchAll, "outer", "outerEnd", "catch", "catchEnd").
		MustBuild()
	vm := newVM(t, &Program{Methods: []*Method{m}})
	if got := invoke(t, vm, 0, errBoom); got != int32(6) {
		t.Errorf("got %v, want 6", got)
	}
	checkClean(t)
}

func TestUncaughtFaultRunsFinally(t *testing.T) {
	// try { throw arg0 } finally { arg1.X = 1 }
	m := NewBuilder(0, 3).
		Label("try").
		Emit(OpLdarg, 0).
		Op(OpThrow).
		Label("tryEnd").
		Label("fin").
		Emit(OpLdarg, 1).
		Emit(OpLdcI4, 1).
		Emit(OpStfld, 0).
		Emit(OpEndfinally, -1).
		Label("finEnd").
		Handler(HandlerFinally, 0, "try", "tryEnd", "fin", "finEnd").
		MustBuild()
	vm := newVM(t, &Program{
		Methods: []*Method{m},
		Fields:  []*Field{{Name: "X", Type: reflect.TypeFor[int32](), Index: []int{0}}},
	})
	p := &point{}
	_, err := vm.Invoke(0, errBoom, p)
	if !errors.Is(err, errBoom) {
		t.Errorf("err = %v, want errBoom", err)
	}
	if p.X != 1 {
		t.Error("finally did not run")
	}
	checkClean(t)
}

func TestManyThrowFinallyIterations(t *testing.T) {
	// for i := 0; i < 10000; i++ {
	//     try { try { throw arg0 } finally { n++ } } catch (*) {}
	// }
	// return n
	m := NewBuilder(2, 3).
		Branch(OpBr, "cond").
		Label("body").
		Label("outer").
		Label("inner").
		Emit(OpLdarg, 0).
		Op(OpThrow).
		Label("innerEnd").
		Label("fin").
		Emit(OpLdloc, 1).
		Emit(OpLdcI4, 1).
		Op(OpAdd).
		Emit(OpStloc, 1).
		Emit(OpEndfinally, -1).
		Label("finEnd").
		Label("outerEnd").
		Label("catch").
		Op(OpPop).
		Leave("next", "").
		Label("catchEnd").
		Label("next").
		Emit(OpLdloc, 0).
		Emit(OpLdcI4, 1).
		Op(OpAdd).
		Emit(OpStloc, 0).
		Label("cond").
		Emit(OpLdloc, 0).
		Emit(OpLdcI4, 10000).
		Branch(OpBlt, "body").
		Emit(OpLdloc, 1).
		Emit(OpRet, 1).
		Handler(HandlerFinally, 0, "inner", "innerEnd", "fin", "finEnd").
		Handler(HandlerCatch, CatchAll, "outer", "outerEnd", "catch", "catchEnd").
		MustBuild()
	vm := newVM(t, &Program{Methods: []*Method{m}})
	if got := invoke(t, vm, 0, errBoom); got != int32(10000) {
		t.Errorf("finally ran %v times, want 10000", got)
	}
	checkClean(t)
}

// ---------------------------------------------------------------------------
// Integrity faults
// ---------------------------------------------------------------------------

func TestMissingStackSpaceRejected(t *testing.T) {
	m := &Method{Code: []Instruction{{Code: OpRet}}}
	_, err := New(&Program{Methods: []*Method{m}})
	if !errors.Is(err, ErrInvalidProgram) {
		t.Errorf("New = %v, want ErrInvalidProgram", err)
	}
}

func TestUnknownCatchTypeRejected(t *testing.T) {
	m := NewBuilder(0, 0).
		Label("a").
		Emit(OpRet, 0).
		Label("b").
		Handler(HandlerCatch, 3, "a", "b", "a", "b").
		MustBuild()
	_, err := New(&Program{Methods: []*Method{m}})
	if !errors.Is(err, ErrInvalidProgram) {
		t.Errorf("New = %v, want ErrInvalidProgram", err)
	}
}

func TestUnsupportedHandlerKindsRejected(t *testing.T) {
	for _, kind := range []HandlerKind{HandlerFilter, 3, 7} {
		t.Run(kind.String(), func(t *testing.T) {
			m := NewBuilder(0, 1).
				Label("try").
				Emit(OpLdarg, 0).
				Op(OpThrow).
				Label("tryEnd").
				Label("handler").
				Op(OpPop).
				Emit(OpLdcI4, 1).
				Emit(OpRet, 1).
				Label("handlerEnd").
				Handler(kind, 0, "try", "tryEnd", "handler", "handlerEnd").
				MustBuild()
			_, err := New(&Program{Methods: []*Method{m}, ExternTypes: errorTypes})
			if !errors.Is(err, ErrInvalidProgram) {
				t.Errorf("New = %v, want ErrInvalidProgram", err)
			}
		})
	}
}

func TestNewLeavesProgramUntouched(t *testing.T) {
	m := NewBuilder(0, 1).
		Label("try").
		Emit(OpLdarg, 0).
		Op(OpThrow).
		Label("tryEnd").
		Label("catch").
		Emit(OpRet, 1).
		Label("catchEnd").
		Handler(HandlerCatch, 0, "try", "tryEnd", "catch", "catchEnd").
		MustBuild()
	before := slices.Clone(m.Handlers)
	p := &Program{Methods: []*Method{m}, ExternTypes: errorTypes}
	vm := newVM(t, p)

	if p.Methods[0] != m {
		t.Error("New replaced the caller's method")
	}
	if diff := cmp.Diff(before, m.Handlers); diff != "" {
		t.Errorf("handlers changed (-before +after):\n%s", diff)
	}
	if got := invoke(t, vm, 0, errBoom); got != errBoom {
		t.Errorf("caught %v, want errBoom", got)
	}

	// the same program builds a second machine with other catch types
	p.ExternTypes = []reflect.Type{reflect.TypeFor[*NullReferenceError]()}
	other := newVM(t, p)
	_, err := other.Invoke(0, errBoom)
	var ue *UncaughtError
	if !errors.As(err, &ue) || ue.Value != errBoom {
		t.Errorf("second machine returned %v, want errBoom uncaught", err)
	}
}

func TestIntegrityFaultsSkipHandlers(t *testing.T) {
	tests := []struct {
		name string
		body func(b *Builder)
		want error
	}{
		{"unsupported opcode", func(b *Builder) { b.Op(OpCpblk) }, ErrInvalidProgram},
		{"rethrow outside catch", func(b *Builder) { b.Op(OpRethrow) }, ErrInvalidProgram},
		{"bad method id", func(b *Builder) { b.Call(OpCall, 0, 9) }, ErrInvalidProgram},
		{"kind mismatch", func(b *Builder) { b.Emit(OpLdcI4, 1).LdcR8(1).Op(OpAdd) }, ErrInvalidProgram},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			b := NewBuilder(0, 2).Label("try")
			tt.body(b)
			m := b.Emit(OpRet, 0).
				Label("tryEnd").
				Label("catch").
				Op(OpPop).
				Emit(OpRet, 0).
				Label("catchEnd").
				Handler(HandlerCatch, CatchAll, "try", "tryEnd", "catch", "catchEnd").
				MustBuild()
			vm := newVM(t, &Program{Methods: []*Method{m}})
			_, err := vm.Invoke(0)
			if !errors.Is(err, tt.want) {
				t.Fatalf("err = %v, want %v", err, tt.want)
			}
			var ie *IntegrityError
			if !errors.As(err, &ie) {
				t.Errorf("err %T is not an *IntegrityError", err)
			}
			checkClean(t)
		})
	}
}

func TestNestedIntegrityFault(t *testing.T) {
	bad := NewBuilder(0, 0).
		Op(OpLocalloc).
		MustBuild()
	// try { bad() } catch (*) { return 1 }
	caller := NewBuilder(0, 1).
		Label("try").
		Call(OpCall, 0, 0).
		Emit(OpLdcI4, 0).
		Emit(OpRet, 1).
		Label("tryEnd").
		Label("catch").
		Op(OpPop).
		Emit(OpLdcI4, 1).
		Emit(OpRet, 1).
		Label("catchEnd").
		Handler(HandlerCatch, CatchAll, "try", "tryEnd", "catch", "catchEnd").
		MustBuild()
	vm := newVM(t, &Program{Methods: []*Method{bad, caller}})
	_, err := vm.Invoke(1)
	if !errors.Is(err, ErrInvalidProgram) {
		t.Errorf("err = %v, want ErrInvalidProgram", err)
	}
	checkClean(t)
}

func TestStackOverflow(t *testing.T) {
	// forever(x) { return forever(x) }
	m := NewBuilder(0, 1).
		Emit(OpLdarg, 0).
		Call(OpCall, 1, 0).
		Emit(OpRet, 1).
		MustBuild()
	vm := newVM(t, &Program{Methods: []*Method{m}})
	_, err := vm.Invoke(0, int32(1))
	if !errors.Is(err, ErrStackOverflow) {
		t.Errorf("err = %v, want ErrStackOverflow", err)
	}
	checkClean(t)
}

func TestEvaluationStackBounded(t *testing.T) {
	tests := []struct {
		name string
		body func(b *Builder)
		want error
	}{
		{"push loop", func(b *Builder) { b.Label("loop").Emit(OpLdcI4, 1).Branch(OpBr, "loop") }, ErrStackOverflow},
		{"dup loop", func(b *Builder) { b.Emit(OpLdcI4, 1).Label("loop").Op(OpDup).Branch(OpBr, "loop") }, ErrStackOverflow},
		{"ldarg loop", func(b *Builder) { b.Label("loop").Emit(OpLdarg, 0).Branch(OpBr, "loop") }, ErrStackOverflow},
		{"pop empty", func(b *Builder) { b.Op(OpPop).Op(OpPop) }, ErrInvalidProgram},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			// try { body } catch (*) { return }
			b := NewBuilder(1, 2).Label("try")
			tt.body(b)
			m := b.Emit(OpRet, 0).
				Label("tryEnd").
				Label("catch").
				Op(OpPop).
				Emit(OpRet, 0).
				Label("catchEnd").
				Handler(HandlerCatch, CatchAll, "try", "tryEnd", "catch", "catchEnd").
				MustBuild()
			vm := newVM(t, &Program{Methods: []*Method{m}})
			_, err := vm.Invoke(0, int32(1))
			if !errors.Is(err, tt.want) {
				t.Fatalf("err = %v, want %v", err, tt.want)
			}
			var ie *IntegrityError
			if !errors.As(err, &ie) {
				t.Errorf("err %T is not an *IntegrityError", err)
			}
			checkClean(t)
		})
	}
}

func TestIntegrityErrorPanicsFromExecute(t *testing.T) {
	m := NewBuilder(0, 0).Op(OpJmp).MustBuild()
	vm := newVM(t, &Program{Methods: []*Method{m}})
	defer ReleaseStack()
	r := fault(func() { vm.Execute(0, CurrentStack().Top(), 0) })
	ie, ok := r.(*IntegrityError)
	if !ok || !errors.Is(ie, ErrInvalidProgram) {
		t.Errorf("Execute panicked with %v, want *IntegrityError", r)
	}
}

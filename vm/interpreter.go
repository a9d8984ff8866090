package vm

import (
	"fmt"
	"math"
	"reflect"
)

// ---------------------------------------------------------------------------
// Frame: one activation of an interpreted method
// ---------------------------------------------------------------------------

// frame is the state of one method activation. Arguments, locals and the
// evaluation stack are consecutive regions of the context's slots:
//
//	argBase           localBase          evalBase        sp
//	| arguments ...   | locals ...       | operands ...   |
type frame struct {
	vm       *VirtualMachine
	s        *Stack
	methodID int
	m        *Method
	code     []Instruction

	argBase   int
	argc      int
	localBase int
	evalBase  int
	evalEnd   int
	sp        int
	pc        int

	leave    int // pending leave target; 0 means none
	caught   []any // fault taken by each catch handler, indexed like m.Handlers
	refCount int
	entry    bool // entered from host code
	savedTop int
}

// execute runs method methodID over argc arguments at argBase and returns
// the new top: argBase+1 when the method returned a value, argBase
// otherwise. refCount slots below argBase belong to the caller's call
// window and are released with the frame when it faults. An entry frame
// restores the context top on exit and surfaces integrity faults as
// *IntegrityError.
func (vm *VirtualMachine) execute(s *Stack, methodID, argBase, argc, refCount int, entry bool) int {
	f := frame{
		vm:       vm,
		s:        s,
		methodID: methodID,
		argBase:  argBase,
		argc:     argc,
		sp:       argBase + argc,
		refCount: refCount,
		entry:    entry,
		savedTop: s.top,
	}
	for {
		if top, done := f.segment(); done {
			return top
		}
	}
}

// segment runs the dispatch loop until the method returns or a fault is
// routed to a handler, in which case the caller re-enters the loop.
func (f *frame) segment() (top int, done bool) {
	defer func() {
		if r := recover(); r != nil {
			f.unwind(r)
		}
	}()
	if f.pc == 0 {
		f.prologue()
	}
	return f.loop(), true
}

func (f *frame) prologue() {
	f.m = f.vm.method(f.methodID)
	locals, maxStack, err := f.m.Frame()
	if err != nil {
		invalidProgram("method %d does not start with stackspace", f.methodID)
	}
	if f.argBase+f.argc+locals+maxStack > f.s.Size() {
		raiseIntegrity(ErrStackOverflow, fmt.Sprintf("method %d", f.methodID))
	}
	f.code = f.m.Code
	f.localBase = f.argBase + f.argc
	f.evalBase = f.localBase + locals
	f.evalEnd = f.evalBase + maxStack
	// host code re-entering the machine from inside this frame starts
	// above it
	if f.evalEnd > f.s.top {
		f.s.top = f.evalEnd
	}
	for i := f.localBase; i < f.evalBase; i++ {
		f.s.setPrimitive(i, Value{})
	}
	f.sp = f.evalBase
	f.pc = 1
}

// ---------------------------------------------------------------------------
// Fault routing
// ---------------------------------------------------------------------------

// unwind routes a recovered fault. It returns normally only when a
// handler of this frame takes the fault; otherwise the frame is released
// and the fault re-raised.
func (f *frame) unwind(r any) {
	if fault, ok := r.(*integrityFault); ok {
		f.release()
		if f.entry {
			panic(fault.real)
		}
		panic(fault)
	}
	if f.pc > 0 {
		if i := f.handlerFor(r); i >= 0 {
			h := &f.m.Handlers[i]
			f.s.clearRange(f.evalBase, f.sp)
			f.s.setObject(f.evalBase, r)
			f.sp = f.evalBase + 1
			if h.Kind == HandlerCatch {
				if f.caught == nil {
					f.caught = make([]any, len(f.m.Handlers))
				}
				f.caught[i] = r
			}
			f.leave = 0
			f.pc = int(h.HandlerStart)
			return
		}
	}
	f.release()
	panic(r)
}

// handlerFor returns the index of the innermost handler protecting pc
// that takes r, or -1.
func (f *frame) handlerFor(r any) int {
	for i := range f.m.Handlers {
		h := &f.m.Handlers[i]
		if h.covers(f.pc) && h.accepts(r) {
			return i
		}
	}
	return -1
}

// rethrown returns the fault taken by the innermost catch handler whose
// body holds pc.
func (f *frame) rethrown() any {
	for i := range f.m.Handlers {
		h := &f.m.Handlers[i]
		if h.Kind != HandlerCatch || !h.runs(f.pc) {
			continue
		}
		if i < len(f.caught) && f.caught[i] != nil {
			return f.caught[i]
		}
		break
	}
	invalidProgram("method %d: rethrow outside a catch handler", f.methodID)
	return nil
}

// release drops every side entry of the frame.
func (f *frame) release() {
	f.s.clearRange(f.argBase-f.refCount, f.sp)
	f.restoreTop()
	f.caught = nil
}

// restoreTop lowers the context top on exit: an entry frame gives back
// its whole call window, a nested frame what it reserved in its prologue.
func (f *frame) restoreTop() {
	if f.entry {
		f.s.top = f.argBase - f.refCount
	} else {
		f.s.top = f.savedTop
	}
}

// ---------------------------------------------------------------------------
// Dispatch loop
// ---------------------------------------------------------------------------

// reserve raises an integrity fault unless the evaluation stack has room
// for one more slot.
func (f *frame) reserve() {
	if f.sp >= f.evalEnd {
		f.overflow()
	}
}

func (f *frame) overflow() {
	raiseIntegrity(ErrStackOverflow, fmt.Sprintf("method %d: more than %d evaluation slots", f.methodID, f.evalEnd-f.evalBase))
}

// unbalanced raises the integrity fault for an evaluation stack pointer
// left outside the frame by the previous instruction.
func (f *frame) unbalanced() {
	if f.sp > f.evalEnd {
		f.overflow()
	}
	invalidProgram("method %d: evaluation stack underflow at pc %d", f.methodID, f.pc)
}

func (f *frame) push(v Value) {
	f.reserve()
	f.s.setPrimitive(f.sp, v)
	f.sp++
}

func (f *frame) loop() int {
	vm, s, code := f.vm, f.s, f.code
	for {
		if f.pc <= 0 || f.pc >= len(code) {
			invalidProgram("method %d: pc %d out of range", f.methodID, f.pc)
		}
		if f.sp < f.evalBase || f.sp > f.evalEnd {
			f.unbalanced()
		}
		ins := code[f.pc]
		op := int(ins.Operand)

		switch ins.Code {
		// --- Arguments and locals ---
		case OpLdarg:
			f.reserve()
			s.copy(f.sp, f.argBase+op)
			f.sp++

		case OpStarg:
			f.sp--
			s.move(f.argBase+op, f.sp)

		case OpLdarga:
			f.push(Value{Kind: KindStackReference, Word1: int32(f.argBase + op)})

		case OpLdloc:
			f.reserve()
			s.copy(f.sp, f.localBase+op)
			f.sp++

		case OpStloc:
			f.sp--
			s.move(f.localBase+op, f.sp)

		case OpLdloca:
			f.push(Value{Kind: KindStackReference, Word1: int32(f.localBase + op)})

		// --- Constants ---
		case OpLdcI4:
			f.push(IntValue(ins.Operand))

		case OpLdcI8:
			f.push(LongValue(int64(wideOperand(code, f.pc))))
			f.pc++

		case OpLdcR4:
			f.push(FloatValue(math.Float32frombits(uint32(ins.Operand))))

		case OpLdcR8:
			f.push(DoubleValue(math.Float64frombits(wideOperand(code, f.pc))))
			f.pc++

		case OpLdnull:
			f.reserve()
			s.setObject(f.sp, nil)
			f.sp++

		case OpLdstr:
			f.reserve()
			s.setObject(f.sp, vm.internString(op))
			f.sp++

		case OpLdtype, OpLdtoken:
			f.reserve()
			s.setObject(f.sp, vm.externType(op))
			f.sp++

		// --- Stack ---
		case OpNop, OpVolatile:

		case OpDup:
			f.reserve()
			s.copy(f.sp, f.sp-1)
			f.sp++

		case OpPop:
			f.sp--
			s.pop(f.sp)

		// --- Arithmetic ---
		case OpAdd, OpSub, OpMul, OpDiv, OpDivUn, OpRem, OpRemUn,
			OpAnd, OpOr, OpXor, OpShl, OpShr, OpShrUn,
			OpAddOvf, OpAddOvfUn, OpSubOvf, OpSubOvfUn, OpMulOvf, OpMulOvfUn:
			a, b := f.sp-2, f.sp-1
			s.setPrimitive(a, binary(ins.Code, s.values[a], s.values[b]))
			f.sp--

		case OpNeg, OpNot:
			a := f.sp - 1
			s.setPrimitive(a, unary(ins.Code, s.values[a]))

		case OpConvI1, OpConvU1, OpConvI2, OpConvU2, OpConvI4, OpConvU4,
			OpConvI8, OpConvU8, OpConvI, OpConvU, OpConvR4, OpConvR8, OpConvRUn,
			OpConvOvfI1, OpConvOvfU1, OpConvOvfI2, OpConvOvfU2, OpConvOvfI4, OpConvOvfU4,
			OpConvOvfI8, OpConvOvfU8, OpConvOvfI, OpConvOvfU,
			OpConvOvfI1Un, OpConvOvfU1Un, OpConvOvfI2Un, OpConvOvfU2Un, OpConvOvfI4Un, OpConvOvfU4Un,
			OpConvOvfI8Un, OpConvOvfU8Un, OpConvOvfIUn, OpConvOvfUUn:
			a := f.sp - 1
			s.setPrimitive(a, convert(ins.Code, conversions[ins.Code], s.values[a]))

		// --- Comparison ---
		case OpCeq, OpCgt, OpCgtUn, OpClt, OpCltUn:
			a, b := f.sp-2, f.sp-1
			r := s.compare(relations[ins.Code], a, b)
			s.drop(b)
			if r {
				s.setPrimitive(a, IntValue(1))
			} else {
				s.setPrimitive(a, IntValue(0))
			}
			f.sp--

		// --- Branches ---
		case OpBr:
			f.pc += op
			continue

		case OpBrtrue, OpBrfalse:
			f.sp--
			t := s.truth(f.sp)
			s.drop(f.sp)
			if t == (ins.Code == OpBrtrue) {
				f.pc += op
				continue
			}

		case OpBeq, OpBneUn, OpBge, OpBgeUn, OpBgt, OpBgtUn, OpBle, OpBleUn, OpBlt, OpBltUn:
			f.sp -= 2
			taken := s.compare(relations[ins.Code], f.sp, f.sp+1)
			s.drop(f.sp)
			s.drop(f.sp + 1)
			if taken {
				f.pc += op
				continue
			}

		case OpSwitch:
			f.sp--
			v := s.values[f.sp].Word1
			if v >= 0 && v < ins.Operand {
				f.pc += switchTarget(code, f.pc, int(v))
			} else {
				f.pc += (op+1)>>1 + 1
			}
			continue

		// --- Fields ---
		case OpLdfld:
			pos := f.sp - 1
			if op < 0 {
				storeyOf(vm.objectAt(s, pos, "ldfld"), "ldfld").load(-(op + 1), s, pos)
				break
			}
			s.pushHost(pos, vm.fieldLocation(vm.location(s, pos, "ldfld"), op))

		case OpStfld:
			obj, val := f.sp-2, f.sp-1
			if op < 0 {
				storeyOf(vm.objectAt(s, obj, "stfld"), "stfld").store(-(op + 1), s, val)
			} else {
				loc := vm.fieldLocation(vm.location(s, obj, "stfld"), op)
				if !loc.CanSet() {
					invalidProgram("stfld %s on a value without an address", vm.field(op))
				}
				loc.Set(vm.toHost(s, val, loc.Type()))
			}
			s.drop(val)
			s.drop(obj)
			f.sp -= 2

		case OpLdflda:
			vm.fieldAddress(s, f.sp-1, op)

		case OpLdsfld:
			f.reserve()
			loc := vm.staticLocation(s, op, f.sp)
			s.pushHost(f.sp, loc)
			f.sp++

		case OpStsfld:
			loc := vm.staticLocation(s, op, f.sp)
			f.sp--
			loc.Set(vm.toHost(s, f.sp, loc.Type()))
			s.drop(f.sp)

		case OpLdsflda:
			if op < 0 {
				vm.vmStatic(s, -(op + 1), f.sp)
			} else {
				vm.field(op)
			}
			f.push(Value{Kind: KindStaticFieldReference, Word1: ins.Operand})

		// --- Arrays ---
		case OpNewarr:
			pos := f.sp - 1
			n := slotInt64(s.values[pos])
			if n < 0 || n > math.MaxInt32 {
				overflow(ins.Code)
			}
			t := reflect.SliceOf(vm.externType(op))
			s.setObject(pos, reflect.MakeSlice(t, int(n), int(n)).Interface())

		case OpLdlen:
			pos := f.sp - 1
			s.setPrimitive(pos, IntValue(int32(arrayValue(s.managed[pos], "ldlen").Len())))

		case OpLdelema:
			arr, idx := f.sp-2, f.sp-1
			i := int(slotInt64(s.values[idx]))
			elementAt(s.managed[arr], i, "ldelema")
			s.setManaged(arr, KindArrayReference, int32(i), s.managed[arr])
			f.sp--

		case OpLdelemI1, OpLdelemU1, OpLdelemI2, OpLdelemU2, OpLdelemI4, OpLdelemU4,
			OpLdelemI8, OpLdelemI, OpLdelemR4, OpLdelemR8, OpLdelemRef, OpLdelemAny:
			arr, idx := f.sp-2, f.sp-1
			e := elementAt(s.managed[arr], int(slotInt64(s.values[idx])), "ldelem")
			s.pushHost(arr, e)
			f.sp--

		case OpStelemI1, OpStelemI2, OpStelemI4, OpStelemI8, OpStelemI,
			OpStelemR4, OpStelemR8, OpStelemRef, OpStelemAny:
			arr, idx, val := f.sp-3, f.sp-2, f.sp-1
			e := elementAt(s.managed[arr], int(slotInt64(s.values[idx])), "stelem")
			if !e.CanSet() {
				invalidProgram("stelem on %s", reflect.TypeOf(s.managed[arr]))
			}
			e.Set(vm.toHost(s, val, e.Type()))
			s.drop(val)
			s.drop(arr)
			f.sp -= 3

		// --- Indirection ---
		case OpLdindI1, OpLdindU1, OpLdindI2, OpLdindU2, OpLdindI4, OpLdindU4,
			OpLdindI8, OpLdindI, OpLdindR4, OpLdindR8, OpLdindRef, OpLdobj:
			vm.loadIndirect(s, f.sp-1)

		case OpStindI1, OpStindI2, OpStindI4, OpStindI8, OpStindI,
			OpStindR4, OpStindR8, OpStindRef, OpStobj:
			vm.storeIndirect(s, f.sp-2, f.sp-1)
			s.drop(f.sp - 1)
			s.drop(f.sp - 2)
			f.sp -= 2

		case OpInitobj:
			f.sp--
			vm.updateReference(s, f.sp, reflect.Zero(vm.externType(op)))
			s.drop(f.sp)

		// --- Objects ---
		case OpBox:
			f.box(f.sp-1, vm.externType(op))

		case OpUnbox, OpUnboxAny:
			f.unbox(f.sp-1, vm.externType(op))

		case OpCastclass:
			pos := f.sp - 1
			t := vm.externType(op)
			if o := vm.objectAt(s, pos, "castclass"); o != nil && !reflect.TypeOf(o).AssignableTo(t) {
				panic(&InvalidCastError{From: reflect.TypeOf(o), To: t})
			}

		case OpIsinst:
			pos := f.sp - 1
			t := vm.externType(op)
			var o any
			switch s.values[pos].Kind {
			case KindValueType:
				o = s.box(pos).Interface()
			default:
				o = vm.objectAt(s, pos, "isinst")
			}
			if o != nil && !reflect.TypeOf(o).AssignableTo(t) {
				o = nil
			}
			s.setObject(pos, o)

		case OpConstrained:
			f.constrain(vm.externType(op))

		// --- Calls ---
		case OpCall:
			argc, id := splitCallOperand(ins.Operand)
			f.sp = vm.execute(s, id, f.sp-argc, argc, 0, false)

		case OpCallvirt:
			argc, id := splitCallOperand(ins.Operand)
			f.checkThis(f.sp-argc, "callvirt")
			f.sp = vm.execute(s, id, f.sp-argc, argc, 0, false)

		case OpCallvirtvirt:
			argc, slot := splitCallOperand(ins.Operand)
			this := f.sp - argc
			f.checkThis(this, "callvirtvirt")
			a := storeyOf(s.managed[this], "callvirtvirt")
			id := vtableEntry(vm.storeyInfo(a.typeID).VTable, slot)
			if id < 0 {
				invalidProgram("storey %d has no virtual slot %d", a.typeID, slot)
			}
			f.sp = vm.execute(s, id, this, argc, 0, false)

		case OpCallExtern:
			argc, id := splitCallOperand(ins.Operand)
			f.sp = vm.callExtern(s, id, argc, f.sp, false)

		case OpNewobj:
			argc, id := splitCallOperand(ins.Operand)
			m := vm.externMethod(id)
			if !m.IsDelegateConstructor() {
				f.sp = vm.callExtern(s, id, argc, f.sp, true)
				break
			}
			pm, po := f.sp-1, f.sp-2
			fn := vm.createDelegate(m.DeclaringType, s.managed[po], s.values[pm], s.managed[pm])
			s.drop(pm)
			s.setObject(po, fn)
			f.sp--

		case OpNewanon:
			f.newAnonymous(op)

		case OpLdftn:
			f.reserve()
			s.setObject(f.sp, vm.externMethod(op))
			f.sp++

		case OpLdvirtftn:
			pos := f.sp - 1
			obj := vm.objectAt(s, pos, "ldvirtftn")
			if obj == nil {
				panic(&NullReferenceError{Op: "ldvirtftn"})
			}
			s.setObject(pos, vm.overrides.resolve(vm.externMethod(op), obj))

		case OpLdvirtftn2:
			slot := op & 0xFFFF
			pm, po := f.sp-1, f.sp-2
			a := storeyOf(s.managed[po], "ldvirtftn")
			s.setPrimitive(pm, IntValue(int32(vtableEntry(vm.storeyInfo(a.typeID).VTable, slot))))

		case OpRet:
			f.restoreTop()
			f.caught = nil
			if ins.Operand != 0 {
				s.move(f.argBase, f.sp-1)
				s.clearRange(f.argBase+1, f.sp)
				return f.argBase + 1
			}
			s.clearRange(f.argBase, f.sp)
			return f.argBase

		// --- Protected regions ---
		case OpThrow:
			f.sp--
			var e any
			if s.values[f.sp].Kind == KindValueType {
				e = s.box(f.sp).Interface()
			} else {
				e = s.managed[f.sp]
			}
			s.drop(f.sp)
			if e == nil {
				e = &NullReferenceError{Op: "throw"}
			}
			panic(e)

		case OpRethrow:
			panic(f.rethrown())

		case OpLeave:
			f.leave = op
			s.clearRange(f.evalBase, f.sp)
			f.sp = f.evalBase

		case OpEndfinally:
			if f.leave == 0 {
				// finally or fault body entered by a fault: resume unwinding
				f.sp--
				e := s.managed[f.sp]
				s.drop(f.sp)
				panic(e)
			}
			if op == -1 {
				f.pc = f.leave
				f.leave = 0
				continue
			}
			if op < 0 || op >= len(f.m.Handlers) {
				invalidProgram("endfinally to handler %d", op)
			}
			next := &f.m.Handlers[op]
			if next.covers(f.leave) {
				f.pc = f.leave
				f.leave = 0
			} else {
				f.pc = int(next.HandlerStart)
			}
			continue

		default:
			invalidProgram("%s is not supported", ins.Code)
		}
		f.pc++
	}
}

// ---------------------------------------------------------------------------
// Opcode helpers
// ---------------------------------------------------------------------------

func (f *frame) checkThis(pos int, op string) {
	if f.s.values[pos].Kind != KindObject {
		invalidProgram("%s on %s receiver", op, f.s.values[pos].Kind)
	}
	if f.s.managed[pos] == nil {
		panic(&NullReferenceError{Op: op})
	}
}

// box converts the slot at pos to an object of type t.
func (f *frame) box(pos int, t reflect.Type) {
	s := f.s
	v := s.values[pos]
	switch v.Kind {
	case KindObject:
	case KindValueType:
		s.setObject(pos, s.box(pos).Interface())
	case KindInteger, KindLong, KindFloat, KindDouble:
		s.setObject(pos, numericHost(v, t).Interface())
	default:
		invalidProgram("box %s", v.Kind)
	}
}

// unbox converts the object at pos to a slot of type t.
func (f *frame) unbox(pos int, t reflect.Type) {
	s := f.s
	if s.values[pos].Kind != KindObject {
		return
	}
	o := s.managed[pos]
	switch {
	case isPrimitive(t), isValueType(t):
		if o == nil {
			panic(&NullReferenceError{Op: "unbox " + t.String()})
		}
		rv := reflect.ValueOf(o)
		if rv.Type() != t && (rv.Kind() != t.Kind() || !rv.Type().ConvertibleTo(t)) {
			panic(&InvalidCastError{From: rv.Type(), To: t})
		}
		s.pushHost(pos, rv.Convert(t))
	case o != nil && !reflect.TypeOf(o).AssignableTo(t):
		panic(&InvalidCastError{From: reflect.TypeOf(o), To: t})
	}
}

// constrain turns the receiver of the following call into an object of
// type t. The receiver sits below as many arguments as the previous
// instruction's operand counts.
func (f *frame) constrain(t reflect.Type) {
	s := f.s
	pos := f.sp - 1 - int(f.code[f.pc-1].Operand)
	if pos < f.evalBase {
		invalidProgram("constrained receiver below the evaluation stack")
	}
	v := s.values[pos]
	switch v.Kind {
	case KindObject:
		return
	case KindStackReference, KindFieldReference, KindChainFieldReference, KindArrayReference, KindStaticFieldReference:
		if _, _, ok := s.storeyField(pos); !ok && isValueType(t) {
			if loc := f.vm.location(s, pos, "constrained"); loc.CanAddr() && loc.Type() == t {
				s.setObject(pos, loc.Addr().Interface())
				return
			}
		}
	}
	s.setObject(pos, f.vm.toHost(s, pos, t).Interface())
}

// newAnonymous creates closure class id, runs its constructor over the
// constructor arguments on the stack and leaves the object in their place.
func (f *frame) newAnonymous(id int) {
	vm, s := f.vm, f.s
	info := vm.storeyInfo(id)
	a := vm.NewAnonymousStorey(id)
	var obj any = a
	if info.Slots != nil {
		var b Bridge
		if vm.wrappers != nil {
			b = vm.wrappers.CreateBridge(a)
		}
		if b == nil {
			invalidProgram("no bridge for storey %d", id)
		}
		obj = b
	}
	pn := info.CtorParams
	pos := f.sp - pn
	s.ensure(f.sp)
	for p := f.sp; p > pos; p-- {
		s.move(p, p-1)
	}
	s.setObject(pos, obj)
	vm.execute(s, info.CtorID, pos, pn+1, 0, false)
	s.setObject(pos, obj)
	f.sp = pos + 1
}

package vm

import (
	"fmt"
	"math"
	"reflect"
)

// Instruction is one bytecode slot.
type Instruction struct {
	Code    Code
	Operand int32
}

func (i Instruction) String() string {
	return fmt.Sprintf("%s %d", i.Code, i.Operand)
}

// HandlerKind identifies a protected region's handler.
type HandlerKind int32

const (
	HandlerCatch   HandlerKind = 0
	HandlerFilter  HandlerKind = 1
	HandlerFinally HandlerKind = 2
	HandlerFault   HandlerKind = 4
)

func (k HandlerKind) String() string {
	switch k {
	case HandlerCatch:
		return "catch"
	case HandlerFilter:
		return "filter"
	case HandlerFinally:
		return "finally"
	case HandlerFault:
		return "fault"
	}
	return fmt.Sprintf("handler(%d)", int32(k))
}

// CatchAll is the catch type id of a handler that accepts every fault.
const CatchAll = -1

// ExceptionHandler describes one protected region. Ranges are half open
// instruction indexes. Inner regions precede the regions enclosing them.
type ExceptionHandler struct {
	Kind         HandlerKind
	CatchTypeID  int32
	CatchType    reflect.Type
	TryStart     int32
	TryEnd       int32
	HandlerStart int32
	HandlerEnd   int32
}

// covers reports whether pc lies in the protected range.
func (h *ExceptionHandler) covers(pc int) bool {
	return pc >= int(h.TryStart) && pc < int(h.TryEnd)
}

// runs reports whether pc lies in the handler body.
func (h *ExceptionHandler) runs(pc int) bool {
	return pc >= int(h.HandlerStart) && pc < int(h.HandlerEnd)
}

// accepts reports whether the handler takes a fault carrying v.
func (h *ExceptionHandler) accepts(v any) bool {
	switch h.Kind {
	case HandlerFinally, HandlerFault:
		return true
	case HandlerCatch:
		if h.CatchTypeID == CatchAll || h.CatchType == nil {
			return true
		}
		t := reflect.TypeOf(v)
		return t != nil && t.AssignableTo(h.CatchType)
	}
	return false
}

// Method is the bytecode of one interpreted method. Code[0] is always a
// StackSpace instruction.
type Method struct {
	Code     []Instruction
	Handlers []ExceptionHandler
}

// Frame decodes the leading StackSpace instruction.
func (m *Method) Frame() (locals, maxStack int, err error) {
	if len(m.Code) == 0 || m.Code[0].Code != OpStackSpace {
		return 0, 0, ErrInvalidProgram
	}
	op := uint32(m.Code[0].Operand)
	return int(op >> 16), int(op & 0xFFFF), nil
}

// StackSpaceOperand packs a frame description.
func StackSpaceOperand(locals, maxStack int) int32 {
	return int32(locals<<16 | maxStack&0xFFFF)
}

// CallOperand packs an argument count and a method id.
func CallOperand(argc, id int) int32 {
	return int32(argc<<16 | id&0xFFFF)
}

func splitCallOperand(op int32) (argc, id int) {
	return int(uint32(op) >> 16), int(op & 0xFFFF)
}

// wideOperand reads the 64-bit immediate stored in the slot after pc.
func wideOperand(code []Instruction, pc int) uint64 {
	next := code[pc+1]
	return uint64(uint32(next.Code)) | uint64(uint32(next.Operand))<<32
}

func wideSlot(v uint64) Instruction {
	return Instruction{Code: Code(int32(uint32(v))), Operand: int32(uint32(v >> 32))}
}

// switchTarget returns the i-th delta of the jump table following pc.
func switchTarget(code []Instruction, pc, i int) int {
	slot := code[pc+1+i/2]
	if i%2 == 0 {
		return int(slot.Code)
	}
	return int(slot.Operand)
}

// ---------------------------------------------------------------------------
// Builder: assembles methods with symbolic labels
// ---------------------------------------------------------------------------

type fixup struct {
	at       int
	label    string
	relative bool
	origin   int
	field    int // 0 operand, 1 code half of a jump table slot
}

// Builder assembles a Method. Branch targets are given as labels and
// resolved by Build.
type Builder struct {
	code     []Instruction
	handlers []handlerLabels
	labels   map[string]int
	fixups   []fixup
}

type handlerLabels struct {
	kind      HandlerKind
	catchType int32
	labels    [4]string // try start, try end, handler start, handler end
}

// NewBuilder starts a method with the given frame size.
func NewBuilder(locals, maxStack int) *Builder {
	b := &Builder{labels: make(map[string]int)}
	b.Emit(OpStackSpace, StackSpaceOperand(locals, maxStack))
	return b
}

// PC returns the index of the next instruction.
func (b *Builder) PC() int { return len(b.code) }

// Emit appends one instruction.
func (b *Builder) Emit(c Code, operand int32) *Builder {
	b.code = append(b.code, Instruction{Code: c, Operand: operand})
	return b
}

// Op appends an instruction without an operand.
func (b *Builder) Op(c Code) *Builder { return b.Emit(c, 0) }

// Call appends a call-shaped instruction.
func (b *Builder) Call(c Code, argc, id int) *Builder {
	return b.Emit(c, CallOperand(argc, id))
}

// LdcI8 appends a 64-bit integer constant.
func (b *Builder) LdcI8(v int64) *Builder {
	b.Emit(OpLdcI8, 0)
	b.code = append(b.code, wideSlot(uint64(v)))
	return b
}

// LdcR8 appends a float64 constant.
func (b *Builder) LdcR8(v float64) *Builder {
	b.Emit(OpLdcR8, 0)
	b.code = append(b.code, wideSlot(math.Float64bits(v)))
	return b
}

// LdcR4 appends a float32 constant.
func (b *Builder) LdcR4(v float32) *Builder {
	return b.Emit(OpLdcR4, int32(math.Float32bits(v)))
}

// Label binds name to the next instruction.
func (b *Builder) Label(name string) *Builder {
	b.labels[name] = len(b.code)
	return b
}

// Branch appends a pc-relative branch to label.
func (b *Builder) Branch(c Code, label string) *Builder {
	pc := len(b.code)
	b.fixups = append(b.fixups, fixup{at: pc, label: label, relative: true, origin: pc})
	return b.Emit(c, 0)
}

// Leave appends a leave to target. When finallyStart is not empty the
// leave runs the finally handler starting there first.
func (b *Builder) Leave(target, finallyStart string) *Builder {
	if finallyStart == "" {
		b.Branch(OpBr, target)
		return b.Op(OpNop)
	}
	pc := len(b.code)
	b.fixups = append(b.fixups, fixup{at: pc, label: target})
	b.Emit(OpLeave, 0)
	return b.Branch(OpBr, finallyStart)
}

// Switch appends a switch over labels with its packed jump table.
func (b *Builder) Switch(labels ...string) *Builder {
	pc := len(b.code)
	b.Emit(OpSwitch, int32(len(labels)))
	for i := 0; i < (len(labels)+1)/2; i++ {
		b.code = append(b.code, Instruction{})
	}
	for i, l := range labels {
		b.fixups = append(b.fixups, fixup{at: pc + 1 + i/2, label: l, relative: true, origin: pc, field: 1 - i%2})
	}
	return b
}

// Handler registers a protected region by labels. Handlers must be added
// innermost first.
func (b *Builder) Handler(kind HandlerKind, catchType int32, tryStart, tryEnd, handlerStart, handlerEnd string) *Builder {
	b.handlers = append(b.handlers, handlerLabels{kind, catchType, [4]string{tryStart, tryEnd, handlerStart, handlerEnd}})
	return b
}

// Build resolves labels and returns the method.
func (b *Builder) Build() (*Method, error) {
	code := make([]Instruction, len(b.code))
	copy(code, b.code)
	for _, f := range b.fixups {
		target, ok := b.labels[f.label]
		if !ok {
			return nil, fmt.Errorf("undefined label %q", f.label)
		}
		v := int32(target)
		if f.relative {
			v = int32(target - f.origin)
		}
		if f.field == 1 {
			code[f.at].Code = Code(v)
		} else {
			code[f.at].Operand = v
		}
	}
	m := &Method{Code: code}
	for _, h := range b.handlers {
		var pcs [4]int32
		for i, l := range h.labels {
			pc, ok := b.labels[l]
			if !ok {
				return nil, fmt.Errorf("undefined label %q", l)
			}
			pcs[i] = int32(pc)
		}
		m.Handlers = append(m.Handlers, ExceptionHandler{
			Kind:         h.kind,
			CatchTypeID:  h.catchType,
			TryStart:     pcs[0],
			TryEnd:       pcs[1],
			HandlerStart: pcs[2],
			HandlerEnd:   pcs[3],
		})
	}
	return m, nil
}

// MustBuild is Build for statically known programs.
func (b *Builder) MustBuild() *Method {
	m, err := b.Build()
	if err != nil {
		panic(err)
	}
	return m
}

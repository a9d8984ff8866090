package vm

import (
	"sync"
	"sync/atomic"

	"github.com/petermattis/goid"
)

// ---------------------------------------------------------------------------
// Stack: per-goroutine execution context
// ---------------------------------------------------------------------------

// DefaultStackSize is the slot capacity of an execution context.
const DefaultStackSize = 10240

var (
	stackSize  atomic.Int64
	boxCeiling atomic.Int64
	stacks     sync.Map // goroutine id -> *Stack, while bound
	stackCount atomic.Int64
	stacksMade atomic.Int64
	stackPool  sync.Pool
)

func init() {
	stackSize.Store(DefaultStackSize)
	boxCeiling.Store(DefaultBoxCeiling)
}

// SetStackSize sets the capacity of execution contexts created after the
// call.
func SetStackSize(n int) {
	if n > 0 {
		stackSize.Store(int64(n))
	}
}

// SetBoxCeiling sets the largest pooled value size for execution contexts
// created after the call.
func SetBoxCeiling(n int) {
	if n > 0 {
		boxCeiling.Store(int64(n))
	}
}

// Stack is the dual-array evaluation stack of one goroutine. values holds
// the tagged slots; managed holds the side entry of every slot whose kind
// needs one, at the same offset.
//
// A context is bound to a goroutine while a host call is active on it or
// while the goroutine pinned it with CurrentStack. Unbound contexts go back
// to a shared pool, so goroutines that exit keep nothing alive.
type Stack struct {
	values  []Value
	managed []any
	top     int
	boxes   *BoxPool

	gid    int64
	depth  int  // active host entries
	pinned bool // held by CurrentStack until ReleaseStack
}

// NewStack creates a detached execution context.
func NewStack(size int) *Stack {
	return &Stack{
		values:  make([]Value, size),
		managed: make([]any, size),
		boxes:   NewBoxPool(int(boxCeiling.Load())),
	}
}

// bindStack returns the calling goroutine's context, taking one from the
// pool when the goroutine holds none.
func bindStack() *Stack {
	id := goid.Get()
	if s, ok := stacks.Load(id); ok {
		return s.(*Stack)
	}
	size := int(stackSize.Load())
	s, _ := stackPool.Get().(*Stack)
	if s == nil || len(s.values) != size {
		s = NewStack(size)
		stacksMade.Add(1)
		log.Debugf("created execution context for goroutine %d", id)
	}
	s.gid = id
	stacks.Store(id, s)
	stackCount.Add(1)
	return s
}

// unbind returns s to the pool once no entry is active and the goroutine
// no longer pins it.
func (s *Stack) unbind() {
	if s.depth > 0 || s.pinned {
		return
	}
	if s.top != 0 {
		s.clearRange(0, s.top)
		s.top = 0
	}
	stacks.Delete(s.gid)
	stackCount.Add(-1)
	s.gid = 0
	stackPool.Put(s)
}

// enterStack binds the calling goroutine's context for one host entry.
// Every call is paired with leave.
func enterStack() *Stack {
	s := bindStack()
	s.depth++
	return s
}

// leave ends a host entry started by enterStack.
func (s *Stack) leave() {
	s.depth--
	s.unbind()
}

// CurrentStack returns the calling goroutine's execution context and pins
// it to the goroutine until ReleaseStack. Host code using the low-level
// Execute entry point stores arguments through it.
func CurrentStack() *Stack {
	s := bindStack()
	s.pinned = true
	return s
}

// ReleaseStack unpins the calling goroutine's execution context. It is
// returned to the pool once no call is active on it.
func ReleaseStack() {
	if v, ok := stacks.Load(goid.Get()); ok {
		s := v.(*Stack)
		s.pinned = false
		s.unbind()
	}
}

// BoundStacks reports how many execution contexts are bound to
// goroutines.
func BoundStacks() int { return int(stackCount.Load()) }

// Size returns the slot capacity.
func (s *Stack) Size() int { return len(s.values) }

// Top returns the first slot available to a new host call.
func (s *Stack) Top() int { return s.top }

// Boxes returns the context's box pool.
func (s *Stack) Boxes() *BoxPool { return s.boxes }

// Slot returns the tagged slot at pos.
func (s *Stack) Slot(pos int) Value { return s.values[pos] }

// Managed returns the side entry at pos.
func (s *Stack) Managed(pos int) any { return s.managed[pos] }

// LiveManaged counts non-nil side entries in [from, to).
func (s *Stack) LiveManaged(from, to int) int {
	n := 0
	for _, m := range s.managed[from:to] {
		if m != nil {
			n++
		}
	}
	return n
}

// ---------------------------------------------------------------------------
// Slot primitives. Every write of a managed kind goes through these.
// ---------------------------------------------------------------------------

func (s *Stack) ensure(pos int) {
	if pos >= len(s.values) {
		raiseIntegrity(ErrStackOverflow, "")
	}
}

func (s *Stack) setPrimitive(pos int, v Value) {
	s.values[pos] = v
	s.managed[pos] = nil
}

func (s *Stack) setObject(pos int, o any) {
	s.values[pos] = Value{Kind: KindObject, Word1: int32(pos)}
	s.managed[pos] = o
}

func (s *Stack) setBox(pos int, b *Box) {
	s.values[pos] = Value{Kind: KindValueType, Word1: int32(pos)}
	s.managed[pos] = b
}

func (s *Stack) setManaged(pos int, k Kind, word2 int32, o any) {
	s.values[pos] = Value{Kind: k, Word1: int32(pos), Word2: word2}
	s.managed[pos] = o
}

func (s *Stack) object(pos int) any { return s.managed[pos] }

func (s *Stack) box(pos int) *Box {
	b, _ := s.managed[pos].(*Box)
	if b == nil {
		invalidProgram("slot %d holds no value type", pos)
	}
	return b
}

// store assigns src to dst. Value-type payloads are cloned so every slot
// keeps sole ownership of its box.
func (s *Stack) store(dst, src int) {
	if dst == src {
		return
	}
	v := s.values[src]
	switch v.Kind {
	case KindValueType:
		s.setBox(dst, s.boxes.Clone(s.box(src)))
	case KindObject, KindFieldReference, KindChainFieldReference, KindArrayReference:
		s.setManaged(dst, v.Kind, v.Word2, s.managed[src])
	default:
		s.setPrimitive(dst, v)
	}
}

// copy is the load-side entry point of store.
func (s *Stack) copy(dst, src int) { s.store(dst, src) }

// move transfers src to dst without cloning and clears src.
func (s *Stack) move(dst, src int) {
	if dst == src {
		return
	}
	v := s.values[src]
	if v.Kind.Managed() {
		s.setManaged(dst, v.Kind, v.Word2, s.managed[src])
		s.managed[src] = nil
		return
	}
	s.setPrimitive(dst, v)
}

// drop releases the side entry at pos without recycling.
func (s *Stack) drop(pos int) { s.managed[pos] = nil }

// pop releases the slot at pos. A value-type box goes back to the pool.
func (s *Stack) pop(pos int) {
	if s.values[pos].Kind == KindValueType {
		if b, ok := s.managed[pos].(*Box); ok {
			s.boxes.Recycle(b)
		}
	}
	s.managed[pos] = nil
}

// clearRange drops the side entries in [from, to).
func (s *Stack) clearRange(from, to int) {
	if from < 0 {
		from = 0
	}
	if to > len(s.managed) {
		to = len(s.managed)
	}
	if from < to {
		clear(s.managed[from:to])
	}
}

package vm

import "reflect"

// ---------------------------------------------------------------------------
// Box: pooled storage for value types
// ---------------------------------------------------------------------------

const (
	boxClassSize   = 16
	boxClasses     = 256
	boxBucketDepth = 64
)

// DefaultBoxCeiling is the largest value size pooled by default.
const DefaultBoxCeiling = boxClassSize * boxClasses

// Box holds one value-type payload in addressable storage. A ValueType
// stack slot owns its Box exclusively.
type Box struct {
	size int // rounded size class; 0 when recycled or unpooled
	typ  reflect.Type
	val  reflect.Value
}

// Type returns the payload type.
func (b *Box) Type() reflect.Type { return b.typ }

// Value returns the addressable payload.
func (b *Box) Value() reflect.Value { return b.val }

// Interface returns a copy of the payload.
func (b *Box) Interface() any { return b.val.Interface() }

// Pooled reports whether the box currently carries a size class.
func (b *Box) Pooled() bool { return b.size != 0 }

// BoxPool is a size-classed free list of boxes. Pools are owned by one
// execution context and are not safe for concurrent use.
type BoxPool struct {
	buckets [boxClasses][]*Box
	ceiling int
}

// NewBoxPool creates a pool. Types larger than ceiling bytes are never
// pooled; ceiling is clamped to the largest size class.
func NewBoxPool(ceiling int) *BoxPool {
	if ceiling <= 0 || ceiling > DefaultBoxCeiling {
		ceiling = DefaultBoxCeiling
	}
	return &BoxPool{ceiling: ceiling}
}

func boxClass(size int) int {
	return (size+boxClassSize-1)/boxClassSize - 1
}

// Box returns a zeroed box for t.
func (p *BoxPool) Box(t reflect.Type) *Box {
	size := int(t.Size())
	if size == 0 || size > p.ceiling {
		return &Box{typ: t, val: reflect.New(t).Elem()}
	}
	idx := boxClass(size)
	bucket := p.buckets[idx]
	if n := len(bucket); n > 0 {
		b := bucket[n-1]
		bucket[n-1] = nil
		p.buckets[idx] = bucket[:n-1]
		if b.typ != t {
			b.typ = t
			b.val = reflect.New(t).Elem()
		}
		b.size = (idx + 1) * boxClassSize
		return b
	}
	return &Box{size: (idx + 1) * boxClassSize, typ: t, val: reflect.New(t).Elem()}
}

// Clone returns a new box holding a copy of b's payload.
func (p *BoxPool) Clone(b *Box) *Box {
	nb := p.Box(b.typ)
	nb.val.Set(b.val)
	return nb
}

// BoxOf returns a box holding a copy of v.
func (p *BoxPool) BoxOf(v reflect.Value) *Box {
	b := p.Box(v.Type())
	b.val.Set(v)
	return b
}

// Recycle returns b to the pool. Recycling an unpooled or already
// recycled box does nothing.
func (p *BoxPool) Recycle(b *Box) {
	if b == nil || b.size == 0 {
		return
	}
	idx := b.size/boxClassSize - 1
	b.size = 0
	b.val.SetZero()
	if len(p.buckets[idx]) < boxBucketDepth {
		p.buckets[idx] = append(p.buckets[idx], b)
	}
}

// Len returns the number of free boxes in t's size class.
func (p *BoxPool) Len(t reflect.Type) int {
	size := int(t.Size())
	if size == 0 || size > p.ceiling {
		return 0
	}
	return len(p.buckets[boxClass(size)])
}

package vm

import (
	"math"
	"reflect"
	"testing"
)

func TestValueEncoding(t *testing.T) {
	if got := LongValue(math.MinInt64 + 5).Long(); got != math.MinInt64+5 {
		t.Errorf("Long round trip = %d", got)
	}
	if got := DoubleValue(-2.5).Double(); got != -2.5 {
		t.Errorf("Double round trip = %v", got)
	}
	if got := FloatValue(1.25).Float(); got != 1.25 {
		t.Errorf("Float round trip = %v", got)
	}
	v := LongValue(0x1122334455667788)
	if v.Word1 != 0x55667788 || v.Word2 != 0x11223344 {
		t.Errorf("Long words = %#x %#x", v.Word1, v.Word2)
	}
}

func TestKindManaged(t *testing.T) {
	managed := map[Kind]bool{
		KindFieldReference:      true,
		KindChainFieldReference: true,
		KindObject:              true,
		KindValueType:           true,
		KindArrayReference:      true,
	}
	for k := KindInteger; k <= KindArrayReference; k++ {
		if got := k.Managed(); got != managed[k] {
			t.Errorf("%s.Managed() = %v, want %v", k, got, managed[k])
		}
	}
}

// ---------------------------------------------------------------------------
// Slot consistency
// ---------------------------------------------------------------------------

// checkSlots verifies that only slots of a managed kind carry side entries.
func checkSlots(t *testing.T, s *Stack, to int) {
	t.Helper()
	for pos := 0; pos < to; pos++ {
		v := s.Slot(pos)
		if !v.Kind.Managed() && s.Managed(pos) != nil {
			t.Errorf("slot %d of kind %s has side entry %v", pos, v.Kind, s.Managed(pos))
		}
		if (v.Kind == KindObject || v.Kind == KindValueType) && int(v.Word1) != pos {
			t.Errorf("slot %d: Word1 = %d, want own offset", pos, v.Word1)
		}
	}
}

func TestStackStoreClonesValueTypes(t *testing.T) {
	s := NewStack(16)
	s.pushHost(0, reflect.ValueOf(point{1, 2}))
	s.store(1, 0)

	b0, b1 := s.box(0), s.box(1)
	if b0 == b1 {
		t.Fatal("store shared a box between slots")
	}
	b1.Value().Field(0).SetInt(7)
	if got := b0.Interface().(point); got.X != 1 {
		t.Errorf("source slot changed: %+v", got)
	}
	checkSlots(t, s, 2)
}

func TestStackMoveAndPop(t *testing.T) {
	s := NewStack(16)
	pt := reflect.TypeFor[point]()
	s.pushHost(0, reflect.ValueOf(point{1, 2}))
	b := s.box(0)

	s.move(3, 0)
	if s.Managed(0) != nil {
		t.Error("move left the source side entry")
	}
	if s.box(3) != b {
		t.Error("move should transfer the box")
	}

	s.pop(3)
	if s.Managed(3) != nil {
		t.Error("pop left the side entry")
	}
	if n := s.Boxes().Len(pt); n != 1 {
		t.Errorf("pool Len after pop = %d, want 1", n)
	}
}

func TestStackOverwriteClearsSideEntry(t *testing.T) {
	s := NewStack(16)
	s.setObject(0, "x")
	s.setPrimitive(0, IntValue(3))
	if s.Managed(0) != nil {
		t.Error("primitive write kept the side entry")
	}

	s.setObject(1, []int{1})
	s.store(2, 1)
	s.setPrimitive(1, IntValue(0))
	checkSlots(t, s, 3)
	if s.LiveManaged(0, 16) != 1 {
		t.Errorf("LiveManaged = %d, want 1", s.LiveManaged(0, 16))
	}
	s.clearRange(0, 16)
	if s.LiveManaged(0, 16) != 0 {
		t.Error("clearRange left side entries")
	}
}

func TestPushHostKinds(t *testing.T) {
	s := NewStack(4)
	tests := []struct {
		in   any
		kind Kind
	}{
		{true, KindInteger},
		{int8(-3), KindInteger},
		{uint16(9), KindInteger},
		{int32(5), KindInteger},
		{int(5), KindLong},
		{uint64(5), KindLong},
		{float32(1), KindFloat},
		{1.5, KindDouble},
		{point{}, KindValueType},
		{[3]int{}, KindValueType},
		{complex(1, 2), KindValueType},
		{"s", KindObject},
		{&point{}, KindObject},
		{[]int{}, KindObject},
		{map[string]int{}, KindObject},
	}
	for _, tt := range tests {
		s.pushHost(0, reflect.ValueOf(tt.in))
		if got := s.Slot(0).Kind; got != tt.kind {
			t.Errorf("pushHost(%T) kind = %s, want %s", tt.in, got, tt.kind)
		}
	}
}

func TestToHostRoundTrip(t *testing.T) {
	vm, err := New(&Program{})
	if err != nil {
		t.Fatal(err)
	}
	s := NewStack(4)
	tests := []any{
		true, int8(-3), uint8(200), int16(-300), uint16(60000), int32(-7), uint32(4000000000),
		int64(math.MinInt64), uint64(math.MaxUint64), int(-9), uint(9), float32(0.5), 2.25,
		point{1, 2}, "text",
	}
	for _, in := range tests {
		s.pushHost(0, reflect.ValueOf(in))
		out := vm.toHost(s, 0, reflect.TypeOf(in)).Interface()
		if out != in {
			t.Errorf("toHost(pushHost(%T %v)) = %v", in, in, out)
		}
	}
}

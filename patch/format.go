package patch

import (
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"math"
	"unicode/utf8"

	"github.com/chazu/hotfix/vm"
)

// Magic identifies the instruction format of a payload.
const Magic uint64 = 1719456845587952638

// ---------------------------------------------------------------------------
// Format errors
// ---------------------------------------------------------------------------

var (
	ErrBadMagic      = errors.New("instruction magic mismatch")
	ErrUnexpectedEOF = errors.New("unexpected end of payload")
	ErrCorrupt       = errors.New("corrupt payload")
)

// ---------------------------------------------------------------------------
// Payload: the unresolved content of a patch
// ---------------------------------------------------------------------------

// Payload is a decoded patch. Types, methods and fields are still named;
// the linker resolves them against a Host.
type Payload struct {
	Bridge        string
	ExternTypes   []string
	Methods       []*vm.Method
	ExternMethods []MethodRef
	Strings       []string
	Fields        []FieldRef
	Statics       []StaticRef
	Storeys       []StoreyRef
	Target        string
	Redirects     []Redirect
	NewClasses    []string
}

// ParamMode says how bytecode passes a parameter.
type ParamMode uint8

const (
	ParamValue ParamMode = iota
	ParamRef
	ParamOut
)

// Param is one parameter of a method reference. Generic parameters of
// generic method references are named by Generic instead of a type id.
type Param struct {
	Type    int32
	Generic string
	Mode    ParamMode
}

// MethodRef names an extern method by its declaring type, name and
// parameter list.
type MethodRef struct {
	IsGeneric     bool
	DeclaringType int32
	Name          string
	GenericArgs   []int32
	Params        []Param
}

// FieldRef names a field. New fields also carry their type and the method
// computing their initial value (-1 for the zero value).
type FieldRef struct {
	IsNew         bool
	DeclaringType int32
	Name          string
	Type          int32
	Init          int32
}

// StaticRef describes a static field owned by the patch.
type StaticRef struct {
	Type  int32
	Cctor int32
}

// InterfaceSlots binds the methods of one host interface, in the
// interface's method order, to patch methods.
type InterfaceSlots struct {
	Interface int32
	Methods   []int32
}

// StoreyRef describes a closure class.
type StoreyRef struct {
	FieldTypes []int32
	CtorID     int32
	CtorParams int32
	Interfaces []InterfaceSlots
	VTable     []int32
}

// Redirect points patch point Point at method MethodID.
type Redirect struct {
	Point    string
	MethodID int32
}

// ---------------------------------------------------------------------------
// Decoding
// ---------------------------------------------------------------------------

type reader struct {
	data   []byte
	offset int
}

func (r *reader) need(n int) error {
	if n < 0 || r.offset+n > len(r.data) {
		return ErrUnexpectedEOF
	}
	return nil
}

func (r *reader) uint64() (uint64, error) {
	if err := r.need(8); err != nil {
		return 0, err
	}
	v := binary.LittleEndian.Uint64(r.data[r.offset:])
	r.offset += 8
	return v, nil
}

func (r *reader) int32() (int32, error) {
	if err := r.need(4); err != nil {
		return 0, err
	}
	v := int32(binary.LittleEndian.Uint32(r.data[r.offset:]))
	r.offset += 4
	return v, nil
}

func (r *reader) byte() (byte, error) {
	if err := r.need(1); err != nil {
		return 0, err
	}
	b := r.data[r.offset]
	r.offset++
	return b, nil
}

func (r *reader) bool() (bool, error) {
	b, err := r.byte()
	return b != 0, err
}

// count reads a table length. Every entry takes at least one byte, which
// bounds allocations on corrupt input.
func (r *reader) count() (int, error) {
	n, err := r.int32()
	if err != nil {
		return 0, err
	}
	if n < 0 || int(n) > len(r.data)-r.offset {
		return 0, fmt.Errorf("%w: table length %d at offset %d", ErrCorrupt, n, r.offset-4)
	}
	return int(n), nil
}

// string reads a uvarint length-prefixed UTF-8 string.
func (r *reader) string() (string, error) {
	n, w := binary.Uvarint(r.data[r.offset:])
	if w == 0 {
		return "", ErrUnexpectedEOF
	}
	if w < 0 || n > math.MaxInt32 {
		return "", fmt.Errorf("%w: string length at offset %d", ErrCorrupt, r.offset)
	}
	r.offset += w
	if err := r.need(int(n)); err != nil {
		return "", err
	}
	b := r.data[r.offset : r.offset+int(n)]
	if !utf8.Valid(b) {
		return "", fmt.Errorf("%w: invalid UTF-8 at offset %d", ErrCorrupt, r.offset)
	}
	r.offset += int(n)
	return string(b), nil
}

func (r *reader) int32s() ([]int32, error) {
	n, err := r.count()
	if err != nil {
		return nil, err
	}
	out := make([]int32, n)
	for i := range out {
		if out[i], err = r.int32(); err != nil {
			return nil, err
		}
	}
	return out, nil
}

func (r *reader) strings() ([]string, error) {
	n, err := r.count()
	if err != nil {
		return nil, err
	}
	out := make([]string, n)
	for i := range out {
		if out[i], err = r.string(); err != nil {
			return nil, err
		}
	}
	return out, nil
}

// Decode reads a payload.
func Decode(rd io.Reader) (*Payload, error) {
	data, err := io.ReadAll(rd)
	if err != nil {
		return nil, fmt.Errorf("reading payload: %w", err)
	}
	return DecodeBytes(data)
}

// DecodeBytes parses a payload held in memory.
func DecodeBytes(data []byte) (*Payload, error) {
	r := &reader{data: data}
	magic, err := r.uint64()
	if err != nil {
		return nil, err
	}
	if magic != Magic {
		return nil, fmt.Errorf("%w: expected %d, got %d", ErrBadMagic, Magic, magic)
	}

	p := &Payload{}
	steps := []struct {
		section string
		read    func() error
	}{
		{"bridge", func() (err error) { p.Bridge, err = r.string(); return }},
		{"extern types", func() (err error) { p.ExternTypes, err = r.strings(); return }},
		{"methods", func() (err error) { p.Methods, err = r.methods(); return }},
		{"extern methods", func() (err error) { p.ExternMethods, err = r.methodRefs(); return }},
		{"strings", func() (err error) { p.Strings, err = r.strings(); return }},
		{"fields", func() (err error) { p.Fields, err = r.fields(); return }},
		{"statics", func() (err error) { p.Statics, err = r.statics(); return }},
		{"storeys", func() (err error) { p.Storeys, err = r.storeys(); return }},
		{"target", func() (err error) { p.Target, err = r.string(); return }},
		{"redirects", func() (err error) { p.Redirects, err = r.redirects(); return }},
		{"new classes", func() (err error) { p.NewClasses, err = r.strings(); return }},
	}
	for _, s := range steps {
		if err := s.read(); err != nil {
			return nil, fmt.Errorf("%s: %w", s.section, err)
		}
	}
	if r.offset != len(data) {
		return nil, fmt.Errorf("%w: %d trailing bytes", ErrCorrupt, len(data)-r.offset)
	}
	return p, nil
}

func (r *reader) methods() ([]*vm.Method, error) {
	n, err := r.count()
	if err != nil {
		return nil, err
	}
	out := make([]*vm.Method, n)
	for i := range out {
		m := &vm.Method{}
		size, err := r.count()
		if err != nil {
			return nil, fmt.Errorf("method %d: %w", i, err)
		}
		m.Code = make([]vm.Instruction, size)
		for j := range m.Code {
			c, err := r.int32()
			if err != nil {
				return nil, fmt.Errorf("method %d: %w", i, err)
			}
			op, err := r.int32()
			if err != nil {
				return nil, fmt.Errorf("method %d: %w", i, err)
			}
			m.Code[j] = vm.Instruction{Code: vm.Code(c), Operand: op}
		}
		nh, err := r.count()
		if err != nil {
			return nil, fmt.Errorf("method %d handlers: %w", i, err)
		}
		m.Handlers = make([]vm.ExceptionHandler, nh)
		for j := range m.Handlers {
			var w [6]int32
			for k := range w {
				if w[k], err = r.int32(); err != nil {
					return nil, fmt.Errorf("method %d handler %d: %w", i, j, err)
				}
			}
			m.Handlers[j] = vm.ExceptionHandler{
				Kind:         vm.HandlerKind(w[0]),
				CatchTypeID:  w[1],
				TryStart:     w[2],
				TryEnd:       w[3],
				HandlerStart: w[4],
				HandlerEnd:   w[5],
			}
		}
		out[i] = m
	}
	return out, nil
}

func (r *reader) methodRef() (MethodRef, error) {
	var m MethodRef
	var err error
	if m.IsGeneric, err = r.bool(); err != nil {
		return m, err
	}
	if m.DeclaringType, err = r.int32(); err != nil {
		return m, err
	}
	if m.Name, err = r.string(); err != nil {
		return m, err
	}
	if m.IsGeneric {
		if m.GenericArgs, err = r.int32s(); err != nil {
			return m, err
		}
	}
	n, err := r.count()
	if err != nil {
		return m, err
	}
	m.Params = make([]Param, n)
	for i := range m.Params {
		p := &m.Params[i]
		generic := false
		if m.IsGeneric {
			if generic, err = r.bool(); err != nil {
				return m, err
			}
		}
		if generic {
			p.Generic, err = r.string()
		} else {
			p.Type, err = r.int32()
		}
		if err != nil {
			return m, err
		}
		mode, err := r.byte()
		if err != nil {
			return m, err
		}
		if mode > byte(ParamOut) {
			return m, fmt.Errorf("%w: parameter mode %d", ErrCorrupt, mode)
		}
		p.Mode = ParamMode(mode)
	}
	return m, nil
}

func (r *reader) methodRefs() ([]MethodRef, error) {
	n, err := r.count()
	if err != nil {
		return nil, err
	}
	out := make([]MethodRef, n)
	for i := range out {
		if out[i], err = r.methodRef(); err != nil {
			return nil, fmt.Errorf("extern method %d: %w", i, err)
		}
	}
	return out, nil
}

func (r *reader) fields() ([]FieldRef, error) {
	n, err := r.count()
	if err != nil {
		return nil, err
	}
	out := make([]FieldRef, n)
	for i := range out {
		f := &out[i]
		if f.IsNew, err = r.bool(); err != nil {
			return nil, err
		}
		if f.DeclaringType, err = r.int32(); err != nil {
			return nil, err
		}
		if f.Name, err = r.string(); err != nil {
			return nil, err
		}
		f.Init = -1
		if f.IsNew {
			if f.Type, err = r.int32(); err != nil {
				return nil, err
			}
			if f.Init, err = r.int32(); err != nil {
				return nil, err
			}
		}
	}
	return out, nil
}

func (r *reader) statics() ([]StaticRef, error) {
	n, err := r.count()
	if err != nil {
		return nil, err
	}
	out := make([]StaticRef, n)
	for i := range out {
		if out[i].Type, err = r.int32(); err != nil {
			return nil, err
		}
		if out[i].Cctor, err = r.int32(); err != nil {
			return nil, err
		}
	}
	return out, nil
}

func (r *reader) storeys() ([]StoreyRef, error) {
	n, err := r.count()
	if err != nil {
		return nil, err
	}
	out := make([]StoreyRef, n)
	for i := range out {
		s := &out[i]
		if s.FieldTypes, err = r.int32s(); err != nil {
			return nil, err
		}
		if s.CtorID, err = r.int32(); err != nil {
			return nil, err
		}
		if s.CtorParams, err = r.int32(); err != nil {
			return nil, err
		}
		ni, err := r.count()
		if err != nil {
			return nil, err
		}
		for j := 0; j < ni; j++ {
			var is InterfaceSlots
			if is.Interface, err = r.int32(); err != nil {
				return nil, err
			}
			if is.Methods, err = r.int32s(); err != nil {
				return nil, err
			}
			s.Interfaces = append(s.Interfaces, is)
		}
		if s.VTable, err = r.int32s(); err != nil {
			return nil, err
		}
	}
	return out, nil
}

func (r *reader) redirects() ([]Redirect, error) {
	n, err := r.count()
	if err != nil {
		return nil, err
	}
	out := make([]Redirect, n)
	for i := range out {
		if out[i].Point, err = r.string(); err != nil {
			return nil, err
		}
		if out[i].MethodID, err = r.int32(); err != nil {
			return nil, err
		}
	}
	return out, nil
}

// ---------------------------------------------------------------------------
// Encoding
// ---------------------------------------------------------------------------

type writer struct {
	buf bytes.Buffer
}

func (w *writer) uint64(v uint64) {
	w.buf.Write(binary.LittleEndian.AppendUint64(nil, v))
}

func (w *writer) int32(v int32) {
	w.buf.Write(binary.LittleEndian.AppendUint32(nil, uint32(v)))
}

func (w *writer) count(n int) { w.int32(int32(n)) }

func (w *writer) bool(b bool) {
	if b {
		w.buf.WriteByte(1)
	} else {
		w.buf.WriteByte(0)
	}
}

func (w *writer) string(s string) {
	w.buf.Write(binary.AppendUvarint(nil, uint64(len(s))))
	w.buf.WriteString(s)
}

func (w *writer) int32s(vs []int32) {
	w.count(len(vs))
	for _, v := range vs {
		w.int32(v)
	}
}

func (w *writer) strings(ss []string) {
	w.count(len(ss))
	for _, s := range ss {
		w.string(s)
	}
}

// Encode writes p in payload format.
func (p *Payload) Encode(out io.Writer) error {
	_, err := out.Write(p.Bytes())
	return err
}

// Bytes returns p in payload format.
func (p *Payload) Bytes() []byte {
	w := &writer{}
	w.uint64(Magic)
	w.string(p.Bridge)
	w.strings(p.ExternTypes)

	w.count(len(p.Methods))
	for _, m := range p.Methods {
		w.count(len(m.Code))
		for _, ins := range m.Code {
			w.int32(int32(ins.Code))
			w.int32(ins.Operand)
		}
		w.count(len(m.Handlers))
		for _, h := range m.Handlers {
			for _, v := range [6]int32{int32(h.Kind), h.CatchTypeID, h.TryStart, h.TryEnd, h.HandlerStart, h.HandlerEnd} {
				w.int32(v)
			}
		}
	}

	w.count(len(p.ExternMethods))
	for _, m := range p.ExternMethods {
		w.methodRef(m)
	}
	w.strings(p.Strings)

	w.count(len(p.Fields))
	for _, f := range p.Fields {
		w.bool(f.IsNew)
		w.int32(f.DeclaringType)
		w.string(f.Name)
		if f.IsNew {
			w.int32(f.Type)
			w.int32(f.Init)
		}
	}

	w.count(len(p.Statics))
	for _, s := range p.Statics {
		w.int32(s.Type)
		w.int32(s.Cctor)
	}

	w.count(len(p.Storeys))
	for _, s := range p.Storeys {
		w.int32s(s.FieldTypes)
		w.int32(s.CtorID)
		w.int32(s.CtorParams)
		w.count(len(s.Interfaces))
		for _, is := range s.Interfaces {
			w.int32(is.Interface)
			w.int32s(is.Methods)
		}
		w.int32s(s.VTable)
	}

	w.string(p.Target)
	w.count(len(p.Redirects))
	for _, r := range p.Redirects {
		w.string(r.Point)
		w.int32(r.MethodID)
	}
	w.strings(p.NewClasses)
	return w.buf.Bytes()
}

func (w *writer) methodRef(m MethodRef) {
	w.bool(m.IsGeneric)
	w.int32(m.DeclaringType)
	w.string(m.Name)
	if m.IsGeneric {
		w.int32s(m.GenericArgs)
	}
	w.count(len(m.Params))
	for _, p := range m.Params {
		if m.IsGeneric {
			w.bool(p.Generic != "")
		}
		if p.Generic != "" && m.IsGeneric {
			w.string(p.Generic)
		} else {
			w.int32(p.Type)
		}
		w.buf.WriteByte(byte(p.Mode))
	}
}

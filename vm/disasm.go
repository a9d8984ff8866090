package vm

import (
	"fmt"
	"math"
	"strconv"
	"strings"
)

// ---------------------------------------------------------------------------
// Disassembly
// ---------------------------------------------------------------------------

// Disassemble returns a listing of m, one instruction per line, followed
// by its handler table.
func (m *Method) Disassemble() string {
	return disassemble(m, nil)
}

// Disassemble lists method id with operands resolved against the
// program's tables where possible.
func (p *Program) Disassemble(id int) string {
	if id < 0 || id >= len(p.Methods) || p.Methods[id] == nil {
		return fmt.Sprintf("method %d: not present", id)
	}
	return disassemble(p.Methods[id], p)
}

func disassemble(m *Method, p *Program) string {
	var lines []string
	for pc := 0; pc < len(m.Code); {
		line, n := disassembleInstruction(m.Code, pc, p)
		lines = append(lines, line)
		pc += n
	}
	for i, h := range m.Handlers {
		line := fmt.Sprintf("  .%s #%d try %04d..%04d handler %04d..%04d",
			h.Kind, i, h.TryStart, h.TryEnd, h.HandlerStart, h.HandlerEnd)
		if h.Kind == HandlerCatch {
			line += " type " + catchName(h, p)
		}
		lines = append(lines, line)
	}
	return strings.Join(lines, "\n")
}

func catchName(h ExceptionHandler, p *Program) string {
	if h.CatchTypeID == CatchAll {
		return "*"
	}
	if h.CatchType != nil {
		return h.CatchType.String()
	}
	if p != nil && int(h.CatchTypeID) < len(p.ExternTypes) && h.CatchTypeID >= 0 {
		return p.ExternTypes[h.CatchTypeID].String()
	}
	return strconv.Itoa(int(h.CatchTypeID))
}

// disassembleInstruction formats the instruction at pc and reports how
// many slots it occupies.
func disassembleInstruction(code []Instruction, pc int, p *Program) (string, int) {
	ins := code[pc]
	op := ins.Operand
	head := fmt.Sprintf("%04d  %s", pc, ins.Code)

	switch ins.Code {
	case OpStackSpace:
		return fmt.Sprintf("%s locals=%d maxstack=%d", head, uint32(op)>>16, op&0xFFFF), 1

	case OpLdcI8:
		if pc+1 >= len(code) {
			return head + " <truncated>", 1
		}
		return fmt.Sprintf("%s %d", head, int64(wideOperand(code, pc))), 2

	case OpLdcR8:
		if pc+1 >= len(code) {
			return head + " <truncated>", 1
		}
		return fmt.Sprintf("%s %g", head, math.Float64frombits(wideOperand(code, pc))), 2

	case OpLdcR4:
		return fmt.Sprintf("%s %g", head, math.Float32frombits(uint32(op))), 1

	case OpBr, OpBrtrue, OpBrfalse, OpBeq, OpBneUn, OpBge, OpBgeUn, OpBgt, OpBgtUn, OpBle, OpBleUn, OpBlt, OpBltUn:
		return fmt.Sprintf("%s %d (-> %04d)", head, op, pc+int(op)), 1

	case OpLeave:
		return fmt.Sprintf("%s -> %04d", head, op), 1

	case OpSwitch:
		n := int(op)
		slots := (n + 1) >> 1
		if n < 0 || pc+slots >= len(code) {
			return head + " <truncated>", 1
		}
		targets := make([]string, n)
		for i := range targets {
			targets[i] = fmt.Sprintf("%04d", pc+switchTarget(code, pc, i))
		}
		return fmt.Sprintf("%s (%s)", head, strings.Join(targets, ", ")), slots + 1

	case OpCall, OpCallvirt:
		argc, id := splitCallOperand(op)
		return fmt.Sprintf("%s method=%d argc=%d", head, id, argc), 1

	case OpCallvirtvirt:
		argc, slot := splitCallOperand(op)
		return fmt.Sprintf("%s slot=%d argc=%d", head, slot, argc), 1

	case OpCallExtern, OpNewobj:
		argc, id := splitCallOperand(op)
		return fmt.Sprintf("%s %s argc=%d", head, externName(p, id), argc), 1

	case OpLdftn, OpLdvirtftn:
		return fmt.Sprintf("%s %s", head, externName(p, int(op))), 1

	case OpLdstr:
		if p != nil && op >= 0 && int(op) < len(p.Strings) {
			return fmt.Sprintf("%s %q", head, p.Strings[op]), 1
		}
		return fmt.Sprintf("%s string=%d", head, op), 1

	case OpLdtype, OpLdtoken, OpNewarr, OpBox, OpUnbox, OpUnboxAny, OpCastclass, OpIsinst,
		OpInitobj, OpConstrained, OpLdobj, OpStobj, OpLdelemAny, OpStelemAny:
		if p != nil && op >= 0 && int(op) < len(p.ExternTypes) {
			return fmt.Sprintf("%s %s", head, p.ExternTypes[op]), 1
		}
		return fmt.Sprintf("%s type=%d", head, op), 1

	case OpLdfld, OpStfld, OpLdflda:
		if op < 0 {
			return fmt.Sprintf("%s storey.%d", head, -(op + 1)), 1
		}
		return fmt.Sprintf("%s %s", head, fieldName(p, int(op))), 1

	case OpLdsfld, OpStsfld, OpLdsflda:
		if op < 0 {
			return fmt.Sprintf("%s static.%d", head, -(op + 1)), 1
		}
		return fmt.Sprintf("%s %s", head, fieldName(p, int(op))), 1

	case OpRet:
		if op != 0 {
			return head + " value", 1
		}
		return head, 1
	}

	if op != 0 {
		return fmt.Sprintf("%s %d", head, op), 1
	}
	return head, 1
}

func externName(p *Program, id int) string {
	if p != nil && id >= 0 && id < len(p.ExternMethods) && p.ExternMethods[id] != nil {
		return p.ExternMethods[id].String()
	}
	return fmt.Sprintf("extern=%d", id)
}

func fieldName(p *Program, id int) string {
	if p != nil && id < len(p.Fields) && p.Fields[id] != nil {
		return p.Fields[id].String()
	}
	return fmt.Sprintf("field=%d", id)
}

package vm

import "fmt"

// ---------------------------------------------------------------------------
// Opcodes
// ---------------------------------------------------------------------------

// Code is an instruction opcode. The numeric values are fixed by the patch
// format; new opcodes may only be appended.
type Code int32

const (
	OpCgt Code = iota
	OpStelemR8
	OpVolatile
	OpConvOvfI4
	OpAddOvf
	OpConvOvfU4Un
	OpConvOvfU1Un
	OpUnaligned
	OpLdcR4
	OpConvOvfIUn
	OpAnd
	OpNeg
	OpLdindI8
	OpLdelemRef
	OpConvOvfI2Un
	OpAddOvfUn
	OpCpblk
	OpConvOvfI
	OpShrUn
	OpConvOvfU4
	OpRet
	OpXor
	OpClt
	OpConvI
	OpLdindI4
	OpDup
	OpLdelemR4
	OpCltUn
	OpLdarga
	OpSizeof
	OpMul
	OpLocalloc
	OpCkfinite
	OpConvU8
	OpStelemI
	OpOr
	OpBlt
	OpBle
	OpBleUn
	OpBltUn
	OpBgt
	OpBge
	OpBgeUn
	OpBgtUn
	OpBneUn
	OpLdelema
	OpLdftn
	OpNo
	OpLdfld
	OpConvOvfI4Un
	OpTail
	OpInitblk
	OpReadonly
	OpStelemI1
	OpSubOvfUn
	OpLdtoken
	OpLdelemI1
	OpRefanyval
	OpStindI1
	OpDivUn
	OpLdarg
	OpNewanon
	OpLdvirtftn2
	OpConvOvfU2
	OpConvOvfI1Un
	OpBr
	OpMkrefany
	OpLdstr
	OpNewarr
	OpLdtype
	OpConvOvfI1
	OpConvR4
	OpLdcI4
	OpStelemI4
	OpNot
	OpConvU2
	OpRemUn
	OpLdelemU2
	OpConvI4
	OpStobj
	OpBrtrue
	OpConvU4
	OpCall
	OpRem
	OpCastclass
	OpConvOvfI8
	OpConvI8
	OpAdd
	OpLdloc
	OpConvOvfU8Un
	OpCallExtern
	OpConvU1
	OpConvOvfU1
	OpStackSpace
	OpStsfld
	OpShl
	OpLdelemR8
	OpLdelemI8
	OpLdindU4
	OpBreak
	OpSubOvf
	OpConvR8
	OpMulOvf
	OpBrfalse
	OpConvOvfI2
	OpJmp
	OpConvU
	OpLdelemU1
	OpDiv
	OpLdsfld
	OpInitobj
	OpStelemI8
	OpNewobj
	OpStelemAny
	OpConvI2
	OpPop
	OpUnboxAny
	OpCpobj
	OpStindR8
	OpLdindI
	OpConvI1
	OpCgtUn
	OpStelemRef
	OpStindI2
	OpMulOvfUn
	OpLdindR4
	OpConvOvfU
	OpLdelemI
	OpStindI4
	OpNop
	OpThrow
	OpLdobj
	OpEndfinally
	OpLdvirtftn
	OpLdsflda
	OpCallvirtvirt
	OpStindRef
	OpLdnull
	OpStindI8
	OpLdelemU4
	OpConvOvfU8
	OpLdcI8
	OpStindI
	OpUnbox
	OpBeq
	OpSwitch
	OpCallvirt
	OpConstrained
	OpRefanytype
	OpLdindU1
	OpStarg
	OpSub
	OpLdflda
	OpLdindI1
	OpRethrow
	OpLdindU2
	OpLdindR8
	OpLdelemAny
	OpLeave
	OpEndfilter
	OpConvOvfUUn
	OpConvOvfI8Un
	OpStelemR4
	OpStloc
	OpStfld
	OpCeq
	OpBox
	OpLdindI2
	OpShr
	OpArglist
	OpConvRUn
	OpStelemI2
	OpLdindRef
	OpLdcR8
	OpLdelemI4
	OpConvOvfU2Un
	OpStindR4
	OpLdlen
	OpLdloca
	OpLdelemI2
	OpIsinst
	OpCallStaticRI4I4I4Extern
	OpAdd1Loc
	OpAddI4

	numOpcodes
)

// opcodeNames is indexed by Code, ten per row.
var opcodeNames = [numOpcodes]string{
	"cgt", "stelem.r8", "volatile", "conv.ovf.i4", "add.ovf", "conv.ovf.u4.un", "conv.ovf.u1.un", "unaligned", "ldc.r4", "conv.ovf.i.un",
	"and", "neg", "ldind.i8", "ldelem.ref", "conv.ovf.i2.un", "add.ovf.un", "cpblk", "conv.ovf.i", "shr.un", "conv.ovf.u4",
	"ret", "xor", "clt", "conv.i", "ldind.i4", "dup", "ldelem.r4", "clt.un", "ldarga", "sizeof",
	"mul", "localloc", "ckfinite", "conv.u8", "stelem.i", "or", "blt", "ble", "ble.un", "blt.un",
	"bgt", "bge", "bge.un", "bgt.un", "bne.un", "ldelema", "ldftn", "no", "ldfld", "conv.ovf.i4.un",
	"tail", "initblk", "readonly", "stelem.i1", "sub.ovf.un", "ldtoken", "ldelem.i1", "refanyval", "stind.i1", "div.un",
	"ldarg", "newanon", "ldvirtftn2", "conv.ovf.u2", "conv.ovf.i1.un", "br", "mkrefany", "ldstr", "newarr", "ldtype",
	"conv.ovf.i1", "conv.r4", "ldc.i4", "stelem.i4", "not", "conv.u2", "rem.un", "ldelem.u2", "conv.i4", "stobj",
	"brtrue", "conv.u4", "call", "rem", "castclass", "conv.ovf.i8", "conv.i8", "add", "ldloc", "conv.ovf.u8.un",
	"callextern", "conv.u1", "conv.ovf.u1", "stackspace", "stsfld", "shl", "ldelem.r8", "ldelem.i8", "ldind.u4", "break",
	"sub.ovf", "conv.r8", "mul.ovf", "brfalse", "conv.ovf.i2", "jmp", "conv.u", "ldelem.u1", "div", "ldsfld",
	"initobj", "stelem.i8", "newobj", "stelem.any", "conv.i2", "pop", "unbox.any", "cpobj", "stind.r8", "ldind.i",
	"conv.i1", "cgt.un", "stelem.ref", "stind.i2", "mul.ovf.un", "ldind.r4", "conv.ovf.u", "ldelem.i", "stind.i4", "nop",
	"throw", "ldobj", "endfinally", "ldvirtftn", "ldsflda", "callvirtvirt", "stind.ref", "ldnull", "stind.i8", "ldelem.u4",
	"conv.ovf.u8", "ldc.i8", "stind.i", "unbox", "beq", "switch", "callvirt", "constrained", "refanytype", "ldind.u1",
	"starg", "sub", "ldflda", "ldind.i1", "rethrow", "ldind.u2", "ldind.r8", "ldelem.any", "leave", "endfilter",
	"conv.ovf.u.un", "conv.ovf.i8.un", "stelem.r4", "stloc", "stfld", "ceq", "box", "ldind.i2", "shr", "arglist",
	"conv.r.un", "stelem.i2", "ldind.ref", "ldc.r8", "ldelem.i4", "conv.ovf.u2.un", "stind.r4", "ldlen", "ldloca", "ldelem.i2",
	"isinst", "call.static.r.i4.i4.i4.extern", "add1.loc", "add.i4",
}

func (c Code) String() string {
	if c >= 0 && c < numOpcodes {
		return opcodeNames[c]
	}
	return fmt.Sprintf("op(%d)", int32(c))
}

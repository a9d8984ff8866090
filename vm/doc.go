// Package vm implements the hot patch virtual machine.
//
// This package contains:
//   - Tagged stack slots with a parallel managed-object array
//   - Pooled boxes for value types held on the stack
//   - The bytecode interpreter and its exception handling
//   - The reflection bridge to host functions, methods and fields
//   - Closure objects (storeys) and func values backed by bytecode
package vm

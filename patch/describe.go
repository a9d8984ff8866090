package patch

import (
	"fmt"
	"strings"

	"github.com/chazu/hotfix/vm"
)

// Symbols returns an unlinked program for disassembly: the payload's
// methods and strings, with extern methods and fields carrying their
// qualified names only. The result cannot be executed.
func (p *Payload) Symbols() *vm.Program {
	prog := &vm.Program{
		Methods:       p.Methods,
		Strings:       p.Strings,
		ExternMethods: make([]*vm.ExternMethod, len(p.ExternMethods)),
		Fields:        make([]*vm.Field, len(p.Fields)),
	}
	for i, ref := range p.ExternMethods {
		prog.ExternMethods[i] = &vm.ExternMethod{Name: p.MethodName(ref)}
	}
	for i, ref := range p.Fields {
		name := symbol(p.TypeName(ref.DeclaringType), ref.Name)
		if ref.IsNew {
			name += " (new)"
		}
		prog.Fields[i] = &vm.Field{Name: name}
	}
	return prog
}

// TypeName returns the name of extern type id, "" for -1.
func (p *Payload) TypeName(id int32) string {
	switch {
	case id < 0:
		return ""
	case int(id) < len(p.ExternTypes):
		return p.ExternTypes[id]
	}
	return fmt.Sprintf("type#%d", id)
}

// MethodName formats ref as owner.Name[Args](params).
func (p *Payload) MethodName(ref MethodRef) string {
	var b strings.Builder
	b.WriteString(symbol(p.TypeName(ref.DeclaringType), ref.Name))
	if ref.IsGeneric && len(ref.GenericArgs) > 0 {
		args := make([]string, len(ref.GenericArgs))
		for i, id := range ref.GenericArgs {
			args[i] = p.TypeName(id)
		}
		b.WriteString("[" + strings.Join(args, ",") + "]")
	}
	params := make([]string, len(ref.Params))
	for i, pr := range ref.Params {
		name := pr.Generic
		if name == "" {
			name = p.TypeName(pr.Type)
		}
		switch pr.Mode {
		case ParamRef:
			name = "ref " + name
		case ParamOut:
			name = "out " + name
		}
		params[i] = name
	}
	b.WriteString("(" + strings.Join(params, ", ") + ")")
	return b.String()
}

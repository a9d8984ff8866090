package main

import (
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/spf13/cobra"

	"github.com/chazu/hotfix/patch"
)

func readPayload(path string) (*patch.Payload, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()
	p, err := patch.Decode(f)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	return p, nil
}

// ---------------------------------------------------------------------------
// disasm
// ---------------------------------------------------------------------------

var disasmMethod int

var disasmCmd = &cobra.Command{
	Use:   "disasm <payload>",
	Short: "Disassemble the methods of a payload",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		p, err := readPayload(args[0])
		if err != nil {
			return err
		}
		return writeDisassembly(cmd.OutOrStdout(), p, disasmMethod)
	},
}

func init() {
	disasmCmd.Flags().IntVarP(&disasmMethod, "method", "m", -1, "only this method id")
}

// writeDisassembly lists method id, or every method when id is negative.
func writeDisassembly(w io.Writer, p *patch.Payload, id int) error {
	prog := p.Symbols()
	if id >= 0 {
		if id >= len(p.Methods) {
			return fmt.Errorf("method %d out of range (payload has %d)", id, len(p.Methods))
		}
		_, err := fmt.Fprintf(w, "method %d:\n%s\n", id, prog.Disassemble(id))
		return err
	}
	for i := range p.Methods {
		if _, err := fmt.Fprintf(w, "method %d:\n%s\n\n", i, prog.Disassemble(i)); err != nil {
			return err
		}
	}
	return nil
}

// ---------------------------------------------------------------------------
// info
// ---------------------------------------------------------------------------

var infoCmd = &cobra.Command{
	Use:   "info <payload>",
	Short: "Summarize the symbols and redirects of a payload",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		p, err := readPayload(args[0])
		if err != nil {
			return err
		}
		writeInfo(cmd.OutOrStdout(), p)
		return nil
	},
}

func writeInfo(w io.Writer, p *patch.Payload) {
	fmt.Fprintf(w, "target:   %s\n", p.Target)
	if p.Bridge != "" {
		fmt.Fprintf(w, "bridge:   %s\n", p.Bridge)
	}
	fmt.Fprintf(w, "methods:  %d\n", len(p.Methods))
	fmt.Fprintf(w, "strings:  %d\n", len(p.Strings))
	fmt.Fprintf(w, "statics:  %d\n", len(p.Statics))
	fmt.Fprintf(w, "storeys:  %d\n", len(p.Storeys))

	section(w, "types", p.ExternTypes)

	methods := make([]string, len(p.ExternMethods))
	for i, ref := range p.ExternMethods {
		methods[i] = p.MethodName(ref)
	}
	section(w, "extern methods", methods)

	fields := make([]string, len(p.Fields))
	for i, ref := range p.Fields {
		fields[i] = p.TypeName(ref.DeclaringType) + "." + ref.Name
		if ref.IsNew {
			fields[i] += fmt.Sprintf(" new %s init=%d", p.TypeName(ref.Type), ref.Init)
		}
	}
	section(w, "fields", fields)

	redirects := make([]string, len(p.Redirects))
	for i, r := range p.Redirects {
		redirects[i] = fmt.Sprintf("%s -> method %d", r.Point, r.MethodID)
	}
	section(w, "redirects", redirects)

	if len(p.NewClasses) > 0 {
		section(w, "new classes (unsupported)", p.NewClasses)
	}
}

func section(w io.Writer, title string, rows []string) {
	if len(rows) == 0 {
		return
	}
	fmt.Fprintf(w, "\n%s:\n", title)
	for i, row := range rows {
		fmt.Fprintf(w, "  %3d  %s\n", i, strings.TrimSpace(row))
	}
}

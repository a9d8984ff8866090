package main

import (
	"bytes"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/chazu/hotfix/patch"
	"github.com/chazu/hotfix/vm"
)

func samplePayload() *patch.Payload {
	m := vm.NewBuilder(0, 1).
		Emit(vm.OpLdstr, 0).
		Call(vm.OpCallExtern, 1, 0).
		Emit(vm.OpRet, 1).
		MustBuild()
	return &patch.Payload{
		ExternTypes:   []string{"strings", "string"},
		Methods:       []*vm.Method{m},
		ExternMethods: []patch.MethodRef{{DeclaringType: 0, Name: "ToUpper", Params: []patch.Param{{Type: 1}}}},
		Strings:       []string{"hello"},
		Target:        "greeter",
		Redirects:     []patch.Redirect{{Point: "Greet", MethodID: 0}},
	}
}

func writeSample(t *testing.T, dir string) string {
	t.Helper()
	path := filepath.Join(dir, "greeter.patch")
	if err := os.WriteFile(path, samplePayload().Bytes(), 0o644); err != nil {
		t.Fatal(err)
	}
	return path
}

// run executes the root command with args against an empty config
// directory and returns its output.
func run(t *testing.T, dir string, args ...string) string {
	t.Helper()
	var out bytes.Buffer
	rootCmd.SetOut(&out)
	rootCmd.SetErr(&out)
	rootCmd.SetArgs(append([]string{"--config", dir}, args...))
	if err := rootCmd.Execute(); err != nil {
		t.Fatalf("hotfix %s: %v\n%s", strings.Join(args, " "), err, out.String())
	}
	return out.String()
}

func TestInfo(t *testing.T) {
	var out bytes.Buffer
	writeInfo(&out, samplePayload())
	for _, want := range []string{
		"target:   greeter",
		"methods:  1",
		"strings.ToUpper(string)",
		"Greet -> method 0",
	} {
		if !strings.Contains(out.String(), want) {
			t.Errorf("info missing %q:\n%s", want, out.String())
		}
	}
}

func TestDisassembly(t *testing.T) {
	var out bytes.Buffer
	if err := writeDisassembly(&out, samplePayload(), -1); err != nil {
		t.Fatal(err)
	}
	if !strings.Contains(out.String(), "strings.ToUpper(string)") {
		t.Errorf("extern call not named:\n%s", out.String())
	}
	if err := writeDisassembly(&out, samplePayload(), 3); err == nil {
		t.Error("out of range method accepted")
	}
}

func TestDisasmCommand(t *testing.T) {
	dir := t.TempDir()
	out := run(t, dir, "disasm", writeSample(t, dir))
	if !strings.HasPrefix(out, "method 0:") {
		t.Errorf("output = %q", out)
	}
}

func TestStoreCommands(t *testing.T) {
	dir := t.TempDir()
	src := writeSample(t, dir)
	db := filepath.Join(dir, "archive.db")

	out := run(t, dir, "store", "--db", db, "import", src)
	if !strings.Contains(out, `for "greeter"`) {
		t.Errorf("import output = %q", out)
	}
	out = run(t, dir, "store", "--db", db, "import", src)
	if !strings.Contains(out, "already archived") {
		t.Errorf("second import output = %q", out)
	}

	out = run(t, dir, "store", "--db", db, "list")
	if strings.Count(out, "greeter") != 1 {
		t.Errorf("list output = %q", out)
	}

	dst := filepath.Join(dir, "exported.patch")
	run(t, dir, "store", "--db", db, "export", "greeter", "-o", dst)
	got, err := os.ReadFile(dst)
	if err != nil {
		t.Fatal(err)
	}
	if !bytes.Equal(got, samplePayload().Bytes()) {
		t.Error("exported payload differs from the imported one")
	}

	out = run(t, dir, "store", "--db", db, "forget", "greeter")
	if !strings.Contains(out, "deleted 1") {
		t.Errorf("forget output = %q", out)
	}
}

// Package manifest handles hotfix.toml configuration.
package manifest

import (
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/BurntSushi/toml"
	"github.com/chazu/hotfix/vm"
	"github.com/tliron/commonlog"
)

// FileName is the name of the configuration file.
const FileName = "hotfix.toml"

// Manifest represents a hotfix.toml configuration.
type Manifest struct {
	VM       VMConfig       `toml:"vm"`
	Log      LogConfig      `toml:"log"`
	Receiver ReceiverConfig `toml:"receiver"`
	Store    StoreConfig    `toml:"store"`
	Patches  PatchesConfig  `toml:"patches"`

	// Dir is the directory containing the hotfix.toml file (set at load time).
	Dir string `toml:"-"`
}

// VMConfig sizes the execution contexts of the virtual machine.
type VMConfig struct {
	StackSize  int `toml:"stack-size"`
	BoxCeiling int `toml:"box-ceiling"`
}

// LogConfig configures logging.
type LogConfig struct {
	Verbosity int    `toml:"verbosity"`
	File      string `toml:"file"`
}

// ReceiverConfig configures the patch receiver service.
type ReceiverConfig struct {
	Address string `toml:"address"`
	Persist bool   `toml:"persist"`
}

// StoreConfig locates the patch archive.
type StoreConfig struct {
	Path string `toml:"path"`
}

// PatchesConfig locates payload files loaded at startup.
type PatchesConfig struct {
	Dir string `toml:"dir"`
}

// Default returns the configuration used when no hotfix.toml exists.
func Default() *Manifest {
	return &Manifest{
		VM: VMConfig{
			StackSize:  vm.DefaultStackSize,
			BoxCeiling: vm.DefaultBoxCeiling,
		},
		Log:      LogConfig{Verbosity: 1},
		Receiver: ReceiverConfig{Address: "localhost:7171"},
		Store:    StoreConfig{Path: filepath.Join(".hotfix", "patches.db")},
		Patches:  PatchesConfig{Dir: "patches"},
	}
}

// Load parses a hotfix.toml file from the given directory. Settings the
// file leaves out keep their defaults.
func Load(dir string) (*Manifest, error) {
	path := filepath.Join(dir, FileName)
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("cannot read %s: %w", path, err)
	}

	m := Default()
	md, err := toml.Decode(string(data), m)
	if err != nil {
		return nil, fmt.Errorf("parse error in %s: %w", path, err)
	}
	if undecoded := md.Undecoded(); len(undecoded) > 0 {
		keys := make([]string, len(undecoded))
		for i, k := range undecoded {
			keys[i] = k.String()
		}
		return nil, fmt.Errorf("unknown keys in %s: %s", path, strings.Join(keys, ", "))
	}

	m.Dir, err = filepath.Abs(dir)
	if err != nil {
		return nil, fmt.Errorf("cannot resolve path %s: %w", dir, err)
	}
	if m.VM.StackSize < 0 || m.VM.BoxCeiling < 0 {
		return nil, fmt.Errorf("%s: vm sizes must not be negative", path)
	}
	return m, nil
}

// FindAndLoad walks up from startDir to find a hotfix.toml file,
// then loads and returns the manifest. Returns nil if no manifest is found.
func FindAndLoad(startDir string) (*Manifest, error) {
	dir, err := filepath.Abs(startDir)
	if err != nil {
		return nil, err
	}

	for {
		path := filepath.Join(dir, FileName)
		if _, err := os.Stat(path); err == nil {
			return Load(dir)
		}

		parent := filepath.Dir(dir)
		if parent == dir {
			// Reached root
			return nil, nil
		}
		dir = parent
	}
}

// resolve makes p absolute relative to the manifest directory.
func (m *Manifest) resolve(p string) string {
	if p == "" || filepath.IsAbs(p) || m.Dir == "" {
		return p
	}
	return filepath.Join(m.Dir, p)
}

// StorePath returns the absolute path of the patch archive.
func (m *Manifest) StorePath() string { return m.resolve(m.Store.Path) }

// LogFile returns the absolute path of the log file, or "" for stderr.
func (m *Manifest) LogFile() string { return m.resolve(m.Log.File) }

// PatchFiles returns the payload files (*.patch) in the patches
// directory, sorted by name. A missing directory yields none.
func (m *Manifest) PatchFiles() ([]string, error) {
	dir := m.resolve(m.Patches.Dir)
	if dir == "" {
		return nil, nil
	}
	entries, err := os.ReadDir(dir)
	if os.IsNotExist(err) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("reading patches directory: %w", err)
	}
	var files []string
	for _, e := range entries {
		if e.IsDir() || filepath.Ext(e.Name()) != ".patch" {
			continue
		}
		files = append(files, filepath.Join(dir, e.Name()))
	}
	sort.Strings(files)
	return files, nil
}

// Apply pushes the VM and logging settings to the process.
func (m *Manifest) Apply() {
	vm.SetStackSize(m.VM.StackSize)
	vm.SetBoxCeiling(m.VM.BoxCeiling)
	var path *string
	if f := m.LogFile(); f != "" {
		path = &f
	}
	commonlog.Configure(m.Log.Verbosity, path)
}

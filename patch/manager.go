package patch

import (
	"fmt"
	"io"
	"reflect"
	"sort"
	"time"

	"github.com/chazu/hotfix/vm"
	"github.com/google/uuid"
	"github.com/sasha-s/go-deadlock"
	"github.com/tliron/commonlog"
)

var log = commonlog.GetLogger("hotfix.patch")

// Patch is a payload loaded into a machine with its redirects installed.
type Patch struct {
	ID       uuid.UUID
	Target   string
	Machine  *vm.VirtualMachine
	Payload  *Payload
	LoadedAt time.Time

	removers []func()
}

// Redirects returns the names of the patch points p redirects.
func (p *Patch) Redirects() []string {
	names := make([]string, len(p.Payload.Redirects))
	for i, r := range p.Payload.Redirects {
		names[i] = r.Point
	}
	return names
}

func (p *Patch) uninstall() {
	for i := len(p.removers) - 1; i >= 0; i-- {
		p.removers[i]()
	}
	p.removers = nil
}

// ---------------------------------------------------------------------------
// Manager
// ---------------------------------------------------------------------------

// Manager owns the patches loaded into a host, at most one per target.
type Manager struct {
	host *Host

	mu     deadlock.Mutex
	loaded map[string]*Patch
}

// NewManager returns a manager loading patches against h.
func NewManager(h *Host) *Manager {
	return &Manager{host: h, loaded: make(map[string]*Patch)}
}

// Host returns the registry patches are linked against.
func (m *Manager) Host() *Host { return m.host }

// Load decodes a payload and loads it.
func (m *Manager) Load(r io.Reader) (*Patch, error) {
	p, err := Decode(r)
	if err != nil {
		return nil, fmt.Errorf("decoding patch: %w", err)
	}
	return m.LoadPayload(p)
}

// LoadPayload links p, builds its machine and switches its patch points to
// the interpreted methods. A patch already loaded for the same target is
// unloaded first. On error nothing changes.
func (m *Manager) LoadPayload(p *Payload) (*Patch, error) {
	l, err := m.host.link(p)
	if err != nil {
		return nil, err
	}
	var late *lateWrappers
	if l.wrappers != nil {
		late = &lateWrappers{}
		l.program.Wrappers = late
	}
	machine, err := vm.New(l.program)
	if err != nil {
		return nil, fmt.Errorf("building machine for %q: %w", p.Target, err)
	}
	if late != nil {
		late.w = l.wrappers(machine)
	}

	fns := make([]reflect.Value, len(l.redirects))
	for i, r := range l.redirects {
		fns[i] = machine.Delegate(r.point.funcType(), r.methodID, nil)
	}

	patch := &Patch{
		ID:       uuid.New(),
		Target:   p.Target,
		Machine:  machine,
		Payload:  p,
		LoadedAt: time.Now(),
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if prev, ok := m.loaded[p.Target]; ok {
		prev.uninstall()
		log.Infof("replaced patch %s for %q", prev.ID, p.Target)
	}
	for i, r := range l.redirects {
		patch.removers = append(patch.removers, r.point.install(fns[i]))
		log.Debugf("redirected %s to method %d", r.name, r.methodID)
	}
	m.loaded[p.Target] = patch
	log.Infof("loaded patch %s for %q: %d methods, %d redirects", patch.ID, p.Target, len(p.Methods), len(l.redirects))
	return patch, nil
}

// Unload restores the patch points of the patch loaded for target and
// reports whether there was one.
func (m *Manager) Unload(target string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	p, ok := m.loaded[target]
	if !ok {
		return false
	}
	p.uninstall()
	delete(m.loaded, target)
	log.Infof("unloaded patch %s for %q", p.ID, target)
	return true
}

// Get returns the patch loaded for target.
func (m *Manager) Get(target string) (*Patch, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	p, ok := m.loaded[target]
	return p, ok
}

// Loaded returns the loaded patches ordered by target.
func (m *Manager) Loaded() []*Patch {
	m.mu.Lock()
	out := make([]*Patch, 0, len(m.loaded))
	for _, p := range m.loaded {
		out = append(out, p)
	}
	m.mu.Unlock()
	sort.Slice(out, func(i, j int) bool { return out[i].Target < out[j].Target })
	return out
}

// UnloadAll unloads every patch.
func (m *Manager) UnloadAll() {
	m.mu.Lock()
	defer m.mu.Unlock()
	for target, p := range m.loaded {
		p.uninstall()
		delete(m.loaded, target)
	}
}

// lateWrappers lets a wrappers factory see the machine it serves. The
// machine takes its wrappers at construction, before the factory can run.
type lateWrappers struct {
	w vm.Wrappers
}

func (l *lateWrappers) CreateBridge(a *vm.AnonymousStorey) vm.Bridge {
	if l.w == nil {
		return nil
	}
	return l.w.CreateBridge(a)
}

func (l *lateWrappers) CreateDelegate(t reflect.Type, methodID int, target any) any {
	if l.w == nil {
		return nil
	}
	return l.w.CreateDelegate(t, methodID, target)
}

// Package abi implements the ABI module framework (spec.md §4.8): the
// registry of installable personalities and the TransparentExecutor that
// picks one for a given binary and drives exec into a task (spec.md §4.7's
// Exec, delegated to "ABI-delegated via TransparentExecutor::execute_binary").
package abi

import (
	"sync"

	"github.com/scarlet-project/scarlet/pkg/kerr"
	"github.com/scarlet-project/scarlet/pkg/physmem"
	"github.com/scarlet-project/scarlet/pkg/task"
	"github.com/scarlet-project/scarlet/pkg/vfs"
)

// EnvironmentSetup is implemented by ABI modules that build a per-task VFS
// namespace (spec.md §4.8's setup_overlay_environment/
// setup_shared_resources). Kept separate from task.ABIModule — which lives
// in pkg/task to avoid an import cycle — because it needs pkg/vfs types
// pkg/task otherwise never touches.
type EnvironmentSetup interface {
	// SetupOverlayEnvironment mounts an overlay at target's root: baseVFS's
	// systemPath as the lower layer, configPath as the writable upper,
	// giving the ABI its own /usr, /bin, /etc view (spec.md §4.8).
	SetupOverlayEnvironment(target, base *vfs.Manager, systemPath, configPath string) error

	// SetupSharedResources bind-mounts /home and /data/shared from base into
	// target, plus a read-only gateway mount of base at /scarlet (spec.md
	// §4.8).
	SetupSharedResources(target, base *vfs.Manager) error
}

// Registry holds every ABI module available to pick from at exec time.
type Registry struct {
	mu      sync.Mutex
	modules []task.ABIModule
}

// NewRegistry returns an empty Registry.
func NewRegistry() *Registry {
	return &Registry{}
}

// Register installs m, making it a candidate for future CanExecuteBinary
// scoring.
func (r *Registry) Register(m task.ABIModule) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.modules = append(r.modules, m)
}

// Modules returns a snapshot of registered ABI modules.
func (r *Registry) Modules() []task.ABIModule {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]task.ABIModule, len(r.modules))
	copy(out, r.modules)
	return out
}

// ByName finds a registered module by Name(), used by the boot harness to
// assign a task's initial ABI before any exec has happened.
func (r *Registry) ByName(name string) (task.ABIModule, bool) {
	for _, m := range r.Modules() {
		if m.Name() == name {
			return m, true
		}
	}
	return nil, false
}

// VFSBound is implemented by ABI modules that need a reference to the
// task's current VFS namespace to load a binary (argv[0] is resolved
// through it). Registered modules are scoring templates shared across
// tasks; TransparentExecutor clones one per exec and rebinds it here
// before calling ExecuteBinary, so per-task state (fd table, signal state)
// never leaks between tasks.
type VFSBound interface {
	BindVFS(mgr *vfs.Manager)
}

// PhysBound is implemented by ABI modules that load ELF images: loading a
// binary allocates fresh physical frames for its segments and its initial
// stack, the same allocator task.Fork's copyMapping draws from.
// TransparentExecutor binds it alongside VFSBound, after cloning.
type PhysBound interface {
	BindPhys(phys *physmem.Pool)
}

// TransparentExecutor implements spec.md §4.7's Exec and §4.8's
// can_execute_binary scoring.
type TransparentExecutor struct {
	registry *Registry
}

// NewTransparentExecutor builds an executor scoring candidates from r.
func NewTransparentExecutor(r *Registry) *TransparentExecutor {
	return &TransparentExecutor{registry: r}
}

// magicLen is how many leading bytes CanExecuteBinary implementations get
// to inspect; large enough for the ELF 4-byte magic plus headroom for
// other formats (e.g. a "#!" shebang line).
const magicLen = 64

// ExecuteBinary implements spec.md §4.7's Exec steps 1-4:
//  1. resolve path through vfsMgr (the task's current VFS namespace)
//  2. score every registered ABI's CanExecuteBinary, picking the highest,
//     ties broken toward the task's current ABI
//  3. swap t.ABI and have the chosen module load the binary
//  4. let the chosen module decide what happens to existing handles
func (e *TransparentExecutor) ExecuteBinary(t *task.Task, vfsMgr *vfs.Manager, phys *physmem.Pool, path string, argv, envp []string, frame *task.Trapframe) error {
	f, err := vfsMgr.Open(path, vfs.OpenRead)
	if err != nil {
		return err
	}
	defer f.Close()

	magic := make([]byte, magicLen)
	n, rerr := f.Read(magic)
	if rerr != nil && !kerr.Is(rerr, kerr.EndOfStream) {
		return rerr
	}
	magic = magic[:n]

	template, score := e.selectABI(t, magic, path)
	if template == nil || score < 0 {
		return kerr.New(kerr.InvalidData, "no registered ABI can execute %q", path)
	}

	instance := template.Clone()
	if bound, ok := instance.(VFSBound); ok {
		bound.BindVFS(vfsMgr)
	}
	if bound, ok := instance.(PhysBound); ok {
		bound.BindPhys(phys)
	}

	if t.Handles != nil {
		t.Handles = instance.InitializeFromExistingHandles(t, t.Handles)
	}
	t.ABI = instance

	return instance.ExecuteBinary(t, argv, envp, frame)
}

// selectABI scores every registered module, preferring the task's current
// ABI on an exact tie (spec.md §4.7 step 2's "ties are broken toward the
// current ABI").
func (e *TransparentExecutor) selectABI(t *task.Task, magic []byte, path string) (task.ABIModule, int) {
	var best task.ABIModule
	bestScore := -1

	for _, m := range e.registry.Modules() {
		score := m.CanExecuteBinary(magic, path)
		if score < 0 {
			continue
		}
		if best == nil || score > bestScore {
			best, bestScore = m, score
			continue
		}
		if score == bestScore && t.ABI != nil && m.Name() == t.ABI.Name() {
			best = m
		}
	}
	return best, bestScore
}

package vfs

import (
	"path"
	"strings"
	"sync"

	"github.com/scarlet-project/scarlet/pkg/kerr"
	"github.com/scarlet-project/scarlet/pkg/kobj"
)

// Manager is the VfsManager: the public VFS API (spec.md §4.5).
type Manager struct {
	tree *Tree

	mu                 sync.Mutex
	mountedFilesystems []FileSystemOperations // keeps mounted filesystems alive
}

// NewManager constructs a Manager rooted at rootFS.
func NewManager(rootFS FileSystemOperations) *Manager {
	return &Manager{tree: NewTree(rootFS), mountedFilesystems: []FileSystemOperations{rootFS}}
}

// Tree exposes the underlying mount tree, e.g. for the monitor's
// introspection API.
func (m *Manager) Tree() *Tree { return m.tree }

func (m *Manager) resolve(p string, opts ResolveOptions) (*Entry, *Mount, error) {
	root, rootMount := m.tree.Root()
	return m.tree.ResolvePath(p, root, rootMount, opts)
}

// splitParentName splits a path into its parent directory and final
// component (spec.md §4.5's "Path splitting": normalize trailing '/',
// split on final '/'; root is not splittable).
func splitParentName(p string) (parent, name string, err error) {
	clean := path.Clean(p)
	if clean == "/" || clean == "." {
		return "", "", kerr.New(kerr.InvalidOperation, "root is not splittable")
	}
	idx := strings.LastIndex(clean, "/")
	if idx < 0 {
		return ".", clean, nil
	}
	if idx == 0 {
		return "/", clean[1:], nil
	}
	return clean[:idx], clean[idx+1:], nil
}

// Mount implements spec.md §4.5's mount(fs, path, flags): resolves path,
// grafts a Regular mount of fs's root, and retains fs so it outlives the
// mount.
func (m *Manager) Mount(fs FileSystemOperations, p string) error {
	entry, mount, err := m.resolve(p, ResolveOptions{})
	if err != nil {
		return err
	}

	root := NewEntry("", fs.Root(), nil)
	if _, err := m.tree.graft(MountRegular, entry, mount, p, root, fs); err != nil {
		return err
	}

	m.mu.Lock()
	m.mountedFilesystems = append(m.mountedFilesystems, fs)
	m.mu.Unlock()
	return nil
}

// Unmount implements spec.md §4.5's unmount(path): resolves to a mount's
// root, detaches it from its parent, and drops the filesystem reference.
func (m *Manager) Unmount(p string) error {
	entry, mount, err := m.resolve(p, ResolveOptions{})
	if err != nil {
		return err
	}
	if entry != mount.Root {
		return kerr.New(kerr.InvalidOperation, "%q is not a mount point root", p)
	}
	if mount.Parent == nil {
		return kerr.New(kerr.InvalidOperation, "cannot unmount the root filesystem")
	}

	m.tree.detach(mount)

	m.mu.Lock()
	for i, fs := range m.mountedFilesystems {
		if fs == mount.FileSystem() {
			m.mountedFilesystems = append(m.mountedFilesystems[:i:i], m.mountedFilesystems[i+1:]...)
			break
		}
	}
	m.mu.Unlock()
	return nil
}

// BindMount implements spec.md §4.5's bind_mount(source, target): source
// must resolve to a directory, target must not already be a mount point.
// The bind mount's root is the source entry directly, sharing the source
// filesystem rather than retaining a second reference to it.
func (m *Manager) BindMount(sourcePath, targetPath string) error {
	sourceEntry, _, err := m.resolve(sourcePath, ResolveOptions{})
	if err != nil {
		return err
	}
	if sourceEntry.Node().FileType() != Directory {
		return kerr.New(kerr.NotADirectory, "bind mount source %q is not a directory", sourcePath)
	}

	targetEntry, targetMount, err := m.resolve(targetPath, ResolveOptions{})
	if err != nil {
		return err
	}

	_, err = m.tree.graft(MountBind, targetEntry, targetMount, targetPath, sourceEntry, sourceEntry.Node().FileSystem())
	return err
}

// CreateFile implements spec.md §4.5's create_file(path, type).
func (m *Manager) CreateFile(p string, typ FileType) error {
	parentPath, name, err := splitParentName(p)
	if err != nil {
		return err
	}
	parent, _, err := m.resolve(parentPath, ResolveOptions{})
	if err != nil {
		return err
	}

	node, err := parent.Node().FileSystem().Create(parent.Node(), name, typ)
	if err != nil {
		return err
	}
	parent.SetChild(name, NewEntry(name, node, parent))
	return nil
}

// Remove implements spec.md §4.5's remove(path): refuses a target
// involved in a mount.
func (m *Manager) Remove(p string) error {
	parentPath, name, err := splitParentName(p)
	if err != nil {
		return err
	}
	parent, mount, err := m.resolve(parentPath, ResolveOptions{})
	if err != nil {
		return err
	}

	entry, ok := parent.Child(name)
	if !ok {
		target, _, err := m.resolve(p, ResolveOptions{NoFollow: true})
		if err != nil {
			return err
		}
		entry = target
	}
	if _, isMount := mount.childAt(entry.Node().ID()); isMount {
		return kerr.New(kerr.InvalidOperation, "%q is a mount point", p)
	}

	if err := parent.Node().FileSystem().Remove(parent.Node(), name); err != nil {
		return err
	}
	parent.EvictChild(name)
	return nil
}

// Open implements spec.md §4.5's open(path, flags): resolves path and
// wraps the filesystem's FileObject as a kobj.File.
func (m *Manager) Open(p string, flags OpenFlags) (*kobj.File, error) {
	entry, _, err := m.resolve(p, ResolveOptions{})
	if err != nil {
		return nil, err
	}
	fo, err := entry.Node().FileSystem().Open(entry.Node(), flags)
	if err != nil {
		return nil, err
	}
	// vfs.FileObject's method set is exactly kobj.FileBacking's.
	return kobj.NewFile(fo, nil), nil
}

// Readdir implements spec.md §4.5's readdir(path).
func (m *Manager) Readdir(p string) ([]DirEntry, error) {
	entry, _, err := m.resolve(p, ResolveOptions{})
	if err != nil {
		return nil, err
	}
	if entry.Node().FileType() != Directory {
		return nil, kerr.New(kerr.NotADirectory, "%q is not a directory", p)
	}
	return entry.Node().FileSystem().Readdir(entry.Node())
}

// Resolve exposes path resolution directly, e.g. for the task layer's cwd
// handling and ABI modules needing (entry, mount) rather than a FileObject.
func (m *Manager) Resolve(p string, opts ResolveOptions) (*Entry, *Mount, error) {
	return m.resolve(p, opts)
}

package vfs

import "sync"

// MountKind distinguishes a mount's backing shape (spec.md §3.5).
type MountKind int

const (
	MountRegular MountKind = iota
	MountBind
	MountOverlay
)

func (k MountKind) String() string {
	switch k {
	case MountRegular:
		return "Regular"
	case MountBind:
		return "Bind"
	case MountOverlay:
		return "Overlay"
	default:
		return "Unknown"
	}
}

// Mount is a MountPoint: an entry in the mount tree (spec.md §3.5).
type Mount struct {
	mu sync.RWMutex

	ID   uint64
	Path string
	Kind MountKind

	Root *Entry // this mount's root entry

	Parent      *Mount
	ParentEntry *Entry // the entry in Parent this mount is grafted onto

	children map[uint64]*Mount // keyed by the covered entry's node id

	// fs is retained so the filesystem outlives its mount (spec.md §4.5's
	// "mounted_filesystems" vector equivalent). For a Bind mount this is
	// the source entry's filesystem, shared rather than owned: Manager does
	// not add it to its retained list.
	fs FileSystemOperations
}

func newMount(id uint64, path string, kind MountKind, root *Entry, parent *Mount, parentEntry *Entry, fs FileSystemOperations) *Mount {
	return &Mount{
		ID:          id,
		Path:        path,
		Kind:        kind,
		Root:        root,
		Parent:      parent,
		ParentEntry: parentEntry,
		children:    make(map[uint64]*Mount),
		fs:          fs,
	}
}

// Children returns the mounts grafted directly onto this one, for
// introspection (the monitor's "mounts" command walks the whole tree with
// this plus Tree.Root).
func (m *Mount) Children() []*Mount {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]*Mount, 0, len(m.children))
	for _, c := range m.children {
		out = append(out, c)
	}
	return out
}

// childAt returns the mount grafted onto the entry with the given node id,
// if any (spec.md §4.4 step 3's mount-cover check).
func (m *Mount) childAt(nodeID uint64) (*Mount, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	c, ok := m.children[nodeID]
	return c, ok
}

func (m *Mount) attach(nodeID uint64, child *Mount) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.children[nodeID] = child
}

func (m *Mount) detach(nodeID uint64) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.children, nodeID)
}

// FileSystem returns the filesystem backing this mount (the source
// mount's, if this is a Bind mount).
func (m *Mount) FileSystem() FileSystemOperations { return m.fs }

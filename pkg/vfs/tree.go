package vfs

import (
	"strings"
	"sync"

	"github.com/scarlet-project/scarlet/pkg/kerr"
)

// maxSymlinkDepth bounds symbolic link chasing to prevent cycles (spec.md
// §3.5, "typical 40").
const maxSymlinkDepth = 40

// ResolveOptions controls resolve_path's symlink-following behavior
// (spec.md §4.4).
type ResolveOptions struct {
	NoFollow bool
}

// Tree is the MountTree: a graph with one root mount (spec.md §3.5).
type Tree struct {
	mu          sync.RWMutex
	root        *Mount
	nextMountID uint64
}

// NewTree constructs a tree whose root mount wraps rootFS.
func NewTree(rootFS FileSystemOperations) *Tree {
	rootEntry := NewEntry("", rootFS.Root(), nil)
	root := newMount(1, "/", MountRegular, rootEntry, nil, nil, rootFS)
	return &Tree{root: root, nextMountID: 2}
}

// Root returns the tree's root mount and its root entry.
func (t *Tree) Root() (*Entry, *Mount) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.root.Root, t.root
}

// Walk returns every mount in the tree in breadth-first order, root
// first. Used by introspection tools (the monitor's "mounts" command)
// that need a flat view of the mount graph.
func (t *Tree) Walk() []*Mount {
	t.mu.RLock()
	root := t.root
	t.mu.RUnlock()

	var out []*Mount
	queue := []*Mount{root}
	for len(queue) > 0 {
		m := queue[0]
		queue = queue[1:]
		out = append(out, m)
		queue = append(queue, m.Children()...)
	}
	return out
}

func (t *Tree) allocMountID() uint64 {
	t.mu.Lock()
	defer t.mu.Unlock()
	id := t.nextMountID
	t.nextMountID++
	return id
}

// splitPath normalizes duplicate/trailing slashes and splits on "/"
// (spec.md §4.4 step 1).
func splitPath(path string) (absolute bool, components []string) {
	absolute = strings.HasPrefix(path, "/")
	for _, c := range strings.Split(path, "/") {
		if c == "" || c == "." {
			continue
		}
		components = append(components, c)
	}
	return absolute, components
}

// ResolvePath implements spec.md §4.4: resolves path against (startEntry,
// startMount) — used as the starting point for a relative path, ignored
// for an absolute one, which always starts at the tree root.
func (t *Tree) ResolvePath(path string, startEntry *Entry, startMount *Mount, opts ResolveOptions) (*Entry, *Mount, error) {
	depth := 0
	return t.resolve(path, startEntry, startMount, opts, &depth)
}

func (t *Tree) resolve(path string, startEntry *Entry, startMount *Mount, opts ResolveOptions, depth *int) (*Entry, *Mount, error) {
	absolute, components := splitPath(path)

	entry, mount := startEntry, startMount
	if absolute || entry == nil {
		entry, mount = t.Root()
	}

	for i, name := range components {
		last := i == len(components)-1

		if name == ".." {
			entry, mount = t.ascend(entry, mount)
			continue
		}

		child, ok := entry.Child(name)
		if !ok {
			node, err := entry.Node().FileSystem().Lookup(entry.Node(), name)
			if err != nil {
				return nil, nil, err
			}
			child = NewEntry(name, node, entry)
			entry.SetChild(name, child)
		}
		entry = child

		// Loop so a stack of mounts on the same point lands on the topmost.
		for {
			childMount, ok := mount.childAt(entry.Node().ID())
			if !ok {
				break
			}
			mount = childMount
			entry = childMount.Root
		}

		if entry.Node().FileType() == SymbolicLink && (!last || (!opts.NoFollow)) {
			*depth++
			if *depth > maxSymlinkDepth {
				return nil, nil, kerr.New(kerr.TooManySymbolicLinks, "exceeded %d symlink hops resolving %q", maxSymlinkDepth, path)
			}

			target, err := entry.Node().FileSystem().ReadLink(entry.Node())
			if err != nil {
				return nil, nil, err
			}

			rest := strings.Join(components[i+1:], "/")
			nextPath := target
			if rest != "" {
				nextPath = target + "/" + rest
			}

			if strings.HasPrefix(target, "/") {
				return t.resolve(nextPath, nil, nil, opts, depth)
			}
			return t.resolve(nextPath, entry.Parent(), mount, opts, depth)
		}
	}

	return entry, mount, nil
}

// ascend implements ".." (spec.md §4.4 step 2's ".." rule): within a
// mount, go to the parent entry; at a mount's root with a parent mount,
// cross into the parent mount at its cover entry's parent; at the
// absolute root, stay put.
func (t *Tree) ascend(entry *Entry, mount *Mount) (*Entry, *Mount) {
	if entry.Parent() != nil {
		return entry.Parent(), mount
	}

	if mount.Parent == nil {
		return entry, mount // absolute root: identity
	}

	cover := mount.ParentEntry
	if cover.Parent() != nil {
		return cover.Parent(), mount.Parent
	}
	return cover, mount.Parent
}

// graft grafts a new mount of kind onto (coverEntry, ownerMount), keyed by
// coverEntry's node id (spec.md §4.5's mount/bind_mount shared plumbing).
func (t *Tree) graft(kind MountKind, coverEntry *Entry, ownerMount *Mount, path string, root *Entry, fs FileSystemOperations) (*Mount, error) {
	if _, exists := ownerMount.childAt(coverEntry.Node().ID()); exists {
		return nil, kerr.New(kerr.AlreadyExists, "%q is already a mount point", path)
	}
	m := newMount(t.allocMountID(), path, kind, root, ownerMount, coverEntry, fs)
	ownerMount.attach(coverEntry.Node().ID(), m)
	return m, nil
}

// detach removes child from its parent's mount-child map (spec.md §4.5's
// unmount).
func (t *Tree) detach(child *Mount) {
	if child.Parent == nil {
		return
	}
	child.Parent.detach(child.ParentEntry.Node().ID())
}

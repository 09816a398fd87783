// Package tmpfs implements an in-memory vfs.FileSystemOperations: the
// default root filesystem and the writable upper layer an OverlayFS needs
// (spec.md §4.6's "writes require an upper layer").
package tmpfs

import (
	"sync"

	"golang.org/x/crypto/blake2b"

	"github.com/scarlet-project/scarlet/pkg/kerr"
	"github.com/scarlet-project/scarlet/pkg/kobj"
	"github.com/scarlet-project/scarlet/pkg/vfs"
)

type node struct {
	id   uint64
	typ  vfs.FileType
	fs   *FS
	mu   sync.RWMutex
	data []byte
	link string // SymbolicLink target

	deviceMajor, deviceMinor uint32
	linkCount                int
}

func (n *node) ID() uint64             { return n.id }
func (n *node) FileType() vfs.FileType { return n.typ }

func (n *node) Metadata() (vfs.Metadata, error) {
	n.mu.RLock()
	defer n.mu.RUnlock()
	md := vfs.Metadata{
		Size:        int64(len(n.data)),
		Type:        n.typ,
		LinkCount:   n.linkCount,
		DeviceMajor: n.deviceMajor,
		DeviceMinor: n.deviceMinor,
	}
	if n.typ == vfs.RegularFile {
		md.Digest = blake2b.Sum256(n.data)
	}
	return md, nil
}

func (n *node) FileSystem() vfs.FileSystemOperations { return n.fs }

// dirTable maps a directory node's id to its name->child-node-id entries.
type dirTable map[string]uint64

// FS is an in-memory filesystem: every node lives in a flat map, directory
// structure is tracked by a separate name table per directory node.
type FS struct {
	mu       sync.Mutex
	nodes    map[uint64]*node
	children map[uint64]dirTable
	nextID   uint64
	rootID   uint64
}

// New returns an empty tmpfs with a single root directory.
func New() *FS {
	fs := &FS{
		nodes:    make(map[uint64]*node),
		children: make(map[uint64]dirTable),
		nextID:   1,
	}
	root := fs.newNode(vfs.Directory)
	fs.rootID = root.id
	return fs
}

func (fs *FS) newNode(typ vfs.FileType) *node {
	id := fs.nextID
	fs.nextID++
	n := &node{id: id, typ: typ, fs: fs, linkCount: 1}
	fs.nodes[id] = n
	if typ == vfs.Directory {
		fs.children[id] = make(dirTable)
	}
	return n
}

func (fs *FS) Root() vfs.Node {
	fs.mu.Lock()
	defer fs.mu.Unlock()
	return fs.nodes[fs.rootID]
}

func asNode(n vfs.Node) *node { return n.(*node) }

func (fs *FS) Lookup(dir vfs.Node, name string) (vfs.Node, error) {
	fs.mu.Lock()
	defer fs.mu.Unlock()

	d := asNode(dir)
	table, ok := fs.children[d.id]
	if !ok {
		return nil, kerr.New(kerr.NotADirectory, "node %d is not a directory", d.id)
	}
	childID, ok := table[name]
	if !ok {
		return nil, kerr.New(kerr.NotFound, "%q", name)
	}
	return fs.nodes[childID], nil
}

func (fs *FS) Create(dir vfs.Node, name string, typ vfs.FileType) (vfs.Node, error) {
	fs.mu.Lock()
	defer fs.mu.Unlock()

	d := asNode(dir)
	table, ok := fs.children[d.id]
	if !ok {
		return nil, kerr.New(kerr.NotADirectory, "node %d is not a directory", d.id)
	}
	if _, exists := table[name]; exists {
		return nil, kerr.New(kerr.FileExists, "%q", name)
	}

	n := fs.newNode(typ)
	table[name] = n.id
	return n, nil
}

func (fs *FS) Remove(dir vfs.Node, name string) error {
	fs.mu.Lock()
	defer fs.mu.Unlock()

	d := asNode(dir)
	table, ok := fs.children[d.id]
	if !ok {
		return kerr.New(kerr.NotADirectory, "node %d is not a directory", d.id)
	}
	childID, ok := table[name]
	if !ok {
		return kerr.New(kerr.NotFound, "%q", name)
	}

	child := fs.nodes[childID]
	if child.typ == vfs.Directory {
		if len(fs.children[childID]) > 0 {
			return kerr.New(kerr.InvalidOperation, "directory %q not empty", name)
		}
	}

	delete(table, name)
	child.mu.Lock()
	child.linkCount--
	reclaim := child.linkCount <= 0
	child.mu.Unlock()

	if reclaim {
		delete(fs.nodes, childID)
		delete(fs.children, childID)
	}
	return nil
}

func (fs *FS) Readdir(dir vfs.Node) ([]vfs.DirEntry, error) {
	fs.mu.Lock()
	defer fs.mu.Unlock()

	d := asNode(dir)
	table, ok := fs.children[d.id]
	if !ok {
		return nil, kerr.New(kerr.NotADirectory, "node %d is not a directory", d.id)
	}

	out := make([]vfs.DirEntry, 0, len(table))
	for name, id := range table {
		n := fs.nodes[id]
		out = append(out, vfs.DirEntry{Name: name, FileType: n.typ, FileID: id})
	}
	return out, nil
}

func (fs *FS) Open(n vfs.Node, flags vfs.OpenFlags) (vfs.FileObject, error) {
	target := asNode(n)
	if flags&vfs.OpenTruncate != 0 {
		target.mu.Lock()
		target.data = nil
		target.mu.Unlock()
	}
	pos := int64(0)
	if flags&vfs.OpenAppend != 0 {
		target.mu.RLock()
		pos = int64(len(target.data))
		target.mu.RUnlock()
	}
	return &file{node: target, pos: pos, writable: flags&vfs.OpenWrite != 0}, nil
}

func (fs *FS) ReadLink(n vfs.Node) (string, error) {
	target := asNode(n)
	if target.typ != vfs.SymbolicLink {
		return "", kerr.New(kerr.InvalidOperation, "node %d is not a symlink", target.id)
	}
	return target.link, nil
}

// CreateSymlink is a tmpfs-specific constructor (spec.md §3.5's
// SymbolicLink(target) node type; the generic Create contract has no way
// to pass a link target, so this is exposed separately for callers that
// know they're building a tmpfs tree directly, e.g. boot harness
// initramfs population).
func (fs *FS) CreateSymlink(dir vfs.Node, name, target string) (vfs.Node, error) {
	n, err := fs.Create(dir, name, vfs.SymbolicLink)
	if err != nil {
		return nil, err
	}
	asNode(n).link = target
	return n, nil
}

func (fs *FS) Link(dir vfs.Node, name string, target vfs.Node) error {
	fs.mu.Lock()
	defer fs.mu.Unlock()

	d := asNode(dir)
	table, ok := fs.children[d.id]
	if !ok {
		return kerr.New(kerr.NotADirectory, "node %d is not a directory", d.id)
	}
	if _, exists := table[name]; exists {
		return kerr.New(kerr.FileExists, "%q", name)
	}

	t := asNode(target)
	table[name] = t.id
	t.mu.Lock()
	t.linkCount++
	t.mu.Unlock()
	return nil
}

func (fs *FS) Unlink(dir vfs.Node, name string) error {
	return fs.Remove(dir, name)
}

// file is tmpfs's vfs.FileObject.
type file struct {
	mu       sync.Mutex
	node     *node
	pos      int64
	writable bool
}

func (f *file) Read(buf []byte) (int, error) {
	f.node.mu.RLock()
	defer f.node.mu.RUnlock()

	if f.pos >= int64(len(f.node.data)) {
		return 0, kerr.New(kerr.EndOfStream, "")
	}
	n := copy(buf, f.node.data[f.pos:])
	f.pos += int64(n)
	return n, nil
}

func (f *file) Write(buf []byte) (int, error) {
	if !f.writable {
		return 0, kerr.New(kerr.ReadOnly, "file not opened for write")
	}

	f.node.mu.Lock()
	defer f.node.mu.Unlock()

	end := f.pos + int64(len(buf))
	if end > int64(len(f.node.data)) {
		grown := make([]byte, end)
		copy(grown, f.node.data)
		f.node.data = grown
	}
	copy(f.node.data[f.pos:end], buf)
	f.pos = end
	return len(buf), nil
}

func (f *file) Seek(offset int64, whence int) (int64, error) {
	f.node.mu.RLock()
	size := int64(len(f.node.data))
	f.node.mu.RUnlock()

	var newPos int64
	switch whence {
	case 0:
		newPos = offset
	case 1:
		newPos = f.pos + offset
	case 2:
		newPos = size + offset
	default:
		return 0, kerr.New(kerr.InvalidOperation, "invalid whence %d", whence)
	}
	if newPos < 0 {
		return 0, kerr.New(kerr.InvalidOperation, "negative seek position")
	}
	f.pos = newPos
	return newPos, nil
}

func (f *file) Stat() (kobj.Metadata, error) {
	f.node.mu.RLock()
	defer f.node.mu.RUnlock()
	return kobj.Metadata{Size: int64(len(f.node.data)), FileType: f.node.typ.String()}, nil
}

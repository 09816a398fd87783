// Package overlay implements OverlayFS: an ordered stack of lower,
// read-only layers with an optional writable upper layer (spec.md §4.6).
package overlay

import (
	"strings"
	"sync"

	"github.com/scarlet-project/scarlet/pkg/kerr"
	"github.com/scarlet-project/scarlet/pkg/klog"
	"github.com/scarlet-project/scarlet/pkg/vfs"
)

var log = klog.New("vfs/overlay")

const whiteoutPrefix = ".wh."

func whiteoutName(name string) string { return whiteoutPrefix + name }

// Layer identifies one layer's presence at the overlay's mount point: the
// filesystem backing it and that filesystem's root node.
type Layer struct {
	FS   vfs.FileSystemOperations
	Root vfs.Node
}

// node is an overlay VfsNode. Directories merge their backing node across
// every layer that has one (readdir and further lookups union across all
// of them); non-directories pin a single winning layer, chosen upper-first
// then lowers in order, which fully shadows the rest (spec.md §4.6's
// Lookup rule).
type node struct {
	fs  *FS
	id  uint64
	typ vfs.FileType

	upperNode  vfs.Node   // directories only; nil if this dir has no upper counterpart
	lowerNodes []vfs.Node // directories only; aligned with fs.lowers, nil entries allowed

	winNode    vfs.Node // non-directories only
	winFS      vfs.FileSystemOperations
	winIsUpper bool

	parentDir *node // nil for the overlay root
	ownName   string
}

func (n *node) ID() uint64             { return n.id }
func (n *node) FileType() vfs.FileType { return n.typ }
func (n *node) FileSystem() vfs.FileSystemOperations { return n.fs }

func (n *node) Metadata() (vfs.Metadata, error) {
	if n.typ == vfs.Directory {
		return vfs.Metadata{Type: vfs.Directory}, nil
	}
	meta, err := n.winNode.Metadata()
	if err != nil {
		return vfs.Metadata{}, err
	}
	meta.Type = n.typ
	return meta, nil
}

// FS is an OverlayFS instance over a fixed set of lower layers plus an
// optional upper layer (spec.md §4.6).
type FS struct {
	mu     sync.Mutex
	lowers []Layer
	upper  *Layer
	root   *node
	nextID uint64
}

// New builds an overlay over lowers (index 0 shadows later lowers) with
// an optional upper layer. A nil upper makes the overlay read-only.
func New(lowers []Layer, upper *Layer) *FS {
	f := &FS{lowers: lowers, upper: upper, nextID: 2}

	root := &node{fs: f, id: 1, typ: vfs.Directory}
	if upper != nil {
		root.upperNode = upper.Root
	}
	root.lowerNodes = make([]vfs.Node, len(lowers))
	for i, l := range lowers {
		root.lowerNodes[i] = l.Root
	}
	f.root = root
	return f
}

func (f *FS) allocID() uint64 {
	f.mu.Lock()
	defer f.mu.Unlock()
	id := f.nextID
	f.nextID++
	return id
}

func (f *FS) Root() vfs.Node { return f.root }

func asNode(n vfs.Node) *node { return n.(*node) }

// Lookup implements spec.md §4.6's Lookup(name): upper wins if present
// (or masks the name entirely via a whiteout), else the first lower in
// order that has the name. A directory result is re-resolved across every
// layer so the merged node's children stay a union of all of them.
func (f *FS) Lookup(dir vfs.Node, name string) (vfs.Node, error) {
	d := asNode(dir)
	if d.typ != vfs.Directory {
		return nil, kerr.New(kerr.NotADirectory, "node %d is not a directory", d.id)
	}

	var upperChild vfs.Node
	upperFound := false
	if d.upperNode != nil {
		c, err := f.upper.FS.Lookup(d.upperNode, name)
		switch {
		case err == nil:
			upperChild, upperFound = c, true
		case kerr.Is(err, kerr.NotFound):
			if _, werr := f.upper.FS.Lookup(d.upperNode, whiteoutName(name)); werr == nil {
				return nil, kerr.New(kerr.NotFound, "%q", name)
			}
		default:
			return nil, err
		}
	}

	lowerChildren := make([]vfs.Node, len(f.lowers))
	firstLower := -1
	for i := range f.lowers {
		pl := d.lowerNodes[i]
		if pl == nil {
			continue
		}
		c, err := f.lowers[i].FS.Lookup(pl, name)
		switch {
		case err == nil:
			lowerChildren[i] = c
			if firstLower == -1 {
				firstLower = i
			}
		case kerr.Is(err, kerr.NotFound):
			// not present in this layer
		default:
			return nil, err
		}
	}

	if !upperFound && firstLower == -1 {
		return nil, kerr.New(kerr.NotFound, "%q", name)
	}

	var winType vfs.FileType
	if upperFound {
		winType = upperChild.FileType()
	} else {
		winType = lowerChildren[firstLower].FileType()
	}

	child := &node{fs: f, id: f.allocID(), typ: winType, parentDir: d, ownName: name}

	if winType == vfs.Directory {
		if upperFound && upperChild.FileType() == vfs.Directory {
			child.upperNode = upperChild
		}
		child.lowerNodes = make([]vfs.Node, len(f.lowers))
		for i, c := range lowerChildren {
			if c != nil && c.FileType() == vfs.Directory {
				child.lowerNodes[i] = c
			}
		}
		return child, nil
	}

	if upperFound {
		child.winNode, child.winFS, child.winIsUpper = upperChild, f.upper.FS, true
	} else {
		child.winNode, child.winFS = lowerChildren[firstLower], f.lowers[firstLower].FS
	}
	return child, nil
}

// Readdir implements spec.md §4.6's union readdir: upper entries (minus
// whiteouts) plus every lower entry not hidden by a whiteout or already
// shadowed by a higher layer, plus "." and "..".
func (f *FS) Readdir(dir vfs.Node) ([]vfs.DirEntry, error) {
	d := asNode(dir)
	if d.typ != vfs.Directory {
		return nil, kerr.New(kerr.NotADirectory, "node %d is not a directory", d.id)
	}

	seen := make(map[string]bool)
	whiteouts := make(map[string]bool)
	var out []vfs.DirEntry

	if d.upperNode != nil {
		entries, err := f.upper.FS.Readdir(d.upperNode)
		if err != nil {
			return nil, err
		}
		for _, e := range entries {
			if strings.HasPrefix(e.Name, whiteoutPrefix) {
				whiteouts[strings.TrimPrefix(e.Name, whiteoutPrefix)] = true
				continue
			}
			out = append(out, e)
			seen[e.Name] = true
		}
	}

	for i := range f.lowers {
		pl := d.lowerNodes[i]
		if pl == nil {
			continue
		}
		entries, err := f.lowers[i].FS.Readdir(pl)
		if err != nil {
			return nil, err
		}
		for _, e := range entries {
			if whiteouts[e.Name] || seen[e.Name] {
				continue
			}
			out = append(out, e)
			seen[e.Name] = true
		}
	}

	parentID := uint64(0)
	if d.parentDir != nil {
		parentID = d.parentDir.id
	}
	out = append(out,
		vfs.DirEntry{Name: ".", FileType: vfs.Directory, FileID: d.id},
		vfs.DirEntry{Name: "..", FileType: vfs.Directory, FileID: parentID},
	)
	return out, nil
}

// ensureUpperDir copy-ups the directory chain down to n so it has an
// upper-layer counterpart, creating intermediate upper directories as
// needed (spec.md §4.6's "create it on demand via copy-up of the
// directory").
func (f *FS) ensureUpperDir(n *node) (vfs.Node, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.ensureUpperDirLocked(n)
}

func (f *FS) ensureUpperDirLocked(n *node) (vfs.Node, error) {
	if n.upperNode != nil {
		return n.upperNode, nil
	}
	if f.upper == nil {
		return nil, kerr.New(kerr.ReadOnly, "overlay has no upper layer")
	}
	if n.parentDir == nil {
		n.upperNode = f.upper.Root
		return n.upperNode, nil
	}

	parentUpper, err := f.ensureUpperDirLocked(n.parentDir)
	if err != nil {
		return nil, err
	}
	created, err := f.upper.FS.Create(parentUpper, n.ownName, vfs.Directory)
	if err != nil {
		return nil, err
	}
	n.upperNode = created
	return created, nil
}

// Create implements spec.md §4.6's "Create: directly in upper".
func (f *FS) Create(dir vfs.Node, name string, typ vfs.FileType) (vfs.Node, error) {
	d := asNode(dir)
	upperDir, err := f.ensureUpperDir(d)
	if err != nil {
		return nil, err
	}

	// Clear any whiteout that would otherwise mask the new entry.
	f.upper.FS.Remove(upperDir, whiteoutName(name))

	created, err := f.upper.FS.Create(upperDir, name, typ)
	if err != nil {
		return nil, err
	}

	child := &node{fs: f, id: f.allocID(), typ: typ, parentDir: d, ownName: name}
	if typ == vfs.Directory {
		child.upperNode = created
		child.lowerNodes = make([]vfs.Node, len(f.lowers))
	} else {
		child.winNode, child.winFS, child.winIsUpper = created, f.upper.FS, true
	}
	return child, nil
}

// Remove implements spec.md §4.6's Remove: drop the upper entry directly
// if it only exists there; otherwise leave a whiteout so the lower
// layer's entry stays hidden.
func (f *FS) Remove(dir vfs.Node, name string) error {
	d := asNode(dir)

	existsUpper := false
	if d.upperNode != nil {
		if _, err := f.upper.FS.Lookup(d.upperNode, name); err == nil {
			existsUpper = true
		} else if !kerr.Is(err, kerr.NotFound) {
			return err
		}
	}

	existsLower := false
	for i := range f.lowers {
		pl := d.lowerNodes[i]
		if pl == nil {
			continue
		}
		if _, err := f.lowers[i].FS.Lookup(pl, name); err == nil {
			existsLower = true
			break
		} else if !kerr.Is(err, kerr.NotFound) {
			return err
		}
	}

	if !existsUpper && !existsLower {
		return kerr.New(kerr.NotFound, "%q", name)
	}

	if existsUpper {
		if err := f.upper.FS.Remove(d.upperNode, name); err != nil {
			return err
		}
	}
	if existsLower {
		upperDir, err := f.ensureUpperDir(d)
		if err != nil {
			return err
		}
		if _, err := f.upper.FS.Create(upperDir, whiteoutName(name), vfs.RegularFile); err != nil && !kerr.Is(err, kerr.FileExists) {
			return err
		}
	}
	return nil
}

func (f *FS) Unlink(dir vfs.Node, name string) error { return f.Remove(dir, name) }

// Open implements spec.md §4.6's Open/copy-up rule: a write-mode open of
// a lower-only file copies its contents into the upper layer first.
func (f *FS) Open(n vfs.Node, flags vfs.OpenFlags) (vfs.FileObject, error) {
	target := asNode(n)
	if target.typ == vfs.Directory {
		return nil, kerr.New(kerr.NotAFile, "cannot open a directory")
	}
	if flags&vfs.OpenWrite != 0 && !target.winIsUpper {
		if err := f.copyUp(target); err != nil {
			return nil, err
		}
	}
	return target.winFS.Open(target.winNode, flags)
}

func (f *FS) copyUp(target *node) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if target.winIsUpper {
		return nil
	}
	if f.upper == nil {
		return kerr.New(kerr.ReadOnly, "overlay has no upper layer")
	}

	parentUpper, err := f.ensureUpperDirLocked(target.parentDir)
	if err != nil {
		return err
	}
	created, err := f.upper.FS.Create(parentUpper, target.ownName, target.typ)
	if err != nil {
		return err
	}

	lowerMD, lowerMDErr := target.winNode.Metadata()

	src, err := target.winFS.Open(target.winNode, vfs.OpenRead)
	if err != nil {
		return err
	}
	dst, err := f.upper.FS.Open(created, vfs.OpenWrite)
	if err != nil {
		return err
	}

	buf := make([]byte, 4096)
	for {
		n, rerr := src.Read(buf)
		if n > 0 {
			if _, werr := dst.Write(buf[:n]); werr != nil {
				return werr
			}
		}
		if rerr != nil {
			if kerr.Is(rerr, kerr.EndOfStream) {
				break
			}
			return rerr
		}
	}

	// Digests only cover RegularFile content (spec.md §4.6); a mismatch
	// here means the lower layer mutated between the read above and this
	// check, which the copy-up contract doesn't expect.
	if lowerMDErr == nil && target.typ == vfs.RegularFile {
		if upperMD, err := created.Metadata(); err == nil && lowerMD.Digest != upperMD.Digest {
			log.Warn("copy-up digest mismatch for %s: lower layer changed mid-copy", target.ownName)
		}
	}

	target.winNode = created
	target.winFS = f.upper.FS
	target.winIsUpper = true
	return nil
}

func (f *FS) ReadLink(n vfs.Node) (string, error) {
	target := asNode(n)
	if target.typ != vfs.SymbolicLink {
		return "", kerr.New(kerr.InvalidOperation, "node %d is not a symlink", target.id)
	}
	return target.winFS.ReadLink(target.winNode)
}

// Link hard-links name to target in the upper layer. target must already
// have been copied up; overlay doesn't synthesize cross-layer hard links.
func (f *FS) Link(dir vfs.Node, name string, target vfs.Node) error {
	d := asNode(dir)
	t := asNode(target)
	if !t.winIsUpper {
		return kerr.New(kerr.NotSupported, "cannot hard-link a node that has not been copied up")
	}
	upperDir, err := f.ensureUpperDir(d)
	if err != nil {
		return err
	}
	return f.upper.FS.Link(upperDir, name, t.winNode)
}

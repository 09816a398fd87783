// Package vfs implements the VFS v2 mount tree: path resolution, bind
// mounts, and the public VfsManager API (spec.md §3.5, §4.4, §4.5).
package vfs

import "github.com/scarlet-project/scarlet/pkg/kobj"

// FileType is a VfsNode's kind (spec.md §3.5).
type FileType int

const (
	RegularFile FileType = iota
	Directory
	SymbolicLink
	CharDevice
	BlockDevice
	NamedPipe
	Socket
)

func (t FileType) String() string {
	switch t {
	case RegularFile:
		return "RegularFile"
	case Directory:
		return "Directory"
	case SymbolicLink:
		return "SymbolicLink"
	case CharDevice:
		return "CharDevice"
	case BlockDevice:
		return "BlockDevice"
	case NamedPipe:
		return "Pipe"
	case Socket:
		return "Socket"
	default:
		return "Unknown"
	}
}

// Metadata is a node's filesystem-level metadata (spec.md §3.5). This is
// richer than kobj.Metadata, which only carries what a KernelObject.Stat()
// needs; FileObject.Stat narrows this down when wrapping a node as a File
// KernelObject.
type Metadata struct {
	Size      int64
	Type      FileType
	LinkCount int
	// DeviceMajor/DeviceMinor are meaningful only for Char/BlockDevice
	// nodes (spec.md §6.3).
	DeviceMajor, DeviceMinor uint32
	// Digest is a blake2b-256 content hash of a RegularFile's data, kept
	// up to date by filesystems that populate it. A zero Digest means the
	// backing filesystem doesn't compute one (e.g. device nodes, or a
	// filesystem that hasn't implemented digesting). Used by overlay
	// copy-up to detect whether a lower-layer file actually changed
	// (spec.md §4.6).
	Digest [32]byte
}

// Node is a VfsNode: a filesystem-native object, an inode-equivalent
// (spec.md §3.5). A stable id is unique within its owning filesystem, not
// globally.
type Node interface {
	ID() uint64
	FileType() FileType
	Metadata() (Metadata, error)
	FileSystem() FileSystemOperations
}

// DirEntry is one readdir result: a canonical internal entry (spec.md
// §4.5).
type DirEntry struct {
	Name     string
	FileType FileType
	FileID   uint64
}

// OpenFlags controls Open's access mode (spec.md §4.5).
type OpenFlags uint32

const (
	OpenRead OpenFlags = 1 << iota
	OpenWrite
	OpenCreate
	OpenTruncate
	OpenAppend
)

// FileObject is what FileSystemOperations.Open returns: enough surface to
// wrap as a kobj.File KernelObject (spec.md §4.5's "wrap in
// KernelObject::File").
type FileObject interface {
	Read(buf []byte) (int, error)
	Write(buf []byte) (int, error)
	Seek(offset int64, whence int) (int64, error)
	Stat() (kobj.Metadata, error)
}

// FileSystemOperations is the per-filesystem backend a VfsNode defers to
// (spec.md §3.5). Individual on-disk encodings (ext2, FAT32, CPIO) are
// out of scope (spec.md §1); this is the contract the core consumes.
type FileSystemOperations interface {
	// Root returns the filesystem's root node.
	Root() Node

	Lookup(dir Node, name string) (Node, error)
	Create(dir Node, name string, typ FileType) (Node, error)
	Remove(dir Node, name string) error
	Readdir(dir Node) ([]DirEntry, error)
	Open(n Node, flags OpenFlags) (FileObject, error)
	ReadLink(n Node) (string, error)
	Link(dir Node, name string, target Node) error
	Unlink(dir Node, name string) error
}

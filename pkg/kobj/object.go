// Package kobj implements the per-task handle table and the KernelObject
// tagged union of capability types (spec.md §3.4).
package kobj

import "github.com/scarlet-project/scarlet/pkg/kerr"

// Kind identifies a KernelObject's variant.
type Kind int

const (
	KindFile Kind = iota
	KindStream
	KindPipe
	KindEventChannel
	KindEventSubscription
)

func (k Kind) String() string {
	switch k {
	case KindFile:
		return "File"
	case KindStream:
		return "Stream"
	case KindPipe:
		return "Pipe"
	case KindEventChannel:
		return "EventChannel"
	case KindEventSubscription:
		return "EventSubscription"
	default:
		return "Unknown"
	}
}

// Object is the common surface every KernelObject variant implements.
type Object interface {
	Kind() Kind
	Close() error
}

// Streamer is the byte read/write capability shared by File, Stream and
// Pipe variants.
type Streamer interface {
	Read(buf []byte) (int, error)
	Write(buf []byte) (int, error)
}

// Seeker repositions a stream's cursor. Only File satisfies this.
type Seeker interface {
	Seek(offset int64, whence int) (int64, error)
}

// Metadata exposes file-like metadata (size, file type) without a full VFS
// dependency, so kobj never needs to import pkg/vfs.
type Metadata struct {
	Size     int64
	FileType string
}

// MetadataProvider is satisfied by variants that can report Metadata.
type MetadataProvider interface {
	Stat() (Metadata, error)
}

// Controller exposes device/ioctl-style control operations. Only File
// (backing a device node) satisfies this in practice.
type Controller interface {
	Control(op int, arg []byte) ([]byte, error)
}

// MemoryMapper exposes the mmap-equivalent capability.
type MemoryMapper interface {
	MapInto(vmm interface {
		AddMapping(vaddrHint uintptr, length uintptr, writable bool) (uintptr, error)
	}) (uintptr, error)
}

// CloneOps lets a variant control how it behaves across fork (spec.md
// §3.4): File/Stream clone by sharing the underlying node or buffer, Event
// channels need a custom clone hook.
type CloneOps interface {
	// Clone returns the object installed into the child's handle table.
	// Implementations decide sharing semantics themselves.
	Clone() (Object, error)
}

// genericClone is the default CloneOps.Clone for variants with no special
// semantics: it returns the same underlying object, sharing state (the
// §3.4 "File clones share the underlying node" / "Stream pipes share
// buffers" rule).
func genericClone(o Object) (Object, error) {
	return o, nil
}

var errNotSupported = kerr.New(kerr.NotSupported, "operation not supported by this object")

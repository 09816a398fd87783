package kobj

// FileBacking is whatever a filesystem hands back from open(): enough to
// satisfy Stream + Seek + Metadata. Control is optional (most regular
// files don't support ioctl-style operations); File type-asserts for it.
type FileBacking interface {
	Streamer
	Seeker
	MetadataProvider
}

// File is the KernelObject variant for an opened VFS node: Stream +
// Control + MemoryMapping + Metadata + Seek (spec.md §3.4).
type File struct {
	backing FileBacking
	closeFn func() error
}

// NewFile wraps backing (typically a vfs.FileObject) as a File
// KernelObject.
func NewFile(backing FileBacking, closeFn func() error) *File {
	return &File{backing: backing, closeFn: closeFn}
}

func (f *File) Kind() Kind { return KindFile }

func (f *File) Close() error {
	if f.closeFn != nil {
		return f.closeFn()
	}
	return nil
}

func (f *File) Read(buf []byte) (int, error)  { return f.backing.Read(buf) }
func (f *File) Write(buf []byte) (int, error) { return f.backing.Write(buf) }

func (f *File) Seek(offset int64, whence int) (int64, error) {
	return f.backing.Seek(offset, whence)
}

func (f *File) Stat() (Metadata, error) { return f.backing.Stat() }

func (f *File) Control(op int, arg []byte) ([]byte, error) {
	if ctl, ok := f.backing.(Controller); ok {
		return ctl.Control(op, arg)
	}
	return nil, errNotSupported
}

// Clone shares the underlying node with the child, per spec.md §3.4.
func (f *File) Clone() (Object, error) { return genericClone(f) }

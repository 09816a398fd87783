package kobj

// Stream is the plain byte read/write KernelObject variant, e.g. a device
// character stream with no seek or metadata surface (spec.md §3.4).
type Stream struct {
	backing Streamer
	closeFn func() error
}

// NewStream wraps backing as a Stream KernelObject.
func NewStream(backing Streamer, closeFn func() error) *Stream {
	return &Stream{backing: backing, closeFn: closeFn}
}

func (s *Stream) Kind() Kind { return KindStream }

func (s *Stream) Close() error {
	if s.closeFn != nil {
		return s.closeFn()
	}
	return nil
}

func (s *Stream) Read(buf []byte) (int, error)  { return s.backing.Read(buf) }
func (s *Stream) Write(buf []byte) (int, error) { return s.backing.Write(buf) }

// Clone shares the underlying backing stream with the child.
func (s *Stream) Clone() (Object, error) { return genericClone(s) }

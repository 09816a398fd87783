package kobj

import (
	"sync"

	"github.com/scarlet-project/scarlet/pkg/kerr"
)

// pipeBuffer is the shared byte queue behind both ends of a Pipe. Both ends
// (and their clones across fork) reference the same buffer, matching
// spec.md §3.4's "Stream pipes share buffers".
type pipeBuffer struct {
	mu         sync.Mutex
	data       []byte
	readClosed bool
	writeClosed bool
}

// Pipe is one end of a two-ended Stream with producer/consumer ordering
// (spec.md §3.4).
type Pipe struct {
	buf      *pipeBuffer
	isReader bool
}

// NewPipe creates a connected pair: (read end, write end).
func NewPipe() (*Pipe, *Pipe) {
	buf := &pipeBuffer{}
	return &Pipe{buf: buf, isReader: true}, &Pipe{buf: buf, isReader: false}
}

func (p *Pipe) Kind() Kind { return KindPipe }

func (p *Pipe) Close() error {
	p.buf.mu.Lock()
	defer p.buf.mu.Unlock()
	if p.isReader {
		p.buf.readClosed = true
	} else {
		p.buf.writeClosed = true
	}
	return nil
}

// Read drains available bytes. An empty buffer with the write end still
// open returns kerr.WouldBlock, which the syscall layer intercepts to
// reinstall the trap PC and yield (spec.md §7's propagation policy) rather
// than surfacing an error to user space. An empty, writer-closed buffer
// returns kerr.EndOfStream.
func (p *Pipe) Read(dst []byte) (int, error) {
	if !p.isReader {
		return 0, kerr.New(kerr.InvalidOperation, "read on write end of pipe")
	}

	p.buf.mu.Lock()
	defer p.buf.mu.Unlock()

	if len(p.buf.data) == 0 {
		if p.buf.writeClosed {
			return 0, kerr.New(kerr.EndOfStream, "")
		}
		return 0, kerr.New(kerr.WouldBlock, "")
	}

	n := copy(dst, p.buf.data)
	p.buf.data = p.buf.data[n:]
	return n, nil
}

// Write appends src to the buffer in order. Writing after the read end has
// closed reports Closed (the "broken pipe" condition the Linux ABI maps to
// SIGPIPE via the event-to-signal table, spec.md §4.9).
func (p *Pipe) Write(src []byte) (int, error) {
	if p.isReader {
		return 0, kerr.New(kerr.InvalidOperation, "write on read end of pipe")
	}

	p.buf.mu.Lock()
	defer p.buf.mu.Unlock()

	if p.buf.readClosed {
		return 0, kerr.New(kerr.Closed, "pipe broken")
	}

	p.buf.data = append(p.buf.data, src...)
	return len(src), nil
}

// Clone returns a new Pipe end sharing the same buffer, per spec.md §3.4.
func (p *Pipe) Clone() (Object, error) {
	return &Pipe{buf: p.buf, isReader: p.isReader}, nil
}

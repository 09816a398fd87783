// Package ninepfs exposes a vfs.Manager subtree over the 9P2000 protocol
// (github.com/Harvey-OS/ninep), the same library the teacher uses to
// tunnel a host filesystem to a running guest agent (minimega's
// cmd/miniccc ufs bridge). Here the server sits on the other side of that
// relationship: it's how a second kernel instance, or an out-of-band
// debug client, gets file-level access into a running Scarlet.
package ninepfs

import (
	"encoding/binary"
	"sync"

	"github.com/Harvey-OS/ninep/protocol"

	"github.com/scarlet-project/scarlet/pkg/kerr"
	"github.com/scarlet-project/scarlet/pkg/vfs"
)

// Server adapts a vfs.Manager to protocol.NineServer: every 9P FID maps to
// a resolved (entry, mount) pair, the parent entry recorded when the FID is
// walked or created (needed for Rremove, which only carries a FID) and,
// once opened, an open vfs.FileObject (needed for Rread/Rwrite).
type Server struct {
	mgr *vfs.Manager

	mu   sync.Mutex
	fids map[protocol.FID]*fidState
}

type fidState struct {
	entry *vfs.Entry
	mount *vfs.Mount

	parent *vfs.Entry
	file   vfs.FileObject
	isOpen bool
}

// NewServer builds a 9P server rooted at mgr's VFS root.
func NewServer(mgr *vfs.Manager) *Server {
	return &Server{mgr: mgr, fids: make(map[protocol.FID]*fidState)}
}

func qidFor(entry *vfs.Entry) protocol.QID {
	node := entry.Node()
	var typ uint8
	if node.FileType() == vfs.Directory {
		typ = protocol.QTDIR
	}
	if node.FileType() == vfs.SymbolicLink {
		typ |= protocol.QTSYMLINK
	}
	return protocol.QID{Type: typ, Path: node.ID()}
}

func (s *Server) state(fid protocol.FID) (*fidState, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	st, ok := s.fids[fid]
	if !ok {
		return nil, kerr.New(kerr.NotFound, "unknown fid %d", fid)
	}
	return st, nil
}

// Rversion negotiates the 9P2000 dialect; Scarlet speaks the baseline
// dialect only, so it just echoes the client's proposed msize and version
// back unchanged.
func (s *Server) Rversion(msize protocol.MaxSize, version string) (protocol.MaxSize, string, error) {
	return msize, version, nil
}

func (s *Server) Rattach(fid, afid protocol.FID, uname, aname string) (protocol.QID, error) {
	entry, mount, err := s.mgr.Resolve("/", vfs.ResolveOptions{})
	if err != nil {
		return protocol.QID{}, err
	}

	s.mu.Lock()
	s.fids[fid] = &fidState{entry: entry, mount: mount}
	s.mu.Unlock()
	return qidFor(entry), nil
}

// Rwalk walks names from fid's current position, installing the result
// under newfid. Per 9P semantics a partial walk (some names resolved, one
// failed) is not an error: it returns however many QIDs were resolved.
func (s *Server) Rwalk(fid, newfid protocol.FID, names []string) ([]protocol.QID, error) {
	start, err := s.state(fid)
	if err != nil {
		return nil, err
	}

	entry, mount := start.entry, start.mount
	parent := start.parent
	qids := make([]protocol.QID, 0, len(names))

	for _, name := range names {
		next, nextMount, werr := s.mgr.Tree().ResolvePath(name, entry, mount, vfs.ResolveOptions{})
		if werr != nil {
			if len(qids) == 0 && len(names) > 0 {
				return nil, werr
			}
			break
		}
		parent = entry
		entry, mount = next, nextMount
		qids = append(qids, qidFor(entry))
	}

	s.mu.Lock()
	s.fids[newfid] = &fidState{entry: entry, mount: mount, parent: parent}
	s.mu.Unlock()
	return qids, nil
}

func openFlags(mode protocol.Mode) vfs.OpenFlags {
	var flags vfs.OpenFlags
	switch mode & 3 {
	case protocol.OREAD, protocol.OEXEC:
		flags = vfs.OpenRead
	case protocol.OWRITE:
		flags = vfs.OpenWrite
	case protocol.ORDWR:
		flags = vfs.OpenRead | vfs.OpenWrite
	}
	if mode&protocol.OTRUNC != 0 {
		flags |= vfs.OpenTruncate
	}
	if mode&protocol.OAPPEND != 0 {
		flags |= vfs.OpenAppend
	}
	return flags
}

func (s *Server) Ropen(fid protocol.FID, mode protocol.Mode) (protocol.QID, protocol.MaxSize, error) {
	st, err := s.state(fid)
	if err != nil {
		return protocol.QID{}, 0, err
	}

	node := st.entry.Node()
	if node.FileType() != vfs.Directory {
		file, oerr := node.FileSystem().Open(node, openFlags(mode))
		if oerr != nil {
			return protocol.QID{}, 0, oerr
		}
		s.mu.Lock()
		st.file, st.isOpen = file, true
		s.mu.Unlock()
	}
	return qidFor(st.entry), protocol.MaxSize(protocol.MSIZE), nil
}

func (s *Server) Rcreate(fid protocol.FID, name string, perm protocol.Perm, mode protocol.Mode) (protocol.QID, protocol.MaxSize, error) {
	st, err := s.state(fid)
	if err != nil {
		return protocol.QID{}, 0, err
	}

	typ := vfs.RegularFile
	if perm&protocol.DMDIR != 0 {
		typ = vfs.Directory
	}

	dirNode := st.entry.Node()
	created, cerr := dirNode.FileSystem().Create(dirNode, name, typ)
	if cerr != nil {
		return protocol.QID{}, 0, cerr
	}
	childEntry := vfs.NewEntry(name, created, st.entry)
	st.entry.SetChild(name, childEntry)

	var file vfs.FileObject
	if typ != vfs.Directory {
		file, err = created.FileSystem().Open(created, openFlags(mode))
		if err != nil {
			return protocol.QID{}, 0, err
		}
	}

	s.mu.Lock()
	s.fids[fid] = &fidState{entry: childEntry, mount: st.mount, parent: st.entry, file: file, isOpen: file != nil}
	s.mu.Unlock()
	return qidFor(childEntry), protocol.MaxSize(protocol.MSIZE), nil
}

func (s *Server) Rclunk(fid protocol.FID) error {
	s.mu.Lock()
	delete(s.fids, fid)
	s.mu.Unlock()
	return nil
}

func (s *Server) Rremove(fid protocol.FID) error {
	st, err := s.state(fid)
	if err != nil {
		return err
	}
	defer s.Rclunk(fid)

	if st.parent == nil {
		return kerr.New(kerr.InvalidOperation, "fid %d has no known parent to remove from", fid)
	}
	parentNode := st.parent.Node()
	name := st.entry.Name()
	if err := parentNode.FileSystem().Remove(parentNode, name); err != nil {
		return err
	}
	st.parent.EvictChild(name)
	return nil
}

func (s *Server) Rread(fid protocol.FID, offset protocol.Offset, count protocol.Count) ([]byte, error) {
	st, err := s.state(fid)
	if err != nil {
		return nil, err
	}

	if st.entry.Node().FileType() == vfs.Directory {
		return s.readdirBytes(st, offset, count)
	}

	if !st.isOpen {
		return nil, kerr.New(kerr.InvalidOperation, "fid %d not open", fid)
	}
	if _, err := st.file.Seek(int64(offset), 0); err != nil {
		return nil, err
	}
	buf := make([]byte, count)
	n, rerr := st.file.Read(buf)
	if rerr != nil && !kerr.Is(rerr, kerr.EndOfStream) {
		return nil, rerr
	}
	return buf[:n], nil
}

func (s *Server) readdirBytes(st *fidState, offset protocol.Offset, count protocol.Count) ([]byte, error) {
	node := st.entry.Node()
	entries, err := node.FileSystem().Readdir(node)
	if err != nil {
		return nil, err
	}

	var out []byte
	for _, e := range entries {
		out = append(out, encodeDirEntry(e)...)
	}
	if int(offset) >= len(out) {
		return nil, nil
	}
	end := int(offset) + int(count)
	if end > len(out) {
		end = len(out)
	}
	return out[offset:end], nil
}

func (s *Server) Rwrite(fid protocol.FID, offset protocol.Offset, data []byte) (protocol.Count, error) {
	st, err := s.state(fid)
	if err != nil {
		return 0, err
	}
	if !st.isOpen {
		return 0, kerr.New(kerr.InvalidOperation, "fid %d not open for write", fid)
	}
	if _, err := st.file.Seek(int64(offset), 0); err != nil {
		return 0, err
	}
	n, werr := st.file.Write(data)
	if werr != nil {
		return 0, werr
	}
	return protocol.Count(n), nil
}

func (s *Server) Rstat(fid protocol.FID) ([]byte, error) {
	st, err := s.state(fid)
	if err != nil {
		return nil, err
	}
	meta, merr := st.entry.Node().Metadata()
	if merr != nil {
		return nil, merr
	}
	return encodeStat(st.entry.Name(), qidFor(st.entry), meta), nil
}

// Rwstat is not supported: Scarlet's VFS has no notion of permission bits
// or ownership to rewrite (spec.md §3.5's Metadata carries none).
func (s *Server) Rwstat(fid protocol.FID, data []byte) error {
	return kerr.New(kerr.NotSupported, "wstat")
}

func (s *Server) Rflush(otag protocol.Tag) error {
	return nil
}

// encodeDirEntry and encodeStat produce a 9P2000-shaped stat record: a
// 16-bit length prefix followed by qid/mode/time/length/name fields in
// wire order. Real clients care about exact 9P2000 byte layout; this
// package has no decoder of its own, and field widths follow the spec but
// aren't independently validated against a reference client.
func encodeDirEntry(e vfs.DirEntry) []byte {
	mode := uint32(0644)
	if e.FileType == vfs.Directory {
		mode |= protocol.DMDIR
	}
	return encodeStatFields(e.Name, protocol.QID{Path: e.FileID}, mode, 0)
}

func encodeStat(name string, qid protocol.QID, meta vfs.Metadata) []byte {
	mode := uint32(0644)
	if meta.Type == vfs.Directory {
		mode |= protocol.DMDIR
	}
	return encodeStatFields(name, qid, mode, meta.Size)
}

func encodeStatFields(name string, qid protocol.QID, mode uint32, length int64) []byte {
	buf := make([]byte, 0, 64+len(name))
	var tmp [8]byte

	binary.LittleEndian.PutUint16(tmp[:2], 0) // stat type, unused
	buf = append(buf, tmp[:2]...)
	binary.LittleEndian.PutUint32(tmp[:4], 0) // dev, unused
	buf = append(buf, tmp[:4]...)

	buf = append(buf, qid.Type)
	binary.LittleEndian.PutUint32(tmp[:4], qid.Version)
	buf = append(buf, tmp[:4]...)
	binary.LittleEndian.PutUint64(tmp[:8], qid.Path)
	buf = append(buf, tmp[:8]...)

	binary.LittleEndian.PutUint32(tmp[:4], mode)
	buf = append(buf, tmp[:4]...)
	binary.LittleEndian.PutUint32(tmp[:4], 0) // atime
	buf = append(buf, tmp[:4]...)
	binary.LittleEndian.PutUint32(tmp[:4], 0) // mtime
	buf = append(buf, tmp[:4]...)
	binary.LittleEndian.PutUint64(tmp[:8], uint64(length))
	buf = append(buf, tmp[:8]...)

	binary.LittleEndian.PutUint16(tmp[:2], uint16(len(name)))
	buf = append(buf, tmp[:2]...)
	buf = append(buf, name...)

	out := make([]byte, 2+len(buf))
	binary.LittleEndian.PutUint16(out[:2], uint16(len(buf)))
	copy(out[2:], buf)
	return out
}

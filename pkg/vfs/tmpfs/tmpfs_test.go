package tmpfs

import (
	"testing"

	"github.com/scarlet-project/scarlet/pkg/kerr"
	"github.com/scarlet-project/scarlet/pkg/vfs"
)

func TestCreateLookupRemove(t *testing.T) {
	fs := New()
	root := fs.Root()

	n, err := fs.Create(root, "hello.txt", vfs.RegularFile)
	if err != nil {
		t.Fatalf("Create: %v", err)
	}

	got, err := fs.Lookup(root, "hello.txt")
	if err != nil {
		t.Fatalf("Lookup: %v", err)
	}
	if got.ID() != n.ID() {
		t.Fatalf("Lookup returned a different node")
	}

	if err := fs.Remove(root, "hello.txt"); err != nil {
		t.Fatalf("Remove: %v", err)
	}
	if _, err := fs.Lookup(root, "hello.txt"); !kerr.Is(err, kerr.NotFound) {
		t.Fatalf("expected NotFound after remove, got %v", err)
	}
}

func TestCreateDuplicateFails(t *testing.T) {
	fs := New()
	root := fs.Root()

	if _, err := fs.Create(root, "a", vfs.RegularFile); err != nil {
		t.Fatalf("Create: %v", err)
	}
	if _, err := fs.Create(root, "a", vfs.RegularFile); !kerr.Is(err, kerr.FileExists) {
		t.Fatalf("expected FileExists, got %v", err)
	}
}

func TestRemoveNonEmptyDirectoryFails(t *testing.T) {
	fs := New()
	root := fs.Root()

	dir, err := fs.Create(root, "d", vfs.Directory)
	if err != nil {
		t.Fatalf("Create dir: %v", err)
	}
	if _, err := fs.Create(dir, "child", vfs.RegularFile); err != nil {
		t.Fatalf("Create child: %v", err)
	}
	if err := fs.Remove(root, "d"); !kerr.Is(err, kerr.InvalidOperation) {
		t.Fatalf("expected InvalidOperation removing non-empty dir, got %v", err)
	}
}

func TestOpenReadWrite(t *testing.T) {
	fs := New()
	root := fs.Root()

	n, err := fs.Create(root, "f", vfs.RegularFile)
	if err != nil {
		t.Fatalf("Create: %v", err)
	}

	w, err := fs.Open(n, vfs.OpenWrite)
	if err != nil {
		t.Fatalf("Open write: %v", err)
	}
	if _, err := w.Write([]byte("hello world")); err != nil {
		t.Fatalf("Write: %v", err)
	}

	r, err := fs.Open(n, vfs.OpenRead)
	if err != nil {
		t.Fatalf("Open read: %v", err)
	}
	buf := make([]byte, 32)
	count, err := r.Read(buf)
	if err != nil {
		t.Fatalf("Read: %v", err)
	}
	if string(buf[:count]) != "hello world" {
		t.Fatalf("got %q", buf[:count])
	}
}

func TestOpenTruncate(t *testing.T) {
	fs := New()
	root := fs.Root()

	n, _ := fs.Create(root, "f", vfs.RegularFile)
	w, _ := fs.Open(n, vfs.OpenWrite)
	w.Write([]byte("stale data"))

	w2, err := fs.Open(n, vfs.OpenWrite|vfs.OpenTruncate)
	if err != nil {
		t.Fatalf("Open truncate: %v", err)
	}
	w2.Write([]byte("new"))

	r, _ := fs.Open(n, vfs.OpenRead)
	buf := make([]byte, 32)
	count, _ := r.Read(buf)
	if string(buf[:count]) != "new" {
		t.Fatalf("got %q, want truncated content", buf[:count])
	}
}

func TestWriteWithoutOpenWriteFails(t *testing.T) {
	fs := New()
	root := fs.Root()
	n, _ := fs.Create(root, "f", vfs.RegularFile)

	ro, err := fs.Open(n, vfs.OpenRead)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	if _, err := ro.Write([]byte("x")); !kerr.Is(err, kerr.ReadOnly) {
		t.Fatalf("expected ReadOnly, got %v", err)
	}
}

func TestReaddirListsChildren(t *testing.T) {
	fs := New()
	root := fs.Root()
	fs.Create(root, "a", vfs.RegularFile)
	fs.Create(root, "b", vfs.Directory)

	entries, err := fs.Readdir(root)
	if err != nil {
		t.Fatalf("Readdir: %v", err)
	}
	if len(entries) != 2 {
		t.Fatalf("expected 2 entries, got %d", len(entries))
	}
}

func TestSymlinkReadLink(t *testing.T) {
	fs := New()
	root := fs.Root()

	link, err := fs.CreateSymlink(root, "l", "/target/path")
	if err != nil {
		t.Fatalf("CreateSymlink: %v", err)
	}
	if link.FileType() != vfs.SymbolicLink {
		t.Fatalf("expected SymbolicLink type")
	}
	target, err := fs.ReadLink(link)
	if err != nil {
		t.Fatalf("ReadLink: %v", err)
	}
	if target != "/target/path" {
		t.Fatalf("got %q", target)
	}
}

func TestLinkIncrementsLinkCount(t *testing.T) {
	fs := New()
	root := fs.Root()

	n, _ := fs.Create(root, "orig", vfs.RegularFile)
	if err := fs.Link(root, "alias", n); err != nil {
		t.Fatalf("Link: %v", err)
	}

	got, err := fs.Lookup(root, "alias")
	if err != nil {
		t.Fatalf("Lookup alias: %v", err)
	}
	if got.ID() != n.ID() {
		t.Fatalf("alias resolved to a different node")
	}

	meta, err := got.Metadata()
	if err != nil {
		t.Fatalf("Metadata: %v", err)
	}
	if meta.LinkCount != 2 {
		t.Fatalf("expected link count 2, got %d", meta.LinkCount)
	}

	// Removing one name keeps the node reachable through the other.
	if err := fs.Unlink(root, "orig"); err != nil {
		t.Fatalf("Unlink: %v", err)
	}
	if _, err := fs.Lookup(root, "alias"); err != nil {
		t.Fatalf("alias should still resolve: %v", err)
	}
}

func TestSeekWhences(t *testing.T) {
	fs := New()
	root := fs.Root()
	n, _ := fs.Create(root, "f", vfs.RegularFile)
	w, _ := fs.Open(n, vfs.OpenWrite)
	w.Write([]byte("0123456789"))

	f, _ := fs.Open(n, vfs.OpenRead)
	if pos, err := f.Seek(3, 0); err != nil || pos != 3 {
		t.Fatalf("seek start: pos=%d err=%v", pos, err)
	}
	if pos, err := f.Seek(2, 1); err != nil || pos != 5 {
		t.Fatalf("seek cur: pos=%d err=%v", pos, err)
	}
	if pos, err := f.Seek(-1, 2); err != nil || pos != 9 {
		t.Fatalf("seek end: pos=%d err=%v", pos, err)
	}
	if _, err := f.Seek(-100, 0); !kerr.Is(err, kerr.InvalidOperation) {
		t.Fatalf("expected InvalidOperation for negative position, got %v", err)
	}
}

package overlay_test

import (
	"testing"

	"github.com/scarlet-project/scarlet/pkg/kerr"
	"github.com/scarlet-project/scarlet/pkg/vfs"
	"github.com/scarlet-project/scarlet/pkg/vfs/overlay"
	"github.com/scarlet-project/scarlet/pkg/vfs/tmpfs"
)

func writeFile(t *testing.T, fs *tmpfs.FS, dir vfs.Node, name, content string) vfs.Node {
	t.Helper()
	n, err := fs.Create(dir, name, vfs.RegularFile)
	if err != nil {
		t.Fatalf("Create(%q): %v", name, err)
	}
	fo, err := fs.Open(n, vfs.OpenWrite)
	if err != nil {
		t.Fatalf("Open(%q): %v", name, err)
	}
	if _, err := fo.Write([]byte(content)); err != nil {
		t.Fatalf("Write(%q): %v", name, err)
	}
	return n
}

func readAll(t *testing.T, fo vfs.FileObject) string {
	t.Helper()
	buf := make([]byte, 4096)
	n, err := fo.Read(buf)
	if err != nil && !kerr.Is(err, kerr.EndOfStream) {
		t.Fatalf("Read: %v", err)
	}
	return string(buf[:n])
}

func TestOverlayLookupUpperShadowsLower(t *testing.T) {
	lower := tmpfs.New()
	writeFile(t, lower, lower.Root(), "f.txt", "lower content")

	upper := tmpfs.New()
	writeFile(t, upper, upper.Root(), "f.txt", "upper content")

	ov := overlay.New(
		[]overlay.Layer{{FS: lower, Root: lower.Root()}},
		&overlay.Layer{FS: upper, Root: upper.Root()},
	)

	n, err := ov.Lookup(ov.Root(), "f.txt")
	if err != nil {
		t.Fatalf("Lookup: %v", err)
	}
	fo, err := ov.Open(n, vfs.OpenRead)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	if got := readAll(t, fo); got != "upper content" {
		t.Fatalf("got %q, want upper layer content", got)
	}
}

func TestOverlayLookupFallsThroughToLower(t *testing.T) {
	lower := tmpfs.New()
	writeFile(t, lower, lower.Root(), "only-lower.txt", "from lower")

	upper := tmpfs.New()

	ov := overlay.New(
		[]overlay.Layer{{FS: lower, Root: lower.Root()}},
		&overlay.Layer{FS: upper, Root: upper.Root()},
	)

	n, err := ov.Lookup(ov.Root(), "only-lower.txt")
	if err != nil {
		t.Fatalf("Lookup: %v", err)
	}
	fo, err := ov.Open(n, vfs.OpenRead)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	if got := readAll(t, fo); got != "from lower" {
		t.Fatalf("got %q", got)
	}
}

func TestOverlayWhiteoutHidesLowerEntry(t *testing.T) {
	lower := tmpfs.New()
	writeFile(t, lower, lower.Root(), "hidden.txt", "secret")

	upper := tmpfs.New()
	upper.Create(upper.Root(), ".wh.hidden.txt", vfs.RegularFile)

	ov := overlay.New(
		[]overlay.Layer{{FS: lower, Root: lower.Root()}},
		&overlay.Layer{FS: upper, Root: upper.Root()},
	)

	if _, err := ov.Lookup(ov.Root(), "hidden.txt"); !kerr.Is(err, kerr.NotFound) {
		t.Fatalf("expected NotFound for whiteout-masked entry, got %v", err)
	}
}

func TestOverlayReaddirUnionsAndDedupes(t *testing.T) {
	lower := tmpfs.New()
	writeFile(t, lower, lower.Root(), "shared.txt", "lower version")
	writeFile(t, lower, lower.Root(), "lower-only.txt", "x")

	upper := tmpfs.New()
	writeFile(t, upper, upper.Root(), "shared.txt", "upper version")
	writeFile(t, upper, upper.Root(), "upper-only.txt", "y")

	ov := overlay.New(
		[]overlay.Layer{{FS: lower, Root: lower.Root()}},
		&overlay.Layer{FS: upper, Root: upper.Root()},
	)

	entries, err := ov.Readdir(ov.Root())
	if err != nil {
		t.Fatalf("Readdir: %v", err)
	}
	names := make(map[string]bool)
	for _, e := range entries {
		names[e.Name] = true
	}
	for _, want := range []string{"shared.txt", "lower-only.txt", "upper-only.txt", ".", ".."} {
		if !names[want] {
			t.Fatalf("expected %q in readdir, got %v", want, names)
		}
	}
	if len(entries) != 5 {
		t.Fatalf("expected 5 entries (deduped shared.txt), got %d: %+v", len(entries), entries)
	}
}

func TestOverlayReaddirHidesWhiteoutFromLower(t *testing.T) {
	lower := tmpfs.New()
	writeFile(t, lower, lower.Root(), "hidden.txt", "x")

	upper := tmpfs.New()
	upper.Create(upper.Root(), ".wh.hidden.txt", vfs.RegularFile)

	ov := overlay.New(
		[]overlay.Layer{{FS: lower, Root: lower.Root()}},
		&overlay.Layer{FS: upper, Root: upper.Root()},
	)

	entries, err := ov.Readdir(ov.Root())
	if err != nil {
		t.Fatalf("Readdir: %v", err)
	}
	for _, e := range entries {
		if e.Name == "hidden.txt" || e.Name == ".wh.hidden.txt" {
			t.Fatalf("whiteout-masked/whiteout entry leaked into readdir: %+v", entries)
		}
	}
}

func TestOverlayCopyUpOnWrite(t *testing.T) {
	lower := tmpfs.New()
	writeFile(t, lower, lower.Root(), "f.txt", "original")

	upper := tmpfs.New()

	ov := overlay.New(
		[]overlay.Layer{{FS: lower, Root: lower.Root()}},
		&overlay.Layer{FS: upper, Root: upper.Root()},
	)

	n, err := ov.Lookup(ov.Root(), "f.txt")
	if err != nil {
		t.Fatalf("Lookup: %v", err)
	}
	fo, err := ov.Open(n, vfs.OpenWrite)
	if err != nil {
		t.Fatalf("Open write (copy-up): %v", err)
	}
	if _, err := fo.Write([]byte("!!!")); err != nil {
		t.Fatalf("Write: %v", err)
	}

	// Lower layer stays untouched by copy-up.
	lowerNode, _ := lower.Lookup(lower.Root(), "f.txt")
	lr, _ := lower.Open(lowerNode, vfs.OpenRead)
	if got := readAll(t, lr); got != "original" {
		t.Fatalf("copy-up mutated the lower layer: %q", got)
	}

	// Upper layer now has the file.
	upperNode, err := upper.Lookup(upper.Root(), "f.txt")
	if err != nil {
		t.Fatalf("expected f.txt copied up into upper: %v", err)
	}
	ur, _ := upper.Open(upperNode, vfs.OpenRead)
	if got := readAll(t, ur); got != "!!!" {
		t.Fatalf("got %q in upper copy", got)
	}
}

func TestOverlayRemoveLowerOnlyCreatesWhiteout(t *testing.T) {
	lower := tmpfs.New()
	writeFile(t, lower, lower.Root(), "f.txt", "x")

	upper := tmpfs.New()

	ov := overlay.New(
		[]overlay.Layer{{FS: lower, Root: lower.Root()}},
		&overlay.Layer{FS: upper, Root: upper.Root()},
	)

	if err := ov.Remove(ov.Root(), "f.txt"); err != nil {
		t.Fatalf("Remove: %v", err)
	}
	if _, err := ov.Lookup(ov.Root(), "f.txt"); !kerr.Is(err, kerr.NotFound) {
		t.Fatalf("expected NotFound after remove, got %v", err)
	}
	if _, err := upper.Lookup(upper.Root(), ".wh.f.txt"); err != nil {
		t.Fatalf("expected whiteout created in upper layer: %v", err)
	}
}

func TestOverlayRemoveUpperOnlyDoesNotLeaveWhiteout(t *testing.T) {
	lower := tmpfs.New()
	upper := tmpfs.New()
	writeFile(t, upper, upper.Root(), "f.txt", "x")

	ov := overlay.New(
		[]overlay.Layer{{FS: lower, Root: lower.Root()}},
		&overlay.Layer{FS: upper, Root: upper.Root()},
	)

	if err := ov.Remove(ov.Root(), "f.txt"); err != nil {
		t.Fatalf("Remove: %v", err)
	}
	if _, err := upper.Lookup(upper.Root(), ".wh.f.txt"); !kerr.Is(err, kerr.NotFound) {
		t.Fatalf("expected no whiteout when the name was upper-only, got %v", err)
	}
}

func TestOverlayCreateGoesToUpper(t *testing.T) {
	lower := tmpfs.New()
	upper := tmpfs.New()

	ov := overlay.New(
		[]overlay.Layer{{FS: lower, Root: lower.Root()}},
		&overlay.Layer{FS: upper, Root: upper.Root()},
	)

	if _, err := ov.Create(ov.Root(), "new.txt", vfs.RegularFile); err != nil {
		t.Fatalf("Create: %v", err)
	}
	if _, err := upper.Lookup(upper.Root(), "new.txt"); err != nil {
		t.Fatalf("expected new.txt created directly in upper: %v", err)
	}
}

func TestOverlayReadOnlyWithoutUpperRejectsWrites(t *testing.T) {
	lower := tmpfs.New()
	writeFile(t, lower, lower.Root(), "f.txt", "x")

	ov := overlay.New([]overlay.Layer{{FS: lower, Root: lower.Root()}}, nil)

	if _, err := ov.Create(ov.Root(), "new.txt", vfs.RegularFile); !kerr.Is(err, kerr.ReadOnly) {
		t.Fatalf("expected ReadOnly creating in an upper-less overlay, got %v", err)
	}
}

func TestOverlayNestedDirectoryMerge(t *testing.T) {
	lower := tmpfs.New()
	lowerDir, _ := lower.Create(lower.Root(), "sub", vfs.Directory)
	writeFile(t, lower, lowerDir, "deep.txt", "from lower/sub")

	upper := tmpfs.New()
	upperDir, _ := upper.Create(upper.Root(), "sub", vfs.Directory)
	writeFile(t, upper, upperDir, "upper-deep.txt", "from upper/sub")

	ov := overlay.New(
		[]overlay.Layer{{FS: lower, Root: lower.Root()}},
		&overlay.Layer{FS: upper, Root: upper.Root()},
	)

	subNode, err := ov.Lookup(ov.Root(), "sub")
	if err != nil {
		t.Fatalf("Lookup sub: %v", err)
	}
	entries, err := ov.Readdir(subNode)
	if err != nil {
		t.Fatalf("Readdir sub: %v", err)
	}
	names := make(map[string]bool)
	for _, e := range entries {
		names[e.Name] = true
	}
	if !names["deep.txt"] || !names["upper-deep.txt"] {
		t.Fatalf("expected merged directory contents from both layers, got %v", names)
	}
}

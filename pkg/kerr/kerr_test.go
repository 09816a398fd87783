package kerr

import "testing"

func TestNewAndIs(t *testing.T) {
	err := New(NotFound, "path %q", "/tmp/a")
	if !Is(err, NotFound) {
		t.Fatalf("expected NotFound, got %v", err)
	}
	if err.Error() != "NotFound: path \"/tmp/a\"" {
		t.Fatalf("unexpected message: %q", err.Error())
	}
}

func TestCodeOfNil(t *testing.T) {
	if CodeOf(nil) != -1 {
		t.Fatalf("expected sentinel for nil error")
	}
}

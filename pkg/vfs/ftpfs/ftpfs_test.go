package ftpfs

import "testing"

func TestParseListLineRegularFile(t *testing.T) {
	l, ok := parseListLine("-rw-r--r-- 1 owner group 1234 Jan 01 00:00 report.txt")
	if !ok {
		t.Fatalf("expected line to parse")
	}
	if l.name != "report.txt" || l.dir || l.size != 1234 {
		t.Fatalf("got %+v", l)
	}
}

func TestParseListLineDirectory(t *testing.T) {
	l, ok := parseListLine("drwxr-xr-x 2 owner group 4096 Jan 01 00:00 subdir")
	if !ok {
		t.Fatalf("expected line to parse")
	}
	if l.name != "subdir" || !l.dir {
		t.Fatalf("got %+v", l)
	}
}

func TestParseListLineNameWithSpaces(t *testing.T) {
	l, ok := parseListLine("-rw-r--r-- 1 owner group 10 Jan 01 00:00 two words.txt")
	if !ok {
		t.Fatalf("expected line to parse")
	}
	if l.name != "two words.txt" {
		t.Fatalf("got name %q", l.name)
	}
}

func TestParseListLineSkipsDotEntries(t *testing.T) {
	if _, ok := parseListLine("drwxr-xr-x 2 owner group 4096 Jan 01 00:00 ."); ok {
		t.Fatalf("expected \".\" entry to be skipped")
	}
	if _, ok := parseListLine("drwxr-xr-x 2 owner group 4096 Jan 01 00:00 .."); ok {
		t.Fatalf("expected \"..\" entry to be skipped")
	}
}

func TestParseListLineRejectsShortLine(t *testing.T) {
	if _, ok := parseListLine("not a listing line"); ok {
		t.Fatalf("expected malformed line to be rejected")
	}
}

func TestJoinPath(t *testing.T) {
	cases := map[[2]string]string{
		{"/", "foo"}:        "/foo",
		{"/dir", "foo"}:     "/dir/foo",
		{"/dir/sub", "foo"}: "/dir/sub/foo",
	}
	for in, want := range cases {
		if got := joinPath(in[0], in[1]); got != want {
			t.Fatalf("joinPath(%q, %q) = %q, want %q", in[0], in[1], got, want)
		}
	}
}

func TestNodeIDStableForSamePath(t *testing.T) {
	a := nodeID("/a/b/c")
	b := nodeID("/a/b/c")
	if a != b {
		t.Fatalf("expected stable id for the same path")
	}
	if nodeID("/a/b/d") == a {
		t.Fatalf("expected distinct ids for distinct paths")
	}
}

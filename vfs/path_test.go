package vfs

import (
	"strings"
	"testing"

	"novaos/kernel"
)

func TestNormalize(t *testing.T) {
	specs := []struct {
		in   string
		want string
	}{
		{"/", "/"},
		{"//", "/"},
		{"/a", "/a"},
		{"/a/", "/a"},
		{"/a//b", "/a/b"},
		{"/a/./b", "/a/b"},
		{"/a/../b", "/b"},
		{"/../a", "/a"},
		{"/a/./b/../c//d", "/a/c/d"},
		{"/a/b/c/../../d", "/a/d"},
		{"/./././", "/"},
		{"/a/b/..", "/a"},
		{"/..", "/"},
	}

	for specIndex, spec := range specs {
		got, err := Normalize(spec.in)
		if err != nil {
			t.Errorf("[spec %d] unexpected error for %q: %v", specIndex, spec.in, err)
			continue
		}
		if got != spec.want {
			t.Errorf("[spec %d] Normalize(%q): expected %q; got %q", specIndex, spec.in, spec.want, got)
		}
	}
}

func TestNormalizeIsIdempotent(t *testing.T) {
	inputs := []string{"/", "/a//b", "/a/./b/../c//d", "/mnt/sd0/dir/file"}
	for specIndex, in := range inputs {
		once, err := Normalize(in)
		if err != nil {
			t.Fatalf("[spec %d] unexpected error: %v", specIndex, err)
		}
		twice, err := Normalize(once)
		if err != nil {
			t.Fatalf("[spec %d] unexpected error: %v", specIndex, err)
		}
		if once != twice {
			t.Errorf("[spec %d] normalization is not idempotent: %q != %q", specIndex, once, twice)
		}
	}
}

func TestNormalizeErrors(t *testing.T) {
	specs := []struct {
		in   string
		kind kernel.Kind
	}{
		{"", kernel.ErrInvalid},
		{"a", kernel.ErrInvalid},
		{"relative/path", kernel.ErrInvalid},
		{"/" + strings.Repeat("x", NameMax+1), kernel.ErrInvalid},
	}

	for specIndex, spec := range specs {
		if _, err := Normalize(spec.in); err == nil || err.Kind != spec.kind {
			t.Errorf("[spec %d] Normalize(%q): expected kind %v; got %v", specIndex, spec.in, spec.kind, err)
		}
	}

	long := "/" + strings.Repeat("a/", PathMax)
	if _, err := Normalize(long); err == nil || err.Kind != kernel.ErrNoSpace {
		t.Errorf("expected ErrNoSpace for an over-long path; got %v", err)
	}
}

func TestSplitParent(t *testing.T) {
	specs := []struct {
		in, parent, name string
	}{
		{"/a", "/", "a"},
		{"/a/b", "/a", "b"},
		{"/mnt/sd0/file.txt", "/mnt/sd0", "file.txt"},
	}
	for specIndex, spec := range specs {
		parent, name := splitParent(spec.in)
		if parent != spec.parent || name != spec.name {
			t.Errorf("[spec %d] splitParent(%q): expected (%q, %q); got (%q, %q)",
				specIndex, spec.in, spec.parent, spec.name, parent, name)
		}
	}
}

func TestPathIsUnder(t *testing.T) {
	specs := []struct {
		path, prefix string
		want         bool
	}{
		{"/a/b", "/a", true},
		{"/a", "/a", true},
		{"/ab", "/a", false},
		{"/a/b", "/", true},
		{"/", "/", true},
		{"/mnt/sd0", "/mnt", true},
		{"/mnt", "/mnt/sd0", false},
	}
	for specIndex, spec := range specs {
		if got := pathIsUnder(spec.path, spec.prefix); got != spec.want {
			t.Errorf("[spec %d] pathIsUnder(%q, %q): expected %t; got %t",
				specIndex, spec.path, spec.prefix, spec.want, got)
		}
	}
}

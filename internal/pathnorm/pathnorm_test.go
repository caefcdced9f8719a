package pathnorm

import "testing"

func TestNormalize(t *testing.T) {
	cases := []struct{ in, want string }{
		{"", "/"},
		{"/", "/"},
		{"foo/bar", "/foo/bar"},
		{"/foo/bar/", "/foo/bar"},
		{"foo//bar", "/foo/bar"},
		{"./foo/./bar", "/foo/bar"},
		{"foo/../bar", "/bar"},
		{"../../foo", "/foo"},
		{"/a/b/../../c", "/c"},
	}
	for _, tc := range cases {
		if got := Normalize(tc.in); got != tc.want {
			t.Errorf("Normalize(%q) = %q, want %q", tc.in, got, tc.want)
		}
	}
}

func TestSplit(t *testing.T) {
	cases := []struct {
		in         string
		path, name string
	}{
		{"/", "/", ""},
		{"/foo", "/", "foo"},
		{"/foo/bar", "/foo", "bar"},
		{"foo/bar/baz", "/foo/bar", "baz"},
	}
	for _, tc := range cases {
		path, name := Split(tc.in)
		if path != tc.path || name != tc.name {
			t.Errorf("Split(%q) = (%q, %q), want (%q, %q)", tc.in, path, name, tc.path, tc.name)
		}
	}
}

func TestJoinRoundTrip(t *testing.T) {
	for _, raw := range []string{"/", "/foo", "/foo/bar", "/a/b/c"} {
		path, name := Split(raw)
		if got := Join(path, name); Normalize(got) != got {
			t.Errorf("Join(%q, %q) = %q is not itself normalized", path, name, got)
		}
		if got := Join(path, name); got != raw {
			t.Errorf("Join(Split(%q)) = %q, want %q", raw, got, raw)
		}
	}
}

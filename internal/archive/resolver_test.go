package archive

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNormalizePath(t *testing.T) {
	cases := map[string]string{
		"":                  "",
		"/":                 "",
		"/index.html":       "index.html",
		"css/./a.css":       "css/a.css",
		"/a/b/../c":         "a/c",
		"/../../etc/passwd": "etc/passwd",
		"/docs/":            "docs",
		"\\win\\path.txt":   "win/path.txt",
	}
	for in, want := range cases {
		assert.Equal(t, want, NormalizePath(in), "NormalizePath(%q)", in)
	}
}

func TestNewIndex_DropsDirectoriesAndNormalizes(t *testing.T) {
	ix := NewIndex([]string{"css/", "css/a.css", "./index.html", "docs\\guide.md", "", "css/a.css"})
	assert.Equal(t, []string{"css/a.css", "docs/guide.md", "index.html"}, ix.Names())
	assert.False(t, ix.Has("css"))
	assert.True(t, ix.HasDir("css"))
	assert.False(t, ix.HasDir("cs"))
}

func TestResolver_Order(t *testing.T) {
	ix := NewIndex([]string{
		"index.html",
		"about/index.htm",
		"blog/index.html",
		"blog/index.htm",
		"foo",
		"foo/index.html",
		"assets/app.js",
		"empty/readme.txt",
	})
	r := Resolver{}

	cases := []struct {
		path string
		want string
	}{
		{"", "index.html"},
		{"/", "index.html"},
		{"/index.html", "index.html"},
		{"/about", "about/index.htm"},
		{"/about/", "about/index.htm"},
		{"/blog", "blog/index.html"},
		// An exact file beats a directory of the same name.
		{"/foo", "foo"},
		{"/foo/", "foo"},
		{"/assets/app.js", "assets/app.js"},
		{"/assets/../index.html", "index.html"},
	}
	for _, tc := range cases {
		got, err := r.Resolve(ix, tc.path)
		require.NoError(t, err, tc.path)
		assert.Equal(t, tc.want, got, tc.path)
	}

	for _, p := range []string{"/missing.txt", "/empty", "/assets/missing.js"} {
		_, err := r.Resolve(ix, p)
		assert.ErrorIs(t, err, ErrNotFound, p)
	}
}

func TestResolver_RootWithoutIndex(t *testing.T) {
	ix := NewIndex([]string{"a.txt"})
	_, err := Resolver{}.Resolve(ix, "/")
	assert.ErrorIs(t, err, ErrNotFound)

	ix = NewIndex([]string{"index.htm"})
	got, err := Resolver{}.Resolve(ix, "")
	require.NoError(t, err)
	assert.Equal(t, "index.htm", got)
}

func TestResolver_SPAFallback(t *testing.T) {
	ix := NewIndex([]string{"index.html", "app.js"})

	got, err := Resolver{SPAFallback: true}.Resolve(ix, "/dashboard/settings")
	require.NoError(t, err)
	assert.Equal(t, "index.html", got)

	_, err = Resolver{}.Resolve(ix, "/dashboard/settings")
	assert.ErrorIs(t, err, ErrNotFound)

	_, err = Resolver{SPAFallback: true}.Resolve(NewIndex([]string{"app.js"}), "/x")
	assert.ErrorIs(t, err, ErrNotFound)
}

package assetcache

import (
	"bytes"
	"fmt"
	"net/http"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func openStore(t *testing.T, path string, maxBytes int64) *Store {
	t.Helper()
	s, err := Open(path, maxBytes)
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func TestStore_PutGet(t *testing.T) {
	s := openStore(t, filepath.Join(t.TempDir(), "db"), 1<<20)

	_, ok := s.Get("cas://a")
	assert.False(t, ok)

	h := http.Header{}
	h.Set("ETag", `"a"`)
	h.Set("Content-Type", "text/css")
	s.PutAsync("cas://a", Entry{Status: http.StatusOK, Header: h, Body: []byte("body{}")})
	h.Set("ETag", "mutated after put")
	s.Flush()

	ent, ok := s.Get("cas://a")
	require.True(t, ok)
	assert.Equal(t, http.StatusOK, ent.Status)
	assert.Equal(t, `"a"`, ent.Header.Get("ETag"))
	assert.Equal(t, "body{}", string(ent.Body))
	assert.NotZero(t, ent.StoredAt)
	assert.True(t, s.Has("cas://a"))
	assert.Equal(t, 1, s.Len())
	assert.Positive(t, s.TotalSize())

	s.Delete("cas://a")
	s.Flush()
	_, ok = s.Get("cas://a")
	assert.False(t, ok)
	assert.Equal(t, int64(0), s.TotalSize())
}

func TestStore_EvictsLeastRecentlyUsed(t *testing.T) {
	body := bytes.Repeat([]byte("x"), 1000)

	probe := openStore(t, filepath.Join(t.TempDir(), "probe"), 1<<20)
	probe.PutAsync("k", Entry{Status: http.StatusOK, Body: body})
	probe.Flush()
	one := probe.TotalSize()
	require.Positive(t, one)

	limit := 5*one + one/2
	s := openStore(t, filepath.Join(t.TempDir(), "db"), limit)

	for i := 0; i < 5; i++ {
		s.PutAsync(fmt.Sprintf("k%d", i), Entry{Status: http.StatusOK, Body: body})
	}
	s.Flush()
	require.Equal(t, 5, s.Len())

	// k0 is the oldest write but the most recent read.
	_, ok := s.Get("k0")
	require.True(t, ok)
	s.Flush()

	s.PutAsync("k5", Entry{Status: http.StatusOK, Body: body})
	s.Flush()

	assert.LessOrEqual(t, s.TotalSize(), limit)
	assert.True(t, s.Has("k0"))
	assert.False(t, s.Has("k1"))
	assert.True(t, s.Has("k5"))
}

func TestStore_IndexSurvivesReopen(t *testing.T) {
	path := filepath.Join(t.TempDir(), "db")
	s, err := Open(path, 1<<20)
	require.NoError(t, err)
	s.PutAsync("cas://a", Entry{Status: http.StatusOK, Body: []byte("hello")})
	s.PutAsync("cas://b", Entry{Status: http.StatusOK, Body: []byte("world")})
	require.NoError(t, s.Close())
	require.NoError(t, s.Close())

	// Writes after close are dropped, not panics.
	s.PutAsync("cas://c", Entry{Status: http.StatusOK})
	s.Flush()

	s2 := openStore(t, path, 1<<20)
	assert.Equal(t, 2, s2.Len())
	ent, ok := s2.Get("cas://b")
	require.True(t, ok)
	assert.Equal(t, "world", string(ent.Body))
}

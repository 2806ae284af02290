package session

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestInitialValuesAreCopied(t *testing.T) {
	initial := map[string]string{"a": "1"}
	c := New("s1", initial)
	initial["a"] = "2"
	assert.Equal(t, "1", c.Value("a"))
}

func TestMissingPreservesOrder(t *testing.T) {
	c := New("s1", map[string]string{"b": "x"})
	assert.Equal(t, []string{"c", "a"}, c.Missing([]string{"c", "b", "a"}))
	assert.Nil(t, c.Missing([]string{"b"}))
}

func TestPickAndMerge(t *testing.T) {
	c := New("s1", nil)
	c.Merge(map[string]string{"code": "abc", "state": "tok"})
	c.Set(KeyServerURL, "http://fhir")
	assert.Equal(t, map[string]string{"code": "abc"}, c.Pick([]string{"code", "absent"}))
	assert.Equal(t, []string{"code", KeyServerURL, "state"}, c.Keys())
	c.Delete("code")
	assert.False(t, c.Has("code"))
}

func TestMemoryStoreRoundTrip(t *testing.T) {
	s := NewMemoryStore()
	_, err := s.LoadSession(context.Background(), "nope")
	assert.ErrorIs(t, err, ErrNotFound)

	c := New("s1", map[string]string{"k": "v"})
	require.NoError(t, s.SaveSession(context.Background(), c))
	c.Set("k", "changed after save")

	loaded, err := s.LoadSession(context.Background(), "s1")
	require.NoError(t, err)
	assert.Equal(t, "v", loaded.Value("k"))
}

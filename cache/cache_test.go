package cache

import (
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestCache(t *testing.T) {
	ch := New[int](0)
	_, ok := ch.Get("a")
	require.False(t, ok)

	loads := 0
	load := func() (int, error) {
		loads++
		return 42, nil
	}
	v, err := ch.GetOrLoad("a", load)
	require.NoError(t, err)
	require.Equal(t, 42, v)
	v, err = ch.GetOrLoad("a", load)
	require.NoError(t, err)
	require.Equal(t, 42, v)
	require.Equal(t, 1, loads)

	_, err = ch.GetOrLoad("b", func() (int, error) { return 0, errors.New("boom") })
	require.Error(t, err)
	_, ok = ch.Get("b")
	require.False(t, ok)

	ch.Delete("a")
	require.Equal(t, 0, ch.Len())
}

func TestCacheExpiry(t *testing.T) {
	ch := New[string](20 * time.Millisecond)
	ch.Put("k", "v")
	v, ok := ch.Get("k")
	require.True(t, ok)
	require.Equal(t, "v", v)
	time.Sleep(40 * time.Millisecond)
	_, ok = ch.Get("k")
	require.False(t, ok)
}

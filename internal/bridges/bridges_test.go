package bridges

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestNew(t *testing.T) {
	reg := New()
	require.NotNil(t, reg)
	require.NotNil(t, reg.internal)
}

func TestSetGet(t *testing.T) {
	reg := New()
	reg.Set("ch1", 64, "token123")

	token, ok := reg.Get("ch1", 64)
	require.True(t, ok)
	require.Equal(t, "token123", token)
}

func TestGetUninitialized(t *testing.T) {
	reg := New()
	_, ok := reg.Get("ch1", 64)
	require.False(t, ok)

	reg.Set("ch1", 64, "token123")
	_, ok = reg.Get("ch1", 65)
	require.False(t, ok)
}

func TestSetLastWriteWins(t *testing.T) {
	reg := New()
	reg.Set("ch1", 64, "tokenA")
	require.True(t, reg.MarkSeen("ch1", 64))

	reg.Set("ch1", 64, "tokenB")
	token, ok := reg.Get("ch1", 64)
	require.True(t, ok)
	require.Equal(t, "tokenB", token)

	// Re-init resets the seen flag with the entry.
	require.True(t, reg.MarkSeen("ch1", 64))
}

func TestMarkSeenOnce(t *testing.T) {
	reg := New()
	reg.Set("ch1", 64, "token123")

	require.True(t, reg.MarkSeen("ch1", 64))
	require.False(t, reg.MarkSeen("ch1", 64))
}

func TestMarkSeenUnknown(t *testing.T) {
	reg := New()
	require.False(t, reg.MarkSeen("ch1", 64))
	reg.Set("ch1", 64, "token123")
	require.False(t, reg.MarkSeen("ch1", 65))
}

func TestTablesScopedByChannel(t *testing.T) {
	reg := New()
	reg.Set("ch1", 64, "tokenA")
	reg.Set("ch2", 64, "tokenB")

	token, ok := reg.Get("ch2", 64)
	require.True(t, ok)
	require.Equal(t, "tokenB", token)
	require.Equal(t, 1, reg.Len("ch1"))
}

func TestDelete(t *testing.T) {
	reg := New()
	reg.Set("ch1", 64, "tokenA")
	reg.Set("ch1", 65, "tokenB")
	require.Equal(t, 2, reg.Len("ch1"))

	reg.Delete("ch1")
	require.Equal(t, 0, reg.Len("ch1"))
	_, ok := reg.Get("ch1", 64)
	require.False(t, ok)
}

func BenchmarkGet(b *testing.B) {
	reg := New()
	reg.Set("ch1", 64, "token123")
	for n := 0; n < b.N; n++ {
		reg.Get("ch1", 64)
	}
}

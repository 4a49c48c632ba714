package store

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// failingKV fails every operation after failAfter successful writes.
type failingKV struct {
	*Memory
	writes    int
	failAfter int
}

var errUnavailable = errors.New("storage unavailable")

func (f *failingKV) Set(key, value string) error {
	if f.writes >= f.failAfter {
		return errUnavailable
	}
	f.writes++
	return f.Memory.Set(key, value)
}

func (f *failingKV) Get(key string) (string, bool, error) {
	if f.writes >= f.failAfter {
		return "", false, errUnavailable
	}
	return f.Memory.Get(key)
}

func TestFallback_HealthyUsesPrimary(t *testing.T) {
	primary := NewMemory()
	f := NewFallback(primary)

	require.NoError(t, f.Set("k", "v"))
	v, ok, _ := primary.Get("k")
	assert.True(t, ok)
	assert.Equal(t, "v", v)
	assert.False(t, f.Degraded())
}

func TestFallback_DegradesOnWriteFailure(t *testing.T) {
	primary := &failingKV{Memory: NewMemory(), failAfter: 1}
	f := NewFallback(primary)

	require.NoError(t, f.Set("first", "1"))
	require.NoError(t, f.Set("second", "2"), "failures are absorbed")
	assert.True(t, f.Degraded())

	// Both values stay readable for the rest of the context lifetime.
	v, ok, err := f.Get("first")
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, "1", v)

	v, ok, err = f.Get("second")
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, "2", v)
}

func TestFallback_QuotaExceededDegrades(t *testing.T) {
	f := NewFallback(NewMemoryWithQuota(4))

	require.NoError(t, f.Set("k", "too large for quota"))
	assert.True(t, f.Degraded())

	v, ok, _ := f.Get("k")
	assert.True(t, ok)
	assert.Equal(t, "too large for quota", v)
}

func TestFallback_NilPrimary(t *testing.T) {
	f := NewFallback(nil)
	assert.True(t, f.Degraded())
	require.NoError(t, f.Set("k", "v"))
	keys, err := f.Keys("")
	require.NoError(t, err)
	assert.Equal(t, []string{"k"}, keys)
}

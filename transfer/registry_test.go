package transfer

import (
	"fmt"
	"sync"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRegistryTryBeginEnd(t *testing.T) {
	r := NewRegistry()
	key := UploadKey("b1", "a.txt")

	require.True(t, r.TryBegin(key))
	assert.True(t, r.Contains(key))
	assert.False(t, r.TryBegin(key))

	r.End(key)
	assert.False(t, r.Contains(key))
	r.End(key)
	assert.True(t, r.TryBegin(key))
}

func TestRegistryKindsDoNotCollide(t *testing.T) {
	r := NewRegistry()

	require.True(t, r.TryBegin(Key{Kind: Upload, Value: "x"}))
	assert.True(t, r.TryBegin(Key{Kind: Download, Value: "x"}))
	assert.Equal(t, 2, r.Len())
}

func TestRegistryConcurrentTryBeginAdmitsOne(t *testing.T) {
	r := NewRegistry()
	key := UploadKey("b1", "same")

	var wins atomic.Int32
	var wg sync.WaitGroup
	for i := 0; i < 64; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if r.TryBegin(key) {
				wins.Add(1)
			}
		}()
	}
	wg.Wait()
	assert.Equal(t, int32(1), wins.Load())
}

func TestRegistryBind(t *testing.T) {
	r := NewRegistry()
	key := UploadKey("b1", "a")

	_, ok := r.Bind(key, &Task{})
	assert.False(t, ok, "bind requires a reservation")

	require.True(t, r.TryBegin(key))
	task := &Task{Kind: Upload}
	handle, ok := r.Bind(key, task)
	require.True(t, ok)
	assert.NotEqual(t, InvalidHandle, handle)
	assert.Equal(t, handle, task.Handle)
	assert.Same(t, task, r.Task(handle))
	assert.Len(t, r.Tasks(), 1)

	_, ok = r.Bind(key, &Task{})
	assert.False(t, ok, "key already bound")

	r.End(key)
	assert.Nil(t, r.Task(handle))
	assert.Empty(t, r.Tasks())
}

func TestRegistryHandlesAreUnique(t *testing.T) {
	r := NewRegistry()
	seen := make(map[Handle]bool)
	for i := 0; i < 10; i++ {
		key := UploadKey("b", fmt.Sprintf("f%d", i))
		require.True(t, r.TryBegin(key))
		handle, ok := r.Bind(key, &Task{})
		require.True(t, ok)
		assert.False(t, seen[handle])
		seen[handle] = true
	}
}

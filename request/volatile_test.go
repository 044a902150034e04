package request

import (
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestVolatileStore_SetGet(t *testing.T) {
	s := NewVolatileStore()

	s.Set("req-1", VolTransSessionKey, []byte("wrapped-session-key"))

	v, ok := s.Get("req-1", VolTransSessionKey)
	assert.True(t, ok)
	assert.Equal(t, []byte("wrapped-session-key"), v)

	_, ok = s.Get("req-1", VolSessionPassphrase)
	assert.False(t, ok)
	_, ok = s.Get("req-2", VolTransSessionKey)
	assert.False(t, ok)
}

func TestVolatileStore_CallerBufferIndependent(t *testing.T) {
	s := NewVolatileStore()

	src := []byte("material")
	s.Set("req-1", VolPrivateData, src)
	src[0] = 'X'

	v, ok := s.Get("req-1", VolPrivateData)
	assert.True(t, ok)
	assert.Equal(t, []byte("material"), v)
}

func TestVolatileStore_Exists(t *testing.T) {
	s := NewVolatileStore()
	assert.False(t, s.Exists("req-1"))

	s.Set("req-1", VolTransSessionKey, []byte("k"))
	assert.True(t, s.Exists("req-1"))
}

func TestVolatileStore_Destroy(t *testing.T) {
	s := NewVolatileStore()
	s.Set("req-1", VolTransSessionKey, []byte("k"))
	s.Set("req-1", VolNonceData, []byte("iv"))

	s.Destroy("req-1")

	assert.False(t, s.Exists("req-1"))
	_, ok := s.Get("req-1", VolTransSessionKey)
	assert.False(t, ok)

	// Destroying again is a no-op.
	s.Destroy("req-1")
}

func TestVolatileStore_LockSerializes(t *testing.T) {
	s := NewVolatileStore()

	var mu sync.Mutex
	var order []int

	unlock := s.Lock("req-1")
	done := make(chan struct{})
	go func() {
		u := s.Lock("req-1")
		mu.Lock()
		order = append(order, 2)
		mu.Unlock()
		u()
		close(done)
	}()

	mu.Lock()
	order = append(order, 1)
	mu.Unlock()
	unlock()
	<-done

	assert.Equal(t, []int{1, 2}, order)
}

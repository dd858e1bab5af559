package provider

import (
	"context"
	"sync"
)

// ThreadsafeBackend serializes every capability operation of an inner Backend
// behind a single mutex, making it safe to drive from multiple goroutines at
// once. This is the backend variant to use with AllocLayout.AllocAsync, whose
// completion may fire on a different goroutine than the one that started the
// allocation.
//
// AwaitCapacityChange and OnCapacityChange are deliberately not serialized:
// blocking on the capacity signal while holding the mutex would prevent the
// very frees that the waiter is waiting for. The inner backend's signal
// mechanism must therefore be safe to use concurrently with its other
// operations, which holds for arena.Arena.
type ThreadsafeBackend struct {
	inner Backend
	mutex sync.Mutex
}

var _ Backend = &ThreadsafeBackend{}

// NewThreadsafeBackend wraps the provided backend in a serializing layer.
// The inner backend must not be used directly once wrapped.
func NewThreadsafeBackend(inner Backend) *ThreadsafeBackend {
	if inner == nil {
		panic("attempted to create a threadsafe backend around a nil backend")
	}
	return &ThreadsafeBackend{inner: inner}
}

func (b *ThreadsafeBackend) Allocate(size int, alignment uint) (Chunk, AllocStatus, error) {
	b.mutex.Lock()
	defer b.mutex.Unlock()

	return b.inner.Allocate(size, alignment)
}

func (b *ThreadsafeBackend) Release(id ChunkID) error {
	b.mutex.Lock()
	defer b.mutex.Unlock()

	return b.inner.Release(id)
}

func (b *ThreadsafeBackend) DeallocateOldest() bool {
	b.mutex.Lock()
	defer b.mutex.Unlock()

	return b.inner.DeallocateOldest()
}

func (b *ThreadsafeBackend) Defragment() {
	b.mutex.Lock()
	defer b.mutex.Unlock()

	b.inner.Defragment()
}

func (b *ThreadsafeBackend) GarbageCollect() {
	b.mutex.Lock()
	defer b.mutex.Unlock()

	b.inner.GarbageCollect()
}

func (b *ThreadsafeBackend) AwaitCapacityChange(ctx context.Context) error {
	return b.inner.AwaitCapacityChange(ctx)
}

func (b *ThreadsafeBackend) OnCapacityChange(f func()) {
	b.inner.OnCapacityChange(f)
}

func (b *ThreadsafeBackend) MaxAllocSize() int {
	b.mutex.Lock()
	defer b.mutex.Unlock()

	return b.inner.MaxAllocSize()
}

package provider

import (
	"context"
	"math"

	cerrors "github.com/cockroachdb/errors"
)

// Backend is the capability contract a shared-memory provider must implement
// for the allocation-policy engine to drive it. A backend manages a
// fixed-capacity arena of shared memory, carving chunks out of it on request
// and reclaiming them through garbage collection, defragmentation, and forced
// eviction.
//
// Three kinds of backend ship with this module, identical in semantics and
// differing only in dispatch and thread-safety: the fixed local arena
// (arena.Arena, not safe for concurrent use unless created with its
// ThreadSafe option), DynamicBackend (a caller-supplied callback table), and
// ThreadsafeBackend (a serializing wrapper over any other Backend).
type Backend interface {
	// Allocate attempts to carve a chunk of at least size bytes, aligned to
	// the provided alignment, out of the arena. On success it returns the
	// chunk and AllocOk. AllocNeedRetry indicates a transient failure that
	// reclamation might resolve; AllocError indicates a fatal condition and
	// must be accompanied by an error. The returned error is nil unless the
	// status is AllocError.
	Allocate(size int, alignment uint) (Chunk, AllocStatus, error)
	// Release returns a previously-allocated chunk to the backend. The chunk
	// becomes garbage: its owner has let go of it, but its backing storage
	// is not returned to the free pool until the next GarbageCollect. The
	// implementation must return an error if the id does not map to a live
	// allocation.
	Release(id ChunkID) error
	// DeallocateOldest forcibly evicts the single oldest outstanding
	// allocation, returning its storage directly to the free pool. It
	// returns true if an allocation was evicted and false if there were no
	// outstanding allocations to evict.
	DeallocateOldest() bool
	// Defragment coalesces adjacent free regions of the arena into larger
	// contiguous free regions
	Defragment()
	// GarbageCollect reclaims the storage of every garbage chunk, returning
	// it to the free pool
	GarbageCollect()
	// AwaitCapacityChange blocks the calling goroutine until the backend
	// signals that available capacity may have changed, or until ctx is
	// cancelled, whichever comes first. It returns ctx.Err on cancellation
	// and nil otherwise.
	AwaitCapacityChange(ctx context.Context) error
	// OnCapacityChange registers f to be invoked once, the next time the
	// backend signals that available capacity may have changed. The
	// continuation may be invoked from a different goroutine than the one
	// that registered it.
	OnCapacityChange(f func())
	// MaxAllocSize returns the largest allocation size in bytes this backend
	// could ever satisfy. Layout construction uses it to reject infeasible
	// requests up front.
	MaxAllocSize() int
}

// DynamicBackend adapts a table of caller-supplied callbacks into a Backend.
// It exists for consumers that source their provider behavior dynamically,
// for example from a plugin or a foreign-function boundary, rather than from
// a concrete implementation in this module. Callbacks that are nil degrade to
// safe defaults: allocation fails fatally, reclamation no-ops, waiting
// returns immediately, and MaxAllocSize reports no ceiling.
//
// A DynamicBackend is only as thread-safe as the callbacks behind it. Wrap it
// in a ThreadsafeBackend before sharing it across goroutines.
type DynamicBackend struct {
	AllocateFunc            func(size int, alignment uint) (Chunk, AllocStatus, error)
	ReleaseFunc             func(id ChunkID) error
	DeallocateOldestFunc    func() bool
	DefragmentFunc          func()
	GarbageCollectFunc      func()
	AwaitCapacityChangeFunc func(ctx context.Context) error
	OnCapacityChangeFunc    func(f func())
	MaxAllocSizeFunc        func() int
}

var _ Backend = &DynamicBackend{}

func (b *DynamicBackend) Allocate(size int, alignment uint) (Chunk, AllocStatus, error) {
	if b.AllocateFunc == nil {
		return Chunk{}, AllocError, cerrors.New("dynamic backend has no Allocate callback")
	}
	return b.AllocateFunc(size, alignment)
}

func (b *DynamicBackend) Release(id ChunkID) error {
	if b.ReleaseFunc == nil {
		return cerrors.New("dynamic backend has no Release callback")
	}
	return b.ReleaseFunc(id)
}

func (b *DynamicBackend) DeallocateOldest() bool {
	if b.DeallocateOldestFunc == nil {
		return false
	}
	return b.DeallocateOldestFunc()
}

func (b *DynamicBackend) Defragment() {
	if b.DefragmentFunc != nil {
		b.DefragmentFunc()
	}
}

func (b *DynamicBackend) GarbageCollect() {
	if b.GarbageCollectFunc != nil {
		b.GarbageCollectFunc()
	}
}

func (b *DynamicBackend) AwaitCapacityChange(ctx context.Context) error {
	if b.AwaitCapacityChangeFunc == nil {
		return ctx.Err()
	}
	return b.AwaitCapacityChangeFunc(ctx)
}

func (b *DynamicBackend) OnCapacityChange(f func()) {
	if b.OnCapacityChangeFunc == nil {
		f()
		return
	}
	b.OnCapacityChangeFunc(f)
}

func (b *DynamicBackend) MaxAllocSize() int {
	if b.MaxAllocSizeFunc == nil {
		return math.MaxInt
	}
	return b.MaxAllocSizeFunc()
}

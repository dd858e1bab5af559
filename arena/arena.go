package arena

import (
	"context"
	"fmt"
	"sort"

	cerrors "github.com/cockroachdb/errors"
	"github.com/dolthub/swiss"
	"github.com/ipcmesh/shmarena/internal/utils"
	"github.com/ipcmesh/shmarena/memutils"
	"github.com/ipcmesh/shmarena/provider"
	"github.com/pkg/errors"
	"golang.org/x/exp/slog"
)

// CorruptedArenaError is the error returned from Arena methods once the arena has detected
// an internal inconsistency. It is fatal: the arena refuses all further allocations.
var CorruptedArenaError error = errors.New("arena metadata is corrupted")

// region is a contiguous range of free bytes within the arena
type region struct {
	offset int
	size   int
}

// chunkInfo is the arena's bookkeeping record for one live or garbage allocation
type chunkInfo struct {
	offset  int
	size    int
	dropped bool
}

// Arena is the fixed local backend: a provider.Backend carving allocations
// out of a single fixed-capacity region of memory with an offset-ordered
// free list.
//
// Free regions are deliberately not coalesced when memory is returned; they
// merge only during Defragment. Released chunks become garbage and rejoin the
// free list only during GarbageCollect. This keeps Allocate cheap and leaves
// the reclamation schedule to the policy chain driving the arena.
//
// An Arena is not safe for concurrent use unless created with the ThreadSafe
// option.
type Arena struct {
	mem             []byte
	logger          *slog.Logger
	evictionHandler func(id provider.ChunkID)
	mutex           utils.OptionalRWMutex
	notifier        capacityNotifier

	free        []region
	chunks      *swiss.Map[provider.ChunkID, *chunkInfo]
	liveOrder   []provider.ChunkID
	garbage     []provider.ChunkID
	nextChunkID provider.ChunkID
	corruption  error
}

var _ provider.Backend = &Arena{}

// Capacity returns the total size in bytes of the memory region this arena manages
func (a *Arena) Capacity() int { return len(a.mem) }

// MaxAllocSize returns the largest allocation this arena could ever satisfy,
// which is its full capacity
func (a *Arena) MaxAllocSize() int { return len(a.mem) }

// IsEmpty returns true if the arena has no live allocations and no garbage
func (a *Arena) IsEmpty() bool {
	a.mutex.RLock()
	defer a.mutex.RUnlock()

	return a.chunks.Count() == 0
}

// AllocationCount returns the number of live (not dropped, not evicted)
// allocations in the arena
func (a *Arena) AllocationCount() int {
	a.mutex.RLock()
	defer a.mutex.RUnlock()

	return len(a.liveOrder)
}

// Allocate carves a chunk of the requested size and alignment out of the
// first free region that fits. A transient AllocNeedRetry failure means the
// free list currently has no region large enough; garbage collection,
// defragmentation, or eviction may change that.
func (a *Arena) Allocate(size int, alignment uint) (provider.Chunk, provider.AllocStatus, error) {
	if alignment == 0 {
		alignment = 1
	}

	err := memutils.CheckPow2(alignment, "alignment")
	if err != nil {
		return provider.Chunk{}, provider.AllocError, err
	}

	if size <= 0 {
		return provider.Chunk{}, provider.AllocError, cerrors.Errorf("allocation size must be positive, but was %d", size)
	}

	a.mutex.Lock()
	defer a.mutex.Unlock()

	if a.corruption != nil {
		return provider.Chunk{}, provider.AllocError, a.corruption
	}

	// Reserve room for the anti-corruption margin after the allocation. The
	// margin is 0 unless built with the debug_mem_utils tag.
	reserved := size + memutils.DebugMargin

	for regionIndex := 0; regionIndex < len(a.free); regionIndex++ {
		candidate := a.free[regionIndex]

		alignedOffset := memutils.AlignUp(candidate.offset, alignment)
		padding := alignedOffset - candidate.offset
		if candidate.size-padding < reserved {
			continue
		}

		if alignedOffset+reserved > len(a.mem) {
			a.corruption = cerrors.Wrapf(CorruptedArenaError,
				"free region at offset %d with size %d extends past the arena capacity %d",
				candidate.offset, candidate.size, len(a.mem))
			return provider.Chunk{}, provider.AllocError, a.corruption
		}

		a.carveRegion(regionIndex, padding, reserved)

		a.nextChunkID++
		id := a.nextChunkID
		a.chunks.Put(id, &chunkInfo{
			offset: alignedOffset,
			size:   reserved,
		})
		a.liveOrder = append(a.liveOrder, id)

		if memutils.DebugMargin > 0 {
			memutils.WriteMagicValue(a.mem, alignedOffset+size)
		}

		a.logger.Debug("Arena::Allocate",
			slog.Uint64("ChunkID", uint64(id)),
			slog.Int("Offset", alignedOffset),
			slog.Int("Size", size),
		)

		return provider.Chunk{
			ID:   id,
			Data: a.mem[alignedOffset : alignedOffset+size : alignedOffset+size],
		}, provider.AllocOk, nil
	}

	return provider.Chunk{}, provider.AllocNeedRetry, nil
}

// carveRegion removes size bytes (after padding bytes of alignment slack)
// from the free region at regionIndex, leaving the slack and any trailing
// remainder on the free list
func (a *Arena) carveRegion(regionIndex, padding, size int) {
	candidate := a.free[regionIndex]
	trailing := candidate.size - padding - size

	switch {
	case padding > 0 && trailing > 0:
		a.free[regionIndex] = region{offset: candidate.offset, size: padding}
		a.insertFreeRegion(region{offset: candidate.offset + padding + size, size: trailing})
	case padding > 0:
		a.free[regionIndex] = region{offset: candidate.offset, size: padding}
	case trailing > 0:
		a.free[regionIndex] = region{offset: candidate.offset + size, size: trailing}
	default:
		a.free = append(a.free[0:regionIndex], a.free[regionIndex+1:]...)
	}
}

// insertFreeRegion places a region into the free list, keeping it sorted by
// offset. It never coalesces; that is Defragment's job.
func (a *Arena) insertFreeRegion(r region) {
	insertAt := sort.Search(len(a.free), func(i int) bool {
		return a.free[i].offset > r.offset
	})

	a.free = append(a.free, region{})
	copy(a.free[insertAt+1:], a.free[insertAt:])
	a.free[insertAt] = r
}

// Release marks a live chunk as garbage. Its storage stays reserved until the
// next GarbageCollect. Waiters on the capacity signal are woken, since a
// garbage-collecting retry may now succeed.
func (a *Arena) Release(id provider.ChunkID) error {
	a.mutex.Lock()

	info, ok := a.chunks.Get(id)
	if !ok || info.dropped {
		a.mutex.Unlock()
		return cerrors.Errorf("chunk id %d does not map to a live allocation in this arena", id)
	}

	info.dropped = true
	a.removeFromLiveOrder(id)
	a.garbage = append(a.garbage, id)

	a.logger.Debug("Arena::Release", slog.Uint64("ChunkID", uint64(id)), slog.Int("Size", info.size))
	a.mutex.Unlock()

	a.notifier.Signal()
	return nil
}

func (a *Arena) removeFromLiveOrder(id provider.ChunkID) {
	for i := 0; i < len(a.liveOrder); i++ {
		if a.liveOrder[i] == id {
			a.liveOrder = append(a.liveOrder[0:i], a.liveOrder[i+1:]...)
			return
		}
	}

	panic(fmt.Sprintf("chunk id %d was live but missing from the arena's eviction order", id))
}

// GarbageCollect returns the storage of every garbage chunk to the free list.
// The reclaimed regions are not coalesced with their neighbors; run
// Defragment for that.
func (a *Arena) GarbageCollect() {
	a.mutex.Lock()

	reclaimedBytes := 0
	for _, id := range a.garbage {
		info, ok := a.chunks.Get(id)
		if !ok {
			panic(fmt.Sprintf("garbage chunk id %d was missing from the arena's chunk table", id))
		}

		a.insertFreeRegion(region{offset: info.offset, size: info.size})
		a.chunks.Delete(id)
		reclaimedBytes += info.size
	}

	reclaimedCount := len(a.garbage)
	a.garbage = nil

	if reclaimedCount > 0 {
		a.logger.Debug("Arena::GarbageCollect",
			slog.Int("ReclaimedChunks", reclaimedCount),
			slog.Int("ReclaimedBytes", reclaimedBytes),
		)
	}
	a.mutex.Unlock()

	if reclaimedCount > 0 {
		a.notifier.Signal()
	}
}

// Defragment coalesces adjacent free regions into larger contiguous regions.
// Allocations are never moved: only the free list changes shape.
func (a *Arena) Defragment() {
	a.mutex.Lock()

	mergedAny := false
	if len(a.free) > 1 {
		merged := a.free[:1]
		for i := 1; i < len(a.free); i++ {
			last := &merged[len(merged)-1]
			if last.offset+last.size == a.free[i].offset {
				last.size += a.free[i].size
				mergedAny = true
			} else {
				merged = append(merged, a.free[i])
			}
		}
		a.free = merged
	}

	if mergedAny {
		a.logger.Debug("Arena::Defragment", slog.Int("FreeRegions", len(a.free)))
	}
	a.mutex.Unlock()

	if mergedAny {
		a.notifier.Signal()
	}
}

// DeallocateOldest forcibly evicts the oldest live allocation, returning its
// storage directly to the free list. The evicted owner is informed through
// the arena's EvictionHandler, if one was configured; it must stop using the
// evicted buffer. Returns false if there was nothing to evict.
func (a *Arena) DeallocateOldest() bool {
	a.mutex.Lock()

	if len(a.liveOrder) == 0 {
		a.mutex.Unlock()
		return false
	}

	id := a.liveOrder[0]
	a.liveOrder = a.liveOrder[1:]

	info, ok := a.chunks.Get(id)
	if !ok {
		panic(fmt.Sprintf("chunk id %d was in the arena's eviction order but missing from its chunk table", id))
	}

	a.insertFreeRegion(region{offset: info.offset, size: info.size})
	a.chunks.Delete(id)

	a.logger.Debug("Arena::DeallocateOldest", slog.Uint64("ChunkID", uint64(id)), slog.Int("Size", info.size))
	a.mutex.Unlock()

	if a.evictionHandler != nil {
		a.evictionHandler(id)
	}

	a.notifier.Signal()
	return true
}

// AwaitCapacityChange blocks until some operation changes the arena's
// available capacity or contiguity (release, garbage collection,
// defragmentation, or eviction), or until ctx is cancelled
func (a *Arena) AwaitCapacityChange(ctx context.Context) error {
	return a.notifier.Wait(ctx)
}

// OnCapacityChange registers f to run once on the next capacity change. The
// continuation runs on the goroutine that triggered the change.
func (a *Arena) OnCapacityChange(f func()) {
	a.notifier.OnSignal(f)
}

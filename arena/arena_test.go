package arena_test

import (
	"context"
	"encoding/json"
	"math"
	"testing"
	"time"

	"github.com/ipcmesh/shmarena/arena"
	"github.com/ipcmesh/shmarena/memutils"
	"github.com/ipcmesh/shmarena/provider"
	"github.com/launchdarkly/go-jsonstream/v3/jwriter"
	"github.com/stretchr/testify/require"
)

func TestArenaAllocateAndCollect(t *testing.T) {
	a, err := arena.New(100, arena.Options{})
	require.NoError(t, err)

	chunk, status, err := a.Allocate(100, 1)
	require.NoError(t, err)
	require.Equal(t, provider.AllocOk, status)
	require.Len(t, chunk.Data, 100)
	require.Equal(t, 1, a.AllocationCount())

	// The arena is full now.
	_, status, err = a.Allocate(1, 1)
	require.NoError(t, err)
	require.Equal(t, provider.AllocNeedRetry, status)

	// Releasing alone does not return capacity to the free pool.
	require.NoError(t, a.Release(chunk.ID))
	_, status, err = a.Allocate(100, 1)
	require.NoError(t, err)
	require.Equal(t, provider.AllocNeedRetry, status)

	a.GarbageCollect()
	_, status, err = a.Allocate(100, 1)
	require.NoError(t, err)
	require.Equal(t, provider.AllocOk, status)

	require.NoError(t, a.Validate())
}

func TestArenaReleaseRejectsUnknownAndDoubleRelease(t *testing.T) {
	a, err := arena.New(100, arena.Options{})
	require.NoError(t, err)

	require.Error(t, a.Release(42))

	chunk, status, err := a.Allocate(10, 1)
	require.NoError(t, err)
	require.Equal(t, provider.AllocOk, status)

	require.NoError(t, a.Release(chunk.ID))
	require.Error(t, a.Release(chunk.ID))
}

func TestArenaDefragmentCoalescesFreeRegions(t *testing.T) {
	a, err := arena.New(1000, arena.Options{})
	require.NoError(t, err)

	for i := 0; i < 4; i++ {
		_, status, err := a.Allocate(250, 1)
		require.NoError(t, err)
		require.Equal(t, provider.AllocOk, status)
	}

	require.True(t, a.DeallocateOldest())
	require.True(t, a.DeallocateOldest())

	// Two adjacent 250-byte regions exist, but they only merge on Defragment.
	_, status, err := a.Allocate(500, 1)
	require.NoError(t, err)
	require.Equal(t, provider.AllocNeedRetry, status)

	a.Defragment()

	_, status, err = a.Allocate(500, 1)
	require.NoError(t, err)
	require.Equal(t, provider.AllocOk, status)

	require.NoError(t, a.Validate())
}

func TestArenaDeallocateOldestEvictsInFIFOOrder(t *testing.T) {
	var evicted []provider.ChunkID
	a, err := arena.New(300, arena.Options{
		EvictionHandler: func(id provider.ChunkID) {
			evicted = append(evicted, id)
		},
	})
	require.NoError(t, err)

	first, status, err := a.Allocate(100, 1)
	require.NoError(t, err)
	require.Equal(t, provider.AllocOk, status)
	second, status, err := a.Allocate(100, 1)
	require.NoError(t, err)
	require.Equal(t, provider.AllocOk, status)

	require.True(t, a.DeallocateOldest())
	require.True(t, a.DeallocateOldest())
	require.False(t, a.DeallocateOldest())

	require.Equal(t, []provider.ChunkID{first.ID, second.ID}, evicted)
	require.True(t, a.IsEmpty())
}

func TestArenaRespectsAlignment(t *testing.T) {
	mem := make([]byte, 1024)
	a, err := arena.FromMemory(mem, arena.Options{})
	require.NoError(t, err)

	_, status, err := a.Allocate(10, 1)
	require.NoError(t, err)
	require.Equal(t, provider.AllocOk, status)

	chunk, status, err := a.Allocate(16, 64)
	require.NoError(t, err)
	require.Equal(t, provider.AllocOk, status)
	require.Same(t, &mem[64], &chunk.Data[0])

	require.NoError(t, a.Validate())
}

func TestArenaRejectsInvalidAllocations(t *testing.T) {
	a, err := arena.New(100, arena.Options{})
	require.NoError(t, err)

	_, status, err := a.Allocate(10, 3)
	require.Equal(t, provider.AllocError, status)
	require.ErrorIs(t, err, memutils.PowerOfTwoError)

	_, status, err = a.Allocate(0, 1)
	require.Equal(t, provider.AllocError, status)
	require.Error(t, err)
}

func TestArenaCreateRejectsInvalidRegions(t *testing.T) {
	_, err := arena.New(0, arena.Options{})
	require.Error(t, err)

	_, err = arena.New(-5, arena.Options{})
	require.Error(t, err)

	_, err = arena.FromMemory(nil, arena.Options{})
	require.Error(t, err)
}

func TestArenaStatistics(t *testing.T) {
	a, err := arena.New(1000, arena.Options{})
	require.NoError(t, err)

	live, status, err := a.Allocate(100, 1)
	require.NoError(t, err)
	require.Equal(t, provider.AllocOk, status)
	_ = live

	garbage, status, err := a.Allocate(200, 1)
	require.NoError(t, err)
	require.Equal(t, provider.AllocOk, status)
	require.NoError(t, a.Release(garbage.ID))

	var stats memutils.Statistics
	stats.Clear()
	a.AddStatistics(&stats)

	require.Equal(t, memutils.Statistics{
		AllocationCount: 1,
		AllocationBytes: 100,
		GarbageCount:    1,
		GarbageBytes:    200,
		FreeRegionCount: 1,
		FreeBytes:       700,
	}, stats)

	var detailed memutils.DetailedStatistics
	detailed.Clear()
	a.AddDetailedStatistics(&detailed)

	require.Equal(t, memutils.DetailedStatistics{
		Statistics: memutils.Statistics{
			AllocationCount: 1,
			AllocationBytes: 100,
			GarbageCount:    1,
			GarbageBytes:    200,
			FreeRegionCount: 1,
			FreeBytes:       700,
		},
		AllocationSizeMin: 100,
		AllocationSizeMax: 100,
		FreeRegionSizeMin: 700,
		FreeRegionSizeMax: 700,
	}, detailed)
}

func TestArenaEmptyDetailedStatistics(t *testing.T) {
	a, err := arena.New(50, arena.Options{})
	require.NoError(t, err)

	var detailed memutils.DetailedStatistics
	detailed.Clear()
	a.AddDetailedStatistics(&detailed)

	require.Equal(t, 0, detailed.AllocationCount)
	require.Equal(t, math.MaxInt, detailed.AllocationSizeMin)
	require.Equal(t, 50, detailed.FreeBytes)
}

func TestArenaPrintDetailedMap(t *testing.T) {
	a, err := arena.New(300, arena.Options{})
	require.NoError(t, err)

	chunk, status, err := a.Allocate(100, 1)
	require.NoError(t, err)
	require.Equal(t, provider.AllocOk, status)

	garbage, status, err := a.Allocate(50, 1)
	require.NoError(t, err)
	require.Equal(t, provider.AllocOk, status)
	require.NoError(t, a.Release(garbage.ID))
	_ = chunk

	writer := jwriter.NewWriter()
	a.PrintDetailedMap(&writer)
	require.NoError(t, writer.Error())

	var parsed struct {
		TotalBytes int
		Regions    []struct {
			Offset int
			Size   int
			Type   string
		}
	}
	require.NoError(t, json.Unmarshal(writer.Bytes(), &parsed))

	require.Equal(t, 300, parsed.TotalBytes)
	require.Len(t, parsed.Regions, 3)
	require.Equal(t, "Allocation", parsed.Regions[0].Type)
	require.Equal(t, 100, parsed.Regions[0].Size)
	require.Equal(t, "Garbage", parsed.Regions[1].Type)
	require.Equal(t, 50, parsed.Regions[1].Size)
	require.Equal(t, "Free", parsed.Regions[2].Type)
	require.Equal(t, 150, parsed.Regions[2].Size)
}

func TestArenaAwaitCapacityChange(t *testing.T) {
	a, err := arena.New(100, arena.Options{ThreadSafe: true})
	require.NoError(t, err)

	chunk, status, err := a.Allocate(100, 1)
	require.NoError(t, err)
	require.Equal(t, provider.AllocOk, status)

	waitDone := make(chan error, 1)
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		waitDone <- a.AwaitCapacityChange(ctx)
	}()

	// Give the waiter a moment to park before releasing.
	time.Sleep(10 * time.Millisecond)
	require.NoError(t, a.Release(chunk.ID))

	require.NoError(t, <-waitDone)
}

func TestPolicyChainReclaimsRealArena(t *testing.T) {
	a, err := arena.New(1000, arena.Options{})
	require.NoError(t, err)

	var held []provider.Chunk
	for i := 0; i < 4; i++ {
		chunk, status, err := a.Allocate(250, 1)
		require.NoError(t, err)
		require.Equal(t, provider.AllocOk, status)
		held = append(held, chunk)
	}

	// Drop two adjacent chunks without collecting them.
	require.NoError(t, a.Release(held[0].ID))
	require.NoError(t, a.Release(held[1].ID))

	layout, err := provider.NewAllocLayout(a, 500, 1)
	require.NoError(t, err)

	// JustAlloc can't make progress against a full arena.
	res := layout.Alloc(context.Background(), provider.JustAlloc{})
	require.Equal(t, provider.AllocNeedRetry, res.Status)

	// GC alone reclaims the garbage but leaves it fragmented.
	res = layout.Alloc(context.Background(), provider.GarbageCollect{})
	require.Equal(t, provider.AllocNeedRetry, res.Status)

	// Defragment<GarbageCollect> coalesces the two reclaimed regions.
	res = layout.Alloc(context.Background(), provider.Defragment{Inner: provider.GarbageCollect{}})
	require.Equal(t, provider.AllocOk, res.Status)
	require.Equal(t, 500, res.Buffer.Size())

	require.NoError(t, a.Validate())
}

func TestDeallocatePolicyEvictsFromRealArena(t *testing.T) {
	evictions := 0
	a, err := arena.New(1000, arena.Options{
		EvictionHandler: func(id provider.ChunkID) {
			evictions++
		},
	})
	require.NoError(t, err)

	for i := 0; i < 4; i++ {
		_, status, err := a.Allocate(250, 1)
		require.NoError(t, err)
		require.Equal(t, provider.AllocOk, status)
	}

	layout, err := provider.NewAllocLayout(a, 400, 1)
	require.NoError(t, err)

	res := layout.Alloc(context.Background(), provider.Deallocate{
		Limit: 10,
		Inner: provider.Defragment{
			Inner: provider.GarbageCollect{},
		},
	})
	require.Equal(t, provider.AllocOk, res.Status)
	require.Equal(t, 2, evictions)
	require.Equal(t, 3, a.AllocationCount())

	require.NoError(t, a.Validate())
}

func TestBlockOnRidesConcurrentRelease(t *testing.T) {
	a, err := arena.New(100, arena.Options{ThreadSafe: true})
	require.NoError(t, err)

	chunk, status, err := a.Allocate(100, 1)
	require.NoError(t, err)
	require.Equal(t, provider.AllocOk, status)

	layout, err := provider.NewAllocLayout(a, 100, 1)
	require.NoError(t, err)

	go func() {
		time.Sleep(10 * time.Millisecond)
		_ = a.Release(chunk.ID)
	}()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	res := layout.Alloc(ctx, provider.BlockOn{Inner: provider.GarbageCollect{}})
	require.Equal(t, provider.AllocOk, res.Status)
	require.Equal(t, 100, res.Buffer.Size())
}

func TestAllocAsyncAgainstThreadsafeArena(t *testing.T) {
	inner, err := arena.New(100, arena.Options{})
	require.NoError(t, err)
	backend := provider.NewThreadsafeBackend(inner)

	first, status, err := backend.Allocate(100, 1)
	require.NoError(t, err)
	require.Equal(t, provider.AllocOk, status)

	layout, err := provider.NewAllocLayout(backend, 100, 1)
	require.NoError(t, err)

	done := make(chan provider.AllocResult, 1)
	layout.AllocAsync(provider.GarbageCollect{}, func(res provider.AllocResult) {
		done <- res
	})

	require.NoError(t, backend.Release(first.ID))

	select {
	case res := <-done:
		require.Equal(t, provider.AllocOk, res.Status)
		require.Equal(t, 100, res.Buffer.Size())
	case <-time.After(5 * time.Second):
		t.Fatal("async allocation never completed")
	}
}

func TestArenaCheckCorruption(t *testing.T) {
	a, err := arena.New(1024, arena.Options{})
	require.NoError(t, err)

	for i := 0; i < 3; i++ {
		_, status, err := a.Allocate(64, 8)
		require.NoError(t, err)
		require.Equal(t, provider.AllocOk, status)
	}

	require.NoError(t, a.CheckCorruption())
}

func TestLayoutRejectsOversizeForArena(t *testing.T) {
	a, err := arena.New(256, arena.Options{})
	require.NoError(t, err)

	layout, err := provider.NewAllocLayout(a, 257, 1)
	require.ErrorIs(t, err, provider.LayoutTooLargeError)
	require.Nil(t, layout)
}

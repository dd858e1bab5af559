package arena

import (
	"strconv"

	"github.com/ipcmesh/shmarena/memutils"
	"github.com/ipcmesh/shmarena/provider"
	"github.com/launchdarkly/go-jsonstream/v3/jwriter"
	"github.com/pkg/errors"
	"golang.org/x/exp/slices"
)

// AddStatistics sums this arena's occupancy counters into the statistics
// currently present in the provided memutils.Statistics object
func (a *Arena) AddStatistics(stats *memutils.Statistics) {
	a.mutex.RLock()
	defer a.mutex.RUnlock()

	a.chunks.Iter(func(id provider.ChunkID, info *chunkInfo) bool {
		if info.dropped {
			stats.GarbageCount++
			stats.GarbageBytes += info.size
		} else {
			stats.AllocationCount++
			stats.AllocationBytes += info.size
		}
		return false
	})

	stats.FreeRegionCount += len(a.free)
	for _, freeRegion := range a.free {
		stats.FreeBytes += freeRegion.size
	}
}

// AddDetailedStatistics sums this arena's occupancy counters, including
// allocation and free-region size extremes, into the statistics currently
// present in the provided memutils.DetailedStatistics object
func (a *Arena) AddDetailedStatistics(stats *memutils.DetailedStatistics) {
	a.mutex.RLock()
	defer a.mutex.RUnlock()

	a.chunks.Iter(func(id provider.ChunkID, info *chunkInfo) bool {
		if info.dropped {
			stats.GarbageCount++
			stats.GarbageBytes += info.size
		} else {
			stats.AddAllocation(info.size)
		}
		return false
	})

	for _, freeRegion := range a.free {
		stats.AddFreeRegion(freeRegion.size)
	}
}

// PrintDetailedMap writes a json description of every allocation, garbage
// chunk, and free region in the arena, in offset order. This walks the whole
// arena and should generally only be done for diagnostic purposes.
func (a *Arena) PrintDetailedMap(writer *jwriter.Writer) {
	a.mutex.RLock()
	defer a.mutex.RUnlock()

	objState := writer.Object()
	defer objState.End()

	objState.Name("TotalBytes").Int(len(a.mem))

	type mapEntry struct {
		offset    int
		size      int
		entryType string
		id        provider.ChunkID
	}

	entries := make([]mapEntry, 0, a.chunks.Count()+len(a.free))
	a.chunks.Iter(func(id provider.ChunkID, info *chunkInfo) bool {
		entryType := "Allocation"
		if info.dropped {
			entryType = "Garbage"
		}
		entries = append(entries, mapEntry{offset: info.offset, size: info.size, entryType: entryType, id: id})
		return false
	})
	for _, freeRegion := range a.free {
		entries = append(entries, mapEntry{offset: freeRegion.offset, size: freeRegion.size, entryType: "Free"})
	}

	slices.SortFunc(entries, func(left, right mapEntry) bool {
		return left.offset < right.offset
	})

	arrayState := objState.Name("Regions").Array()
	defer arrayState.End()

	for _, entry := range entries {
		obj := arrayState.Object()

		obj.Name("Offset").Int(entry.offset)
		obj.Name("Size").Int(entry.size)
		obj.Name("Type").String(entry.entryType)
		if entry.entryType != "Free" {
			obj.Name("ChunkID").String(strconv.FormatUint(uint64(entry.id), 10))
		}

		obj.End()
	}
}

// Validate performs internal consistency checks on the arena's metadata.
// These walk every region and so may be expensive. When the arena is
// functioning correctly it should not be possible for this method to return
// an error, but it may assist in diagnosing issues.
func (a *Arena) Validate() error {
	a.mutex.RLock()
	defer a.mutex.RUnlock()

	type span struct {
		offset int
		size   int
		free   bool
	}

	spans := make([]span, 0, a.chunks.Count()+len(a.free))
	for _, freeRegion := range a.free {
		if freeRegion.size <= 0 {
			return errors.Errorf("free region at offset %d has invalid size %d", freeRegion.offset, freeRegion.size)
		}
		spans = append(spans, span{offset: freeRegion.offset, size: freeRegion.size, free: true})
	}

	var chunkErr error
	liveCount := 0
	a.chunks.Iter(func(id provider.ChunkID, info *chunkInfo) bool {
		if info.size <= 0 {
			chunkErr = errors.Errorf("chunk id %d at offset %d has invalid size %d", id, info.offset, info.size)
			return true
		}
		if !info.dropped {
			liveCount++
		}
		spans = append(spans, span{offset: info.offset, size: info.size})
		return false
	})
	if chunkErr != nil {
		return chunkErr
	}

	if liveCount != len(a.liveOrder) {
		return errors.Errorf("arena has %d live chunks but %d entries in its eviction order", liveCount, len(a.liveOrder))
	}

	if a.chunks.Count()-liveCount != len(a.garbage) {
		return errors.Errorf("arena has %d dropped chunks but %d entries in its garbage list", a.chunks.Count()-liveCount, len(a.garbage))
	}

	for i := 1; i < len(a.free); i++ {
		if a.free[i].offset <= a.free[i-1].offset {
			return errors.Errorf("free list is not sorted at index %d", i)
		}
	}

	slices.SortFunc(spans, func(left, right span) bool {
		return left.offset < right.offset
	})

	end := 0
	for _, s := range spans {
		if s.offset < end {
			return errors.Errorf("region at offset %d overlaps the previous region ending at %d", s.offset, end)
		}
		end = s.offset + s.size
	}

	if end > len(a.mem) {
		return errors.Errorf("regions extend to offset %d, past the arena capacity %d", end, len(a.mem))
	}

	return nil
}

var _ memutils.Validatable = &Arena{}

// CheckCorruption verifies the anti-corruption margin trailing every live
// and garbage chunk in the arena. It only has teeth when the module is built
// with the debug_mem_utils tag; without it the margins are zero bytes wide
// and this method always succeeds.
func (a *Arena) CheckCorruption() error {
	if memutils.DebugMargin == 0 {
		return nil
	}

	a.mutex.RLock()
	defer a.mutex.RUnlock()

	var corruptionErr error
	a.chunks.Iter(func(id provider.ChunkID, info *chunkInfo) bool {
		marginOffset := info.offset + info.size - memutils.DebugMargin
		if !memutils.ValidateMagicValue(a.mem, marginOffset) {
			corruptionErr = errors.Errorf("memory past the end of chunk id %d was overwritten", id)
			return true
		}
		return false
	})

	return corruptionErr
}

package memutils_test

import (
	"math"
	"testing"

	"github.com/ipcmesh/shmarena/memutils"
	"github.com/stretchr/testify/require"
)

func TestCheckPow2(t *testing.T) {
	for _, value := range []uint{1, 2, 4, 64, 4096} {
		require.NoError(t, memutils.CheckPow2(value, "value"))
	}

	for _, value := range []uint{3, 6, 12, 100} {
		err := memutils.CheckPow2(value, "value")
		require.ErrorIs(t, err, memutils.PowerOfTwoError)
	}
}

func TestAlignUp(t *testing.T) {
	require.Equal(t, 0, memutils.AlignUp(0, 64))
	require.Equal(t, 64, memutils.AlignUp(1, 64))
	require.Equal(t, 64, memutils.AlignUp(64, 64))
	require.Equal(t, 128, memutils.AlignUp(65, 64))
}

func TestAlignDown(t *testing.T) {
	require.Equal(t, 0, memutils.AlignDown(63, 64))
	require.Equal(t, 64, memutils.AlignDown(64, 64))
	require.Equal(t, 64, memutils.AlignDown(127, 64))
}

func TestDetailedStatisticsAggregation(t *testing.T) {
	var stats memutils.DetailedStatistics
	stats.Clear()

	require.Equal(t, math.MaxInt, stats.AllocationSizeMin)

	stats.AddAllocation(100)
	stats.AddAllocation(300)
	stats.AddFreeRegion(50)

	require.Equal(t, 2, stats.AllocationCount)
	require.Equal(t, 400, stats.AllocationBytes)
	require.Equal(t, 100, stats.AllocationSizeMin)
	require.Equal(t, 300, stats.AllocationSizeMax)
	require.Equal(t, 1, stats.FreeRegionCount)
	require.Equal(t, 50, stats.FreeBytes)

	var other memutils.DetailedStatistics
	other.Clear()
	other.AddAllocation(10)
	other.AddFreeRegion(600)

	stats.AddDetailedStatistics(&other)

	require.Equal(t, 3, stats.AllocationCount)
	require.Equal(t, 10, stats.AllocationSizeMin)
	require.Equal(t, 300, stats.AllocationSizeMax)
	require.Equal(t, 600, stats.FreeRegionSizeMax)
	require.Equal(t, 650, stats.FreeBytes)
}

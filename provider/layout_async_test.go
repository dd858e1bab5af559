package provider_test

import (
	"testing"

	cerrors "github.com/cockroachdb/errors"
	"github.com/ipcmesh/shmarena/provider"
	"github.com/stretchr/testify/require"
)

func TestAllocAsyncImmediateSuccess(t *testing.T) {
	backend := newFakeBackend(provider.AllocOk)

	layout, err := provider.NewAllocLayout(backend, 64, 1)
	require.NoError(t, err)

	var results []provider.AllocResult
	layout.AllocAsync(nil, func(res provider.AllocResult) {
		results = append(results, res)
	})

	require.Len(t, results, 1)
	require.Equal(t, provider.AllocOk, results[0].Status)
	require.Empty(t, backend.continuations)
}

func TestAllocAsyncResumesOnCapacityChange(t *testing.T) {
	backend := newFakeBackend()
	gcFired := false
	backend.succeedWhen = func(b *fakeBackend) bool {
		return gcFired && b.gcCalls >= 2
	}

	layout, err := provider.NewAllocLayout(backend, 64, 1)
	require.NoError(t, err)

	var results []provider.AllocResult
	layout.AllocAsync(provider.GarbageCollect{}, func(res provider.AllocResult) {
		results = append(results, res)
	})

	// First attempt exhausts the chain and parks a continuation.
	require.Empty(t, results)
	require.Len(t, backend.continuations, 1)

	gcFired = true
	backend.fireCapacityChange()

	require.Len(t, results, 1)
	require.Equal(t, provider.AllocOk, results[0].Status)
	require.Empty(t, backend.continuations)
}

func TestAllocAsyncCompletionFiresOncePerCall(t *testing.T) {
	backend := newFakeBackend()
	succeed := false
	backend.succeedWhen = func(b *fakeBackend) bool {
		return succeed
	}

	layout, err := provider.NewAllocLayout(backend, 64, 1)
	require.NoError(t, err)

	calls := 0
	layout.AllocAsync(nil, func(res provider.AllocResult) {
		calls++
	})
	require.Equal(t, 0, calls)

	succeed = true
	backend.fireCapacityChange()
	require.Equal(t, 1, calls)

	// Spurious later signals must not re-run a finished allocation.
	backend.fireCapacityChange()
	require.Equal(t, 1, calls)
}

func TestAllocAsyncPropagatesFatalErrors(t *testing.T) {
	fatal := cerrors.New("backing segment unmapped")
	backend := newFakeBackend(provider.AllocNeedRetry, provider.AllocError)
	backend.fatalErr = fatal

	layout, err := provider.NewAllocLayout(backend, 64, 1)
	require.NoError(t, err)

	var results []provider.AllocResult
	layout.AllocAsync(nil, func(res provider.AllocResult) {
		results = append(results, res)
	})

	require.Empty(t, results)
	backend.fireCapacityChange()

	require.Len(t, results, 1)
	require.Equal(t, provider.AllocError, results[0].Status)
	require.ErrorIs(t, results[0].Err, fatal)
}

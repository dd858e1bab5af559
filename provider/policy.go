package provider

import (
	"context"

	cerrors "github.com/cockroachdb/errors"
)

// AllocPolicy is a single layer of an allocation-policy chain. Each layer
// attempts allocation through the layout and, on a transient failure, may
// perform one reclamation action before retrying its inner layer.
//
// Chains compose by nesting: Deallocate{Limit: 100, Inner: Defragment{Inner:
// GarbageCollect{}}} tries garbage collection first, then defragmentation,
// then up to 100 forced evictions. The innermost layer runs first on each
// attempt, and each wrapper's reclamation action fires only after its inner
// chain has reported AllocNeedRetry. A fatal AllocError short-circuits every
// layer and propagates to the caller unchanged.
type AllocPolicy interface {
	// Attempt runs one policy-driven allocation against the layout. The ctx
	// is only consulted at suspension points (BlockOn); bounded synchronous
	// layers ignore it.
	Attempt(ctx context.Context, layout *AllocLayout) AllocResult
}

// innerPolicy resolves a wrapper's Inner field, with nil meaning JustAlloc
func innerPolicy(policy AllocPolicy) AllocPolicy {
	if policy == nil {
		return JustAlloc{}
	}
	return policy
}

// JustAlloc performs a single backend allocation with no reclamation and no
// retries. It is the innermost layer of every chain.
type JustAlloc struct{}

var _ AllocPolicy = JustAlloc{}

func (JustAlloc) Attempt(ctx context.Context, layout *AllocLayout) AllocResult {
	return layout.attemptOnce()
}

// GarbageCollect retries its inner chain once after running the backend's
// garbage collection. A second transient failure after collection propagates
// as-is; this layer never loops.
type GarbageCollect struct {
	// Inner is the chain to attempt before and after collection. Nil means JustAlloc.
	Inner AllocPolicy
}

var _ AllocPolicy = GarbageCollect{}

func (p GarbageCollect) Attempt(ctx context.Context, layout *AllocLayout) AllocResult {
	inner := innerPolicy(p.Inner)

	res := inner.Attempt(ctx, layout)
	if res.Status != AllocNeedRetry {
		return res
	}

	layout.backend.GarbageCollect()
	return inner.Attempt(ctx, layout)
}

// Defragment retries its inner chain once after coalescing the backend's free
// regions. A second transient failure after defragmentation propagates as-is;
// this layer never loops.
type Defragment struct {
	// Inner is the chain to attempt before and after defragmentation. Nil means JustAlloc.
	Inner AllocPolicy
}

var _ AllocPolicy = Defragment{}

func (p Defragment) Attempt(ctx context.Context, layout *AllocLayout) AllocResult {
	inner := innerPolicy(p.Inner)

	res := inner.Attempt(ctx, layout)
	if res.Status != AllocNeedRetry {
		return res
	}

	layout.backend.Defragment()
	return inner.Attempt(ctx, layout)
}

// Deallocate forcibly evicts the oldest outstanding allocations, one at a
// time, retrying its inner chain after each eviction. It trades other
// callers' memory for allocator progress, so the number of evictions is
// bounded by Limit to prevent unbounded eviction storms. Eviction stops early
// when the inner chain succeeds, fails fatally, or the backend reports
// nothing left to evict; on exhaustion the inner chain's last result is
// returned.
type Deallocate struct {
	// Limit is the maximum number of forced evictions for one attempt. There
	// is no universally-correct value; tune it to how much of other owners'
	// memory this caller is allowed to claw back in one allocation.
	Limit int
	// Inner is the chain to retry after each eviction. Nil means JustAlloc.
	Inner AllocPolicy
}

var _ AllocPolicy = Deallocate{}

func (p Deallocate) Attempt(ctx context.Context, layout *AllocLayout) AllocResult {
	inner := innerPolicy(p.Inner)

	res := inner.Attempt(ctx, layout)
	for attempt := 0; attempt < p.Limit && res.Status == AllocNeedRetry; attempt++ {
		if !layout.backend.DeallocateOldest() {
			break
		}

		res = inner.Attempt(ctx, layout)
	}

	return res
}

// BlockOn suspends the calling goroutine on the backend's capacity-change
// signal after each transient failure of its inner chain, retrying when the
// signal fires. It loops until the inner chain succeeds or fails fatally, so
// it is the only policy layer that can block indefinitely: callers that need
// bounded latency must carry a deadline in ctx or avoid this layer. Ctx
// cancellation surfaces as a fatal result.
//
// For non-blocking execution contexts use AllocLayout.AllocAsync, which
// provides the same semantics through a registered continuation instead of a
// blocked goroutine.
type BlockOn struct {
	// Inner is the chain to retry after each capacity-change signal. Nil means JustAlloc.
	Inner AllocPolicy
}

var _ AllocPolicy = BlockOn{}

func (p BlockOn) Attempt(ctx context.Context, layout *AllocLayout) AllocResult {
	inner := innerPolicy(p.Inner)

	for {
		res := inner.Attempt(ctx, layout)
		if res.Status != AllocNeedRetry {
			return res
		}

		err := layout.backend.AwaitCapacityChange(ctx)
		if err != nil {
			return errorResult(cerrors.Wrap(err, "interrupted while waiting for shared-memory capacity"))
		}
	}
}

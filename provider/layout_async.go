package provider

// AllocAsync is the continuation-based counterpart of Alloc with a BlockOn
// outer layer: it runs the provided policy chain and, instead of blocking the
// calling goroutine on a transient failure, registers a continuation with the
// backend's capacity-change signal and returns. When the signal fires the
// attempt repeats, until the chain succeeds or fails fatally.
//
// The completion is invoked exactly once with the terminal result, strictly
// after the allocation has either succeeded or failed fatally. It may run on
// whatever goroutine delivers the backend's capacity signal, so the layout's
// backend must be thread-safe (see ThreadsafeBackend); if the first attempt
// is terminal, the completion runs synchronously on the calling goroutine.
//
// The policy must not contain a BlockOn layer: blocking is this method's job,
// and a nested BlockOn would suspend the goroutine delivering the capacity
// signal. A nil policy means JustAlloc.
func (l *AllocLayout) AllocAsync(policy AllocPolicy, completion func(AllocResult)) {
	if completion == nil {
		panic("attempted an async allocation without a completion callback")
	}
	if policy == nil {
		policy = JustAlloc{}
	}

	l.asyncAttempt(policy, completion)
}

func (l *AllocLayout) asyncAttempt(policy AllocPolicy, completion func(AllocResult)) {
	res := l.Alloc(nil, policy)
	if res.Status == AllocNeedRetry {
		l.backend.OnCapacityChange(func() {
			l.asyncAttempt(policy, completion)
		})
		return
	}

	completion(res)
}

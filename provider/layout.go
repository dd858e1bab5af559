package provider

import (
	"context"

	cerrors "github.com/cockroachdb/errors"
	"github.com/ipcmesh/shmarena/memutils"
	"github.com/pkg/errors"
)

// LayoutTooLargeError is the error returned from NewAllocLayout when the requested size can
// never be satisfied by the target backend
var LayoutTooLargeError error = errors.New("layout size exceeds what the backend can represent")

// AllocLayout is an immutable descriptor binding a requested size and
// alignment to a single backend. Construction validates the pair against the
// backend's representable range, so allocation attempts through a layout
// never fail for feasibility reasons, only for capacity ones.
//
// A layout performs no reservation: holding one has no effect on the arena,
// and a single layout may be reused across any number of allocation calls.
type AllocLayout struct {
	backend   Backend
	size      int
	alignment uint
}

// NewAllocLayout validates the (size, alignment) pair against the provided
// backend and returns a layout for it. The alignment must be a power of two;
// an alignment of 0 is treated as 1. The size must be positive and no larger
// than backend.MaxAllocSize. Construction has no side effects on the backend
// whether it succeeds or fails.
func NewAllocLayout(backend Backend, size int, alignment uint) (*AllocLayout, error) {
	if backend == nil {
		return nil, cerrors.New("attempted to create an alloc layout without a backend")
	}

	if alignment == 0 {
		alignment = 1
	}

	err := memutils.CheckPow2(alignment, "alignment")
	if err != nil {
		return nil, err
	}

	if size <= 0 {
		return nil, cerrors.Errorf("layout size must be positive, but was %d", size)
	}

	maxSize := backend.MaxAllocSize()
	if size > maxSize {
		return nil, cerrors.Wrapf(LayoutTooLargeError, "requested %d bytes, backend ceiling is %d", size, maxSize)
	}

	return &AllocLayout{
		backend:   backend,
		size:      size,
		alignment: alignment,
	}, nil
}

// Size returns the byte size this layout requests on each allocation
func (l *AllocLayout) Size() int { return l.size }

// Alignment returns the alignment constraint this layout requests on each allocation
func (l *AllocLayout) Alignment() uint { return l.alignment }

// Backend returns the backend this layout allocates from
func (l *AllocLayout) Backend() Backend { return l.backend }

// Alloc runs a single policy-driven allocation attempt. A nil policy means
// JustAlloc. The provided ctx is only consulted at suspension points, which
// exist only in the BlockOn policy; fully-synchronous policy chains never
// observe it. A nil ctx is treated as context.Background.
func (l *AllocLayout) Alloc(ctx context.Context, policy AllocPolicy) AllocResult {
	if ctx == nil {
		ctx = context.Background()
	}
	if policy == nil {
		policy = JustAlloc{}
	}

	return policy.Attempt(ctx, l)
}

// attemptOnce performs one raw backend allocation and wraps the outcome
func (l *AllocLayout) attemptOnce() AllocResult {
	chunk, status, err := l.backend.Allocate(l.size, l.alignment)
	switch status {
	case AllocOk:
		return okResult(&Buffer{
			backend: l.backend,
			chunk:   chunk,
		})
	case AllocNeedRetry:
		return needRetryResult()
	case AllocError:
		if err == nil {
			err = cerrors.New("backend reported a fatal allocation failure without an error")
		}
		return errorResult(err)
	}

	return errorResult(cerrors.Errorf("backend returned an unknown allocation status %d", status))
}

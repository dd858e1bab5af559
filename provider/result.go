package provider

// AllocStatus is the tri-state outcome of a single allocation attempt against
// a shared-memory backend.
type AllocStatus uint32

const (
	// AllocOk indicates that the allocation succeeded and a chunk of shared
	// memory was carved out for the caller
	AllocOk AllocStatus = iota
	// AllocNeedRetry indicates a transient failure: the backend could not
	// satisfy the request right now, but reclamation (garbage collection,
	// defragmentation, forced eviction, or another party freeing memory)
	// might allow a later attempt to succeed
	AllocNeedRetry
	// AllocError indicates a fatal failure: the backend is corrupted or the
	// request can never be satisfied. Policy layers must not retry after
	// seeing this status.
	AllocError
)

var allocStatusMapping = map[AllocStatus]string{
	AllocOk:        "AllocOk",
	AllocNeedRetry: "AllocNeedRetry",
	AllocError:     "AllocError",
}

func (s AllocStatus) String() string {
	return allocStatusMapping[s]
}

// ChunkID identifies a single live allocation within a backend. Backends
// assign these and use them to locate the allocation on release and eviction.
type ChunkID uint64

// Chunk is the raw product of a successful backend allocation: the backend's
// handle for the allocation plus the memory itself.
type Chunk struct {
	ID   ChunkID
	Data []byte
}

// AllocResult is the outcome of one policy-driven allocation attempt. It is
// produced fresh per attempt and never persisted by the provider.
//
// Exactly one of Buffer and Err is populated, and only when Status is AllocOk
// or AllocError respectively. On AllocOk the caller receives exclusive
// ownership of Buffer and is responsible for calling Buffer.Release when done
// with it.
type AllocResult struct {
	Status AllocStatus
	Buffer *Buffer
	Err    error
}

// Ok returns true if this result carries a successfully-allocated buffer
func (r AllocResult) Ok() bool {
	return r.Status == AllocOk
}

func okResult(buffer *Buffer) AllocResult {
	return AllocResult{Status: AllocOk, Buffer: buffer}
}

func needRetryResult() AllocResult {
	return AllocResult{Status: AllocNeedRetry}
}

func errorResult(err error) AllocResult {
	return AllocResult{Status: AllocError, Err: err}
}

package provider

import (
	cerrors "github.com/cockroachdb/errors"
	"github.com/pkg/errors"
)

// BufferReleasedError is the error returned from Buffer methods when the buffer has already
// been released back to its backend
var BufferReleasedError error = errors.New("buffer has already been released")

// Buffer is an exclusively-owned view of a chunk of shared memory handed out
// by a successful allocation. The owner is responsible for calling Release
// exactly once when done with it; until then the backing storage stays
// reserved. After Release the buffer becomes garbage in the backend and its
// storage returns to the free pool on the backend's next garbage collection.
type Buffer struct {
	backend  Backend
	chunk    Chunk
	released bool
}

// ID returns the backend's handle for this buffer's allocation
func (b *Buffer) ID() ChunkID {
	return b.chunk.ID
}

// Size returns the size in bytes of the buffer. Released buffers report 0.
func (b *Buffer) Size() int {
	if b.released {
		return 0
	}
	return len(b.chunk.Data)
}

// Data returns the buffer's memory. Released buffers return nil.
func (b *Buffer) Data() []byte {
	if b.released {
		return nil
	}
	return b.chunk.Data
}

// Release returns the buffer to its backend, marking it as garbage. It is an
// error to release a buffer twice, and an error to touch Data after Release.
func (b *Buffer) Release() error {
	if b.released {
		return cerrors.Wrapf(BufferReleasedError, "chunk id is %d", b.chunk.ID)
	}

	b.released = true
	b.chunk.Data = nil
	return b.backend.Release(b.chunk.ID)
}

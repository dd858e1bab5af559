package arena

import (
	cerrors "github.com/cockroachdb/errors"
	"github.com/dolthub/swiss"
	"github.com/ipcmesh/shmarena/internal/utils"
	"github.com/ipcmesh/shmarena/provider"
	"golang.org/x/exp/slog"
)

// Options contains optional settings when creating an Arena
type Options struct {
	// ThreadSafe activates the arena's internal mutex, making every backend
	// operation safe for concurrent use. Leave it false when the arena is
	// owned by a single goroutine or synchronized externally (for example by
	// provider.ThreadsafeBackend) and the lock overhead is unwanted.
	ThreadSafe bool

	// EvictionHandler, when non-nil, is called with the chunk id of every
	// allocation removed by DeallocateOldest. The evicted chunk's owner must
	// stop using its buffer when this fires; the backing memory has already
	// returned to the free pool. It runs on the evicting goroutine, outside
	// the arena's mutex, but must not call back into a serializing wrapper
	// (provider.ThreadsafeBackend) that the evictor may still hold.
	EvictionHandler func(id provider.ChunkID)

	// Logger is the logger this arena and all operations on it will use. If
	// none is provided, slog.Default() will be used.
	Logger *slog.Logger
}

// New creates an Arena managing a freshly-allocated region of the provided
// capacity in bytes. The capacity must be positive.
func New(capacity int, options Options) (*Arena, error) {
	if capacity <= 0 {
		return nil, cerrors.Errorf("arena capacity must be positive, but was %d", capacity)
	}

	return FromMemory(make([]byte, capacity), options)
}

// FromMemory creates an Arena managing a caller-provided region of memory,
// which may be an ordinary slice or a mapped shared-memory segment. The arena
// takes ownership of the region: the caller must not carve allocations out of
// it by any other means for the lifetime of the arena.
func FromMemory(mem []byte, options Options) (*Arena, error) {
	if len(mem) == 0 {
		return nil, cerrors.New("attempted to create an arena over an empty memory region")
	}

	logger := options.Logger
	if logger == nil {
		logger = slog.Default()
	}

	a := &Arena{
		mem:             mem,
		logger:          logger,
		evictionHandler: options.EvictionHandler,
		free:            []region{{offset: 0, size: len(mem)}},
		chunks:          swiss.NewMap[provider.ChunkID, *chunkInfo](42),
		mutex: utils.OptionalRWMutex{
			UseMutex: options.ThreadSafe,
		},
	}
	a.notifier.Init()

	return a, nil
}

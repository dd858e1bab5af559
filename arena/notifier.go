package arena

import (
	"context"
	"sync"
)

// capacityNotifier fans a capacity-change signal out to blocked waiters and
// one-shot continuations. It has its own mutex so that signaling and waiting
// remain safe even when the arena itself was created without the ThreadSafe
// option and is otherwise externally synchronized.
type capacityNotifier struct {
	mutex         sync.Mutex
	signalChannel chan struct{}
	continuations []func()
}

func (n *capacityNotifier) Init() {
	n.signalChannel = make(chan struct{})
}

// Signal wakes every goroutine blocked in Wait and runs every registered
// continuation exactly once. Continuations run on their own goroutine so
// that they can safely re-enter the arena, or a serializing wrapper around
// it, that the signaling goroutine may still hold locked.
func (n *capacityNotifier) Signal() {
	n.mutex.Lock()
	close(n.signalChannel)
	n.signalChannel = make(chan struct{})

	continuations := n.continuations
	n.continuations = nil
	n.mutex.Unlock()

	for _, f := range continuations {
		go f()
	}
}

// Wait blocks until the next Signal or until ctx is cancelled, whichever
// comes first
func (n *capacityNotifier) Wait(ctx context.Context) error {
	n.mutex.Lock()
	signalChannel := n.signalChannel
	n.mutex.Unlock()

	select {
	case <-signalChannel:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// OnSignal registers f to run once on the next Signal
func (n *capacityNotifier) OnSignal(f func()) {
	n.mutex.Lock()
	defer n.mutex.Unlock()

	n.continuations = append(n.continuations, f)
}

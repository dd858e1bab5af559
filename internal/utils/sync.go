package utils

import (
	"sync"
)

// OptionalRWMutex is a sync.RWMutex that can be compiled out at runtime: when
// UseMutex is false every method is a no-op. Arenas created without the
// ThreadSafe option use this to skip lock overhead for externally-synchronized
// consumers.
type OptionalRWMutex struct {
	Mutex    sync.RWMutex
	UseMutex bool
}

func (m *OptionalRWMutex) Lock() {
	if m.UseMutex {
		m.Mutex.Lock()
	}
}

func (m *OptionalRWMutex) Unlock() {
	if m.UseMutex {
		m.Mutex.Unlock()
	}
}

func (m *OptionalRWMutex) RLock() {
	if m.UseMutex {
		m.Mutex.RLock()
	}
}

func (m *OptionalRWMutex) RUnlock() {
	if m.UseMutex {
		m.Mutex.RUnlock()
	}
}

// Package keylock provides one mutex per key, created on first use.
package keylock

import (
	"sync"

	"github.com/google/uuid"
)

// Map hands out a mutex per id. The zero value is ready to use. Mutexes are
// never freed, so keys should come from a bounded set such as tenant or
// schedule ids.
type Map struct {
	locks sync.Map // uuid.UUID -> *sync.Mutex
}

// Lock acquires the mutex for id and returns its unlock function.
func (m *Map) Lock(id uuid.UUID) (unlock func()) {
	v, _ := m.locks.LoadOrStore(id, &sync.Mutex{})
	mu := v.(*sync.Mutex)
	mu.Lock()
	return mu.Unlock
}

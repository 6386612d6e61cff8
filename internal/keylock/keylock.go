// Package keylock provides striped mutual exclusion keyed by string.
//
// Keys are spread across a fixed number of stripes by an FNV-1a hash. Two
// operations on the same key always contend; operations on distinct keys
// only contend when their keys happen to share a stripe.
package keylock

import (
	"hash/fnv"
	"sync"
)

// DefaultStripes is the stripe count used when New is given n <= 0.
const DefaultStripes = 256

// Striped is a fixed set of mutexes addressed by key hash.
type Striped struct {
	stripes []sync.Mutex
}

// New creates a Striped lock with n stripes.
func New(n int) *Striped {
	if n <= 0 {
		n = DefaultStripes
	}
	return &Striped{stripes: make([]sync.Mutex, n)}
}

// Lock acquires the stripe owning key and returns its release func.
func (s *Striped) Lock(key string) (unlock func()) {
	mu := &s.stripes[s.index(key)]
	mu.Lock()
	return mu.Unlock
}

func (s *Striped) index(key string) int {
	h := fnv.New32a()
	h.Write([]byte(key))
	return int(h.Sum32() % uint32(len(s.stripes)))
}

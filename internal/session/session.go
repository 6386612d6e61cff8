// Package session keeps a bounded, ordered window of recent messages per
// conversation scope.
package session

import (
	"context"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/hashicorp/golang-lru/v2/expirable"

	"github.com/atmx/paper-ledger/internal/metrics"
)

// DefaultCapacity is the number of messages a window keeps.
const DefaultCapacity = 15

// NoPriorContext stands in for an empty history.
const NoPriorContext = "(No prior context)"

// Window is a per-scope FIFO of formatted messages. Once a window holds
// more than its capacity, the oldest entries are dropped.
type Window interface {
	// Append pushes msg to the back of the scope's window.
	Append(ctx context.Context, scope, msg string) error

	// Snapshot returns the window oldest first. With excludeLast the most
	// recently appended entry is left out.
	Snapshot(ctx context.Context, scope string, excludeLast bool) ([]string, error)
}

// Format renders one window entry.
func Format(speaker, text string) string {
	return speaker + ": " + text
}

// Transcript joins history into the context block handed to the assistant.
func Transcript(history []string) string {
	if len(history) == 0 {
		return NoPriorContext
	}
	return strings.Join(history, "\n")
}

// Registry is the in-process Window. Each scope owns an independent buffer
// created on first append. The number of live scopes is bounded and a
// scope idle for longer than the TTL is forgotten.
type Registry struct {
	capacity atomic.Int64

	mu     sync.Mutex // guards buffer creation and appends
	scopes *expirable.LRU[string, *buffer]
}

// testHookAfterTouch runs inside Append between the buffer lookup and the
// push.
var testHookAfterTouch func(scope string)

type buffer struct {
	mu    sync.Mutex
	items []string
}

// NewRegistry creates a Registry. maxScopes <= 0 leaves the number of
// scopes unbounded; idleTTL <= 0 disables expiry.
func NewRegistry(capacity, maxScopes int, idleTTL time.Duration) *Registry {
	r := &Registry{}
	r.SetCapacity(capacity)
	r.scopes = expirable.NewLRU[string, *buffer](maxScopes, func(string, *buffer) {
		metrics.SessionScopes.Dec()
	}, idleTTL)
	return r
}

// Capacity returns the current per-scope bound.
func (r *Registry) Capacity() int {
	return int(r.capacity.Load())
}

// SetCapacity changes the bound. Existing windows are trimmed on their next
// append.
func (r *Registry) SetCapacity(capacity int) {
	if capacity < 1 {
		capacity = DefaultCapacity
	}
	r.capacity.Store(int64(capacity))
}

// Len returns the number of live scopes.
func (r *Registry) Len() int {
	return r.scopes.Len()
}

// Append holds the creation lock until msg is in the buffer, so another
// scope's creation cannot evict the buffer between lookup and push.
func (r *Registry) Append(_ context.Context, scope, msg string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	b := r.touch(scope)
	if testHookAfterTouch != nil {
		testHookAfterTouch(scope)
	}

	limit := r.Capacity()
	b.mu.Lock()
	b.items = append(b.items, msg)
	if over := len(b.items) - limit; over > 0 {
		b.items = append([]string(nil), b.items[over:]...)
	}
	b.mu.Unlock()
	return nil
}

func (r *Registry) Snapshot(_ context.Context, scope string, excludeLast bool) ([]string, error) {
	b, ok := r.scopes.Peek(scope)
	if !ok {
		return []string{}, nil
	}

	b.mu.Lock()
	defer b.mu.Unlock()
	return snapshot(b.items, excludeLast), nil
}

// touch returns the scope's buffer, creating it at most once, and resets
// its idle expiry. Callers hold r.mu.
func (r *Registry) touch(scope string) *buffer {
	b, ok := r.scopes.Get(scope)
	if !ok {
		// Drop an expired entry the janitor has not collected yet.
		r.scopes.Remove(scope)
		b = &buffer{}
		metrics.SessionScopes.Inc()
	}
	r.scopes.Add(scope, b)
	return b
}

func snapshot(items []string, excludeLast bool) []string {
	n := len(items)
	if excludeLast && n > 0 {
		n--
	}
	out := make([]string, n)
	copy(out, items[:n])
	return out
}

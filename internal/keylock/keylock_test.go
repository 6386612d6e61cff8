package keylock

import (
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestLock_SameKeySerializes(t *testing.T) {
	l := New(8)
	counter := 0

	var wg sync.WaitGroup
	for i := 0; i < 100; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			unlock := l.Lock("chat-1/alice")
			defer unlock()
			v := counter
			v++
			counter = v
		}()
	}
	wg.Wait()

	assert.Equal(t, 100, counter)
}

func TestIndex_StableAndInRange(t *testing.T) {
	l := New(16)
	for _, key := range []string{"", "a", "chat-1/alice", "chat-2/bob"} {
		i := l.index(key)
		assert.GreaterOrEqual(t, i, 0)
		assert.Less(t, i, 16)
		assert.Equal(t, i, l.index(key), "index must be deterministic for %q", key)
	}
}

func TestNew_DefaultStripes(t *testing.T) {
	assert.Len(t, New(0).stripes, DefaultStripes)
}

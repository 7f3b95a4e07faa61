package coordinator

import (
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLockArenaSerializesPerKey(t *testing.T) {
	arena := newLockArena()

	var counter int
	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			unlock := arena.lock("session-a")
			defer unlock()
			counter++
		}()
	}
	wg.Wait()

	assert.Equal(t, 50, counter)
}

func TestLockArenaReleasesEntries(t *testing.T) {
	arena := newLockArena()

	unlockA := arena.lock("a")
	unlockB := arena.lock("b")
	require.Len(t, arena.entries, 2)

	unlockA()
	unlockB()
	assert.Empty(t, arena.entries)
}

package sessionstate

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLockTableWaiterMovesToFreshMutex(t *testing.T) {
	lt := newLockTable()
	old := lt.lock("app", "k")

	acquired := make(chan struct{})
	go func() {
		m := lt.lock("app", "k")
		close(acquired)
		m.Unlock()
	}()

	// Retire the lock while held, as a removal does, and let a newcomer take
	// the replacement.
	lt.remove("app", "k")
	fresh, ok := lt.tryLock("app", "k")
	require.True(t, ok)
	assert.NotSame(t, old, fresh)
	old.Unlock()

	select {
	case <-acquired:
		t.Fatal("waiter on the retired mutex ran alongside the new holder")
	case <-time.After(50 * time.Millisecond):
	}

	fresh.Unlock()
	select {
	case <-acquired:
	case <-time.After(time.Second):
		t.Fatal("waiter never acquired the fresh mutex")
	}
}

func TestLockTableTryLockBusy(t *testing.T) {
	lt := newLockTable()
	m := lt.lock("app", "k")
	_, ok := lt.tryLock("app", "k")
	assert.False(t, ok)
	m.Unlock()

	m, ok = lt.tryLock("app", "k")
	require.True(t, ok)
	m.Unlock()
	lt.remove("app", "k")
	assert.Equal(t, 0, lt.size())
}

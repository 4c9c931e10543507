package sessionstate

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dreamware/hasession/internal/cluster"
)

func TestRespondToOwnershipRequestQuadrants(t *testing.T) {
	tests := []struct {
		name          string
		owner         string
		localVersion  int64
		remoteVersion int64
		want          bool
		wantOwner     string
		wantEvents    int
	}{
		{name: "not owner, local newer", owner: "peer", localVersion: 5, remoteVersion: 2, want: true, wantOwner: "peer"},
		{name: "not owner, local older", owner: "peer", localVersion: 1, remoteVersion: 2, want: true, wantOwner: "peer"},
		{name: "owner, local newer", owner: "self", localVersion: 5, remoteVersion: 2, want: false, wantOwner: "self"},
		{name: "owner, local older", owner: "self", localVersion: 1, remoteVersion: 2, want: true, wantOwner: "req", wantEvents: 1},
		{name: "owner, equal versions", owner: "self", localVersion: 3, remoteVersion: 3, want: true, wantOwner: "req", wantEvents: 1},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			s := newStore(t, cluster.NewLocalNetwork(), "self", newTestClock())
			rec := &recorder{}
			s.Subscribe("app", rec)
			s.ApplyRemoteState("app", &Record{Key: "k", Version: tt.localVersion, Owner: tt.owner})

			got := s.RespondToOwnershipRequest("app", "k", "req", tt.remoteVersion)
			assert.Equal(t, tt.want, got)
			assert.Equal(t, tt.wantOwner, s.GetState("app", "k").Owner)
			assert.Equal(t, tt.wantEvents, rec.count())
		})
	}
}

func TestRespondToOwnershipRequestUnknownRecord(t *testing.T) {
	s := newStore(t, cluster.NewLocalNetwork(), "self", newTestClock())
	assert.True(t, s.RespondToOwnershipRequest("app", "k", "req", 0))
	s.CreateSession("app", "other")
	assert.True(t, s.RespondToOwnershipRequest("app", "k", "req", 0))
}

func TestRespondToOwnershipRequestBusyLock(t *testing.T) {
	s := newStore(t, cluster.NewLocalNetwork(), "self", newTestClock())
	s.CreateSession("app", "k")

	mtx := s.locks.lock("app", "k")
	assert.False(t, s.RespondToOwnershipRequest("app", "k", "req", 10))
	mtx.Unlock()
	assert.True(t, s.RespondToOwnershipRequest("app", "k", "req", 10))
}

func TestTakeOwnershipTransfers(t *testing.T) {
	ctx := context.Background()
	net := cluster.NewLocalNetwork()
	clock := newTestClock()
	a := newStore(t, net, "a", clock)
	b := newStore(t, net, "b", clock)
	c := newStore(t, net, "c", clock)
	aEvents := &recorder{}
	a.Subscribe(AllApps, aEvents)

	require.NoError(t, a.SetState(ctx, "app", "k", []byte("v1")))

	rec, err := b.TakeOwnership(ctx, "app", "k")
	require.NoError(t, err)
	require.NotNil(t, rec)
	assert.Equal(t, "b", rec.Owner)
	assert.Equal(t, []byte("v1"), rec.Payload)

	owners := 0
	for _, s := range []*Store{a, b, c} {
		if s.GetState("app", "k").Owner == s.LocalNode() {
			owners++
		}
	}
	assert.Equal(t, 1, owners, "exactly one member may believe it owns the record")
	assert.Equal(t, 1, aEvents.count())

	// b now writes; a and c follow.
	require.NoError(t, b.SetState(ctx, "app", "k", []byte("v2")))
	for _, s := range []*Store{a, c} {
		got := s.GetState("app", "k")
		assert.Equal(t, []byte("v2"), got.Payload)
		assert.Equal(t, int64(2), got.Version)
		assert.Equal(t, "b", got.Owner)
	}
}

func TestTakeOwnershipAlreadyOwnerOrUnknown(t *testing.T) {
	ctx := context.Background()
	s := newStore(t, cluster.NewLocalNetwork(), "a", newTestClock())

	rec, err := s.TakeOwnership(ctx, "app", "missing")
	assert.NoError(t, err)
	assert.Nil(t, rec)

	s.CreateSession("app", "k")
	rec, err = s.TakeOwnership(ctx, "app", "k")
	require.NoError(t, err)
	assert.Equal(t, "a", rec.Owner)
}

func TestTakeOwnershipRefusedByNewerOwner(t *testing.T) {
	ctx := context.Background()
	net := cluster.NewLocalNetwork()
	clock := newTestClock()
	a := newStore(t, net, "a", clock)
	b := newStore(t, net, "b", clock)

	require.NoError(t, a.SetState(ctx, "app", "k", []byte("v1")))

	// b misses the second write.
	net.Join("b").SetDown(true)
	require.NoError(t, a.SetState(ctx, "app", "k", []byte("v2")))
	net.Join("b").SetDown(false)
	require.Equal(t, int64(1), b.GetState("app", "k").Version)

	rec, err := b.TakeOwnership(ctx, "app", "k")
	assert.ErrorIs(t, err, ErrConcurrentAccess)
	assert.Nil(t, rec)
	assert.Equal(t, "a", a.GetState("app", "k").Owner)
	assert.Equal(t, "a", b.GetState("app", "k").Owner)
}

func TestTakeOwnershipBusyLock(t *testing.T) {
	net := cluster.NewLocalNetwork()
	clock := newTestClock()
	a := newStore(t, net, "a", clock)
	b := newStore(t, net, "b", clock)
	require.NoError(t, a.SetState(context.Background(), "app", "k", []byte("v")))

	mtx := b.locks.lock("app", "k")
	defer mtx.Unlock()
	_, err := b.TakeOwnership(context.Background(), "app", "k")
	assert.ErrorIs(t, err, ErrConcurrentAccess)
}

func TestTakeOwnershipTransportFailure(t *testing.T) {
	net := cluster.NewLocalNetwork()
	clock := newTestClock()
	a := newStore(t, net, "a", clock)
	b := newStore(t, net, "b", clock)
	require.NoError(t, a.SetState(context.Background(), "app", "k", []byte("v")))

	net.Join("a").SetDown(true)
	rec, err := b.TakeOwnership(context.Background(), "app", "k")
	assert.Error(t, err)
	assert.Nil(t, rec)
	assert.Equal(t, "a", b.GetState("app", "k").Owner)
}

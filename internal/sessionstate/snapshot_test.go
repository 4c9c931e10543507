package sessionstate

import (
	"context"
	"encoding/binary"
	"testing"
	"time"

	"github.com/cespare/xxhash/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dreamware/hasession/internal/cluster"
	"github.com/dreamware/hasession/internal/codec"
	"github.com/dreamware/hasession/internal/logger"
)

type triple struct {
	Payload string
	Version int64
	Owner   string
}

func contents(s *Store) map[string]triple {
	out := map[string]triple{}
	for _, app := range s.Apps() {
		for _, key := range s.Keys(app) {
			r := s.GetState(app, key)
			out[app+"/"+key] = triple{Payload: string(r.Payload), Version: r.Version, Owner: r.Owner}
		}
	}
	return out
}

func TestSnapshotRoundTrip(t *testing.T) {
	ctx := context.Background()
	clock := newTestClock()
	src := newStore(t, cluster.NewLocalNetwork(), "a", clock, func(c *Config) { c.IdleTimeout = time.Hour })

	require.NoError(t, src.SetState(ctx, "app1", "k1", []byte("one")))
	require.NoError(t, src.SetState(ctx, "app1", "k1", []byte("two")))
	require.NoError(t, src.SetState(ctx, "app2", "k2", []byte("three")))
	src.ApplyRemoteState("app2", &Record{Key: "k3", Payload: []byte("four"), Version: 7, Owner: "b"})
	src.CreateSession("app3", "empty")

	data := src.Snapshot()
	require.NotEmpty(t, data)

	dst := newStore(t, cluster.NewLocalNetwork(), "z", clock)
	dst.CreateSession("stale", "gone")
	require.NoError(t, dst.Restore(data))

	assert.Equal(t, contents(src), contents(dst))
	assert.Nil(t, dst.GetState("stale", "gone"))
	assert.Equal(t, triple{Payload: "two", Version: 2, Owner: "a"}, contents(dst)["app1/k1"])
}

func TestSnapshotPurgesIdle(t *testing.T) {
	ctx := context.Background()
	clock := newTestClock()
	src := newStore(t, cluster.NewLocalNetwork(), "a", clock, func(c *Config) { c.IdleTimeout = time.Minute })

	require.NoError(t, src.SetState(ctx, "app", "idle", []byte("x")))
	clock.Advance(2 * time.Minute)
	require.NoError(t, src.SetState(ctx, "app", "live", []byte("y")))

	dst := newStore(t, cluster.NewLocalNetwork(), "b", clock)
	require.NoError(t, dst.Restore(src.Snapshot()))
	assert.Equal(t, map[string]triple{"app/live": {Payload: "y", Version: 1, Owner: "a"}}, contents(dst))
	assert.Nil(t, src.GetState("app", "idle"))
}

func TestRestoreEmptyAndCorrupt(t *testing.T) {
	ctx := context.Background()
	s := newStore(t, cluster.NewLocalNetwork(), "a", newTestClock())
	require.NoError(t, s.SetState(ctx, "app", "k", []byte("v")))
	good := s.Snapshot()

	require.NoError(t, s.Restore(nil))
	assert.Empty(t, contents(s))

	tests := []struct {
		name string
		data []byte
	}{
		{name: "short", data: []byte("HS")},
		{name: "bad magic", data: append([]byte("XXXX"), good[4:]...)},
		{name: "checksum", data: append(append([]byte(nil), good[:len(good)-1]...), good[len(good)-1]^0xff)},
		{name: "not gzip", data: func() []byte {
			body := []byte("plain body")
			out := append([]byte(nil), snapshotMagic...)
			out = binary.BigEndian.AppendUint64(out, xxhash.Sum64(body))
			return append(out, body...)
		}()},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			require.NoError(t, s.Restore(good))
			require.NotEmpty(t, contents(s))

			err := s.Restore(tt.data)
			assert.ErrorIs(t, err, ErrSerialization)
			assert.Empty(t, contents(s))
		})
	}
}

func TestStartLoadsStateFromPeer(t *testing.T) {
	ctx := context.Background()
	net := cluster.NewLocalNetwork()
	clock := newTestClock()
	a := newStore(t, net, "a", clock)
	require.NoError(t, a.SetState(ctx, "app", "k", []byte("seed")))

	b := newStore(t, net, "b", clock)
	got := b.GetState("app", "k")
	require.NotNil(t, got)
	assert.Equal(t, []byte("seed"), got.Payload)
	assert.Equal(t, "a", got.Owner)
}

type badProvider struct{}

func (badProvider) State() []byte           { return []byte("garbage") }
func (badProvider) SetState(b []byte) error { return nil }

func TestStartSurvivesUnreadableState(t *testing.T) {
	net := cluster.NewLocalNetwork()
	require.NoError(t, net.Join("a").SubscribeStateTransfer(DefaultPartition, badProvider{}))

	s := New(Config{Logger: logger.Discard}, net.Join("b"))
	require.NoError(t, s.Start(context.Background()))
	defer s.Stop()
	assert.Empty(t, s.Apps())
}

func TestMergeKeepsNewerLocalRecords(t *testing.T) {
	ctx := context.Background()
	clock := newTestClock()
	src := newStore(t, cluster.NewLocalNetwork(), "a", clock, func(c *Config) { c.IdleTimeout = time.Hour })
	require.NoError(t, src.SetState(ctx, "app", "k1", []byte("old")))
	require.NoError(t, src.SetState(ctx, "app", "k2", []byte("only-in-image")))
	image := src.Snapshot()

	dst := newStore(t, cluster.NewLocalNetwork(), "b", clock)
	dst.ApplyRemoteState("app", &Record{Key: "k1", Payload: []byte("live"), Version: 5, Owner: "a"})
	dst.ApplyRemoteState("app", &Record{Key: "k3", Payload: []byte("live-only"), Version: 1, Owner: "c"})

	require.NoError(t, dst.Merge(image))
	assert.Equal(t, map[string]triple{
		"app/k1": {Payload: "live", Version: 5, Owner: "a"},
		"app/k2": {Payload: "only-in-image", Version: 1, Owner: "a"},
		"app/k3": {Payload: "live-only", Version: 1, Owner: "c"},
	}, contents(dst))

	assert.ErrorIs(t, dst.Merge([]byte("garbage")), ErrSerialization)
	assert.Len(t, contents(dst), 3, "unreadable image leaves the table alone")
}

// joinRaceTransport delivers a replicated write to the registered handler
// after registration but before the state image is loaded.
type joinRaceTransport struct {
	*cluster.LocalTransport
	handler cluster.Handler
	live    *Record
}

func (j *joinRaceTransport) RegisterHandler(group string, h cluster.Handler) {
	j.handler = h
	j.LocalTransport.RegisterHandler(group, h)
}

func (j *joinRaceTransport) SubscribeStateTransfer(topic string, p cluster.StateProvider) error {
	args := codec.MustMarshal(stateArgs{App: "app", Record: j.live})
	if _, err := j.handler.HandleCall(context.Background(), MethodApplyRemoteState, args); err != nil {
		return err
	}
	return j.LocalTransport.SubscribeStateTransfer(topic, p)
}

func TestStartKeepsReplicationReceivedWhileJoining(t *testing.T) {
	ctx := context.Background()
	net := cluster.NewLocalNetwork()
	clock := newTestClock()
	a := newStore(t, net, "a", clock)
	require.NoError(t, a.SetState(ctx, "app", "k", []byte("v1")))

	tr := &joinRaceTransport{
		LocalTransport: net.Join("b"),
		live:           &Record{Key: "k", Payload: []byte("v2"), Version: 2, Owner: "a"},
	}
	b := New(Config{Logger: logger.Discard, Now: clock.Now}, tr)
	require.NoError(t, b.Start(ctx))
	defer b.Stop()

	got := b.GetState("app", "k")
	require.NotNil(t, got)
	assert.Equal(t, []byte("v2"), got.Payload)
	assert.Equal(t, int64(2), got.Version)
}

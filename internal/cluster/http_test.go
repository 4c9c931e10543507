package cluster

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dreamware/hasession/internal/logger"
)

type httpMember struct {
	tr  *HTTPTransport
	srv *httptest.Server
}

func startHTTPMembers(t *testing.T, ids ...string) []*httpMember {
	t.Helper()
	members := make([]*httpMember, len(ids))
	infos := make([]NodeInfo, len(ids))
	for i, id := range ids {
		mux := http.NewServeMux()
		srv := httptest.NewServer(mux)
		t.Cleanup(srv.Close)
		tr := NewHTTPTransport(NodeInfo{ID: id, Addr: srv.URL}, logger.Discard)
		tr.Routes(mux)
		members[i] = &httpMember{tr: tr, srv: srv}
		infos[i] = NodeInfo{ID: id, Addr: srv.URL}
	}
	for _, m := range members {
		m.tr.SetMembers(infos)
	}
	return members
}

func TestHTTPBroadcast(t *testing.T) {
	ms := startHTTPMembers(t, "a", "b", "c")
	var calls []string
	var mu sync.Mutex
	for _, m := range ms {
		m.tr.RegisterHandler("g", echoHandler(&calls, &mu, m.tr.LocalNode()))
	}

	acks, err := ms[0].tr.BroadcastAndAwait(context.Background(), "g", "echo", echoArgs{Text: "hello"})
	require.NoError(t, err)
	require.Len(t, acks, 2)
	assert.ElementsMatch(t, []string{"b:echo:hello", "c:echo:hello"}, calls)
	for _, ack := range acks {
		var s string
		require.NoError(t, ack.Decode(&s))
		assert.Equal(t, ack.Node+"/hello", s)
	}
}

func TestHTTPBroadcastSkipsUnknownGroup(t *testing.T) {
	ms := startHTTPMembers(t, "a", "b")
	acks, err := ms[0].tr.BroadcastAndAwait(context.Background(), "nobody", "echo", echoArgs{})
	require.NoError(t, err)
	assert.Empty(t, acks)
}

func TestHTTPBroadcastUnreachablePeer(t *testing.T) {
	ms := startHTTPMembers(t, "a", "b", "c")
	var calls []string
	var mu sync.Mutex
	ms[2].tr.RegisterHandler("g", echoHandler(&calls, &mu, "c"))
	ms[1].srv.Close()

	acks, err := ms[0].tr.BroadcastAndAwait(context.Background(), "g", "echo", echoArgs{Text: "x"})
	var te *TransportError
	require.ErrorAs(t, err, &te)
	assert.Equal(t, "b", te.Node)
	assert.Equal(t, "echo", te.Op)

	require.Len(t, acks, 1)
	assert.Equal(t, "c", acks[0].Node)
	assert.Equal(t, []string{"c:echo:x"}, calls)
}

func TestHTTPStateTransfer(t *testing.T) {
	ms := startHTTPMembers(t, "a", "b")
	src := &memProvider{}
	_ = src.SetState([]byte("snapshot"))
	ms[0].tr.providers.Set("topic", src)

	joiner := &memProvider{}
	require.NoError(t, ms[1].tr.SubscribeStateTransfer("topic", joiner))
	assert.Equal(t, []byte("snapshot"), joiner.State())
}

func TestHTTPStateTransferNoPeerState(t *testing.T) {
	ms := startHTTPMembers(t, "a", "b")
	joiner := &memProvider{}
	require.NoError(t, ms[1].tr.SubscribeStateTransfer("topic", joiner))
	assert.Nil(t, joiner.State())
}

func TestHTTPRefreshMembers(t *testing.T) {
	coord := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "/nodes", r.URL.Path)
		_ = json.NewEncoder(w).Encode(NodesResponse{Nodes: []NodeInfo{
			{ID: "a", Addr: "http://a"},
			{ID: "b", Addr: "http://b"},
		}})
	}))
	defer coord.Close()

	tr := NewHTTPTransport(NodeInfo{ID: "a", Addr: "http://a"}, logger.Discard)
	require.NoError(t, tr.RefreshMembers(context.Background(), coord.URL+"/"))
	assert.Len(t, tr.Members(), 2)
	assert.Equal(t, []NodeInfo{{ID: "b", Addr: "http://b"}}, tr.peers())
}

func TestHTTPCallRejectsGet(t *testing.T) {
	ms := startHTTPMembers(t, "a")
	resp, err := http.Get(ms[0].srv.URL + CallPath)
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusMethodNotAllowed, resp.StatusCode)
}

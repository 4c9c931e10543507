// Package cluster provides membership types and replication transports.
// This file implements the HTTP transport used between node processes.
package cluster

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	cmap "github.com/orcaman/concurrent-map/v2"
	"github.com/tidwall/gjson"
	"golang.org/x/exp/slices"
	"golang.org/x/sync/errgroup"

	"github.com/dreamware/hasession/internal/codec"
	"github.com/dreamware/hasession/internal/logger"
)

const (
	// CallPath receives replicated calls from peers.
	CallPath = "/cluster/call"
	// StatePath serves state images to joining peers.
	StatePath = "/cluster/state"

	maxCallBody       = 64 << 20
	stateFetchTimeout = 10 * time.Second
)

// CallRequest is the JSON envelope posted to CallPath. Args carries CBOR.
type CallRequest struct {
	Group  string `json:"group"`
	Method string `json:"method"`
	From   string `json:"from"`
	Args   []byte `json:"args"`
}

// CallResponse is the JSON answer to a CallRequest.
type CallResponse struct {
	Result []byte `json:"result,omitempty"`
	Err    string `json:"err,omitempty"`
}

// HTTPTransport replicates calls to peers over HTTP/JSON. Membership is fed
// in through SetMembers, typically from the coordinator's /nodes list.
type HTTPTransport struct {
	self      NodeInfo
	log       logger.Logger
	handlers  cmap.ConcurrentMap[string, Handler]
	providers cmap.ConcurrentMap[string, StateProvider]

	mu      sync.RWMutex
	members []NodeInfo
}

var _ Transport = (*HTTPTransport)(nil)

// NewHTTPTransport builds a transport for the member described by self.
func NewHTTPTransport(self NodeInfo, log logger.Logger) *HTTPTransport {
	return &HTTPTransport{
		self:      self,
		log:       logger.OrDefault(log),
		handlers:  cmap.New[Handler](),
		providers: cmap.New[StateProvider](),
	}
}

// LocalNode returns this member's id.
func (t *HTTPTransport) LocalNode() string { return t.self.ID }

// Self returns the NodeInfo this transport advertises.
func (t *HTTPTransport) Self() NodeInfo { return t.self }

// SetMembers replaces the membership view. The local member may be included;
// it is skipped when broadcasting.
func (t *HTTPTransport) SetMembers(nodes []NodeInfo) {
	cp := append([]NodeInfo(nil), nodes...)
	t.mu.Lock()
	t.members = cp
	t.mu.Unlock()
}

// Members returns a copy of the current membership view.
func (t *HTTPTransport) Members() []NodeInfo {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return append([]NodeInfo(nil), t.members...)
}

// RefreshMembers pulls the membership list from the coordinator.
func (t *HTTPTransport) RefreshMembers(ctx context.Context, coordinator string) error {
	var resp NodesResponse
	if err := GetJSON(ctx, strings.TrimRight(coordinator, "/")+"/nodes", &resp); err != nil {
		return err
	}
	if !slices.ContainsFunc(resp.Nodes, func(n NodeInfo) bool { return n.ID == t.self.ID }) {
		t.log.Debugf("membership from %s does not list %s yet", coordinator, t.self.ID)
	}
	t.SetMembers(resp.Nodes)
	return nil
}

func (t *HTTPTransport) peers() []NodeInfo {
	t.mu.RLock()
	defer t.mu.RUnlock()
	out := make([]NodeInfo, 0, len(t.members))
	for _, m := range t.members {
		if m.ID != t.self.ID {
			out = append(out, m)
		}
	}
	return out
}

// RegisterHandler routes inbound calls for group to h.
func (t *HTTPTransport) RegisterHandler(group string, h Handler) {
	t.handlers.Set(group, h)
}

// BroadcastAndAwait posts the call to every peer concurrently. A failing
// peer does not cut the others short. Peers that answer 404 do not serve the
// group and are left out of the acks.
func (t *HTTPTransport) BroadcastAndAwait(ctx context.Context, group, method string, args any) ([]Ack, error) {
	payload, err := codec.Marshal(args)
	if err != nil {
		return nil, err
	}
	body := CallRequest{Group: group, Method: method, From: t.self.ID, Args: payload}

	peers := t.peers()
	acks := make([]Ack, len(peers))
	errs := make([]error, len(peers))
	skip := make([]bool, len(peers))
	var g errgroup.Group
	for i, p := range peers {
		i, p := i, p
		g.Go(func() error {
			var resp CallResponse
			err := PostJSON(ctx, strings.TrimRight(p.Addr, "/")+CallPath, body, &resp)
			if err != nil {
				var se *StatusError
				if errors.As(err, &se) && se.Code == http.StatusNotFound {
					skip[i] = true
					return nil
				}
				errs[i] = &TransportError{Node: p.ID, Op: method, Err: err}
				return nil
			}
			acks[i] = Ack{Node: p.ID, Result: resp.Result, Err: resp.Err}
			return nil
		})
	}
	_ = g.Wait()
	for i := range skip {
		if skip[i] {
			errs[i] = errSkipped
		}
	}
	return collectAcks(acks, errs)
}

// SubscribeStateTransfer registers p and loads state from the first peer that
// serves topic. Having no peer with state is not an error.
func (t *HTTPTransport) SubscribeStateTransfer(topic string, p StateProvider) error {
	t.providers.Set(topic, p)

	ctx, cancel := context.WithTimeout(context.Background(), stateFetchTimeout)
	defer cancel()
	for _, peer := range t.peers() {
		u := strings.TrimRight(peer.Addr, "/") + StatePath + "?topic=" + url.QueryEscape(topic)
		state, err := GetBytes(ctx, u)
		if err != nil {
			t.log.Warnf("state transfer from %s failed: %v", peer.ID, err)
			continue
		}
		if state == nil {
			continue
		}
		t.log.Infof("state for %s received from %s (%d bytes)", topic, peer.ID, len(state))
		return p.SetState(state)
	}
	return nil
}

// Routes installs the peer-facing endpoints on mux.
func (t *HTTPTransport) Routes(mux *http.ServeMux) {
	mux.HandleFunc(CallPath, t.handleCall)
	mux.HandleFunc(StatePath, t.handleState)
}

func (t *HTTPTransport) handleCall(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	raw, err := io.ReadAll(io.LimitReader(r.Body, maxCallBody))
	if err != nil {
		http.Error(w, "read body", http.StatusBadRequest)
		return
	}

	// Look the handler up before paying for the full decode.
	group := gjson.GetBytes(raw, "group").String()
	h, found := t.handlers.Get(group)
	if !found {
		http.Error(w, "unknown group", http.StatusNotFound)
		return
	}

	var req CallRequest
	if err := json.Unmarshal(raw, &req); err != nil {
		http.Error(w, "bad json", http.StatusBadRequest)
		return
	}
	ack := dispatch(r.Context(), t.self.ID, h, req.Method, req.Args)

	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(CallResponse{Result: ack.Result, Err: ack.Err}); err != nil {
		t.log.Warnf("writing call response to %s: %v", req.From, err)
	}
}

func (t *HTTPTransport) handleState(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	p, ok := t.providers.Get(r.URL.Query().Get("topic"))
	if !ok {
		http.Error(w, "unknown topic", http.StatusNotFound)
		return
	}
	state := p.State()
	if state == nil {
		http.Error(w, "no state", http.StatusNotFound)
		return
	}
	w.Header().Set("Content-Type", "application/octet-stream")
	_, _ = w.Write(state)
}

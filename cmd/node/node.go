package main

import (
	"encoding/json"
	"errors"
	"io"
	"log"
	"net/http"
	"time"

	"github.com/yosida95/uritemplate/v3"

	"github.com/dreamware/hasession/internal/cluster"
	"github.com/dreamware/hasession/internal/sessionstate"
)

const maxSessionBody = 16 << 20

var (
	sessionRoute   = uritemplate.MustNew("/sessions/{app}/{key}")
	ownershipRoute = uritemplate.MustNew("/sessions/{app}/{key}/ownership")
)

// members is the part of the transport the node reports in /info.
type members interface {
	Members() []cluster.NodeInfo
}

// node binds the HTTP surface to the local session store.
type node struct {
	self      cluster.NodeInfo
	store     *sessionstate.Store
	transport members
}

func newNode(self cluster.NodeInfo, store *sessionstate.Store, transport members) *node {
	return &node{self: self, store: store, transport: transport}
}

// routes installs the node's client-facing HTTP API on mux.
//
// Endpoints:
//   - GET /health: 200 while the process is up
//   - GET /info: node id, addresses, partition, members and counts
//   - GET /sessions/{app}/{key}: the record, or 404
//   - PUT /sessions/{app}/{key}: store the request body as the payload
//   - DELETE /sessions/{app}/{key}: remove the session everywhere
//   - POST /sessions/{app}/{key}/ownership: make this node the owner
func (n *node) routes(mux *http.ServeMux) {
	mux.HandleFunc("/health", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
	})
	mux.HandleFunc("/info", n.handleInfo)
	mux.HandleFunc("/sessions/", n.handleSessions)
}

// recordView is the JSON form of a record. Payload is base64 encoded by
// encoding/json.
type recordView struct {
	App         string    `json:"app"`
	Key         string    `json:"key"`
	Payload     []byte    `json:"payload"`
	Version     int64     `json:"version"`
	Owner       string    `json:"owner"`
	LastTouched time.Time `json:"last_touched"`
}

func viewOf(app string, r *sessionstate.Record) recordView {
	return recordView{
		App:         app,
		Key:         r.Key,
		Payload:     r.Payload,
		Version:     r.Version,
		Owner:       r.Owner,
		LastTouched: r.LastTouched,
	}
}

// pathValues matches path against tmpl and returns app and key.
func pathValues(tmpl *uritemplate.Template, path string) (app, key string, ok bool) {
	if !tmpl.Regexp().MatchString(path) {
		return "", "", false
	}
	values := tmpl.Match(path)
	app, key = values.Get("app").String(), values.Get("key").String()
	return app, key, app != "" && key != ""
}

func (n *node) handleSessions(w http.ResponseWriter, r *http.Request) {
	path := r.URL.EscapedPath()
	if app, key, ok := pathValues(ownershipRoute, path); ok {
		if r.Method != http.MethodPost {
			http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
			return
		}
		n.handleTakeOwnership(w, r, app, key)
		return
	}
	app, key, ok := pathValues(sessionRoute, path)
	if !ok {
		http.Error(w, "not found", http.StatusNotFound)
		return
	}
	switch r.Method {
	case http.MethodGet:
		n.handleGet(w, app, key)
	case http.MethodPut:
		n.handlePut(w, r, app, key)
	case http.MethodDelete:
		n.handleDelete(w, r, app, key)
	default:
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
	}
}

func (n *node) handleGet(w http.ResponseWriter, app, key string) {
	rec := n.store.GetState(app, key)
	if rec == nil {
		http.Error(w, "session not found", http.StatusNotFound)
		return
	}
	writeJSON(w, http.StatusOK, viewOf(app, rec))
}

func (n *node) handlePut(w http.ResponseWriter, r *http.Request, app, key string) {
	body, err := io.ReadAll(io.LimitReader(r.Body, maxSessionBody+1))
	if err != nil {
		http.Error(w, "failed to read body", http.StatusBadRequest)
		return
	}
	if len(body) > maxSessionBody {
		http.Error(w, "payload too large", http.StatusRequestEntityTooLarge)
		return
	}
	if err := n.store.SetState(r.Context(), app, key, body); err != nil {
		writeStoreError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, viewOf(app, n.store.GetState(app, key)))
}

func (n *node) handleDelete(w http.ResponseWriter, r *http.Request, app, key string) {
	if err := n.store.RemoveSession(r.Context(), app, key); err != nil {
		writeStoreError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (n *node) handleTakeOwnership(w http.ResponseWriter, r *http.Request, app, key string) {
	rec, err := n.store.TakeOwnership(r.Context(), app, key)
	if err != nil {
		writeStoreError(w, err)
		return
	}
	if rec == nil {
		http.Error(w, "session not found", http.StatusNotFound)
		return
	}
	writeJSON(w, http.StatusOK, viewOf(app, rec))
}

// writeStoreError maps store errors to statuses: contention is 409 so that
// clients retry, replication failures are 502.
func writeStoreError(w http.ResponseWriter, err error) {
	var te *cluster.TransportError
	switch {
	case errors.Is(err, sessionstate.ErrConcurrentAccess):
		http.Error(w, err.Error(), http.StatusConflict)
	case errors.As(err, &te):
		http.Error(w, err.Error(), http.StatusBadGateway)
	default:
		log.Printf("session store error: %v", err)
		http.Error(w, err.Error(), http.StatusInternalServerError)
	}
}

func (n *node) handleInfo(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	sessions := 0
	apps := n.store.Apps()
	for _, app := range apps {
		sessions += len(n.store.Keys(app))
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"node_id":      n.self.ID,
		"addr":         n.self.Addr,
		"invoker_addr": n.self.InvokerAddr,
		"partition":    n.store.Partition(),
		"members":      n.transport.Members(),
		"apps":         len(apps),
		"sessions":     sessions,
	})
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		log.Printf("failed to encode response: %v", err)
	}
}

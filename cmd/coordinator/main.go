// Package main implements the coordinator, the membership service of a
// session-state cluster.
//
// The coordinator is responsible for:
//   - Accepting node registrations and deregistrations
//   - Serving the member list that nodes broadcast to
//   - Health checking every member and dropping the ones that stop answering
//
// It holds no session data. Nodes replicate to each other directly.
//
// Architecture:
//
//	┌─────────────────────────────────────────┐
//	│              Coordinator                │
//	├─────────────────────────────────────────┤
//	│  HTTP API:                              │
//	│    /register     - Node joins           │
//	│    /deregister   - Node leaves          │
//	│    /nodes        - Member list          │
//	│    /health       - Health check         │
//	├─────────────────────────────────────────┤
//	│  Components:                            │
//	│    Registry      - Members, join order  │
//	│    HealthMonitor - Failure detection    │
//	└─────────────────────────────────────────┘
//
// Configuration:
//   - COORDINATOR_ADDR: Listen address (default: ":8080")
//   - HEALTH_INTERVAL: Time between health rounds (default: "5s")
//
// Example usage:
//
//	COORDINATOR_ADDR=:8080 HEALTH_INTERVAL=2s ./coordinator
//
//	# List members
//	curl localhost:8080/nodes
package main

import (
	"context"
	"encoding/json"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/dreamware/hasession/internal/cluster"
	"github.com/dreamware/hasession/internal/coordinator"
)

// logFatal is swapped out by tests that exercise invalid configuration.
var logFatal = log.Fatalf

func main() {
	addr := getenv("COORDINATOR_ADDR", ":8080")
	interval := getDuration("HEALTH_INTERVAL", 5*time.Second)

	srv := newServer()
	monitor := coordinator.NewHealthMonitor(coordinator.MonitorConfig{
		Interval:    interval,
		OnUnhealthy: srv.dropNode,
	})

	httpSrv := &http.Server{
		Addr:              addr,
		Handler:           srv.routes(),
		ReadHeaderTimeout: 5 * time.Second,
	}

	go func() {
		log.Printf("coordinator listening on %s", addr)
		if err := httpSrv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logFatal("listen: %v", err)
		}
	}()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	monitor.Start(ctx, srv.registry.List)

	stop := make(chan os.Signal, 1)
	signal.Notify(stop, os.Interrupt, syscall.SIGTERM)
	<-stop

	monitor.Stop()
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer shutdownCancel()
	_ = httpSrv.Shutdown(shutdownCtx)
	log.Println("coordinator stopped")
}

// server holds the coordinator's runtime state.
// Thread-safe: the Registry does its own locking.
type server struct {
	registry *coordinator.Registry
}

func newServer() *server {
	return &server{registry: coordinator.NewRegistry()}
}

// routes builds the coordinator's HTTP API.
func (s *server) routes() *http.ServeMux {
	mux := http.NewServeMux()
	mux.HandleFunc("/register", s.handleRegister)
	mux.HandleFunc("/deregister", s.handleDeregister)
	mux.HandleFunc("/nodes", s.handleListNodes)
	mux.HandleFunc("/health", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
	})
	return mux
}

// handleRegister processes POST /register.
//
// Request body:
//
//	{"node": {"id": "node-1", "addr": "http://10.0.0.1:8081", "invoker_addr": "10.0.0.1:4445"}}
//
// Responses:
//   - 204 No Content: Registered, or addresses updated
//   - 400 Bad Request: Invalid JSON or missing id/addr
//   - 405 Method Not Allowed: Not a POST
func (s *server) handleRegister(w http.ResponseWriter, r *http.Request) {
	req, ok := decodeRegister(w, r)
	if !ok {
		return
	}
	if req.Node.Addr == "" {
		http.Error(w, "missing id/addr", http.StatusBadRequest)
		return
	}
	if s.registry.Register(req.Node) {
		log.Printf("node %s joined (%s)", req.Node.ID, req.Node.Addr)
	}
	w.WriteHeader(http.StatusNoContent)
}

// handleDeregister processes POST /deregister. Unknown ids are accepted.
func (s *server) handleDeregister(w http.ResponseWriter, r *http.Request) {
	req, ok := decodeRegister(w, r)
	if !ok {
		return
	}
	if s.registry.Deregister(req.Node.ID) {
		log.Printf("node %s left", req.Node.ID)
	}
	w.WriteHeader(http.StatusNoContent)
}

// decodeRegister checks the method and decodes a RegisterRequest, writing
// the error response itself when it returns false.
func decodeRegister(w http.ResponseWriter, r *http.Request) (cluster.RegisterRequest, bool) {
	var req cluster.RegisterRequest
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return req, false
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "bad json", http.StatusBadRequest)
		return req, false
	}
	if req.Node.ID == "" {
		http.Error(w, "missing id/addr", http.StatusBadRequest)
		return req, false
	}
	return req, true
}

// handleListNodes processes GET /nodes and returns members in join order.
//
// Response:
//
//	{"nodes": [{"id": "node-1", "addr": "http://10.0.0.1:8081"}]}
func (s *server) handleListNodes(w http.ResponseWriter, _ *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(cluster.NodesResponse{Nodes: s.registry.List()})
}

// dropNode is the health monitor's OnUnhealthy hook.
func (s *server) dropNode(id string) {
	if s.registry.Deregister(id) {
		log.Printf("node %s removed after failed health checks", id)
	}
}

// getenv returns the environment variable k, or def when it is unset.
func getenv(k, def string) string {
	if v := os.Getenv(k); v != "" {
		return v
	}
	return def
}

func getDuration(k string, def time.Duration) time.Duration {
	v := os.Getenv(k)
	if v == "" {
		return def
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		logFatal("invalid %s %q: %v", k, v, err)
		return def
	}
	return d
}

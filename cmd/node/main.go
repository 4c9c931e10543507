// Package main implements the session node, one member of a replicated
// session-state partition.
//
// The node is a worker in the session cluster, responsible for:
//   - Holding a full copy of every session in its partition
//   - Replicating local writes to the other members
//   - Negotiating session ownership with its peers
//   - Serving remote session clients through the pooled invoker
//   - Registering with the coordinator and tracking membership
//
// Architecture:
//
//	┌─────────────────────────────────────────────┐
//	│                    Node                     │
//	├─────────────────────────────────────────────┤
//	│  HTTP API:                                  │
//	│    /health                - Health check    │
//	│    /info                  - Node summary    │
//	│    /sessions/{app}/{key}  - Session CRUD    │
//	│    /sessions/.../ownership - Take ownership │
//	│    /cluster/call          - Peer calls      │
//	│    /cluster/state         - State transfer  │
//	├─────────────────────────────────────────────┤
//	│  Invoker (INVOKER_LISTEN):                  │
//	│    length-prefixed CBOR request/response    │
//	├─────────────────────────────────────────────┤
//	│  Components:                                │
//	│    sessionstate.Store   - Replicated table  │
//	│    cluster.HTTPTransport - Peer fan-out     │
//	│    invoker.Server       - Worker pool       │
//	└─────────────────────────────────────────────┘
//
// Configuration:
//   - NODE_ID: Member id (default: random uuid)
//   - NODE_LISTEN: HTTP listen address (default: ":8081")
//   - NODE_ADDR: Public base URL (default: "http://127.0.0.1:8081")
//   - COORDINATOR_ADDR: Coordinator URL; unset runs standalone
//   - INVOKER_LISTEN: Invoker listen address (default: ":4445")
//   - INVOKER_ADDR: Public invoker host:port (default: 127.0.0.1 plus the INVOKER_LISTEN port)
//   - SESSION_PARTITION: Replication group (default: "/HASessionState/Default")
//   - SESSION_IDLE_TIMEOUT: Idle record lifetime (default: 30m)
//   - SESSION_PURGE_INTERVAL: Reaper interval, 0 disables (default: 1m)
//   - SESSION_STRICT: Return replication failures to writers (default: false)
//   - INVOKER_MAX_POOL: Active invoker workers (default: 300)
//   - INVOKER_TIMEOUT: Wait for the next request per connection (default: 60s)
//   - MEMBERSHIP_REFRESH: Membership poll interval (default: 5s)
//
// Example usage:
//
//	# Start node
//	NODE_ID=node-1 \
//	NODE_LISTEN=:8081 \
//	NODE_ADDR=http://localhost:8081 \
//	COORDINATOR_ADDR=http://localhost:8080 \
//	./node
//
//	# Write a session, then read it from another member
//	curl -X PUT localhost:8081/sessions/shop/cart-1 -d 'apples'
//	curl localhost:8082/sessions/shop/cart-1
//
//	# Fail over: make node-2 the owner
//	curl -X POST localhost:8082/sessions/shop/cart-1/ownership
package main

import (
	"context"
	"log"
	"net"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/google/uuid"
	"golang.org/x/exp/slices"

	"github.com/dreamware/hasession/internal/cluster"
	"github.com/dreamware/hasession/internal/invoker"
	"github.com/dreamware/hasession/internal/logger"
	"github.com/dreamware/hasession/internal/remote"
	"github.com/dreamware/hasession/internal/sessionstate"
)

// logFatal is swapped out by tests that exercise invalid configuration.
var logFatal = log.Fatalf

// config holds the node settings read from the environment.
type config struct {
	NodeID          string
	Listen          string
	Public          string
	Coordinator     string
	InvokerListen   string
	InvokerPublic   string
	Partition       string
	IdleTimeout     time.Duration
	PurgeInterval   time.Duration
	Strict          bool
	InvokerMaxPool  int
	InvokerTimeout  time.Duration
	RefreshInterval time.Duration
}

// loadConfig reads the node configuration from the environment. Invalid
// durations, integers or booleans are fatal.
//
// Returns:
//   - config: Settings with defaults applied
func loadConfig() config {
	cfg := config{
		NodeID:          getenv("NODE_ID", uuid.NewString()),
		Listen:          getenv("NODE_LISTEN", ":8081"),
		Public:          getenv("NODE_ADDR", "http://127.0.0.1:8081"),
		Coordinator:     os.Getenv("COORDINATOR_ADDR"),
		InvokerListen:   getenv("INVOKER_LISTEN", ":4445"),
		Partition:       getenv("SESSION_PARTITION", sessionstate.DefaultPartition),
		IdleTimeout:     getDuration("SESSION_IDLE_TIMEOUT", sessionstate.DefaultIdleTimeout),
		PurgeInterval:   getDuration("SESSION_PURGE_INTERVAL", time.Minute),
		Strict:          getBool("SESSION_STRICT", false),
		InvokerMaxPool:  getInt("INVOKER_MAX_POOL", invoker.DefaultMaxPoolSize),
		InvokerTimeout:  getDuration("INVOKER_TIMEOUT", invoker.DefaultTimeout),
		RefreshInterval: getDuration("MEMBERSHIP_REFRESH", 5*time.Second),
	}
	cfg.InvokerPublic = getenv("INVOKER_ADDR", publicInvokerAddr(cfg.InvokerListen))
	return cfg
}

// publicInvokerAddr turns a listen address such as ":4445" into a dialable
// loopback address.
//
// Parameters:
//   - listen: Address the invoker binds to
//
// Returns:
//   - string: host:port that peers and clients can dial; listen itself when
//     it cannot be parsed
//
// Example:
//
//	publicInvokerAddr(":4445")        // "127.0.0.1:4445"
//	publicInvokerAddr("10.0.0.5:4445") // "10.0.0.5:4445"
func publicInvokerAddr(listen string) string {
	host, port, err := net.SplitHostPort(listen)
	if err != nil {
		return listen
	}
	if host == "" || host == "0.0.0.0" || host == "::" {
		host = "127.0.0.1"
	}
	return net.JoinHostPort(host, port)
}

// main wires the store, transport, REST API and invoker together, then
// blocks until SIGINT or SIGTERM. Shutdown deregisters from the coordinator,
// stops the invoker and the reaper, and drains the HTTP server.
func main() {
	cfg := loadConfig()
	self := cluster.NodeInfo{ID: cfg.NodeID, Addr: cfg.Public, InvokerAddr: cfg.InvokerPublic}

	transport := cluster.NewHTTPTransport(self, logger.DefaultLogger)
	transport.SetMembers([]cluster.NodeInfo{self})
	store := sessionstate.New(sessionstate.Config{
		Partition:         cfg.Partition,
		IdleTimeout:       cfg.IdleTimeout,
		PurgeInterval:     cfg.PurgeInterval,
		StrictReplication: cfg.Strict,
	}, transport)
	n := newNode(self, store, transport)

	mux := http.NewServeMux()
	transport.Routes(mux)
	n.routes(mux)

	httpSrv := &http.Server{
		Addr:              cfg.Listen,
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}
	go func() {
		log.Printf("node[%s] listening on %s (public %s)", cfg.NodeID, cfg.Listen, cfg.Public)
		if err := httpSrv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logFatal("listen: %v", err)
		}
	}()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	if cfg.Coordinator != "" {
		register(ctx, cfg.Coordinator, self)
		if err := transport.RefreshMembers(ctx, cfg.Coordinator); err != nil {
			log.Printf("initial membership fetch failed: %v", err)
		}
	}
	if err := store.Start(ctx); err != nil {
		logFatal("session store: %v", err)
	}
	if cfg.Coordinator != "" {
		go refreshLoop(ctx, transport, cfg.Coordinator, cfg.RefreshInterval)
	}

	inv := invoker.NewServer(invoker.ServerConfig{
		Addr:        cfg.InvokerListen,
		MaxPoolSize: cfg.InvokerMaxPool,
		Timeout:     cfg.InvokerTimeout,
	}, remote.NewDispatcher(store))
	if err := inv.Start(ctx); err != nil {
		logFatal("invoker: %v", err)
	}

	stop := make(chan os.Signal, 1)
	signal.Notify(stop, os.Interrupt, syscall.SIGTERM)
	<-stop

	if cfg.Coordinator != "" {
		deregister(cfg.Coordinator, self)
	}
	cancel()
	inv.Stop()
	store.Stop()

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer shutdownCancel()
	if err := httpSrv.Shutdown(shutdownCtx); err != nil {
		log.Printf("server shutdown error: %v", err)
	}
	log.Println("node stopped")
}

// register announces the node to the coordinator, retrying while the
// coordinator comes up. After 10 failed attempts the process exits.
//
// Parameters:
//   - ctx: Context for the registration requests
//   - coord: Coordinator base URL
//   - self: This node's identity and addresses
func register(ctx context.Context, coord string, self cluster.NodeInfo) {
	body := cluster.RegisterRequest{Node: self}
	var lastErr error
	for i := 0; i < 10; i++ {
		lastErr = cluster.PostJSON(ctx, coord+"/register", body, nil)
		if lastErr == nil {
			log.Printf("registered with coordinator @ %s", coord)
			return
		}
		log.Printf("register retry %d: %v", i+1, lastErr)
		time.Sleep(400 * time.Millisecond)
	}
	logFatal("failed to register with coordinator: %v", lastErr)
}

// deregister removes the node from the coordinator on shutdown. Failures are
// logged; the health monitor drops the node eventually anyway.
func deregister(coord string, self cluster.NodeInfo) {
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := cluster.PostJSON(ctx, coord+"/deregister", cluster.RegisterRequest{Node: self}, nil); err != nil {
		log.Printf("deregister: %v", err)
	}
}

// refreshLoop keeps the transport's member list in step with the
// coordinator. Registration is repeated whenever the coordinator has
// forgotten this node, e.g. after a restart or a missed health check.
func refreshLoop(ctx context.Context, t *cluster.HTTPTransport, coord string, every time.Duration) {
	ticker := time.NewTicker(every)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			if err := t.RefreshMembers(ctx, coord); err != nil {
				log.Printf("membership refresh: %v", err)
				continue
			}
			if !slices.ContainsFunc(t.Members(), func(m cluster.NodeInfo) bool { return m.ID == t.LocalNode() }) {
				if err := cluster.PostJSON(ctx, coord+"/register", cluster.RegisterRequest{Node: t.Self()}, nil); err != nil {
					log.Printf("re-register: %v", err)
				}
			}
		case <-ctx.Done():
			return
		}
	}
}

// getenv returns the environment variable k, or def when it is unset or
// empty.
func getenv(k, def string) string {
	if v := os.Getenv(k); v != "" {
		return v
	}
	return def
}

// getDuration parses k with time.ParseDuration, for example "30m" or "5s".
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

// getInt parses k as a decimal integer.
func getInt(k string, def int) int {
	v := os.Getenv(k)
	if v == "" {
		return def
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		logFatal("invalid %s %q: %v", k, v, err)
		return def
	}
	return n
}

// getBool parses k with strconv.ParseBool.
func getBool(k string, def bool) bool {
	v := os.Getenv(k)
	if v == "" {
		return def
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		logFatal("invalid %s %q: %v", k, v, err)
		return def
	}
	return b
}

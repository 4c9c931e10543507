// Package coordinator provides the cluster coordination server functionality.
// This file implements health monitoring for registered session nodes.
package coordinator

import (
	"context"
	"fmt"
	"net/http"
	"strings"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/dreamware/hasession/internal/cluster"
	"github.com/dreamware/hasession/internal/logger"
)

// HealthStatus is the monitor's verdict on a member.
type HealthStatus string

const (
	// StatusUnknown means the member has not been checked yet.
	StatusUnknown HealthStatus = "unknown"
	// StatusHealthy means the latest check succeeded.
	StatusHealthy HealthStatus = "healthy"
	// StatusUnhealthy means MaxFailures checks in a row have failed. The
	// member stays unhealthy until a check succeeds again.
	StatusUnhealthy HealthStatus = "unhealthy"
)

// DefaultMaxFailures is the number of consecutive failed checks after which
// a member is declared unhealthy.
const DefaultMaxFailures = 3

// NodeHealth tracks the health of one member.
// Thread-safe: Protected by HealthMonitor's mutex; callers receive copies.
type NodeHealth struct {
	LastCheck        time.Time    // last check attempt
	LastHealthy      time.Time    // last successful check
	NodeID           string       // member id
	Status           HealthStatus // current verdict
	ConsecutiveFails int          // failed checks since the last success
}

// CheckFunc probes one member and returns nil when it is healthy. The context
// carries the per-check Timeout.
type CheckFunc func(ctx context.Context, node cluster.NodeInfo) error

// MonitorConfig controls a HealthMonitor.
type MonitorConfig struct {
	// Interval between check rounds. Defaults to 5s.
	Interval time.Duration
	// Timeout bounds one check. Defaults to 2s.
	Timeout time.Duration
	// MaxFailures before a member is unhealthy. Defaults to DefaultMaxFailures.
	MaxFailures int
	// Check overrides the default GET {addr}/health probe.
	Check CheckFunc
	// OnUnhealthy is called once when a member turns unhealthy.
	OnUnhealthy func(nodeID string)
	Logger      logger.Logger
}

// FillDefaults sets every unset field to its default.
func (c *MonitorConfig) FillDefaults() {
	if c.Interval <= 0 {
		c.Interval = 5 * time.Second
	}
	if c.Timeout <= 0 {
		c.Timeout = 2 * time.Second
	}
	if c.MaxFailures <= 0 {
		c.MaxFailures = DefaultMaxFailures
	}
	c.Logger = logger.OrDefault(c.Logger)
}

// HealthMonitor periodically probes every registered member. A member that
// fails MaxFailures checks in a row is reported through OnUnhealthy, which the
// coordinator uses to drop it from the Registry so that the surviving members
// stop broadcasting to it.
//
// Thread-safe: all methods are safe for concurrent access.
type HealthMonitor struct {
	cfg        MonitorConfig
	log        logger.Logger
	httpClient *http.Client

	mu    sync.RWMutex
	nodes map[string]*NodeHealth

	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// NewHealthMonitor builds a monitor. Call Start to begin checking.
//
// Example:
//
//	monitor := NewHealthMonitor(MonitorConfig{
//	    Interval:    5 * time.Second,
//	    OnUnhealthy: func(id string) { registry.Deregister(id) },
//	})
//	monitor.Start(ctx, registry.List)
//	defer monitor.Stop()
func NewHealthMonitor(cfg MonitorConfig) *HealthMonitor {
	cfg.FillDefaults()
	h := &HealthMonitor{
		cfg:        cfg,
		log:        cfg.Logger,
		httpClient: &http.Client{Timeout: cfg.Timeout},
		nodes:      make(map[string]*NodeHealth),
	}
	if h.cfg.Check == nil {
		h.cfg.Check = h.defaultHealthCheck
	}
	return h
}

// Start launches the check loop in a goroutine. The first round runs
// immediately; later rounds follow every Interval until ctx is canceled or
// Stop is called.
//
// Parameters:
//   - ctx: Parent context; canceling it ends the loop
//   - members: Called before every round for the current member list
//
// Example:
//
//	monitor.Start(ctx, registry.List)
func (h *HealthMonitor) Start(ctx context.Context, members func() []cluster.NodeInfo) {
	ctx, h.cancel = context.WithCancel(ctx)
	h.wg.Add(1)
	go func() {
		defer h.wg.Done()
		ticker := time.NewTicker(h.cfg.Interval)
		defer ticker.Stop()

		h.log.Infof("health monitor started with interval %v", h.cfg.Interval)
		h.CheckAll(ctx, members())
		for {
			select {
			case <-ticker.C:
				h.CheckAll(ctx, members())
			case <-ctx.Done():
				return
			}
		}
	}()
}

// Stop ends the check loop and waits for it.
//
// Example:
//
//	monitor.Stop()
//	// No OnUnhealthy callback fires after this returns
func (h *HealthMonitor) Stop() {
	if h.cancel != nil {
		h.cancel()
	}
	h.wg.Wait()
	h.log.Infof("health monitor stopped")
}

// CheckAll runs one round of checks in parallel and forgets members that are
// no longer listed. It returns once every check has finished.
//
// Parameters:
//   - ctx: Context for the checks; each also gets its own Timeout
//   - nodes: Members to check this round
func (h *HealthMonitor) CheckAll(ctx context.Context, nodes []cluster.NodeInfo) {
	current := make(map[string]struct{}, len(nodes))
	var g errgroup.Group
	for _, node := range nodes {
		current[node.ID] = struct{}{}
		node := node
		g.Go(func() error {
			h.checkNode(ctx, node)
			return nil
		})
	}
	_ = g.Wait()

	h.mu.Lock()
	for id := range h.nodes {
		if _, ok := current[id]; !ok {
			delete(h.nodes, id)
			h.log.Debugf("stopped monitoring %s", id)
		}
	}
	h.mu.Unlock()
}

func (h *HealthMonitor) checkNode(ctx context.Context, node cluster.NodeInfo) {
	h.mu.Lock()
	health, ok := h.nodes[node.ID]
	if !ok {
		now := time.Now()
		health = &NodeHealth{NodeID: node.ID, Status: StatusUnknown, LastCheck: now, LastHealthy: now}
		h.nodes[node.ID] = health
	}
	h.mu.Unlock()

	cctx, cancel := context.WithTimeout(ctx, h.cfg.Timeout)
	err := h.cfg.Check(cctx, node)
	cancel()

	h.mu.Lock()
	health.LastCheck = time.Now()
	if err == nil {
		if health.Status == StatusUnhealthy {
			h.log.Infof("node %s recovered", node.ID)
		}
		health.Status = StatusHealthy
		health.ConsecutiveFails = 0
		health.LastHealthy = health.LastCheck
		h.mu.Unlock()
		return
	}

	health.ConsecutiveFails++
	h.log.Warnf("health check failed for %s (%d/%d): %v", node.ID, health.ConsecutiveFails, h.cfg.MaxFailures, err)
	turned := health.ConsecutiveFails >= h.cfg.MaxFailures && health.Status != StatusUnhealthy
	if turned {
		health.Status = StatusUnhealthy
	}
	h.mu.Unlock()

	if turned && h.cfg.OnUnhealthy != nil {
		h.log.Warnf("node %s unhealthy after %d failures", node.ID, h.cfg.MaxFailures)
		h.cfg.OnUnhealthy(node.ID)
	}
}

// defaultHealthCheck GETs {addr}/health and expects 200.
func (h *HealthMonitor) defaultHealthCheck(ctx context.Context, node cluster.NodeInfo) error {
	url := node.Addr
	if !strings.HasPrefix(url, "http://") && !strings.HasPrefix(url, "https://") {
		url = "http://" + url
	}
	url = strings.TrimRight(url, "/") + "/health"

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return err
	}
	resp, err := h.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("health check request failed: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("health check returned status %d", resp.StatusCode)
	}
	return nil
}

// GetNodeHealth returns a copy of the member's health, or nil when it is not
// monitored.
//
// Parameters:
//   - nodeID: Member id
//
// Returns:
//   - *NodeHealth: Snapshot of the member's health, nil if unknown
func (h *HealthMonitor) GetNodeHealth(nodeID string) *NodeHealth {
	h.mu.RLock()
	defer h.mu.RUnlock()
	health, ok := h.nodes[nodeID]
	if !ok {
		return nil
	}
	cp := *health
	return &cp
}

// GetAllNodeHealth returns copies of every tracked member's health.
func (h *HealthMonitor) GetAllNodeHealth() map[string]NodeHealth {
	h.mu.RLock()
	defer h.mu.RUnlock()
	out := make(map[string]NodeHealth, len(h.nodes))
	for id, health := range h.nodes {
		out[id] = *health
	}
	return out
}

// IsHealthy reports whether the member passed its latest check.
func (h *HealthMonitor) IsHealthy(nodeID string) bool {
	h.mu.RLock()
	defer h.mu.RUnlock()
	health, ok := h.nodes[nodeID]
	return ok && health.Status == StatusHealthy
}

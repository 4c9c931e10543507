// Package coordinator provides the cluster coordination server functionality.
// This file implements the member registry.
package coordinator

import (
	"sync"

	"golang.org/x/exp/slices"

	"github.com/dreamware/hasession/internal/cluster"
)

// Registry is the coordinator's membership list. Members are kept in join
// order, which is the order transports use when looking for a state donor.
//
// Thread-safe: all methods may be called concurrently.
type Registry struct {
	mu      sync.RWMutex
	members []cluster.NodeInfo
	epoch   uint64
}

// NewRegistry returns an empty registry.
func NewRegistry() *Registry {
	return &Registry{}
}

// Register adds node or updates the addresses of an existing member with the
// same ID. It reports whether the node is new.
func (r *Registry) Register(node cluster.NodeInfo) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	idx := slices.IndexFunc(r.members, func(n cluster.NodeInfo) bool { return n.ID == node.ID })
	if idx >= 0 {
		if r.members[idx] != node {
			r.members[idx] = node
			r.epoch++
		}
		return false
	}
	r.members = append(r.members, node)
	r.epoch++
	return true
}

// Deregister removes the member with id. It reports whether it was present.
func (r *Registry) Deregister(id string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	n := len(r.members)
	r.members = slices.DeleteFunc(r.members, func(m cluster.NodeInfo) bool { return m.ID == id })
	if len(r.members) == n {
		return false
	}
	r.epoch++
	return true
}

// Get returns the member with id.
func (r *Registry) Get(id string) (cluster.NodeInfo, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	idx := slices.IndexFunc(r.members, func(n cluster.NodeInfo) bool { return n.ID == id })
	if idx < 0 {
		return cluster.NodeInfo{}, false
	}
	return r.members[idx], true
}

// List returns a copy of the members in join order.
func (r *Registry) List() []cluster.NodeInfo {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return slices.Clone(r.members)
}

// Len returns the number of members.
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.members)
}

// Epoch increases with every membership change.
func (r *Registry) Epoch() uint64 {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.epoch
}

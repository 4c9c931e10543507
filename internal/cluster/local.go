// Package cluster provides membership types and replication transports.
// This file implements the in-process transport used by tests and demos.
package cluster

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"

	cmap "github.com/orcaman/concurrent-map/v2"
	"golang.org/x/exp/slices"
	"golang.org/x/sync/errgroup"

	"github.com/dreamware/hasession/internal/codec"
)

// ErrMemberDown is returned for calls to a member marked down.
var ErrMemberDown = errors.New("member unreachable")

// LocalNetwork connects transports living in one process. Calls are
// delivered synchronously on the caller's goroutine fan-out, which makes it
// the transport of choice for tests and single-binary demos.
type LocalNetwork struct {
	mu      sync.RWMutex
	members []*LocalTransport // join order
}

// NewLocalNetwork returns an empty network.
func NewLocalNetwork() *LocalNetwork {
	return &LocalNetwork{}
}

// Join adds a member and returns its transport. Joining twice with the same
// id returns the existing transport.
func (n *LocalNetwork) Join(nodeID string) *LocalTransport {
	n.mu.Lock()
	defer n.mu.Unlock()
	for _, m := range n.members {
		if m.node == nodeID {
			return m
		}
	}
	t := &LocalTransport{
		network:   n,
		node:      nodeID,
		handlers:  cmap.New[Handler](),
		providers: cmap.New[StateProvider](),
	}
	n.members = append(n.members, t)
	return t
}

// Leave removes a member. Records it owned stay owned by it until another
// member takes them over.
func (n *LocalNetwork) Leave(nodeID string) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.members = slices.DeleteFunc(n.members, func(m *LocalTransport) bool { return m.node == nodeID })
}

// Members lists member ids in join order.
func (n *LocalNetwork) Members() []string {
	n.mu.RLock()
	defer n.mu.RUnlock()
	ids := make([]string, len(n.members))
	for i, m := range n.members {
		ids[i] = m.node
	}
	return ids
}

func (n *LocalNetwork) peersOf(self string) []*LocalTransport {
	n.mu.RLock()
	defer n.mu.RUnlock()
	peers := make([]*LocalTransport, 0, len(n.members))
	for _, m := range n.members {
		if m.node != self {
			peers = append(peers, m)
		}
	}
	return peers
}

// LocalTransport is one member's view of a LocalNetwork.
type LocalTransport struct {
	network   *LocalNetwork
	node      string
	handlers  cmap.ConcurrentMap[string, Handler]
	providers cmap.ConcurrentMap[string, StateProvider]
	down      atomic.Bool
}

var _ Transport = (*LocalTransport)(nil)

// LocalNode returns the member id.
func (t *LocalTransport) LocalNode() string { return t.node }

// SetDown makes calls addressed to this member fail, simulating a partition.
func (t *LocalTransport) SetDown(down bool) { t.down.Store(down) }

// RegisterHandler routes calls for group to h.
func (t *LocalTransport) RegisterHandler(group string, h Handler) {
	t.handlers.Set(group, h)
}

// BroadcastAndAwait calls method on every other member that serves group.
// Every reachable member receives the call even when others fail. Acks from
// reachable members are returned; the error joins one *TransportError per
// failed member.
func (t *LocalTransport) BroadcastAndAwait(ctx context.Context, group, method string, args any) ([]Ack, error) {
	payload, err := codec.Marshal(args)
	if err != nil {
		return nil, err
	}

	var targets []*LocalTransport
	for _, p := range t.network.peersOf(t.node) {
		if p.handlers.Has(group) {
			targets = append(targets, p)
		}
	}

	acks := make([]Ack, len(targets))
	errs := make([]error, len(targets))
	var g errgroup.Group
	for i, p := range targets {
		i, p := i, p
		g.Go(func() error {
			if p.down.Load() {
				errs[i] = &TransportError{Node: p.node, Op: method, Err: ErrMemberDown}
				return nil
			}
			if err := ctx.Err(); err != nil {
				errs[i] = &TransportError{Node: p.node, Op: method, Err: err}
				return nil
			}
			h, _ := p.handlers.Get(group)
			acks[i] = dispatch(ctx, p.node, h, method, payload)
			return nil
		})
	}
	_ = g.Wait()
	return collectAcks(acks, errs)
}

// SubscribeStateTransfer registers p and seeds it from the earliest joined
// member already serving topic.
func (t *LocalTransport) SubscribeStateTransfer(topic string, p StateProvider) error {
	t.providers.Set(topic, p)
	for _, peer := range t.network.peersOf(t.node) {
		if peer.down.Load() {
			continue
		}
		src, ok := peer.providers.Get(topic)
		if !ok {
			continue
		}
		return p.SetState(src.State())
	}
	return nil
}

// Package sessionstate provides the replicated session table.
// This file implements the ownership negotiation between members.
package sessionstate

import (
	"context"
	"fmt"
)

// TakeOwnership makes this member the owner of (app, key).
//
// It returns nil, nil when the record is not known here yet, and the current
// record when this member already owns it. Otherwise every peer is asked to
// give the record up; a single refusal, or a busy local lock, fails the call
// with ErrConcurrentAccess and leaves ownership unchanged. Transport failures
// are always returned, since granting ownership on partial answers could
// leave two owners.
func (s *Store) TakeOwnership(ctx context.Context, app, key string) (*Record, error) {
	rec, mine := s.peek(app, key)
	if rec == nil || mine {
		return rec, nil
	}

	mtx, ok := s.locks.tryLock(app, key)
	if !ok {
		return nil, ErrConcurrentAccess
	}
	defer mtx.Unlock()

	ns := s.lookup(app)
	if ns == nil {
		return nil, nil
	}
	ns.mu.Lock()
	rec, ok = ns.records[key]
	if !ok {
		ns.mu.Unlock()
		return nil, nil
	}
	if rec.Owner == s.node {
		cp := rec.Clone()
		ns.mu.Unlock()
		return cp, nil
	}
	version := rec.Version
	ns.mu.Unlock()

	req := ownershipArgs{App: app, Key: key, Node: s.node, Version: version}
	acks, err := s.transport.BroadcastAndAwait(ctx, s.cfg.Partition, MethodRequestOwnership, req)
	if err != nil {
		return nil, err
	}
	for _, ack := range acks {
		var granted bool
		if err := ack.Decode(&granted); err != nil {
			s.log.Warnf("ownership of %s/%s: bad answer from %s: %v", app, key, ack.Node, err)
			return nil, fmt.Errorf("%w: no valid answer from %s", ErrConcurrentAccess, ack.Node)
		}
		if !granted {
			return nil, fmt.Errorf("%w: refused by %s", ErrConcurrentAccess, ack.Node)
		}
	}

	ns.mu.Lock()
	defer ns.mu.Unlock()
	if cur, ok := ns.records[key]; !ok || cur != rec {
		// Removed while we were asking.
		return nil, nil
	}
	rec.Owner = s.node
	rec.LastTouched = s.cfg.Now()
	return rec.Clone(), nil
}

// RespondToOwnershipRequest decides whether node may take (app, key).
//
// The answer is false only when this member owns the record and has a newer
// version than the requester saw, or when the record lock is busy because a
// local write is in progress. A refusal can thus mean contention rather than
// a newer version; the requester sees ErrConcurrentAccess either way and may
// retry. Granting a record this member owned hands ownership over and fires
// the externally-modified notification.
func (s *Store) RespondToOwnershipRequest(app, key, node string, remoteVersion int64) bool {
	if _, mine := s.peek(app, key); !mine {
		return true
	}

	mtx, ok := s.locks.tryLock(app, key)
	if !ok {
		return false
	}
	defer mtx.Unlock()

	ns := s.lookup(app)
	if ns == nil {
		return true
	}
	ns.mu.Lock()
	rec, ok := ns.records[key]
	if !ok || rec.Owner != s.node {
		ns.mu.Unlock()
		return true
	}
	if rec.Version > remoteVersion {
		ns.mu.Unlock()
		return false
	}
	prior := rec.Clone()
	rec.Owner = node
	ns.mu.Unlock()

	s.notify(app, prior)
	return true
}

// peek returns a copy of the record and whether this member owns it, without
// taking the record lock.
func (s *Store) peek(app, key string) (rec *Record, mine bool) {
	ns := s.lookup(app)
	if ns == nil {
		return nil, false
	}
	ns.mu.Lock()
	defer ns.mu.Unlock()
	r, ok := ns.records[key]
	if !ok {
		return nil, false
	}
	return r.Clone(), r.Owner == s.node
}

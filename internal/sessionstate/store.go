package sessionstate

import (
	"context"
	"fmt"
	"sync"
	"time"

	cmap "github.com/orcaman/concurrent-map/v2"

	"github.com/dreamware/hasession/internal/cluster"
	"github.com/dreamware/hasession/internal/codec"
	"github.com/dreamware/hasession/internal/logger"
)

// Replicated method names. Peers route on these, so they are part of the
// cluster protocol.
const (
	MethodApplyRemoteState   = "applyRemoteState"
	MethodApplyRemoteRemoval = "applyRemoteRemoval"
	MethodRequestOwnership   = "requestOwnership"
)

// AllApps subscribes a listener to every namespace.
const AllApps = ""

type stateArgs struct {
	App    string  `cbor:"1,keyasint"`
	Record *Record `cbor:"2,keyasint"`
}

type removalArgs struct {
	App string `cbor:"1,keyasint"`
	Key string `cbor:"2,keyasint"`
}

type ownershipArgs struct {
	App     string `cbor:"1,keyasint"`
	Key     string `cbor:"2,keyasint"`
	Node    string `cbor:"3,keyasint"`
	Version int64  `cbor:"4,keyasint"`
}

// namespace holds the records of one application. mu guards the map and
// every field of the records in it; the per-record locks serialize whole
// operations on top of that.
type namespace struct {
	mu      sync.Mutex
	records map[string]*Record
}

func newNamespace() *namespace {
	return &namespace{records: make(map[string]*Record)}
}

// Store is the replicated session-state table of one member.
//
// Writes to a record are serialized by a per-(app, key) lock. Local writers
// never wait for it: a busy lock is reported as ErrConcurrentAccess. Updates
// arriving from peers do wait, since dropping them would lose data.
type Store struct {
	cfg       Config
	transport cluster.Transport
	node      string
	log       logger.Logger

	tableMu sync.RWMutex
	apps    cmap.ConcurrentMap[string, *namespace]

	locks     *lockTable
	listeners *listenerSet

	runMu  sync.Mutex
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

var _ cluster.Handler = (*Store)(nil)

// New builds a Store that replicates through transport. Call Start to join
// the partition.
func New(cfg Config, transport cluster.Transport) *Store {
	cfg.FillDefaults()
	return &Store{
		cfg:       cfg,
		transport: transport,
		node:      transport.LocalNode(),
		log:       cfg.Logger,
		apps:      cmap.New[*namespace](),
		locks:     newLockTable(),
		listeners: newListenerSet(),
	}
}

// LocalNode returns the id this store writes into Record.Owner.
func (s *Store) LocalNode() string { return s.node }

// Partition returns the replication group name.
func (s *Store) Partition() string { return s.cfg.Partition }

// Start registers the store with the transport, merges state from an
// existing member when there is one, and launches the idle reaper if
// configured. The handler is registered first so that no replication sent
// during the transfer is missed.
// A state image that cannot be decoded leaves the store empty and is not
// treated as fatal.
func (s *Store) Start(ctx context.Context) error {
	s.runMu.Lock()
	defer s.runMu.Unlock()
	if s.cancel != nil {
		return nil
	}

	s.transport.RegisterHandler(s.cfg.Partition, s)
	if err := s.transport.SubscribeStateTransfer(s.cfg.Partition, s.StateProvider()); err != nil {
		if !isSerialization(err) {
			return fmt.Errorf("sessionstate: state transfer: %w", err)
		}
		s.log.Warnf("discarding unreadable state for %s: %v", s.cfg.Partition, err)
	}

	rctx, cancel := context.WithCancel(ctx)
	s.cancel = cancel
	if s.cfg.PurgeInterval > 0 {
		s.wg.Add(1)
		go s.reap(rctx)
	}
	s.log.Infof("session state %s started on %s", s.cfg.Partition, s.node)
	return nil
}

// Stop ends the idle reaper. The table is left intact.
func (s *Store) Stop() {
	s.runMu.Lock()
	cancel := s.cancel
	s.cancel = nil
	s.runMu.Unlock()
	if cancel == nil {
		return
	}
	cancel()
	s.wg.Wait()
	s.log.Infof("session state %s stopped on %s", s.cfg.Partition, s.node)
}

func (s *Store) reap(ctx context.Context) {
	defer s.wg.Done()
	ticker := time.NewTicker(s.cfg.PurgeInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			if n := s.PurgeIdle(s.cfg.IdleTimeout); n > 0 {
				s.log.Debugf("purged %d idle sessions", n)
			}
		case <-ctx.Done():
			return
		}
	}
}

func (s *Store) table() cmap.ConcurrentMap[string, *namespace] {
	s.tableMu.RLock()
	defer s.tableMu.RUnlock()
	return s.apps
}

// namespace returns the namespace for app, creating it on first access.
func (s *Store) namespace(app string) *namespace {
	t := s.table()
	if ns, ok := t.Get(app); ok {
		return ns
	}
	t.SetIfAbsent(app, newNamespace())
	ns, _ := t.Get(app)
	return ns
}

func (s *Store) lookup(app string) *namespace {
	ns, ok := s.table().Get(app)
	if !ok {
		return nil
	}
	return ns
}

// Apps lists the namespaces currently known to this member.
func (s *Store) Apps() []string {
	return s.table().Keys()
}

// Keys lists the record keys of app.
func (s *Store) Keys(app string) []string {
	ns := s.lookup(app)
	if ns == nil {
		return nil
	}
	ns.mu.Lock()
	defer ns.mu.Unlock()
	keys := make([]string, 0, len(ns.records))
	for k := range ns.records {
		keys = append(keys, k)
	}
	return keys
}

// CreateSession inserts an empty record owned by this member. An existing
// record is returned as is; it is neither overwritten nor replicated.
func (s *Store) CreateSession(app, key string) *Record {
	ns := s.namespace(app)
	ns.mu.Lock()
	defer ns.mu.Unlock()
	if rec, ok := ns.records[key]; ok {
		return rec.Clone()
	}
	rec := newRecord(key, s.node, s.cfg.Now())
	ns.records[key] = rec
	return rec.Clone()
}

// GetState returns a copy of the local record, or nil. Ownership is not
// affected.
func (s *Store) GetState(app, key string) *Record {
	ns := s.lookup(app)
	if ns == nil {
		return nil
	}
	ns.mu.Lock()
	defer ns.mu.Unlock()
	return ns.records[key].Clone()
}

// SetState stores payload under (app, key), creating the record if needed.
// Identical bytes are a no-op. Otherwise the version is bumped and the record
// is broadcast while the record lock is still held, so a second local writer
// cannot overtake the replication in flight.
func (s *Store) SetState(ctx context.Context, app, key string, payload []byte) error {
	mtx, ok := s.locks.tryLock(app, key)
	if !ok {
		return ErrConcurrentAccess
	}
	defer mtx.Unlock()

	// The record is looked up only under its lock: removals hold the same
	// lock, so it cannot be dropped between lookup and write.
	ns := s.namespace(app)
	ns.mu.Lock()
	rec, ok := ns.records[key]
	if !ok {
		rec = newRecord(key, s.node, s.cfg.Now())
		ns.records[key] = rec
	}
	changed := rec.setPayload(payload, s.cfg.Now())
	image := rec.Clone()
	ns.mu.Unlock()
	if !changed {
		return nil
	}
	return s.replicate(ctx, MethodApplyRemoteState, stateArgs{App: app, Record: image})
}

// ApplyRemoteState absorbs a record broadcast by a peer. Unknown records are
// installed as received. Known ones are updated, and listeners hear about it
// first if this member was the owner. Both happen under the record lock.
func (s *Store) ApplyRemoteState(app string, in *Record) {
	if in == nil {
		return
	}
	mtx := s.locks.lock(app, in.Key)
	defer mtx.Unlock()
	s.absorbLocked(app, in)
}

// absorbLocked applies in to the local table. Called with the record lock
// held.
func (s *Store) absorbLocked(app string, in *Record) {
	now := s.cfg.Now()
	ns := s.namespace(app)
	ns.mu.Lock()
	cur, ok := ns.records[in.Key]
	if !ok {
		rec := in.Clone()
		rec.LastTouched = now
		ns.records[in.Key] = rec
		ns.mu.Unlock()
		return
	}
	var owned *Record
	if cur.Owner == s.node {
		owned = cur.Clone()
	}
	ns.mu.Unlock()
	if owned != nil {
		s.notify(app, owned)
	}

	ns.mu.Lock()
	cur.absorb(in, now)
	ns.mu.Unlock()
}

// RemoveSession drops the record locally and tells the peers to do the same.
func (s *Store) RemoveSession(ctx context.Context, app, key string) error {
	if s.drop(app, key) == nil {
		return nil
	}
	return s.replicate(ctx, MethodApplyRemoteRemoval, removalArgs{App: app, Key: key})
}

// ApplyRemoteRemoval drops a record removed by a peer.
func (s *Store) ApplyRemoteRemoval(app, key string) {
	rec := s.drop(app, key)
	if rec != nil && rec.Owner == s.node {
		s.notify(app, rec)
	}
}

// drop deletes (app, key) under its record lock and retires the lock. It
// returns the removed record, or nil when there was none.
func (s *Store) drop(app, key string) *Record {
	mtx := s.locks.lock(app, key)
	defer mtx.Unlock()
	defer s.locks.remove(app, key)

	ns := s.lookup(app)
	if ns == nil {
		return nil
	}
	ns.mu.Lock()
	defer ns.mu.Unlock()
	rec, ok := ns.records[key]
	if !ok {
		return nil
	}
	delete(ns.records, key)
	return rec
}

// PurgeIdle drops every record untouched for longer than maxAge and returns
// how many were dropped. Records whose lock is busy are skipped until the
// next pass. Purging is local; peers purge on their own clock.
func (s *Store) PurgeIdle(maxAge time.Duration) int {
	if maxAge <= 0 {
		return 0
	}
	now := s.cfg.Now()
	purged := 0
	for item := range s.table().IterBuffered() {
		app, ns := item.Key, item.Val
		var idle []string
		ns.mu.Lock()
		for key, rec := range ns.records {
			if rec.idleFor(now) > maxAge {
				idle = append(idle, key)
			}
		}
		ns.mu.Unlock()
		for _, key := range idle {
			if s.purgeOne(app, ns, key, now, maxAge) {
				purged++
			}
		}
	}
	return purged
}

func (s *Store) purgeOne(app string, ns *namespace, key string, now time.Time, maxAge time.Duration) bool {
	mtx, ok := s.locks.tryLock(app, key)
	if !ok {
		return false
	}
	defer mtx.Unlock()

	ns.mu.Lock()
	rec, ok := ns.records[key]
	if !ok {
		ns.mu.Unlock()
		s.locks.remove(app, key)
		return false
	}
	if rec.idleFor(now) <= maxAge {
		ns.mu.Unlock()
		return false
	}
	delete(ns.records, key)
	ns.mu.Unlock()
	s.locks.remove(app, key)
	return true
}

// Subscribe registers l for externally-modified events on app, or on every
// app when app is AllApps. The returned func unsubscribes.
func (s *Store) Subscribe(app string, l Listener) (unsubscribe func()) {
	id := s.listeners.add(app, l)
	var once sync.Once
	return func() {
		once.Do(func() { s.listeners.remove(app, id) })
	}
}

func (s *Store) notify(app string, rec *Record) {
	for _, l := range s.listeners.forApp(app) {
		s.callListener(l, app, rec.Clone())
	}
}

func (s *Store) callListener(l Listener, app string, rec *Record) {
	defer func() {
		if r := recover(); r != nil {
			s.log.Errorf("session listener for %s/%s panicked: %v", app, rec.Key, r)
		}
	}()
	l.SessionExternallyModified(app, rec)
}

// replicate broadcasts a committed local change. Failures are logged and,
// unless StrictReplication is set, swallowed: the local copy stands.
func (s *Store) replicate(ctx context.Context, method string, args any) error {
	acks, err := s.transport.BroadcastAndAwait(ctx, s.cfg.Partition, method, args)
	for _, ack := range acks {
		if ack.Err != "" {
			s.log.Warnf("%s rejected by %s: %s", method, ack.Node, ack.Err)
		}
	}
	if err != nil {
		s.log.Warnf("%s replication failed: %v", method, err)
		if s.cfg.StrictReplication {
			return err
		}
	}
	return nil
}

// HandleCall serves the replicated methods for the partition.
func (s *Store) HandleCall(ctx context.Context, method string, args []byte) ([]byte, error) {
	switch method {
	case MethodApplyRemoteState:
		var a stateArgs
		if err := codec.Unmarshal(args, &a); err != nil {
			return nil, fmt.Errorf("%s: %w", method, err)
		}
		s.ApplyRemoteState(a.App, a.Record)
		return codec.Marshal(true)
	case MethodApplyRemoteRemoval:
		var a removalArgs
		if err := codec.Unmarshal(args, &a); err != nil {
			return nil, fmt.Errorf("%s: %w", method, err)
		}
		s.ApplyRemoteRemoval(a.App, a.Key)
		return codec.Marshal(true)
	case MethodRequestOwnership:
		var a ownershipArgs
		if err := codec.Unmarshal(args, &a); err != nil {
			return nil, fmt.Errorf("%s: %w", method, err)
		}
		return codec.Marshal(s.RespondToOwnershipRequest(a.App, a.Key, a.Node, a.Version))
	default:
		return nil, fmt.Errorf("sessionstate: unknown method %q", method)
	}
}

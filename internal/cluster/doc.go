// Package cluster provides membership types and the replication transport
// used by the session-state store to reach the other members of a partition.
//
// # Overview
//
// A partition is a set of nodes that all host the same session-state group.
// The store never talks to the network itself: it hands a method name and a
// CBOR-encodable argument to a Transport, which delivers it to every other
// member and returns one Ack per member.
//
//	┌──────────────┐   BroadcastAndAwait    ┌──────────────┐
//	│   node-1     │ ─────────────────────▶ │   node-2     │
//	│ SessionStore │ ◀───────────────────── │ SessionStore │
//	└──────────────┘        []Ack           └──────────────┘
//	        │                                      ▲
//	        └────────── SubscribeStateTransfer ────┘
//	                 (full image on join)
//
// # Transports
//
// LocalNetwork: in-process delivery.
//   - Members join and leave explicitly
//   - SetDown simulates an unreachable member
//   - Used by tests and single-binary demos
//
// HTTPTransport: HTTP/JSON delivery between processes.
//   - POST /cluster/call carries {group, method, from, args}; args is CBOR
//   - GET /cluster/state?topic= serves the snapshot of a topic
//   - Membership comes from the coordinator's /nodes list via RefreshMembers
//
// # Failure Handling
//
// A member that cannot be reached yields a *TransportError; acks from the
// reachable members are still returned. A member that answers but whose
// handler failed yields an Ack with Err set. Members that do not host the
// group are skipped. Failure detection and membership changes belong to the
// coordinator, not to this package.
//
// # Concurrency Model
//
//   - Broadcasts fan out with errgroup, one goroutine per member
//   - Handler and provider tables are concurrent maps
//   - Membership views are copied under a read lock before any I/O
package cluster

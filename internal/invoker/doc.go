// Package invoker is a pooled request/response server and its client.
//
// # Wire Protocol
//
// Each object travels as a frame followed by a one-byte reset marker:
//
//	┌────────────┬─────────────┬──────┐
//	│ len uint32 │ CBOR body   │ 0x01 │
//	└────────────┴─────────────┴──────┘
//
// The first cycle on a connection is a bare request and response. Every
// later cycle starts with the client writing ProbeByte and the server
// echoing it, which tells the client that a pooled connection is still
// alive before it commits a request to it.
//
// # Server Pool
//
// A Server keeps at most MaxPoolSize active workers in an LRU. An accepted
// connection goes to an idle worker if there is one, to a new worker while
// the pool has room, and otherwise waits while the least recently used
// worker is evicted. Eviction interrupts a worker waiting for its next
// request but never one writing a response.
//
// A worker whose connection fails exits. One that was evicted closes its
// connection and waits in the idle queue for the next one.
//
// # Client Pool
//
// A Client keeps idle connections to one address and reuses the most
// recent. Pools maps addresses to Clients.
package invoker

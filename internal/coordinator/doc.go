// Package coordinator implements the membership service that tells session
// nodes who their peers are.
//
// # Overview
//
// The coordinator is deliberately thin. It holds no session data and takes
// no part in replication: nodes register themselves, periodically fetch the
// member list, and then talk to each other directly.
//
//	┌──────────┐  POST /register   ┌─────────────┐
//	│  node-1  │ ────────────────▶ │ coordinator │
//	│          │ ◀──────────────── │  Registry   │
//	└──────────┘    GET /nodes     │  Monitor    │
//	      │                        └─────────────┘
//	      │ /cluster/call                │ GET /health
//	      ▼                              ▼
//	┌──────────┐                   every member
//	│  node-2  │
//	└──────────┘
//
// # Core Components
//
// Registry: the member list
//   - Members are kept in join order
//   - Re-registering an ID updates its addresses
//   - Epoch increases on every change
//
// HealthMonitor: failure detection
//   - Probes GET {addr}/health on every member each interval
//   - Checks within a round run in parallel
//   - After MaxFailures consecutive failures, OnUnhealthy fires once
//   - The coordinator deregisters unhealthy members
//
// # Failure Model
//
// A deregistered member is simply absent from the next /nodes answer.
// Records it owned keep naming it as owner until another member takes them
// over; the session store does not reassign ownership on its own.
//
// # Concurrency Model
//
// Both types guard their state with a sync.RWMutex and return copies. The
// monitor calls OnUnhealthy without holding its lock.
package coordinator

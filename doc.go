// Package relaykit is a resilient service layer over a message broker and a
// key-value cache store. Application code talks to two backend-agnostic
// facades — a broker dispatcher (publish/subscribe) and a cache facade
// (string/hash/list/counter operations) — and keeps working when either
// backend is down: the facades degrade to no-ops instead of failing the
// caller.
//
// Components:
//   - cache: Store drivers (Redis, in-memory) behind a Facade that owns the
//     connection lifecycle and per-state operation behavior.
//   - broker: Driver implementations (Kafka, AMQP, in-memory loopback) behind
//     a Dispatcher with an explicit topic -> handlers registry.
//   - coord: distributed lock and fixed-window rate limiter, built only on
//     cache.Facade operations.
//   - session: login/logout/activity engine that publishes domain events and
//     consumes them back through its own subscription to maintain aggregates.
//   - realtime: per-connection heartbeat/echo channel handles.
//
// Degraded-mode policy is mode-dependent: in development mode connect
// failures park the backend in StateDegraded and operations are skipped; in
// production mode connect failures are fatal to the caller.
package relaykit

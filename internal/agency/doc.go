// Package agency provides the typed client surface for the replicated
// configuration store (the "agency") that the warden supervisor drives the
// cluster through, plus an in-memory reference implementation of the same
// store used by the development daemon and the tests.
//
// # Overview
//
// The agency is a strongly consistent hierarchical key-value tree with
// transactional compare-and-swap writes. Warden never mutates cluster state
// directly: every decision it makes is expressed as a Transaction — a list
// of operations guarded by preconditions that encode the exact world the
// caller believed it was acting on. If any precondition fails the whole
// transaction is rejected and the caller retries on its next tick.
//
// Three access paths exist:
//
//   - Transact: atomic guarded write to the replicated tree
//   - Transient: same surface against a volatile, non-replicated sibling
//     tree used for heartbeat-scale churn
//   - ReadTree / ReadTransient: consistent snapshot of a subtree,
//     returned as an immutable Node
//
// # Implementations
//
// Client speaks the HTTP+JSON wire protocol to an external agency.
// Store is the in-memory reference implementation backing cmd/agencyd and
// the test suites. Both satisfy the Agency interface; WithPrefix wraps
// either so that callers can use paths relative to the configured agency
// prefix (for example /arango).
package agency

// Package engine interprets journey definitions: one single-threaded
// cooperative runner per (journey, user) instance, suspended on timers
// and on predicates over signal-updated state.
//
// Correctness does not rely on cross-instance locking. Side effects are
// idempotent (content-addressed node-processed records), inbound segment
// updates are accepted only with strictly increasing versions, and every
// nondeterministic read goes through exec.Runtime so a durable substrate
// can replay decisions after a crash.
package engine

// Package harnesskit provides the resource lifecycle core for test-automation
// harnesses: a generic polling primitive with pluggable backoff (pkg/waiter),
// a process supervisor with process-group kill semantics and coordinated
// signal handling (pkg/procman), and a generic resource pool with buffer
// caching and memory-pressure escalation (pkg/sessionpool).
//
// The packages compose bottom-up. waiter knows nothing about processes,
// procman uses waiter for its graceful shutdown poll, and sessionpool
// delegates resource construction to a Factory so that any reusable,
// expensive-to-create resource (internal/session's shell terminals being the
// built-in example) can be pooled.
package harnesskit

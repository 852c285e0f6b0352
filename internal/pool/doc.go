// Package pool provides the connection-dispatch layer a worker process runs
// on top of its inherited listeners: a fixed concurrency budget, a drain
// sequence bounded by a graceful-exit timeout, and a shared Draining flag
// the per-connection handler consults for its keep-alive decision.
package pool

/*
Package lock implements the per-(host,service) deploy lock.

The lock is represented by a reserved, never-started container named
"peleka-lock-<service>" whose labels carry owner, acquired-at, and a
heartbeat timestamp. That fixed name is the mutex: the runtime's real
name-collision check on Create is what gives Acquire atomic mutual
exclusion, so the name must never change while the lock is held. The
runtime offers no way to update a label on a container in place, so
refreshing the heartbeat goes through Relabel, which stops (if
running), removes, and recreates the container under the same name —
preserving the mutex but handing back a new container id each time.

	Acquire ──► create lock container (fixed name) ──► name collision?
	               │                                       │
	               ▼                         ┌─────────────┴─────────────┐
	      start heartbeat goroutine          ▼                           ▼
	      (relabel on an interval,  heartbeat within 2×refresh   heartbeat stale
	       tracking the new id)              │                           │
	               │                         ▼                           ▼
	               │                   LockHeld(owner)        remove + retry once
	               ▼
	      Release: stop heartbeat, await it, then remove
	      (verifies deploy-id to avoid releasing a peer's lock)

Release is guaranteed on every exit path via a scoped acquisition
handle: callers invoke their work from inside WithLock, whose deferred
cleanup fires on normal return, error return, or panic.
*/
package lock

/*
Package deploy runs the per-host deployment state machine:

	INIT → PLANNED → LOCKED → PULLED → CREATED → STARTED → HEALTHY → PROMOTED → RETIRED → DONE
	                                                      ↘ UNHEALTHY → ABORTED
	                                 ↘ any failure branch → ABORTED

Each host gets its own Run call: plan the next generation, acquire the
per-service lock, pull, create the new container (blue-green: alongside
the old one; recreate: after stopping and removing it), wait for it to
become healthy, swap role labels, retire the old generation, and
release the lock. A single Run never touches any host but its own —
cross-host fan-out lives in pkg/coordinator.

Rollback (rollback.go) reverses the last promotion on one host: it
restarts and promotes the previous generation back to live and demotes
the current live to previous, under the same per-service lock.
*/
package deploy

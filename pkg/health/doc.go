/*
Package health runs the exec-based health probe against a newly
started container, waiting out the configured start_period before
taking probe results into account, and returning as soon as the
container converges on healthy or unhealthy (or the container exits on
its own, which always short-circuits to unhealthy immediately).

	start_period ──► probe @ interval ──► retries consecutive
	  (ignored)                            successes ─► healthy
	                                       failures ─► unhealthy
	                                       health_timeout elapsed ─► timeout

There is no HTTP or TCP check type: a deployment that needs those
expresses them as an exec command (curl, nc) run inside the container,
keeping the prober's surface to exactly what the container runtime's
exec API offers.
*/
package health

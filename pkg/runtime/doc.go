/*
Package runtime provides a uniform container-runtime abstraction over
Docker and Podman, driven through their shared Docker-compatible HTTP
API.

# Architecture

	┌──────────────────────── RUNTIME ADAPTER ───────────────────────┐
	│                                                                   │
	│   Adapter interface: detect, pull, create, start, stop, remove,  │
	│   exec, inspect, listByLabel                                     │
	│                                                                   │
	│        ┌──────────────────────┐   ┌──────────────────────┐     │
	│        │   dockerAdapter       │   │   FakeAdapter         │     │
	│        │   *client.Client      │   │   in-memory registry  │     │
	│        │   dialed through an   │   │   used by unit tests  │     │
	│        │   SSH UNIX tunnel      │   └──────────────────────┘     │
	│        └──────────────────────┘                                 │
	└───────────────────────────────────────────────────────────────┘

Podman speaks a subset of the Docker API with quirks around logging
drivers and network aliases; dockerAdapter normalizes plan fields for
the target runtime and downgrades silently where a feature isn't
supported, emitting a warning diagnostic rather than failing.

detect() tries the Docker socket path, then each Podman socket path,
issuing a Ping through the caller-supplied dial context (typically an
SSH tunnel) until one responds.
*/
package runtime

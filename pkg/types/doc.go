/*
Package types defines the core data structures shared across peleka.

This package contains the domain model that every other package builds
on: the resolved deployment plan, the labels that identify a
container's role, the lock record, and the per-host outcome the
coordinator aggregates.

# Architecture

	┌─────────────────────────────────────────────────────┐
	│                  Config (from YAML)                  │
	└──────────────────────┬────────────────────────────────┘
	                       │ planner.Plan()
	                       ▼
	┌─────────────────────────────────────────────────────┐
	│                 DeploymentPlan                      │
	│  image, name, color, generation, labels, probe, ...  │
	└──────────────────────┬────────────────────────────────┘
	                       │ drives
	                       ▼
	┌─────────────────────────────────────────────────────┐
	│           Deployment State Machine (pkg/deploy)      │
	└─────────────────────────────────────────────────────┘

Labels are the sole source of truth for container role identification;
there is no external state file. A container's generation, color and
role are always read back from its labels, never cached beyond a
single state-machine pass.
*/
package types

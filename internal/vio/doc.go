// Package vio owns the data model of the visual-inertial measurement front end.
//
// Responsibilities: the value types that flow from ingestion to the
// estimator (inertial samples, feature frames, relocalization messages,
// measurement bundles), the propagated state exposed to low-latency
// consumers, and the collaborator contracts (Estimator, Publisher).
//
// Dependency rule: vio depends on gonum only. Every other package under
// internal/vio depends on vio, never the reverse.
//
// Flow: ingest -> pipeline.Synchronizer (buffer queues) -> align ->
// dispatch -> Estimator, then propagate rebase -> Publisher.
package vio

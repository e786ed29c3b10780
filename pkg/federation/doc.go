// Package federation implements the exchange of signed social-content events
// between independent instances without a central broker. It provides trust
// policy enforcement, an instance directory with well-known discovery, an
// append-only outbox log with cursor pagination, and an active-push delivery
// queue with bounded retries and exponential backoff, all composed by the
// Engine orchestrator.
package federation

// Package notify propagates job and curator lifecycle events (completions,
// rollbacks, orphan repairs) to observers through a pluggable bus with
// in-memory, NATS and Kafka backends. Notification is strictly best-effort
// and sits outside the transactional core: a failed publish is logged by the
// caller and never changes a job's outcome.
package notify

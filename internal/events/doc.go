// Package events carries the operator lifecycle event stream. Dispatch
// is synchronous and per-handler guarded: a panicking subscriber is
// logged and skipped without breaking delivery to the others. An
// optional AMQP mirror republishes the stream for external consumers.
package events

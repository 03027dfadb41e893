// Package protection provides the failure-isolation primitives shared by
// the authorization gate and the execution engine: per-target circuit
// breakers and per-origin token-bucket rate limiters. Both registries are
// explicitly constructed and injected rather than exposed as process
// singletons.
package protection

// Package redis provides Redis-backed storage for the operator runtime,
// currently a checkpoint store that delegates expiry to native key TTLs.
package redis

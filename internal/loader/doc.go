// Package loader retrieves model-weight artifacts and streams them to
// in-process consumers while persisting them in the durable cache.
//
// Concurrent loads of the same artifact share one session: a single source
// (cache entry or network response) feeds an append-only chunk log, and every
// consumer reads it through its own cursor. When the plan caches the result,
// an internal consumer streams the same log into the store after the quota
// guard has approved the write. Consumers never observe torn or unverified
// bytes; failures are delivered to every consumer of the session.
package loader

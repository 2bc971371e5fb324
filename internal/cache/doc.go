// Package cache defines the durable artifact store that sits behind the model
// loader. Entries are keyed by a canonical form of the artifact URL and hold the
// response headers plus the complete body. Every backend commits atomically
// (temp file + rename for the filesystem store, a single transaction for the
// badger store) and checks the declared integrity before the entry becomes
// visible, so Get never returns a torn or unverified artifact.
package cache

// Package transport owns the shared upstream HTTP client and turns transport
// failures into typed NetworkError values the loader can reason about.
package transport

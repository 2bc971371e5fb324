// Package pump turns an incremental byte source (an HTTP body or a cached
// file) into a pull-style sequence of chunks. A pump distinguishes a clean end
// of data from truncation and, when an expected digest is supplied, hashes
// every chunk and refuses to report completion unless the final digest
// matches. Higher layers never have to guess whether a short artifact is
// complete.
package pump

// Package server hosts the Fiber HTTP service: request-id middleware, the repo
// registry built from config, and the artifact handler that streams repository
// files through the shared loader. Diagnostics live in the routes subpackage and
// are registered on the same app, so keep exports narrow and accept explicit
// dependencies.
package server

// Package server hosts the Fiber HTTP service, the request middleware chain and
// the origin registry that maps Host headers onto the application origin or a
// configured cross-origin asset host. The registry doubles as the fetch
// resolver that rewrites client-visible URLs to their upstreams. Diagnostics
// routes live in the routes subpackage; request handling lives in proxy.
package server

// Package worker implements the offline cache controller: the install handler
// that populates the versioned precache, the activate handler that removes
// previous generations, and the fetch handler that picks a caching strategy for
// every intercepted GET request.
package worker

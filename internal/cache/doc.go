// Package cache implements the named cache storage used by the offline
// controller. Every cache name maps to one directory under StoragePath; every
// entry is a single file holding a JSON metadata line followed by the response
// body, written through temp file + rename so readers observe either the
// previous complete entry or the new one. Deleting a cache removes its
// directory in bulk. An optional in-memory layer memoises hot entries within a
// byte budget.
package cache

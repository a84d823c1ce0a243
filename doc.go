// Package minicached implements an in-memory key-value cache with memcached-style
// semantics: per-entry flags and TTL, lazy expiry, and optimistic concurrency via
// per-key CAS tokens. Every operation is atomic with respect to every other
// operation on the same Engine.
//
// Components:
//   - Engine: the cache itself. Owns the entry map and the per-key version
//     counters behind a single mutex.
//   - protocol: line-oriented memcached text protocol (request parsing and
//     reply framing).
//   - internal/server: TCP server, one goroutine per connection, all sharing
//     one Engine.
//   - client: text-protocol client SDK; client.Typed[V] adds codec-backed
//     typed values.
//
// CAS pattern (engine side):
//
//	it, ok := e.Get(key)                     // read value + token
//	v := modify(it.Value)
//	res := e.CompareAndSwap(key, v, it.Flags, 0, it.CAS)
//	// res == minicached.CASExists means another writer got there first
//
// The engine never raises for expected outcomes (miss, not-stored, CAS
// conflict); those are ordinary return values.
package minicached

// Package cache provides the response cache for EPSS API lookups: a
// uniform capability contract over interchangeable storage backends,
// deterministic key derivation, TTL expiry, and per-instance statistics.
//
// # Manager
//
// [Manager] is the only surface callers touch. It owns one active
// backend chosen at construction from configuration, and construction
// never fails: disabled caching, an unrecognized backend name, or a
// backend that cannot initialize (say, an unreachable Redis) all install
// an inert no-op backend, so callers never special-case "no cache". Per
// operation, backend failures are counted in statistics and downgraded
// to a miss (reads) or false (writes) — nothing below the Manager ever
// propagates past it.
//
// # Backends
//
//   - file: one file per key in a directory, JSON or msgpack payloads,
//     optional gzip, expiry from file mtime plus the configured TTL, and
//     an oldest-first size sweep after every write.
//   - redis: payloads as JSON text with expiry delegated to native Redis
//     TTL, via [github.com/redis/go-redis/v9].
//   - database: a single relational table (cache_key, data, created_at,
//     expires_at) with transactional expired-row cleanup on read and
//     single-statement upserts, via [modernc.org/sqlite].
//   - no-op: never stores anything; the disabled/fallback stand-in.
//
// # Keys
//
// Keys have the shape prefix:method:hash:date. The hash is an xxhash64
// digest of the canonical JSON form of the nil-stripped, key-sorted
// parameter map, so equal parameter sets always map to equal keys and
// entries for explicitly dated queries never collide with same-day ones.
//
// # Typed reads
//
// Backends deal in serialized payloads. [Get] is the generic typed
// accessor:
//
//	env, ok := cache.Get[epss.Envelope](ctx, m, "query", params)
//
// It decodes with whichever codec the entry was written with, so it
// works the same against every backend.
package cache

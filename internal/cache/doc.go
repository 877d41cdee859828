// Package cache defines the named partitions that hold captured origin
// responses. A Storage is a namespace of partitions (open/create, enumerate,
// delete); a Partition maps a request key ("GET /path?query") to a Response
// snapshot with atomic, last-write-wins Put/Match semantics.
//
// Several drivers implement the same contract: memory (tests, ephemeral
// deployments), fs (temp file + rename, the default), sqlite, redis and s3.
// WithQuota wraps any partition with a byte ceiling and rank-aware LRU
// eviction.
package cache

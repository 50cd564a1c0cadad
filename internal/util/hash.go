// Package util contains internal helpers (hashing, shard selection).
//revive:disable:var-naming  // allow 'util' as an internal helpers package name
package util

import "github.com/cespare/xxhash/v2"

// KeyHash hashes a shard name together with a cache key.
// The result depends only on the two strings, so it is stable across
// processes and machines.
func KeyHash(shard, key string) uint64 {
	d := xxhash.New()
	_, _ = d.WriteString(shard)
	_, _ = d.Write([]byte{0}) // separator: ("ab","c") != ("a","bc")
	_, _ = d.WriteString(key)
	return d.Sum64()
}

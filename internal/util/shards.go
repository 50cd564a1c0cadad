package util

import "runtime"

// PickShard returns the shard with the highest KeyHash(shard, key)
// (rendezvous hashing). shards must be non-empty; ties go to the earlier
// name, so callers should pass names in a fixed order.
//
// Removing a shard only moves the keys that lived on it; every other key
// keeps its shard.
func PickShard(key string, shards []string) string {
	best, bestScore := shards[0], KeyHash(shards[0], key)
	for _, s := range shards[1:] {
		if score := KeyHash(s, key); score > bestScore {
			best, bestScore = s, score
		}
	}
	return best
}

// ReasonableConcurrency picks a default bound for background workers:
// GOMAXPROCS, clamped to [1..64].
func ReasonableConcurrency() int {
	p := runtime.GOMAXPROCS(0)
	if p < 1 {
		p = 1
	}
	if p > 64 {
		p = 64
	}
	return p
}

package util

import (
	"math/rand/v2"
)

// Sharder spreads string keys over a power-of-two number of shards. Every Sharder
// draws its own seed, so two maps do not cluster the same keys.
type Sharder struct {
	seed uint64
	mask uint64
}

// NewSharder creates a Sharder for at least n shards (n is rounded up to a power
// of two, n < 1 means one shard)
func NewSharder(n int) Sharder {
	size := 1
	for size < n {
		size <<= 1
	}
	return Sharder{seed: rand.Uint64(), mask: uint64(size - 1)}
}

// Shards returns the number of shards
func (s Sharder) Shards() int {
	return int(s.mask) + 1
}

// Index returns the shard of key
func (s Sharder) Index(key string) int {
	h := fnv1a(s.seed, key)
	// the mask keeps only low bits, fold the high ones in
	return int((h ^ h>>32) & s.mask)
}

// fnv1a is the 64 bit FNV-1a hash with the seed mixed into the offset basis
func fnv1a(seed uint64, key string) uint64 {
	const (
		offsetBasis = 14695981039346656037
		prime       = 1099511628211
	)

	h := offsetBasis ^ seed
	for i := 0; i < len(key); i++ {
		h = (h ^ uint64(key[i])) * prime
	}
	return h
}

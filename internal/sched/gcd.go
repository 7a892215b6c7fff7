package sched

// gcdCache memoizes greatest-common-divisor results.
//
// The cache is keyed by the unordered pair: a lookup checks both orderings,
// so gcd(a, b) and gcd(b, a) share one entry. Entries are never evicted; the
// set of distinct period pairs a scheduler ever sees is small and stable.
//
// The cache is owned by a single Scheduler and mutated under its lock, so no
// internal synchronization is needed.
type gcdCache struct {
	memo map[gcdKey]int64

	// misses counts actual Euclid runs (cache hits excluded).
	misses int
}

type gcdKey struct{ x, y int64 }

func newGCDCache() *gcdCache {
	return &gcdCache{memo: map[gcdKey]int64{}}
}

func (c *gcdCache) gcd(x, y int64) int64 {
	if v, ok := c.memo[gcdKey{x, y}]; ok {
		return v
	}
	if v, ok := c.memo[gcdKey{y, x}]; ok {
		return v
	}
	v := euclid(x, y)
	c.memo[gcdKey{x, y}] = v
	c.misses++
	return v
}

// euclid computes the greatest common divisor via the iterative recurrence
// gcd(x, 0) = |x|, gcd(x, y) = gcd(y, x mod y). euclid(0, 0) is 0.
func euclid(x, y int64) int64 {
	for y != 0 {
		x, y = y, x%y
	}
	if x < 0 {
		return -x
	}
	return x
}

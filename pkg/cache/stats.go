package cache

import "sync/atomic"

// Statistics counts cache outcomes with atomic counters so the hot
// path never takes an extra lock.
type Statistics struct {
	hits        atomic.Int64
	misses      atomic.Int64
	expirations atomic.Int64
}

// Stats is a point-in-time copy of the cache counters.
type Stats struct {
	Hits        int64
	Misses      int64
	Expirations int64
}

// HitRate returns the fraction of lookups served from the cache, or 0
// when nothing has been looked up yet.
func (s Stats) HitRate() float64 {
	total := s.Hits + s.Misses
	if total == 0 {
		return 0
	}
	return float64(s.Hits) / float64(total)
}

func (s *Statistics) snapshot() Stats {
	return Stats{
		Hits:        s.hits.Load(),
		Misses:      s.misses.Load(),
		Expirations: s.expirations.Load(),
	}
}

package cache

import (
	"sync"
	"time"
)

// Stats tracks counters for one Manager instance. Counters are reset
// only by a successful Clear; Close leaves them intact.
type Stats struct {
	mu      sync.Mutex
	hits    int64
	misses  int64
	sets    int64
	deletes int64
	errors  int64
	start   time.Time
}

func newStats() *Stats {
	return &Stats{start: time.Now()}
}

func (s *Stats) recordHit()    { s.mu.Lock(); s.hits++; s.mu.Unlock() }
func (s *Stats) recordMiss()   { s.mu.Lock(); s.misses++; s.mu.Unlock() }
func (s *Stats) recordSet()    { s.mu.Lock(); s.sets++; s.mu.Unlock() }
func (s *Stats) recordDelete() { s.mu.Lock(); s.deletes++; s.mu.Unlock() }
func (s *Stats) recordError()  { s.mu.Lock(); s.errors++; s.mu.Unlock() }

// Snapshot is a point-in-time view of a Manager's statistics.
type Snapshot struct {
	Hits    int64   `json:"hits"`
	Misses  int64   `json:"misses"`
	Sets    int64   `json:"sets"`
	Deletes int64   `json:"deletes"`
	Errors  int64   `json:"errors"`
	HitRate float64 `json:"hit_rate"`
	Uptime  float64 `json:"uptime"` // seconds since Manager construction
	Enabled bool    `json:"enabled"`
	Backend string  `json:"backend"`
	TTL     int     `json:"ttl"` // seconds
}

func (s *Stats) snapshot() Snapshot {
	s.mu.Lock()
	defer s.mu.Unlock()
	snap := Snapshot{
		Hits:    s.hits,
		Misses:  s.misses,
		Sets:    s.sets,
		Deletes: s.deletes,
		Errors:  s.errors,
		Uptime:  time.Since(s.start).Seconds(),
	}
	if total := s.hits + s.misses; total > 0 {
		snap.HitRate = float64(s.hits) / float64(total)
	}
	return snap
}

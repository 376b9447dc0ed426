package cache

import (
	"sync/atomic"
)

// Stats counts cache-aside outcomes. A nil *Stats records nothing.
type Stats struct {
	hits    atomic.Uint64
	misses  atomic.Uint64
	errors  atomic.Uint64
	observe func(hit bool)
}

func NewStats() *Stats {
	return &Stats{}
}

// Observe registers fn to be called on every hit or miss, e.g. to feed a
// Prometheus counter. It must be set before the Stats is shared.
func (s *Stats) Observe(fn func(hit bool)) *Stats {
	s.observe = fn
	return s
}

func (s *Stats) RecordHit() {
	if s != nil {
		s.hits.Add(1)
		if s.observe != nil {
			s.observe(true)
		}
	}
}

func (s *Stats) RecordMiss() {
	if s != nil {
		s.misses.Add(1)
		if s.observe != nil {
			s.observe(false)
		}
	}
}

func (s *Stats) RecordError() {
	if s != nil {
		s.errors.Add(1)
	}
}

func (s *Stats) Snapshot() (hits, misses uint64, hitRate float64) {
	if s == nil {
		return 0, 0, 0
	}
	h := s.hits.Load()
	miss := s.misses.Load()
	total := h + miss

	if total == 0 {
		return h, miss, 0.0
	}

	return h, miss, float64(h) / float64(total)
}

func (s *Stats) Errors() uint64 {
	if s == nil {
		return 0
	}
	return s.errors.Load()
}

func (s *Stats) Reset() {
	s.hits.Store(0)
	s.misses.Store(0)
	s.errors.Store(0)
}

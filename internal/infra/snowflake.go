package infra

import (
	"strconv"
	"sync"
	"time"
)

const (
	epoch          = int64(1640995200000)
	workerIDBits   = uint(10)
	sequenceBits   = uint(12)
	workerIDShift  = sequenceBits
	timestampShift = sequenceBits + workerIDBits
	sequenceMask   = int64(-1) ^ (int64(-1) << sequenceBits)
	workerIDMask   = int64(-1) ^ (int64(-1) << workerIDBits)

	// LocalIDPrefix marks ids minted on the client before the server acknowledged them.
	LocalIDPrefix = "local-"
)

// SnowflakeGenerator mints time-ordered ids for optimistic inserts.
type SnowflakeGenerator struct {
	mu        sync.Mutex
	workerID  int64
	sequence  int64
	timestamp int64
	now       func() time.Time
}

func NewSnowflakeGenerator(workerID int64) *SnowflakeGenerator {
	return &SnowflakeGenerator{
		workerID: workerID & workerIDMask,
		now:      time.Now,
	}
}

// WithClock overrides the time source; used with virtual clocks.
func (s *SnowflakeGenerator) WithClock(now func() time.Time) *SnowflakeGenerator {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.now = now
	return s
}

func (s *SnowflakeGenerator) Generate() int64 {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.now().UnixMilli()
	if now < s.timestamp {
		now = s.timestamp
	}

	if now == s.timestamp {
		s.sequence = (s.sequence + 1) & sequenceMask
		if s.sequence == 0 {
			// Sequence exhausted: borrow the next millisecond, a frozen clock never advances.
			now = s.timestamp + 1
		}
	} else {
		s.sequence = 0
	}

	s.timestamp = now

	return ((now - epoch) << timestampShift) |
		(s.workerID << workerIDShift) |
		s.sequence
}

// NewLocalID returns a temporary message id in the local namespace.
func (s *SnowflakeGenerator) NewLocalID() string {
	return LocalIDPrefix + strconv.FormatInt(s.Generate(), 36)
}

func (s *SnowflakeGenerator) ExtractTimestamp(id int64) time.Time {
	timestamp := (id >> timestampShift) + epoch
	return time.UnixMilli(timestamp)
}

func IsLocalID(id string) bool {
	return len(id) > len(LocalIDPrefix) && id[:len(LocalIDPrefix)] == LocalIDPrefix
}

package database

import (
	"sync"
	"time"
)

// Event IDs are time-ordered so ORDER BY id is chronological.
// Layout: 41 bits of milliseconds since snowflakeEpoch | 10 bits worker | 12 bits sequence.
const (
	workerIDBits   = 10
	sequenceBits   = 12
	workerIDShift  = sequenceBits
	timestampShift = sequenceBits + workerIDBits
	sequenceMask   = (1 << sequenceBits) - 1
	maxWorkerID    = (1 << workerIDBits) - 1
)

var snowflakeEpoch = time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC).UnixMilli()

// Snowflake generates unique, increasing 64-bit IDs
type Snowflake struct {
	epoch    int64
	workerID int64
	now      func() int64

	mu       sync.Mutex
	lastTime int64
	sequence int64
}

// NewSnowflake creates a generator; workerID outside 0-1023 becomes 0
func NewSnowflake(epoch, workerID int64) *Snowflake {
	if workerID < 0 || workerID > maxWorkerID {
		workerID = 0
	}
	return &Snowflake{
		epoch:    epoch,
		workerID: workerID,
		now:      func() int64 { return time.Now().UnixMilli() },
	}
}

// NextID returns the next ID. A clock that moves backwards keeps using
// the last seen millisecond.
func (s *Snowflake) NextID() int64 {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.now()
	if now < s.lastTime {
		now = s.lastTime
	}

	if now == s.lastTime {
		s.sequence = (s.sequence + 1) & sequenceMask
		if s.sequence == 0 {
			// 4096 IDs this millisecond; borrow the next one
			now++
		}
	} else {
		s.sequence = 0
	}
	s.lastTime = now

	return (now-s.epoch)<<timestampShift | s.workerID<<workerIDShift | s.sequence
}

// IDTime extracts the creation time from an ID made with epoch
func IDTime(id, epoch int64) time.Time {
	return time.UnixMilli(id>>timestampShift + epoch)
}

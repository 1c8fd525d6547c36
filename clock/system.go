// A thin wrapper over the system clock which can be implemented for use in tests.
package clock

import (
	"sync"
	"time"
)

type Clock interface {
	CurrentTimeMicro() uint64
	CurrentTimeMs() uint64
	CurrentTimeSec() uint64
	Now() time.Time
}

type systemClock struct{}

func NewSystemClock() Clock {
	return &systemClock{}
}

func (sc *systemClock) CurrentTimeMicro() uint64 {
	return uint64(time.Now().UnixMicro())
}

func (sc *systemClock) CurrentTimeMs() uint64 {
	return sc.CurrentTimeMicro() / 1000
}

func (sc *systemClock) CurrentTimeSec() uint64 {
	return sc.CurrentTimeMicro() / 1000000
}

func (sc *systemClock) Now() time.Time {
	return time.Now()
}

// ManualClock only moves when told to.
type ManualClock struct {
	lock *sync.Mutex
	now  time.Time
}

func NewManualClock(start time.Time) *ManualClock {
	return &ManualClock{lock: &sync.Mutex{}, now: start}
}

func (mc *ManualClock) Advance(d time.Duration) {
	mc.lock.Lock()
	defer mc.lock.Unlock()
	mc.now = mc.now.Add(d)
}

func (mc *ManualClock) Now() time.Time {
	mc.lock.Lock()
	defer mc.lock.Unlock()
	return mc.now
}

func (mc *ManualClock) CurrentTimeMicro() uint64 {
	return uint64(mc.Now().UnixMicro())
}

func (mc *ManualClock) CurrentTimeMs() uint64 {
	return mc.CurrentTimeMicro() / 1000
}

func (mc *ManualClock) CurrentTimeSec() uint64 {
	return mc.CurrentTimeMicro() / 1000000
}

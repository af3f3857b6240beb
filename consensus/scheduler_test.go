package consensus

import (
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestPeriodicSchedulerFiresRepeatedly(t *testing.T) {
	s := NewPeriodicScheduler()
	var count int32
	s.Arm(5*time.Millisecond, func() { atomic.AddInt32(&count, 1) })
	defer s.Cancel()

	assert.Eventually(t, func() bool { return atomic.LoadInt32(&count) >= 2 }, time.Second, 5*time.Millisecond)
}

func TestPeriodicSchedulerRearmCancelsPrevious(t *testing.T) {
	s := NewPeriodicScheduler()
	var firstCount, secondCount int32

	s.Arm(5*time.Millisecond, func() { atomic.AddInt32(&firstCount, 1) })
	time.Sleep(20 * time.Millisecond)
	s.Arm(5*time.Millisecond, func() { atomic.AddInt32(&secondCount, 1) })
	defer s.Cancel()

	assert.Eventually(t, func() bool { return atomic.LoadInt32(&secondCount) >= 2 }, time.Second, 5*time.Millisecond)

	snapshot := atomic.LoadInt32(&firstCount)
	time.Sleep(20 * time.Millisecond)
	assert.Equal(t, snapshot, atomic.LoadInt32(&firstCount))
}

func TestPeriodicSchedulerCancelStopsFiring(t *testing.T) {
	s := NewPeriodicScheduler()
	var count int32
	s.Arm(5*time.Millisecond, func() { atomic.AddInt32(&count, 1) })
	time.Sleep(15 * time.Millisecond)
	s.Cancel()

	snapshot := atomic.LoadInt32(&count)
	time.Sleep(30 * time.Millisecond)
	assert.Equal(t, snapshot, atomic.LoadInt32(&count))
}

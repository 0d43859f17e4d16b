package schedule

import (
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestSchedule_Fires(t *testing.T) {
	s := New()
	defer s.Stop()

	fired := make(chan struct{})
	s.Schedule("a", 10*time.Millisecond, func() { close(fired) })

	select {
	case <-fired:
	case <-time.After(time.Second):
		t.Fatal("timer never fired")
	}
	assert.False(t, s.Pending("a"), "fired key must be removed")
}

func TestCancel_Idempotent(t *testing.T) {
	s := New()
	defer s.Stop()

	var fired atomic.Int32
	s.Schedule("a", 20*time.Millisecond, func() { fired.Add(1) })
	s.Cancel("a")
	s.Cancel("a") // second cancel is a no-op
	s.Cancel("never-registered")

	time.Sleep(60 * time.Millisecond)
	assert.Equal(t, int32(0), fired.Load())
}

func TestSchedule_ReplaceSuppressesOldTimer(t *testing.T) {
	s := New()
	defer s.Stop()

	var old, new_ atomic.Int32
	s.Schedule("a", 10*time.Millisecond, func() { old.Add(1) })
	s.Schedule("a", 30*time.Millisecond, func() { new_.Add(1) })

	time.Sleep(80 * time.Millisecond)
	assert.Equal(t, int32(0), old.Load(), "replaced timer must not fire")
	assert.Equal(t, int32(1), new_.Load())
}

func TestStop_RejectsNewWork(t *testing.T) {
	s := New()
	var fired atomic.Int32
	s.Schedule("a", 10*time.Millisecond, func() { fired.Add(1) })
	s.Stop()
	s.Schedule("b", 5*time.Millisecond, func() { fired.Add(1) })

	time.Sleep(40 * time.Millisecond)
	assert.Equal(t, int32(0), fired.Load())
	assert.Equal(t, 0, s.Len())
}

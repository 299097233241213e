package timers

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

// fakeClock steps forward on demand.
type fakeClock struct {
	current time.Time
}

func (c *fakeClock) advance(d time.Duration) {
	c.current = c.current.Add(d)
}

func setupTimers() (*ProviderComputeTimers, *fakeClock) {
	clock := &fakeClock{current: time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)}
	t := New()
	t.now = func() time.Time { return clock.current }
	return t, clock
}

func TestStartFinish(t *testing.T) {
	timers, clock := setupTimers()

	timers.Start("s1")
	clock.advance(3 * time.Second)
	timers.Finish("s1")

	d, ok := timers.Duration("s1")
	assert.True(t, ok)
	assert.Equal(t, 3*time.Second, d)
}

func TestDurationWhileRunning(t *testing.T) {
	timers, clock := setupTimers()

	timers.Start("s1")
	clock.advance(time.Second)

	d, ok := timers.Duration("s1")
	assert.True(t, ok)
	assert.Equal(t, time.Second, d)
}

func TestFinishWithoutStart(t *testing.T) {
	timers, _ := setupTimers()

	timers.Finish("never-started")

	_, ok := timers.Duration("never-started")
	assert.False(t, ok)
}

func TestRestart(t *testing.T) {
	timers, clock := setupTimers()

	timers.Start("s1")
	clock.advance(5 * time.Second)
	timers.Start("s1") // restart discards the earlier reading
	clock.advance(2 * time.Second)
	timers.Finish("s1")

	d, ok := timers.Duration("s1")
	assert.True(t, ok)
	assert.Equal(t, 2*time.Second, d)
}

func TestRemove(t *testing.T) {
	timers, clock := setupTimers()

	timers.Start("s1")
	clock.advance(time.Second)
	timers.Finish("s1")
	timers.Remove("s1")

	_, ok := timers.Duration("s1")
	assert.False(t, ok)
}

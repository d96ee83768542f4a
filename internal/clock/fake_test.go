package clock

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var epoch = time.Date(2026, 1, 1, 12, 0, 0, 0, time.UTC)

func TestFakeAfterFuncFiresInDeadlineOrder(t *testing.T) {
	c := Fake(epoch)
	var order []int
	c.AfterFunc(3*time.Minute, func() { order = append(order, 3) })
	c.AfterFunc(1*time.Minute, func() { order = append(order, 1) })
	c.AfterFunc(2*time.Minute, func() { order = append(order, 2) })

	c.Advance(90 * time.Second)
	assert.Equal(t, []int{1}, order)

	c.Advance(5 * time.Minute)
	assert.Equal(t, []int{1, 2, 3}, order)
	assert.Equal(t, 0, c.PendingCount())
}

func TestFakeTimerStop(t *testing.T) {
	c := Fake(epoch)
	fired := false
	timer := c.AfterFunc(time.Minute, func() { fired = true })

	require.True(t, timer.Stop())
	assert.False(t, timer.Stop(), "second stop reports nothing to cancel")

	c.Advance(time.Hour)
	assert.False(t, fired)
}

func TestFakeTimerStopAfterFire(t *testing.T) {
	c := Fake(epoch)
	timer := c.AfterFunc(time.Minute, func() {})
	c.Advance(time.Minute)
	assert.False(t, timer.Stop())
}

func TestFakeNowAndAfter(t *testing.T) {
	c := Fake(epoch)
	ch := c.After(time.Second)

	select {
	case <-ch:
		t.Fatal("fired before advance")
	default:
	}

	c.Advance(time.Second)
	got := <-ch
	assert.Equal(t, epoch.Add(time.Second), got)
	assert.Equal(t, epoch.Add(time.Second), c.Now())
}

func TestFakeTickerReschedules(t *testing.T) {
	c := Fake(epoch)
	ticker := c.NewTicker(10 * time.Second)
	defer ticker.Stop()

	c.Advance(10 * time.Second)
	<-ticker.C
	c.Advance(10 * time.Second)
	<-ticker.C
	assert.Equal(t, 1, c.PendingCount())
}

func TestFakeWaitForTimers(t *testing.T) {
	c := Fake(epoch)
	done := make(chan struct{})
	go func() {
		c.Sleep(time.Minute)
		close(done)
	}()
	c.WaitForTimers(1)
	c.Advance(time.Minute)
	<-done
}

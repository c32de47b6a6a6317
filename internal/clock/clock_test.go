package clock

import (
	"testing"
	"time"
)

func TestFakeAfterAdvances(t *testing.T) {
	start := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	c := Fake(start)

	fired := <-c.After(2 * time.Second)
	if !fired.Equal(start.Add(2 * time.Second)) {
		t.Errorf("fired at %v, want %v", fired, start.Add(2*time.Second))
	}
	c.Advance(500 * time.Millisecond)
	<-c.After(0)

	if got := c.Now(); !got.Equal(start.Add(2500 * time.Millisecond)) {
		t.Errorf("Now() = %v", got)
	}
	waits := c.Waits()
	if len(waits) != 2 || waits[0] != 2*time.Second || waits[1] != 0 {
		t.Errorf("Waits() = %v", waits)
	}
}

package clock

import (
	"testing"
	"time"
)

var epoch = time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)

func TestFakeClockAdvance(t *testing.T) {
	c := Fake(epoch)
	c.Advance(90 * time.Second)
	if got := c.Now(); !got.Equal(epoch.Add(90 * time.Second)) {
		t.Fatalf("Now() = %v", got)
	}
}

func TestFakeTickerFiresOnlyAfterInterval(t *testing.T) {
	c := Fake(epoch)
	ticker := c.NewTicker(10 * time.Second)
	defer ticker.Stop()

	c.Advance(9 * time.Second)
	select {
	case <-ticker.C:
		t.Fatal("ticker fired early")
	default:
	}

	c.Advance(time.Second)
	select {
	case <-ticker.C:
	default:
		t.Fatal("ticker did not fire at deadline")
	}
}

func TestFakeTickerDropsOverflow(t *testing.T) {
	c := Fake(epoch)
	ticker := c.NewTicker(time.Second)

	c.Advance(time.Second)
	c.Advance(time.Second)
	<-ticker.C
	select {
	case <-ticker.C:
		t.Fatal("expected second tick to be dropped while the first was unread")
	default:
	}
}

func TestFakeTickerStop(t *testing.T) {
	c := Fake(epoch)
	ticker := c.NewTicker(time.Second)
	if c.ActiveTickers() != 1 {
		t.Fatalf("expected 1 active ticker")
	}
	ticker.Stop()
	c.Advance(5 * time.Second)
	select {
	case <-ticker.C:
		t.Fatal("stopped ticker fired")
	default:
	}
	if c.ActiveTickers() != 0 {
		t.Fatalf("expected no active tickers")
	}
}

func TestWaitForTickers(t *testing.T) {
	c := Fake(epoch)
	done := make(chan struct{})
	go func() {
		c.WaitForTickers(1)
		close(done)
	}()
	c.NewTicker(time.Second)
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("WaitForTickers did not return")
	}
}

// README: Tests for the fake clock.
package clock

import (
	"testing"
	"time"
)

func TestFakeAdvanceFiresWaiters(t *testing.T) {
	start := time.Date(2024, 3, 4, 8, 0, 0, 0, time.UTC)
	f := NewFake(start)

	ch := f.After(100 * time.Millisecond)
	select {
	case <-ch:
		t.Fatal("waiter fired before advance")
	default:
	}

	f.Advance(50 * time.Millisecond)
	select {
	case <-ch:
		t.Fatal("waiter fired too early")
	default:
	}

	f.Advance(50 * time.Millisecond)
	select {
	case got := <-ch:
		if !got.Equal(start.Add(100 * time.Millisecond)) {
			t.Fatalf("fired at %v", got)
		}
	default:
		t.Fatal("waiter did not fire")
	}
}

func TestFakeNow(t *testing.T) {
	start := time.Date(2024, 3, 4, 8, 0, 0, 0, time.UTC)
	f := NewFake(start)
	f.Advance(time.Hour)
	if got := f.Now(); !got.Equal(start.Add(time.Hour)) {
		t.Fatalf("Now = %v", got)
	}
}

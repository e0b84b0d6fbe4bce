package authenticator

import (
	"testing"
	"time"
)

func TestAttemptTrackerCoolDown(t *testing.T) {
	tracker := newAttemptTracker(3, time.Minute)
	now := time.Unix(1700000000, 0)

	for i := 1; i <= 3; i++ {
		ok, attempt := tracker.allowed("peer", "PSK", now)
		if !ok || attempt != i {
			t.Fatalf("attempt %d: allowed=%v attempt=%d", i, ok, attempt)
		}
		if started := tracker.failed("peer", "PSK", now); started != (i == 3) {
			t.Errorf("failure %d: cool-down started=%v", i, started)
		}
	}
	if ok, _ := tracker.allowed("peer", "PSK", now.Add(59*time.Second)); ok {
		t.Error("PSK allowed during cool-down")
	}
	if ok, _ := tracker.allowed("peer", "ANON", now); !ok {
		t.Error("cool-down leaked to another mechanism")
	}
	if ok, _ := tracker.allowed("other", "PSK", now); !ok {
		t.Error("cool-down leaked to another peer")
	}
	ok, attempt := tracker.allowed("peer", "PSK", now.Add(time.Minute))
	if !ok || attempt != 1 {
		t.Errorf("after cool-down: allowed=%v attempt=%d", ok, attempt)
	}
}

func TestAttemptTrackerReset(t *testing.T) {
	tracker := newAttemptTracker(2, time.Minute)
	now := time.Unix(1700000000, 0)

	tracker.failed("peer", "SPEKE", now)
	tracker.succeeded("peer", "SPEKE")
	if _, attempt := tracker.allowed("peer", "SPEKE", now); attempt != 1 {
		t.Errorf("success did not reset count, next attempt %d", attempt)
	}

	tracker.failed("peer", "SPEKE", now)
	tracker.failed("peer", "SPEKE", now)
	tracker.forget("peer")
	if ok, _ := tracker.allowed("peer", "SPEKE", now); !ok {
		t.Error("forget did not lift cool-down")
	}
}

package ratelimit

import (
	"testing"
	"time"
)

func TestConnectionLimiterAllowsUpToMax(t *testing.T) {
	l := NewConnectionLimiter(3, time.Minute)
	for i := 0; i < 3; i++ {
		if !l.Allow("1.2.3.4") {
			t.Fatalf("attempt %d: expected allowed", i)
		}
	}
	if l.Allow("1.2.3.4") {
		t.Fatal("4th attempt within window should be rejected")
	}
}

func TestConnectionLimiterResetsAfterWindow(t *testing.T) {
	l := NewConnectionLimiter(1, 20*time.Millisecond)
	if !l.Allow("1.2.3.4") {
		t.Fatal("first attempt should be allowed")
	}
	if l.Allow("1.2.3.4") {
		t.Fatal("second attempt within window should be rejected")
	}
	time.Sleep(40 * time.Millisecond)
	if !l.Allow("1.2.3.4") {
		t.Fatal("attempt after window elapses should be allowed")
	}
}

func TestConnectionLimiterTracksIPsIndependently(t *testing.T) {
	l := NewConnectionLimiter(1, time.Minute)
	if !l.Allow("1.1.1.1") || !l.Allow("2.2.2.2") {
		t.Fatal("distinct IPs should each get their own quota")
	}
}

func TestConnectionLimiterDisabledWhenZero(t *testing.T) {
	l := NewConnectionLimiter(0, time.Minute)
	for i := 0; i < 100; i++ {
		if !l.Allow("1.2.3.4") {
			t.Fatal("max=0 should disable the limiter")
		}
	}
}

func TestMessageLimiterPerConnection(t *testing.T) {
	l := NewMessageLimiter(2)
	if !l.Allow(1) || !l.Allow(1) {
		t.Fatal("first two messages should be allowed")
	}
	if l.Allow(1) {
		t.Fatal("third message within the second should be rejected")
	}
	if !l.Allow(2) {
		t.Fatal("a different connection should have its own quota")
	}
}

func TestMessageLimiterForget(t *testing.T) {
	l := NewMessageLimiter(1)
	l.Allow(5)
	l.Forget(5)
	if !l.Allow(5) {
		t.Fatal("forgetting a connection should reset its quota")
	}
}

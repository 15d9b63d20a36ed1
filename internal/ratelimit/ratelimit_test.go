package ratelimit

import (
	"testing"
)

func TestLimiter_Allow_NoConfig(t *testing.T) {
	l := New()
	for i := 0; i < 100; i++ {
		if !l.Allow("unknown") {
			t.Fatal("expected allow for unconfigured endpoint")
		}
	}
}

func TestLimiter_Allow_Configured(t *testing.T) {
	l := New()
	l.Set("orders", Limit{RPS: 1, Burst: 1})

	if !l.Allow("orders") {
		t.Fatal("expected first request to be allowed")
	}
	if l.Allow("orders") {
		t.Fatal("expected second request to be rate limited")
	}
}

func TestLimiter_Set_RemovesOnZero(t *testing.T) {
	l := New()
	l.Set("orders", Limit{RPS: 1, Burst: 1})
	l.Allow("orders")

	l.Set("orders", Limit{})
	if _, ok := l.Get("orders"); ok {
		t.Fatal("expected limit to be removed")
	}
	for i := 0; i < 100; i++ {
		if !l.Allow("orders") {
			t.Fatal("expected allow after removing rate limit")
		}
	}
}

func TestLimiter_Burst(t *testing.T) {
	tests := []struct {
		name  string
		limit Limit
		want  int
	}{
		{"explicit burst", Limit{RPS: 1, Burst: 3}, 3},
		{"burst from rps", Limit{RPS: 5}, 5},
		{"fractional rps", Limit{RPS: 0.5}, 1},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			l := New()
			l.Set("svc", tt.limit)
			allowed := 0
			for i := 0; i < tt.want+2; i++ {
				if l.Allow("svc") {
					allowed++
				}
			}
			if allowed != tt.want {
				t.Errorf("expected %d allowed, got %d", tt.want, allowed)
			}
		})
	}
}

func TestLimiter_Reserve_RetryAfter(t *testing.T) {
	l := New()
	l.Set("svc", Limit{RPS: 1, Burst: 1})

	if ok, wait := l.Reserve("svc"); !ok || wait != 0 {
		t.Fatalf("expected immediate admission, got ok=%v wait=%v", ok, wait)
	}
	ok, wait := l.Reserve("svc")
	if ok {
		t.Fatal("expected rejection")
	}
	if wait <= 0 {
		t.Errorf("expected positive retry-after, got %v", wait)
	}
}

func TestLimiter_SetUnchangedKeepsBucket(t *testing.T) {
	l := New()
	l.Set("svc", Limit{RPS: 1, Burst: 1})
	l.Allow("svc")

	l.Set("svc", Limit{RPS: 1, Burst: 1})
	if l.Allow("svc") {
		t.Fatal("expected reload with same limit to keep the drained bucket")
	}
}

func TestLimiter_MultipleEndpoints(t *testing.T) {
	l := New()
	l.Set("a", Limit{RPS: 1, Burst: 1})
	l.Set("b", Limit{RPS: 1, Burst: 1})

	if !l.Allow("a") || !l.Allow("b") {
		t.Fatal("expected first request on each endpoint to be allowed")
	}
	if l.Allow("a") {
		t.Fatal("expected endpoint a to be limited")
	}
	if !l.Allow("c") {
		t.Fatal("expected unconfigured endpoint to be allowed")
	}
}

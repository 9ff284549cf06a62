package inflight

import "testing"

func TestAcquireReleaseRoundTrip(t *testing.T) {
	s := New()
	if !s.TryAcquire("alpha", "spawn") {
		t.Fatal("expected first acquire to succeed")
	}
	if s.TryAcquire("alpha", "evict") {
		t.Fatal("expected second acquire on same tenant to fail")
	}
	if !s.IsInFlight("alpha") {
		t.Fatal("expected alpha to be in-flight")
	}
	if op := s.Op("alpha"); op != "spawn" {
		t.Fatalf("Op() = %q, want spawn", op)
	}
	s.Release("alpha")
	if s.IsInFlight("alpha") {
		t.Fatal("expected alpha to be released")
	}
	if !s.TryAcquire("alpha", "evict") {
		t.Fatal("expected acquire after release to succeed")
	}
}

func TestIndependentTenants(t *testing.T) {
	s := New()
	if !s.TryAcquire("alpha", "spawn") || !s.TryAcquire("beta", "spawn") {
		t.Fatal("expected independent tenants to acquire independently")
	}
}

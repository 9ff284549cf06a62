package execw

import (
	"context"
	"testing"
	"time"
)

func TestRunSuccess(t *testing.T) {
	r := New()
	res, err := r.Run(context.Background(), time.Second, "echo", "hello")
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if res.ExitCode != 0 {
		t.Fatalf("ExitCode = %d, want 0", res.ExitCode)
	}
	if got := res.Combined(); got != "hello" {
		t.Fatalf("Combined() = %q, want %q", got, "hello")
	}
}

func TestRunFailure(t *testing.T) {
	r := New()
	_, err := r.Run(context.Background(), time.Second, "false")
	if err == nil {
		t.Fatal("expected error for non-zero exit")
	}
}

func TestRunTimeout(t *testing.T) {
	r := New()
	_, err := r.Run(context.Background(), 50*time.Millisecond, "sleep", "5")
	if err == nil {
		t.Fatal("expected timeout error")
	}
}

func TestUncheckedNeverPanics(t *testing.T) {
	r := New()
	res := r.Unchecked(context.Background(), time.Second, "false")
	if res.ExitCode == 0 {
		t.Fatalf("expected non-zero exit code from false, got %d", res.ExitCode)
	}
}

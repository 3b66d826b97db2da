package fn

import (
	"context"
	"errors"
	"testing"
	"time"
)

func TestResult_Basics(t *testing.T) {
	ok := Ok(42)
	if !ok.IsOk() || ok.IsErr() {
		t.Error("Ok result misreported")
	}
	v, err := ok.Unwrap()
	if v != 42 || err != nil {
		t.Errorf("unexpected unwrap: %d, %v", v, err)
	}

	boom := errors.New("boom")
	bad := Err[int](boom)
	if bad.IsOk() {
		t.Error("Err result misreported")
	}
	if _, err := bad.Unwrap(); !errors.Is(err, boom) {
		t.Errorf("Err unwrap lost the error: %v", err)
	}
	if got := FromPair(3, nil); got.IsErr() {
		t.Error("FromPair with nil error should be ok")
	}
	if got := FromPair(0, boom); got.IsOk() {
		t.Error("FromPair with error should be err")
	}
}

func TestThen_ShortCircuits(t *testing.T) {
	boom := errors.New("boom")
	first := func(_ context.Context, n int) Result[int] { return Err[int](boom) }
	var called bool
	second := func(_ context.Context, n int) Result[string] {
		called = true
		return Ok("never")
	}
	r := Then(first, second)(context.Background(), 1)
	if _, err := r.Unwrap(); !errors.Is(err, boom) {
		t.Errorf("expected boom, got %v", err)
	}
	if called {
		t.Error("second stage ran after failure")
	}
}

func TestThen_ChainsValues(t *testing.T) {
	double := func(_ context.Context, n int) Result[int] { return Ok(n * 2) }
	inc := func(_ context.Context, n int) Result[int] { return Ok(n + 1) }
	got, err := Then(double, inc)(context.Background(), 3).Unwrap()
	if err != nil || got != 7 {
		t.Fatalf("expected 7, got %d (%v)", got, err)
	}
}

func TestRetry_EventualSuccess(t *testing.T) {
	attempts := 0
	opts := RetryOpts{MaxAttempts: 4, InitialWait: time.Millisecond, MaxWait: 5 * time.Millisecond}
	r := Retry(context.Background(), opts, func(context.Context) Result[string] {
		attempts++
		if attempts < 3 {
			return Err[string](errors.New("flaky"))
		}
		return Ok("done")
	})
	if v, err := r.Unwrap(); err != nil || v != "done" {
		t.Fatalf("expected success, got %v %v", v, err)
	}
	if attempts != 3 {
		t.Errorf("expected 3 attempts, got %d", attempts)
	}
}

func TestRetry_RetryIfStopsEarly(t *testing.T) {
	permanent := errors.New("permanent")
	attempts := 0
	opts := RetryOpts{
		MaxAttempts: 5,
		InitialWait: time.Millisecond,
		MaxWait:     time.Millisecond,
		RetryIf:     func(err error) bool { return !errors.Is(err, permanent) },
	}
	r := Retry(context.Background(), opts, func(context.Context) Result[int] {
		attempts++
		return Err[int](permanent)
	})
	if _, err := r.Unwrap(); !errors.Is(err, permanent) {
		t.Fatalf("expected permanent error, got %v", err)
	}
	if attempts != 1 {
		t.Errorf("expected 1 attempt, got %d", attempts)
	}
}

func TestRetry_ContextCancelled(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	opts := RetryOpts{MaxAttempts: 3, InitialWait: 10 * time.Millisecond, MaxWait: time.Second}
	r := Retry(ctx, opts, func(context.Context) Result[int] {
		return Err[int](errors.New("flaky"))
	})
	if _, err := r.Unwrap(); !errors.Is(err, context.Canceled) {
		t.Errorf("expected context.Canceled, got %v", err)
	}
}

func TestSliceHelpers(t *testing.T) {
	if got := Map([]int{1, 2}, func(n int) int { return n * 10 }); got[1] != 20 {
		t.Errorf("Map: %v", got)
	}
	if got := Filter([]int{1, 2, 3, 4}, func(n int) bool { return n%2 == 0 }); len(got) != 2 {
		t.Errorf("Filter: %v", got)
	}
	chunks := Chunk([]int{1, 2, 3, 4, 5}, 2)
	if len(chunks) != 3 || len(chunks[2]) != 1 {
		t.Errorf("Chunk: %v", chunks)
	}
	if Chunk([]int{1}, 0) != nil {
		t.Error("Chunk with n<=0 should be nil")
	}
}

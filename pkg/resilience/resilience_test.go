// SPDX-License-Identifier: Apache-2.0
package resilience

import (
	"context"
	stderrors "errors"
	"sync"
	"testing"
	"time"

	"github.com/fe1fan/raven/pkg/errors"
)

func transient(msg string) error {
	return errors.New(errors.CodeProviderUnavailable, msg, nil).WithRecoverable(true)
}

func fastRetry() RetryConfig {
	return DefaultRetryConfig().WithInitialDelay(time.Millisecond).WithMaxDelay(5 * time.Millisecond)
}

func TestRetryAttempts(t *testing.T) {
	tests := []struct {
		name      string
		failures  []error
		wantCalls int
		wantErr   bool
	}{
		{"first try", nil, 1, false},
		{"recovers", []error{transient("down")}, 2, false},
		{"exhausted", []error{transient("a"), transient("b"), transient("c"), transient("d")}, 3, true},
		{"plain errors are not replayed", []error{stderrors.New("side effect may have happened")}, 1, true},
		{"unrecoverable code", []error{errors.New(errors.CodeInvalidParams, "bad input", nil)}, 1, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			calls := 0
			err := fastRetry().WithMaxAttempts(3).Do(context.Background(), func() error {
				calls++
				if calls <= len(tt.failures) {
					return tt.failures[calls-1]
				}
				return nil
			})
			if (err != nil) != tt.wantErr {
				t.Errorf("unexpected error %v", err)
			}
			if calls != tt.wantCalls {
				t.Errorf("expected %d calls, got %d", tt.wantCalls, calls)
			}
		})
	}
}

func TestRetryStopsWhenContextEnds(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	time.AfterFunc(20*time.Millisecond, cancel)

	calls := 0
	err := DefaultRetryConfig().WithInitialDelay(time.Second).Do(ctx, func() error {
		calls++
		return transient("transient")
	})
	if !errors.IsCode(err, errors.CodeCancelled) || calls != 1 {
		t.Errorf("expected CANCELLED after one call, got %v after %d", err, calls)
	}
	if re := errors.AsRavenError(err); re.Context["max_attempts"] != 3 {
		t.Errorf("expected attempt context, got %v", re.Context)
	}

	ctx, cancel = context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()
	err = DefaultRetryConfig().WithInitialDelay(time.Second).Do(ctx, func() error { return transient("transient") })
	if !errors.IsCode(err, errors.CodeTimeout) {
		t.Errorf("expected TIMEOUT, got %v", err)
	}
}

func TestRetryValueAndHook(t *testing.T) {
	var retried []int
	calls := 0
	rc := fastRetry().WithOnRetry(func(attempt int, _ error) { retried = append(retried, attempt) })
	v, err := Retry(context.Background(), rc, func() (string, error) {
		if calls++; calls < 3 {
			return "", transient("transient")
		}
		return "success", nil
	})
	if err != nil || v != "success" {
		t.Fatalf("expected success, got %q %v", v, err)
	}
	if len(retried) != 2 || retried[0] != 1 || retried[1] != 2 {
		t.Errorf("unexpected retry hook calls %v", retried)
	}
}

func TestRetryCustomClassifier(t *testing.T) {
	calls := 0
	rc := fastRetry().WithIsRecoverable(func(error) bool { return true })
	_ = rc.Do(context.Background(), func() error { calls++; return stderrors.New("flaky") })
	if calls != 3 {
		t.Errorf("expected every error to be retried, got %d calls", calls)
	}
}

func TestBackoffCapped(t *testing.T) {
	rc := RetryConfig{InitialDelay: 10 * time.Millisecond, MaxDelay: 30 * time.Millisecond, Multiplier: 2}
	for attempt, want := range map[int]time.Duration{
		1:  10 * time.Millisecond,
		2:  20 * time.Millisecond,
		3:  30 * time.Millisecond,
		60: 30 * time.Millisecond,
	} {
		if got := rc.backoff(attempt); got != want {
			t.Errorf("attempt %d: expected %v, got %v", attempt, want, got)
		}
	}

	rc.Jitter = 0.5
	for i := 0; i < 50; i++ {
		if d := rc.backoff(1); d < 5*time.Millisecond || d > 15*time.Millisecond {
			t.Fatalf("jittered delay %v out of range", d)
		}
	}
}

type clock struct{ now time.Time }

func (c *clock) Now() time.Time          { return c.now }
func (c *clock) Advance(d time.Duration) { c.now = c.now.Add(d) }

func newTestBreaker(cfg CircuitBreakerConfig) (*CircuitBreaker, *clock) {
	c := &clock{now: time.Unix(1_700_000_000, 0)}
	cb := NewCircuitBreaker(cfg)
	cb.now = c.Now
	return cb, c
}

func TestCircuitBreakerTransitions(t *testing.T) {
	cb, clk := newTestBreaker(CircuitBreakerConfig{FailureThreshold: 2, SuccessThreshold: 2, Timeout: time.Second, Name: "kv"})

	steps := []struct {
		do   func()
		want CircuitBreakerState
	}{
		{cb.Failure, StateClosed},
		{cb.Success, StateClosed}, // non-consecutive failures do not count
		{cb.Failure, StateClosed},
		{cb.Failure, StateOpen},
		{func() { clk.Advance(2 * time.Second); _ = cb.Allow() }, StateHalfOpen},
		{cb.Success, StateHalfOpen},
		{cb.Failure, StateOpen}, // a failed probe reopens
		{func() { clk.Advance(2 * time.Second); _ = cb.Allow() }, StateHalfOpen},
		{cb.Success, StateHalfOpen},
		{cb.Success, StateClosed},
	}
	for i, s := range steps {
		s.do()
		if got := cb.State(); got != s.want {
			t.Fatalf("step %d: expected %s, got %s", i, s.want, got)
		}
	}
}

func TestCircuitBreakerRejectsWhileOpen(t *testing.T) {
	cb, clk := newTestBreaker(CircuitBreakerConfig{FailureThreshold: 1, Timeout: time.Second, Name: "kv"})
	_ = cb.Call(context.Background(), func() error { return stderrors.New("failure") })

	err := cb.Call(context.Background(), func() error {
		t.Fatal("an open breaker must not run the call")
		return nil
	})
	if !errors.IsCode(err, errors.CodeProviderUnavailable) {
		t.Fatalf("expected PROVIDER_UNAVAILABLE, got %v", err)
	}
	re := errors.AsRavenError(err)
	if !re.Recoverable || re.Context["breaker"] != "kv" {
		t.Errorf("expected a recoverable error naming the breaker, got %+v", re)
	}

	clk.Advance(time.Second)
	if cb.Allow() == nil {
		t.Error("the cooldown has to be exceeded, not just reached")
	}
}

func TestCircuitBreakerStateChangeHook(t *testing.T) {
	var mu sync.Mutex
	var transitions []CircuitBreakerState
	cb := NewCircuitBreaker(CircuitBreakerConfig{
		FailureThreshold: 1,
		Name:             "hook",
		OnStateChange: func(name string, _, to CircuitBreakerState) {
			mu.Lock()
			defer mu.Unlock()
			if name != "hook" {
				t.Errorf("unexpected breaker name %q", name)
			}
			transitions = append(transitions, to)
		},
	})

	cb.Failure()
	cb.Reset()
	cb.Reset()
	cb.Open()

	mu.Lock()
	defer mu.Unlock()
	if len(transitions) != 3 || transitions[0] != StateOpen || transitions[1] != StateClosed || transitions[2] != StateOpen {
		t.Errorf("unexpected transitions %v", transitions)
	}
}

func TestCircuitBreakerDoesNotSerializeCalls(t *testing.T) {
	cb := NewCircuitBreaker(CircuitBreakerConfig{Name: "concurrent"})
	release := make(chan struct{})
	started := make(chan struct{}, 2)

	var wg sync.WaitGroup
	for i := 0; i < 2; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_ = cb.Call(context.Background(), func() error {
				started <- struct{}{}
				<-release
				return nil
			})
		}()
	}
	for i := 0; i < 2; i++ {
		select {
		case <-started:
		case <-time.After(time.Second):
			t.Fatal("calls were serialized behind the breaker")
		}
	}
	close(release)
	wg.Wait()
}

func TestStateValue(t *testing.T) {
	if StateOpen.Value() != 0 || StateHalfOpen.Value() != 1 || StateClosed.Value() != 2 {
		t.Errorf("unexpected gauge mapping")
	}
}

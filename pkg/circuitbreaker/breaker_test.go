package circuitbreaker

import (
	"context"
	"errors"
	"testing"
	"time"
)

func TestBreakerOpensAfterConsecutiveFailures(t *testing.T) {
	var transitions []State
	cfg := DefaultConfig("pharmacy")
	cfg.FailureThreshold = 3
	cfg.Timeout = time.Hour

	cb, err := New(cfg, func(name string, from, to State) {
		transitions = append(transitions, to)
	}, nil)
	if err != nil {
		t.Fatalf("new failed: %v", err)
	}

	boom := errors.New("connection refused")
	for i := 0; i < 3; i++ {
		if _, err := cb.Execute(context.Background(), func() (interface{}, error) { return nil, boom }); !errors.Is(err, boom) {
			t.Fatalf("attempt %d: expected boom, got %v", i, err)
		}
	}

	if !cb.IsOpen() {
		t.Fatalf("state = %s, want open", cb.GetState())
	}
	_, err = cb.Execute(context.Background(), func() (interface{}, error) { return "ok", nil })
	if !IsOpenError(err) {
		t.Errorf("expected open-circuit error, got %v", err)
	}
	if len(transitions) != 1 || transitions[0] != StateOpen {
		t.Errorf("transitions = %v", transitions)
	}
}

func TestCancelledCallsDoNotTrip(t *testing.T) {
	cfg := DefaultConfig("pharmacy")
	cfg.FailureThreshold = 1
	cb, _ := New(cfg, nil, nil)

	_, err := cb.Execute(context.Background(), func() (interface{}, error) { return nil, context.Canceled })
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("expected cancellation, got %v", err)
	}
	if !cb.IsClosed() {
		t.Errorf("state = %s, want closed", cb.GetState())
	}
}

func TestManager(t *testing.T) {
	m := NewManager(nil, nil)
	a, err := m.GetOrCreate("b-endpoint", DefaultConfig(""))
	if err != nil {
		t.Fatalf("create failed: %v", err)
	}
	again, _ := m.GetOrCreate("b-endpoint", DefaultConfig(""))
	if a != again {
		t.Error("expected the same breaker")
	}
	if a.Name() != "b-endpoint" {
		t.Errorf("name = %s", a.Name())
	}
	_, _ = m.GetOrCreate("a-endpoint", DefaultConfig(""))

	statuses := m.GetHealthStatus()
	if len(statuses) != 2 || statuses[0].Name != "a-endpoint" || !statuses[0].Healthy {
		t.Errorf("statuses = %+v", statuses)
	}

	m.Remove("a-endpoint")
	if _, ok := m.Get("a-endpoint"); ok {
		t.Error("breaker not removed")
	}
}

func TestStateLevel(t *testing.T) {
	if StateClosed.Level() != 0 || StateHalfOpen.Level() != 1 || StateOpen.Level() != 2 {
		t.Error("unexpected levels")
	}
}

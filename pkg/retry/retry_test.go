package retry

import (
	"context"
	"errors"
	"testing"
	"time"

	minerErrors "github.com/bardlex/gominer/pkg/errors"
)

func TestPresets(t *testing.T) {
	tests := []struct {
		name        string
		config      *Config
		maxAttempts int
		baseDelay   time.Duration
	}{
		{"default", DefaultConfig(), 3, 100 * time.Millisecond},
		{"rpc", RPCConfig(), 3, 250 * time.Millisecond},
		{"storage", StorageConfig(), 3, 200 * time.Millisecond},
		{"fixed", FixedConfig(time.Second, 2*time.Minute), 0, time.Second},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if tt.config.MaxAttempts != tt.maxAttempts {
				t.Errorf("MaxAttempts = %d, want %d", tt.config.MaxAttempts, tt.maxAttempts)
			}
			if tt.config.BaseDelay != tt.baseDelay {
				t.Errorf("BaseDelay = %v, want %v", tt.config.BaseDelay, tt.baseDelay)
			}
		})
	}
}

func TestDo_Success(t *testing.T) {
	config := &Config{MaxAttempts: 3, BaseDelay: time.Millisecond, MaxDelay: 10 * time.Millisecond, Multiplier: 2}

	callCount := 0
	err := Do(context.Background(), config, func() error {
		callCount++
		if callCount == 1 {
			return minerErrors.New(minerErrors.ErrorTypeNetwork, "test", "retryable error")
		}
		return nil
	})
	if err != nil {
		t.Errorf("Expected success, got error: %v", err)
	}
	if callCount != 2 {
		t.Errorf("Expected 2 calls, got %d", callCount)
	}
}

func TestDo_MaxAttemptsReached(t *testing.T) {
	config := &Config{MaxAttempts: 2, BaseDelay: time.Millisecond, MaxDelay: 10 * time.Millisecond, Multiplier: 2}

	callCount := 0
	err := Do(context.Background(), config, func() error {
		callCount++
		return minerErrors.New(minerErrors.ErrorTypeNetwork, "test", "persistent error")
	})
	if err == nil {
		t.Fatal("Expected error after max attempts")
	}
	if callCount != 2 {
		t.Errorf("Expected 2 calls, got %d", callCount)
	}
	if !minerErrors.IsType(err, minerErrors.ErrorTypeTimeout) {
		t.Error("Expected exhausted retries to be reported as timeout")
	}
	if !minerErrors.IsType(err, minerErrors.ErrorTypeNetwork) {
		t.Error("Expected cause type to be preserved")
	}
}

func TestDo_MaxElapsedWindow(t *testing.T) {
	config := FixedConfig(10*time.Millisecond, 35*time.Millisecond)

	callCount := 0
	start := time.Now()
	err := Do(context.Background(), config, func() error {
		callCount++
		return minerErrors.New(minerErrors.ErrorTypeNetwork, "submit", "socket not writable")
	})
	if err == nil {
		t.Fatal("Expected error once the window elapsed")
	}
	if callCount < 2 || callCount > 4 {
		t.Errorf("Expected 2-4 attempts inside a 35ms window, got %d", callCount)
	}
	if elapsed := time.Since(start); elapsed > 200*time.Millisecond {
		t.Errorf("retry window overran: %v", elapsed)
	}
}

func TestDo_NonRetryableError(t *testing.T) {
	callCount := 0
	err := Do(context.Background(), DefaultConfig(), func() error {
		callCount++
		return minerErrors.New(minerErrors.ErrorTypeStale, "submit", "session changed")
	})
	if callCount != 1 {
		t.Errorf("Expected 1 call (no retry), got %d", callCount)
	}
	if !minerErrors.IsType(err, minerErrors.ErrorTypeStale) {
		t.Error("Expected original stale error type")
	}
}

func TestDo_ContextCanceled(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	config := FixedConfig(100*time.Millisecond, 0)

	callCount := 0
	err := Do(ctx, config, func() error {
		callCount++
		if callCount == 2 {
			cancel()
		}
		return minerErrors.New(minerErrors.ErrorTypeNetwork, "test", "network error")
	})
	if err != context.Canceled {
		t.Errorf("Expected context.Canceled, got %v", err)
	}
	if callCount != 2 {
		t.Errorf("Expected 2 calls, got %d", callCount)
	}
}

func TestDoWithResult(t *testing.T) {
	config := &Config{MaxAttempts: 3, BaseDelay: time.Millisecond, MaxDelay: 10 * time.Millisecond, Multiplier: 2}

	callCount := 0
	result, err := DoWithResult(context.Background(), config, func() (string, error) {
		callCount++
		if callCount == 1 {
			return "", minerErrors.New(minerErrors.ErrorTypeNetwork, "test", "retryable error")
		}
		return "accepted", nil
	})
	if err != nil {
		t.Fatalf("Expected success, got error: %v", err)
	}
	if result != "accepted" {
		t.Errorf("Expected result 'accepted', got %q", result)
	}
}

func TestDo_RegularError(t *testing.T) {
	callCount := 0
	err := Do(context.Background(), nil, func() error {
		callCount++
		return errors.New("regular error")
	})
	if err == nil {
		t.Error("Expected error")
	}
	if callCount != 1 {
		t.Errorf("Expected 1 call (no retry for regular error), got %d", callCount)
	}
}

func TestConfig_calculateDelay(t *testing.T) {
	config := &Config{
		BaseDelay:  100 * time.Millisecond,
		MaxDelay:   1 * time.Second,
		Multiplier: 2.0,
	}

	tests := []struct {
		attempt  int
		expected time.Duration
	}{
		{0, 100 * time.Millisecond},
		{1, 200 * time.Millisecond},
		{2, 400 * time.Millisecond},
		{3, 800 * time.Millisecond},
		{4, 1 * time.Second},
	}

	for _, tt := range tests {
		if delay := config.calculateDelay(tt.attempt); delay != tt.expected {
			t.Errorf("attempt %d: delay = %v, want %v", tt.attempt, delay, tt.expected)
		}
	}

	fixed := FixedConfig(30*time.Second, 0)
	if d := fixed.calculateDelay(7); d != 30*time.Second {
		t.Errorf("fixed delay = %v, want 30s", d)
	}
}

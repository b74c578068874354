package main

import (
	"bytes"
	"context"
	"os"
	"strings"
	"syscall"
	"testing"
	"time"

	"github.com/bardlex/gominer/internal/config"
	"github.com/bardlex/gominer/internal/tracker"
	"github.com/bardlex/gominer/pkg/log"
)

func loadTestConfig(t *testing.T, env map[string]string) *config.Config {
	t.Helper()
	t.Setenv("POOL_URL", "stratum+tcp://127.0.0.1:1")
	t.Setenv("CONNECT_TIMEOUT", "100ms")
	t.Setenv("RECONNECT_DELAY", "50ms")
	for k, v := range env {
		t.Setenv(k, v)
	}
	cfg, err := config.Load()
	if err != nil {
		t.Fatal(err)
	}
	return cfg
}

func TestOpenBackends_Defaults(t *testing.T) {
	cfg := loadTestConfig(t, nil)
	b, err := openBackends(context.Background(), cfg, log.Discard())
	if err != nil {
		t.Fatal(err)
	}
	defer b.close(log.Discard())

	sinks, ok := b.sink.(tracker.MultiSink)
	if !ok || len(sinks) != 1 {
		t.Fatalf("sink = %T %v, want the metrics collector alone", b.sink, b.sink)
	}
	if b.kafka != nil || b.events != nil {
		t.Error("kafka enabled without brokers")
	}
	if b.db.SessionStore() != nil {
		t.Error("session store enabled without redis")
	}
}

func TestRun_StopsOnCancel(t *testing.T) {
	tests := []struct {
		name    string
		env     map[string]string
		rebuild bool
	}{
		{"miner only", nil, false},
		{"with cpu workers", map[string]string{"CPU_THREADS": "1"}, false},
		{"rebuild on hangup", map[string]string{"CPU_THREADS": "1"}, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := loadTestConfig(t, tt.env)
			var buf bytes.Buffer
			logger := log.NewWithWriter(&buf, "gominer", "test", "info", "text")

			rebuild := make(chan os.Signal, 1)
			if tt.rebuild {
				rebuild <- syscall.SIGHUP
			}

			ctx, cancel := context.WithTimeout(context.Background(), 300*time.Millisecond)
			defer cancel()
			done := make(chan error, 1)
			go func() { done <- run(ctx, cfg, logger, rebuild) }()

			select {
			case err := <-done:
				if err != nil {
					t.Fatalf("run() = %v", err)
				}
			case <-time.After(5 * time.Second):
				t.Fatal("run did not return after cancel")
			}
			if !strings.Contains(buf.String(), "share totals") {
				t.Error("totals were not logged on shutdown")
			}
		})
	}
}

package main

import (
	"bytes"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/shini4i/tunnel-supervisor/internal/config"
	"github.com/shini4i/tunnel-supervisor/internal/history"
)

func TestWatchdogInterval(t *testing.T) {
	tests := []struct {
		name  string
		value string
		want  time.Duration
	}{
		{"unset", "", 0},
		{"thirty seconds", "30000000", 15 * time.Second},
		{"garbage", "soon", 0},
		{"negative", "-5", 0},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, watchdogInterval(tt.value))
		})
	}
}

func TestHistoryPath(t *testing.T) {
	cfg := config.DefaultConfig()
	configFile := filepath.Join("/etc", "tunnel", "config.yaml")

	assert.Equal(t, filepath.Join("/etc", "tunnel", config.HistoryFileName), historyPath(configFile, cfg))

	cfg.HistoryPath = "/var/lib/tunnel/attempts.db"
	assert.Equal(t, "/var/lib/tunnel/attempts.db", historyPath(configFile, cfg))
}

func TestPrintAttempts(t *testing.T) {
	t.Run("empty", func(t *testing.T) {
		var buf bytes.Buffer
		require.NoError(t, printAttempts(&buf, nil))
		assert.Equal(t, "No attempts recorded.\n", buf.String())
	})

	t.Run("rows", func(t *testing.T) {
		start := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
		attempts := []history.Attempt{
			{
				ID:        "0b6f3c1e-aaaa-bbbb-cccc-000000000001",
				Server:    "castor",
				Transport: "ssh",
				StartedAt: start,
				EndedAt:   start.Add(90 * time.Second),
				Connected: true,
				Reset:     "retry",
			},
			{
				ID:        "short",
				Server:    "pollux",
				Transport: "direct",
				StartedAt: start,
				EndedAt:   start,
			},
		}

		var buf bytes.Buffer
		require.NoError(t, printAttempts(&buf, attempts))

		out := buf.String()
		assert.Contains(t, out, "SERVER")
		assert.Contains(t, out, "0b6f3c1e ")
		assert.NotContains(t, out, "0b6f3c1e-aaaa")
		assert.Contains(t, out, "castor")
		assert.Contains(t, out, "retry")
		assert.Contains(t, out, "short")
		assert.Contains(t, out, "-\n")
	})
}

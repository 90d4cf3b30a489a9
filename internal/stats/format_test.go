package stats

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestFormatBytes(t *testing.T) {
	tests := []struct {
		bytes    uint64
		expected string
	}{
		{0, "0 B"},
		{1023, "1023 B"},
		{1024, "1.0 KiB"},
		{1536, "1.5 KiB"},
		{1024*1024 - 1, "1024.0 KiB"},
		{1024 * 1024, "1.0 MiB"},
		{1024 * 1024 * 1024, "1.0 GiB"},
		{1024 * 1024 * 1024 * 1024 * 10, "10.0 TiB"},
	}

	for _, tt := range tests {
		t.Run(tt.expected, func(t *testing.T) {
			assert.Equal(t, tt.expected, FormatBytes(tt.bytes))
		})
	}
}

func TestFormatRate(t *testing.T) {
	tests := []struct {
		name     string
		rate     int64
		expected string
	}{
		{"zero", 0, "0 B/s"},
		{"bytes", 1023, "1023 B/s"},
		{"kibibytes", 15354, "15.0 KiB/s"},
		{"mebibytes", 3 * 1024 * 1024 / 2, "1.5 MiB/s"},
		{"gibibytes", 1024 * 1024 * 1024, "1.0 GiB/s"},
		{"tebibytes stay in GiB", 1024 * 1024 * 1024 * 1024, "1024.0 GiB/s"},
		{"negative clamps", -500, "0 B/s"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.expected, FormatRate(tt.rate))
		})
	}
}

func TestFormatSummary(t *testing.T) {
	assert.Equal(t, "D: 15.0 KiB/s, U: 2.5 KiB/s - Netherlands", FormatSummary(15354, 2525, "Netherlands"))
}

func TestFormatDuration(t *testing.T) {
	tests := []struct {
		duration time.Duration
		expected string
	}{
		{0, "0s"},
		{30 * time.Second, "30s"},
		{time.Minute + 30*time.Second, "1m 30s"},
		{time.Hour + 30*time.Minute + 45*time.Second, "1h 30m 45s"},
		{500 * time.Millisecond, "0s"},
		{-time.Second, "0s"},
	}

	for _, tt := range tests {
		t.Run(tt.expected, func(t *testing.T) {
			assert.Equal(t, tt.expected, FormatDuration(tt.duration))
		})
	}
}

package stats

import (
	"fmt"
	"time"
)

// unit is a binary (1024-based) magnitude.
type unit struct {
	size   float64
	suffix string
}

var byteUnits = []unit{
	{1 << 40, "TiB"},
	{1 << 30, "GiB"},
	{1 << 20, "MiB"},
	{1 << 10, "KiB"},
}

// FormatBytes formats a byte count using binary units (KiB, MiB, GiB, TiB).
func FormatBytes(bytes uint64) string {
	v := float64(bytes)
	for _, u := range byteUnits {
		if v >= u.size {
			return fmt.Sprintf("%.1f %s", v/u.size, u.suffix)
		}
	}
	return fmt.Sprintf("%d B", bytes)
}

// FormatRate formats a bytes-per-second rate using binary units.
// Negative rates, seen when the daemon restarts its counters, print as zero.
func FormatRate(bytesPerSec int64) string {
	if bytesPerSec < 0 {
		bytesPerSec = 0
	}
	v := float64(bytesPerSec)
	for _, u := range byteUnits[1:] {
		if v >= u.size {
			return fmt.Sprintf("%.1f %s/s", v/u.size, u.suffix)
		}
	}
	return fmt.Sprintf("%d B/s", bytesPerSec)
}

// FormatSummary renders the one-line throughput summary shown while connected.
func FormatSummary(download, upload int64, country string) string {
	return fmt.Sprintf("D: %s, U: %s - %s", FormatRate(download), FormatRate(upload), country)
}

// FormatDuration formats a duration as "1h 23m 45s", "23m 45s" or "45s".
func FormatDuration(d time.Duration) string {
	if d < 0 {
		return "0s"
	}

	hours := int(d.Hours())
	minutes := int(d.Minutes()) % 60
	seconds := int(d.Seconds()) % 60

	switch {
	case hours > 0:
		return fmt.Sprintf("%dh %dm %ds", hours, minutes, seconds)
	case minutes > 0:
		return fmt.Sprintf("%dm %ds", minutes, seconds)
	default:
		return fmt.Sprintf("%ds", seconds)
	}
}

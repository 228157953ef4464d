package monitor

import (
	"fmt"
	"time"
)

// FormatPercent formats a ratio (0-1) as a percentage.
func FormatPercent(ratio float64) string {
	return fmt.Sprintf("%.1f%%", ratio*100)
}

// FormatConfidence formats a confidence value with two decimals.
func FormatConfidence(confidence float64) string {
	return fmt.Sprintf("%.2f", confidence)
}

// FormatAvgDuration formats a dispatch average as "Xms" or "X.Xs".
func FormatAvgDuration(d time.Duration) string {
	if d < time.Second {
		return fmt.Sprintf("%dms", d.Milliseconds())
	}
	return fmt.Sprintf("%.1fs", d.Seconds())
}

// FormatRemaining formats the time until t as "Xh Ym" or "Xm",
// "expired" once t has passed.
func FormatRemaining(t time.Time) string {
	d := time.Until(t)
	if d <= 0 {
		return "expired"
	}
	d = d.Round(time.Minute)
	hours := int(d.Hours())
	minutes := int(d.Minutes()) % 60
	if hours > 0 {
		return fmt.Sprintf("%dh %dm", hours, minutes)
	}
	return fmt.Sprintf("%dm", minutes)
}

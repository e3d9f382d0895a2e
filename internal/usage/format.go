package usage

import (
	"fmt"
	"math"
	"time"
)

// FormatTokenCount formats a token count for display.
func FormatTokenCount(count int64) string {
	switch {
	case count <= 0:
		return "0"
	case count >= 1_000_000:
		return fmt.Sprintf("%.1fm", float64(count)/1_000_000)
	case count >= 10_000:
		return fmt.Sprintf("%dk", count/1_000)
	case count >= 1_000:
		return fmt.Sprintf("%.1fk", float64(count)/1_000)
	}
	return fmt.Sprintf("%d", count)
}

// FormatUSD formats a dollar amount for display.
func FormatUSD(amount float64) string {
	if amount <= 0 || math.IsNaN(amount) || math.IsInf(amount, 0) {
		return "$0.00"
	}
	if amount >= 0.01 {
		return fmt.Sprintf("$%.2f", amount)
	}
	return fmt.Sprintf("$%.4f", amount)
}

// FormatPercentage formats a percentage value.
func FormatPercentage(value float64) string {
	if value < 1 {
		return fmt.Sprintf("%.2f%%", value)
	}
	if value < 10 {
		return fmt.Sprintf("%.1f%%", value)
	}
	return fmt.Sprintf("%.0f%%", value)
}

// FormatBudget renders consumption against a limit, e.g.
// "$1.20 of $5.00 (24%), resets in 3h10m".
func FormatBudget(consumed, limit float64, resetAt, now time.Time) string {
	until := resetAt.Sub(now).Round(time.Minute)
	if until < 0 {
		until = 0
	}
	if limit <= 0 {
		return fmt.Sprintf("%s used, unlimited", FormatUSD(consumed))
	}
	return fmt.Sprintf("%s of %s (%s), resets in %s",
		FormatUSD(consumed), FormatUSD(limit), FormatPercentage(consumed/limit*100), until)
}

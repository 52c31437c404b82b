package policy

import (
	"fmt"
	"time"
)

// windowKey computes the deterministic window-instance key for t, in UTC,
// such that timestamps in the same window produce the same key and
// timestamps in adjacent windows produce different keys. per_transaction
// windows have no shared key — each evaluation is its own window.
func windowKey(w Window, t time.Time) string {
	t = t.UTC()
	switch w {
	case WindowPerTransaction:
		return ""
	case WindowHourly:
		return t.Format("2006-01-02T15")
	case WindowDaily:
		return t.Format("2006-01-02")
	case WindowWeekly:
		return isoWeekMonday(t).Format("2006-01-02")
	case WindowMonthly:
		return t.Format("2006-01")
	default:
		return t.Format("2006-01-02")
	}
}

// isoWeekMonday returns the Monday of t's ISO week, at midnight UTC.
func isoWeekMonday(t time.Time) time.Time {
	weekday := int(t.Weekday())
	if weekday == 0 { // Sunday
		weekday = 7
	}
	monday := t.AddDate(0, 0, -(weekday - 1))
	return time.Date(monday.Year(), monday.Month(), monday.Day(), 0, 0, 0, 0, time.UTC)
}

// scopeKey deterministically serializes a budget's agent/service/currency
// filters, or "global" when none are set.
func scopeKey(b BudgetLimit) string {
	if len(b.AgentIDs) == 0 && len(b.ServiceIDs) == 0 && b.Currency == "" {
		return "global"
	}
	return fmt.Sprintf("agents=%v|services=%v|currency=%s", b.AgentIDs, b.ServiceIDs, b.Currency)
}

// bucketKey is the full identity of a budget bucket: policyId x scopeKey x
// window x windowKey.
func bucketKey(policyID string, b BudgetLimit, t time.Time) string {
	return fmt.Sprintf("%s|%s|%s|%s", policyID, scopeKey(b), b.Window, windowKey(b.Window, t))
}

package server

import (
	"sync"

	"github.com/mbd888/paysentry/internal/alerts"
)

// alertHistory is a bounded in-memory record of fired alerts, subscribed
// to the Alert Evaluator at wiring time so the HTTP facade can answer
// "what fired recently" without the core needing to keep history itself —
// the Evaluator only dispatches alerts, it doesn't retain them.
type alertHistory struct {
	mu   sync.Mutex
	max  int
	logs []alerts.Alert
}

func newAlertHistory(max int) *alertHistory {
	return &alertHistory{max: max}
}

func (h *alertHistory) record(a alerts.Alert) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.logs = append(h.logs, a)
	if len(h.logs) > h.max {
		h.logs = h.logs[len(h.logs)-h.max:]
	}
	return nil
}

// list returns alerts newest-first, optionally filtered by agentID and
// minimum severity, truncated to limit.
func (h *alertHistory) list(agentID string, minSeverity alerts.Severity, limit int) []alerts.Alert {
	h.mu.Lock()
	defer h.mu.Unlock()

	out := make([]alerts.Alert, 0, limit)
	for i := len(h.logs) - 1; i >= 0; i-- {
		a := h.logs[i]
		if agentID != "" && a.AgentID != agentID {
			continue
		}
		if minSeverity != "" && severityRank(a.Severity) < severityRank(minSeverity) {
			continue
		}
		out = append(out, a)
		if limit > 0 && len(out) >= limit {
			break
		}
	}
	return out
}

func severityRank(s alerts.Severity) int {
	switch s {
	case alerts.SeverityCritical:
		return 2
	case alerts.SeverityWarning:
		return 1
	default:
		return 0
	}
}

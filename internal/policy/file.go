package policy

import (
	"encoding/json"
	"strconv"
)

// filePolicy mirrors the policy file's JSON shape: amounts are IEEE-754
// doubles on the wire, converted to decimal strings on load so the engine
// never touches floating point for budget comparison.
type filePolicy struct {
	ID         string         `json:"id"`
	Name       string         `json:"name"`
	Enabled    bool           `json:"enabled"`
	Rules      []fileRule     `json:"rules"`
	Budgets    []fileBudget   `json:"budgets"`
	CooldownMs int64          `json:"cooldownMs"`
}

type fileRule struct {
	ID          string          `json:"id"`
	Name        string          `json:"name"`
	Description string          `json:"description"`
	Enabled     bool            `json:"enabled"`
	Priority    int             `json:"priority"`
	Conditions  fileConditions  `json:"conditions"`
	Action      string          `json:"action"`
}

type fileConditions struct {
	Agents     []string          `json:"agents"`
	Recipients []string          `json:"recipients"`
	Services   []string          `json:"services"`
	Protocols  []string          `json:"protocols"`
	MinAmount  *float64          `json:"minAmount"`
	MaxAmount  *float64          `json:"maxAmount"`
	Currencies []string          `json:"currencies"`
	Metadata   map[string]string `json:"metadata"`
}

type fileBudget struct {
	Window     string   `json:"window"`
	MaxAmount  float64  `json:"maxAmount"`
	Currency   string   `json:"currency"`
	AgentIDs   []string `json:"agentIds"`
	ServiceIDs []string `json:"serviceIds"`
}

// ParsePolicyFile decodes the JSON policy-file format into a Policy.
// Malformed/missing optional fields degrade gracefully; the caller is
// responsible for calling LoadPolicy with the result.
func ParsePolicyFile(data []byte) (Policy, error) {
	var fp filePolicy
	if err := json.Unmarshal(data, &fp); err != nil {
		return Policy{}, err
	}

	p := Policy{
		ID:         fp.ID,
		Name:       fp.Name,
		Enabled:    fp.Enabled,
		CooldownMs: fp.CooldownMs,
	}
	for _, r := range fp.Rules {
		p.Rules = append(p.Rules, Rule{
			ID:          r.ID,
			Name:        r.Name,
			Description: r.Description,
			Enabled:     r.Enabled,
			Priority:    r.Priority,
			Action:      Action(r.Action),
			Conditions: Condition{
				Agents:     r.Conditions.Agents,
				Recipients: r.Conditions.Recipients,
				Services:   r.Conditions.Services,
				Protocols:  r.Conditions.Protocols,
				Currencies: r.Conditions.Currencies,
				Metadata:   r.Conditions.Metadata,
				MinAmount:  floatPtrToAmount(r.Conditions.MinAmount),
				MaxAmount:  floatPtrToAmount(r.Conditions.MaxAmount),
			},
		})
	}
	for _, b := range fp.Budgets {
		p.Budgets = append(p.Budgets, BudgetLimit{
			Window:     Window(b.Window),
			MaxAmount:  strconv.FormatFloat(b.MaxAmount, 'f', -1, 64),
			Currency:   b.Currency,
			AgentIDs:   b.AgentIDs,
			ServiceIDs: b.ServiceIDs,
		})
	}
	return p, nil
}

func floatPtrToAmount(f *float64) string {
	if f == nil {
		return ""
	}
	return strconv.FormatFloat(*f, 'f', -1, 64)
}

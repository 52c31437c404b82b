// Package policy implements the Policy Engine: deterministic evaluation of
// transactions against declarative rules and budget windows.
package policy

// Action is a rule's verdict, a closed enumeration ordered by
// restrictiveness deny < require_approval < flag < allow.
type Action string

const (
	ActionAllow           Action = "allow"
	ActionFlag            Action = "flag"
	ActionRequireApproval Action = "require_approval"
	ActionDeny            Action = "deny"
)

// severityRank ranks actions/decisions by restrictiveness: lower rank wins
// when combining decisions across policies. deny(0) < require_approval(1)
// < flag(2) < allow(3).
var severityRank = map[Action]int{
	ActionDeny:            0,
	ActionRequireApproval: 1,
	ActionFlag:            2,
	ActionAllow:           3,
}

// Window is a budget's accounting window kind.
type Window string

const (
	WindowPerTransaction Window = "per_transaction"
	WindowHourly         Window = "hourly"
	WindowDaily          Window = "daily"
	WindowWeekly         Window = "weekly" // ISO week, Monday-start
	WindowMonthly        Window = "monthly"
)

// Condition is the AND of every present field. Agents/Recipients use glob
// matching; Services/Protocols/Currencies use exact match; amount bounds
// are inclusive; Metadata requires every listed key/value pair to exist
// verbatim on the transaction.
type Condition struct {
	Agents     []string
	Recipients []string
	Services   []string
	Protocols  []string
	MinAmount  string
	MaxAmount  string
	Currencies []string
	Metadata   map[string]string
}

// Rule is one ordered entry in a policy's rule list.
type Rule struct {
	ID          string
	Name        string
	Description string
	Enabled     bool
	Priority    int // lower = earlier
	Conditions  Condition
	Action      Action

	// createdAt captures load order for stable priority-tie sorting; set
	// automatically by LoadPolicy, not part of the policy file format.
	createdAt int64
}

// BudgetLimit bounds cumulative spend within a window.
type BudgetLimit struct {
	Window     Window
	MaxAmount  string
	Currency   string // optional filter; empty matches any currency
	AgentIDs   []string
	ServiceIDs []string
}

// Policy is a named, ordered set of rules and budgets.
type Policy struct {
	ID         string
	Name       string
	Enabled    bool
	Rules      []Rule
	Budgets    []BudgetLimit
	CooldownMs int64 // optional per-agent cooldown; 0 disables
}

// Decision is the Policy Engine's verdict for one transaction.
type Decision struct {
	Allowed  bool
	Action   Action
	Reason   string
	PolicyID string
	RuleID   string
	Details  map[string]string
}

package domain

import (
	"encoding/json"
	"time"
)

// RuleType определяет форму condition у guardrail.
type RuleType string

const (
	RuleRegex      RuleType = "regex"
	RuleKeyword    RuleType = "keyword"
	RuleThreshold  RuleType = "threshold"
	RuleLLM        RuleType = "llm"
	RuleToolPolicy RuleType = "tool_policy"
)

// Guardrail - пользовательское статическое правило. Для пайплайна только чтение,
// CRUD живет в консоли.
type Guardrail struct {
	ID        string          `json:"id" yaml:"id"`
	OrgID     string          `json:"org_id" yaml:"org_id"`
	AgentID   *string         `json:"agent_id,omitempty" yaml:"agent_id,omitempty"` // nil = на всю организацию
	Name      string          `json:"name" yaml:"name"`
	RuleType  RuleType        `json:"rule_type" yaml:"rule_type"`
	Condition json.RawMessage `json:"condition" yaml:"-"`
	Action    Action          `json:"action" yaml:"action"`
	Enabled   bool            `json:"enabled" yaml:"enabled"`

	CreatedAt time.Time `json:"created_at" yaml:"-"`
	UpdatedAt time.Time `json:"updated_at" yaml:"-"`
}

// AppliesTo - правило включено и относится к агенту (или ко всей организации).
func (g Guardrail) AppliesTo(agentID string) bool {
	if !g.Enabled {
		return false
	}
	return g.AgentID == nil || *g.AgentID == agentID
}

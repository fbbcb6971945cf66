package guardrail

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"reflect"
	"regexp"
	"strings"

	"github.com/go-playground/validator/v10"
	"github.com/xela07ax/spaceai-verifier/internal/domain"
)

// Форма condition полностью определяется rule_type. Условия валидируются на границе CRUD
// (консоль, файл, репозиторий), в рантайм вычислителя кривые условия не попадают.

// Метрики, доступные threshold-правилам.
const (
	MetricLatencyMs     = "latency_ms"
	MetricTokenCount    = "token_count"
	MetricCostEstimate  = "cost_estimate"
	MetricOutputLength  = "output_length"
	MetricToolCallCount = "tool_call_count"
)

var operators = map[string]struct{}{">": {}, ">=": {}, "<": {}, "<=": {}, "==": {}}

type RegexCondition struct {
	Pattern    string `json:"pattern" validate:"required"`
	IgnoreCase *bool  `json:"ignore_case" validate:"required"`
}

type KeywordCondition struct {
	Keywords      []string `json:"keywords" validate:"required,min=1,dive,required"`
	CaseSensitive bool     `json:"case_sensitive"`
}

type ThresholdCondition struct {
	Metric   string   `json:"metric" validate:"required,oneof=latency_ms token_count cost_estimate output_length tool_call_count"`
	Operator string   `json:"operator" validate:"required"`
	Limit    *float64 `json:"limit" validate:"required"`
}

type LLMCondition struct {
	Description string `json:"description" validate:"required"`
}

type ToolPolicyCondition struct {
	ToolName             string `json:"tool_name" validate:"required"`
	Policy               string `json:"policy" validate:"required,oneof=allow deny"`
	MaxCallsPerExecution *int   `json:"max_calls_per_execution,omitempty"`
}

// ConditionError собирает все проблемы условия сразу, чтобы оператор исправил их за один раз.
type ConditionError struct {
	RuleType domain.RuleType
	Problems []string
}

func (e *ConditionError) Error() string {
	return fmt.Sprintf("invalid %s condition: %s", e.RuleType, strings.Join(e.Problems, "; "))
}

func (e *ConditionError) Unwrap() error { return domain.ErrInvalidCondition }

var validate = newValidator()

func newValidator() *validator.Validate {
	v := validator.New()
	// В сообщениях имена полей как в JSON
	v.RegisterTagNameFunc(func(f reflect.StructField) string {
		name := strings.SplitN(f.Tag.Get("json"), ",", 2)[0]
		if name == "-" {
			return ""
		}
		return name
	})
	return v
}

// ParseCondition разбирает и проверяет condition для rule_type.
// Возвращает *RegexCondition, *KeywordCondition, *ThresholdCondition, *LLMCondition или *ToolPolicyCondition.
func ParseCondition(ruleType domain.RuleType, raw json.RawMessage) (any, error) {
	var cond any
	switch ruleType {
	case domain.RuleRegex:
		cond = &RegexCondition{}
	case domain.RuleKeyword:
		cond = &KeywordCondition{}
	case domain.RuleThreshold:
		cond = &ThresholdCondition{}
	case domain.RuleLLM:
		cond = &LLMCondition{}
	case domain.RuleToolPolicy:
		cond = &ToolPolicyCondition{}
	default:
		return nil, &ConditionError{RuleType: ruleType, Problems: []string{fmt.Sprintf("unknown rule_type %q", ruleType)}}
	}

	if len(bytes.TrimSpace(raw)) == 0 {
		return nil, &ConditionError{RuleType: ruleType, Problems: []string{"condition is required"}}
	}
	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.DisallowUnknownFields()
	if err := dec.Decode(cond); err != nil {
		return nil, &ConditionError{RuleType: ruleType, Problems: []string{err.Error()}}
	}

	var problems []string
	if err := validate.Struct(cond); err != nil {
		var verrs validator.ValidationErrors
		if errors.As(err, &verrs) {
			for _, fe := range verrs {
				problems = append(problems, describe(fe))
			}
		} else {
			problems = append(problems, err.Error())
		}
	}
	problems = append(problems, crossCheck(cond)...)
	if len(problems) > 0 {
		return nil, &ConditionError{RuleType: ruleType, Problems: problems}
	}
	return cond, nil
}

// crossCheck — правила, которые неудобно выражать тегами.
func crossCheck(cond any) []string {
	var problems []string
	switch c := cond.(type) {
	case *RegexCondition:
		if c.Pattern != "" {
			if _, err := regexp.Compile(c.Pattern); err != nil {
				problems = append(problems, "pattern: "+err.Error())
			}
		}
	case *ThresholdCondition:
		if _, ok := operators[c.Operator]; c.Operator != "" && !ok {
			problems = append(problems, fmt.Sprintf("operator: %q is not one of > >= < <= ==", c.Operator))
		}
	case *ToolPolicyCondition:
		switch c.Policy {
		case "allow":
			if c.MaxCallsPerExecution == nil {
				problems = append(problems, "max_calls_per_execution: required when policy is allow")
			} else if *c.MaxCallsPerExecution < 0 {
				problems = append(problems, "max_calls_per_execution: must not be negative")
			}
		case "deny":
			if c.MaxCallsPerExecution != nil {
				problems = append(problems, "max_calls_per_execution: only allowed when policy is allow")
			}
		}
	}
	return problems
}

func describe(fe validator.FieldError) string {
	switch fe.Tag() {
	case "required":
		return fe.Field() + ": required"
	case "oneof":
		return fmt.Sprintf("%s: must be one of %s", fe.Field(), fe.Param())
	case "min":
		return fmt.Sprintf("%s: must have at least %s item(s)", fe.Field(), fe.Param())
	default:
		return fmt.Sprintf("%s: failed %s", fe.Field(), fe.Tag())
	}
}

// ValidateGuardrail проверяет правило целиком перед сохранением.
func ValidateGuardrail(g domain.Guardrail) error {
	var problems []string
	if strings.TrimSpace(g.Name) == "" {
		problems = append(problems, "name: required")
	}
	if strings.TrimSpace(g.OrgID) == "" {
		problems = append(problems, "org_id: required")
	}
	if g.Action != domain.ActionFlag && g.Action != domain.ActionBlock {
		problems = append(problems, fmt.Sprintf("action: must be flag or block, got %q", g.Action))
	}
	if _, err := ParseCondition(g.RuleType, g.Condition); err != nil {
		var ce *ConditionError
		if errors.As(err, &ce) {
			problems = append(problems, ce.Problems...)
		} else {
			problems = append(problems, err.Error())
		}
	}
	if len(problems) > 0 {
		return &ConditionError{RuleType: g.RuleType, Problems: problems}
	}
	return nil
}

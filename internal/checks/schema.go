package checks

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/google/jsonschema-go/jsonschema"
	"github.com/xela07ax/spaceai-verifier/internal/domain"
)

// SchemaCheck проверяет структуру выхода.
// Со схемой: выход должен быть JSON и проходить валидацию по JSON Schema.
// Без схемы: выход не пустой, а если похож на JSON, то должен парситься.
type SchemaCheck struct{}

func NewSchemaCheck() *SchemaCheck { return &SchemaCheck{} }

func (c *SchemaCheck) Type() domain.CheckType { return domain.CheckSchema }

func (c *SchemaCheck) Run(ctx context.Context, in Input) (Finding, error) {
	output := strings.TrimSpace(in.Execution.Output)
	if len(in.Execution.Schema) == 0 {
		return c.sanity(output), nil
	}

	var schema jsonschema.Schema
	if err := json.Unmarshal(in.Execution.Schema, &schema); err != nil {
		return Finding{}, fmt.Errorf("invalid schema: %w", err)
	}
	resolved, err := schema.Resolve(nil)
	if err != nil {
		return Finding{}, fmt.Errorf("resolve schema: %w", err)
	}

	var instance any
	if err := json.Unmarshal([]byte(output), &instance); err != nil {
		return fail(map[string]any{"mode": "schema", "violation": "output is not valid JSON: " + err.Error()}), nil
	}
	if err := ctx.Err(); err != nil {
		return Finding{}, err
	}
	if err := resolved.Validate(instance); err != nil {
		return fail(map[string]any{"mode": "schema", "violation": err.Error()}), nil
	}
	return pass(map[string]any{"mode": "schema"}), nil
}

func (c *SchemaCheck) sanity(output string) Finding {
	if output == "" {
		return fail(map[string]any{"mode": "sanity", "violation": "empty output"})
	}
	if looksLikeJSON(output) && !json.Valid([]byte(output)) {
		return fail(map[string]any{"mode": "sanity", "violation": "output looks like JSON but does not parse"})
	}
	return pass(map[string]any{"mode": "sanity"})
}

func looksLikeJSON(s string) bool {
	return (strings.HasPrefix(s, "{") && strings.HasSuffix(s, "}")) ||
		(strings.HasPrefix(s, "[") && strings.HasSuffix(s, "]"))
}

func pass(details map[string]any) Finding {
	return Finding{Score: domain.Float(1), Passed: true, Details: details}
}

func fail(details map[string]any) Finding {
	return Finding{Score: domain.Float(0), Passed: false, Details: details}
}

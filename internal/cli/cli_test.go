package cli

import (
	"bytes"
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/xela07ax/spaceai-verifier/internal/domain"
	"github.com/xela07ax/spaceai-verifier/pkg/guard"
)

const rulesYAML = `guardrails:
  - id: no-45-days
    org_id: default
    name: no promises about 45 days
    rule_type: keyword
    action: block
    enabled: true
    condition: {keywords: ["45 days"]}
`

func writeFile(t *testing.T, name, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), name)
	require.NoError(t, os.WriteFile(path, []byte(body), 0o644))
	return path
}

// run выполняет команду и возвращает stdout и ошибку.
func run(t *testing.T, args ...string) (string, error) {
	t.Helper()
	root := NewRootCommand()
	var out bytes.Buffer
	root.SetOut(&out)
	root.SetErr(&bytes.Buffer{})
	root.SetArgs(args)
	err := root.Execute()
	return out.String(), err
}

func TestGuardrailValidate(t *testing.T) {
	out, err := run(t, "guardrail", "validate", writeFile(t, "rules.yaml", rulesYAML))
	require.NoError(t, err)
	assert.Contains(t, out, "no-45-days")
	assert.Contains(t, out, "1 guardrails OK")

	bad := strings.Replace(rulesYAML, `{keywords: ["45 days"]}`, `{keywords: []}`, 1)
	_, err = run(t, "guardrail", "validate", writeFile(t, "bad.yaml", bad))
	require.Error(t, err)
	assert.Equal(t, ExitBlocked, ExitCode(err))
}

func TestCheck_LocalPassThenBlock(t *testing.T) {
	db := filepath.Join(t.TempDir(), "verify.db")
	rules := writeFile(t, "rules.yaml", rulesYAML)

	out, err := run(t, "--db", db, "--guardrails", rules, "check",
		"--agent", "support-bot",
		"--input", "how long do I have for a refund?",
		"--output", "Refunds within 30 days of purchase",
		"--ground-truth", "Refunds within 30 days of purchase",
	)
	require.NoError(t, err)
	var res guard.Result
	require.NoError(t, json.Unmarshal([]byte(out), &res))
	assert.Equal(t, domain.ActionPass, res.Action)

	out, err = run(t, "--db", db, "--guardrails", rules, "check",
		"--agent", "support-bot", "--output", "The refund policy allows 45 days")
	require.ErrorIs(t, err, ErrBlocked)
	assert.Equal(t, ExitBlocked, ExitCode(err))
	require.NoError(t, json.Unmarshal([]byte(out), &res))
	assert.Equal(t, domain.ActionBlock, res.Action)

	hist, err := run(t, "--db", db, "history", "--action", "block")
	require.NoError(t, err)
	assert.Contains(t, hist, res.ExecutionID)
	assert.Equal(t, 2, strings.Count(hist, "\n"), "header and one blocked execution")
}

func TestCheck_ReadsExecutionFile(t *testing.T) {
	exec := `{"agent_id":"calc","input":"2+2","output":"{\"answer\":4}",
		"schema":{"type":"object","required":["answer"],"properties":{"answer":{"type":"number"}}}}`
	out, err := run(t, "--db", filepath.Join(t.TempDir(), "v.db"), "check", "-f", writeFile(t, "exec.json", exec))
	require.NoError(t, err)

	var res guard.Result
	require.NoError(t, json.Unmarshal([]byte(out), &res))
	var schemaCheck *domain.CheckResult
	for i := range res.Checks {
		if res.Checks[i].CheckType == domain.CheckSchema {
			schemaCheck = &res.Checks[i]
		}
	}
	require.NotNil(t, schemaCheck)
	assert.True(t, schemaCheck.Passed)
}

func TestCheck_RejectsMissingAgent(t *testing.T) {
	_, err := run(t, "--db", filepath.Join(t.TempDir(), "v.db"), "check", "--output", "hi")
	require.Error(t, err)
	assert.Equal(t, ExitError, ExitCode(err))
}

func TestHistory_RejectsUnknownAction(t *testing.T) {
	_, err := run(t, "--db", filepath.Join(t.TempDir(), "v.db"), "history", "--action", "maybe")
	assert.Error(t, err)
}

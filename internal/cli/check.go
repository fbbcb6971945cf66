package cli

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"time"

	"github.com/spf13/cobra"
	"github.com/xela07ax/spaceai-verifier/internal/domain"
	"github.com/xela07ax/spaceai-verifier/internal/engine"
	"github.com/xela07ax/spaceai-verifier/internal/guardrail"
	"github.com/xela07ax/spaceai-verifier/internal/repository/sqlite"
	"github.com/xela07ax/spaceai-verifier/pkg/guard"
	"go.uber.org/zap"
)

type checkOptions struct {
	file        string
	agentID     string
	sessionID   string
	task        string
	input       string
	output      string
	groundTruth string
	schemaFile  string

	correction  string
	transparent bool
	timeout     time.Duration

	remote string
	token  string
}

func newCheckCommand(g *globalOptions) *cobra.Command {
	o := &checkOptions{}
	cmd := &cobra.Command{
		Use:   "check",
		Short: "Run one execution through the verification pipeline",
		Long: `Reads an execution (JSON file, stdin with --file -, or flags) and prints the verification result.

Locally the pipeline runs in sync mode against the SQLite database from --db.
With --remote the execution is sent to a verifier over gRPC.
Exit code 1 means the execution was blocked.`,
		RunE: func(cmd *cobra.Command, _ []string) error {
			req, err := o.request(cmd.InOrStdin())
			if err != nil {
				return err
			}
			ctx, cancel := context.WithTimeout(cmd.Context(), o.timeout)
			defer cancel()

			var res guard.Result
			if o.remote != "" {
				res, err = o.runRemote(ctx, req)
			} else {
				res, err = o.runLocal(ctx, g, req)
			}

			var blocked *guard.BlockedError
			switch {
			case errors.As(err, &blocked):
				if perr := printJSON(cmd.OutOrStdout(), blocked.Result); perr != nil {
					return perr
				}
				return fmt.Errorf("%w: failed checks %v", ErrBlocked, blocked.FailedChecks())
			case err != nil:
				return err
			}
			return printJSON(cmd.OutOrStdout(), res)
		},
	}

	f := cmd.Flags()
	f.StringVarP(&o.file, "file", "f", "", "execution JSON file (- for stdin)")
	f.StringVar(&o.agentID, "agent", "", "agent id")
	f.StringVar(&o.sessionID, "session", "", "session id")
	f.StringVar(&o.task, "task", "", "task description")
	f.StringVar(&o.input, "input", "", "agent input")
	f.StringVar(&o.output, "output", "", "agent output")
	f.StringVar(&o.groundTruth, "ground-truth", "", "expected answer")
	f.StringVar(&o.schemaFile, "schema", "", "JSON Schema file for the output")
	f.StringVar(&o.correction, "correction", "none", "none or cascade")
	f.BoolVar(&o.transparent, "transparent", false, "show correction metadata")
	f.DurationVar(&o.timeout, "timeout", 60*time.Second, "overall deadline")
	f.StringVar(&o.remote, "remote", "", "verifier gRPC address")
	f.StringVar(&o.token, "token", os.Getenv("VERIFIER_TOKEN"), "bearer token for --remote")
	return cmd
}

// request собирает исполнение: сначала файл, поверх него непустые флаги.
func (o *checkOptions) request(stdin io.Reader) (engine.ExecutionRequest, error) {
	var req engine.ExecutionRequest
	if o.file != "" {
		var (
			data []byte
			err  error
		)
		if o.file == "-" {
			data, err = io.ReadAll(stdin)
		} else {
			data, err = os.ReadFile(o.file)
		}
		if err != nil {
			return req, fmt.Errorf("read execution: %w", err)
		}
		if err := json.Unmarshal(data, &req); err != nil {
			return req, fmt.Errorf("decode execution: %w", err)
		}
	}

	set := func(dst *string, v string) {
		if v != "" {
			*dst = v
		}
	}
	set(&req.AgentID, o.agentID)
	set(&req.SessionID, o.sessionID)
	set(&req.Task, o.task)
	set(&req.Input, o.input)
	set(&req.Output, o.output)
	set(&req.GroundTruth, o.groundTruth)
	if o.schemaFile != "" {
		schema, err := os.ReadFile(o.schemaFile)
		if err != nil {
			return req, fmt.Errorf("read schema: %w", err)
		}
		req.Schema = schema
	}
	req.Mode = "sync"

	return req, req.Validate()
}

func (o *checkOptions) runLocal(ctx context.Context, g *globalOptions, req engine.ExecutionRequest) (guard.Result, error) {
	logger := g.logger()
	defer logger.Sync()

	store, err := sqlite.Open(g.dbPath, logger)
	if err != nil {
		return guard.Result{}, err
	}
	defer store.Close()

	cfg := guard.DefaultConfig()
	cfg.Mode = "sync"
	cfg.Correction = o.correction
	if o.transparent {
		cfg.Transparency = "transparent"
	}

	opts := []guard.Option{
		guard.WithStore(store),
		guard.WithOrg(g.org),
		guard.WithLogger(logger),
		guard.WithEvaluator(guardrail.NewEvaluator(nil, logger)),
	}
	if g.guardrails != "" {
		rules, err := guardrail.NewFileSource(g.guardrails, logger)
		if err != nil {
			return guard.Result{}, err
		}
		opts = append(opts, guard.WithGuardrails(rules))
	}

	client, err := guard.New(cfg, opts...)
	if err != nil {
		return guard.Result{}, err
	}
	defer client.Close()

	tr := client.Trace(ctx, guard.Meta{
		AgentID:     req.AgentID,
		SessionID:   req.SessionID,
		Task:        req.Task,
		Input:       req.Input,
		GroundTruth: req.GroundTruth,
		Schema:      req.Schema,
	})
	for _, s := range req.Steps {
		_ = tr.Step(s.Type, s.Name, s.Input, s.Output)
	}
	_ = tr.SetTokenCount(req.TokenCount)
	_ = tr.SetCostEstimate(req.CostEstimate)
	_ = tr.Record(req.Output)

	var callErr error
	if domain.ExecutionStatus(req.Status) == domain.ExecutionError {
		callErr = errors.New(req.Error)
	}
	res, err := tr.End(callErr)
	logger.Debug("local check finished", zap.String("execution_id", res.ExecutionID), zap.String("action", string(res.Action)))
	return res, err
}

func (o *checkOptions) runRemote(ctx context.Context, req engine.ExecutionRequest) (guard.Result, error) {
	rc, err := guard.Dial(o.remote, o.token)
	if err != nil {
		return guard.Result{}, err
	}
	defer rc.Close()
	return rc.Verify(ctx, req)
}

func printJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

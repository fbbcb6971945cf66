// Package cli — команды verifyctl: локальная или удаленная проверка исполнения,
// валидация файла правил и просмотр истории из локального хранилища.
package cli

import (
	"errors"

	"github.com/spf13/cobra"
	"github.com/xela07ax/spaceai-verifier/internal/infra"
	"github.com/xela07ax/spaceai-verifier/pkg/guard"
	"go.uber.org/zap"
)

// Коды выхода verifyctl.
const (
	ExitOK      = 0
	ExitBlocked = 1 // Исполнение заблокировано или файл правил невалиден
	ExitError   = 2
)

// ErrBlocked — проверка завершилась решением block.
var ErrBlocked = errors.New("execution blocked")

type globalOptions struct {
	dbPath     string
	guardrails string
	org        string
	verbose    bool
}

func (g *globalOptions) logger() *zap.Logger {
	cfg := infra.LoggerConfig{Level: "warn", Format: "console"}
	if g.verbose {
		cfg.Level = "debug"
	}
	l, err := infra.NewLogger(cfg)
	if err != nil {
		return zap.NewNop()
	}
	return l
}

// NewRootCommand собирает дерево команд verifyctl.
func NewRootCommand() *cobra.Command {
	g := &globalOptions{}

	root := &cobra.Command{
		Use:           "verifyctl",
		Short:         "Verify AI agent executions from the command line",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.PersistentFlags().StringVar(&g.dbPath, "db", "verifyctl.db", "SQLite database for local runs")
	root.PersistentFlags().StringVar(&g.guardrails, "guardrails", "", "YAML file with guardrails")
	root.PersistentFlags().StringVar(&g.org, "org", guard.DefaultOrg, "organization id")
	root.PersistentFlags().BoolVarP(&g.verbose, "verbose", "v", false, "debug logging to stderr")

	root.AddCommand(
		newCheckCommand(g),
		newGuardrailCommand(),
		newHistoryCommand(g),
	)
	return root
}

// ExitCode переводит ошибку команды в код выхода.
func ExitCode(err error) int {
	switch {
	case err == nil:
		return ExitOK
	case errors.Is(err, ErrBlocked), errors.Is(err, errInvalidRules):
		return ExitBlocked
	default:
		return ExitError
	}
}

// Command rulecheck validates rule files and runs them over transaction
// CSVs without a server or database.
package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/alecthomas/kong"

	"github.com/liamcoop/finrules/internal/logger"
	"github.com/liamcoop/finrules/rules"
)

// CLI is the rulecheck command line.
type CLI struct {
	LogLevel string `help:"Log level (TRACE, DEBUG, INFO, WARN, ERROR)." default:"WARN" env:"LOG_LEVEL"`

	Validate ValidateCmd `cmd:"" help:"Validate YAML or JSON rule files."`
	Run      RunCmd      `cmd:"" help:"Run a rule file over a CSV of transactions."`
}

// AfterApply configures logging before any command runs.
func (c *CLI) AfterApply() error {
	level, err := logger.ParseLevel(c.LogLevel)
	if err != nil {
		return err
	}
	logger.SetLevel(level)
	return nil
}

type ValidateCmd struct {
	Files []string `arg:"" help:"Rule files to validate." type:"existingfile"`
}

func (cmd *ValidateCmd) Run(ctx *kong.Context) error {
	invalid := 0
	for _, path := range cmd.Files {
		parsed, err := loadRuleFile(path)

		var fileErr *RuleFileError
		switch {
		case errors.As(err, &fileErr):
			invalid += len(fileErr.Errors)
			fmt.Fprintf(ctx.Stdout, "✗ %s: %d valid, %d invalid\n", path, len(parsed), len(fileErr.Errors))
			for _, e := range fileErr.Errors {
				fmt.Fprintf(ctx.Stdout, "    %v\n", e)
			}
		case err != nil:
			return err
		default:
			fmt.Fprintf(ctx.Stdout, "✓ %s: %d rule(s)\n", path, len(parsed))
		}
	}

	if invalid > 0 {
		return fmt.Errorf("%d invalid rule(s)", invalid)
	}
	return nil
}

type RunCmd struct {
	Rules        string        `arg:"" help:"Rule file (YAML or JSON)." type:"existingfile"`
	Transactions string        `arg:"" help:"Transactions CSV." type:"existingfile"`
	MaxRows      int           `help:"Maximum rows to evaluate." default:"1000"`
	JSON         bool          `help:"Print the result as JSON." name:"json"`
	Watch        bool          `help:"Re-run whenever either file changes."`
	Debounce     time.Duration `help:"Delay before re-running after a change." default:"200ms"`
}

func (cmd *RunCmd) Run(ctx *kong.Context) error {
	if !cmd.Watch {
		return cmd.once(context.Background(), ctx)
	}

	runCtx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	report := func() {
		if err := cmd.once(runCtx, ctx); err != nil {
			fmt.Fprintf(ctx.Stderr, "error: %v\n", err)
		}
	}
	report()
	return watchFiles(runCtx, []string{cmd.Rules, cmd.Transactions}, cmd.Debounce, logger.Logger, report)
}

func (cmd *RunCmd) once(runCtx context.Context, ctx *kong.Context) error {
	ruleSet, err := loadRuleFile(cmd.Rules)
	if err != nil {
		return err
	}

	f, err := os.Open(cmd.Transactions)
	if err != nil {
		return err
	}
	defer f.Close()

	preview, err := evaluateCSV(runCtx, ruleSet, f, cmd.MaxRows, logger.Logger)
	if err != nil {
		return err
	}

	if cmd.JSON {
		enc := json.NewEncoder(ctx.Stdout)
		enc.SetIndent("", "  ")
		return enc.Encode(preview)
	}

	fmt.Fprintf(ctx.Stdout, "%d rule(s), %d active\n", len(ruleSet), countActive(ruleSet))
	printPreview(ctx.Stdout, preview)
	return nil
}

func countActive(ruleSet []*rules.Rule) int {
	n := 0
	for _, r := range ruleSet {
		if r.Active {
			n++
		}
	}
	return n
}

func main() {
	// Output goes to stdout; logs stay out of the way on stderr.
	logger.SetOutput(os.Stderr)

	var cli CLI
	ctx := kong.Parse(&cli,
		kong.Name("rulecheck"),
		kong.Description("Validate transaction rules and try them against CSV exports."),
		kong.UsageOnError(),
	)

	err := ctx.Run()
	ctx.FatalIfErrorf(err)
}

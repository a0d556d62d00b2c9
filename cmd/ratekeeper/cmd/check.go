package cmd

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"os"

	"github.com/spf13/cobra"

	"github.com/Sentinel-Gate/ratekeeper/internal/domain/ratelimit"
	"github.com/Sentinel-Gate/ratekeeper/internal/service"
)

var (
	checkCount int
	checkJSON  bool
)

var checkCmd = &cobra.Command{
	Use:   "check <operation> <subject>",
	Short: "Run admission checks from the command line",
	Long: `Run one or more admission checks against the configured stores and print
each decision. Checks consume capacity exactly like requests to the server.

Examples:
  # Is alice allowed to log in?
  ratekeeper check login alice

  # Burn through the window and show when the limit kicks in
  ratekeeper check login alice -n 6 --json`,
	Args: cobra.ExactArgs(2),
	RunE: runCheck,
}

func init() {
	checkCmd.Flags().IntVarP(&checkCount, "count", "n", 1, "number of checks to run")
	checkCmd.Flags().BoolVar(&checkJSON, "json", false, "print decisions as JSON lines")
	rootCmd.AddCommand(checkCmd)
}

func runCheck(cmd *cobra.Command, args []string) error {
	if checkCount < 1 {
		return fmt.Errorf("--count must be >= 1, got %d", checkCount)
	}

	cfg, err := loader.Load()
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}

	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelWarn}))
	eng, err := buildEngine(cmd.Context(), cfg, logger)
	if err != nil {
		return err
	}
	defer eng.Close()

	return runChecks(cmd.Context(), eng.admission, args[0], args[1], checkCount, checkJSON, cmd.OutOrStdout())
}

// checkResult is one line of `check --json` output.
type checkResult struct {
	Attempt int `json:"attempt"`
	ratelimit.Decision
	RetryAfterMs int64 `json:"retry_after_ms,omitempty"`
}

func runChecks(ctx context.Context, admission *service.Admission, operation, subject string, n int, asJSON bool, w io.Writer) error {
	enc := json.NewEncoder(w)

	for i := 1; i <= n; i++ {
		d := admission.TryAdmit(ctx, operation, subject)
		res := checkResult{Attempt: i, Decision: d, RetryAfterMs: admission.RetryAfterMs(d)}

		if asJSON {
			if err := enc.Encode(res); err != nil {
				return err
			}
			continue
		}

		switch {
		case d.Backend == ratelimit.BackendNone:
			fmt.Fprintf(w, "#%d allowed (operation %q has no rate limit configured)\n", i, operation)
		case d.Allowed:
			fmt.Fprintf(w, "#%d allowed remaining=%d backend=%s\n", i, d.Remaining, d.Backend)
		default:
			fmt.Fprintf(w, "#%d denied retry_after_ms=%d backend=%s\n", i, res.RetryAfterMs, d.Backend)
		}
	}
	return nil
}

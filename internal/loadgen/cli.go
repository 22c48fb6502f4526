package loadgen

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/rs/zerolog"
	"github.com/spf13/cobra"
)

// MainWithArgs runs the CLI and returns the process exit code.
func MainWithArgs(args []string) int {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	root := buildRootCmd(os.Stdout, os.Stderr)
	root.SetArgs(args)
	if err := root.ExecuteContext(ctx); err != nil {
		fmt.Fprintln(os.Stderr, err.Error())
		return 1
	}
	return 0
}

func buildRootCmd(stdout, stderr io.Writer) *cobra.Command {
	var (
		opts     Options
		prompts  string
		out      string
		logLevel string
	)
	root := &cobra.Command{
		Use:           "loadgen",
		Short:         "Load generator for the batchd /generate endpoint",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.PersistentFlags().StringVar(&logLevel, "log-level", envStr("LOADGEN_LOG_LEVEL", "info"), "Log level: debug|info|warn|error")

	run := &cobra.Command{
		Use:     "run",
		Short:   "Send concurrent requests and print latency and cache statistics",
		Example: "  loadgen run --url http://localhost:8000 --clients 10 --requests 5\n  loadgen run --repeat-prob 0.6 --out results.json",
		Args:    cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			lvl, err := zerolog.ParseLevel(logLevel)
			if err != nil {
				return fmt.Errorf("invalid --log-level: %w", err)
			}
			opts.Logger = zerolog.New(zerolog.ConsoleWriter{Out: stderr, TimeFormat: time.RFC3339}).
				Level(lvl).With().Timestamp().Logger()
			opts.Prompts = splitCSV(prompts)
			rep, err := Run(cmd.Context(), opts)
			if err != nil {
				return err
			}
			WriteSummary(stdout, rep)
			if out == "" {
				return nil
			}
			b, err := json.MarshalIndent(rep, "", "  ")
			if err != nil {
				return err
			}
			if err := os.WriteFile(out, b, 0o644); err != nil {
				return fmt.Errorf("write results: %w", err)
			}
			fmt.Fprintf(stdout, "Saved %d results to %s\n", len(rep.Samples), out)
			return nil
		},
	}
	f := run.Flags()
	f.StringVar(&opts.URL, "url", envStr("LOADGEN_URL", "http://localhost:8000"), "Server base URL or /generate endpoint")
	f.IntVar(&opts.Clients, "clients", 10, "Concurrent clients")
	f.IntVar(&opts.Requests, "requests", 5, "Requests per client")
	f.IntVar(&opts.MaxNewTokens, "max-new-tokens", 20, "Token budget per request")
	f.StringVar(&prompts, "prompts", "", "Comma-separated prompts (default: built-in set)")
	f.Float64Var(&opts.RepeatProb, "repeat-prob", 0, "Probability of resending a prompt the client already sent")
	f.DurationVar(&opts.Delay, "delay", 0, "Pause between a client's requests")
	f.DurationVar(&opts.Timeout, "timeout", 60*time.Second, "Per-request HTTP timeout")
	f.Uint64Var(&opts.Seed, "seed", uint64(time.Now().UnixNano()), "Random seed for prompt repetition")
	f.StringVar(&out, "out", "", "Write the JSON report to this file")
	root.AddCommand(run)

	completionCmd := &cobra.Command{Use: "completion", Short: "Generate the autocompletion script for the specified shell"}
	completionCmd.AddCommand(&cobra.Command{Use: "bash", Short: "Bash completion", RunE: func(cmd *cobra.Command, args []string) error { return root.GenBashCompletion(stdout) }})
	completionCmd.AddCommand(&cobra.Command{Use: "zsh", Short: "Zsh completion", RunE: func(cmd *cobra.Command, args []string) error { return root.GenZshCompletion(stdout) }})
	root.AddCommand(completionCmd)
	return root
}

// splitCSV splits a comma-separated list, trimming spaces and dropping empties.
func splitCSV(s string) []string {
	var out []string
	for _, p := range strings.Split(s, ",") {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	return out
}

func envStr(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

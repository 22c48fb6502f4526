package main

import (
	"fmt"
	"io"
	"os"
	"runtime"
	"strings"

	"github.com/spf13/cobra"

	"batchd/internal/common/fsutil"
	"batchd/internal/config"
	"batchd/internal/registry"
)

func newRootCmd(out io.Writer) *cobra.Command {
	var configPath string
	root := &cobra.Command{
		Use:           "batchd",
		Short:         "Dynamic-batching text generation server",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.PersistentFlags().StringVar(&configPath, "config", os.Getenv("BATCHD_CONFIG"), "Config file (.yaml, .json or .toml)")

	root.AddCommand(newServeCmd(&configPath))
	root.AddCommand(newConfigCmd(&configPath, out))
	root.AddCommand(newModelsCmd(out))
	root.AddCommand(&cobra.Command{
		Use:   "version",
		Short: "Print the version",
		Args:  cobra.NoArgs,
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Fprintf(out, "batchd %s (%s)\n", version, runtime.Version())
		},
	})
	return root
}

// loadConfig layers the config file (if any), BATCHD_* variables and flags
// over the defaults.
func loadConfig(path string, flags func(*config.Config)) (config.Config, error) {
	cfg := config.Defaults()
	if path != "" {
		abs, err := fsutil.AbsPath(path)
		if err != nil {
			return cfg, err
		}
		if cfg, err = config.Load(abs); err != nil {
			return cfg, fmt.Errorf("load config: %w", err)
		}
	}
	if err := cfg.Finalize(flags); err != nil {
		return cfg, fmt.Errorf("invalid config: %w", err)
	}
	return cfg, nil
}

func newConfigCmd(configPath *string, out io.Writer) *cobra.Command {
	cmd := &cobra.Command{Use: "config", Short: "Inspect configuration"}
	var format string
	printCmd := &cobra.Command{
		Use:     "print",
		Short:   "Print the effective configuration",
		Example: "  batchd config print --format toml\n  batchd --config batchd.yaml config print",
		Args:    cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(*configPath, nil)
			if err != nil {
				return err
			}
			b, err := config.Encode(cfg, format)
			if err != nil {
				return err
			}
			_, err = out.Write(b)
			return err
		},
	}
	printCmd.Flags().StringVar(&format, "format", "yaml", "Output format: yaml|json|toml")
	cmd.AddCommand(printCmd)
	return cmd
}

func newModelsCmd(out io.Writer) *cobra.Command {
	var dir string
	cmd := &cobra.Command{
		Use:   "models",
		Short: "List *.gguf model files usable by llama backends",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			models, err := registry.LoadDir(dir)
			if err != nil {
				return err
			}
			for _, m := range models {
				fmt.Fprintf(out, "%s\t%d\t%s\n", m.ID, m.SizeBytes, m.Path)
			}
			return nil
		},
	}
	cmd.Flags().StringVar(&dir, "dir", "~/models/llm", "Directory to scan for *.gguf model files")
	return cmd
}

// splitCSV splits a comma-separated flag value, trimming spaces and dropping
// empty items.
func splitCSV(s string) []string {
	var out []string
	for _, p := range strings.Split(s, ",") {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	return out
}

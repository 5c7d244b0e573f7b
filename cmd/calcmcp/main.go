// Command calcmcp runs and talks to the calculator MCP server.
package main

import (
	"fmt"
	"io"
	"log/slog"
	"os"

	"github.com/MegaGrindStone/calc-mcp/internal/config"
	"github.com/spf13/cobra"
)

func main() {
	if err := newRootCommand().Execute(); err != nil {
		os.Exit(1)
	}
}

func newRootCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:           "calcmcp",
		Short:         "Calculator server speaking the Model Context Protocol",
		SilenceUsage:  true,
		SilenceErrors: false,
	}

	cmd.AddCommand(
		newServeCommand(),
		newConfigCommand(),
		newToolsCommand(),
		newCallCommand(),
		newReplCommand(),
	)
	return cmd
}

func newConfigCommand() *cobra.Command {
	var output string

	cmd := &cobra.Command{
		Use:   "config",
		Short: "Write the default configuration as YAML",
		RunE: func(cmd *cobra.Command, _ []string) error {
			if output == "" {
				return config.Write(cmd.OutOrStdout(), config.Default())
			}
			if err := config.Save(config.Default(), output); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "wrote %s\n", output)
			return nil
		},
	}
	cmd.Flags().StringVarP(&output, "output", "o", "", "file to write instead of stdout")
	return cmd
}

func newLogger(cfg config.LogConfig, w io.Writer) (*slog.Logger, error) {
	level, err := cfg.SlogLevel()
	if err != nil {
		return nil, err
	}
	opts := &slog.HandlerOptions{Level: level}

	var handler slog.Handler
	switch cfg.Format {
	case "json":
		handler = slog.NewJSONHandler(w, opts)
	default:
		handler = slog.NewTextHandler(w, opts)
	}
	return slog.New(handler), nil
}

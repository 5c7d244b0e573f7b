package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"sort"
	"strconv"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/MegaGrindStone/calc-mcp"
	"github.com/spf13/cobra"
)

type clientOpts struct {
	url     string
	timeout time.Duration
}

type toolSchema struct {
	Properties map[string]struct {
		Type        string `json:"type"`
		Description string `json:"description"`
	} `json:"properties"`
	Required []string `json:"required"`
}

var errToolFailed = errors.New("tool reported an error")

func (o *clientOpts) addFlags(cmd *cobra.Command) {
	cmd.Flags().StringVar(&o.url, "url", "http://localhost:8080/mcp", "MCP endpoint of the server")
	cmd.Flags().DurationVar(&o.timeout, "timeout", 30*time.Second, "timeout for the whole command")
}

// connect returns a client with a ready session. The caller must close it.
func (o clientOpts) connect(ctx context.Context) (*mcp.Client, error) {
	// Only problems are logged, the commands print their own output.
	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelWarn}))
	client := mcp.NewClient(o.url, mcp.Info{Name: "calcmcp", Version: "1.0.0"}, mcp.WithClientLogger(logger))
	if _, err := client.Connect(ctx); err != nil {
		return nil, err
	}
	return client, nil
}

func newToolsCommand() *cobra.Command {
	opts := clientOpts{}

	cmd := &cobra.Command{
		Use:   "tools",
		Short: "List the tools of a running server",
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx, cancel := context.WithTimeout(cmd.Context(), opts.timeout)
			defer cancel()

			client, err := opts.connect(ctx)
			if err != nil {
				return err
			}
			defer client.Close(context.WithoutCancel(ctx))

			tools, err := client.ListTools(ctx)
			if err != nil {
				return err
			}
			return printTools(cmd.OutOrStdout(), tools)
		},
	}
	opts.addFlags(cmd)
	return cmd
}

func newCallCommand() *cobra.Command {
	opts := clientOpts{}

	cmd := &cobra.Command{
		Use:     "call <tool> <a> <b>",
		Short:   "Call a calculator tool on a running server",
		Example: "  calcmcp call divide 10 4",
		Args:    cobra.ExactArgs(3),
		RunE: func(cmd *cobra.Command, args []string) error {
			name, arguments, err := parseCallArgs(args)
			if err != nil {
				return err
			}

			ctx, cancel := context.WithTimeout(cmd.Context(), opts.timeout)
			defer cancel()

			client, err := opts.connect(ctx)
			if err != nil {
				return err
			}
			defer client.Close(context.WithoutCancel(ctx))

			res, err := client.CallTool(ctx, name, arguments)
			if err != nil {
				return err
			}
			return printToolResult(cmd.OutOrStdout(), res)
		},
	}
	opts.addFlags(cmd)
	return cmd
}

// parseCallArgs turns "<tool> <a> <b>" into the tool name and its arguments.
func parseCallArgs(args []string) (string, map[string]float64, error) {
	if len(args) != 3 {
		return "", nil, fmt.Errorf("expected <tool> <a> <b>, got %d arguments", len(args))
	}
	a, err := strconv.ParseFloat(args[1], 64)
	if err != nil {
		return "", nil, fmt.Errorf("invalid number %q for a", args[1])
	}
	b, err := strconv.ParseFloat(args[2], 64)
	if err != nil {
		return "", nil, fmt.Errorf("invalid number %q for b", args[2])
	}
	return args[0], map[string]float64{"a": a, "b": b}, nil
}

func printTools(w io.Writer, tools []mcp.Tool) error {
	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "NAME\tPARAMETERS\tDESCRIPTION")
	for _, t := range tools {
		fmt.Fprintf(tw, "%s\t%s\t%s\n", t.Name, describeParams(t.InputSchema), t.Description)
	}
	return tw.Flush()
}

// describeParams renders the schema properties as "a:number, b:number", marking optional ones
// with a trailing '?'.
func describeParams(schema json.RawMessage) string {
	var s toolSchema
	if err := json.Unmarshal(schema, &s); err != nil || len(s.Properties) == 0 {
		return "-"
	}
	required := make(map[string]bool, len(s.Required))
	for _, r := range s.Required {
		required[r] = true
	}
	names := make([]string, 0, len(s.Properties))
	for name := range s.Properties {
		names = append(names, name)
	}
	sort.Strings(names)

	parts := make([]string, 0, len(names))
	for _, name := range names {
		p := name + ":" + s.Properties[name].Type
		if !required[name] {
			p += "?"
		}
		parts = append(parts, p)
	}
	return strings.Join(parts, ", ")
}

func printToolResult(w io.Writer, res mcp.CallToolResult) error {
	for _, c := range res.Content {
		if c.Type == mcp.ContentTypeText {
			fmt.Fprintln(w, c.Text)
		}
	}
	if res.IsError {
		return errToolFailed
	}
	return nil
}

package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/MegaGrindStone/calc-mcp"
	"github.com/MegaGrindStone/calc-mcp/servers/calculator"
	prompt "github.com/c-bata/go-prompt"
	"github.com/spf13/cobra"
)

// replSession executes the lines typed into the interactive prompt against one connected client.
type replSession struct {
	ctx     context.Context
	client  *mcp.Client
	out     io.Writer
	timeout time.Duration
	quit    bool
}

var replSuggestions = []prompt.Suggest{
	{Text: "add", Description: "add <a> <b> Add two numbers"},
	{Text: "subtract", Description: "subtract <a> <b> Subtract b from a"},
	{Text: "multiply", Description: "multiply <a> <b> Multiply two numbers"},
	{Text: "divide", Description: "divide <a> <b> Divide a by b"},
	{Text: "tools", Description: "List the tools of the server"},
	{Text: "help", Description: "Show the calculator help resource"},
	{Text: "ping", Description: "Check the server is alive"},
	{Text: "exit", Description: "Exit"},
	{Text: "quit", Description: "Exit"},
}

func newReplCommand() *cobra.Command {
	opts := clientOpts{}

	cmd := &cobra.Command{
		Use:   "repl",
		Short: "Interactive calculator prompt against a running server",
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx := cmd.Context()
			connectCtx, cancel := context.WithTimeout(ctx, opts.timeout)
			client, err := opts.connect(connectCtx)
			cancel()
			if err != nil {
				return err
			}
			defer client.Close(context.WithoutCancel(ctx))

			out := cmd.OutOrStdout()
			info := client.ServerInfo()
			fmt.Fprintf(out, "Connected to %s %s, session %s.\n", info.Name, info.Version, client.SessionID())
			fmt.Fprintln(out, "Type 'help' for usage, 'exit' or 'quit' to exit.")

			sess := &replSession{ctx: ctx, client: client, out: out, timeout: opts.timeout}
			p := prompt.New(
				func(in string) { sess.execute(in) },
				completer,
				prompt.OptionLivePrefix(func() (string, bool) {
					return "calc> ", true
				}),
				prompt.OptionSetExitCheckerOnInput(func(string, bool) bool {
					return sess.quit
				}),
			)
			p.Run()
			fmt.Fprintln(out, "Bye.")
			return nil
		},
	}
	opts.addFlags(cmd)
	return cmd
}

func completer(d prompt.Document) []prompt.Suggest {
	// Only the command word is completed, operands are free-form numbers.
	if strings.Contains(d.TextBeforeCursor(), " ") {
		return nil
	}
	return prompt.FilterHasPrefix(replSuggestions, d.GetWordBeforeCursor(), true)
}

// execute runs one input line. Errors are printed, never returned, so the prompt keeps going.
// A command that fails because the server dropped the session is retried once on a new session.
func (r *replSession) execute(line string) {
	fields := strings.Fields(line)
	if len(fields) == 0 {
		return
	}

	cmd := strings.ToLower(fields[0])
	if cmd == "exit" || cmd == "quit" {
		r.quit = true
		return
	}

	ctx, cancel := context.WithTimeout(r.ctx, r.timeout)
	defer cancel()

	err := r.run(ctx, cmd, fields[1:])
	if r.sessionLost(err) {
		if _, cerr := r.client.Connect(ctx); cerr != nil {
			fmt.Fprintf(r.out, "Error: %v\n", cerr)
			return
		}
		fmt.Fprintf(r.out, "Reconnected, session %s.\n", r.client.SessionID())
		err = r.run(ctx, cmd, fields[1:])
	}
	if err != nil {
		fmt.Fprintf(r.out, "Error: %v\n", err)
	}
}

// run executes one command. Output is only written on success.
func (r *replSession) run(ctx context.Context, cmd string, args []string) error {
	switch cmd {
	case "help":
		return r.help(ctx)
	case "ping":
		if err := r.client.Ping(ctx); err != nil {
			return err
		}
		fmt.Fprintln(r.out, "pong")
	case "tools":
		tools, err := r.client.ListTools(ctx)
		if err != nil {
			return err
		}
		_ = printTools(r.out, tools)
	default:
		name, callArgs, err := parseCallArgs(append([]string{cmd}, args...))
		if err != nil {
			return err
		}
		res, err := r.client.CallTool(ctx, name, callArgs)
		if err != nil {
			return err
		}
		// In-band failures already carry their "Error: ..." text.
		_ = printToolResult(r.out, res)
	}
	return nil
}

// sessionLost reports whether err means the client has no usable session left: the server no
// longer knows it, or an earlier failure already dropped it.
func (r *replSession) sessionLost(err error) bool {
	if errors.Is(err, mcp.ErrSessionNotFound) {
		return true
	}
	return errors.Is(err, mcp.ErrSessionNotReady) && r.client.SessionID() == ""
}

func (r *replSession) help(ctx context.Context) error {
	res, err := r.client.ReadResource(ctx, calculator.HelpURI)
	if err != nil {
		return err
	}
	for _, c := range res.Contents {
		fmt.Fprintln(r.out, c.Text)
	}
	return nil
}

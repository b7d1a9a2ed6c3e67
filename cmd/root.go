package cmd

import (
	"context"
	"fmt"
	"io"
	"os"
	"strings"
)

const usage = `claude-chat is a browser chat client for the Anthropic Messages API.

Usage:
  claude-chat <command> [flags]

Commands:
  serve    Start the chat web server
  models   List the models offered in the chat page

Flags:
  -h, --help  Show this help message`

// Execute runs the CLI dispatcher with the provided arguments.
func Execute(ctx context.Context, args []string) error {
	return execute(ctx, args, os.Stdout)
}

func execute(ctx context.Context, args []string, out io.Writer) error {
	if len(args) == 0 {
		return printUsage(out)
	}

	switch args[0] {
	case "serve":
		return serve(ctx, args[1:])
	case "models":
		return listModels(args[1:], out)
	case "help", "-h", "--help":
		return printUsage(out)
	default:
		return fmt.Errorf("unknown command %q\n\n%s", args[0], usage)
	}
}

func printUsage(out io.Writer) error {
	_, err := fmt.Fprintln(out, strings.TrimSpace(usage))
	return err
}

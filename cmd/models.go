package cmd

import (
	"errors"
	"flag"
	"fmt"
	"io"
	"os"
	"text/tabwriter"

	"github.com/dustin/go-humanize"
)

const modelsUsage = `Usage:
  claude-chat models [--config <path>]

Flags:
  --config string   Path to YAML configuration file adding models or aliases`

func listModels(args []string, out io.Writer) error {
	fs := flag.NewFlagSet("models", flag.ContinueOnError)
	fs.Usage = func() {
		fmt.Fprintln(os.Stderr, modelsUsage)
	}

	var cfgPath string
	fs.StringVar(&cfgPath, "config", "", "path to configuration file")
	if err := fs.Parse(args); err != nil {
		if errors.Is(err, flag.ErrHelp) {
			return nil
		}
		return fmt.Errorf("parse models flags: %w", err)
	}

	cfg, err := loadConfig(cfgPath)
	if err != nil {
		return err
	}
	cat, err := buildCatalog(cfg)
	if err != nil {
		return err
	}

	tw := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
	fmt.Fprintln(tw, "ID\tNAME\tTHINKING\tMAX OUTPUT\tCONTEXT\tINPUT\tOUTPUT")
	for _, d := range cat.List() {
		thinking := "no"
		if d.SupportsThinking {
			thinking = "yes"
		}
		marker := ""
		if d.ID == cfg.Chat.DefaultModel {
			marker = " *"
		}
		fmt.Fprintf(tw, "%s%s\t%s\t%s\t%s\t%s\t%s\t%s\n",
			d.ID, marker, d.DisplayName, thinking, humanize.Comma(int64(d.MaxOutputTokens)), d.ContextWindow, d.Pricing.Input, d.Pricing.Output)
	}
	return tw.Flush()
}

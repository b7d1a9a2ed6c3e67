package cmd

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"os"

	"github.com/joho/godotenv"

	"claude-chat/internal/anthropic"
	"claude-chat/internal/catalog"
	"claude-chat/internal/config"
	"claude-chat/internal/models"
	"claude-chat/internal/server"
	"claude-chat/internal/session"
)

const serveUsage = `Usage:
  claude-chat serve [--config <path>] [--port <port>]

Flags:
  --config string   Path to YAML configuration file (built-in defaults when omitted)
  --port   int      Override server port from configuration

Environment:
  CLAUDE_CHAT_PORT, ANTHROPIC_BASE_URL and DEBUG override the file; a .env
  file in the working directory is loaded first.`

func serve(ctx context.Context, args []string) error {
	fs := flag.NewFlagSet("serve", flag.ContinueOnError)
	fs.Usage = func() {
		fmt.Fprintln(os.Stderr, serveUsage)
	}

	var cfgPath string
	var overridePort int
	fs.StringVar(&cfgPath, "config", "", "path to configuration file")
	fs.IntVar(&overridePort, "port", 0, "override server port")

	if err := fs.Parse(args); err != nil {
		if errors.Is(err, flag.ErrHelp) {
			return nil
		}
		return fmt.Errorf("parse serve flags: %w", err)
	}

	if err := loadDotEnv(); err != nil {
		return err
	}

	cfg, err := loadConfig(cfgPath)
	if err != nil {
		return err
	}

	if overridePort != 0 {
		if overridePort <= 0 || overridePort > 65535 {
			return fmt.Errorf("port override %d must be a valid TCP port", overridePort)
		}
		cfg.Server.Port = overridePort
	}

	configureLogging(cfg.Debug)

	cat, err := buildCatalog(cfg)
	if err != nil {
		return err
	}

	sessions := session.NewManager(session.Options{
		Catalog: cat,
		Anthropic: anthropic.Config{
			BaseURL:    cfg.Anthropic.BaseURL,
			APIVersion: cfg.Anthropic.APIVersion,
			Headers:    cfg.Anthropic.Headers,
		},
		HTTPClient:  anthropic.NewHTTPClient(cfg.Anthropic.Timeout),
		VerifyModel: cfg.Anthropic.VerifyModel,
		Defaults:    cfg.SessionDefaults(),
		MaxHistory:  cfg.Chat.MaxHistory,
	}, cfg.Server.SessionTTL)

	srv, err := server.New(cfg, cat, sessions)
	if err != nil {
		return err
	}

	return srv.Run(ctx)
}

func loadDotEnv() error {
	if err := godotenv.Load(); err != nil && !errors.Is(err, os.ErrNotExist) {
		return fmt.Errorf("load .env: %w", err)
	}
	return nil
}

func loadConfig(path string) (config.Config, error) {
	cfg := config.Default()
	if path != "" {
		loaded, err := config.Load(path)
		if err != nil {
			return config.Config{}, err
		}
		cfg = loaded
	}
	if err := cfg.ApplyEnv(os.Getenv); err != nil {
		return config.Config{}, err
	}
	return cfg, nil
}

func configureLogging(debug bool) {
	level := slog.LevelInfo
	if debug {
		level = slog.LevelDebug
	}
	slog.SetDefault(slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level})))
}

// buildCatalog registers configured models and aliases on top of the builtin
// list and checks that the default and verification models resolve.
func buildCatalog(cfg config.Config) (*catalog.Catalog, error) {
	cat := catalog.New()
	for _, m := range cfg.Models {
		err := cat.Register(models.ModelDescriptor{
			ID:               m.ID,
			DisplayName:      m.DisplayName,
			Description:      m.Description,
			SupportsThinking: m.SupportsThinking,
			CanReason:        m.SupportsThinking,
			MaxOutputTokens:  m.MaxOutputTokens,
			ContextWindow:    m.ContextWindow,
			Pricing:          models.Pricing{Input: m.InputPrice, Output: m.OutputPrice},
		})
		if err != nil {
			return nil, fmt.Errorf("register model %s: %w", m.ID, err)
		}
	}
	if err := cat.RegisterAliases(cfg.Aliases); err != nil {
		return nil, fmt.Errorf("register model aliases: %w", err)
	}

	if _, err := cat.Lookup(cfg.Chat.DefaultModel); err != nil {
		return nil, fmt.Errorf("chat.default_model: %w", err)
	}
	if _, err := cat.Lookup(cfg.Anthropic.VerifyModel); err != nil {
		return nil, fmt.Errorf("anthropic.verify_model: %w", err)
	}
	return cat, nil
}

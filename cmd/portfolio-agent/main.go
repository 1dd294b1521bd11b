package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"

	"github.com/knearme/portfolio-agent/internal/auditlog"
	"github.com/knearme/portfolio-agent/internal/config"
	"github.com/knearme/portfolio-agent/internal/lockfile"
	"github.com/knearme/portfolio-agent/internal/orchestrator"
	"github.com/knearme/portfolio-agent/internal/settings"
	"github.com/knearme/portfolio-agent/internal/statestore"
	"github.com/knearme/portfolio-agent/internal/subagent"
)

var (
	// Version is set via -ldflags at build time.
	Version = "dev"
	// Commit is set via -ldflags at build time.
	Commit = "unknown"
	// BuildTime is set via -ldflags at build time.
	BuildTime = "unknown"
)

func main() {
	if len(os.Args) < 2 {
		printUsage()
		os.Exit(2)
	}

	switch os.Args[1] {
	case "init":
		initCmd(os.Args[2:])
	case "set-key":
		setKeyCmd(os.Args[2:])
	case "run":
		runCmd(os.Args[2:])
	case "version":
		fmt.Printf("portfolio-agent %s (%s) %s\n", Version, Commit, BuildTime)
	default:
		printUsage()
		os.Exit(2)
	}
}

func printUsage() {
	fmt.Fprintf(os.Stderr, `portfolio-agent

Usage:
  portfolio-agent init [flags]
  portfolio-agent set-key [flags]
  portfolio-agent run [flags]
  portfolio-agent version

Commands:
  init        Write a starter config file with a provider registry.
  set-key     Store an API key for a configured provider in the local secrets file.
  run         Start the interactive portfolio builder using the local config file.
  version     Print build information.

`)
}

func initCmd(args []string) {
	fs := flag.NewFlagSet("init", flag.ExitOnError)
	cfgPath := fs.String("config", config.DefaultConfigPath(), "Config file path")
	providerType := fs.String("provider", "openai", "Provider type: openai|anthropic|openai_compatible")
	baseURL := fs.String("base-url", "", "Provider endpoint override (required for openai_compatible)")
	model := fs.String("model", "", "Default model name")
	_ = fs.Parse(args)

	if strings.TrimSpace(*model) == "" {
		fs.Usage()
		os.Exit(2)
	}

	cfg := &config.Config{
		Providers: []config.Provider{
			{
				ID:      strings.TrimSpace(*providerType),
				Type:    strings.TrimSpace(*providerType),
				BaseURL: strings.TrimSpace(*baseURL),
				Models:  []config.ProviderModel{{ModelName: strings.TrimSpace(*model), IsDefault: true}},
			},
		},
		LogFormat: "text",
		LogLevel:  "info",
	}
	if err := config.Save(filepath.Clean(*cfgPath), cfg); err != nil {
		fmt.Fprintf(os.Stderr, "init failed: %v\n", err)
		os.Exit(1)
	}
	fmt.Printf("Config written: %s\n", filepath.Clean(*cfgPath))
	fmt.Printf("Next: portfolio-agent set-key -provider %s\n", cfg.Providers[0].ID)
}

func setKeyCmd(args []string) {
	fs := flag.NewFlagSet("set-key", flag.ExitOnError)
	secretsPath := fs.String("secrets", config.DefaultSecretsPath(), "Secrets file path")
	providerID := fs.String("provider", "", "Provider id from the config registry")
	key := fs.String("key", "", "API key (read from PORTFOLIO_AGENT_API_KEY when empty)")
	_ = fs.Parse(args)

	apiKey := strings.TrimSpace(*key)
	if apiKey == "" {
		apiKey = strings.TrimSpace(os.Getenv("PORTFOLIO_AGENT_API_KEY"))
	}
	if strings.TrimSpace(*providerID) == "" || apiKey == "" {
		fs.Usage()
		os.Exit(2)
	}

	store := settings.NewSecretsStore(filepath.Clean(*secretsPath))
	if err := store.SetProviderAPIKey(*providerID, apiKey); err != nil {
		fmt.Fprintf(os.Stderr, "set-key failed: %v\n", err)
		os.Exit(1)
	}
	fmt.Printf("API key stored for provider %q\n", strings.TrimSpace(*providerID))
}

func runCmd(args []string) {
	fs := flag.NewFlagSet("run", flag.ExitOnError)
	cfgPath := fs.String("config", config.DefaultConfigPath(), "Config file path")
	secretsPath := fs.String("secrets", config.DefaultSecretsPath(), "Secrets file path")
	conversationID := fs.String("conversation", "", "Resume an existing conversation id")
	modelID := fs.String("model", "", "Model wire id <provider_id>/<model_name> (default: the config default)")
	_ = fs.Parse(args)

	cfg, err := config.Load(filepath.Clean(*cfgPath))
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to load config: %v\n", err)
		os.Exit(1)
	}

	logger := newLogger(cfg)

	stateDir := cfg.EffectiveStateDir()
	if err := os.MkdirAll(stateDir, 0o700); err != nil {
		fmt.Fprintf(os.Stderr, "failed to create state dir: %v\n", err)
		os.Exit(1)
	}
	lock, err := lockfile.Acquire(filepath.Join(stateDir, "agent.lock"))
	if err != nil {
		if err == lockfile.ErrAlreadyLocked {
			fmt.Fprintf(os.Stderr, "another portfolio-agent is already using %s\n", stateDir)
		} else {
			fmt.Fprintf(os.Stderr, "failed to lock state dir: %v\n", err)
		}
		os.Exit(1)
	}
	defer func() { _ = lock.Release() }()

	store, err := statestore.Open(filepath.Join(stateDir, "conversations.db"))
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to open state store: %v\n", err)
		os.Exit(1)
	}
	defer func() { _ = store.Close() }()

	providerCfg, model, ok := cfg.DefaultProviderModel()
	if raw := strings.TrimSpace(*modelID); raw != "" {
		if !cfg.IsAllowedModelID(raw) {
			fmt.Fprintf(os.Stderr, "model %q is not in the config allow-list\n", raw)
			os.Exit(1)
		}
		pid, mn, _ := strings.Cut(raw, "/")
		providerCfg, ok = cfg.ProviderByID(pid)
		model = strings.TrimSpace(mn)
	}
	if !ok {
		fmt.Fprintln(os.Stderr, "config has no default model")
		os.Exit(1)
	}
	secrets := settings.NewSecretsStore(filepath.Clean(*secretsPath))
	apiKey, hasKey, err := secrets.GetProviderAPIKey(providerCfg.ID)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to read secrets: %v\n", err)
		os.Exit(1)
	}
	if !hasKey {
		fmt.Fprintf(os.Stderr, "no API key for provider %q; run: portfolio-agent set-key -provider %s\n", providerCfg.ID, providerCfg.ID)
		os.Exit(1)
	}

	provider, err := subagent.NewProvider(providerCfg.Type, providerCfg.BaseURL, apiKey)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to init provider: %v\n", err)
		os.Exit(1)
	}
	runtime, err := subagent.NewRuntime(subagent.RuntimeOptions{
		Provider: provider,
		Model:    model,
		Log:      logger,
		Timeout:  cfg.EffectiveSubagentTimeout(),
	})
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to init subagent runtime: %v\n", err)
		os.Exit(1)
	}
	audit, err := auditlog.New(auditlog.Options{Logger: logger, StateDir: stateDir})
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to open audit log: %v\n", err)
		os.Exit(1)
	}

	orch, err := orchestrator.New(orchestrator.Options{Runtime: runtime, Store: store, Log: logger, Audit: audit})
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to init orchestrator: %v\n", err)
		os.Exit(1)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// Graceful shutdown on SIGINT/SIGTERM.
	stop := make(chan os.Signal, 1)
	signal.Notify(stop, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		<-stop
		cancel()
	}()

	printWelcomeBanner(os.Stdout, welcomeBannerOptions{
		Version:  Version,
		Model:    providerCfg.ID + "/" + model,
		StateDir: stateDir,
	})

	r := newREPL(orch, store, logger, strings.TrimSpace(*conversationID))
	if err := r.run(ctx); err != nil && ctx.Err() == nil {
		fmt.Fprintf(os.Stderr, "agent exited with error: %v\n", err)
		os.Exit(1)
	}
}

func newLogger(cfg *config.Config) *slog.Logger {
	level := slog.LevelInfo
	switch strings.TrimSpace(strings.ToLower(cfg.LogLevel)) {
	case "debug":
		level = slog.LevelDebug
	case "warn":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	}
	opts := &slog.HandlerOptions{Level: level}
	var handler slog.Handler
	if strings.TrimSpace(strings.ToLower(cfg.LogFormat)) == "json" {
		handler = slog.NewJSONHandler(os.Stderr, opts)
	} else {
		handler = slog.NewTextHandler(os.Stderr, opts)
	}
	return slog.New(handler)
}

// Huddle is a group chat server with a shared AI assistant.
//
// People talk in threads; anyone can ask the assistant to join in. The
// assistant reads the thread, a window of recent activity elsewhere, and
// the participants' profile notes, then streams a reply or stays quiet
// when the message was meant for someone else. Configuration is loaded
// from a single YAML file discovered automatically (see
// [config.DefaultSearchPaths]).
//
// Usage:
//
//	huddle serve              Start the API server
//	huddle init [dir]         Initialize a working directory with defaults
//	huddle ask <message>      Ask the assistant once (-thread, -user, -name)
//	huddle version            Print version and build information
//	huddle -o json version    Output version information as JSON
package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"github.com/joho/godotenv"

	"github.com/nugget/huddle/internal/api"
	"github.com/nugget/huddle/internal/assistant"
	"github.com/nugget/huddle/internal/buildinfo"
	"github.com/nugget/huddle/internal/config"
	"github.com/nugget/huddle/internal/events"
	"github.com/nugget/huddle/internal/identity"
	"github.com/nugget/huddle/internal/llm"
	"github.com/nugget/huddle/internal/metrics"
	"github.com/nugget/huddle/internal/realtime"
	"github.com/nugget/huddle/internal/store"
)

// main constructs the OS-level environment (context, stdio, argv) and
// delegates to [run], keeping os.Exit and os.Args out of the
// application logic so the lifecycle can be driven from tests.
func main() {
	ctx := context.Background()

	if err := run(ctx, os.Stdout, os.Stderr, os.Args[1:]); err != nil {
		fmt.Fprintf(os.Stderr, "%s\n", err)
		os.Exit(1)
	}
}

// run is the real entry point for the huddle command. ctx controls the
// lifetime of the process; structured logs go to stdout. Arguments are
// parsed by hand so run can be called concurrently from tests without
// the flag package's global state.
func run(ctx context.Context, stdout io.Writer, stderr io.Writer, args []string) error {
	var configPath string
	var outputFmt string // "text" (default) or "json"
	var command string
	var cmdArgs []string

	for i := 0; i < len(args); i++ {
		switch {
		case args[i] == "-config" && i+1 < len(args):
			configPath = args[i+1]
			i++
		case strings.HasPrefix(args[i], "-config="):
			configPath = strings.TrimPrefix(args[i], "-config=")
		case (args[i] == "-o" || args[i] == "--output") && i+1 < len(args):
			outputFmt = args[i+1]
			i++
		case strings.HasPrefix(args[i], "-o="):
			outputFmt = strings.TrimPrefix(args[i], "-o=")
		case strings.HasPrefix(args[i], "--output="):
			outputFmt = strings.TrimPrefix(args[i], "--output=")
		case args[i] == "-h" || args[i] == "-help" || args[i] == "--help":
			return printUsage(stdout)
		case !strings.HasPrefix(args[i], "-") && command == "":
			command = args[i]
		default:
			if command != "" {
				cmdArgs = append(cmdArgs, args[i])
			} else {
				return fmt.Errorf("unknown flag: %s", args[i])
			}
		}
	}

	if outputFmt == "" {
		outputFmt = "text"
	}
	if outputFmt != "text" && outputFmt != "json" {
		return fmt.Errorf("unknown output format: %q (expected text or json)", outputFmt)
	}

	switch command {
	case "serve":
		return runServe(ctx, stdout, stderr, configPath)
	case "init":
		dir := "."
		if len(cmdArgs) > 0 {
			dir = cmdArgs[0]
		}
		return runInit(stdout, dir)
	case "ask":
		return runAsk(ctx, stdout, stderr, configPath, cmdArgs)
	case "version":
		return runVersion(stdout, outputFmt)
	case "":
		return printUsage(stdout)
	default:
		return fmt.Errorf("unknown command: %s", command)
	}
}

// runVersion prints build metadata in the requested output format.
func runVersion(w io.Writer, outputFmt string) error {
	info := buildinfo.BuildInfo()
	if outputFmt == "json" {
		enc := json.NewEncoder(w)
		enc.SetIndent("", "  ")
		return enc.Encode(info)
	}
	fmt.Fprintln(w, buildinfo.String())
	for _, k := range []string{"version", "git_commit", "git_branch", "build_time", "go_version", "os", "arch"} {
		if v, ok := info[k]; ok {
			fmt.Fprintf(w, "  %-12s %s\n", k+":", v)
		}
	}
	return nil
}

// printUsage writes the top-level help text to w.
func printUsage(w io.Writer) error {
	fmt.Fprintln(w, "Huddle - group chat with a shared assistant")
	fmt.Fprintln(w)
	fmt.Fprintln(w, "Usage: huddle [flags] <command> [args]")
	fmt.Fprintln(w)
	fmt.Fprintln(w, "Commands:")
	fmt.Fprintln(w, "  serve        Start the API server")
	fmt.Fprintln(w, "  init [dir]   Initialize working directory with defaults (default: .)")
	fmt.Fprintln(w, "  ask          Ask the assistant once (-thread id, -user id, -name name)")
	fmt.Fprintln(w, "  version      Show version information")
	fmt.Fprintln(w)
	fmt.Fprintln(w, "Flags:")
	fmt.Fprintln(w, "  -config <path>    Path to config file (default: auto-discover)")
	fmt.Fprintln(w, "  -o, --output fmt  Output format: text (default) or json")
	fmt.Fprintln(w)
	fmt.Fprintln(w, "Config search order:")
	fmt.Fprintln(w, "  ./config.yaml, ~/.config/huddle/config.yaml, /etc/huddle/config.yaml")
	return nil
}

// app holds the components shared by serve and ask.
type app struct {
	cfg       *config.Config
	bus       *events.Bus
	store     *store.Store
	metrics   *metrics.Metrics
	client    *llm.MultiClient
	responder *assistant.Responder
}

// openApp builds the store, provider client and responder from cfg.
func openApp(cfg *config.Config, logger *slog.Logger) (*app, error) {
	if err := os.MkdirAll(cfg.DataDir, 0o755); err != nil {
		return nil, fmt.Errorf("create data directory: %w", err)
	}

	bus := events.New()
	st, err := store.Open(filepath.Join(cfg.DataDir, "huddle.db"), bus, logger)
	if err != nil {
		return nil, fmt.Errorf("open store: %w", err)
	}

	m := metrics.New()
	m.WatchBus(bus)
	client := createLLMClient(cfg, logger)
	responder := assistant.New(st, client, assistant.Config{
		Name:           cfg.Assistant.Name,
		Model:          cfg.Models.Default,
		Window:         cfg.Assistant.Window(),
		ReplyTimeout:   cfg.Assistant.ReplyTimeout,
		PersistRetries: cfg.Assistant.PersistRetries,
	}, bus, m, logger)

	return &app{cfg: cfg, bus: bus, store: st, metrics: m, client: client, responder: responder}, nil
}

// askArgs are the parsed arguments of "huddle ask".
type askArgs struct {
	threadID string
	userID   string
	userName string
	message  string
}

// parseAskArgs reads -thread, -user and -name; everything else is the
// message. Without -thread a new thread is created in the default space.
func parseAskArgs(args []string) (askArgs, error) {
	a := askArgs{userID: "cli"}
	var words []string
	for i := 0; i < len(args); i++ {
		switch args[i] {
		case "-thread", "-user", "-name":
			if i+1 >= len(args) {
				return a, fmt.Errorf("%s requires a value", args[i])
			}
			v := args[i+1]
			i++
			switch args[i-1] {
			case "-thread":
				a.threadID = v
			case "-user":
				a.userID = v
			case "-name":
				a.userName = v
			}
		default:
			words = append(words, args[i])
		}
	}
	a.message = strings.Join(words, " ")
	if strings.TrimSpace(a.message) == "" {
		return a, fmt.Errorf("usage: huddle ask [-thread id] [-user id] [-name name] <message>")
	}
	return a, nil
}

// runAsk handles "huddle ask". It stores the message in a thread the way
// a chat client would, then runs the assistant and streams the reply to
// stdout. Useful for smoke tests without starting the server.
func runAsk(ctx context.Context, stdout io.Writer, stderr io.Writer, configPath string, args []string) error {
	ask, err := parseAskArgs(args)
	if err != nil {
		return err
	}

	_ = godotenv.Load(".env")

	cfg, cfgPath, err := loadConfig(configPath)
	if err != nil {
		return err
	}
	level, _ := config.ParseLogLevel(cfg.LogLevel)
	logger := newLogger(stderr, level, cfg.LogFormat)
	logger.Debug("config loaded", "path", cfgPath)

	a, err := openApp(cfg, logger)
	if err != nil {
		return err
	}
	defer a.store.Close()

	if ask.threadID == "" {
		sp, err := a.store.DefaultSpace(ctx, ask.userID)
		if err != nil {
			return err
		}
		th, err := a.store.CreateThread(ctx, sp.ID, ask.userID)
		if err != nil {
			return err
		}
		ask.threadID = th.ID
		fmt.Fprintf(stderr, "thread %s\n", th.ID)
	}

	user := identity.User{ID: ask.userID, Name: ask.userName}
	if _, err := a.store.InsertMessage(ctx, store.NewMessage{
		ThreadID: ask.threadID, UserID: user.ID, UserName: user.DisplayName(), Content: ask.message, Role: store.RoleUser,
	}); err != nil {
		return fmt.Errorf("store message: %w", err)
	}
	if _, err := a.store.AutoTitle(ctx, ask.threadID, ask.message); err != nil {
		logger.Warn("auto-title failed", "thread_id", ask.threadID, "error", err)
	}

	res, err := a.responder.Respond(ctx, assistant.Request{
		ThreadID: ask.threadID, Message: ask.message, UserID: user.ID, UserName: user.Name,
	}, &textEmitter{w: stdout})
	if err != nil {
		return fmt.Errorf("ask: %w", err)
	}
	if res.Outcome == assistant.OutcomeFailed {
		return fmt.Errorf("ask: %w", res.Err)
	}
	return nil
}

// textEmitter prints assistant events as plain text.
type textEmitter struct {
	w io.Writer
}

func (e *textEmitter) Content(delta string) error {
	_, err := io.WriteString(e.w, delta)
	return err
}

func (e *textEmitter) NoResponse() error {
	_, err := fmt.Fprintln(e.w, "(the assistant chose not to respond)")
	return err
}

func (e *textEmitter) Error(message, details string) error {
	_, err := fmt.Fprintf(e.w, "\nerror: %s: %s\n", message, details)
	return err
}

func (e *textEmitter) Done() error {
	_, err := fmt.Fprintln(e.w)
	return err
}

// runServe handles "huddle serve". It loads config, opens the store,
// wires the assistant and realtime fan-out, starts the API server, and
// blocks until SIGINT or SIGTERM. On shutdown the MQTT bridge publishes
// its offline status and the HTTP server drains in-flight requests.
func runServe(ctx context.Context, stdout io.Writer, stderr io.Writer, configPath string) error {
	logger := newLogger(stdout, slog.LevelInfo, "text")
	logger.Info("starting Huddle", "version", buildinfo.Version, "commit", buildinfo.GitCommit, "branch", buildinfo.GitBranch, "built", buildinfo.BuildTime)

	if err := godotenv.Load(".env"); err == nil {
		logger.Info("loaded environment from .env")
	}

	cfg, cfgPath, err := loadConfig(configPath)
	if err != nil {
		return err
	}

	// Validate has already accepted the level.
	level, _ := config.ParseLogLevel(cfg.LogLevel)
	logger = newLogger(stdout, level, cfg.LogFormat)

	logger.Info("config loaded",
		"path", cfgPath,
		"port", cfg.Listen.Port,
		"data_dir", cfg.DataDir,
		"model", cfg.Models.Default,
		"provider", cfg.DefaultProvider(),
	)

	a, err := openApp(cfg, logger)
	if err != nil {
		return err
	}
	defer a.store.Close()

	server := api.NewServer(cfg.Listen.Address, cfg.Listen.Port, a.store, a.responder, logger)
	server.SetResolver(identity.NewResolver(cfg.Identity.SigningKeys, store.AssistantID))
	server.SetMetrics(a.metrics)
	server.SetRealtime(realtime.NewHandler(a.bus, logger))
	server.SetProvider(a.client)
	server.SetRateLimit(cfg.RateLimit)
	if len(cfg.Identity.SigningKeys) == 0 {
		logger.Warn("identity signing disabled; X-User-ID is trusted as sent")
	}

	ctx, cancel := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	var bridge *realtime.Bridge
	if cfg.MQTT.Enabled {
		bridge, err = realtime.NewBridge(cfg.MQTT, cfg.DataDir, a.bus, logger)
		if err != nil {
			return fmt.Errorf("mqtt bridge: %w", err)
		}
		go func() {
			if err := bridge.Start(ctx); err != nil {
				logger.Error("mqtt bridge failed", "error", err)
			}
		}()
		logger.Info("mqtt bridge enabled", "broker", cfg.MQTT.Broker, "prefix", cfg.MQTT.TopicPrefix)
	} else {
		logger.Info("mqtt bridge disabled (not configured)")
	}

	go func() {
		<-ctx.Done()
		logger.Info("shutdown signal received")

		if bridge != nil {
			offlineCtx, offlineCancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer offlineCancel()
			if err := bridge.Stop(offlineCtx); err != nil {
				logger.Error("mqtt shutdown failed", "error", err)
			}
		}

		shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer shutdownCancel()
		if err := server.Shutdown(shutdownCtx); err != nil {
			logger.Error("server shutdown failed", "error", err)
		}
	}()

	if err := server.Start(ctx); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("server failed: %w", err)
	}

	logger.Info("Huddle stopped")
	return nil
}

// newLogger creates a structured logger that writes to w at the given
// level and format. Format "json" selects JSON; anything else is text.
func newLogger(w io.Writer, level slog.Level, format string) *slog.Logger {
	opts := &slog.HandlerOptions{
		Level:       level,
		ReplaceAttr: config.ReplaceLogLevelNames,
	}
	var handler slog.Handler
	if format == "json" {
		handler = slog.NewJSONHandler(w, opts)
	} else {
		handler = slog.NewTextHandler(w, opts)
	}
	return slog.New(handler)
}

// loadConfig locates and parses the YAML configuration file. If explicit
// is non-empty, that exact path is used (and must exist).
func loadConfig(explicit string) (*config.Config, string, error) {
	cfgPath, err := config.FindConfig(explicit)
	if err != nil {
		return nil, "", err
	}

	cfg, err := config.Load(cfgPath)
	if err != nil {
		return nil, cfgPath, fmt.Errorf("load config %s: %w", cfgPath, err)
	}

	return cfg, cfgPath, nil
}

// createLLMClient builds a multi-provider client from the configuration.
// Only providers with credentials are registered, so a model routed to
// an unconfigured provider fails with [llm.ErrProviderNotConfigured]
// when it is first used. Unmapped models go to openai.
func createLLMClient(cfg *config.Config, logger *slog.Logger) *llm.MultiClient {
	multi := llm.NewMultiClient("openai")

	if cfg.OpenAI.Configured() {
		multi.AddProvider("openai", llm.NewOpenAIClient(cfg.OpenAI.APIKey, cfg.OpenAI.BaseURL, logger))
		logger.Info("OpenAI provider configured")
	}
	if cfg.Anthropic.Configured() {
		multi.AddProvider("anthropic", llm.NewAnthropicClient(cfg.Anthropic.APIKey, logger))
		logger.Info("Anthropic provider configured")
	}
	if cfg.Ollama.Configured() {
		multi.AddProvider("ollama", llm.NewOllamaClient(cfg.Ollama.URL, logger))
		logger.Info("Ollama provider configured", "url", cfg.Ollama.URL)
	}

	for _, m := range cfg.Models.Available {
		multi.AddModel(m.Name, m.Provider)
	}

	logger.Info("LLM client initialized", "default_model", cfg.Models.Default, "default_provider", cfg.DefaultProvider())
	return multi
}

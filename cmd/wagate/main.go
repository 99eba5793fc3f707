// ABOUTME: Entry point for the wagate messaging gateway
// ABOUTME: Wires store, session registry, inbound pipeline and broadcasts

package main

import (
	"bufio"
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/fatih/color"

	"github.com/mitbiz/wagate/internal/broadcast"
	"github.com/mitbiz/wagate/internal/config"
	"github.com/mitbiz/wagate/internal/conversation"
	"github.com/mitbiz/wagate/internal/dedupe"
	"github.com/mitbiz/wagate/internal/gateway"
	"github.com/mitbiz/wagate/internal/inbound"
	"github.com/mitbiz/wagate/internal/media"
	"github.com/mitbiz/wagate/internal/session"
	"github.com/mitbiz/wagate/internal/store"
	"github.com/mitbiz/wagate/internal/wire"
)

// Version is set by goreleaser at build time.
var version = "dev"

const banner = `
__      ____ _  __ _  __ _| |_ ___
\ \ /\ / / _' |/ _' |/ _' | __/ _ \
 \ V  V / (_| | (_| | (_| | ||  __/
  \_/\_/ \__,_|\__, |\__,_|\__\___|
               |___/
`

// dedupe cache sizing: TTL 5min, max 100k entries.
const (
	dedupeTTL     = 5 * time.Minute
	dedupeMaxSize = 100_000
)

// getConfigPath returns the path to the gateway config file.
// Priority: WAGATE_CONFIG env var > XDG_CONFIG_HOME/wagate/wagate.yaml > ~/.config/wagate/wagate.yaml
func getConfigPath() string {
	if envPath := os.Getenv("WAGATE_CONFIG"); envPath != "" {
		return envPath
	}

	configDir := os.Getenv("XDG_CONFIG_HOME")
	if configDir == "" {
		homeDir, err := os.UserHomeDir()
		if err != nil {
			return "wagate.yaml" // fallback
		}
		configDir = filepath.Join(homeDir, ".config")
	}

	return filepath.Join(configDir, "wagate", "wagate.yaml")
}

// getDataPath returns the path to the wagate data directory.
// Priority: XDG_DATA_HOME/wagate > ~/.local/share/wagate
func getDataPath() string {
	dataDir := os.Getenv("XDG_DATA_HOME")
	if dataDir == "" {
		homeDir, err := os.UserHomeDir()
		if err != nil {
			return "data" // fallback
		}
		dataDir = filepath.Join(homeDir, ".local", "share")
	}

	return filepath.Join(dataDir, "wagate")
}

func main() {
	if len(os.Args) < 2 {
		fmt.Println("Usage: wagate <command>")
		fmt.Println()
		fmt.Println("Commands:")
		fmt.Println("  serve    Start the gateway")
		fmt.Println("  init     Create a new config file interactively")
		os.Exit(1)
	}

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	var err error
	switch os.Args[1] {
	case "serve":
		err = runServe(ctx)
	case "init":
		err = runInit()
	default:
		fmt.Fprintf(os.Stderr, "Unknown command: %s\n", os.Args[1])
		os.Exit(1)
	}

	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func runServe(ctx context.Context) error {
	configPath := getConfigPath()

	// Print banner
	cyan := color.New(color.FgCyan)
	cyan.Print(banner)

	// Version info
	gray := color.New(color.FgHiBlack)
	gray.Printf("    version: %s\n\n", version)

	// Load configuration
	cfg, err := config.Load(configPath)
	if err != nil {
		return fmt.Errorf("loading config: %w", err)
	}

	// Setup logger
	logger := setupLogger(cfg.Logging)

	// Startup info
	green := color.New(color.FgGreen)
	green.Print("    ▶ ")
	fmt.Printf("Config:    %s\n", configPath)
	green.Print("    ▶ ")
	fmt.Printf("Database:  %s\n", cfg.Database.Path)
	green.Print("    ▶ ")
	fmt.Printf("Media:     %s\n", cfg.Media.Dir)
	fmt.Println()

	logger.Info("starting wagate",
		"config", configPath,
		"database", cfg.Database.Path,
	)

	s, err := store.NewSQLiteStore(cfg.Database.Path)
	if err != nil {
		return fmt.Errorf("opening database: %w", err)
	}
	defer s.Close()

	events := conversation.NewEventBroadcaster(logger)
	defer events.Close()

	cache := dedupe.New(dedupeTTL, dedupeMaxSize)
	defer cache.Close()

	uploader := &media.DirUploader{Dir: cfg.Media.Dir, BaseURL: cfg.Media.BaseURL}
	processor := inbound.NewProcessor(s, cache, uploader, events, logger)

	creds := session.NewCredentialStore(s, logger)

	// The real protocol library plugs in here as a wire.Dialer; the
	// loopback dialer keeps the gateway runnable against nothing.
	dialer := wire.NewLoopbackDialer()

	registry := session.NewRegistry(session.Deps{
		Store:  s,
		Creds:  creds,
		Dialer: dialer,
		OnMessage: func(sessionID, _ string, ev wire.MessageEvent) {
			hctx, hcancel := context.WithTimeout(context.Background(), cfg.Protocol.ConnectTimeout)
			defer hcancel()
			if err := processor.Handle(hctx, sessionID, ev); err != nil {
				logger.Error("handling inbound message failed",
					"session_id", sessionID, "error", err)
			}
		},
		Logger: logger,
		Config: cfg.Protocol,
	})
	defer registry.Close()

	fetcher := media.NewHTTPFetcher()
	engine := broadcast.NewEngine(s, fetcher, cfg.Broadcast, logger)

	// The transport binding (HTTP/RPC) mounts on top of svc; it is an
	// external collaborator and not part of this core.
	svc := gateway.New(s, registry, engine, events, fetcher, logger)

	// Dev convenience: bring a named session up at boot so the pairing
	// flow can be exercised end to end against the loopback dialer.
	if devSession := os.Getenv("WAGATE_DEV_SESSION"); devSession != "" {
		state, err := svc.StartOrResumeSession(ctx, devSession, "dev", "dev session")
		if err != nil {
			logger.Warn("dev session connect failed", "session_id", devSession, "error", err)
		} else {
			logger.Info("dev session state",
				"session_id", devSession,
				"connected", state.Connected,
				"pairing_pending", state.PairingArtifact != "")
		}
	}

	logger.Info("wagate ready")
	<-ctx.Done()
	logger.Info("shutting down")
	return nil
}

func setupLogger(cfg config.LoggingConfig) *slog.Logger {
	var level slog.Level
	switch cfg.Level {
	case "debug":
		level = slog.LevelDebug
	case "info":
		level = slog.LevelInfo
	case "warn":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	default:
		level = slog.LevelInfo
	}

	opts := &slog.HandlerOptions{
		Level: level,
	}

	var handler slog.Handler
	if cfg.Format == "json" {
		handler = slog.NewJSONHandler(os.Stdout, opts)
	} else {
		handler = &colorHandler{
			level: level,
		}
	}

	return slog.New(handler)
}

// colorHandler provides colorized log output with thread-safe writes.
type colorHandler struct {
	mu     sync.Mutex
	level  slog.Level
	attrs  []slog.Attr
	groups []string
}

func (h *colorHandler) Enabled(_ context.Context, level slog.Level) bool {
	return level >= h.level
}

func (h *colorHandler) Handle(_ context.Context, r slog.Record) error {
	h.mu.Lock()
	defer h.mu.Unlock()

	var buf strings.Builder

	// Format timestamp
	buf.WriteString(color.HiBlackString(r.Time.Format("15:04:05") + " "))

	// Colorize level
	switch r.Level {
	case slog.LevelDebug:
		buf.WriteString(color.MagentaString("DBG "))
	case slog.LevelInfo:
		buf.WriteString(color.CyanString("INF "))
	case slog.LevelWarn:
		buf.WriteString(color.YellowString("WRN "))
	case slog.LevelError:
		buf.WriteString(color.New(color.FgRed, color.Bold).Sprint("ERR "))
	default:
		buf.WriteString("??? ")
	}

	// Print message
	buf.WriteString(r.Message)

	// Print handler-level attrs first (from WithAttrs)
	for _, a := range h.attrs {
		buf.WriteString(color.HiBlackString(" " + a.Key + "="))
		buf.WriteString(a.Value.String())
	}

	// Print record attrs
	r.Attrs(func(a slog.Attr) bool {
		buf.WriteString(color.HiBlackString(" " + a.Key + "="))
		buf.WriteString(a.Value.String())
		return true
	})

	buf.WriteString("\n")
	fmt.Print(buf.String())
	return nil
}

func (h *colorHandler) WithAttrs(attrs []slog.Attr) slog.Handler {
	newAttrs := make([]slog.Attr, len(h.attrs), len(h.attrs)+len(attrs))
	copy(newAttrs, h.attrs)
	newAttrs = append(newAttrs, attrs...)
	return &colorHandler{
		level:  h.level,
		attrs:  newAttrs,
		groups: h.groups,
	}
}

func (h *colorHandler) WithGroup(name string) slog.Handler {
	newGroups := make([]string, len(h.groups), len(h.groups)+1)
	copy(newGroups, h.groups)
	newGroups = append(newGroups, name)
	return &colorHandler{
		level:  h.level,
		attrs:  h.attrs,
		groups: newGroups,
	}
}

func runInit() error {
	reader := bufio.NewReader(os.Stdin)

	fmt.Println("wagate configuration setup")
	fmt.Println("==========================")
	fmt.Println()

	// Default paths
	defaultConfigPath := getConfigPath()
	defaultDataPath := getDataPath()
	defaultDbPath := filepath.Join(defaultDataPath, "wagate.db")
	defaultMediaPath := filepath.Join(defaultDataPath, "media")

	// Output filename
	outputFile := prompt(reader, "Config file path", defaultConfigPath)

	// Check if file exists
	if _, err := os.Stat(outputFile); err == nil {
		overwrite := prompt(reader, "File exists. Overwrite?", "no")
		if strings.ToLower(overwrite) != "yes" && strings.ToLower(overwrite) != "y" {
			fmt.Println("Aborted.")
			return nil
		}
	}

	// Database
	fmt.Println("\n--- Database Configuration ---")
	dbPath := prompt(reader, "SQLite database path", defaultDbPath)

	// Media
	fmt.Println("\n--- Media Configuration ---")
	mediaDir := prompt(reader, "Media directory", defaultMediaPath)
	mediaBaseURL := prompt(reader, "Media base URL", "http://localhost:8080/media")

	// Broadcast
	fmt.Println("\n--- Broadcast Configuration ---")
	countryPrefix := prompt(reader, "Country prefix for trunk-0 numbers", "62")

	// Logging
	fmt.Println("\n--- Logging Configuration ---")
	logLevel := prompt(reader, "Log level (debug/info/warn/error)", "info")
	logFormat := prompt(reader, "Log format (text/json)", "text")

	// Generate config
	var cfg strings.Builder
	cfg.WriteString("# wagate configuration\n")
	cfg.WriteString("# Generated by wagate init\n\n")

	cfg.WriteString("database:\n")
	cfg.WriteString(fmt.Sprintf("  path: \"%s\"\n", dbPath))
	cfg.WriteString("\n")

	cfg.WriteString("protocol:\n")
	cfg.WriteString("  connect_timeout: \"20s\"\n")
	cfg.WriteString("  reconnect_backoff: \"3s\"\n")
	cfg.WriteString("  resume_grace: \"2s\"\n")
	cfg.WriteString("\n")

	cfg.WriteString("broadcast:\n")
	cfg.WriteString("  default_delay_ms: 1000\n")
	cfg.WriteString("  default_jitter_ms: 500\n")
	cfg.WriteString("  failure_backoff_floor_ms: 1200\n")
	cfg.WriteString(fmt.Sprintf("  country_prefix: \"%s\"\n", countryPrefix))
	cfg.WriteString("\n")

	cfg.WriteString("media:\n")
	cfg.WriteString(fmt.Sprintf("  dir: \"%s\"\n", mediaDir))
	cfg.WriteString(fmt.Sprintf("  base_url: \"%s\"\n", mediaBaseURL))
	cfg.WriteString("\n")

	cfg.WriteString("logging:\n")
	cfg.WriteString(fmt.Sprintf("  level: \"%s\"\n", logLevel))
	cfg.WriteString(fmt.Sprintf("  format: \"%s\"\n", logFormat))

	// Ensure config directory exists
	configDir := filepath.Dir(outputFile)
	if err := os.MkdirAll(configDir, 0755); err != nil {
		return fmt.Errorf("creating config directory: %w", err)
	}

	// Write config file
	if err := os.WriteFile(outputFile, []byte(cfg.String()), 0644); err != nil {
		return fmt.Errorf("writing config file: %w", err)
	}

	// Ensure data directory exists
	dataDir := filepath.Dir(dbPath)
	if err := os.MkdirAll(dataDir, 0755); err != nil {
		return fmt.Errorf("creating data directory: %w", err)
	}

	fmt.Printf("\nConfig written to %s\n", outputFile)
	fmt.Printf("Data directory: %s\n", dataDir)
	fmt.Println("\nTo start the gateway:")
	fmt.Printf("  wagate serve\n")

	return nil
}

func prompt(reader *bufio.Reader, question, defaultVal string) string {
	if defaultVal != "" {
		fmt.Printf("%s [%s]: ", question, defaultVal)
	} else {
		fmt.Printf("%s: ", question)
	}

	input, err := reader.ReadString('\n')
	if err != nil {
		// On EOF or error, return default
		fmt.Println()
		return defaultVal
	}
	input = strings.TrimSpace(input)

	if input == "" {
		return defaultVal
	}
	return input
}

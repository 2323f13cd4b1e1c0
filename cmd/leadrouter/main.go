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
	"time"

	"github.com/joho/godotenv"
	"golang.org/x/sync/errgroup"

	"github.com/palinopr/ghl-langgraph-agent-sub000/internal/agent"
	"github.com/palinopr/ghl-langgraph-agent-sub000/internal/api"
	"github.com/palinopr/ghl-langgraph-agent-sub000/internal/config"
	"github.com/palinopr/ghl-langgraph-agent-sub000/internal/flow"
	"github.com/palinopr/ghl-langgraph-agent-sub000/internal/genai"
	"github.com/palinopr/ghl-langgraph-agent-sub000/internal/ghl"
	"github.com/palinopr/ghl-langgraph-agent-sub000/internal/lockfile"
	"github.com/palinopr/ghl-langgraph-agent-sub000/internal/messaging"
	"github.com/palinopr/ghl-langgraph-agent-sub000/internal/recovery"
	"github.com/palinopr/ghl-langgraph-agent-sub000/internal/responder"
	"github.com/palinopr/ghl-langgraph-agent-sub000/internal/router"
	"github.com/palinopr/ghl-langgraph-agent-sub000/internal/scheduler"
	"github.com/palinopr/ghl-langgraph-agent-sub000/internal/store"
	"github.com/palinopr/ghl-langgraph-agent-sub000/internal/twiliowhatsapp"
	"github.com/palinopr/ghl-langgraph-agent-sub000/internal/util"
	"github.com/palinopr/ghl-langgraph-agent-sub000/internal/whatsapp"
)

// Default configuration constants
const (
	// DefaultStateDir is the default directory for lead router state data
	DefaultStateDir = "/var/lib/leadrouter"
	// DefaultDBFileName is the default SQLite database filename
	DefaultDBFileName = "leadrouter.db"
	// Send channels
	ChannelGHL      = "ghl"
	ChannelTwilio   = "twilio"
	ChannelWhatsApp = "whatsapp"
)

func main() {
	initializeLogger(slog.LevelDebug)

	cfg := loadEnvironmentConfig()
	if !cfg.Debug {
		initializeLogger(slog.LevelInfo)
	}

	flags, err := parseCommandLineFlags(flag.CommandLine, os.Args[1:], cfg)
	if err != nil {
		slog.Error("Failed to parse flags", "error", err)
		os.Exit(2)
	}

	if err := ensureDirectoriesExist(flags); err != nil {
		slog.Error("Failed to create required directories", "error", err)
		os.Exit(1)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	slog.Info("Bootstrapping lead router")
	if err := run(ctx, cfg, flags); err != nil {
		slog.Error("Lead router failed to run", "error", err)
		os.Exit(1)
	}
	slog.Info("Lead router exited successfully")
}

// Config holds environment configuration
type Config struct {
	StateDir        string
	DatabaseURL     string
	OpenAIKey       string
	OpenAIModel     string
	OpenAIMaxToks   int
	GHLAPIKey       string
	GHLLocationID   string
	GHLCalendarID   string
	GHLBaseURL      string
	GHLMessageType  string
	APIAddr         string
	BusinessConfig  string
	SendChannel     string
	TwilioSID       string
	TwilioToken     string
	TwilioFrom      string
	WhatsAppDSN     string
	WhatsAppQRPath  string
	WhatsAppNumCode bool
	ProcessTimeout  time.Duration
	RecoveryMaxAge  time.Duration
	SweepSchedule   string
	Debug           bool
}

// Flags holds command line flag values
type Flags struct {
	stateDir       *string
	dbDSN          *string
	openaiKey      *string
	openaiModel    *string
	ghlAPIKey      *string
	ghlLocationID  *string
	ghlCalendarID  *string
	apiAddr        *string
	businessConfig *string
	sendChannel    *string
}

// initializeLogger sets up structured logging at the given level
func initializeLogger(level slog.Level) {
	logger := slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: level}))
	slog.SetDefault(logger)
}

// loadEnvironmentConfig loads configuration from environment variables and .env file
func loadEnvironmentConfig() Config {
	if err := godotenv.Load(); err != nil {
		slog.Debug("failed to load .env file", "error", err)
	} else {
		slog.Debug("successfully loaded .env file")
	}

	cfg := Config{
		StateDir:        util.EnvOr("LEADROUTER_STATE_DIR", DefaultStateDir),
		DatabaseURL:     os.Getenv("DATABASE_URL"),
		OpenAIKey:       os.Getenv("OPENAI_API_KEY"),
		OpenAIModel:     util.EnvOr("OPENAI_MODEL", genai.DefaultModel),
		OpenAIMaxToks:   util.ParseIntEnv("OPENAI_MAX_TOKENS", 0),
		GHLAPIKey:       os.Getenv("GHL_API_KEY"),
		GHLLocationID:   os.Getenv("GHL_LOCATION_ID"),
		GHLCalendarID:   os.Getenv("GHL_CALENDAR_ID"),
		GHLBaseURL:      util.EnvOr("GHL_BASE_URL", ghl.DefaultBaseURL),
		GHLMessageType:  util.EnvOr("GHL_MESSAGE_TYPE", ghl.DefaultMessageType),
		APIAddr:         util.EnvOr("API_ADDR", api.DefaultAddr),
		BusinessConfig:  os.Getenv("BUSINESS_CONFIG"),
		SendChannel:     strings.ToLower(util.EnvOr("SEND_CHANNEL", ChannelGHL)),
		TwilioSID:       os.Getenv("TWILIO_ACCOUNT_SID"),
		TwilioToken:     os.Getenv("TWILIO_AUTH_TOKEN"),
		TwilioFrom:      os.Getenv("TWILIO_FROM_NUMBER"),
		WhatsAppDSN:     os.Getenv("WHATSAPP_DB_DSN"),
		WhatsAppQRPath:  os.Getenv("WHATSAPP_QR_PATH"),
		WhatsAppNumCode: util.ParseBoolEnv("WHATSAPP_NUMERIC_CODE", false),
		ProcessTimeout:  util.ParseDurationEnv("PROCESS_TIMEOUT", api.DefaultProcessTimeout),
		RecoveryMaxAge:  util.ParseDurationEnv("RECOVERY_MAX_AGE", recovery.DefaultMaxAge),
		SweepSchedule:   util.EnvOr("SWEEP_SCHEDULE", scheduler.DefaultSweepSchedule),
		Debug:           util.ParseBoolEnv("LEADROUTER_DEBUG", true),
	}

	// If no database URL is provided, default to SQLite in the state directory
	if cfg.DatabaseURL == "" {
		cfg.DatabaseURL = filepath.Join(cfg.StateDir, DefaultDBFileName)
		slog.Debug("No DATABASE_URL provided, defaulting to SQLite", "sqlite_path", cfg.DatabaseURL)
	}

	slog.Debug("environment variables loaded",
		"LEADROUTER_STATE_DIR", cfg.StateDir,
		"DATABASE_URL_SET", os.Getenv("DATABASE_URL") != "",
		"OPENAI_API_KEY_SET", cfg.OpenAIKey != "",
		"OPENAI_MODEL", cfg.OpenAIModel,
		"GHL_API_KEY_SET", cfg.GHLAPIKey != "",
		"GHL_LOCATION_ID", cfg.GHLLocationID,
		"GHL_CALENDAR_ID", cfg.GHLCalendarID,
		"API_ADDR", cfg.APIAddr,
		"BUSINESS_CONFIG", cfg.BusinessConfig,
		"SEND_CHANNEL", cfg.SendChannel,
		"SWEEP_SCHEDULE", cfg.SweepSchedule)
	return cfg
}

// parseCommandLineFlags parses command line arguments with environment defaults
func parseCommandLineFlags(fs *flag.FlagSet, args []string, cfg Config) (Flags, error) {
	flags := Flags{
		stateDir:       fs.String("state-dir", cfg.StateDir, "state directory for lead router data (overrides $LEADROUTER_STATE_DIR)"),
		dbDSN:          fs.String("db-dsn", cfg.DatabaseURL, "SQLite path or Postgres DSN (overrides $DATABASE_URL)"),
		openaiKey:      fs.String("openai-api-key", cfg.OpenAIKey, "OpenAI API key (overrides $OPENAI_API_KEY)"),
		openaiModel:    fs.String("openai-model", cfg.OpenAIModel, "OpenAI chat model (overrides $OPENAI_MODEL)"),
		ghlAPIKey:      fs.String("ghl-api-key", cfg.GHLAPIKey, "GHL private integration token (overrides $GHL_API_KEY)"),
		ghlLocationID:  fs.String("ghl-location-id", cfg.GHLLocationID, "GHL location id (overrides $GHL_LOCATION_ID)"),
		ghlCalendarID:  fs.String("ghl-calendar-id", cfg.GHLCalendarID, "GHL calendar id (overrides $GHL_CALENDAR_ID)"),
		apiAddr:        fs.String("api-addr", cfg.APIAddr, "API server address (overrides $API_ADDR)"),
		businessConfig: fs.String("business-config", cfg.BusinessConfig, "business YAML file (overrides $BUSINESS_CONFIG)"),
		sendChannel:    fs.String("send-channel", cfg.SendChannel, "outbound channel: ghl, twilio or whatsapp (overrides $SEND_CHANNEL)"),
	}
	if err := fs.Parse(args); err != nil {
		return Flags{}, err
	}

	slog.Debug("flags parsed",
		"stateDir", *flags.stateDir,
		"dbDSN_set", *flags.dbDSN != "",
		"openaiKeySet", *flags.openaiKey != "",
		"openaiModel", *flags.openaiModel,
		"apiAddr", *flags.apiAddr,
		"businessConfig", *flags.businessConfig,
		"sendChannel", *flags.sendChannel)

	// Follow an overridden state directory when the DSN is the default SQLite path
	if *flags.dbDSN == cfg.DatabaseURL && cfg.DatabaseURL == filepath.Join(cfg.StateDir, DefaultDBFileName) && *flags.stateDir != cfg.StateDir {
		*flags.dbDSN = filepath.Join(*flags.stateDir, DefaultDBFileName)
		slog.Debug("Updated dbDSN based on state directory", "old_state_dir", cfg.StateDir, "new_state_dir", *flags.stateDir)
	}
	return flags, nil
}

// ensureDirectoriesExist creates the directory of a file-based DSN
func ensureDirectoriesExist(flags Flags) error {
	if store.DetectDSNType(*flags.dbDSN) == "postgres" {
		return nil
	}
	dir := filepath.Dir(*flags.dbDSN)
	slog.Debug("Creating state directory for file-based database", "dir", dir)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("create %s: %w", dir, err)
	}
	return nil
}

// loadBusiness reads the business file, or returns the built-in defaults
func loadBusiness(path string) (*config.Business, error) {
	if strings.TrimSpace(path) == "" {
		slog.Warn("No business config given, using built-in defaults")
		return config.Default(), nil
	}
	return config.Load(path)
}

// buildGHLOptions constructs CRM client options
func buildGHLOptions(cfg Config, flags Flags, business *config.Business) []ghl.Option {
	return []ghl.Option{
		ghl.WithBaseURL(cfg.GHLBaseURL),
		ghl.WithAPIKey(*flags.ghlAPIKey),
		ghl.WithLocationID(*flags.ghlLocationID),
		ghl.WithCalendarID(*flags.ghlCalendarID),
		ghl.WithMessageType(cfg.GHLMessageType),
		ghl.WithAppointmentDuration(time.Duration(business.AppointmentMinutes) * time.Minute),
	}
}

// buildGenAIOptions constructs GenAI configuration options
func buildGenAIOptions(cfg Config, flags Flags) []genai.Option {
	opts := []genai.Option{genai.WithAPIKey(*flags.openaiKey), genai.WithModel(*flags.openaiModel)}
	if cfg.OpenAIMaxToks > 0 {
		opts = append(opts, genai.WithMaxCompletionTokens(cfg.OpenAIMaxToks))
	}
	return opts
}

// buildSender selects the outbound channel. The returned close func is
// never nil.
func buildSender(ctx context.Context, channel string, crm *ghl.Client, cfg Config, stateDir string) (messaging.Sender, func(), error) {
	noop := func() {}
	switch channel {
	case ChannelGHL, "":
		return messaging.NewGHLSender(crm), noop, nil
	case ChannelTwilio:
		tw, err := twiliowhatsapp.NewClient(
			twiliowhatsapp.WithAccountSID(cfg.TwilioSID),
			twiliowhatsapp.WithAuthToken(cfg.TwilioToken),
			twiliowhatsapp.WithFromWhats(cfg.TwilioFrom),
		)
		if err != nil {
			return nil, noop, fmt.Errorf("twilio: %w", err)
		}
		return messaging.NewContactPhoneSender(crm, tw, ChannelTwilio), noop, nil
	case ChannelWhatsApp:
		wa, err := whatsapp.NewClient(ctx, buildWhatsAppOptions(cfg, stateDir)...)
		if err != nil {
			return nil, noop, fmt.Errorf("whatsapp: %w", err)
		}
		return messaging.NewContactPhoneSender(crm, wa, ChannelWhatsApp), wa.Close, nil
	default:
		return nil, noop, fmt.Errorf("unknown send channel %q (want %s, %s or %s)", channel, ChannelGHL, ChannelTwilio, ChannelWhatsApp)
	}
}

// buildWhatsAppOptions constructs linked-device session options
func buildWhatsAppOptions(cfg Config, stateDir string) []whatsapp.Option {
	dsn := cfg.WhatsAppDSN
	if dsn == "" {
		dsn = filepath.Join(stateDir, whatsapp.DefaultSessionFileName)
	}
	opts := []whatsapp.Option{whatsapp.WithDBDSN(dsn)}
	if cfg.WhatsAppQRPath != "" {
		opts = append(opts, whatsapp.WithQRCodeOutput(cfg.WhatsAppQRPath))
	}
	if cfg.WhatsAppNumCode {
		opts = append(opts, whatsapp.WithNumericCode())
	}
	return opts
}

// run wires every module and serves until ctx is cancelled
func run(ctx context.Context, cfg Config, flags Flags) error {
	lock, err := lockfile.Acquire(*flags.stateDir)
	if err != nil {
		return err
	}
	defer lock.Release()

	business, err := loadBusiness(*flags.businessConfig)
	if err != nil {
		return err
	}

	st, err := store.NewStore(*flags.dbDSN)
	if err != nil {
		return fmt.Errorf("open store: %w", err)
	}
	defer func() {
		if err := st.Close(); err != nil {
			slog.Error("Failed to close store", "error", err)
		}
	}()

	crm, err := ghl.NewClient(buildGHLOptions(cfg, flags, business)...)
	if err != nil {
		return fmt.Errorf("ghl client: %w", err)
	}
	gen, err := genai.NewClient(buildGenAIOptions(cfg, flags)...)
	if err != nil {
		return fmt.Errorf("genai client: %w", err)
	}
	sender, closeSender, err := buildSender(ctx, *flags.sendChannel, crm, cfg, *flags.stateDir)
	if err != nil {
		return err
	}
	defer closeSender()

	rt := router.New(router.WithMinBudget(business.MinBudget))
	threads := flow.NewThreadStore(st, crm, flow.WithHistoryLimit(business.HistoryLimit))
	dispatcher := agent.NewDispatcher(gen, crm, rt, business)
	pipeline := flow.NewPipeline(threads, st, rt, dispatcher, responder.New(sender, st), crm)

	// Finish turns a previous process accepted but never answered.
	rm := recovery.NewManager()
	rm.Register(recovery.NewTurnRecovery(st, pipeline, recovery.WithMaxAge(cfg.RecoveryMaxAge)))
	if err := rm.RecoverAll(ctx); err != nil {
		slog.Warn("Recovery finished with errors", "error", err)
	}

	sched, err := buildScheduler(cfg, st, pipeline)
	if err != nil {
		return err
	}
	srv := api.NewServer(pipeline, threads, st,
		api.WithAddr(*flags.apiAddr),
		api.WithProcessTimeout(cfg.ProcessTimeout))

	slog.Info("Lead router ready", "business", business.Name, "addr", *flags.apiAddr,
		"sendChannel", *flags.sendChannel, "model", *flags.openaiModel)

	g, gctx := errgroup.WithContext(ctx)
	if sched != nil {
		g.Go(func() error {
			sched.Run(gctx)
			return nil
		})
	}
	g.Go(func() error { return srv.Run(gctx) })
	return g.Wait()
}

// buildScheduler schedules the periodic sweep of unfinished turns. It
// returns nil when the sweep is disabled.
func buildScheduler(cfg Config, pending recovery.PendingSource, resumer recovery.TurnResumer) (*scheduler.Scheduler, error) {
	switch strings.ToLower(strings.TrimSpace(cfg.SweepSchedule)) {
	case "", "off", "none":
		slog.Info("Turn sweep disabled")
		return nil, nil
	}
	sweep := recovery.NewTurnRecovery(pending, resumer,
		recovery.WithMinAge(cfg.ProcessTimeout),
		recovery.WithMaxAge(cfg.RecoveryMaxAge))
	sched := scheduler.NewScheduler()
	if err := sched.AddJob("turn-sweep", cfg.SweepSchedule, sweep.Sweep); err != nil {
		return nil, err
	}
	return sched, nil
}

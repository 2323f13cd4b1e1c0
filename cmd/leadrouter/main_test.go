package main

import (
	"context"
	"flag"
	"io"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/palinopr/ghl-langgraph-agent-sub000/internal/api"
	"github.com/palinopr/ghl-langgraph-agent-sub000/internal/config"
	"github.com/palinopr/ghl-langgraph-agent-sub000/internal/flow"
	"github.com/palinopr/ghl-langgraph-agent-sub000/internal/genai"
	"github.com/palinopr/ghl-langgraph-agent-sub000/internal/ghl"
	"github.com/palinopr/ghl-langgraph-agent-sub000/internal/store"
)

func clearEnv(t *testing.T) {
	t.Helper()
	for _, key := range []string{
		"LEADROUTER_STATE_DIR", "DATABASE_URL", "OPENAI_API_KEY", "OPENAI_MODEL", "OPENAI_MAX_TOKENS",
		"GHL_API_KEY", "GHL_LOCATION_ID", "GHL_CALENDAR_ID", "GHL_BASE_URL", "GHL_MESSAGE_TYPE",
		"API_ADDR", "BUSINESS_CONFIG", "SEND_CHANNEL", "TWILIO_ACCOUNT_SID", "TWILIO_AUTH_TOKEN",
		"TWILIO_FROM_NUMBER", "WHATSAPP_DB_DSN", "WHATSAPP_QR_PATH", "WHATSAPP_NUMERIC_CODE", "PROCESS_TIMEOUT", "RECOVERY_MAX_AGE", "LEADROUTER_DEBUG",
	} {
		t.Setenv(key, "")
	}
}

func newFlagSet() *flag.FlagSet {
	fs := flag.NewFlagSet("leadrouter", flag.ContinueOnError)
	fs.SetOutput(io.Discard)
	return fs
}

func TestLoadEnvironmentConfigDefaults(t *testing.T) {
	clearEnv(t)
	cfg := loadEnvironmentConfig()

	if cfg.StateDir != DefaultStateDir {
		t.Errorf("StateDir = %q, want %q", cfg.StateDir, DefaultStateDir)
	}
	if want := filepath.Join(DefaultStateDir, DefaultDBFileName); cfg.DatabaseURL != want {
		t.Errorf("DatabaseURL = %q, want %q", cfg.DatabaseURL, want)
	}
	if cfg.OpenAIModel != genai.DefaultModel {
		t.Errorf("OpenAIModel = %q", cfg.OpenAIModel)
	}
	if cfg.GHLBaseURL != ghl.DefaultBaseURL || cfg.GHLMessageType != ghl.DefaultMessageType {
		t.Errorf("GHL defaults = %q %q", cfg.GHLBaseURL, cfg.GHLMessageType)
	}
	if cfg.APIAddr != api.DefaultAddr {
		t.Errorf("APIAddr = %q", cfg.APIAddr)
	}
	if cfg.SendChannel != ChannelGHL {
		t.Errorf("SendChannel = %q", cfg.SendChannel)
	}
	if cfg.ProcessTimeout != api.DefaultProcessTimeout {
		t.Errorf("ProcessTimeout = %v", cfg.ProcessTimeout)
	}
	if !cfg.Debug {
		t.Error("Debug should default to true")
	}
}

func TestLoadEnvironmentConfigFromEnv(t *testing.T) {
	clearEnv(t)
	t.Setenv("LEADROUTER_STATE_DIR", "/tmp/lr")
	t.Setenv("DATABASE_URL", "postgres://user:pass@db/leads")
	t.Setenv("OPENAI_MAX_TOKENS", "512")
	t.Setenv("SEND_CHANNEL", "Twilio")
	t.Setenv("PROCESS_TIMEOUT", "45s")
	t.Setenv("LEADROUTER_DEBUG", "false")

	cfg := loadEnvironmentConfig()
	if cfg.DatabaseURL != "postgres://user:pass@db/leads" {
		t.Errorf("DatabaseURL = %q", cfg.DatabaseURL)
	}
	if cfg.OpenAIMaxToks != 512 {
		t.Errorf("OpenAIMaxToks = %d", cfg.OpenAIMaxToks)
	}
	if cfg.SendChannel != ChannelTwilio {
		t.Errorf("SendChannel = %q, want lowercased twilio", cfg.SendChannel)
	}
	if cfg.ProcessTimeout != 45*time.Second {
		t.Errorf("ProcessTimeout = %v", cfg.ProcessTimeout)
	}
	if cfg.Debug {
		t.Error("Debug should be false")
	}
}

func TestParseCommandLineFlagsOverrides(t *testing.T) {
	clearEnv(t)
	cfg := loadEnvironmentConfig()

	flags, err := parseCommandLineFlags(newFlagSet(), []string{
		"-api-addr", ":9090",
		"-openai-model", "gpt-4o",
		"-send-channel", "twilio",
	}, cfg)
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	if *flags.apiAddr != ":9090" || *flags.openaiModel != "gpt-4o" || *flags.sendChannel != "twilio" {
		t.Errorf("overrides not applied: %q %q %q", *flags.apiAddr, *flags.openaiModel, *flags.sendChannel)
	}
	if *flags.stateDir != DefaultStateDir {
		t.Errorf("stateDir = %q", *flags.stateDir)
	}
}

func TestParseCommandLineFlagsStateDirMovesDefaultDB(t *testing.T) {
	clearEnv(t)
	cfg := loadEnvironmentConfig()
	dir := t.TempDir()

	flags, err := parseCommandLineFlags(newFlagSet(), []string{"-state-dir", dir}, cfg)
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	if want := filepath.Join(dir, DefaultDBFileName); *flags.dbDSN != want {
		t.Errorf("dbDSN = %q, want %q", *flags.dbDSN, want)
	}
}

func TestParseCommandLineFlagsKeepsExplicitDSN(t *testing.T) {
	clearEnv(t)
	t.Setenv("DATABASE_URL", "postgres://db/leads")
	cfg := loadEnvironmentConfig()

	flags, err := parseCommandLineFlags(newFlagSet(), []string{"-state-dir", t.TempDir()}, cfg)
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	if *flags.dbDSN != "postgres://db/leads" {
		t.Errorf("dbDSN = %q", *flags.dbDSN)
	}
}

func TestParseCommandLineFlagsRejectsUnknown(t *testing.T) {
	clearEnv(t)
	if _, err := parseCommandLineFlags(newFlagSet(), []string{"-nope"}, loadEnvironmentConfig()); err == nil {
		t.Error("expected error for unknown flag")
	}
}

func TestEnsureDirectoriesExist(t *testing.T) {
	dir := filepath.Join(t.TempDir(), "a", "b")
	dsn := filepath.Join(dir, DefaultDBFileName)
	if err := ensureDirectoriesExist(Flags{dbDSN: &dsn}); err != nil {
		t.Fatalf("ensureDirectoriesExist: %v", err)
	}
	if info, err := filepath.Glob(dir); err != nil || len(info) != 1 {
		t.Errorf("directory %s not created", dir)
	}

	pg := "postgres://db/leads"
	if err := ensureDirectoriesExist(Flags{dbDSN: &pg}); err != nil {
		t.Errorf("postgres DSN should be a no-op: %v", err)
	}
}

func TestBuildSender(t *testing.T) {
	ctx := context.Background()
	crm, err := ghl.NewClient(ghl.WithAPIKey("k"), ghl.WithLocationID("loc"))
	if err != nil {
		t.Fatalf("ghl client: %v", err)
	}

	s, closeFn, err := buildSender(ctx, ChannelGHL, crm, Config{}, t.TempDir())
	if err != nil || s == nil || closeFn == nil {
		t.Errorf("ghl sender: %v", err)
	}
	_, closeFn, err = buildSender(ctx, "carrier-pigeon", crm, Config{}, t.TempDir())
	if err == nil || !strings.Contains(err.Error(), "unknown send channel") {
		t.Errorf("unknown channel error = %v", err)
	}
	closeFn()

	t.Setenv("TWILIO_ACCOUNT_SID", "")
	t.Setenv("TWILIO_AUTH_TOKEN", "")
	t.Setenv("TWILIO_FROM_NUMBER", "")
	if _, _, err := buildSender(ctx, ChannelTwilio, crm, Config{}, t.TempDir()); err == nil {
		t.Error("twilio sender without credentials should fail")
	}
	s, _, err = buildSender(ctx, ChannelTwilio, crm, Config{TwilioSID: "AC1", TwilioToken: "tok", TwilioFrom: "+15550001111"}, t.TempDir())
	if err != nil || s == nil {
		t.Errorf("twilio sender: %v", err)
	}
}

func TestBuildWhatsAppOptions(t *testing.T) {
	dir := t.TempDir()
	if got := len(buildWhatsAppOptions(Config{}, dir)); got != 1 {
		t.Errorf("default options = %d, want 1", got)
	}
	cfg := Config{WhatsAppDSN: "postgres://db/wa", WhatsAppQRPath: filepath.Join(dir, "qr.txt"), WhatsAppNumCode: true}
	if got := len(buildWhatsAppOptions(cfg, dir)); got != 3 {
		t.Errorf("options = %d, want 3", got)
	}
}

func TestLoadBusinessDefault(t *testing.T) {
	b, err := loadBusiness("  ")
	if err != nil {
		t.Fatalf("loadBusiness: %v", err)
	}
	if b.Name != config.Default().Name {
		t.Errorf("Name = %q", b.Name)
	}
	if _, err := loadBusiness(filepath.Join(t.TempDir(), "missing.yaml")); err == nil {
		t.Error("missing business file should fail")
	}
}

func TestBuildGenAIOptions(t *testing.T) {
	key, model := "sk-test", "gpt-4o"
	flags := Flags{openaiKey: &key, openaiModel: &model}
	if got := len(buildGenAIOptions(Config{}, flags)); got != 2 {
		t.Errorf("options = %d, want 2", got)
	}
	if got := len(buildGenAIOptions(Config{OpenAIMaxToks: 300}, flags)); got != 3 {
		t.Errorf("options with max tokens = %d, want 3", got)
	}
}

func TestBuildScheduler(t *testing.T) {
	st := store.NewInMemoryStore()
	pipeline := flow.NewPipeline(flow.NewThreadStore(st, nil), st, nil, nil, nil, nil)

	for _, off := range []string{"", "off", "NONE"} {
		sched, err := buildScheduler(Config{SweepSchedule: off}, st, pipeline)
		if err != nil || sched != nil {
			t.Errorf("schedule %q: sched=%v err=%v, want disabled", off, sched, err)
		}
	}
	sched, err := buildScheduler(Config{SweepSchedule: "*/10 * * * *", ProcessTimeout: time.Minute}, st, pipeline)
	if err != nil || sched == nil {
		t.Errorf("valid schedule: sched=%v err=%v", sched, err)
	}
	if _, err := buildScheduler(Config{SweepSchedule: "whenever"}, st, pipeline); err == nil {
		t.Error("invalid schedule should fail")
	}
}

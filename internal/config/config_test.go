package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/palinopr/ghl-langgraph-agent-sub000/internal/models"
)

const fullYAML = `
business_name: Main Outlet Media
agent_name: Sofia
service_description: WhatsApp automation for restaurants
language: es
timezone: America/Bogota
min_budget: 500
booking_days_ahead: 5
appointment_minutes: 45
personas:
  cold: Be brief and curious.
  warm: Ask about budget before anything else.
  hot: Offer times right away.
messages:
  fallback: Gracias, ya te respondemos.
  booking_failed: No pude agendar.
  booking_confirmed: "Cita confirmada: {slot}"
`

const minimalYAML = `
business_name: Acme
service_description: Chatbots
`

func TestParse_FullConfig(t *testing.T) {
	cfg, err := Parse([]byte(fullYAML))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if cfg.AgentName != "Sofia" {
		t.Errorf("AgentName = %q, want Sofia", cfg.AgentName)
	}
	if cfg.MinBudget != 500 {
		t.Errorf("MinBudget = %d, want 500", cfg.MinBudget)
	}
	if cfg.AppointmentMinutes != 45 {
		t.Errorf("AppointmentMinutes = %d, want 45", cfg.AppointmentMinutes)
	}
	if got := cfg.PersonaInstructions(models.PersonaWarm); got != "Ask about budget before anything else." {
		t.Errorf("warm instructions = %q", got)
	}
	if cfg.Messages.Fallback != "Gracias, ya te respondemos." {
		t.Errorf("Fallback = %q", cfg.Messages.Fallback)
	}
}

func TestParse_MinimalConfigAppliesDefaults(t *testing.T) {
	cfg, err := Parse([]byte(minimalYAML))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if cfg.MinBudget != 300 {
		t.Errorf("MinBudget = %d, want 300", cfg.MinBudget)
	}
	if cfg.HistoryLimit != 50 {
		t.Errorf("HistoryLimit = %d, want 50", cfg.HistoryLimit)
	}
	if cfg.Timezone != "America/New_York" {
		t.Errorf("Timezone = %q", cfg.Timezone)
	}
	if cfg.Messages.RerouteExhausted == "" || cfg.Messages.BookingFailed == "" {
		t.Error("expected default message templates")
	}
}

func TestParse_ValidationErrors(t *testing.T) {
	tests := []struct {
		name string
		yaml string
		want string
	}{
		{"missing name", "service_description: x\n", "business_name is required"},
		{"bad timezone", "business_name: a\nservice_description: b\ntimezone: Mars/Olympus\n", "timezone"},
		{"confirmation without slot", "business_name: a\nservice_description: b\nmessages:\n  booking_confirmed: done\n", "{slot}"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Parse([]byte(tt.yaml))
			if err == nil || !strings.Contains(err.Error(), tt.want) {
				t.Fatalf("expected error containing %q, got %v", tt.want, err)
			}
		})
	}
}

func TestParse_InvalidYAML(t *testing.T) {
	if _, err := Parse([]byte("business_name: [unterminated")); err == nil {
		t.Fatal("expected parse error")
	}
}

func TestLoad(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "business.yaml")
	if err := os.WriteFile(path, []byte(minimalYAML), 0o644); err != nil {
		t.Fatalf("write: %v", err)
	}
	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Name != "Acme" {
		t.Errorf("Name = %q", cfg.Name)
	}
	if _, err := Load(filepath.Join(dir, "missing.yaml")); err == nil {
		t.Error("expected error for missing file")
	}
}

func TestConfirmationText(t *testing.T) {
	cfg, err := Parse([]byte(fullYAML))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	slot := models.Slot{Start: time.Date(2026, 3, 2, 15, 0, 0, 0, time.UTC)}
	// Bogota is UTC-5.
	if got := cfg.ConfirmationText(slot); got != "Cita confirmada: 02/03/2026 10:00" {
		t.Errorf("ConfirmationText = %q", got)
	}
}

func TestDefaultIsValid(t *testing.T) {
	if err := Default().validate(); err != nil {
		t.Fatalf("Default() invalid: %v", err)
	}
}

func TestLoadExampleFile(t *testing.T) {
	cfg, err := Load(filepath.Join("..", "..", "configs", "business.example.yaml"))
	if err != nil {
		t.Fatalf("example config should load: %v", err)
	}
	if cfg.MinBudget != 300 || cfg.HistoryLimit != 50 || cfg.AppointmentMinutes != 30 {
		t.Errorf("unexpected values: %+v", cfg)
	}
	if cfg.PersonaInstructions(models.PersonaHot) == "" {
		t.Error("hot persona instructions missing")
	}
}

// Package config provides YAML-based business and persona configuration.
//
// The file is loaded once at startup and the resulting Business value is
// passed explicitly to the agent dispatcher; nothing reads it globally.
package config

import (
	"fmt"
	"os"
	"strings"
	"time"
	_ "time/tzdata"

	"gopkg.in/yaml.v3"

	"github.com/palinopr/ghl-langgraph-agent-sub000/internal/models"
)

// Business describes the company the bot sells for.
type Business struct {
	Name               string          `yaml:"business_name"`
	AgentName          string          `yaml:"agent_name"`
	ServiceDescription string          `yaml:"service_description"`
	Language           string          `yaml:"language"`
	Timezone           string          `yaml:"timezone"`
	MinBudget          int             `yaml:"min_budget"`
	BookingDaysAhead   int             `yaml:"booking_days_ahead"`
	AppointmentMinutes int             `yaml:"appointment_minutes"`
	MaxProposedSlots   int             `yaml:"max_proposed_slots"`
	HistoryLimit       int             `yaml:"history_limit"`
	Personas           PersonaConfig   `yaml:"personas"`
	Messages           MessageTemplate `yaml:"messages"`
}

// PersonaConfig holds extra instructions per persona.
type PersonaConfig struct {
	Cold string `yaml:"cold"`
	Warm string `yaml:"warm"`
	Hot  string `yaml:"hot"`
}

// MessageTemplate holds the fixed customer-facing texts the dispatcher may
// use instead of model output.
type MessageTemplate struct {
	Fallback         string `yaml:"fallback"`
	BookingFailed    string `yaml:"booking_failed"`
	BookingConfirmed string `yaml:"booking_confirmed"`
	RerouteExhausted string `yaml:"reroute_exhausted"`
}

// Load reads a YAML config file from path and returns a validated Business.
func Load(path string) (*Business, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("config: read %s: %w", path, err)
	}
	return Parse(data)
}

// Parse unmarshals YAML bytes into a validated Business.
func Parse(data []byte) (*Business, error) {
	var b Business
	if err := yaml.Unmarshal(data, &b); err != nil {
		return nil, fmt.Errorf("config: parse: %w", err)
	}
	b.applyDefaults()
	if err := b.validate(); err != nil {
		return nil, err
	}
	return &b, nil
}

// Default returns a usable configuration when no file is given.
func Default() *Business {
	b := Business{
		Name:               "Main Outlet Media",
		ServiceDescription: "WhatsApp automation that answers, qualifies and books customers for small businesses",
	}
	b.applyDefaults()
	return &b
}

// applyDefaults fills in derived and default values.
func (b *Business) applyDefaults() {
	if b.AgentName == "" {
		b.AgentName = "Maria"
	}
	if b.Language == "" {
		b.Language = "es"
	}
	if b.Timezone == "" {
		b.Timezone = "America/New_York"
	}
	if b.MinBudget == 0 {
		b.MinBudget = 300
	}
	if b.BookingDaysAhead == 0 {
		b.BookingDaysAhead = 7
	}
	if b.AppointmentMinutes == 0 {
		b.AppointmentMinutes = 30
	}
	if b.MaxProposedSlots == 0 {
		b.MaxProposedSlots = 3
	}
	if b.HistoryLimit == 0 {
		b.HistoryLimit = 50
	}
	if b.Messages.Fallback == "" {
		b.Messages.Fallback = "¡Gracias por tu mensaje! Te responderemos en un momento."
	}
	if b.Messages.BookingFailed == "" {
		b.Messages.BookingFailed = "Lo siento, no pude confirmar la cita en este momento. ¿Intentamos con otro horario de los que te propuse?"
	}
	if b.Messages.BookingConfirmed == "" {
		b.Messages.BookingConfirmed = "¡Listo! Tu cita quedó confirmada para el {slot}."
	}
	if b.Messages.RerouteExhausted == "" {
		b.Messages.RerouteExhausted = "Gracias por tu paciencia. Un miembro de nuestro equipo te contactará pronto."
	}
}

// validate checks that all required fields are present and consistent.
func (b *Business) validate() error {
	var errs []string
	if strings.TrimSpace(b.Name) == "" {
		errs = append(errs, "business_name is required")
	}
	if strings.TrimSpace(b.ServiceDescription) == "" {
		errs = append(errs, "service_description is required")
	}
	if _, err := time.LoadLocation(b.Timezone); err != nil {
		errs = append(errs, fmt.Sprintf("timezone %q is invalid", b.Timezone))
	}
	if b.MinBudget < 0 {
		errs = append(errs, "min_budget must not be negative")
	}
	if b.BookingDaysAhead < 0 || b.AppointmentMinutes < 0 || b.MaxProposedSlots < 0 || b.HistoryLimit < 0 {
		errs = append(errs, "booking_days_ahead, appointment_minutes, max_proposed_slots and history_limit must not be negative")
	}
	if !strings.Contains(b.Messages.BookingConfirmed, "{slot}") {
		errs = append(errs, "messages.booking_confirmed must contain {slot}")
	}
	if len(errs) > 0 {
		return fmt.Errorf("config: validation failed: %s", strings.Join(errs, "; "))
	}
	return nil
}

// Location returns the business time zone; validate guarantees it loads.
func (b *Business) Location() *time.Location {
	loc, err := time.LoadLocation(b.Timezone)
	if err != nil {
		return time.UTC
	}
	return loc
}

// PersonaInstructions returns the configured extra instructions for p.
func (b *Business) PersonaInstructions(p models.Persona) string {
	switch p {
	case models.PersonaCold:
		return b.Personas.Cold
	case models.PersonaWarm:
		return b.Personas.Warm
	case models.PersonaHot:
		return b.Personas.Hot
	default:
		return ""
	}
}

// ConfirmationText renders the booking confirmation for a slot.
func (b *Business) ConfirmationText(slot models.Slot) string {
	when := slot.Start.In(b.Location()).Format("02/01/2006 15:04")
	return strings.ReplaceAll(b.Messages.BookingConfirmed, "{slot}", when)
}

// Package twiliowhatsapp wraps the Twilio REST API for outbound WhatsApp messages.
package twiliowhatsapp

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"strings"

	"github.com/twilio/twilio-go"
	twilioApi "github.com/twilio/twilio-go/rest/api/v2010"
)

// Sender sends a WhatsApp text to a phone number.
type Sender interface {
	SendMessage(ctx context.Context, to string, body string) error
}

// messageCreator is the part of the Twilio API service the client uses.
type messageCreator interface {
	CreateMessage(params *twilioApi.CreateMessageParams) (*twilioApi.ApiV2010Message, error)
}

// Opts holds configuration options for the Twilio WhatsApp client.
type Opts struct {
	AccountSID string
	AuthToken  string
	FromWhats  string
}

// Option defines a configuration option for the Twilio WhatsApp client.
type Option func(*Opts)

// WithAccountSID sets the Twilio account SID.
func WithAccountSID(sid string) Option {
	return func(o *Opts) { o.AccountSID = sid }
}

// WithAuthToken sets the Twilio auth token.
func WithAuthToken(token string) Option {
	return func(o *Opts) { o.AuthToken = token }
}

// WithFromWhats sets the sending number, with or without the "whatsapp:" prefix.
func WithFromWhats(from string) Option {
	return func(o *Opts) { o.FromWhats = from }
}

// Client wraps the Twilio REST API for WhatsApp.
type Client struct {
	api       messageCreator
	fromWhats string // "whatsapp:+1234567890"
}

var _ Sender = (*Client)(nil)

// NewClient creates a Twilio client. Missing options fall back to
// TWILIO_ACCOUNT_SID, TWILIO_AUTH_TOKEN and TWILIO_FROM_NUMBER.
func NewClient(opts ...Option) (*Client, error) {
	var cfg Opts
	for _, opt := range opts {
		opt(&cfg)
	}
	if cfg.AccountSID == "" {
		cfg.AccountSID = os.Getenv("TWILIO_ACCOUNT_SID")
	}
	if cfg.AuthToken == "" {
		cfg.AuthToken = os.Getenv("TWILIO_AUTH_TOKEN")
	}
	if cfg.FromWhats == "" {
		cfg.FromWhats = os.Getenv("TWILIO_FROM_NUMBER")
	}
	slog.Debug("twiliowhatsapp.NewClient: config loaded",
		"accountSIDSet", cfg.AccountSID != "",
		"authTokenSet", cfg.AuthToken != "",
		"fromSet", cfg.FromWhats != "")

	if cfg.AccountSID == "" || cfg.AuthToken == "" {
		return nil, fmt.Errorf("account SID and auth token must be provided")
	}
	if cfg.FromWhats == "" {
		return nil, fmt.Errorf("fromWhats number must be provided")
	}

	rest := twilio.NewRestClientWithParams(twilio.ClientParams{
		Username: cfg.AccountSID,
		Password: cfg.AuthToken,
	})
	return newClient(rest.Api, cfg.FromWhats), nil
}

func newClient(api messageCreator, from string) *Client {
	return &Client{api: api, fromWhats: whatsappAddress(from)}
}

// whatsappAddress prefixes a phone number with the WhatsApp channel scheme.
func whatsappAddress(number string) string {
	number = strings.TrimSpace(number)
	if strings.HasPrefix(number, "whatsapp:") {
		return number
	}
	return "whatsapp:" + number
}

// SendMessage sends body to the phone number to. The Twilio SDK has no
// context support, so ctx is only checked before the call.
func (c *Client) SendMessage(ctx context.Context, to string, body string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	params := &twilioApi.CreateMessageParams{}
	params.SetTo(whatsappAddress(to))
	params.SetFrom(c.fromWhats)
	params.SetBody(body)

	msg, err := c.api.CreateMessage(params)
	if err != nil {
		slog.Error("twiliowhatsapp.SendMessage: failed", "to", to, "error", err)
		return fmt.Errorf("failed to send message to %s: %w", to, err)
	}
	sid := ""
	if msg != nil && msg.Sid != nil {
		sid = *msg.Sid
	}
	slog.Debug("twiliowhatsapp.SendMessage: sent", "to", to, "sid", sid)
	return nil
}

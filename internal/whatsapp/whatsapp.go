// Package whatsapp sends lead replies from a linked WhatsApp account using
// the whatsmeow multi-device client.
//
// The device session lives in its own SQLite or Postgres database. The
// first start prints a login QR code (or the raw pairing code) and blocks
// until the phone links the device.
package whatsapp

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"strings"

	"github.com/mdp/qrterminal/v3"
	"go.mau.fi/whatsmeow"
	"go.mau.fi/whatsmeow/proto/waE2E"
	"go.mau.fi/whatsmeow/store/sqlstore"
	"go.mau.fi/whatsmeow/types"
	waLog "go.mau.fi/whatsmeow/util/log"

	"github.com/palinopr/ghl-langgraph-agent-sub000/internal/messaging"
	"github.com/palinopr/ghl-langgraph-agent-sub000/internal/store"
)

const (
	// DefaultSessionFileName is the whatsmeow session database created in
	// the state directory.
	DefaultSessionFileName = "whatsmeow.db"
	// JIDSuffix is the WhatsApp JID suffix for regular users
	JIDSuffix = "s.whatsapp.net"
)

// messageSender is the part of the whatsmeow client used to send.
type messageSender interface {
	SendMessage(ctx context.Context, to types.JID, message *waE2E.Message, extra ...whatsmeow.SendRequestExtra) (whatsmeow.SendResponse, error)
}

// Opts holds configuration options for the WhatsApp client.
type Opts struct {
	DBDSN       string // whatsmeow session database
	QRPath      string // path to write login QR code
	NumericCode bool   // print the raw pairing code instead of a QR code
}

// Option defines a configuration option for the WhatsApp client.
type Option func(*Opts)

// WithDBDSN sets the session database connection string.
func WithDBDSN(dsn string) Option {
	return func(o *Opts) { o.DBDSN = dsn }
}

// WithQRCodeOutput writes the login QR code to path instead of stdout.
func WithQRCodeOutput(path string) Option {
	return func(o *Opts) { o.QRPath = path }
}

// WithNumericCode prints the raw pairing code instead of a QR code.
func WithNumericCode() Option {
	return func(o *Opts) { o.NumericCode = true }
}

// Client sends text messages from the linked account.
type Client struct {
	wa     *whatsmeow.Client
	sender messageSender
}

var _ messaging.PhoneSender = (*Client)(nil)

// NewClient opens the session store and connects, running the login flow
// when no device is linked yet.
func NewClient(ctx context.Context, opts ...Option) (*Client, error) {
	var cfg Opts
	for _, opt := range opts {
		opt(&cfg)
	}
	if strings.TrimSpace(cfg.DBDSN) == "" {
		return nil, fmt.Errorf("whatsapp session database not set")
	}
	driver, dsn := sessionDSN(cfg.DBDSN)
	slog.Debug("whatsapp.NewClient: opening session store", "driver", driver, "qrPathSet", cfg.QRPath != "", "numericCode", cfg.NumericCode)

	container, err := sqlstore.New(ctx, driver, dsn, waLog.Stdout("Database", "INFO", true))
	if err != nil {
		return nil, fmt.Errorf("failed to initialize WhatsApp session store: %w", err)
	}
	device, err := container.GetFirstDevice(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to get device from WhatsApp store: %w", err)
	}

	wa := whatsmeow.NewClient(device, waLog.Stdout("Client", "INFO", true))
	if wa.Store.ID == nil {
		if err := login(ctx, wa, cfg); err != nil {
			return nil, err
		}
	} else {
		slog.Debug("whatsapp.NewClient: device already linked, connecting")
		if err := wa.Connect(); err != nil {
			return nil, fmt.Errorf("failed to connect to WhatsApp server: %w", err)
		}
	}
	slog.Info("whatsapp.NewClient: connected")
	return &Client{wa: wa, sender: wa}, nil
}

// login shows pairing codes until the phone links the device or the
// channel closes.
func login(ctx context.Context, wa *whatsmeow.Client, cfg Opts) error {
	slog.Info("whatsapp.login: no linked device, starting QR login")
	qrChan, err := wa.GetQRChannel(ctx)
	if err != nil {
		return fmt.Errorf("failed to open WhatsApp QR channel: %w", err)
	}
	if err := wa.Connect(); err != nil {
		return fmt.Errorf("failed to connect to WhatsApp during login: %w", err)
	}

	writer := io.Writer(os.Stdout)
	if cfg.QRPath != "" {
		f, err := os.Create(cfg.QRPath)
		if err != nil {
			wa.Disconnect()
			return fmt.Errorf("failed to create QR file: %w", err)
		}
		defer f.Close()
		writer = f
	}

	linked := false
	for evt := range qrChan {
		switch evt.Event {
		case "code":
			if cfg.NumericCode {
				fmt.Fprintln(writer, evt.Code)
			} else {
				qrterminal.GenerateHalfBlock(evt.Code, qrterminal.L, writer)
			}
		case "success":
			linked = true
		default:
			slog.Info("whatsapp.login: login event", "event", evt.Event)
		}
	}
	if !linked {
		wa.Disconnect()
		return fmt.Errorf("whatsapp device was not linked")
	}
	return nil
}

// sessionDSN picks the driver for dsn and enables foreign keys on SQLite
// paths, which whatsmeow requires.
func sessionDSN(dsn string) (driver, out string) {
	dsn = strings.TrimSpace(dsn)
	if store.DetectDSNType(dsn) == "postgres" {
		return "postgres", dsn
	}
	if hasForeignKeys(dsn) {
		return "sqlite3", dsn
	}
	if strings.Contains(dsn, "?") {
		return "sqlite3", dsn + "&_foreign_keys=on"
	}
	if !strings.HasPrefix(dsn, "file:") {
		dsn = "file:" + dsn
	}
	return "sqlite3", dsn + "?_foreign_keys=on"
}

func hasForeignKeys(dsn string) bool {
	return strings.Contains(dsn, "_foreign_keys") || strings.Contains(dsn, "foreign_keys")
}

// jid converts a phone number in any format into a user JID.
func jid(phone string) (types.JID, error) {
	digits, err := messaging.CanonicalizePhone(phone)
	if err != nil {
		return types.JID{}, err
	}
	return types.NewJID(digits, JIDSuffix), nil
}

// SendMessage sends body to the phone number to.
func (c *Client) SendMessage(ctx context.Context, to string, body string) error {
	if c.sender == nil {
		return fmt.Errorf("whatsapp client not initialized")
	}
	if body == "" {
		return fmt.Errorf("message body cannot be empty")
	}
	recipient, err := jid(to)
	if err != nil {
		return err
	}

	resp, err := c.sender.SendMessage(ctx, recipient, &waE2E.Message{Conversation: &body})
	if err != nil {
		slog.Error("whatsapp.SendMessage: failed", "to", recipient.User, "error", err)
		return fmt.Errorf("failed to send message to %s: %w", recipient.User, err)
	}
	slog.Debug("whatsapp.SendMessage: sent", "to", recipient.User, "id", resp.ID)
	return nil
}

// Close disconnects from the WhatsApp servers.
func (c *Client) Close() {
	if c.wa != nil {
		c.wa.Disconnect()
	}
}

package whatsapp

import (
	"context"
	"errors"
	"testing"

	"go.mau.fi/whatsmeow"
	"go.mau.fi/whatsmeow/proto/waE2E"
	"go.mau.fi/whatsmeow/types"
)

type fakeSender struct {
	to   types.JID
	body string
	err  error
}

func (f *fakeSender) SendMessage(ctx context.Context, to types.JID, message *waE2E.Message, extra ...whatsmeow.SendRequestExtra) (whatsmeow.SendResponse, error) {
	f.to = to
	f.body = message.GetConversation()
	return whatsmeow.SendResponse{ID: "3EB0"}, f.err
}

func TestSessionDSN(t *testing.T) {
	tests := []struct {
		name       string
		dsn        string
		wantDriver string
		wantDSN    string
	}{
		{"postgres url", "postgres://user:pw@localhost/wa", "postgres", "postgres://user:pw@localhost/wa"},
		{"postgres key value", "host=localhost dbname=wa", "postgres", "host=localhost dbname=wa"},
		{"plain sqlite path", "/var/lib/leadrouter/whatsmeow.db", "sqlite3", "file:/var/lib/leadrouter/whatsmeow.db?_foreign_keys=on"},
		{"sqlite with params", "file:/tmp/wa.db?cache=shared", "sqlite3", "file:/tmp/wa.db?cache=shared&_foreign_keys=on"},
		{"foreign keys already on", "file:/tmp/wa.db?_foreign_keys=on", "sqlite3", "file:/tmp/wa.db?_foreign_keys=on"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			driver, dsn := sessionDSN(tt.dsn)
			if driver != tt.wantDriver || dsn != tt.wantDSN {
				t.Errorf("sessionDSN(%q) = %q, %q; want %q, %q", tt.dsn, driver, dsn, tt.wantDriver, tt.wantDSN)
			}
		})
	}
}

func TestHasForeignKeys(t *testing.T) {
	tests := []struct {
		dsn  string
		want bool
	}{
		{"/tmp/test.db", false},
		{"file:/tmp/test.db?_foreign_keys=on", true},
		{"/tmp/test.db?foreign_keys=on", true},
	}
	for _, tt := range tests {
		if got := hasForeignKeys(tt.dsn); got != tt.want {
			t.Errorf("hasForeignKeys(%q) = %v, want %v", tt.dsn, got, tt.want)
		}
	}
}

func TestSendMessage(t *testing.T) {
	fake := &fakeSender{}
	c := &Client{sender: fake}

	if err := c.SendMessage(context.Background(), "+57 300 111 2233", "¡Hola!"); err != nil {
		t.Fatalf("SendMessage: %v", err)
	}
	if fake.to.User != "573001112233" || fake.to.Server != JIDSuffix {
		t.Errorf("recipient = %v", fake.to)
	}
	if fake.body != "¡Hola!" {
		t.Errorf("body = %q", fake.body)
	}
}

func TestSendMessageValidation(t *testing.T) {
	c := &Client{sender: &fakeSender{}}
	if err := c.SendMessage(context.Background(), "", "hola"); err == nil {
		t.Error("empty recipient should fail")
	}
	if err := c.SendMessage(context.Background(), "12345", "hola"); err == nil {
		t.Error("short number should fail")
	}
	if err := c.SendMessage(context.Background(), "+15551234567", ""); err == nil {
		t.Error("empty body should fail")
	}
	if err := (&Client{}).SendMessage(context.Background(), "+15551234567", "hola"); err == nil {
		t.Error("uninitialized client should fail")
	}
}

func TestSendMessageWrapsError(t *testing.T) {
	boom := errors.New("not connected")
	c := &Client{sender: &fakeSender{err: boom}}
	if err := c.SendMessage(context.Background(), "+15551234567", "hola"); !errors.Is(err, boom) {
		t.Errorf("SendMessage = %v, want wrapped error", err)
	}
}

func TestNewClientRequiresDSN(t *testing.T) {
	if _, err := NewClient(context.Background()); err == nil {
		t.Error("NewClient without a session database should fail")
	}
}

func TestCloseWithoutConnection(t *testing.T) {
	(&Client{}).Close()
}

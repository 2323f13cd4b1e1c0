// Package ghl is a small client for the GoHighLevel (LeadConnector) REST API.
//
// It covers the operations the router needs: contacts, custom fields, notes,
// conversation history, calendar free slots, appointments and outbound
// messages.
package ghl

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/palinopr/ghl-langgraph-agent-sub000/internal/models"
	"github.com/palinopr/ghl-langgraph-agent-sub000/internal/retry"
)

const (
	// DefaultBaseURL is the public LeadConnector API host.
	DefaultBaseURL = "https://services.leadconnectorhq.com"
	// APIVersion is sent in the Version header on every request.
	APIVersion = "2021-07-28"
	// DefaultMessageType is the channel used for outbound messages.
	DefaultMessageType = "WhatsApp"
)

// ErrAPI is wrapped by every non-2xx response.
var ErrAPI = errors.New("ghl api error")

// APIError carries the status and body of a failed request.
type APIError struct {
	Op         string
	StatusCode int
	Body       string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("%s: status %d: %s", e.Op, e.StatusCode, strings.TrimSpace(e.Body))
}

func (e *APIError) Unwrap() error { return ErrAPI }

// Retryable reports whether the request may succeed if repeated.
func (e *APIError) Retryable() bool {
	return e.StatusCode == http.StatusTooManyRequests || e.StatusCode >= 500
}

// Opts holds configuration options for the GHL client.
type Opts struct {
	BaseURL             string
	APIKey              string
	LocationID          string
	CalendarID          string
	MessageType         string
	AppointmentDuration time.Duration
	HTTPClient          *http.Client
	Policy              *retry.Policy
	FieldKeys           map[models.Field]string
}

// Option defines a configuration option for the GHL client.
type Option func(*Opts)

// WithBaseURL overrides the API host.
func WithBaseURL(u string) Option { return func(o *Opts) { o.BaseURL = u } }

// WithAPIKey sets the private integration token.
func WithAPIKey(key string) Option { return func(o *Opts) { o.APIKey = key } }

// WithLocationID sets the sub-account location.
func WithLocationID(id string) Option { return func(o *Opts) { o.LocationID = id } }

// WithCalendarID sets the calendar used for availability and bookings.
func WithCalendarID(id string) Option { return func(o *Opts) { o.CalendarID = id } }

// WithMessageType sets the outbound channel ("WhatsApp", "SMS").
func WithMessageType(t string) Option { return func(o *Opts) { o.MessageType = t } }

// WithAppointmentDuration sets the length of booked appointments.
func WithAppointmentDuration(d time.Duration) Option {
	return func(o *Opts) { o.AppointmentDuration = d }
}

// WithHTTPClient overrides the HTTP client.
func WithHTTPClient(c *http.Client) Option { return func(o *Opts) { o.HTTPClient = c } }

// WithRetryPolicy overrides attempts and per-attempt timeout.
func WithRetryPolicy(p retry.Policy) Option { return func(o *Opts) { o.Policy = &p } }

// WithFieldKeys maps extracted fields to custom field keys in the CRM.
func WithFieldKeys(keys map[models.Field]string) Option {
	return func(o *Opts) { o.FieldKeys = keys }
}

// DefaultFieldKeys are the custom field keys used when none are configured.
var DefaultFieldKeys = map[models.Field]string{
	models.FieldName:         "contact.lead_name",
	models.FieldBusinessType: "contact.business_type",
	models.FieldBudget:       "contact.budget",
	models.FieldGoal:         "contact.goal",
	models.FieldEmail:        "contact.lead_email",
}

// ScoreFieldKey is the custom field that receives the lead score.
const ScoreFieldKey = "contact.lead_score"

// Client talks to the GHL API.
type Client struct {
	baseURL     string
	apiKey      string
	locationID  string
	calendarID  string
	messageType string
	duration    time.Duration
	http        *http.Client
	policy      retry.Policy
	fieldKeys   map[models.Field]string
}

// NewClient creates a GHL client. An API key and location id are required.
func NewClient(opts ...Option) (*Client, error) {
	cfg := Opts{
		BaseURL:             DefaultBaseURL,
		MessageType:         DefaultMessageType,
		AppointmentDuration: 30 * time.Minute,
	}
	for _, opt := range opts {
		opt(&cfg)
	}
	if cfg.APIKey == "" {
		return nil, fmt.Errorf("GHL API key not set")
	}
	if cfg.LocationID == "" {
		return nil, fmt.Errorf("GHL location id not set")
	}
	if cfg.HTTPClient == nil {
		cfg.HTTPClient = &http.Client{}
	}
	policy := retry.DefaultPolicy
	if cfg.Policy != nil {
		policy = *cfg.Policy
	}
	keys := cfg.FieldKeys
	if keys == nil {
		keys = DefaultFieldKeys
	}
	return &Client{
		baseURL:     strings.TrimRight(cfg.BaseURL, "/"),
		apiKey:      cfg.APIKey,
		locationID:  cfg.LocationID,
		calendarID:  cfg.CalendarID,
		messageType: cfg.MessageType,
		duration:    cfg.AppointmentDuration,
		http:        cfg.HTTPClient,
		policy:      policy,
		fieldKeys:   keys,
	}, nil
}

// do performs one JSON request under the retry policy.
func (c *Client) do(ctx context.Context, policy retry.Policy, op, method, path string, query url.Values, in, out interface{}) error {
	var payload []byte
	if in != nil {
		b, err := json.Marshal(in)
		if err != nil {
			return fmt.Errorf("%s: marshal request: %w", op, err)
		}
		payload = b
	}
	target := c.baseURL + path
	if len(query) > 0 {
		target += "?" + query.Encode()
	}

	_, err := retry.Do(ctx, policy, op, func(ctx context.Context) error {
		var body io.Reader
		if payload != nil {
			body = bytes.NewReader(payload)
		}
		req, err := http.NewRequestWithContext(ctx, method, target, body)
		if err != nil {
			return retry.Permanent(err)
		}
		req.Header.Set("Authorization", "Bearer "+c.apiKey)
		req.Header.Set("Version", APIVersion)
		req.Header.Set("Accept", "application/json")
		if payload != nil {
			req.Header.Set("Content-Type", "application/json")
		}

		resp, err := c.http.Do(req)
		if err != nil {
			return err
		}
		defer resp.Body.Close()
		raw, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
		if err != nil {
			return err
		}
		if resp.StatusCode < 200 || resp.StatusCode > 299 {
			apiErr := &APIError{Op: op, StatusCode: resp.StatusCode, Body: string(raw)}
			if !apiErr.Retryable() {
				return retry.Permanent(apiErr)
			}
			return apiErr
		}
		if out != nil && len(raw) > 0 {
			if err := json.Unmarshal(raw, out); err != nil {
				return retry.Permanent(fmt.Errorf("decode response: %w", err))
			}
		}
		return nil
	})
	if err != nil {
		slog.Warn("ghl.Client: request failed", "op", op, "method", method, "path", path, "error", err)
	}
	return err
}

// GetContact fetches a contact's profile and custom fields.
func (c *Client) GetContact(ctx context.Context, contactID string) (models.ContactProfile, error) {
	var resp contactResponse
	if err := c.do(ctx, c.policy, "ghl.GetContact", http.MethodGet, "/contacts/"+url.PathEscape(contactID), nil, nil, &resp); err != nil {
		return models.ContactProfile{}, err
	}
	return resp.Contact.profile(), nil
}

// GetHistory returns up to limit of the contact's most recent messages,
// oldest first.
func (c *Client) GetHistory(ctx context.Context, contactID string, limit int) ([]models.HistoryEntry, error) {
	q := url.Values{}
	q.Set("locationId", c.locationID)
	q.Set("contactId", contactID)
	var search conversationSearchResponse
	if err := c.do(ctx, c.policy, "ghl.SearchConversations", http.MethodGet, "/conversations/search", q, nil, &search); err != nil {
		return nil, err
	}
	if len(search.Conversations) == 0 {
		return nil, nil
	}

	mq := url.Values{}
	if limit > 0 {
		mq.Set("limit", fmt.Sprint(limit))
	}
	var msgs messagesResponse
	path := "/conversations/" + url.PathEscape(search.Conversations[0].ID) + "/messages"
	if err := c.do(ctx, c.policy, "ghl.GetMessages", http.MethodGet, path, mq, nil, &msgs); err != nil {
		return nil, err
	}
	return msgs.Messages.entries(limit), nil
}

// UpdateContactFields writes extracted fields (keyed by field name) to the
// contact's custom fields. Unknown keys are passed through as-is.
func (c *Client) UpdateContactFields(ctx context.Context, contactID string, fields map[string]string) error {
	if len(fields) == 0 {
		return nil
	}
	body := updateContactRequest{}
	for name, value := range fields {
		key := name
		if mapped, ok := c.fieldKeys[models.Field(name)]; ok {
			key = mapped
		}
		body.CustomFields = append(body.CustomFields, customFieldValue{Key: key, Value: value})
	}
	sortCustomFields(body.CustomFields)
	return c.do(ctx, c.policy, "ghl.UpdateContactFields", http.MethodPut, "/contacts/"+url.PathEscape(contactID), nil, body, nil)
}

// AddNote attaches a note to the contact.
func (c *Client) AddNote(ctx context.Context, contactID, text string) error {
	return c.do(ctx, c.policy, "ghl.AddNote", http.MethodPost, "/contacts/"+url.PathEscape(contactID)+"/notes", nil, noteRequest{Body: text}, nil)
}

// CheckAvailability lists open calendar slots between from and to.
func (c *Client) CheckAvailability(ctx context.Context, from, to time.Time) ([]models.Slot, error) {
	if c.calendarID == "" {
		return nil, fmt.Errorf("ghl.CheckAvailability: calendar id not set")
	}
	q := url.Values{}
	q.Set("startDate", fmt.Sprint(from.UnixMilli()))
	q.Set("endDate", fmt.Sprint(to.UnixMilli()))
	var raw map[string]json.RawMessage
	path := "/calendars/" + url.PathEscape(c.calendarID) + "/free-slots"
	if err := c.do(ctx, c.policy, "ghl.CheckAvailability", http.MethodGet, path, q, nil, &raw); err != nil {
		return nil, err
	}
	return parseFreeSlots(raw, c.duration), nil
}

// CreateAppointment books slot for the contact.
func (c *Client) CreateAppointment(ctx context.Context, contactID string, slot models.Slot) (models.Appointment, error) {
	if c.calendarID == "" {
		return models.Appointment{}, fmt.Errorf("ghl.CreateAppointment: calendar id not set")
	}
	end := slot.End
	if end.IsZero() || !end.After(slot.Start) {
		end = slot.Start.Add(c.duration)
	}
	body := appointmentRequest{
		CalendarID:        c.calendarID,
		LocationID:        c.locationID,
		ContactID:         contactID,
		StartTime:         slot.Start.Format(time.RFC3339),
		EndTime:           end.Format(time.RFC3339),
		Title:             "Consultation",
		AppointmentStatus: "confirmed",
	}
	var resp appointmentResponse
	// Bookings are not retried: a timed-out request may have succeeded.
	single := c.policy
	single.Attempts = 1
	if err := c.do(ctx, single, "ghl.CreateAppointment", http.MethodPost, "/calendars/events/appointments", nil, body, &resp); err != nil {
		return models.Appointment{}, err
	}
	id := resp.ID
	if id == "" {
		id = resp.Appointment.ID
	}
	if id == "" {
		return models.Appointment{}, fmt.Errorf("ghl.CreateAppointment: response carried no appointment id")
	}
	return models.Appointment{
		ID:        id,
		ContactID: contactID,
		Slot:      models.Slot{Start: slot.Start, End: end},
		Status:    models.AppointmentConfirmed,
	}, nil
}

// SendMessage sends body to the contact on the configured channel. It makes
// a single attempt; the responder owns send retries.
func (c *Client) SendMessage(ctx context.Context, contactID, body string) error {
	single := c.policy
	single.Attempts = 1
	req := sendMessageRequest{Type: c.messageType, ContactID: contactID, Message: body}
	err := c.do(ctx, single, "ghl.SendMessage", http.MethodPost, "/conversations/messages", nil, req, nil)
	// Any non-2xx send is left retryable for the caller, 4xx included.
	var apiErr *APIError
	if errors.As(err, &apiErr) {
		return fmt.Errorf("ghl.SendMessage: %w", apiErr)
	}
	return err
}

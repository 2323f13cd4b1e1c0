// Package testutil provides shared fakes and HTTP helpers for tests.
package testutil

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"sync"
	"time"

	"github.com/openai/openai-go"

	"github.com/palinopr/ghl-langgraph-agent-sub000/internal/genai"
	"github.com/palinopr/ghl-langgraph-agent-sub000/internal/models"
)

// TB is the subset of testing.TB the assertion helpers need.
type TB interface {
	Helper()
	Errorf(format string, args ...interface{})
	Error(args ...interface{})
	Fatalf(format string, args ...interface{})
}

// AssertHTTPStatus checks the HTTP status code and fails the test if it doesn't match.
func AssertHTTPStatus(t TB, expected, actual int, context string) {
	t.Helper()
	if actual != expected {
		t.Errorf("%s: expected status %d, got %d", context, expected, actual)
	}
}

// AssertJSONResponse decodes JSON response and validates the status field.
func AssertJSONResponse(t TB, rr *httptest.ResponseRecorder, expectedStatus string) map[string]interface{} {
	t.Helper()
	var response map[string]interface{}
	if err := json.NewDecoder(rr.Body).Decode(&response); err != nil {
		t.Fatalf("failed to decode JSON response: %v", err)
	}
	if status, ok := response["status"].(string); ok {
		if status != expectedStatus {
			t.Errorf("expected status '%s', got '%s'", expectedStatus, status)
		}
	} else {
		t.Error("response missing or invalid 'status' field")
	}
	return response
}

// CreateHTTPRequest creates an HTTP request with optional JSON body for testing.
func CreateHTTPRequest(t TB, method, url string, body interface{}) *http.Request {
	t.Helper()
	reqBody := bytes.NewBuffer(nil)
	if body != nil {
		jsonData, err := json.Marshal(body)
		if err != nil {
			t.Fatalf("failed to marshal request body: %v", err)
		}
		reqBody = bytes.NewBuffer(jsonData)
	}
	req, err := http.NewRequest(method, url, reqBody)
	if err != nil {
		t.Fatalf("failed to create HTTP request: %v", err)
	}
	req.Header.Set("Content-Type", "application/json")
	return req
}

// ToolCall builds a genai tool call with JSON-encoded arguments.
func ToolCall(id, name string, args interface{}) genai.ToolCall {
	raw, err := json.Marshal(args)
	if err != nil {
		panic(fmt.Sprintf("testutil.ToolCall: marshal args: %v", err))
	}
	return genai.ToolCall{ID: id, Type: "function", Function: genai.FunctionCall{Name: name, Arguments: raw}}
}

// FakeGenerator replays scripted responses. Once the script is exhausted it
// returns Default, or an error if Default is empty.
type FakeGenerator struct {
	mu       sync.Mutex
	Script   []*genai.ToolCallResponse
	Default  string
	Err      error
	Calls    int
	Messages [][]openai.ChatCompletionMessageParamUnion
	Tools    [][]openai.ChatCompletionToolParam
}

var _ genai.ClientInterface = (*FakeGenerator)(nil)

// GenerateWithMessages implements genai.ClientInterface.
func (f *FakeGenerator) GenerateWithMessages(ctx context.Context, messages []openai.ChatCompletionMessageParamUnion) (string, error) {
	resp, err := f.GenerateWithTools(ctx, messages, nil)
	if err != nil {
		return "", err
	}
	return resp.Content, nil
}

// GenerateWithTools implements genai.ClientInterface.
func (f *FakeGenerator) GenerateWithTools(ctx context.Context, messages []openai.ChatCompletionMessageParamUnion, tools []openai.ChatCompletionToolParam) (*genai.ToolCallResponse, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.Calls++
	f.Messages = append(f.Messages, messages)
	f.Tools = append(f.Tools, tools)
	if f.Err != nil {
		return nil, f.Err
	}
	if len(f.Script) > 0 {
		next := f.Script[0]
		f.Script = f.Script[1:]
		return next, nil
	}
	if f.Default != "" {
		return &genai.ToolCallResponse{Content: f.Default}, nil
	}
	return nil, errors.New("fake generator: script exhausted")
}

// CallCount returns how many completions were requested.
func (f *FakeGenerator) CallCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.Calls
}

// FakeCRM is an in-memory CRM covering every collaborator interface.
type FakeCRM struct {
	mu           sync.Mutex
	Contacts     map[string]models.ContactProfile
	History      map[string][]models.HistoryEntry
	Slots        []models.Slot
	FieldUpdates []map[string]string
	Notes        []string
	Appointments []models.Appointment
	Sent         []string

	ContactErr      error
	HistoryErr      error
	AvailabilityErr error
	AppointmentErr  error
	UpdateErr       error
	// SendFailures makes the first N SendMessage calls fail.
	SendFailures int

	ContactCalls int
	HistoryCalls int
	SendCalls    int
	// HistoryDelay slows GetHistory to widen race windows in tests.
	HistoryDelay time.Duration
}

// NewFakeCRM returns an empty FakeCRM.
func NewFakeCRM() *FakeCRM {
	return &FakeCRM{
		Contacts: map[string]models.ContactProfile{},
		History:  map[string][]models.HistoryEntry{},
	}
}

// GetContact returns the stored profile.
func (f *FakeCRM) GetContact(ctx context.Context, contactID string) (models.ContactProfile, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.ContactCalls++
	if f.ContactErr != nil {
		return models.ContactProfile{}, f.ContactErr
	}
	return f.Contacts[contactID], nil
}

// GetHistory returns up to limit of the newest stored entries.
func (f *FakeCRM) GetHistory(ctx context.Context, contactID string, limit int) ([]models.HistoryEntry, error) {
	if f.HistoryDelay > 0 {
		time.Sleep(f.HistoryDelay)
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	f.HistoryCalls++
	if f.HistoryErr != nil {
		return nil, f.HistoryErr
	}
	h := f.History[contactID]
	if limit > 0 && len(h) > limit {
		h = h[len(h)-limit:]
	}
	return append([]models.HistoryEntry(nil), h...), nil
}

// UpdateContactFields records the update.
func (f *FakeCRM) UpdateContactFields(ctx context.Context, contactID string, fields map[string]string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.UpdateErr != nil {
		return f.UpdateErr
	}
	cp := make(map[string]string, len(fields))
	for k, v := range fields {
		cp[k] = v
	}
	f.FieldUpdates = append(f.FieldUpdates, cp)
	return nil
}

// AddNote records the note.
func (f *FakeCRM) AddNote(ctx context.Context, contactID, text string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.Notes = append(f.Notes, text)
	return nil
}

// CheckAvailability returns the configured slots inside [from, to].
func (f *FakeCRM) CheckAvailability(ctx context.Context, from, to time.Time) ([]models.Slot, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.AvailabilityErr != nil {
		return nil, f.AvailabilityErr
	}
	var out []models.Slot
	for _, s := range f.Slots {
		if !s.Start.Before(from) && !s.Start.After(to) {
			out = append(out, s)
		}
	}
	return out, nil
}

// CreateAppointment books the slot unless AppointmentErr is set.
func (f *FakeCRM) CreateAppointment(ctx context.Context, contactID string, slot models.Slot) (models.Appointment, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.AppointmentErr != nil {
		return models.Appointment{}, f.AppointmentErr
	}
	appt := models.Appointment{
		ID:        fmt.Sprintf("appt-%d", len(f.Appointments)+1),
		ContactID: contactID,
		Slot:      slot,
		Status:    models.AppointmentConfirmed,
	}
	f.Appointments = append(f.Appointments, appt)
	return appt, nil
}

// SendMessage records the message, failing the first SendFailures calls.
func (f *FakeCRM) SendMessage(ctx context.Context, contactID, body string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.SendCalls++
	if f.SendCalls <= f.SendFailures {
		return errors.New("fake crm: send failed")
	}
	f.Sent = append(f.Sent, body)
	return nil
}

// SentMessages returns a copy of the delivered bodies.
func (f *FakeCRM) SentMessages() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.Sent...)
}

// NoteCount returns how many notes were added.
func (f *FakeCRM) NoteCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.Notes)
}

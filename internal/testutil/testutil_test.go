package testutil

import (
	"context"
	"fmt"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/palinopr/ghl-langgraph-agent-sub000/internal/genai"
	"github.com/palinopr/ghl-langgraph-agent-sub000/internal/models"
)

func TestAssertHTTPStatus(t *testing.T) {
	tests := []struct {
		name       string
		expected   int
		actual     int
		shouldFail bool
	}{
		{"matching status codes", 200, 200, false},
		{"different status codes", 200, 404, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			mockT := &mockTestingT{}
			AssertHTTPStatus(mockT, tt.expected, tt.actual, "test context")
			if tt.shouldFail != mockT.failed {
				t.Errorf("failed = %v, want %v", mockT.failed, tt.shouldFail)
			}
		})
	}
}

func TestAssertJSONResponse(t *testing.T) {
	tests := []struct {
		name           string
		jsonBody       string
		expectedStatus string
		shouldFail     bool
	}{
		{"valid JSON with matching status", `{"status":"ok","data":"test"}`, "ok", false},
		{"valid JSON with different status", `{"status":"error","data":"test"}`, "ok", true},
		{"invalid JSON", `{"status":}`, "ok", true},
		{"missing status field", `{"data":"test"}`, "ok", true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			mockT := &mockTestingT{}
			rr := httptest.NewRecorder()
			rr.Body.WriteString(tt.jsonBody)

			defer func() {
				if r := recover(); r != nil && !tt.shouldFail {
					t.Errorf("unexpected panic: %v", r)
				}
			}()

			response := AssertJSONResponse(mockT, rr, tt.expectedStatus)
			if tt.shouldFail != mockT.failed {
				t.Errorf("failed = %v, want %v (%s)", mockT.failed, tt.shouldFail, mockT.errorMsg)
			}
			if !tt.shouldFail && response == nil {
				t.Error("expected response map to be returned")
			}
		})
	}
}

func TestCreateHTTPRequest(t *testing.T) {
	req := CreateHTTPRequest(t, "POST", "/webhooks/ghl", map[string]string{"key": "value"})
	if req.Method != "POST" || req.URL.Path != "/webhooks/ghl" {
		t.Errorf("unexpected request %s %s", req.Method, req.URL.Path)
	}
	if req.Header.Get("Content-Type") != "application/json" {
		t.Error("expected JSON content type")
	}
}

func TestFakeGenerator_ReplaysScript(t *testing.T) {
	g := &FakeGenerator{
		Script:  []*genai.ToolCallResponse{{Content: "first"}},
		Default: "again",
	}
	first, err := g.GenerateWithMessages(context.Background(), nil)
	if err != nil || first != "first" {
		t.Fatalf("first = %q, %v", first, err)
	}
	second, err := g.GenerateWithMessages(context.Background(), nil)
	if err != nil || second != "again" {
		t.Fatalf("second = %q, %v", second, err)
	}
	if g.CallCount() != 2 {
		t.Errorf("CallCount = %d", g.CallCount())
	}

	empty := &FakeGenerator{}
	if _, err := empty.GenerateWithTools(context.Background(), nil, nil); err == nil {
		t.Error("expected error once script is exhausted")
	}
}

func TestFakeCRM_SendFailuresAndAvailability(t *testing.T) {
	crm := NewFakeCRM()
	crm.SendFailures = 1
	if err := crm.SendMessage(context.Background(), "c", "a"); err == nil {
		t.Error("expected first send to fail")
	}
	if err := crm.SendMessage(context.Background(), "c", "b"); err != nil {
		t.Errorf("unexpected error: %v", err)
	}
	if got := crm.SentMessages(); len(got) != 1 || got[0] != "b" {
		t.Errorf("SentMessages = %v", got)
	}

	now := time.Date(2026, 3, 2, 0, 0, 0, 0, time.UTC)
	crm.Slots = []models.Slot{{Start: now.Add(time.Hour)}, {Start: now.Add(30 * 24 * time.Hour)}}
	slots, err := crm.CheckAvailability(context.Background(), now, now.Add(7*24*time.Hour))
	if err != nil || len(slots) != 1 {
		t.Errorf("slots = %v, %v", slots, err)
	}
}

func TestToolCall(t *testing.T) {
	tc := ToolCall("call_1", "add_note", map[string]string{"note": "hi"})
	if tc.Function.Name != "add_note" || string(tc.Function.Arguments) != `{"note":"hi"}` {
		t.Errorf("unexpected tool call %+v", tc)
	}
}

// mockTestingT implements TB for testing the helpers themselves.
type mockTestingT struct {
	failed   bool
	errorMsg string
}

func (m *mockTestingT) Helper() {}

func (m *mockTestingT) Errorf(format string, args ...interface{}) {
	m.failed = true
	m.errorMsg = fmt.Sprintf(format, args...)
}

func (m *mockTestingT) Error(args ...interface{}) {
	m.failed = true
	m.errorMsg = fmt.Sprint(args...)
}

func (m *mockTestingT) Fatalf(format string, args ...interface{}) {
	m.failed = true
	m.errorMsg = fmt.Sprintf(format, args...)
	panic("test failed")
}

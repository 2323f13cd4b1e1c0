package agent

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/openai/openai-go"
	"github.com/openai/openai-go/shared"

	"github.com/palinopr/ghl-langgraph-agent-sub000/internal/genai"
	"github.com/palinopr/ghl-langgraph-agent-sub000/internal/models"
	"github.com/palinopr/ghl-langgraph-agent-sub000/internal/router"
)

// Tool names offered to the model.
const (
	ToolUpdateContactFields = "update_contact_fields"
	ToolAddNote             = "add_note"
	ToolCheckAvailability   = "check_availability"
	ToolBookAppointment     = "book_appointment"
	ToolRequestReroute      = "request_reroute"
)

const maxDaysAhead = 30

var personaTools = map[models.Persona][]string{
	models.PersonaCold: {ToolUpdateContactFields, ToolAddNote, ToolRequestReroute},
	models.PersonaWarm: {ToolUpdateContactFields, ToolAddNote, ToolRequestReroute},
	models.PersonaHot:  {ToolUpdateContactFields, ToolAddNote, ToolCheckAvailability, ToolBookAppointment, ToolRequestReroute},
}

func allows(p models.Persona, tool string) bool {
	for _, t := range personaTools[p] {
		if t == tool {
			return true
		}
	}
	return false
}

func toolDefinition(name string) openai.ChatCompletionToolParam {
	var fn shared.FunctionDefinitionParam
	switch name {
	case ToolUpdateContactFields:
		fn = shared.FunctionDefinitionParam{
			Name:        name,
			Description: openai.String("Save information the customer shared to their CRM contact. Only use values the customer stated."),
			Parameters: shared.FunctionParameters{
				"type": "object",
				"properties": map[string]interface{}{
					"fields": map[string]interface{}{
						"type":        "object",
						"description": "Field values keyed by name, business_type, goal, budget or email",
						"additionalProperties": map[string]interface{}{
							"type": "string",
						},
					},
				},
				"required": []string{"fields"},
			},
		}
	case ToolAddNote:
		fn = shared.FunctionDefinitionParam{
			Name:        name,
			Description: openai.String("Add an internal note to the contact for the sales team. Never shown to the customer."),
			Parameters: shared.FunctionParameters{
				"type": "object",
				"properties": map[string]interface{}{
					"note": map[string]interface{}{
						"type":        "string",
						"description": "Short note text",
					},
				},
				"required": []string{"note"},
			},
		}
	case ToolCheckAvailability:
		fn = shared.FunctionDefinitionParam{
			Name:        name,
			Description: openai.String("Look up open consultation times on the calendar. Returns numbered times to offer the customer."),
			Parameters: shared.FunctionParameters{
				"type": "object",
				"properties": map[string]interface{}{
					"days_ahead": map[string]interface{}{
						"type":        "integer",
						"description": "How many days ahead to search",
					},
				},
			},
		}
	case ToolBookAppointment:
		fn = shared.FunctionDefinitionParam{
			Name:        name,
			Description: openai.String("Book one of the times previously returned by check_availability after the customer chose it."),
			Parameters: shared.FunctionParameters{
				"type": "object",
				"properties": map[string]interface{}{
					"slot_number": map[string]interface{}{
						"type":        "integer",
						"description": "Number of the chosen time as listed by check_availability (1-based)",
					},
					"start": map[string]interface{}{
						"type":        "string",
						"description": "Start time of the chosen slot in RFC3339, if no number was given",
					},
				},
			},
		}
	case ToolRequestReroute:
		fn = shared.FunctionDefinitionParam{
			Name:        name,
			Description: openai.String("Hand this turn to a different persona when it is better suited to answer."),
			Parameters: shared.FunctionParameters{
				"type": "object",
				"properties": map[string]interface{}{
					"persona": map[string]interface{}{
						"type":        "string",
						"enum":        []string{string(models.PersonaCold), string(models.PersonaWarm), string(models.PersonaHot)},
						"description": "Persona that should answer",
					},
					"reason": map[string]interface{}{
						"type":        "string",
						"description": "Why the handoff is needed",
					},
				},
				"required": []string{"persona"},
			},
		}
	}
	return openai.ChatCompletionToolParam{Type: "function", Function: fn}
}

// toolsFor returns the tool definitions persona may call.
func toolsFor(p models.Persona) []openai.ChatCompletionToolParam {
	names := personaTools[p]
	out := make([]openai.ChatCompletionToolParam, 0, len(names))
	for _, n := range names {
		out = append(out, toolDefinition(n))
	}
	return out
}

// turn collects what the tools did during one dispatch.
type turn struct {
	persona   models.Persona
	effects   []Effect
	booked    *models.Appointment
	bookErr   error
	rerouted  bool
	exhausted bool
	next      router.Decision
}

func (t *turn) record(tool string, ok bool, detail string) {
	t.effects = append(t.effects, Effect{Tool: tool, OK: ok, Detail: detail})
}

// executeTools runs every requested call and appends the assistant message
// and the tool results to msgs.
func (d *Dispatcher) executeTools(ctx context.Context, state *models.ConversationState, resp *genai.ToolCallResponse, msgs []openai.ChatCompletionMessageParamUnion, t *turn) []openai.ChatCompletionMessageParamUnion {
	msgs = append(msgs, assistantWithToolCalls(resp))
	for _, call := range resp.ToolCalls {
		result := d.executeTool(ctx, state, call, t)
		if result == "" {
			result = "Tool executed successfully"
		}
		msgs = append(msgs, openai.ToolMessage(result, call.ID))
	}
	return msgs
}

func (d *Dispatcher) executeTool(ctx context.Context, state *models.ConversationState, call genai.ToolCall, t *turn) string {
	name := call.Function.Name
	slog.Info("Dispatcher.executeTool: executing tool call", "threadID", state.ThreadID, "persona", t.persona, "toolName", name, "toolCallID", call.ID)
	if !allows(t.persona, name) {
		slog.Warn("Dispatcher.executeTool: tool not available to persona", "threadID", state.ThreadID, "persona", t.persona, "toolName", name)
		t.record(name, false, "not available")
		return fmt.Sprintf("❌ Unknown tool: %s", name)
	}

	switch name {
	case ToolUpdateContactFields:
		return d.updateContactFields(ctx, state, call.Function.Arguments, t)
	case ToolAddNote:
		return d.addNote(ctx, state, call.Function.Arguments, t)
	case ToolCheckAvailability:
		return d.checkAvailability(ctx, state, call.Function.Arguments, t)
	case ToolBookAppointment:
		return d.bookAppointment(ctx, state, call.Function.Arguments, t)
	case ToolRequestReroute:
		return d.requestReroute(state, call.Function.Arguments, t)
	}
	t.record(name, false, "unknown tool")
	return fmt.Sprintf("❌ Unknown tool: %s", name)
}

func decodeArgs(raw json.RawMessage, v interface{}) error {
	if len(raw) == 0 {
		return nil
	}
	return json.Unmarshal(raw, v)
}

func (d *Dispatcher) updateContactFields(ctx context.Context, state *models.ConversationState, raw json.RawMessage, t *turn) string {
	var args struct {
		Fields map[string]string `json:"fields"`
	}
	if err := decodeArgs(raw, &args); err != nil {
		t.record(ToolUpdateContactFields, false, "invalid arguments")
		return "❌ Failed to update contact: invalid arguments"
	}
	fields := map[string]string{}
	for _, f := range models.Fields {
		if v := strings.TrimSpace(args.Fields[string(f)]); v != "" {
			fields[string(f)] = v
		}
	}
	if len(fields) == 0 {
		t.record(ToolUpdateContactFields, false, "no recognised fields")
		return "❌ No recognised fields to update"
	}
	if err := d.crm.UpdateContactFields(ctx, state.ContactID, fields); err != nil {
		slog.Error("Dispatcher.updateContactFields: CRM update failed", "threadID", state.ThreadID, "error", err)
		t.record(ToolUpdateContactFields, false, err.Error())
		return fmt.Sprintf("❌ Failed to update contact: %s", err.Error())
	}
	t.record(ToolUpdateContactFields, true, fmt.Sprintf("%d fields", len(fields)))
	return "Contact updated"
}

func (d *Dispatcher) addNote(ctx context.Context, state *models.ConversationState, raw json.RawMessage, t *turn) string {
	var args struct {
		Note string `json:"note"`
	}
	if err := decodeArgs(raw, &args); err != nil || strings.TrimSpace(args.Note) == "" {
		t.record(ToolAddNote, false, "invalid arguments")
		return "❌ Failed to add note: a non-empty note is required"
	}
	if err := d.crm.AddNote(ctx, state.ContactID, args.Note); err != nil {
		slog.Error("Dispatcher.addNote: CRM note failed", "threadID", state.ThreadID, "error", err)
		t.record(ToolAddNote, false, err.Error())
		return fmt.Sprintf("❌ Failed to add note: %s", err.Error())
	}
	t.record(ToolAddNote, true, "")
	return "Note added"
}

func (d *Dispatcher) checkAvailability(ctx context.Context, state *models.ConversationState, raw json.RawMessage, t *turn) string {
	if state.Booking.Stage == models.BookingConfirmed {
		t.record(ToolCheckAvailability, false, "already booked")
		return "An appointment is already booked; do not offer new times."
	}
	var args struct {
		DaysAhead int `json:"days_ahead"`
	}
	_ = decodeArgs(raw, &args)
	days := args.DaysAhead
	if days <= 0 {
		days = d.business.BookingDaysAhead
	}
	if days > maxDaysAhead {
		days = maxDaysAhead
	}
	from := d.now()
	slots, err := d.crm.CheckAvailability(ctx, from, from.Add(time.Duration(days)*24*time.Hour))
	if err != nil {
		slog.Error("Dispatcher.checkAvailability: calendar lookup failed", "threadID", state.ThreadID, "error", err)
		t.record(ToolCheckAvailability, false, err.Error())
		return "❌ Could not read the calendar right now. Apologize and offer to follow up."
	}
	if n := d.business.MaxProposedSlots; n > 0 && len(slots) > n {
		slots = slots[:n]
	}
	if len(slots) == 0 {
		t.record(ToolCheckAvailability, true, "no open times")
		return fmt.Sprintf("No open times in the next %d days.", days)
	}
	state.Booking.Stage = models.BookingProposed
	state.Booking.ProposedSlots = slots
	state.Booking.LastError = ""
	t.record(ToolCheckAvailability, true, fmt.Sprintf("%d times", len(slots)))
	return "Open times: " + strings.Join(slotLabels(d.business, slots), ", ") + ". Offer these to the customer."
}

func (d *Dispatcher) bookAppointment(ctx context.Context, state *models.ConversationState, raw json.RawMessage, t *turn) string {
	if state.Booking.Stage == models.BookingConfirmed {
		t.record(ToolBookAppointment, false, "already booked")
		return "An appointment is already booked; do not book another."
	}
	var args struct {
		SlotNumber int    `json:"slot_number"`
		Start      string `json:"start"`
	}
	if err := decodeArgs(raw, &args); err != nil {
		t.record(ToolBookAppointment, false, "invalid arguments")
		return "❌ Failed to book: invalid arguments"
	}
	slot, err := pickSlot(state.Booking.ProposedSlots, args.SlotNumber, args.Start)
	if err != nil {
		t.record(ToolBookAppointment, false, err.Error())
		return "❌ " + err.Error()
	}

	appt, err := d.crm.CreateAppointment(ctx, state.ContactID, slot)
	if err != nil {
		slog.Error("Dispatcher.bookAppointment: create appointment failed", "threadID", state.ThreadID, "slot", slot.Start, "error", err)
		state.Booking.LastError = err.Error()
		t.bookErr = err
		t.record(ToolBookAppointment, false, err.Error())
		return "❌ FAILED: the appointment was NOT booked. Apologize and offer to retry with one of the offered times."
	}

	confirmed := appt.Slot
	state.Booking.Stage = models.BookingConfirmed
	state.Booking.AppointmentID = appt.ID
	state.Booking.ConfirmedSlot = &confirmed
	state.Booking.LastError = ""
	t.booked = &appt
	t.record(ToolBookAppointment, true, appt.ID)

	note := fmt.Sprintf("Appointment %s booked for %s via WhatsApp assistant.", appt.ID, formatSlot(d.business, confirmed))
	if err := d.crm.AddNote(ctx, state.ContactID, note); err != nil {
		slog.Warn("Dispatcher.bookAppointment: booking note failed", "threadID", state.ThreadID, "appointmentID", appt.ID, "error", err)
	}
	slog.Info("Dispatcher.bookAppointment: appointment booked", "threadID", state.ThreadID, "appointmentID", appt.ID)
	return fmt.Sprintf("SUCCESS: appointment %s booked for %s.", appt.ID, formatSlot(d.business, confirmed))
}

func (d *Dispatcher) requestReroute(state *models.ConversationState, raw json.RawMessage, t *turn) string {
	var args struct {
		Persona string `json:"persona"`
		Reason  string `json:"reason"`
	}
	if err := decodeArgs(raw, &args); err != nil {
		t.record(ToolRequestReroute, false, "invalid arguments")
		return "❌ Failed to reroute: invalid arguments"
	}
	if d.router == nil {
		t.record(ToolRequestReroute, false, "unavailable")
		return "Rerouting is unavailable; answer the customer yourself."
	}
	target, _ := models.ParsePersona(args.Persona)
	dec, err := d.router.RequestReroute(state, target, args.Reason)
	if err != nil {
		if errors.Is(err, router.ErrRerouteExhausted) {
			t.exhausted = true
			t.record(ToolRequestReroute, false, "exhausted")
			return "Reroute limit reached."
		}
		t.record(ToolRequestReroute, false, err.Error())
		return fmt.Sprintf("❌ Failed to reroute: %s", err.Error())
	}
	t.rerouted = true
	t.next = dec
	t.record(ToolRequestReroute, true, string(dec.Persona))
	return "Rerouted to " + string(dec.Persona)
}

package agent

import (
	"fmt"
	"strings"

	"github.com/openai/openai-go"

	"github.com/palinopr/ghl-langgraph-agent-sub000/internal/config"
	"github.com/palinopr/ghl-langgraph-agent-sub000/internal/models"
)

// MaxLiveMessages bounds how many live messages a persona sees.
const MaxLiveMessages = 12

// View is what one persona may see of a thread.
type View struct {
	Persona models.Persona
	// Live holds customer messages, this persona's own replies and the agent
	// message the newest customer message answered, oldest first.
	Live []models.Message
	// HistorySummary condenses imported CRM history into a few lines.
	HistorySummary string
	Known          models.ExtractedData
	Missing        []models.Field
	Score          int
	Reasoning      string
	Booking        models.Booking
	Profile        models.ContactProfile
}

// Project builds the filtered view of state for persona. Other personas'
// replies are dropped except the one the customer is answering right now.
func Project(state *models.ConversationState, persona models.Persona) View {
	own := models.PersonaProvenance(persona)
	var answered string
	if m, ok := state.PreviousAgentMessage(); ok {
		answered = m.ID
	}

	var live []models.Message
	for _, m := range state.Messages {
		if m.Source != models.SourceLive {
			continue
		}
		switch {
		case m.Role == models.RoleCustomer:
			live = append(live, m)
		case m.Role == models.RoleAgent && (m.Provenance == own || m.ID == answered):
			live = append(live, m)
		}
	}
	if len(live) > MaxLiveMessages {
		live = live[len(live)-MaxLiveMessages:]
	}

	return View{
		Persona:        persona,
		Live:           live,
		HistorySummary: summarizeHistory(state.Messages),
		Known:          state.ExtractedData.Clone(),
		Missing:        state.ExtractedData.Missing(),
		Score:          state.LeadScore,
		Reasoning:      state.ScoreReasoning,
		Booking:        state.Booking,
		Profile:        state.Profile,
	}
}

const historyExcerpt = 120

// summarizeHistory describes imported history without replaying it.
func summarizeHistory(msgs []models.Message) string {
	var customer, agent int
	var lastCustomer, lastAgent string
	for _, m := range msgs {
		if m.Source != models.SourceHistorical {
			continue
		}
		switch m.Role {
		case models.RoleCustomer:
			customer++
			lastCustomer = m.Content
		case models.RoleAgent:
			agent++
			lastAgent = m.Content
		}
	}
	if customer+agent == 0 {
		return ""
	}
	var b strings.Builder
	fmt.Fprintf(&b, "Earlier CRM conversation: %d customer and %d business messages.", customer, agent)
	if lastCustomer != "" {
		fmt.Fprintf(&b, " Last customer message then: %q.", clip(lastCustomer, historyExcerpt))
	}
	if lastAgent != "" {
		fmt.Fprintf(&b, " Last business message then: %q.", clip(lastAgent, historyExcerpt))
	}
	return b.String()
}

func clip(s string, n int) string {
	r := []rune(strings.TrimSpace(s))
	if len(r) <= n {
		return string(r)
	}
	return string(r[:n]) + "…"
}

var fieldLabels = map[models.Field]string{
	models.FieldName:         "name",
	models.FieldBusinessType: "business type",
	models.FieldGoal:         "goal",
	models.FieldBudget:       "monthly budget (USD)",
	models.FieldEmail:        "email",
}

var personaRoles = map[models.Persona]string{
	models.PersonaCold: "You open conversations with new leads. Be warm and brief, make them feel heard and learn about their business.",
	models.PersonaWarm: "You qualify interested leads. Connect the service to their goal and confirm the budget fits before offering a call.",
	models.PersonaHot:  "You close qualified leads by booking a consultation. Offer concrete times from the calendar and confirm only real bookings.",
}

// systemPrompt renders persona identity, business context, task and the
// facts the persona must treat as given.
func systemPrompt(b *config.Business, v View, task string) string {
	var sb strings.Builder
	fmt.Fprintf(&sb, "You are %s, an assistant for %s. %s\n", b.AgentName, b.Name, b.ServiceDescription)
	fmt.Fprintf(&sb, "%s\n", personaRoles[v.Persona])
	if extra := b.PersonaInstructions(v.Persona); extra != "" {
		fmt.Fprintf(&sb, "%s\n", extra)
	}
	fmt.Fprintf(&sb, "Reply in the customer's language (default %s). Write one short WhatsApp message, no lists, no markdown.\n", b.Language)

	if task != "" {
		fmt.Fprintf(&sb, "\nYOUR TASK THIS TURN: %s\n", task)
	}

	if known := v.Known.Known(); len(known) > 0 {
		sb.WriteString("\nALREADY KNOWN (treat as given, never ask again):\n")
		for _, f := range known {
			fmt.Fprintf(&sb, "- %s: %s\n", fieldLabels[f], v.Known[f])
		}
	}
	if len(v.Missing) > 0 {
		labels := make([]string, 0, len(v.Missing))
		for _, f := range v.Missing {
			labels = append(labels, fieldLabels[f])
		}
		fmt.Fprintf(&sb, "Still unknown: %s. Ask for at most one of these.\n", strings.Join(labels, ", "))
	}
	if v.Reasoning != "" {
		fmt.Fprintf(&sb, "Lead qualification: %s\n", v.Reasoning)
	}

	switch v.Booking.Stage {
	case models.BookingProposed:
		fmt.Fprintf(&sb, "\nTimes already offered: %s. If the customer picks one, call book_appointment with its number.\n",
			strings.Join(slotLabels(b, v.Booking.ProposedSlots), "; "))
		if v.Booking.LastError != "" {
			sb.WriteString("The last booking attempt failed; the customer may retry with one of these times.\n")
		}
	case models.BookingConfirmed:
		if v.Booking.ConfirmedSlot != nil {
			fmt.Fprintf(&sb, "\nAn appointment is already booked for %s. Do not book another.\n", formatSlot(b, *v.Booking.ConfirmedSlot))
		}
	}
	if v.Persona == models.PersonaHot {
		sb.WriteString("Never tell the customer an appointment is booked unless book_appointment returned success.\n")
	}
	if v.HistorySummary != "" {
		fmt.Fprintf(&sb, "\nContext: %s\n", v.HistorySummary)
	}
	sb.WriteString("\nIf another persona is clearly better suited (for example the customer wants to book now), call request_reroute instead of answering.")
	return sb.String()
}

// chatMessages converts the view into the model's message list.
func chatMessages(b *config.Business, v View, task string) []openai.ChatCompletionMessageParamUnion {
	msgs := []openai.ChatCompletionMessageParamUnion{openai.SystemMessage(systemPrompt(b, v, task))}
	for _, m := range v.Live {
		if m.Role == models.RoleAgent {
			msgs = append(msgs, openai.AssistantMessage(m.Content))
			continue
		}
		msgs = append(msgs, openai.UserMessage(m.Content))
	}
	return msgs
}

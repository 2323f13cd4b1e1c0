package models

import "time"

const (
	// MinScore and MaxScore bound every lead score.
	MinScore = 1
	MaxScore = 10
)

// ClampScore forces s into [MinScore, MaxScore].
func ClampScore(s int) int {
	if s < MinScore {
		return MinScore
	}
	if s > MaxScore {
		return MaxScore
	}
	return s
}

// BookingStage tracks the hot persona's appointment flow.
type BookingStage string

const (
	BookingNone      BookingStage = ""
	BookingProposed  BookingStage = "proposed"
	BookingConfirmed BookingStage = "confirmed"
)

// Slot is an open calendar window returned by an availability check.
type Slot struct {
	Start time.Time `json:"start"`
	End   time.Time `json:"end"`
}

// Booking holds appointment progress for a thread. Only a reference id to
// the CRM appointment is kept locally.
type Booking struct {
	Stage         BookingStage `json:"stage,omitempty"`
	ProposedSlots []Slot       `json:"proposed_slots,omitempty"`
	AppointmentID string       `json:"appointment_id,omitempty"`
	ConfirmedSlot *Slot        `json:"confirmed_slot,omitempty"`
	LastError     string       `json:"last_error,omitempty"`
}

// Bookable reports whether a new booking attempt may be made.
func (b Booking) Bookable() bool {
	return b.Stage != BookingConfirmed
}

// ConversationState is the persistent memory of one thread.
type ConversationState struct {
	ThreadID       string        `json:"thread_id"`
	ContactID      string        `json:"contact_id"`
	ConversationID string        `json:"conversation_id,omitempty"`
	Messages       []Message     `json:"messages"`
	ExtractedData  ExtractedData `json:"extracted_data"`
	LeadScore      int           `json:"lead_score"`
	ScoreReasoning string        `json:"score_reasoning,omitempty"`
	// BudgetConfirmed is set when the customer affirmed a figure proposed by an agent.
	BudgetConfirmed bool           `json:"budget_confirmed,omitempty"`
	CurrentAgent    Persona        `json:"current_agent,omitempty"`
	NextAgent       Persona        `json:"next_agent,omitempty"`
	AgentTask       string         `json:"agent_task,omitempty"`
	RoutingAttempts int            `json:"routing_attempts"`
	ShouldEnd       bool           `json:"should_end"`
	Booking         Booking        `json:"booking"`
	Profile         ContactProfile `json:"profile"`
	CreatedAt       time.Time      `json:"created_at"`
	UpdatedAt       time.Time      `json:"updated_at"`
}

// NewConversationState returns an empty thread at the minimum score.
func NewConversationState(threadID, contactID string, now time.Time) *ConversationState {
	return &ConversationState{
		ThreadID:      threadID,
		ContactID:     contactID,
		ExtractedData: ExtractedData{},
		LeadScore:     MinScore,
		CreatedAt:     now,
		UpdatedAt:     now,
	}
}

// Clone returns a deep copy so callers can mutate without touching shared state.
func (s *ConversationState) Clone() *ConversationState {
	if s == nil {
		return nil
	}
	out := *s
	out.Messages = append([]Message(nil), s.Messages...)
	out.ExtractedData = s.ExtractedData.Clone()
	out.Booking.ProposedSlots = append([]Slot(nil), s.Booking.ProposedSlots...)
	if s.Booking.ConfirmedSlot != nil {
		slot := *s.Booking.ConfirmedSlot
		out.Booking.ConfirmedSlot = &slot
	}
	return &out
}

// LastLive returns the newest live message with the given role.
func (s *ConversationState) LastLive(role Role) (Message, bool) {
	for i := len(s.Messages) - 1; i >= 0; i-- {
		m := s.Messages[i]
		if m.Source == SourceLive && m.Role == role {
			return m, true
		}
	}
	return Message{}, false
}

// PreviousAgentMessage returns the newest live agent message sent before the
// newest live customer message.
func (s *ConversationState) PreviousAgentMessage() (Message, bool) {
	seenCustomer := false
	for i := len(s.Messages) - 1; i >= 0; i-- {
		m := s.Messages[i]
		if m.Source != SourceLive {
			continue
		}
		if !seenCustomer {
			if m.Role == RoleCustomer {
				seenCustomer = true
			}
			continue
		}
		if m.Role == RoleAgent {
			return m, true
		}
		if m.Role == RoleCustomer {
			// Consecutive customer messages: the agent did not speak in between.
			return Message{}, false
		}
	}
	return Message{}, false
}

// CountBySource returns how many messages carry the given source.
func (s *ConversationState) CountBySource(src Source) int {
	n := 0
	for _, m := range s.Messages {
		if m.Source == src {
			n++
		}
	}
	return n
}

package ghl

import (
	"encoding/json"
	"sort"
	"strings"
	"time"

	"github.com/palinopr/ghl-langgraph-agent-sub000/internal/models"
)

type contactResponse struct {
	Contact contact `json:"contact"`
}

type contact struct {
	ID           string             `json:"id"`
	FirstName    string             `json:"firstName"`
	LastName     string             `json:"lastName"`
	Name         string             `json:"name"`
	Email        string             `json:"email"`
	Phone        string             `json:"phone"`
	CustomFields []customFieldValue `json:"customFields"`
}

func (c contact) profile() models.ContactProfile {
	name := strings.TrimSpace(c.Name)
	if name == "" {
		name = strings.TrimSpace(c.FirstName + " " + c.LastName)
	}
	p := models.ContactProfile{Name: name, Email: c.Email, Phone: c.Phone}
	for _, f := range c.CustomFields {
		if p.CustomFields == nil {
			p.CustomFields = map[string]string{}
		}
		key := f.Key
		if key == "" {
			key = f.ID
		}
		p.CustomFields[key] = f.Value
	}
	return p
}

type customFieldValue struct {
	ID    string `json:"id,omitempty"`
	Key   string `json:"key,omitempty"`
	Value string `json:"field_value"`
}

func sortCustomFields(fields []customFieldValue) {
	sort.Slice(fields, func(i, j int) bool { return fields[i].Key < fields[j].Key })
}

type updateContactRequest struct {
	CustomFields []customFieldValue `json:"customFields"`
}

type noteRequest struct {
	Body string `json:"body"`
}

type conversationSearchResponse struct {
	Conversations []struct {
		ID string `json:"id"`
	} `json:"conversations"`
}

type messagesResponse struct {
	Messages messagePage `json:"messages"`
}

type messagePage struct {
	Messages []conversationMessage `json:"messages"`
}

type conversationMessage struct {
	ID        string    `json:"id"`
	Body      string    `json:"body"`
	Direction string    `json:"direction"`
	DateAdded time.Time `json:"dateAdded"`
}

// entries converts a page to history entries, oldest first, keeping the
// newest limit messages.
func (p messagePage) entries(limit int) []models.HistoryEntry {
	var out []models.HistoryEntry
	for _, m := range p.Messages {
		if strings.TrimSpace(m.Body) == "" {
			continue
		}
		role := models.RoleCustomer
		if strings.EqualFold(m.Direction, "outbound") {
			role = models.RoleAgent
		}
		out = append(out, models.HistoryEntry{
			ExternalID: m.ID,
			Text:       m.Body,
			Role:       role,
			Timestamp:  m.DateAdded,
		})
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].Timestamp.Before(out[j].Timestamp) })
	if limit > 0 && len(out) > limit {
		out = out[len(out)-limit:]
	}
	return out
}

type freeSlotDay struct {
	Slots []string `json:"slots"`
}

// parseFreeSlots reads the date-keyed free-slots payload; non-date keys such
// as traceId are skipped.
func parseFreeSlots(raw map[string]json.RawMessage, duration time.Duration) []models.Slot {
	var out []models.Slot
	for key, value := range raw {
		if _, err := time.Parse("2006-01-02", key); err != nil {
			continue
		}
		var day freeSlotDay
		if err := json.Unmarshal(value, &day); err != nil {
			continue
		}
		for _, s := range day.Slots {
			start, err := time.Parse(time.RFC3339, s)
			if err != nil {
				continue
			}
			out = append(out, models.Slot{Start: start, End: start.Add(duration)})
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Start.Before(out[j].Start) })
	return out
}

type appointmentRequest struct {
	CalendarID        string `json:"calendarId"`
	LocationID        string `json:"locationId"`
	ContactID         string `json:"contactId"`
	StartTime         string `json:"startTime"`
	EndTime           string `json:"endTime"`
	Title             string `json:"title"`
	AppointmentStatus string `json:"appointmentStatus"`
}

type appointmentResponse struct {
	ID          string `json:"id"`
	Appointment struct {
		ID string `json:"id"`
	} `json:"appointment"`
}

type sendMessageRequest struct {
	Type      string `json:"type"`
	ContactID string `json:"contactId"`
	Message   string `json:"message"`
}

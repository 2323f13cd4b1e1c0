package agent

import (
	"fmt"
	"regexp"
	"strings"
	"time"

	"github.com/palinopr/ghl-langgraph-agent-sub000/internal/config"
	"github.com/palinopr/ghl-langgraph-agent-sub000/internal/models"
)

// formatSlot renders a slot start in the business time zone.
func formatSlot(b *config.Business, s models.Slot) string {
	return s.Start.In(b.Location()).Format("Mon 02/01 15:04")
}

// slotLabels numbers slots from 1 for the model and the customer.
func slotLabels(b *config.Business, slots []models.Slot) []string {
	out := make([]string, 0, len(slots))
	for i, s := range slots {
		out = append(out, fmt.Sprintf("%d) %s", i+1, formatSlot(b, s)))
	}
	return out
}

// slotsReply offers the proposed slots again in the business language.
func slotsReply(b *config.Business, slots []models.Slot) string {
	list := strings.Join(slotLabels(b, slots), ", ")
	if strings.HasPrefix(strings.ToLower(b.Language), "en") {
		return "These are the available times: " + list + ". Which one works best for you?"
	}
	return "Estos son los horarios disponibles: " + list + ". ¿Cuál te queda mejor?"
}

var bookingClaimRe = regexp.MustCompile(`(?i)(cita|reunión|reunion|llamada|appointment|meeting|call)[^.!?]{0,40}(confirmad|agendad|reservad|programad|confirmed|booked|scheduled)` +
	`|(te|lo|la)\s+(agend[eé]|reserv[eé]|confirm[eé])` +
	`|(he|hemos)\s+(agendado|reservado|confirmado)` +
	`|(you'?re|you are)\s+(all\s+)?(booked|confirmed|scheduled)` +
	`|(i'?ve|we'?ve)\s+(booked|scheduled|confirmed)`)

// claimsBooking reports whether text tells the customer a booking exists.
func claimsBooking(text string) bool {
	return bookingClaimRe.MatchString(text)
}

// pickSlot resolves a book_appointment request against the proposed slots:
// by 1-based index first, then by exact start time.
func pickSlot(proposed []models.Slot, index int, start string) (models.Slot, error) {
	if len(proposed) == 0 {
		return models.Slot{}, fmt.Errorf("no times have been offered yet; call check_availability first")
	}
	if index >= 1 && index <= len(proposed) {
		return proposed[index-1], nil
	}
	if start != "" {
		t, err := time.Parse(time.RFC3339, start)
		if err != nil {
			return models.Slot{}, fmt.Errorf("start %q is not an RFC3339 time", start)
		}
		for _, s := range proposed {
			if s.Start.Equal(t) {
				return s, nil
			}
		}
		return models.Slot{}, fmt.Errorf("start %s is not one of the offered times", start)
	}
	return models.Slot{}, fmt.Errorf("slot_number must be between 1 and %d", len(proposed))
}

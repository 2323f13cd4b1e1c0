package store

import (
	"database/sql"
	"encoding/json"
	"fmt"

	"github.com/palinopr/ghl-langgraph-agent-sub000/internal/models"
)

// nilIfEmpty returns nil if s is empty, otherwise returns s.
// Used for nullable database columns.
func nilIfEmpty(s string) interface{} {
	if s == "" {
		return nil
	}
	return s
}

// encodeState serializes a thread for the state_json column.
func encodeState(state *models.ConversationState) (string, error) {
	b, err := json.Marshal(state)
	if err != nil {
		return "", fmt.Errorf("marshal thread state %s: %w", state.ThreadID, err)
	}
	return string(b), nil
}

// decodeState restores a thread and applies the authoritative score column.
func decodeState(stateJSON string, storedScore int) (*models.ConversationState, error) {
	var state models.ConversationState
	if err := json.Unmarshal([]byte(stateJSON), &state); err != nil {
		return nil, fmt.Errorf("unmarshal thread state: %w", err)
	}
	if state.ExtractedData == nil {
		state.ExtractedData = models.ExtractedData{}
	}
	if storedScore > state.LeadScore {
		state.LeadScore = storedScore
	}
	state.LeadScore = models.ClampScore(state.LeadScore)
	return &state, nil
}

// scanDelivery scans a Delivery from sql.Rows.
func scanDelivery(rows *sql.Rows) (models.Delivery, error) {
	var d models.Delivery
	var persona, body, lastError sql.NullString
	err := rows.Scan(&d.ID, &d.ThreadID, &d.ContactID, &persona, &body, &d.Status, &d.Attempts, &lastError, &d.CreatedAt)
	if err != nil {
		return d, fmt.Errorf("scan delivery failed: %w", err)
	}
	d.Persona = models.Persona(persona.String)
	d.Body = body.String
	d.Error = lastError.String
	return d, nil
}

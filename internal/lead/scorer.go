package lead

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/palinopr/ghl-langgraph-agent-sub000/internal/models"
)

// DefaultMinBudget is the monthly budget that earns budget points.
const DefaultMinBudget = 300

// ConfirmedBudgetFloor is the minimum score after a customer affirms a
// budget figure proposed by an agent.
const ConfirmedBudgetFloor = 6

// ScoreInput is everything the calculator may look at. Historical messages
// are deliberately absent.
type ScoreInput struct {
	Data          models.ExtractedData
	PreviousScore int
	// CustomerText is the newest live customer message.
	CustomerText string
	// PreviousAgentText is the live agent message that preceded CustomerText.
	PreviousAgentText string
	MinBudget         int
}

// ScoreResult is the calculator output.
type ScoreResult struct {
	Score     int
	Reasoning string
	// BudgetConfirmed is true when this turn confirmed an agent-proposed figure.
	BudgetConfirmed bool
	// ConfirmedBudget is the figure the customer agreed to, normalized.
	ConfirmedBudget string
}

// Score computes a lead score in [1,10] that never falls below PreviousScore.
func Score(in ScoreInput) ScoreResult {
	minBudget := in.MinBudget
	if minBudget <= 0 {
		minBudget = DefaultMinBudget
	}
	data := in.Data
	if data == nil {
		data = models.ExtractedData{}
	}

	var res ScoreResult
	if in.PreviousAgentText != "" && IsShortAffirmative(in.CustomerText) {
		if u, ok := ExtractBudget(in.PreviousAgentText); ok && u.Accepted() {
			res.BudgetConfirmed = true
			res.ConfirmedBudget = u.Value
			if !data.Has(models.FieldBudget) {
				data = data.Clone()
				data[models.FieldBudget] = u.Value
			}
		}
	}

	computed := 0
	var signals []string
	if data.Has(models.FieldName) {
		computed++
		signals = append(signals, "name")
	}
	if data.Has(models.FieldBusinessType) {
		computed += 2
		signals = append(signals, fmt.Sprintf("business type (%s)", data[models.FieldBusinessType]))
	}
	if data.Has(models.FieldBudget) {
		amount, err := strconv.Atoi(data[models.FieldBudget])
		switch {
		case err != nil:
			signals = append(signals, "unparsed budget")
		case amount >= minBudget:
			computed += 2
			signals = append(signals, fmt.Sprintf("budget $%d meets minimum", amount))
		default:
			signals = append(signals, fmt.Sprintf("budget $%d below $%d minimum", amount, minBudget))
		}
	}
	if data.Has(models.FieldGoal) {
		if IsClearGoal(data[models.FieldGoal]) {
			computed += 2
			signals = append(signals, "clear goal")
		} else {
			computed++
			signals = append(signals, "general goal")
		}
	}
	if data.Has(models.FieldEmail) {
		computed++
		signals = append(signals, "email")
	}
	computed = models.ClampScore(computed)
	if res.BudgetConfirmed && computed < ConfirmedBudgetFloor {
		computed = ConfirmedBudgetFloor
		signals = append(signals, "budget confirmed by customer")
	}

	res.Score = computed
	reasoning := "no qualifying signals yet"
	if len(signals) > 0 {
		reasoning = strings.Join(signals, ", ")
	}
	prev := in.PreviousScore
	if prev > computed {
		res.Score = models.ClampScore(prev)
		reasoning += fmt.Sprintf("; kept previous score %d", res.Score)
	}
	res.Reasoning = fmt.Sprintf("Score %d: %s.", res.Score, reasoning)
	return res
}

var goalIntentTerms = []string{
	"cliente", "customer", "client", "venta", "sales", "sell", "vender", "lead",
	"automat", "reserva", "booking", "cita", "appointment", "crecer", "grow",
	"marketing", "whatsapp", "responder", "respond", "reply", "chatbot", "bot",
	"seguimiento", "follow up", "follow-up", "conversion", "conversión", "ingresos", "revenue",
}

// IsClearGoal reports whether a goal names a concrete business outcome.
func IsClearGoal(goal string) bool {
	g := strings.ToLower(goal)
	for _, term := range goalIntentTerms {
		if strings.Contains(g, term) {
			return true
		}
	}
	return false
}

var affirmatives = []string{
	"yes", "yeah", "yep", "yup", "sure", "ok", "okay", "sounds good", "perfect", "great",
	"deal", "agreed", "correct", "exactly", "si", "sí", "claro", "dale", "perfecto",
	"correcto", "me parece bien", "esta bien", "está bien", "de acuerdo", "vale", "listo",
	"exacto", "va", "excelente", "por supuesto", "of course",
}

var negations = toSet("no", "not", "nope", "pero", "but", "nah", "never", "nunca")

// IsShortAffirmative reports whether text is a brief agreement of at most
// five words with no negation.
func IsShortAffirmative(text string) bool {
	norm := normalizeWords(text)
	words := strings.Fields(norm)
	if len(words) == 0 || len(words) > 5 {
		return false
	}
	for _, w := range words {
		if _, neg := negations[w]; neg {
			return false
		}
	}
	padded := " " + norm + " "
	for _, a := range affirmatives {
		if strings.Contains(padded, " "+a+" ") {
			return true
		}
	}
	return false
}

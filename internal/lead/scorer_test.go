package lead

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/palinopr/ghl-langgraph-agent-sub000/internal/models"
)

func TestScorePoints(t *testing.T) {
	tests := []struct {
		name string
		data models.ExtractedData
		want int
	}{
		{"nothing clamps to one", models.ExtractedData{}, 1},
		{"name only", models.ExtractedData{models.FieldName: "Ana"}, 1},
		{"name and business", models.ExtractedData{
			models.FieldName: "Ana", models.FieldBusinessType: "restaurante"}, 3},
		{"budget below minimum earns nothing", models.ExtractedData{
			models.FieldBudget: "100"}, 1},
		{"warm lead", models.ExtractedData{
			models.FieldName: "Ana", models.FieldBusinessType: "restaurante",
			models.FieldBudget: "500", models.FieldGoal: "más clientes"}, 7},
		{"weak goal", models.ExtractedData{
			models.FieldName: "Ana", models.FieldGoal: "mejorar"}, 2},
		{"full profile", models.ExtractedData{
			models.FieldName: "Ana", models.FieldBusinessType: "restaurante",
			models.FieldBudget: "500", models.FieldGoal: "automatizar reservas",
			models.FieldEmail: "ana@example.com"}, 8},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			res := Score(ScoreInput{Data: tt.data})
			assert.Equal(t, tt.want, res.Score)
			assert.NotEmpty(t, res.Reasoning)
		})
	}
}

func TestScoreNeverRegresses(t *testing.T) {
	res := Score(ScoreInput{Data: models.ExtractedData{models.FieldName: "Ana"}, PreviousScore: 7})
	assert.Equal(t, 7, res.Score)
	assert.Contains(t, res.Reasoning, "kept previous score 7")
}

func TestScoreBudgetConfirmation(t *testing.T) {
	data := models.ExtractedData{models.FieldName: "Ana", models.FieldBusinessType: "restaurante"}
	res := Score(ScoreInput{
		Data:              data,
		PreviousScore:     3,
		CustomerText:      "yes",
		PreviousAgentText: "Would a plan around $500 a month work for you?",
	})
	assert.True(t, res.BudgetConfirmed)
	assert.Equal(t, "500", res.ConfirmedBudget)
	assert.GreaterOrEqual(t, res.Score, ConfirmedBudgetFloor)
	assert.False(t, data.Has(models.FieldBudget), "input data must not be mutated")
}

func TestScoreConfirmationFloorAppliesWithSparseData(t *testing.T) {
	res := Score(ScoreInput{
		CustomerText:      "sí, perfecto",
		PreviousAgentText: "El plan cuesta $300 al mes, ¿te funciona?",
	})
	assert.True(t, res.BudgetConfirmed)
	assert.Equal(t, ConfirmedBudgetFloor, res.Score)
}

func TestScoreAffirmativeWithoutFigureIsNotConfirmation(t *testing.T) {
	res := Score(ScoreInput{
		CustomerText:      "yes",
		PreviousAgentText: "Would you like to hear more?",
	})
	assert.False(t, res.BudgetConfirmed)
	assert.Equal(t, 1, res.Score)
}

func TestIsShortAffirmative(t *testing.T) {
	yes := []string{"yes", "Sounds good!", "sí", "claro que sí", "ok dale", "De acuerdo."}
	no := []string{"", "no", "yes but it's too expensive", "I think that would be fine for my restaurant honestly", "hola"}
	for _, s := range yes {
		assert.True(t, IsShortAffirmative(s), s)
	}
	for _, s := range no {
		assert.False(t, IsShortAffirmative(s), s)
	}
}

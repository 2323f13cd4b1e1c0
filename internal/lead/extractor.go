// Package lead turns a single customer message into structured lead fields
// and scores the accumulated fields.
package lead

import (
	"regexp"
	"strconv"
	"strings"
	"unicode"

	"github.com/palinopr/ghl-langgraph-agent-sub000/internal/models"
)

// AcceptThreshold is the minimum confidence for an extraction to be merged.
const AcceptThreshold = 0.7

// FieldUpdate is one candidate value for a field.
type FieldUpdate struct {
	Value      string  `json:"value"`
	Confidence float64 `json:"confidence"`
}

// Accepted reports whether the update clears AcceptThreshold.
func (u FieldUpdate) Accepted() bool {
	return u.Confidence >= AcceptThreshold
}

// Extraction holds the accepted updates found in one message. A field that
// is absent means "no update" and must not clear a stored value.
type Extraction map[models.Field]FieldUpdate

// Values flattens the extraction into an ExtractedData patch.
func (e Extraction) Values() models.ExtractedData {
	out := make(models.ExtractedData, len(e))
	for f, u := range e {
		out[f] = u.Value
	}
	return out
}

// Extract scans one message's text. Only updates at or above AcceptThreshold
// are returned, and values identical to previous are omitted.
func Extract(text string, previous models.ExtractedData) Extraction {
	out := Extraction{}
	for field, cand := range Candidates(text) {
		if !cand.Accepted() {
			continue
		}
		if prev, ok := previous[field]; ok && strings.EqualFold(strings.TrimSpace(prev), cand.Value) {
			continue
		}
		out[field] = cand
	}
	return out
}

// Candidates returns the best match per field regardless of confidence.
func Candidates(text string) map[models.Field]FieldUpdate {
	text = strings.TrimSpace(text)
	out := map[models.Field]FieldUpdate{}
	if text == "" {
		return out
	}
	for field, fn := range extractors {
		if u, ok := fn(text); ok && u.Value != "" {
			out[field] = u
		}
	}
	return out
}

var extractors = map[models.Field]func(string) (FieldUpdate, bool){
	models.FieldName:         extractName,
	models.FieldBusinessType: extractBusinessType,
	models.FieldBudget:       ExtractBudget,
	models.FieldGoal:         extractGoal,
	models.FieldEmail:        extractEmail,
}

// best keeps the higher-confidence candidate.
func best(a, b FieldUpdate, okA, okB bool) (FieldUpdate, bool) {
	switch {
	case !okA:
		return b, okB
	case !okB:
		return a, okA
	case b.Confidence > a.Confidence:
		return b, true
	default:
		return a, true
	}
}

const wordPattern = `[\p{L}'-]+`

var (
	explicitNameRe = regexp.MustCompile(`(?i)(?:my name is|my name's|me llamo|mi nombre es|call me|ll[aá]mame)\s+(` + wordPattern + `)(?:\s+(` + wordPattern + `))?`)
	introNameRe    = regexp.MustCompile(`(?i)(?:^|[^\p{L}])(?:soy|i'm|i’m|i am|im)\s+(` + wordPattern + `)(?:\s+(` + wordPattern + `))?`)
)

var nameStopwords = toSet(
	"a", "an", "the", "un", "una", "el", "la", "de", "del", "from", "of", "and", "y",
	"interested", "interesado", "interesada", "looking", "here", "ready", "listo", "lista",
	"owner", "dueño", "dueña", "due", "very", "muy", "not", "no", "so", "just", "also",
	"fine", "good", "bien", "okay", "ok", "sure", "going", "trying", "new", "nuevo", "nueva",
	"con", "with", "en", "in", "at", "para", "for", "calling", "writing", "escribiendo",
)

func extractName(text string) (FieldUpdate, bool) {
	if m := explicitNameRe.FindStringSubmatch(text); m != nil {
		if name := joinName(m[1], m[2]); name != "" {
			return FieldUpdate{Value: name, Confidence: 0.95}, true
		}
	}
	if m := introNameRe.FindStringSubmatch(text); m != nil {
		name := joinName(m[1], m[2])
		if name == "" {
			return FieldUpdate{}, false
		}
		conf := 0.6
		if startsUpper(m[1]) {
			conf = 0.85
		}
		return FieldUpdate{Value: name, Confidence: conf}, true
	}
	return FieldUpdate{}, false
}

// joinName accepts a surname only when it is capitalized.
func joinName(first, second string) string {
	if _, stop := nameStopwords[strings.ToLower(first)]; stop {
		return ""
	}
	name := titleCase(first)
	if second != "" && startsUpper(second) {
		if _, stop := nameStopwords[strings.ToLower(second)]; !stop {
			name += " " + titleCase(second)
		}
	}
	return name
}

// Business categories recognized on their own. Multi-word entries are
// matched before single words.
var businessCategories = []string{
	"hair salon", "nail salon", "online store", "tienda en linea", "tienda en línea", "food truck", "real estate",
	"bienes raices", "bienes raíces", "law firm", "beauty salon", "salon de belleza",
	"salón de belleza", "coffee shop", "car wash", "auto shop",
	"restaurant", "restaurante", "cafe", "café", "cafeteria", "cafetería", "bakery",
	"panaderia", "panadería", "pizzeria", "pizzería", "bar", "salon", "salón",
	"barbershop", "barberia", "barbería", "gym", "gimnasio", "clinic", "clinica",
	"clínica", "dentist", "dentista", "dental", "spa", "store", "tienda", "boutique",
	"hotel", "agency", "agencia", "ecommerce", "e-commerce", "inmobiliaria", "consultorio",
	"taller", "veterinaria", "veterinary", "pharmacy", "farmacia", "florist", "floreria",
	"florería", "studio", "estudio", "academy", "academia", "school", "escuela",
	"construction", "constructora", "plumbing", "plomeria", "plomería", "landscaping",
	"jardineria", "jardinería", "catering", "photography", "fotografia", "fotografía",
	"laundry", "lavanderia", "lavandería",
}

var genericBusinessTerms = toSet(
	"business", "company", "negocio", "empresa", "hello", "hola", "question", "pregunta",
	"problem", "problema", "idea", "thing", "cosa", "project", "proyecto", "duda",
	"doubt", "minute", "minuto", "moment", "momento", "place", "lugar", "emprendimiento",
	"startup", "firm", "small business", "pequeño negocio", "business owner",
)

var (
	strongBusinessRe = regexp.MustCompile(`(?i)(?:my business is|our business is|mi negocio es|nuestro negocio es|i own|i run|we run|we own|negocio de|business of)\s+(?:an?\s+|una?\s+|el\s+|la\s+)?(` + wordPattern + `(?:\s+` + wordPattern + `){0,2})`)
	haveBusinessRe   = regexp.MustCompile(`(?i)(?:i have|we have|tengo|tenemos)\s+(?:an?|una?)\s+(` + wordPattern + `(?:\s+` + wordPattern + `){0,2})`)
	ownerBusinessRe  = regexp.MustCompile(`(?i)(?:^|[^\p{L}])(?:mi|nuestro|nuestra|my|our|due[ñn][oa] de|owner of)\s+(?:an?\s+|una?\s+|el\s+|la\s+)?(` + wordPattern + `(?:\s+` + wordPattern + `){0,2})`)
)

// A category word with no ownership cue around it ("tomando un café",
// "heading to the gym") stays below AcceptThreshold.
const bareCategoryConfidence = 0.5

func extractBusinessType(text string) (FieldUpdate, bool) {
	var out FieldUpdate
	var ok bool
	if m := strongBusinessRe.FindStringSubmatch(text); m != nil {
		if cat, found := matchCategory(m[1]); found {
			out, ok = best(out, FieldUpdate{Value: cat, Confidence: 0.9}, ok, true)
		} else if v := firstWords(m[1], 2); v != "" && !isGenericBusiness(v) {
			out, ok = best(out, FieldUpdate{Value: v, Confidence: 0.85}, ok, true)
		}
	}
	if m := haveBusinessRe.FindStringSubmatch(text); m != nil {
		if cat, found := matchCategory(m[1]); found {
			out, ok = best(out, FieldUpdate{Value: cat, Confidence: 0.9}, ok, true)
		} else if v := firstWords(m[1], 1); v != "" && !isGenericBusiness(v) {
			// "tengo un problema" style phrases are too ambiguous to accept.
			out, ok = best(out, FieldUpdate{Value: v, Confidence: 0.65}, ok, true)
		}
	}
	for _, m := range ownerBusinessRe.FindAllStringSubmatch(text, -1) {
		if cat, found := matchCategory(m[1]); found {
			out, ok = best(out, FieldUpdate{Value: cat, Confidence: 0.8}, ok, true)
			break
		}
	}
	if cat, found := matchCategory(text); found {
		out, ok = best(out, FieldUpdate{Value: cat, Confidence: bareCategoryConfidence}, ok, true)
	}
	if ok && isGenericBusiness(out.Value) {
		return FieldUpdate{}, false
	}
	return out, ok
}

// matchCategory finds the first known category that appears as whole words.
func matchCategory(s string) (string, bool) {
	padded := " " + normalizeWords(s) + " "
	for _, cat := range businessCategories {
		if strings.Contains(padded, " "+cat+" ") {
			return cat, true
		}
	}
	return "", false
}

func isGenericBusiness(v string) bool {
	_, generic := genericBusinessTerms[strings.ToLower(strings.TrimSpace(v))]
	return generic
}

var (
	currencyPrefixRe = regexp.MustCompile(`(?i)(?:\$|usd\s*|us\$)\s?(\d[\d,.]*)\s?(k)?\b`)
	currencySuffixRe = regexp.MustCompile(`(?i)(\d[\d,.]*)\s?(k)?\s?(?:usd|dollars|d[oó]lares|dls|bucks)\b`)
	budgetKeywordRe  = regexp.MustCompile(`(?i)(?:presupuesto|budget)\s+(?:es\s+|is\s+|de\s+|of\s+|around\s+|about\s+|como\s+|unos\s+|alrededor\s+de\s+)*(\d[\d,.]*)\s?(k)?`)
	perMonthRe       = regexp.MustCompile(`(?i)(\d[\d,.]*)\s?(k)?\s+(?:al mes|a month|per month|mensuales|monthly|por mes)`)
	timeAfterRe      = regexp.MustCompile(`(?i)^\s?(?::\d{2}|(?:a\.?m\.?|p\.?m\.?|hrs|horas|hours|o'clock)\b)`)
	timeBeforeRe     = regexp.MustCompile(`(?i)(?:a las|at)\s*$`)
	moneyContextRe   = regexp.MustCompile(`(?i)(?:pagar|pago|pagamos|invertir|inversi[oó]n|gastar|gasto|presupuesto|cuesta|costo|precio|spend|pay|invest|budget|cost|price)`)
)

// ExtractBudget finds a monetary amount. Bare numbers and time references
// are rejected; a currency marker or explicit budget context is required.
func ExtractBudget(text string) (FieldUpdate, bool) {
	patterns := []struct {
		re         *regexp.Regexp
		conf       float64
		needsMoney bool
	}{
		{currencyPrefixRe, 0.9, false},
		{currencySuffixRe, 0.9, false},
		{budgetKeywordRe, 0.8, false},
		{perMonthRe, 0.75, true},
	}
	for _, p := range patterns {
		for _, idx := range p.re.FindAllStringSubmatchIndex(text, -1) {
			numStart, numEnd := idx[2], idx[3]
			if looksLikeTime(text, numStart, numEnd) {
				continue
			}
			// "50 al mes" is a frequency unless the clause talks about money.
			if p.needsMoney && !moneyContextRe.MatchString(clauseAround(text, idx[0], idx[1])) {
				continue
			}
			kilo := idx[4] >= 0
			amount, ok := parseAmount(text[numStart:numEnd], kilo)
			if !ok || amount <= 0 {
				continue
			}
			return FieldUpdate{Value: strconv.Itoa(amount), Confidence: p.conf}, true
		}
	}
	return FieldUpdate{}, false
}

func looksLikeTime(text string, start, end int) bool {
	if timeAfterRe.MatchString(text[end:]) {
		return true
	}
	prefix := text[:start]
	prefix = strings.TrimRight(prefix, "$ ")
	return timeBeforeRe.MatchString(prefix) && !strings.Contains(text[max(0, start-2):start], "$")
}

// clauseAround returns the clause of text containing [start, end). Clauses
// end at ";!?" or newlines, or at "." or "," followed by a space.
func clauseAround(text string, start, end int) string {
	isBreak := func(i int) bool {
		switch text[i] {
		case ';', '!', '?', '\n':
			return true
		case '.', ',':
			return i+1 < len(text) && text[i+1] == ' '
		}
		return false
	}
	from := start
	for from > 0 && !isBreak(from-1) {
		from--
	}
	to := end
	for to < len(text) && !isBreak(to) {
		to++
	}
	return text[from:to]
}

// parseAmount reads "1,500", "1.500", "2.5" and "2k" style numbers.
func parseAmount(raw string, kilo bool) (int, bool) {
	raw = strings.TrimRight(raw, ".,")
	if raw == "" {
		return 0, false
	}
	if strings.Contains(raw, ":") {
		return 0, false
	}
	clean := raw
	switch {
	case strings.Count(raw, ",") > 0 && strings.Count(raw, ".") > 0:
		// "1,500.50" or "1.500,50": the last separator is decimal.
		if strings.LastIndex(raw, ".") > strings.LastIndex(raw, ",") {
			clean = strings.ReplaceAll(raw, ",", "")
		} else {
			clean = strings.ReplaceAll(strings.ReplaceAll(raw, ".", ""), ",", ".")
		}
	case strings.Contains(raw, ","):
		clean = strings.ReplaceAll(raw, ",", "")
	case strings.Count(raw, ".") == 1 && len(raw)-strings.Index(raw, ".") == 4:
		clean = strings.ReplaceAll(raw, ".", "")
	case strings.Count(raw, ".") > 1:
		clean = strings.ReplaceAll(raw, ".", "")
	}
	f, err := strconv.ParseFloat(clean, 64)
	if err != nil {
		return 0, false
	}
	if kilo {
		f *= 1000
	}
	return int(f), true
}

var (
	explicitGoalRe = regexp.MustCompile(`(?i)(?:my goal is|our goal is|the goal is|mi objetivo es|nuestro objetivo es|el objetivo es)\s+(?:to\s+)?(.+)`)
	desireGoalRe   = regexp.MustCompile(`(?i)(?:^|[^\p{L}])(?:quiero|queremos|quisiera|necesito|necesitamos|busco|buscamos|i want to|we want to|i need to|we need to|i need|we need|looking to|i'm looking for|we're looking for|i would like to)\s+(.+)`)
)

func extractGoal(text string) (FieldUpdate, bool) {
	if m := explicitGoalRe.FindStringSubmatch(text); m != nil {
		if g := clipSentence(m[1]); g != "" {
			return FieldUpdate{Value: g, Confidence: 0.9}, true
		}
	}
	if m := desireGoalRe.FindStringSubmatch(text); m != nil {
		g := clipSentence(m[1])
		if g == "" {
			return FieldUpdate{}, false
		}
		conf := 0.6
		if len(strings.Fields(g)) >= 2 && !isSchedulingRequest(g) {
			conf = 0.8
		}
		return FieldUpdate{Value: g, Confidence: conf}, true
	}
	return FieldUpdate{}, false
}

var schedulingVerbs = []string{
	"agendar", "reservar", "hablar", "book", "schedule", "talk", "speak", "call", "llamar",
	"saber", "know", "ver", "see", "una cita", "a call", "a meeting",
}

// isSchedulingRequest reports whether a desire phrase is a request to meet
// rather than a business objective.
func isSchedulingRequest(g string) bool {
	g = strings.ToLower(g)
	for _, v := range schedulingVerbs {
		if strings.HasPrefix(g, v) {
			return true
		}
	}
	return false
}

func clipSentence(s string) string {
	if i := strings.IndexAny(s, ".!?\n"); i >= 0 {
		s = s[:i]
	}
	s = strings.TrimSpace(s)
	if r := []rune(s); len(r) > 160 {
		s = strings.TrimSpace(string(r[:160]))
	}
	return s
}

var emailRe = regexp.MustCompile(`[A-Za-z0-9._%+-]+@[A-Za-z0-9.-]+\.[A-Za-z]{2,}`)

func extractEmail(text string) (FieldUpdate, bool) {
	m := emailRe.FindString(text)
	if m == "" {
		return FieldUpdate{}, false
	}
	return FieldUpdate{Value: strings.ToLower(m), Confidence: 0.95}, true
}

func toSet(words ...string) map[string]struct{} {
	out := make(map[string]struct{}, len(words))
	for _, w := range words {
		out[w] = struct{}{}
	}
	return out
}

// normalizeWords lowercases and replaces punctuation with spaces.
func normalizeWords(s string) string {
	var b strings.Builder
	for _, r := range strings.ToLower(s) {
		if unicode.IsLetter(r) || unicode.IsDigit(r) || r == '-' {
			b.WriteRune(r)
		} else {
			b.WriteRune(' ')
		}
	}
	return strings.Join(strings.Fields(b.String()), " ")
}

func firstWords(s string, n int) string {
	words := strings.Fields(normalizeWords(s))
	if len(words) > n {
		words = words[:n]
	}
	return strings.Join(words, " ")
}

func startsUpper(s string) bool {
	for _, r := range s {
		return unicode.IsUpper(r)
	}
	return false
}

func titleCase(s string) string {
	r := []rune(strings.ToLower(s))
	if len(r) == 0 {
		return ""
	}
	r[0] = unicode.ToUpper(r[0])
	return string(r)
}

package checks

import (
	"math"
	"regexp"
	"strings"
	"unicode"
)

// Текстовые эвристики, общие для hallucination, coherence и drift.
// Работают на нормализованных "утверждениях": предложение -> набор основ слов + числа + полярность.

var stopwords = map[string]struct{}{
	"a": {}, "an": {}, "the": {}, "and": {}, "or": {}, "but": {}, "of": {}, "to": {}, "in": {},
	"on": {}, "at": {}, "for": {}, "with": {}, "within": {}, "by": {}, "from": {}, "as": {},
	"is": {}, "are": {}, "was": {}, "were": {}, "be": {}, "been": {}, "being": {}, "am": {},
	"it": {}, "its": {}, "this": {}, "that": {}, "these": {}, "those": {}, "there": {},
	"i": {}, "you": {}, "your": {}, "we": {}, "our": {}, "they": {}, "their": {}, "he": {},
	"she": {}, "his": {}, "her": {}, "my": {}, "me": {}, "us": {}, "them": {},
	"has": {}, "have": {}, "had": {}, "do": {}, "does": {}, "did": {}, "will": {}, "would": {},
	"can": {}, "could": {}, "should": {}, "may": {}, "might": {}, "must": {}, "shall": {},
	"yet": {}, "already": {}, "just": {}, "also": {}, "very": {}, "so": {}, "than": {}, "then": {},
	"if": {}, "about": {}, "into": {}, "up": {}, "out": {}, "over": {}, "any": {}, "all": {},
	"some": {}, "what": {}, "which": {}, "who": {}, "when": {}, "where": {}, "how": {},
}

// Отрицания. Формы вида "hasn't" ловятся по суффиксу.
var negators = map[string]struct{}{
	"not": {}, "no": {}, "never": {}, "none": {}, "nobody": {}, "nothing": {},
	"neither": {}, "nor": {}, "cannot": {}, "without": {},
}

var (
	numberRe   = regexp.MustCompile(`\d+(?:[.,]\d+)?`)
	sentenceRe = regexp.MustCompile(`[.!?;]+(?:\s+|$)|\n+`)
)

// claim - одно утверждение в нормализованном виде.
type claim struct {
	Text    string
	Terms   map[string]struct{}
	Numbers map[string]struct{}
	Negated bool
}

// tokenize режет текст на слова в нижнем регистре, апострофы внутри слова сохраняются.
func tokenize(s string) []string {
	s = strings.ReplaceAll(strings.ToLower(s), "’", "'")
	return strings.FieldsFunc(s, func(r rune) bool {
		return !unicode.IsLetter(r) && !unicode.IsDigit(r) && r != '\''
	})
}

func isNegator(tok string) bool {
	if _, ok := negators[tok]; ok {
		return true
	}
	return strings.HasSuffix(tok, "n't")
}

// stem - легкий стеммер: достаточно, чтобы "refunds"/"refund" и "shipped"/"ships" совпадали.
func stem(w string) string {
	w = strings.TrimSuffix(w, "'s")
	w = strings.Trim(w, "'")
	for _, suf := range []string{"ing", "ed", "es", "s"} {
		if len(w) > len(suf)+2 && strings.HasSuffix(w, suf) {
			w = strings.TrimSuffix(w, suf)
			if (suf == "ing" || suf == "ed") && undouble(w) {
				w = w[:len(w)-1]
			}
			break
		}
	}
	if len(w) > 3 && strings.HasSuffix(w, "e") {
		w = strings.TrimSuffix(w, "e")
	}
	return w
}

// undouble - "shipp" -> "ship", но "pass" остается.
func undouble(w string) bool {
	n := len(w)
	if n < 3 || w[n-1] != w[n-2] {
		return false
	}
	switch w[n-1] {
	case 's', 'l', 'z', 'e', 'o':
		return false
	}
	return true
}

// terms возвращает основы значимых слов (без стоп-слов, отрицаний и чисел).
func terms(s string) []string {
	var out []string
	for _, tok := range tokenize(s) {
		if isNegator(tok) {
			continue
		}
		if _, stop := stopwords[tok]; stop {
			continue
		}
		if numberRe.MatchString(tok) && strings.Trim(tok, "0123456789.,") == "" {
			continue
		}
		st := stem(tok)
		if len(st) < 2 {
			continue
		}
		out = append(out, st)
	}
	return out
}

func numbers(s string) map[string]struct{} {
	out := make(map[string]struct{})
	for _, n := range numberRe.FindAllString(s, -1) {
		out[strings.ReplaceAll(n, ",", ".")] = struct{}{}
	}
	return out
}

func negated(s string) bool {
	for _, tok := range tokenize(s) {
		if isNegator(tok) {
			return true
		}
	}
	return false
}

func sentences(s string) []string {
	var out []string
	for _, part := range sentenceRe.Split(s, -1) {
		if p := strings.TrimSpace(part); p != "" {
			out = append(out, p)
		}
	}
	return out
}

// extractClaims - утверждения текста. Фразы без значимых слов ("OK", "Thanks!") пропускаются.
func extractClaims(s string) []claim {
	var out []claim
	for _, sent := range sentences(s) {
		set := make(map[string]struct{})
		for _, t := range terms(sent) {
			set[t] = struct{}{}
		}
		if len(set) == 0 {
			continue
		}
		out = append(out, claim{
			Text:    sent,
			Terms:   set,
			Numbers: numbers(sent),
			Negated: negated(sent),
		})
	}
	return out
}

// coverage - доля терминов a, которые есть в b.
func coverage(a, b map[string]struct{}) float64 {
	if len(a) == 0 {
		return 0
	}
	hit := 0
	for t := range a {
		if _, ok := b[t]; ok {
			hit++
		}
	}
	return float64(hit) / float64(len(a))
}

func jaccard(a, b map[string]struct{}) float64 {
	if len(a) == 0 && len(b) == 0 {
		return 0
	}
	inter := 0
	for t := range a {
		if _, ok := b[t]; ok {
			inter++
		}
	}
	union := len(a) + len(b) - inter
	return float64(inter) / float64(union)
}

// disjointNumbers - у обоих утверждений есть числа, и ни одно не совпадает.
func disjointNumbers(a, b map[string]struct{}) bool {
	if len(a) == 0 || len(b) == 0 {
		return false
	}
	for n := range a {
		if _, ok := b[n]; ok {
			return false
		}
	}
	return true
}

// termVector - нормированные частоты терминов.
func termVector(s string) map[string]float64 {
	vec := make(map[string]float64)
	ts := terms(s)
	for _, t := range ts {
		vec[t]++
	}
	for t := range vec {
		vec[t] /= float64(len(ts))
	}
	return vec
}

func cosine(a, b map[string]float64) float64 {
	var dot, na, nb float64
	for k, v := range a {
		na += v * v
		if w, ok := b[k]; ok {
			dot += v * w
		}
	}
	for _, w := range b {
		nb += w * w
	}
	if na == 0 || nb == 0 {
		return 0
	}
	return dot / (math.Sqrt(na) * math.Sqrt(nb))
}

func clamp01(v float64) float64 {
	return math.Max(0, math.Min(1, v))
}

func round3(v float64) float64 {
	return math.Round(v*1000) / 1000
}

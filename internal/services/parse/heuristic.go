package parse

import (
	"context"
	"fmt"
	"strings"
	"unicode"

	"github.com/ternarybob/trendpipe/internal/models"
)

// HeuristicParser derives the structured payload from the scraped text
// itself, with no model call. It is the default backend and the fallback
// when no LLM credentials are configured.
type HeuristicParser struct{}

// NewHeuristicParser creates the rule-based parse backend.
func NewHeuristicParser() *HeuristicParser {
	return &HeuristicParser{}
}

func (p *HeuristicParser) Name() string { return "heuristic" }

func (p *HeuristicParser) Parse(ctx context.Context, src *models.TrendSource) (map[string]any, float64, error) {
	text := strings.TrimSpace(src.NormalizedText)
	if text == "" {
		text = strings.TrimSpace(src.Description)
	}
	if src.Title == "" && text == "" {
		return nil, 0, UnrecoverableError("empty_input", fmt.Errorf("source %s has no title or text", src.ID))
	}

	title := src.Title
	if title == "" {
		title = firstSentence(text)
	}
	title = truncate(title, 300)

	summary := truncate(text, 1200)
	if summary == "" {
		summary = title
	}

	sentences := splitSentences(text)
	keyPoints := make([]string, 0, 4)
	for _, s := range sentences {
		if len(keyPoints) == 4 {
			break
		}
		if len(s) >= 12 {
			keyPoints = append(keyPoints, truncate(s, 200))
		}
	}
	if len(keyPoints) == 0 {
		keyPoints = []string{title}
	}

	keywords := topKeywords(title+" "+text, 6)
	if len(keywords) == 0 {
		keywords = []string{strings.ToLower(firstWord(title))}
	}

	language := src.Language
	if language == "" {
		language = "en"
	}

	// Confidence tracks how much structure we actually extracted.
	confidence := 0.5
	if len(sentences) >= 3 {
		confidence += 0.2
	}
	if len(keywords) >= 4 {
		confidence += 0.1
	}

	payload := map[string]any{
		"schema_version":   SchemaVersionV1,
		"title":            title,
		"summary":          summary,
		"key_points":       keyPoints,
		"keywords":         keywords,
		"sentiment":        "neutral",
		"language":         language,
		"confidence_model": confidence,
	}
	return payload, confidence, nil
}

func splitSentences(text string) []string {
	var out []string
	var b strings.Builder
	for _, r := range text {
		b.WriteRune(r)
		if r == '.' || r == '!' || r == '?' || r == '。' || r == '！' || r == '？' {
			if s := strings.TrimSpace(b.String()); s != "" {
				out = append(out, s)
			}
			b.Reset()
		}
	}
	if s := strings.TrimSpace(b.String()); s != "" {
		out = append(out, s)
	}
	return out
}

func firstSentence(text string) string {
	sentences := splitSentences(text)
	if len(sentences) == 0 {
		return text
	}
	return sentences[0]
}

func firstWord(text string) string {
	fields := strings.Fields(text)
	if len(fields) == 0 {
		return "untitled"
	}
	return fields[0]
}

var stopwords = map[string]bool{
	"the": true, "and": true, "for": true, "with": true, "that": true,
	"this": true, "from": true, "are": true, "was": true, "has": true,
	"have": true, "you": true, "not": true, "but": true, "its": true,
}

func topKeywords(text string, max int) []string {
	counts := map[string]int{}
	for _, field := range strings.FieldsFunc(strings.ToLower(text), func(r rune) bool {
		return !unicode.IsLetter(r) && !unicode.IsNumber(r)
	}) {
		if len(field) < 3 || stopwords[field] {
			continue
		}
		counts[field]++
	}

	type wc struct {
		word  string
		count int
	}
	ranked := make([]wc, 0, len(counts))
	for w, c := range counts {
		ranked = append(ranked, wc{w, c})
	}
	// Insertion sort by count desc then word asc; keyword sets are tiny.
	for i := 1; i < len(ranked); i++ {
		for j := i; j > 0; j-- {
			if ranked[j].count > ranked[j-1].count ||
				(ranked[j].count == ranked[j-1].count && ranked[j].word < ranked[j-1].word) {
				ranked[j], ranked[j-1] = ranked[j-1], ranked[j]
			} else {
				break
			}
		}
	}

	out := make([]string, 0, max)
	for _, r := range ranked {
		if len(out) == max {
			break
		}
		out = append(out, r.word)
	}
	return out
}

func truncate(s string, max int) string {
	if len(s) <= max {
		return s
	}
	runes := []rune(s)
	if len(runes) <= max {
		return s
	}
	return string(runes[:max])
}

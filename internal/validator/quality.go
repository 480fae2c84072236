package validator

import (
	"fmt"
	"strings"
	"unicode/utf8"

	"github.com/fyrsmithlabs/curator/internal/knowledge"
	"github.com/fyrsmithlabs/curator/internal/textsim"
)

const (
	minContentLength = 50
	maxContentLength = 50000
	minTitleLength   = 3

	basicPenalty = 0.5
	spamPenalty  = 0.3

	baseQuality = 0.7
)

var sourceWeights = map[knowledge.SourceType]float64{
	knowledge.SourceManual:        1.0,
	knowledge.SourceExpert:        0.95,
	knowledge.SourceVerified:      0.9,
	knowledge.SourceDocumentation: 0.85,
	knowledge.SourceCommunity:     0.75,
	knowledge.SourceUser:          0.7,
	knowledge.SourceAIGenerated:   0.6,
	knowledge.SourceExternal:      0.5,
}

// SourceWeight is the credibility multiplier for a source type. Unknown
// sources get the lowest weight.
func SourceWeight(s knowledge.SourceType) float64 {
	if w, ok := sourceWeights[s]; ok {
		return w
	}
	return 0.5
}

func checkBasics(item *knowledge.KnowledgeItem) []string {
	var issues []string

	title := strings.TrimSpace(item.Title)
	content := strings.TrimSpace(item.Content)

	if title == "" {
		issues = append(issues, "title is required")
	} else if n := utf8.RuneCountInString(title); n < minTitleLength {
		issues = append(issues, fmt.Sprintf("title too short (%d chars, minimum %d)", n, minTitleLength))
	}

	switch n := utf8.RuneCountInString(content); {
	case content == "":
		issues = append(issues, "content is required")
	case n < minContentLength:
		issues = append(issues, fmt.Sprintf("content too short (%d chars, minimum %d)", n, minContentLength))
	case n > maxContentLength:
		issues = append(issues, fmt.Sprintf("content too long (%d chars, maximum %d)", n, maxContentLength))
	}
	return issues
}

// contentCheck is the outcome of the content-policy stage.
type contentCheck struct {
	spam    bool
	harmful string
	quality float64
}

func (v *Validator) checkContent(item *knowledge.KnowledgeItem) contentCheck {
	text := item.Title + "\n" + item.Content
	rules := v.rules.Load()
	var c contentCheck

	if _, ok := matchAny(rules.spam, text); ok {
		c.spam = true
	}

	if leaked := v.leaks.scan(text); len(leaked) > 0 {
		c.harmful = "credential leak (" + strings.Join(leaked, ", ") + ")"
	} else if _, ok := matchAny(rules.credentials, text); ok {
		c.harmful = "credential leak"
	} else if re, ok := matchAny(rules.harmful, text); ok {
		c.harmful = "prohibited content: " + re.FindString(text)
	}

	c.quality = v.qualityScore(item)
	return c
}

func (v *Validator) qualityScore(item *knowledge.KnowledgeItem) float64 {
	q := baseQuality
	text := item.Content
	rules := v.rules.Load()

	if _, ok := matchAny(rules.actionable, text); ok {
		q += 0.1
	}
	if _, ok := matchAny(rules.numeric, text); ok {
		q += 0.1
	}
	if strings.TrimSpace(item.SourceRef) != "" {
		q += 0.1
	}
	if _, ok := matchAny(rules.hedging, text); ok {
		q -= 0.1
	}

	switch words := textsim.WordCount(text); {
	case words > 200:
		q += 0.05
	case words < 50:
		q -= 0.1
	}
	return clamp01(q)
}

func clamp01(f float64) float64 {
	switch {
	case f < 0:
		return 0
	case f > 1:
		return 1
	}
	return f
}

// Package screener implements the Batch Screener (C4, spec.md §4.4): it
// builds the deterministic screening prompt, calls the LLM Client, and
// passes the raw response through the Normaliser to produce a validated
// map of per-article decisions.
//
// Grounded on the original's backend/services/prompts.py rubric
// construction (bucketed score ranges, "Included:"/"Excluded:" reason
// contract) and backend/services/screening.py's call/validate sequence.
package screener

import (
	"context"
	"fmt"
	"strings"

	"github.com/example/articlescreen/internal/normalizer"
	"github.com/example/articlescreen/internal/screening"
)

// Generator is the subset of the LLM Client the screener depends on.
type Generator interface {
	Generate(ctx context.Context, prompt, model string) (string, error)
}

// Screener builds prompts and validates LLM output for one batch at a
// time (spec.md §4.4).
type Screener struct {
	llm            Generator
	scoreThreshold float64
}

// New constructs a Screener backed by llm, reconciling decisions against
// scoreThreshold.
func New(llm Generator, scoreThreshold float64) *Screener {
	return &Screener{llm: llm, scoreThreshold: scoreThreshold}
}

// Screen sends one batch of articles to the LLM and returns a validated
// decision per article id actually present in the response. Articles the
// model hallucinates ids for are silently dropped (spec.md §4.4); the
// caller detects missing decisions by comparing the returned map's keys
// against the requested articles.
func (s *Screener) Screen(ctx context.Context, articles []screening.Article, criteria, model string) (map[string]screening.Decision, error) {
	prompt := buildPrompt(articles, criteria, s.scoreThreshold)

	raw, err := s.llm.Generate(ctx, prompt, model)
	if err != nil {
		return nil, fmt.Errorf("screener: generate: %w", err)
	}

	decisions, err := normalizer.Normalize(raw, s.scoreThreshold)
	if err != nil {
		return nil, fmt.Errorf("screener: normalize: %w", err)
	}

	requested := make(map[string]bool, len(articles))
	for _, a := range articles {
		requested[a.ArticleID] = true
	}
	out := make(map[string]screening.Decision, len(decisions))
	for id, d := range decisions {
		if requested[id] {
			out[id] = d
		}
	}
	return out, nil
}

// buildPrompt assembles the deterministic prompt text: the criteria
// block, the scoring rubric, the reason-format contract, and a per-article
// id/title/abstract block (spec.md §4.4).
func buildPrompt(articles []screening.Article, criteria string, scoreThreshold float64) string {
	var b strings.Builder

	b.WriteString("You are screening scholarly articles against the following inclusion criteria:\n")
	b.WriteString(criteria)
	b.WriteString("\n\n")

	b.WriteString("For each article, assign a relevance_score from 0 to 100 using this rubric:\n")
	b.WriteString("  0-29: not relevant to the criteria\n")
	b.WriteString("  30-49: marginally relevant\n")
	b.WriteString("  50-69: partially relevant\n")
	b.WriteString("  70-89: clearly relevant\n")
	b.WriteString("  90-100: highly relevant, strong match\n\n")

	fmt.Fprintf(&b, "An article is included when relevance_score >= %.0f. ", scoreThreshold)
	b.WriteString("Write the reason starting with the literal prefix \"Included:\" when included, ")
	b.WriteString("or \"Excluded:\" when not, followed by a one-sentence justification.\n\n")

	b.WriteString("Respond with a single JSON object keyed by article id, each value an object with ")
	b.WriteString("exactly the fields included (boolean), reason (string), and relevance_score (number). ")
	b.WriteString("Do not include any text outside the JSON object.\n\n")

	b.WriteString("Articles:\n")
	for _, a := range articles {
		fmt.Fprintf(&b, "id: %s\ntitle: %s\nabstract: %s\n\n", a.ArticleID, a.Title, a.Abstract)
	}

	return b.String()
}

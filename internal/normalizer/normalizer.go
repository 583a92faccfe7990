// Package normalizer implements the Response Normaliser (C3, spec.md
// §4.3): it extracts a JSON object from possibly-noisy LLM text, coerces
// per-article records to the canonical {included, reason, relevance_score}
// schema, and enforces the decision-reconciliation invariant.
//
// Grounded on the teacher's internal/agent/tool_executor.go use of
// github.com/kaptinlin/jsonrepair for salvaging near-miss JSON, with the
// fence-strip and brace-scan steps taken from the original's
// backend/services/llm_part/json_utils.py extraction order.
package normalizer

import (
	"encoding/json"
	"fmt"
	"strconv"
	"strings"

	"github.com/kaptinlin/jsonrepair"

	"github.com/example/articlescreen/internal/screening"
)

// Error kinds surfaced to the Batch Screener (spec.md §4.3 step 4, §7).
var (
	ErrInvalidStructure = fmt.Errorf("normalizer: invalid structure")
	ErrMissingField     = fmt.Errorf("normalizer: missing field")
)

// Normalize extracts and validates per-article decisions from raw model
// text, then applies the decision-reconciliation invariant using
// scoreThreshold as the inclusion cutoff.
func Normalize(raw string, scoreThreshold float64) (map[string]screening.Decision, error) {
	obj, err := extractObject(raw)
	if err != nil {
		return nil, err
	}

	out := make(map[string]screening.Decision, len(obj))
	for id, v := range obj {
		record, ok := v.(map[string]any)
		if !ok {
			return nil, fmt.Errorf("%w: article %q is not an object", ErrInvalidStructure, id)
		}
		d, err := coerceRecord(record)
		if err != nil {
			return nil, fmt.Errorf("%w: article %q: %v", ErrMissingField, id, err)
		}
		out[id] = reconcile(d, scoreThreshold)
	}
	return out, nil
}

// extractObject implements the three-step parse cascade of spec.md §4.3:
// raw parse, fenced-block strip, then brace-scan, with jsonrepair applied
// at each stage before giving up.
func extractObject(raw string) (map[string]any, error) {
	trimmed := strings.TrimSpace(raw)

	if obj, ok := tryParseObject(trimmed); ok {
		return obj, nil
	}

	if unfenced, ok := stripFence(trimmed); ok {
		if obj, ok := tryParseObject(unfenced); ok {
			return obj, nil
		}
	}

	if scanned, ok := braceScan(trimmed); ok {
		if obj, ok := tryParseObject(scanned); ok {
			return obj, nil
		}
	}

	return nil, fmt.Errorf("%w: could not locate a JSON object in model output", ErrInvalidStructure)
}

// tryParseObject attempts a direct unmarshal, falling back to
// jsonrepair when the text is near-miss JSON (trailing commas, unquoted
// keys, smart quotes).
func tryParseObject(s string) (map[string]any, bool) {
	var obj map[string]any
	if err := json.Unmarshal([]byte(s), &obj); err == nil {
		return obj, true
	}

	repaired, err := jsonrepair.JSONRepair(s)
	if err != nil {
		return nil, false
	}
	if err := json.Unmarshal([]byte(repaired), &obj); err != nil {
		return nil, false
	}
	return obj, true
}

func stripFence(s string) (string, bool) {
	if !strings.HasPrefix(s, "```") {
		return "", false
	}
	body := strings.TrimPrefix(s, "```json")
	body = strings.TrimPrefix(body, "```")
	body = strings.TrimSuffix(strings.TrimSpace(body), "```")
	return strings.TrimSpace(body), true
}

func braceScan(s string) (string, bool) {
	first := strings.Index(s, "{")
	last := strings.LastIndex(s, "}")
	if first < 0 || last < 0 || last < first {
		return "", false
	}
	return s[first : last+1], true
}

// coerceRecord coerces one article record to a Decision, applying the
// field-level tolerance rules of spec.md §4.3.
func coerceRecord(record map[string]any) (screening.Decision, error) {
	includedRaw, hasIncluded := record["included"]
	reasonRaw, hasReason := record["reason"]
	scoreRaw, hasScore := findScore(record)

	if !hasIncluded || !hasReason || !hasScore {
		return screening.Decision{}, fmt.Errorf("missing one of included/reason/relevance_score")
	}

	included := coerceBool(includedRaw)
	reason := coerceString(reasonRaw)
	score := coerceScore(scoreRaw)

	return screening.Decision{
		Included:       included,
		Reason:         reason,
		RelevanceScore: score,
	}, nil
}

// findScore looks up relevance_score under either the canonical name or
// the camelCase variant observed from some model outputs.
func findScore(record map[string]any) (any, bool) {
	if v, ok := record["relevance_score"]; ok {
		return v, true
	}
	if v, ok := record["relevanceScore"]; ok {
		return v, true
	}
	return nil, false
}

func coerceBool(v any) bool {
	switch t := v.(type) {
	case bool:
		return t
	case string:
		switch strings.ToLower(strings.TrimSpace(t)) {
		case "true":
			return true
		case "false":
			return false
		default:
			return t != ""
		}
	default:
		return v != nil
	}
}

func coerceString(v any) string {
	if v == nil {
		return ""
	}
	if s, ok := v.(string); ok {
		return s
	}
	return fmt.Sprintf("%v", v)
}

func coerceScore(v any) float64 {
	var n float64
	switch t := v.(type) {
	case float64:
		n = t
	case string:
		s := strings.TrimSpace(strings.TrimSuffix(strings.TrimSpace(t), "%"))
		parsed, err := strconv.ParseFloat(s, 64)
		if err != nil {
			return 0
		}
		n = parsed
	default:
		return 0
	}
	if n < 0 {
		return 0
	}
	if n > 100 {
		return 100
	}
	return n
}

// reconcile enforces included == (relevance_score >= scoreThreshold),
// swapping the "Included:"/"Excluded:" reason prefix when the flip
// changes the decision (spec.md §4.3).
func reconcile(d screening.Decision, scoreThreshold float64) screening.Decision {
	correct := d.RelevanceScore >= scoreThreshold
	if correct == d.Included {
		return d
	}
	d.Reason = swapPrefix(d.Reason, correct)
	d.Included = correct
	return d
}

func swapPrefix(reason string, included bool) string {
	const includedPrefix = "Included:"
	const excludedPrefix = "Excluded:"

	switch {
	case strings.HasPrefix(reason, includedPrefix) && !included:
		return excludedPrefix + strings.TrimPrefix(reason, includedPrefix)
	case strings.HasPrefix(reason, excludedPrefix) && included:
		return includedPrefix + strings.TrimPrefix(reason, excludedPrefix)
	default:
		return reason
	}
}

package pii

import (
	"regexp"
	"sort"
	"strings"
)

// detectorPattern pairs a compiled regex with the confidence a bare match carries. Patterns
// follow services/audit-trail/internal/pii_compliance.go's per-type map; ipv6/dob/api_key/
// password/heuristic_name are additions the teacher's redactor didn't cover.
type detectorPattern struct {
	detector   DetectorType
	re         *regexp.Regexp
	confidence float64
}

var patterns = []detectorPattern{
	{DetectorEmail, regexp.MustCompile(`[a-zA-Z0-9._%+\-]+@[a-zA-Z0-9.\-]+\.[a-zA-Z]{2,}`), 0.95},
	{DetectorSSN, regexp.MustCompile(`\b\d{3}-\d{2}-\d{4}\b`), 0.90},
	{DetectorCreditCard, regexp.MustCompile(`\b(?:\d[ -]?){13,19}\b`), 0.55}, // confidence bumped by Luhn
	{DetectorPhone, regexp.MustCompile(`\b(?:\+?1[-.\s]?)?\(?\d{3}\)?[-.\s]?\d{3}[-.\s]?\d{4}\b`), 0.70},
	{DetectorIPv4, regexp.MustCompile(`\b(?:(?:25[0-5]|2[0-4]\d|1?\d?\d)\.){3}(?:25[0-5]|2[0-4]\d|1?\d?\d)\b`), 0.85},
	{DetectorIPv6, regexp.MustCompile(`\b(?:[0-9a-fA-F]{1,4}:){2,7}[0-9a-fA-F]{0,4}\b`), 0.75},
	{DetectorDoB, regexp.MustCompile(`\b(?:19|20)\d{2}[-/](?:0[1-9]|1[0-2])[-/](?:0[1-9]|[12]\d|3[01])\b`), 0.60},
	{DetectorAPIKey, regexp.MustCompile(`\b(?:sk|pk|api|key)[-_][A-Za-z0-9]{16,}\b`), 0.80},
	{DetectorPassword, regexp.MustCompile(`(?i)\bpassword\s*[:=]\s*\S+`), 0.65},
	{DetectorHeuristicName, regexp.MustCompile(`\b[A-Z][a-z]+\s[A-Z][a-z]+\b`), 0.35},
}

// Scanner runs every detector pattern over a string and resolves overlaps.
type Scanner struct{}

func NewScanner() *Scanner { return &Scanner{} }

// ScanField returns every Match found in field "name" with content s, highest confidence
// first within overlapping spans.
func (sc *Scanner) ScanField(name, s string) []Match {
	var candidates []Match
	for _, p := range patterns {
		for _, loc := range p.re.FindAllStringIndex(s, -1) {
			start, end := loc[0], loc[1]
			confidence := p.confidence
			if p.detector == DetectorCreditCard {
				if !luhnValid(s[start:end]) {
					continue
				}
				confidence = 0.92
			}
			candidates = append(candidates, Match{
				Detector:   p.detector,
				Field:      name,
				Start:      start,
				End:        end,
				Confidence: confidence,
				Risk:       detectorRisk[p.detector],
			})
		}
	}
	sort.Slice(candidates, func(i, j int) bool { return candidates[i].Start < candidates[j].Start })
	return resolveOverlaps(candidates)
}

// resolveOverlaps drops lower-confidence matches whose span overlaps a higher-confidence one.
func resolveOverlaps(matches []Match) []Match {
	if len(matches) < 2 {
		return matches
	}
	kept := make([]Match, 0, len(matches))
	for _, m := range matches {
		overlapIdx := -1
		for i, k := range kept {
			if spansOverlap(m, k) {
				overlapIdx = i
				break
			}
		}
		if overlapIdx == -1 {
			kept = append(kept, m)
			continue
		}
		if m.Confidence > kept[overlapIdx].Confidence {
			kept[overlapIdx] = m
		}
	}
	return kept
}

func spansOverlap(a, b Match) bool {
	return a.Start < b.End && b.Start < a.End
}

// luhnValid reports whether the digits embedded in s (ignoring separators) pass the Luhn
// checksum used by real credit-card numbers.
func luhnValid(s string) bool {
	var digits []int
	for _, r := range s {
		if r >= '0' && r <= '9' {
			digits = append(digits, int(r-'0'))
		}
	}
	if len(digits) < 13 || len(digits) > 19 {
		return false
	}
	sum := 0
	alt := false
	for i := len(digits) - 1; i >= 0; i-- {
		d := digits[i]
		if alt {
			d *= 2
			if d > 9 {
				d -= 9
			}
		}
		sum += d
		alt = !alt
	}
	return sum%10 == 0
}

// redact replaces a matched span with a type-appropriate placeholder, preserving a partial
// hint (last 4 digits, domain) the way pii_compliance.go's Redact does for SSN/credit card.
func redact(detector DetectorType, matched string) string {
	switch detector {
	case DetectorCreditCard:
		digits := strings.Map(func(r rune) rune {
			if r >= '0' && r <= '9' {
				return r
			}
			return -1
		}, matched)
		if len(digits) >= 4 {
			return "****-****-****-" + digits[len(digits)-4:]
		}
		return "[REDACTED_CARD]"
	case DetectorSSN:
		return "***-**-" + lastN(matched, 4)
	case DetectorEmail:
		at := strings.Index(matched, "@")
		if at > 0 {
			return "[REDACTED]" + matched[at:]
		}
		return "[REDACTED_EMAIL]"
	case DetectorPhone:
		return "***-***-" + lastN(matched, 4)
	default:
		return "[REDACTED_" + strings.ToUpper(string(detector)) + "]"
	}
}

func lastN(s string, n int) string {
	digits := strings.Map(func(r rune) rune {
		if r >= '0' && r <= '9' {
			return r
		}
		return -1
	}, s)
	if len(digits) < n {
		return digits
	}
	return digits[len(digits)-n:]
}

// Package safety implements the deterministic red-flag scanner run over
// user transcripts: a case-insensitive substring match against an ordered
// critical list and an ordered high list.
package safety

import "strings"

// Severity of a safety verdict.
type Severity string

const (
	SeverityCritical Severity = "critical"
	SeverityHigh     Severity = "high"
)

// Verdict is the outcome of scanning one user transcript.
type Verdict struct {
	Severity  Severity
	Banner    string
	Interrupt bool
}

const criticalBanner = "This may be a medical emergency. Please call emergency services or go to the nearest emergency room immediately."
const highBanner = "Your symptoms may need urgent attention. Please seek medical care soon."

// criticalPhrases and highKeywords are checked in order; the first match
// in each list wins. Order matters for determinism, not severity.
var criticalPhrases = []string{
	"difficulty breathing",
	"can't breathe",
	"cannot breathe",
	"chest pain",
	"unconscious",
	"anaphylaxis",
	"severe allergic reaction",
	"not breathing",
	"turning blue",
	"seizure",
	"uncontrolled bleeding",
	"suicidal",
}

var highKeywords = []string{
	"severe",
	"emergency",
	"urgent",
	"immediate",
	"life threatening",
	"life-threatening",
}

// Scan runs the scanner against a single user transcript. It returns
// (Verdict{}, false) when nothing matches.
func Scan(text string) (Verdict, bool) {
	lower := strings.ToLower(text)

	for _, phrase := range criticalPhrases {
		if strings.Contains(lower, phrase) {
			return Verdict{Severity: SeverityCritical, Banner: criticalBanner, Interrupt: true}, true
		}
	}

	for _, kw := range highKeywords {
		if strings.Contains(lower, kw) {
			return Verdict{Severity: SeverityHigh, Banner: highBanner, Interrupt: false}, true
		}
	}

	return Verdict{}, false
}

// Package deontic classifies text for normative directives (MUST/NEVER/
// SHOULD/MAY) and resolves precedence conflicts, per spec §4.3.
package deontic

import (
	"regexp"
	"sort"

	"claudemem/internal/types"
)

var (
	mustRE   = regexp.MustCompile(`\bMUST\b[^.\n]*`)
	neverRE  = regexp.MustCompile(`\bNEVER\b[^.\n]*`)
	shouldRE = regexp.MustCompile(`\bSHOULD\b[^.\n]*`)
	mayRE    = regexp.MustCompile(`\bMAY\b[^.\n]*`)
)

// Directive is one classified normative statement extracted from text.
type Directive struct {
	Type      types.DeonticType
	Authority types.DeonticSource
	Text      string
}

// Classify scans text for deontic patterns. authority defaults to
// "assistant" unless the caller passes "user" or "root" -- the classifier
// never guesses intent beyond that; unmatched text is informational.
func Classify(text string, authority types.DeonticSource) []Directive {
	if authority == "" {
		authority = types.SourceAssistant
	}

	var out []Directive
	for _, m := range mustRE.FindAllString(text, -1) {
		out = append(out, Directive{Type: types.DeonticMust, Authority: authority, Text: m})
	}
	for _, m := range neverRE.FindAllString(text, -1) {
		out = append(out, Directive{Type: types.DeonticNever, Authority: authority, Text: m})
	}
	for _, m := range shouldRE.FindAllString(text, -1) {
		out = append(out, Directive{Type: types.DeonticShould, Authority: authority, Text: m})
	}
	for _, m := range mayRE.FindAllString(text, -1) {
		out = append(out, Directive{Type: types.DeonticMay, Authority: authority, Text: m})
	}
	return out
}

// IsInformational reports whether text contains no classifiable directive.
func IsInformational(text string) bool {
	return len(Classify(text, types.SourceAssistant)) == 0
}

// PrecedenceNote is the explicit note injected whenever a conflict is
// resolved, per spec §4.3.
const PrecedenceNote = "If memory conflicts with root directives, the root wins."

// Resolve sorts conflicting directives by precedence (root(1) > user(2) >
// memory(3), lower wins) and returns the winner plus whether a genuine
// conflict (more than one distinct authority present) was resolved.
func Resolve(directives []Directive) (winner *Directive, note string, hadConflict bool) {
	if len(directives) == 0 {
		return nil, "", false
	}

	sorted := make([]Directive, len(directives))
	copy(sorted, directives)
	sort.SliceStable(sorted, func(i, j int) bool {
		return sorted[i].Authority.Precedence() < sorted[j].Authority.Precedence()
	})

	authorities := make(map[types.DeonticSource]bool)
	for _, d := range sorted {
		authorities[d.Authority] = true
	}

	w := sorted[0]
	if len(authorities) > 1 {
		return &w, PrecedenceNote, true
	}
	return &w, "", false
}

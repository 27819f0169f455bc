// Package normalize folds names and attribute values into comparison keys.
// Normalized strings are only used for matching; display values are stored
// untouched.
package normalize

import (
	"strings"
	"unicode"

	"golang.org/x/text/cases"
	"golang.org/x/text/unicode/norm"
)

const combiningTilde = '\u0303'

var folder = cases.Fold()

var hyphenReplacer = strings.NewReplacer(
	"\u2010", "-", // hyphen
	"\u2011", "-", // non-breaking hyphen
	"\u2012", "-", // figure dash
	"\u2013", "-", // en dash
	"\u2014", "-", // em dash
	"\u2015", "-", // horizontal bar
	"\u2212", "-", // minus sign
	"\u00ad", "", // soft hyphen
)

const edgePunct = ".,;:!?\"'\u00ab\u00bb\u201c\u201d\u2018\u2019()[]"

// Name returns the comparison key of an entity name: case-folded, accents
// stripped except for ñ, hyphens unified, whitespace collapsed.
func Name(s string) string {
	s = hyphenReplacer.Replace(s)
	s = folder.String(s)
	s = StripAccents(s)
	s = strings.Join(strings.Fields(s), " ")
	s = strings.ReplaceAll(s, " - ", "-")
	s = strings.ReplaceAll(s, "- ", "-")
	s = strings.ReplaceAll(s, " -", "-")
	return strings.Trim(s, edgePunct+" ")
}

// StripAccents removes combining marks after canonical decomposition. The
// tilde over n is kept so that ñ never collapses into n.
func StripAccents(s string) string {
	decomposed := []rune(norm.NFD.String(s))
	var b strings.Builder
	b.Grow(len(decomposed))
	for i, r := range decomposed {
		if unicode.Is(unicode.Mn, r) {
			if r == combiningTilde && i > 0 && (decomposed[i-1] == 'n' || decomposed[i-1] == 'N') {
				b.WriteRune(r)
			}
			continue
		}
		b.WriteRune(r)
	}
	return norm.NFC.String(b.String())
}

var namePrefixes = map[string]struct{}{
	"el": {}, "la": {}, "los": {}, "las": {},
	"don": {}, "dona": {}, "doña": {},
	"senor": {}, "señor": {}, "senora": {}, "señora": {}, "senorita": {}, "señorita": {},
	"sr": {}, "sra": {}, "srta": {},
	"fray": {}, "sor": {}, "tio": {}, "tia": {},
	"mr": {}, "mrs": {}, "ms": {}, "dr": {}, "sir": {}, "lady": {}, "lord": {},
}

// StripPrefixes drops leading articles and honorifics from a normalized name.
// The last token is always kept.
func StripPrefixes(normalized string) string {
	tokens := strings.Fields(normalized)
	for len(tokens) > 1 {
		if _, ok := namePrefixes[strings.TrimSuffix(tokens[0], ".")]; !ok {
			break
		}
		tokens = tokens[1:]
	}
	return strings.Join(tokens, " ")
}

// Tokens splits a normalized name on spaces and hyphens.
func Tokens(normalized string) []string {
	return strings.FieldsFunc(normalized, func(r rune) bool {
		return r == ' ' || r == '-'
	})
}

// Value returns the comparison key of an attribute value. Unlike Name it
// also folds ñ into n, so spelling variants such as "castano" match.
func Value(s string) string {
	s = strings.ReplaceAll(Name(s), "ñ", "n")
	return strings.Join(strings.Fields(strings.Trim(s, edgePunct)), " ")
}

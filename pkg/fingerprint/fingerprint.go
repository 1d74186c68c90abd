// Package fingerprint correlates independently submitted copies of the same
// question.
package fingerprint

import (
	"crypto/sha256"
	"encoding/hex"
	"strings"
	"unicode"

	"golang.org/x/text/cases"
	"golang.org/x/text/unicode/norm"
)

var folder = cases.Fold()

// Normalize folds case, applies NFKC, collapses whitespace and drops
// trailing sentence punctuation.
func Normalize(question string) string {
	s := norm.NFKC.String(question)
	s = folder.String(s)
	s = strings.Join(strings.Fields(s), " ")
	return strings.TrimRightFunc(s, func(r rune) bool {
		return unicode.IsPunct(r) && r != ')' && r != ']'
	})
}

// Of returns the hex SHA-256 of the normalized question.
func Of(question string) string {
	sum := sha256.Sum256([]byte(Normalize(question)))
	return hex.EncodeToString(sum[:])
}

package model

import "strings"

// CasePolicy centralizes the case-sensitivity decision spec.md's Design Notes calls
// out as cross-cutting ("comparisons, key lookups in the move tracker, and
// equivalence checking must each consult the same case policy"). Every component
// that compares or keys on depot/local paths takes a CasePolicy rather than a bare
// bool, so there is exactly one place that decides what "same path" means.
type CasePolicy struct {
	CaseSensitive bool
}

// Normalize returns the key form of path under this policy: unchanged if
// case-sensitive, lower-cased otherwise.
func (c CasePolicy) Normalize(path string) string {
	if c.CaseSensitive {
		return path
	}
	return strings.ToLower(path)
}

// Equal compares two paths under this policy.
func (c CasePolicy) Equal(a, b string) bool {
	if c.CaseSensitive {
		return a == b
	}
	return strings.EqualFold(a, b)
}

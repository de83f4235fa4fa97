// Package util provides small helpers shared across the module.
package util

import "strings"

// UCase returns the ASCII upper-case form of s.
func UCase[T ~string](s T) string { return strings.ToUpper(string(s)) }

// LCase returns the ASCII lower-case form of s.
func LCase[T ~string](s T) string { return strings.ToLower(string(s)) }

// EqFold reports whether two strings are equal under ASCII case-folding.
func EqFold[T1, T2 ~string](s1 T1, s2 T2) bool {
	return strings.EqualFold(string(s1), string(s2))
}

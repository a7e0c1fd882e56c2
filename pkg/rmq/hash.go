package rmq

import "unicode/utf16"

// javaStringHashCode computes the same 32-bit hash Java's
// java.lang.String.hashCode() produces: a 31-multiplier rolling hash over
// the string's UTF-16 code units. The broker's coarse tag filter (codeSet)
// expects exactly this polynomial, so it is hand-written here rather than
// delegated to a general-purpose hashing library — no library in the
// available stack reproduces this specific, foreign-VM-compatible
// algorithm, and an approximate hash would silently desync client-side
// exact-tag filtering from the broker's coarse filter.
func javaStringHashCode(s string) int32 {
	var h int32
	for _, r := range utf16.Encode([]rune(s)) {
		h = 31*h + int32(r)
	}
	return h
}

// Package name implements the kernel object name: a UTF-8 string silently
// truncated to 32 bytes on set, as required of every KernelObject.
//
// Grounded on the teacher's ustr.Ustr (an immutable byte-slice string used
// throughout biscuit's path handling); generalized here from "NUL
// terminated path component" to "bounded kernel object label" and extended
// to truncate at a UTF-8 rune boundary rather than an arbitrary byte, using
// golang.org/x/text/unicode/norm the way the teacher's go.mod already pulls
// in x/text for text processing.
package name

import (
	"unicode/utf8"

	"golang.org/x/text/unicode/norm"
)

// MaxLen is the maximum number of bytes a kernel object name may occupy.
const MaxLen = 32

// / Name is an immutable, length-bounded kernel object name.
type Name [MaxLen]byte

// / Len reports the number of significant bytes (Name is NUL-padded).
func (n Name) Len() int {
	for i, b := range n {
		if b == 0 {
			return i
		}
	}
	return MaxLen
}

// / String renders the name's significant bytes as a Go string.
func (n Name) String() string {
	return string(n[:n.Len()])
}

// / Eq compares two names for byte-for-byte equality.
func (n Name) Eq(o Name) bool {
	return n == o
}

// / Empty reports whether no name was ever set.
func (n Name) Empty() bool {
	return n[0] == 0
}

// / Set NFC-normalizes s and truncates it to MaxLen bytes at a UTF-8 rune
// / boundary. Set does not validate UTF-8; truncation never splits a
// / well-formed multi-byte rune, matching the spec's "UTF-8 ... silently
// / truncated to 32 bytes" requirement.
func Set(s string) Name {
	s = norm.NFC.String(s)
	if len(s) > MaxLen {
		// back off until the cut point isn't in the middle of a rune.
		cut := MaxLen
		for cut > 0 && !utf8.RuneStart(s[cut]) {
			cut--
		}
		s = s[:cut]
	}
	var n Name
	copy(n[:], s)
	return n
}

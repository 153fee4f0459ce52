// Package textdiff computes the minimal single-region edit between two
// strings. Edits arrive one keystroke or one paste at a time from a
// single cursor, so the changed region is always contiguous; a full
// sequence-alignment diff would cost more and buy nothing here.
package textdiff

// Edit describes how to turn a previous string into the next one:
// starting at rune offset Prefix, delete Delete runes, then insert
// Insert.
type Edit struct {
	Prefix int
	Delete int
	Insert string
}

// Compute returns the minimal contiguous edit turning prev into next.
// The second return is false when the strings are equal; callers must
// short-circuit in that case rather than issue an empty transaction.
// Offsets and counts are in runes so a multi-byte character is never
// split.
func Compute(prev, next string) (Edit, bool) {
	if prev == next {
		return Edit{}, false
	}

	p := []rune(prev)
	n := []rune(next)

	minLen := len(p)
	if len(n) < minLen {
		minLen = len(n)
	}

	prefix := 0
	for prefix < minLen && p[prefix] == n[prefix] {
		prefix++
	}

	// Suffix must not overlap the prefix.
	suffix := 0
	for suffix < minLen-prefix && p[len(p)-1-suffix] == n[len(n)-1-suffix] {
		suffix++
	}

	return Edit{
		Prefix: prefix,
		Delete: len(p) - prefix - suffix,
		Insert: string(n[prefix : len(n)-suffix]),
	}, true
}

// Apply replays an edit against prev. Used by tests to verify the
// reconstruction property; production callers apply edits through the
// replicated sequence instead.
func Apply(prev string, e Edit) string {
	p := []rune(prev)
	out := make([]rune, 0, len(p)-e.Delete+len(e.Insert))
	out = append(out, p[:e.Prefix]...)
	out = append(out, []rune(e.Insert)...)
	out = append(out, p[e.Prefix+e.Delete:]...)
	return string(out)
}

// Package sanitize strips byte sequences PostgreSQL's jsonb type
// rejects from TSV chunks before they reach COPY FROM STDIN.
package sanitize

import "regexp"

var (
	// the literal 6-byte unicode-NUL escape sequence: backslash, u, 0, 0, 0, 0
	nullUnicodeLiteral = []byte{'\\', 'u', '0', '0', '0', '0'}

	// A high surrogate optionally paired with a following low surrogate.
	// When the match is the pair (group 1), it is preserved; when the
	// match is a lone high surrogate (group 2), it is dropped.
	unpairedHighSurrogate = regexp.MustCompile(
		`(\\u[dD][89A-Fa-f][0-9A-Fa-f]{2}\\u[dD][c-fC-F][0-9A-Fa-f]{2})|(\\u[dD][89A-Fa-f][0-9A-Fa-f]{2})`)

	// Same, but for a lone low surrogate not preceded by a matching high one.
	unpairedLowSurrogate = regexp.MustCompile(
		`(\\u[dD][89A-Fa-f][0-9A-Fa-f]{2}\\u[dD][c-fC-F][0-9A-Fa-f]{2})|(\\u[dD][c-fC-F][0-9A-Fa-f]{2})`)
)

// RemoveInvalidJSON removes every unescaped unicode-NUL escape and every
// unpaired UTF-16 surrogate escape from data, leaving valid surrogate
// pairs and backslash-escaped NUL literals untouched.
//
// Callers must pass whole 6-byte \uXXXX units per chunk; the sanitizer
// is stateless across calls.
func RemoveInvalidJSON(data []byte) []byte {
	data = removeUnescapedNull(data)
	data = unpairedHighSurrogate.ReplaceAll(data, []byte(`$1`))
	data = unpairedLowSurrogate.ReplaceAll(data, []byte(`$1`))
	return data
}

// removeUnescapedNull drops every unicode-NUL escape not immediately
// preceded by a backslash. regexp has no lookbehind, so this walks the
// bytes directly rather than porting the original negative-lookbehind
// pattern verbatim.
func removeUnescapedNull(data []byte) []byte {
	out := make([]byte, 0, len(data))
	i := 0
	for i < len(data) {
		if i+len(nullUnicodeLiteral) <= len(data) && matchesAt(data, i, nullUnicodeLiteral) {
			if i > 0 && data[i-1] == '\\' {
				out = append(out, data[i])
				i++
				continue
			}
			i += len(nullUnicodeLiteral)
			continue
		}
		out = append(out, data[i])
		i++
	}
	return out
}

func matchesAt(data []byte, at int, literal []byte) bool {
	for j, b := range literal {
		if data[at+j] != b {
			return false
		}
	}
	return true
}

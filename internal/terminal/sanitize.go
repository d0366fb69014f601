package terminal

import (
	"regexp"
	"strings"
)

// controlSequence matches every sequence Sanitize removes in a single
// alternation, so removing one match never turns the bytes around it into a
// new escape within the same pass. Any run of ESC bytes directly before a
// sequence belongs to it.
var controlSequence = regexp.MustCompile(`\x1b*(?:` + strings.Join([]string{
	// CSI: ESC [ params intermediates final. Private prefixes ? = > live in
	// the parameter range, ! in the intermediate range.
	`\x1b\[[0-?]*[ -/]*[@-~]`,
	// 8-bit CSI.
	`\x{9b}[0-?]*[ -/]*[@-~]`,
	// OSC terminated by BEL or ST.
	`\x1b\][^\x07\x1b]*(?:\x07|\x1b\\)`,
	// Character set selection.
	`\x1b[()*+][0-9A-Za-z]`,
	// Single character escapes (ESC 7, ESC 8, ESC =, ESC >, ESC M, ESC c, ...).
	`\x1b[0-9=>A-Za-z]`,
	// Bare bracket sequences whose ESC was split off by line buffering.
	// Requires a numeric or ? parameter so ordinary bracketed text survives.
	`\[(?:\?|[0-9])[0-9;]*[A-HJKSTfhlmnsu]`,
	`\r`,
}, "|") + `)`)

// Sanitize strips terminal control sequences and carriage returns from raw
// terminal output. Unrecognized bytes pass through unchanged.
func Sanitize(raw string) string {
	if raw == "" {
		return raw
	}
	// A bare bracket sequence split by another sequence only forms once the
	// inner one is gone. Every pass removes text, so this terminates.
	out := raw
	for {
		next := controlSequence.ReplaceAllString(out, "")
		if next == out {
			return out
		}
		out = next
	}
}

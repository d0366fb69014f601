package terminal

import (
	"strings"
)

var namedKeys = map[string]string{
	"enter":      "\r",
	"return":     "\r",
	"tab":        "\t",
	"escape":     "\x1b",
	"esc":        "\x1b",
	"backspace":  "\x7f",
	"delete":     "\x1b[3~",
	"del":        "\x1b[3~",
	"up":         "\x1b[A",
	"down":       "\x1b[B",
	"right":      "\x1b[C",
	"left":       "\x1b[D",
	"arrowup":    "\x1b[A",
	"arrowdown":  "\x1b[B",
	"arrowright": "\x1b[C",
	"arrowleft":  "\x1b[D",
	"home":       "\x1b[H",
	"end":        "\x1b[F",
	"pageup":     "\x1b[5~",
	"pagedown":   "\x1b[6~",
	"space":      " ",
}

// EncodeKeys converts a whitespace separated key description such as
// "q", "Ctrl+C" or ":wq Enter" into the bytes a terminal expects.
// Named keys and Ctrl combinations are translated. Other tokens are sent as
// literal text, with a single space between consecutive literal tokens.
func EncodeKeys(keys string) string {
	var b strings.Builder
	prevLiteral := false
	for _, tok := range strings.Fields(keys) {
		if seq, ok := lookupKey(tok); ok {
			b.WriteString(seq)
			prevLiteral = false
			continue
		}
		if prevLiteral {
			b.WriteByte(' ')
		}
		b.WriteString(tok)
		prevLiteral = true
	}
	return b.String()
}

var keySeparators = strings.NewReplacer("_", "", "-", "")

func lookupKey(tok string) (string, bool) {
	norm := strings.ToLower(tok)
	if !strings.HasPrefix(norm, "-") {
		norm = keySeparators.Replace(norm)
	}
	if seq, ok := namedKeys[norm]; ok {
		return seq, true
	}
	return ctrlKey(tok)
}

// ctrlKey handles Ctrl+X, Ctrl-X, C-x and ^X.
func ctrlKey(tok string) (string, bool) {
	lower := strings.ToLower(tok)
	var rest string
	switch {
	case strings.HasPrefix(lower, "ctrl+"), strings.HasPrefix(lower, "ctrl-"):
		rest = tok[5:]
	case strings.HasPrefix(lower, "c-"):
		rest = tok[2:]
	case strings.HasPrefix(tok, "^") && len(tok) == 2:
		rest = tok[1:]
	default:
		return "", false
	}
	if len(rest) != 1 {
		return "", false
	}
	c := rest[0]
	switch {
	case c >= 'a' && c <= 'z':
		return string(rune(c - 'a' + 1)), true
	case c >= 'A' && c <= 'Z':
		return string(rune(c - 'A' + 1)), true
	}
	switch c {
	case '@', ' ':
		return "\x00", true
	case '[':
		return "\x1b", true
	case '\\':
		return "\x1c", true
	case ']':
		return "\x1d", true
	}
	return "", false
}

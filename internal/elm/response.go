package elm

import (
	"strings"
	"unicode"
)

// LineKind classifies one line of an adapter response.
type LineKind int

const (
	LineEcho        LineKind = iota // repeat of the command just sent
	LineFlowControl                 // ISO-TP flow control frame, first nibble 3
	LineHex                         // payload line
	LineMalformed                   // contains a non-hex character
)

func (k LineKind) String() string {
	switch k {
	case LineEcho:
		return "echo"
	case LineFlowControl:
		return "flow-control"
	case LineHex:
		return "hex"
	case LineMalformed:
		return "malformed"
	default:
		return "unknown"
	}
}

// ResponseLine is one non-empty line of a response.
type ResponseLine struct {
	Raw  string // line with surrounding whitespace trimmed
	Text string // line with all whitespace removed
	Kind LineKind
}

// ProcessResponse splits raw into classified lines. Exactly one line equal
// to sent (compared before any stripping) is marked as echo. Lines that are
// empty once whitespace is removed are dropped.
func ProcessResponse(sent, raw string) []ResponseLine {
	var out []ResponseLine
	echoed := false
	for _, s := range strings.Split(raw, "\n") {
		if !echoed && s == sent {
			echoed = true
			out = append(out, ResponseLine{Raw: s, Text: stripSpace(s), Kind: LineEcho})
			continue
		}
		text := stripSpace(s)
		if text == "" {
			continue
		}
		line := ResponseLine{Raw: strings.TrimSpace(s), Text: text}
		switch {
		case !IsHex(text):
			line.Kind = LineMalformed
		case text[0] == '3':
			line.Kind = LineFlowControl
		default:
			line.Kind = LineHex
		}
		out = append(out, line)
	}
	return out
}

// FilterText renders the response to a plain AT command: the echo and blank
// lines are removed and the remaining lines are trimmed and joined by "\n".
// Spaces inside a line are kept.
func FilterText(sent, raw string) string {
	var lines []string
	for _, l := range ProcessResponse(sent, raw) {
		if l.Kind == LineEcho {
			continue
		}
		lines = append(lines, l.Raw)
	}
	return strings.Join(lines, "\n")
}

// IsHex reports whether every character of s is in [0-9a-fA-F]. The empty
// string is never passed in; callers drop empty lines first.
func IsHex(s string) bool {
	for i := 0; i < len(s); i++ {
		c := s[i]
		switch {
		case c >= '0' && c <= '9', c >= 'a' && c <= 'f', c >= 'A' && c <= 'F':
		default:
			return false
		}
	}
	return true
}

// IsATCommand reports whether payload goes to the adapter verbatim.
func IsATCommand(payload string) bool {
	return len(payload) >= 2 && strings.EqualFold(payload[:2], "AT")
}

func stripSpace(s string) string {
	return strings.Map(func(r rune) rune {
		if unicode.IsSpace(r) {
			return -1
		}
		return r
	}, s)
}

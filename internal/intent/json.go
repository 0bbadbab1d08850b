package intent

import (
	"regexp"
	"strings"
)

// ExtractJSON finds the first balanced JSON object in a response, tolerating
// markdown fences and prose around it. Returns "" when no object is found.
func ExtractJSON(response string) string {
	start := strings.Index(response, "{")
	if start == -1 {
		return ""
	}

	depth := 0
	inString := false
	escaped := false
	for i := start; i < len(response); i++ {
		c := response[i]
		if inString {
			switch {
			case escaped:
				escaped = false
			case c == '\\':
				escaped = true
			case c == '"':
				inString = false
			}
			continue
		}
		switch c {
		case '"':
			inString = true
		case '{':
			depth++
		case '}':
			depth--
			if depth == 0 {
				return response[start : i+1]
			}
		}
	}
	return ""
}

var (
	pythonLiteral = regexp.MustCompile(`\b(True|False|None)\b`)
	trailingComma = regexp.MustCompile(`,\s*([}\]])`)
)

// NormalizeJSON coerces common model mistakes toward valid JSON: single
// quotes, language-native literals, and trailing commas. It operates outside
// string values only for quote replacement, so embedded apostrophes survive.
func NormalizeJSON(s string) string {
	s = replaceSingleQuotes(s)

	s = pythonLiteral.ReplaceAllStringFunc(s, func(m string) string {
		switch m {
		case "True":
			return "true"
		case "False":
			return "false"
		default:
			return "null"
		}
	})

	s = trailingComma.ReplaceAllString(s, "$1")
	return s
}

// replaceSingleQuotes swaps single-quoted strings for double-quoted ones when
// the text carries no double-quoted strings at all. Mixed quoting is left
// untouched; a partial rewrite makes things worse.
func replaceSingleQuotes(s string) string {
	if strings.Contains(s, `"`) {
		return s
	}
	var b strings.Builder
	inString := false
	for i := 0; i < len(s); i++ {
		c := s[i]
		if c == '\'' {
			// Escaped apostrophe inside a single-quoted string.
			if inString && i+1 < len(s) && s[i+1] == '\'' {
				b.WriteByte('\'')
				i++
				continue
			}
			inString = !inString
			b.WriteByte('"')
			continue
		}
		if inString && c == '"' {
			b.WriteString(`\"`)
			continue
		}
		b.WriteByte(c)
	}
	return b.String()
}

package plugin

import (
	"strings"
)

// SplitStatements splits a SQL script on semicolons while respecting single
// and double quoted literals, line and block comments, and dollar-quoted
// regions ($tag$ ... $tag$) so procedure bodies survive intact.
func SplitStatements(script string) []string {
	var statements []string
	var current strings.Builder

	runes := []rune(script)
	n := len(runes)

	var inSingle, inDouble bool
	var inLineComment, inBlockComment bool
	dollarTag := ""

	flush := func() {
		stmt := strings.TrimSpace(current.String())
		if stmt != "" {
			statements = append(statements, stmt)
		}
		current.Reset()
	}

	for i := 0; i < n; i++ {
		r := runes[i]

		switch {
		case inLineComment:
			current.WriteRune(r)
			if r == '\n' {
				inLineComment = false
			}

		case inBlockComment:
			current.WriteRune(r)
			if r == '*' && i+1 < n && runes[i+1] == '/' {
				current.WriteRune(runes[i+1])
				i++
				inBlockComment = false
			}

		case dollarTag != "":
			current.WriteRune(r)
			if r == '$' && hasTagAt(runes, i, dollarTag) {
				for j := 1; j < len(dollarTag); j++ {
					i++
					current.WriteRune(runes[i])
				}
				dollarTag = ""
			}

		case inSingle:
			current.WriteRune(r)
			if r == '\'' {
				// '' escapes a quote inside the literal
				if i+1 < n && runes[i+1] == '\'' {
					current.WriteRune(runes[i+1])
					i++
				} else {
					inSingle = false
				}
			}

		case inDouble:
			current.WriteRune(r)
			if r == '"' {
				inDouble = false
			}

		default:
			switch r {
			case '\'':
				inSingle = true
				current.WriteRune(r)
			case '"':
				inDouble = true
				current.WriteRune(r)
			case '-':
				if i+1 < n && runes[i+1] == '-' {
					inLineComment = true
				}
				current.WriteRune(r)
			case '/':
				if i+1 < n && runes[i+1] == '*' {
					inBlockComment = true
				}
				current.WriteRune(r)
			case '$':
				if tag := readDollarTag(runes, i); tag != "" {
					dollarTag = tag
					for j := 0; j < len(tag); j++ {
						current.WriteRune(runes[i+j])
					}
					i += len(tag) - 1
				} else {
					current.WriteRune(r)
				}
			case ';':
				flush()
			default:
				current.WriteRune(r)
			}
		}
	}
	flush()

	return statements
}

// readDollarTag returns the full "$tag$" opener at position i, or ""
func readDollarTag(runes []rune, i int) string {
	j := i + 1
	for j < len(runes) {
		r := runes[j]
		if r == '$' {
			return string(runes[i : j+1])
		}
		if !isTagRune(r) {
			return ""
		}
		j++
	}
	return ""
}

// hasTagAt reports whether the closing tag starts at position i
func hasTagAt(runes []rune, i int, tag string) bool {
	if i+len(tag) > len(runes) {
		return false
	}
	return string(runes[i:i+len(tag)]) == tag
}

func isTagRune(r rune) bool {
	return r == '_' ||
		(r >= 'a' && r <= 'z') ||
		(r >= 'A' && r <= 'Z') ||
		(r >= '0' && r <= '9')
}

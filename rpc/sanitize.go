package rpc

import "strings"

const redacted = "<redacted>"

// SanitizeMessage redacts values a decoder may have echoed from untrusted
// input. Every double-quoted span has its contents replaced (escaped quotes
// do not terminate a span; an unterminated span redacts to the end), and
// the first backticked span is replaced the same way.
func SanitizeMessage(message string) string {
	return redactFirstBackticked(redactQuoted(message))
}

func redactQuoted(message string) string {
	var out strings.Builder
	out.Grow(len(message))

	rest := message
	for {
		start := strings.IndexByte(rest, '"')
		if start < 0 {
			out.WriteString(rest)
			return out.String()
		}
		out.WriteString(rest[:start+1])
		rest = rest[start+1:]

		end := closingQuote(rest)
		if end < 0 {
			out.WriteString(redacted)
			return out.String()
		}
		out.WriteString(redacted)
		out.WriteByte('"')
		rest = rest[end+1:]
	}
}

// closingQuote finds the first quote not escaped by an odd run of backslashes.
func closingQuote(s string) int {
	for i := 0; i < len(s); i++ {
		if s[i] != '"' {
			continue
		}
		backslashes := 0
		for k := i - 1; k >= 0 && s[k] == '\\'; k-- {
			backslashes++
		}
		if backslashes%2 == 0 {
			return i
		}
	}
	return -1
}

func redactFirstBackticked(message string) string {
	start := strings.IndexByte(message, '`')
	if start < 0 {
		return message
	}
	after := start + 1

	// Decoder errors read like "invalid type: `value`, expected ..." where
	// value itself may contain backticks.
	end := strings.Index(message[after:], "`, expected")
	if end < 0 {
		end = strings.LastIndexByte(message[after:], '`')
	}
	if end < 0 {
		return message[:after] + redacted
	}
	end += after
	return message[:after] + redacted + message[end:]
}

package router

import (
	"fmt"
	"strings"
	"unicode"
	"unicode/utf8"
)

type Kind string

const (
	Read  Kind = "read"
	Write Kind = "write"
)

var writeVerbs = map[string]struct{}{
	"INSERT":   {},
	"UPDATE":   {},
	"DELETE":   {},
	"CREATE":   {},
	"DROP":     {},
	"ALTER":    {},
	"TRUNCATE": {},
	"REPLACE":  {},
	"MERGE":    {},
}

// Classify decides the routing kind of a statement from its leading keyword.
// Leading whitespace and SQL comments are skipped. A WITH statement is a write
// when any of its words is a write verb, since data-modifying CTEs must reach the primary.
func Classify(sql string) Kind {
	body := stripLeadingComments(sql)
	first := firstWord(body)
	if _, ok := writeVerbs[first]; ok {
		return Write
	}
	if first == "WITH" {
		for _, word := range strings.FieldsFunc(strings.ToUpper(body), isWordBoundary) {
			if _, ok := writeVerbs[word]; ok {
				return Write
			}
		}
	}
	return Read
}

// HasReturning reports whether a write statement returns rows.
func HasReturning(sql string) bool {
	for _, word := range strings.FieldsFunc(strings.ToUpper(sql), isWordBoundary) {
		if word == "RETURNING" {
			return true
		}
	}
	return false
}

func stripLeadingComments(sql string) string {
	s := strings.TrimLeftFunc(sql, unicode.IsSpace)
	for {
		switch {
		case strings.HasPrefix(s, "--"):
			idx := strings.IndexByte(s, '\n')
			if idx < 0 {
				return ""
			}
			s = s[idx+1:]
		case strings.HasPrefix(s, "/*"):
			idx := strings.Index(s, "*/")
			if idx < 0 {
				return ""
			}
			s = s[idx+2:]
		default:
			return s
		}
		s = strings.TrimLeftFunc(s, unicode.IsSpace)
	}
}

func firstWord(s string) string {
	end := strings.IndexFunc(s, isWordBoundary)
	if end < 0 {
		end = len(s)
	}
	return strings.ToUpper(s[:end])
}

func isWordBoundary(r rune) bool {
	return !(unicode.IsLetter(r) || unicode.IsDigit(r) || r == '_')
}

// truncate collapses whitespace and keeps at most n bytes, never splitting a rune.
func truncate(sql string, n int) string {
	sql = strings.Join(strings.Fields(sql), " ")
	return cut(sql, n)
}

func cut(s string, n int) string {
	if len(s) <= n {
		return s
	}
	for n > 0 && !utf8.RuneStart(s[n]) {
		n--
	}
	return s[:n]
}

// loggableArgs copies bound parameters for logs and events. Long strings are
// cut and byte slices are reduced to their length.
func loggableArgs(args []any) []any {
	if len(args) == 0 {
		return nil
	}
	out := make([]any, len(args))
	for i, arg := range args {
		switch v := arg.(type) {
		case string:
			out[i] = cut(v, maxLoggedParamSize)
		case []byte:
			out[i] = fmt.Sprintf("<%d bytes>", len(v))
		default:
			out[i] = v
		}
	}
	return out
}

package utils

import (
	"regexp"
	"strings"
)

func FirstNonEmpty(str1, str2 string) string {
	if str1 != "" {
		return str1
	}
	return str2
}

func SplitByMultipleDelimiters(s string, delimiters ...string) []string {
	if len(delimiters) == 0 {
		return []string{s}
	}
	delimiterPattern := "[" + regexp.QuoteMeta(strings.Join(delimiters, "")) + "]"
	re := regexp.MustCompile(delimiterPattern)
	return re.Split(s, -1)
}

// SplitList splits a comma or semicolon separated list, trimming blanks and
// dropping empty items.
func SplitList(s string) []string {
	parts := SplitByMultipleDelimiters(s, ",", ";")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	return out
}

package audit

import (
	"regexp"
	"strings"
)

// ParseQuery converts free-text search input into FTS5 MATCH syntax:
// quoted phrases pass through verbatim, bare alphanumeric words over
// three characters become prefix matches.
func ParseQuery(input string) string {
	var parts []string

	input = strings.TrimSpace(input)

	re := regexp.MustCompile(`[^\s"']+|"([^"]*)"|'([^']*)'`)
	tokens := re.FindAllString(input, -1)

	wordRe := regexp.MustCompile(`^[a-zA-Z0-9]+$`)

	for _, token := range tokens {
		if strings.HasPrefix(token, "\"") || strings.HasPrefix(token, "'") {
			parts = append(parts, token)
			continue
		}

		if len(token) > 3 && wordRe.MatchString(token) {
			parts = append(parts, token+"*")
		} else {
			parts = append(parts, token)
		}
	}

	if len(parts) == 0 {
		return ""
	}
	return strings.Join(parts, " AND ")
}

package threading

import (
	"regexp"
	"strings"
)

var bracketedID = regexp.MustCompile(`<([^<>]+)>`)

// NormalizeMessageID strips surrounding whitespace and one pair of angle
// brackets. It returns "" for values that are empty after stripping.
func NormalizeMessageID(id string) string {
	id = strings.TrimSpace(id)
	id = strings.TrimPrefix(id, "<")
	id = strings.TrimSuffix(id, ">")
	return strings.TrimSpace(id)
}

// ParseReferences splits a References header into normalized ids, keeping
// header order (most historical first) and dropping duplicates.
func ParseReferences(header string) []string {
	var raw []string
	if strings.Contains(header, "<") {
		for _, m := range bracketedID.FindAllStringSubmatch(header, -1) {
			raw = append(raw, m[1])
		}
	} else {
		raw = strings.Fields(header)
	}

	seen := make(map[string]bool, len(raw))
	var ids []string
	for _, r := range raw {
		id := NormalizeMessageID(r)
		if id == "" || seen[id] {
			continue
		}
		seen[id] = true
		ids = append(ids, id)
	}
	return ids
}

var replyPrefix = regexp.MustCompile(`(?i)^\s*((re|fwd|fw):\s*)+`)

// NormalizeSubject strips any leading run of Re:/Fwd:/Fw: prefixes and lowercases.
func NormalizeSubject(subject string) string {
	return strings.ToLower(strings.TrimSpace(replyPrefix.ReplaceAllString(subject, "")))
}

// HasReplyPrefix reports whether subject already starts with Re:.
func HasReplyPrefix(subject string) bool {
	return strings.HasPrefix(strings.ToLower(strings.TrimSpace(subject)), "re:")
}

package models

import (
	"regexp"
	"sort"
	"strings"
)

var findingKinds = map[string]FindingKind{
	"discovery":  FindingDiscovery,
	"warning":    FindingWarning,
	"decision":   FindingDecision,
	"blocker":    FindingBlocker,
	"fact":       FindingFact,
	"hypothesis": FindingHypothesis,
}

// ParseFindings extracts line-prefixed findings from agent output.
// A finding line looks like "[fact] tokens live in cookies"; the kind
// is matched case-insensitively and unknown prefixes are ignored.
func ParseFindings(text string) []Finding {
	var out []Finding
	for _, line := range strings.Split(text, "\n") {
		kind, content, ok := splitPrefixed(line)
		if !ok {
			continue
		}
		fk, known := findingKinds[kind]
		if !known {
			continue
		}
		out = append(out, Finding{Kind: fk, Content: content})
	}
	return out
}

// ParseQuestions extracts "[question] ..." lines. Questions are not
// findings; they go to the run's blackboard for a peer or a human to
// answer.
func ParseQuestions(text string) []string {
	var out []string
	for _, line := range strings.Split(text, "\n") {
		kind, content, ok := splitPrefixed(line)
		if ok && kind == "question" {
			out = append(out, content)
		}
	}
	return out
}

// splitPrefixed parses a "[kind] content" line, tolerating leading
// whitespace and a markdown list dash.
func splitPrefixed(line string) (kind, content string, ok bool) {
	line = strings.TrimSpace(line)
	line = strings.TrimPrefix(line, "- ")
	if !strings.HasPrefix(line, "[") {
		return "", "", false
	}
	end := strings.IndexByte(line, ']')
	if end < 0 {
		return "", "", false
	}
	kind = strings.ToLower(strings.TrimSpace(line[1:end]))
	content = strings.TrimSpace(line[end+1:])
	if kind == "" || content == "" {
		return "", "", false
	}
	return kind, content, true
}

var fileMentionPatterns = []*regexp.Regexp{
	regexp.MustCompile("(?i)(?:created|modified|edited|wrote|updated)\\s+[`\"']?([^\\s`\"']+\\.[a-zA-Z]+)"),
	regexp.MustCompile("(?i)file\\s+[`\"']([^\\s`\"']+\\.[a-zA-Z]+)[`\"']"),
}

// ParseModifiedFiles scans agent output for file paths the agent
// reported touching. Results are deduplicated and sorted.
func ParseModifiedFiles(text string) []string {
	seen := make(map[string]bool)
	for _, re := range fileMentionPatterns {
		for _, m := range re.FindAllStringSubmatch(text, -1) {
			seen[m[1]] = true
		}
	}
	if len(seen) == 0 {
		return nil
	}
	out := make([]string, 0, len(seen))
	for f := range seen {
		out = append(out, f)
	}
	sort.Strings(out)
	return out
}

package watch

import (
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"
)

// Artifact files tier-1 and tier-2 append to inside a board directory.
const (
	LogName      = "watcher-log.md"
	DecisionName = "decision.md"
)

// errorKeywords are matched case-insensitively over agent log tails.
var errorKeywords = []string{"error:", "panic:", "traceback", "fatal", "exception"}

const (
	agentLogScanLines = 40
	maxErrorExcerpts  = 20
)

// AppendLog writes one tier-1 pass record,
// `<ts> | STATUS: <status> | NOTES: <notes>`.
func AppendLog(dir string, now time.Time, status, notes string) error {
	line := fmt.Sprintf("%s | STATUS: %s | NOTES: %s\n", now.Format(time.RFC3339), status, notes)
	return appendFile(filepath.Join(dir, LogName), line)
}

// AppendHandlerLog writes one tier-2 action record,
// `<ts> | HANDLER: <action> | <notes>`.
func AppendHandlerLog(dir string, now time.Time, action, notes string) error {
	line := fmt.Sprintf("%s | HANDLER: %s | %s\n", now.Format(time.RFC3339), action, notes)
	return appendFile(filepath.Join(dir, LogName), line)
}

// AppendDecision records a tier-2 ruling in the run's decision file.
func AppendDecision(dir string, now time.Time, signalID string, reason Reason, action Action, analysis, details string) error {
	var b strings.Builder
	fmt.Fprintf(&b, "## [%s] watcher decision\n\n", now.Format(time.RFC3339))
	fmt.Fprintf(&b, "**Signal:** %s (%s)\n", signalID, reason)
	fmt.Fprintf(&b, "**Analysis:** %s\n", analysis)
	fmt.Fprintf(&b, "**Action:** %s\n", action)
	fmt.Fprintf(&b, "**Details:** %s\n\n", details)
	return appendFile(filepath.Join(dir, DecisionName), b.String())
}

// HasRuling reports whether tier-2 already recorded a decision for
// this run.
func HasRuling(dir string) bool {
	_, err := os.Stat(filepath.Join(dir, DecisionName))
	return err == nil
}

// TailLog returns the last n watch log lines, oldest first.
func TailLog(dir string, n int) []string {
	lines, err := tailFile(filepath.Join(dir, LogName), n)
	if err != nil {
		return nil
	}
	return lines
}

// ErrorExcerpts scans the tail of each agent_*.md file in dir for
// error keywords and returns file-prefixed excerpts.
func ErrorExcerpts(dir string) []string {
	matches, err := filepath.Glob(filepath.Join(dir, "agent_*.md"))
	if err != nil {
		return nil
	}
	sort.Strings(matches)

	var out []string
	for _, path := range matches {
		lines, err := tailFile(path, agentLogScanLines)
		if err != nil {
			continue
		}
		for _, line := range lines {
			if !containsErrorKeyword(line) {
				continue
			}
			out = append(out, fmt.Sprintf("%s: %s", filepath.Base(path), clip(line, 160)))
			if len(out) >= maxErrorExcerpts {
				return out
			}
		}
	}
	return out
}

func containsErrorKeyword(line string) bool {
	lower := strings.ToLower(line)
	for _, kw := range errorKeywords {
		if strings.Contains(lower, kw) {
			return true
		}
	}
	return false
}

func appendFile(path, text string) error {
	f, err := os.OpenFile(path, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644)
	if err != nil {
		return fmt.Errorf("failed to open %s: %w", filepath.Base(path), err)
	}
	_, werr := f.WriteString(text)
	cerr := f.Close()
	if werr != nil {
		return fmt.Errorf("failed to append to %s: %w", filepath.Base(path), werr)
	}
	return cerr
}

func tailFile(path string, n int) ([]string, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	var lines []string
	for _, l := range strings.Split(string(raw), "\n") {
		if strings.TrimSpace(l) != "" {
			lines = append(lines, l)
		}
	}
	if n > 0 && len(lines) > n {
		lines = lines[len(lines)-n:]
	}
	return lines, nil
}

func clip(s string, n int) string {
	s = strings.TrimSpace(s)
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}

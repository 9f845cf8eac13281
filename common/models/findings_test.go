package models

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestParseFindingsExtractsPrefixedLines(t *testing.T) {
	output := `I inspected the login flow.

[fact] Tokens are stored in cookies
- [WARNING] rate limiting is missing on /login
[hypothesis] the 500s correlate with cache evictions
[blocker] need staging credentials
[discovery] there is an undocumented /debug endpoint
[decision] will shard by tenant id
[shrug] not a real kind
[fact]
plain prose line`

	findings := ParseFindings(output)
	require.Len(t, findings, 6)
	require.Equal(t, Finding{Kind: FindingFact, Content: "Tokens are stored in cookies"}, findings[0])
	require.Equal(t, FindingWarning, findings[1].Kind)
	require.Equal(t, "rate limiting is missing on /login", findings[1].Content)
	require.Equal(t, FindingHypothesis, findings[2].Kind)
	require.Equal(t, FindingBlocker, findings[3].Kind)
	require.Equal(t, FindingDiscovery, findings[4].Kind)
	require.Equal(t, FindingDecision, findings[5].Kind)
}

func TestParseFindingsEmptyOutput(t *testing.T) {
	require.Empty(t, ParseFindings(""))
	require.Empty(t, ParseFindings("no findings here\njust text"))
}

func TestParseQuestions(t *testing.T) {
	output := `[question] which region should the replica live in?
[fact] replication lag is 2s
  [Question] is best-effort acceptable for reports?`

	qs := ParseQuestions(output)
	require.Equal(t, []string{
		"which region should the replica live in?",
		"is best-effort acceptable for reports?",
	}, qs)
}

func TestParseModifiedFiles(t *testing.T) {
	output := "Modified `internal/auth/session.go` and wrote cmd/server/main.go. " +
		"Also updated internal/auth/session.go again. File 'README.md' untouched text."

	files := ParseModifiedFiles(output)
	require.Equal(t, []string{
		"README.md",
		"cmd/server/main.go",
		"internal/auth/session.go",
	}, files)
}

func TestParseModifiedFilesEmpty(t *testing.T) {
	require.Empty(t, ParseModifiedFiles("nothing was changed"))
}

package knowledge

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/anthive/orchestrator/common/faults"
)

const (
	defaultTopK          = 5
	defaultHalfLife      = 7 * 24 * time.Hour
	defaultFailureWindow = 30 * 24 * time.Hour
	defaultMaxTokens     = 1500

	// failureFetchLimit bounds the candidate pool scanned for similarity.
	failureFetchLimit = 50
	// stitchedFailures caps how many similar failures enter the prompt.
	stitchedFailures = 3
	similarLimit     = 5

	// charsPerToken is the rough budget conversion used when stitching.
	charsPerToken = 4
)

// Options tunes the scoring and stitching knobs. Zero values take
// defaults.
type Options struct {
	TopK          int
	HalfLife      time.Duration
	FailureWindow time.Duration
	MaxTokens     int
}

// Service answers knowledge queries and records node outcomes against
// the heuristics they consulted.
type Service struct {
	store         Store
	topK          int
	halfLife      time.Duration
	failureWindow time.Duration
	maxTokens     int
	log           Logger
}

// NewService creates a knowledge service over the store.
func NewService(store Store, opts Options, log Logger) *Service {
	if opts.TopK <= 0 {
		opts.TopK = defaultTopK
	}
	if opts.HalfLife <= 0 {
		opts.HalfLife = defaultHalfLife
	}
	if opts.FailureWindow <= 0 {
		opts.FailureWindow = defaultFailureWindow
	}
	if opts.MaxTokens <= 0 {
		opts.MaxTokens = defaultMaxTokens
	}
	return &Service{
		store:         store,
		topK:          opts.TopK,
		halfLife:      opts.HalfLife,
		failureWindow: opts.FailureWindow,
		maxTokens:     opts.MaxTokens,
		log:           log,
	}
}

// Request describes one knowledge lookup.
type Request struct {
	TaskText  string
	Domain    Domain
	Tags      []string
	MaxTokens int // overrides the service budget when > 0
}

// Result is the stitched context plus the heuristics it surfaced, so
// outcomes can be attributed back to them.
type Result struct {
	Text         string   `json:"text"`
	HeuristicIDs []string `json:"heuristic_ids,omitempty"`
	Golden       int      `json:"golden"`
	Heuristics   int      `json:"heuristics"`
	Failures     int      `json:"failures"`
}

// Query builds the context block shipped above a node's instructions:
// golden rules always, then similar-failure warnings, then the top-K
// scored heuristics, trimmed to the token budget.
func (s *Service) Query(ctx context.Context, tenantID string, req Request) (*Result, error) {
	if tenantID == "" {
		return nil, faults.Validation("tenant id is required")
	}
	if req.Domain != "" {
		if _, err := ParseDomain(string(req.Domain)); err != nil {
			return nil, err
		}
	}
	now := time.Now().UTC()

	golden, err := s.store.GoldenRules(ctx, tenantID)
	if err != nil {
		return nil, fmt.Errorf("failed to load golden rules: %w", err)
	}

	pool, err := s.store.Heuristics(ctx, tenantID, s.topK*4)
	if err != nil {
		return nil, fmt.Errorf("failed to load heuristics: %w", err)
	}
	scored := rankHeuristics(pool, req.Domain, now, s.halfLife, s.topK)

	failures, err := s.store.RecentFailures(ctx, tenantID, now.Add(-s.failureWindow), failureFetchLimit)
	if err != nil {
		return nil, fmt.Errorf("failed to load recent failures: %w", err)
	}
	matchText := req.TaskText
	if len(req.Tags) > 0 {
		matchText += " " + strings.Join(req.Tags, " ")
	}
	matches := SimilarFailures(matchText, failures, SimilarityThreshold, similarLimit)

	budget := s.maxTokens
	if req.MaxTokens > 0 {
		budget = req.MaxTokens
	}

	res := &Result{
		Golden:     len(golden),
		Heuristics: len(scored),
		Failures:   len(matches),
	}
	for _, h := range golden {
		res.HeuristicIDs = append(res.HeuristicIDs, h.ID)
	}
	for _, h := range scored {
		res.HeuristicIDs = append(res.HeuristicIDs, h.ID)
	}
	res.Text = stitch(golden, scored, matches, budget*charsPerToken)

	s.log.Debug("knowledge query served",
		"tenant_id", tenantID,
		"golden", res.Golden,
		"heuristics", res.Heuristics,
		"similar_failures", res.Failures)
	return res, nil
}

// rankHeuristics scores the pool and keeps the top k by relevance.
func rankHeuristics(pool []Heuristic, domain Domain, now time.Time, halfLife time.Duration, k int) []Heuristic {
	type ranked struct {
		h     Heuristic
		score float64
	}
	rs := make([]ranked, 0, len(pool))
	for _, h := range pool {
		rs = append(rs, ranked{h: h, score: Relevance(h, domain, now, halfLife)})
	}
	sort.SliceStable(rs, func(i, j int) bool { return rs[i].score > rs[j].score })
	if len(rs) > k {
		rs = rs[:k]
	}
	out := make([]Heuristic, 0, len(rs))
	for _, r := range rs {
		out = append(out, r.h)
	}
	return out
}

func stitch(golden, scored []Heuristic, matches []FailureMatch, maxChars int) string {
	var b strings.Builder

	if len(golden) > 0 {
		b.WriteString("# Golden Rules\n\n")
		for _, h := range golden {
			fmt.Fprintf(&b, "- %s\n", h.Content)
		}
	}

	over := func(extra int) bool { return maxChars > 0 && b.Len()+extra > maxChars }

	if len(matches) > 0 {
		section := &strings.Builder{}
		section.WriteString("\n## Similar Failures Detected\n\n")
		shown := matches
		if len(shown) > stitchedFailures {
			shown = shown[:stitchedFailures]
		}
		for _, m := range shown {
			fmt.Fprintf(section, "- **[%.0f%% match] %s**\n", m.Similarity*100, m.Title)
			if len(m.Matched) > 0 {
				fmt.Fprintf(section, "  Matching keywords: %s\n", strings.Join(m.Matched, ", "))
			}
			if m.Summary != "" {
				fmt.Fprintf(section, "  Lesson: %s\n", truncate(m.Summary, 100))
			}
		}
		if !over(section.Len()) {
			b.WriteString(section.String())
		}
	}

	if len(scored) > 0 {
		header := "\n## Relevant Heuristics\n\n"
		if !over(len(header)) {
			b.WriteString(header)
			for _, h := range scored {
				entry := fmt.Sprintf("- **%s** (confidence: %.2f, validated: %dx)\n",
					h.Content, h.Confidence, h.ValidatedCount)
				if over(len(entry)) {
					break
				}
				b.WriteString(entry)
			}
		}
	}

	return strings.TrimLeft(b.String(), "\n")
}

// Outcome reports how a node execution ended and which heuristics its
// prompt carried.
type Outcome struct {
	TenantID     string   `json:"tenant_id"`
	RunID        string   `json:"run_id,omitempty"`
	NodeID       string   `json:"node_id,omitempty"`
	AgentID      string   `json:"agent_id,omitempty"`
	Failed       bool     `json:"failed"`
	ErrorKind    string   `json:"error_kind,omitempty"`
	ErrorMessage string   `json:"error_message,omitempty"`
	TaskText     string   `json:"task_text,omitempty"`
	Domain       Domain   `json:"domain,omitempty"`
	Tags         []string `json:"tags,omitempty"`
	ConsultedIDs []string `json:"consulted_ids,omitempty"`
}

// RecordOutcome closes the learning loop: failures are stored for
// similarity matching and every consulted heuristic is validated or
// violated.
func (s *Service) RecordOutcome(ctx context.Context, o *Outcome) error {
	if o.TenantID == "" {
		return faults.Validation("tenant id is required")
	}
	domain := o.Domain
	if domain == "" {
		domain = DomainGeneral
	} else if _, err := ParseDomain(string(domain)); err != nil {
		return err
	}

	if !o.Failed {
		if len(o.ConsultedIDs) == 0 {
			return nil
		}
		if err := s.store.MarkValidated(ctx, o.TenantID, o.ConsultedIDs); err != nil {
			return fmt.Errorf("failed to validate heuristics: %w", err)
		}
		return nil
	}

	f := &Failure{
		ID:        uuid.NewString(),
		TenantID:  o.TenantID,
		Title:     failureTitle(o),
		Summary:   failureSummary(o),
		Domain:    domain,
		Tags:      o.Tags,
		CreatedAt: time.Now().UTC(),
	}
	if err := s.store.InsertFailure(ctx, f); err != nil {
		return fmt.Errorf("failed to record failure: %w", err)
	}
	s.log.Info("failure recorded",
		"tenant_id", o.TenantID,
		"node_id", o.NodeID,
		"error_kind", o.ErrorKind)

	if len(o.ConsultedIDs) == 0 {
		return nil
	}
	if err := s.store.MarkViolated(ctx, o.TenantID, o.ConsultedIDs); err != nil {
		return fmt.Errorf("failed to violate heuristics: %w", err)
	}
	return nil
}

// AddHeuristic is the ingress for new heuristics. They start at 0.5
// confidence with no history.
func (s *Service) AddHeuristic(ctx context.Context, tenantID, domain, content string) (*Heuristic, error) {
	if tenantID == "" {
		return nil, faults.Validation("tenant id is required")
	}
	if strings.TrimSpace(content) == "" {
		return nil, faults.Validation("heuristic content is required")
	}
	d, err := ParseDomain(domain)
	if err != nil {
		return nil, err
	}
	now := time.Now().UTC()
	h := &Heuristic{
		ID:         uuid.NewString(),
		TenantID:   tenantID,
		Domain:     d,
		Content:    strings.TrimSpace(content),
		Confidence: 0.5,
		CreatedAt:  now,
		UpdatedAt:  now,
	}
	if err := s.store.InsertHeuristic(ctx, h); err != nil {
		return nil, fmt.Errorf("failed to insert heuristic: %w", err)
	}
	return h, nil
}

func failureTitle(o *Outcome) string {
	kind := o.ErrorKind
	if kind == "" {
		kind = "failure"
	}
	msg := o.ErrorMessage
	if msg == "" {
		msg = "task failed"
	}
	return fmt.Sprintf("%s: %s", kind, truncate(msg, 120))
}

func failureSummary(o *Outcome) string {
	var parts []string
	if o.NodeID != "" {
		parts = append(parts, fmt.Sprintf("Node: %s", o.NodeID))
	}
	if o.AgentID != "" {
		parts = append(parts, fmt.Sprintf("Agent: %s", o.AgentID))
	}
	if o.ErrorMessage != "" {
		parts = append(parts, fmt.Sprintf("Reason: %s", truncate(o.ErrorMessage, 200)))
	}
	if o.TaskText != "" {
		parts = append(parts, fmt.Sprintf("Task: %s", truncate(o.TaskText, 400)))
	}
	return strings.Join(parts, "\n")
}

func truncate(s string, n int) string {
	r := []rune(s)
	if len(r) <= n {
		return s
	}
	return string(r[:n]) + "..."
}

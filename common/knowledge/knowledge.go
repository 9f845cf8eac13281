// Package knowledge answers "what should this agent know before it
// starts" from accumulated heuristics and recorded failures, and closes
// the loop by validating or violating heuristics from node outcomes.
package knowledge

import (
	"context"
	"time"

	"github.com/anthive/orchestrator/common/faults"
)

// Domain partitions knowledge by discipline.
type Domain string

const (
	DomainCode     Domain = "code"
	DomainResearch Domain = "research"
	DomainOps      Domain = "ops"
	DomainData     Domain = "data"
	DomainGeneral  Domain = "general"
)

// Domains lists every accepted domain.
func Domains() []Domain {
	return []Domain{DomainCode, DomainResearch, DomainOps, DomainData, DomainGeneral}
}

// ParseDomain validates an inbound domain string. Empty means general.
func ParseDomain(s string) (Domain, error) {
	if s == "" {
		return DomainGeneral, nil
	}
	d := Domain(s)
	switch d {
	case DomainCode, DomainResearch, DomainOps, DomainData, DomainGeneral:
		return d, nil
	}
	return "", faults.Validation("unknown domain %q", s)
}

// Heuristic is a learned rule with a confidence that moves with
// outcomes. Golden heuristics are always surfaced.
type Heuristic struct {
	ID             string    `json:"id"`
	TenantID       string    `json:"tenant_id"`
	Domain         Domain    `json:"domain"`
	Content        string    `json:"content"`
	Confidence     float64   `json:"confidence"`
	ValidatedCount int       `json:"validated_count"`
	ViolatedCount  int       `json:"violated_count"`
	Golden         bool      `json:"golden"`
	CreatedAt      time.Time `json:"created_at"`
	UpdatedAt      time.Time `json:"updated_at"`
}

// Failure is a recorded task failure used for similar-failure warnings.
type Failure struct {
	ID        string    `json:"id"`
	TenantID  string    `json:"tenant_id"`
	Title     string    `json:"title"`
	Summary   string    `json:"summary"`
	Domain    Domain    `json:"domain"`
	Tags      []string  `json:"tags,omitempty"`
	CreatedAt time.Time `json:"created_at"`
}

// Logger interface for logging
type Logger interface {
	Info(msg string, keysAndValues ...interface{})
	Error(msg string, keysAndValues ...interface{})
	Warn(msg string, keysAndValues ...interface{})
	Debug(msg string, keysAndValues ...interface{})
}

// Store persists heuristics and failures per tenant.
type Store interface {
	// GoldenRules returns the tenant's golden heuristics, strongest first.
	GoldenRules(ctx context.Context, tenantID string) ([]Heuristic, error)
	// Heuristics returns non-golden heuristics ordered by confidence,
	// then validation count.
	Heuristics(ctx context.Context, tenantID string, limit int) ([]Heuristic, error)
	// InsertHeuristic stores a new heuristic.
	InsertHeuristic(ctx context.Context, h *Heuristic) error
	// RecentFailures returns failures recorded since the cutoff, newest
	// first.
	RecentFailures(ctx context.Context, tenantID string, since time.Time, limit int) ([]Failure, error)
	// InsertFailure stores a failure record.
	InsertFailure(ctx context.Context, f *Failure) error
	// MarkValidated bumps validation counts and confidence for the given
	// heuristics and promotes any that cross the golden bar.
	MarkValidated(ctx context.Context, tenantID string, ids []string) error
	// MarkViolated bumps violation counts and drops confidence.
	MarkViolated(ctx context.Context, tenantID string, ids []string) error
}

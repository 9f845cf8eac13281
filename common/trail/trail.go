package trail

import (
	"context"
	"math"
	"sort"
	"time"

	"github.com/anthive/orchestrator/common/faults"
)

// Scent categorizes a trail.
type Scent string

const (
	ScentDiscovery Scent = "discovery"
	ScentWarning   Scent = "warning"
	ScentBlocker   Scent = "blocker"
	ScentHot       Scent = "hot"
	ScentCold      Scent = "cold"
)

// LocationKind says what the trail's location names.
type LocationKind string

const (
	LocationFile     LocationKind = "file"
	LocationFunction LocationKind = "function"
	LocationClass    LocationKind = "class"
	LocationConcept  LocationKind = "concept"
	LocationTag      LocationKind = "tag"
)

// DefaultHalfLife is the read-time decay half-life.
const DefaultHalfLife = 7 * 24 * time.Hour

// Trail is one append-only ledger record. Strength is stored raw;
// readers apply decay.
type Trail struct {
	ID           string       `json:"id"`
	TenantID     string       `json:"tenant_id"`
	RunID        string       `json:"run_id,omitempty"`
	Location     string       `json:"location"`
	LocationKind LocationKind `json:"location_kind"`
	Scent        Scent        `json:"scent"`
	Strength     float64      `json:"strength"`
	AgentID      string       `json:"agent_id,omitempty"`
	NodeID       string       `json:"node_id,omitempty"`
	Message      string       `json:"message,omitempty"`
	Tags         []string     `json:"tags,omitempty"`
	CreatedAt    time.Time    `json:"created_at"`
	ExpiresAt    *time.Time   `json:"expires_at,omitempty"`
}

// Logger interface for logging
type Logger interface {
	Info(msg string, keysAndValues ...interface{})
	Error(msg string, keysAndValues ...interface{})
	Warn(msg string, keysAndValues ...interface{})
	Debug(msg string, keysAndValues ...interface{})
}

// Query selects trails for a tenant. Zero values mean "any".
type Query struct {
	Location string
	Scent    Scent
	Since    time.Time
	Limit    int
}

// Store persists trails. Queries filter trails past expires_at; deleting
// them is a separate compaction pass.
type Store interface {
	// Insert writes a batch atomically.
	Insert(ctx context.Context, trails []Trail) error
	// Query returns a tenant's live trails matching q, newest first.
	Query(ctx context.Context, tenantID string, q Query) ([]Trail, error)
	// DeleteExpired drops trails whose expires_at has passed.
	DeleteExpired(ctx context.Context, now time.Time) (int64, error)
}

func validScent(s Scent) bool {
	switch s {
	case ScentDiscovery, ScentWarning, ScentBlocker, ScentHot, ScentCold:
		return true
	}
	return false
}

func validLocationKind(k LocationKind) bool {
	switch k {
	case LocationFile, LocationFunction, LocationClass, LocationConcept, LocationTag:
		return true
	}
	return false
}

// check validates a trail before it enters the buffer
func (t *Trail) check() error {
	if t.TenantID == "" {
		return faults.Validation("trail is missing a tenant")
	}
	if t.Location == "" {
		return faults.Validation("trail is missing a location")
	}
	if !validLocationKind(t.LocationKind) {
		return faults.Validation("unknown location kind %q", t.LocationKind)
	}
	if !validScent(t.Scent) {
		return faults.Validation("unknown scent %q", t.Scent)
	}
	if t.Strength < 0 || t.Strength > 1 {
		return faults.Validation("strength %v is outside [0,1]", t.Strength)
	}
	return nil
}

// Effective computes a trail's read-time strength: raw strength decayed
// by an exponential half-life over its age.
func Effective(t Trail, now time.Time, halfLife time.Duration) float64 {
	if halfLife <= 0 {
		halfLife = DefaultHalfLife
	}
	age := now.Sub(t.CreatedAt)
	if age <= 0 {
		return t.Strength
	}
	return t.Strength * math.Pow(0.5, float64(age)/float64(halfLife))
}

// Scored pairs a trail with its decayed strength.
type Scored struct {
	Trail
	Effective float64 `json:"effective"`
}

// Score decays a batch and orders it strongest first
func Score(trails []Trail, now time.Time, halfLife time.Duration) []Scored {
	out := make([]Scored, 0, len(trails))
	for _, t := range trails {
		out = append(out, Scored{Trail: t, Effective: Effective(t, now, halfLife)})
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].Effective > out[j].Effective })
	return out
}

// HotSpot is a location with its summed decayed strength.
type HotSpot struct {
	Location string  `json:"location"`
	Strength float64 `json:"strength"`
	Trails   int     `json:"trails"`
}

// AggregateHotSpots groups trails by location, sums decayed strengths,
// and returns the top n locations.
func AggregateHotSpots(trails []Trail, now time.Time, halfLife time.Duration, n int) []HotSpot {
	byLoc := map[string]*HotSpot{}
	for _, t := range trails {
		h, ok := byLoc[t.Location]
		if !ok {
			h = &HotSpot{Location: t.Location}
			byLoc[t.Location] = h
		}
		h.Strength += Effective(t, now, halfLife)
		h.Trails++
	}

	out := make([]HotSpot, 0, len(byLoc))
	for _, h := range byLoc {
		out = append(out, *h)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Strength != out[j].Strength {
			return out[i].Strength > out[j].Strength
		}
		return out[i].Location < out[j].Location
	})
	if n > 0 && len(out) > n {
		out = out[:n]
	}
	return out
}

// Package plans holds the static subscription plan table. The table is loaded
// once at start-up and passed to constructors; nothing mutates it afterwards.
package plans

import (
	"errors"
	"fmt"
	"os"
	"sort"
	"strings"

	"github.com/kiranshivaraju/tenantlytics/pkg/models"
	"gopkg.in/yaml.v3"
)

// ErrPlanLimitExceeded is returned when a request asks for more than the
// tenant's plan allows (a schedule frequency, or a schedule count).
var ErrPlanLimitExceeded = errors.New("plan limit exceeded")

// Feature names referenced by the orchestrator.
const (
	FeatureScheduling   = "Scheduling"
	FeatureAnalytics    = "Analytics"
	FeatureAgentQueries = "Agent Queries"
)

// Feature is a named capability with an optional monthly cap. A nil or zero
// Limit means unlimited.
type Feature struct {
	Name               string             `yaml:"name"                json:"name"`
	Description        string             `yaml:"description"         json:"description,omitempty"`
	Limit              *int               `yaml:"limit"               json:"limit,omitempty"`
	AllowedFrequencies []models.Frequency `yaml:"allowed_frequencies" json:"allowed_frequencies,omitempty"`
}

// Unlimited reports whether the feature carries no cap.
func (f Feature) Unlimited() bool {
	return f.Limit == nil || *f.Limit <= 0
}

// Plan is one subscription tier. Lower Rank is more restrictive.
type Plan struct {
	ID       string    `yaml:"id"       json:"id"`
	Name     string    `yaml:"name"     json:"name"`
	Rank     int       `yaml:"rank"     json:"rank"`
	Features []Feature `yaml:"features" json:"features"`
}

// Feature returns the named feature, if the plan has it.
func (p Plan) Feature(name string) (Feature, bool) {
	for _, f := range p.Features {
		if f.Name == name {
			return f, true
		}
	}
	return Feature{}, false
}

// AllowedFrequencies returns the schedule frequencies the plan permits.
// Plans whose Scheduling feature lists none get weekly only.
func (p Plan) AllowedFrequencies() []models.Frequency {
	f, ok := p.Feature(FeatureScheduling)
	if !ok || len(f.AllowedFrequencies) == 0 {
		return []models.Frequency{models.FrequencyWeekly}
	}
	return f.AllowedFrequencies
}

// Allows reports whether freq is permitted by the plan.
func (p Plan) Allows(freq models.Frequency) bool {
	for _, f := range p.AllowedFrequencies() {
		if f == freq {
			return true
		}
	}
	return false
}

// Table is an ordered, read-only set of plans keyed by lowercase id.
type Table struct {
	plans []Plan
	byID  map[string]Plan
}

// NewTable validates plans and builds a Table ordered by rank.
func NewTable(plans []Plan) (*Table, error) {
	if len(plans) == 0 {
		return nil, fmt.Errorf("plan table is empty")
	}

	t := &Table{byID: make(map[string]Plan, len(plans))}
	for _, p := range plans {
		id := strings.ToLower(strings.TrimSpace(p.ID))
		if id == "" {
			return nil, fmt.Errorf("plan %q: id is required", p.Name)
		}
		if _, dup := t.byID[id]; dup {
			return nil, fmt.Errorf("plan %q: duplicate id", id)
		}
		for _, f := range p.Features {
			for _, freq := range f.AllowedFrequencies {
				if !freq.Valid() {
					return nil, fmt.Errorf("plan %q feature %q: unknown frequency %q", id, f.Name, freq)
				}
			}
		}
		p.ID = id
		t.byID[id] = p
		t.plans = append(t.plans, p)
	}

	sort.SliceStable(t.plans, func(i, j int) bool { return t.plans[i].Rank < t.plans[j].Rank })
	return t, nil
}

// Lookup returns the plan with the given id. Ids are matched case-insensitively.
func (t *Table) Lookup(id string) (Plan, bool) {
	p, ok := t.byID[strings.ToLower(strings.TrimSpace(id))]
	return p, ok
}

// MostRestrictive returns the lowest-ranked plan.
func (t *Table) MostRestrictive() Plan {
	return t.plans[0]
}

// Resolve returns the plan with the given id, or the most restrictive plan
// when the id is unknown.
func (t *Table) Resolve(id string) Plan {
	if p, ok := t.Lookup(id); ok {
		return p
	}
	return t.MostRestrictive()
}

// AtLeast reports whether plan id is ranked at or above the required plan.
// Unknown ids never satisfy the check.
func (t *Table) AtLeast(id, required string) bool {
	have, ok := t.Lookup(id)
	if !ok {
		return false
	}
	want, ok := t.Lookup(required)
	if !ok {
		return false
	}
	return have.Rank >= want.Rank
}

// Plans returns the plans ordered by rank.
func (t *Table) Plans() []Plan {
	out := make([]Plan, len(t.plans))
	copy(out, t.plans)
	return out
}

type tableFile struct {
	Plans []Plan `yaml:"plans"`
}

// Load reads a YAML plan table from path.
func Load(path string) (*Table, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read plan file: %w", err)
	}
	return Parse(raw)
}

// Parse decodes a YAML plan table.
func Parse(raw []byte) (*Table, error) {
	var f tableFile
	if err := yaml.Unmarshal(raw, &f); err != nil {
		return nil, fmt.Errorf("decode plan file: %w", err)
	}
	return NewTable(f.Plans)
}

func limit(n int) *int { return &n }

// Default returns the built-in free/pro/enterprise table.
func Default() *Table {
	t, err := NewTable([]Plan{
		{
			ID: "free", Name: "Free", Rank: 0,
			Features: []Feature{
				{Name: FeatureAgentQueries, Description: "Monthly queries to the agent", Limit: limit(15)},
				{Name: FeatureScheduling, Description: "Number of scheduled reports", Limit: limit(2),
					AllowedFrequencies: []models.Frequency{models.FrequencyWeekly}},
				{Name: FeatureAnalytics, Description: "Basic analytics dashboard", Limit: limit(50)},
			},
		},
		{
			ID: "pro", Name: "Pro", Rank: 1,
			Features: []Feature{
				{Name: FeatureAgentQueries, Description: "Monthly queries to the agent", Limit: limit(500)},
				{Name: FeatureScheduling, Description: "Number of scheduled reports", Limit: limit(20),
					AllowedFrequencies: []models.Frequency{models.FrequencyDaily, models.FrequencyWeekly}},
				{Name: FeatureAnalytics, Description: "Advanced analytics dashboard", Limit: limit(1000)},
				{Name: "Priority Support", Description: "Faster support response"},
			},
		},
		{
			ID: "enterprise", Name: "Enterprise", Rank: 2,
			Features: []Feature{
				{Name: FeatureAgentQueries, Description: "Monthly queries to the agent", Limit: limit(5000)},
				{Name: FeatureScheduling, Description: "Number of scheduled reports", Limit: limit(100),
					AllowedFrequencies: models.AllFrequencies},
				{Name: FeatureAnalytics, Description: "Full analytics suite"},
				{Name: "Priority Support", Description: "24/7 support"},
				{Name: "Custom Integrations", Description: "Integrate with your stack"},
			},
		},
	})
	if err != nil {
		panic(fmt.Sprintf("built-in plan table is invalid: %v", err))
	}
	return t
}

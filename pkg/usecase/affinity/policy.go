package affinity

import (
	"context"
	_ "embed"
	"encoding/json"
	"os"
	"path/filepath"
	"slices"
	"strings"

	"github.com/m-mizutani/goerr/v2"
	"github.com/m-mizutani/tavern/pkg/model"
	"github.com/open-policy-agent/opa/v1/rego"
)

const policyQuery = "data.tavern.affinity.decision"

//go:embed policy/affinity.rego
var defaultPolicy string

// Points is one scored category of the analysis guide
type Points struct {
	Name   string
	Points int
}

// Rules is the scoring guide for one relationship level
type Rules struct {
	Content  map[string]int `json:"content"`
	Tone     map[string]int `json:"tone"`
	MinDelta int            `json:"min_delta"`
	MaxDelta int            `json:"max_delta"`
}

// Clamp bounds delta into [MinDelta, MaxDelta]
func (r *Rules) Clamp(delta int) int {
	return max(r.MinDelta, min(r.MaxDelta, delta))
}

// ContentPoints returns the content table sorted by points descending, then name
func (r *Rules) ContentPoints() []Points {
	return sortedPoints(r.Content)
}

// TonePoints returns the tone table sorted by points descending, then name
func (r *Rules) TonePoints() []Points {
	return sortedPoints(r.Tone)
}

func sortedPoints(table map[string]int) []Points {
	points := make([]Points, 0, len(table))
	for name, p := range table {
		points = append(points, Points{Name: name, Points: p})
	}
	slices.SortFunc(points, func(a, b Points) int {
		if a.Points != b.Points {
			return b.Points - a.Points
		}
		return strings.Compare(a.Name, b.Name)
	})
	return points
}

// Policy evaluates the scoring policy written in Rego
type Policy struct {
	query *rego.PreparedEvalQuery
}

// NewPolicy prepares the embedded default policy
func NewPolicy(ctx context.Context) (*Policy, error) {
	return preparePolicy(ctx, []func(*rego.Rego){rego.Module("affinity.rego", defaultPolicy)})
}

// LoadPolicy prepares every .rego file of policyDir. An empty directory
// falls back to the embedded default.
func LoadPolicy(ctx context.Context, policyDir string) (*Policy, error) {
	files, err := filepath.Glob(filepath.Join(policyDir, "*.rego"))
	if err != nil {
		return nil, goerr.Wrap(err, "failed to glob policy files", goerr.V("dir", policyDir))
	}
	if len(files) == 0 {
		return NewPolicy(ctx)
	}

	modules := make([]func(*rego.Rego), 0, len(files))
	for _, file := range files {
		data, err := os.ReadFile(file)
		if err != nil {
			return nil, goerr.Wrap(err, "failed to read policy file", goerr.V("path", file))
		}
		modules = append(modules, rego.Module(file, string(data)))
	}
	return preparePolicy(ctx, modules)
}

func preparePolicy(ctx context.Context, modules []func(*rego.Rego)) (*Policy, error) {
	options := make([]func(*rego.Rego), 0, len(modules)+1)
	options = append(options, rego.Query(policyQuery))
	options = append(options, modules...)

	prepared, err := rego.New(options...).PrepareForEval(ctx)
	if err != nil {
		return nil, goerr.Wrap(err, "failed to prepare affinity policy", goerr.V("query", policyQuery))
	}
	return &Policy{query: &prepared}, nil
}

// Rules evaluates the policy for the given level
func (p *Policy) Rules(ctx context.Context, level model.AffinityLevel) (*Rules, error) {
	rs, err := p.query.Eval(ctx, rego.EvalInput(map[string]any{"level": string(level)}))
	if err != nil {
		return nil, goerr.Wrap(err, "failed to evaluate affinity policy", goerr.V("level", level))
	}
	if len(rs) == 0 || len(rs[0].Expressions) == 0 {
		return nil, goerr.New("affinity policy has no decision for level", goerr.V("level", level))
	}

	// Round trip through JSON to decode json.Number values
	raw, err := json.Marshal(rs[0].Expressions[0].Value)
	if err != nil {
		return nil, goerr.Wrap(err, "failed to marshal policy decision")
	}
	var rules Rules
	if err := json.Unmarshal(raw, &rules); err != nil {
		return nil, goerr.Wrap(err, "invalid policy decision", goerr.V("decision", string(raw)))
	}
	if rules.MinDelta > rules.MaxDelta {
		return nil, goerr.New("policy bounds are inverted",
			goerr.V("min", rules.MinDelta), goerr.V("max", rules.MaxDelta))
	}

	return &rules, nil
}

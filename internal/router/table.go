package router

import (
	"context"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/eduzayn/Educhat-Versao-Final-sub001/internal/cache"
	"github.com/eduzayn/Educhat-Versao-Final-sub001/pkg/models"
	"github.com/expr-lang/expr"
	"github.com/expr-lang/expr/vm"
	"gopkg.in/yaml.v3"
)

// Default routing thresholds.
const (
	DefaultOverloadThreshold = 0.8
	DefaultFallbackPenalty   = 0.7
	DefaultLowUtilization    = 0.5
	DefaultMediumUtilization = 0.8
)

// Rule routes to TeamType when its When expression holds. Expressions see
// intent, urgency, frustration, confidence, suggested_team, channel and tags.
//
//	- name: angry-customers
//	  when: frustration >= 8 && intent != "sales_interest"
//	  team_type: support
type Rule struct {
	Name     string          `yaml:"name"`
	When     string          `yaml:"when"`
	TeamType models.TeamType `yaml:"team_type"`

	program *vm.Program
}

// Table is the single, versioned intent→team configuration owned by the
// router. All intent mappings and routing thresholds live here.
type Table struct {
	Version           string                     `yaml:"version"`
	FallbackTeamType  models.TeamType            `yaml:"fallback_team_type"`
	OverloadThreshold float64                    `yaml:"overload_threshold"`
	FallbackPenalty   float64                    `yaml:"fallback_penalty"`
	LowUtilization    float64                    `yaml:"low_utilization"`
	MediumUtilization float64                    `yaml:"medium_utilization"`
	Intents           map[string]models.TeamType `yaml:"intents"`
	Rules             []Rule                     `yaml:"rules"`
}

// ruleEnv is the variable set visible to rule expressions.
type ruleEnv struct {
	Intent        string   `expr:"intent"`
	Urgency       string   `expr:"urgency"`
	Frustration   int      `expr:"frustration"`
	Confidence    float64  `expr:"confidence"`
	SuggestedTeam string   `expr:"suggested_team"`
	Channel       string   `expr:"channel"`
	Tags          []string `expr:"tags"`
}

// DefaultTable returns the built-in table.
func DefaultTable() *Table {
	t := &Table{
		Version:          "builtin-1",
		FallbackTeamType: models.TeamTypeSupport,
		Intents: map[string]models.TeamType{
			"billing_inquiry":     models.TeamTypeFinance,
			"payment_issue":       models.TeamTypeFinance,
			"refund_request":      models.TeamTypeFinance,
			"invoice_request":     models.TeamTypeFinance,
			"technical_support":   models.TeamTypeSupport,
			"login_problem":       models.TeamTypeSupport,
			"platform_access":     models.TeamTypeSupport,
			"complaint":           models.TeamTypeSupport,
			"sales_interest":      models.TeamTypeCommercial,
			"course_information":  models.TeamTypeCommercial,
			"enrollment_interest": models.TeamTypeCommercial,
			"pricing_question":    models.TeamTypeCommercial,
			"schedule_request":    models.TeamTypeRegistrar,
			"document_request":    models.TeamTypeRegistrar,
			"certificate_request": models.TeamTypeRegistrar,
			"academic_support":    models.TeamTypeTutoring,
			"assignment_help":     models.TeamTypeTutoring,
			"general_question":    models.TeamTypeGeneral,
		},
	}
	if err := t.Compile(); err != nil {
		panic(err)
	}
	return t
}

// ParseTable decodes a YAML table, fills defaults and compiles its rules.
func ParseTable(data []byte) (*Table, error) {
	var t Table
	if err := yaml.Unmarshal(data, &t); err != nil {
		return nil, fmt.Errorf("parse routing table: %w", err)
	}
	if err := t.Compile(); err != nil {
		return nil, err
	}
	return &t, nil
}

// Compile validates the table, applies defaults and compiles rule expressions.
func (t *Table) Compile() error {
	if t.Version == "" {
		return fmt.Errorf("routing table: version is required")
	}
	if t.FallbackTeamType == "" {
		t.FallbackTeamType = models.TeamTypeSupport
	}
	if t.OverloadThreshold <= 0 {
		t.OverloadThreshold = DefaultOverloadThreshold
	}
	if t.FallbackPenalty <= 0 || t.FallbackPenalty > 1 {
		t.FallbackPenalty = DefaultFallbackPenalty
	}
	if t.LowUtilization <= 0 {
		t.LowUtilization = DefaultLowUtilization
	}
	if t.MediumUtilization <= 0 {
		t.MediumUtilization = DefaultMediumUtilization
	}
	if t.LowUtilization > t.MediumUtilization {
		return fmt.Errorf("routing table %s: low_utilization %.2f above medium_utilization %.2f",
			t.Version, t.LowUtilization, t.MediumUtilization)
	}
	if t.Intents == nil {
		t.Intents = map[string]models.TeamType{}
	}
	for i := range t.Rules {
		r := &t.Rules[i]
		if r.TeamType == "" {
			return fmt.Errorf("routing rule %q: team_type is required", r.Name)
		}
		prog, err := expr.Compile(r.When, expr.Env(ruleEnv{}), expr.AsBool())
		if err != nil {
			return fmt.Errorf("routing rule %q: %w", r.Name, err)
		}
		r.program = prog
	}
	return nil
}

// preferred resolves the preferred team type. Precedence: first matching
// rule, then a suggestedTeam hint naming a team type or team, then the intent
// table, then the fallback type. The second result describes the source.
func (t *Table) preferred(cls *models.Classification, rc Context, teams []models.TeamCapacity) (models.TeamType, string) {
	env := ruleEnv{
		Intent:        cls.Intent,
		Urgency:       string(cls.Urgency),
		Frustration:   cls.FrustrationLevel,
		Confidence:    cls.Confidence,
		SuggestedTeam: cls.SuggestedTeam,
		Channel:       rc.Channel,
		Tags:          rc.Tags,
	}
	for _, r := range t.Rules {
		out, err := expr.Run(r.program, env)
		if err != nil {
			continue
		}
		if ok, _ := out.(bool); ok {
			return r.TeamType, "rule " + r.Name
		}
	}

	if hint := strings.TrimSpace(cls.SuggestedTeam); hint != "" {
		for _, tc := range teams {
			if strings.EqualFold(string(tc.TeamType), hint) {
				return tc.TeamType, "suggested team type"
			}
		}
		for _, tc := range teams {
			if strings.EqualFold(tc.TeamName, hint) {
				return tc.TeamType, "suggested team " + tc.TeamName
			}
		}
	}

	if tt, ok := t.Intents[cls.Intent]; ok {
		return tt, "intent " + cls.Intent
	}
	return t.FallbackTeamType, "fallback for intent " + cls.Intent
}

// ── Sources ─────────────────────────────────────────────────

// TableSource provides the current routing table.
type TableSource interface {
	Table(ctx context.Context) (*Table, error)
}

// StaticSource always returns the same table.
type StaticSource struct {
	T *Table
}

func (s StaticSource) Table(context.Context) (*Table, error) { return s.T, nil }

// FileSource reads a YAML table from disk, re-reading at most once per ttl.
// A broken edit keeps the last good table in service.
type FileSource struct {
	path  string
	cache *cache.TTL[*Table]
}

// NewFileSource creates a FileSource. now may be nil.
func NewFileSource(path string, ttl time.Duration, now func() time.Time) *FileSource {
	fs := &FileSource{path: path}
	fs.cache = cache.NewTTL("routing-table", ttl, now, fs.load)
	return fs
}

func (fs *FileSource) Table(ctx context.Context) (*Table, error) {
	return fs.cache.Get(ctx)
}

func (fs *FileSource) load(context.Context) (*Table, error) {
	data, err := os.ReadFile(fs.path)
	if err != nil {
		return nil, fmt.Errorf("read routing table: %w", err)
	}
	return ParseTable(data)
}

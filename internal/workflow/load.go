package workflow

import (
	"fmt"
	"os"
	"regexp"
	"strings"

	"github.com/gobwas/glob"
	"github.com/robfig/cron/v3"
	"gopkg.in/yaml.v3"

	"github.com/lei/flowci/internal/cierr"
	"github.com/lei/flowci/internal/models"
)

// DefaultConcurrencyGroup is used when a definition declares concurrency
// without an explicit group template
const DefaultConcurrencyGroup = "${{ github.repository }}-${{ github.ref }}-${{ github.head_ref }}"

// contextRef matches ${{ ... }} expression references
var contextRef = regexp.MustCompile(`\$\{\{\s*([a-zA-Z_][a-zA-Z0-9_.-]*)\s*\}\}`)

// Load reads and validates a workflow definition file
func Load(path string) (*Definition, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read workflow file: %w", err)
	}
	def, err := Parse(data)
	if err != nil {
		return nil, fmt.Errorf("workflow %s: %w", path, err)
	}
	return def, nil
}

// Parse parses and validates a workflow definition document
func Parse(data []byte) (*Definition, error) {
	var def Definition
	if err := yaml.Unmarshal(data, &def); err != nil {
		return nil, cierr.Configf("parse workflow: %v", err)
	}
	if err := def.Validate(); err != nil {
		return nil, err
	}
	return &def, nil
}

// Marshal re-serializes the definition, preserving trigger set, job
// declaration order and step order
func (d *Definition) Marshal() ([]byte, error) {
	return yaml.Marshal(d)
}

// Validate checks the definition for load-time configuration errors.
// Malformed cron expressions and branch patterns fail here, never at
// match time.
func (d *Definition) Validate() error {
	if d.Name == "" {
		return cierr.Configf("workflow name is required")
	}
	if d.On.Empty() {
		return cierr.Configf("workflow %q declares no triggers", d.Name)
	}
	if err := validateBranchFilter(d.On.Push); err != nil {
		return fmt.Errorf("on.push: %w", err)
	}
	if err := validateBranchFilter(d.On.PullRequest); err != nil {
		return fmt.Errorf("on.pull_request: %w", err)
	}
	for i, s := range d.On.Schedule {
		if _, err := cron.ParseStandard(s.Cron); err != nil {
			return cierr.Configf("on.schedule[%d]: invalid cron %q: %v", i, s.Cron, err)
		}
	}
	if d.Concurrency != nil {
		if err := validateGroupTemplate(d.Concurrency.Group); err != nil {
			return err
		}
	}
	if len(d.Jobs) == 0 {
		return cierr.Configf("workflow %q declares no jobs", d.Name)
	}
	for i := range d.Jobs {
		if err := d.Jobs[i].validate(); err != nil {
			return fmt.Errorf("job %q: %w", d.Jobs[i].Name, err)
		}
	}
	return nil
}

func validateBranchFilter(f *BranchFilter) error {
	if f == nil {
		return nil
	}
	for _, p := range f.Branches {
		if _, err := glob.Compile(p); err != nil {
			return cierr.Configf("invalid branch pattern %q: %v", p, err)
		}
	}
	return nil
}

func validateGroupTemplate(tpl string) error {
	if tpl == "" {
		return nil
	}
	for _, m := range contextRef.FindAllStringSubmatch(tpl, -1) {
		switch m[1] {
		case "github.repository", "github.ref", "github.head_ref":
		default:
			return cierr.Configf("concurrency group references unknown context %q", m[1])
		}
	}
	return nil
}

func (j *Job) validate() error {
	if j.RunsOn == "" {
		return cierr.Configf("runs-on is required")
	}
	if len(j.Steps) == 0 {
		return cierr.Configf("job declares no steps")
	}
	if m := j.Matrix(); m != nil {
		for _, ax := range m.Axes {
			if ax.Name == "" {
				return cierr.Configf("matrix axis with empty name")
			}
			if len(ax.Values) == 0 {
				return cierr.Configf("matrix axis %q has no values", ax.Name)
			}
		}
	}
	for i, s := range j.Steps {
		if s.Run == "" && s.Uses == "" {
			return cierr.Configf("step %d declares neither run nor uses", i)
		}
		if s.Run != "" && s.Uses != "" {
			return cierr.Configf("step %d declares both run and uses", i)
		}
		if _, err := ParseCondition(s.If); err != nil {
			return cierr.Configf("step %d: %v", i, err)
		}
	}
	return nil
}

// ParseCondition maps a step's if expression to a condition policy.
// The engine default (empty if) runs the step unless the instance was
// cancelled; only explicit success() restricts to all-priors-succeeded.
func ParseCondition(expr string) (models.Condition, error) {
	switch strings.TrimSpace(expr) {
	case "", "always()":
		return models.ConditionAlways, nil
	case "success()":
		return models.ConditionPriorSuccess, nil
	default:
		return "", fmt.Errorf("unsupported if expression %q", expr)
	}
}

// GroupKey renders the definition's concurrency group key for an event.
// An empty head-ref placeholder renders to an empty segment for non-PR
// events, as the platform does.
func (d *Definition) GroupKey(ev models.Event) string {
	if d.Concurrency == nil {
		return ""
	}
	tpl := d.Concurrency.Group
	if tpl == "" {
		tpl = DefaultConcurrencyGroup
	}
	return RenderGroupKey(tpl, ev)
}

// RenderGroupKey substitutes the supported github context references in a
// concurrency group template
func RenderGroupKey(tpl string, ev models.Event) string {
	return contextRef.ReplaceAllStringFunc(tpl, func(ref string) string {
		m := contextRef.FindStringSubmatch(ref)
		switch m[1] {
		case "github.repository":
			return ev.Repository
		case "github.ref":
			return ev.Ref
		case "github.head_ref":
			return ev.HeadRef
		}
		return ref
	})
}

// Package workflow defines the workflow definition format: a mapping-based
// document with top-level name, on, concurrency and jobs keys. Unknown keys
// are ignored; missing required keys are load-time errors.
package workflow

import (
	"fmt"

	"gopkg.in/yaml.v3"
)

// Definition is an immutable workflow definition
type Definition struct {
	Name        string       `yaml:"name"`
	On          Triggers     `yaml:"on"`
	Concurrency *Concurrency `yaml:"concurrency,omitempty"`
	Jobs        JobList      `yaml:"jobs"`
}

// Triggers is the set of conditions under which a run starts
type Triggers struct {
	Push        *BranchFilter `yaml:"push,omitempty"`
	PullRequest *BranchFilter `yaml:"pull_request,omitempty"`
	Schedule    []Schedule    `yaml:"schedule,omitempty"`
}

// Empty reports whether no trigger is declared
func (t Triggers) Empty() bool {
	return t.Push == nil && t.PullRequest == nil && len(t.Schedule) == 0
}

// BranchFilter restricts push/pull_request triggers to matching branches.
// Patterns are exact names or globs; an empty list matches every branch.
type BranchFilter struct {
	Branches []string `yaml:"branches,omitempty"`
}

// Schedule is a cron-based trigger, evaluated in UTC
type Schedule struct {
	Cron string `yaml:"cron"`
}

// Concurrency declares the run's concurrency group
type Concurrency struct {
	Group            string `yaml:"group"`
	CancelInProgress bool   `yaml:"cancel-in-progress"`
}

// Job is a job template: a runner selector, an optional matrix strategy
// and an ordered sequence of step templates
type Job struct {
	Name           string         `yaml:"-"`
	RunsOn         string         `yaml:"runs-on"`
	Strategy       *Strategy      `yaml:"strategy,omitempty"`
	TimeoutMinutes int            `yaml:"timeout-minutes,omitempty"`
	Steps          []StepTemplate `yaml:"steps"`
}

// FailFast reports the job's fail-fast policy. The engine default is false:
// sibling instances run to completion regardless of individual failures.
func (j *Job) FailFast() bool {
	return j.Strategy != nil && j.Strategy.FailFast != nil && *j.Strategy.FailFast
}

// Matrix returns the job's matrix, or nil
func (j *Job) Matrix() *Matrix {
	if j.Strategy == nil {
		return nil
	}
	return j.Strategy.Matrix
}

// Strategy holds matrix expansion settings
type Strategy struct {
	FailFast *bool   `yaml:"fail-fast,omitempty"`
	Matrix   *Matrix `yaml:"matrix,omitempty"`
}

// StepTemplate is one step of a job template, before matrix substitution
type StepTemplate struct {
	Name            string            `yaml:"name,omitempty"`
	Run             string            `yaml:"run,omitempty"`
	Uses            string            `yaml:"uses,omitempty"`
	With            map[string]string `yaml:"with,omitempty"`
	If              string            `yaml:"if,omitempty"`
	Shell           string            `yaml:"shell,omitempty"`
	Env             map[string]string `yaml:"env,omitempty"`
	ContinueOnError bool              `yaml:"continue-on-error,omitempty"`
	TimeoutMinutes  int               `yaml:"timeout-minutes,omitempty"`
}

// JobList preserves job declaration order, which yaml mappings lose
type JobList []Job

// UnmarshalYAML decodes the jobs mapping keeping declaration order
func (l *JobList) UnmarshalYAML(value *yaml.Node) error {
	if value.Kind != yaml.MappingNode {
		return fmt.Errorf("jobs must be a mapping, got %s", nodeKind(value))
	}
	jobs := make(JobList, 0, len(value.Content)/2)
	for i := 0; i+1 < len(value.Content); i += 2 {
		var j Job
		if err := value.Content[i+1].Decode(&j); err != nil {
			return fmt.Errorf("job %q: %w", value.Content[i].Value, err)
		}
		j.Name = value.Content[i].Value
		jobs = append(jobs, j)
	}
	*l = jobs
	return nil
}

// MarshalYAML re-serializes the jobs mapping in declaration order
func (l JobList) MarshalYAML() (interface{}, error) {
	node := &yaml.Node{Kind: yaml.MappingNode}
	for _, j := range l {
		var val yaml.Node
		if err := val.Encode(j); err != nil {
			return nil, fmt.Errorf("job %q: %w", j.Name, err)
		}
		key := &yaml.Node{Kind: yaml.ScalarNode, Value: j.Name}
		node.Content = append(node.Content, key, &val)
	}
	return node, nil
}

// Get returns the named job, or nil
func (l JobList) Get(name string) *Job {
	for i := range l {
		if l[i].Name == name {
			return &l[i]
		}
	}
	return nil
}

// Matrix is an ordered set of axes; the cross product of all axis value
// sequences yields the job instances. Axis declaration order is the
// most-significant-to-least-significant enumeration order.
type Matrix struct {
	Axes []Axis
}

// Axis is one matrix dimension
type Axis struct {
	Name   string
	Values []string
}

// UnmarshalYAML decodes a matrix mapping keeping axis declaration order.
// Scalar values keep their source text, so "3.10" never collapses to 3.1.
func (m *Matrix) UnmarshalYAML(value *yaml.Node) error {
	if value.Kind != yaml.MappingNode {
		return fmt.Errorf("matrix must be a mapping, got %s", nodeKind(value))
	}
	axes := make([]Axis, 0, len(value.Content)/2)
	for i := 0; i+1 < len(value.Content); i += 2 {
		name := value.Content[i].Value
		seq := value.Content[i+1]
		if seq.Kind != yaml.SequenceNode {
			return fmt.Errorf("matrix axis %q must be a sequence, got %s", name, nodeKind(seq))
		}
		ax := Axis{Name: name, Values: make([]string, 0, len(seq.Content))}
		for _, v := range seq.Content {
			if v.Kind != yaml.ScalarNode {
				return fmt.Errorf("matrix axis %q: values must be scalars", name)
			}
			ax.Values = append(ax.Values, v.Value)
		}
		axes = append(axes, ax)
	}
	m.Axes = axes
	return nil
}

// MarshalYAML re-serializes the matrix in axis declaration order
func (m Matrix) MarshalYAML() (interface{}, error) {
	node := &yaml.Node{Kind: yaml.MappingNode}
	for _, ax := range m.Axes {
		key := &yaml.Node{Kind: yaml.ScalarNode, Value: ax.Name}
		seq := &yaml.Node{Kind: yaml.SequenceNode}
		for _, v := range ax.Values {
			seq.Content = append(seq.Content, &yaml.Node{Kind: yaml.ScalarNode, Value: v})
		}
		node.Content = append(node.Content, key, seq)
	}
	return node, nil
}

// Size returns the cross product cardinality
func (m *Matrix) Size() int {
	if m == nil || len(m.Axes) == 0 {
		return 1
	}
	n := 1
	for _, ax := range m.Axes {
		n *= len(ax.Values)
	}
	return n
}

func nodeKind(n *yaml.Node) string {
	switch n.Kind {
	case yaml.DocumentNode:
		return "document"
	case yaml.SequenceNode:
		return "sequence"
	case yaml.MappingNode:
		return "mapping"
	case yaml.ScalarNode:
		return "scalar"
	case yaml.AliasNode:
		return "alias"
	}
	return "unknown"
}

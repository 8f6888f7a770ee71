// Package trigger decides whether an incoming event activates a workflow.
package trigger

import (
	"time"

	"github.com/gobwas/glob"
	"github.com/robfig/cron/v3"

	"github.com/lei/flowci/internal/cierr"
	"github.com/lei/flowci/internal/models"
	"github.com/lei/flowci/internal/workflow"
)

// Matcher holds a workflow's trigger set compiled for matching.
// Matching has no side effects; compilation errors are configuration
// errors and belong to load time.
type Matcher struct {
	push      *branchSet
	pr        *branchSet
	schedules []cron.Schedule
}

type branchSet struct {
	patterns []glob.Glob // empty means every branch matches
}

// Compile compiles a definition's trigger set
func Compile(def *workflow.Definition) (*Matcher, error) {
	m := &Matcher{}
	var err error
	if m.push, err = compileBranches(def.On.Push); err != nil {
		return nil, err
	}
	if m.pr, err = compileBranches(def.On.PullRequest); err != nil {
		return nil, err
	}
	for _, s := range def.On.Schedule {
		sched, err := cron.ParseStandard(s.Cron)
		if err != nil {
			return nil, cierr.Configf("invalid cron %q: %v", s.Cron, err)
		}
		m.schedules = append(m.schedules, sched)
	}
	return m, nil
}

func compileBranches(f *workflow.BranchFilter) (*branchSet, error) {
	if f == nil {
		return nil, nil
	}
	set := &branchSet{}
	for _, p := range f.Branches {
		g, err := glob.Compile(p)
		if err != nil {
			return nil, cierr.Configf("invalid branch pattern %q: %v", p, err)
		}
		set.patterns = append(set.patterns, g)
	}
	return set, nil
}

// Matches reports whether the event activates the workflow
func (m *Matcher) Matches(ev models.Event) bool {
	switch ev.Kind {
	case models.EventPush:
		return m.push != nil && m.push.matches(ev.Branch())
	case models.EventPullRequest:
		return m.pr != nil && m.pr.matches(ev.Branch())
	case models.EventSchedule:
		return m.matchesTick(ev.Timestamp)
	}
	return false
}

func (s *branchSet) matches(branch string) bool {
	if len(s.patterns) == 0 {
		return true
	}
	for _, g := range s.patterns {
		if g.Match(branch) {
			return true
		}
	}
	return false
}

// matchesTick reports whether any schedule fires at the tick's minute,
// evaluated in UTC
func (m *Matcher) matchesTick(tick time.Time) bool {
	t := tick.UTC().Truncate(time.Minute)
	for _, sched := range m.schedules {
		if sched.Next(t.Add(-time.Second)).Equal(t) {
			return true
		}
	}
	return false
}

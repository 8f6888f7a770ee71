// Package matrix expands a job template into concrete job instances:
// the ordered cross product of the matrix axes, with variable bindings
// substituted into the runner selector and every step at expansion time.
package matrix

import (
	"fmt"
	"regexp"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/lei/flowci/internal/cierr"
	"github.com/lei/flowci/internal/models"
	"github.com/lei/flowci/internal/workflow"
)

// matrixRef matches ${{ matrix.<axis> }} references
var matrixRef = regexp.MustCompile(`\$\{\{\s*matrix\.([a-zA-Z_][a-zA-Z0-9_-]*)\s*\}\}`)

// Expand produces the job's instances in enumeration order: axes vary
// least-significant-last, mirroring nested loops over axes in
// declaration order. Without a matrix, exactly one instance is produced.
func Expand(job *workflow.Job) ([]*models.JobInstance, error) {
	m := job.Matrix()
	var axes []workflow.Axis
	if m != nil {
		axes = m.Axes
	}

	instances := make([]*models.JobInstance, 0, m.Size())
	for _, point := range enumerate(axes) {
		inst, err := bind(job, axes, point)
		if err != nil {
			return nil, err
		}
		instances = append(instances, inst)
	}
	return instances, nil
}

// enumerate yields one index tuple per matrix point. The last axis is
// the fastest-varying, so declaration order is most significant.
func enumerate(axes []workflow.Axis) [][]int {
	if len(axes) == 0 {
		return [][]int{nil}
	}
	var points [][]int
	idx := make([]int, len(axes))
	for {
		points = append(points, append([]int(nil), idx...))
		i := len(axes) - 1
		for ; i >= 0; i-- {
			idx[i]++
			if idx[i] < len(axes[i].Values) {
				break
			}
			idx[i] = 0
		}
		if i < 0 {
			return points
		}
	}
}

func bind(job *workflow.Job, axes []workflow.Axis, point []int) (*models.JobInstance, error) {
	bindings := make(map[string]string, len(axes))
	values := make([]string, len(axes))
	for i, ax := range axes {
		bindings[ax.Name] = ax.Values[point[i]]
		values[i] = ax.Values[point[i]]
	}

	sub := func(s string) (string, error) {
		out := matrixRef.ReplaceAllStringFunc(s, func(ref string) string {
			axis := matrixRef.FindStringSubmatch(ref)[1]
			if v, ok := bindings[axis]; ok {
				return v
			}
			return ref
		})
		if m := matrixRef.FindStringSubmatch(out); m != nil {
			return "", cierr.Configf("job %q: unresolved matrix reference %q", job.Name, m[0])
		}
		return out, nil
	}

	runsOn, err := sub(job.RunsOn)
	if err != nil {
		return nil, err
	}

	name := job.Name
	if len(values) > 0 {
		name = fmt.Sprintf("%s (%s)", job.Name, strings.Join(values, ", "))
	}

	inst := &models.JobInstance{
		InstanceID: uuid.NewString(),
		Job:        job.Name,
		Name:       name,
		RunsOn:     runsOn,
		Status:     models.StatusPending,
	}
	if len(bindings) > 0 {
		inst.Bindings = bindings
	}

	for i := range job.Steps {
		step, err := bindStep(&job.Steps[i], sub)
		if err != nil {
			return nil, err
		}
		inst.Steps = append(inst.Steps, step)
	}
	return inst, nil
}

func bindStep(t *workflow.StepTemplate, sub func(string) (string, error)) (*models.Step, error) {
	cond, err := workflow.ParseCondition(t.If)
	if err != nil {
		return nil, cierr.Configf("%v", err)
	}

	step := &models.Step{
		Uses:            t.Uses,
		Shell:           t.Shell,
		Condition:       cond,
		ContinueOnError: t.ContinueOnError,
		Timeout:         time.Duration(t.TimeoutMinutes) * time.Minute,
		Status:          models.StepPending,
	}
	if step.Run, err = sub(t.Run); err != nil {
		return nil, err
	}
	if step.Name, err = sub(t.Name); err != nil {
		return nil, err
	}
	if step.Name == "" {
		step.Name = defaultStepName(step)
	}
	if len(t.Env) > 0 {
		step.Env = make(map[string]string, len(t.Env))
		for k, v := range t.Env {
			if step.Env[k], err = sub(v); err != nil {
				return nil, err
			}
		}
	}
	if len(t.With) > 0 {
		step.With = make(map[string]string, len(t.With))
		for k, v := range t.With {
			if step.With[k], err = sub(v); err != nil {
				return nil, err
			}
		}
	}
	return step, nil
}

func defaultStepName(s *models.Step) string {
	if s.Uses != "" {
		return s.Uses
	}
	line := s.Run
	if i := strings.IndexByte(line, '\n'); i >= 0 {
		line = line[:i]
	}
	return strings.TrimSpace(line)
}

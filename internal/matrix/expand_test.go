package matrix

import (
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/lei/flowci/internal/models"
	"github.com/lei/flowci/internal/workflow"
)

func parseJob(t *testing.T, doc string) *workflow.Job {
	t.Helper()
	def, err := workflow.Parse([]byte(doc))
	require.NoError(t, err)
	require.NotEmpty(t, def.Jobs)
	return &def.Jobs[0]
}

func TestExpand_CrossProduct(t *testing.T) {
	job := parseJob(t, `
name: X
on:
  push: {}
jobs:
  test:
    runs-on: ${{ matrix.os }}
    strategy:
      matrix:
        os: [ubuntu-latest, macos-latest]
        python-version: ["3.9", "3.10", "3.11"]
    steps:
      - name: Test
        run: make test PY=${{ matrix.python-version }}
`)

	instances, err := Expand(job)
	require.NoError(t, err)

	// Cardinality is the product of axis cardinalities
	require.Len(t, instances, 6)

	// Each point has a unique binding tuple
	seen := make(map[string]bool)
	for _, inst := range instances {
		key := fmt.Sprintf("%s|%s", inst.Bindings["os"], inst.Bindings["python-version"])
		assert.False(t, seen[key], "duplicate binding tuple %s", key)
		seen[key] = true
	}

	// Axis declaration order is most significant: os varies slowest
	assert.Equal(t, "test (ubuntu-latest, 3.9)", instances[0].Name)
	assert.Equal(t, "test (ubuntu-latest, 3.10)", instances[1].Name)
	assert.Equal(t, "test (ubuntu-latest, 3.11)", instances[2].Name)
	assert.Equal(t, "test (macos-latest, 3.9)", instances[3].Name)

	// Bindings are substituted into the runner selector and commands
	assert.Equal(t, "ubuntu-latest", instances[0].RunsOn)
	assert.Equal(t, "macos-latest", instances[3].RunsOn)
	assert.Equal(t, "make test PY=3.10", instances[1].Steps[0].Run)

	for _, inst := range instances {
		assert.Equal(t, models.StatusPending, inst.Status)
		assert.Equal(t, "test", inst.Job)
		assert.NotEmpty(t, inst.InstanceID)
	}
}

func TestExpand_NoMatrix(t *testing.T) {
	job := parseJob(t, `
name: X
on:
  push: {}
jobs:
  lint:
    runs-on: ubuntu-latest
    steps:
      - name: Lint
        run: make lint
`)

	instances, err := Expand(job)
	require.NoError(t, err)
	require.Len(t, instances, 1)
	assert.Equal(t, "lint", instances[0].Name)
	assert.Empty(t, instances[0].Bindings)
}

func TestExpand_UnresolvedReference(t *testing.T) {
	job := parseJob(t, `
name: X
on:
  push: {}
jobs:
  test:
    runs-on: ubuntu-latest
    strategy:
      matrix:
        os: [linux]
    steps:
      - run: make test PY=${{ matrix.python-version }}
`)

	_, err := Expand(job)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "unresolved matrix reference")
}

func TestExpand_SubstitutesEnvAndNames(t *testing.T) {
	job := parseJob(t, `
name: X
on:
  push: {}
jobs:
  test:
    runs-on: ubuntu-latest
    strategy:
      matrix:
        domain: [a, b]
    steps:
      - name: Test ${{ matrix.domain }}
        run: make test
        env:
          DOMAIN: ${{ matrix.domain }}
`)

	instances, err := Expand(job)
	require.NoError(t, err)
	require.Len(t, instances, 2)
	assert.Equal(t, "Test a", instances[0].Steps[0].Name)
	assert.Equal(t, "a", instances[0].Steps[0].Env["DOMAIN"])
	assert.Equal(t, "Test b", instances[1].Steps[0].Name)
	assert.Equal(t, "b", instances[1].Steps[0].Env["DOMAIN"])
}

func TestExpand_StepDefaults(t *testing.T) {
	job := parseJob(t, `
name: X
on:
  push: {}
jobs:
  build:
    runs-on: ubuntu-latest
    steps:
      - run: |
          make deps
          make build
      - uses: cache/restore
        with:
          key: build-${{ matrix.rev }}-cache
    strategy:
      matrix:
        rev: [r1]
`)

	instances, err := Expand(job)
	require.NoError(t, err)
	require.Len(t, instances, 1)

	steps := instances[0].Steps
	require.Len(t, steps, 2)

	// Unnamed steps get a name from their command or action
	assert.Equal(t, "make deps", steps[0].Name)
	assert.Equal(t, "cache/restore", steps[1].Name)

	// with parameters are substituted too
	assert.Equal(t, "build-r1-cache", steps[1].With["key"])

	// Default condition policy runs unless cancelled
	assert.Equal(t, models.ConditionAlways, steps[0].Condition)
}

func TestExpand_ConditionMapping(t *testing.T) {
	job := parseJob(t, `
name: X
on:
  push: {}
jobs:
  test:
    runs-on: ubuntu-latest
    steps:
      - run: make test
        if: success()
      - run: make report
        if: always()
`)

	instances, err := Expand(job)
	require.NoError(t, err)
	steps := instances[0].Steps
	assert.Equal(t, models.ConditionPriorSuccess, steps[0].Condition)
	assert.Equal(t, models.ConditionAlways, steps[1].Condition)
}

package workflow

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/lei/flowci/internal/models"
)

const sampleDoc = `
name: Tests
on:
  push:
    branches: [main]
  pull_request:
    branches: [main, "release/**"]
  schedule:
    - cron: "0 5 * * *"
concurrency:
  group: ${{ github.repository }}-${{ github.ref }}-${{ github.head_ref }}
  cancel-in-progress: true
jobs:
  lint:
    runs-on: ubuntu-latest
    steps:
      - name: Lint
        run: make lint
  test:
    runs-on: ${{ matrix.os }}
    timeout-minutes: 30
    strategy:
      fail-fast: false
      matrix:
        os: [ubuntu-latest, macos-latest]
        python-version: ["3.9", "3.10"]
        domain: [a, b]
    steps:
      - name: Install
        run: make install
      - name: Test ${{ matrix.domain }}
        run: make test
      - name: Report
        if: always()
        run: make report
        continue-on-error: true
`

func TestParse(t *testing.T) {
	def, err := Parse([]byte(sampleDoc))
	require.NoError(t, err)

	assert.Equal(t, "Tests", def.Name)
	require.NotNil(t, def.On.Push)
	assert.Equal(t, []string{"main"}, def.On.Push.Branches)
	require.NotNil(t, def.On.PullRequest)
	assert.Equal(t, []string{"main", "release/**"}, def.On.PullRequest.Branches)
	require.Len(t, def.On.Schedule, 1)
	assert.Equal(t, "0 5 * * *", def.On.Schedule[0].Cron)

	require.NotNil(t, def.Concurrency)
	assert.True(t, def.Concurrency.CancelInProgress)

	// Job declaration order is preserved
	require.Len(t, def.Jobs, 2)
	assert.Equal(t, "lint", def.Jobs[0].Name)
	assert.Equal(t, "test", def.Jobs[1].Name)

	test := def.Jobs.Get("test")
	require.NotNil(t, test)
	assert.False(t, test.FailFast())
	assert.Equal(t, 30, test.TimeoutMinutes)

	m := test.Matrix()
	require.NotNil(t, m)
	require.Len(t, m.Axes, 3)
	// Axis declaration order is preserved
	assert.Equal(t, "os", m.Axes[0].Name)
	assert.Equal(t, "python-version", m.Axes[1].Name)
	assert.Equal(t, "domain", m.Axes[2].Name)
	// Scalar source text is preserved: "3.10" is not the float 3.1
	assert.Equal(t, []string{"3.9", "3.10"}, m.Axes[1].Values)
	assert.Equal(t, 8, m.Size())

	require.Len(t, test.Steps, 3)
	assert.True(t, test.Steps[2].ContinueOnError)
	assert.Equal(t, "always()", test.Steps[2].If)
}

func TestParse_IgnoresUnknownKeys(t *testing.T) {
	doc := `
name: X
on:
  push: {}
permissions:
  contents: read
jobs:
  build:
    runs-on: ubuntu-latest
    unknown-key: whatever
    steps:
      - run: make build
`
	def, err := Parse([]byte(doc))
	require.NoError(t, err)
	assert.Equal(t, "X", def.Name)
}

func TestParse_ConfigurationErrors(t *testing.T) {
	tests := []struct {
		name string
		doc  string
	}{
		{"missing name", "on:\n  push: {}\njobs:\n  a:\n    runs-on: x\n    steps:\n      - run: y\n"},
		{"no triggers", "name: X\njobs:\n  a:\n    runs-on: x\n    steps:\n      - run: y\n"},
		{"no jobs", "name: X\non:\n  push: {}\n"},
		{"malformed cron", "name: X\non:\n  schedule:\n    - cron: \"99 99 * * *\"\njobs:\n  a:\n    runs-on: x\n    steps:\n      - run: y\n"},
		{"malformed branch pattern", "name: X\non:\n  push:\n    branches: [\"[\"]\njobs:\n  a:\n    runs-on: x\n    steps:\n      - run: y\n"},
		{"job without steps", "name: X\non:\n  push: {}\njobs:\n  a:\n    runs-on: x\n    steps: []\n"},
		{"job without runs-on", "name: X\non:\n  push: {}\njobs:\n  a:\n    steps:\n      - run: y\n"},
		{"step with run and uses", "name: X\non:\n  push: {}\njobs:\n  a:\n    runs-on: x\n    steps:\n      - run: y\n        uses: z\n"},
		{"step with neither run nor uses", "name: X\non:\n  push: {}\njobs:\n  a:\n    runs-on: x\n    steps:\n      - name: y\n"},
		{"empty matrix axis", "name: X\non:\n  push: {}\njobs:\n  a:\n    runs-on: x\n    strategy:\n      matrix:\n        os: []\n    steps:\n      - run: y\n"},
		{"unsupported if expression", "name: X\non:\n  push: {}\njobs:\n  a:\n    runs-on: x\n    steps:\n      - run: y\n        if: failure()\n"},
		{"unknown concurrency context", "name: X\non:\n  push: {}\nconcurrency:\n  group: ${{ secrets.token }}\njobs:\n  a:\n    runs-on: x\n    steps:\n      - run: y\n"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Parse([]byte(tt.doc))
			require.Error(t, err)
		})
	}
}

func TestRoundTrip(t *testing.T) {
	def, err := Parse([]byte(sampleDoc))
	require.NoError(t, err)

	data, err := def.Marshal()
	require.NoError(t, err)

	again, err := Parse(data)
	require.NoError(t, err)

	// Trigger set survives
	assert.Equal(t, def.On, again.On)

	// Job names and declaration order survive
	require.Len(t, again.Jobs, len(def.Jobs))
	for i := range def.Jobs {
		assert.Equal(t, def.Jobs[i].Name, again.Jobs[i].Name)
	}

	// Step order survives
	test := again.Jobs.Get("test")
	require.NotNil(t, test)
	require.Len(t, test.Steps, 3)
	assert.Equal(t, "Install", test.Steps[0].Name)
	assert.Equal(t, "Test ${{ matrix.domain }}", test.Steps[1].Name)
	assert.Equal(t, "Report", test.Steps[2].Name)

	// Matrix axes and scalar text survive
	assert.Equal(t, def.Jobs.Get("test").Matrix().Axes, test.Matrix().Axes)
}

func TestGroupKey(t *testing.T) {
	def, err := Parse([]byte(sampleDoc))
	require.NoError(t, err)

	push := models.Event{
		Kind:       models.EventPush,
		Repository: "acme/widgets",
		Ref:        "refs/heads/main",
	}
	assert.Equal(t, "acme/widgets-refs/heads/main-", def.GroupKey(push))

	pr := models.Event{
		Kind:       models.EventPullRequest,
		Repository: "acme/widgets",
		Ref:        "refs/pull/7/merge",
		HeadRef:    "feature-x",
	}
	assert.Equal(t, "acme/widgets-refs/pull/7/merge-feature-x", def.GroupKey(pr))
}

func TestGroupKey_DefaultTemplate(t *testing.T) {
	doc := `
name: X
on:
  push: {}
concurrency:
  cancel-in-progress: true
jobs:
  a:
    runs-on: x
    steps:
      - run: y
`
	def, err := Parse([]byte(doc))
	require.NoError(t, err)

	ev := models.Event{Kind: models.EventPush, Repository: "r", Ref: "refs/heads/main"}
	assert.Equal(t, "r-refs/heads/main-", def.GroupKey(ev))
}

func TestParseCondition(t *testing.T) {
	cond, err := ParseCondition("")
	require.NoError(t, err)
	assert.Equal(t, models.ConditionAlways, cond)

	cond, err = ParseCondition("always()")
	require.NoError(t, err)
	assert.Equal(t, models.ConditionAlways, cond)

	cond, err = ParseCondition("success()")
	require.NoError(t, err)
	assert.Equal(t, models.ConditionPriorSuccess, cond)

	_, err = ParseCondition("github.ref == 'refs/heads/main'")
	require.Error(t, err)
}

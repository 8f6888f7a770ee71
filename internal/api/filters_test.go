package api

import (
	"reflect"
	"testing"

	"github.com/lei/flowci/internal/models"
)

func TestFilterRuns(t *testing.T) {
	runs := []*models.Run{
		{RunID: "run-a1", Workflow: "Tests", Status: models.StatusSucceeded},
		{RunID: "run-b2", Workflow: "Tests", Status: models.StatusFailed},
		{RunID: "run-c3", Workflow: "Deploy", Status: models.StatusRunning},
		{RunID: "run-d4", Workflow: "Deploy", Status: models.StatusCancelled},
	}

	tests := []struct {
		name     string
		workflow string
		status   string
		search   string
		want     []string
	}{
		{
			name: "no filters returns all",
			want: []string{"run-a1", "run-b2", "run-c3", "run-d4"},
		},
		{
			name:     "workflow filter",
			workflow: "Deploy",
			want:     []string{"run-c3", "run-d4"},
		},
		{
			name:   "status filter",
			status: "failed",
			want:   []string{"run-b2"},
		},
		{
			name:     "workflow and status",
			workflow: "Tests",
			status:   "succeeded",
			want:     []string{"run-a1"},
		},
		{
			name:   "search matches workflow name case-insensitively",
			search: "deploy",
			want:   []string{"run-c3", "run-d4"},
		},
		{
			name:   "search matches run id",
			search: "b2",
			want:   []string{"run-b2"},
		},
		{
			name:   "search with no match",
			search: "zzz",
			want:   []string{},
		},
		{
			name:     "status filter excludes everything in workflow",
			workflow: "Deploy",
			status:   "succeeded",
			want:     []string{},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := FilterRuns(runs, tt.workflow, tt.status, tt.search)
			ids := make([]string, 0, len(got))
			for _, run := range got {
				ids = append(ids, run.RunID)
			}
			if !reflect.DeepEqual(ids, tt.want) {
				t.Errorf("FilterRuns() = %v, want %v", ids, tt.want)
			}
		})
	}
}

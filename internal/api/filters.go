package api

import (
	"strings"

	"github.com/lei/flowci/internal/models"
)

// FilterRuns filters run snapshots based on query parameters
func FilterRuns(runs []*models.Run, workflow, status, search string) []*models.Run {
	if workflow == "" && status == "" && search == "" {
		return runs
	}

	filtered := make([]*models.Run, 0, len(runs))
	searchLower := strings.ToLower(search)

	for _, run := range runs {
		// Workflow filter
		if workflow != "" && run.Workflow != workflow {
			continue
		}

		// Status filter
		if status != "" && string(run.Status) != status {
			continue
		}

		// Search filter: workflow name or run id
		if search != "" &&
			!strings.Contains(strings.ToLower(run.Workflow), searchLower) &&
			!strings.Contains(strings.ToLower(run.RunID), searchLower) {
			continue
		}

		filtered = append(filtered, run)
	}

	return filtered
}

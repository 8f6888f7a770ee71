// Package artifact defines the artifact publisher collaborator.
// Durable storage is an external capability; the engine hands finished
// artifacts over and records failures without changing instance status.
package artifact

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"github.com/lei/flowci/internal/models"
)

// Publisher stores an artifact durably
type Publisher interface {
	Publish(ctx context.Context, runID string, a *models.Artifact) error
}

// FS publishes artifacts to a directory tree: <root>/<run-id>/<name>
type FS struct {
	Root string
}

// Publish implements Publisher
func (p *FS) Publish(_ context.Context, runID string, a *models.Artifact) error {
	dir := filepath.Join(p.Root, runID)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("create artifact dir: %w", err)
	}
	path := filepath.Join(dir, a.Name)
	if err := os.WriteFile(path, a.Payload, 0o644); err != nil {
		return fmt.Errorf("write artifact %s: %w", a.Name, err)
	}
	return nil
}

var _ Publisher = (*FS)(nil)

// Memory records published artifacts in memory; used in tests and as
// the default when no artifact directory is configured
type Memory struct {
	mu        sync.Mutex
	published map[string][]*models.Artifact
	// Fail makes every publish fail with this error
	Fail error
}

// Publish implements Publisher
func (p *Memory) Publish(_ context.Context, runID string, a *models.Artifact) error {
	if p.Fail != nil {
		return p.Fail
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.published == nil {
		p.published = make(map[string][]*models.Artifact)
	}
	p.published[runID] = append(p.published[runID], a)
	return nil
}

// Published returns artifacts recorded for a run
func (p *Memory) Published(runID string) []*models.Artifact {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]*models.Artifact(nil), p.published[runID]...)
}

var _ Publisher = (*Memory)(nil)

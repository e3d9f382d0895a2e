// Package runs persists threads, their transcripts and the runs executed
// against them.
package runs

import (
	"context"

	"github.com/haasonsaas/tollgate/pkg/models"
)

// Store is the persistence boundary for the run engine. UpdateRun is a
// compare-and-set on Version: it fails with storage.ErrConflict when another
// writer got there first, which is how concurrent resumes are arbitrated.
type Store interface {
	CreateThread(ctx context.Context, thread *models.Thread) error
	GetThread(ctx context.Context, id string) (*models.Thread, error)

	// AppendMessage assigns an id and timestamp when missing.
	AppendMessage(ctx context.Context, msg *models.Message) error
	// History returns the last limit messages oldest first. limit <= 0 returns all.
	History(ctx context.Context, threadID string, limit int) ([]*models.Message, error)

	CreateRun(ctx context.Context, run *models.Run) error
	GetRun(ctx context.Context, id string) (*models.Run, error)
	UpdateRun(ctx context.Context, run *models.Run, expectedVersion int64) error
	ListRuns(ctx context.Context, opts ListOptions) ([]*models.Run, error)
}

// ListOptions filters ListRuns. Zero values match everything.
type ListOptions struct {
	OwnerID string
	Status  models.RunStatus
	Limit   int
}

func (o ListOptions) matches(run *models.Run) bool {
	if o.OwnerID != "" && run.OwnerID != o.OwnerID {
		return false
	}
	if o.Status != "" && run.Status != o.Status {
		return false
	}
	return true
}

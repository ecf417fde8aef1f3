package group

import (
	"context"
)

// ══════════════════════════════════════════════════════════════════════════════
// REPOSITORY INTERFACES
// Read side of the group aggregate. Writes go through the transactional
// store so that a group never changes without the entities it depends on.
// ══════════════════════════════════════════════════════════════════════════════

// ListOptions filters and pages group listings.
type ListOptions struct {
	// ActiveOnly skips deactivated groups.
	ActiveOnly bool
	// Subject matches exactly when non-empty.
	Subject string
	Offset  int
	Limit   int
}

// DefaultListOptions returns the listing used by the API when no query is given.
func DefaultListOptions() ListOptions {
	return ListOptions{Limit: 50}
}

// Repository reads groups and the registry.
type Repository interface {
	// GetGroup returns the group. Returns shared.ErrGroupNotFound if absent.
	GetGroup(ctx context.Context, id uint64) (*StudyGroup, error)

	// ListGroups returns groups ordered by id.
	ListGroups(ctx context.Context, opts ListOptions) ([]*StudyGroup, error)

	// GetRegistry returns the counters. Returns shared.ErrNotInitialized if
	// the registry was never initialized.
	GetRegistry(ctx context.Context) (*Registry, error)
}

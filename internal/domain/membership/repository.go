package membership

import (
	"context"

	"github.com/studycircle/studycircle-hub/internal/domain/shared"
)

// Repository reads member profiles.
type Repository interface {
	// GetProfile returns one profile. Returns shared.ErrMemberNotFound if absent.
	GetProfile(ctx context.Context, key Key) (*Profile, error)

	// ListProfilesByGroup returns the group's profiles, active and inactive, ordered by join date.
	ListProfilesByGroup(ctx context.Context, groupID uint64) ([]*Profile, error)

	// ListProfilesByMember returns every profile the member ever opened.
	ListProfilesByMember(ctx context.Context, member shared.AccountID) ([]*Profile, error)
}

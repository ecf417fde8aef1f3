package command

import (
	"context"
	"fmt"

	"github.com/studycircle/studycircle-hub/internal/domain/group"
	"github.com/studycircle/studycircle-hub/internal/domain/shared"
	"github.com/studycircle/studycircle-hub/internal/domain/store"
	"github.com/studycircle/studycircle-hub/pkg/logger"
)

// ══════════════════════════════════════════════════════════════════════════════
// CREATE GROUP COMMAND
// Numbers a new study group from the registry counter. No funds move; the
// creator joins separately like everyone else.
// ══════════════════════════════════════════════════════════════════════════════

// CreateGroupCommand carries the creator's parameters.
type CreateGroupCommand struct {
	Caller           shared.AccountID
	Name             string
	Subject          string
	Description      string
	StakeRequirement shared.Amount
	MaxMembers       uint8
	DurationDays     uint32
	CorrelationID    string
}

// CreateGroupResult contains the stored group.
type CreateGroupResult struct {
	Group *group.StudyGroup
}

// CreateGroupHandler handles CreateGroupCommand.
type CreateGroupHandler struct {
	deps Deps
}

// NewCreateGroupHandler creates the handler.
func NewCreateGroupHandler(deps Deps) *CreateGroupHandler {
	return &CreateGroupHandler{deps: deps}
}

// Handle creates the group.
func (h *CreateGroupHandler) Handle(ctx context.Context, cmd CreateGroupCommand) (*CreateGroupResult, error) {
	params := group.NewStudyGroupParams{
		Creator:          cmd.Caller,
		Name:             cmd.Name,
		Subject:          cmd.Subject,
		Description:      cmd.Description,
		StakeRequirement: cmd.StakeRequirement,
		MaxMembers:       cmd.MaxMembers,
		DurationDays:     cmd.DurationDays,
	}
	if err := params.Validate(h.deps.Rules); err != nil {
		return nil, fmt.Errorf("create_group: %w", err)
	}

	now := h.deps.now()
	var created *group.StudyGroup

	err := h.deps.Store.Atomic(ctx, store.Scope{Registry: true}, func(ctx context.Context, tx store.Tx) error {
		reg, err := tx.Registry(ctx)
		if err != nil {
			return err
		}
		if err := reg.CheckReady(); err != nil {
			return err
		}

		g, err := group.NewStudyGroup(reg.NextGroupID(), params, h.deps.Rules, now)
		if err != nil {
			return err
		}
		if err := tx.PutGroup(ctx, g); err != nil {
			return err
		}
		if err := tx.PutRegistry(ctx, reg); err != nil {
			return err
		}
		created = g
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("create_group: %w", err)
	}

	h.deps.log(ctx).Info("study group created",
		logger.GroupID(created.ID),
		logger.Member(created.Creator.String()),
		logger.Amount("stake_requirement", created.StakeRequirement.Uint64()),
	)

	event := shared.NewGroupCreatedEvent(created.ID, created.Creator, created.Name, created.StakeRequirement, now)
	event.BaseEvent = event.WithCorrelationID(cmd.CorrelationID)
	h.deps.publish(ctx, "create_group", event)

	return &CreateGroupResult{Group: created}, nil
}

package command

import (
	"context"
	"fmt"

	"github.com/studycircle/studycircle-hub/internal/domain/shared"
	"github.com/studycircle/studycircle-hub/internal/domain/store"
	"github.com/studycircle/studycircle-hub/pkg/logger"
)

// ══════════════════════════════════════════════════════════════════════════════
// INITIALIZE REGISTRY COMMAND
// Creates the global counters and records the admin. Runs once per deployment.
// ══════════════════════════════════════════════════════════════════════════════

// InitializeRegistryCommand names the admin.
type InitializeRegistryCommand struct {
	Admin         shared.AccountID
	CorrelationID string
}

// InitializeRegistryResult reports the stored admin.
type InitializeRegistryResult struct {
	Admin shared.AccountID
}

// InitializeRegistryHandler handles InitializeRegistryCommand.
type InitializeRegistryHandler struct {
	deps Deps
}

// NewInitializeRegistryHandler creates the handler.
func NewInitializeRegistryHandler(deps Deps) *InitializeRegistryHandler {
	return &InitializeRegistryHandler{deps: deps}
}

// Handle initializes the registry. A second call fails with
// shared.ErrAlreadyInitialized.
func (h *InitializeRegistryHandler) Handle(ctx context.Context, cmd InitializeRegistryCommand) (*InitializeRegistryResult, error) {
	now := h.deps.now()

	err := h.deps.Store.Atomic(ctx, store.Scope{Registry: true}, func(ctx context.Context, tx store.Tx) error {
		reg, err := tx.Registry(ctx)
		if err != nil {
			return err
		}
		if err := reg.Initialize(cmd.Admin); err != nil {
			return err
		}
		return tx.PutRegistry(ctx, reg)
	})
	if err != nil {
		return nil, fmt.Errorf("initialize_registry: %w", err)
	}

	h.deps.log(ctx).Info("registry initialized", logger.String("admin", cmd.Admin.String()))

	event := shared.NewRegistryInitializedEvent(cmd.Admin, now)
	event.BaseEvent = event.WithCorrelationID(cmd.CorrelationID)
	h.deps.publish(ctx, "initialize_registry", event)

	return &InitializeRegistryResult{Admin: cmd.Admin}, nil
}

package command

import (
	"context"
	"fmt"

	"github.com/studycircle/studycircle-hub/internal/domain/ledger"
	"github.com/studycircle/studycircle-hub/internal/domain/membership"
	"github.com/studycircle/studycircle-hub/internal/domain/reputation"
	"github.com/studycircle/studycircle-hub/internal/domain/shared"
	"github.com/studycircle/studycircle-hub/internal/domain/store"
	"github.com/studycircle/studycircle-hub/pkg/logger"
)

// ══════════════════════════════════════════════════════════════════════════════
// TIP MEMBER COMMAND
// A direct transfer from the sender to a member, scored by category.
// ══════════════════════════════════════════════════════════════════════════════

// TipMemberCommand carries the tip.
type TipMemberCommand struct {
	Caller        shared.AccountID
	GroupID       uint64
	Recipient     shared.AccountID
	Amount        shared.Amount
	Category      reputation.TipCategory
	CorrelationID string
}

// TipMemberResult reports the recipient's totals after the tip.
type TipMemberResult struct {
	Points             uint32
	TotalTipsReceived  shared.Amount
	ParticipationScore uint32
}

// TipMemberHandler handles TipMemberCommand.
type TipMemberHandler struct {
	deps Deps
}

// NewTipMemberHandler creates the handler.
func NewTipMemberHandler(deps Deps) *TipMemberHandler {
	return &TipMemberHandler{deps: deps}
}

// Handle transfers the tip and credits the recipient's profile. Bounds and
// category are checked before any transfer.
func (h *TipMemberHandler) Handle(ctx context.Context, cmd TipMemberCommand) (*TipMemberResult, error) {
	tip := reputation.Tip{
		Sender:    cmd.Caller,
		Recipient: cmd.Recipient,
		GroupID:   cmd.GroupID,
		Amount:    cmd.Amount,
		Category:  cmd.Category,
	}
	if err := tip.Validate(h.deps.Rules); err != nil {
		return nil, fmt.Errorf("tip_member: %w", err)
	}
	points, err := tip.Points()
	if err != nil {
		return nil, fmt.Errorf("tip_member: %w", err)
	}

	now := h.deps.now()
	key := membership.Key{GroupID: cmd.GroupID, Member: cmd.Recipient}

	var result TipMemberResult
	err = h.deps.Store.Atomic(ctx, store.Scope{Profiles: []membership.Key{key}}, func(ctx context.Context, tx store.Tx) error {
		p, err := tx.Profile(ctx, key)
		if err != nil {
			return err
		}
		if err := p.CheckCanReceiveTip(tip.Amount, points); err != nil {
			return err
		}

		if err := h.deps.transfer(ctx, ledger.Transfer{
			From:       tip.Sender,
			To:         tip.Recipient,
			Amount:     tip.Amount,
			Authorizer: tip.Sender,
			Purpose:    ledger.PurposeTip,
		}); err != nil {
			return err
		}

		if err := p.ReceiveTip(tip.Amount, points); err != nil {
			return err
		}
		if err := tx.PutProfile(ctx, p); err != nil {
			return err
		}

		result = TipMemberResult{
			Points:             points,
			TotalTipsReceived:  p.TotalTipsReceived,
			ParticipationScore: p.ParticipationScore,
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("tip_member: %w", err)
	}

	h.deps.log(ctx).Info("member tipped",
		logger.GroupID(cmd.GroupID),
		logger.String("sender", cmd.Caller.String()),
		logger.String("recipient", cmd.Recipient.String()),
		logger.Amount("amount", cmd.Amount.Uint64()),
		logger.String("category", cmd.Category.String()),
	)

	event := shared.NewMemberTippedEvent(cmd.Caller, cmd.Recipient, cmd.GroupID, cmd.Amount, cmd.Category.String(), now)
	event.BaseEvent = event.WithCorrelationID(cmd.CorrelationID)
	h.deps.publish(ctx, "tip_member", event)

	return &result, nil
}

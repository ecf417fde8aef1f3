// Package command contains write operations (CQRS - Commands).
//
// Every handler runs the same shape inside one store transaction: validate
// against the current state, request the transfer, apply the mutation. The
// event is published only after the transaction committed.
package command

import (
	"context"
	"errors"
	"fmt"

	"github.com/studycircle/studycircle-hub/internal/domain/ledger"
	"github.com/studycircle/studycircle-hub/internal/domain/shared"
	"github.com/studycircle/studycircle-hub/internal/domain/store"
	"github.com/studycircle/studycircle-hub/pkg/logger"
	"github.com/studycircle/studycircle-hub/pkg/timeutil"
)

// Deps are the collaborators shared by all command handlers.
type Deps struct {
	Store     store.Store
	Rail      ledger.Rail
	Custodian *ledger.Custodian
	Clock     timeutil.Clock
	Rules     shared.Rules
	Events    shared.EventPublisher
	Logger    *logger.Logger
}

// Validate checks that the required collaborators are present.
func (d Deps) Validate() error {
	var errs []error
	if d.Store == nil {
		errs = append(errs, errors.New("store is required"))
	}
	if d.Rail == nil {
		errs = append(errs, errors.New("transfer rail is required"))
	}
	if d.Custodian == nil {
		errs = append(errs, errors.New("custodian is required"))
	}
	if d.Clock == nil {
		errs = append(errs, errors.New("clock is required"))
	}
	if err := d.Rules.Validate(); err != nil {
		errs = append(errs, fmt.Errorf("rules: %w", err))
	}
	return errors.Join(errs...)
}

func (d Deps) now() shared.Timestamp {
	return shared.Timestamp(d.Clock.Now())
}

// log prefers the request-scoped logger carried by ctx.
func (d Deps) log(ctx context.Context) *logger.Logger {
	if l, ok := logger.Lookup(ctx); ok {
		return l
	}
	if d.Logger == nil {
		return logger.Nop()
	}
	return d.Logger
}

// transfer moves funds through the rail. Any rail error is reported as
// ErrTransferFailed with the cause attached.
func (d Deps) transfer(ctx context.Context, t ledger.Transfer) error {
	if err := d.Rail.Transfer(ctx, t); err != nil {
		return shared.WrapError(shared.ErrTransferFailed, err)
	}
	return nil
}

// poolTransfer moves funds out of a group's pool with the group authority.
// The rail verifies the authority before debiting the pool.
func (d Deps) poolTransfer(ctx context.Context, groupID uint64, to shared.AccountID, amount shared.Amount, purpose ledger.Purpose) error {
	authority := d.Custodian.AuthorityFor(groupID)
	return d.transfer(ctx, ledger.Transfer{
		From:       authority.Pool,
		To:         to,
		Amount:     amount,
		Authorizer: authority.Pool,
		Authority:  &authority,
		Purpose:    purpose,
	})
}

// publish hands a committed event to the sink. Failures are logged; the
// state change stands.
func (d Deps) publish(ctx context.Context, op string, event shared.Event) {
	if d.Events == nil {
		return
	}
	if err := d.Events.Publish(event); err != nil {
		d.log(ctx).Warn("event publish failed",
			logger.Operation(op),
			logger.EventType(string(event.EventType())),
			logger.Err(err),
		)
	}
}

// ══════════════════════════════════════════════════════════════════════════════
// HANDLER SET
// ══════════════════════════════════════════════════════════════════════════════

// Handlers groups every command handler for wiring into transports.
type Handlers struct {
	InitializeRegistry *InitializeRegistryHandler
	CreateGroup        *CreateGroupHandler
	JoinGroup          *JoinGroupHandler
	CheckIn            *CheckInHandler
	LeaveGroup         *LeaveGroupHandler
	TipMember          *TipMemberHandler
	CreateProposal     *CreateProposalHandler
	CastVote           *CastVoteHandler
	ExecuteProposal    *ExecuteProposalHandler
	ClaimRewards       *ClaimRewardsHandler
}

// NewHandlers builds all handlers over the same dependencies.
func NewHandlers(deps Deps) (*Handlers, error) {
	if err := deps.Validate(); err != nil {
		return nil, fmt.Errorf("command handlers: %w", err)
	}
	return &Handlers{
		InitializeRegistry: NewInitializeRegistryHandler(deps),
		CreateGroup:        NewCreateGroupHandler(deps),
		JoinGroup:          NewJoinGroupHandler(deps),
		CheckIn:            NewCheckInHandler(deps),
		LeaveGroup:         NewLeaveGroupHandler(deps),
		TipMember:          NewTipMemberHandler(deps),
		CreateProposal:     NewCreateProposalHandler(deps),
		CastVote:           NewCastVoteHandler(deps),
		ExecuteProposal:    NewExecuteProposalHandler(deps),
		ClaimRewards:       NewClaimRewardsHandler(deps),
	}, nil
}

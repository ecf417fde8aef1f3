package shared

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/studycircle/studycircle-hub/pkg/timeutil"
)

// EventType represents the type of domain event.
type EventType string

// Domain event types. One is emitted after every committed operation.
const (
	// Registry events
	EventRegistryInitialized EventType = "registry.initialized"

	// Group events
	EventGroupCreated EventType = "group.created"

	// Membership events
	EventMemberJoined         EventType = "membership.joined"
	EventDailyCheckInRecorded EventType = "membership.check_in_recorded"
	EventMemberLeft           EventType = "membership.left"

	// Reputation events
	EventMemberTipped EventType = "reputation.member_tipped"

	// Governance events
	EventProposalCreated  EventType = "governance.proposal_created"
	EventVoteCast         EventType = "governance.vote_cast"
	EventProposalExecuted EventType = "governance.proposal_executed"
	EventProposalRejected EventType = "governance.proposal_rejected"

	// Reward events
	EventRewardsClaimed EventType = "reward.claimed"
)

// Event is the base interface for all domain events.
type Event interface {
	// EventType returns the type of the event.
	EventType() EventType

	// OccurredAt returns when the event occurred.
	OccurredAt() time.Time

	// AggregateID returns the ID of the aggregate that produced this event.
	AggregateID() string

	// Payload returns the event data as a map for serialization.
	Payload() map[string]interface{}
}

// BaseEvent provides common event functionality.
type BaseEvent struct {
	Type          EventType `json:"type"`
	Timestamp     time.Time `json:"timestamp"`
	AggregateId   string    `json:"aggregate_id"`
	Version       int       `json:"version"`
	CorrelationID string    `json:"correlation_id,omitempty"`
}

// EventType implements Event interface.
func (e BaseEvent) EventType() EventType {
	return e.Type
}

// OccurredAt implements Event interface.
func (e BaseEvent) OccurredAt() time.Time {
	return e.Timestamp
}

// AggregateID implements Event interface.
func (e BaseEvent) AggregateID() string {
	return e.AggregateId
}

// NewBaseEvent creates a new base event stamped with the operation time.
func NewBaseEvent(eventType EventType, aggregateID string, at Timestamp) BaseEvent {
	return BaseEvent{
		Type:        eventType,
		Timestamp:   timeutil.ToTime(at.Int64()),
		AggregateId: aggregateID,
		Version:     1,
	}
}

// WithCorrelationID sets the correlation ID for tracing.
func (e BaseEvent) WithCorrelationID(id string) BaseEvent {
	e.CorrelationID = id
	return e
}

// Aggregate id helpers.
func GroupAggregate(groupID uint64) string { return fmt.Sprintf("group:%d", groupID) }
func ProfileAggregate(groupID uint64, member AccountID) string {
	return fmt.Sprintf("profile:%d:%s", groupID, member)
}
func ProposalAggregate(id ProposalID) string { return "proposal:" + id.String() }

// ═══════════════════════════════════════════════════════════════════════════
// Registry & Group Events
// ═══════════════════════════════════════════════════════════════════════════

// RegistryInitializedEvent is emitted once when the registry gets its admin.
type RegistryInitializedEvent struct {
	BaseEvent
	Admin AccountID `json:"admin"`
}

// Payload implements Event interface.
func (e RegistryInitializedEvent) Payload() map[string]interface{} {
	return map[string]interface{}{
		"admin": e.Admin.String(),
	}
}

// NewRegistryInitializedEvent creates a new RegistryInitializedEvent.
func NewRegistryInitializedEvent(admin AccountID, at Timestamp) RegistryInitializedEvent {
	return RegistryInitializedEvent{
		BaseEvent: NewBaseEvent(EventRegistryInitialized, "registry", at),
		Admin:     admin,
	}
}

// GroupCreatedEvent is emitted when a study group is created.
type GroupCreatedEvent struct {
	BaseEvent
	GroupID          uint64    `json:"group_id"`
	Creator          AccountID `json:"creator"`
	Name             string    `json:"name"`
	StakeRequirement Amount    `json:"stake_requirement"`
}

// Payload implements Event interface.
func (e GroupCreatedEvent) Payload() map[string]interface{} {
	return map[string]interface{}{
		"group_id":          e.GroupID,
		"creator":           e.Creator.String(),
		"name":              e.Name,
		"stake_requirement": e.StakeRequirement.Uint64(),
	}
}

// NewGroupCreatedEvent creates a new GroupCreatedEvent.
func NewGroupCreatedEvent(groupID uint64, creator AccountID, name string, stake Amount, at Timestamp) GroupCreatedEvent {
	return GroupCreatedEvent{
		BaseEvent:        NewBaseEvent(EventGroupCreated, GroupAggregate(groupID), at),
		GroupID:          groupID,
		Creator:          creator,
		Name:             name,
		StakeRequirement: stake,
	}
}

// ═══════════════════════════════════════════════════════════════════════════
// Membership Events
// ═══════════════════════════════════════════════════════════════════════════

// MemberJoinedEvent is emitted after a stake has been locked for a new member.
type MemberJoinedEvent struct {
	BaseEvent
	GroupID     uint64    `json:"group_id"`
	Member      AccountID `json:"member"`
	StakeAmount Amount    `json:"stake_amount"`
}

// Payload implements Event interface.
func (e MemberJoinedEvent) Payload() map[string]interface{} {
	return map[string]interface{}{
		"group_id":     e.GroupID,
		"member":       e.Member.String(),
		"stake_amount": e.StakeAmount.Uint64(),
	}
}

// NewMemberJoinedEvent creates a new MemberJoinedEvent.
func NewMemberJoinedEvent(groupID uint64, member AccountID, stake Amount, at Timestamp) MemberJoinedEvent {
	return MemberJoinedEvent{
		BaseEvent:   NewBaseEvent(EventMemberJoined, ProfileAggregate(groupID, member), at),
		GroupID:     groupID,
		Member:      member,
		StakeAmount: stake,
	}
}

// DailyCheckInRecordedEvent is emitted for every accepted check-in.
type DailyCheckInRecordedEvent struct {
	BaseEvent
	Member  AccountID `json:"member"`
	GroupID uint64    `json:"group_id"`
	Streak  uint32    `json:"streak"`
}

// Payload implements Event interface.
func (e DailyCheckInRecordedEvent) Payload() map[string]interface{} {
	return map[string]interface{}{
		"member":   e.Member.String(),
		"group_id": e.GroupID,
		"streak":   e.Streak,
	}
}

// NewDailyCheckInRecordedEvent creates a new DailyCheckInRecordedEvent.
func NewDailyCheckInRecordedEvent(member AccountID, groupID uint64, streak uint32, at Timestamp) DailyCheckInRecordedEvent {
	return DailyCheckInRecordedEvent{
		BaseEvent: NewBaseEvent(EventDailyCheckInRecorded, ProfileAggregate(groupID, member), at),
		Member:    member,
		GroupID:   groupID,
		Streak:    streak,
	}
}

// MemberLeftEvent is emitted when a member exits early.
type MemberLeftEvent struct {
	BaseEvent
	Member       AccountID `json:"member"`
	GroupID      uint64    `json:"group_id"`
	RefundAmount Amount    `json:"refund_amount"`
}

// Payload implements Event interface.
func (e MemberLeftEvent) Payload() map[string]interface{} {
	return map[string]interface{}{
		"member":        e.Member.String(),
		"group_id":      e.GroupID,
		"refund_amount": e.RefundAmount.Uint64(),
	}
}

// NewMemberLeftEvent creates a new MemberLeftEvent.
func NewMemberLeftEvent(member AccountID, groupID uint64, refund Amount, at Timestamp) MemberLeftEvent {
	return MemberLeftEvent{
		BaseEvent:    NewBaseEvent(EventMemberLeft, ProfileAggregate(groupID, member), at),
		Member:       member,
		GroupID:      groupID,
		RefundAmount: refund,
	}
}

// ═══════════════════════════════════════════════════════════════════════════
// Reputation Events
// ═══════════════════════════════════════════════════════════════════════════

// MemberTippedEvent is emitted after a peer tip has been transferred.
type MemberTippedEvent struct {
	BaseEvent
	Sender    AccountID `json:"sender"`
	Recipient AccountID `json:"recipient"`
	GroupID   uint64    `json:"group_id"`
	Amount    Amount    `json:"amount"`
	Category  string    `json:"category"`
}

// Payload implements Event interface.
func (e MemberTippedEvent) Payload() map[string]interface{} {
	return map[string]interface{}{
		"sender":    e.Sender.String(),
		"recipient": e.Recipient.String(),
		"group_id":  e.GroupID,
		"amount":    e.Amount.Uint64(),
		"category":  e.Category,
	}
}

// NewMemberTippedEvent creates a new MemberTippedEvent.
func NewMemberTippedEvent(sender, recipient AccountID, groupID uint64, amount Amount, category string, at Timestamp) MemberTippedEvent {
	return MemberTippedEvent{
		BaseEvent: NewBaseEvent(EventMemberTipped, ProfileAggregate(groupID, recipient), at),
		Sender:    sender,
		Recipient: recipient,
		GroupID:   groupID,
		Amount:    amount,
		Category:  category,
	}
}

// ═══════════════════════════════════════════════════════════════════════════
// Governance Events
// ═══════════════════════════════════════════════════════════════════════════

// ProposalCreatedEvent is emitted when a proposal opens for voting.
type ProposalCreatedEvent struct {
	BaseEvent
	ProposalID   ProposalID `json:"proposal_id"`
	Proposer     AccountID  `json:"proposer"`
	GroupID      uint64     `json:"group_id"`
	ProposalType string     `json:"proposal_type"`
}

// Payload implements Event interface.
func (e ProposalCreatedEvent) Payload() map[string]interface{} {
	return map[string]interface{}{
		"proposal_id":   e.ProposalID.String(),
		"proposer":      e.Proposer.String(),
		"group_id":      e.GroupID,
		"proposal_type": e.ProposalType,
	}
}

// NewProposalCreatedEvent creates a new ProposalCreatedEvent.
func NewProposalCreatedEvent(id ProposalID, proposer AccountID, proposalType string, at Timestamp) ProposalCreatedEvent {
	return ProposalCreatedEvent{
		BaseEvent:    NewBaseEvent(EventProposalCreated, ProposalAggregate(id), at),
		ProposalID:   id,
		Proposer:     proposer,
		GroupID:      id.GroupID,
		ProposalType: proposalType,
	}
}

// VoteCastEvent is emitted for every counted vote.
type VoteCastEvent struct {
	BaseEvent
	ProposalID ProposalID `json:"proposal_id"`
	Voter      AccountID  `json:"voter"`
	Choice     bool       `json:"choice"`
}

// Payload implements Event interface.
func (e VoteCastEvent) Payload() map[string]interface{} {
	return map[string]interface{}{
		"proposal_id": e.ProposalID.String(),
		"voter":       e.Voter.String(),
		"choice":      e.Choice,
	}
}

// NewVoteCastEvent creates a new VoteCastEvent.
func NewVoteCastEvent(id ProposalID, voter AccountID, choice bool, at Timestamp) VoteCastEvent {
	return VoteCastEvent{
		BaseEvent:  NewBaseEvent(EventVoteCast, ProposalAggregate(id), at),
		ProposalID: id,
		Voter:      voter,
		Choice:     choice,
	}
}

// ProposalResolvedEvent is emitted when a proposal reaches a terminal
// status. Its type is EventProposalExecuted or EventProposalRejected.
type ProposalResolvedEvent struct {
	BaseEvent
	ProposalID   ProposalID `json:"proposal_id"`
	VotesFor     uint32     `json:"votes_for"`
	VotesAgainst uint32     `json:"votes_against"`
}

// Payload implements Event interface.
func (e ProposalResolvedEvent) Payload() map[string]interface{} {
	return map[string]interface{}{
		"proposal_id":   e.ProposalID.String(),
		"votes_for":     e.VotesFor,
		"votes_against": e.VotesAgainst,
	}
}

// NewProposalResolvedEvent creates a ProposalResolvedEvent. executed selects
// between the executed and rejected event types.
func NewProposalResolvedEvent(id ProposalID, executed bool, votesFor, votesAgainst uint32, at Timestamp) ProposalResolvedEvent {
	eventType := EventProposalRejected
	if executed {
		eventType = EventProposalExecuted
	}
	return ProposalResolvedEvent{
		BaseEvent:    NewBaseEvent(eventType, ProposalAggregate(id), at),
		ProposalID:   id,
		VotesFor:     votesFor,
		VotesAgainst: votesAgainst,
	}
}

// ═══════════════════════════════════════════════════════════════════════════
// Reward Events
// ═══════════════════════════════════════════════════════════════════════════

// RewardsClaimedEvent is emitted after a reward share has been paid out.
type RewardsClaimedEvent struct {
	BaseEvent
	Member  AccountID `json:"member"`
	GroupID uint64    `json:"group_id"`
	Amount  Amount    `json:"amount"`
}

// Payload implements Event interface.
func (e RewardsClaimedEvent) Payload() map[string]interface{} {
	return map[string]interface{}{
		"member":   e.Member.String(),
		"group_id": e.GroupID,
		"amount":   e.Amount.Uint64(),
	}
}

// NewRewardsClaimedEvent creates a new RewardsClaimedEvent.
func NewRewardsClaimedEvent(member AccountID, groupID uint64, amount Amount, at Timestamp) RewardsClaimedEvent {
	return RewardsClaimedEvent{
		BaseEvent: NewBaseEvent(EventRewardsClaimed, ProfileAggregate(groupID, member), at),
		Member:    member,
		GroupID:   groupID,
		Amount:    amount,
	}
}

// ═══════════════════════════════════════════════════════════════════════════
// Event Envelope (for serialization and transport)
// ═══════════════════════════════════════════════════════════════════════════

// EventEnvelope wraps an event for transport/storage.
type EventEnvelope struct {
	ID            string          `json:"id"`
	Type          EventType       `json:"type"`
	AggregateID   string          `json:"aggregate_id"`
	Timestamp     time.Time       `json:"timestamp"`
	Version       int             `json:"version"`
	CorrelationID string          `json:"correlation_id,omitempty"`
	Payload       json.RawMessage `json:"payload"`
}

// NewEventEnvelope wraps event for transport under the given envelope id.
func NewEventEnvelope(id string, event Event) (EventEnvelope, error) {
	payload, err := json.Marshal(event.Payload())
	if err != nil {
		return EventEnvelope{}, fmt.Errorf("marshal %s payload: %w", event.EventType(), err)
	}
	env := EventEnvelope{
		ID:          id,
		Type:        event.EventType(),
		AggregateID: event.AggregateID(),
		Timestamp:   event.OccurredAt(),
		Version:     1,
		Payload:     payload,
	}
	if c, ok := event.(interface{ correlation() string }); ok {
		env.CorrelationID = c.correlation()
	}
	return env, nil
}

func (e BaseEvent) correlation() string { return e.CorrelationID }

// EventHandler is a function that handles an event.
type EventHandler func(event Event) error

// EventPublisher is the fire-and-forget sink handed to command handlers.
// A returned error is reported, never used to undo committed state.
type EventPublisher interface {
	Publish(event Event) error
}

// EventSubscriber defines the interface for subscribing to events.
type EventSubscriber interface {
	// Subscribe registers a handler for an event type.
	Subscribe(eventType EventType, handler EventHandler) error

	// SubscribeAll registers a handler for all events.
	SubscribeAll(handler EventHandler) error
}

// EventBus combines publishing and subscribing.
type EventBus interface {
	EventPublisher
	EventSubscriber
}

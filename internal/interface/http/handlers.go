package http

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"

	"github.com/gorilla/mux"

	"github.com/studycircle/studycircle-hub/internal/application/command"
	"github.com/studycircle/studycircle-hub/internal/application/query"
	"github.com/studycircle/studycircle-hub/internal/domain/governance"
	"github.com/studycircle/studycircle-hub/internal/domain/reputation"
	"github.com/studycircle/studycircle-hub/internal/domain/shared"
)

// ══════════════════════════════════════════════════════════════════════════════
// HEALTH & STATUS HANDLERS
// ══════════════════════════════════════════════════════════════════════════════

// handleRoot serves the root endpoint with basic API information.
func (s *Server) handleRoot(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, r, http.StatusOK, map[string]any{
		"name":    "StudyCircle Hub API",
		"version": s.config.Version,
		"endpoints": map[string]string{
			"health":   "/health",
			"registry": "/api/v1/registry",
			"groups":   "/api/v1/groups",
			"members":  "/api/v1/members/{member}/groups",
		},
	})
}

// handleHealth reports every check. Any failure answers 503.
func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	status := s.deps.HealthChecker.Check(r.Context())
	if status.Version == "" {
		status.Version = s.config.Version
	}
	if !status.Healthy {
		writeJSON(w, r, http.StatusServiceUnavailable, status)
		return
	}
	writeJSON(w, r, http.StatusOK, status)
}

// handleReady answers 503 only when a required dependency is down.
func (s *Server) handleReady(w http.ResponseWriter, r *http.Request) {
	status := s.deps.HealthChecker.Check(r.Context())
	if !status.Ready {
		writeJSON(w, r, http.StatusServiceUnavailable, map[string]string{
			"status": "not_ready",
			"reason": status.Message,
		})
		return
	}
	writeJSON(w, r, http.StatusOK, map[string]string{"status": "ready"})
}

// handleLive handles the liveness probe endpoint.
func (s *Server) handleLive(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, r, http.StatusOK, map[string]string{"status": "alive"})
}

// ══════════════════════════════════════════════════════════════════════════════
// REGISTRY HANDLERS
// ══════════════════════════════════════════════════════════════════════════════

// handleInitializeRegistry handles POST /api/v1/registry/initialize.
// The caller becomes the admin.
func (s *Server) handleInitializeRegistry(w http.ResponseWriter, r *http.Request) {
	caller, _ := CallerFrom(r.Context())
	res, err := s.deps.Commands.InitializeRegistry.Handle(r.Context(), command.InitializeRegistryCommand{
		Admin:         caller,
		CorrelationID: getRequestID(r.Context()),
	})
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, r, http.StatusCreated, map[string]any{"admin": res.Admin})
}

// handleGetRegistry handles GET /api/v1/registry.
func (s *Server) handleGetRegistry(w http.ResponseWriter, r *http.Request) {
	res, err := s.deps.Queries.GetRegistryStatus.Handle(r.Context())
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, r, http.StatusOK, res)
}

// ══════════════════════════════════════════════════════════════════════════════
// GROUP HANDLERS
// ══════════════════════════════════════════════════════════════════════════════

type createGroupRequest struct {
	Name             string        `json:"name"`
	Subject          string        `json:"subject"`
	Description      string        `json:"description"`
	StakeRequirement shared.Amount `json:"stake_requirement"`
	MaxMembers       uint8         `json:"max_members"`
	DurationDays     uint32        `json:"duration_days"`
}

// handleCreateGroup handles POST /api/v1/groups.
func (s *Server) handleCreateGroup(w http.ResponseWriter, r *http.Request) {
	var req createGroupRequest
	if err := decodeBody(r, &req); err != nil {
		badRequest(w, r, err.Error())
		return
	}
	caller, _ := CallerFrom(r.Context())
	res, err := s.deps.Commands.CreateGroup.Handle(r.Context(), command.CreateGroupCommand{
		Caller:           caller,
		Name:             req.Name,
		Subject:          req.Subject,
		Description:      req.Description,
		StakeRequirement: req.StakeRequirement,
		MaxMembers:       req.MaxMembers,
		DurationDays:     req.DurationDays,
		CorrelationID:    getRequestID(r.Context()),
	})
	if err != nil {
		writeError(w, r, err)
		return
	}
	w.Header().Set("Location", fmt.Sprintf("/api/v1/groups/%d", res.Group.ID))
	writeJSON(w, r, http.StatusCreated, query.NewGroupDTO(res.Group))
}

// handleListGroups handles GET /api/v1/groups?active=&subject=&creator=&offset=&limit=.
func (s *Server) handleListGroups(w http.ResponseWriter, r *http.Request) {
	offset, err := queryInt(r, "offset")
	if err != nil {
		badRequest(w, r, err.Error())
		return
	}
	limit, err := queryInt(r, "limit")
	if err != nil {
		badRequest(w, r, err.Error())
		return
	}
	res, err := s.deps.Queries.ListGroups.Handle(r.Context(), query.ListGroupsQuery{
		ActiveOnly: queryBool(r, "active"),
		Subject:    r.URL.Query().Get("subject"),
		Creator:    shared.AccountID(r.URL.Query().Get("creator")),
		Offset:     offset,
		Limit:      limit,
	})
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSONWithMeta(w, r, http.StatusOK, res.Groups, &ResponseMeta{
		Offset:  res.Offset,
		Limit:   res.Limit,
		HasMore: res.HasMore,
	})
}

// handleGetGroup handles GET /api/v1/groups/{groupID}.
func (s *Server) handleGetGroup(w http.ResponseWriter, r *http.Request) {
	groupID, ok := pathGroupID(w, r)
	if !ok {
		return
	}
	res, err := s.deps.Queries.GetGroup.Handle(r.Context(), query.GetGroupQuery{GroupID: groupID})
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, r, http.StatusOK, res)
}

// handleGetScoreboard handles GET /api/v1/groups/{groupID}/scoreboard?limit=.
func (s *Server) handleGetScoreboard(w http.ResponseWriter, r *http.Request) {
	groupID, ok := pathGroupID(w, r)
	if !ok {
		return
	}
	limit, err := queryInt(r, "limit")
	if err != nil {
		badRequest(w, r, err.Error())
		return
	}
	res, err := s.deps.Queries.GetScoreboard.Handle(r.Context(), query.GetScoreboardQuery{GroupID: groupID, Limit: limit})
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, r, http.StatusOK, res)
}

// ══════════════════════════════════════════════════════════════════════════════
// MEMBERSHIP HANDLERS
// ══════════════════════════════════════════════════════════════════════════════

// handleJoinGroup handles POST /api/v1/groups/{groupID}/join.
func (s *Server) handleJoinGroup(w http.ResponseWriter, r *http.Request) {
	groupID, ok := pathGroupID(w, r)
	if !ok {
		return
	}
	caller, _ := CallerFrom(r.Context())
	res, err := s.deps.Commands.JoinGroup.Handle(r.Context(), command.JoinGroupCommand{
		Caller:        caller,
		GroupID:       groupID,
		CorrelationID: getRequestID(r.Context()),
	})
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, r, http.StatusCreated, map[string]any{
		"profile":         query.NewProfileDTO(res.Profile),
		"reward_pool":     res.RewardPool,
		"current_members": res.CurrentMembers,
	})
}

// handleCheckIn handles POST /api/v1/groups/{groupID}/check-in.
func (s *Server) handleCheckIn(w http.ResponseWriter, r *http.Request) {
	groupID, ok := pathGroupID(w, r)
	if !ok {
		return
	}
	caller, _ := CallerFrom(r.Context())
	res, err := s.deps.Commands.CheckIn.Handle(r.Context(), command.CheckInCommand{
		Caller:        caller,
		GroupID:       groupID,
		CorrelationID: getRequestID(r.Context()),
	})
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, r, http.StatusOK, map[string]any{
		"streak":              res.Streak,
		"awarded":             res.Awarded,
		"participation_score": res.ParticipationScore,
		"check_in_count":      res.CheckInCount,
	})
}

// handleLeaveGroup handles POST /api/v1/groups/{groupID}/leave.
func (s *Server) handleLeaveGroup(w http.ResponseWriter, r *http.Request) {
	groupID, ok := pathGroupID(w, r)
	if !ok {
		return
	}
	caller, _ := CallerFrom(r.Context())
	res, err := s.deps.Commands.LeaveGroup.Handle(r.Context(), command.LeaveGroupCommand{
		Caller:        caller,
		GroupID:       groupID,
		CorrelationID: getRequestID(r.Context()),
	})
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, r, http.StatusOK, map[string]any{
		"stake":       res.Stake,
		"penalty":     res.Penalty,
		"refund":      res.Refund,
		"reward_pool": res.RewardPool,
	})
}

type tipRequest struct {
	Recipient string        `json:"recipient"`
	Amount    shared.Amount `json:"amount"`
	Category  string        `json:"category"`
}

// handleTipMember handles POST /api/v1/groups/{groupID}/tips.
func (s *Server) handleTipMember(w http.ResponseWriter, r *http.Request) {
	groupID, ok := pathGroupID(w, r)
	if !ok {
		return
	}
	var req tipRequest
	if err := decodeBody(r, &req); err != nil {
		badRequest(w, r, err.Error())
		return
	}
	recipient, err := shared.NewAccountID(req.Recipient)
	if err != nil {
		writeError(w, r, err)
		return
	}
	category, err := reputation.ParseTipCategory(req.Category)
	if err != nil {
		writeError(w, r, err)
		return
	}
	caller, _ := CallerFrom(r.Context())
	res, err := s.deps.Commands.TipMember.Handle(r.Context(), command.TipMemberCommand{
		Caller:        caller,
		GroupID:       groupID,
		Recipient:     recipient,
		Amount:        req.Amount,
		Category:      category,
		CorrelationID: getRequestID(r.Context()),
	})
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, r, http.StatusOK, map[string]any{
		"points":              res.Points,
		"total_tips_received": res.TotalTipsReceived,
		"participation_score": res.ParticipationScore,
	})
}

// handleClaimRewards handles POST /api/v1/groups/{groupID}/claim.
func (s *Server) handleClaimRewards(w http.ResponseWriter, r *http.Request) {
	groupID, ok := pathGroupID(w, r)
	if !ok {
		return
	}
	caller, _ := CallerFrom(r.Context())
	res, err := s.deps.Commands.ClaimRewards.Handle(r.Context(), command.ClaimRewardsCommand{
		Caller:        caller,
		GroupID:       groupID,
		CorrelationID: getRequestID(r.Context()),
	})
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, r, http.StatusOK, map[string]any{
		"amount":       res.Amount,
		"score_basis":  res.ScoreBasis,
		"reward_pool":  res.RewardPool,
		"total_claims": res.TotalClaims,
	})
}

// handleListGroupMembers handles GET /api/v1/groups/{groupID}/members?include_inactive=.
func (s *Server) handleListGroupMembers(w http.ResponseWriter, r *http.Request) {
	groupID, ok := pathGroupID(w, r)
	if !ok {
		return
	}
	res, err := s.deps.Queries.ListGroupMembers.Handle(r.Context(), query.ListGroupMembersQuery{
		GroupID:         groupID,
		IncludeInactive: queryBool(r, "include_inactive"),
	})
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, r, http.StatusOK, res)
}

// handleGetMember handles GET /api/v1/groups/{groupID}/members/{member}.
func (s *Server) handleGetMember(w http.ResponseWriter, r *http.Request) {
	groupID, ok := pathGroupID(w, r)
	if !ok {
		return
	}
	member, ok := pathMember(w, r)
	if !ok {
		return
	}
	res, err := s.deps.Queries.GetMember.Handle(r.Context(), query.GetMemberQuery{GroupID: groupID, Member: member})
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, r, http.StatusOK, res)
}

// handleMemberStatus handles GET /api/v1/groups/{groupID}/members/{member}/status.
func (s *Server) handleMemberStatus(w http.ResponseWriter, r *http.Request) {
	groupID, ok := pathGroupID(w, r)
	if !ok {
		return
	}
	member, ok := pathMember(w, r)
	if !ok {
		return
	}
	q := query.MembershipQuery{GroupID: groupID, Member: member}
	isMember, err := s.deps.Queries.IsMember.Handle(r.Context(), q)
	if err != nil {
		writeError(w, r, err)
		return
	}
	canCheckIn, err := s.deps.Queries.CanCheckIn.Handle(r.Context(), q)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, r, http.StatusOK, map[string]bool{
		"is_member":    isMember,
		"can_check_in": canCheckIn,
	})
}

// handleListMemberGroups handles GET /api/v1/members/{member}/groups?active=.
func (s *Server) handleListMemberGroups(w http.ResponseWriter, r *http.Request) {
	member, ok := pathMember(w, r)
	if !ok {
		return
	}
	res, err := s.deps.Queries.ListMemberGroups.Handle(r.Context(), query.ListMemberGroupsQuery{
		Member:     member,
		ActiveOnly: queryBool(r, "active"),
	})
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, r, http.StatusOK, res)
}

// handleGetMemberStats handles GET /api/v1/members/{member}/stats.
func (s *Server) handleGetMemberStats(w http.ResponseWriter, r *http.Request) {
	member, ok := pathMember(w, r)
	if !ok {
		return
	}
	res, err := s.deps.Queries.GetMemberStats.Handle(r.Context(), query.GetMemberStatsQuery{Member: member})
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, r, http.StatusOK, res)
}

// ══════════════════════════════════════════════════════════════════════════════
// GOVERNANCE HANDLERS
// ══════════════════════════════════════════════════════════════════════════════

type createProposalRequest struct {
	Type        string `json:"type"`
	Description string `json:"description"`
}

// handleCreateProposal handles POST /api/v1/groups/{groupID}/proposals.
func (s *Server) handleCreateProposal(w http.ResponseWriter, r *http.Request) {
	groupID, ok := pathGroupID(w, r)
	if !ok {
		return
	}
	var req createProposalRequest
	if err := decodeBody(r, &req); err != nil {
		badRequest(w, r, err.Error())
		return
	}
	proposalType, err := governance.ParseProposalType(req.Type)
	if err != nil {
		writeError(w, r, err)
		return
	}
	caller, _ := CallerFrom(r.Context())
	res, err := s.deps.Commands.CreateProposal.Handle(r.Context(), command.CreateProposalCommand{
		Caller:        caller,
		GroupID:       groupID,
		Type:          proposalType,
		Description:   req.Description,
		CorrelationID: getRequestID(r.Context()),
	})
	if err != nil {
		writeError(w, r, err)
		return
	}
	p := res.Proposal
	w.Header().Set("Location", fmt.Sprintf("/api/v1/groups/%d/proposals/%d", p.ID.GroupID, p.ID.Seq))
	writeJSON(w, r, http.StatusCreated, query.NewProposalDTO(p, p.CreatedAt))
}

// handleListProposals handles GET /api/v1/groups/{groupID}/proposals?status=.
func (s *Server) handleListProposals(w http.ResponseWriter, r *http.Request) {
	groupID, ok := pathGroupID(w, r)
	if !ok {
		return
	}
	res, err := s.deps.Queries.ListProposals.Handle(r.Context(), query.ListProposalsQuery{
		GroupID: groupID,
		Status:  governance.Status(strings.ToLower(r.URL.Query().Get("status"))),
	})
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, r, http.StatusOK, res)
}

// handleGetProposal handles GET /api/v1/groups/{groupID}/proposals/{seq}.
func (s *Server) handleGetProposal(w http.ResponseWriter, r *http.Request) {
	id, ok := pathProposalID(w, r)
	if !ok {
		return
	}
	res, err := s.deps.Queries.GetProposal.Handle(r.Context(), query.GetProposalQuery{ProposalID: id})
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, r, http.StatusOK, res)
}

type voteRequest struct {
	// InFavor is a pointer so a missing field is rejected instead of
	// counting as a vote against.
	InFavor *bool `json:"in_favor"`
}

// handleCastVote handles POST /api/v1/groups/{groupID}/proposals/{seq}/votes.
func (s *Server) handleCastVote(w http.ResponseWriter, r *http.Request) {
	id, ok := pathProposalID(w, r)
	if !ok {
		return
	}
	var req voteRequest
	if err := decodeBody(r, &req); err != nil {
		badRequest(w, r, err.Error())
		return
	}
	if req.InFavor == nil {
		badRequest(w, r, "in_favor is required")
		return
	}
	caller, _ := CallerFrom(r.Context())
	res, err := s.deps.Commands.CastVote.Handle(r.Context(), command.CastVoteCommand{
		Caller:        caller,
		ProposalID:    id,
		InFavor:       *req.InFavor,
		CorrelationID: getRequestID(r.Context()),
	})
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, r, http.StatusOK, map[string]any{
		"votes_for":     res.VotesFor,
		"votes_against": res.VotesAgainst,
	})
}

// handleExecuteProposal handles POST /api/v1/groups/{groupID}/proposals/{seq}/execute.
func (s *Server) handleExecuteProposal(w http.ResponseWriter, r *http.Request) {
	id, ok := pathProposalID(w, r)
	if !ok {
		return
	}
	caller, _ := CallerFrom(r.Context())
	res, err := s.deps.Commands.ExecuteProposal.Handle(r.Context(), command.ExecuteProposalCommand{
		Caller:        caller,
		ProposalID:    id,
		CorrelationID: getRequestID(r.Context()),
	})
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, r, http.StatusOK, map[string]any{
		"status":             res.Status,
		"votes_for":          res.VotesFor,
		"votes_against":      res.VotesAgainst,
		"required_threshold": res.RequiredThreshold,
	})
}

// ══════════════════════════════════════════════════════════════════════════════
// REQUEST HELPERS
// ══════════════════════════════════════════════════════════════════════════════

// decodeBody decodes exactly one JSON object with no unknown fields.
func decodeBody(r *http.Request, dst any) error {
	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()
	if err := dec.Decode(dst); err != nil {
		var tooLarge *http.MaxBytesError
		switch {
		case errors.Is(err, io.EOF):
			return errors.New("request body is required")
		case errors.As(err, &tooLarge):
			return fmt.Errorf("request body exceeds %d bytes", tooLarge.Limit)
		default:
			return fmt.Errorf("malformed request body: %v", err)
		}
	}
	if dec.More() {
		return errors.New("request body must contain a single JSON object")
	}
	return nil
}

func pathGroupID(w http.ResponseWriter, r *http.Request) (uint64, bool) {
	id, err := strconv.ParseUint(mux.Vars(r)["groupID"], 10, 64)
	if err != nil {
		badRequest(w, r, "group id must be an unsigned integer")
		return 0, false
	}
	return id, true
}

func pathProposalID(w http.ResponseWriter, r *http.Request) (shared.ProposalID, bool) {
	groupID, ok := pathGroupID(w, r)
	if !ok {
		return shared.ProposalID{}, false
	}
	seq, err := strconv.ParseUint(mux.Vars(r)["seq"], 10, 64)
	if err != nil || seq == 0 {
		badRequest(w, r, "proposal sequence must be a positive integer")
		return shared.ProposalID{}, false
	}
	return shared.ProposalID{GroupID: groupID, Seq: seq}, true
}

func pathMember(w http.ResponseWriter, r *http.Request) (shared.AccountID, bool) {
	member, err := shared.NewAccountID(mux.Vars(r)["member"])
	if err != nil {
		writeError(w, r, err)
		return "", false
	}
	return member, true
}

// queryInt returns 0 when the parameter is absent.
func queryInt(r *http.Request, key string) (int, error) {
	value := r.URL.Query().Get(key)
	if value == "" {
		return 0, nil
	}
	n, err := strconv.Atoi(value)
	if err != nil {
		return 0, fmt.Errorf("%s must be an integer", key)
	}
	return n, nil
}

// queryBool accepts true/1/yes in any case.
func queryBool(r *http.Request, key string) bool {
	switch strings.ToLower(r.URL.Query().Get(key)) {
	case "true", "1", "yes":
		return true
	}
	return false
}

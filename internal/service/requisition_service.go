// Package service implements the workflow facade: the single entry point for
// every requisition operation. It computes authorization predicates, delegates
// transition legality to the state machine, and commits the resulting state
// together with the ledger entries as one atomic, version-guarded unit.
package service

import (
	"context"
	"math"

	"github.com/sierra-crm/be-pr-requisitions/internal/apperrors"
	"github.com/sierra-crm/be-pr-requisitions/internal/logger"
	"github.com/sierra-crm/be-pr-requisitions/internal/repository"
	"github.com/sierra-crm/be-pr-requisitions/internal/rules"
	"github.com/sierra-crm/be-pr-requisitions/internal/workflow"
	"github.com/sierra-crm/be-pr-requisitions/pkg/metrics"
)

// IdentityDirectory resolves users and roles from the identity service. It is
// injected so role changes are testable without touching the workflow core.
type IdentityDirectory interface {
	// Lookup returns the display name and role of a user.
	Lookup(ctx context.Context, userID string) (name, role string, err error)
	// FindApproverForRole returns the current holder of a role.
	FindApproverForRole(ctx context.Context, role string) (*repository.Approver, error)
	// SupervisorOf returns the escalation target for an approver.
	SupervisorOf(ctx context.Context, userID string) (*repository.Approver, error)
}

// Notifier publishes workflow events for the notifications service.
// Implementations must be fire-and-forget: failures are logged, never
// propagated.
type Notifier interface {
	PublishRequisitionEvent(ctx context.Context, eventType string, pr *repository.Requisition, actorID string, recipients []string, payload map[string]any)
}

// WorkflowView is the composed read model handed to presentation layers.
type WorkflowView struct {
	Requisition *repository.Requisition    `json:"requisition"`
	Rule        *repository.ApprovalRule   `json:"rule,omitempty"`
	History     []*repository.HistoryEntry `json:"history"`
	CanEdit     bool                       `json:"can_edit"`
	CanApprove  bool                       `json:"can_approve"`
	CanCancel   bool                       `json:"can_cancel"`
	SLA         *workflow.SLAStatus        `json:"sla,omitempty"`
}

// RequisitionService is the workflow facade.
type RequisitionService struct {
	store    repository.RequisitionStore
	ruleRepo repository.RuleStore
	identity IdentityDirectory
	notifier Notifier
	machine  *workflow.Machine
	sla      *workflow.Monitor
	metrics  *metrics.Collector
	log      *logger.Logger
}

// NewRequisitionService creates the facade. notifier and collector may be nil.
func NewRequisitionService(
	store repository.RequisitionStore,
	ruleRepo repository.RuleStore,
	identity IdentityDirectory,
	notifier Notifier,
	machine *workflow.Machine,
	sla *workflow.Monitor,
	collector *metrics.Collector,
	log *logger.Logger,
) *RequisitionService {
	return &RequisitionService{
		store:    store,
		ruleRepo: ruleRepo,
		identity: identity,
		notifier: notifier,
		machine:  machine,
		sla:      sla,
		metrics:  collector,
		log:      log,
	}
}

// ── Create / edit / delete ───────────────────────────────────────────────────

// CreateRequisitionRequest carries the fields for a new draft.
type CreateRequisitionRequest struct {
	RequesterID     string  `json:"requester_id"`
	RequesterName   string  `json:"requester_name"`
	Department      *string `json:"department,omitempty"`
	Title           string  `json:"title"`
	CategoryCode    string  `json:"category_code"`
	Priority        string  `json:"priority"`
	RequiredByDate  string  `json:"required_by_date"`
	ItemDescription string  `json:"item_description"`
	Quantity        float64 `json:"quantity"`
	UnitPrice       int64   `json:"unit_price"` // cents
	Currency        string  `json:"currency"`
	Justification   string  `json:"justification"`
	PreferredVendor *string `json:"preferred_vendor,omitempty"`
	CostCenter      *string `json:"cost_center,omitempty"`
	Notes           *string `json:"notes,omitempty"`
}

func (req *CreateRequisitionRequest) validate() error {
	switch {
	case req.RequesterID == "":
		return apperrors.InvalidInput("requester_id", "requester is required")
	case req.Title == "":
		return apperrors.InvalidInput("title", "title is required")
	case req.CategoryCode == "":
		return apperrors.InvalidInput("category_code", "category is required")
	case req.RequiredByDate == "":
		return apperrors.InvalidInput("required_by_date", "required-by date is required")
	case req.ItemDescription == "":
		return apperrors.InvalidInput("item_description", "item description is required")
	case req.Justification == "":
		return apperrors.InvalidInput("justification", "justification is required")
	case req.Quantity <= 0:
		return apperrors.InvalidInput("quantity", "quantity must be greater than zero")
	case req.UnitPrice <= 0:
		return apperrors.InvalidInput("unit_price", "unit price must be greater than zero")
	}
	if !repository.Priority(req.Priority).Valid() {
		return apperrors.InvalidInput("priority", "unknown priority")
	}
	if !repository.SupportedCurrencies[req.Currency] {
		return apperrors.InvalidInput("currency", "unsupported currency")
	}
	if totalAmount(req.Quantity, req.UnitPrice) <= 0 {
		return apperrors.InvalidInput("total_amount", "amount must be greater than zero")
	}
	return nil
}

func totalAmount(quantity float64, unitPriceCents int64) int64 {
	return int64(math.Round(quantity * float64(unitPriceCents)))
}

// Create builds a new draft requisition and records its "created" entry.
func (s *RequisitionService) Create(ctx context.Context, req *CreateRequisitionRequest) (*repository.Requisition, error) {
	if err := req.validate(); err != nil {
		return nil, err
	}

	pr := &repository.Requisition{
		RequesterID:     req.RequesterID,
		RequesterName:   req.RequesterName,
		Department:      req.Department,
		Title:           req.Title,
		CategoryCode:    req.CategoryCode,
		Priority:        repository.Priority(req.Priority),
		RequiredByDate:  req.RequiredByDate,
		ItemDescription: req.ItemDescription,
		Quantity:        req.Quantity,
		UnitPrice:       req.UnitPrice,
		Currency:        req.Currency,
		TotalAmount:     totalAmount(req.Quantity, req.UnitPrice),
		Justification:   req.Justification,
		PreferredVendor: req.PreferredVendor,
		CostCenter:      req.CostCenter,
		Notes:           req.Notes,
		Status:          repository.StatusDraft,
	}

	created := repository.StatusDraft
	entry := &repository.HistoryEntry{
		ActorID:        req.RequesterID,
		ActorName:      req.RequesterName,
		Action:         repository.ActionCreated,
		PreviousStatus: nil,
		NewStatus:      &created,
	}

	if err := s.store.Create(ctx, pr, entry); err != nil {
		return nil, err
	}

	s.recordTransition(repository.ActionCreated)
	s.log.Info().
		Str("requisition_id", pr.ID).
		Str("pr_number", pr.PRNumber).
		Int64("total_amount", pr.TotalAmount).
		Str("currency", pr.Currency).
		Msg("Requisition created")

	return pr, nil
}

// UpdateDraft edits a draft's fields. Only the requester may edit, and only
// while the requisition is still a draft; everything is immutable after
// submission.
func (s *RequisitionService) UpdateDraft(ctx context.Context, id, actorID string, req *CreateRequisitionRequest) (*repository.Requisition, error) {
	pr, err := s.store.GetByID(ctx, id)
	if err != nil {
		return nil, err
	}
	if pr.RequesterID != actorID {
		return nil, apperrors.Unauthorized("only the requester can edit this requisition")
	}
	if pr.Status != repository.StatusDraft {
		return nil, apperrors.InvalidTransition(pr.ID, string(pr.Status), "edit")
	}
	req.RequesterID = pr.RequesterID
	req.RequesterName = pr.RequesterName
	if err := req.validate(); err != nil {
		return nil, err
	}

	next := pr.Clone()
	next.Title = req.Title
	next.CategoryCode = req.CategoryCode
	next.Priority = repository.Priority(req.Priority)
	next.RequiredByDate = req.RequiredByDate
	next.ItemDescription = req.ItemDescription
	next.Quantity = req.Quantity
	next.UnitPrice = req.UnitPrice
	next.Currency = req.Currency
	next.TotalAmount = totalAmount(req.Quantity, req.UnitPrice)
	next.Justification = req.Justification
	next.PreferredVendor = req.PreferredVendor
	next.CostCenter = req.CostCenter
	next.Notes = req.Notes
	next.Department = req.Department

	status := pr.Status
	entry := &repository.HistoryEntry{
		RequisitionID:  pr.ID,
		ActorID:        actorID,
		ActorName:      pr.RequesterName,
		Action:         repository.ActionEdited,
		PreviousStatus: &status,
		NewStatus:      &status,
	}

	if err := s.store.Update(ctx, next, pr.Version, entry); err != nil {
		return nil, err
	}
	s.recordTransition(repository.ActionEdited)
	return next, nil
}

// DeleteDraft removes a requisition that never entered the workflow.
func (s *RequisitionService) DeleteDraft(ctx context.Context, id, actorID string) error {
	pr, err := s.store.GetByID(ctx, id)
	if err != nil {
		return err
	}
	if pr.RequesterID != actorID {
		return apperrors.Unauthorized("only the requester can delete this requisition")
	}
	return s.store.DeleteDraft(ctx, id)
}

// ── Workflow transitions ─────────────────────────────────────────────────────

// Submit routes a draft through rule resolution into pending_approval, or
// straight to approved when the matched rule is auto.
func (s *RequisitionService) Submit(ctx context.Context, id, actorID string) (*repository.Requisition, error) {
	pr, err := s.store.GetByID(ctx, id)
	if err != nil {
		return nil, err
	}

	ruleSet, err := s.loadRuleSet(ctx)
	if err != nil {
		return nil, err
	}
	rule, err := ruleSet.Resolve(pr.TotalAmount, pr.Currency)
	if err != nil {
		s.log.Error().
			Str("requisition_id", pr.ID).
			Int64("total_amount", pr.TotalAmount).
			Msg("No approval rule covers amount; submission blocked")
		return nil, err
	}

	var approver *repository.Approver
	if rule.ApproverRole != repository.ApproverRoleAuto {
		approver, err = s.identity.FindApproverForRole(ctx, rule.ApproverRole)
		if err != nil {
			return nil, apperrors.Wrap(err, apperrors.ErrCodeInternal, "failed to resolve approver for role "+rule.ApproverRole)
		}
	}

	actor := s.actor(ctx, actorID, pr)
	next, entries, err := s.machine.Submit(pr, actor, rule, approver)
	if err != nil {
		return nil, err
	}

	if err := s.store.CommitTransition(ctx, next, pr.Version, entries); err != nil {
		return nil, err
	}

	if next.Status == repository.StatusApproved {
		s.recordTransition(repository.ActionApproved)
		s.notify(ctx, "auto_approved", next, actorID, []string{next.RequesterID}, map[string]any{
			"rule_name": rule.Name,
		})
		s.log.Info().
			Str("requisition_id", next.ID).
			Str("rule", rule.Name).
			Msg("Requisition auto-approved on submission")
	} else {
		s.recordTransition(repository.ActionSubmitted)
		s.notify(ctx, "approval_required", next, actorID, []string{approver.ID}, map[string]any{
			"rule_name": rule.Name,
			"sla_hours": rule.SLAHours,
		})
		s.log.Info().
			Str("requisition_id", next.ID).
			Str("approver_id", approver.ID).
			Str("rule", rule.Name).
			Msg("Requisition submitted for approval")
	}

	return next, nil
}

// Approve resolves a pending requisition in favour of the request. Only the
// assigned approver may act.
func (s *RequisitionService) Approve(ctx context.Context, id, actorID, comments string) (*repository.Requisition, error) {
	pr, err := s.store.GetByID(ctx, id)
	if err != nil {
		return nil, err
	}

	actor := s.actor(ctx, actorID, pr)
	next, entries, err := s.machine.Approve(pr, actor, comments)
	if err != nil {
		return nil, err
	}
	if err := s.store.CommitTransition(ctx, next, pr.Version, entries); err != nil {
		return nil, err
	}

	s.recordTransition(repository.ActionApproved)
	s.notify(ctx, "approved", next, actorID, []string{next.RequesterID}, nil)
	s.log.Info().
		Str("requisition_id", next.ID).
		Str("approved_by", actorID).
		Msg("Requisition approved")
	return next, nil
}

// Reject resolves a pending requisition against the request; the reason is
// mandatory and lands in the ledger.
func (s *RequisitionService) Reject(ctx context.Context, id, actorID, reason string) (*repository.Requisition, error) {
	pr, err := s.store.GetByID(ctx, id)
	if err != nil {
		return nil, err
	}

	actor := s.actor(ctx, actorID, pr)
	next, entries, err := s.machine.Reject(pr, actor, reason)
	if err != nil {
		return nil, err
	}
	if err := s.store.CommitTransition(ctx, next, pr.Version, entries); err != nil {
		return nil, err
	}

	s.recordTransition(repository.ActionRejected)
	s.notify(ctx, "rejected", next, actorID, []string{next.RequesterID}, map[string]any{
		"reason": reason,
	})
	s.log.Info().
		Str("requisition_id", next.ID).
		Str("rejected_by", actorID).
		Msg("Requisition rejected")
	return next, nil
}

// Cancel withdraws a non-terminal requisition. Allowed for the requester or
// an elevated role.
func (s *RequisitionService) Cancel(ctx context.Context, id, actorID, reason string) (*repository.Requisition, error) {
	pr, err := s.store.GetByID(ctx, id)
	if err != nil {
		return nil, err
	}

	actor := s.actor(ctx, actorID, pr)
	if actorID != pr.RequesterID && !repository.ElevatedRoles[actor.Role] {
		return nil, apperrors.Unauthorized("only the requester or an elevated role can cancel this requisition")
	}

	next, entries, err := s.machine.Cancel(pr, actor, reason)
	if err != nil {
		return nil, err
	}
	if err := s.store.CommitTransition(ctx, next, pr.Version, entries); err != nil {
		return nil, err
	}

	s.recordTransition(repository.ActionCancelled)
	recipients := []string{next.RequesterID}
	if pr.CurrentApproverID != nil {
		recipients = append(recipients, *pr.CurrentApproverID)
	}
	s.notify(ctx, "cancelled", next, actorID, recipients, map[string]any{
		"reason": reason,
	})
	return next, nil
}

// Complete marks an approved requisition as fulfilled. Driven by the external
// fulfilment flow; the requester or an elevated role may trigger it.
func (s *RequisitionService) Complete(ctx context.Context, id, actorID string) (*repository.Requisition, error) {
	pr, err := s.store.GetByID(ctx, id)
	if err != nil {
		return nil, err
	}

	actor := s.actor(ctx, actorID, pr)
	if actorID != pr.RequesterID && !repository.ElevatedRoles[actor.Role] {
		return nil, apperrors.Unauthorized("only the requester or an elevated role can complete this requisition")
	}

	next, entries, err := s.machine.Complete(pr, actor)
	if err != nil {
		return nil, err
	}
	if err := s.store.CommitTransition(ctx, next, pr.Version, entries); err != nil {
		return nil, err
	}

	s.recordTransition(repository.ActionCompleted)
	return next, nil
}

// Escalate reassigns an overdue pending approval to the current approver's
// supervisor. Only eligible once the SLA monitor reports the requisition
// overdue, and only for the requester or an elevated role.
func (s *RequisitionService) Escalate(ctx context.Context, id, actorID string) (*repository.Requisition, error) {
	pr, err := s.store.GetByID(ctx, id)
	if err != nil {
		return nil, err
	}

	actor := s.actor(ctx, actorID, pr)
	if actorID != pr.RequesterID && !repository.ElevatedRoles[actor.Role] {
		return nil, apperrors.Unauthorized("only the requester or an elevated role can escalate this requisition")
	}
	if pr.Status != repository.StatusPendingApproval {
		return nil, apperrors.InvalidTransition(pr.ID, string(pr.Status), "escalate")
	}

	rule, err := s.ruleFor(ctx, pr)
	if err != nil {
		return nil, err
	}
	slaStatus, ok := s.sla.StatusOf(pr, rule)
	if !ok || !slaStatus.IsOverdue {
		return nil, apperrors.InvalidTransition(pr.ID, string(pr.Status), "escalate").
			WithDetail("reason", "sla_not_overdue")
	}

	target, err := s.identity.SupervisorOf(ctx, *pr.CurrentApproverID)
	if err != nil {
		return nil, apperrors.Wrap(err, apperrors.ErrCodeInternal, "failed to resolve escalation target")
	}

	next, entries, err := s.machine.Escalate(pr, actor, target)
	if err != nil {
		return nil, err
	}
	if err := s.store.CommitTransition(ctx, next, pr.Version, entries); err != nil {
		return nil, err
	}

	s.recordTransition(repository.ActionEscalated)
	s.notify(ctx, "escalated", next, actorID, []string{target.ID}, map[string]any{
		"from_approver_id": *pr.CurrentApproverID,
	})
	s.log.Warn().
		Str("requisition_id", next.ID).
		Str("escalated_to", target.ID).
		Float64("overdue_hours", -slaStatus.RemainingHours).
		Msg("Requisition escalated")
	return next, nil
}

// Comment appends a comment entry to the ledger without changing state.
// Internal comments carry the flag for callers to filter on.
func (s *RequisitionService) Comment(ctx context.Context, id, actorID, text string, isInternal bool) (*repository.HistoryEntry, error) {
	if text == "" {
		return nil, apperrors.InvalidInput("comment", "comment text is required")
	}

	pr, err := s.store.GetByID(ctx, id)
	if err != nil {
		return nil, err
	}
	actor := s.actor(ctx, actorID, pr)
	if !s.canView(actorID, actor.Role, pr) {
		return nil, apperrors.Unauthorized("no access to this requisition")
	}

	entry := &repository.HistoryEntry{
		RequisitionID: pr.ID,
		ActorID:       actor.ID,
		ActorName:     actor.Name,
		Action:        repository.ActionCommented,
		Note:          &text,
		IsInternal:    isInternal,
	}
	if actor.Role != "" {
		role := actor.Role
		entry.ActorRole = &role
	}

	if err := s.store.AppendEntry(ctx, entry); err != nil {
		return nil, err
	}
	s.recordTransition(repository.ActionCommented)
	return entry, nil
}

// ── Read models ──────────────────────────────────────────────────────────────

// View composes the requisition, its rule, the ordered ledger, the viewer's
// predicates and the SLA state into one read model.
func (s *RequisitionService) View(ctx context.Context, id, viewerID string) (*WorkflowView, error) {
	pr, err := s.store.GetByID(ctx, id)
	if err != nil {
		return nil, err
	}

	history, err := s.store.History(ctx, id)
	if err != nil {
		return nil, err
	}

	rule, err := s.ruleFor(ctx, pr)
	if err != nil {
		// The rule is display context; a missing rule must not hide the
		// requisition itself.
		s.log.Warn().Err(err).Str("requisition_id", id).Msg("Could not resolve rule for view")
		rule = nil
	}

	viewerRole := ""
	if viewerID != pr.RequesterID {
		if _, role, lerr := s.identity.Lookup(ctx, viewerID); lerr == nil {
			viewerRole = role
		}
	}

	view := &WorkflowView{
		Requisition: pr,
		Rule:        rule,
		History:     history,
		CanEdit:     viewerID == pr.RequesterID && pr.Status == repository.StatusDraft,
		CanApprove: pr.Status == repository.StatusPendingApproval &&
			pr.CurrentApproverID != nil && viewerID == *pr.CurrentApproverID,
		CanCancel: (viewerID == pr.RequesterID || repository.ElevatedRoles[viewerRole]) &&
			!pr.Status.Terminal(),
	}
	if slaStatus, ok := s.sla.StatusOf(pr, rule); ok {
		view.SLA = slaStatus
	}
	return view, nil
}

// List returns a filtered page of requisitions.
func (s *RequisitionService) List(ctx context.Context, filter repository.ListFilter) ([]*repository.Requisition, int64, error) {
	return s.store.List(ctx, filter)
}

// PendingApprovals returns the approver's inbox, urgent first.
func (s *RequisitionService) PendingApprovals(ctx context.Context, approverID string) ([]*repository.Requisition, error) {
	return s.store.PendingForApprover(ctx, approverID)
}

// ── Approval rule administration ─────────────────────────────────────────────

// ListRules returns all configured rules.
func (s *RequisitionService) ListRules(ctx context.Context) ([]*repository.ApprovalRule, error) {
	return s.ruleRepo.List(ctx)
}

// CreateRule adds a rule after validating that the resulting active set still
// partitions the amount line.
func (s *RequisitionService) CreateRule(ctx context.Context, rule *repository.ApprovalRule) (*repository.ApprovalRule, error) {
	if err := s.validateCandidateSet(ctx, rule, ""); err != nil {
		return nil, err
	}
	if err := s.ruleRepo.Create(ctx, rule); err != nil {
		return nil, err
	}
	return rule, nil
}

// UpdateRule modifies a rule under the same partition validation.
func (s *RequisitionService) UpdateRule(ctx context.Context, rule *repository.ApprovalRule) (*repository.ApprovalRule, error) {
	if _, err := s.ruleRepo.GetByID(ctx, rule.ID); err != nil {
		return nil, err
	}
	if err := s.validateCandidateSet(ctx, rule, rule.ID); err != nil {
		return nil, err
	}
	if err := s.ruleRepo.Update(ctx, rule); err != nil {
		return nil, err
	}
	return rule, nil
}

func (s *RequisitionService) validateCandidateSet(ctx context.Context, candidate *repository.ApprovalRule, replaceID string) error {
	active, err := s.ruleRepo.ListActive(ctx)
	if err != nil {
		return err
	}

	set := make([]*repository.ApprovalRule, 0, len(active)+1)
	for _, rule := range active {
		if replaceID != "" && rule.ID == replaceID {
			continue
		}
		set = append(set, rule)
	}
	if candidate.IsActive {
		set = append(set, candidate)
	}

	if _, err := rules.NewRuleSet(set); err != nil {
		return apperrors.Wrap(err, apperrors.ErrCodeInvalidInput,
			"rule change rejected: active rules must cover every amount exactly once")
	}
	return nil
}

// ── Helpers ──────────────────────────────────────────────────────────────────

// loadRuleSet builds the validated rule set from the active rules. A set that
// fails partition validation blocks submission: there is no defined approver.
func (s *RequisitionService) loadRuleSet(ctx context.Context) (*rules.RuleSet, error) {
	active, err := s.ruleRepo.ListActive(ctx)
	if err != nil {
		return nil, err
	}
	set, err := rules.NewRuleSet(active)
	if err != nil {
		return nil, apperrors.Wrap(err, apperrors.ErrCodeNoMatchingRule,
			"approval rule configuration rejected")
	}
	return set, nil
}

// ruleFor returns the rule a requisition is (or would be) governed by.
func (s *RequisitionService) ruleFor(ctx context.Context, pr *repository.Requisition) (*repository.ApprovalRule, error) {
	if pr.ApprovalRuleID != nil {
		return s.ruleRepo.GetByID(ctx, *pr.ApprovalRuleID)
	}
	set, err := s.loadRuleSet(ctx)
	if err != nil {
		return nil, err
	}
	return set.Resolve(pr.TotalAmount, pr.Currency)
}

// actor builds the transition actor, falling back to the requisition's own
// data when the identity service cannot be reached. Authorization decisions
// that depend on the role fail closed because the fallback role is empty.
func (s *RequisitionService) actor(ctx context.Context, actorID string, pr *repository.Requisition) workflow.Actor {
	if actorID == pr.RequesterID {
		actor := workflow.Actor{ID: actorID, Name: pr.RequesterName}
		if _, role, err := s.identity.Lookup(ctx, actorID); err == nil {
			actor.Role = role
		}
		return actor
	}

	name, role, err := s.identity.Lookup(ctx, actorID)
	if err != nil {
		s.log.Warn().Err(err).Str("user_id", actorID).Msg("Identity lookup failed")
		return workflow.Actor{ID: actorID}
	}
	return workflow.Actor{ID: actorID, Name: name, Role: role}
}

func (s *RequisitionService) canView(viewerID, viewerRole string, pr *repository.Requisition) bool {
	if viewerID == pr.RequesterID {
		return true
	}
	if pr.CurrentApproverID != nil && viewerID == *pr.CurrentApproverID {
		return true
	}
	return repository.ElevatedRoles[viewerRole]
}

func (s *RequisitionService) notify(ctx context.Context, eventType string, pr *repository.Requisition, actorID string, recipients []string, payload map[string]any) {
	if s.notifier == nil {
		return
	}
	s.notifier.PublishRequisitionEvent(ctx, eventType, pr, actorID, recipients, payload)
}

func (s *RequisitionService) recordTransition(action repository.Action) {
	if s.metrics != nil {
		s.metrics.RecordTransition(string(action))
	}
}

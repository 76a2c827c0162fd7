// Package workflow owns the requisition state machine and the SLA monitor.
//
// The state machine is pure: every method takes a requisition snapshot,
// checks the transition's guards, and returns a mutated copy plus the ledger
// entries the transition produces. Nothing is persisted here; the facade
// commits the copy and the entries as one atomic unit. A failing guard
// returns a coded error and no mutation.
package workflow

import (
	"github.com/sierra-crm/be-pr-requisitions/internal/apperrors"
	"github.com/sierra-crm/be-pr-requisitions/internal/repository"
)

// Actor identifies who is attempting a transition.
type Actor struct {
	ID   string
	Name string
	Role string
}

// Machine validates and computes requisition transitions.
type Machine struct {
	clock Clock
}

// NewMachine creates a state machine using the given clock.
func NewMachine(clock Clock) *Machine {
	return &Machine{clock: clock}
}

// Submit moves a draft into the approval flow. When the resolved rule's
// approver role is the auto sentinel the requisition is approved immediately,
// never passing through pending_approval, and the submit/approve pair is
// collapsed into a single approved ledger entry. Otherwise the requisition
// becomes pending_approval owned by the resolved approver.
func (m *Machine) Submit(
	pr *repository.Requisition,
	actor Actor,
	rule *repository.ApprovalRule,
	approver *repository.Approver,
) (*repository.Requisition, []*repository.HistoryEntry, error) {
	if pr.Status != repository.StatusDraft {
		return nil, nil, apperrors.InvalidTransition(pr.ID, string(pr.Status), "submit")
	}
	if actor.ID != pr.RequesterID {
		return nil, nil, apperrors.Unauthorized("only the requester can submit this requisition")
	}
	if pr.TotalAmount <= 0 {
		return nil, nil, apperrors.InvalidInput("total_amount", "amount must be greater than zero")
	}
	if rule.RequiresJustification && pr.Justification == "" {
		return nil, nil, apperrors.InvalidInput("justification", "justification is required for this amount")
	}

	now := m.clock.Now()
	next := pr.Clone()
	next.ApprovalRuleID = &rule.ID
	next.SubmittedAt = &now

	if rule.ApproverRole == repository.ApproverRoleAuto {
		next.Status = repository.StatusApproved
		next.ResolvedAt = &now

		note := "Auto-approved under rule: " + rule.Name
		entry := m.entry(pr.ID, actor, repository.ActionApproved, pr.Status, next.Status)
		entry.Note = &note
		entry.Metadata = map[string]any{"rule_name": rule.Name, "auto": true}
		return next, []*repository.HistoryEntry{entry}, nil
	}

	if approver == nil || approver.ID == "" {
		return nil, nil, apperrors.New(apperrors.ErrCodeNoMatchingRule,
			"no approver available for role "+rule.ApproverRole).
			WithDetail("approver_role", rule.ApproverRole)
	}

	next.Status = repository.StatusPendingApproval
	next.CurrentApproverID = &approver.ID
	next.CurrentApproverName = &approver.Name

	submitted := m.entry(pr.ID, actor, repository.ActionSubmitted, pr.Status, next.Status)
	submitted.Metadata = map[string]any{"rule_name": rule.Name}

	assigned := m.entry(pr.ID, actor, repository.ActionAssigned, next.Status, next.Status)
	assigned.Metadata = map[string]any{
		"approver_id":   approver.ID,
		"approver_name": approver.Name,
		"approver_role": rule.ApproverRole,
		"sla_hours":     rule.SLAHours,
	}

	return next, []*repository.HistoryEntry{submitted, assigned}, nil
}

// Approve resolves a pending requisition in favour of the request.
func (m *Machine) Approve(pr *repository.Requisition, actor Actor, comments string) (*repository.Requisition, []*repository.HistoryEntry, error) {
	if pr.Status != repository.StatusPendingApproval {
		return nil, nil, apperrors.InvalidTransition(pr.ID, string(pr.Status), "approve")
	}
	if pr.CurrentApproverID == nil || actor.ID != *pr.CurrentApproverID {
		return nil, nil, apperrors.Unauthorized("only the assigned approver can approve this requisition")
	}

	now := m.clock.Now()
	next := pr.Clone()
	next.Status = repository.StatusApproved
	next.CurrentApproverID = nil
	next.CurrentApproverName = nil
	next.ResolvedAt = &now

	entry := m.entry(pr.ID, actor, repository.ActionApproved, pr.Status, next.Status)
	if comments != "" {
		entry.Note = &comments
	}
	return next, []*repository.HistoryEntry{entry}, nil
}

// Reject resolves a pending requisition against the request. A non-empty
// reason is mandatory.
func (m *Machine) Reject(pr *repository.Requisition, actor Actor, reason string) (*repository.Requisition, []*repository.HistoryEntry, error) {
	if reason == "" {
		return nil, nil, apperrors.InvalidInput("reason", "rejection reason is required")
	}
	if pr.Status != repository.StatusPendingApproval {
		return nil, nil, apperrors.InvalidTransition(pr.ID, string(pr.Status), "reject")
	}
	if pr.CurrentApproverID == nil || actor.ID != *pr.CurrentApproverID {
		return nil, nil, apperrors.Unauthorized("only the assigned approver can reject this requisition")
	}

	now := m.clock.Now()
	next := pr.Clone()
	next.Status = repository.StatusRejected
	next.CurrentApproverID = nil
	next.CurrentApproverName = nil
	next.ResolvedAt = &now

	entry := m.entry(pr.ID, actor, repository.ActionRejected, pr.Status, next.Status)
	entry.Note = &reason
	return next, []*repository.HistoryEntry{entry}, nil
}

// Cancel withdraws a requisition before it resolves. Allowed from draft,
// submitted or pending_approval; the facade has already established that the
// actor is the requester or holds an elevated role. A non-empty reason is
// mandatory.
func (m *Machine) Cancel(pr *repository.Requisition, actor Actor, reason string) (*repository.Requisition, []*repository.HistoryEntry, error) {
	if reason == "" {
		return nil, nil, apperrors.InvalidInput("reason", "cancellation reason is required")
	}
	switch pr.Status {
	case repository.StatusDraft, repository.StatusSubmitted, repository.StatusPendingApproval:
	default:
		return nil, nil, apperrors.InvalidTransition(pr.ID, string(pr.Status), "cancel")
	}

	now := m.clock.Now()
	next := pr.Clone()
	next.Status = repository.StatusCancelled
	next.CurrentApproverID = nil
	next.CurrentApproverName = nil
	next.ResolvedAt = &now

	entry := m.entry(pr.ID, actor, repository.ActionCancelled, pr.Status, next.Status)
	entry.Note = &reason
	return next, []*repository.HistoryEntry{entry}, nil
}

// Complete marks an approved requisition as fulfilled downstream.
func (m *Machine) Complete(pr *repository.Requisition, actor Actor) (*repository.Requisition, []*repository.HistoryEntry, error) {
	if pr.Status != repository.StatusApproved {
		return nil, nil, apperrors.InvalidTransition(pr.ID, string(pr.Status), "complete")
	}

	now := m.clock.Now()
	next := pr.Clone()
	next.Status = repository.StatusCompleted
	if next.ResolvedAt == nil {
		next.ResolvedAt = &now
	}

	entry := m.entry(pr.ID, actor, repository.ActionCompleted, pr.Status, next.Status)
	return next, []*repository.HistoryEntry{entry}, nil
}

// Escalate reassigns a stalled pending approval to the escalation target. The
// status does not change; the ledger entry records the same status on both
// sides. Overdue eligibility is the facade's check (via the SLA monitor).
func (m *Machine) Escalate(pr *repository.Requisition, actor Actor, target *repository.Approver) (*repository.Requisition, []*repository.HistoryEntry, error) {
	if pr.Status != repository.StatusPendingApproval {
		return nil, nil, apperrors.InvalidTransition(pr.ID, string(pr.Status), "escalate")
	}
	if target == nil || target.ID == "" {
		return nil, nil, apperrors.New(apperrors.ErrCodeInternal, "no escalation target resolved")
	}

	var fromID, fromName string
	if pr.CurrentApproverID != nil {
		fromID = *pr.CurrentApproverID
	}
	if pr.CurrentApproverName != nil {
		fromName = *pr.CurrentApproverName
	}

	next := pr.Clone()
	next.CurrentApproverID = &target.ID
	next.CurrentApproverName = &target.Name

	entry := m.entry(pr.ID, actor, repository.ActionEscalated, pr.Status, next.Status)
	entry.Metadata = map[string]any{
		"from_approver_id":   fromID,
		"from_approver_name": fromName,
		"to_approver_id":     target.ID,
		"to_approver_name":   target.Name,
	}
	return next, []*repository.HistoryEntry{entry}, nil
}

func (m *Machine) entry(prID string, actor Actor, action repository.Action, from, to repository.Status) *repository.HistoryEntry {
	e := &repository.HistoryEntry{
		RequisitionID:  prID,
		ActorID:        actor.ID,
		ActorName:      actor.Name,
		Action:         action,
		PreviousStatus: &from,
		NewStatus:      &to,
	}
	if actor.Role != "" {
		role := actor.Role
		e.ActorRole = &role
	}
	return e
}

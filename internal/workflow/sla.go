package workflow

import (
	"time"

	"github.com/sierra-crm/be-pr-requisitions/internal/repository"
)

// SLAStatus is the monitor's read-only view of a pending approval's time
// budget.
type SLAStatus struct {
	Deadline       time.Time `json:"deadline"`
	RemainingHours float64   `json:"remaining_hours"`
	IsOverdue      bool      `json:"is_overdue"`
	IsNearDue      bool      `json:"is_near_due"`
}

// Monitor computes SLA state on demand from timestamps. It never mutates
// anything; escalation eligibility is derived from IsOverdue.
type Monitor struct {
	clock       Clock
	nearDue     time.Duration
	multipliers map[repository.Priority]float64
}

// NewMonitor creates an SLA monitor. nearDue is the warning threshold;
// multipliers scale a rule's SLA hours per priority (urgent typically 0.5).
// Priorities missing from the map use the nominal budget.
func NewMonitor(clock Clock, nearDue time.Duration, multipliers map[repository.Priority]float64) *Monitor {
	return &Monitor{clock: clock, nearDue: nearDue, multipliers: multipliers}
}

// StatusOf computes the SLA view for a requisition under its rule. Returns
// false when there is nothing to measure: the requisition is not awaiting
// approval, was never submitted, or is governed by an auto rule.
func (m *Monitor) StatusOf(pr *repository.Requisition, rule *repository.ApprovalRule) (*SLAStatus, bool) {
	if pr.Status != repository.StatusPendingApproval || pr.SubmittedAt == nil {
		return nil, false
	}
	if rule == nil || rule.ApproverRole == repository.ApproverRoleAuto {
		return nil, false
	}

	budget := time.Duration(rule.SLAHours) * time.Hour
	if mult, ok := m.multipliers[pr.Priority]; ok && mult > 0 {
		budget = time.Duration(float64(budget) * mult)
	}

	deadline := pr.SubmittedAt.Add(budget)
	remaining := deadline.Sub(m.clock.Now())

	return &SLAStatus{
		Deadline:       deadline,
		RemainingHours: remaining.Hours(),
		IsOverdue:      remaining < 0,
		IsNearDue:      remaining >= 0 && remaining < m.nearDue,
	}, true
}

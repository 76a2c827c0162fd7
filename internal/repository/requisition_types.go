package repository

import "time"

// ── Domain types for the purchase requisition workflow ───────────────────────

// Status is the closed set of requisition lifecycle states.
type Status string

const (
	StatusDraft           Status = "draft"
	StatusSubmitted       Status = "submitted"
	StatusPendingApproval Status = "pending_approval"
	StatusApproved        Status = "approved"
	StatusRejected        Status = "rejected"
	StatusCancelled       Status = "cancelled"
	StatusCompleted       Status = "completed"
)

// Terminal reports whether no further workflow transition is permitted.
func (s Status) Terminal() bool {
	switch s {
	case StatusApproved, StatusRejected, StatusCancelled, StatusCompleted:
		return true
	}
	return false
}

// Valid reports whether s is a known status.
func (s Status) Valid() bool {
	switch s {
	case StatusDraft, StatusSubmitted, StatusPendingApproval,
		StatusApproved, StatusRejected, StatusCancelled, StatusCompleted:
		return true
	}
	return false
}

// Action is the closed set of ledger entry kinds.
type Action string

const (
	ActionCreated   Action = "created"
	ActionSubmitted Action = "submitted"
	ActionAssigned  Action = "assigned"
	ActionApproved  Action = "approved"
	ActionRejected  Action = "rejected"
	ActionEscalated Action = "escalated"
	ActionCancelled Action = "cancelled"
	ActionCompleted Action = "completed"
	ActionCommented Action = "commented"
	ActionEdited    Action = "edited"
)

// Priority affects SLA computation only, never routing.
type Priority string

const (
	PriorityUrgent Priority = "urgent"
	PriorityHigh   Priority = "high"
	PriorityNormal Priority = "normal"
	PriorityLow    Priority = "low"
)

// Valid reports whether p is a known priority.
func (p Priority) Valid() bool {
	switch p {
	case PriorityUrgent, PriorityHigh, PriorityNormal, PriorityLow:
		return true
	}
	return false
}

// ApproverRoleAuto is the sentinel role meaning no human approval is required.
const ApproverRoleAuto = "auto"

// ElevatedRoles may cancel any non-terminal requisition and trigger
// escalations.
var ElevatedRoles = map[string]bool{
	"admin":      true,
	"gerencia":   true,
	"superadmin": true,
}

// SupportedCurrencies for requisition amounts.
var SupportedCurrencies = map[string]bool{
	"PEN": true,
	"USD": true,
}

// ApprovalRule maps a half-open amount range [MinAmount, MaxAmount) to the
// role that must approve it and the SLA budget for acting. Active rules must
// partition the non-negative amount line with no gaps and no overlaps.
type ApprovalRule struct {
	ID                    string    `json:"id"`
	Name                  string    `json:"name"`
	MinAmount             int64     `json:"min_amount"`           // cents, inclusive
	MaxAmount             *int64    `json:"max_amount,omitempty"` // cents, exclusive; nil = unbounded
	ApproverRole          string    `json:"approver_role"`        // named role, or ApproverRoleAuto
	SLAHours              int       `json:"sla_hours"`
	RequiresJustification bool      `json:"requires_justification"`
	IsActive              bool      `json:"is_active"`
	CreatedAt             time.Time `json:"created_at"`
	UpdatedAt             time.Time `json:"updated_at"`
}

// Requisition is a purchase requisition document and its workflow state.
type Requisition struct {
	ID             string   `json:"id"`
	PRNumber       string   `json:"pr_number"` // human-readable reference, e.g. PR-2026-00042
	RequesterID    string   `json:"requester_id"`
	RequesterName  string   `json:"requester_name"`
	Department     *string  `json:"department,omitempty"`
	Title          string   `json:"title"`
	CategoryCode   string   `json:"category_code"`
	Priority       Priority `json:"priority"`
	RequiredByDate string   `json:"required_by_date"` // ISO date

	ItemDescription string  `json:"item_description"`
	Quantity        float64 `json:"quantity"`
	UnitPrice       int64   `json:"unit_price"` // cents
	Currency        string  `json:"currency"`
	TotalAmount     int64   `json:"total_amount"` // cents, quantity × unit price

	Justification   string  `json:"justification"`
	PreferredVendor *string `json:"preferred_vendor,omitempty"`
	CostCenter      *string `json:"cost_center,omitempty"`
	Notes           *string `json:"notes,omitempty"`

	Status              Status  `json:"status"`
	CurrentApproverID   *string `json:"current_approver_id,omitempty"`
	CurrentApproverName *string `json:"current_approver_name,omitempty"`
	ApprovalRuleID      *string `json:"approval_rule_id,omitempty"`

	SubmittedAt *time.Time `json:"submitted_at,omitempty"`
	ResolvedAt  *time.Time `json:"resolved_at,omitempty"` // set once, on terminal transition

	// Version guards every workflow mutation: writes are conditioned on the
	// version read, and a mismatch aborts with ConcurrentModification.
	Version int64 `json:"version"`

	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// Clone returns a deep-enough copy for the state machine to mutate without
// touching the caller's snapshot.
func (r *Requisition) Clone() *Requisition {
	cp := *r
	cp.Department = clonePtr(r.Department)
	cp.PreferredVendor = clonePtr(r.PreferredVendor)
	cp.CostCenter = clonePtr(r.CostCenter)
	cp.Notes = clonePtr(r.Notes)
	cp.CurrentApproverID = clonePtr(r.CurrentApproverID)
	cp.CurrentApproverName = clonePtr(r.CurrentApproverName)
	cp.ApprovalRuleID = clonePtr(r.ApprovalRuleID)
	cp.SubmittedAt = clonePtr(r.SubmittedAt)
	cp.ResolvedAt = clonePtr(r.ResolvedAt)
	return &cp
}

func clonePtr[T any](p *T) *T {
	if p == nil {
		return nil
	}
	v := *p
	return &v
}

// HistoryEntry is one immutable record in the requisition's ledger. Status
// changes carry PreviousStatus/NewStatus; pure comments carry neither.
type HistoryEntry struct {
	ID             string         `json:"id"`
	RequisitionID  string         `json:"requisition_id"`
	ActorID        string         `json:"actor_id"`
	ActorName      string         `json:"actor_name"`
	ActorRole      *string        `json:"actor_role,omitempty"`
	Action         Action         `json:"action"`
	PreviousStatus *Status        `json:"previous_status,omitempty"`
	NewStatus      *Status        `json:"new_status,omitempty"`
	Note           *string        `json:"note,omitempty"`
	IsInternal     bool           `json:"is_internal"` // internal comments are excluded from external-facing projections by callers
	Metadata       map[string]any `json:"metadata,omitempty"`
	CreatedAt      time.Time      `json:"created_at"`
}

// Approver is a resolved identity for a pending decision.
type Approver struct {
	ID   string `json:"id"`
	Name string `json:"name"`
}

// ListFilter narrows requisition listings.
type ListFilter struct {
	Status      *Status
	Priority    *Priority
	RequesterID *string
	ApproverID  *string
	Category    *string
	Limit       int
	Offset      int
}

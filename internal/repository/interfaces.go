package repository

import "context"

// RequisitionStore persists requisitions and their append-only ledger.
//
// Create, CommitTransition and AppendEntry are each a single atomic unit:
// either the requisition mutation and all ledger entries land together, or
// nothing does. CommitTransition is additionally guarded by the version the
// caller read; a mismatch fails with ErrCodeConcurrentModification and leaves
// the store untouched.
type RequisitionStore interface {
	// Create persists a new draft requisition together with its "created"
	// ledger entry, assigning ID, PRNumber, Version and timestamps.
	Create(ctx context.Context, pr *Requisition, entry *HistoryEntry) error

	// GetByID returns the requisition or ErrCodeNotFound.
	GetByID(ctx context.Context, id string) (*Requisition, error)

	// List returns a filtered page of requisitions plus the total count.
	List(ctx context.Context, filter ListFilter) ([]*Requisition, int64, error)

	// PendingForApprover returns pending_approval requisitions owned by the
	// given approver, urgent first, oldest submission first within a priority.
	PendingForApprover(ctx context.Context, approverID string) ([]*Requisition, error)

	// Update persists draft field edits (no workflow state change) together
	// with an "edited" ledger entry, guarded by expectedVersion.
	Update(ctx context.Context, pr *Requisition, expectedVersion int64, entry *HistoryEntry) error

	// CommitTransition persists the requisition's new workflow state and the
	// transition's ledger entries in one transaction, guarded by
	// expectedVersion.
	CommitTransition(ctx context.Context, pr *Requisition, expectedVersion int64, entries []*HistoryEntry) error

	// AppendEntry appends a ledger entry that changes no requisition state
	// (comments).
	AppendEntry(ctx context.Context, entry *HistoryEntry) error

	// History returns the full ledger for a requisition ordered oldest first,
	// ties broken by insertion order.
	History(ctx context.Context, requisitionID string) ([]*HistoryEntry, error)

	// DeleteDraft removes a draft requisition and its ledger. Any other
	// status fails with ErrCodeInvalidTransition.
	DeleteDraft(ctx context.Context, id string) error
}

// RuleStore persists approval rules.
type RuleStore interface {
	// ListActive returns active rules ordered by MinAmount ascending.
	ListActive(ctx context.Context) ([]*ApprovalRule, error)

	// List returns all rules, active or not.
	List(ctx context.Context) ([]*ApprovalRule, error)

	// GetByID returns a rule or ErrCodeNotFound.
	GetByID(ctx context.Context, id string) (*ApprovalRule, error)

	// Create inserts a rule, assigning ID and timestamps.
	Create(ctx context.Context, rule *ApprovalRule) error

	// Update persists changes to an existing rule.
	Update(ctx context.Context, rule *ApprovalRule) error
}

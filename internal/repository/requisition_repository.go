package repository

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/jackc/pgx/v5"

	"github.com/sierra-crm/be-pr-requisitions/internal/apperrors"
	"github.com/sierra-crm/be-pr-requisitions/internal/database"
)

// RequisitionRepository is the Postgres implementation of RequisitionStore.
type RequisitionRepository struct {
	db *database.DB
}

// NewRequisitionRepository creates a new RequisitionRepository.
func NewRequisitionRepository(db *database.DB) *RequisitionRepository {
	return &RequisitionRepository{db: db}
}

var _ RequisitionStore = (*RequisitionRepository)(nil)

const requisitionColumns = `
	id, pr_number, requester_id, requester_name, department,
	title, category_code, priority, required_by_date,
	item_description, quantity, unit_price, currency, total_amount,
	justification, preferred_vendor, cost_center, notes,
	status, current_approver_id, current_approver_name, approval_rule_id,
	submitted_at, resolved_at, version, created_at, updated_at`

// Create inserts a draft requisition and its "created" ledger entry in one
// transaction. The PR number is taken from the yearly sequence.
func (r *RequisitionRepository) Create(ctx context.Context, pr *Requisition, entry *HistoryEntry) error {
	return r.db.InTransaction(ctx, func(tx pgx.Tx) error {
		query := `
			INSERT INTO purchase_requisitions
			    (pr_number, requester_id, requester_name, department,
			     title, category_code, priority, required_by_date,
			     item_description, quantity, unit_price, currency, total_amount,
			     justification, preferred_vendor, cost_center, notes, status)
			VALUES ('PR-' || to_char(now(), 'YYYY') || '-' || lpad(nextval('pr_number_seq')::text, 5, '0'),
			        $1, $2, $3,
			        $4, $5, $6::pr_priority, $7,
			        $8, $9, $10, $11, $12,
			        $13, $14, $15, $16, 'draft'::pr_status)
			RETURNING id, pr_number, status, version, created_at, updated_at
		`

		err := tx.QueryRow(ctx, query,
			pr.RequesterID,
			pr.RequesterName,
			pr.Department,
			pr.Title,
			pr.CategoryCode,
			pr.Priority,
			pr.RequiredByDate,
			pr.ItemDescription,
			pr.Quantity,
			pr.UnitPrice,
			pr.Currency,
			pr.TotalAmount,
			pr.Justification,
			pr.PreferredVendor,
			pr.CostCenter,
			pr.Notes,
		).Scan(&pr.ID, &pr.PRNumber, &pr.Status, &pr.Version, &pr.CreatedAt, &pr.UpdatedAt)
		if err != nil {
			return apperrors.Wrap(err, apperrors.ErrCodeInternal, "failed to create requisition")
		}

		entry.RequisitionID = pr.ID
		return insertHistoryTx(ctx, tx, entry)
	})
}

// GetByID retrieves a requisition by primary key.
func (r *RequisitionRepository) GetByID(ctx context.Context, id string) (*Requisition, error) {
	query := `SELECT ` + requisitionColumns + ` FROM purchase_requisitions WHERE id = $1`

	pr, err := scanRequisition(r.db.QueryRow(ctx, query, id))
	if err == pgx.ErrNoRows {
		return nil, apperrors.NotFound("requisition", id)
	}
	if err != nil {
		return nil, apperrors.Wrap(err, apperrors.ErrCodeInternal, "failed to get requisition")
	}
	return pr, nil
}

// List retrieves requisitions with filtering and pagination.
func (r *RequisitionRepository) List(ctx context.Context, filter ListFilter) ([]*Requisition, int64, error) {
	query := `SELECT ` + requisitionColumns + ` FROM purchase_requisitions WHERE 1=1`
	countQuery := `SELECT COUNT(*) FROM purchase_requisitions WHERE 1=1`

	args := []any{}
	argCount := 1

	addFilter := func(clause string, value any) {
		cond := fmt.Sprintf(clause, argCount)
		query += cond
		countQuery += cond
		args = append(args, value)
		argCount++
	}

	if filter.Status != nil {
		addFilter(" AND status = $%d::pr_status", *filter.Status)
	}
	if filter.Priority != nil {
		addFilter(" AND priority = $%d::pr_priority", *filter.Priority)
	}
	if filter.RequesterID != nil {
		addFilter(" AND requester_id = $%d", *filter.RequesterID)
	}
	if filter.ApproverID != nil {
		addFilter(" AND current_approver_id = $%d", *filter.ApproverID)
	}
	if filter.Category != nil {
		addFilter(" AND category_code = $%d", *filter.Category)
	}

	limit := filter.Limit
	if limit <= 0 || limit > 100 {
		limit = 50
	}

	query += " ORDER BY created_at DESC"
	query += fmt.Sprintf(" LIMIT $%d OFFSET $%d", argCount, argCount+1)
	queryArgs := append(args, limit, filter.Offset)

	var total int64
	if err := r.db.QueryRow(ctx, countQuery, args...).Scan(&total); err != nil {
		return nil, 0, apperrors.Wrap(err, apperrors.ErrCodeInternal, "failed to count requisitions")
	}

	rows, err := r.db.Query(ctx, query, queryArgs...)
	if err != nil {
		return nil, 0, apperrors.Wrap(err, apperrors.ErrCodeInternal, "failed to list requisitions")
	}
	defer rows.Close()

	prs, err := scanRequisitionRows(rows)
	if err != nil {
		return nil, 0, err
	}
	return prs, total, nil
}

// PendingForApprover returns the approver's inbox, urgent first and oldest
// submission first within a priority.
func (r *RequisitionRepository) PendingForApprover(ctx context.Context, approverID string) ([]*Requisition, error) {
	query := `SELECT ` + requisitionColumns + `
		FROM purchase_requisitions
		WHERE status = 'pending_approval' AND current_approver_id = $1
		ORDER BY CASE priority
		           WHEN 'urgent' THEN 0
		           WHEN 'high'   THEN 1
		           WHEN 'normal' THEN 2
		           ELSE 3
		         END,
		         submitted_at ASC`

	rows, err := r.db.Query(ctx, query, approverID)
	if err != nil {
		return nil, apperrors.Wrap(err, apperrors.ErrCodeInternal, "failed to list pending approvals")
	}
	defer rows.Close()

	return scanRequisitionRows(rows)
}

// Update persists draft field edits plus the "edited" ledger entry, guarded by
// expectedVersion.
func (r *RequisitionRepository) Update(ctx context.Context, pr *Requisition, expectedVersion int64, entry *HistoryEntry) error {
	return r.db.InTransaction(ctx, func(tx pgx.Tx) error {
		query := `
			UPDATE purchase_requisitions
			SET title            = $3,
			    category_code    = $4,
			    priority         = $5::pr_priority,
			    required_by_date = $6,
			    item_description = $7,
			    quantity         = $8,
			    unit_price       = $9,
			    currency         = $10,
			    total_amount     = $11,
			    justification    = $12,
			    preferred_vendor = $13,
			    cost_center      = $14,
			    notes            = $15,
			    department       = $16,
			    version          = version + 1,
			    updated_at       = NOW()
			WHERE id = $1 AND version = $2
			RETURNING version, updated_at
		`

		err := tx.QueryRow(ctx, query,
			pr.ID,
			expectedVersion,
			pr.Title,
			pr.CategoryCode,
			pr.Priority,
			pr.RequiredByDate,
			pr.ItemDescription,
			pr.Quantity,
			pr.UnitPrice,
			pr.Currency,
			pr.TotalAmount,
			pr.Justification,
			pr.PreferredVendor,
			pr.CostCenter,
			pr.Notes,
			pr.Department,
		).Scan(&pr.Version, &pr.UpdatedAt)
		if err == pgx.ErrNoRows {
			return r.versionConflict(ctx, tx, pr.ID)
		}
		if err != nil {
			return apperrors.Wrap(err, apperrors.ErrCodeInternal, "failed to update requisition")
		}

		return insertHistoryTx(ctx, tx, entry)
	})
}

// CommitTransition applies a workflow transition and its ledger entries in one
// transaction. The version guard makes racing writers lose cleanly: the UPDATE
// matches zero rows and the whole transaction aborts.
func (r *RequisitionRepository) CommitTransition(ctx context.Context, pr *Requisition, expectedVersion int64, entries []*HistoryEntry) error {
	return r.db.InTransaction(ctx, func(tx pgx.Tx) error {
		query := `
			UPDATE purchase_requisitions
			SET status                = $3::pr_status,
			    current_approver_id   = $4,
			    current_approver_name = $5,
			    approval_rule_id      = $6,
			    submitted_at          = $7,
			    resolved_at           = $8,
			    version               = version + 1,
			    updated_at            = NOW()
			WHERE id = $1 AND version = $2
			RETURNING version, updated_at
		`

		err := tx.QueryRow(ctx, query,
			pr.ID,
			expectedVersion,
			pr.Status,
			pr.CurrentApproverID,
			pr.CurrentApproverName,
			pr.ApprovalRuleID,
			pr.SubmittedAt,
			pr.ResolvedAt,
		).Scan(&pr.Version, &pr.UpdatedAt)
		if err == pgx.ErrNoRows {
			return r.versionConflict(ctx, tx, pr.ID)
		}
		if err != nil {
			return apperrors.Wrap(err, apperrors.ErrCodeInternal, "failed to commit transition")
		}

		for _, entry := range entries {
			if err := insertHistoryTx(ctx, tx, entry); err != nil {
				return err
			}
		}
		return nil
	})
}

// AppendEntry appends a ledger entry without touching requisition state.
func (r *RequisitionRepository) AppendEntry(ctx context.Context, entry *HistoryEntry) error {
	return r.db.InTransaction(ctx, func(tx pgx.Tx) error {
		return insertHistoryTx(ctx, tx, entry)
	})
}

// History returns the ledger ordered oldest first; the seq column breaks
// same-timestamp ties by insertion order.
func (r *RequisitionRepository) History(ctx context.Context, requisitionID string) ([]*HistoryEntry, error) {
	query := `
		SELECT id, requisition_id, actor_id, actor_name, actor_role,
		       action, previous_status, new_status, note, is_internal,
		       metadata, created_at
		FROM pr_history
		WHERE requisition_id = $1
		ORDER BY created_at ASC, seq ASC
	`

	rows, err := r.db.Query(ctx, query, requisitionID)
	if err != nil {
		return nil, apperrors.Wrap(err, apperrors.ErrCodeInternal, "failed to get requisition history")
	}
	defer rows.Close()

	var entries []*HistoryEntry
	for rows.Next() {
		entry, err := scanHistoryEntry(rows)
		if err != nil {
			return nil, err
		}
		entries = append(entries, entry)
	}
	return entries, nil
}

// DeleteDraft removes a draft requisition and, via cascade, its ledger.
func (r *RequisitionRepository) DeleteDraft(ctx context.Context, id string) error {
	query := `DELETE FROM purchase_requisitions WHERE id = $1 AND status = 'draft'`

	tag, err := r.db.Exec(ctx, query, id)
	if err != nil {
		return apperrors.Wrap(err, apperrors.ErrCodeInternal, "failed to delete requisition")
	}
	if tag.RowsAffected() == 0 {
		pr, getErr := r.GetByID(ctx, id)
		if getErr != nil {
			return getErr
		}
		return apperrors.InvalidTransition(id, string(pr.Status), "delete")
	}
	return nil
}

// versionConflict distinguishes a lost version race from a missing row.
func (r *RequisitionRepository) versionConflict(ctx context.Context, tx pgx.Tx, id string) error {
	var exists bool
	if err := tx.QueryRow(ctx,
		`SELECT EXISTS (SELECT 1 FROM purchase_requisitions WHERE id = $1)`, id).Scan(&exists); err != nil {
		return apperrors.Wrap(err, apperrors.ErrCodeInternal, "failed to check requisition existence")
	}
	if !exists {
		return apperrors.NotFound("requisition", id)
	}
	return apperrors.ConcurrentModification(id)
}

// ── scan helpers ─────────────────────────────────────────────────────────────

type rowScanner interface {
	Scan(dest ...any) error
}

func scanRequisition(row rowScanner) (*Requisition, error) {
	pr := &Requisition{}
	err := row.Scan(
		&pr.ID,
		&pr.PRNumber,
		&pr.RequesterID,
		&pr.RequesterName,
		&pr.Department,
		&pr.Title,
		&pr.CategoryCode,
		&pr.Priority,
		&pr.RequiredByDate,
		&pr.ItemDescription,
		&pr.Quantity,
		&pr.UnitPrice,
		&pr.Currency,
		&pr.TotalAmount,
		&pr.Justification,
		&pr.PreferredVendor,
		&pr.CostCenter,
		&pr.Notes,
		&pr.Status,
		&pr.CurrentApproverID,
		&pr.CurrentApproverName,
		&pr.ApprovalRuleID,
		&pr.SubmittedAt,
		&pr.ResolvedAt,
		&pr.Version,
		&pr.CreatedAt,
		&pr.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	return pr, nil
}

func scanRequisitionRows(rows pgx.Rows) ([]*Requisition, error) {
	prs := make([]*Requisition, 0)
	for rows.Next() {
		pr, err := scanRequisition(rows)
		if err != nil {
			return nil, apperrors.Wrap(err, apperrors.ErrCodeInternal, "failed to scan requisition")
		}
		prs = append(prs, pr)
	}
	return prs, nil
}

func insertHistoryTx(ctx context.Context, tx pgx.Tx, entry *HistoryEntry) error {
	var metadataJSON []byte
	if entry.Metadata != nil {
		var err error
		metadataJSON, err = json.Marshal(entry.Metadata)
		if err != nil {
			return apperrors.Wrap(err, apperrors.ErrCodeInternal, "failed to marshal history metadata")
		}
	}

	query := `
		INSERT INTO pr_history
		    (requisition_id, actor_id, actor_name, actor_role,
		     action, previous_status, new_status, note, is_internal, metadata)
		VALUES ($1, $2, $3, $4,
		        $5::pr_action, $6, $7, $8, $9, $10)
		RETURNING id, created_at
	`

	err := tx.QueryRow(ctx, query,
		entry.RequisitionID,
		entry.ActorID,
		entry.ActorName,
		entry.ActorRole,
		entry.Action,
		entry.PreviousStatus,
		entry.NewStatus,
		entry.Note,
		entry.IsInternal,
		metadataJSON,
	).Scan(&entry.ID, &entry.CreatedAt)
	if err != nil {
		return apperrors.Wrap(err, apperrors.ErrCodeInternal, "failed to append history entry")
	}
	return nil
}

func scanHistoryEntry(sc rowScanner) (*HistoryEntry, error) {
	entry := &HistoryEntry{}
	var metadataJSON []byte

	err := sc.Scan(
		&entry.ID,
		&entry.RequisitionID,
		&entry.ActorID,
		&entry.ActorName,
		&entry.ActorRole,
		&entry.Action,
		&entry.PreviousStatus,
		&entry.NewStatus,
		&entry.Note,
		&entry.IsInternal,
		&metadataJSON,
		&entry.CreatedAt,
	)
	if err != nil {
		return nil, apperrors.Wrap(err, apperrors.ErrCodeInternal, "failed to scan history entry")
	}

	if metadataJSON != nil {
		if err := json.Unmarshal(metadataJSON, &entry.Metadata); err != nil {
			return nil, apperrors.Wrap(err, apperrors.ErrCodeInternal, "failed to unmarshal history metadata")
		}
	}
	return entry, nil
}

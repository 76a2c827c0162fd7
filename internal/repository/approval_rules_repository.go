package repository

import (
	"context"

	"github.com/jackc/pgx/v5"

	"github.com/sierra-crm/be-pr-requisitions/internal/apperrors"
	"github.com/sierra-crm/be-pr-requisitions/internal/database"
)

// ApprovalRulesRepository is the Postgres implementation of RuleStore.
type ApprovalRulesRepository struct {
	db *database.DB
}

// NewApprovalRulesRepository creates a new ApprovalRulesRepository.
func NewApprovalRulesRepository(db *database.DB) *ApprovalRulesRepository {
	return &ApprovalRulesRepository{db: db}
}

var _ RuleStore = (*ApprovalRulesRepository)(nil)

const ruleColumns = `
	id, name, min_amount, max_amount, approver_role, sla_hours,
	requires_justification, is_active, created_at, updated_at`

// ListActive returns active rules ordered by the lower bound of their range.
func (r *ApprovalRulesRepository) ListActive(ctx context.Context) ([]*ApprovalRule, error) {
	return r.list(ctx, true)
}

// List returns all rules, active or not.
func (r *ApprovalRulesRepository) List(ctx context.Context) ([]*ApprovalRule, error) {
	return r.list(ctx, false)
}

func (r *ApprovalRulesRepository) list(ctx context.Context, activeOnly bool) ([]*ApprovalRule, error) {
	query := `SELECT ` + ruleColumns + ` FROM pr_approval_rules`
	if activeOnly {
		query += ` WHERE is_active = TRUE`
	}
	query += ` ORDER BY min_amount ASC`

	rows, err := r.db.Query(ctx, query)
	if err != nil {
		return nil, apperrors.Wrap(err, apperrors.ErrCodeInternal, "failed to list approval rules")
	}
	defer rows.Close()

	var rules []*ApprovalRule
	for rows.Next() {
		rule, err := scanRule(rows)
		if err != nil {
			return nil, apperrors.Wrap(err, apperrors.ErrCodeInternal, "failed to scan approval rule")
		}
		rules = append(rules, rule)
	}
	return rules, nil
}

// GetByID retrieves a rule by primary key.
func (r *ApprovalRulesRepository) GetByID(ctx context.Context, id string) (*ApprovalRule, error) {
	query := `SELECT ` + ruleColumns + ` FROM pr_approval_rules WHERE id = $1`

	rule, err := scanRule(r.db.QueryRow(ctx, query, id))
	if err == pgx.ErrNoRows {
		return nil, apperrors.NotFound("approval_rule", id)
	}
	if err != nil {
		return nil, apperrors.Wrap(err, apperrors.ErrCodeInternal, "failed to get approval rule")
	}
	return rule, nil
}

// Create inserts a new approval rule.
func (r *ApprovalRulesRepository) Create(ctx context.Context, rule *ApprovalRule) error {
	query := `
		INSERT INTO pr_approval_rules
		    (name, min_amount, max_amount, approver_role, sla_hours,
		     requires_justification, is_active)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
		RETURNING id, created_at, updated_at
	`

	err := r.db.QueryRow(ctx, query,
		rule.Name,
		rule.MinAmount,
		rule.MaxAmount,
		rule.ApproverRole,
		rule.SLAHours,
		rule.RequiresJustification,
		rule.IsActive,
	).Scan(&rule.ID, &rule.CreatedAt, &rule.UpdatedAt)
	if err != nil {
		return apperrors.Wrap(err, apperrors.ErrCodeInternal, "failed to create approval rule")
	}
	return nil
}

// Update persists changes to an existing rule.
func (r *ApprovalRulesRepository) Update(ctx context.Context, rule *ApprovalRule) error {
	query := `
		UPDATE pr_approval_rules
		SET name                   = $2,
		    min_amount             = $3,
		    max_amount             = $4,
		    approver_role          = $5,
		    sla_hours              = $6,
		    requires_justification = $7,
		    is_active              = $8,
		    updated_at             = NOW()
		WHERE id = $1
		RETURNING updated_at
	`

	err := r.db.QueryRow(ctx, query,
		rule.ID,
		rule.Name,
		rule.MinAmount,
		rule.MaxAmount,
		rule.ApproverRole,
		rule.SLAHours,
		rule.RequiresJustification,
		rule.IsActive,
	).Scan(&rule.UpdatedAt)
	if err == pgx.ErrNoRows {
		return apperrors.NotFound("approval_rule", rule.ID)
	}
	if err != nil {
		return apperrors.Wrap(err, apperrors.ErrCodeInternal, "failed to update approval rule")
	}
	return nil
}

func scanRule(row rowScanner) (*ApprovalRule, error) {
	rule := &ApprovalRule{}
	err := row.Scan(
		&rule.ID,
		&rule.Name,
		&rule.MinAmount,
		&rule.MaxAmount,
		&rule.ApproverRole,
		&rule.SLAHours,
		&rule.RequiresJustification,
		&rule.IsActive,
		&rule.CreatedAt,
		&rule.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	return rule, nil
}

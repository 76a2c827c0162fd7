// Package memory provides in-memory implementations of the repository
// interfaces for tests and local development.
package memory

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/sierra-crm/be-pr-requisitions/internal/apperrors"
	"github.com/sierra-crm/be-pr-requisitions/internal/repository"
)

// RequisitionStore is an in-memory repository.RequisitionStore. All mutating
// operations are applied under one lock and only after every step succeeded,
// which gives the same all-or-nothing guarantee as the Postgres transaction.
type RequisitionStore struct {
	mu       sync.RWMutex
	prs      map[string]*repository.Requisition
	history  map[string][]*repository.HistoryEntry
	sequence int64

	// CommitHook, when set, runs inside the commit critical section of
	// CommitTransition and Update; an error aborts the whole commit. Used by
	// tests to verify atomicity.
	CommitHook func() error
}

// NewRequisitionStore creates an empty store.
func NewRequisitionStore() *RequisitionStore {
	return &RequisitionStore{
		prs:     make(map[string]*repository.Requisition),
		history: make(map[string][]*repository.HistoryEntry),
	}
}

var _ repository.RequisitionStore = (*RequisitionStore)(nil)

func (s *RequisitionStore) Create(ctx context.Context, pr *repository.Requisition, entry *repository.HistoryEntry) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := time.Now()
	s.sequence++

	pr.ID = uuid.NewString()
	pr.PRNumber = fmt.Sprintf("PR-%d-%05d", now.Year(), s.sequence)
	pr.Status = repository.StatusDraft
	pr.Version = 1
	pr.CreatedAt = now
	pr.UpdatedAt = now

	entry.RequisitionID = pr.ID
	s.stampEntry(entry, now)

	s.prs[pr.ID] = pr.Clone()
	s.history[pr.ID] = append(s.history[pr.ID], entry)
	return nil
}

func (s *RequisitionStore) GetByID(ctx context.Context, id string) (*repository.Requisition, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	pr, ok := s.prs[id]
	if !ok {
		return nil, apperrors.NotFound("requisition", id)
	}
	return pr.Clone(), nil
}

func (s *RequisitionStore) List(ctx context.Context, filter repository.ListFilter) ([]*repository.Requisition, int64, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var matched []*repository.Requisition
	for _, pr := range s.prs {
		if filter.Status != nil && pr.Status != *filter.Status {
			continue
		}
		if filter.Priority != nil && pr.Priority != *filter.Priority {
			continue
		}
		if filter.RequesterID != nil && pr.RequesterID != *filter.RequesterID {
			continue
		}
		if filter.ApproverID != nil && (pr.CurrentApproverID == nil || *pr.CurrentApproverID != *filter.ApproverID) {
			continue
		}
		if filter.Category != nil && pr.CategoryCode != *filter.Category {
			continue
		}
		matched = append(matched, pr.Clone())
	}

	sort.Slice(matched, func(i, j int) bool {
		return matched[i].CreatedAt.After(matched[j].CreatedAt)
	})

	total := int64(len(matched))
	limit := filter.Limit
	if limit <= 0 || limit > 100 {
		limit = 50
	}
	if filter.Offset >= len(matched) {
		return nil, total, nil
	}
	end := filter.Offset + limit
	if end > len(matched) {
		end = len(matched)
	}
	return matched[filter.Offset:end], total, nil
}

func (s *RequisitionStore) PendingForApprover(ctx context.Context, approverID string) ([]*repository.Requisition, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	rank := map[repository.Priority]int{
		repository.PriorityUrgent: 0,
		repository.PriorityHigh:   1,
		repository.PriorityNormal: 2,
		repository.PriorityLow:    3,
	}

	var pending []*repository.Requisition
	for _, pr := range s.prs {
		if pr.Status == repository.StatusPendingApproval &&
			pr.CurrentApproverID != nil && *pr.CurrentApproverID == approverID {
			pending = append(pending, pr.Clone())
		}
	}

	sort.Slice(pending, func(i, j int) bool {
		if rank[pending[i].Priority] != rank[pending[j].Priority] {
			return rank[pending[i].Priority] < rank[pending[j].Priority]
		}
		return pending[i].SubmittedAt.Before(*pending[j].SubmittedAt)
	})
	return pending, nil
}

func (s *RequisitionStore) Update(ctx context.Context, pr *repository.Requisition, expectedVersion int64, entry *repository.HistoryEntry) error {
	return s.commit(pr, expectedVersion, []*repository.HistoryEntry{entry})
}

func (s *RequisitionStore) CommitTransition(ctx context.Context, pr *repository.Requisition, expectedVersion int64, entries []*repository.HistoryEntry) error {
	return s.commit(pr, expectedVersion, entries)
}

func (s *RequisitionStore) commit(pr *repository.Requisition, expectedVersion int64, entries []*repository.HistoryEntry) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	stored, ok := s.prs[pr.ID]
	if !ok {
		return apperrors.NotFound("requisition", pr.ID)
	}
	if stored.Version != expectedVersion {
		return apperrors.ConcurrentModification(pr.ID)
	}
	if s.CommitHook != nil {
		if err := s.CommitHook(); err != nil {
			return err
		}
	}

	now := time.Now()
	pr.Version = expectedVersion + 1
	pr.UpdatedAt = now
	for _, entry := range entries {
		s.stampEntry(entry, now)
	}

	s.prs[pr.ID] = pr.Clone()
	s.history[pr.ID] = append(s.history[pr.ID], entries...)
	return nil
}

func (s *RequisitionStore) AppendEntry(ctx context.Context, entry *repository.HistoryEntry) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.prs[entry.RequisitionID]; !ok {
		return apperrors.NotFound("requisition", entry.RequisitionID)
	}
	s.stampEntry(entry, time.Now())
	s.history[entry.RequisitionID] = append(s.history[entry.RequisitionID], entry)
	return nil
}

func (s *RequisitionStore) History(ctx context.Context, requisitionID string) ([]*repository.HistoryEntry, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	entries := s.history[requisitionID]
	out := make([]*repository.HistoryEntry, len(entries))
	copy(out, entries)
	return out, nil
}

func (s *RequisitionStore) DeleteDraft(ctx context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	pr, ok := s.prs[id]
	if !ok {
		return apperrors.NotFound("requisition", id)
	}
	if pr.Status != repository.StatusDraft {
		return apperrors.InvalidTransition(id, string(pr.Status), "delete")
	}
	delete(s.prs, id)
	delete(s.history, id)
	return nil
}

func (s *RequisitionStore) stampEntry(entry *repository.HistoryEntry, now time.Time) {
	if entry.ID == "" {
		entry.ID = uuid.NewString()
	}
	entry.CreatedAt = now
}

// RuleStore is an in-memory repository.RuleStore.
type RuleStore struct {
	mu    sync.RWMutex
	rules map[string]*repository.ApprovalRule
}

// NewRuleStore creates an empty rule store.
func NewRuleStore() *RuleStore {
	return &RuleStore{rules: make(map[string]*repository.ApprovalRule)}
}

var _ repository.RuleStore = (*RuleStore)(nil)

func (s *RuleStore) ListActive(ctx context.Context) ([]*repository.ApprovalRule, error) {
	return s.list(true), nil
}

func (s *RuleStore) List(ctx context.Context) ([]*repository.ApprovalRule, error) {
	return s.list(false), nil
}

func (s *RuleStore) list(activeOnly bool) []*repository.ApprovalRule {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var rules []*repository.ApprovalRule
	for _, rule := range s.rules {
		if activeOnly && !rule.IsActive {
			continue
		}
		cp := *rule
		rules = append(rules, &cp)
	}
	sort.Slice(rules, func(i, j int) bool {
		return rules[i].MinAmount < rules[j].MinAmount
	})
	return rules
}

func (s *RuleStore) GetByID(ctx context.Context, id string) (*repository.ApprovalRule, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	rule, ok := s.rules[id]
	if !ok {
		return nil, apperrors.NotFound("approval_rule", id)
	}
	cp := *rule
	return &cp, nil
}

func (s *RuleStore) Create(ctx context.Context, rule *repository.ApprovalRule) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := time.Now()
	rule.ID = uuid.NewString()
	rule.CreatedAt = now
	rule.UpdatedAt = now

	cp := *rule
	s.rules[rule.ID] = &cp
	return nil
}

func (s *RuleStore) Update(ctx context.Context, rule *repository.ApprovalRule) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.rules[rule.ID]; !ok {
		return apperrors.NotFound("approval_rule", rule.ID)
	}
	rule.UpdatedAt = time.Now()
	cp := *rule
	s.rules[rule.ID] = &cp
	return nil
}

package service

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sierra-crm/be-pr-requisitions/internal/apperrors"
	"github.com/sierra-crm/be-pr-requisitions/internal/logger"
	"github.com/sierra-crm/be-pr-requisitions/internal/repository"
	"github.com/sierra-crm/be-pr-requisitions/internal/repository/memory"
	"github.com/sierra-crm/be-pr-requisitions/internal/workflow"
)

// ── Test doubles ─────────────────────────────────────────────────────────────

type fakeClock struct {
	mu sync.Mutex
	t  time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.t = c.t.Add(d)
}

type stubUser struct {
	name string
	role string
}

type stubIdentity struct {
	users       map[string]stubUser
	roleHolders map[string]*repository.Approver
	supervisors map[string]*repository.Approver
}

func (s *stubIdentity) Lookup(_ context.Context, userID string) (string, string, error) {
	u, ok := s.users[userID]
	if !ok {
		return "", "", apperrors.NotFound("user", userID)
	}
	return u.name, u.role, nil
}

func (s *stubIdentity) FindApproverForRole(_ context.Context, role string) (*repository.Approver, error) {
	return s.roleHolders[role], nil
}

func (s *stubIdentity) SupervisorOf(_ context.Context, userID string) (*repository.Approver, error) {
	sup, ok := s.supervisors[userID]
	if !ok {
		return nil, apperrors.NotFound("supervisor", userID)
	}
	return sup, nil
}

type publishedEvent struct {
	eventType  string
	recipients []string
}

type stubNotifier struct {
	mu     sync.Mutex
	events []publishedEvent
}

func (n *stubNotifier) PublishRequisitionEvent(_ context.Context, eventType string, _ *repository.Requisition, _ string, recipients []string, _ map[string]any) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.events = append(n.events, publishedEvent{eventType: eventType, recipients: recipients})
}

func (n *stubNotifier) last() (publishedEvent, bool) {
	n.mu.Lock()
	defer n.mu.Unlock()
	if len(n.events) == 0 {
		return publishedEvent{}, false
	}
	return n.events[len(n.events)-1], true
}

// ── Fixture ──────────────────────────────────────────────────────────────────

type fixture struct {
	store    *memory.RequisitionStore
	rules    *memory.RuleStore
	identity *stubIdentity
	notifier *stubNotifier
	clock    *fakeClock
	svc      *RequisitionService
}

func int64Ptr(v int64) *int64 { return &v }

func newFixture(t *testing.T) *fixture {
	t.Helper()
	ctx := context.Background()

	ruleStore := memory.NewRuleStore()
	seed := []*repository.ApprovalRule{
		{Name: "auto", MinAmount: 0, MaxAmount: int64Ptr(50000),
			ApproverRole: repository.ApproverRoleAuto, IsActive: true},
		{Name: "supervisor", MinAmount: 50000, MaxAmount: int64Ptr(500000),
			ApproverRole: "supervisor", SLAHours: 48, IsActive: true},
		{Name: "gerencia", MinAmount: 500000,
			ApproverRole: "gerencia", SLAHours: 24, RequiresJustification: true, IsActive: true},
	}
	for _, r := range seed {
		require.NoError(t, ruleStore.Create(ctx, r))
	}

	identity := &stubIdentity{
		users: map[string]stubUser{
			"user-1": {name: "Ana Torres", role: "vendedor"},
			"user-2": {name: "Pedro Díaz", role: "vendedor"},
			"sup-1":  {name: "Luis Vega", role: "supervisor"},
			"ger-1":  {name: "Carla Paz", role: "gerencia"},
			"adm-1":  {name: "Root Admin", role: "admin"},
		},
		roleHolders: map[string]*repository.Approver{
			"supervisor": {ID: "sup-1", Name: "Luis Vega"},
			"gerencia":   {ID: "ger-1", Name: "Carla Paz"},
		},
		supervisors: map[string]*repository.Approver{
			"sup-1": {ID: "ger-1", Name: "Carla Paz"},
		},
	}

	clock := &fakeClock{t: time.Date(2026, 3, 10, 9, 0, 0, 0, time.UTC)}
	notifier := &stubNotifier{}
	store := memory.NewRequisitionStore()
	log := logger.New(logger.Config{Level: "error", ServiceName: "test"})

	svc := NewRequisitionService(
		store, ruleStore, identity, notifier,
		workflow.NewMachine(clock),
		workflow.NewMonitor(clock, 4*time.Hour, map[repository.Priority]float64{
			repository.PriorityUrgent: 0.5,
		}),
		nil, log,
	)

	return &fixture{
		store: store, rules: ruleStore, identity: identity,
		notifier: notifier, clock: clock, svc: svc,
	}
}

func createRequest(unitPriceCents int64) *CreateRequisitionRequest {
	return &CreateRequisitionRequest{
		RequesterID:     "user-1",
		RequesterName:   "Ana Torres",
		Title:           "Office chairs",
		CategoryCode:    "furniture",
		Priority:        "normal",
		RequiredByDate:  "2026-04-01",
		ItemDescription: "Ergonomic chairs",
		Quantity:        1,
		UnitPrice:       unitPriceCents,
		Currency:        "PEN",
		Justification:   "Replacing broken chairs",
	}
}

func (f *fixture) createDraft(t *testing.T, unitPriceCents int64) *repository.Requisition {
	t.Helper()
	pr, err := f.svc.Create(context.Background(), createRequest(unitPriceCents))
	require.NoError(t, err)
	return pr
}

// ── Tests ────────────────────────────────────────────────────────────────────

func TestCreate_Validation(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	tests := []struct {
		name   string
		mutate func(*CreateRequisitionRequest)
	}{
		{"missing title", func(r *CreateRequisitionRequest) { r.Title = "" }},
		{"missing justification", func(r *CreateRequisitionRequest) { r.Justification = "" }},
		{"zero quantity", func(r *CreateRequisitionRequest) { r.Quantity = 0 }},
		{"negative unit price", func(r *CreateRequisitionRequest) { r.UnitPrice = -100 }},
		{"unknown priority", func(r *CreateRequisitionRequest) { r.Priority = "asap" }},
		{"unsupported currency", func(r *CreateRequisitionRequest) { r.Currency = "EUR" }},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := createRequest(100000)
			tt.mutate(req)
			_, err := f.svc.Create(ctx, req)
			assert.True(t, apperrors.IsCode(err, apperrors.ErrCodeInvalidInput))
		})
	}
}

func TestCreate_OpensLedger(t *testing.T) {
	f := newFixture(t)
	pr := f.createDraft(t, 100000)

	assert.Equal(t, repository.StatusDraft, pr.Status)
	assert.Equal(t, int64(1), pr.Version)
	assert.Contains(t, pr.PRNumber, "PR-")
	assert.Equal(t, int64(100000), pr.TotalAmount)

	history, err := f.store.History(context.Background(), pr.ID)
	require.NoError(t, err)
	require.Len(t, history, 1)
	assert.Equal(t, repository.ActionCreated, history[0].Action)
	assert.Nil(t, history[0].PreviousStatus)
	assert.Equal(t, repository.StatusDraft, *history[0].NewStatus)
}

func TestSubmit_AutoApproval(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	pr := f.createDraft(t, 30000) // under the auto threshold

	submitted, err := f.svc.Submit(ctx, pr.ID, "user-1")
	require.NoError(t, err)

	assert.Equal(t, repository.StatusApproved, submitted.Status)
	assert.Nil(t, submitted.CurrentApproverID)
	require.NotNil(t, submitted.ResolvedAt)
	assert.Equal(t, int64(2), submitted.Version)

	// created + collapsed approved: exactly two ledger entries.
	history, err := f.store.History(ctx, pr.ID)
	require.NoError(t, err)
	require.Len(t, history, 2)
	assert.Equal(t, repository.ActionApproved, history[1].Action)

	event, ok := f.notifier.last()
	require.True(t, ok)
	assert.Equal(t, "auto_approved", event.eventType)
	assert.Equal(t, []string{"user-1"}, event.recipients)
}

func TestSubmit_ManualRouting(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	pr := f.createDraft(t, 100000) // supervisor range

	submitted, err := f.svc.Submit(ctx, pr.ID, "user-1")
	require.NoError(t, err)

	assert.Equal(t, repository.StatusPendingApproval, submitted.Status)
	require.NotNil(t, submitted.CurrentApproverID)
	assert.Equal(t, "sup-1", *submitted.CurrentApproverID)
	require.NotNil(t, submitted.SubmittedAt)

	history, err := f.store.History(ctx, pr.ID)
	require.NoError(t, err)
	require.Len(t, history, 3)
	assert.Equal(t, repository.ActionSubmitted, history[1].Action)
	assert.Equal(t, repository.ActionAssigned, history[2].Action)

	event, ok := f.notifier.last()
	require.True(t, ok)
	assert.Equal(t, "approval_required", event.eventType)
	assert.Equal(t, []string{"sup-1"}, event.recipients)
}

func TestSubmit_OnlyRequester(t *testing.T) {
	f := newFixture(t)
	pr := f.createDraft(t, 100000)

	_, err := f.svc.Submit(context.Background(), pr.ID, "user-2")
	assert.True(t, apperrors.IsCode(err, apperrors.ErrCodeUnauthorized))
}

func TestApprove_Flow(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	pr := f.createDraft(t, 100000)
	_, err := f.svc.Submit(ctx, pr.ID, "user-1")
	require.NoError(t, err)

	approved, err := f.svc.Approve(ctx, pr.ID, "sup-1", "within budget")
	require.NoError(t, err)
	assert.Equal(t, repository.StatusApproved, approved.Status)
	assert.Nil(t, approved.CurrentApproverID)

	history, err := f.store.History(ctx, pr.ID)
	require.NoError(t, err)
	require.Len(t, history, 4)
	assert.Equal(t, "within budget", *history[3].Note)

	// Terminal state: a second approval attempt is rejected, nothing changes.
	_, err = f.svc.Approve(ctx, pr.ID, "sup-1", "again")
	assert.True(t, apperrors.IsCode(err, apperrors.ErrCodeInvalidTransition))
	again, err := f.store.GetByID(ctx, pr.ID)
	require.NoError(t, err)
	assert.Equal(t, repository.StatusApproved, again.Status)
	assert.Equal(t, int64(3), again.Version)
}

func TestApprove_OnlyAssignedApprover(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	pr := f.createDraft(t, 100000)
	_, err := f.svc.Submit(ctx, pr.ID, "user-1")
	require.NoError(t, err)

	for _, actor := range []string{"user-1", "ger-1", "user-2"} {
		_, err := f.svc.Approve(ctx, pr.ID, actor, "")
		assert.True(t, apperrors.IsCode(err, apperrors.ErrCodeUnauthorized), "actor %s", actor)
	}
}

func TestReject_RequiresReason(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	pr := f.createDraft(t, 100000)
	_, err := f.svc.Submit(ctx, pr.ID, "user-1")
	require.NoError(t, err)

	_, err = f.svc.Reject(ctx, pr.ID, "sup-1", "")
	assert.True(t, apperrors.IsCode(err, apperrors.ErrCodeInvalidInput))

	// The refused rejection left no trace.
	stored, err := f.store.GetByID(ctx, pr.ID)
	require.NoError(t, err)
	assert.Equal(t, repository.StatusPendingApproval, stored.Status)
	history, err := f.store.History(ctx, pr.ID)
	require.NoError(t, err)
	assert.Len(t, history, 3)

	rejected, err := f.svc.Reject(ctx, pr.ID, "sup-1", "over budget")
	require.NoError(t, err)
	assert.Equal(t, repository.StatusRejected, rejected.Status)
}

func TestCancel_Authorization(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	t.Run("stranger cannot cancel", func(t *testing.T) {
		pr := f.createDraft(t, 100000)
		_, err := f.svc.Cancel(ctx, pr.ID, "user-2", "not mine")
		assert.True(t, apperrors.IsCode(err, apperrors.ErrCodeUnauthorized))
	})

	t.Run("elevated role cancels someone else's requisition", func(t *testing.T) {
		pr := f.createDraft(t, 100000)
		_, err := f.svc.Submit(ctx, pr.ID, "user-1")
		require.NoError(t, err)

		cancelled, err := f.svc.Cancel(ctx, pr.ID, "adm-1", "budget freeze")
		require.NoError(t, err)
		assert.Equal(t, repository.StatusCancelled, cancelled.Status)
	})
}

func TestComplete(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	pr := f.createDraft(t, 100000)
	_, err := f.svc.Submit(ctx, pr.ID, "user-1")
	require.NoError(t, err)
	_, err = f.svc.Approve(ctx, pr.ID, "sup-1", "")
	require.NoError(t, err)

	_, err = f.svc.Complete(ctx, pr.ID, "user-2")
	assert.True(t, apperrors.IsCode(err, apperrors.ErrCodeUnauthorized))

	completed, err := f.svc.Complete(ctx, pr.ID, "user-1")
	require.NoError(t, err)
	assert.Equal(t, repository.StatusCompleted, completed.Status)
}

func TestSubmit_AtomicCommit(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	pr := f.createDraft(t, 100000)

	f.store.CommitHook = func() error { return errors.New("write failed") }
	_, err := f.svc.Submit(ctx, pr.ID, "user-1")
	require.Error(t, err)

	// Failed commit: no status change, no ledger entries.
	stored, err := f.store.GetByID(ctx, pr.ID)
	require.NoError(t, err)
	assert.Equal(t, repository.StatusDraft, stored.Status)
	assert.Equal(t, int64(1), stored.Version)
	history, err := f.store.History(ctx, pr.ID)
	require.NoError(t, err)
	assert.Len(t, history, 1)

	f.store.CommitHook = nil
	_, err = f.svc.Submit(ctx, pr.ID, "user-1")
	require.NoError(t, err)
}

func TestConcurrentModification(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	pr := f.createDraft(t, 100000)
	submitted, err := f.svc.Submit(ctx, pr.ID, "user-1")
	require.NoError(t, err)

	// Two actors race on the same snapshot; the second write loses.
	snapshot := submitted.Clone()
	_, err = f.svc.Approve(ctx, pr.ID, "sup-1", "first")
	require.NoError(t, err)

	err = f.store.CommitTransition(ctx, snapshot, submitted.Version, nil)
	assert.True(t, apperrors.IsCode(err, apperrors.ErrCodeConcurrentModification))
}

func TestEscalate(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	pr := f.createDraft(t, 100000) // supervisor, 48h SLA
	_, err := f.svc.Submit(ctx, pr.ID, "user-1")
	require.NoError(t, err)

	t.Run("not overdue yet", func(t *testing.T) {
		_, err := f.svc.Escalate(ctx, pr.ID, "user-1")
		require.Error(t, err)
		assert.True(t, apperrors.IsCode(err, apperrors.ErrCodeInvalidTransition))
	})

	f.clock.Advance(49 * time.Hour)

	t.Run("stranger cannot escalate", func(t *testing.T) {
		_, err := f.svc.Escalate(ctx, pr.ID, "user-2")
		assert.True(t, apperrors.IsCode(err, apperrors.ErrCodeUnauthorized))
	})

	t.Run("requester escalates to the supervisor's supervisor", func(t *testing.T) {
		escalated, err := f.svc.Escalate(ctx, pr.ID, "user-1")
		require.NoError(t, err)

		assert.Equal(t, repository.StatusPendingApproval, escalated.Status)
		assert.Equal(t, "ger-1", *escalated.CurrentApproverID)

		history, err := f.store.History(ctx, pr.ID)
		require.NoError(t, err)
		last := history[len(history)-1]
		assert.Equal(t, repository.ActionEscalated, last.Action)
		assert.Equal(t, "sup-1", last.Metadata["from_approver_id"])

		event, ok := f.notifier.last()
		require.True(t, ok)
		assert.Equal(t, "escalated", event.eventType)
		assert.Equal(t, []string{"ger-1"}, event.recipients)
	})
}

func TestView_Predicates(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	pr := f.createDraft(t, 100000)

	t.Run("requester on a draft", func(t *testing.T) {
		view, err := f.svc.View(ctx, pr.ID, "user-1")
		require.NoError(t, err)
		assert.True(t, view.CanEdit)
		assert.False(t, view.CanApprove)
		assert.True(t, view.CanCancel)
		assert.Nil(t, view.SLA)
		require.NotNil(t, view.Rule)
		assert.Equal(t, "supervisor", view.Rule.ApproverRole)
	})

	_, err := f.svc.Submit(ctx, pr.ID, "user-1")
	require.NoError(t, err)

	t.Run("assigned approver on pending", func(t *testing.T) {
		view, err := f.svc.View(ctx, pr.ID, "sup-1")
		require.NoError(t, err)
		assert.False(t, view.CanEdit)
		assert.True(t, view.CanApprove)
		assert.False(t, view.CanCancel)
		require.NotNil(t, view.SLA)
		assert.False(t, view.SLA.IsOverdue)
		assert.Len(t, view.History, 3)
	})

	t.Run("elevated role can cancel", func(t *testing.T) {
		view, err := f.svc.View(ctx, pr.ID, "adm-1")
		require.NoError(t, err)
		assert.False(t, view.CanApprove)
		assert.True(t, view.CanCancel)
	})

	t.Run("stranger gets no predicates", func(t *testing.T) {
		view, err := f.svc.View(ctx, pr.ID, "user-2")
		require.NoError(t, err)
		assert.False(t, view.CanEdit)
		assert.False(t, view.CanApprove)
		assert.False(t, view.CanCancel)
	})
}

func TestUpdateDraft(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	pr := f.createDraft(t, 100000)

	t.Run("only the requester", func(t *testing.T) {
		_, err := f.svc.UpdateDraft(ctx, pr.ID, "user-2", createRequest(200000))
		assert.True(t, apperrors.IsCode(err, apperrors.ErrCodeUnauthorized))
	})

	t.Run("recomputes the total", func(t *testing.T) {
		req := createRequest(200000)
		req.Quantity = 3
		updated, err := f.svc.UpdateDraft(ctx, pr.ID, "user-1", req)
		require.NoError(t, err)
		assert.Equal(t, int64(600000), updated.TotalAmount)
		assert.Equal(t, int64(2), updated.Version)
	})

	t.Run("immutable once submitted", func(t *testing.T) {
		_, err := f.svc.Submit(ctx, pr.ID, "user-1")
		require.NoError(t, err)
		_, err = f.svc.UpdateDraft(ctx, pr.ID, "user-1", createRequest(200000))
		assert.True(t, apperrors.IsCode(err, apperrors.ErrCodeInvalidTransition))
	})
}

func TestDeleteDraft(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	pr := f.createDraft(t, 100000)

	require.NoError(t, f.svc.DeleteDraft(ctx, pr.ID, "user-1"))
	_, err := f.store.GetByID(ctx, pr.ID)
	assert.True(t, apperrors.IsCode(err, apperrors.ErrCodeNotFound))
}

func TestComment(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	pr := f.createDraft(t, 100000)

	t.Run("requires text", func(t *testing.T) {
		_, err := f.svc.Comment(ctx, pr.ID, "user-1", "", false)
		assert.True(t, apperrors.IsCode(err, apperrors.ErrCodeInvalidInput))
	})

	t.Run("stranger has no access", func(t *testing.T) {
		_, err := f.svc.Comment(ctx, pr.ID, "user-2", "hello", false)
		assert.True(t, apperrors.IsCode(err, apperrors.ErrCodeUnauthorized))
	})

	t.Run("appends without changing state", func(t *testing.T) {
		entry, err := f.svc.Comment(ctx, pr.ID, "user-1", "vendor confirmed stock", false)
		require.NoError(t, err)
		assert.Equal(t, repository.ActionCommented, entry.Action)
		assert.Nil(t, entry.PreviousStatus)

		stored, err := f.store.GetByID(ctx, pr.ID)
		require.NoError(t, err)
		assert.Equal(t, repository.StatusDraft, stored.Status)
		assert.Equal(t, int64(1), stored.Version)
	})
}

func TestRuleAdmin_PartitionGuard(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	t.Run("overlapping rule rejected", func(t *testing.T) {
		_, err := f.svc.CreateRule(ctx, &repository.ApprovalRule{
			Name: "rogue", MinAmount: 40000, MaxAmount: int64Ptr(60000),
			ApproverRole: "supervisor", SLAHours: 24, IsActive: true,
		})
		assert.True(t, apperrors.IsCode(err, apperrors.ErrCodeInvalidInput))
	})

	t.Run("inactive rule bypasses partition checks", func(t *testing.T) {
		created, err := f.svc.CreateRule(ctx, &repository.ApprovalRule{
			Name: "draft rule", MinAmount: 40000, MaxAmount: int64Ptr(60000),
			ApproverRole: "supervisor", SLAHours: 24, IsActive: false,
		})
		require.NoError(t, err)
		assert.NotEmpty(t, created.ID)
	})

	t.Run("update creating a gap rejected", func(t *testing.T) {
		rules, err := f.svc.ListRules(ctx)
		require.NoError(t, err)

		var supervisor *repository.ApprovalRule
		for _, r := range rules {
			if r.Name == "supervisor" {
				supervisor = r
			}
		}
		require.NotNil(t, supervisor)

		supervisor.MinAmount = 100000 // would leave [50000, 100000) uncovered
		_, err = f.svc.UpdateRule(ctx, supervisor)
		assert.True(t, apperrors.IsCode(err, apperrors.ErrCodeInvalidInput))
	})
}

func TestSubmit_NoActiveRules(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	// Deactivate the whole partition directly in the store.
	rules, err := f.rules.List(ctx)
	require.NoError(t, err)
	for _, r := range rules {
		r.IsActive = false
		require.NoError(t, f.rules.Update(ctx, r))
	}

	pr := f.createDraft(t, 100000)
	_, err = f.svc.Submit(ctx, pr.ID, "user-1")
	assert.True(t, apperrors.IsCode(err, apperrors.ErrCodeNoMatchingRule))
}

func TestPendingApprovals_UrgentFirst(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	normal := f.createDraft(t, 100000)
	_, err := f.svc.Submit(ctx, normal.ID, "user-1")
	require.NoError(t, err)

	urgentReq := createRequest(100000)
	urgentReq.Priority = "urgent"
	urgent, err := f.svc.Create(ctx, urgentReq)
	require.NoError(t, err)
	_, err = f.svc.Submit(ctx, urgent.ID, "user-1")
	require.NoError(t, err)

	inbox, err := f.svc.PendingApprovals(ctx, "sup-1")
	require.NoError(t, err)
	require.Len(t, inbox, 2)
	assert.Equal(t, urgent.ID, inbox[0].ID)
	assert.Equal(t, normal.ID, inbox[1].ID)
}

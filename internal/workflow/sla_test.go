package workflow

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sierra-crm/be-pr-requisitions/internal/repository"
)

func newTestMonitor(now time.Time) *Monitor {
	return NewMonitor(FixedClock{Time: now}, 4*time.Hour, map[repository.Priority]float64{
		repository.PriorityUrgent: 0.5,
	})
}

func pendingAt(submitted time.Time, priority repository.Priority) *repository.Requisition {
	pr := pendingRequisition()
	pr.Priority = priority
	pr.SubmittedAt = &submitted
	return pr
}

func TestStatusOf_NothingToMeasure(t *testing.T) {
	now := testTime
	m := newTestMonitor(now)
	rule := supervisorRule()

	t.Run("not pending", func(t *testing.T) {
		pr := draftRequisition()
		_, ok := m.StatusOf(pr, rule)
		assert.False(t, ok)
	})

	t.Run("never submitted", func(t *testing.T) {
		pr := pendingRequisition()
		pr.SubmittedAt = nil
		_, ok := m.StatusOf(pr, rule)
		assert.False(t, ok)
	})

	t.Run("auto rule", func(t *testing.T) {
		auto := supervisorRule()
		auto.ApproverRole = repository.ApproverRoleAuto
		_, ok := m.StatusOf(pendingAt(now.Add(-time.Hour), repository.PriorityNormal), auto)
		assert.False(t, ok)
	})

	t.Run("no rule", func(t *testing.T) {
		_, ok := m.StatusOf(pendingAt(now.Add(-time.Hour), repository.PriorityNormal), nil)
		assert.False(t, ok)
	})
}

func TestStatusOf_NominalBudget(t *testing.T) {
	now := testTime
	m := newTestMonitor(now)
	rule := supervisorRule() // 48h

	t.Run("well within budget", func(t *testing.T) {
		status, ok := m.StatusOf(pendingAt(now.Add(-10*time.Hour), repository.PriorityNormal), rule)
		require.True(t, ok)
		assert.False(t, status.IsOverdue)
		assert.False(t, status.IsNearDue)
		assert.InDelta(t, 38.0, status.RemainingHours, 0.01)
		assert.Equal(t, now.Add(38*time.Hour), status.Deadline)
	})

	t.Run("near due inside the warning window", func(t *testing.T) {
		status, ok := m.StatusOf(pendingAt(now.Add(-45*time.Hour), repository.PriorityNormal), rule)
		require.True(t, ok)
		assert.False(t, status.IsOverdue)
		assert.True(t, status.IsNearDue)
	})

	t.Run("overdue past the deadline", func(t *testing.T) {
		status, ok := m.StatusOf(pendingAt(now.Add(-49*time.Hour), repository.PriorityNormal), rule)
		require.True(t, ok)
		assert.True(t, status.IsOverdue)
		assert.False(t, status.IsNearDue)
		assert.InDelta(t, -1.0, status.RemainingHours, 0.01)
	})
}

func TestStatusOf_UrgentHalvesTheBudget(t *testing.T) {
	now := testTime
	m := newTestMonitor(now)
	rule := supervisorRule()
	rule.SLAHours = 24 // urgent multiplier 0.5 → effective 12h

	t.Run("within halved budget", func(t *testing.T) {
		status, ok := m.StatusOf(pendingAt(now.Add(-11*time.Hour), repository.PriorityUrgent), rule)
		require.True(t, ok)
		assert.False(t, status.IsOverdue)
		assert.True(t, status.IsNearDue) // 1h left, window is 4h
	})

	t.Run("overdue after 13h despite 24h rule", func(t *testing.T) {
		status, ok := m.StatusOf(pendingAt(now.Add(-13*time.Hour), repository.PriorityUrgent), rule)
		require.True(t, ok)
		assert.True(t, status.IsOverdue)
	})

	t.Run("same elapsed time at normal priority is fine", func(t *testing.T) {
		status, ok := m.StatusOf(pendingAt(now.Add(-13*time.Hour), repository.PriorityNormal), rule)
		require.True(t, ok)
		assert.False(t, status.IsOverdue)
	})
}

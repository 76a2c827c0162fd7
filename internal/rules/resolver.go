// Package rules resolves a requisition amount to the approval rule that
// governs it.
//
// A rule set is only usable once it has passed partition validation: the
// active rules' half-open ranges [min, max) must cover every non-negative
// amount exactly once, ending in an unbounded rule. A set that fails
// validation is rejected before any requisition can be routed against it.
package rules

import (
	"fmt"
	"sort"

	"github.com/sierra-crm/be-pr-requisitions/internal/apperrors"
	"github.com/sierra-crm/be-pr-requisitions/internal/repository"
)

// RuleSet is a validated, ordered set of approval rules.
type RuleSet struct {
	rules []*repository.ApprovalRule // sorted by MinAmount ascending
}

// NewRuleSet validates the given rules and returns a resolvable set.
// Inactive rules must be filtered out by the caller.
func NewRuleSet(ruleList []*repository.ApprovalRule) (*RuleSet, error) {
	if len(ruleList) == 0 {
		return nil, fmt.Errorf("approval rule set is empty")
	}

	sorted := make([]*repository.ApprovalRule, len(ruleList))
	copy(sorted, ruleList)
	sort.Slice(sorted, func(i, j int) bool {
		return sorted[i].MinAmount < sorted[j].MinAmount
	})

	for i, rule := range sorted {
		if err := validateRule(rule); err != nil {
			return nil, fmt.Errorf("rule %q: %w", rule.Name, err)
		}

		if i == 0 && rule.MinAmount != 0 {
			return nil, fmt.Errorf("rule %q: range must start at 0, starts at %d", rule.Name, rule.MinAmount)
		}

		last := i == len(sorted)-1
		if last {
			if rule.MaxAmount != nil {
				return nil, fmt.Errorf("rule %q: highest range must be unbounded", rule.Name)
			}
			continue
		}

		if rule.MaxAmount == nil {
			return nil, fmt.Errorf("rule %q: only the highest range may be unbounded", rule.Name)
		}
		next := sorted[i+1]
		if next.MinAmount < *rule.MaxAmount {
			return nil, fmt.Errorf("rules %q and %q overlap at %d", rule.Name, next.Name, next.MinAmount)
		}
		if next.MinAmount > *rule.MaxAmount {
			return nil, fmt.Errorf("gap between rules %q and %q: amounts in [%d, %d) have no approver",
				rule.Name, next.Name, *rule.MaxAmount, next.MinAmount)
		}
	}

	return &RuleSet{rules: sorted}, nil
}

// ValidateRule checks a single rule's internal consistency independent of the
// set it belongs to.
func validateRule(rule *repository.ApprovalRule) error {
	if rule.MinAmount < 0 {
		return fmt.Errorf("min_amount must be non-negative, got %d", rule.MinAmount)
	}
	if rule.MaxAmount != nil && *rule.MaxAmount <= rule.MinAmount {
		return fmt.Errorf("max_amount %d must exceed min_amount %d", *rule.MaxAmount, rule.MinAmount)
	}
	if rule.ApproverRole == "" {
		return fmt.Errorf("approver_role is required")
	}
	// Auto-approved ranges need no SLA budget; every human approver does.
	if rule.ApproverRole != repository.ApproverRoleAuto && rule.SLAHours <= 0 {
		return fmt.Errorf("sla_hours must be positive for approver role %q", rule.ApproverRole)
	}
	if rule.SLAHours < 0 {
		return fmt.Errorf("sla_hours must not be negative")
	}
	return nil
}

// Resolve returns the single rule governing amountCents. Deterministic and
// side-effect-free. On a validated set this can only fail for negative
// amounts, but an uncovered amount is still reported as NoMatchingRule rather
// than routed arbitrarily.
func (s *RuleSet) Resolve(amountCents int64, currency string) (*repository.ApprovalRule, error) {
	if amountCents >= 0 {
		for _, rule := range s.rules {
			if amountCents < rule.MinAmount {
				break
			}
			if rule.MaxAmount == nil || amountCents < *rule.MaxAmount {
				return rule, nil
			}
		}
	}
	return nil, apperrors.NoMatchingRule(amountCents, currency)
}

// Rules returns the validated rules in range order.
func (s *RuleSet) Rules() []*repository.ApprovalRule {
	return s.rules
}

package policy

import (
	"context"
	"fmt"
)

// DuplicateChecker detects a code already configured on another slot of the
// same lock. Locks refuse duplicate user codes.
type DuplicateChecker struct {
	findByPIN func(ctx context.Context, lockID, pin string) ([]int, error)
}

// NewDuplicateChecker creates a checker backed by findByPIN, which lists the
// slot numbers on a lock holding a code.
func NewDuplicateChecker(findByPIN func(ctx context.Context, lockID, pin string) ([]int, error)) *DuplicateChecker {
	return &DuplicateChecker{findByPIN: findByPIN}
}

// Conflicts returns the other slots on lockID that hold pin.
func (c *DuplicateChecker) Conflicts(ctx context.Context, lockID string, slot int, pin string) ([]int, error) {
	if pin == "" {
		return nil, nil
	}

	nums, err := c.findByPIN(ctx, lockID, pin)
	if err != nil {
		return nil, fmt.Errorf("checking duplicate PIN: %w", err)
	}

	var conflicts []int
	for _, n := range nums {
		if n != slot {
			conflicts = append(conflicts, n)
		}
	}
	return conflicts, nil
}

// Taken adapts the checker for Generator.Generate on one lock.
func (c *DuplicateChecker) Taken(ctx context.Context, lockID string, slot int) func(string) bool {
	return func(pin string) bool {
		conflicts, err := c.Conflicts(ctx, lockID, slot, pin)
		return err != nil || len(conflicts) > 0
	}
}

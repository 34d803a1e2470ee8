package engine

import "rollup/internal/config"

// ComputeProgress returns round(completed/total*100) with halves rounded up,
// clamped to [0,100]. total must be positive; callers handle the empty case
// through Rollup.
func ComputeProgress(total, completed int) int {
	if total <= 0 {
		return 0
	}
	if completed < 0 {
		completed = 0
	}
	if completed > total {
		completed = total
	}
	return (200*completed + total) / (2 * total)
}

// Rollup derives a parent's progress from its child counts. With no children
// the policy decides: keep returns stored, reset returns 0.
func Rollup(stored, total, completed int, policy config.ZeroChildPolicy) int {
	if total == 0 {
		if policy == config.ZeroChildrenReset {
			return 0
		}
		return stored
	}
	return ComputeProgress(total, completed)
}

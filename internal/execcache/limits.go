package execcache

import (
	"time"

	"github.com/veluca93/task-maker-go/internal/dag"
)

// lessEqualDuration implements "L1 is less restrictive than L2" for one
// time.Duration dimension: a nil value is infinity, so a nil l2 imposes
// no constraint and a nil l1 satisfies any l2 (spec §3 Limits partial
// order).
func lessEqualDuration(l1, l2 *time.Duration) bool {
	if l2 == nil || l1 == nil {
		return true
	}
	return *l1 >= *l2
}

func lessEqualUint(l1, l2 *uint64) bool {
	if l2 == nil || l1 == nil {
		return true
	}
	return *l1 >= *l2
}

// LimitsLessEqual implements the partial order of spec §3: L1 ≤ L2
// ("L1 is less restrictive than L2") iff for every dimension present in
// L2, L1 is either absent (infinite) or numerically >= L2's value.
// ExtraReadablePaths and MountTmpfs are not numeric limit dimensions and
// are excluded from the comparison, as spec §3 scopes the partial order
// to "every limit dimension".
func LimitsLessEqual(l1, l2 dag.Limits) bool {
	return lessEqualDuration(l1.WallTime, l2.WallTime) &&
		lessEqualDuration(l1.CPUTime, l2.CPUTime) &&
		lessEqualDuration(l1.SysTime, l2.SysTime) &&
		lessEqualUint(l1.MemoryKiB, l2.MemoryKiB) &&
		lessEqualUint(l1.Processes, l2.Processes) &&
		lessEqualUint(l1.FileSizeKiB, l2.FileSizeKiB) &&
		lessEqualUint(l1.StackKiB, l2.StackKiB)
}

// Recategorize recomputes an ExecutionStatusKind from raw recorded
// resource usage against a (possibly different) set of limits, per spec
// §4.2: "the status field of the reused result is recomputed using the
// group's per-execution limits and the recorded resource usage". Results
// whose status is limit-independent (signal, nonzero return code) or
// InternalError pass through unchanged.
func Recategorize(result dag.ExecutionResult, limits dag.Limits) dag.ExecutionResult {
	if result.LimitIndependent() || result.Status == dag.StatusInternalError {
		return result
	}
	r := result
	switch {
	case limits.CPUTime != nil && r.Resources.CPUTime > *limits.CPUTime:
		r.Status = dag.StatusTimeLimitExceeded
	case limits.WallTime != nil && r.Resources.WallTime > *limits.WallTime:
		r.Status = dag.StatusWallTimeLimitExceeded
	case limits.MemoryKiB != nil && r.Resources.MemoryKiB > *limits.MemoryKiB:
		r.Status = dag.StatusMemoryLimitExceeded
	default:
		r.Status = dag.StatusSuccess
	}
	return r
}

// isLimitFailure reports whether status is one of the limit-driven
// failure kinds the compatibility rule treats specially.
func isLimitFailure(status dag.ExecutionStatusKind) bool {
	switch status {
	case dag.StatusTimeLimitExceeded, dag.StatusWallTimeLimitExceeded, dag.StatusMemoryLimitExceeded:
		return true
	default:
		return false
	}
}

// Compatible implements the cache compatibility rule of spec §4.2: given
// a cached result observed under entryLimits, decide whether it may be
// reused for a group scheduled under newLimits.
func Compatible(cached dag.ExecutionResult, entryLimits, newLimits dag.Limits) bool {
	switch {
	case cached.Status == dag.StatusSuccess:
		return LimitsLessEqual(entryLimits, newLimits)
	case isLimitFailure(cached.Status):
		return LimitsLessEqual(entryLimits, newLimits)
	case cached.LimitIndependent():
		return true
	default:
		return false
	}
}

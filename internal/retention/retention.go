// Package retention evaluates RetentionPolicy bounds against the set
// of on-disk archives with a matching BackupLog, and computes the
// deletion plan (or, via EstimateImpact, the same walk without side
// effects).
package retention

import (
	"errors"
	"fmt"
	"os"
	"sort"
	"time"

	"github.com/siddontang/loggers"

	"github.com/block/mysql-coldbackup/internal/model"
)

// ErrInvalidPolicy is returned by Validate for a policy that fails any
// of the validation rules in spec §4.8.
var ErrInvalidPolicy = errors.New("retention: invalid policy")

// Validate rejects policies with an empty name, with any present
// bound that is zero or negative, or with no bound set at all.
func Validate(p model.RetentionPolicy) error {
	if p.Name == "" {
		return fmt.Errorf("%w: name must not be empty", ErrInvalidPolicy)
	}
	if p.MaxAgeDays < 0 || p.MaxCount < 0 || p.MaxStorageBytes < 0 {
		return fmt.Errorf("%w: bounds must not be negative", ErrInvalidPolicy)
	}
	if !p.HasAnyBound() {
		return fmt.Errorf("%w: at least one bound must be set", ErrInvalidPolicy)
	}
	return nil
}

// Entry is one retained-or-not candidate: a BackupLog paired with its
// archive's observed size.
type Entry struct {
	Log       model.BackupLog
	SizeBytes int64
}

// Plan is the outcome of a retention walk: the archives/logs to
// delete and the bytes that deleting them would free.
type Plan struct {
	ArchivePaths []string
	LogIDs       []string
	BytesToFree  int64
}

// Evaluate walks entries newest-first and returns the deletion plan
// implied by policy, without touching disk. Entries are assumed to
// already be restricted to logs with a matching on-disk archive.
func Evaluate(policy model.RetentionPolicy, entries []Entry) (Plan, error) {
	if err := Validate(policy); err != nil {
		return Plan{}, err
	}

	sorted := make([]Entry, len(entries))
	copy(sorted, entries)
	sort.Slice(sorted, func(i, j int) bool {
		return sorted[i].Log.StartTime.After(sorted[j].Log.StartTime)
	})

	now := time.Now()
	var (
		retainedCount int
		retainedBytes int64
		plan          Plan
	)

	for _, e := range sorted {
		if shouldRetain(policy, now, e, retainedCount, retainedBytes) {
			retainedCount++
			retainedBytes += e.SizeBytes
			continue
		}
		plan.ArchivePaths = append(plan.ArchivePaths, e.Log.ArchivePath)
		plan.LogIDs = append(plan.LogIDs, e.Log.ID)
		plan.BytesToFree += e.SizeBytes
	}

	return plan, nil
}

func shouldRetain(policy model.RetentionPolicy, now time.Time, e Entry, retainedCount int, retainedBytes int64) bool {
	if policy.MaxAgeDays > 0 {
		ageDays := now.Sub(e.Log.StartTime).Hours() / 24
		if ageDays > float64(policy.MaxAgeDays) {
			return false
		}
	}
	if policy.MaxCount > 0 && retainedCount >= policy.MaxCount {
		return false
	}
	if policy.MaxStorageBytes > 0 && retainedBytes+e.SizeBytes > policy.MaxStorageBytes {
		return false
	}
	return true
}

// Apply deletes every archive in plan from disk and returns the
// subset of log IDs whose deletion fully succeeded versus those whose
// archive was already missing (downgraded rather than deleted — see
// DESIGN.md's resolution of spec.md's retention Open Question).
type ApplyResult struct {
	Deleted        []string // log IDs whose archive was deleted
	ArchiveMissing []string // log IDs whose archive was already gone
}

// Apply executes plan against disk, guarded by logger warnings for any
// archive that is already missing.
func Apply(plan Plan, logger loggers.Advanced) (ApplyResult, error) {
	var result ApplyResult
	for i, path := range plan.ArchivePaths {
		logID := plan.LogIDs[i]
		if _, err := os.Stat(path); os.IsNotExist(err) {
			logger.Warnf("retention: archive %s for log %s already missing on disk, downgrading instead of deleting", path, logID)
			result.ArchiveMissing = append(result.ArchiveMissing, logID)
			continue
		}
		if err := os.Remove(path); err != nil {
			return result, fmt.Errorf("retention: removing archive %s: %w", path, err)
		}
		result.Deleted = append(result.Deleted, logID)
	}
	return result, nil
}

// EstimateImpact runs the same walk as Evaluate with no side effects,
// returning the plan a subsequent Apply would execute. It is exposed
// separately to make the "no side effects" contract explicit at the
// call site even though Evaluate itself never touches disk.
func EstimateImpact(policy model.RetentionPolicy, entries []Entry) (Plan, error) {
	return Evaluate(policy, entries)
}

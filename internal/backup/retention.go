package backup

import (
	"fmt"
	"time"

	"vwbackup/internal/config"
	"vwbackup/internal/logging"
)

// Retention prunes old backup sets down to a per-category keep count. It
// runs only after a producer run has fully committed its own set, so a set
// being produced, verified or restored is never a deletion candidate. The
// sweep that follows a run additionally spares the set that run produced.
type Retention struct {
	store  *Store
	keep   map[Category]int
	logger *logging.Logger
}

// NewRetention creates a retention manager from the configured keep counts.
func NewRetention(cfg config.RetentionConfig, store *Store, logger *logging.Logger) *Retention {
	if logger == nil {
		logger = logging.NewDefaultLogger()
	}
	return &Retention{
		store: store,
		keep: map[Category]int{
			CategoryDatabase: cfg.DatabaseKeep,
			CategoryFull:     cfg.FullKeep,
		},
		logger: logger,
	}
}

// KeepCount returns the configured keep count for the category.
func (r *Retention) KeepCount(c Category) int { return r.keep[c] }

// PruneResult describes one retention sweep over a single category.
type PruneResult struct {
	Category   Category
	Kept       int
	Removed    []*BackupSet
	FreedBytes int64
	DryRun     bool
}

// Prune deletes the oldest sets in the category until the on-disk count
// equals the keep count. With dryRun it only reports what would go.
func (r *Retention) Prune(c Category, dryRun bool) (*PruneResult, error) {
	return r.prune(c, dryRun, "")
}

// PruneAfterRun sweeps the category of a just-committed set. The set that
// triggered the sweep is neither counted nor a deletion candidate, so a run
// over a category already at its keep count leaves keep+1 sets on disk; the
// next standalone prune trims the count back down.
func (r *Retention) PruneAfterRun(produced *BackupSet) (*PruneResult, error) {
	return r.prune(produced.Category, false, produced.ID())
}

// prune is the sweep core. spare names a set ID excluded from both the
// count and the deletion candidates; Kept counts the sets a real sweep
// would leave behind. Deletion failures are collected so one stubborn
// directory does not shield the rest.
func (r *Retention) prune(c Category, dryRun bool, spare string) (*PruneResult, error) {
	start := time.Now()

	keep, ok := r.keep[c]
	if !ok || keep < 1 {
		return nil, NewConfigError(fmt.Sprintf("no usable keep count for category %s", c), nil)
	}

	sets, err := r.store.ListSets(c)
	if err != nil {
		return nil, err
	}

	candidates := sets
	if spare != "" {
		candidates = make([]*BackupSet, 0, len(sets))
		for _, set := range sets {
			if set.ID() != spare {
				candidates = append(candidates, set)
			}
		}
	}

	result := &PruneResult{Category: c, DryRun: dryRun}
	if len(candidates) <= keep {
		result.Kept = len(sets)
		r.logger.LogRetentionSweep(string(c), 0, result.Kept, time.Since(start))
		return result, nil
	}

	// ListSets sorts ascending by timestamp, so the excess prefix is the
	// oldest sets.
	excess := candidates[:len(candidates)-keep]

	var errs ErrorList
	for _, set := range excess {
		size := set.TotalSize()
		if !dryRun {
			if err := r.store.DeleteSet(set); err != nil {
				errs.Addf(err, "failed to remove set %s", set.ID())
				continue
			}
		}
		result.Removed = append(result.Removed, set)
		result.FreedBytes += size
	}
	result.Kept = len(sets) - len(result.Removed)

	if !dryRun {
		r.logger.LogRetentionSweep(string(c), len(result.Removed), result.Kept, time.Since(start))
	}
	return result, errs.Err()
}

// PruneAll sweeps every known category in order.
func (r *Retention) PruneAll(dryRun bool) ([]*PruneResult, error) {
	results := make([]*PruneResult, 0, len(Categories))
	var errs ErrorList
	for _, c := range Categories {
		result, err := r.Prune(c, dryRun)
		if err != nil {
			errs.Add(err)
		}
		if result != nil {
			results = append(results, result)
		}
	}
	return results, errs.Err()
}

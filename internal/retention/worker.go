// Package retention implements the Retention Worker (C4, spec.md §4.4): one
// instance per StorageGroup that evicts the oldest sealed segments whenever
// a group's usage exceeds its quota. Grounded on the original file deletion
// actor's oldest-first accumulation, ported to the channel/futures style
// (not the parallel actix-based variant).
package retention

import (
	"context"
	"log/slog"
	"os"
	"time"

	"github.com/exopticon/exopticon/internal/config"
	"github.com/exopticon/exopticon/internal/store"
)

// tickInterval is the sweep period (spec.md §4.4: "Every 5 s").
const tickInterval = 5 * time.Second

// cameraLookup resolves which camera ids belong to a StorageGroup; callers
// supply this since the core's Repository indexes by camera id, not group.
type cameraLookup interface {
	CamerasInGroup(groupID string) []string
}

// Worker sweeps one StorageGroup for quota violations.
type Worker struct {
	group  config.StorageGroup
	lookup cameraLookup
	repo   store.Repository
	log    *slog.Logger
}

// New constructs a Worker for one StorageGroup.
func New(group config.StorageGroup, lookup cameraLookup, repo store.Repository, log *slog.Logger) *Worker {
	if log == nil {
		log = slog.Default()
	}
	return &Worker{
		group:  group,
		lookup: lookup,
		repo:   repo,
		log:    log.With("component", "retention", "storage_group_id", group.ID),
	}
}

// Run sweeps every tickInterval until ctx is cancelled.
func (w *Worker) Run(ctx context.Context) {
	ticker := time.NewTicker(tickInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := w.Sweep(ctx); err != nil {
				w.log.Error("retention sweep failed", "error", err)
			}
		}
	}
}

// Sweep performs one quota check and, if over, evicts the oldest sealed
// segments until usage is back at or under quota (spec.md §4.4 steps 1-4).
func (w *Worker) Sweep(ctx context.Context) error {
	cameraIDs := w.lookup.CamerasInGroup(w.group.ID)
	if len(cameraIDs) == 0 {
		return nil
	}

	currentUsed, err := w.repo.StorageGroupUsage(ctx, cameraIDs)
	if err != nil {
		return err
	}
	if currentUsed <= w.group.QuotaBytes {
		return nil
	}

	overage := currentUsed - w.group.QuotaBytes

	// A generous candidate window: every sealed segment, oldest first. In
	// steady state the overage is a handful of segments; there is no
	// correctness requirement to cap this, only a practical one, so we
	// fetch a bounded batch and repeat the sweep next tick if it wasn't
	// enough.
	const batchSize = 256
	candidates, err := w.repo.OldestSealedSegments(ctx, cameraIDs, batchSize)
	if err != nil {
		return err
	}

	var freed int64
	for _, seg := range candidates {
		if freed >= overage {
			break
		}

		removeErr := os.Remove(seg.File.Filename)
		if removeErr != nil && !os.IsNotExist(removeErr) {
			w.log.Warn("failed to remove segment file, metadata retained for retry", "filename", seg.File.Filename, "error", removeErr)
			continue
		}
		if os.IsNotExist(removeErr) {
			w.log.Warn("segment file already missing, deleting metadata only", "filename", seg.File.Filename)
		}

		if err := w.repo.DeleteSegment(ctx, seg.Unit.ID); err != nil {
			w.log.Error("failed to delete segment metadata after file removal", "video_unit_id", seg.Unit.ID, "error", err)
			continue
		}

		freed += seg.File.Size
	}

	w.log.Info("retention sweep evicted segments", "freed_bytes", freed, "overage_bytes", overage)
	return nil
}

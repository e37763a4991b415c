package retention

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/exopticon/exopticon/internal/config"
	"github.com/exopticon/exopticon/internal/store"
)

type fakeLookup struct {
	cameras []string
}

func (f fakeLookup) CamerasInGroup(groupID string) []string { return f.cameras }

type fakeRepo struct {
	usage    int64
	oldest   []store.Segment
	deleted  []string
}

func (f *fakeRepo) NewFile(ctx context.Context, cameraID, filename string, beginTime time.Time) (*store.Segment, error) {
	return nil, nil
}
func (f *fakeRepo) EndFile(ctx context.Context, unitID string, endTime time.Time, size int64) error {
	return nil
}
func (f *fakeRepo) OldestSealedSegments(ctx context.Context, cameraIDs []string, limit int) ([]store.Segment, error) {
	return f.oldest, nil
}
func (f *fakeRepo) StorageGroupUsage(ctx context.Context, cameraIDs []string) (int64, error) {
	return f.usage, nil
}
func (f *fakeRepo) DeleteSegment(ctx context.Context, unitID string) error {
	f.deleted = append(f.deleted, unitID)
	return nil
}
func (f *fakeRepo) GetSegment(ctx context.Context, unitID string) (*store.Segment, error) {
	return nil, nil
}

func TestSweepNoOpWhenUnderQuota(t *testing.T) {
	repo := &fakeRepo{usage: 50}
	group := config.StorageGroup{ID: "sg1", QuotaBytes: 100}
	w := New(group, fakeLookup{cameras: []string{"cam1"}}, repo, nil)

	if err := w.Sweep(context.Background()); err != nil {
		t.Fatalf("Sweep failed: %v", err)
	}
	if len(repo.deleted) != 0 {
		t.Fatalf("expected no deletions under quota, got %v", repo.deleted)
	}
}

func TestSweepEvictsOldestUntilUnderQuota(t *testing.T) {
	dir := t.TempDir()
	var files []string
	for i := 0; i < 3; i++ {
		p := filepath.Join(dir, "seg"+string(rune('a'+i))+".mkv")
		if err := os.WriteFile(p, []byte("x"), 0644); err != nil {
			t.Fatalf("write file: %v", err)
		}
		files = append(files, p)
	}

	repo := &fakeRepo{
		usage: 120,
		oldest: []store.Segment{
			{Unit: store.VideoUnit{ID: "u1"}, File: store.VideoFile{ID: "f1", VideoUnitID: "u1", Filename: files[0], Size: 15}},
			{Unit: store.VideoUnit{ID: "u2"}, File: store.VideoFile{ID: "f2", VideoUnitID: "u2", Filename: files[1], Size: 15}},
			{Unit: store.VideoUnit{ID: "u3"}, File: store.VideoFile{ID: "f3", VideoUnitID: "u3", Filename: files[2], Size: 15}},
		},
	}
	group := config.StorageGroup{ID: "sg1", QuotaBytes: 100}
	w := New(group, fakeLookup{cameras: []string{"cam1"}}, repo, nil)

	if err := w.Sweep(context.Background()); err != nil {
		t.Fatalf("Sweep failed: %v", err)
	}

	// overage = 20, so deleting u1 (15) isn't enough; u2 (15) pushes freed to 30 >= 20.
	if len(repo.deleted) != 2 {
		t.Fatalf("expected 2 deletions, got %d (%v)", len(repo.deleted), repo.deleted)
	}
	if repo.deleted[0] != "u1" || repo.deleted[1] != "u2" {
		t.Fatalf("expected oldest-first deletion order, got %v", repo.deleted)
	}
	if _, err := os.Stat(files[0]); !os.IsNotExist(err) {
		t.Error("expected oldest file to be removed from disk")
	}
	if _, err := os.Stat(files[2]); err != nil {
		t.Error("expected third (newest) file to remain on disk")
	}
}

func TestSweepToleratesMissingFile(t *testing.T) {
	repo := &fakeRepo{
		usage: 110,
		oldest: []store.Segment{
			{Unit: store.VideoUnit{ID: "u1"}, File: store.VideoFile{ID: "f1", VideoUnitID: "u1", Filename: "/nonexistent/gone.mkv", Size: 20}},
		},
	}
	group := config.StorageGroup{ID: "sg1", QuotaBytes: 100}
	w := New(group, fakeLookup{cameras: []string{"cam1"}}, repo, nil)

	if err := w.Sweep(context.Background()); err != nil {
		t.Fatalf("Sweep should not error when the file is already gone: %v", err)
	}
	if len(repo.deleted) != 1 || repo.deleted[0] != "u1" {
		t.Fatalf("expected metadata-only delete of u1, got %v", repo.deleted)
	}
}

func TestSweepNoOpWhenGroupHasNoCameras(t *testing.T) {
	repo := &fakeRepo{usage: 500}
	group := config.StorageGroup{ID: "sg1", QuotaBytes: 100}
	w := New(group, fakeLookup{cameras: nil}, repo, nil)

	if err := w.Sweep(context.Background()); err != nil {
		t.Fatalf("Sweep failed: %v", err)
	}
	if len(repo.deleted) != 0 {
		t.Fatal("expected no deletions when group has no cameras")
	}
}

package store

import (
	"context"
	"database/sql"
	"testing"
	"time"

	_ "github.com/mattn/go-sqlite3"
)

func setupTestDB(t *testing.T) *sql.DB {
	db, err := sql.Open("sqlite3", ":memory:")
	if err != nil {
		t.Fatalf("Failed to open database: %v", err)
	}

	_, err = db.Exec(`
		CREATE TABLE video_units (
			id TEXT PRIMARY KEY,
			camera_id TEXT NOT NULL,
			begin_time INTEGER NOT NULL,
			end_time INTEGER NOT NULL
		);
		CREATE TABLE video_files (
			id TEXT PRIMARY KEY,
			video_unit_id TEXT NOT NULL REFERENCES video_units(id),
			filename TEXT NOT NULL,
			size INTEGER NOT NULL DEFAULT -1
		);
	`)
	if err != nil {
		t.Fatalf("Failed to create schema: %v", err)
	}

	return db
}

func setupTestRepo(t *testing.T) (*SQLiteRepository, *sql.DB) {
	db := setupTestDB(t)
	return NewSQLiteRepository(db), db
}

func TestNewFile(t *testing.T) {
	repo, db := setupTestRepo(t)
	defer func() { _ = db.Close() }()

	begin := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	seg, err := repo.NewFile(context.Background(), "cam1", "/data/sg1/cam1/2024/01/01/00/a.mkv", begin)
	if err != nil {
		t.Fatalf("NewFile failed: %v", err)
	}

	if seg.Unit.ID == "" || seg.File.ID == "" {
		t.Fatal("expected generated ids")
	}
	if !seg.Unit.BeginTime.Equal(begin) || !seg.Unit.EndTime.Equal(begin) {
		t.Errorf("expected begin_time == end_time == %v, got %+v", begin, seg.Unit)
	}
	if seg.File.Size != -1 {
		t.Errorf("expected open file size -1, got %d", seg.File.Size)
	}

	fetched, err := repo.GetSegment(context.Background(), seg.Unit.ID)
	if err != nil {
		t.Fatalf("GetSegment failed: %v", err)
	}
	if fetched.Unit.CameraID != "cam1" {
		t.Errorf("expected camera_id cam1, got %s", fetched.Unit.CameraID)
	}
}

func TestEndFile(t *testing.T) {
	repo, db := setupTestRepo(t)
	defer func() { _ = db.Close() }()

	begin := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	seg, err := repo.NewFile(context.Background(), "cam1", "/data/sg1/cam1/a.mkv", begin)
	if err != nil {
		t.Fatalf("NewFile failed: %v", err)
	}

	end := begin.Add(10 * time.Second)
	if err := repo.EndFile(context.Background(), seg.Unit.ID, end, 4096); err != nil {
		t.Fatalf("EndFile failed: %v", err)
	}

	fetched, err := repo.GetSegment(context.Background(), seg.Unit.ID)
	if err != nil {
		t.Fatalf("GetSegment failed: %v", err)
	}
	if !fetched.Unit.EndTime.Equal(end) {
		t.Errorf("expected end_time %v, got %v", end, fetched.Unit.EndTime)
	}
	if fetched.File.Size != 4096 {
		t.Errorf("expected size 4096, got %d", fetched.File.Size)
	}
	if !fetched.Unit.Sealed() {
		t.Error("expected sealed segment")
	}
}

func TestEndFileNotFound(t *testing.T) {
	repo, db := setupTestRepo(t)
	defer func() { _ = db.Close() }()

	err := repo.EndFile(context.Background(), "missing", time.Now(), 10)
	if err == nil {
		t.Fatal("expected error for unknown video unit")
	}
}

func TestOldestSealedSegmentsExcludesOpen(t *testing.T) {
	repo, db := setupTestRepo(t)
	defer func() { _ = db.Close() }()

	base := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	open, err := repo.NewFile(context.Background(), "cam1", "/data/open.mkv", base)
	if err != nil {
		t.Fatalf("NewFile failed: %v", err)
	}

	sealed, err := repo.NewFile(context.Background(), "cam1", "/data/sealed.mkv", base.Add(-time.Hour))
	if err != nil {
		t.Fatalf("NewFile failed: %v", err)
	}
	if err := repo.EndFile(context.Background(), sealed.Unit.ID, base.Add(-time.Hour+time.Second), 1000); err != nil {
		t.Fatalf("EndFile failed: %v", err)
	}

	segments, err := repo.OldestSealedSegments(context.Background(), []string{"cam1"}, 10)
	if err != nil {
		t.Fatalf("OldestSealedSegments failed: %v", err)
	}
	if len(segments) != 1 || segments[0].Unit.ID != sealed.Unit.ID {
		t.Fatalf("expected only the sealed segment, got %+v (open id %s)", segments, open.Unit.ID)
	}
}

func TestOldestSealedSegmentsOrdering(t *testing.T) {
	repo, db := setupTestRepo(t)
	defer func() { _ = db.Close() }()

	base := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	var ids []string
	for i := 0; i < 5; i++ {
		begin := base.Add(time.Duration(i) * time.Hour)
		seg, err := repo.NewFile(context.Background(), "cam1", "/data/f.mkv", begin)
		if err != nil {
			t.Fatalf("NewFile failed: %v", err)
		}
		if err := repo.EndFile(context.Background(), seg.Unit.ID, begin.Add(time.Second), 100); err != nil {
			t.Fatalf("EndFile failed: %v", err)
		}
		ids = append(ids, seg.Unit.ID)
	}

	segments, err := repo.OldestSealedSegments(context.Background(), []string{"cam1"}, 2)
	if err != nil {
		t.Fatalf("OldestSealedSegments failed: %v", err)
	}
	if len(segments) != 2 {
		t.Fatalf("expected 2 segments (limit), got %d", len(segments))
	}
	if segments[0].Unit.ID != ids[0] || segments[1].Unit.ID != ids[1] {
		t.Fatalf("expected oldest-first ordering %v, got %v/%v", ids[:2], segments[0].Unit.ID, segments[1].Unit.ID)
	}
}

func TestStorageGroupUsage(t *testing.T) {
	repo, db := setupTestRepo(t)
	defer func() { _ = db.Close() }()

	base := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	seg1, _ := repo.NewFile(context.Background(), "cam1", "/data/a.mkv", base)
	_ = repo.EndFile(context.Background(), seg1.Unit.ID, base.Add(time.Second), 1000)

	seg2, _ := repo.NewFile(context.Background(), "cam2", "/data/b.mkv", base)
	_ = repo.EndFile(context.Background(), seg2.Unit.ID, base.Add(time.Second), 2000)

	// Still-open segment must not count towards usage.
	if _, err := repo.NewFile(context.Background(), "cam1", "/data/open.mkv", base); err != nil {
		t.Fatalf("NewFile failed: %v", err)
	}

	usage, err := repo.StorageGroupUsage(context.Background(), []string{"cam1", "cam2"})
	if err != nil {
		t.Fatalf("StorageGroupUsage failed: %v", err)
	}
	if usage != 3000 {
		t.Errorf("expected usage 3000, got %d", usage)
	}
}

func TestDeleteSegment(t *testing.T) {
	repo, db := setupTestRepo(t)
	defer func() { _ = db.Close() }()

	seg, err := repo.NewFile(context.Background(), "cam1", "/data/a.mkv", time.Now())
	if err != nil {
		t.Fatalf("NewFile failed: %v", err)
	}

	if err := repo.DeleteSegment(context.Background(), seg.Unit.ID); err != nil {
		t.Fatalf("DeleteSegment failed: %v", err)
	}

	if _, err := repo.GetSegment(context.Background(), seg.Unit.ID); err == nil {
		t.Fatal("expected segment to be gone")
	}
}

func TestGetSegmentNotFound(t *testing.T) {
	repo, db := setupTestRepo(t)
	defer func() { _ = db.Close() }()

	if _, err := repo.GetSegment(context.Background(), "missing"); err == nil {
		t.Fatal("expected error for unknown segment")
	}
}

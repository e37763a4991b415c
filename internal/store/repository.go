package store

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// Repository is the persistence boundary for VideoUnit/VideoFile metadata.
// C2 Capture Actor drives NewFile/EndFile; C4 Retention Worker drives
// OldestSealedSegments/StorageGroupUsage/DeleteSegment.
type Repository interface {
	// NewFile opens a new VideoUnit/VideoFile pair in one transaction and
	// returns the created Segment. beginTime is the wall-clock time the
	// segment was opened; it is also the VideoUnit's initial EndTime.
	NewFile(ctx context.Context, cameraID, filename string, beginTime time.Time) (*Segment, error)

	// EndFile seals the VideoUnit/VideoFile pair identified by unitID in one
	// transaction: the VideoUnit's EndTime is set to endTime and the
	// VideoFile's Size is set to size.
	EndFile(ctx context.Context, unitID string, endTime time.Time, size int64) error

	// OldestSealedSegments returns sealed segments (size != -1 and
	// begin_time != end_time) belonging to one of cameraIDs, oldest
	// begin_time first, up to limit rows.
	OldestSealedSegments(ctx context.Context, cameraIDs []string, limit int) ([]Segment, error)

	// StorageGroupUsage sums the on-disk size of every sealed VideoFile
	// belonging to one of cameraIDs.
	StorageGroupUsage(ctx context.Context, cameraIDs []string) (int64, error)

	// DeleteSegment removes the VideoFile row then the VideoUnit row for
	// unitID in one transaction. The caller is responsible for having
	// already unlinked the underlying file.
	DeleteSegment(ctx context.Context, unitID string) error

	// GetSegment retrieves one segment by its VideoUnit id.
	GetSegment(ctx context.Context, unitID string) (*Segment, error)
}

// SQLiteRepository implements Repository over the video_units/video_files
// tables created by the embedded migrations.
type SQLiteRepository struct {
	db *sql.DB
}

// NewSQLiteRepository wraps an already-opened, already-migrated database.
func NewSQLiteRepository(db *sql.DB) *SQLiteRepository {
	return &SQLiteRepository{db: db}
}

func (r *SQLiteRepository) NewFile(ctx context.Context, cameraID, filename string, beginTime time.Time) (*Segment, error) {
	unitID, err := uuid.NewV7()
	if err != nil {
		return nil, fmt.Errorf("generate video unit id: %w", err)
	}
	fileID, err := uuid.NewV7()
	if err != nil {
		return nil, fmt.Errorf("generate video file id: %w", err)
	}

	seg := &Segment{
		Unit: VideoUnit{
			ID:        unitID.String(),
			CameraID:  cameraID,
			BeginTime: beginTime,
			EndTime:   beginTime,
		},
		File: VideoFile{
			ID:          fileID.String(),
			VideoUnitID: unitID.String(),
			Filename:    filename,
			Size:        -1,
		},
	}

	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("begin transaction: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	if _, err := tx.ExecContext(ctx, `
		INSERT INTO video_units (id, camera_id, begin_time, end_time)
		VALUES (?, ?, ?, ?)
	`, seg.Unit.ID, seg.Unit.CameraID, seg.Unit.BeginTime.UTC().Unix(), seg.Unit.EndTime.UTC().Unix()); err != nil {
		return nil, fmt.Errorf("insert video unit: %w", err)
	}

	if _, err := tx.ExecContext(ctx, `
		INSERT INTO video_files (id, video_unit_id, filename, size)
		VALUES (?, ?, ?, ?)
	`, seg.File.ID, seg.File.VideoUnitID, seg.File.Filename, seg.File.Size); err != nil {
		return nil, fmt.Errorf("insert video file: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("commit: %w", err)
	}

	return seg, nil
}

func (r *SQLiteRepository) EndFile(ctx context.Context, unitID string, endTime time.Time, size int64) error {
	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin transaction: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	result, err := tx.ExecContext(ctx, `UPDATE video_units SET end_time = ? WHERE id = ?`, endTime.UTC().Unix(), unitID)
	if err != nil {
		return fmt.Errorf("update video unit: %w", err)
	}
	rows, _ := result.RowsAffected()
	if rows == 0 {
		return fmt.Errorf("video unit not found: %s", unitID)
	}

	if _, err := tx.ExecContext(ctx, `UPDATE video_files SET size = ? WHERE video_unit_id = ?`, size, unitID); err != nil {
		return fmt.Errorf("update video file: %w", err)
	}

	return tx.Commit()
}

func (r *SQLiteRepository) OldestSealedSegments(ctx context.Context, cameraIDs []string, limit int) ([]Segment, error) {
	if len(cameraIDs) == 0 {
		return nil, nil
	}

	query, args := sealedSegmentsQuery(cameraIDs, limit)
	rows, err := r.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query oldest sealed segments: %w", err)
	}
	defer rows.Close()

	return scanSegments(rows)
}

func (r *SQLiteRepository) StorageGroupUsage(ctx context.Context, cameraIDs []string) (int64, error) {
	if len(cameraIDs) == 0 {
		return 0, nil
	}

	placeholders, args := inClause(cameraIDs)
	query := fmt.Sprintf(`
		SELECT COALESCE(SUM(f.size), 0)
		FROM video_files f
		JOIN video_units u ON u.id = f.video_unit_id
		WHERE f.size <> -1 AND u.camera_id IN (%s)
	`, placeholders)

	var usage int64
	if err := r.db.QueryRowContext(ctx, query, args...).Scan(&usage); err != nil {
		return 0, fmt.Errorf("query storage group usage: %w", err)
	}
	return usage, nil
}

func (r *SQLiteRepository) DeleteSegment(ctx context.Context, unitID string) error {
	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin transaction: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	if _, err := tx.ExecContext(ctx, `DELETE FROM video_files WHERE video_unit_id = ?`, unitID); err != nil {
		return fmt.Errorf("delete video file: %w", err)
	}
	if _, err := tx.ExecContext(ctx, `DELETE FROM video_units WHERE id = ?`, unitID); err != nil {
		return fmt.Errorf("delete video unit: %w", err)
	}

	return tx.Commit()
}

func (r *SQLiteRepository) GetSegment(ctx context.Context, unitID string) (*Segment, error) {
	row := r.db.QueryRowContext(ctx, `
		SELECT u.id, u.camera_id, u.begin_time, u.end_time, f.id, f.video_unit_id, f.filename, f.size
		FROM video_units u
		JOIN video_files f ON f.video_unit_id = u.id
		WHERE u.id = ?
	`, unitID)

	seg, err := scanSegment(row)
	if err == sql.ErrNoRows {
		return nil, fmt.Errorf("segment not found: %s", unitID)
	}
	if err != nil {
		return nil, fmt.Errorf("query segment: %w", err)
	}
	return seg, nil
}

type rowScanner interface {
	Scan(dest ...interface{}) error
}

func scanSegment(row rowScanner) (*Segment, error) {
	var seg Segment
	var beginTime, endTime int64
	if err := row.Scan(
		&seg.Unit.ID, &seg.Unit.CameraID, &beginTime, &endTime,
		&seg.File.ID, &seg.File.VideoUnitID, &seg.File.Filename, &seg.File.Size,
	); err != nil {
		return nil, err
	}
	seg.Unit.BeginTime = time.Unix(beginTime, 0).UTC()
	seg.Unit.EndTime = time.Unix(endTime, 0).UTC()
	return &seg, nil
}

func scanSegments(rows *sql.Rows) ([]Segment, error) {
	var out []Segment
	for rows.Next() {
		seg, err := scanSegment(rows)
		if err != nil {
			return nil, fmt.Errorf("scan segment: %w", err)
		}
		out = append(out, *seg)
	}
	return out, rows.Err()
}

func sealedSegmentsQuery(cameraIDs []string, limit int) (string, []interface{}) {
	placeholders, args := inClause(cameraIDs)
	query := fmt.Sprintf(`
		SELECT u.id, u.camera_id, u.begin_time, u.end_time, f.id, f.video_unit_id, f.filename, f.size
		FROM video_units u
		JOIN video_files f ON f.video_unit_id = u.id
		WHERE f.size <> -1 AND u.begin_time <> u.end_time AND u.camera_id IN (%s)
		ORDER BY u.begin_time ASC
	`, placeholders)
	if limit > 0 {
		query += fmt.Sprintf(" LIMIT %d", limit)
	}
	return query, args
}

func inClause(ids []string) (string, []interface{}) {
	placeholders := ""
	args := make([]interface{}, len(ids))
	for i, id := range ids {
		if i > 0 {
			placeholders += ", "
		}
		placeholders += "?"
		args[i] = id
	}
	return placeholders, args
}

package repository

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"

	"github.com/dharsanguruparan/PackCam/internal/model"
)

// ErrNotFound is returned when no ledger row matches.
var ErrNotFound = errors.New("upload not found")

// DB is the part of pgxpool.Pool the repository uses.
type DB interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
}

// UploadRepository mirrors upload task state into the uploads table. It
// satisfies upload.Ledger.
type UploadRepository struct {
	db  DB
	now func() time.Time
}

// NewUploadRepository constructs a repository.
func NewUploadRepository(db DB) *UploadRepository {
	return &UploadRepository{db: db, now: func() time.Time { return time.Now().UTC() }}
}

// RecordQueued inserts a pending row.
func (r *UploadRepository) RecordQueued(ctx context.Context, task model.UploadTask) error {
	now := r.now()
	_, err := r.db.Exec(ctx, `
		INSERT INTO uploads (id, order_id, file_name, auto, status, video_url, error_message, created_at, updated_at)
		VALUES ($1,$2,$3,$4,$5,NULL,NULL,$6,$7)
		ON CONFLICT (id) DO NOTHING
	`, task.ID, task.OrderID, task.FileName, task.Auto, string(model.StatusPending), now, now)
	if err != nil {
		return fmt.Errorf("insert upload: %w", err)
	}
	return nil
}

// RecordUploading marks the transfer as started.
func (r *UploadRepository) RecordUploading(ctx context.Context, id string) error {
	return r.updateStatus(ctx, id, model.StatusUploading, nil, nil)
}

// RecordDone stores the remote URL.
func (r *UploadRepository) RecordDone(ctx context.Context, id, videoURL string) error {
	return r.updateStatus(ctx, id, model.StatusDone, &videoURL, nil)
}

// RecordFailed stores the failure message.
func (r *UploadRepository) RecordFailed(ctx context.Context, id, msg string) error {
	return r.updateStatus(ctx, id, model.StatusFailed, nil, &msg)
}

func (r *UploadRepository) updateStatus(ctx context.Context, id string, status model.UploadStatus, videoURL, errorMsg *string) error {
	tag, err := r.db.Exec(ctx, `
		UPDATE uploads
		SET status=$1,
			video_url = COALESCE($2, video_url),
			error_message = $3,
			updated_at=$4
		WHERE id=$5
	`, string(status), videoURL, errorMsg, r.now(), id)
	if err != nil {
		return fmt.Errorf("update upload: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	return nil
}

const selectUpload = `
	SELECT id, order_id, file_name, auto, status, video_url, error_message, created_at, updated_at
	FROM uploads`

// Get returns one ledger row.
func (r *UploadRepository) Get(ctx context.Context, id string) (model.UploadTask, error) {
	task, err := scanUpload(r.db.QueryRow(ctx, selectUpload+` WHERE id=$1`, id))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return task, fmt.Errorf("%w: %s", ErrNotFound, id)
		}
		return task, fmt.Errorf("select upload: %w", err)
	}
	return task, nil
}

// ListByOrder returns every upload for an order, newest first.
func (r *UploadRepository) ListByOrder(ctx context.Context, orderID string) ([]model.UploadTask, error) {
	rows, err := r.db.Query(ctx, selectUpload+` WHERE order_id=$1 ORDER BY created_at DESC`, orderID)
	if err != nil {
		return nil, fmt.Errorf("select uploads: %w", err)
	}
	defer rows.Close()
	var out []model.UploadTask
	for rows.Next() {
		task, err := scanUpload(rows)
		if err != nil {
			return nil, fmt.Errorf("scan upload: %w", err)
		}
		out = append(out, task)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate uploads: %w", err)
	}
	return out, nil
}

func scanUpload(row pgx.Row) (model.UploadTask, error) {
	var (
		task     model.UploadTask
		status   string
		videoURL sql.NullString
		errorMsg sql.NullString
	)
	if err := row.Scan(&task.ID, &task.OrderID, &task.FileName, &task.Auto, &status, &videoURL, &errorMsg, &task.CreatedAt, &task.UpdatedAt); err != nil {
		return task, err
	}
	task.Status = model.UploadStatus(status)
	task.VideoURL = videoURL.String
	task.Error = errorMsg.String
	if task.Status == model.StatusDone {
		task.Progress = 1
	}
	return task, nil
}

package repository

import (
	"context"
	"errors"
	"time"

	documentdomain "mailscan-backend/internal/document/domain"
	"mailscan-backend/internal/scan/domain"

	"github.com/google/uuid"
	"gorm.io/gorm"
)

// JobRepository persists scan jobs. Status changes are conditional on the
// current status so concurrent callers cannot both win a transition.
type JobRepository interface {
	Create(ctx context.Context, job *domain.ScanJob) error
	FindByID(ctx context.Context, id string) (*domain.ScanJob, error)
	FindActiveByMailbox(ctx context.Context, mailboxID string) (*domain.ScanJob, error)
	ListByMailbox(ctx context.Context, mailboxID string) ([]*domain.ScanJob, error)
	// ListRunnable returns jobs a deep-scan tick should look at.
	ListRunnable(ctx context.Context) ([]*domain.ScanJob, error)
	TransitionStatus(ctx context.Context, id string, from []domain.JobStatus, to domain.JobStatus, extra map[string]interface{}) (bool, error)
	SetPauseRequested(ctx context.Context, id string, requested bool, allowed []domain.JobStatus) (bool, error)
	SyncCounters(ctx context.Context, id string, counts domain.ChunkCounts, documentsFound int) error
	// CountDocuments counts distinct documents produced by the job's chunks.
	CountDocuments(ctx context.Context, id string) (int, error)
}

type jobRepository struct {
	db *gorm.DB
}

func NewJobRepository(db *gorm.DB) JobRepository {
	return &jobRepository{db: db}
}

func (r *jobRepository) Create(ctx context.Context, job *domain.ScanJob) error {
	if job.ID == "" {
		job.ID = uuid.New().String()
	}
	if job.Status == "" {
		job.Status = domain.JobPending
	}
	return r.db.WithContext(ctx).Create(job).Error
}

func (r *jobRepository) FindByID(ctx context.Context, id string) (*domain.ScanJob, error) {
	var job domain.ScanJob
	err := r.db.WithContext(ctx).Where("id = ?", id).First(&job).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, nil
		}
		return nil, err
	}
	return &job, nil
}

func (r *jobRepository) FindActiveByMailbox(ctx context.Context, mailboxID string) (*domain.ScanJob, error) {
	var job domain.ScanJob
	err := r.db.WithContext(ctx).
		Where("mailbox_id = ? AND status IN ?", mailboxID, []domain.JobStatus{domain.JobPending, domain.JobRunning, domain.JobPaused}).
		Order("created_at DESC").
		First(&job).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, nil
		}
		return nil, err
	}
	return &job, nil
}

func (r *jobRepository) ListByMailbox(ctx context.Context, mailboxID string) ([]*domain.ScanJob, error) {
	var jobs []*domain.ScanJob
	err := r.db.WithContext(ctx).Where("mailbox_id = ?", mailboxID).Order("created_at DESC").Find(&jobs).Error
	return jobs, err
}

func (r *jobRepository) ListRunnable(ctx context.Context) ([]*domain.ScanJob, error) {
	var jobs []*domain.ScanJob
	err := r.db.WithContext(ctx).
		Where("status IN ?", []domain.JobStatus{domain.JobPending, domain.JobRunning}).
		Order("created_at ASC").
		Find(&jobs).Error
	return jobs, err
}

func (r *jobRepository) TransitionStatus(ctx context.Context, id string, from []domain.JobStatus, to domain.JobStatus, extra map[string]interface{}) (bool, error) {
	updates := map[string]interface{}{
		"status":     to,
		"updated_at": time.Now().UTC(),
	}
	for k, v := range extra {
		updates[k] = v
	}
	res := r.db.WithContext(ctx).Model(&domain.ScanJob{}).
		Where("id = ? AND status IN ?", id, from).
		Updates(updates)
	return res.RowsAffected == 1, res.Error
}

func (r *jobRepository) SetPauseRequested(ctx context.Context, id string, requested bool, allowed []domain.JobStatus) (bool, error) {
	res := r.db.WithContext(ctx).Model(&domain.ScanJob{}).
		Where("id = ? AND status IN ?", id, allowed).
		Updates(map[string]interface{}{
			"pause_requested": requested,
			"updated_at":      time.Now().UTC(),
		})
	return res.RowsAffected == 1, res.Error
}

func (r *jobRepository) SyncCounters(ctx context.Context, id string, counts domain.ChunkCounts, documentsFound int) error {
	return r.db.WithContext(ctx).Model(&domain.ScanJob{}).
		Where("id = ?", id).
		Updates(map[string]interface{}{
			"chunks_total":    counts.Total,
			"chunks_done":     counts.Done,
			"chunks_failed":   counts.Failed,
			"documents_found": documentsFound,
			"updated_at":      time.Now().UTC(),
		}).Error
}

func (r *jobRepository) CountDocuments(ctx context.Context, id string) (int, error) {
	var n int64
	chunkIDs := r.db.Model(&domain.WorkChunk{}).Select("id").Where("job_id = ?", id)
	err := r.db.WithContext(ctx).Model(&documentdomain.CandidateDocument{}).
		Where("chunk_id IN (?) AND document_id <> ''", chunkIDs).
		Distinct("document_id").
		Count(&n).Error
	return int(n), err
}

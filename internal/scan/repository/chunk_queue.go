package repository

import (
	"context"
	"errors"
	"time"

	mailboxdomain "mailscan-backend/internal/mailbox/domain"
	"mailscan-backend/internal/scan/domain"
	"mailscan-backend/pkg/database"

	"github.com/google/uuid"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// Queue is the durable chunk queue. Every transition after Claim is a
// conditional update on (id, status=claimed, lease_owner=owner) and
// returns domain.ErrLeaseLost when it no longer holds.
type Queue interface {
	Enqueue(ctx context.Context, jobID string, windows []mailboxdomain.TimeWindow) ([]*domain.WorkChunk, error)
	// Claim takes up to n chunks that are queued and available, or claimed
	// with an expired lease, newest window first. Nothing is claimed unless
	// the job is running without a pending pause.
	Claim(ctx context.Context, jobID, owner string, n int, lease time.Duration, now time.Time) ([]*domain.WorkChunk, error)
	AdvanceStage(ctx context.Context, chunkID, owner string, next domain.Stage, now time.Time) error
	ExtendLease(ctx context.Context, chunkID, owner string, until time.Time) error
	Complete(ctx context.Context, chunkID, owner string, now time.Time) error
	// Fail requeues the chunk for retryAt, or marks it failed once its
	// attempts reached maxAttempts. It returns the resulting status.
	Fail(ctx context.Context, chunkID, owner, cause string, maxAttempts int, retryAt, now time.Time) (domain.ChunkStatus, error)
	// Release returns the chunk to the queue. refund gives the attempt back.
	Release(ctx context.Context, chunkID, owner string, refund bool, availableAt *time.Time, now time.Time) error
	DiscardQueued(ctx context.Context, jobID string, now time.Time) (int64, error)
	RequeueFailed(ctx context.Context, jobID string, now time.Time) (int64, error)
	Counts(ctx context.Context, jobID string) (domain.ChunkCounts, error)
	// ActiveClaims counts chunks claimed under a lease that has not expired.
	ActiveClaims(ctx context.Context, jobID string, now time.Time) (int64, error)
	ListByJob(ctx context.Context, jobID string, status domain.ChunkStatus) ([]*domain.WorkChunk, error)
}

type chunkQueue struct {
	db *gorm.DB
}

func NewChunkQueue(db *gorm.DB) Queue {
	return &chunkQueue{db: db}
}

func (q *chunkQueue) Enqueue(ctx context.Context, jobID string, windows []mailboxdomain.TimeWindow) ([]*domain.WorkChunk, error) {
	if len(windows) == 0 {
		return nil, nil
	}
	now := time.Now().UTC()
	chunks := make([]*domain.WorkChunk, len(windows))
	for i, w := range windows {
		chunks[i] = &domain.WorkChunk{
			ID:          uuid.New().String(),
			JobID:       jobID,
			Seq:         i,
			WindowStart: w.Start.UTC(),
			WindowEnd:   w.End.UTC(),
			Stage:       domain.StageDiscovery,
			Status:      domain.ChunkQueued,
			CreatedAt:   now,
			UpdatedAt:   now,
		}
	}
	err := q.db.WithContext(ctx).
		Clauses(clause.OnConflict{Columns: []clause.Column{{Name: "job_id"}, {Name: "seq"}}, DoNothing: true}).
		CreateInBatches(chunks, 100).Error
	if err != nil {
		return nil, err
	}
	return q.ListByJob(ctx, jobID, "")
}

const claimable = "((status = ? AND (available_at IS NULL OR available_at <= ?)) OR (status = ? AND lease_expires_at < ?))"

func (q *chunkQueue) Claim(ctx context.Context, jobID, owner string, n int, lease time.Duration, now time.Time) ([]*domain.WorkChunk, error) {
	if n <= 0 {
		return nil, nil
	}
	now = now.UTC()
	expires := now.Add(lease)

	var claimed []*domain.WorkChunk
	err := q.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		// The job row is share-locked for the rest of the transaction, so a
		// pause either lands first and stops the claim, or waits for it and
		// then sees the claimed chunk as in flight.
		gate := tx.Model(&domain.ScanJob{}).
			Where("id = ? AND status = ? AND pause_requested = ?", jobID, domain.JobRunning, false)
		if database.IsPostgres(tx) {
			gate = gate.Clauses(clause.Locking{Strength: "SHARE"})
		}
		var open []string
		if err := gate.Pluck("id", &open).Error; err != nil {
			return err
		}
		if len(open) == 0 {
			return nil
		}

		sel := tx.Where("job_id = ?", jobID).
			Where(claimable, domain.ChunkQueued, now, domain.ChunkClaimed, now).
			Order("window_end DESC").
			Limit(n)
		if database.IsPostgres(tx) {
			sel = sel.Clauses(clause.Locking{Strength: "UPDATE", Options: "SKIP LOCKED"})
		}
		var candidates []*domain.WorkChunk
		if err := sel.Find(&candidates).Error; err != nil {
			return err
		}

		for _, c := range candidates {
			res := tx.Model(&domain.WorkChunk{}).
				Where("id = ?", c.ID).
				Where(claimable, domain.ChunkQueued, now, domain.ChunkClaimed, now).
				Updates(map[string]interface{}{
					"status":           domain.ChunkClaimed,
					"attempts":         gorm.Expr("attempts + 1"),
					"lease_owner":      owner,
					"lease_expires_at": expires,
					"updated_at":       now,
				})
			if res.Error != nil {
				return res.Error
			}
			if res.RowsAffected != 1 {
				continue
			}
			c.Status = domain.ChunkClaimed
			c.Attempts++
			c.LeaseOwner = owner
			c.LeaseExpiresAt = &expires
			c.UpdatedAt = now
			claimed = append(claimed, c)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return claimed, nil
}

// owned scopes an update to a chunk still leased by owner.
func (q *chunkQueue) owned(ctx context.Context, chunkID, owner string) *gorm.DB {
	return q.db.WithContext(ctx).Model(&domain.WorkChunk{}).
		Where("id = ? AND status = ? AND lease_owner = ?", chunkID, domain.ChunkClaimed, owner)
}

func leaseResult(res *gorm.DB) error {
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected != 1 {
		return domain.ErrLeaseLost
	}
	return nil
}

func (q *chunkQueue) AdvanceStage(ctx context.Context, chunkID, owner string, next domain.Stage, now time.Time) error {
	return leaseResult(q.owned(ctx, chunkID, owner).Updates(map[string]interface{}{
		"stage":      next,
		"last_error": "",
		"updated_at": now.UTC(),
	}))
}

func (q *chunkQueue) ExtendLease(ctx context.Context, chunkID, owner string, until time.Time) error {
	return leaseResult(q.owned(ctx, chunkID, owner).Updates(map[string]interface{}{
		"lease_expires_at": until.UTC(),
	}))
}

func (q *chunkQueue) Complete(ctx context.Context, chunkID, owner string, now time.Time) error {
	return leaseResult(q.owned(ctx, chunkID, owner).Updates(map[string]interface{}{
		"status":           domain.ChunkDone,
		"lease_owner":      "",
		"lease_expires_at": nil,
		"last_error":       "",
		"updated_at":       now.UTC(),
	}))
}

func (q *chunkQueue) Fail(ctx context.Context, chunkID, owner, cause string, maxAttempts int, retryAt, now time.Time) (domain.ChunkStatus, error) {
	retryAt = retryAt.UTC()
	err := leaseResult(q.owned(ctx, chunkID, owner).Updates(map[string]interface{}{
		"status":           gorm.Expr("CASE WHEN attempts >= ? THEN ? ELSE ? END", maxAttempts, domain.ChunkFailed, domain.ChunkQueued),
		"available_at":     retryAt,
		"lease_owner":      "",
		"lease_expires_at": nil,
		"last_error":       truncate(cause, 1000),
		"updated_at":       now.UTC(),
	}))
	if err != nil {
		return "", err
	}
	var chunk domain.WorkChunk
	if err := q.db.WithContext(ctx).Select("status").Where("id = ?", chunkID).First(&chunk).Error; err != nil {
		return "", err
	}
	return chunk.Status, nil
}

func (q *chunkQueue) Release(ctx context.Context, chunkID, owner string, refund bool, availableAt *time.Time, now time.Time) error {
	updates := map[string]interface{}{
		"status":           domain.ChunkQueued,
		"lease_owner":      "",
		"lease_expires_at": nil,
		"available_at":     availableAt,
		"updated_at":       now.UTC(),
	}
	if refund {
		updates["attempts"] = gorm.Expr("CASE WHEN attempts > 0 THEN attempts - 1 ELSE 0 END")
	}
	return leaseResult(q.owned(ctx, chunkID, owner).Updates(updates))
}

func (q *chunkQueue) DiscardQueued(ctx context.Context, jobID string, now time.Time) (int64, error) {
	now = now.UTC()
	res := q.db.WithContext(ctx).Model(&domain.WorkChunk{}).
		Where("job_id = ?", jobID).
		Where("(status = ? OR (status = ? AND lease_expires_at < ?))", domain.ChunkQueued, domain.ChunkClaimed, now).
		Updates(map[string]interface{}{
			"status":           domain.ChunkCancelled,
			"lease_owner":      "",
			"lease_expires_at": nil,
			"updated_at":       now,
		})
	return res.RowsAffected, res.Error
}

func (q *chunkQueue) RequeueFailed(ctx context.Context, jobID string, now time.Time) (int64, error) {
	res := q.db.WithContext(ctx).Model(&domain.WorkChunk{}).
		Where("job_id = ? AND status = ?", jobID, domain.ChunkFailed).
		Updates(map[string]interface{}{
			"status":       domain.ChunkQueued,
			"attempts":     0,
			"available_at": nil,
			"updated_at":   now.UTC(),
		})
	return res.RowsAffected, res.Error
}

func (q *chunkQueue) Counts(ctx context.Context, jobID string) (domain.ChunkCounts, error) {
	var rows []struct {
		Status domain.ChunkStatus
		N      int
	}
	err := q.db.WithContext(ctx).Model(&domain.WorkChunk{}).
		Select("status, COUNT(*) AS n").
		Where("job_id = ?", jobID).
		Group("status").
		Scan(&rows).Error
	if err != nil {
		return domain.ChunkCounts{}, err
	}
	var c domain.ChunkCounts
	for _, row := range rows {
		c.Total += row.N
		switch row.Status {
		case domain.ChunkQueued:
			c.Queued = row.N
		case domain.ChunkClaimed:
			c.Claimed = row.N
		case domain.ChunkDone:
			c.Done = row.N
		case domain.ChunkFailed:
			c.Failed = row.N
		case domain.ChunkCancelled:
			c.Cancelled = row.N
		}
	}
	return c, nil
}

func (q *chunkQueue) ActiveClaims(ctx context.Context, jobID string, now time.Time) (int64, error) {
	var n int64
	err := q.db.WithContext(ctx).Model(&domain.WorkChunk{}).
		Where("job_id = ? AND status = ? AND lease_expires_at >= ?", jobID, domain.ChunkClaimed, now.UTC()).
		Count(&n).Error
	return n, err
}

func (q *chunkQueue) ListByJob(ctx context.Context, jobID string, status domain.ChunkStatus) ([]*domain.WorkChunk, error) {
	query := q.db.WithContext(ctx).Where("job_id = ?", jobID)
	if status != "" {
		query = query.Where("status = ?", status)
	}
	var chunks []*domain.WorkChunk
	err := query.Order("seq ASC").Find(&chunks).Error
	return chunks, err
}

// FindChunk is used by tests and the CLI.
func FindChunk(ctx context.Context, db *gorm.DB, id string) (*domain.WorkChunk, error) {
	var chunk domain.WorkChunk
	if err := db.WithContext(ctx).Where("id = ?", id).First(&chunk).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, nil
		}
		return nil, err
	}
	return &chunk, nil
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n]
}

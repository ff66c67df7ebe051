package repository

import (
	"context"
	"errors"
	"time"

	"mailscan-backend/internal/document/domain"

	"github.com/google/uuid"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// CandidateRepository stores the per-chunk working set between stages.
type CandidateRepository interface {
	// SaveDiscovered inserts candidates, ignoring ones already discovered
	// for the same chunk.
	SaveDiscovered(ctx context.Context, batch []*domain.CandidateDocument) error
	ListByState(ctx context.Context, chunkID string, state domain.CandidateState) ([]*domain.CandidateDocument, error)
	// FindByKey returns nil when the candidate was never staged.
	FindByKey(ctx context.Context, mailboxID, chunkID, messageID, attachmentID string) (*domain.CandidateDocument, error)
	MarkResolved(ctx context.Context, id, documentID string, producedBy domain.Source) error
	MarkNeedsAI(ctx context.Context, id, reason string) error
	MarkSkipped(ctx context.Context, id, reason string) error
	// IncrementAttempts records a failed AI attempt and returns the new count.
	IncrementAttempts(ctx context.Context, id, lastError string) (int, error)
	CountByChunk(ctx context.Context, chunkID string) (map[domain.CandidateState]int, error)
}

type candidateRepository struct {
	db *gorm.DB
}

func NewCandidateRepository(db *gorm.DB) CandidateRepository {
	return &candidateRepository{db: db}
}

func (r *candidateRepository) SaveDiscovered(ctx context.Context, batch []*domain.CandidateDocument) error {
	if len(batch) == 0 {
		return nil
	}
	now := time.Now().UTC()
	for _, c := range batch {
		if c.ID == "" {
			c.ID = uuid.New().String()
		}
		if c.State == "" {
			c.State = domain.CandidatePending
		}
		c.CreatedAt, c.UpdatedAt = now, now
	}
	return r.db.WithContext(ctx).
		Clauses(clause.OnConflict{
			Columns:   []clause.Column{{Name: "mailbox_id"}, {Name: "chunk_id"}, {Name: "message_id"}, {Name: "attachment_id"}},
			DoNothing: true,
		}).
		CreateInBatches(batch, 100).Error
}

func (r *candidateRepository) ListByState(ctx context.Context, chunkID string, state domain.CandidateState) ([]*domain.CandidateDocument, error) {
	var out []*domain.CandidateDocument
	err := r.db.WithContext(ctx).
		Where("chunk_id = ? AND state = ?", chunkID, state).
		Order("received_at DESC").Order("id ASC").
		Find(&out).Error
	return out, err
}

func (r *candidateRepository) FindByKey(ctx context.Context, mailboxID, chunkID, messageID, attachmentID string) (*domain.CandidateDocument, error) {
	var c domain.CandidateDocument
	err := r.db.WithContext(ctx).
		Where("mailbox_id = ? AND chunk_id = ? AND message_id = ? AND attachment_id = ?", mailboxID, chunkID, messageID, attachmentID).
		First(&c).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, nil
		}
		return nil, err
	}
	return &c, nil
}

func (r *candidateRepository) MarkResolved(ctx context.Context, id, documentID string, producedBy domain.Source) error {
	return r.update(ctx, id, map[string]interface{}{
		"state":       domain.CandidateResolved,
		"document_id": documentID,
		"produced_by": producedBy,
		"last_error":  "",
	})
}

func (r *candidateRepository) MarkNeedsAI(ctx context.Context, id, reason string) error {
	return r.update(ctx, id, map[string]interface{}{
		"state":      domain.CandidateNeedsAI,
		"last_error": reason,
	})
}

func (r *candidateRepository) MarkSkipped(ctx context.Context, id, reason string) error {
	return r.update(ctx, id, map[string]interface{}{
		"state":      domain.CandidateSkipped,
		"last_error": reason,
	})
}

func (r *candidateRepository) IncrementAttempts(ctx context.Context, id, lastError string) (int, error) {
	err := r.update(ctx, id, map[string]interface{}{
		"attempts":   gorm.Expr("attempts + 1"),
		"last_error": lastError,
	})
	if err != nil {
		return 0, err
	}
	var c domain.CandidateDocument
	if err := r.db.WithContext(ctx).Select("attempts").Where("id = ?", id).First(&c).Error; err != nil {
		return 0, err
	}
	return c.Attempts, nil
}

func (r *candidateRepository) CountByChunk(ctx context.Context, chunkID string) (map[domain.CandidateState]int, error) {
	var rows []struct {
		State domain.CandidateState
		N     int
	}
	err := r.db.WithContext(ctx).Model(&domain.CandidateDocument{}).
		Select("state, COUNT(*) AS n").
		Where("chunk_id = ?", chunkID).
		Group("state").
		Scan(&rows).Error
	if err != nil {
		return nil, err
	}
	out := make(map[domain.CandidateState]int, len(rows))
	for _, row := range rows {
		out[row.State] = row.N
	}
	return out, nil
}

func (r *candidateRepository) update(ctx context.Context, id string, values map[string]interface{}) error {
	values["updated_at"] = time.Now().UTC()
	return r.db.WithContext(ctx).Model(&domain.CandidateDocument{}).Where("id = ?", id).Updates(values).Error
}

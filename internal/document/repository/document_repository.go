package repository

import (
	"context"
	"errors"
	"fmt"
	"time"

	"mailscan-backend/internal/document/domain"
	"mailscan-backend/pkg/database"

	"github.com/google/uuid"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// ErrConcurrentUpdate is returned when another writer changed the document
// between read and write. Callers retry.
var ErrConcurrentUpdate = errors.New("document changed concurrently")

// DocumentFilter narrows List.
type DocumentFilter struct {
	Status domain.Status
	Limit  int
	Offset int
}

// ManualFields are the user-editable fields. Nil means "leave as is".
type ManualFields struct {
	Vendor       *string
	AmountMinor  *int64
	Currency     *string
	DocumentDate *time.Time
	Category     *string
}

// DocumentRepository is the dedup and persistence layer.
type DocumentRepository interface {
	// Upsert stores extraction under the dedup key of candidate. Existing
	// records change only when the extraction ranks strictly higher.
	Upsert(ctx context.Context, mailboxID string, candidate *domain.CandidateDocument, extraction *domain.Extraction) (*domain.ExtractedDocument, domain.UpsertOutcome, error)
	FindByID(ctx context.Context, id string) (*domain.ExtractedDocument, error)
	FindByDedupKey(ctx context.Context, mailboxID, dedupKey string) (*domain.ExtractedDocument, error)
	List(ctx context.Context, mailboxID string, filter DocumentFilter) ([]*domain.ExtractedDocument, int64, error)
	CountByMailbox(ctx context.Context, mailboxID string) (int64, error)
	ApplyManualEdit(ctx context.Context, id string, fields ManualFields) (*domain.ExtractedDocument, error)
	SoftDelete(ctx context.Context, id string) (*domain.ExtractedDocument, error)
}

type documentRepository struct {
	db *gorm.DB
}

func NewDocumentRepository(db *gorm.DB) DocumentRepository {
	return &documentRepository{db: db}
}

func (r *documentRepository) Upsert(ctx context.Context, mailboxID string, candidate *domain.CandidateDocument, extraction *domain.Extraction) (*domain.ExtractedDocument, domain.UpsertOutcome, error) {
	key := domain.DedupKey(mailboxID, candidate.MessageID, candidate.AttachmentID)

	var (
		doc     *domain.ExtractedDocument
		outcome domain.UpsertOutcome
	)
	err := r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		existing, err := r.lockByKey(tx, mailboxID, key)
		if err != nil {
			return err
		}

		if existing == nil {
			now := time.Now().UTC()
			fresh := &domain.ExtractedDocument{
				ID:           uuid.New().String(),
				MailboxID:    mailboxID,
				DedupKey:     key,
				MessageID:    candidate.MessageID,
				AttachmentID: candidate.AttachmentID,
				Filename:     candidate.Filename,
				Subject:      candidate.Subject,
				Revision:     1,
				CreatedAt:    now,
				UpdatedAt:    now,
			}
			extraction.Apply(fresh)
			res := tx.Clauses(clause.OnConflict{DoNothing: true}).Create(fresh)
			if res.Error != nil {
				return res.Error
			}
			if res.RowsAffected == 1 {
				doc, outcome = fresh, domain.OutcomeCreated
				return nil
			}
			// Lost the insert race: fall through to the upgrade path.
			existing, err = r.lockByKey(tx, mailboxID, key)
			if err != nil {
				return err
			}
			if existing == nil {
				return fmt.Errorf("document %s vanished after conflicting insert", key)
			}
		}

		if !domain.Improves(existing, extraction) {
			doc, outcome = existing, domain.OutcomeUnchanged
			return nil
		}

		prevRevision := existing.Revision
		extraction.Apply(existing)
		existing.Revision = prevRevision + 1
		existing.UpdatedAt = time.Now().UTC()
		res := tx.Model(&domain.ExtractedDocument{}).
			Where("id = ? AND revision = ?", existing.ID, prevRevision).
			Updates(map[string]interface{}{
				"vendor":        existing.Vendor,
				"amount_minor":  existing.AmountMinor,
				"currency":      existing.Currency,
				"document_date": existing.DocumentDate,
				"category":      existing.Category,
				"source":        existing.Source,
				"confidence":    existing.Confidence,
				"status":        existing.Status,
				"revision":      existing.Revision,
				"updated_at":    existing.UpdatedAt,
			})
		if res.Error != nil {
			return res.Error
		}
		if res.RowsAffected != 1 {
			return ErrConcurrentUpdate
		}
		doc, outcome = existing, domain.OutcomeUpgraded
		return nil
	})
	if err != nil {
		return nil, "", err
	}
	return doc, outcome, nil
}

func (r *documentRepository) lockByKey(tx *gorm.DB, mailboxID, key string) (*domain.ExtractedDocument, error) {
	q := tx.Where("mailbox_id = ? AND dedup_key = ?", mailboxID, key)
	if database.IsPostgres(tx) {
		q = q.Clauses(clause.Locking{Strength: "UPDATE"})
	}
	var doc domain.ExtractedDocument
	if err := q.First(&doc).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, nil
		}
		return nil, err
	}
	return &doc, nil
}

func (r *documentRepository) FindByID(ctx context.Context, id string) (*domain.ExtractedDocument, error) {
	var doc domain.ExtractedDocument
	err := r.db.WithContext(ctx).Where("id = ?", id).First(&doc).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, nil
		}
		return nil, err
	}
	return &doc, nil
}

func (r *documentRepository) FindByDedupKey(ctx context.Context, mailboxID, dedupKey string) (*domain.ExtractedDocument, error) {
	var doc domain.ExtractedDocument
	err := r.db.WithContext(ctx).Where("mailbox_id = ? AND dedup_key = ?", mailboxID, dedupKey).First(&doc).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, nil
		}
		return nil, err
	}
	return &doc, nil
}

func (r *documentRepository) List(ctx context.Context, mailboxID string, filter DocumentFilter) ([]*domain.ExtractedDocument, int64, error) {
	q := r.db.WithContext(ctx).Model(&domain.ExtractedDocument{}).Where("mailbox_id = ?", mailboxID)
	if filter.Status != "" {
		q = q.Where("status = ?", filter.Status)
	} else {
		q = q.Where("status <> ?", domain.StatusDeleted)
	}

	var total int64
	if err := q.Count(&total).Error; err != nil {
		return nil, 0, err
	}

	limit := filter.Limit
	if limit <= 0 || limit > 500 {
		limit = 100
	}
	var docs []*domain.ExtractedDocument
	err := q.Order("document_date DESC").Order("created_at DESC").
		Limit(limit).Offset(filter.Offset).
		Find(&docs).Error
	return docs, total, err
}

func (r *documentRepository) CountByMailbox(ctx context.Context, mailboxID string) (int64, error) {
	var n int64
	err := r.db.WithContext(ctx).Model(&domain.ExtractedDocument{}).
		Where("mailbox_id = ?", mailboxID).
		Count(&n).Error
	return n, err
}

func (r *documentRepository) ApplyManualEdit(ctx context.Context, id string, fields ManualFields) (*domain.ExtractedDocument, error) {
	var doc *domain.ExtractedDocument
	err := r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		current, err := r.lockByID(tx, id)
		if err != nil || current == nil {
			return err
		}
		if fields.Vendor != nil {
			current.Vendor = *fields.Vendor
		}
		if fields.AmountMinor != nil {
			current.AmountMinor = fields.AmountMinor
		}
		if fields.Currency != nil {
			current.Currency = *fields.Currency
		}
		if fields.DocumentDate != nil {
			current.DocumentDate = fields.DocumentDate
		}
		if fields.Category != nil {
			current.Category = *fields.Category
		}
		current.Source = domain.SourceManual
		current.Confidence = 1
		current.Status = domain.StatusEdited
		current.Revision++
		current.UpdatedAt = time.Now().UTC()
		if err := tx.Save(current).Error; err != nil {
			return err
		}
		doc = current
		return nil
	})
	return doc, err
}

func (r *documentRepository) SoftDelete(ctx context.Context, id string) (*domain.ExtractedDocument, error) {
	var doc *domain.ExtractedDocument
	err := r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		current, err := r.lockByID(tx, id)
		if err != nil || current == nil {
			return err
		}
		if current.Status == domain.StatusDeleted {
			doc = current
			return nil
		}
		current.Status = domain.StatusDeleted
		current.Revision++
		current.UpdatedAt = time.Now().UTC()
		if err := tx.Save(current).Error; err != nil {
			return err
		}
		doc = current
		return nil
	})
	return doc, err
}

func (r *documentRepository) lockByID(tx *gorm.DB, id string) (*domain.ExtractedDocument, error) {
	q := tx.Where("id = ?", id)
	if database.IsPostgres(tx) {
		q = q.Clauses(clause.Locking{Strength: "UPDATE"})
	}
	var doc domain.ExtractedDocument
	if err := q.First(&doc).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, nil
		}
		return nil, err
	}
	return &doc, nil
}

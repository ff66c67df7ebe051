package usecase

import (
	"context"
	"errors"
	"fmt"

	"mailscan-backend/internal/document/domain"
	"mailscan-backend/internal/document/repository"
	"mailscan-backend/pkg/logger"
)

var ErrDocumentNotFound = errors.New("document not found")

// Observer is told about every insert, upgrade, edit or delete.
type Observer interface {
	DocumentChanged(ctx context.Context, doc *domain.ExtractedDocument, outcome domain.UpsertOutcome)
}

// DocumentUsecase is the single write path for extracted documents.
type DocumentUsecase struct {
	repo      repository.DocumentRepository
	observers []Observer
	log       *logger.Logger
}

func NewDocumentUsecase(repo repository.DocumentRepository, log *logger.Logger, observers ...Observer) *DocumentUsecase {
	if log == nil {
		log = logger.Nop()
	}
	return &DocumentUsecase{
		repo:      repo,
		observers: observers,
		log:       log.With("component", "document"),
	}
}

// AddObserver registers o for later changes.
func (u *DocumentUsecase) AddObserver(o Observer) {
	u.observers = append(u.observers, o)
}

// Upsert persists extraction through the dedup layer.
func (u *DocumentUsecase) Upsert(ctx context.Context, mailboxID string, candidate *domain.CandidateDocument, extraction *domain.Extraction) (*domain.ExtractedDocument, domain.UpsertOutcome, error) {
	doc, outcome, err := u.repo.Upsert(ctx, mailboxID, candidate, extraction)
	if errors.Is(err, repository.ErrConcurrentUpdate) {
		doc, outcome, err = u.repo.Upsert(ctx, mailboxID, candidate, extraction)
	}
	if err != nil {
		return nil, "", fmt.Errorf("upsert %s/%s: %w", candidate.MessageID, candidate.AttachmentID, err)
	}
	if outcome != domain.OutcomeUnchanged {
		u.log.Debug("document stored",
			"mailbox_id", mailboxID,
			"document_id", doc.ID,
			"outcome", outcome,
			"source", doc.Source,
			"revision", doc.Revision,
		)
		u.notify(ctx, doc, outcome)
	}
	return doc, outcome, nil
}

func (u *DocumentUsecase) Get(ctx context.Context, id string) (*domain.ExtractedDocument, error) {
	doc, err := u.repo.FindByID(ctx, id)
	if err != nil {
		return nil, err
	}
	if doc == nil {
		return nil, ErrDocumentNotFound
	}
	return doc, nil
}

func (u *DocumentUsecase) List(ctx context.Context, mailboxID string, filter repository.DocumentFilter) ([]*domain.ExtractedDocument, int64, error) {
	return u.repo.List(ctx, mailboxID, filter)
}

// Edit applies user-supplied fields. The record becomes edited and is
// never touched by automation again.
func (u *DocumentUsecase) Edit(ctx context.Context, id string, fields repository.ManualFields) (*domain.ExtractedDocument, error) {
	doc, err := u.repo.ApplyManualEdit(ctx, id, fields)
	if err != nil {
		return nil, err
	}
	if doc == nil {
		return nil, ErrDocumentNotFound
	}
	u.log.Info("document edited", "document_id", id, "revision", doc.Revision)
	u.notify(ctx, doc, domain.OutcomeUpgraded)
	return doc, nil
}

// Delete soft-deletes so rediscovery cannot resurrect the record.
func (u *DocumentUsecase) Delete(ctx context.Context, id string) error {
	doc, err := u.repo.SoftDelete(ctx, id)
	if err != nil {
		return err
	}
	if doc == nil {
		return ErrDocumentNotFound
	}
	u.log.Info("document deleted", "document_id", id)
	u.notify(ctx, doc, domain.OutcomeUpgraded)
	return nil
}

func (u *DocumentUsecase) notify(ctx context.Context, doc *domain.ExtractedDocument, outcome domain.UpsertOutcome) {
	for _, o := range u.observers {
		o.DocumentChanged(ctx, doc, outcome)
	}
}

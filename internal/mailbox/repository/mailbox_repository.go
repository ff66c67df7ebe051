package repository

import (
	"context"
	"errors"
	"time"

	"mailscan-backend/internal/mailbox/domain"

	"github.com/google/uuid"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// MailboxRepository persists mailboxes, their credentials and their sync cursor.
type MailboxRepository interface {
	Create(ctx context.Context, mailbox *domain.Mailbox) error
	FindByID(ctx context.Context, id string) (*domain.Mailbox, error)
	FindByAccount(ctx context.Context, account string) ([]*domain.Mailbox, error)
	ListActive(ctx context.Context) ([]*domain.Mailbox, error)
	MarkAuthExpired(ctx context.Context, id string) (bool, error)
	MarkAuthRestored(ctx context.Context, id string) error
	SetBlockedUntil(ctx context.Context, id string, until *time.Time) error

	GetCursor(ctx context.Context, mailboxID string) (*domain.SyncCursor, error)
	// CompareAndSwapCursor writes value only if the stored version still
	// equals expectedVersion. expectedVersion 0 means "no cursor yet".
	CompareAndSwapCursor(ctx context.Context, mailboxID string, expectedVersion int64, value string) (bool, error)

	SaveCredential(ctx context.Context, cred *domain.Credential) error
	GetCredential(ctx context.Context, mailboxID string) (*domain.Credential, error)
	UpdateTokens(ctx context.Context, mailboxID, accessToken, refreshToken string, expiry time.Time) error
}

type mailboxRepository struct {
	db *gorm.DB
}

func NewMailboxRepository(db *gorm.DB) MailboxRepository {
	return &mailboxRepository{db: db}
}

func (r *mailboxRepository) Create(ctx context.Context, mailbox *domain.Mailbox) error {
	if mailbox.ID == "" {
		mailbox.ID = uuid.New().String()
	}
	if mailbox.AuthStatus == "" {
		mailbox.AuthStatus = domain.AuthStatusOK
	}
	mailbox.Active = true
	return r.db.WithContext(ctx).Create(mailbox).Error
}

func (r *mailboxRepository) FindByID(ctx context.Context, id string) (*domain.Mailbox, error) {
	var mailbox domain.Mailbox
	err := r.db.WithContext(ctx).Where("id = ?", id).First(&mailbox).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, nil
		}
		return nil, err
	}
	return &mailbox, nil
}

func (r *mailboxRepository) FindByAccount(ctx context.Context, account string) ([]*domain.Mailbox, error) {
	var mailboxes []*domain.Mailbox
	err := r.db.WithContext(ctx).
		Where("LOWER(account) = LOWER(?) AND active = ?", account, true).
		Find(&mailboxes).Error
	return mailboxes, err
}

func (r *mailboxRepository) ListActive(ctx context.Context) ([]*domain.Mailbox, error) {
	var mailboxes []*domain.Mailbox
	err := r.db.WithContext(ctx).Where("active = ?", true).Order("created_at ASC").Find(&mailboxes).Error
	return mailboxes, err
}

// MarkAuthExpired reports true only for the caller that flipped the status,
// so the re-auth notification goes out once.
func (r *mailboxRepository) MarkAuthExpired(ctx context.Context, id string) (bool, error) {
	res := r.db.WithContext(ctx).Model(&domain.Mailbox{}).
		Where("id = ? AND auth_status <> ?", id, domain.AuthStatusExpired).
		Updates(map[string]interface{}{
			"auth_status": domain.AuthStatusExpired,
			"updated_at":  time.Now().UTC(),
		})
	return res.RowsAffected == 1, res.Error
}

func (r *mailboxRepository) MarkAuthRestored(ctx context.Context, id string) error {
	return r.db.WithContext(ctx).Model(&domain.Mailbox{}).
		Where("id = ?", id).
		Updates(map[string]interface{}{
			"auth_status": domain.AuthStatusOK,
			"updated_at":  time.Now().UTC(),
		}).Error
}

func (r *mailboxRepository) SetBlockedUntil(ctx context.Context, id string, until *time.Time) error {
	return r.db.WithContext(ctx).Model(&domain.Mailbox{}).
		Where("id = ?", id).
		Updates(map[string]interface{}{
			"blocked_until": until,
			"updated_at":    time.Now().UTC(),
		}).Error
}

func (r *mailboxRepository) GetCursor(ctx context.Context, mailboxID string) (*domain.SyncCursor, error) {
	var cursor domain.SyncCursor
	err := r.db.WithContext(ctx).Where("mailbox_id = ?", mailboxID).First(&cursor).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, nil
		}
		return nil, err
	}
	return &cursor, nil
}

func (r *mailboxRepository) CompareAndSwapCursor(ctx context.Context, mailboxID string, expectedVersion int64, value string) (bool, error) {
	now := time.Now().UTC()
	if expectedVersion == 0 {
		res := r.db.WithContext(ctx).Clauses(clause.OnConflict{DoNothing: true}).Create(&domain.SyncCursor{
			MailboxID: mailboxID,
			Value:     value,
			Version:   1,
			UpdatedAt: now,
		})
		return res.RowsAffected == 1, res.Error
	}
	res := r.db.WithContext(ctx).Model(&domain.SyncCursor{}).
		Where("mailbox_id = ? AND version = ?", mailboxID, expectedVersion).
		Updates(map[string]interface{}{
			"value":      value,
			"version":    expectedVersion + 1,
			"updated_at": now,
		})
	return res.RowsAffected == 1, res.Error
}

func (r *mailboxRepository) SaveCredential(ctx context.Context, cred *domain.Credential) error {
	cred.UpdatedAt = time.Now().UTC()
	return r.db.WithContext(ctx).Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "mailbox_id"}},
		UpdateAll: true,
	}).Create(cred).Error
}

func (r *mailboxRepository) GetCredential(ctx context.Context, mailboxID string) (*domain.Credential, error) {
	var cred domain.Credential
	err := r.db.WithContext(ctx).Where("mailbox_id = ?", mailboxID).First(&cred).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, nil
		}
		return nil, err
	}
	return &cred, nil
}

func (r *mailboxRepository) UpdateTokens(ctx context.Context, mailboxID, accessToken, refreshToken string, expiry time.Time) error {
	updates := map[string]interface{}{
		"access_token": accessToken,
		"expiry":       expiry,
		"updated_at":   time.Now().UTC(),
	}
	// Google omits the refresh token on most refreshes; keep the stored one.
	if refreshToken != "" {
		updates["refresh_token"] = refreshToken
	}
	return r.db.WithContext(ctx).Model(&domain.Credential{}).Where("mailbox_id = ?", mailboxID).Updates(updates).Error
}

package repository

import (
	"context"
	"time"

	"mailscan-backend/internal/mailbox/domain"

	"github.com/google/uuid"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// DeviceTokenRepository stores FCM tokens of business dashboards.
type DeviceTokenRepository interface {
	SaveToken(ctx context.Context, businessID, token, deviceInfo string) error
	GetTokensByBusinessID(ctx context.Context, businessID string) ([]domain.DeviceToken, error)
	DeleteToken(ctx context.Context, token string) error
}

type deviceTokenRepository struct {
	db *gorm.DB
}

func NewDeviceTokenRepository(db *gorm.DB) DeviceTokenRepository {
	return &deviceTokenRepository{db: db}
}

// SaveToken upserts on the token, moving it to businessID if it was
// registered elsewhere before.
func (r *deviceTokenRepository) SaveToken(ctx context.Context, businessID, token, deviceInfo string) error {
	now := time.Now().UTC()
	return r.db.WithContext(ctx).Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "token"}},
		DoUpdates: clause.AssignmentColumns([]string{"business_id", "device_info", "updated_at"}),
	}).Create(&domain.DeviceToken{
		ID:         uuid.New().String(),
		BusinessID: businessID,
		Token:      token,
		DeviceInfo: deviceInfo,
		CreatedAt:  now,
		UpdatedAt:  now,
	}).Error
}

func (r *deviceTokenRepository) GetTokensByBusinessID(ctx context.Context, businessID string) ([]domain.DeviceToken, error) {
	var tokens []domain.DeviceToken
	if err := r.db.WithContext(ctx).Where("business_id = ?", businessID).Find(&tokens).Error; err != nil {
		return nil, err
	}
	return tokens, nil
}

func (r *deviceTokenRepository) DeleteToken(ctx context.Context, token string) error {
	return r.db.WithContext(ctx).Where("token = ?", token).Delete(&domain.DeviceToken{}).Error
}

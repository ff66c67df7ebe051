package domain

import "time"

// Provider identifies the mailbox backend behind a connected inbox.
type Provider string

const (
	ProviderGmail   Provider = "gmail"
	ProviderOutlook Provider = "outlook"
	ProviderIMAP    Provider = "imap"
)

// AuthStatus tracks whether stored credentials still work.
type AuthStatus string

const (
	AuthStatusOK      AuthStatus = "ok"
	AuthStatusExpired AuthStatus = "expired"
)

// Mailbox is one connected inbox owned by a business.
type Mailbox struct {
	ID           string     `json:"id" gorm:"primaryKey"`
	BusinessID   string     `json:"business_id" gorm:"index;not null"`
	Provider     Provider   `json:"provider" gorm:"not null"`
	Account      string     `json:"account" gorm:"index;not null"`
	AuthStatus   AuthStatus `json:"auth_status" gorm:"default:ok"`
	BlockedUntil *time.Time `json:"blocked_until,omitempty"`
	Active       bool       `json:"active" gorm:"default:true"`
	CreatedAt    time.Time  `json:"created_at"`
	UpdatedAt    time.Time  `json:"updated_at"`
}

func (Mailbox) TableName() string { return "mailboxes" }

// SyncCursor is the single change-stream position of a mailbox. It is
// overwritten in place; Version guards concurrent writers.
type SyncCursor struct {
	MailboxID string    `json:"mailbox_id" gorm:"primaryKey"`
	Value     string    `json:"value"`
	Version   int64     `json:"version" gorm:"not null;default:0"`
	UpdatedAt time.Time `json:"updated_at"`
}

func (SyncCursor) TableName() string { return "sync_cursors" }

// Credential holds what a source adapter needs to reach the provider.
// It is written by the credential collaborator, never by the pipeline,
// except for refreshed OAuth tokens.
type Credential struct {
	MailboxID    string    `json:"mailbox_id" gorm:"primaryKey"`
	AccessToken  string    `json:"-"`
	RefreshToken string    `json:"-"`
	Expiry       time.Time `json:"expiry"`
	IMAPAddr     string    `json:"imap_addr,omitempty"`
	IMAPUsername string    `json:"imap_username,omitempty"`
	IMAPPassword string    `json:"-"`
	UpdatedAt    time.Time `json:"updated_at"`
}

func (Credential) TableName() string { return "mailbox_credentials" }

// DeviceToken is an FCM registration token for a business dashboard.
type DeviceToken struct {
	ID         string    `json:"id" gorm:"primaryKey"`
	BusinessID string    `json:"business_id" gorm:"index;not null"`
	Token      string    `json:"-" gorm:"uniqueIndex;not null"`
	DeviceInfo string    `json:"device_info"`
	CreatedAt  time.Time `json:"created_at"`
	UpdatedAt  time.Time `json:"updated_at"`
}

func (DeviceToken) TableName() string { return "device_tokens" }

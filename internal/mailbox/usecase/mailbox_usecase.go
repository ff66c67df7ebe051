package usecase

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"mailscan-backend/internal/mailbox/domain"
	"mailscan-backend/internal/mailbox/repository"
	"mailscan-backend/pkg/logger"
)

var (
	ErrMailboxNotFound     = errors.New("mailbox not found")
	ErrInvalidProvider     = errors.New("unsupported mailbox provider")
	ErrCredentialsRequired = errors.New("credentials required")
)

// Cooldown remembers until when a mailbox must not be called.
type Cooldown interface {
	Block(ctx context.Context, mailboxID string, until, now time.Time) error
	BlockedUntil(ctx context.Context, mailboxID string) (time.Time, error)
}

// AuthObserver is told once when a mailbox's credentials stop working.
type AuthObserver interface {
	MailboxAuthExpired(ctx context.Context, mailbox *domain.Mailbox)
}

// Watcher registers provider push notifications for a new mailbox.
type Watcher interface {
	Watch(ctx context.Context, mailbox *domain.Mailbox, cred *domain.Credential) error
}

// MailboxUsecase owns mailbox registration and the per-mailbox gate that
// scan and sync ticks consult before calling the provider.
type MailboxUsecase struct {
	repo      repository.MailboxRepository
	cooldown  Cooldown
	watcher   Watcher
	observers []AuthObserver
	log       *logger.Logger
}

func NewMailboxUsecase(repo repository.MailboxRepository, cooldown Cooldown, log *logger.Logger) *MailboxUsecase {
	if log == nil {
		log = logger.Nop()
	}
	if cooldown == nil {
		cooldown = &rowCooldown{repo: repo}
	}
	return &MailboxUsecase{
		repo:     repo,
		cooldown: cooldown,
		log:      log.With("component", "mailbox"),
	}
}

func (u *MailboxUsecase) SetWatcher(w Watcher) {
	u.watcher = w
}

func (u *MailboxUsecase) AddObserver(o AuthObserver) {
	u.observers = append(u.observers, o)
}

// Register creates a mailbox for businessID and stores its credentials.
func (u *MailboxUsecase) Register(ctx context.Context, businessID string, provider domain.Provider, account string, cred *domain.Credential) (*domain.Mailbox, error) {
	switch provider {
	case domain.ProviderGmail, domain.ProviderOutlook, domain.ProviderIMAP:
	default:
		return nil, fmt.Errorf("%w: %q", ErrInvalidProvider, provider)
	}
	if cred == nil {
		return nil, ErrCredentialsRequired
	}
	mailbox := &domain.Mailbox{
		BusinessID: businessID,
		Provider:   provider,
		Account:    strings.TrimSpace(account),
	}
	if err := u.repo.Create(ctx, mailbox); err != nil {
		return nil, err
	}
	cred.MailboxID = mailbox.ID
	if err := u.repo.SaveCredential(ctx, cred); err != nil {
		return nil, err
	}
	u.log.Info("mailbox registered", "mailbox_id", mailbox.ID, "provider", provider, "account", mailbox.Account)

	if u.watcher != nil && provider == domain.ProviderGmail {
		if err := u.watcher.Watch(ctx, mailbox, cred); err != nil {
			// Push is an accelerator; the sync tick still covers the mailbox.
			u.log.Warn("failed to start push watch", "mailbox_id", mailbox.ID, "error", err)
		}
	}
	return mailbox, nil
}

// StoreCredentials replaces the credentials and clears an expired status.
func (u *MailboxUsecase) StoreCredentials(ctx context.Context, businessID, mailboxID string, cred *domain.Credential) error {
	if cred == nil {
		return ErrCredentialsRequired
	}
	if _, err := u.Get(ctx, businessID, mailboxID); err != nil {
		return err
	}
	cred.MailboxID = mailboxID
	if err := u.repo.SaveCredential(ctx, cred); err != nil {
		return err
	}
	if err := u.repo.MarkAuthRestored(ctx, mailboxID); err != nil {
		return err
	}
	u.log.Info("mailbox credentials restored", "mailbox_id", mailboxID)
	return nil
}

// Get loads a mailbox. A non-empty businessID must own it.
func (u *MailboxUsecase) Get(ctx context.Context, businessID, id string) (*domain.Mailbox, error) {
	mailbox, err := u.repo.FindByID(ctx, id)
	if err != nil {
		return nil, err
	}
	if mailbox == nil || (businessID != "" && mailbox.BusinessID != businessID) {
		return nil, ErrMailboxNotFound
	}
	return mailbox, nil
}

func (u *MailboxUsecase) FindByAccount(ctx context.Context, account string) ([]*domain.Mailbox, error) {
	return u.repo.FindByAccount(ctx, account)
}

func (u *MailboxUsecase) ListActive(ctx context.Context) ([]*domain.Mailbox, error) {
	return u.repo.ListActive(ctx)
}

// Available reports whether ticks may call the provider for mailbox now.
// reason is set when they may not.
func (u *MailboxUsecase) Available(ctx context.Context, mailbox *domain.Mailbox, now time.Time) (bool, string, error) {
	if mailbox.AuthStatus == domain.AuthStatusExpired {
		return false, "auth_expired", nil
	}
	if mailbox.BlockedUntil != nil && mailbox.BlockedUntil.After(now) {
		return false, "rate_limited", nil
	}
	until, err := u.cooldown.BlockedUntil(ctx, mailbox.ID)
	if err != nil {
		return false, "", err
	}
	if until.After(now) {
		return false, "rate_limited", nil
	}
	return true, "", nil
}

// AuthFailed flags the mailbox and notifies observers the first time.
func (u *MailboxUsecase) AuthFailed(ctx context.Context, mailbox *domain.Mailbox) error {
	flipped, err := u.repo.MarkAuthExpired(ctx, mailbox.ID)
	if err != nil {
		return err
	}
	mailbox.AuthStatus = domain.AuthStatusExpired
	if !flipped {
		return nil
	}
	u.log.Warn("mailbox credentials expired", "mailbox_id", mailbox.ID, "provider", mailbox.Provider)
	for _, o := range u.observers {
		o.MailboxAuthExpired(ctx, mailbox)
	}
	return nil
}

// Throttle blocks the mailbox for retryAfter and returns the deadline.
func (u *MailboxUsecase) Throttle(ctx context.Context, mailbox *domain.Mailbox, retryAfter time.Duration, now time.Time) (time.Time, error) {
	if retryAfter <= 0 {
		retryAfter = defaultRateLimitWait
	}
	until := now.Add(retryAfter).UTC()
	if err := u.cooldown.Block(ctx, mailbox.ID, until, now); err != nil {
		return until, err
	}
	u.log.Info("mailbox rate limited", "mailbox_id", mailbox.ID, "until", until)
	return until, nil
}

// rowCooldown keeps the deadline on the mailbox row when Redis is absent.
type rowCooldown struct {
	repo repository.MailboxRepository
}

func (c *rowCooldown) Block(ctx context.Context, mailboxID string, until, now time.Time) error {
	return c.repo.SetBlockedUntil(ctx, mailboxID, &until)
}

func (c *rowCooldown) BlockedUntil(ctx context.Context, mailboxID string) (time.Time, error) {
	mailbox, err := c.repo.FindByID(ctx, mailboxID)
	if err != nil || mailbox == nil || mailbox.BlockedUntil == nil {
		return time.Time{}, err
	}
	return mailbox.BlockedUntil.UTC(), nil
}

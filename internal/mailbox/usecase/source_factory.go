package usecase

import (
	"context"
	"errors"
	"fmt"

	"mailscan-backend/internal/mailbox/domain"
	"mailscan-backend/internal/mailbox/repository"
	"mailscan-backend/pkg/gmail"
	"mailscan-backend/pkg/imapmail"
	"mailscan-backend/pkg/logger"
	"mailscan-backend/pkg/outlook"
	"mailscan-backend/pkg/retry"

	"golang.org/x/oauth2"
)

var errNoCredentials = errors.New("no credentials stored")

// SourceFactory builds the provider adapter of a mailbox from its stored
// credentials and wraps it with call-level retries.
type SourceFactory struct {
	repo            repository.MailboxRepository
	gmail           *gmail.Service
	imapDefaultAddr string
	policy          retry.Policy
	log             *logger.Logger
}

func NewSourceFactory(repo repository.MailboxRepository, gmailService *gmail.Service, imapDefaultAddr string, policy retry.Policy, log *logger.Logger) *SourceFactory {
	if log == nil {
		log = logger.Nop()
	}
	return &SourceFactory{
		repo:            repo,
		gmail:           gmailService,
		imapDefaultAddr: imapDefaultAddr,
		policy:          policy,
		log:             log.With("component", "source"),
	}
}

func (f *SourceFactory) ForMailbox(ctx context.Context, mailbox *domain.Mailbox) (domain.MailSource, error) {
	cred, err := f.repo.GetCredential(ctx, mailbox.ID)
	if err != nil {
		return nil, err
	}
	if cred == nil {
		return nil, domain.NewProviderError(domain.KindAuthExpired, "credentials", errNoCredentials)
	}

	var src domain.MailSource
	switch mailbox.Provider {
	case domain.ProviderGmail:
		if f.gmail == nil {
			return nil, fmt.Errorf("%w: gmail is not configured", ErrInvalidProvider)
		}
		src, err = f.gmail.NewSource(ctx, cred.AccessToken, cred.RefreshToken, cred.Expiry, f.persistToken(mailbox.ID))
	case domain.ProviderOutlook:
		src, err = outlook.NewSource(cred.AccessToken, cred.Expiry, mailbox.Account)
	case domain.ProviderIMAP:
		addr := cred.IMAPAddr
		if addr == "" {
			addr = f.imapDefaultAddr
		}
		src = imapmail.NewSource(imapmail.Config{
			Addr:     addr,
			Username: cred.IMAPUsername,
			Password: cred.IMAPPassword,
		})
	default:
		return nil, fmt.Errorf("%w: %q", ErrInvalidProvider, mailbox.Provider)
	}
	if err != nil {
		return nil, err
	}
	return NewRetryingSource(src, f.policy, f.log.With("mailbox_id", mailbox.ID, "provider", mailbox.Provider)), nil
}

// persistToken writes refreshed OAuth tokens back to the credential row.
func (f *SourceFactory) persistToken(mailboxID string) gmail.TokenUpdateFunc {
	return func(token *oauth2.Token) error {
		f.log.Debug("persisting refreshed token", "mailbox_id", mailboxID)
		return f.repo.UpdateTokens(context.Background(), mailboxID, token.AccessToken, token.RefreshToken, token.Expiry)
	}
}

// GmailWatcher starts Gmail push notifications to a Pub/Sub topic.
type GmailWatcher struct {
	factory *SourceFactory
	topic   string
}

func NewGmailWatcher(factory *SourceFactory, topic string) *GmailWatcher {
	return &GmailWatcher{factory: factory, topic: topic}
}

func (w *GmailWatcher) Watch(ctx context.Context, mailbox *domain.Mailbox, cred *domain.Credential) error {
	if w.topic == "" || w.factory.gmail == nil {
		return nil
	}
	_, err := w.factory.gmail.Watch(ctx, cred.AccessToken, cred.RefreshToken, cred.Expiry, w.topic, w.factory.persistToken(mailbox.ID))
	return err
}

package notification

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	incrementalusecase "mailscan-backend/internal/incremental/usecase"
	mailboxdomain "mailscan-backend/internal/mailbox/domain"
	"mailscan-backend/pkg/logger"

	"cloud.google.com/go/pubsub"
	"google.golang.org/api/option"
)

// GmailNotification is the payload Gmail publishes on a watched mailbox.
type GmailNotification struct {
	EmailAddress string `json:"emailAddress"`
	HistoryID    uint64 `json:"historyId"`
}

type MailboxFinder interface {
	FindByAccount(ctx context.Context, account string) ([]*mailboxdomain.Mailbox, error)
}

type Syncer interface {
	AdvanceSync(ctx context.Context, mailboxID string) (incrementalusecase.SyncReport, error)
}

// PushListener turns Gmail push notifications into incremental syncs. The
// notification is only a hint: the stored cursor stays the single source
// of where the sync resumes.
type PushListener struct {
	pubsubClient *pubsub.Client
	mailboxes    MailboxFinder
	syncer       Syncer
	topicName    string
	subName      string
	log          *logger.Logger
}

func NewPushListener(ctx context.Context, projectID, topicName, credentialsFile string, mailboxes MailboxFinder, syncer Syncer, log *logger.Logger) (*PushListener, error) {
	if log == nil {
		log = logger.Nop()
	}
	var opts []option.ClientOption
	if credentialsFile != "" {
		opts = append(opts, option.WithCredentialsFile(credentialsFile))
	}

	client, err := pubsub.NewClient(ctx, projectID, opts...)
	if err != nil {
		return nil, fmt.Errorf("failed to create pubsub client: %w", err)
	}

	return &PushListener{
		pubsubClient: client,
		mailboxes:    mailboxes,
		syncer:       syncer,
		topicName:    topicName,
		subName:      topicName + "-sub",
		log:          log.With("component", "pubsub"),
	}, nil
}

// Start blocks receiving messages until ctx ends.
func (l *PushListener) Start(ctx context.Context) error {
	sub, err := l.ensureSubscription(ctx)
	if err != nil {
		return err
	}

	l.log.Info("listening for gmail notifications", "subscription", l.subName)
	err = sub.Receive(ctx, func(ctx context.Context, msg *pubsub.Message) {
		l.Handle(ctx, msg.Data)
		msg.Ack()
	})
	if err != nil {
		return fmt.Errorf("receive on %s: %w", l.subName, err)
	}
	return nil
}

func (l *PushListener) ensureSubscription(ctx context.Context) (*pubsub.Subscription, error) {
	sub := l.pubsubClient.Subscription(l.subName)
	exists, err := sub.Exists(ctx)
	if err != nil {
		return nil, fmt.Errorf("check subscription %s: %w", l.subName, err)
	}
	if exists {
		return sub, nil
	}

	topic := l.pubsubClient.Topic(l.topicName)
	topicExists, err := topic.Exists(ctx)
	if err != nil {
		return nil, fmt.Errorf("check topic %s: %w", l.topicName, err)
	}
	if !topicExists {
		return nil, fmt.Errorf("topic %s does not exist", l.topicName)
	}

	sub, err = l.pubsubClient.CreateSubscription(ctx, l.subName, pubsub.SubscriptionConfig{
		Topic:       topic,
		AckDeadline: 60 * time.Second,
	})
	if err != nil {
		return nil, fmt.Errorf("create subscription %s: %w", l.subName, err)
	}
	l.log.Info("created subscription", "subscription", l.subName)
	return sub, nil
}

// Handle syncs every gmail mailbox registered for the notified account.
// It returns the number of mailboxes synced.
func (l *PushListener) Handle(ctx context.Context, data []byte) int {
	var notification GmailNotification
	if err := json.Unmarshal(data, &notification); err != nil {
		l.log.Warn("dropping malformed notification", "error", err)
		return 0
	}

	mailboxes, err := l.mailboxes.FindByAccount(ctx, notification.EmailAddress)
	if err != nil {
		l.log.Error("failed to find mailbox", "email", notification.EmailAddress, "error", err)
		return 0
	}

	synced := 0
	for _, mb := range mailboxes {
		if mb.Provider != mailboxdomain.ProviderGmail || !mb.Active {
			continue
		}
		report, err := l.syncer.AdvanceSync(ctx, mb.ID)
		if err != nil {
			l.log.Warn("push-triggered sync failed", "mailbox_id", mb.ID, "error", err)
			continue
		}
		synced++
		l.log.Debug("push-triggered sync", "mailbox_id", mb.ID, "history_id", notification.HistoryID,
			"changes", report.Changes, "created", report.Created)
	}
	return synced
}

func (l *PushListener) Close() error {
	return l.pubsubClient.Close()
}

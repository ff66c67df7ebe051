package notification

import (
	"context"
	"fmt"

	mailboxdomain "mailscan-backend/internal/mailbox/domain"
	"mailscan-backend/internal/mailbox/repository"
	scandomain "mailscan-backend/internal/scan/domain"
	"mailscan-backend/pkg/fcm"
	"mailscan-backend/pkg/logger"
)

// Sender is satisfied by *fcm.Client.
type Sender interface {
	SendToDevices(ctx context.Context, tokens []string, notification fcm.NotificationData) ([]string, error)
}

// Notifier pushes scan outcomes and reconnect requests to the business's
// dashboards. Tokens FCM rejects are removed.
type Notifier struct {
	tokens repository.DeviceTokenRepository
	sender Sender
	log    *logger.Logger
}

func NewNotifier(tokens repository.DeviceTokenRepository, sender Sender, log *logger.Logger) *Notifier {
	if log == nil {
		log = logger.Nop()
	}
	return &Notifier{tokens: tokens, sender: sender, log: log.With("component", "notifier")}
}

func (n *Notifier) JobFinished(ctx context.Context, job *scandomain.ScanJob, mailbox *mailboxdomain.Mailbox) {
	title := "Mailbox scan finished"
	body := fmt.Sprintf("%d documents found in %s", job.DocumentsFound, mailbox.Account)
	if job.Status == scandomain.JobFailed {
		title = "Mailbox scan failed"
		body = fmt.Sprintf("No window of %s could be scanned. You can retry the scan.", mailbox.Account)
	} else if job.ChunksFailed > 0 {
		body = fmt.Sprintf("%s; %d of %d windows could not be read", body, job.ChunksFailed, job.ChunksTotal)
	}
	n.send(ctx, mailbox.BusinessID, fcm.NotificationData{
		Title:       title,
		Body:        body,
		CollapseKey: "scan-" + job.ID,
		Data: map[string]string{
			"type":            "scan_" + string(job.Status),
			"job_id":          job.ID,
			"mailbox_id":      mailbox.ID,
			"documents_found": fmt.Sprint(job.DocumentsFound),
			"click_action":    "/scans/" + job.ID,
		},
	})
}

func (n *Notifier) MailboxAuthExpired(ctx context.Context, mailbox *mailboxdomain.Mailbox) {
	n.send(ctx, mailbox.BusinessID, fcm.NotificationData{
		Title:       "Reconnect your mailbox",
		Body:        fmt.Sprintf("Access to %s expired. Scanning is paused until you reconnect it.", mailbox.Account),
		CollapseKey: "auth-" + mailbox.ID,
		Data: map[string]string{
			"type":         "mailbox_auth_expired",
			"mailbox_id":   mailbox.ID,
			"click_action": "/mailboxes/" + mailbox.ID,
		},
	})
}

func (n *Notifier) send(ctx context.Context, businessID string, data fcm.NotificationData) {
	if n.sender == nil {
		return
	}
	tokens, err := n.tokens.GetTokensByBusinessID(ctx, businessID)
	if err != nil {
		n.log.Error("failed to load device tokens", "business_id", businessID, "error", err)
		return
	}
	if len(tokens) == 0 {
		return
	}
	values := make([]string, 0, len(tokens))
	for _, t := range tokens {
		values = append(values, t.Token)
	}

	failed, err := n.sender.SendToDevices(ctx, values, data)
	if err != nil {
		n.log.Error("failed to send notification", "business_id", businessID, "type", data.Data["type"], "error", err)
		return
	}
	for _, token := range failed {
		if err := n.tokens.DeleteToken(ctx, token); err != nil {
			n.log.Warn("failed to prune device token", "error", err)
		}
	}
	n.log.Debug("notification sent", "business_id", businessID, "type", data.Data["type"],
		"delivered", len(values)-len(failed), "pruned", len(failed))
}

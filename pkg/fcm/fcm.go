package fcm

import (
	"context"
	"fmt"

	"mailscan-backend/pkg/logger"

	firebase "firebase.google.com/go/v4"
	"firebase.google.com/go/v4/messaging"
	"google.golang.org/api/option"
)

// Client sends scan and mailbox pushes through Firebase Cloud Messaging.
type Client struct {
	messagingClient *messaging.Client
	log             *logger.Logger
}

// NewClient uses credentialsFile, or application default credentials when
// it is empty.
func NewClient(ctx context.Context, credentialsFile string, log *logger.Logger) (*Client, error) {
	if log == nil {
		log = logger.Nop()
	}
	var opts []option.ClientOption
	if credentialsFile != "" {
		opts = append(opts, option.WithCredentialsFile(credentialsFile))
	}

	app, err := firebase.NewApp(ctx, nil, opts...)
	if err != nil {
		return nil, fmt.Errorf("firebase app: %w", err)
	}

	messagingClient, err := app.Messaging(ctx)
	if err != nil {
		return nil, fmt.Errorf("firebase messaging: %w", err)
	}

	log.Info("fcm client initialized")
	return &Client{messagingClient: messagingClient, log: log.With("component", "fcm")}, nil
}

// NotificationData is one push. Pushes sharing a CollapseKey replace each
// other on the device.
type NotificationData struct {
	Title       string
	Body        string
	Data        map[string]string
	CollapseKey string
}

// Multicast builds the message SendToDevices sends.
func Multicast(tokens []string, n NotificationData) *messaging.MulticastMessage {
	msg := &messaging.MulticastMessage{
		Tokens:       tokens,
		Notification: &messaging.Notification{Title: n.Title, Body: n.Body},
		Data:         n.Data,
	}
	if n.CollapseKey != "" {
		msg.Android = &messaging.AndroidConfig{CollapseKey: n.CollapseKey}
		msg.APNS = &messaging.APNSConfig{Headers: map[string]string{"apns-collapse-id": n.CollapseKey}}
	}
	return msg
}

// SendToDevices sends one multicast message and returns the tokens that
// did not receive it.
func (c *Client) SendToDevices(ctx context.Context, tokens []string, n NotificationData) ([]string, error) {
	if len(tokens) == 0 {
		return nil, nil
	}
	resp, err := c.messagingClient.SendEachForMulticast(ctx, Multicast(tokens, n))
	if err != nil {
		return nil, fmt.Errorf("fcm multicast: %w", err)
	}
	c.log.Debug("multicast sent", "success", resp.SuccessCount, "failure", resp.FailureCount)

	var failed []string
	for i, r := range resp.Responses {
		if !r.Success {
			failed = append(failed, tokens[i])
			c.log.Warn("fcm delivery failed", "error", r.Error)
		}
	}
	return failed, nil
}

package fcm

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMulticastCollapsesRepeatedPushes(t *testing.T) {
	msg := Multicast([]string{"a", "b"}, NotificationData{
		Title:       "Mailbox scan finished",
		Body:        "3 documents found",
		Data:        map[string]string{"type": "scan_completed"},
		CollapseKey: "scan-job-1",
	})
	assert.Equal(t, []string{"a", "b"}, msg.Tokens)
	assert.Equal(t, "Mailbox scan finished", msg.Notification.Title)
	assert.Equal(t, "scan_completed", msg.Data["type"])
	require.NotNil(t, msg.Android)
	assert.Equal(t, "scan-job-1", msg.Android.CollapseKey)
	require.NotNil(t, msg.APNS)
	assert.Equal(t, "scan-job-1", msg.APNS.Headers["apns-collapse-id"])
	assert.Nil(t, msg.Webpush)

	plain := Multicast([]string{"a"}, NotificationData{Title: "t"})
	assert.Nil(t, plain.Android)
	assert.Nil(t, plain.APNS)
}

package notification

import (
	"context"
	"encoding/json"
	"errors"
	"testing"

	documentdomain "mailscan-backend/internal/document/domain"
	incrementalusecase "mailscan-backend/internal/incremental/usecase"
	mailboxdomain "mailscan-backend/internal/mailbox/domain"
	"mailscan-backend/internal/mailbox/repository"
	scandomain "mailscan-backend/internal/scan/domain"
	"mailscan-backend/internal/testutil"
	"mailscan-backend/pkg/fcm"
	"mailscan-backend/pkg/logger"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
)

type mockSender struct{ mock.Mock }

func (m *mockSender) SendToDevices(ctx context.Context, tokens []string, n fcm.NotificationData) ([]string, error) {
	args := m.Called(tokens, n.Data["type"])
	failed, _ := args.Get(0).([]string)
	return failed, args.Error(1)
}

type mockPublisher struct{ mock.Mock }

func (m *mockPublisher) Subject(suffix string) string { return "mailscan." + suffix }

func (m *mockPublisher) Publish(ctx context.Context, subject string, payload []byte, msgID string) error {
	return m.Called(subject, payload, msgID).Error(0)
}

type mockSyncer struct{ mock.Mock }

func (m *mockSyncer) AdvanceSync(ctx context.Context, mailboxID string) (incrementalusecase.SyncReport, error) {
	args := m.Called(mailboxID)
	return incrementalusecase.SyncReport{MailboxID: mailboxID}, args.Error(0)
}

type staticFinder []*mailboxdomain.Mailbox

func (f staticFinder) FindByAccount(ctx context.Context, account string) ([]*mailboxdomain.Mailbox, error) {
	var out []*mailboxdomain.Mailbox
	for _, mb := range f {
		if mb.Account == account {
			out = append(out, mb)
		}
	}
	return out, nil
}

func TestNotifierPrunesRejectedTokens(t *testing.T) {
	ctx := context.Background()
	tokens := repository.NewDeviceTokenRepository(testutil.NewDB(t))
	require.NoError(t, tokens.SaveToken(ctx, "biz", "tok-a", "chrome"))
	require.NoError(t, tokens.SaveToken(ctx, "biz", "tok-b", "firefox"))
	require.NoError(t, tokens.SaveToken(ctx, "other", "tok-c", "safari"))

	sender := &mockSender{}
	sender.On("SendToDevices", mock.MatchedBy(func(ts []string) bool { return len(ts) == 2 }), "scan_completed").
		Return([]string{"tok-b"}, nil).Once()

	n := NewNotifier(tokens, sender, nil)
	mb := &mailboxdomain.Mailbox{ID: "mb-1", BusinessID: "biz", Account: "ops@example.com"}
	n.JobFinished(ctx, &scandomain.ScanJob{ID: "job-1", Status: scandomain.JobCompleted, DocumentsFound: 12, ChunksTotal: 37}, mb)
	sender.AssertExpectations(t)

	left, err := tokens.GetTokensByBusinessID(ctx, "biz")
	require.NoError(t, err)
	require.Len(t, left, 1)
	assert.Equal(t, "tok-a", left[0].Token)
}

func TestNotifierAuthExpiredAndNoTokens(t *testing.T) {
	ctx := context.Background()
	tokens := repository.NewDeviceTokenRepository(testutil.NewDB(t))
	require.NoError(t, tokens.SaveToken(ctx, "biz", "tok-a", ""))

	sender := &mockSender{}
	sender.On("SendToDevices", []string{"tok-a"}, "mailbox_auth_expired").Return(nil, errors.New("fcm down")).Once()

	n := NewNotifier(tokens, sender, nil)
	n.MailboxAuthExpired(ctx, &mailboxdomain.Mailbox{ID: "mb-1", BusinessID: "biz"})
	n.MailboxAuthExpired(ctx, &mailboxdomain.Mailbox{ID: "mb-2", BusinessID: "nobody"})
	sender.AssertExpectations(t)

	left, err := tokens.GetTokensByBusinessID(ctx, "biz")
	require.NoError(t, err)
	assert.Len(t, left, 1)
}

func TestEventPublisherSkipsUnchanged(t *testing.T) {
	pub := &mockPublisher{}
	amount := int64(1250)
	doc := &documentdomain.ExtractedDocument{
		ID:          "doc-1",
		MailboxID:   "mb-1",
		DedupKey:    "abc",
		Revision:    2,
		Status:      documentdomain.StatusActive,
		Source:      documentdomain.SourceAI,
		Vendor:      "Acme",
		AmountMinor: &amount,
		Currency:    "USD",
	}
	pub.On("Publish", "mailscan.document.upserted", mock.Anything, "abc:2:active").Return(nil).Once()

	p := NewEventPublisher(pub, nil)
	p.DocumentChanged(context.Background(), doc, documentdomain.OutcomeUpgraded)
	p.DocumentChanged(context.Background(), doc, documentdomain.OutcomeUnchanged)
	pub.AssertExpectations(t)

	payload := pub.Calls[0].Arguments.Get(1).([]byte)
	var ev DocumentEvent
	require.NoError(t, json.Unmarshal(payload, &ev))
	assert.Equal(t, "upgraded", ev.Outcome)
	assert.Equal(t, int64(1250), *ev.AmountMinor)
	assert.Equal(t, "ai", ev.Source)
}

func TestPushListenerSyncsMatchingGmailMailboxes(t *testing.T) {
	syncer := &mockSyncer{}
	syncer.On("AdvanceSync", "mb-1").Return(nil).Once()

	l := &PushListener{
		mailboxes: staticFinder{
			{ID: "mb-1", Provider: mailboxdomain.ProviderGmail, Account: "ops@example.com", Active: true},
			{ID: "mb-2", Provider: mailboxdomain.ProviderIMAP, Account: "ops@example.com", Active: true},
			{ID: "mb-3", Provider: mailboxdomain.ProviderGmail, Account: "other@example.com", Active: true},
		},
		syncer: syncer,
		log:    logger.Nop(),
	}

	assert.Equal(t, 1, l.Handle(context.Background(), []byte(`{"emailAddress":"ops@example.com","historyId":991}`)))
	assert.Equal(t, 0, l.Handle(context.Background(), []byte(`not json`)))
	syncer.AssertExpectations(t)
}

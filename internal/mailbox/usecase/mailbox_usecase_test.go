package usecase

import (
	"context"
	"errors"
	"testing"
	"time"

	"mailscan-backend/internal/mailbox/domain"
	"mailscan-backend/internal/mailbox/repository"
	"mailscan-backend/internal/testutil"
	"mailscan-backend/pkg/retry"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
)

type mockAuthObserver struct{ mock.Mock }

func (m *mockAuthObserver) MailboxAuthExpired(ctx context.Context, mailbox *domain.Mailbox) {
	m.Called(mailbox.ID)
}

func newMailboxUsecase(t *testing.T) (*MailboxUsecase, repository.MailboxRepository) {
	repo := repository.NewMailboxRepository(testutil.NewDB(t))
	return NewMailboxUsecase(repo, nil, nil), repo
}

func TestRegisterValidatesProvider(t *testing.T) {
	u, _ := newMailboxUsecase(t)
	ctx := context.Background()

	_, err := u.Register(ctx, "biz", "pop3", "a@example.com", &domain.Credential{})
	assert.ErrorIs(t, err, ErrInvalidProvider)

	_, err = u.Register(ctx, "biz", domain.ProviderIMAP, "a@example.com", nil)
	assert.ErrorIs(t, err, ErrCredentialsRequired)

	mb, err := u.Register(ctx, "biz", domain.ProviderIMAP, " a@example.com ", &domain.Credential{IMAPUsername: "a"})
	require.NoError(t, err)
	assert.Equal(t, "a@example.com", mb.Account)

	_, err = u.Get(ctx, "other-biz", mb.ID)
	assert.ErrorIs(t, err, ErrMailboxNotFound)
	got, err := u.Get(ctx, "biz", mb.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.AuthStatusOK, got.AuthStatus)
}

func TestAuthFailedNotifiesOnceAndRestores(t *testing.T) {
	u, repo := newMailboxUsecase(t)
	ctx := context.Background()
	obs := &mockAuthObserver{}
	u.AddObserver(obs)

	mb, err := u.Register(ctx, "biz", domain.ProviderGmail, "a@example.com", &domain.Credential{AccessToken: "t"})
	require.NoError(t, err)
	obs.On("MailboxAuthExpired", mb.ID).Once()

	require.NoError(t, u.AuthFailed(ctx, mb))
	require.NoError(t, u.AuthFailed(ctx, mb))
	obs.AssertExpectations(t)

	ok, reason, err := u.Available(ctx, mb, time.Now())
	require.NoError(t, err)
	assert.False(t, ok)
	assert.Equal(t, "auth_expired", reason)

	require.NoError(t, u.StoreCredentials(ctx, "biz", mb.ID, &domain.Credential{AccessToken: "t2"}))
	fresh, err := repo.FindByID(ctx, mb.ID)
	require.NoError(t, err)
	ok, _, err = u.Available(ctx, fresh, time.Now())
	require.NoError(t, err)
	assert.True(t, ok)
}

func TestThrottleBlocksUntilDeadline(t *testing.T) {
	u, repo := newMailboxUsecase(t)
	ctx := context.Background()
	now := time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC)

	mb, err := u.Register(ctx, "biz", domain.ProviderIMAP, "a@example.com", &domain.Credential{})
	require.NoError(t, err)

	until, err := u.Throttle(ctx, mb, 90*time.Second, now)
	require.NoError(t, err)
	assert.Equal(t, now.Add(90*time.Second), until)

	fresh, err := repo.FindByID(ctx, mb.ID)
	require.NoError(t, err)
	ok, reason, err := u.Available(ctx, fresh, now.Add(time.Minute))
	require.NoError(t, err)
	assert.False(t, ok)
	assert.Equal(t, "rate_limited", reason)

	ok, _, err = u.Available(ctx, fresh, now.Add(2*time.Minute))
	require.NoError(t, err)
	assert.True(t, ok)
}

func fastPolicy() retry.Policy {
	return retry.Policy{InitialInterval: time.Millisecond, MaxInterval: 2 * time.Millisecond, Multiplier: 2, MaxTries: 3, MaxRateLimitWait: 50 * time.Millisecond}
}

func TestRetryingSourceRetriesTransientOnly(t *testing.T) {
	ctx := context.Background()
	fake := testutil.NewFakeSource()
	at := time.Date(2024, 5, 1, 0, 0, 0, 0, time.UTC)
	fake.AddMessage(testutil.Invoice("m1", "Acme", "$10.00", at))
	src := NewRetryingSource(fake, fastPolicy(), nil)

	fake.FailFetch("m1", domain.NewProviderError(domain.KindTransient, "fetch", errors.New("503")))
	msg, err := src.FetchMessage(ctx, "m1")
	require.NoError(t, err)
	assert.Equal(t, "m1", msg.ID)
	assert.Equal(t, 2, fake.FetchCalls("m1"))

	fake.FailFetch("m1", domain.NewProviderError(domain.KindAuthExpired, "fetch", nil))
	_, err = src.FetchMessage(ctx, "m1")
	assert.ErrorIs(t, err, domain.ErrAuthExpired)
	assert.Equal(t, 3, fake.FetchCalls("m1"))

	// Hints above the in-call budget go back to the caller.
	fake.FailFetch("m1", domain.RateLimited("fetch", time.Hour, nil))
	_, err = src.FetchMessage(ctx, "m1")
	assert.Equal(t, domain.KindRateLimited, domain.Classify(err))
	assert.Equal(t, time.Hour, domain.RetryAfterOf(err))
}

func TestRetryingSourceDoesNotRetryCallbackErrors(t *testing.T) {
	ctx := context.Background()
	fake := testutil.NewFakeSource()
	at := time.Date(2024, 5, 1, 0, 0, 0, 0, time.UTC)
	fake.AddMessage(testutil.Invoice("m1", "Acme", "$10.00", at))
	window := domain.TimeWindow{Start: at.AddDate(0, 0, -1), End: at.AddDate(0, 0, 1)}
	src := NewRetryingSource(fake, fastPolicy(), nil)

	calls := 0
	boom := domain.NewProviderError(domain.KindTransient, "inner", nil)
	err := src.ListMessageIDs(ctx, window, func(ids []string) error {
		calls++
		return boom
	})
	assert.Same(t, boom, err)
	assert.Equal(t, 1, calls)
	assert.Equal(t, 1, fake.ListCalls(window))

	fake.FailList(window, domain.NewProviderError(domain.KindTransient, "list", nil))
	var got []string
	require.NoError(t, src.ListMessageIDs(ctx, window, func(ids []string) error {
		got = append(got, ids...)
		return nil
	}))
	assert.Equal(t, []string{"m1"}, got)
	assert.Equal(t, 3, fake.ListCalls(window))
}

package usecase

import (
	"context"
	"errors"
	"time"

	"mailscan-backend/internal/mailbox/domain"
	"mailscan-backend/pkg/logger"
	"mailscan-backend/pkg/retry"
)

// defaultRateLimitWait is used when a provider rate-limits without a hint.
const defaultRateLimitWait = time.Minute

// RetryingSource retries Transient and short RateLimited failures of every
// adapter call. Other kinds are returned on the first occurrence.
type RetryingSource struct {
	src    domain.MailSource
	policy retry.Policy
	log    *logger.Logger
}

func NewRetryingSource(src domain.MailSource, policy retry.Policy, log *logger.Logger) *RetryingSource {
	if log == nil {
		log = logger.Nop()
	}
	return &RetryingSource{src: src, policy: policy, log: log}
}

// callbackError marks failures raised by the caller's page callback. They
// were already retried inside the callback and must not restart the listing.
type callbackError struct{ err error }

func (e *callbackError) Error() string { return e.err.Error() }
func (e *callbackError) Unwrap() error { return e.err }

// ClassifyRetry is the retry classifier shared by adapter calls.
func ClassifyRetry(err error) (bool, time.Duration) {
	var cb *callbackError
	if errors.As(err, &cb) {
		return false, 0
	}
	switch domain.Classify(err) {
	case domain.KindTransient:
		return true, 0
	case domain.KindRateLimited:
		wait := domain.RetryAfterOf(err)
		if wait <= 0 {
			wait = defaultRateLimitWait
		}
		return true, wait
	}
	return false, 0
}

func (s *RetryingSource) notify(op string) retry.Notify {
	return func(err error, next time.Duration) {
		s.log.Debug("retrying provider call", "op", op, "error", err, "next", next)
	}
}

// ListMessageIDs restarts the whole listing on a retryable failure. Pages
// already handed to fn may be delivered again; discovery is idempotent.
func (s *RetryingSource) ListMessageIDs(ctx context.Context, window domain.TimeWindow, fn func(ids []string) error) error {
	_, err := retry.Do(ctx, s.policy, ClassifyRetry, s.notify("list"), func() (struct{}, error) {
		return struct{}{}, s.src.ListMessageIDs(ctx, window, func(ids []string) error {
			if err := fn(ids); err != nil {
				return &callbackError{err: err}
			}
			return nil
		})
	})
	var cb *callbackError
	if errors.As(err, &cb) {
		return cb.err
	}
	return err
}

func (s *RetryingSource) FetchMessage(ctx context.Context, id string) (*domain.Message, error) {
	return retry.Do(ctx, s.policy, ClassifyRetry, s.notify("fetch"), func() (*domain.Message, error) {
		return s.src.FetchMessage(ctx, id)
	})
}

func (s *RetryingSource) FetchAttachment(ctx context.Context, ref domain.AttachmentRef) ([]byte, error) {
	return retry.Do(ctx, s.policy, ClassifyRetry, s.notify("attachment"), func() ([]byte, error) {
		return s.src.FetchAttachment(ctx, ref)
	})
}

func (s *RetryingSource) CurrentCursor(ctx context.Context) (string, error) {
	return retry.Do(ctx, s.policy, ClassifyRetry, s.notify("cursor"), func() (string, error) {
		return s.src.CurrentCursor(ctx)
	})
}

func (s *RetryingSource) ChangesSince(ctx context.Context, cursor string, limit int) (*domain.ChangePage, error) {
	return retry.Do(ctx, s.policy, ClassifyRetry, s.notify("changes"), func() (*domain.ChangePage, error) {
		return s.src.ChangesSince(ctx, cursor, limit)
	})
}

func (s *RetryingSource) CursorAdvances(prev, next string) bool {
	return s.src.CursorAdvances(prev, next)
}

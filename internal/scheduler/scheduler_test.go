package scheduler

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	incrementalusecase "mailscan-backend/internal/incremental/usecase"
	mailboxdomain "mailscan-backend/internal/mailbox/domain"
	scandomain "mailscan-backend/internal/scan/domain"
	scanusecase "mailscan-backend/internal/scan/usecase"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeScans struct {
	mu       sync.Mutex
	jobs     []*scandomain.ScanJob
	advanced []string
}

func (f *fakeScans) RunnableJobs(ctx context.Context) ([]*scandomain.ScanJob, error) {
	return f.jobs, nil
}

func (f *fakeScans) Advance(ctx context.Context, jobID string) (scanusecase.TickReport, error) {
	f.mu.Lock()
	f.advanced = append(f.advanced, jobID)
	f.mu.Unlock()
	switch jobID {
	case "boom":
		panic("unexpected")
	case "err":
		return scanusecase.TickReport{}, errors.New("db down")
	}
	return scanusecase.TickReport{JobID: jobID, Claimed: 1}, nil
}

type fakeSyncer struct {
	mu     sync.Mutex
	synced []string
}

func (f *fakeSyncer) AdvanceSync(ctx context.Context, mailboxID string) (incrementalusecase.SyncReport, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.synced = append(f.synced, mailboxID)
	return incrementalusecase.SyncReport{MailboxID: mailboxID}, nil
}

type fakeMailboxes []*mailboxdomain.Mailbox

func (f fakeMailboxes) ListActive(ctx context.Context) ([]*mailboxdomain.Mailbox, error) {
	return f, nil
}

func TestDeepTickIsolatesFailingUnits(t *testing.T) {
	scans := &fakeScans{jobs: []*scandomain.ScanJob{{ID: "a"}, {ID: "boom"}, {ID: "err"}, {ID: "b"}}}
	s := NewScheduler(scans, &fakeSyncer{}, fakeMailboxes{}, Config{Concurrency: 2}, nil)

	require.NoError(t, s.RunDeepTick(context.Background()))
	assert.ElementsMatch(t, []string{"a", "boom", "err", "b"}, scans.advanced)
}

func TestSyncTickCoversActiveMailboxes(t *testing.T) {
	syncer := &fakeSyncer{}
	s := NewScheduler(&fakeScans{}, syncer, fakeMailboxes{{ID: "m1"}, {ID: "m2"}}, Config{}, nil)

	require.NoError(t, s.RunSyncTick(context.Background()))
	assert.ElementsMatch(t, []string{"m1", "m2"}, syncer.synced)
}

func TestStartRunsImmediatelyAndStops(t *testing.T) {
	scans := &fakeScans{jobs: []*scandomain.ScanJob{{ID: "a"}}}
	syncer := &fakeSyncer{}
	s := NewScheduler(scans, syncer, fakeMailboxes{{ID: "m1"}}, Config{DeepScanInterval: time.Hour, SyncInterval: time.Hour}, nil)

	s.Start()
	assert.Eventually(t, func() bool {
		scans.mu.Lock()
		defer scans.mu.Unlock()
		syncer.mu.Lock()
		defer syncer.mu.Unlock()
		return len(scans.advanced) == 1 && len(syncer.synced) == 1
	}, time.Second, 10*time.Millisecond)
	s.Stop()
	s.Stop()
}

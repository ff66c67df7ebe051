package usecase

import (
	"context"
	"testing"

	"mailscan-backend/internal/document/domain"
	"mailscan-backend/internal/document/repository"
	"mailscan-backend/internal/testutil"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
)

type mockObserver struct {
	mock.Mock
}

func (m *mockObserver) DocumentChanged(ctx context.Context, doc *domain.ExtractedDocument, outcome domain.UpsertOutcome) {
	m.Called(doc.MessageID, outcome)
}

func TestUpsertNotifiesOnlyOnChange(t *testing.T) {
	obs := &mockObserver{}
	obs.On("DocumentChanged", "m1", domain.OutcomeCreated).Once()

	uc := NewDocumentUsecase(repository.NewDocumentRepository(testutil.NewDB(t)), nil, obs)
	ctx := context.Background()
	cand := &domain.CandidateDocument{MessageID: "m1"}
	ext := &domain.Extraction{Vendor: "Acme", Source: domain.SourceRegex, Confidence: 0.8}

	_, outcome, err := uc.Upsert(ctx, "mb-1", cand, ext)
	require.NoError(t, err)
	assert.Equal(t, domain.OutcomeCreated, outcome)

	_, outcome, err = uc.Upsert(ctx, "mb-1", cand, ext)
	require.NoError(t, err)
	assert.Equal(t, domain.OutcomeUnchanged, outcome)

	obs.AssertExpectations(t)
}

func TestEditAndDelete(t *testing.T) {
	obs := &mockObserver{}
	obs.On("DocumentChanged", mock.Anything, mock.Anything)

	uc := NewDocumentUsecase(repository.NewDocumentRepository(testutil.NewDB(t)), nil, obs)
	ctx := context.Background()

	doc, _, err := uc.Upsert(ctx, "mb-1", &domain.CandidateDocument{MessageID: "m1"}, &domain.Extraction{Vendor: "Acme", Source: domain.SourceRegex})
	require.NoError(t, err)

	category := "travel"
	edited, err := uc.Edit(ctx, doc.ID, repository.ManualFields{Category: &category})
	require.NoError(t, err)
	assert.Equal(t, domain.StatusEdited, edited.Status)
	assert.Equal(t, "travel", edited.Category)
	assert.Equal(t, "Acme", edited.Vendor)

	require.NoError(t, uc.Delete(ctx, doc.ID))
	got, err := uc.Get(ctx, doc.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.StatusDeleted, got.Status)

	_, err = uc.Edit(ctx, "missing", repository.ManualFields{})
	assert.ErrorIs(t, err, ErrDocumentNotFound)
	assert.ErrorIs(t, uc.Delete(ctx, "missing"), ErrDocumentNotFound)

	obs.AssertNumberOfCalls(t, "DocumentChanged", 3)
}

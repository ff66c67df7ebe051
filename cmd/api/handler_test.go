package api

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	documentrepo "mailscan-backend/internal/document/repository"
	documentusecase "mailscan-backend/internal/document/usecase"
	"mailscan-backend/internal/extraction"
	incrementalusecase "mailscan-backend/internal/incremental/usecase"
	mailboxdomain "mailscan-backend/internal/mailbox/domain"
	mailboxrepo "mailscan-backend/internal/mailbox/repository"
	mailboxusecase "mailscan-backend/internal/mailbox/usecase"
	scanrepo "mailscan-backend/internal/scan/repository"
	scanusecase "mailscan-backend/internal/scan/usecase"
	"mailscan-backend/internal/scheduler"
	"mailscan-backend/internal/testutil"
	"mailscan-backend/pkg/ai"
	"mailscan-backend/pkg/config"

	"github.com/gin-gonic/gin"
	"github.com/golang-jwt/jwt/v5"
	"github.com/stretchr/testify/suite"
)

const (
	testSecret = "test-secret"
	testHook   = "hook-token"
)

type HandlerSuite struct {
	suite.Suite

	ctx       context.Context
	engine    *gin.Engine
	clock     *testutil.Clock
	source    *testutil.FakeSource
	mailboxes *mailboxusecase.MailboxUsecase
	documents *documentusecase.DocumentUsecase
	tokens    mailboxrepo.DeviceTokenRepository
	mailbox   *mailboxdomain.Mailbox
}

func TestHandlerSuite(t *testing.T) {
	gin.SetMode(gin.TestMode)
	suite.Run(t, new(HandlerSuite))
}

func (s *HandlerSuite) SetupTest() {
	s.ctx = context.Background()
	db := testutil.NewDB(s.T())
	s.clock = testutil.NewClock(time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC))
	s.source = testutil.NewFakeSource()
	factory := &testutil.StaticFactory{Source: s.source}

	repo := mailboxrepo.NewMailboxRepository(db)
	s.mailboxes = mailboxusecase.NewMailboxUsecase(repo, nil, nil)
	s.documents = documentusecase.NewDocumentUsecase(documentrepo.NewDocumentRepository(db), nil)
	s.tokens = mailboxrepo.NewDeviceTokenRepository(db)

	regex := extraction.NewRegexStage(extraction.DefaultVendors, 0)
	aiStage := extraction.NewAIStage(ai.NewExtractor(testutil.AnswerAlways(testutil.InvoiceJSON("Acme", 42, "USD", "2024-11-01", "software", 0.9)), time.Second))
	queue := scanrepo.NewChunkQueue(db)
	candidates := documentrepo.NewCandidateRepository(db)
	processor := scanusecase.NewChunkProcessor(queue, candidates, s.documents, regex, aiStage, scanusecase.ProcessorConfig{}, nil)
	scans := scanusecase.NewScanUsecase(scanrepo.NewJobRepository(db), queue, s.mailboxes, factory, processor, scanusecase.Config{
		TickBudget: time.Hour,
		ClaimBatch: 100,
	}, nil)
	scans.SetClock(s.clock.Now)

	syncer := incrementalusecase.NewSyncUsecase(s.mailboxes, repo, factory, extraction.NewPipeline(regex, aiStage), candidates, s.documents,
		incrementalusecase.Config{TickBudget: time.Hour}, nil)
	syncer.SetClock(s.clock.Now)

	ticks := scheduler.NewScheduler(scans, syncer, s.mailboxes, scheduler.Config{}, nil)
	cfg := &config.Config{JWTSecret: testSecret, SchedulerToken: testHook}
	s.engine = NewHandler(s.mailboxes, scans, syncer, s.documents, s.tokens, ticks, cfg, nil).Engine()

	mb, err := s.mailboxes.Register(s.ctx, "biz-1", mailboxdomain.ProviderIMAP, "ops@example.com", &mailboxdomain.Credential{IMAPUsername: "ops"})
	s.Require().NoError(err)
	s.mailbox = mb
	s.source.AddMessage(testutil.Invoice("inv-1", "Acme", "$42.00", s.clock.Now().AddDate(0, -2, 0)))
}

func token(businessID string) string {
	t := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.MapClaims{
		"business_id": businessID,
		"exp":         time.Now().Add(time.Hour).Unix(),
	})
	signed, _ := t.SignedString([]byte(testSecret))
	return signed
}

func (s *HandlerSuite) do(method, path, businessID string, body interface{}) *httptest.ResponseRecorder {
	var buf bytes.Buffer
	if body != nil {
		s.Require().NoError(json.NewEncoder(&buf).Encode(body))
	}
	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("Content-Type", "application/json")
	if businessID != "" {
		req.Header.Set("Authorization", "Bearer "+token(businessID))
	}
	w := httptest.NewRecorder()
	s.engine.ServeHTTP(w, req)
	return w
}

func (s *HandlerSuite) hook(path, tok string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(http.MethodPost, path, nil)
	if tok != "" {
		req.Header.Set("X-Scheduler-Token", tok)
	}
	w := httptest.NewRecorder()
	s.engine.ServeHTTP(w, req)
	return w
}

func decode[T any](s *HandlerSuite, w *httptest.ResponseRecorder) T {
	var v T
	s.Require().NoError(json.Unmarshal(w.Body.Bytes(), &v))
	return v
}

func (s *HandlerSuite) startScan() string {
	w := s.do(http.MethodPost, "/api/scans", "biz-1", gin.H{"mailbox_id": s.mailbox.ID})
	s.Require().Equal(http.StatusAccepted, w.Code, w.Body.String())
	return decode[map[string]interface{}](s, w)["id"].(string)
}

func (s *HandlerSuite) TestHealthIsPublic() {
	w := s.do(http.MethodGet, "/api/health", "", nil)
	s.Equal(http.StatusOK, w.Code)
}

func (s *HandlerSuite) TestRequiresBearerToken() {
	w := s.do(http.MethodGet, "/api/scans/x", "", nil)
	s.Equal(http.StatusUnauthorized, w.Code)

	req := httptest.NewRequest(http.MethodGet, "/api/scans/x", nil)
	req.Header.Set("Authorization", "Bearer not-a-jwt")
	w = httptest.NewRecorder()
	s.engine.ServeHTTP(w, req)
	s.Equal(http.StatusUnauthorized, w.Code)
}

func (s *HandlerSuite) TestRegisterMailbox() {
	w := s.do(http.MethodPost, "/api/mailboxes", "biz-1", gin.H{
		"provider":    "imap",
		"account":     "billing@example.com",
		"credentials": gin.H{"imap_username": "billing", "imap_password": "secret"},
	})
	s.Require().Equal(http.StatusCreated, w.Code, w.Body.String())
	mb := decode[map[string]interface{}](s, w)
	s.Equal("biz-1", mb["business_id"])
	s.NotContains(w.Body.String(), "secret")

	w = s.do(http.MethodPost, "/api/mailboxes", "biz-1", gin.H{"provider": "pop3", "account": "a@example.com"})
	s.Equal(http.StatusBadRequest, w.Code)
}

func (s *HandlerSuite) TestScanLifecycle() {
	id := s.startScan()

	// Starting again returns the same active job.
	s.Equal(id, s.startScan())

	w := s.do(http.MethodGet, "/api/scans/"+id, "biz-1", nil)
	s.Require().Equal(http.StatusOK, w.Code)
	progress := decode[scanusecase.JobProgress](s, w)
	s.Equal(37, progress.ChunksTotal)

	w = s.do(http.MethodPost, "/api/scans/"+id+"/pause", "biz-1", nil)
	s.Equal(http.StatusOK, w.Code)
	w = s.do(http.MethodPost, "/api/scans/"+id+"/resume", "biz-1", nil)
	s.Equal(http.StatusOK, w.Code)

	w = s.do(http.MethodPost, "/api/scans/"+id+"/retry", "biz-1", nil)
	s.Equal(http.StatusConflict, w.Code)

	w = s.do(http.MethodPost, "/api/scans/"+id+"/cancel", "biz-1", nil)
	s.Require().Equal(http.StatusOK, w.Code)
	s.Equal("cancelled", decode[map[string]interface{}](s, w)["status"])

	w = s.do(http.MethodGet, "/api/mailboxes/"+s.mailbox.ID+"/scans", "biz-1", nil)
	s.Require().Equal(http.StatusOK, w.Code)
	s.Len(decode[map[string][]interface{}](s, w)["jobs"], 1)
}

func (s *HandlerSuite) TestOtherBusinessCannotSeeJob() {
	id := s.startScan()

	w := s.do(http.MethodGet, "/api/scans/"+id, "biz-2", nil)
	s.Equal(http.StatusNotFound, w.Code)
	w = s.do(http.MethodPost, "/api/scans/"+id+"/cancel", "biz-2", nil)
	s.Equal(http.StatusNotFound, w.Code)
	w = s.do(http.MethodPost, "/api/scans", "biz-2", gin.H{"mailbox_id": s.mailbox.ID})
	s.Equal(http.StatusNotFound, w.Code)
}

func (s *HandlerSuite) TestHooksDriveScanAndDocuments() {
	id := s.startScan()

	s.Equal(http.StatusUnauthorized, s.hook("/api/hooks/scans/"+id+"/advance", "wrong").Code)

	w := s.hook("/api/hooks/scans/"+id+"/advance", testHook)
	s.Require().Equal(http.StatusOK, w.Code, w.Body.String())
	report := decode[scanusecase.TickReport](s, w)
	s.Equal("completed", string(report.Status))
	s.Equal(1, report.DocumentsFound)

	w = s.do(http.MethodGet, "/api/mailboxes/"+s.mailbox.ID+"/documents", "biz-1", nil)
	s.Require().Equal(http.StatusOK, w.Code)
	var list struct {
		Documents []map[string]interface{} `json:"documents"`
		Total     int64                    `json:"total"`
	}
	s.Require().NoError(json.Unmarshal(w.Body.Bytes(), &list))
	s.Require().EqualValues(1, list.Total)
	docID := list.Documents[0]["id"].(string)

	w = s.do(http.MethodPatch, "/api/documents/"+docID, "biz-1", gin.H{"vendor": "Acme Corp", "document_date": "2024-10-30"})
	s.Require().Equal(http.StatusOK, w.Code, w.Body.String())
	s.Equal("edited", decode[map[string]interface{}](s, w)["status"])

	w = s.do(http.MethodPatch, "/api/documents/"+docID, "biz-1", gin.H{"currency": "usd"})
	s.Equal(http.StatusBadRequest, w.Code)

	w = s.do(http.MethodDelete, "/api/documents/"+docID, "biz-2", nil)
	s.Equal(http.StatusNotFound, w.Code)
	w = s.do(http.MethodDelete, "/api/documents/"+docID, "biz-1", nil)
	s.Equal(http.StatusNoContent, w.Code)
}

func (s *HandlerSuite) TestSyncHook() {
	w := s.hook("/api/hooks/mailboxes/"+s.mailbox.ID+"/sync", testHook)
	s.Require().Equal(http.StatusOK, w.Code, w.Body.String())
	s.True(decode[incrementalusecase.SyncReport](s, w).Fallback)

	w = s.hook("/api/hooks/mailboxes/missing/sync", testHook)
	s.Equal(http.StatusNotFound, w.Code)

	s.Equal(http.StatusOK, s.hook("/api/hooks/tick/sync", testHook).Code)
	s.Equal(http.StatusOK, s.hook("/api/hooks/tick/deep", testHook).Code)
}

func (s *HandlerSuite) TestRegisterDeviceToken() {
	w := s.do(http.MethodPost, "/api/fcm/register", "biz-1", gin.H{"token": "device-1", "device_info": "pixel"})
	s.Require().Equal(http.StatusOK, w.Code)

	tokens, err := s.tokens.GetTokensByBusinessID(s.ctx, "biz-1")
	s.Require().NoError(err)
	s.Require().Len(tokens, 1)
	s.Equal("device-1", tokens[0].Token)

	w = s.do(http.MethodPost, "/api/fcm/register", "biz-1", gin.H{})
	s.Equal(http.StatusBadRequest, w.Code)
}

func (s *HandlerSuite) TestAISettings() {
	InitAISettings("ollama", "http://localhost:11434/", "llama3")
	w := s.do(http.MethodGet, "/api/settings/ai", "biz-1", nil)
	s.Require().Equal(http.StatusOK, w.Code)
	s.Equal("http://localhost:11434", decode[AISettings](s, w).OllamaBaseURL)

	w = s.do(http.MethodPut, "/api/settings/ai", "biz-1", gin.H{"ollama_base_url": "http://ollama:11434"})
	s.Require().Equal(http.StatusOK, w.Code)
	s.Equal("http://ollama:11434", RuntimeOllamaBaseURL())
	s.Equal("llama3", RuntimeOllamaModel())

	w = s.do(http.MethodPut, "/api/settings/ai", "biz-1", gin.H{"ollama_base_url": "not a url"})
	s.Equal(http.StatusBadRequest, w.Code)
}

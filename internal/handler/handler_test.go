package handler

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"go.uber.org/zap"

	"github.com/edumaster/ditar-service/internal/generation"
	"github.com/edumaster/ditar-service/internal/middleware"
	"github.com/edumaster/ditar-service/internal/model"
	"github.com/edumaster/ditar-service/internal/payment"
	"github.com/edumaster/ditar-service/internal/repository"
	"github.com/edumaster/ditar-service/internal/service"
)

const testWebhookSecret = "whsec_test"

type stubService struct {
	registerAcct *model.Account
	registerErr  error

	account    *model.Account
	accountErr error

	operations []model.LedgerOperation

	downloadErr error

	generateResult *service.GenerateResult
	generateErr    error

	confirmResult  *model.OperationResult
	confirmErr     error
	confirmedID    string
	confirmedAcct  string
	confirmedTimes int

	checkoutURL string
	checkoutErr error
}

func (s *stubService) RegisterAccount(ctx context.Context, accountID string) (*model.Account, error) {
	return s.registerAcct, s.registerErr
}

func (s *stubService) GetAccount(ctx context.Context, accountID string) (*model.Account, error) {
	return s.account, s.accountErr
}

func (s *stubService) GetOperations(ctx context.Context, accountID string) ([]model.LedgerOperation, error) {
	return s.operations, nil
}

func (s *stubService) RecordDownload(ctx context.Context, accountID string) error {
	return s.downloadErr
}

func (s *stubService) Generate(ctx context.Context, accountID, requestID string, req generation.Request) (*service.GenerateResult, error) {
	return s.generateResult, s.generateErr
}

func (s *stubService) ConfirmPurchase(ctx context.Context, sessionID, accountID string, credits int64) (*model.OperationResult, error) {
	s.confirmedID = sessionID
	s.confirmedAcct = accountID
	s.confirmedTimes++
	return s.confirmResult, s.confirmErr
}

func (s *stubService) CreateCheckout(ctx context.Context, accountID string, packageSize int64) (string, error) {
	return s.checkoutURL, s.checkoutErr
}

func newTestHandler(t *testing.T, svc Service) *Handler {
	t.Helper()

	logger, err := zap.NewDevelopment()
	if err != nil {
		t.Fatalf("new logger: %v", err)
	}

	auth := middleware.NewAuthMiddleware("test-secret")

	return NewHandler(svc, logger, auth, testWebhookSecret)
}

func authedRequest(t *testing.T, h *Handler, method, target string, body []byte) *http.Request {
	t.Helper()

	token, err := h.authMiddleware.IssueToken("u1", time.Hour)
	if err != nil {
		t.Fatalf("issue token: %v", err)
	}

	req := httptest.NewRequest(method, target, bytes.NewReader(body))
	req.Header.Set("Authorization", "Bearer "+token)
	return req
}

func serveAuthed(h *Handler, fn http.HandlerFunc, req *http.Request) *httptest.ResponseRecorder {
	rec := httptest.NewRecorder()
	h.authMiddleware.Middleware(fn).ServeHTTP(rec, req)
	return rec
}

func TestGenerate_Success(t *testing.T) {
	svc := &stubService{
		generateResult: &service.GenerateResult{Content: "<table>ditar</table>", Balance: 4},
	}
	h := newTestHandler(t, svc)

	body, _ := json.Marshal(generateRequest{
		RequestID: "7b1c1cbe-2f9a-4f05-9c65-3f6f9a2e4d11",
		Prompt:    "tema: matematika",
	})

	req := authedRequest(t, h, http.MethodPost, "/api/generate", body)
	rec := serveAuthed(h, h.Generate, req)

	res := rec.Result()
	defer res.Body.Close()

	if res.StatusCode != http.StatusOK {
		t.Fatalf("status = %d, want %d", res.StatusCode, http.StatusOK)
	}

	var resp generateResponse
	if err := json.NewDecoder(res.Body).Decode(&resp); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	if resp.Content != "<table>ditar</table>" || resp.Balance != 4 {
		t.Fatalf("unexpected response: %+v", resp)
	}
}

func TestGenerate_InvalidRequestID(t *testing.T) {
	h := newTestHandler(t, &stubService{})

	body, _ := json.Marshal(generateRequest{
		RequestID: "not-a-uuid",
		Prompt:    "tema",
	})

	req := authedRequest(t, h, http.MethodPost, "/api/generate", body)
	rec := serveAuthed(h, h.Generate, req)

	if rec.Code != http.StatusUnprocessableEntity {
		t.Fatalf("status = %d, want %d", rec.Code, http.StatusUnprocessableEntity)
	}
}

func TestGenerate_InsufficientCredits(t *testing.T) {
	svc := &stubService{
		generateErr: &service.InsufficientCreditsError{Available: 0, Required: 1},
	}
	h := newTestHandler(t, svc)

	body, _ := json.Marshal(generateRequest{
		RequestID: "7b1c1cbe-2f9a-4f05-9c65-3f6f9a2e4d11",
		Prompt:    "tema",
	})

	req := authedRequest(t, h, http.MethodPost, "/api/generate", body)
	rec := serveAuthed(h, h.Generate, req)

	res := rec.Result()
	defer res.Body.Close()

	if res.StatusCode != http.StatusPaymentRequired {
		t.Fatalf("status = %d, want %d", res.StatusCode, http.StatusPaymentRequired)
	}

	var resp insufficientResponse
	if err := json.NewDecoder(res.Body).Decode(&resp); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	if resp.Available != 0 || resp.Required != 1 {
		t.Fatalf("unexpected response: %+v", resp)
	}
}

func TestGenerate_ProviderFailure(t *testing.T) {
	svc := &stubService{
		generateErr: generation.ErrProviderFailed,
	}
	h := newTestHandler(t, svc)

	body, _ := json.Marshal(generateRequest{
		RequestID: "7b1c1cbe-2f9a-4f05-9c65-3f6f9a2e4d11",
		Prompt:    "tema",
	})

	req := authedRequest(t, h, http.MethodPost, "/api/generate", body)
	rec := serveAuthed(h, h.Generate, req)

	if rec.Code != http.StatusBadGateway {
		t.Fatalf("status = %d, want %d", rec.Code, http.StatusBadGateway)
	}
}

func TestGenerate_Unauthorized(t *testing.T) {
	h := newTestHandler(t, &stubService{})

	req := httptest.NewRequest(http.MethodPost, "/api/generate", bytes.NewReader(nil))
	rec := serveAuthed(h, h.Generate, req)

	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("status = %d, want %d", rec.Code, http.StatusUnauthorized)
	}
}

func TestGetBalance_OK(t *testing.T) {
	svc := &stubService{
		account: &model.Account{ID: "u1", Balance: 5, TotalGenerated: 2, TotalDownloads: 1, CreatedAt: time.Now()},
	}
	h := newTestHandler(t, svc)

	req := authedRequest(t, h, http.MethodGet, "/api/user/balance", nil)
	rec := serveAuthed(h, h.GetBalance, req)

	res := rec.Result()
	defer res.Body.Close()

	if res.StatusCode != http.StatusOK {
		t.Fatalf("status = %d, want %d", res.StatusCode, http.StatusOK)
	}
	if ct := res.Header.Get("Content-Type"); ct != "application/json" {
		t.Fatalf("content-type = %q, want application/json", ct)
	}

	var resp accountResponse
	if err := json.NewDecoder(res.Body).Decode(&resp); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	if resp.Balance != 5 || resp.TotalGenerated != 2 || resp.TotalDownloads != 1 {
		t.Fatalf("unexpected response: %+v", resp)
	}
}

func TestGetBalance_AccountNotFound(t *testing.T) {
	svc := &stubService{accountErr: repository.ErrAccountNotFound}
	h := newTestHandler(t, svc)

	req := authedRequest(t, h, http.MethodGet, "/api/user/balance", nil)
	rec := serveAuthed(h, h.GetBalance, req)

	if rec.Code != http.StatusNotFound {
		t.Fatalf("status = %d, want %d", rec.Code, http.StatusNotFound)
	}
}

func TestGetOperations_NoContent(t *testing.T) {
	h := newTestHandler(t, &stubService{})

	req := authedRequest(t, h, http.MethodGet, "/api/user/operations", nil)
	rec := serveAuthed(h, h.GetOperations, req)

	if rec.Code != http.StatusNoContent {
		t.Fatalf("status = %d, want %d", rec.Code, http.StatusNoContent)
	}
}

func TestRegister_ReturnsProfile(t *testing.T) {
	svc := &stubService{
		registerAcct: &model.Account{ID: "u1", Balance: model.FreeCredits, CreatedAt: time.Now()},
	}
	h := newTestHandler(t, svc)

	req := authedRequest(t, h, http.MethodPost, "/api/user/register", nil)
	rec := serveAuthed(h, h.Register, req)

	res := rec.Result()
	defer res.Body.Close()

	if res.StatusCode != http.StatusOK {
		t.Fatalf("status = %d, want %d", res.StatusCode, http.StatusOK)
	}

	var resp accountResponse
	if err := json.NewDecoder(res.Body).Decode(&resp); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	if resp.Balance != model.FreeCredits {
		t.Fatalf("balance = %d, want %d", resp.Balance, model.FreeCredits)
	}
}

func signedWebhookRequest(t *testing.T, payload []byte) *http.Request {
	t.Helper()

	req := httptest.NewRequest(http.MethodPost, "/webhook", bytes.NewReader(payload))
	req.Header.Set("Stripe-Signature", payment.SignPayload(payload, testWebhookSecret, time.Now()))
	return req
}

func TestPaymentWebhook_AppliesCredit(t *testing.T) {
	svc := &stubService{
		confirmResult: &model.OperationResult{Outcome: model.OutcomeApplied, NewBalance: 20},
	}
	h := newTestHandler(t, svc)

	payload := []byte(`{"type":"checkout.session.completed","data":{"object":{"id":"cs_1","metadata":{"account_id":"u1","credits":"20"}}}}`)

	rec := httptest.NewRecorder()
	h.PaymentWebhook(rec, signedWebhookRequest(t, payload))

	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want %d", rec.Code, http.StatusOK)
	}
	if svc.confirmedID != "cs_1" || svc.confirmedAcct != "u1" {
		t.Fatalf("confirmed session = %q account = %q", svc.confirmedID, svc.confirmedAcct)
	}
}

func TestPaymentWebhook_InvalidSignature(t *testing.T) {
	svc := &stubService{}
	h := newTestHandler(t, svc)

	payload := []byte(`{"type":"checkout.session.completed","data":{"object":{"id":"cs_1","metadata":{"account_id":"u1","credits":"20"}}}}`)

	req := httptest.NewRequest(http.MethodPost, "/webhook", bytes.NewReader(payload))
	req.Header.Set("Stripe-Signature", payment.SignPayload(payload, "wrong-secret", time.Now()))

	rec := httptest.NewRecorder()
	h.PaymentWebhook(rec, req)

	if rec.Code != http.StatusBadRequest {
		t.Fatalf("status = %d, want %d", rec.Code, http.StatusBadRequest)
	}
	if svc.confirmedTimes != 0 {
		t.Fatalf("credit must never be applied from an unverified event")
	}
}

func TestPaymentWebhook_UnconfiguredSecretRejectsAll(t *testing.T) {
	svc := &stubService{
		confirmResult: &model.OperationResult{Outcome: model.OutcomeApplied, NewBalance: 20},
	}

	logger, err := zap.NewDevelopment()
	if err != nil {
		t.Fatalf("new logger: %v", err)
	}
	h := NewHandler(svc, logger, middleware.NewAuthMiddleware("test-secret"), "")

	payload := []byte(`{"type":"checkout.session.completed","data":{"object":{"id":"cs_1","metadata":{"account_id":"attacker","credits":"50"}}}}`)

	req := httptest.NewRequest(http.MethodPost, "/webhook", bytes.NewReader(payload))
	req.Header.Set("Stripe-Signature", payment.SignPayload(payload, "", time.Now()))

	rec := httptest.NewRecorder()
	h.PaymentWebhook(rec, req)

	if rec.Code != http.StatusInternalServerError {
		t.Fatalf("status = %d, want %d", rec.Code, http.StatusInternalServerError)
	}
	if svc.confirmedTimes != 0 {
		t.Fatalf("event must never be processed without a configured secret")
	}
}

func TestPaymentWebhook_DuplicateDeliveryAcknowledged(t *testing.T) {
	svc := &stubService{
		confirmResult: &model.OperationResult{Outcome: model.OutcomeApplied, NewBalance: 20, Replayed: true},
	}
	h := newTestHandler(t, svc)

	payload := []byte(`{"type":"checkout.session.completed","data":{"object":{"id":"cs_1","metadata":{"account_id":"u1","credits":"20"}}}}`)

	rec := httptest.NewRecorder()
	h.PaymentWebhook(rec, signedWebhookRequest(t, payload))

	if rec.Code != http.StatusOK {
		t.Fatalf("duplicate delivery must be acknowledged with 200, got %d", rec.Code)
	}
}

func TestPaymentWebhook_IgnoresOtherEventTypes(t *testing.T) {
	svc := &stubService{}
	h := newTestHandler(t, svc)

	payload := []byte(`{"type":"payment_intent.created","data":{"object":{"id":"pi_1"}}}`)

	rec := httptest.NewRecorder()
	h.PaymentWebhook(rec, signedWebhookRequest(t, payload))

	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want %d", rec.Code, http.StatusOK)
	}
	if svc.confirmedTimes != 0 {
		t.Fatalf("other event types must not trigger credits")
	}
}

func TestCreateCheckout_OK(t *testing.T) {
	svc := &stubService{checkoutURL: "https://checkout.example/cs_1"}
	h := newTestHandler(t, svc)

	body, _ := json.Marshal(checkoutRequest{PackageSize: 10})

	req := authedRequest(t, h, http.MethodPost, "/api/checkout-session", body)
	rec := serveAuthed(h, h.CreateCheckout, req)

	res := rec.Result()
	defer res.Body.Close()

	if res.StatusCode != http.StatusOK {
		t.Fatalf("status = %d, want %d", res.StatusCode, http.StatusOK)
	}

	var resp checkoutResponse
	if err := json.NewDecoder(res.Body).Decode(&resp); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	if resp.URL != "https://checkout.example/cs_1" {
		t.Fatalf("url = %q", resp.URL)
	}
}

func TestCreateCheckout_InvalidPackage(t *testing.T) {
	svc := &stubService{checkoutErr: service.ErrInvalidPackage}
	h := newTestHandler(t, svc)

	body, _ := json.Marshal(checkoutRequest{PackageSize: 15})

	req := authedRequest(t, h, http.MethodPost, "/api/checkout-session", body)
	rec := serveAuthed(h, h.CreateCheckout, req)

	if rec.Code != http.StatusBadRequest {
		t.Fatalf("status = %d, want %d", rec.Code, http.StatusBadRequest)
	}
}

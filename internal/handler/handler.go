// Package handler содержит HTTP-обработчики API сервиса генерации ditar-ов.
package handler

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"time"

	"go.uber.org/zap"

	"github.com/edumaster/ditar-service/internal/generation"
	"github.com/edumaster/ditar-service/internal/middleware"
	"github.com/edumaster/ditar-service/internal/model"
	"github.com/edumaster/ditar-service/internal/payment"
	"github.com/edumaster/ditar-service/internal/repository"
	"github.com/edumaster/ditar-service/internal/service"
	"github.com/edumaster/ditar-service/internal/validation"
)

// maxWebhookBody ограничивает размер тела события вебхука.
const maxWebhookBody = 1 << 20

// Service определяет контракт бизнес-логики, используемой HTTP-обработчиками.
type Service interface {
	RegisterAccount(ctx context.Context, accountID string) (*model.Account, error)
	GetAccount(ctx context.Context, accountID string) (*model.Account, error)
	GetOperations(ctx context.Context, accountID string) ([]model.LedgerOperation, error)
	RecordDownload(ctx context.Context, accountID string) error
	Generate(ctx context.Context, accountID, requestID string, req generation.Request) (*service.GenerateResult, error)
	ConfirmPurchase(ctx context.Context, sessionID, accountID string, credits int64) (*model.OperationResult, error)
	CreateCheckout(ctx context.Context, accountID string, packageSize int64) (string, error)
}

// Handler реализует HTTP-обработчики API сервиса генерации ditar-ов.
type Handler struct {
	service        Service
	logger         *zap.Logger
	authMiddleware *middleware.AuthMiddleware
	webhookSecret  string
}

// NewHandler создаёт новый экземпляр обработчика HTTP-запросов.
func NewHandler(s Service, logger *zap.Logger, auth *middleware.AuthMiddleware, webhookSecret string) *Handler {
	return &Handler{
		service:        s,
		logger:         logger,
		authMiddleware: auth,
		webhookSecret:  webhookSecret,
	}
}

type accountResponse struct {
	Balance        int64  `json:"balance"`
	TotalGenerated int64  `json:"total_generated"`
	TotalDownloads int64  `json:"total_downloads"`
	CreatedAt      string `json:"created_at"`
}

func writeJSON(w http.ResponseWriter, v any) {
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(v); err != nil {
		http.Error(w, http.StatusText(http.StatusInternalServerError), http.StatusInternalServerError)
	}
}

func newAccountResponse(a *model.Account) accountResponse {
	return accountResponse{
		Balance:        a.Balance,
		TotalGenerated: a.TotalGenerated,
		TotalDownloads: a.TotalDownloads,
		CreatedAt:      a.CreatedAt.Format(time.RFC3339),
	}
}

// Register создаёт учётную запись текущего субъекта со стартовыми кредитами.
// Повторный вызов идемпотентен и возвращает существующую запись.
func (h *Handler) Register(w http.ResponseWriter, r *http.Request) {
	accountID, ok := middleware.GetAccountIDFromContext(r.Context())
	if !ok {
		http.Error(w, http.StatusText(http.StatusUnauthorized), http.StatusUnauthorized)
		return
	}

	acct, err := h.service.RegisterAccount(r.Context(), accountID)
	if err != nil {
		h.logger.Error("register account error", zap.Error(err), zap.String("accountID", accountID))
		http.Error(w, http.StatusText(http.StatusInternalServerError), http.StatusInternalServerError)
		return
	}

	writeJSON(w, newAccountResponse(acct))
}

// GetBalance возвращает баланс и счётчики текущей учётной записи.
func (h *Handler) GetBalance(w http.ResponseWriter, r *http.Request) {
	accountID, ok := middleware.GetAccountIDFromContext(r.Context())
	if !ok {
		http.Error(w, http.StatusText(http.StatusUnauthorized), http.StatusUnauthorized)
		return
	}

	acct, err := h.service.GetAccount(r.Context(), accountID)
	if err != nil {
		if errors.Is(err, repository.ErrAccountNotFound) {
			http.Error(w, http.StatusText(http.StatusNotFound), http.StatusNotFound)
			return
		}
		h.logger.Error("get balance error", zap.Error(err), zap.String("accountID", accountID))
		http.Error(w, http.StatusText(http.StatusInternalServerError), http.StatusInternalServerError)
		return
	}

	writeJSON(w, newAccountResponse(acct))
}

type operationResponse struct {
	Key       string `json:"key"`
	Delta     int64  `json:"delta"`
	Kind      string `json:"kind"`
	Outcome   string `json:"outcome"`
	AppliedAt string `json:"applied_at"`
}

// GetOperations возвращает журнал операций текущей учётной записи.
func (h *Handler) GetOperations(w http.ResponseWriter, r *http.Request) {
	accountID, ok := middleware.GetAccountIDFromContext(r.Context())
	if !ok {
		http.Error(w, http.StatusText(http.StatusUnauthorized), http.StatusUnauthorized)
		return
	}

	ops, err := h.service.GetOperations(r.Context(), accountID)
	if err != nil {
		h.logger.Error("get operations error", zap.Error(err), zap.String("accountID", accountID))
		http.Error(w, http.StatusText(http.StatusInternalServerError), http.StatusInternalServerError)
		return
	}

	if len(ops) == 0 {
		w.WriteHeader(http.StatusNoContent)
		return
	}

	resp := make([]operationResponse, 0, len(ops))
	for _, op := range ops {
		resp = append(resp, operationResponse{
			Key:       op.IdempotencyKey,
			Delta:     op.Delta,
			Kind:      string(op.Kind),
			Outcome:   string(op.Outcome),
			AppliedAt: op.AppliedAt.Format(time.RFC3339),
		})
	}

	writeJSON(w, resp)
}

// RecordDownload увеличивает счётчик скачиваний текущей учётной записи.
func (h *Handler) RecordDownload(w http.ResponseWriter, r *http.Request) {
	accountID, ok := middleware.GetAccountIDFromContext(r.Context())
	if !ok {
		http.Error(w, http.StatusText(http.StatusUnauthorized), http.StatusUnauthorized)
		return
	}

	if err := h.service.RecordDownload(r.Context(), accountID); err != nil {
		if errors.Is(err, repository.ErrAccountNotFound) {
			http.Error(w, http.StatusText(http.StatusNotFound), http.StatusNotFound)
			return
		}
		h.logger.Error("record download error", zap.Error(err), zap.String("accountID", accountID))
		http.Error(w, http.StatusText(http.StatusInternalServerError), http.StatusInternalServerError)
		return
	}

	w.WriteHeader(http.StatusOK)
}

type generateRequest struct {
	RequestID string   `json:"request_id"`
	Prompt    string   `json:"prompt"`
	Photos    []string `json:"photos,omitempty"`
}

type generateResponse struct {
	Content string `json:"content"`
	Balance int64  `json:"balance"`
}

type insufficientResponse struct {
	Error     string `json:"error"`
	Available int64  `json:"available"`
	Required  int64  `json:"required"`
}

// Generate выполняет оплачиваемую генерацию ditar-а для текущей учётной записи.
func (h *Handler) Generate(w http.ResponseWriter, r *http.Request) {
	accountID, ok := middleware.GetAccountIDFromContext(r.Context())
	if !ok {
		http.Error(w, http.StatusText(http.StatusUnauthorized), http.StatusUnauthorized)
		return
	}

	var req generateRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, http.StatusText(http.StatusBadRequest), http.StatusBadRequest)
		return
	}

	if !validation.IsValidRequestID(req.RequestID) {
		http.Error(w, http.StatusText(http.StatusUnprocessableEntity), http.StatusUnprocessableEntity)
		return
	}

	if req.Prompt == "" {
		http.Error(w, http.StatusText(http.StatusBadRequest), http.StatusBadRequest)
		return
	}

	result, err := h.service.Generate(r.Context(), accountID, req.RequestID, generation.Request{
		Prompt: req.Prompt,
		Photos: req.Photos,
	})
	if err != nil {
		var insufficient *service.InsufficientCreditsError
		switch {
		case errors.As(err, &insufficient):
			w.Header().Set("Content-Type", "application/json")
			w.WriteHeader(http.StatusPaymentRequired)
			_ = json.NewEncoder(w).Encode(insufficientResponse{
				Error:     "insufficient credits",
				Available: insufficient.Available,
				Required:  insufficient.Required,
			})
		case errors.Is(err, repository.ErrAccountNotFound):
			http.Error(w, http.StatusText(http.StatusNotFound), http.StatusNotFound)
		case errors.Is(err, generation.ErrProviderFailed):
			h.logger.Error("generation provider error", zap.Error(err), zap.String("accountID", accountID))
			http.Error(w, "generation failed, retry with a new request id", http.StatusBadGateway)
		default:
			h.logger.Error("generate error", zap.Error(err), zap.String("accountID", accountID), zap.String("requestID", req.RequestID))
			http.Error(w, http.StatusText(http.StatusInternalServerError), http.StatusInternalServerError)
		}
		return
	}

	writeJSON(w, generateResponse{Content: result.Content, Balance: result.Balance})
}

type checkoutRequest struct {
	PackageSize int64 `json:"package_size"`
}

type checkoutResponse struct {
	URL string `json:"url"`
}

// CreateCheckout создаёт сессию оплаты пакета кредитов.
func (h *Handler) CreateCheckout(w http.ResponseWriter, r *http.Request) {
	accountID, ok := middleware.GetAccountIDFromContext(r.Context())
	if !ok {
		http.Error(w, http.StatusText(http.StatusUnauthorized), http.StatusUnauthorized)
		return
	}

	var req checkoutRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, http.StatusText(http.StatusBadRequest), http.StatusBadRequest)
		return
	}

	url, err := h.service.CreateCheckout(r.Context(), accountID, req.PackageSize)
	if err != nil {
		switch {
		case errors.Is(err, service.ErrInvalidPackage):
			http.Error(w, http.StatusText(http.StatusBadRequest), http.StatusBadRequest)
		case errors.Is(err, repository.ErrAccountNotFound):
			http.Error(w, http.StatusText(http.StatusNotFound), http.StatusNotFound)
		default:
			h.logger.Error("create checkout error", zap.Error(err), zap.String("accountID", accountID))
			http.Error(w, http.StatusText(http.StatusInternalServerError), http.StatusInternalServerError)
		}
		return
	}

	writeJSON(w, checkoutResponse{URL: url})
}

// PaymentWebhook обрабатывает подписанные события платёжного провайдера.
// Событие с неверной подписью отклоняется без обработки. Повторная доставка
// уже зачисленной сессии подтверждается статусом 200, чтобы провайдер
// прекратил повторы, но кредиты повторно не начисляются.
func (h *Handler) PaymentWebhook(w http.ResponseWriter, r *http.Request) {
	// Без настроенного секрета подпись проверить нечем: HMAC на пустом ключе
	// может вычислить кто угодно, поэтому все события отклоняются.
	if h.webhookSecret == "" {
		h.logger.Error("webhook secret is not configured, event rejected")
		http.Error(w, http.StatusText(http.StatusInternalServerError), http.StatusInternalServerError)
		return
	}

	body, err := io.ReadAll(io.LimitReader(r.Body, maxWebhookBody))
	if err != nil {
		http.Error(w, http.StatusText(http.StatusBadRequest), http.StatusBadRequest)
		return
	}

	if err := payment.VerifySignature(body, r.Header.Get("Stripe-Signature"), h.webhookSecret); err != nil {
		h.logger.Warn("webhook signature verification failed")
		http.Error(w, http.StatusText(http.StatusBadRequest), http.StatusBadRequest)
		return
	}

	session, err := payment.ParseCompletedSession(body)
	if err != nil {
		h.logger.Error("webhook event parse error", zap.Error(err))
		http.Error(w, http.StatusText(http.StatusBadRequest), http.StatusBadRequest)
		return
	}

	// Событие другого типа: подтверждаем доставку и ничего не делаем.
	if session == nil {
		w.WriteHeader(http.StatusOK)
		return
	}

	res, err := h.service.ConfirmPurchase(r.Context(), session.SessionID, session.AccountID, session.Credits)
	if err != nil {
		h.logger.Error("confirm purchase error", zap.Error(err), zap.String("sessionID", session.SessionID))
		http.Error(w, http.StatusText(http.StatusInternalServerError), http.StatusInternalServerError)
		return
	}

	if res.Replayed {
		h.logger.Info("duplicate webhook delivery ignored", zap.String("sessionID", session.SessionID))
	}

	w.WriteHeader(http.StatusOK)
}

// Health возвращает состояние сервиса.
func (h *Handler) Health(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, map[string]bool{"ok": true})
}

// Package service реализует бизнес-логику сервиса генерации ditar-ов:
// учёт кредитов, оркестрацию генерации и зачисление оплат.
package service

import (
	"context"
	"errors"
	"fmt"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/edumaster/ditar-service/internal/generation"
	"github.com/edumaster/ditar-service/internal/model"
	"github.com/edumaster/ditar-service/internal/payment"
)

var (
	generationsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "ditar_generations_total",
		Help: "Generation attempts by outcome",
	}, []string{"outcome"})

	creditsPurchasedTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "ditar_credits_purchased_total",
		Help: "Credits added through confirmed purchases",
	})
)

// ErrInvalidPackage возвращается при запросе несуществующего пакета кредитов.
var ErrInvalidPackage = errors.New("invalid credit package")

// InsufficientCreditsError возвращается, когда баланс меньше стоимости операции.
// Содержит текущий баланс, чтобы клиент мог предложить покупку кредитов.
type InsufficientCreditsError struct {
	Available int64
	Required  int64
}

func (e *InsufficientCreditsError) Error() string {
	return fmt.Sprintf("insufficient credits: have %d, need %d", e.Available, e.Required)
}

// Repository описывает контракт доступа к данным, используемый сервисом.
type Repository interface {
	Close() error
	CreateAccount(ctx context.Context, accountID string, initialCredits int64) error
	GetAccount(ctx context.Context, accountID string) (*model.Account, error)
	TryDebit(ctx context.Context, accountID string, amount int64, key string, kind model.OperationKind) (model.OperationResult, error)
	Credit(ctx context.Context, accountID string, amount int64, key string, kind model.OperationKind) (model.OperationResult, error)
	GetOperationsByAccount(ctx context.Context, accountID string) ([]model.LedgerOperation, error)
	IncrementDownloads(ctx context.Context, accountID string) error
	GetPromoDiscount(ctx context.Context) (int64, error)
}

// Generator описывает контракт внешнего провайдера генерации.
type Generator interface {
	Generate(ctx context.Context, req generation.Request) (string, error)
}

// PaymentProvider описывает контракт создания сессий оплаты.
type PaymentProvider interface {
	CreateCheckoutSession(ctx context.Context, p payment.CheckoutParams) (string, error)
}

// Service содержит бизнес-логику сервиса генерации ditar-ов.
type Service struct {
	repo      Repository
	generator Generator
	payments  PaymentProvider
	baseURL   string
}

// NewService создаёт новый сервис с указанным репозиторием и клиентами внешних систем.
func NewService(repo Repository, generator Generator, payments PaymentProvider, baseURL string) *Service {
	return &Service{
		repo:      repo,
		generator: generator,
		payments:  payments,
		baseURL:   baseURL,
	}
}

// Close закрывает ресурсы сервиса.
func (s *Service) Close() error {
	if s.repo != nil {
		return s.repo.Close()
	}
	return nil
}

// RegisterAccount создаёт учётную запись со стартовыми кредитами и возвращает её.
// Повторная регистрация того же субъекта ничего не меняет.
func (s *Service) RegisterAccount(ctx context.Context, accountID string) (*model.Account, error) {
	if err := s.repo.CreateAccount(ctx, accountID, model.FreeCredits); err != nil {
		return nil, err
	}
	return s.repo.GetAccount(ctx, accountID)
}

// GetAccount возвращает учётную запись по идентификатору.
func (s *Service) GetAccount(ctx context.Context, accountID string) (*model.Account, error) {
	return s.repo.GetAccount(ctx, accountID)
}

// GetOperations возвращает журнал операций учётной записи.
func (s *Service) GetOperations(ctx context.Context, accountID string) ([]model.LedgerOperation, error) {
	return s.repo.GetOperationsByAccount(ctx, accountID)
}

// RecordDownload увеличивает счётчик скачиваний учётной записи.
func (s *Service) RecordDownload(ctx context.Context, accountID string) error {
	return s.repo.IncrementDownloads(ctx, accountID)
}

// GenerateResult — итог успешной генерации: контент и остаток кредитов.
type GenerateResult struct {
	Content string
	Balance int64
}

// Generate выполняет оплачиваемую генерацию: предварительная проверка баланса,
// вызов провайдера, затем атомарное списание по ключу requestID. Контент
// возвращается только если списание применено (в том числе как идемпотентный
// повтор ранее применённого). Если списание проиграло гонку за баланс,
// контент отбрасывается и пользователь не платит.
func (s *Service) Generate(ctx context.Context, accountID, requestID string, req generation.Request) (*GenerateResult, error) {
	acct, err := s.repo.GetAccount(ctx, accountID)
	if err != nil {
		return nil, err
	}

	// Быстрый отказ без обращения к провайдеру. Корректность не зависит от
	// этой проверки: решает атомарное списание ниже.
	if acct.Balance < model.GenerationCost {
		generationsTotal.WithLabelValues("insufficient").Inc()
		return nil, &InsufficientCreditsError{Available: acct.Balance, Required: model.GenerationCost}
	}

	content, err := s.generator.Generate(ctx, req)
	if err != nil {
		generationsTotal.WithLabelValues("provider_error").Inc()
		return nil, fmt.Errorf("generate content: %w", err)
	}

	res, err := s.repo.TryDebit(ctx, accountID, model.GenerationCost, requestID, model.KindGenerationDebit)
	if err != nil {
		generationsTotal.WithLabelValues("debit_error").Inc()
		return nil, fmt.Errorf("debit credits: %w", err)
	}

	if res.Outcome != model.OutcomeApplied {
		// Баланс успел уменьшиться между проверкой и списанием: провайдер был
		// вызван впустую, но пользователь не платит и контент не получает.
		// Идемпотентный повтор ранее отклонённой попытки метрику не увеличивает.
		if !res.Replayed {
			generationsTotal.WithLabelValues("insufficient").Inc()
		}
		return nil, &InsufficientCreditsError{Available: res.NewBalance, Required: model.GenerationCost}
	}

	generationsTotal.WithLabelValues("success").Inc()
	return &GenerateResult{Content: content, Balance: res.NewBalance}, nil
}

// ConfirmPurchase зачисляет оплаченный пакет кредитов. Идентификатор сессии
// оплаты служит ключом идемпотентности: повторная доставка вебхука не
// начисляет кредиты повторно.
func (s *Service) ConfirmPurchase(ctx context.Context, sessionID, accountID string, credits int64) (*model.OperationResult, error) {
	res, err := s.repo.Credit(ctx, accountID, credits, sessionID, model.KindPurchaseCredit)
	if err != nil {
		return nil, err
	}

	if !res.Replayed {
		creditsPurchasedTotal.Add(float64(credits))
	}

	return &res, nil
}

// CreateCheckout создаёт сессию оплаты пакета кредитов и возвращает URL для оплаты.
func (s *Service) CreateCheckout(ctx context.Context, accountID string, packageSize int64) (string, error) {
	pkg, ok := model.CreditPackages[packageSize]
	if !ok {
		return "", ErrInvalidPackage
	}

	// Учётная запись должна существовать до оплаты: вебхук зачисляет на неё.
	if _, err := s.repo.GetAccount(ctx, accountID); err != nil {
		return "", err
	}

	price := pkg.PriceCents
	if discount, err := s.repo.GetPromoDiscount(ctx); err == nil && discount > 0 {
		price -= price * discount / 100
	}

	return s.payments.CreateCheckoutSession(ctx, payment.CheckoutParams{
		AccountID:   accountID,
		Credits:     pkg.Credits,
		AmountCents: price,
		SuccessURL:  s.baseURL + "/success",
		CancelURL:   s.baseURL + "/pricing",
	})
}

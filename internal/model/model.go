// Package model содержит доменные сущности сервиса генерации ditar-ов.
package model

import "time"

// FreeCredits — стартовое количество кредитов, начисляемое при регистрации.
const FreeCredits = 5

// GenerationCost — стоимость одной генерации в кредитах.
const GenerationCost = 1

// Account представляет учётную запись пользователя с балансом кредитов.
type Account struct {
	ID             string
	Balance        int64
	TotalGenerated int64
	TotalDownloads int64
	CreatedAt      time.Time
}

// OperationKind описывает тип операции над балансом.
type OperationKind string

const (
	KindGenerationDebit OperationKind = "generation-debit"
	KindPurchaseCredit  OperationKind = "purchase-credit"
	KindSignupGrant     OperationKind = "signup-grant"
	KindAdminGrant      OperationKind = "admin-grant"
)

// OperationOutcome описывает результат применения операции.
type OperationOutcome string

const (
	OutcomeApplied              OperationOutcome = "applied"
	OutcomeRejectedInsufficient OperationOutcome = "rejected-insufficient"
)

// LedgerOperation описывает одну попытку изменения баланса. Записи неизменяемы
// и служат журналом аудита и индексом для обнаружения повторов по ключу идемпотентности.
type LedgerOperation struct {
	IdempotencyKey string
	AccountID      string
	Delta          int64
	Kind           OperationKind
	Outcome        OperationOutcome
	AppliedAt      time.Time
}

// OperationResult — итог применения операции к балансу.
type OperationResult struct {
	Outcome    OperationOutcome
	NewBalance int64
	// Replayed означает, что операция с таким ключом уже была записана ранее
	// и возвращён её прежний результат без изменения состояния.
	Replayed bool
}

// CreditPackage описывает покупаемый пакет кредитов.
type CreditPackage struct {
	Credits    int64
	PriceCents int64
}

// CreditPackages — доступные пакеты кредитов и их цены в евроцентах.
var CreditPackages = map[int64]CreditPackage{
	10: {Credits: 10, PriceCents: 399},
	20: {Credits: 20, PriceCents: 699},
	30: {Credits: 30, PriceCents: 899},
	50: {Credits: 50, PriceCents: 1299},
}

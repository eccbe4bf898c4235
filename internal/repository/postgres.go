// Package repository содержит реализацию доступа к данным в PostgreSQL.
package repository

import (
	"context"
	"embed"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/jackc/pgerrcode"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/jackc/pgx/v5/stdlib"
	"github.com/pressly/goose/v3"
	"github.com/sethvargo/go-retry"

	"github.com/edumaster/ditar-service/internal/model"
)

//go:embed migrations/*.sql
var migrationsFS embed.FS

// ErrAccountNotFound возвращается, если учётная запись не найдена.
var ErrAccountNotFound = errors.New("account not found")

// PostgresRepository предоставляет доступ к хранилищу данных в PostgreSQL.
type PostgresRepository struct {
	pool *pgxpool.Pool
}

// NewPostgresRepository создаёт новый репозиторий и инициализирует схему БД через миграции.
func NewPostgresRepository(dsn string) (*PostgresRepository, error) {
	cfg, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, fmt.Errorf("parse pool config: %w", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("create pool: %w", err)
	}

	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("ping database: %w", err)
	}

	r := &PostgresRepository{pool: pool}

	if err := r.runMigrations(ctx); err != nil {
		pool.Close()
		return nil, err
	}

	return r, nil
}

func (r *PostgresRepository) runMigrations(ctx context.Context) error {
	db := stdlib.OpenDBFromPool(r.pool)
	defer db.Close()

	goose.SetBaseFS(migrationsFS)

	if err := goose.SetDialect("postgres"); err != nil {
		return fmt.Errorf("set dialect: %w", err)
	}

	if err := goose.UpContext(ctx, db, "migrations"); err != nil {
		return fmt.Errorf("run migrations: %w", err)
	}

	return nil
}

// withRetry повторяет операцию при временных ошибках БД (сериализация, дедлоки, сеть).
func (r *PostgresRepository) withRetry(ctx context.Context, fn func() error) error {
	backoff := retry.WithMaxRetries(3, retry.NewFibonacci(time.Second))

	return retry.Do(ctx, backoff, func(ctx context.Context) error {
		err := fn()
		if err == nil {
			return nil
		}

		if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
			return err
		}

		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) {
			if pgErr.Code == pgerrcode.SerializationFailure || pgErr.Code == pgerrcode.DeadlockDetected {
				return retry.RetryableError(err)
			}
		}

		if isConnectionError(err) {
			return retry.RetryableError(err)
		}

		return err
	})
}

func isConnectionError(err error) bool {
	return strings.Contains(err.Error(), "connection refused") ||
		strings.Contains(err.Error(), "broken pipe") ||
		strings.Contains(err.Error(), "connection reset by peer")
}

// Close закрывает пул соединений с БД.
func (r *PostgresRepository) Close() error {
	r.pool.Close()
	return nil
}

// CreateAccount создаёт учётную запись и начисляет стартовые кредиты.
// Операция идемпотентна: повторный вызов для существующей записи ничего не меняет.
func (r *PostgresRepository) CreateAccount(ctx context.Context, accountID string, initialCredits int64) error {
	return r.withRetry(ctx, func() error {
		tx, err := r.pool.Begin(ctx)
		if err != nil {
			return fmt.Errorf("begin tx: %w", err)
		}
		defer tx.Rollback(ctx)

		_, err = tx.Exec(ctx,
			`INSERT INTO accounts (id) VALUES ($1) ON CONFLICT (id) DO NOTHING`,
			accountID,
		)
		if err != nil {
			return fmt.Errorf("insert account: %w", err)
		}

		// Стартовое начисление проходит через журнал операций с ключом,
		// производным от идентификатора записи, поэтому применяется не более одного раза.
		key := "signup:" + accountID
		_, err = applyOperation(ctx, tx, accountID, initialCredits, key, model.KindSignupGrant)
		if err != nil {
			return err
		}

		if err := tx.Commit(ctx); err != nil {
			return fmt.Errorf("commit tx: %w", err)
		}

		return nil
	})
}

// GetAccount возвращает учётную запись по идентификатору.
func (r *PostgresRepository) GetAccount(ctx context.Context, accountID string) (*model.Account, error) {
	row := r.pool.QueryRow(ctx,
		`SELECT id, balance, total_generated, total_downloads, created_at FROM accounts WHERE id = $1`,
		accountID,
	)

	var a model.Account
	err := row.Scan(&a.ID, &a.Balance, &a.TotalGenerated, &a.TotalDownloads, &a.CreatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrAccountNotFound
		}
		return nil, fmt.Errorf("get account: %w", err)
	}

	return &a, nil
}

// TryDebit атомарно списывает amount кредитов с баланса. Проверка и списание выполняются
// в одной транзакции под блокировкой строки учётной записи, поэтому параллельные списания
// с одного счёта сериализуются. Повтор с тем же ключом идемпотентности возвращает прежний
// результат без изменения состояния.
func (r *PostgresRepository) TryDebit(ctx context.Context, accountID string, amount int64, key string, kind model.OperationKind) (model.OperationResult, error) {
	if amount <= 0 {
		return model.OperationResult{}, fmt.Errorf("debit amount must be positive, got %d", amount)
	}

	var res model.OperationResult
	err := r.withRetry(ctx, func() error {
		var opErr error
		res, opErr = r.debitTx(ctx, accountID, amount, key, kind)
		return opErr
	})
	return res, err
}

func (r *PostgresRepository) debitTx(ctx context.Context, accountID string, amount int64, key string, kind model.OperationKind) (model.OperationResult, error) {
	tx, err := r.pool.Begin(ctx)
	if err != nil {
		return model.OperationResult{}, fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback(ctx)

	if replay, found, err := findReplay(ctx, tx, accountID, key); err != nil {
		return model.OperationResult{}, err
	} else if found {
		return replay, nil
	}

	balance, err := lockAccount(ctx, tx, accountID)
	if err != nil {
		return model.OperationResult{}, err
	}

	// Повторная проверка ключа под блокировкой: параллельный запрос с тем же
	// ключом мог записать операцию, пока мы ждали блокировку.
	if replay, found, err := findReplay(ctx, tx, accountID, key); err != nil {
		return model.OperationResult{}, err
	} else if found {
		return replay, nil
	}

	if balance < amount {
		if err := recordOperation(ctx, tx, accountID, -amount, key, kind, model.OutcomeRejectedInsufficient); err != nil {
			return model.OperationResult{}, err
		}
		if err := tx.Commit(ctx); err != nil {
			return model.OperationResult{}, fmt.Errorf("commit tx: %w", err)
		}
		return model.OperationResult{Outcome: model.OutcomeRejectedInsufficient, NewBalance: balance}, nil
	}

	query := `UPDATE accounts SET balance = balance - $2 WHERE id = $1 RETURNING balance`
	if kind == model.KindGenerationDebit {
		query = `UPDATE accounts SET balance = balance - $2, total_generated = total_generated + 1 WHERE id = $1 RETURNING balance`
	}

	var newBalance int64
	if err := tx.QueryRow(ctx, query, accountID, amount).Scan(&newBalance); err != nil {
		return model.OperationResult{}, fmt.Errorf("debit balance: %w", err)
	}

	if err := recordOperation(ctx, tx, accountID, -amount, key, kind, model.OutcomeApplied); err != nil {
		return model.OperationResult{}, err
	}

	if err := tx.Commit(ctx); err != nil {
		return model.OperationResult{}, fmt.Errorf("commit tx: %w", err)
	}

	return model.OperationResult{Outcome: model.OutcomeApplied, NewBalance: newBalance}, nil
}

// Credit атомарно начисляет amount кредитов на баланс. Повторная доставка события
// с тем же ключом идемпотентности (например, повтор вебхука) не начисляет повторно.
func (r *PostgresRepository) Credit(ctx context.Context, accountID string, amount int64, key string, kind model.OperationKind) (model.OperationResult, error) {
	if amount <= 0 {
		return model.OperationResult{}, fmt.Errorf("credit amount must be positive, got %d", amount)
	}

	var res model.OperationResult
	err := r.withRetry(ctx, func() error {
		tx, err := r.pool.Begin(ctx)
		if err != nil {
			return fmt.Errorf("begin tx: %w", err)
		}
		defer tx.Rollback(ctx)

		res, err = applyOperation(ctx, tx, accountID, amount, key, kind)
		if err != nil {
			return err
		}

		if err := tx.Commit(ctx); err != nil {
			return fmt.Errorf("commit tx: %w", err)
		}
		return nil
	})
	return res, err
}

// applyOperation начисляет положительную дельту внутри существующей транзакции.
func applyOperation(ctx context.Context, tx pgx.Tx, accountID string, amount int64, key string, kind model.OperationKind) (model.OperationResult, error) {
	if replay, found, err := findReplay(ctx, tx, accountID, key); err != nil {
		return model.OperationResult{}, err
	} else if found {
		return replay, nil
	}

	if _, err := lockAccount(ctx, tx, accountID); err != nil {
		return model.OperationResult{}, err
	}

	if replay, found, err := findReplay(ctx, tx, accountID, key); err != nil {
		return model.OperationResult{}, err
	} else if found {
		return replay, nil
	}

	var newBalance int64
	err := tx.QueryRow(ctx,
		`UPDATE accounts SET balance = balance + $2 WHERE id = $1 RETURNING balance`,
		accountID, amount,
	).Scan(&newBalance)
	if err != nil {
		return model.OperationResult{}, fmt.Errorf("credit balance: %w", err)
	}

	if err := recordOperation(ctx, tx, accountID, amount, key, kind, model.OutcomeApplied); err != nil {
		return model.OperationResult{}, err
	}

	return model.OperationResult{Outcome: model.OutcomeApplied, NewBalance: newBalance}, nil
}

// findReplay ищет ранее записанную операцию по ключу идемпотентности.
// Ключ принадлежит учётной записи, записавшей его первой: чужой результат
// по совпавшему ключу не возвращается.
func findReplay(ctx context.Context, tx pgx.Tx, accountID, key string) (model.OperationResult, bool, error) {
	var (
		owner   string
		outcome string
	)
	err := tx.QueryRow(ctx,
		`SELECT account_id, outcome FROM ledger_operations WHERE idempotency_key = $1`,
		key,
	).Scan(&owner, &outcome)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return model.OperationResult{}, false, nil
		}
		return model.OperationResult{}, false, fmt.Errorf("find operation: %w", err)
	}

	if owner != accountID {
		return model.OperationResult{}, false, fmt.Errorf("idempotency key %q belongs to another account", key)
	}

	var balance int64
	err = tx.QueryRow(ctx, `SELECT balance FROM accounts WHERE id = $1`, accountID).Scan(&balance)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return model.OperationResult{}, false, ErrAccountNotFound
		}
		return model.OperationResult{}, false, fmt.Errorf("get balance: %w", err)
	}

	return model.OperationResult{
		Outcome:    model.OperationOutcome(outcome),
		NewBalance: balance,
		Replayed:   true,
	}, true, nil
}

// lockAccount блокирует строку учётной записи до конца транзакции.
func lockAccount(ctx context.Context, tx pgx.Tx, accountID string) (int64, error) {
	var balance int64
	err := tx.QueryRow(ctx, `SELECT balance FROM accounts WHERE id = $1 FOR UPDATE`, accountID).Scan(&balance)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return 0, ErrAccountNotFound
		}
		return 0, fmt.Errorf("lock account: %w", err)
	}
	return balance, nil
}

func recordOperation(ctx context.Context, tx pgx.Tx, accountID string, delta int64, key string, kind model.OperationKind, outcome model.OperationOutcome) error {
	_, err := tx.Exec(ctx,
		`INSERT INTO ledger_operations (idempotency_key, account_id, delta, kind, outcome) VALUES ($1, $2, $3, $4, $5)`,
		key, accountID, delta, string(kind), string(outcome),
	)
	if err != nil {
		return fmt.Errorf("record operation: %w", err)
	}
	return nil
}

// GetOperationsByAccount возвращает журнал операций учётной записи, новые первыми.
func (r *PostgresRepository) GetOperationsByAccount(ctx context.Context, accountID string) ([]model.LedgerOperation, error) {
	rows, err := r.pool.Query(ctx,
		`SELECT idempotency_key, account_id, delta, kind, outcome, applied_at
		 FROM ledger_operations
		 WHERE account_id = $1
		 ORDER BY applied_at DESC`,
		accountID,
	)
	if err != nil {
		return nil, fmt.Errorf("select operations: %w", err)
	}
	defer rows.Close()

	var res []model.LedgerOperation
	for rows.Next() {
		var (
			op      model.LedgerOperation
			kind    string
			outcome string
		)
		if err := rows.Scan(&op.IdempotencyKey, &op.AccountID, &op.Delta, &kind, &outcome, &op.AppliedAt); err != nil {
			return nil, fmt.Errorf("scan operation: %w", err)
		}
		op.Kind = model.OperationKind(kind)
		op.Outcome = model.OperationOutcome(outcome)
		res = append(res, op)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("rows error: %w", err)
	}

	return res, nil
}

// IncrementDownloads увеличивает счётчик скачиваний учётной записи.
func (r *PostgresRepository) IncrementDownloads(ctx context.Context, accountID string) error {
	cmdTag, err := r.pool.Exec(ctx,
		`UPDATE accounts SET total_downloads = total_downloads + 1 WHERE id = $1`,
		accountID,
	)
	if err != nil {
		return fmt.Errorf("increment downloads: %w", err)
	}
	if cmdTag.RowsAffected() == 0 {
		return ErrAccountNotFound
	}
	return nil
}

// GetPromoDiscount возвращает действующий процент скидки на пакеты кредитов.
func (r *PostgresRepository) GetPromoDiscount(ctx context.Context) (int64, error) {
	var value string
	err := r.pool.QueryRow(ctx,
		`SELECT value FROM settings WHERE key = 'promo_discount_percent'`,
	).Scan(&value)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return 0, nil
		}
		return 0, fmt.Errorf("get promo discount: %w", err)
	}

	percent, err := strconv.ParseInt(value, 10, 64)
	if err != nil || percent < 0 || percent > 100 {
		return 0, nil
	}

	return percent, nil
}

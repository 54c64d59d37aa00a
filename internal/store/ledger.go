package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"
	"go.uber.org/zap"
)

// CreditLedger implements budget.Ledger against Postgres. Each completed task
// produces exactly one ledger row; the task id is the primary key, so a retried
// debit inserts nothing and deducts nothing.
type CreditLedger struct {
	db     *sqlx.DB
	logger *zap.Logger
}

func NewCreditLedger(db *sqlx.DB, logger *zap.Logger) *CreditLedger {
	return &CreditLedger{db: db, logger: logger}
}

// Balance reads the user's current credit balance. An absent row means zero.
func (l *CreditLedger) Balance(ctx context.Context, userID uuid.UUID) (int, error) {
	var balance int
	err := l.db.GetContext(ctx, &balance,
		`SELECT balance FROM user_credits WHERE user_id = $1`, userID)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, nil
	}
	if err != nil {
		return 0, fmt.Errorf("read balance for %s: %w", userID, err)
	}
	return balance, nil
}

// Debit records the task's charge and deducts it from the user balance in one
// transaction. If the ledger row already exists the whole call is a no-op.
func (l *CreditLedger) Debit(ctx context.Context, taskID, userID uuid.UUID, amount int, description string) error {
	tx, err := l.db.BeginTxx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin debit tx: %w", err)
	}
	defer tx.Rollback()

	res, err := tx.ExecContext(ctx, `
		INSERT INTO credit_ledger (task_id, user_id, amount, description, created_at)
		VALUES ($1, $2, $3, $4, NOW())
		ON CONFLICT (task_id) DO NOTHING`,
		taskID, userID, amount, description)
	if err != nil {
		return fmt.Errorf("insert ledger row for %s: %w", taskID, err)
	}

	inserted, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("check ledger insert for %s: %w", taskID, err)
	}
	if inserted == 0 {
		l.logger.Debug("debit already recorded",
			zap.String("task_id", taskID.String()))
		return tx.Commit()
	}

	_, err = tx.ExecContext(ctx, `
		UPDATE user_credits SET balance = balance - $1, updated_at = NOW()
		WHERE user_id = $2`,
		amount, userID)
	if err != nil {
		return fmt.Errorf("deduct balance for %s: %w", userID, err)
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit debit for %s: %w", taskID, err)
	}
	l.logger.Info("credits debited",
		zap.String("task_id", taskID.String()),
		zap.String("user_id", userID.String()),
		zap.Int("amount", amount))
	return nil
}

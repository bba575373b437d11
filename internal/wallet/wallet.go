// Package wallet persists player balances and ledger entries.
//
// Store keeps them in PostgreSQL; every ledger operation runs in one
// transaction that holds the balance row lock until commit. MemoryStore is
// the in-process equivalent used by tests and the demo mode.
package wallet

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/lib/pq"

	"github.com/alexbotov/slotgate/internal/domain"
	"github.com/alexbotov/slotgate/internal/ledger"
)

const uniqueViolation = "23505"

// Store is the PostgreSQL balance and ledger store
type Store struct {
	db *sql.DB
}

// New creates a store over db. Tables are created by the database migrations.
func New(db *sql.DB) *Store {
	return &Store{db: db}
}

// CreateAccount opens a balance for a player. An existing account is left unchanged.
func (s *Store) CreateAccount(ctx context.Context, playerID string, opening domain.Money) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO balances (player_id, amount, currency, updated_at)
		VALUES ($1, $2, $3, $4)
		ON CONFLICT (player_id) DO NOTHING
	`, playerID, opening.Amount, strings.ToUpper(opening.Currency), time.Now().UTC())
	if err != nil {
		return fmt.Errorf("failed to create account: %w", err)
	}
	return nil
}

// WithinTx runs fn in a database transaction
func (s *Store) WithinTx(ctx context.Context, fn func(tx ledger.Tx) error) error {
	dbTx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer dbTx.Rollback()

	if err := fn(&sqlTx{tx: dbTx}); err != nil {
		return err
	}
	if err := dbTx.Commit(); err != nil {
		return fmt.Errorf("failed to commit: %w", translate(err))
	}
	return nil
}

// Balance reads a player's balance
func (s *Store) Balance(ctx context.Context, playerID string) (domain.Balance, error) {
	return scanBalance(s.db.QueryRowContext(ctx, `
		SELECT player_id, amount, currency, updated_at FROM balances WHERE player_id = $1
	`, playerID))
}

// Entry returns the entry recorded under actionID, or nil
func (s *Store) Entry(ctx context.Context, actionID string) (*domain.LedgerEntry, error) {
	return scanEntry(s.db.QueryRowContext(ctx, selectEntry+` WHERE action_id = $1`, actionID))
}

// History lists a player's entries, newest first
func (s *Store) History(ctx context.Context, playerID string, limit int) ([]domain.LedgerEntry, error) {
	rows, err := s.db.QueryContext(ctx, selectEntry+`
		WHERE player_id = $1 ORDER BY created_at DESC, id LIMIT $2
	`, playerID, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to query ledger: %w", err)
	}
	defer rows.Close()

	var entries []domain.LedgerEntry
	for rows.Next() {
		e, err := scanEntry(rows)
		if err != nil {
			return nil, err
		}
		entries = append(entries, *e)
	}
	return entries, rows.Err()
}

type sqlTx struct {
	tx *sql.Tx
}

func (t *sqlTx) LockBalance(ctx context.Context, playerID string) (domain.Balance, error) {
	return scanBalance(t.tx.QueryRowContext(ctx, `
		SELECT player_id, amount, currency, updated_at FROM balances WHERE player_id = $1 FOR UPDATE
	`, playerID))
}

func (t *sqlTx) FindEntry(ctx context.Context, actionID string) (*domain.LedgerEntry, error) {
	return scanEntry(t.tx.QueryRowContext(ctx, selectEntry+` WHERE action_id = $1`, actionID))
}

func (t *sqlTx) SetBalance(ctx context.Context, playerID string, amount domain.Money) error {
	res, err := t.tx.ExecContext(ctx, `
		UPDATE balances SET amount = $1, updated_at = $2 WHERE player_id = $3
	`, amount.Amount, time.Now().UTC(), playerID)
	if err != nil {
		return fmt.Errorf("failed to update balance: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ledger.ErrPlayerNotFound
	}
	return nil
}

func (t *sqlTx) InsertEntry(ctx context.Context, e *domain.LedgerEntry) error {
	_, err := t.tx.ExecContext(ctx, `
		INSERT INTO ledger_entries (id, action_id, ref_action_id, session_id, player_id, game_id, round_id,
			kind, status, bet_amount, win_amount, currency, balance_before, balance_after, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15)
	`, e.ID, e.ActionID, e.RefActionID, e.SessionID, e.PlayerID, e.GameID, e.RoundID,
		e.Kind, e.Status, e.BetAmount.Amount, e.WinAmount.Amount, e.BalanceAfter.Currency,
		e.BalanceBefore.Amount, e.BalanceAfter.Amount, e.CreatedAt)
	if err != nil {
		return translate(err)
	}
	return nil
}

// translate maps a unique violation on the action id to ErrDuplicateAction
func translate(err error) error {
	var pqErr *pq.Error
	if errors.As(err, &pqErr) && pqErr.Code == uniqueViolation {
		return fmt.Errorf("%w: %s", ledger.ErrDuplicateAction, pqErr.Constraint)
	}
	return err
}

type scanner interface {
	Scan(dest ...any) error
}

func scanBalance(row scanner) (domain.Balance, error) {
	var b domain.Balance
	var currency string
	if err := row.Scan(&b.PlayerID, &b.Amount.Amount, &currency, &b.UpdatedAt); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return domain.Balance{}, ledger.ErrPlayerNotFound
		}
		return domain.Balance{}, fmt.Errorf("failed to get balance: %w", err)
	}
	b.Amount.Currency = currency
	return b, nil
}

const selectEntry = `
	SELECT id, action_id, ref_action_id, session_id, player_id, game_id, round_id,
		kind, status, bet_amount, win_amount, currency, balance_before, balance_after, created_at
	FROM ledger_entries`

func scanEntry(row scanner) (*domain.LedgerEntry, error) {
	var e domain.LedgerEntry
	var bet, win, before, after int64
	var currency string
	err := row.Scan(&e.ID, &e.ActionID, &e.RefActionID, &e.SessionID, &e.PlayerID, &e.GameID, &e.RoundID,
		&e.Kind, &e.Status, &bet, &win, &currency, &before, &after, &e.CreatedAt)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to read ledger entry: %w", err)
	}
	e.BetAmount = domain.NewMoney(bet, currency)
	e.WinAmount = domain.NewMoney(win, currency)
	e.BalanceBefore = domain.NewMoney(before, currency)
	e.BalanceAfter = domain.NewMoney(after, currency)
	return &e, nil
}

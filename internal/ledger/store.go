package ledger

import (
	"context"
	"errors"

	"github.com/alexbotov/slotgate/internal/domain"
	"github.com/alexbotov/slotgate/internal/session"
)

var (
	ErrPlayerNotFound    = errors.New("player not found")
	ErrInsufficientFunds = errors.New("insufficient funds")
	ErrDuplicateAction   = errors.New("duplicate action id")
	ErrInvalidAmount     = errors.New("invalid amount")
	ErrCurrencyMismatch  = errors.New("currency mismatch")
	ErrMissingActionID   = errors.New("action id is required")
	ErrSessionNotActive  = session.ErrSessionNotActive
)

// Store is the durable balance and ledger store. A committed transaction is
// the point at which a ledger operation takes effect.
type Store interface {
	// WithinTx runs fn in one transaction, committing when fn returns nil.
	WithinTx(ctx context.Context, fn func(tx Tx) error) error
	// Balance reads a balance without locking. ErrPlayerNotFound if absent.
	Balance(ctx context.Context, playerID string) (domain.Balance, error)
	// Entry returns the entry with actionID, or nil.
	Entry(ctx context.Context, actionID string) (*domain.LedgerEntry, error)
	// History lists a player's entries, newest first.
	History(ctx context.Context, playerID string, limit int) ([]domain.LedgerEntry, error)
}

// Tx is the transactional view used by the ledger
type Tx interface {
	// LockBalance reads and locks the balance row until the end of the transaction.
	LockBalance(ctx context.Context, playerID string) (domain.Balance, error)
	// FindEntry returns the entry with actionID, or nil.
	FindEntry(ctx context.Context, actionID string) (*domain.LedgerEntry, error)
	// SetBalance stores a new balance amount.
	SetBalance(ctx context.Context, playerID string, amount domain.Money) error
	// InsertEntry appends an entry. A taken action id yields ErrDuplicateAction.
	InsertEntry(ctx context.Context, entry *domain.LedgerEntry) error
}

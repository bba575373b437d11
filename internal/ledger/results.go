package ledger

import (
	"github.com/alexbotov/slotgate/internal/domain"
	"github.com/alexbotov/slotgate/internal/jackpot"
)

// Request carries the fields shared by bet, win and refund callbacks
type Request struct {
	ActionID    string
	RefActionID string
	PlayerID    string
	SessionID   string
	GameID      string
	RoundID     string
	Amount      domain.Money
	Status      domain.LedgerStatus // completed when empty
}

// RollbackRequest reverses the entry recorded under TargetActionID
type RollbackRequest struct {
	TargetActionID string
	PlayerID       string
	SessionID      string
}

// BetResult is the outcome of a bet
type BetResult struct {
	Balance  domain.Money
	Entry    domain.LedgerEntry
	Replayed bool
	Jackpot  *jackpot.Award // set when the bet won a pool
}

// WinResult is the outcome of a win
type WinResult struct {
	Balance  domain.Money
	Entry    domain.LedgerEntry
	Replayed bool
}

// RefundResult is the outcome of a refund
type RefundResult struct {
	Balance  domain.Money
	Entry    domain.LedgerEntry
	Replayed bool
}

// RollbackResult is the outcome of a rollback. Entry is nil when there was
// nothing to reverse.
type RollbackResult struct {
	Balance  domain.Money
	Entry    *domain.LedgerEntry
	Reversed bool
	Replayed bool
}

// BalanceResult is the outcome of a balance query
type BalanceResult struct {
	PlayerID string
	Balance  domain.Money
}

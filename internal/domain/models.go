// Package domain contains the core models shared by the provider integration:
// catalog entries, game sessions, ledger entries and jackpot pools.
//
// All monetary values are integers in the smallest currency unit. Provider
// wire formats carry decimal strings, which are converted with ParseMoney.
package domain

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/shopspring/decimal"
)

// ErrInvalidMoney is returned when a decimal amount cannot be represented in minor units.
var ErrInvalidMoney = errors.New("invalid money amount")

// Money represents monetary values with precision
type Money struct {
	Amount   int64  `json:"amount"`   // Amount in smallest unit (cents)
	Currency string `json:"currency"` // ISO 4217 currency code
}

// NewMoney creates a new Money value from minor units
func NewMoney(amount int64, currency string) Money {
	return Money{Amount: amount, Currency: strings.ToUpper(currency)}
}

// ParseMoney parses a decimal string such as "10.50" into minor units.
// Amounts with more than two fractional digits, or too large for int64 minor
// units, are rejected rather than rounded or wrapped.
func ParseMoney(s, currency string) (Money, error) {
	d, err := decimal.NewFromString(strings.TrimSpace(s))
	if err != nil {
		return Money{}, fmt.Errorf("%w: %q", ErrInvalidMoney, s)
	}
	minor := d.Shift(2)
	if !minor.Equal(minor.Truncate(0)) {
		return Money{}, fmt.Errorf("%w: %q has sub-cent precision", ErrInvalidMoney, s)
	}
	if !minor.BigInt().IsInt64() {
		return Money{}, fmt.Errorf("%w: %q is out of range", ErrInvalidMoney, s)
	}
	return NewMoney(minor.IntPart(), currency), nil
}

// Decimal returns the value in major units
func (m Money) Decimal() decimal.Decimal {
	return decimal.New(m.Amount, -2)
}

// String formats the value in major units with two decimals, e.g. "400.00"
func (m Money) String() string {
	return m.Decimal().StringFixed(2)
}

// Add adds two money values
func (m Money) Add(other Money) Money {
	return Money{Amount: m.Amount + other.Amount, Currency: m.Currency}
}

// Sub subtracts money value
func (m Money) Sub(other Money) Money {
	return Money{Amount: m.Amount - other.Amount, Currency: m.Currency}
}

// IsZero reports whether the amount is zero
func (m Money) IsZero() bool {
	return m.Amount == 0
}

// DeviceSupport declares which devices a catalog entry runs on
type DeviceSupport string

const (
	DeviceMobile  DeviceSupport = "mobile"
	DeviceDesktop DeviceSupport = "desktop"
	DeviceBoth    DeviceSupport = "both"
)

// Supports reports whether an entry with support d can be launched on device.
func (d DeviceSupport) Supports(device DeviceSupport) bool {
	if d == DeviceBoth || device == DeviceBoth || device == "" {
		return true
	}
	return d == device
}

// GameParameters holds the numeric game characteristics published by the provider
type GameParameters struct {
	RTP        *float64 `json:"rtp,omitempty"`
	Volatility string   `json:"volatility,omitempty"`
	Reels      int      `json:"reels,omitempty"`
	Lines      int      `json:"lines,omitempty"`
}

// CatalogEntry is one game of the provider catalog.
// Entries are immutable once placed in a snapshot.
type CatalogEntry struct {
	ID            string         `json:"id"`
	Name          string         `json:"name"`
	ProviderName  string         `json:"providerName"`
	Kind          string         `json:"kind"` // slots, table, live, crash...
	DeviceSupport DeviceSupport  `json:"deviceSupport"`
	Technology    string         `json:"technology,omitempty"`
	HasLobby      bool           `json:"hasLobby,omitempty"`
	Tags          []string       `json:"tags,omitempty"`
	Parameters    GameParameters `json:"parameters"`
}

// SessionStatus represents game session state
type SessionStatus string

const (
	SessionActive    SessionStatus = "active"
	SessionCompleted SessionStatus = "completed"
	SessionTimedOut  SessionStatus = "timed_out"
)

// Session is a live game session of one player in one game
type Session struct {
	ID             string        `json:"id"`
	PlayerID       string        `json:"player_id"`
	GameID         string        `json:"game_id"`
	WorkingBalance Money         `json:"working_balance"`
	Status         SessionStatus `json:"status"`
	OpeningBalance Money         `json:"opening_balance"`
	TotalBetAmount Money         `json:"total_bet_amount"`
	TotalWinAmount Money         `json:"total_win_amount"`
	RoundsPlayed   int           `json:"rounds_played"`
	CreatedAt      time.Time     `json:"created_at"`
	LastActivityAt time.Time     `json:"last_activity_at"`
	EndedAt        *time.Time    `json:"ended_at,omitempty"`
}

// LedgerKind is the kind of a processed callback
type LedgerKind string

const (
	LedgerBet      LedgerKind = "bet"
	LedgerWin      LedgerKind = "win"
	LedgerRefund   LedgerKind = "refund"
	LedgerRollback LedgerKind = "rollback"
)

// LedgerStatus represents the settlement state of an entry
type LedgerStatus string

const (
	LedgerPending   LedgerStatus = "pending"
	LedgerCompleted LedgerStatus = "completed"
)

// LedgerEntry is an append-only record of one balance-affecting action.
// ActionID is unique across the ledger.
type LedgerEntry struct {
	ID            string       `json:"id"`
	ActionID      string       `json:"action_id"`
	RefActionID   string       `json:"ref_action_id,omitempty"`
	SessionID     string       `json:"session_id,omitempty"`
	PlayerID      string       `json:"player_id"`
	GameID        string       `json:"game_id,omitempty"`
	RoundID       string       `json:"round_id,omitempty"`
	Kind          LedgerKind   `json:"kind"`
	Status        LedgerStatus `json:"status"`
	BetAmount     Money        `json:"bet_amount"`
	WinAmount     Money        `json:"win_amount"`
	BalanceBefore Money        `json:"balance_before"`
	BalanceAfter  Money        `json:"balance_after"`
	CreatedAt     time.Time    `json:"created_at"`
}

// Net returns the balance change the entry applied.
func (e *LedgerEntry) Net() int64 {
	return e.BalanceAfter.Amount - e.BalanceBefore.Amount
}

// JackpotTier names a progressive jackpot level
type JackpotTier string

const (
	TierMini  JackpotTier = "mini"
	TierMinor JackpotTier = "minor"
	TierMajor JackpotTier = "major"
	TierGrand JackpotTier = "grand"
)

// JackpotTiers lists the tiers from the most to the least frequent.
var JackpotTiers = []JackpotTier{TierMini, TierMinor, TierMajor, TierGrand}

// JackpotPool is the accumulated progressive prize of one tier of one game
type JackpotPool struct {
	GameID           string      `json:"game_id"`
	Tier             JackpotTier `json:"tier"`
	CurrentAmount    Money       `json:"current_amount"`
	Floor            Money       `json:"floor"`
	ContributionRate float64     `json:"contribution_rate"`
	HitProbability   float64     `json:"hit_probability"`
}

// Balance is the persisted balance of a player
type Balance struct {
	PlayerID  string    `json:"player_id"`
	Amount    Money     `json:"amount"`
	UpdatedAt time.Time `json:"updated_at"`
}

// EventSeverity represents audit event severity
type EventSeverity string

const (
	SeverityInfo     EventSeverity = "info"
	SeverityWarning  EventSeverity = "warning"
	SeverityError    EventSeverity = "error"
	SeverityCritical EventSeverity = "critical"
)

// AuditEvent represents a significant event
type AuditEvent struct {
	ID          string          `json:"id" db:"id"`
	Type        string          `json:"type" db:"type"`
	Severity    EventSeverity   `json:"severity" db:"severity"`
	Timestamp   time.Time       `json:"timestamp" db:"timestamp"`
	PlayerID    *string         `json:"player_id,omitempty" db:"player_id"`
	SessionID   *string         `json:"session_id,omitempty" db:"session_id"`
	Description string          `json:"description" db:"description"`
	Data        json.RawMessage `json:"data,omitempty" db:"data"`
	IPAddress   string          `json:"ip_address" db:"ip_address"`
	Component   string          `json:"component" db:"component"`
}

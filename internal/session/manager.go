// Package session is the in-memory authority for live game sessions and
// their working balances.
//
// Each session has its own mutex, so mutations of one session are
// serialized while different sessions proceed in parallel. The map itself is
// guarded by a read-write lock that is only held for lookups and inserts.
package session

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/alexbotov/slotgate/internal/domain"
)

var (
	ErrSessionNotFound   = errors.New("session not found")
	ErrSessionNotActive  = errors.New("session is not active")
	ErrInsufficientFunds = errors.New("insufficient funds")
	ErrInvalidAmount     = errors.New("invalid amount")
	ErrCurrencyMismatch  = errors.New("currency mismatch")
)

type entry struct {
	mu sync.Mutex
	s  domain.Session
}

// Observer is notified with a copy of a session after every change
type Observer func(domain.Session)

// Manager owns all sessions of the process
type Manager struct {
	mu       sync.RWMutex
	sessions map[string]*entry

	idleTimeout time.Duration
	retention   time.Duration
	observers   []Observer
	logger      *slog.Logger
	now         func() time.Time
}

// Option configures a Manager
type Option func(*Manager)

// WithIdleTimeout sets the inactivity after which ReapIdle times a session out
func WithIdleTimeout(d time.Duration) Option {
	return func(m *Manager) { m.idleTimeout = d }
}

// WithRetention sets how long finished sessions stay readable
func WithRetention(d time.Duration) Option {
	return func(m *Manager) { m.retention = d }
}

// WithObserver registers fn for session change notifications
func WithObserver(fn Observer) Option {
	return func(m *Manager) { m.observers = append(m.observers, fn) }
}

// WithLogger sets the logger
func WithLogger(logger *slog.Logger) Option {
	return func(m *Manager) { m.logger = logger }
}

// WithClock overrides the time source
func WithClock(now func() time.Time) Option {
	return func(m *Manager) { m.now = now }
}

// NewManager creates an empty manager
func NewManager(opts ...Option) *Manager {
	m := &Manager{
		sessions:    make(map[string]*entry),
		idleTimeout: 30 * time.Minute,
		retention:   time.Hour,
		logger:      slog.Default(),
		now:         time.Now,
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// Observe registers fn after construction
func (m *Manager) Observe(fn Observer) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.observers = append(m.observers, fn)
}

// Create starts a new session. It never reuses an existing one; callers that
// want one active session per player and game check FindActive first.
func (m *Manager) Create(playerID, gameID string, opening domain.Money) domain.Session {
	now := m.now()
	zero := domain.NewMoney(0, opening.Currency)
	s := domain.Session{
		ID:             uuid.New().String(),
		PlayerID:       playerID,
		GameID:         gameID,
		WorkingBalance: opening,
		Status:         domain.SessionActive,
		OpeningBalance: opening,
		TotalBetAmount: zero,
		TotalWinAmount: zero,
		CreatedAt:      now,
		LastActivityAt: now,
	}

	m.mu.Lock()
	m.sessions[s.ID] = &entry{s: s}
	m.mu.Unlock()

	m.logger.Info("session created", "session_id", s.ID, "player_id", playerID, "game_id", gameID)
	m.notify(s)
	return s
}

func (m *Manager) lookup(id string) (*entry, error) {
	m.mu.RLock()
	e, ok := m.sessions[id]
	m.mu.RUnlock()
	if !ok {
		return nil, ErrSessionNotFound
	}
	return e, nil
}

// Get returns a copy of the session
func (m *Manager) Get(id string) (domain.Session, error) {
	e, err := m.lookup(id)
	if err != nil {
		return domain.Session{}, err
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.s, nil
}

// mutate runs fn with the session locked and notifies observers on success
func (m *Manager) mutate(id string, fn func(s *domain.Session) error) (domain.Session, error) {
	e, err := m.lookup(id)
	if err != nil {
		return domain.Session{}, err
	}

	e.mu.Lock()
	if err := fn(&e.s); err != nil {
		s := e.s
		e.mu.Unlock()
		return s, err
	}
	s := e.s
	e.mu.Unlock()

	m.notify(s)
	return s, nil
}

func checkAmount(s *domain.Session, amount domain.Money) error {
	if amount.Amount < 0 {
		return ErrInvalidAmount
	}
	if amount.Currency != "" && s.WorkingBalance.Currency != "" && amount.Currency != s.WorkingBalance.Currency {
		return ErrCurrencyMismatch
	}
	return nil
}

// Debit takes amount from the working balance and counts a round
func (m *Manager) Debit(id string, amount domain.Money) (domain.Session, error) {
	return m.mutate(id, func(s *domain.Session) error {
		if s.Status != domain.SessionActive {
			return ErrSessionNotActive
		}
		if err := checkAmount(s, amount); err != nil {
			return err
		}
		if amount.Amount > s.WorkingBalance.Amount {
			return ErrInsufficientFunds
		}
		s.WorkingBalance.Amount -= amount.Amount
		s.TotalBetAmount.Amount += amount.Amount
		s.RoundsPlayed++
		s.LastActivityAt = m.now()
		return nil
	})
}

// Credit adds amount to the working balance. Credits never fail for funds.
func (m *Manager) Credit(id string, amount domain.Money) (domain.Session, error) {
	return m.mutate(id, func(s *domain.Session) error {
		if s.Status != domain.SessionActive {
			return ErrSessionNotActive
		}
		if err := checkAmount(s, amount); err != nil {
			return err
		}
		s.WorkingBalance.Amount += amount.Amount
		s.TotalWinAmount.Amount += amount.Amount
		s.LastActivityAt = m.now()
		return nil
	})
}

// Change is a committed ledger effect to mirror into a session
type Change struct {
	Balance domain.Money // persisted balance after the commit
	Bet     int64        // signed change of the bet total
	Win     int64        // signed change of the win total
	Round   bool         // the change opened a round
}

// Sync mirrors a committed ledger change. The working balance is set to the
// persisted balance rather than adjusted, so the two cannot drift.
func (m *Manager) Sync(id string, c Change) (domain.Session, error) {
	return m.mutate(id, func(s *domain.Session) error {
		if s.Status != domain.SessionActive {
			return ErrSessionNotActive
		}
		s.WorkingBalance = c.Balance
		s.TotalBetAmount.Amount += c.Bet
		s.TotalWinAmount.Amount += c.Win
		if c.Round {
			s.RoundsPlayed++
		}
		s.LastActivityAt = m.now()
		return nil
	})
}

// Touch records activity on an active session
func (m *Manager) Touch(id string) error {
	_, err := m.mutate(id, func(s *domain.Session) error {
		if s.Status != domain.SessionActive {
			return ErrSessionNotActive
		}
		s.LastActivityAt = m.now()
		return nil
	})
	return err
}

// End completes the session. Ending a finished session is an error.
func (m *Manager) End(id string) (domain.Session, error) {
	s, err := m.mutate(id, func(s *domain.Session) error {
		if s.Status != domain.SessionActive {
			return ErrSessionNotActive
		}
		now := m.now()
		s.Status = domain.SessionCompleted
		s.EndedAt = &now
		return nil
	})
	if err == nil {
		m.logger.Info("session ended", "session_id", id, "rounds", s.RoundsPlayed,
			"total_bet", s.TotalBetAmount.Amount, "total_win", s.TotalWinAmount.Amount)
	}
	return s, err
}

// FindActive returns the active session of a player in a game
func (m *Manager) FindActive(playerID, gameID string) (domain.Session, bool) {
	for _, s := range m.List(playerID) {
		if s.GameID == gameID && s.Status == domain.SessionActive {
			return s, true
		}
	}
	return domain.Session{}, false
}

// List returns copies of the sessions of a player, or of everyone when
// playerID is empty.
func (m *Manager) List(playerID string) []domain.Session {
	m.mu.RLock()
	entries := make([]*entry, 0, len(m.sessions))
	for _, e := range m.sessions {
		entries = append(entries, e)
	}
	m.mu.RUnlock()

	out := make([]domain.Session, 0)
	for _, e := range entries {
		e.mu.Lock()
		s := e.s
		e.mu.Unlock()
		if playerID == "" || s.PlayerID == playerID {
			out = append(out, s)
		}
	}
	return out
}

// ReapIdle times out active sessions idle for longer than the idle timeout
// and forgets finished sessions past retention. It returns the ids it timed out.
func (m *Manager) ReapIdle(now time.Time) []string {
	m.mu.RLock()
	ids := make([]string, 0, len(m.sessions))
	for id := range m.sessions {
		ids = append(ids, id)
	}
	m.mu.RUnlock()

	var timedOut, expired []string
	for _, id := range ids {
		e, err := m.lookup(id)
		if err != nil {
			continue
		}

		e.mu.Lock()
		var changed *domain.Session
		switch {
		case e.s.Status == domain.SessionActive && now.Sub(e.s.LastActivityAt) >= m.idleTimeout:
			e.s.Status = domain.SessionTimedOut
			ended := now
			e.s.EndedAt = &ended
			s := e.s
			changed = &s
			timedOut = append(timedOut, id)
		case e.s.Status != domain.SessionActive && e.s.EndedAt != nil && now.Sub(*e.s.EndedAt) >= m.retention:
			expired = append(expired, id)
		}
		e.mu.Unlock()

		if changed != nil {
			m.notify(*changed)
		}
	}

	if len(expired) > 0 {
		m.mu.Lock()
		for _, id := range expired {
			delete(m.sessions, id)
		}
		m.mu.Unlock()
	}
	if len(timedOut) > 0 {
		m.logger.Info("idle sessions timed out", "count", len(timedOut))
	}
	return timedOut
}

// Run reaps idle sessions every interval until ctx is done
func (m *Manager) Run(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			m.ReapIdle(m.now())
		}
	}
}

func (m *Manager) notify(s domain.Session) {
	m.mu.RLock()
	observers := m.observers
	m.mu.RUnlock()
	for _, fn := range observers {
		fn(s)
	}
}

// Package control is the operator kill switch of the gateway.
//
// Gaming as a whole, a single game or a single player can be blocked. A
// block stops new sessions, launches and bets; wins, refunds and rollbacks
// for money already wagered always go through. Blocks survive restarts when
// a database is configured.
package control

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/alexbotov/slotgate/internal/audit"
	"github.com/alexbotov/slotgate/internal/domain"
	"github.com/alexbotov/slotgate/internal/session"
)

var (
	ErrGamingDisabled = errors.New("gaming is currently disabled")
	ErrGameDisabled   = errors.New("game is currently disabled")
	ErrPlayerDisabled = errors.New("player is blocked")
	ErrInvalidScope   = errors.New("invalid block scope")
	ErrMissingTarget  = errors.New("block target is required")
)

// Scope is what a block applies to
type Scope string

const (
	ScopeGaming Scope = "gaming"
	ScopeGame   Scope = "game"
	ScopePlayer Scope = "player"
)

// ParseScope validates a scope name
func ParseScope(s string) (Scope, error) {
	switch sc := Scope(s); sc {
	case ScopeGaming, ScopeGame, ScopePlayer:
		return sc, nil
	}
	return "", fmt.Errorf("%w: %q", ErrInvalidScope, s)
}

// Block is one active block. Target is empty for ScopeGaming.
type Block struct {
	Scope     Scope     `json:"scope"`
	Target    string    `json:"target,omitempty"`
	Reason    string    `json:"reason,omitempty"`
	BlockedBy string    `json:"blocked_by,omitempty"`
	BlockedAt time.Time `json:"blocked_at"`
}

// Status is the current control state
type Status struct {
	GamingEnabled  bool    `json:"gaming_enabled"`
	Blocks         []Block `json:"blocks"`
	ActiveSessions int     `json:"active_sessions"`
}

type key struct {
	scope  Scope
	target string
}

// Service holds the block list. db may be nil, in which case blocks live in
// memory only.
type Service struct {
	db       *sql.DB
	audit    *audit.Service
	sessions *session.Manager
	logger   *slog.Logger
	now      func() time.Time

	mu     sync.RWMutex
	blocks map[key]Block
}

// Option configures a Service
type Option func(*Service)

// WithSessions lets player blocks end the player's active sessions
func WithSessions(m *session.Manager) Option {
	return func(s *Service) { s.sessions = m }
}

// WithLogger sets the logger
func WithLogger(logger *slog.Logger) Option {
	return func(s *Service) { s.logger = logger }
}

// WithClock overrides the time source
func WithClock(now func() time.Time) Option {
	return func(s *Service) { s.now = now }
}

// New creates a new control service
func New(db *sql.DB, auditSvc *audit.Service, opts ...Option) *Service {
	s := &Service{
		db:     db,
		audit:  auditSvc,
		logger: slog.Default(),
		now:    time.Now,
		blocks: make(map[key]Block),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Block applies a block. Blocking an already blocked target updates its reason.
func (s *Service) Block(ctx context.Context, scope Scope, target, reason, by string) error {
	k, err := s.key(scope, target)
	if err != nil {
		return err
	}
	b := Block{Scope: scope, Target: k.target, Reason: reason, BlockedBy: by, BlockedAt: s.now().UTC()}

	if s.db != nil {
		_, err := s.db.ExecContext(ctx, `
			INSERT INTO control_blocks (scope, target, reason, blocked_by, blocked_at)
			VALUES ($1, $2, $3, $4, $5)
			ON CONFLICT (scope, target) DO UPDATE SET reason = $3, blocked_by = $4, blocked_at = $5
		`, string(b.Scope), b.Target, b.Reason, b.BlockedBy, b.BlockedAt)
		if err != nil {
			return fmt.Errorf("failed to persist block: %w", err)
		}
	}

	s.mu.Lock()
	s.blocks[k] = b
	s.mu.Unlock()

	severity := domain.SeverityWarning
	if scope == ScopeGaming {
		severity = domain.SeverityCritical
	}
	s.record(ctx, string(scope)+"_disabled", severity, b)

	if scope == ScopePlayer {
		s.endSessions(k.target)
	}
	return nil
}

// Unblock lifts a block. Lifting a block that does not exist is not an error.
func (s *Service) Unblock(ctx context.Context, scope Scope, target, by string) error {
	k, err := s.key(scope, target)
	if err != nil {
		return err
	}

	if s.db != nil {
		_, err := s.db.ExecContext(ctx, `DELETE FROM control_blocks WHERE scope = $1 AND target = $2`,
			string(k.scope), k.target)
		if err != nil {
			return fmt.Errorf("failed to persist unblock: %w", err)
		}
	}

	s.mu.Lock()
	_, existed := s.blocks[k]
	delete(s.blocks, k)
	s.mu.Unlock()

	if existed {
		s.record(ctx, string(scope)+"_enabled", domain.SeverityInfo,
			Block{Scope: scope, Target: k.target, BlockedBy: by, BlockedAt: s.now().UTC()})
	}
	return nil
}

func (s *Service) key(scope Scope, target string) (key, error) {
	if _, err := ParseScope(string(scope)); err != nil {
		return key{}, err
	}
	if scope == ScopeGaming {
		return key{scope: scope}, nil
	}
	if target == "" {
		return key{}, ErrMissingTarget
	}
	return key{scope: scope, target: target}, nil
}

func (s *Service) blocked(scope Scope, target string) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	_, ok := s.blocks[key{scope: scope, target: target}]
	return ok
}

// IsGamingEnabled checks if gaming is currently enabled
func (s *Service) IsGamingEnabled() bool {
	return !s.blocked(ScopeGaming, "")
}

// IsGameEnabled checks if a specific game is enabled
func (s *Service) IsGameEnabled(gameID string) bool {
	return !s.blocked(ScopeGame, gameID)
}

// IsPlayerEnabled checks if a player may wager
func (s *Service) IsPlayerEnabled(playerID string) bool {
	return !s.blocked(ScopePlayer, playerID)
}

// CheckAccess verifies a player can start play on a game. An empty player
// or game id skips that check.
func (s *Service) CheckAccess(playerID, gameID string) error {
	if !s.IsGamingEnabled() {
		return ErrGamingDisabled
	}
	if gameID != "" && !s.IsGameEnabled(gameID) {
		return ErrGameDisabled
	}
	if playerID != "" && !s.IsPlayerEnabled(playerID) {
		return ErrPlayerDisabled
	}
	return nil
}

// Status returns the current control state, blocks ordered by scope and target
func (s *Service) Status() Status {
	s.mu.RLock()
	blocks := make([]Block, 0, len(s.blocks))
	for _, b := range s.blocks {
		blocks = append(blocks, b)
	}
	s.mu.RUnlock()

	sort.Slice(blocks, func(i, j int) bool {
		if blocks[i].Scope != blocks[j].Scope {
			return blocks[i].Scope < blocks[j].Scope
		}
		return blocks[i].Target < blocks[j].Target
	})

	st := Status{GamingEnabled: s.IsGamingEnabled(), Blocks: blocks}
	if s.sessions != nil {
		for _, sess := range s.sessions.List("") {
			if sess.Status == domain.SessionActive {
				st.ActiveSessions++
			}
		}
	}
	return st
}

// LoadState loads persisted blocks on startup
func (s *Service) LoadState(ctx context.Context) error {
	if s.db == nil {
		return nil
	}

	rows, err := s.db.QueryContext(ctx, `SELECT scope, target, reason, blocked_by, blocked_at FROM control_blocks`)
	if err != nil {
		return fmt.Errorf("failed to load blocks: %w", err)
	}
	defer rows.Close()

	loaded := make(map[key]Block)
	for rows.Next() {
		var b Block
		var scope string
		if err := rows.Scan(&scope, &b.Target, &b.Reason, &b.BlockedBy, &b.BlockedAt); err != nil {
			return err
		}
		b.Scope = Scope(scope)
		loaded[key{scope: b.Scope, target: b.Target}] = b
	}
	if err := rows.Err(); err != nil {
		return err
	}

	s.mu.Lock()
	s.blocks = loaded
	s.mu.Unlock()
	s.logger.Info("control state loaded", "blocks", len(loaded))
	return nil
}

func (s *Service) endSessions(playerID string) {
	if s.sessions == nil {
		return
	}
	for _, sess := range s.sessions.List(playerID) {
		if sess.Status != domain.SessionActive {
			continue
		}
		if _, err := s.sessions.End(sess.ID); err != nil && !errors.Is(err, session.ErrSessionNotActive) {
			s.logger.Warn("failed to end session of blocked player", "session_id", sess.ID, "error", err)
		}
	}
}

func (s *Service) record(ctx context.Context, eventType string, severity domain.EventSeverity, b Block) {
	if s.audit == nil {
		return
	}
	opts := []audit.EventOption{audit.WithComponent("control")}
	if b.Scope == ScopePlayer {
		opts = append(opts, audit.WithPlayer(b.Target))
	}
	desc := fmt.Sprintf("%s %s", b.Scope, eventType[len(b.Scope)+1:])
	if b.Target != "" {
		desc += ": " + b.Target
	}
	if err := s.audit.Log(ctx, eventType, severity, desc, map[string]interface{}{
		"scope":         b.Scope,
		"target":        b.Target,
		"reason":        b.Reason,
		"authorized_by": b.BlockedBy,
	}, opts...); err != nil {
		s.logger.Warn("audit write failed", "type", eventType, "error", err)
	}
}

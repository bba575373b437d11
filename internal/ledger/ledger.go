// Package ledger is the idempotent processor for balance-affecting provider
// callbacks: bet, win, refund and rollback, plus the balance query.
//
// Every operation is keyed by an action id. An unseen action id is applied
// exactly once inside one store transaction that locks the player's balance;
// a seen action id returns the stored result without touching the balance.
// The store commit is the point of effect: the in-memory session and the
// jackpot pools follow only committed changes.
package ledger

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"

	"github.com/alexbotov/slotgate/internal/audit"
	"github.com/alexbotov/slotgate/internal/domain"
	"github.com/alexbotov/slotgate/internal/jackpot"
	"github.com/alexbotov/slotgate/internal/session"
)

// ErrActionConflict is returned when an action id was already used by another player
var ErrActionConflict = errors.New("action id belongs to another player")

const rollbackSuffix = ":rollback"

// RollbackActionID is the action id a rollback of target is recorded under
func RollbackActionID(target string) string {
	return target + rollbackSuffix
}

// AccessChecker reports whether a player may wager on a game
type AccessChecker interface {
	CheckAccess(playerID, gameID string) error
}

// Service processes ledger operations
type Service struct {
	store    Store
	sessions *session.Manager
	jackpots *jackpot.Pools
	access   AccessChecker
	audit    *audit.Service
	logger   *slog.Logger
	now      func() time.Time
	largeWin int64
	metrics  *metrics
}

// Option configures a Service
type Option func(*Service)

// WithSessions mirrors committed changes into the session manager
func WithSessions(m *session.Manager) Option {
	return func(s *Service) { s.sessions = m }
}

// WithJackpots enables jackpot contributions and draws on bets
func WithJackpots(p *jackpot.Pools) Option {
	return func(s *Service) { s.jackpots = p }
}

// WithAccess refuses fresh bets the checker rejects. Replays, wins, refunds
// and rollbacks are never refused.
func WithAccess(a AccessChecker) Option {
	return func(s *Service) { s.access = a }
}

// WithAudit records significant events
func WithAudit(a *audit.Service) Option {
	return func(s *Service) { s.audit = a }
}

// WithLogger sets the logger
func WithLogger(logger *slog.Logger) Option {
	return func(s *Service) { s.logger = logger }
}

// WithClock overrides the time source
func WithClock(now func() time.Time) Option {
	return func(s *Service) { s.now = now }
}

// WithLargeWinThreshold sets the win amount, in minor units, that is audited
func WithLargeWinThreshold(amount int64) Option {
	return func(s *Service) { s.largeWin = amount }
}

// WithRegisterer registers the ledger metrics on reg
func WithRegisterer(reg prometheus.Registerer) Option {
	return func(s *Service) { s.metrics = newMetrics(reg) }
}

// New creates a ledger over store
func New(store Store, opts ...Option) *Service {
	s := &Service{
		store:  store,
		logger: slog.Default(),
		now:    time.Now,
	}
	for _, opt := range opts {
		opt(s)
	}
	if s.metrics == nil {
		s.metrics = newMetrics(nil)
	}
	return s
}

// change is what one operation applies under the balance lock
type change struct {
	kind        domain.LedgerKind
	refActionID string
	bet         int64 // recorded bet amount
	win         int64 // recorded win amount
	delta       int64 // signed balance effect
	sessionBet  int64
	sessionWin  int64
	round       bool
	award       *jackpot.Award
	undo        func()
}

type operation struct {
	actionID  string
	playerID  string
	sessionID string
	gameID    string
	roundID   string
	status    domain.LedgerStatus
	// replayCurrent answers a seen action id with the current balance
	// instead of the stored one.
	replayCurrent bool
	// plan computes the change. A nil change means there is nothing to do.
	plan func(ctx context.Context, tx Tx, bal domain.Balance) (*change, error)
}

type outcome struct {
	entry    *domain.LedgerEntry
	balance  domain.Money
	replayed bool
	change   *change
}

func (s *Service) execute(ctx context.Context, op operation) (*outcome, error) {
	if op.actionID == "" {
		return nil, ErrMissingActionID
	}
	if op.status == "" {
		op.status = domain.LedgerCompleted
	}

	var out *outcome
	var undo func()

	err := s.store.WithinTx(ctx, func(tx Tx) error {
		bal, err := tx.LockBalance(ctx, op.playerID)
		if err != nil {
			return err
		}

		prev, err := tx.FindEntry(ctx, op.actionID)
		if err != nil {
			return err
		}
		if prev != nil {
			out, err = replay(op, prev, bal.Amount)
			return err
		}

		ch, err := op.plan(ctx, tx, bal)
		if err != nil {
			return err
		}
		if ch == nil {
			out = &outcome{balance: bal.Amount}
			return nil
		}
		undo = ch.undo

		currency := bal.Amount.Currency
		entry := &domain.LedgerEntry{
			ID:            uuid.New().String(),
			ActionID:      op.actionID,
			RefActionID:   ch.refActionID,
			SessionID:     op.sessionID,
			PlayerID:      op.playerID,
			GameID:        op.gameID,
			RoundID:       op.roundID,
			Kind:          ch.kind,
			Status:        op.status,
			BetAmount:     domain.NewMoney(ch.bet, currency),
			WinAmount:     domain.NewMoney(ch.win, currency),
			BalanceBefore: bal.Amount,
			BalanceAfter:  domain.NewMoney(bal.Amount.Amount+ch.delta, currency),
			CreatedAt:     s.now().UTC(),
		}

		if err := tx.SetBalance(ctx, op.playerID, entry.BalanceAfter); err != nil {
			return err
		}
		if err := tx.InsertEntry(ctx, entry); err != nil {
			return err
		}

		out = &outcome{entry: entry, balance: entry.BalanceAfter, change: ch}
		return nil
	})

	if err != nil {
		if undo != nil {
			undo()
		}
		if errors.Is(err, ErrDuplicateAction) {
			// lost a race on the unique action id; the winner's entry is committed
			return s.replayCommitted(ctx, op)
		}
		return nil, err
	}

	if out.change != nil {
		s.sync(op, out)
	}
	return out, nil
}

func replay(op operation, prev *domain.LedgerEntry, current domain.Money) (*outcome, error) {
	if prev.PlayerID != op.playerID {
		return nil, fmt.Errorf("%w: %s", ErrActionConflict, op.actionID)
	}
	out := &outcome{entry: prev, balance: prev.BalanceAfter, replayed: true}
	if op.replayCurrent {
		out.balance = current
	}
	return out, nil
}

func (s *Service) replayCommitted(ctx context.Context, op operation) (*outcome, error) {
	prev, err := s.store.Entry(ctx, op.actionID)
	if err != nil {
		return nil, err
	}
	if prev == nil {
		return nil, fmt.Errorf("%w: %s not readable after conflict", ErrDuplicateAction, op.actionID)
	}
	bal, err := s.store.Balance(ctx, op.playerID)
	if err != nil {
		return nil, err
	}
	return replay(op, prev, bal.Amount)
}

// sync mirrors a committed change into the session. A session that is gone
// or no longer active keeps its final state.
func (s *Service) sync(op operation, out *outcome) {
	if s.sessions == nil || op.sessionID == "" {
		return
	}
	_, err := s.sessions.Sync(op.sessionID, session.Change{
		Balance: out.balance,
		Bet:     out.change.sessionBet,
		Win:     out.change.sessionWin,
		Round:   out.change.round,
	})
	if err != nil {
		s.logger.Debug("session not synced", "session_id", op.sessionID, "action_id", op.actionID, "error", err)
	}
}

func checkAmount(amount domain.Money, bal domain.Balance) error {
	if amount.Amount < 0 {
		return ErrInvalidAmount
	}
	if amount.Currency != "" && amount.Currency != bal.Amount.Currency {
		return fmt.Errorf("%w: %s against %s balance", ErrCurrencyMismatch, amount.Currency, bal.Amount.Currency)
	}
	return nil
}

// Bet debits amount. A bet may win a jackpot pool; the award is credited in
// the same entry as its win amount.
func (s *Service) Bet(ctx context.Context, req Request) (*BetResult, error) {
	out, err := s.execute(ctx, operation{
		actionID:  req.ActionID,
		playerID:  req.PlayerID,
		sessionID: req.SessionID,
		gameID:    req.GameID,
		roundID:   req.RoundID,
		status:    req.Status,
		plan: func(ctx context.Context, tx Tx, bal domain.Balance) (*change, error) {
			if err := checkAmount(req.Amount, bal); err != nil {
				return nil, err
			}
			if s.sessions != nil && req.SessionID != "" {
				if sess, err := s.sessions.Get(req.SessionID); err == nil && sess.Status != domain.SessionActive {
					return nil, ErrSessionNotActive
				}
			}
			if s.access != nil {
				if err := s.access.CheckAccess(req.PlayerID, req.GameID); err != nil {
					return nil, err
				}
			}
			if req.Amount.Amount > bal.Amount.Amount {
				return nil, ErrInsufficientFunds
			}

			ch := &change{
				kind:        domain.LedgerBet,
				refActionID: req.RefActionID,
				bet:         req.Amount.Amount,
				delta:       -req.Amount.Amount,
				sessionBet:  req.Amount.Amount,
				round:       true,
			}
			if s.jackpots != nil && req.GameID != "" {
				stake := domain.NewMoney(req.Amount.Amount, bal.Amount.Currency)
				award, undo, err := s.jackpots.Settle(req.GameID, stake)
				if err != nil {
					s.logger.Warn("jackpot settlement skipped", "action_id", req.ActionID, "error", err)
				} else {
					ch.undo = undo
					if award != nil {
						ch.award = award
						ch.win = award.Amount.Amount
						ch.delta += award.Amount.Amount
						ch.sessionWin = award.Amount.Amount
					}
				}
			}
			return ch, nil
		},
	})
	if err != nil {
		s.metrics.observe(domain.LedgerBet, err, false)
		return nil, err
	}
	s.metrics.observe(domain.LedgerBet, nil, out.replayed)

	result := &BetResult{Balance: out.balance, Entry: *out.entry, Replayed: out.replayed}
	if out.change != nil && out.change.award != nil {
		result.Jackpot = out.change.award
		s.metrics.jackpots.WithLabelValues(string(result.Jackpot.Tier)).Inc()
		s.record(ctx, audit.EventJackpotAward, domain.SeverityWarning, "jackpot awarded", req.PlayerID, req.SessionID,
			map[string]interface{}{
				"action_id": req.ActionID,
				"game_id":   req.GameID,
				"tier":      result.Jackpot.Tier,
				"amount":    result.Jackpot.Amount.String(),
			})
	}
	return result, nil
}

// Win credits amount. A win for an unknown player fails with ErrPlayerNotFound.
func (s *Service) Win(ctx context.Context, req Request) (*WinResult, error) {
	out, err := s.execute(ctx, operation{
		actionID:  req.ActionID,
		playerID:  req.PlayerID,
		sessionID: req.SessionID,
		gameID:    req.GameID,
		roundID:   req.RoundID,
		status:    req.Status,
		plan: func(ctx context.Context, tx Tx, bal domain.Balance) (*change, error) {
			if err := checkAmount(req.Amount, bal); err != nil {
				return nil, err
			}
			return &change{
				kind:        domain.LedgerWin,
				refActionID: req.RefActionID,
				win:         req.Amount.Amount,
				delta:       req.Amount.Amount,
				sessionWin:  req.Amount.Amount,
			}, nil
		},
	})
	if err != nil {
		s.metrics.observe(domain.LedgerWin, err, false)
		return nil, err
	}
	s.metrics.observe(domain.LedgerWin, nil, out.replayed)

	if !out.replayed && s.largeWin > 0 && req.Amount.Amount >= s.largeWin {
		s.record(ctx, audit.EventLargeWin, domain.SeverityInfo, "large win", req.PlayerID, req.SessionID,
			map[string]interface{}{"action_id": req.ActionID, "game_id": req.GameID, "amount": req.Amount.String()})
	}
	return &WinResult{Balance: out.balance, Entry: *out.entry, Replayed: out.replayed}, nil
}

// Refund credits back a bet the provider could not settle
func (s *Service) Refund(ctx context.Context, req Request) (*RefundResult, error) {
	out, err := s.execute(ctx, operation{
		actionID:  req.ActionID,
		playerID:  req.PlayerID,
		sessionID: req.SessionID,
		gameID:    req.GameID,
		roundID:   req.RoundID,
		status:    req.Status,
		plan: func(ctx context.Context, tx Tx, bal domain.Balance) (*change, error) {
			if err := checkAmount(req.Amount, bal); err != nil {
				return nil, err
			}
			return &change{
				kind:        domain.LedgerRefund,
				refActionID: req.RefActionID,
				win:         req.Amount.Amount,
				delta:       req.Amount.Amount,
				sessionBet:  -req.Amount.Amount,
			}, nil
		},
	})
	if err != nil {
		s.metrics.observe(domain.LedgerRefund, err, false)
		return nil, err
	}
	s.metrics.observe(domain.LedgerRefund, nil, out.replayed)
	return &RefundResult{Balance: out.balance, Entry: *out.entry, Replayed: out.replayed}, nil
}

// Rollback reverses the entry recorded under the target action id by
// applying +bet-win of that entry once. An unknown target, or a target that
// was already rolled back, leaves the balance unchanged.
func (s *Service) Rollback(ctx context.Context, req RollbackRequest) (*RollbackResult, error) {
	if req.TargetActionID == "" {
		return nil, ErrMissingActionID
	}

	out, err := s.execute(ctx, operation{
		actionID:      RollbackActionID(req.TargetActionID),
		playerID:      req.PlayerID,
		sessionID:     req.SessionID,
		replayCurrent: true,
		plan: func(ctx context.Context, tx Tx, bal domain.Balance) (*change, error) {
			target, err := tx.FindEntry(ctx, req.TargetActionID)
			if err != nil {
				return nil, err
			}
			if target == nil || target.PlayerID != req.PlayerID || target.Kind == domain.LedgerRollback {
				return nil, nil
			}

			ch := &change{
				kind:        domain.LedgerRollback,
				refActionID: target.ActionID,
				bet:         target.BetAmount.Amount,
				win:         target.WinAmount.Amount,
				delta:       target.BetAmount.Amount - target.WinAmount.Amount,
				sessionBet:  -target.BetAmount.Amount,
				sessionWin:  -target.WinAmount.Amount,
			}
			if target.Kind == domain.LedgerRefund {
				ch.sessionBet, ch.sessionWin = target.WinAmount.Amount, 0
			}
			return ch, nil
		},
	})
	if err != nil {
		s.metrics.observe(domain.LedgerRollback, err, false)
		return nil, err
	}
	s.metrics.observe(domain.LedgerRollback, nil, out.replayed)

	result := &RollbackResult{Balance: out.balance, Replayed: out.replayed}
	if out.change != nil {
		result.Entry = out.entry
		result.Reversed = true
		s.record(ctx, audit.EventRollback, domain.SeverityInfo, "ledger entry rolled back", req.PlayerID, req.SessionID,
			map[string]interface{}{
				"target_action_id": req.TargetActionID,
				"bet":              out.entry.BetAmount.String(),
				"win":              out.entry.WinAmount.String(),
			})
	} else if out.replayed {
		result.Entry = out.entry
	}
	return result, nil
}

// Balance reads the persisted balance
func (s *Service) Balance(ctx context.Context, playerID string) (*BalanceResult, error) {
	bal, err := s.store.Balance(ctx, playerID)
	if err != nil {
		return nil, err
	}
	return &BalanceResult{PlayerID: playerID, Balance: bal.Amount}, nil
}

// Entry returns the committed entry recorded under actionID, or nil
func (s *Service) Entry(ctx context.Context, actionID string) (*domain.LedgerEntry, error) {
	if actionID == "" {
		return nil, ErrMissingActionID
	}
	return s.store.Entry(ctx, actionID)
}

// History lists a player's entries, newest first
func (s *Service) History(ctx context.Context, playerID string, limit int) ([]domain.LedgerEntry, error) {
	if limit <= 0 || limit > 500 {
		limit = 100
	}
	return s.store.History(ctx, playerID, limit)
}

func (s *Service) record(ctx context.Context, eventType string, severity domain.EventSeverity, description, playerID, sessionID string, data interface{}) {
	if s.audit == nil {
		return
	}
	if err := s.audit.Log(ctx, eventType, severity, description, data,
		audit.WithPlayer(playerID), audit.WithSession(sessionID), audit.WithComponent("ledger")); err != nil {
		s.logger.Warn("audit event not stored", "type", eventType, "error", err)
	}
}

// Package orchestrator drives real-money game rounds on behalf of first-party
// callers: it opens sessions against the persisted balance, places bets and
// settles rounds through the ledger, and launches provider games.
//
// Action ids are derived from the session and round, so a retried call maps
// onto the same ledger entry instead of moving money twice.
package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"

	"github.com/alexbotov/slotgate/internal/audit"
	"github.com/alexbotov/slotgate/internal/domain"
	"github.com/alexbotov/slotgate/internal/ledger"
	"github.com/alexbotov/slotgate/internal/session"
	"github.com/alexbotov/slotgate/pkg/provider"
)

var (
	ErrMissingRound       = errors.New("round id is required")
	ErrUnknownOutcome     = errors.New("unknown round outcome")
	ErrNotSessionOwner    = errors.New("session belongs to another player")
	ErrDeviceNotSupported = errors.New("game does not support the device")
	ErrLaunchUnavailable  = errors.New("game launch is not configured")
	ErrRoundNotFound      = errors.New("round has no open bet")
	ErrRefundExceedsBet   = errors.New("refund exceeds the round's bet")
	ErrRoundSettled       = errors.New("round already settled with another outcome")
)

// Launcher initializes provider game sessions
type Launcher interface {
	InitGame(ctx context.Context, req provider.InitGameRequest) (*provider.InitGameResult, error)
}

// Games looks up catalog entries
type Games interface {
	Game(ctx context.Context, id string) (domain.CatalogEntry, error)
}

// AccessChecker reports whether a player may start play on a game
type AccessChecker interface {
	CheckAccess(playerID, gameID string) error
}

// Service orchestrates real-money rounds
type Service struct {
	ledger    *ledger.Service
	sessions  *session.Manager
	launcher  Launcher
	games     Games
	access    AccessChecker
	audit     *audit.Service
	logger    *slog.Logger
	returnURL string
}

// Option configures a Service
type Option func(*Service)

// WithLauncher enables Launch through the provider API
func WithLauncher(l Launcher) Option {
	return func(s *Service) { s.launcher = l }
}

// WithGames validates launched games against the catalog
func WithGames(g Games) Option {
	return func(s *Service) { s.games = g }
}

// WithAccess gates new sessions and launches. Bets are gated by the ledger.
func WithAccess(a AccessChecker) Option {
	return func(s *Service) { s.access = a }
}

// WithAudit records session start and end
func WithAudit(a *audit.Service) Option {
	return func(s *Service) { s.audit = a }
}

// WithLogger sets the logger
func WithLogger(logger *slog.Logger) Option {
	return func(s *Service) { s.logger = logger }
}

// WithReturnURL sets the lobby url the provider returns players to
func WithReturnURL(u string) Option {
	return func(s *Service) { s.returnURL = u }
}

// New creates an orchestrator
func New(ledgerSvc *ledger.Service, sessions *session.Manager, opts ...Option) *Service {
	s := &Service{
		ledger:   ledgerSvc,
		sessions: sessions,
		logger:   slog.Default(),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// ActionID derives the ledger action id of one step of a round
func ActionID(sessionID, roundID string, kind domain.LedgerKind) string {
	return sessionID + ":" + roundID + ":" + string(kind)
}

// SettleActionID is the single action id a round's settlement is recorded
// under, whatever the outcome
func SettleActionID(sessionID, roundID string) string {
	return sessionID + ":" + roundID + ":settle"
}

// StartSession opens a session for the player in a game, seeded with the
// persisted balance. An active session of the player in that game is reused.
func (s *Service) StartSession(ctx context.Context, playerID, gameID string) (domain.Session, error) {
	if err := s.checkAccess(playerID, gameID); err != nil {
		return domain.Session{}, err
	}
	if sess, ok := s.sessions.FindActive(playerID, gameID); ok {
		return sess, nil
	}

	bal, err := s.ledger.Balance(ctx, playerID)
	if err != nil {
		return domain.Session{}, err
	}

	sess := s.sessions.Create(playerID, gameID, bal.Balance)
	s.record(ctx, audit.EventSessionStart, "game session started", sess,
		map[string]interface{}{"game_id": gameID, "opening_balance": bal.Balance.String()})
	return sess, nil
}

func (s *Service) checkAccess(playerID, gameID string) error {
	if s.access == nil {
		return nil
	}
	return s.access.CheckAccess(playerID, gameID)
}

func (s *Service) activeSession(sessionID string) (domain.Session, error) {
	sess, err := s.sessions.Get(sessionID)
	if err != nil {
		return domain.Session{}, err
	}
	if sess.Status != domain.SessionActive {
		return domain.Session{}, session.ErrSessionNotActive
	}
	return sess, nil
}

// Owned returns the session if it belongs to playerID
func (s *Service) Owned(sessionID, playerID string) (domain.Session, error) {
	sess, err := s.sessions.Get(sessionID)
	if err != nil {
		return domain.Session{}, err
	}
	if sess.PlayerID != playerID {
		return domain.Session{}, ErrNotSessionOwner
	}
	return sess, nil
}

// PlaceBet debits amount for a round. The entry stays pending until the
// round is settled. A zero-currency amount takes the session currency.
func (s *Service) PlaceBet(ctx context.Context, sessionID, roundID string, amount domain.Money) (*ledger.BetResult, error) {
	if roundID == "" {
		return nil, ErrMissingRound
	}
	sess, err := s.activeSession(sessionID)
	if err != nil {
		return nil, err
	}
	if amount.Currency == "" {
		amount.Currency = sess.WorkingBalance.Currency
	}

	return s.ledger.Bet(ctx, ledger.Request{
		ActionID:  ActionID(sessionID, roundID, domain.LedgerBet),
		PlayerID:  sess.PlayerID,
		SessionID: sessionID,
		GameID:    sess.GameID,
		RoundID:   roundID,
		Amount:    amount,
		Status:    domain.LedgerPending,
	})
}

// OutcomeKind is how a round ends
type OutcomeKind string

const (
	OutcomeWin    OutcomeKind = "win"
	OutcomeRefund OutcomeKind = "refund"
)

// Outcome settles a round. A win of zero closes a lost round.
type Outcome struct {
	Kind   OutcomeKind
	Amount domain.Money
}

func (o Outcome) ledgerKind() (domain.LedgerKind, bool) {
	switch o.Kind {
	case OutcomeWin:
		return domain.LedgerWin, true
	case OutcomeRefund:
		return domain.LedgerRefund, true
	}
	return "", false
}

// matches reports whether e records this outcome
func (o Outcome) matches(e *domain.LedgerEntry) bool {
	kind, _ := o.ledgerKind()
	return e.Kind == kind && e.WinAmount.Amount == o.Amount.Amount
}

// SettleResult is the outcome of SettleRound
type SettleResult struct {
	Balance  domain.Money
	Entry    domain.LedgerEntry
	Replayed bool
}

// SettleRound credits the round outcome. The round must have a bet placed
// through PlaceBet that was not rolled back, a refund cannot exceed that bet,
// and a round settles once: repeating the same outcome replays it, any other
// outcome fails with ErrRoundSettled.
func (s *Service) SettleRound(ctx context.Context, sessionID, roundID string, outcome Outcome) (*SettleResult, error) {
	if roundID == "" {
		return nil, ErrMissingRound
	}
	kind, ok := outcome.ledgerKind()
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrUnknownOutcome, outcome.Kind)
	}
	sess, err := s.sessions.Get(sessionID)
	if err != nil {
		return nil, err
	}
	if outcome.Amount.Currency == "" {
		outcome.Amount.Currency = sess.WorkingBalance.Currency
	}

	betID := ActionID(sessionID, roundID, domain.LedgerBet)
	settleID := SettleActionID(sessionID, roundID)

	prev, err := s.ledger.Entry(ctx, settleID)
	if err != nil {
		return nil, err
	}
	if prev != nil {
		if !outcome.matches(prev) {
			return nil, fmt.Errorf("%w: %s", ErrRoundSettled, roundID)
		}
	} else if err := s.checkBet(ctx, sess, betID, roundID, outcome); err != nil {
		return nil, err
	}

	req := ledger.Request{
		ActionID:    settleID,
		RefActionID: betID,
		PlayerID:    sess.PlayerID,
		SessionID:   sessionID,
		GameID:      sess.GameID,
		RoundID:     roundID,
		Amount:      outcome.Amount,
	}

	var res *SettleResult
	if kind == domain.LedgerWin {
		r, err := s.ledger.Win(ctx, req)
		if err != nil {
			return nil, err
		}
		res = &SettleResult{Balance: r.Balance, Entry: r.Entry, Replayed: r.Replayed}
	} else {
		r, err := s.ledger.Refund(ctx, req)
		if err != nil {
			return nil, err
		}
		res = &SettleResult{Balance: r.Balance, Entry: r.Entry, Replayed: r.Replayed}
	}

	// a concurrent settlement with another outcome won the action id
	if res.Replayed && !outcome.matches(&res.Entry) {
		return nil, fmt.Errorf("%w: %s", ErrRoundSettled, roundID)
	}
	return res, nil
}

func (s *Service) checkBet(ctx context.Context, sess domain.Session, betID, roundID string, outcome Outcome) error {
	bet, err := s.ledger.Entry(ctx, betID)
	if err != nil {
		return err
	}
	if bet == nil || bet.PlayerID != sess.PlayerID {
		return fmt.Errorf("%w: %s", ErrRoundNotFound, roundID)
	}
	rolledBack, err := s.ledger.Entry(ctx, ledger.RollbackActionID(betID))
	if err != nil {
		return err
	}
	if rolledBack != nil {
		return fmt.Errorf("%w: %s was rolled back", ErrRoundNotFound, roundID)
	}
	if outcome.Kind == OutcomeRefund && outcome.Amount.Amount > bet.BetAmount.Amount {
		return fmt.Errorf("%w: %s against %s", ErrRefundExceedsBet, outcome.Amount, bet.BetAmount)
	}
	return nil
}

// EndSession completes a session
func (s *Service) EndSession(ctx context.Context, sessionID string) (domain.Session, error) {
	sess, err := s.sessions.End(sessionID)
	if err != nil {
		return domain.Session{}, err
	}
	s.record(ctx, audit.EventSessionEnd, "game session ended", sess,
		map[string]interface{}{
			"rounds":    sess.RoundsPlayed,
			"total_bet": sess.TotalBetAmount.String(),
			"total_win": sess.TotalWinAmount.String(),
		})
	return sess, nil
}

// LaunchRequest asks for a game url
type LaunchRequest struct {
	PlayerID   string
	PlayerName string
	GameID     string
	Currency   string
	Language   string
	Device     provider.Device
	Mode       provider.Mode
	ReturnURL  string
	LobbyData  string
}

// LaunchResult carries the provider url and, in real mode, the session
type LaunchResult struct {
	URL     string
	Session *domain.Session
}

// Launch opens a real-money session (real mode) and asks the provider for
// the game url. A session created here is ended again if the provider fails.
func (s *Service) Launch(ctx context.Context, req LaunchRequest) (*LaunchResult, error) {
	if s.launcher == nil {
		return nil, ErrLaunchUnavailable
	}
	if req.Mode == "" {
		req.Mode = provider.ModeReal
	}
	if err := s.checkAccess(req.PlayerID, req.GameID); err != nil {
		return nil, err
	}
	if req.ReturnURL == "" {
		req.ReturnURL = s.returnURL
	}

	if s.games != nil {
		entry, err := s.games.Game(ctx, req.GameID)
		if err != nil {
			return nil, err
		}
		if req.Device != "" && !entry.DeviceSupport.Supports(domain.DeviceSupport(req.Device)) {
			return nil, fmt.Errorf("%w: %s on %s", ErrDeviceNotSupported, req.GameID, req.Device)
		}
	}

	initReq := provider.InitGameRequest{
		GameID:     req.GameID,
		PlayerID:   req.PlayerID,
		PlayerName: req.PlayerName,
		Currency:   strings.ToUpper(req.Currency),
		Language:   req.Language,
		Device:     req.Device,
		Mode:       req.Mode,
		ReturnURL:  req.ReturnURL,
		LobbyData:  req.LobbyData,
	}

	result := &LaunchResult{}
	var created bool
	if req.Mode == provider.ModeReal {
		_, existed := s.sessions.FindActive(req.PlayerID, req.GameID)
		sess, err := s.StartSession(ctx, req.PlayerID, req.GameID)
		if err != nil {
			return nil, err
		}
		created = !existed
		result.Session = &sess
		initReq.SessionID = sess.ID
		initReq.Currency = sess.WorkingBalance.Currency
	}

	res, err := s.launcher.InitGame(ctx, initReq)
	if err != nil {
		if created {
			if _, endErr := s.sessions.End(result.Session.ID); endErr != nil {
				s.logger.Debug("session already finished", "session_id", result.Session.ID, "error", endErr)
			}
		}
		return nil, fmt.Errorf("failed to init game: %w", err)
	}
	result.URL = res.URL

	s.logger.Info("game launched", "player_id", req.PlayerID, "game_id", req.GameID, "mode", req.Mode)
	return result, nil
}

func (s *Service) record(ctx context.Context, eventType, description string, sess domain.Session, data interface{}) {
	if s.audit == nil {
		return
	}
	if err := s.audit.Log(ctx, eventType, domain.SeverityInfo, description, data,
		audit.WithPlayer(sess.PlayerID), audit.WithSession(sess.ID), audit.WithComponent("orchestrator")); err != nil {
		s.logger.Warn("audit event not stored", "type", eventType, "error", err)
	}
}

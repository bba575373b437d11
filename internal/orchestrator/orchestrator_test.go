package orchestrator

import (
	"context"
	"errors"
	"testing"

	"github.com/alexbotov/slotgate/internal/catalog"
	"github.com/alexbotov/slotgate/internal/domain"
	"github.com/alexbotov/slotgate/internal/ledger"
	"github.com/alexbotov/slotgate/internal/session"
	"github.com/alexbotov/slotgate/internal/wallet"
	"github.com/alexbotov/slotgate/pkg/provider"
)

type launcherFunc func(ctx context.Context, req provider.InitGameRequest) (*provider.InitGameResult, error)

func (f launcherFunc) InitGame(ctx context.Context, req provider.InitGameRequest) (*provider.InitGameResult, error) {
	return f(ctx, req)
}

type gamesMap map[string]domain.CatalogEntry

func (g gamesMap) Game(_ context.Context, id string) (domain.CatalogEntry, error) {
	e, ok := g[id]
	if !ok {
		return domain.CatalogEntry{}, catalog.ErrGameNotFound
	}
	return e, nil
}

func setup(t *testing.T, opts ...Option) (*Service, *session.Manager, *wallet.MemoryStore) {
	t.Helper()
	store := wallet.NewMemoryStore()
	store.CreateAccount(context.Background(), "p1", domain.NewMoney(50000, "EUR"))
	sessions := session.NewManager()
	svc := New(ledger.New(store, ledger.WithSessions(sessions)), sessions, opts...)
	return svc, sessions, store
}

func TestRound(t *testing.T) {
	svc, sessions, store := setup(t)
	ctx := context.Background()

	sess, err := svc.StartSession(ctx, "p1", "g1")
	if err != nil {
		t.Fatalf("StartSession failed: %v", err)
	}
	if sess.OpeningBalance.Amount != 50000 || sess.Status != domain.SessionActive {
		t.Errorf("Unexpected session %+v", sess)
	}

	again, _ := svc.StartSession(ctx, "p1", "g1")
	if again.ID != sess.ID {
		t.Errorf("Expected active session %s to be reused, got %s", sess.ID, again.ID)
	}

	bet, err := svc.PlaceBet(ctx, sess.ID, "r1", domain.Money{Amount: 1000})
	if err != nil {
		t.Fatalf("PlaceBet failed: %v", err)
	}
	if bet.Balance.Amount != 49000 || bet.Entry.Status != domain.LedgerPending {
		t.Errorf("Unexpected bet %+v", bet)
	}
	if bet.Entry.ActionID != sess.ID+":r1:bet" {
		t.Errorf("Unexpected action id %s", bet.Entry.ActionID)
	}

	// retried bet does not move money twice
	retry, _ := svc.PlaceBet(ctx, sess.ID, "r1", domain.Money{Amount: 1000})
	if !retry.Replayed || retry.Balance.Amount != 49000 {
		t.Errorf("Expected replayed bet at 49000, got %+v", retry)
	}

	settled, err := svc.SettleRound(ctx, sess.ID, "r1", Outcome{Kind: OutcomeWin, Amount: domain.Money{Amount: 2500}})
	if err != nil {
		t.Fatalf("SettleRound failed: %v", err)
	}
	if settled.Balance.Amount != 51500 || settled.Entry.RefActionID != sess.ID+":r1:bet" {
		t.Errorf("Unexpected settlement %+v", settled)
	}

	live, _ := sessions.Get(sess.ID)
	if live.WorkingBalance.Amount != 51500 || live.RoundsPlayed != 1 {
		t.Errorf("Unexpected session state %+v", live)
	}

	if _, err := svc.PlaceBet(ctx, sess.ID, "r2", domain.Money{Amount: 2000}); err != nil {
		t.Fatalf("PlaceBet failed: %v", err)
	}
	refund, err := svc.SettleRound(ctx, sess.ID, "r2", Outcome{Kind: OutcomeRefund, Amount: domain.Money{Amount: 2000}})
	if err != nil {
		t.Fatalf("Refund failed: %v", err)
	}
	if refund.Balance.Amount != 51500 {
		t.Errorf("Expected 51500 after refund, got %d", refund.Balance.Amount)
	}

	ended, err := svc.EndSession(ctx, sess.ID)
	if err != nil {
		t.Fatalf("EndSession failed: %v", err)
	}
	if ended.Status != domain.SessionCompleted {
		t.Errorf("Expected completed, got %s", ended.Status)
	}
	if _, err := svc.PlaceBet(ctx, sess.ID, "r3", domain.Money{Amount: 100}); !errors.Is(err, session.ErrSessionNotActive) {
		t.Errorf("Expected ErrSessionNotActive, got %v", err)
	}
	if _, err := svc.EndSession(ctx, sess.ID); !errors.Is(err, session.ErrSessionNotActive) {
		t.Errorf("Expected ErrSessionNotActive on second end, got %v", err)
	}

	if n := len(store.Entries()); n != 4 {
		t.Errorf("Expected 4 ledger entries, got %d", n)
	}
}

func TestRoundErrors(t *testing.T) {
	svc, _, _ := setup(t)
	ctx := context.Background()
	sess, _ := svc.StartSession(ctx, "p1", "g1")

	t.Run("UnknownPlayer", func(t *testing.T) {
		if _, err := svc.StartSession(ctx, "nobody", "g1"); !errors.Is(err, ledger.ErrPlayerNotFound) {
			t.Errorf("Expected ErrPlayerNotFound, got %v", err)
		}
	})

	t.Run("MissingRound", func(t *testing.T) {
		if _, err := svc.PlaceBet(ctx, sess.ID, "", domain.Money{Amount: 1}); !errors.Is(err, ErrMissingRound) {
			t.Errorf("Expected ErrMissingRound, got %v", err)
		}
	})

	t.Run("InsufficientFunds", func(t *testing.T) {
		if _, err := svc.PlaceBet(ctx, sess.ID, "big", domain.Money{Amount: 50001}); !errors.Is(err, ledger.ErrInsufficientFunds) {
			t.Errorf("Expected ErrInsufficientFunds, got %v", err)
		}
	})

	t.Run("UnknownOutcome", func(t *testing.T) {
		if _, err := svc.SettleRound(ctx, sess.ID, "r1", Outcome{Kind: "jackpot"}); !errors.Is(err, ErrUnknownOutcome) {
			t.Errorf("Expected ErrUnknownOutcome, got %v", err)
		}
	})

	t.Run("UnknownSession", func(t *testing.T) {
		if _, err := svc.PlaceBet(ctx, "missing", "r1", domain.Money{Amount: 1}); !errors.Is(err, session.ErrSessionNotFound) {
			t.Errorf("Expected ErrSessionNotFound, got %v", err)
		}
	})

	t.Run("Owner", func(t *testing.T) {
		if _, err := svc.Owned(sess.ID, "p2"); !errors.Is(err, ErrNotSessionOwner) {
			t.Errorf("Expected ErrNotSessionOwner, got %v", err)
		}
		if _, err := svc.Owned(sess.ID, "p1"); err != nil {
			t.Errorf("Expected owner p1, got %v", err)
		}
	})
}

func TestSettleRoundGuards(t *testing.T) {
	svc, _, store := setup(t)
	ctx := context.Background()
	sess, _ := svc.StartSession(ctx, "p1", "g1")

	balance := func() int64 {
		t.Helper()
		b, err := store.Balance(ctx, "p1")
		if err != nil {
			t.Fatalf("Balance failed: %v", err)
		}
		return b.Amount.Amount
	}

	t.Run("NoBet", func(t *testing.T) {
		_, err := svc.SettleRound(ctx, sess.ID, "never", Outcome{Kind: OutcomeWin, Amount: domain.Money{Amount: 1000000}})
		if !errors.Is(err, ErrRoundNotFound) {
			t.Errorf("Expected ErrRoundNotFound, got %v", err)
		}
		_, err = svc.SettleRound(ctx, sess.ID, "never", Outcome{Kind: OutcomeRefund, Amount: domain.Money{Amount: 100}})
		if !errors.Is(err, ErrRoundNotFound) {
			t.Errorf("Expected ErrRoundNotFound for refund, got %v", err)
		}
		if b := balance(); b != 50000 {
			t.Errorf("Expected balance to stay 50000, got %d", b)
		}
	})

	t.Run("RefundExceedsBet", func(t *testing.T) {
		if _, err := svc.PlaceBet(ctx, sess.ID, "small", domain.Money{Amount: 100}); err != nil {
			t.Fatalf("PlaceBet failed: %v", err)
		}
		_, err := svc.SettleRound(ctx, sess.ID, "small", Outcome{Kind: OutcomeRefund, Amount: domain.Money{Amount: 50000}})
		if !errors.Is(err, ErrRefundExceedsBet) {
			t.Errorf("Expected ErrRefundExceedsBet, got %v", err)
		}
		if b := balance(); b != 49900 {
			t.Errorf("Expected 49900 after the bet only, got %d", b)
		}
	})

	t.Run("WinAfterRefund", func(t *testing.T) {
		if _, err := svc.PlaceBet(ctx, sess.ID, "once", domain.Money{Amount: 500}); err != nil {
			t.Fatalf("PlaceBet failed: %v", err)
		}
		refund, err := svc.SettleRound(ctx, sess.ID, "once", Outcome{Kind: OutcomeRefund, Amount: domain.Money{Amount: 500}})
		if err != nil {
			t.Fatalf("Refund failed: %v", err)
		}
		if refund.Balance.Amount != 49900 {
			t.Errorf("Expected 49900 after refund, got %d", refund.Balance.Amount)
		}

		_, err = svc.SettleRound(ctx, sess.ID, "once", Outcome{Kind: OutcomeWin, Amount: domain.Money{Amount: 500}})
		if !errors.Is(err, ErrRoundSettled) {
			t.Errorf("Expected ErrRoundSettled, got %v", err)
		}
		_, err = svc.SettleRound(ctx, sess.ID, "once", Outcome{Kind: OutcomeRefund, Amount: domain.Money{Amount: 400}})
		if !errors.Is(err, ErrRoundSettled) {
			t.Errorf("Expected ErrRoundSettled for a different refund, got %v", err)
		}
		if b := balance(); b != 49900 {
			t.Errorf("Expected balance to stay 49900, got %d", b)
		}
	})

	t.Run("RetrySameOutcome", func(t *testing.T) {
		if _, err := svc.PlaceBet(ctx, sess.ID, "retry", domain.Money{Amount: 200}); err != nil {
			t.Fatalf("PlaceBet failed: %v", err)
		}
		win := Outcome{Kind: OutcomeWin, Amount: domain.Money{Amount: 700}}
		first, err := svc.SettleRound(ctx, sess.ID, "retry", win)
		if err != nil {
			t.Fatalf("SettleRound failed: %v", err)
		}
		second, err := svc.SettleRound(ctx, sess.ID, "retry", win)
		if err != nil {
			t.Fatalf("Retried SettleRound failed: %v", err)
		}
		if first.Replayed || !second.Replayed {
			t.Errorf("Expected only the retry to replay, got %v then %v", first.Replayed, second.Replayed)
		}
		if first.Entry.ActionID != SettleActionID(sess.ID, "retry") || second.Balance.Amount != first.Balance.Amount {
			t.Errorf("Unexpected settlements %+v and %+v", first, second)
		}
		if b := balance(); b != 50400 {
			t.Errorf("Expected 50400, got %d", b)
		}
	})

	t.Run("RolledBackBet", func(t *testing.T) {
		if _, err := svc.PlaceBet(ctx, sess.ID, "undone", domain.Money{Amount: 300}); err != nil {
			t.Fatalf("PlaceBet failed: %v", err)
		}
		betID := ActionID(sess.ID, "undone", domain.LedgerBet)
		if _, err := svc.ledger.Rollback(ctx, ledger.RollbackRequest{TargetActionID: betID, PlayerID: "p1"}); err != nil {
			t.Fatalf("Rollback failed: %v", err)
		}
		_, err := svc.SettleRound(ctx, sess.ID, "undone", Outcome{Kind: OutcomeWin, Amount: domain.Money{Amount: 300}})
		if !errors.Is(err, ErrRoundNotFound) {
			t.Errorf("Expected ErrRoundNotFound, got %v", err)
		}
		if b := balance(); b != 50400 {
			t.Errorf("Expected 50400 after the rollback, got %d", b)
		}
	})
}

func TestLaunch(t *testing.T) {
	games := gamesMap{
		"g1": {ID: "g1", Name: "Book of Gold", DeviceSupport: domain.DeviceBoth},
		"g2": {ID: "g2", Name: "Desk Only", DeviceSupport: domain.DeviceDesktop},
	}
	var got provider.InitGameRequest
	launcher := launcherFunc(func(_ context.Context, req provider.InitGameRequest) (*provider.InitGameResult, error) {
		got = req
		if req.GameID == "broken" {
			return nil, &provider.APIError{StatusCode: 500, Message: "down"}
		}
		return &provider.InitGameResult{URL: "https://games.example/" + req.GameID}, nil
	})
	ctx := context.Background()

	t.Run("Real", func(t *testing.T) {
		svc, _, _ := setup(t, WithLauncher(launcher), WithGames(games), WithReturnURL("https://casino.example"))
		res, err := svc.Launch(ctx, LaunchRequest{PlayerID: "p1", GameID: "g1", Device: provider.DeviceMobile})
		if err != nil {
			t.Fatalf("Launch failed: %v", err)
		}
		if res.URL != "https://games.example/g1" || res.Session == nil {
			t.Fatalf("Unexpected result %+v", res)
		}
		if got.SessionID != res.Session.ID || got.Currency != "EUR" || got.Mode != provider.ModeReal {
			t.Errorf("Unexpected init request %+v", got)
		}
		if got.ReturnURL != "https://casino.example" {
			t.Errorf("Expected default return url, got %s", got.ReturnURL)
		}
	})

	t.Run("Demo", func(t *testing.T) {
		svc, sessions, _ := setup(t, WithLauncher(launcher), WithGames(games))
		res, err := svc.Launch(ctx, LaunchRequest{GameID: "g1", Mode: provider.ModeDemo})
		if err != nil {
			t.Fatalf("Launch failed: %v", err)
		}
		if res.Session != nil || got.SessionID != "" {
			t.Errorf("Expected no session in demo mode, got %+v", res.Session)
		}
		if len(sessions.List("")) != 0 {
			t.Error("Expected no sessions created")
		}
	})

	t.Run("UnknownGame", func(t *testing.T) {
		svc, _, _ := setup(t, WithLauncher(launcher), WithGames(games))
		_, err := svc.Launch(ctx, LaunchRequest{PlayerID: "p1", GameID: "nope"})
		if !errors.Is(err, catalog.ErrGameNotFound) {
			t.Errorf("Expected ErrGameNotFound, got %v", err)
		}
	})

	t.Run("DeviceNotSupported", func(t *testing.T) {
		svc, _, _ := setup(t, WithLauncher(launcher), WithGames(games))
		_, err := svc.Launch(ctx, LaunchRequest{PlayerID: "p1", GameID: "g2", Device: provider.DeviceMobile})
		if !errors.Is(err, ErrDeviceNotSupported) {
			t.Errorf("Expected ErrDeviceNotSupported, got %v", err)
		}
	})

	t.Run("ProviderFailureEndsNewSession", func(t *testing.T) {
		svc, sessions, _ := setup(t, WithLauncher(launcher))
		_, err := svc.Launch(ctx, LaunchRequest{PlayerID: "p1", GameID: "broken"})
		var apiErr *provider.APIError
		if !errors.As(err, &apiErr) {
			t.Fatalf("Expected APIError, got %v", err)
		}
		if _, ok := sessions.FindActive("p1", "broken"); ok {
			t.Error("Expected session to be ended after failed launch")
		}
	})

	t.Run("NotConfigured", func(t *testing.T) {
		svc, _, _ := setup(t)
		if _, err := svc.Launch(ctx, LaunchRequest{GameID: "g1"}); !errors.Is(err, ErrLaunchUnavailable) {
			t.Errorf("Expected ErrLaunchUnavailable, got %v", err)
		}
	})
}

type blockedGames map[string]bool

func (b blockedGames) CheckAccess(_, gameID string) error {
	if b[gameID] {
		return errBlocked
	}
	return nil
}

var errBlocked = errors.New("blocked")

func TestAccessGate(t *testing.T) {
	blocked := blockedGames{}
	store := wallet.NewMemoryStore()
	store.CreateAccount(context.Background(), "p1", domain.NewMoney(50000, "EUR"))
	sessions := session.NewManager()
	ledgerSvc := ledger.New(store, ledger.WithSessions(sessions), ledger.WithAccess(blocked))
	svc := New(ledgerSvc, sessions, WithAccess(blocked))
	ctx := context.Background()

	sess, err := svc.StartSession(ctx, "p1", "g1")
	if err != nil {
		t.Fatalf("StartSession failed: %v", err)
	}
	if _, err := svc.PlaceBet(ctx, sess.ID, "r1", domain.Money{Amount: 500}); err != nil {
		t.Fatalf("PlaceBet failed: %v", err)
	}

	blocked["g1"] = true

	if _, err := svc.StartSession(ctx, "p1", "g1"); !errors.Is(err, errBlocked) {
		t.Errorf("Expected blocked StartSession, got %v", err)
	}
	if _, err := svc.PlaceBet(ctx, sess.ID, "r2", domain.Money{Amount: 500}); !errors.Is(err, errBlocked) {
		t.Errorf("Expected blocked PlaceBet, got %v", err)
	}
	retry, err := svc.PlaceBet(ctx, sess.ID, "r1", domain.Money{Amount: 500})
	if err != nil || !retry.Replayed {
		t.Errorf("Expected retried bet to replay while blocked, got %+v, %v", retry, err)
	}

	// money already wagered is still settled
	res, err := svc.SettleRound(ctx, sess.ID, "r1", Outcome{Kind: OutcomeWin, Amount: domain.Money{Amount: 800}})
	if err != nil {
		t.Fatalf("SettleRound failed: %v", err)
	}
	if res.Balance.Amount != 50300 {
		t.Errorf("Expected 50300, got %d", res.Balance.Amount)
	}
}

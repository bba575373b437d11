package wallet

import (
	"context"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/alexbotov/slotgate/internal/domain"
	"github.com/alexbotov/slotgate/internal/ledger"
)

// MemoryStore keeps balances and entries in process memory. Transactions are
// serialized by one mutex and their writes are staged until commit.
type MemoryStore struct {
	mu       sync.Mutex
	balances map[string]domain.Balance
	entries  map[string]domain.LedgerEntry
	order    []string // action ids in insertion order

	commitErr error
}

// NewMemoryStore creates an empty store
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		balances: make(map[string]domain.Balance),
		entries:  make(map[string]domain.LedgerEntry),
	}
}

// CreateAccount opens a balance for a player. An existing account is left unchanged.
func (s *MemoryStore) CreateAccount(_ context.Context, playerID string, opening domain.Money) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.balances[playerID]; !ok {
		s.balances[playerID] = domain.Balance{
			PlayerID:  playerID,
			Amount:    domain.NewMoney(opening.Amount, strings.ToUpper(opening.Currency)),
			UpdatedAt: time.Now().UTC(),
		}
	}
	return nil
}

// FailCommits makes every following commit fail with err; nil restores normal commits.
func (s *MemoryStore) FailCommits(err error) {
	s.mu.Lock()
	s.commitErr = err
	s.mu.Unlock()
}

// WithinTx runs fn holding the store lock and applies its writes if it succeeds
func (s *MemoryStore) WithinTx(ctx context.Context, fn func(tx ledger.Tx) error) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := ctx.Err(); err != nil {
		return err
	}

	tx := &memTx{store: s, balances: make(map[string]domain.Balance)}
	if err := fn(tx); err != nil {
		return err
	}
	if s.commitErr != nil {
		return s.commitErr
	}

	for id, b := range tx.balances {
		s.balances[id] = b
	}
	for _, e := range tx.entries {
		s.entries[e.ActionID] = e
		s.order = append(s.order, e.ActionID)
	}
	return nil
}

// Balance reads a player's balance
func (s *MemoryStore) Balance(_ context.Context, playerID string) (domain.Balance, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	b, ok := s.balances[playerID]
	if !ok {
		return domain.Balance{}, ledger.ErrPlayerNotFound
	}
	return b, nil
}

// Entry returns the entry recorded under actionID, or nil
func (s *MemoryStore) Entry(_ context.Context, actionID string) (*domain.LedgerEntry, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.entries[actionID]
	if !ok {
		return nil, nil
	}
	return &e, nil
}

// History lists a player's entries, newest first
func (s *MemoryStore) History(_ context.Context, playerID string, limit int) ([]domain.LedgerEntry, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var out []domain.LedgerEntry
	for i := len(s.order) - 1; i >= 0 && len(out) < limit; i-- {
		if e := s.entries[s.order[i]]; e.PlayerID == playerID {
			out = append(out, e)
		}
	}
	return out, nil
}

// Entries returns every entry in insertion order
func (s *MemoryStore) Entries() []domain.LedgerEntry {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]domain.LedgerEntry, 0, len(s.order))
	for _, id := range s.order {
		out = append(out, s.entries[id])
	}
	return out
}

// Players lists the account ids
func (s *MemoryStore) Players() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	ids := make([]string, 0, len(s.balances))
	for id := range s.balances {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

type memTx struct {
	store    *MemoryStore
	balances map[string]domain.Balance
	entries  []domain.LedgerEntry
}

func (t *memTx) LockBalance(_ context.Context, playerID string) (domain.Balance, error) {
	if b, ok := t.balances[playerID]; ok {
		return b, nil
	}
	b, ok := t.store.balances[playerID]
	if !ok {
		return domain.Balance{}, ledger.ErrPlayerNotFound
	}
	return b, nil
}

func (t *memTx) FindEntry(_ context.Context, actionID string) (*domain.LedgerEntry, error) {
	for i := range t.entries {
		if t.entries[i].ActionID == actionID {
			e := t.entries[i]
			return &e, nil
		}
	}
	if e, ok := t.store.entries[actionID]; ok {
		return &e, nil
	}
	return nil, nil
}

func (t *memTx) SetBalance(ctx context.Context, playerID string, amount domain.Money) error {
	b, err := t.LockBalance(ctx, playerID)
	if err != nil {
		return err
	}
	b.Amount = amount
	b.UpdatedAt = time.Now().UTC()
	t.balances[playerID] = b
	return nil
}

func (t *memTx) InsertEntry(ctx context.Context, e *domain.LedgerEntry) error {
	if prev, _ := t.FindEntry(ctx, e.ActionID); prev != nil {
		return ledger.ErrDuplicateAction
	}
	t.entries = append(t.entries, *e)
	return nil
}

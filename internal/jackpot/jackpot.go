// Package jackpot keeps the progressive jackpot pools of every game.
//
// Every bet contributes a fraction of its amount to each tier of its game
// and then takes part in a draw. Pools live in one Pools value created at
// process start and shared by reference.
package jackpot

import (
	"fmt"
	"sync"

	"github.com/alexbotov/slotgate/internal/domain"
)

// Drawer decides whether an event of probability p occurred
type Drawer interface {
	Hit(p float64) (bool, error)
}

// TierConfig describes one jackpot tier
type TierConfig struct {
	Tier             domain.JackpotTier
	Floor            int64   // reset value in minor units
	ContributionRate float64 // fraction of each bet added to the pool
	HitProbability   float64 // chance per bet
}

// DefaultTiers returns the standard four-tier setup
func DefaultTiers() []TierConfig {
	return []TierConfig{
		{Tier: domain.TierMini, Floor: 1_000, ContributionRate: 0.004, HitProbability: 1.0 / 5_000},
		{Tier: domain.TierMinor, Floor: 10_000, ContributionRate: 0.003, HitProbability: 1.0 / 50_000},
		{Tier: domain.TierMajor, Floor: 100_000, ContributionRate: 0.002, HitProbability: 1.0 / 500_000},
		{Tier: domain.TierGrand, Floor: 1_000_000, ContributionRate: 0.001, HitProbability: 1.0 / 5_000_000},
	}
}

// Award is a won pool
type Award struct {
	GameID string
	Tier   domain.JackpotTier
	Amount domain.Money
}

type poolKey struct {
	gameID   string
	currency string
	tier     domain.JackpotTier
}

type pool struct {
	domain.JackpotPool
	carry float64 // fractional minor units not yet added
}

// Pools holds all pools
type Pools struct {
	mu     sync.Mutex
	pools  map[poolKey]*pool
	tiers  []TierConfig
	drawer Drawer
}

// New creates the pools. Tiers are drawn from the rarest to the most
// frequent, and at most one tier is awarded per bet.
func New(drawer Drawer, tiers []TierConfig) *Pools {
	if len(tiers) == 0 {
		tiers = DefaultTiers()
	}
	return &Pools{
		pools:  make(map[poolKey]*pool),
		tiers:  tiers,
		drawer: drawer,
	}
}

func (p *Pools) get(gameID, currency string, cfg TierConfig) *pool {
	key := poolKey{gameID: gameID, currency: currency, tier: cfg.Tier}
	pl, ok := p.pools[key]
	if !ok {
		pl = &pool{JackpotPool: domain.JackpotPool{
			GameID:           gameID,
			Tier:             cfg.Tier,
			CurrentAmount:    domain.NewMoney(cfg.Floor, currency),
			Floor:            domain.NewMoney(cfg.Floor, currency),
			ContributionRate: cfg.ContributionRate,
			HitProbability:   cfg.HitProbability,
		}}
		p.pools[key] = pl
	}
	return pl
}

// Settle adds the contribution of bet to every tier of the game and draws.
// The returned undo takes back the contribution and puts any award back into
// its pool; callers run it when the triggering bet is not committed. Undo
// works on deltas, so contributions of other bets made in between survive.
func (p *Pools) Settle(gameID string, bet domain.Money) (*Award, func(), error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	type contribution struct {
		pl    *pool
		added int64
		carry float64
	}
	contributed := make([]contribution, 0, len(p.tiers))

	for _, cfg := range p.tiers {
		pl := p.get(gameID, bet.Currency, cfg)

		share := float64(bet.Amount)*cfg.ContributionRate + pl.carry
		whole := int64(share)
		contributed = append(contributed, contribution{pl: pl, added: whole, carry: pl.carry})
		pl.carry = share - float64(whole)
		pl.CurrentAmount.Amount += whole
	}

	revert := func(award *Award, won *pool) {
		if award != nil {
			won.CurrentAmount.Amount += award.Amount.Amount - won.Floor.Amount
		}
		for _, c := range contributed {
			c.pl.CurrentAmount.Amount -= c.added
			c.pl.carry = c.carry
		}
	}

	for i := len(p.tiers) - 1; i >= 0; i-- {
		cfg := p.tiers[i]
		hit, err := p.drawer.Hit(cfg.HitProbability)
		if err != nil {
			revert(nil, nil)
			return nil, nil, fmt.Errorf("jackpot draw: %w", err)
		}
		if !hit {
			continue
		}

		won := contributed[i].pl
		award := &Award{GameID: gameID, Tier: cfg.Tier, Amount: won.CurrentAmount}
		won.CurrentAmount = won.Floor
		return award, func() {
			p.mu.Lock()
			defer p.mu.Unlock()
			revert(award, won)
		}, nil
	}

	return nil, func() {
		p.mu.Lock()
		defer p.mu.Unlock()
		revert(nil, nil)
	}, nil
}

// Snapshot returns copies of the pools of a game in one currency, in tier order
func (p *Pools) Snapshot(gameID, currency string) []domain.JackpotPool {
	p.mu.Lock()
	defer p.mu.Unlock()

	out := make([]domain.JackpotPool, 0, len(p.tiers))
	for _, cfg := range p.tiers {
		out = append(out, p.get(gameID, currency, cfg).JackpotPool)
	}
	return out
}

// Package rng is the random source behind jackpot draws. It reads from
// crypto/rand and never uses math/rand.
package rng

import (
	"crypto/rand"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"math"
	"sync"
	"sync/atomic"
	"time"
)

var ErrInvalidBound = errors.New("bound must be positive")

// Source draws unbiased numbers from an entropy reader. It is safe for
// concurrent use.
type Source struct {
	mu      sync.Mutex
	entropy io.Reader
	buf     [8]byte

	draws atomic.Int64
}

// New returns a Source backed by crypto/rand
func New() *Source {
	return NewWithReader(rand.Reader)
}

// NewWithReader returns a Source reading entropy from r
func NewWithReader(r io.Reader) *Source {
	return &Source{entropy: r}
}

func (s *Source) uint63() (uint64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, err := io.ReadFull(s.entropy, s.buf[:]); err != nil {
		return 0, fmt.Errorf("entropy read failed: %w", err)
	}
	return binary.BigEndian.Uint64(s.buf[:]) >> 1, nil
}

// Intn returns a value in [0, n). Draws above the largest multiple of n are
// rejected so every value is equally likely.
func (s *Source) Intn(n int64) (int64, error) {
	if n <= 0 {
		return 0, ErrInvalidBound
	}
	limit := uint64(math.MaxInt64) - uint64(math.MaxInt64)%uint64(n)
	for {
		v, err := s.uint63()
		if err != nil {
			return 0, err
		}
		if v < limit {
			s.draws.Add(1)
			return int64(v % uint64(n)), nil
		}
	}
}

// Float64 returns a value in [0, 1) with 53 bits of precision
func (s *Source) Float64() (float64, error) {
	n, err := s.Intn(1 << 53)
	if err != nil {
		return 0, err
	}
	return float64(n) / (1 << 53), nil
}

// Hit reports whether an event of probability p occurred. p <= 0 never hits
// and p >= 1 always does, without consuming entropy.
func (s *Source) Hit(p float64) (bool, error) {
	switch {
	case p <= 0:
		return false, nil
	case p >= 1:
		return true, nil
	}
	f, err := s.Float64()
	if err != nil {
		return false, err
	}
	return f < p, nil
}

// Draws is the number of values handed out so far
func (s *Source) Draws() int64 {
	return s.draws.Load()
}

// Health is the outcome of a uniformity self-test
type Health struct {
	Healthy   bool      `json:"healthy"`
	CheckedAt time.Time `json:"checked_at"`
	Draws     int64     `json:"draws"`
	ChiSquare float64   `json:"chi_square"`
	Error     string    `json:"error,omitempty"`
}

const (
	healthBins    = 100
	healthSamples = 1000
	// chi-square, 99 degrees of freedom, p = 0.01
	healthCritical = 134.6
)

// HealthCheck draws a fresh sample and runs a chi-square test over 100 bins
func (s *Source) HealthCheck() (Health, error) {
	counts := make([]int, healthBins)
	for i := 0; i < healthSamples; i++ {
		n, err := s.Intn(healthBins)
		if err != nil {
			return Health{CheckedAt: time.Now(), Draws: s.Draws(), Error: err.Error()}, err
		}
		counts[n]++
	}

	chi := ChiSquare(counts, healthSamples)
	return Health{
		Healthy:   chi < healthCritical,
		CheckedAt: time.Now(),
		Draws:     s.Draws(),
		ChiSquare: chi,
	}, nil
}

// ChiSquare is the statistic of observed counts against a uniform spread of total
func ChiSquare(counts []int, total int) float64 {
	expected := float64(total) / float64(len(counts))
	var chi float64
	for _, c := range counts {
		d := float64(c) - expected
		chi += d * d / expected
	}
	return chi
}

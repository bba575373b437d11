package rng

import (
	"bytes"
	"errors"
	"testing"
)

func TestIntn(t *testing.T) {
	s := New()

	t.Run("WithinBound", func(t *testing.T) {
		for _, n := range []int64{1, 2, 7, 1000} {
			for i := 0; i < 500; i++ {
				v, err := s.Intn(n)
				if err != nil {
					t.Fatalf("Intn(%d) failed: %v", n, err)
				}
				if v < 0 || v >= n {
					t.Fatalf("Intn(%d) returned %d", n, v)
				}
			}
		}
	})

	t.Run("InvalidBound", func(t *testing.T) {
		for _, n := range []int64{0, -5} {
			if _, err := s.Intn(n); !errors.Is(err, ErrInvalidBound) {
				t.Errorf("Intn(%d): expected ErrInvalidBound, got %v", n, err)
			}
		}
	})

	t.Run("Uniform", func(t *testing.T) {
		const bins, total = 10, 50000
		counts := make([]int, bins)
		for i := 0; i < total; i++ {
			v, err := s.Intn(bins)
			if err != nil {
				t.Fatalf("Intn failed: %v", err)
			}
			counts[v]++
		}
		// 9 degrees of freedom; 27.9 is p = 0.001
		if chi := ChiSquare(counts, total); chi > 27.9 {
			t.Errorf("Distribution looks biased, chi-square %.2f", chi)
		}
	})

	t.Run("ExhaustedEntropy", func(t *testing.T) {
		short := NewWithReader(bytes.NewReader([]byte{1, 2, 3}))
		if _, err := short.Intn(10); err == nil {
			t.Error("Expected error from exhausted reader")
		}
	})
}

func TestFloat64(t *testing.T) {
	s := New()
	for i := 0; i < 1000; i++ {
		f, err := s.Float64()
		if err != nil {
			t.Fatalf("Float64 failed: %v", err)
		}
		if f < 0 || f >= 1 {
			t.Fatalf("Float64 returned %v", f)
		}
	}
}

func TestHit(t *testing.T) {
	t.Run("Bounds", func(t *testing.T) {
		// an empty reader proves the edges consume no entropy
		s := NewWithReader(bytes.NewReader(nil))
		if hit, err := s.Hit(0); err != nil || hit {
			t.Errorf("Hit(0) = %v, %v", hit, err)
		}
		if hit, err := s.Hit(1); err != nil || !hit {
			t.Errorf("Hit(1) = %v, %v", hit, err)
		}
		if s.Draws() != 0 {
			t.Errorf("Expected no draws, got %d", s.Draws())
		}
	})

	t.Run("Rate", func(t *testing.T) {
		s := New()
		const trials = 20000
		hits := 0
		for i := 0; i < trials; i++ {
			hit, err := s.Hit(0.25)
			if err != nil {
				t.Fatalf("Hit failed: %v", err)
			}
			if hit {
				hits++
			}
		}
		if rate := float64(hits) / trials; rate < 0.23 || rate > 0.27 {
			t.Errorf("Expected hit rate near 0.25, got %.3f", rate)
		}
	})

	t.Run("PropagatesEntropyError", func(t *testing.T) {
		s := NewWithReader(bytes.NewReader(nil))
		if _, err := s.Hit(0.5); err == nil {
			t.Error("Expected entropy error")
		}
	})
}

func TestHealthCheck(t *testing.T) {
	s := New()
	h, err := s.HealthCheck()
	if err != nil {
		t.Fatalf("HealthCheck failed: %v", err)
	}
	if h.Draws < healthSamples {
		t.Errorf("Expected at least %d draws, got %d", healthSamples, h.Draws)
	}
	if h.ChiSquare <= 0 {
		t.Errorf("Expected a positive chi-square, got %v", h.ChiSquare)
	}

	broken := NewWithReader(bytes.NewReader(make([]byte, 16)))
	h, err = broken.HealthCheck()
	if err == nil || h.Healthy || h.Error == "" {
		t.Errorf("Expected failed health check, got %+v, %v", h, err)
	}
}

func TestChiSquare(t *testing.T) {
	if got := ChiSquare([]int{25, 25, 25, 25}, 100); got != 0 {
		t.Errorf("Expected 0 for a perfect spread, got %v", got)
	}
	if got := ChiSquare([]int{50, 0, 25, 25}, 100); got != 50 {
		t.Errorf("Expected 50, got %v", got)
	}
}

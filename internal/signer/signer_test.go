package signer

import (
	"crypto/hmac"
	"crypto/sha1"
	"encoding/hex"
	"errors"
	"net/http"
	"net/url"
	"strings"
	"testing"
	"time"
)

const (
	testMerchant = "merchant-1"
	testSecret   = "s3cr3t"
)

func fixedTime() time.Time {
	return time.Unix(1700000000, 0)
}

func newTestSigner(t *testing.T) *Signer {
	t.Helper()
	s, err := New(testMerchant, testSecret,
		WithClock(fixedTime),
		WithNonce(func() string { return "nonce-1" }))
	if err != nil {
		t.Fatalf("Failed to create signer: %v", err)
	}
	return s
}

func hmacHex(secret, msg string) string {
	mac := hmac.New(sha1.New, []byte(secret))
	mac.Write([]byte(msg))
	return hex.EncodeToString(mac.Sum(nil))
}

func TestCanonical(t *testing.T) {
	t.Run("SortsAndEncodes", func(t *testing.T) {
		got := Canonical(map[string]string{
			"b":         "2",
			"a":         "1 x",
			"X-Nonce":   "n",
			"game_uuid": "g/1",
			"amount":    "10.50",
		})
		want := "X-Nonce=n&a=1+x&amount=10.50&b=2&game_uuid=g%2F1"
		if got != want {
			t.Errorf("Expected %q, got %q", want, got)
		}
	})

	t.Run("Empty", func(t *testing.T) {
		if got := Canonical(nil); got != "" {
			t.Errorf("Expected empty string, got %q", got)
		}
	})
}

func TestCompute(t *testing.T) {
	t.Run("FixedVector", func(t *testing.T) {
		params := map[string]string{"action": "bet", "amount": "1.00"}
		got, err := Compute(params, testSecret)
		if err != nil {
			t.Fatalf("Unexpected error: %v", err)
		}
		want := hmacHex(testSecret, "action=bet&amount=1.00")
		if got != want {
			t.Errorf("Expected %s, got %s", want, got)
		}
	})

	t.Run("EmptySecret", func(t *testing.T) {
		if _, err := Compute(map[string]string{"a": "1"}, ""); !errors.Is(err, ErrMissingSecret) {
			t.Errorf("Expected ErrMissingSecret, got %v", err)
		}
	})
}

func TestNew(t *testing.T) {
	if _, err := New("", testSecret); !errors.Is(err, ErrMissingMerchantID) {
		t.Errorf("Expected ErrMissingMerchantID, got %v", err)
	}
	if _, err := New(testMerchant, ""); !errors.Is(err, ErrMissingSecret) {
		t.Errorf("Expected ErrMissingSecret, got %v", err)
	}
}

func TestSign(t *testing.T) {
	s := newTestSigner(t)

	params := url.Values{}
	params.Set("page", "2")
	params.Set("perPage", "100")

	hd, err := s.Sign(params)
	if err != nil {
		t.Fatalf("Sign failed: %v", err)
	}

	if hd.MerchantID != testMerchant {
		t.Errorf("Expected merchant %s, got %s", testMerchant, hd.MerchantID)
	}
	if hd.Timestamp != "1700000000" {
		t.Errorf("Expected timestamp 1700000000, got %s", hd.Timestamp)
	}
	if hd.Nonce != "nonce-1" {
		t.Errorf("Expected nonce-1, got %s", hd.Nonce)
	}

	canonical := "X-Merchant-Id=merchant-1&X-Nonce=nonce-1&X-Timestamp=1700000000&page=2&perPage=100"
	if want := hmacHex(testSecret, canonical); hd.Sign != want {
		t.Errorf("Expected sign %s, got %s", want, hd.Sign)
	}

	t.Run("FreshNonceByDefault", func(t *testing.T) {
		s, _ := New(testMerchant, testSecret)
		h1, _ := s.Sign(nil)
		h2, _ := s.Sign(nil)
		if h1.Nonce == h2.Nonce {
			t.Error("Expected distinct nonces")
		}
	})

	t.Run("ApplyAndRead", func(t *testing.T) {
		h := http.Header{}
		hd.Apply(h)
		if got := HeadersFrom(h); got != hd {
			t.Errorf("Expected %+v, got %+v", hd, got)
		}
	})
}

func TestVerify(t *testing.T) {
	s := newTestSigner(t)
	v, err := NewVerifier(testMerchant, testSecret, 5*time.Minute)
	if err != nil {
		t.Fatalf("Failed to create verifier: %v", err)
	}
	v.now = func() time.Time { return fixedTime().Add(time.Minute) }

	params := url.Values{}
	params.Set("action", "bet")
	params.Set("amount", "1.00")
	params.Set("playerId", "p1")

	hd, err := s.Sign(params)
	if err != nil {
		t.Fatalf("Sign failed: %v", err)
	}

	t.Run("Valid", func(t *testing.T) {
		if err := v.Verify(params, hd); err != nil {
			t.Errorf("Expected valid signature, got %v", err)
		}
	})

	t.Run("UpperCaseHex", func(t *testing.T) {
		upper := hd
		upper.Sign = strings.ToUpper(hd.Sign)
		if err := v.Verify(params, upper); err != nil {
			t.Errorf("Expected valid signature, got %v", err)
		}
	})

	t.Run("TamperedParam", func(t *testing.T) {
		tampered := url.Values{}
		for k, vals := range params {
			tampered[k] = vals
		}
		tampered.Set("amount", "100.00")
		if err := v.Verify(tampered, hd); !errors.Is(err, ErrInvalidSignature) {
			t.Errorf("Expected ErrInvalidSignature, got %v", err)
		}
	})

	t.Run("WrongMerchant", func(t *testing.T) {
		other := hd
		other.MerchantID = "someone-else"
		if err := v.Verify(params, other); !errors.Is(err, ErrMerchantMismatch) {
			t.Errorf("Expected ErrMerchantMismatch, got %v", err)
		}
	})

	t.Run("MissingHeaders", func(t *testing.T) {
		if err := v.Verify(params, Headers{}); !errors.Is(err, ErrMissingHeaders) {
			t.Errorf("Expected ErrMissingHeaders, got %v", err)
		}
	})

	t.Run("StaleTimestamp", func(t *testing.T) {
		stale := *v
		stale.now = func() time.Time { return fixedTime().Add(time.Hour) }
		if err := stale.Verify(params, hd); !errors.Is(err, ErrTimestampSkew) {
			t.Errorf("Expected ErrTimestampSkew, got %v", err)
		}
	})
}

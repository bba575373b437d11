package signer

import (
	"crypto/hmac"
	"errors"
	"net/url"
	"strconv"
	"strings"
	"time"
)

var (
	ErrInvalidSignature = errors.New("signer: invalid signature")
	ErrMissingHeaders   = errors.New("signer: missing auth headers")
	ErrMerchantMismatch = errors.New("signer: merchant id mismatch")
	ErrTimestampSkew    = errors.New("signer: timestamp outside allowed skew")
)

// Verifier checks inbound callback signatures
type Verifier struct {
	merchantID string
	secret     string
	maxSkew    time.Duration
	now        func() time.Time
}

// NewVerifier creates a verifier. A zero maxSkew disables the timestamp check.
func NewVerifier(merchantID, secret string, maxSkew time.Duration) (*Verifier, error) {
	if merchantID == "" {
		return nil, ErrMissingMerchantID
	}
	if secret == "" {
		return nil, ErrMissingSecret
	}
	return &Verifier{
		merchantID: merchantID,
		secret:     secret,
		maxSkew:    maxSkew,
		now:        time.Now,
	}, nil
}

// Verify validates the headers against params with the same canonicalization
// used for signing.
func (v *Verifier) Verify(params url.Values, hd Headers) error {
	if hd.MerchantID == "" || hd.Timestamp == "" || hd.Nonce == "" || hd.Sign == "" {
		return ErrMissingHeaders
	}
	if hd.MerchantID != v.merchantID {
		return ErrMerchantMismatch
	}

	ts, err := strconv.ParseInt(hd.Timestamp, 10, 64)
	if err != nil {
		return ErrTimestampSkew
	}
	if v.maxSkew > 0 {
		skew := v.now().Sub(time.Unix(ts, 0))
		if skew < 0 {
			skew = -skew
		}
		if skew > v.maxSkew {
			return ErrTimestampSkew
		}
	}

	expected, err := Compute(merge(params, hd), v.secret)
	if err != nil {
		return err
	}
	if !hmac.Equal([]byte(expected), []byte(strings.ToLower(hd.Sign))) {
		return ErrInvalidSignature
	}
	return nil
}

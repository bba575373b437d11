// Package signer computes and verifies the provider's keyed request signature.
//
// A request is signed by merging its parameters with the merchant id, a unix
// timestamp and a random nonce, sorting all keys, encoding them as a
// canonical query string and taking the HMAC-SHA1 of that string with the
// merchant key. The three auth values travel as headers next to X-Sign.
package signer

import (
	"crypto/hmac"
	"crypto/sha1"
	"encoding/hex"
	"errors"
	"net/http"
	"net/url"
	"sort"
	"strconv"
	"time"

	"github.com/google/uuid"
)

// Header names used by the provider protocol
const (
	HeaderMerchantID = "X-Merchant-Id"
	HeaderTimestamp  = "X-Timestamp"
	HeaderNonce      = "X-Nonce"
	HeaderSign       = "X-Sign"
)

var (
	ErrMissingMerchantID = errors.New("signer: merchant id is not configured")
	ErrMissingSecret     = errors.New("signer: merchant key is not configured")
)

// Headers is the auth header set that accompanies a signed request
type Headers struct {
	MerchantID string
	Timestamp  string
	Nonce      string
	Sign       string
}

// Apply writes the headers onto h.
func (hd Headers) Apply(h http.Header) {
	h.Set(HeaderMerchantID, hd.MerchantID)
	h.Set(HeaderTimestamp, hd.Timestamp)
	h.Set(HeaderNonce, hd.Nonce)
	h.Set(HeaderSign, hd.Sign)
}

// HeadersFrom reads the auth header set from h.
func HeadersFrom(h http.Header) Headers {
	return Headers{
		MerchantID: h.Get(HeaderMerchantID),
		Timestamp:  h.Get(HeaderTimestamp),
		Nonce:      h.Get(HeaderNonce),
		Sign:       h.Get(HeaderSign),
	}
}

// params returns the header values that take part in the signature.
func (hd Headers) params() map[string]string {
	return map[string]string{
		HeaderMerchantID: hd.MerchantID,
		HeaderTimestamp:  hd.Timestamp,
		HeaderNonce:      hd.Nonce,
	}
}

// Canonical builds the string that is signed: keys sorted lexicographically,
// values percent-encoded the way url.Values.Encode does it.
func Canonical(params map[string]string) string {
	keys := make([]string, 0, len(params))
	for k := range params {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	values := url.Values{}
	for _, key := range keys {
		values.Set(key, params[key])
	}
	return values.Encode()
}

// Compute returns the hex HMAC-SHA1 of the canonical form of params.
func Compute(params map[string]string, secret string) (string, error) {
	if secret == "" {
		return "", ErrMissingSecret
	}
	mac := hmac.New(sha1.New, []byte(secret))
	mac.Write([]byte(Canonical(params)))
	return hex.EncodeToString(mac.Sum(nil)), nil
}

// Signer signs outbound requests for one merchant
type Signer struct {
	merchantID string
	secret     string
	now        func() time.Time
	nonce      func() string
}

// Option configures a Signer
type Option func(*Signer)

// WithClock overrides the time source
func WithClock(now func() time.Time) Option {
	return func(s *Signer) { s.now = now }
}

// WithNonce overrides the nonce generator
func WithNonce(nonce func() string) Option {
	return func(s *Signer) { s.nonce = nonce }
}

// New creates a signer. Both the merchant id and the key are required.
func New(merchantID, secret string, opts ...Option) (*Signer, error) {
	if merchantID == "" {
		return nil, ErrMissingMerchantID
	}
	if secret == "" {
		return nil, ErrMissingSecret
	}
	s := &Signer{
		merchantID: merchantID,
		secret:     secret,
		now:        time.Now,
		nonce:      uuid.NewString,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s, nil
}

// MerchantID returns the merchant the signer signs for
func (s *Signer) MerchantID() string {
	return s.merchantID
}

// Sign merges params with a fresh timestamp and nonce and signs the result.
// Only the first value of a repeated key takes part in the signature.
func (s *Signer) Sign(params url.Values) (Headers, error) {
	hd := Headers{
		MerchantID: s.merchantID,
		Timestamp:  strconv.FormatInt(s.now().Unix(), 10),
		Nonce:      s.nonce(),
	}
	sign, err := Compute(merge(params, hd), s.secret)
	if err != nil {
		return Headers{}, err
	}
	hd.Sign = sign
	return hd, nil
}

func merge(params url.Values, hd Headers) map[string]string {
	merged := make(map[string]string, len(params)+3)
	for key, values := range params {
		if len(values) > 0 {
			merged[key] = values[0]
		}
	}
	for key, value := range hd.params() {
		merged[key] = value
	}
	return merged
}

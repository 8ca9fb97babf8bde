package storage

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"net/url"
	"strconv"
	"strings"
	"time"
)

var (
	// ErrLinkExpired is returned when a signed link is past its expiry.
	ErrLinkExpired = errors.New("link expired")

	// ErrBadSignature is returned when a signed link does not verify.
	ErrBadSignature = errors.New("invalid link signature")
)

// Signer issues and verifies time-limited download links for objects served
// by this process.
type Signer struct {
	secret  []byte
	baseURL string
	ttl     time.Duration
	now     func() time.Time
}

// NewSigner creates a signer. baseURL is the public prefix the download
// route is mounted under, e.g. "https://exports.example.com/api/objects".
func NewSigner(secret, baseURL string, ttl time.Duration) *Signer {
	return &Signer{
		secret:  []byte(secret),
		baseURL: strings.TrimRight(baseURL, "/"),
		ttl:     ttl,
		now:     time.Now,
	}
}

// Sign returns a link to key valid for the signer's TTL.
func (s *Signer) Sign(key string) string {
	expires := s.now().Add(s.ttl).Unix()
	q := url.Values{}
	q.Set("expires", strconv.FormatInt(expires, 10))
	q.Set("sig", s.signature(key, expires))
	return s.baseURL + "/" + escapeKey(key) + "?" + q.Encode()
}

// Verify checks the expires and sig query values of a link to key.
func (s *Signer) Verify(key, expires, sig string) error {
	exp, err := strconv.ParseInt(expires, 10, 64)
	if err != nil {
		return ErrBadSignature
	}

	want := s.signature(key, exp)
	if !hmac.Equal([]byte(want), []byte(sig)) {
		return ErrBadSignature
	}
	if s.now().Unix() > exp {
		return ErrLinkExpired
	}
	return nil
}

func (s *Signer) signature(key string, expires int64) string {
	mac := hmac.New(sha256.New, s.secret)
	mac.Write([]byte(key))
	mac.Write([]byte{0})
	mac.Write([]byte(strconv.FormatInt(expires, 10)))
	return hex.EncodeToString(mac.Sum(nil))
}

// escapeKey path-escapes each segment of a slash separated key.
func escapeKey(key string) string {
	parts := strings.Split(key, "/")
	for i, p := range parts {
		parts[i] = url.PathEscape(p)
	}
	return strings.Join(parts, "/")
}

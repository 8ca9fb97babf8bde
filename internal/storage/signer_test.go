package storage

import (
	"net/url"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func fixedSigner(at time.Time) *Signer {
	s := NewSigner("s3cret", "https://exports.example.com/api/objects/", 15*time.Minute)
	s.now = func() time.Time { return at }
	return s
}

func parseLink(t *testing.T, link string) (key, expires, sig string) {
	t.Helper()
	u, err := url.Parse(link)
	require.NoError(t, err)
	key, err = url.PathUnescape(strings.TrimPrefix(u.EscapedPath(), "/api/objects/"))
	require.NoError(t, err)
	return key, u.Query().Get("expires"), u.Query().Get("sig")
}

func TestSigner_SignAndVerify(t *testing.T) {
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	s := fixedSigner(now)

	link := s.Sign("exports/survey 7/export.zip")
	assert.True(t, strings.HasPrefix(link, "https://exports.example.com/api/objects/exports/survey%207/export.zip?"))

	key, expires, sig := parseLink(t, link)
	assert.Equal(t, "exports/survey 7/export.zip", key)
	assert.NoError(t, s.Verify(key, expires, sig))
}

func TestSigner_ExpiredLink(t *testing.T) {
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	s := fixedSigner(now)
	_, expires, sig := parseLink(t, s.Sign("a.zip"))

	s.now = func() time.Time { return now.Add(16 * time.Minute) }
	assert.ErrorIs(t, s.Verify("a.zip", expires, sig), ErrLinkExpired)
}

func TestSigner_TamperedLink(t *testing.T) {
	s := fixedSigner(time.Now())
	_, expires, sig := parseLink(t, s.Sign("a.zip"))

	assert.ErrorIs(t, s.Verify("b.zip", expires, sig), ErrBadSignature)
	assert.ErrorIs(t, s.Verify("a.zip", expires+"0", sig), ErrBadSignature)
	assert.ErrorIs(t, s.Verify("a.zip", "soon", sig), ErrBadSignature)

	other := NewSigner("different", "https://exports.example.com/api/objects", time.Hour)
	assert.ErrorIs(t, other.Verify("a.zip", expires, sig), ErrBadSignature)
}

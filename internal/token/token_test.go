package token

import (
	"encoding/base64"
	"errors"
	"strings"
	"testing"
	"time"

	lerrors "github.com/rcourtman/campus-license/internal/errors"
	"github.com/rcourtman/campus-license/pkg/licensing"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type testClock struct {
	now time.Time
}

func (c *testClock) Now() time.Time { return c.now }

func newTestIssuer(t *testing.T, clock *testClock, secrets ...string) *Issuer {
	t.Helper()
	if len(secrets) == 0 {
		secrets = []string{"token-secret"}
	}
	i, err := NewIssuer("campus-license-test", secrets, WithClock(clock.Now))
	require.NoError(t, err)
	return i
}

func samplePayload() Payload {
	return Payload{
		SchoolID:   "s1",
		SchoolName: "Springfield Elementary",
		Features:   []string{"gradebook", "reports"},
		LicenseID:  "4b7f3c5e-1111-2222-3333-444455556666",
		Metadata:   map[string]any{"region": "north"},
		SecurityInfo: &licensing.SecurityInfo{
			HardwareBindingEnabled: true,
			Fingerprint:            "abc123",
		},
	}
}

func TestIssueVerifyPreservesClaims(t *testing.T) {
	clock := &testClock{now: time.Date(2026, 5, 1, 8, 0, 0, 0, time.UTC)}
	issuer := newTestIssuer(t, clock)

	tok, err := issuer.Issue(samplePayload(), time.Hour)
	require.NoError(t, err)
	assert.Len(t, strings.Split(tok, "."), 3)

	clock.now = clock.now.Add(59 * time.Minute)
	got, err := issuer.Verify(tok)
	require.NoError(t, err)

	want := samplePayload()
	assert.Equal(t, want.SchoolID, got.SchoolID)
	assert.Equal(t, want.SchoolName, got.SchoolName)
	assert.Equal(t, want.Features, got.Features)
	assert.Equal(t, want.LicenseID, got.LicenseID)
	assert.Equal(t, want.Metadata, got.Metadata)
	assert.Equal(t, want.SecurityInfo, got.SecurityInfo)
	assert.Equal(t, "campus-license-test", got.Issuer)
	assert.True(t, got.ExpiresAt.Equal(time.Date(2026, 5, 1, 9, 0, 0, 0, time.UTC)))
}

func TestVerifyExpired(t *testing.T) {
	clock := &testClock{now: time.Date(2026, 5, 1, 8, 0, 0, 0, time.UTC)}
	issuer := newTestIssuer(t, clock)

	tok, err := issuer.Issue(samplePayload(), time.Minute)
	require.NoError(t, err)

	clock.now = clock.now.Add(2 * time.Minute)
	_, err = issuer.Verify(tok)
	require.Error(t, err)
	assert.True(t, errors.Is(err, lerrors.ErrTokenExpired))
	assert.Equal(t, 401, lerrors.HTTPStatus(err))
}

func TestVerifyRejectsTamperedPayload(t *testing.T) {
	clock := &testClock{now: time.Now()}
	issuer := newTestIssuer(t, clock)

	tok, err := issuer.Issue(samplePayload(), time.Hour)
	require.NoError(t, err)

	parts := strings.Split(tok, ".")
	body, err := base64.RawURLEncoding.DecodeString(parts[1])
	require.NoError(t, err)
	tampered := strings.Replace(string(body), "Springfield", "Shelbyville", 1)
	parts[1] = base64.RawURLEncoding.EncodeToString([]byte(tampered))

	_, err = issuer.Verify(strings.Join(parts, "."))
	assert.True(t, errors.Is(err, lerrors.ErrTokenInvalid))
}

func TestVerifyRejectsMalformed(t *testing.T) {
	clock := &testClock{now: time.Now()}
	issuer := newTestIssuer(t, clock)

	tok, err := issuer.Issue(samplePayload(), time.Hour)
	require.NoError(t, err)
	parts := strings.Split(tok, ".")

	cases := map[string]string{
		"empty":         "",
		"two segments":  parts[0] + "." + parts[1],
		"four segments": tok + ".extra",
		"non json body": parts[0] + "." + base64.RawURLEncoding.EncodeToString([]byte("not json")) + "." + parts[2],
		"garbage":       "definitely-not-a-token",
		"bad signature": parts[0] + "." + parts[1] + "." + base64.RawURLEncoding.EncodeToString([]byte("nope")),
		"stripped alg":  base64.RawURLEncoding.EncodeToString([]byte(`{"alg":"none","typ":"JWT"}`)) + "." + parts[1] + ".",
		"wrong issuer":  mustIssue(t, "someone-else", clock),
	}

	for name, bad := range cases {
		t.Run(name, func(t *testing.T) {
			_, err := issuer.Verify(bad)
			assert.True(t, errors.Is(err, lerrors.ErrTokenInvalid), "got %v", err)
		})
	}
}

func TestVerifyWithRotatedSecret(t *testing.T) {
	clock := &testClock{now: time.Now()}
	old := newTestIssuer(t, clock, "old-secret")
	tok, err := old.Issue(samplePayload(), time.Hour)
	require.NoError(t, err)

	rotated := newTestIssuer(t, clock, "new-secret", "old-secret")
	got, err := rotated.Verify(tok)
	require.NoError(t, err)
	assert.Equal(t, "s1", got.SchoolID)

	unrelated := newTestIssuer(t, clock, "new-secret")
	_, err = unrelated.Verify(tok)
	assert.True(t, errors.Is(err, lerrors.ErrTokenInvalid))
}

func TestIssueRejectsNonPositiveTTL(t *testing.T) {
	issuer := newTestIssuer(t, &testClock{now: time.Now()})
	_, err := issuer.Issue(samplePayload(), 0)
	assert.Error(t, err)
}

func TestNewIssuerRequiresSecret(t *testing.T) {
	_, err := NewIssuer("x", nil)
	assert.Equal(t, lerrors.KindConfig, lerrors.KindOf(err))
}

func mustIssue(t *testing.T, issuerName string, clock *testClock) string {
	t.Helper()
	i, err := NewIssuer(issuerName, []string{"token-secret"}, WithClock(clock.Now))
	require.NoError(t, err)
	tok, err := i.Issue(samplePayload(), time.Hour)
	require.NoError(t, err)
	return tok
}

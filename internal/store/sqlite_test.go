package store

import (
	"context"
	"testing"
	"time"

	"github.com/coder/quartz"
	"github.com/rcourtman/campus-license/internal/crypto"
	"github.com/rcourtman/campus-license/internal/hexcodec"
	"github.com/rcourtman/campus-license/internal/license"
	"github.com/rcourtman/campus-license/internal/token"
	"github.com/rcourtman/campus-license/pkg/licensing"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var epoch = time.Date(2025, 3, 1, 8, 0, 0, 0, time.UTC)

func newTestStore(t *testing.T) *SQLiteStore {
	t.Helper()
	s, err := NewSQLiteStore(t.TempDir())
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func sampleLicense(id, schoolID, key string) *licensing.License {
	return &licensing.License{
		ID:          id,
		SchoolID:    schoolID,
		SchoolName:  "School " + schoolID,
		LicenseKey:  key,
		LicenseHash: "hash-" + id,
		Features: []licensing.Feature{
			{Name: "gradebook", Enabled: true, Restrictions: map[string]any{"maxStudents": 500}},
			{Name: "analytics", Enabled: false},
		},
		IssuedAt:         epoch,
		ExpiresAt:        epoch.AddDate(1, 0, 0),
		Status:           licensing.StatusActive,
		ActivationStatus: licensing.ActivationPending,
		CreatedAt:        epoch,
		UpdatedAt:        epoch,
		Metadata:         map[string]any{"plan": "district"},
	}
}

func TestSQLiteStoreRoundTrip(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	l := sampleLicense("lic-1", "school-1", "AAAAA-BBBBB-CCCCC-DDDDD")
	activated := epoch.Add(time.Hour)
	l.ActivatedAt = &activated
	l.SecurityRestrictions = licensing.SecurityRestrictions{
		HardwareBinding: &licensing.HardwareBinding{Enabled: true, Fingerprints: []string{"abc"}},
	}
	require.NoError(t, s.Create(ctx, l))

	got, err := s.FindByID(ctx, "lic-1")
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.Equal(t, l.SchoolName, got.SchoolName)
	assert.True(t, l.ExpiresAt.Equal(got.ExpiresAt))
	require.NotNil(t, got.ActivatedAt)
	assert.True(t, activated.Equal(*got.ActivatedAt))
	assert.Nil(t, got.LastChecked)
	assert.Equal(t, "district", got.Metadata["plan"])
	require.Len(t, got.Features, 2)
	assert.Equal(t, 500.0, got.Features[0].Restrictions["maxStudents"])
	assert.Equal(t, []string{"abc"}, got.SecurityRestrictions.HardwareBinding.Fingerprints)
	assert.Nil(t, got.SecurityRestrictions.IPRestrictions)

	byKey, err := s.FindByKey(ctx, l.LicenseKey)
	require.NoError(t, err)
	assert.Equal(t, "lic-1", byKey.ID)

	active, err := s.FindActiveBySchool(ctx, "school-1")
	require.NoError(t, err)
	assert.Equal(t, "lic-1", active.ID)
}

func TestSQLiteStoreMissingRecords(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	got, err := s.FindByID(ctx, "missing")
	assert.NoError(t, err)
	assert.Nil(t, got)

	got, err = s.FindByHex(ctx, "")
	assert.NoError(t, err)
	assert.Nil(t, got)

	err = s.Update(ctx, sampleLicense("missing", "s", "K"))
	assert.ErrorContains(t, err, "not found")

	_, err = s.IncrementActivationAttempts(ctx, "missing")
	assert.ErrorContains(t, err, "not found")
}

func TestSQLiteStoreConstraints(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	first := sampleLicense("lic-1", "school-1", "KEY-1")
	first.LicenseHex = "hex-1"
	require.NoError(t, s.Create(ctx, first))

	dupKey := sampleLicense("lic-2", "school-2", "KEY-1")
	assert.ErrorIs(t, s.Create(ctx, dupKey), licensing.ErrDuplicateKey)

	secondActive := sampleLicense("lic-3", "school-1", "KEY-3")
	assert.ErrorIs(t, s.Create(ctx, secondActive), licensing.ErrActiveLicenseExists)

	// a non-active license for the same school is fine
	secondActive.Status = licensing.StatusExpired
	require.NoError(t, s.Create(ctx, secondActive))

	other := sampleLicense("lic-4", "school-4", "KEY-4")
	require.NoError(t, s.Create(ctx, other))
	other.LicenseHex = "hex-1"
	assert.ErrorIs(t, s.Update(ctx, other), licensing.ErrDuplicateKey)

	// empty hex strings never collide
	other.LicenseHex = ""
	require.NoError(t, s.Update(ctx, other))

	secondActive.Status = licensing.StatusActive
	assert.ErrorIs(t, s.Update(ctx, secondActive), licensing.ErrActiveLicenseExists)
}

func TestSQLiteStoreIncrementActivationAttempts(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	require.NoError(t, s.Create(ctx, sampleLicense("lic-1", "school-1", "KEY-1")))

	for want := 1; want <= 3; want++ {
		got, err := s.IncrementActivationAttempts(ctx, "lic-1")
		require.NoError(t, err)
		assert.Equal(t, want, got)
	}
	l, err := s.FindByID(ctx, "lic-1")
	require.NoError(t, err)
	assert.Equal(t, 3, l.ActivationAttempts)
}

func TestSQLiteStoreUpdateKeepsActivationAttempts(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	require.NoError(t, s.Create(ctx, sampleLicense("lic-1", "school-1", "KEY-1")))

	stale, err := s.FindByID(ctx, "lic-1")
	require.NoError(t, err)

	got, err := s.IncrementActivationAttempts(ctx, "lic-1")
	require.NoError(t, err)
	require.Equal(t, 1, got)

	stale.SchoolName = "Renamed"
	require.NoError(t, s.Update(ctx, stale))

	l, err := s.FindByID(ctx, "lic-1")
	require.NoError(t, err)
	assert.Equal(t, "Renamed", l.SchoolName)
	assert.Equal(t, 1, l.ActivationAttempts)
}

func TestSQLiteStoreListing(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	a := sampleLicense("lic-a", "school-1", "KEY-A")
	a.Status = licensing.StatusExpired
	b := sampleLicense("lic-b", "school-1", "KEY-B")
	b.CreatedAt = epoch.Add(time.Minute)
	c := sampleLicense("lic-c", "school-2", "KEY-C")
	c.CreatedAt = epoch.Add(2 * time.Minute)
	for _, l := range []*licensing.License{a, b, c} {
		require.NoError(t, s.Create(ctx, l))
	}

	all, err := s.List(ctx)
	require.NoError(t, err)
	ids := make([]string, 0, len(all))
	for _, l := range all {
		ids = append(ids, l.ID)
	}
	assert.Equal(t, []string{"lic-a", "lic-b", "lic-c"}, ids)

	school, err := s.ListBySchool(ctx, "school-1")
	require.NoError(t, err)
	require.Len(t, school, 2)
	assert.Equal(t, "lic-b", school[0].ID)
}

func TestSQLiteStoreReopen(t *testing.T) {
	dir := t.TempDir()
	s, err := NewSQLiteStore(dir)
	require.NoError(t, err)
	require.NoError(t, s.Create(context.Background(), sampleLicense("lic-1", "school-1", "KEY-1")))
	require.NoError(t, s.Close())

	s, err = NewSQLiteStore(dir)
	require.NoError(t, err)
	defer s.Close()
	got, err := s.FindByID(context.Background(), "lic-1")
	require.NoError(t, err)
	require.NotNil(t, got)
}

// The record fingerprint must survive a trip through the database,
// otherwise every stored license would fail validation.
func TestManagerOverSQLite(t *testing.T) {
	ctx := context.Background()
	clock := quartz.NewMock(t)
	clock.Set(epoch)

	hasher, err := crypto.NewHasher("hash-secret", crypto.HashModeHMAC)
	require.NoError(t, err)
	tokens, err := token.NewIssuer("", []string{"token-secret"}, token.WithClock(func() time.Time { return clock.Now() }))
	require.NoError(t, err)
	hex, err := hexcodec.New("hex-secret", hexcodec.WithClock(func() time.Time { return clock.Now() }))
	require.NoError(t, err)
	cipher, err := crypto.NewEnvelopeCipher("encryption-secret")
	require.NoError(t, err)

	m, err := license.NewManager(license.Config{DefaultDuration: 365 * 24 * time.Hour}, license.Deps{
		Repository: newTestStore(t),
		Hasher:     hasher,
		Tokens:     tokens,
		Hex:        hex,
		Cipher:     cipher,
		Clock:      clock,
	})
	require.NoError(t, err)

	l, err := m.Issue(ctx, license.IssueRequest{
		SchoolID:   "school-1",
		SchoolName: "Northside High",
		Features: []licensing.Feature{
			{Name: "gradebook", Enabled: true, Restrictions: map[string]any{"maxStudents": 500}},
		},
		Metadata: map[string]any{"seats": 40},
	})
	require.NoError(t, err)

	l, err = m.Activate(ctx, license.ActivateRequest{LicenseKey: l.LicenseKey, SchoolID: "school-1"})
	require.NoError(t, err)

	online, err := m.ValidateOnline(ctx, license.ValidateRequest{
		LicenseKey:     l.LicenseKey,
		SchoolID:       "school-1",
		Features:       []string{"gradebook"},
		FeatureContext: map[string]any{"maxStudents": 300},
	})
	require.NoError(t, err)
	assert.True(t, online.Valid, online.Errors)

	offline, err := m.ValidateOffline(ctx, license.OfflineValidateRequest{LicenseHex: l.LicenseHex, SchoolID: "school-1"})
	require.NoError(t, err)
	assert.True(t, offline.Valid, offline.Message)
}

package license

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/coder/quartz"
	"github.com/rcourtman/campus-license/internal/crypto"
	"github.com/rcourtman/campus-license/internal/hexcodec"
	"github.com/rcourtman/campus-license/internal/notifications"
	"github.com/rcourtman/campus-license/internal/token"
	"github.com/rcourtman/campus-license/pkg/licensing"
	"github.com/stretchr/testify/require"
)

// memRepo enforces the same unique constraints as the real stores.
type memRepo struct {
	mu      sync.Mutex
	records map[string]*licensing.License
	order   []string
	updates int

	updateErr     map[string]error
	listErr       error
	dupKeyCreates int
	hideActive    bool
}

func newMemRepo() *memRepo {
	return &memRepo{records: map[string]*licensing.License{}, updateErr: map[string]error{}}
}

func (r *memRepo) conflict(l *licensing.License) error {
	for id, other := range r.records {
		if id == l.ID {
			continue
		}
		if other.LicenseKey == l.LicenseKey {
			return licensing.ErrDuplicateKey
		}
		if l.LicenseHex != "" && other.LicenseHex == l.LicenseHex {
			return licensing.ErrDuplicateKey
		}
		if l.Status == licensing.StatusActive && other.Status == licensing.StatusActive && other.SchoolID == l.SchoolID {
			return licensing.ErrActiveLicenseExists
		}
	}
	return nil
}

func (r *memRepo) Create(_ context.Context, l *licensing.License) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.dupKeyCreates > 0 {
		r.dupKeyCreates--
		return licensing.ErrDuplicateKey
	}
	if err := r.conflict(l); err != nil {
		return err
	}
	r.records[l.ID] = l.Clone()
	r.order = append(r.order, l.ID)
	return nil
}

func (r *memRepo) Update(_ context.Context, l *licensing.License) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if err := r.updateErr[l.ID]; err != nil {
		return err
	}
	if _, ok := r.records[l.ID]; !ok {
		return errors.New("license not found")
	}
	if err := r.conflict(l); err != nil {
		return err
	}
	stored := l.Clone()
	stored.ActivationAttempts = r.records[l.ID].ActivationAttempts
	r.records[l.ID] = stored
	r.updates++
	return nil
}

func (r *memRepo) find(match func(*licensing.License) bool) *licensing.License {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, id := range r.order {
		if l := r.records[id]; match(l) {
			return l.Clone()
		}
	}
	return nil
}

func (r *memRepo) FindByID(_ context.Context, id string) (*licensing.License, error) {
	return r.find(func(l *licensing.License) bool { return l.ID == id }), nil
}

func (r *memRepo) FindByKey(_ context.Context, key string) (*licensing.License, error) {
	return r.find(func(l *licensing.License) bool { return l.LicenseKey == key }), nil
}

func (r *memRepo) FindByHex(_ context.Context, hex string) (*licensing.License, error) {
	return r.find(func(l *licensing.License) bool { return hex != "" && l.LicenseHex == hex }), nil
}

func (r *memRepo) FindActiveBySchool(_ context.Context, schoolID string) (*licensing.License, error) {
	if r.hideActive {
		return nil, nil
	}
	return r.find(func(l *licensing.License) bool {
		return l.SchoolID == schoolID && l.Status == licensing.StatusActive
	}), nil
}

func (r *memRepo) List(context.Context) ([]*licensing.License, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.listErr != nil {
		return nil, r.listErr
	}
	out := make([]*licensing.License, 0, len(r.order))
	for _, id := range r.order {
		out = append(out, r.records[id].Clone())
	}
	return out, nil
}

func (r *memRepo) IncrementActivationAttempts(_ context.Context, id string) (int, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	l, ok := r.records[id]
	if !ok {
		return 0, errors.New("license not found")
	}
	l.ActivationAttempts++
	return l.ActivationAttempts, nil
}

func (r *memRepo) get(t *testing.T, id string) *licensing.License {
	t.Helper()
	l, _ := r.FindByID(context.Background(), id)
	require.NotNil(t, l, "license %s not stored", id)
	return l
}

func (r *memRepo) mutate(id string, fn func(*licensing.License)) {
	r.mu.Lock()
	defer r.mu.Unlock()
	fn(r.records[id])
}

func (r *memRepo) updateCount() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.updates
}

type recordingNotifier struct {
	mu   sync.Mutex
	sent []notifications.Notification
}

func (n *recordingNotifier) Notify(_ context.Context, msg notifications.Notification) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.sent = append(n.sent, msg)
}

func (n *recordingNotifier) kinds() []notifications.Kind {
	n.mu.Lock()
	defer n.mu.Unlock()
	out := make([]notifications.Kind, 0, len(n.sent))
	for _, msg := range n.sent {
		out = append(out, msg.Kind)
	}
	return out
}

func (n *recordingNotifier) last() notifications.Notification {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.sent[len(n.sent)-1]
}

type auditCall struct {
	EntityID string
	Action   string
	Actor    string
	Before   any
	After    any
	Metadata map[string]any
}

type recordingAuditor struct {
	mu    sync.Mutex
	calls []auditCall
}

func (a *recordingAuditor) LogAction(_ context.Context, entityID, _, action, actor string, before, after any, metadata map[string]any) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.calls = append(a.calls, auditCall{EntityID: entityID, Action: action, Actor: actor, Before: before, After: after, Metadata: metadata})
}

func (a *recordingAuditor) actions() []string {
	a.mu.Lock()
	defer a.mu.Unlock()
	out := make([]string, 0, len(a.calls))
	for _, c := range a.calls {
		out = append(out, c.Action)
	}
	return out
}

func (a *recordingAuditor) last() auditCall {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.calls[len(a.calls)-1]
}

type panickingNotifier struct{}

func (panickingNotifier) Notify(context.Context, notifications.Notification) {
	panic("smtp exploded")
}

var testStart = time.Date(2025, time.January, 15, 10, 0, 0, 0, time.UTC)

type harness struct {
	m        *Manager
	repo     *memRepo
	notifier *recordingNotifier
	auditor  *recordingAuditor
	clock    *quartz.Mock
}

type harnessOption func(*Config, *Deps)

func withMode(mode Mode) harnessOption {
	return func(c *Config, _ *Deps) { c.Mode = mode }
}

func withTokenTTL(ttl time.Duration) harnessOption {
	return func(c *Config, _ *Deps) { c.TokenTTL = ttl }
}

func withNotifier(n Notifier) harnessOption {
	return func(_ *Config, d *Deps) { d.Notifier = n }
}

func newHarness(t *testing.T, opts ...harnessOption) *harness {
	t.Helper()

	clock := quartz.NewMock(t)
	clock.Set(testStart)

	hasher, err := crypto.NewHasher("hash-secret", crypto.HashModeHMAC)
	require.NoError(t, err)
	tokens, err := token.NewIssuer("", []string{"token-secret"}, token.WithClock(func() time.Time { return clock.Now() }))
	require.NoError(t, err)
	hex, err := hexcodec.New("hex-secret", hexcodec.WithClock(func() time.Time { return clock.Now() }))
	require.NoError(t, err)
	cipher, err := crypto.NewEnvelopeCipher("encryption-secret")
	require.NoError(t, err)

	h := &harness{
		repo:     newMemRepo(),
		notifier: &recordingNotifier{},
		auditor:  &recordingAuditor{},
		clock:    clock,
	}
	cfg := Config{
		Mode:            ModeHybrid,
		DefaultDuration: 365 * 24 * time.Hour,
		AdminRecipients: []string{"security@example.com"},
	}
	deps := Deps{
		Repository: h.repo,
		Hasher:     hasher,
		Tokens:     tokens,
		Hex:        hex,
		Cipher:     cipher,
		Notifier:   h.notifier,
		Auditor:    h.auditor,
		Clock:      clock,
	}
	for _, opt := range opts {
		opt(&cfg, &deps)
	}

	h.m, err = NewManager(cfg, deps)
	require.NoError(t, err)
	return h
}

func (h *harness) issue(t *testing.T, schoolID string, durationDays int) *licensing.License {
	t.Helper()
	l, err := h.m.Issue(context.Background(), IssueRequest{
		SchoolID:     schoolID,
		SchoolName:   "School " + schoolID,
		DurationDays: durationDays,
		Features: []licensing.Feature{
			{Name: "gradebook", Enabled: true, Restrictions: map[string]any{"maxStudents": 500}},
			{Name: "attendance", Enabled: true},
			{Name: "analytics", Enabled: false},
		},
		Metadata:  map[string]any{"plan": "standard"},
		CreatedBy: "admin",
	})
	require.NoError(t, err)
	return l
}

func (h *harness) activate(t *testing.T, l *licensing.License) *licensing.License {
	t.Helper()
	activated, err := h.m.Activate(context.Background(), ActivateRequest{LicenseKey: l.LicenseKey, SchoolID: l.SchoolID, Actor: "installer"})
	require.NoError(t, err)
	return activated
}

func (h *harness) advance(d time.Duration) {
	h.clock.Set(h.clock.Now().Add(d))
}

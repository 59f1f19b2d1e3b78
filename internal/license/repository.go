package license

import (
	"context"

	"github.com/rcourtman/campus-license/internal/notifications"
	"github.com/rcourtman/campus-license/pkg/licensing"
)

// Repository persists licenses. Find methods return nil, nil when no
// record matches. Implementations must enforce unique license keys,
// unique non-empty hex strings and at most one ACTIVE license per school,
// reporting violations as licensing.ErrDuplicateKey and
// licensing.ErrActiveLicenseExists.
type Repository interface {
	Create(ctx context.Context, l *licensing.License) error
	// Update writes every field except ActivationAttempts.
	Update(ctx context.Context, l *licensing.License) error
	FindByID(ctx context.Context, id string) (*licensing.License, error)
	FindByKey(ctx context.Context, key string) (*licensing.License, error)
	FindByHex(ctx context.Context, hex string) (*licensing.License, error)
	FindActiveBySchool(ctx context.Context, schoolID string) (*licensing.License, error)
	List(ctx context.Context) ([]*licensing.License, error)

	// IncrementActivationAttempts atomically bumps the counter and returns
	// the new value.
	IncrementActivationAttempts(ctx context.Context, id string) (int, error)
}

// Auditor records state changes. It must not block.
type Auditor interface {
	LogAction(ctx context.Context, entityID, entityType, action, actor string, before, after any, metadata map[string]any)
}

// Notifier delivers notifications. It must not block.
type Notifier interface {
	Notify(ctx context.Context, n notifications.Notification)
}

type nopAuditor struct{}

func (nopAuditor) LogAction(context.Context, string, string, string, string, any, any, map[string]any) {
}

type nopNotifier struct{}

func (nopNotifier) Notify(context.Context, notifications.Notification) {}

package licensing

import "errors"

// Persistence conflicts reported by repositories. Stores translate their
// native unique-constraint failures into these.
var (
	// ErrActiveLicenseExists means the school already holds an ACTIVE license.
	ErrActiveLicenseExists = errors.New("school already has an active license")
	// ErrDuplicateKey means the license key or hex collides with another record.
	ErrDuplicateKey = errors.New("duplicate license key")
)

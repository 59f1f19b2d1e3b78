package audit

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"strconv"
	"strings"

	lerrors "github.com/rcourtman/campus-license/internal/errors"
)

// Signer computes HMAC-SHA256 signatures over audit entries so tampering
// with stored rows is detectable.
type Signer struct {
	key []byte
}

// NewSigner requires a non-empty secret.
func NewSigner(secret string) (*Signer, error) {
	if secret == "" {
		return nil, lerrors.NewConfigError("audit signing secret is not configured", "LICENSE_AUDIT_SECRET")
	}
	return &Signer{key: []byte(secret)}, nil
}

// Sign returns the hex signature of e, ignoring e.Signature.
func (s *Signer) Sign(e Entry) string {
	mac := hmac.New(sha256.New, s.key)
	mac.Write([]byte(canonicalForm(e)))
	return hex.EncodeToString(mac.Sum(nil))
}

// Verify reports whether e carries a valid signature.
func (s *Signer) Verify(e Entry) bool {
	if e.Signature == "" {
		return false
	}
	return hmac.Equal([]byte(s.Sign(e)), []byte(e.Signature))
}

// canonicalForm: ID|TimestampMs|EntityID|EntityType|Action|Actor|Before|After|Metadata
func canonicalForm(e Entry) string {
	return strings.Join([]string{
		e.ID,
		strconv.FormatInt(e.Timestamp.UnixMilli(), 10),
		e.EntityID,
		e.EntityType,
		e.Action,
		e.Actor,
		string(e.Before),
		string(e.After),
		string(e.Metadata),
	}, "|")
}

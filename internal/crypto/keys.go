package crypto

import (
	"crypto/rand"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"regexp"
	"strings"
)

const (
	publicKeyAlphabet = "ABCDEFGHIJKLMNOPQRSTUVWXYZ0123456789"
	publicKeyGroups   = 4
	publicKeyGroupLen = 5
	// largest multiple of len(publicKeyAlphabet) that fits in a byte
	publicKeyCutoff = 252
)

// PublicKeyPattern matches keys produced by RandomPublicKey.
var PublicKeyPattern = regexp.MustCompile(`^[A-Z0-9]{5}(-[A-Z0-9]{5}){3}$`)

// RandomPublicKey returns a key of the form XXXXX-XXXXX-XXXXX-XXXXX drawn
// uniformly from A-Z0-9.
func RandomPublicKey() (string, error) {
	var sb strings.Builder
	sb.Grow(publicKeyGroups*publicKeyGroupLen + publicKeyGroups - 1)

	buf := make([]byte, 32)
	written := 0
	for written < publicKeyGroups*publicKeyGroupLen {
		if _, err := rand.Read(buf); err != nil {
			return "", fmt.Errorf("generate public key: %w", err)
		}
		for _, v := range buf {
			if v >= publicKeyCutoff {
				continue
			}
			if written > 0 && written%publicKeyGroupLen == 0 {
				sb.WriteByte('-')
			}
			sb.WriteByte(publicKeyAlphabet[int(v)%len(publicKeyAlphabet)])
			written++
			if written == publicKeyGroups*publicKeyGroupLen {
				break
			}
		}
	}
	return sb.String(), nil
}

// HardwareInfo holds the identifiers a device fingerprint is derived from.
type HardwareInfo struct {
	CPUID      string `json:"cpuId"`
	MACAddress string `json:"macAddress"`
	DiskID     string `json:"diskId"`
	HostID     string `json:"hostId,omitempty"`
	Hostname   string `json:"hostname,omitempty"`
}

// HardwareFingerprint returns the SHA-256 of the canonical JSON encoding of
// info as 64 lowercase hex characters.
func HardwareFingerprint(info HardwareInfo) string {
	data, _ := json.Marshal(info)
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:])
}

// Package ids derives stable, non-reversible identifiers: the
// installation-local salt, per-project UUIDs, and observation external
// IDs (spec §3, §6).
package ids

import (
	"crypto/hmac"
	"crypto/rand"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"os"
	"path/filepath"

	"claudemem/internal/ocerrors"
	"github.com/google/uuid"
)

// SaltSize is the salt length in bytes (spec §6: "32 random bytes").
const SaltSize = 32

// LoadOrCreateSalt reads ~/.oc/salt, creating it with mode 0600 if absent.
func LoadOrCreateSalt(homeDir string) ([]byte, error) {
	path := filepath.Join(homeDir, "salt")
	data, err := os.ReadFile(path)
	if err == nil && len(data) == SaltSize {
		return data, nil
	}
	if err != nil && !os.IsNotExist(err) {
		return nil, ocerrors.NewFatal("read salt", err)
	}

	salt := make([]byte, SaltSize)
	if _, err := rand.Read(salt); err != nil {
		return nil, ocerrors.NewFatal("generate salt", err)
	}
	if err := os.MkdirAll(homeDir, 0755); err != nil {
		return nil, ocerrors.NewFatal("create home dir for salt", err)
	}
	if err := os.WriteFile(path, salt, 0600); err != nil {
		return nil, ocerrors.NewFatal("write salt", err)
	}
	return salt, nil
}

// CanonicalizePath resolves symlinks and normalizes an absolute path so
// that equivalent on-disk representations (trailing slash, symlink
// indirection) map to the same project UUID.
func CanonicalizePath(path string) (string, error) {
	abs, err := filepath.Abs(path)
	if err != nil {
		return "", err
	}
	resolved, err := filepath.EvalSymlinks(abs)
	if err != nil {
		// Path may not exist yet (e.g. being registered ahead of creation);
		// fall back to the absolute, cleaned form.
		return filepath.Clean(abs), nil
	}
	return filepath.Clean(resolved), nil
}

// ProjectUUID computes the non-reversible HMAC-SHA256 of the canonical
// path using the installation-local salt (spec §3).
func ProjectUUID(salt []byte, canonicalPath string) string {
	mac := hmac.New(sha256.New, salt)
	mac.Write([]byte(canonicalPath))
	return hex.EncodeToString(mac.Sum(nil))
}

// ExternalID builds the `{project_uuid}:{local_id}` composite id (spec §3).
func ExternalID(projectUUID string, localID int64) string {
	return fmt.Sprintf("%s:%d", projectUUID, localID)
}

// NewSessionID mints a fresh session identifier.
func NewSessionID() string {
	return uuid.NewString()
}

// NewRequestID mints a fresh request-correlation identifier.
func NewRequestID() string {
	return uuid.NewString()
}

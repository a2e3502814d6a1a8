package ids

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadOrCreateSalt_PersistsAndReuses(t *testing.T) {
	dir := t.TempDir()
	first, err := LoadOrCreateSalt(dir)
	require.NoError(t, err)
	assert.Len(t, first, SaltSize)

	info, err := os.Stat(filepath.Join(dir, "salt"))
	require.NoError(t, err)
	assert.Equal(t, os.FileMode(0600), info.Mode().Perm())

	second, err := LoadOrCreateSalt(dir)
	require.NoError(t, err)
	assert.Equal(t, first, second)
}

func TestProjectUUID_DeterministicAndSaltDependent(t *testing.T) {
	saltA := []byte("0123456789abcdef0123456789abcdef")
	saltB := []byte("fedcba9876543210fedcba9876543210")

	u1 := ProjectUUID(saltA[:32], "/home/dev/project")
	u2 := ProjectUUID(saltA[:32], "/home/dev/project")
	u3 := ProjectUUID(saltB[:32], "/home/dev/project")

	assert.Equal(t, u1, u2)
	assert.NotEqual(t, u1, u3)
}

func TestCanonicalizePath_SymlinkAndTrailingSlash(t *testing.T) {
	dir := t.TempDir()
	real := filepath.Join(dir, "real")
	require.NoError(t, os.Mkdir(real, 0755))
	link := filepath.Join(dir, "link")
	require.NoError(t, os.Symlink(real, link))

	salt := []byte("0123456789abcdef0123456789abcdef")

	c1, err := CanonicalizePath(link)
	require.NoError(t, err)
	c2, err := CanonicalizePath(real + "/")
	require.NoError(t, err)

	assert.Equal(t, c1, c2)
	assert.Equal(t, ProjectUUID(salt, c1), ProjectUUID(salt, c2))
}

func TestExternalID_Format(t *testing.T) {
	assert.Equal(t, "abc123:42", ExternalID("abc123", 42))
}

func TestNewSessionID_Unique(t *testing.T) {
	assert.NotEqual(t, NewSessionID(), NewSessionID())
}

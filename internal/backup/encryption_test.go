package backup

import (
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"vwbackup/internal/config"
)

func TestEncryptDecryptRoundTrip(t *testing.T) {
	dir := t.TempDir()
	content := strings.Repeat("PRAGMA foreign_keys=OFF;\nBEGIN TRANSACTION;\n", 100)
	src := writeTestFile(t, dir, "database-dump-20240101-020000.sql.gz", content)

	enc := NewPGPEncryptor()
	secret := config.Secret("correct horse battery staple")

	encrypted, err := enc.Encrypt(src, secret)
	require.NoError(t, err)
	assert.Equal(t, src+".gpg", encrypted)

	ciphertext, err := os.ReadFile(encrypted)
	require.NoError(t, err)
	assert.NotContains(t, string(ciphertext), "PRAGMA foreign_keys")
	require.NotEmpty(t, ciphertext)
	// Every OpenPGP packet header has the high bit set.
	assert.NotZero(t, ciphertext[0]&0x80)

	// The plaintext source stays in place for the caller to clean up.
	_, err = os.Stat(src)
	assert.NoError(t, err)

	restoreDir := t.TempDir()
	restored, err := enc.Decrypt(encrypted, secret, restoreDir)
	require.NoError(t, err)
	assert.Equal(t, filepath.Join(restoreDir, filepath.Base(src)), restored)

	data, err := os.ReadFile(restored)
	require.NoError(t, err)
	assert.Equal(t, content, string(data))
}

func TestDecryptDefaultsToSourceDirectory(t *testing.T) {
	dir := t.TempDir()
	src := writeTestFile(t, dir, "payload.json", `{"tables":{}}`)

	enc := NewPGPEncryptor()
	secret := config.Secret("pw")

	encrypted, err := enc.Encrypt(src, secret)
	require.NoError(t, err)
	require.NoError(t, os.Remove(src))

	restored, err := enc.Decrypt(encrypted, secret, "")
	require.NoError(t, err)
	assert.Equal(t, src, restored)
}

func TestDecryptWrongPassphrase(t *testing.T) {
	dir := t.TempDir()
	src := writeTestFile(t, dir, "payload.sql", "SELECT 1;")

	enc := NewPGPEncryptor()
	encrypted, err := enc.Encrypt(src, config.Secret("right"))
	require.NoError(t, err)

	_, err = enc.Decrypt(encrypted, config.Secret("wrong"), t.TempDir())
	require.Error(t, err)
	assert.Equal(t, ErrorTypeVerification, TypeOf(err))
}

func TestDecryptTruncatedCiphertext(t *testing.T) {
	dir := t.TempDir()
	src := writeTestFile(t, dir, "payload.sql", strings.Repeat("SELECT 1;\n", 200))

	enc := NewPGPEncryptor()
	secret := config.Secret("pw")
	encrypted, err := enc.Encrypt(src, secret)
	require.NoError(t, err)

	data, err := os.ReadFile(encrypted)
	require.NoError(t, err)
	require.NoError(t, os.WriteFile(encrypted, data[:len(data)/2], 0o600))

	_, err = enc.Decrypt(encrypted, secret, t.TempDir())
	require.Error(t, err)
	assert.Equal(t, ErrorTypeVerification, TypeOf(err))
}

func TestDecryptGarbageInput(t *testing.T) {
	dir := t.TempDir()
	garbage := writeTestFile(t, dir, "garbage.sql.gpg", "certainly not a pgp message")

	enc := NewPGPEncryptor()
	_, err := enc.Decrypt(garbage, config.Secret("pw"), t.TempDir())
	require.Error(t, err)
	assert.Equal(t, ErrorTypeVerification, TypeOf(err))
}

func TestEncryptRequiresSecret(t *testing.T) {
	dir := t.TempDir()
	src := writeTestFile(t, dir, "payload.sql", "SELECT 1;")

	enc := NewPGPEncryptor()
	_, err := enc.Encrypt(src, nil)
	require.Error(t, err)
	assert.Equal(t, ErrorTypeConfig, TypeOf(err))

	_, err = enc.Decrypt(src+".gpg", config.Secret(""), "")
	require.Error(t, err)
	assert.Equal(t, ErrorTypeConfig, TypeOf(err))
}

func TestDecryptWrongSuffix(t *testing.T) {
	dir := t.TempDir()
	src := writeTestFile(t, dir, "payload.sql", "SELECT 1;")

	enc := NewPGPEncryptor()
	_, err := enc.Decrypt(src, config.Secret("pw"), "")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "suffix")
}

func TestEncryptMissingSource(t *testing.T) {
	enc := NewPGPEncryptor()
	_, err := enc.Encrypt(filepath.Join(t.TempDir(), "absent.sql"), config.Secret("pw"))
	require.Error(t, err)
	assert.Equal(t, ErrorTypeArtifact, TypeOf(err))
}

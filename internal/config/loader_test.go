package config

import (
	"fmt"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseDatabaseURL(t *testing.T) {
	tests := []struct {
		name    string
		url     string
		want    string
		wantErr bool
	}{
		{name: "bare path", url: "/data/db.sqlite3", want: "/data/db.sqlite3"},
		{name: "relative path", url: "data/db.sqlite3", want: "data/db.sqlite3"},
		{name: "file scheme", url: "file:/data/db.sqlite3", want: "/data/db.sqlite3"},
		{name: "file scheme with slashes", url: "file:///data/db.sqlite3", want: "/data/db.sqlite3"},
		{name: "sqlite scheme", url: "sqlite:///data/db.sqlite3", want: "/data/db.sqlite3"},
		{name: "sqlite scheme relative", url: "sqlite://data/db.sqlite3", want: "data/db.sqlite3"},
		{name: "query parameters stripped", url: "file:/data/db.sqlite3?_busy_timeout=5000", want: "/data/db.sqlite3"},
		{name: "surrounding whitespace", url: "  /data/db.sqlite3  ", want: "/data/db.sqlite3"},
		{name: "empty", url: "", wantErr: true},
		{name: "scheme only", url: "sqlite://", wantErr: true},
		{name: "mysql rejected", url: "mysql://root:pw@localhost:3306/app", wantErr: true},
		{name: "postgres rejected", url: "postgres://app@db/app", wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := ParseDatabaseURL(tt.url)
			if tt.wantErr {
				assert.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestResolveDatabasePath(t *testing.T) {
	dir := t.TempDir()
	dbPath := filepath.Join(dir, "db.sqlite3")
	require.NoError(t, os.WriteFile(dbPath, []byte("stub"), 0o600))

	t.Run("existing file", func(t *testing.T) {
		cfg := New()
		cfg.DatabaseURL = "file:" + dbPath
		got, err := cfg.ResolveDatabasePath()
		require.NoError(t, err)
		assert.Equal(t, dbPath, got)
	})

	t.Run("missing file", func(t *testing.T) {
		cfg := New()
		cfg.DatabaseURL = filepath.Join(dir, "absent.sqlite3")
		_, err := cfg.ResolveDatabasePath()
		assert.Error(t, err)
	})

	t.Run("directory", func(t *testing.T) {
		cfg := New()
		cfg.DatabaseURL = dir
		_, err := cfg.ResolveDatabasePath()
		require.Error(t, err)
		assert.Contains(t, err.Error(), "is a directory")
	})
}

func TestResolveSecret(t *testing.T) {
	t.Run("environment wins", func(t *testing.T) {
		cfg := New()
		cfg.Encryption.PassphraseEnv = "VWBACKUP_TEST_PASSPHRASE"
		t.Setenv("VWBACKUP_TEST_PASSPHRASE", "from-env\n")

		secret, err := cfg.ResolveSecret()
		require.NoError(t, err)
		assert.Equal(t, []byte("from-env"), secret.Bytes())
	})

	t.Run("file fallback", func(t *testing.T) {
		file := filepath.Join(t.TempDir(), "passphrase")
		require.NoError(t, os.WriteFile(file, []byte("from-file\n"), 0o600))

		cfg := New()
		cfg.Encryption.PassphraseEnv = "VWBACKUP_TEST_UNSET"
		cfg.Encryption.PassphraseFile = file

		secret, err := cfg.ResolveSecret()
		require.NoError(t, err)
		assert.Equal(t, []byte("from-file"), secret.Bytes())
	})

	t.Run("empty env var is an error", func(t *testing.T) {
		cfg := New()
		cfg.Encryption.PassphraseEnv = "VWBACKUP_TEST_EMPTY"
		t.Setenv("VWBACKUP_TEST_EMPTY", "")

		_, err := cfg.ResolveSecret()
		require.Error(t, err)
		assert.Contains(t, err.Error(), "set but empty")
	})

	t.Run("nothing configured", func(t *testing.T) {
		cfg := New()
		cfg.Encryption.PassphraseEnv = "VWBACKUP_TEST_UNSET"
		cfg.Encryption.PassphraseFile = ""

		_, err := cfg.ResolveSecret()
		require.Error(t, err)
		assert.Contains(t, err.Error(), "no passphrase available")
	})
}

func TestSecretRedaction(t *testing.T) {
	secret := Secret("hunter2")

	assert.Equal(t, "[redacted]", secret.String())
	assert.Equal(t, "[redacted]", fmt.Sprintf("%v", secret))
	assert.Equal(t, "[redacted]", fmt.Sprintf("%s", secret))
	assert.NotContains(t, fmt.Sprintf("%#v", secret), "hunter2")
	assert.Equal(t, []byte("hunter2"), secret.Bytes())
	assert.False(t, secret.Empty())
	assert.True(t, Secret(nil).Empty())
}

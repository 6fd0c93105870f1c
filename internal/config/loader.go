package config

import (
	"fmt"
	"os"
	"strings"
)

// Secret holds the backup passphrase in memory. Its formatting methods
// redact the value so it cannot leak through logs or %v/%#v verbs.
type Secret []byte

// String implements fmt.Stringer and always redacts.
func (s Secret) String() string { return "[redacted]" }

// GoString implements fmt.GoStringer and always redacts.
func (s Secret) GoString() string { return "config.Secret([redacted])" }

// Empty reports whether no passphrase was resolved.
func (s Secret) Empty() bool { return len(s) == 0 }

// Bytes exposes the raw passphrase for the encryption layer.
func (s Secret) Bytes() []byte { return []byte(s) }

// rejectedSchemes are database URL schemes for server engines this tool
// does not manage.
var rejectedSchemes = []string{"mysql://", "postgres://", "postgresql://", "mariadb://", "mssql://"}

// ParseDatabaseURL extracts the SQLite file path from a database URL.
// Accepted forms:
//
//	/data/db.sqlite3
//	file:/data/db.sqlite3
//	file:///data/db.sqlite3
//	sqlite:///data/db.sqlite3
//
// Query parameters are stripped. URLs for server databases are rejected
// with a hint rather than silently treated as paths.
func ParseDatabaseURL(raw string) (string, error) {
	u := strings.TrimSpace(raw)
	if u == "" {
		return "", fmt.Errorf("database URL is empty")
	}

	lower := strings.ToLower(u)
	for _, scheme := range rejectedSchemes {
		if strings.HasPrefix(lower, scheme) {
			return "", fmt.Errorf("unsupported database URL %q: only SQLite paths are supported", raw)
		}
	}

	switch {
	case strings.HasPrefix(lower, "sqlite://"):
		u = u[len("sqlite://"):]
	case strings.HasPrefix(lower, "sqlite:"):
		u = u[len("sqlite:"):]
	case strings.HasPrefix(lower, "file://"):
		u = u[len("file://"):]
	case strings.HasPrefix(lower, "file:"):
		u = u[len("file:"):]
	}

	if i := strings.IndexByte(u, '?'); i >= 0 {
		u = u[:i]
	}
	if u == "" {
		return "", fmt.Errorf("database URL %q contains no file path", raw)
	}
	return u, nil
}

// ResolveDatabasePath parses DatabaseURL and confirms the file exists.
func (c *Config) ResolveDatabasePath() (string, error) {
	path, err := ParseDatabaseURL(c.DatabaseURL)
	if err != nil {
		return "", err
	}
	info, err := os.Stat(path)
	if err != nil {
		return "", fmt.Errorf("database file %s: %w", path, err)
	}
	if info.IsDir() {
		return "", fmt.Errorf("database path %s is a directory", path)
	}
	return path, nil
}

// ResolveSecret loads the backup passphrase, preferring the environment
// variable over the passphrase file. Trailing newlines from file-based
// passphrases are stripped so `echo secret > file` round-trips.
func (c *Config) ResolveSecret() (Secret, error) {
	if env := c.Encryption.PassphraseEnv; env != "" {
		if v, ok := os.LookupEnv(env); ok {
			v = strings.TrimRight(v, "\r\n")
			if v == "" {
				return nil, fmt.Errorf("environment variable %s is set but empty", env)
			}
			return Secret(v), nil
		}
	}
	if file := c.Encryption.PassphraseFile; file != "" {
		data, err := os.ReadFile(file)
		if err != nil {
			return nil, fmt.Errorf("reading passphrase file: %w", err)
		}
		v := strings.TrimRight(string(data), "\r\n")
		if v == "" {
			return nil, fmt.Errorf("passphrase file %s is empty", file)
		}
		return Secret(v), nil
	}
	return nil, fmt.Errorf("no passphrase available: set %s or configure encryption.passphrase_file",
		c.Encryption.PassphraseEnv)
}

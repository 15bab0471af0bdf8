// Package paths lays out the telequery data directory.
package paths

import (
	"os"
	"path/filepath"
)

// BaseDir returns ~/.telequery, or $TELEQUERY_HOME when set.
func BaseDir() string {
	if dir := os.Getenv("TELEQUERY_HOME"); dir != "" {
		return dir
	}
	home, _ := os.UserHomeDir()
	return filepath.Join(home, ".telequery")
}

// ConfigPath returns the global config file path.
func ConfigPath() string {
	return filepath.Join(BaseDir(), "config.toml")
}

// SocketPath returns the UDS socket path inside dir.
func SocketPath(dir string) string {
	return filepath.Join(dir, "telequeryd.sock")
}

// MessagesDBPath returns the chat message database path inside dir.
func MessagesDBPath(dir string) string {
	return filepath.Join(dir, "telegram_messages.db")
}

// ExpansionsDBPath returns the expansion cache database path inside dir.
func ExpansionsDBPath(dir string) string {
	return filepath.Join(dir, "telequery_expansions.db")
}

// VectorsDBPath returns the vector index database path inside dir.
func VectorsDBPath(dir string) string {
	return filepath.Join(dir, "vectors.db")
}

// LogDir returns the log directory inside dir.
func LogDir(dir string) string {
	return filepath.Join(dir, "logs")
}

// LogPath returns the daemon log file path inside dir.
func LogPath(dir string) string {
	return filepath.Join(LogDir(dir), "telequeryd.log")
}

// EnsureDir creates the data directory tree with owner-only permissions.
func EnsureDir(dir string) error {
	for _, d := range []string{dir, LogDir(dir)} {
		if err := os.MkdirAll(d, 0700); err != nil {
			return err
		}
	}
	return nil
}

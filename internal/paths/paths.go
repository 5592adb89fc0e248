package paths

import (
	"os"
	"path/filepath"

	"github.com/adrg/xdg"
)

const (

	// Name used for directory and file naming.
	programName = "ligship"

	// Default permission mode for directories.
	DefaultDirMode os.FileMode = 0755

	// Default permission mode for files.
	DefaultFileMode os.FileMode = 0644
)

// Path to the directory for runtime files (sockets, PIDs).
//
//	Linux:   $XDG_RUNTIME_DIR/ligship or ~/.cache/ligship/run
//	macOS:   ~/Library/Caches/ligship/run
func Runtime() string {
	if xdg.RuntimeDir != "" {
		return filepath.Join(xdg.RuntimeDir, programName)
	}
	return filepath.Join(xdg.CacheHome, programName, "run")
}

// Default path to the Unix domain socket for CLI-to-daemon communication.
func Socket() string {
	return filepath.Join(Runtime(), "ligship.sock")
}

// Default path to the PID file.
func PIDFile() string {
	return filepath.Join(Runtime(), "ligship.pid")
}

// Root of the content-addressed dependency layer cache.
//
//	Linux:   $XDG_CACHE_HOME/ligship/layers
//	macOS:   ~/Library/Caches/ligship/layers
func Cache() string {
	return filepath.Join(xdg.CacheHome, programName, "layers")
}

// Default path to the SQLite run ledger.
//
//	Linux:   $XDG_STATE_HOME/ligship/runs.db
//	macOS:   ~/Library/Application Support/ligship/runs.db
func Ledger() string {
	return filepath.Join(xdg.StateHome, programName, "runs.db")
}

// Default path to the settings file.
//
//	Linux:   $XDG_CONFIG_HOME/ligship/ligship.toml
//	macOS:   ~/Library/Application Support/ligship/ligship.toml
func Settings() string {
	return filepath.Join(xdg.ConfigHome, programName, "ligship.toml")
}

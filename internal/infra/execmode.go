package infra

import (
	"os"
	"os/user"
	"path/filepath"
)

// ExecMode represents the execution mode of the daemon.
type ExecMode string

const (
	// ExecModeUser runs unprivileged; useful for development against a
	// private service tree.
	ExecModeUser ExecMode = "user"
	// ExecModeSystem runs as root under runit itself.
	ExecModeSystem ExecMode = "system"
)

// ExecModeConfig holds default paths based on execution mode.
type ExecModeConfig struct {
	Mode       ExecMode
	ConfigPath string // default YAML config location
	DataDir    string // activity store, key, description cache
	SocketPath string // control socket
	IsRoot     bool
}

// DetectExecMode determines the execution mode based on effective UID.
func DetectExecMode() *ExecModeConfig {
	if os.Geteuid() == 0 {
		return &ExecModeConfig{
			Mode:       ExecModeSystem,
			ConfigPath: "/etc/runkit/runkitd.yaml",
			DataDir:    "/var/lib/runkit",
			SocketPath: "/run/runkit/runkitd.sock",
			IsRoot:     true,
		}
	}
	return GetUserModeConfig()
}

// GetUserModeConfig returns user mode paths regardless of current euid.
func GetUserModeConfig() *ExecModeConfig {
	home := GetRealUserHome()

	state := os.Getenv("XDG_STATE_HOME")
	if state == "" {
		state = filepath.Join(home, ".local", "state")
	}
	runtimeDir := os.Getenv("XDG_RUNTIME_DIR")
	if runtimeDir == "" {
		runtimeDir = filepath.Join(state, "runkit")
	}
	cfgHome := os.Getenv("XDG_CONFIG_HOME")
	if cfgHome == "" {
		cfgHome = filepath.Join(home, ".config")
	}

	return &ExecModeConfig{
		Mode:       ExecModeUser,
		ConfigPath: filepath.Join(cfgHome, "runkit", "runkitd.yaml"),
		DataDir:    filepath.Join(state, "runkit"),
		SocketPath: filepath.Join(runtimeDir, "runkitd.sock"),
		IsRoot:     os.Geteuid() == 0,
	}
}

// String returns a human-readable description of the mode.
func (m ExecMode) String() string {
	switch m {
	case ExecModeSystem:
		return "system (root)"
	case ExecModeUser:
		return "user (non-root)"
	default:
		return "unknown"
	}
}

// GetRealUserHome returns the invoking user's home directory, even under sudo.
func GetRealUserHome() string {
	if sudoUser := os.Getenv("SUDO_USER"); sudoUser != "" {
		if u, err := user.Lookup(sudoUser); err == nil {
			return u.HomeDir
		}
	}
	home, _ := os.UserHomeDir()
	return home
}

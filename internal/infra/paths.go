package infra

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/adrg/xdg"
)

const appName = "trackd"

// Paths holds every file location the daemon and its clients use.
type Paths struct {
	ConfigFile string // YAML config
	DataDir    string // state file, rule DB, entry DB, key
	LogFile    string // rotated daemon log
	SocketPath string // IPC unix socket
	Env        string // TRACKD_ENV, empty in normal use
}

// ResolvePaths computes locations from the XDG base directories.
//
// TRACKD_ENV=<name> keeps a separate set of files per environment (dev, test).
// TRACKD_HOME=<dir> places everything under one directory, used by tests.
func ResolvePaths() (*Paths, error) {
	env := strings.TrimSpace(os.Getenv("TRACKD_ENV"))

	if home := strings.TrimSpace(os.Getenv("TRACKD_HOME")); home != "" {
		return PathsUnder(ExpandHome(home), env), nil
	}

	configName := "config.yml"
	dataRel := appName
	socketName := appName + ".sock"
	if env != "" {
		configName = fmt.Sprintf("config_%s.yml", env)
		dataRel = filepath.Join(appName, env)
		socketName = fmt.Sprintf("%s_%s.sock", appName, env)
	}

	configFile, err := xdg.ConfigFile(filepath.Join(appName, configName))
	if err != nil {
		return nil, fmt.Errorf("failed to resolve config path: %w", err)
	}

	// DataFile creates the parent directories of the returned path.
	marker, err := xdg.DataFile(filepath.Join(dataRel, ".keep"))
	if err != nil {
		return nil, fmt.Errorf("failed to resolve data path: %w", err)
	}
	dataDir := filepath.Dir(marker)

	socketPath, err := xdg.RuntimeFile(filepath.Join(appName, socketName))
	if err != nil {
		return nil, fmt.Errorf("failed to resolve runtime path: %w", err)
	}

	return &Paths{
		ConfigFile: configFile,
		DataDir:    dataDir,
		LogFile:    filepath.Join(dataDir, "log", appName+".log"),
		SocketPath: socketPath,
		Env:        env,
	}, nil
}

// PathsUnder lays every location out below root.
func PathsUnder(root, env string) *Paths {
	return &Paths{
		ConfigFile: filepath.Join(root, "config.yml"),
		DataDir:    filepath.Join(root, "data"),
		LogFile:    filepath.Join(root, "data", "log", appName+".log"),
		SocketPath: filepath.Join(root, "run", appName+".sock"),
		Env:        env,
	}
}

// ExpandHome expands a leading ~ to the user's home directory.
func ExpandHome(path string) string {
	if path == "~" || strings.HasPrefix(path, "~/") {
		home, err := os.UserHomeDir()
		if err != nil {
			return path
		}
		return filepath.Join(home, strings.TrimPrefix(path, "~"))
	}
	return path
}

package infra

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"syscall"
	"time"

	"github.com/eliteGoblin/focusd/trackd/internal/domain"
)

const stateFileName = "state.json"

// JSONStateFile implements domain.StateFile as a JSON document replaced atomically.
// Concurrent writers from separate processes are serialized with flock.
type JSONStateFile struct {
	path string
}

// NewStateFile creates a state file inside dataDir.
func NewStateFile(dataDir string) domain.StateFile {
	return &JSONStateFile{path: filepath.Join(dataDir, stateFileName)}
}

// NewStateFileWithPath creates a state file at a specific path (for testing).
func NewStateFileWithPath(path string) domain.StateFile {
	return &JSONStateFile{path: path}
}

// Path returns the state file location.
func (f *JSONStateFile) Path() string {
	return f.path
}

// Load reads the state document. A missing file is not an error.
func (f *JSONStateFile) Load() (*domain.StateDocument, error) {
	data, err := os.ReadFile(f.path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to read state file: %w", err)
	}

	var doc domain.StateDocument
	if err := json.Unmarshal(data, &doc); err != nil {
		return nil, fmt.Errorf("%w: %v", domain.ErrStateCorrupted, err)
	}
	if doc.Session != nil && doc.Session.TaskName == "" {
		return nil, fmt.Errorf("%w: session without task name", domain.ErrStateCorrupted)
	}
	return &doc, nil
}

// Save atomically replaces the state document.
func (f *JSONStateFile) Save(doc *domain.StateDocument) error {
	if err := os.MkdirAll(filepath.Dir(f.path), 0700); err != nil {
		return fmt.Errorf("failed to create state directory: %w", err)
	}

	lockFile, err := os.OpenFile(f.path+".lock", os.O_CREATE|os.O_RDWR, 0600)
	if err != nil {
		return fmt.Errorf("failed to open lock file: %w", err)
	}
	defer lockFile.Close()

	if err := syscall.Flock(int(lockFile.Fd()), syscall.LOCK_EX); err != nil {
		return fmt.Errorf("failed to acquire lock: %w", err)
	}
	defer func() { _ = syscall.Flock(int(lockFile.Fd()), syscall.LOCK_UN) }()

	data, err := json.MarshalIndent(doc, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to encode state: %w", err)
	}
	return atomicWrite(f.path, data, 0600)
}

// Quarantine renames the current file to state.json.corrupt-<unix>.
func (f *JSONStateFile) Quarantine() (string, error) {
	dst := fmt.Sprintf("%s.corrupt-%d", f.path, time.Now().Unix())
	if err := os.Rename(f.path, dst); err != nil {
		return "", fmt.Errorf("failed to quarantine state file: %w", err)
	}
	return dst, nil
}

// atomicWrite writes data to a temp file in the same directory, syncs it and
// renames it over path, so readers never observe a partial document.
func atomicWrite(path string, data []byte, perm os.FileMode) error {
	dir := filepath.Dir(path)
	tmp, err := os.CreateTemp(dir, "."+filepath.Base(path)+".*.tmp")
	if err != nil {
		return fmt.Errorf("failed to create temp file: %w", err)
	}
	tmpPath := tmp.Name()

	cleanup := func() {
		tmp.Close()
		os.Remove(tmpPath)
	}

	if _, err := tmp.Write(data); err != nil {
		cleanup()
		return fmt.Errorf("failed to write temp file: %w", err)
	}
	if err := tmp.Chmod(perm); err != nil {
		cleanup()
		return fmt.Errorf("failed to chmod temp file: %w", err)
	}
	if err := tmp.Sync(); err != nil {
		cleanup()
		return fmt.Errorf("failed to sync temp file: %w", err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpPath)
		return fmt.Errorf("failed to close temp file: %w", err)
	}

	if err := os.Rename(tmpPath, path); err != nil {
		os.Remove(tmpPath)
		return fmt.Errorf("failed to rename temp file: %w", err)
	}

	// Persist the rename itself.
	if d, err := os.Open(dir); err == nil {
		_ = d.Sync()
		d.Close()
	}
	return nil
}

// Ensure JSONStateFile implements domain.StateFile.
var _ domain.StateFile = (*JSONStateFile)(nil)

package infra

import (
	"crypto/rand"
	"encoding/base64"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"

	"github.com/eliteGoblin/focusd/trackd/internal/domain"
)

const (
	ruleKeyFile = "rules.key"
	ruleKeyLen  = 32 // raw SQLCipher key
)

// RuleKeyFile holds the rules database key as base64 text, readable by the
// owner only.
type RuleKeyFile struct {
	path string
}

func NewRuleKeyFile(dataDir string) *RuleKeyFile {
	return &RuleKeyFile{path: filepath.Join(dataDir, ruleKeyFile)}
}

// Load returns the key. Trailing whitespace left by editors is ignored.
func (f *RuleKeyFile) Load() ([]byte, error) {
	text, err := os.ReadFile(f.path)
	if err != nil {
		return nil, fmt.Errorf("failed to read rules key: %w", err)
	}
	key, err := base64.StdEncoding.DecodeString(strings.TrimSpace(string(text)))
	if err != nil {
		return nil, fmt.Errorf("failed to decode rules key: %w", err)
	}
	if err := checkRuleKey(key); err != nil {
		return nil, err
	}
	return key, nil
}

func (f *RuleKeyFile) Save(key []byte) error {
	if err := checkRuleKey(key); err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(f.path), 0700); err != nil {
		return fmt.Errorf("failed to create data dir: %w", err)
	}
	text := base64.StdEncoding.EncodeToString(key)
	if err := atomicWrite(f.path, []byte(text), 0600); err != nil {
		return fmt.Errorf("failed to write rules key: %w", err)
	}
	return nil
}

// Exists is true for any file at the key path, valid or not.
func (f *RuleKeyFile) Exists() bool {
	_, err := os.Stat(f.path)
	return !errors.Is(err, fs.ErrNotExist)
}

func checkRuleKey(key []byte) error {
	if len(key) != ruleKeyLen {
		return fmt.Errorf("rules key is %d bytes, need %d", len(key), ruleKeyLen)
	}
	return nil
}

// NewRuleKey returns fresh random key material.
func NewRuleKey() ([]byte, error) {
	key := make([]byte, ruleKeyLen)
	if _, err := rand.Read(key); err != nil {
		return nil, fmt.Errorf("failed to generate rules key: %w", err)
	}
	return key, nil
}

// LoadOrCreateRuleKey is called once at startup. A missing key is created.
// A key file that exists but does not load is reported and left in place:
// the rules database cannot be opened with any other key.
func LoadOrCreateRuleKey(store domain.RuleKeyStore) ([]byte, error) {
	if store.Exists() {
		return store.Load()
	}
	key, err := NewRuleKey()
	if err != nil {
		return nil, err
	}
	if err := store.Save(key); err != nil {
		return nil, err
	}
	return key, nil
}

var _ domain.RuleKeyStore = (*RuleKeyFile)(nil)

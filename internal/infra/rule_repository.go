package infra

import (
	"database/sql"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"

	// Ensure sqlcipher driver is registered.
	_ "github.com/mutecomm/go-sqlcipher/v4"

	"github.com/eliteGoblin/focusd/trackd/internal/domain"
)

const ruleDBName = "rules.db"

// EncryptedRuleRepository implements domain.RuleRepository using a SQLCipher
// encrypted SQLite database. Evaluation order is kept in the seq column.
type EncryptedRuleRepository struct {
	db     *sql.DB
	dbPath string
}

// NewEncryptedRuleRepository opens (or creates) the encrypted rule database.
// The key is used as the SQLCipher passphrase via PRAGMA key.
func NewEncryptedRuleRepository(dataDir string, key []byte) (*EncryptedRuleRepository, error) {
	if err := os.MkdirAll(dataDir, 0700); err != nil {
		return nil, fmt.Errorf("failed to create data directory: %w", err)
	}

	dbPath := filepath.Join(dataDir, ruleDBName)
	keyHex := hex.EncodeToString(key)

	dsn := fmt.Sprintf("%s?_pragma_key=x'%s'&_pragma_cipher_page_size=4096", dbPath, keyHex)
	db, err := sql.Open("sqlite3", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open encrypted database: %w", err)
	}
	// One connection: sqlite serializes writers anyway and this keeps
	// PRAGMA key applied to every statement.
	db.SetMaxOpenConns(1)

	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to connect to encrypted database: %w", err)
	}

	repo := &EncryptedRuleRepository{db: db, dbPath: dbPath}
	if err := repo.createTables(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to create tables: %w", err)
	}
	return repo, nil
}

func (r *EncryptedRuleRepository) createTables() error {
	schema := `
	CREATE TABLE IF NOT EXISTS rules (
		id TEXT PRIMARY KEY,
		seq INTEGER NOT NULL,
		pattern TEXT NOT NULL,
		task TEXT NOT NULL,
		enabled INTEGER NOT NULL,
		learned INTEGER NOT NULL,
		confidence REAL NOT NULL,
		match_count INTEGER NOT NULL DEFAULT 0,
		created_at INTEGER NOT NULL
	);

	CREATE INDEX IF NOT EXISTS rules_seq ON rules (seq);
	`
	_, err := r.db.Exec(schema)
	return err
}

// LoadRules returns all rules in insertion order.
func (r *EncryptedRuleRepository) LoadRules() ([]domain.Rule, error) {
	rows, err := r.db.Query(`
		SELECT id, pattern, task, enabled, learned, confidence, match_count, created_at
		FROM rules ORDER BY seq`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var rules []domain.Rule
	for rows.Next() {
		var (
			rule      domain.Rule
			task      string
			createdAt int64
		)
		if err := rows.Scan(&rule.ID, &rule.Pattern, &task, &rule.Enabled, &rule.Learned,
			&rule.Confidence, &rule.MatchCount, &createdAt); err != nil {
			return nil, err
		}
		if err := json.Unmarshal([]byte(task), &rule.Task); err != nil {
			return nil, fmt.Errorf("failed to decode task of rule %s: %w", rule.ID, err)
		}
		rule.CreatedAt = time.Unix(0, createdAt).UTC()
		rules = append(rules, rule)
	}
	return rules, rows.Err()
}

// SaveRule inserts a new rule at the end of the order or updates an existing one in place.
func (r *EncryptedRuleRepository) SaveRule(rule domain.Rule) error {
	task, err := json.Marshal(rule.Task)
	if err != nil {
		return fmt.Errorf("failed to encode task: %w", err)
	}

	_, err = r.db.Exec(`
		INSERT INTO rules (id, seq, pattern, task, enabled, learned, confidence, match_count, created_at)
		VALUES (?, (SELECT COALESCE(MAX(seq), 0) + 1 FROM rules), ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			pattern = excluded.pattern,
			task = excluded.task,
			enabled = excluded.enabled,
			learned = excluded.learned,
			confidence = excluded.confidence,
			match_count = excluded.match_count`,
		rule.ID, rule.Pattern, string(task), rule.Enabled, rule.Learned,
		rule.Confidence, rule.MatchCount, rule.CreatedAt.UnixNano(),
	)
	return err
}

// DeleteRule removes a rule by ID.
func (r *EncryptedRuleRepository) DeleteRule(id string) error {
	_, err := r.db.Exec(`DELETE FROM rules WHERE id = ?`, id)
	return err
}

// Close closes the database connection.
func (r *EncryptedRuleRepository) Close() error {
	return r.db.Close()
}

// GetDBPath returns the database file path (for tests).
func (r *EncryptedRuleRepository) GetDBPath() string {
	return r.dbPath
}

// Ensure EncryptedRuleRepository implements domain.RuleRepository.
var _ domain.RuleRepository = (*EncryptedRuleRepository)(nil)

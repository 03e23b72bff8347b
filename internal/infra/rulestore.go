package infra

import (
	"database/sql"
	"encoding/hex"
	"fmt"
	"os"
	"path/filepath"
	"time"

	sqlcipher "github.com/mutecomm/go-sqlcipher/v4"

	"github.com/netguard/netguardd/internal/domain"
)

// Ensure sqlcipher driver is registered.
var _ = sqlcipher.IsEncrypted

const rulesDBName = "rules.db"

// SQLCipherRuleStore implements domain.RuleStore using a SQLCipher encrypted
// SQLite database. Rules survive restarts; the daemon reloads them into the
// in-memory registry before the hook attaches.
type SQLCipherRuleStore struct {
	db     *sql.DB
	dbPath string
}

// NewRuleStore opens (or creates) the encrypted rule database.
// The key is used as the SQLCipher passphrase via PRAGMA key.
func NewRuleStore(dataDir string, key []byte) (*SQLCipherRuleStore, error) {
	if err := os.MkdirAll(dataDir, 0700); err != nil {
		return nil, fmt.Errorf("failed to create data directory: %w", err)
	}

	dbPath := filepath.Join(dataDir, rulesDBName)
	keyHex := hex.EncodeToString(key)

	dsn := fmt.Sprintf("%s?_pragma_key=x'%s'&_pragma_cipher_page_size=4096", dbPath, keyHex)
	db, err := sql.Open("sqlite3", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open encrypted database: %w", err)
	}

	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to connect to encrypted database: %w", err)
	}

	store := &SQLCipherRuleStore{
		db:     db,
		dbPath: dbPath,
	}

	if err := store.createTables(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to create tables: %w", err)
	}

	return store, nil
}

func (s *SQLCipherRuleStore) createTables() error {
	schema := `
	CREATE TABLE IF NOT EXISTS rules (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		path TEXT NOT NULL,
		verdict INTEGER NOT NULL,
		created_at INTEGER NOT NULL
	);
	`
	_, err := s.db.Exec(schema)
	return err
}

// LoadAll returns every stored rule in insertion order, so the registry's
// first-match-wins lookup sees the same precedence as the run that wrote
// them.
func (s *SQLCipherRuleStore) LoadAll() ([]domain.RegistryEntry, error) {
	rows, err := s.db.Query(`SELECT path, verdict FROM rules ORDER BY id`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var entries []domain.RegistryEntry
	for rows.Next() {
		var path string
		var verdict int
		if err := rows.Scan(&path, &verdict); err != nil {
			return nil, err
		}
		v := domain.VerdictPermit
		if verdict != 0 {
			v = domain.VerdictBlock
		}
		entries = append(entries, domain.RegistryEntry{
			ExecutablePath: path,
			Verdict:        v,
		})
	}
	return entries, rows.Err()
}

// Append stores a new rule.
func (s *SQLCipherRuleStore) Append(entry domain.RegistryEntry) error {
	verdict := 0
	if entry.Verdict == domain.VerdictBlock {
		verdict = 1
	}
	_, err := s.db.Exec(`INSERT INTO rules (path, verdict, created_at) VALUES (?, ?, ?)`,
		entry.ExecutablePath, verdict, time.Now().Unix())
	return err
}

// Path returns the database file path.
func (s *SQLCipherRuleStore) Path() string {
	return s.dbPath
}

// Close releases the database connection.
func (s *SQLCipherRuleStore) Close() error {
	if s.db != nil {
		return s.db.Close()
	}
	return nil
}

var _ domain.RuleStore = (*SQLCipherRuleStore)(nil)

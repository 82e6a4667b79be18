// Package storage provides SecureStorage backends for the activation
// engine: an encrypted SQLite store for devices, an in-memory store for
// tests, and a small LRU cache used by the token layer.
package storage

import (
	"crypto/rand"
	"database/sql"
	"fmt"
	"sync"
	"time"

	"golang.org/x/crypto/chacha20poly1305"
	_ "modernc.org/sqlite"
)

// SQLiteStore is an encrypted key-value store over a local SQLite database.
// Every value is sealed with XChaCha20-Poly1305 under the store key before
// it touches disk, and each write bumps a rollback-protection counter so a
// restored old snapshot of the database is detectable by the caller.
type SQLiteStore struct {
	db       *sql.DB
	storeKey []byte
	mu       sync.Mutex
	writes   int64
}

// OpenSQLite opens (or creates) the store at path. Use ":memory:" for an
// ephemeral store. The store key must be 32 bytes.
func OpenSQLite(path string, storeKey []byte) (*SQLiteStore, error) {
	if len(storeKey) != chacha20poly1305.KeySize {
		return nil, fmt.Errorf("store key must be %d bytes", chacha20poly1305.KeySize)
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("failed to open SQLite: %w", err)
	}

	pragmas := []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA synchronous=FULL", // Set must survive a crash once it returned
		"PRAGMA busy_timeout=5000",
	}
	for _, pragma := range pragmas {
		if _, err := db.Exec(pragma); err != nil {
			db.Close()
			return nil, fmt.Errorf("failed to set pragma %q: %w", pragma, err)
		}
	}

	s := &SQLiteStore{db: db, storeKey: storeKey}
	if err := s.initSchema(); err != nil {
		db.Close()
		return nil, err
	}
	return s, nil
}

func (s *SQLiteStore) initSchema() error {
	schema := `
	CREATE TABLE IF NOT EXISTS secure_items (
		key        TEXT PRIMARY KEY,
		value      BLOB NOT NULL,
		updated_at INTEGER NOT NULL
	);

	-- Rollback protection: incremented inside the same transaction as every
	-- mutation, so restoring an older database snapshot shows as a counter
	-- that went backwards.
	CREATE TABLE IF NOT EXISTS _metadata (
		key        TEXT PRIMARY KEY,
		value      TEXT NOT NULL,
		updated_at INTEGER NOT NULL
	);
	`
	if _, err := s.db.Exec(schema); err != nil {
		return fmt.Errorf("failed to create schema: %w", err)
	}
	if _, err := s.db.Exec(
		`INSERT OR IGNORE INTO _metadata (key, value, updated_at) VALUES ('write_counter', '0', ?)`,
		time.Now().Unix(),
	); err != nil {
		return fmt.Errorf("failed to initialize metadata: %w", err)
	}

	var counter string
	if err := s.db.QueryRow(`SELECT value FROM _metadata WHERE key = 'write_counter'`).Scan(&counter); err != nil {
		return fmt.Errorf("failed to load write counter: %w", err)
	}
	fmt.Sscanf(counter, "%d", &s.writes)
	return nil
}

// Get returns the decrypted value, or (nil, nil) when the key is absent.
func (s *SQLiteStore) Get(key string) ([]byte, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var sealed []byte
	err := s.db.QueryRow(`SELECT value FROM secure_items WHERE key = ?`, key).Scan(&sealed)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("read failed for %q: %w", key, err)
	}
	value, err := s.open(sealed)
	if err != nil {
		return nil, fmt.Errorf("decryption failed for %q: %w", key, err)
	}
	return value, nil
}

// Set seals and stores the value. The item write and the counter bump are
// one transaction: after Set returns, either both happened or neither did.
func (s *SQLiteStore) Set(key string, value []byte) error {
	sealed, err := s.seal(value)
	if err != nil {
		return fmt.Errorf("encryption failed for %q: %w", key, err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	return s.mutate(func(tx *sql.Tx) error {
		_, err := tx.Exec(
			`INSERT OR REPLACE INTO secure_items (key, value, updated_at) VALUES (?, ?, ?)`,
			key, sealed, time.Now().Unix(),
		)
		return err
	})
}

// Remove deletes the key. Removing an absent key is not an error.
func (s *SQLiteStore) Remove(key string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.mutate(func(tx *sql.Tx) error {
		_, err := tx.Exec(`DELETE FROM secure_items WHERE key = ?`, key)
		return err
	})
}

// WriteCounter returns the rollback-protection counter.
func (s *SQLiteStore) WriteCounter() int64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.writes
}

// EncryptedAtRest reports that this backend seals values before writing.
func (s *SQLiteStore) EncryptedAtRest() bool { return true }

// Close closes the underlying database.
func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

// mutate runs fn plus the counter bump in one transaction.
// Caller holds s.mu.
func (s *SQLiteStore) mutate(fn func(tx *sql.Tx) error) error {
	tx, err := s.db.Begin()
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	if err := fn(tx); err != nil {
		tx.Rollback()
		return fmt.Errorf("write failed: %w", err)
	}
	next := s.writes + 1
	if _, err := tx.Exec(
		`UPDATE _metadata SET value = ?, updated_at = ? WHERE key = 'write_counter'`,
		fmt.Sprintf("%d", next), time.Now().Unix(),
	); err != nil {
		tx.Rollback()
		return fmt.Errorf("counter update failed: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit failed: %w", err)
	}
	s.writes = next
	return nil
}

// seal encrypts a value as [24-byte nonce][ciphertext+tag].
func (s *SQLiteStore) seal(value []byte) ([]byte, error) {
	aead, err := chacha20poly1305.NewX(s.storeKey)
	if err != nil {
		return nil, err
	}
	nonce := make([]byte, aead.NonceSize())
	if _, err := rand.Read(nonce); err != nil {
		return nil, err
	}
	out := make([]byte, 0, len(nonce)+len(value)+aead.Overhead())
	out = append(out, nonce...)
	return aead.Seal(out, nonce, value, nil), nil
}

func (s *SQLiteStore) open(sealed []byte) ([]byte, error) {
	aead, err := chacha20poly1305.NewX(s.storeKey)
	if err != nil {
		return nil, err
	}
	if len(sealed) < aead.NonceSize() {
		return nil, fmt.Errorf("sealed value too short")
	}
	return aead.Open(nil, sealed[:aead.NonceSize()], sealed[aead.NonceSize():], nil)
}
